// ABOUTME: Entry point for the agora participant
// ABOUTME: Hands off to the cobra command tree
package main

import "github.com/Resonate-Protocol/agora/internal/cli"

func main() {
	cli.Execute(cli.NewRootCmd())
}
