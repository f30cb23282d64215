// ABOUTME: Entry point for the standalone agora relay
// ABOUTME: Same as `agora relay` for hosts that only run the relay
package main

import (
	"github.com/Resonate-Protocol/agora/internal/cli"
	"github.com/Resonate-Protocol/agora/internal/config"
)

func main() {
	cmd := cli.NewRelayCmd()
	cmd.Use = "agora-relay"
	config.BindFlags(cmd.PersistentFlags())
	cli.Execute(cmd)
}
