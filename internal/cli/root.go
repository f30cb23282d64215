// ABOUTME: Cobra command tree for the agora binary
// ABOUTME: join (default), sim, relay, devices and version share one flag set and config loader
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Resonate-Protocol/agora/internal/config"
	"github.com/Resonate-Protocol/agora/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// NewRootCmd builds the agora command tree. Running it without a
// subcommand joins a room.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agora",
		Short: "Agora - spatial voice rooms",
		Long: `Agora puts everyone in a room on a shared map. You hear the people
in your zones and nobody else. Walk between zones to change who you hear.

Run 'agora' to join a room on a relay found over mDNS, or pass --relay.`,
		SilenceUsage: true,
		RunE:         runJoin,
	}
	config.BindFlags(root.PersistentFlags())

	root.AddCommand(
		newSimCmd(),
		NewRelayCmd(),
		newDevicesCmd(),
		newVersionCmd(),
	)
	return root
}

// env is what every command needs after flags are parsed
type env struct {
	cfg    *config.Config
	log    zerolog.Logger
	closer io.Closer
}

// setup loads configuration and builds the logger. The console gets logs
// when headless is set or no TUI was requested.
func setup(cmd *cobra.Command, headless bool) (*env, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, err
	}
	log, closer, err := logging.Setup(logging.Options{
		Level:   cfg.Log.Level,
		File:    cfg.Log.File,
		Console: headless || cfg.NoTUI,
	})
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log, closer: closer}, nil
}

func (e *env) Close() {
	_ = e.closer.Close()
}

// signalContext ends on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Execute runs cmd and exits non-zero on failure
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
