// ABOUTME: agora subcommands
// ABOUTME: Each command loads config, sets up logging and runs one long-lived component
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/Resonate-Protocol/agora/internal/app"
	"github.com/Resonate-Protocol/agora/internal/capture"
	"github.com/Resonate-Protocol/agora/internal/relay"
	"github.com/Resonate-Protocol/agora/internal/session"
	"github.com/Resonate-Protocol/agora/internal/sim"
	"github.com/Resonate-Protocol/agora/internal/transport"
	"github.com/Resonate-Protocol/agora/internal/version"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func runJoin(cmd *cobra.Command, _ []string) error {
	e, err := setup(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	e.log.Info().Str("version", version.Version).Str("room", e.cfg.Room).Msg("Starting agora")
	client, url, err := app.Connect(ctx, e.cfg, e.log)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	a := app.New(e.cfg, client, app.Options{Relay: url, UI: !e.cfg.NoTUI}, e.log)
	err = a.Run(ctx)
	e.log.Info().Msg("Stopped")
	return err
}

func newSimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sim",
		Short: "Walk among simulated participants",
		Long: `Starts --bots simulated participants that wander between zones and
speak with tones. Without --relay everything runs in-process and you join
the room yourself; with --relay the bots join that relay headless.`,
		RunE: runSim,
	}
}

func runSim(cmd *cobra.Command, _ []string) error {
	remote := cmd.Flags().Changed("relay")
	e, err := setup(cmd, remote)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	simCfg := sim.Config{
		Bots:   e.cfg.Sim.Bots,
		Speed:  e.cfg.Sim.Speed,
		Tick:   e.cfg.Sim.Tick,
		Voices: e.cfg.Sim.Voices,
		Zones:  e.cfg.Zones,
		Session: session.Config{
			Prefix:            e.cfg.Prefix(),
			StaleTimeout:      e.cfg.Session.StaleTimeout,
			PruneInterval:     e.cfg.Session.PruneInterval,
			MoveInterval:      e.cfg.Session.MoveInterval,
			HeartbeatInterval: e.cfg.Session.HeartbeatInterval,
			DeadZone:          e.cfg.Session.DeadZone,
		},
	}

	if remote {
		client, _, err := app.Connect(ctx, e.cfg, e.log)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer client.Close()
		return sim.New(simCfg, client, e.log).Run(ctx)
	}

	hub := transport.NewHub()
	defer hub.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sim.New(simCfg, hub, e.log).Run(gctx) })
	g.Go(func() error {
		defer cancel()
		a := app.New(e.cfg, hub, app.Options{Relay: "simulation", UI: !e.cfg.NoTUI, Shared: true}, e.log)
		return a.Run(gctx)
	})
	return g.Wait()
}

// NewRelayCmd builds the relay command. cmd/agora-relay uses it as its root.
func NewRelayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a relay that participants connect to",
		RunE:  runRelay,
	}
	cmd.Flags().String("relay-name", "", "Name advertised over mDNS (default: <hostname>-agora-relay)")
	return cmd
}

func runRelay(cmd *cobra.Command, _ []string) error {
	e, err := setup(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()

	name, _ := cmd.Flags().GetString("relay-name")
	if name == "" {
		name = e.cfg.Server.Name
	}
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		name = hostname + "-agora-relay"
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	srv := relay.New(relay.Config{
		Port:       e.cfg.Server.Port,
		Name:       name,
		Path:       e.cfg.Server.Path,
		EnableMDNS: e.cfg.Server.MDNS,
	}, e.log)
	e.log.Info().Int("port", e.cfg.Server.Port).Msg("Press Ctrl-C to stop")
	return srv.Run(ctx)
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List capture devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			devices, err := capture.ListDevices()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(devices) == 0 {
				fmt.Fprintln(out, "No capture devices found")
				return nil
			}
			for _, d := range devices {
				mark := " "
				if d.Default {
					mark = "*"
				}
				fmt.Fprintf(out, "%s %s\n", mark, d.Name)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
