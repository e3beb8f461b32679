package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/polistern/pboted/config"
	"github.com/polistern/pboted/daemon"
	"github.com/polistern/pboted/pkg/errors"
	"github.com/polistern/pboted/pkg/logtrace"
	"github.com/polistern/pboted/transport"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(ctx context.Context) error {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.Load(ctx, cfgFile)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default(ctx)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	logtrace.Setup(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return errors.Errorf("create data directory: %w", err)
	}

	session, err := transport.DialSAM(ctx, transport.SAMConfig{
		Address: cfg.SAM.Address,
		TCPPort: cfg.SAM.TCP,
		UDPPort: cfg.SAM.UDP,
		Name:    cfg.SAM.Name,
		Host:    cfg.Host,
		Port:    cfg.Port,
	})
	if err != nil {
		return errors.Errorf("establish overlay session: %w", err)
	}

	// No identities or address book are loaded here, so the daemon runs
	// DHT-only: no check loop starts and the send loop skips its rounds.
	d, err := daemon.New(ctx, cfg, session, nil, nil)
	if err != nil {
		return err
	}
	if err := d.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	d.Stop(ctx)
	return nil
}
