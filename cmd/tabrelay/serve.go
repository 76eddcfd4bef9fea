package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/neboloop/tabrelay/internal/logging"
	"github.com/neboloop/tabrelay/internal/relay"
)

// ExitPortInUse is the exit code the lifecycle supervisor inspects when the
// relay could not bind its port.
const ExitPortInUse = 2

// ServeCmd runs the relay in the foreground. This is also the entry point
// the supervisor spawns detached.
func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := logging.Setup(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile}); err != nil {
				return err
			}

			r := relay.New(cfg, Version)
			// Bind before anything else: holding the port is what makes
			// the instance discoverable as "running".
			if err := r.Start(); err != nil {
				var opErr *net.OpError
				if errors.As(err, &opErr) {
					fmt.Fprintf(os.Stderr, "port %d already in use\n", cfg.Port)
					os.Exit(ExitPortInUse)
				}
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				sigCh := make(chan os.Signal, 1)
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
				defer signal.Stop(sigCh)
				select {
				case <-sigCh:
				case <-r.ShutdownRequested():
				case <-ctx.Done():
				}
				cancel()
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer stopCancel()
				return r.Stop(stopCtx)
			})
			return g.Wait()
		},
	}
}
