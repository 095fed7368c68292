package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/m-mizutani/goerr/v2"
	httpctrl "github.com/tally-app/tally/pkg/controller/http"
	"github.com/tally-app/tally/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func cmdServe() *cli.Command {
	var addr string
	var signingKey string
	var seedEmail string
	var seedPassword string
	var seedReports []int64

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "HTTP server address",
			Value:       ":8080",
			Sources:     cli.EnvVars("TALLY_ADDR"),
			Destination: &addr,
		},
		&cli.StringFlag{
			Name:        "signing-key",
			Usage:       "HS256 key for issued auth tokens",
			Sources:     cli.EnvVars("TALLY_SIGNING_KEY"),
			Destination: &signingKey,
		},
		&cli.StringFlag{
			Name:        "seed-email",
			Usage:       "Seed account email (development convenience)",
			Sources:     cli.EnvVars("TALLY_SEED_EMAIL"),
			Destination: &seedEmail,
		},
		&cli.StringFlag{
			Name:        "seed-password",
			Usage:       "Seed account password",
			Sources:     cli.EnvVars("TALLY_SEED_PASSWORD"),
			Destination: &seedPassword,
		},
		&cli.Int64SliceFlag{
			Name:        "seed-report",
			Usage:       "Seed report ID (repeatable)",
			Sources:     cli.EnvVars("TALLY_SEED_REPORTS"),
			Destination: &seedReports,
		},
	}

	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Start the development command server",
		Flags:   flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			opts := []httpctrl.Options{}
			if signingKey != "" {
				opts = append(opts, httpctrl.WithSigningKey([]byte(signingKey)))
			}
			if seedEmail != "" {
				opts = append(opts, httpctrl.WithAccount(seedEmail, seedPassword))
			}
			for _, id := range seedReports {
				opts = append(opts, httpctrl.WithReport(id, "Report"))
			}

			handler := httpctrl.New(opts...)
			server := &http.Server{
				Addr:              addr,
				Handler:           handler,
				ReadHeaderTimeout: 30 * time.Second,
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			errCh := make(chan error, 1)
			go func() {
				color.New(color.FgGreen).Fprintf(os.Stdout, "tally dev server listening on %s\n", addr)
				logging.Default().Info("Starting HTTP server", "addr", addr)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- goerr.Wrap(err, "failed to start server")
				}
			}()

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				logging.Default().Info("Received shutdown signal", "signal", sig)

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()

				if err := server.Shutdown(shutdownCtx); err != nil {
					return goerr.Wrap(err, "failed to shutdown server gracefully")
				}

				logging.Default().Info("Server shutdown completed")
				return nil
			}
		},
	}
}
