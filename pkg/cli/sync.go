package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/tally-app/tally/pkg/api"
	"github.com/tally-app/tally/pkg/cli/config"
	"github.com/tally-app/tally/pkg/domain/interfaces"
	"github.com/tally-app/tally/pkg/domain/types"
	"github.com/tally-app/tally/pkg/service/attachment"
	"github.com/tally-app/tally/pkg/service/github"
	"github.com/tally-app/tally/pkg/service/markup"
	"github.com/tally-app/tally/pkg/service/pusher"
	"github.com/tally-app/tally/pkg/usecase"
	"github.com/tally-app/tally/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func cmdSync() *cli.Command {
	var configPath string
	var login string
	var password string
	var interval time.Duration
	var storeCfg config.Store

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "Path to TOML configuration",
			Required:    true,
			Sources:     cli.EnvVars("TALLY_CONFIG"),
			Destination: &configPath,
		},
		&cli.StringFlag{
			Name:        "login",
			Usage:       "Account login (email)",
			Required:    true,
			Sources:     cli.EnvVars("TALLY_LOGIN"),
			Destination: &login,
		},
		&cli.StringFlag{
			Name:        "password",
			Usage:       "Account password",
			Sources:     cli.EnvVars("TALLY_PASSWORD"),
			Destination: &password,
		},
		&cli.DurationFlag{
			Name:        "interval",
			Usage:       "Full refresh interval",
			Value:       time.Minute,
			Sources:     cli.EnvVars("TALLY_SYNC_INTERVAL"),
			Destination: &interval,
		},
	}
	flags = append(flags, storeCfg.Flags()...)

	return &cli.Command{
		Name:  "sync",
		Usage: "Run the client sync engine against a command server",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			appCfg, err := config.LoadAppConfig(configPath)
			if err != nil {
				return err
			}

			store, err := storeCfg.Configure(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to initialize store")
			}
			defer func() {
				if err := store.Close(); err != nil {
					logging.Default().Error("failed to close store", "error", err.Error())
				}
			}()

			dispatcher := api.New(appCfg.API.BaseURL)

			ucOpts := []usecase.Option{
				usecase.WithRenderer(markup.New()),
			}
			if appCfg.GitHub.Organization != "" {
				gate := github.New(appCfg.GitHub.Token, appCfg.GitHub.Organization)
				ucOpts = append(ucOpts, usecase.WithAccessGate(gate))
				logging.Default().Info("GitHub access gate enabled", "org", appCfg.GitHub.Organization)
			}
			if appCfg.Attachments.Bucket != "" {
				uploads, err := attachment.New(ctx, appCfg.Attachments.Bucket)
				if err != nil {
					return goerr.Wrap(err, "failed to initialize attachment storage")
				}
				ucOpts = append(ucOpts, usecase.WithAttachments(uploads))
				logging.Default().Info("Attachment uploads enabled", "bucket", appCfg.Attachments.Bucket)
			}

			uc := usecase.New(store, dispatcher, ucOpts...)

			valid, err := uc.Session.SessionValid(ctx)
			if err != nil {
				return err
			}
			if !valid {
				if err := uc.Session.HasAccount(ctx, login); err != nil {
					return err
				}
				if err := uc.Session.SignIn(ctx, password, "", types.RouteHome); err != nil {
					return err
				}
				session, err := uc.Session.Snapshot(ctx)
				if err != nil {
					return err
				}
				if session.State != types.SessionAuthenticated {
					return goerr.New("sign-in failed", goerr.V("reason", session.Error))
				}
			}

			reportIDs := make([]types.ReportID, 0, len(appCfg.Reports))
			for _, id := range appCfg.Reports {
				reportIDs = append(reportIDs, types.ReportID(id))
			}

			if err := uc.Report.FetchAll(ctx, reportIDs...); err != nil {
				return err
			}
			logUnread(ctx, store)

			var unsubscribe func()
			if appCfg.API.PushURL != "" {
				session, err := uc.Session.Snapshot(ctx)
				if err != nil {
					return err
				}
				push, err := pusher.New(ctx, appCfg.API.PushURL)
				if err != nil {
					return goerr.Wrap(err, "failed to connect push channel")
				}
				defer func() {
					if err := push.Close(); err != nil {
						logging.Default().Error("failed to close push channel", "error", err.Error())
					}
				}()

				unsubscribe, err = uc.Report.SubscribePush(ctx, push, session.AccountID)
				if err != nil {
					return goerr.Wrap(err, "failed to subscribe push channel")
				}
				logging.Default().Info("Push channel connected", "url", appCfg.API.PushURL)
			}
			if unsubscribe != nil {
				defer unsubscribe()
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case sig := <-sigCh:
					logging.Default().Info("Received shutdown signal", "signal", sig)
					return nil
				case <-ticker.C:
					if err := uc.Report.FetchAll(ctx, reportIDs...); err != nil {
						logging.Default().Error("periodic refresh failed", "error", err)
						continue
					}
					logUnread(ctx, store)
				}
			}
		},
	}
}

func logUnread(ctx context.Context, store interfaces.Store) {
	keys, err := store.UnreadReportKeys(ctx)
	if err != nil {
		logging.From(ctx).Warn("failed to count unread reports", "error", err)
		return
	}
	logging.From(ctx).Info("sync complete", "unreadReports", len(keys))
}
