package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/scheduler"
	"github.com/sells-group/outreach-cli/internal/server"
	"github.com/sells-group/outreach-cli/internal/webhook"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the cron, unsubscribe and webhook endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		env, err := initApp(ctx, cfg, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		handler, err := buildHandler(cfg, env)
		if err != nil {
			return err
		}

		var sched *scheduler.Scheduler
		if cfg.Outreach.Schedule != "" {
			sched = scheduler.New(cfg.Outreach.Schedule, env.Runner)
			if err := sched.Start(); err != nil {
				return err
			}
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if sched != nil {
				if err := sched.Stop(shutdownCtx); err != nil {
					zap.L().Warn("scheduler stop", zap.Error(err))
				}
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// buildHandler wires the HTTP routes for env.
func buildHandler(c *config.Config, env *appEnv) (http.Handler, error) {
	verifier, err := webhook.NewVerifier(c.Mail.WebhookSecret)
	if err != nil {
		return nil, err
	}
	return server.New(server.Config{
		CronSecret:  c.Server.CronSecret,
		CORSOrigins: c.Server.CORSOrigins,
	}, server.Deps{
		Runner:  env.Runner,
		Leads:   env.Store,
		Webhook: webhook.NewHandler(verifier, webhook.NewIngestor(env.Store, env.Metrics)),
		Metrics: env.Metrics,
	}).Handler(), nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
