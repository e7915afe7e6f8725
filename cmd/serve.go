package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"asyncart/internal/events"
	"asyncart/internal/jobs"
	"asyncart/internal/metrics"
	"asyncart/internal/models"
	"asyncart/internal/server"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the upload and status API on " + models.ListenAddr,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d, err := openDeps(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		var announcer jobs.Announcer
		if d.cfg.KafkaEnabled() {
			pub := events.NewPublisher(d.cfg.Kafka.Brokers, d.cfg.Kafka.Topic)
			defer pub.Close()
			announcer = pub
		} else {
			d.log.Info("kafka brokers not configured, job announcements disabled")
		}

		if d.cfg.InternalToken == "" {
			d.log.Warn("INTERNAL_TOKEN not set, internal status route disabled")
		}

		gin.SetMode(gin.ReleaseMode)
		srv := server.NewServer(models.ListenAddr, server.Deps{
			Jobs:    d.service(announcer),
			Metrics: metrics.New(),
			Log:     d.log,
			Checks: []server.NamedCheck{
				{Name: "database", Pinger: d.db},
				{Name: "storage", Pinger: d.objects},
			},
			InternalToken: d.cfg.InternalToken,
		})

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		d.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Stop(shutdownCtx)
	},
}
