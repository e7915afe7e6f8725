package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"asyncart/internal/events"
	"asyncart/internal/processor"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the reference image worker fed by Kafka job announcements",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d, err := openDeps(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		if !d.cfg.KafkaEnabled() {
			return errors.New("worker needs kafka brokers (KAFKA_BROKERS)")
		}

		proc, err := processor.New(d.objects, d.service(nil), processor.Options{
			MaxWidth:      d.cfg.Processor.MaxWidth,
			WatermarkText: d.cfg.Processor.WatermarkText,
		}, d.log)
		if err != nil {
			return err
		}

		consumer := events.NewConsumer(d.cfg.Kafka.Brokers, d.cfg.Kafka.Topic, d.log)
		defer consumer.Close()

		swept := make(chan struct{})
		go func() {
			defer close(swept)
			proc.RunSweeper(ctx, d.cfg.Processor.SweepInterval)
		}()

		d.log.WithFields(logrus.Fields{
			"topic":          d.cfg.Kafka.Topic,
			"sweep_interval": d.cfg.Processor.SweepInterval.String(),
		}).Info("starting worker")
		err = consumer.Run(ctx, proc.HandleEvent)
		stop()
		<-swept
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
