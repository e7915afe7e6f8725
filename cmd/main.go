package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"asyncart/internal/jobs"
	"asyncart/internal/logging"
	"asyncart/internal/models"
	"asyncart/internal/objectstore"
	"asyncart/internal/storage"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "asyncart",
	Short: "AsyncArt accepts image uploads and tracks their processing jobs",
	Long: `asyncart runs the AsyncArt upload API or the reference image worker.

Configuration is read from an optional yaml file (--config) and overridden by
environment variables: AWS_REGION, AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY,
AWS_S3_BUCKET_NAME, DB_HOST, DB_USER, DB_PASSWORD, DB_NAME, KAFKA_BROKERS.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml")
	rootCmd.AddCommand(serveCmd, workerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// deps holds the long-lived handles shared by both subcommands.
type deps struct {
	cfg     *models.Config
	log     *logrus.Logger
	db      *storage.Storage
	objects *objectstore.Client
}

func openDeps(ctx context.Context) (*deps, error) {
	cfg, err := models.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	db, err := storage.NewStorage(ctx, cfg.Database.DSN(), cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}

	objects, err := objectstore.New(objectstore.Options{
		Endpoint:        cfg.Storage.Endpoint,
		Region:          cfg.Storage.Region,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		Bucket:          cfg.Storage.Bucket,
		Secure:          cfg.Storage.Secure(),
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init object store: %w", err)
	}

	return &deps{cfg: cfg, log: logging.New(cfg.LogLevel), db: db, objects: objects}, nil
}

func (d *deps) service(announcer jobs.Announcer) *jobs.Service {
	return jobs.NewService(d.objects, d.db, announcer, d.log)
}

func (d *deps) Close() {
	d.db.Close()
}
