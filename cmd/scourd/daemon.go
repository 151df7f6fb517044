package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tidefs-io/scour/internal/config"
	"github.com/tidefs-io/scour/internal/journal"
	"github.com/tidefs-io/scour/internal/logging"
	"github.com/tidefs-io/scour/internal/metrics"
	"github.com/tidefs-io/scour/internal/objectstore"
	"github.com/tidefs-io/scour/internal/objectstore/s3"
	"github.com/tidefs-io/scour/internal/purge"
)

// DaemonOptions holds everything needed to construct a Daemon.
type DaemonOptions struct {
	Config  *config.Config
	Logger  *logging.Logger
	Version string
}

// Daemon ties the purge queue, journal, object store and observability
// surface together for the scourd process.
type Daemon struct {
	cfg    *config.Config
	logger *logging.Logger

	queue         *purge.Queue
	store         objectstore.Client
	metricsServer *metrics.Server
	statsScanner  *metrics.PurgeStatsScanner
}

// NewDaemon constructs the daemon from configuration. The journal is not
// touched until Start.
func NewDaemon(opts DaemonOptions) (*Daemon, error) {
	cfg := opts.Config
	logger := opts.Logger

	s3Client, err := s3.New(context.Background(), s3.Config{
		Bucket:          cfg.ObjectStore.Bucket,
		Region:          cfg.ObjectStore.Region,
		Endpoint:        cfg.ObjectStore.Endpoint,
		AccessKeyID:     cfg.ObjectStore.AccessKey,
		SecretAccessKey: cfg.ObjectStore.SecretKey,
		UsePathStyle:    cfg.ObjectStore.UsePathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}

	storeMetrics := metrics.NewObjectStoreMetrics()
	store := objectstore.NewInstrumentedClient(s3Client, storeMetrics)

	j := journal.New(cfg.Journal.Dir, journal.Config{
		SegmentSizeBytes: cfg.Journal.SegmentSizeBytes,
		CompressMinBytes: cfg.Journal.CompressMinBytes,
	})

	purgeMetrics := metrics.NewPurgeMetrics()
	queue := purge.NewQueue(j, store, purge.Config{
		MaxConcurrent: cfg.Purge.MaxConcurrent,
		Metrics:       purgeMetrics,
		Logger:        logger,
	})

	return &Daemon{
		cfg:           cfg,
		logger:        logger,
		queue:         queue,
		store:         store,
		metricsServer: metrics.NewServer(cfg.Observability.MetricsAddr),
		statsScanner:  metrics.NewPurgeStatsScanner(purgeMetrics, queue, 10*time.Second),
	}, nil
}

// Start opens the purge queue, creating the journal on first run, and
// brings up the metrics endpoint.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.metricsServer.Start(); err != nil {
		return fmt.Errorf("starting metrics server: %w", err)
	}
	d.logger.Infof("metrics endpoint up", map[string]any{"addr": d.metricsServer.Addr()})

	err := d.queue.Open(ctx)
	if errors.Is(err, journal.ErrNoJournal) {
		d.logger.Infof("no journal found, creating", map[string]any{"dir": d.cfg.Journal.Dir})
		err = d.queue.Create(ctx)
	}
	if err != nil {
		return fmt.Errorf("opening purge queue: %w", err)
	}

	d.statsScanner.Start()
	d.logger.Infof("scourd started", map[string]any{
		"journal_dir":    d.cfg.Journal.Dir,
		"max_concurrent": d.cfg.Purge.MaxConcurrent,
	})
	return nil
}

// Shutdown drains in-flight purges until ctx expires, then releases the
// queue, the store client and the metrics server.
func (d *Daemon) Shutdown(ctx context.Context) error {
	if err := d.queue.Wait(ctx); err != nil {
		d.logger.Warnf("shutting down with purges in flight", map[string]any{"error": err.Error()})
	}
	d.statsScanner.Stop()

	if err := d.queue.Shutdown(); err != nil {
		return fmt.Errorf("shutting down queue: %w", err)
	}
	if err := d.store.Close(); err != nil {
		return fmt.Errorf("closing object store client: %w", err)
	}
	return d.metricsServer.Close()
}
