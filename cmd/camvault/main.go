// Command camvault records camera streams into segment files and delivers
// every completed segment to object storage.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"camvault/internal/config"
	"camvault/internal/events"
	"camvault/internal/fleet"
	"camvault/internal/ledger"
	"camvault/internal/media"
	"camvault/internal/objectstore"
	"camvault/internal/observability/logging"
	"camvault/internal/observability/metrics"
	"camvault/internal/segment"
	"camvault/internal/serverutil"
	"camvault/internal/session"
	"camvault/internal/statusapi"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("camvault", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", os.Getenv("CAMVAULT_CONFIG"), "path to the YAML fleet configuration")
	envFile := flags.String("env-file", ".env", "optional dotenv file loaded before the environment is read")
	logLevel := flags.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flags.String("log-format", "", "log format (json or text)")
	statusAddr := flags.String("status-addr", "", "status API listen address, empty keeps the configured value")
	disableStatus := flags.Bool("no-status", false, "disable the status API")
	checkConfig := flags.Bool("check-config", false, "validate the configuration and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "camvault: %v\n", err)
		return 2
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "camvault: %v\n", err)
		return 2
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = *logFormat
	}
	if flags.Changed("status-addr") {
		cfg.Status.Addr = *statusAddr
	}
	if *disableStatus {
		cfg.Status.Addr = ""
	}

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if *checkConfig {
		logger.Info("configuration valid", "streams", len(cfg.Streams), "ledger", cfg.Ledger.Driver, "events", cfg.Events.Driver)
		return 0
	}

	setupCtx, cancelSetup := context.WithTimeout(context.Background(), 30*time.Second)
	deps, err := buildDependencies(setupCtx, cfg, logger)
	cancelSetup()
	if err != nil {
		logger.Error("failed to initialise dependencies", "error", err)
		return 1
	}
	defer deps.close(logger)

	fleetCfg, err := buildFleetConfig(cfg, deps, newFFmpegPipeline(cfg.Media, logger), logger)
	if err != nil {
		logger.Error("failed to configure streams", "error", err)
		return 1
	}
	sup, err := fleet.New(fleetCfg)
	if err != nil {
		logger.Error("failed to build fleet", "error", err)
		return 1
	}

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	return supervise(sup, deps, cfg.Status, sigs, logger)
}

// supervise runs the fleet until a signal arrives or every session has ended.
// The first signal stops the fleet gracefully. A second one cancels in-flight
// transfers, leaving their segments on disk for the next run.
func supervise(sup *fleet.Supervisor, deps *dependencies, statusCfg config.StatusConfig, sigs <-chan os.Signal, logger *slog.Logger) int {
	forceCtx, force := context.WithCancel(context.Background())
	defer force()
	if err := sup.Start(forceCtx); err != nil {
		logger.Error("no stream could start", "error", err)
		return 1
	}

	statusCtx, stopStatus := context.WithCancel(context.Background())
	defer stopStatus()
	var statusDone chan error
	if statusCfg.Addr != "" {
		srv, err := statusapi.New(statusapi.Config{
			Addr:    statusCfg.Addr,
			TLS:     serverutil.TLSConfig{CertFile: statusCfg.TLSCert, KeyFile: statusCfg.TLSKey},
			Source:  sup,
			Metrics: deps.metrics,
			Recent:  deps.recent,
			Logger:  logger,
		})
		if err != nil {
			logger.Error("failed to build status api", "error", err)
			stopFleet(sup, sigs, force, logger)
			return 1
		}
		done := make(chan error, 1)
		go func() { done <- srv.Run(statusCtx, nil) }()
		statusDone = done
	}

	select {
	case sig := <-sigs:
		logger.Info("received shutdown signal", "signal", sig.String())
		stopFleet(sup, sigs, force, logger)
	case err := <-statusDone:
		statusDone = nil
		logger.Error("status api exited", "error", err)
		stopFleet(sup, sigs, force, logger)
	case <-sup.Done():
		logger.Error("every stream session has ended")
	}
	<-sup.Done()

	stopStatus()
	if statusDone != nil {
		if err := <-statusDone; err != nil {
			logger.Warn("status api shutdown failed", "error", err)
		}
	}

	summary := sup.Summary()
	for _, report := range summary.Sessions {
		logger.Info("stream summary",
			"stream_id", report.StreamID,
			"state", report.State,
			"uploaded", len(report.Uploaded),
			"retained", len(report.Retained),
			"lost", len(report.Lost),
			"skipped", len(report.Skipped),
			"retained_bytes", report.RetainedBytes,
			"error", report.Error,
		)
	}
	logger.Info("camvault stopped", "stopped", summary.Stopped, "failed", summary.Failed, "undelivered", summary.Undelivered, "clean", summary.Clean())
	return summary.ExitCode()
}

func stopFleet(sup *fleet.Supervisor, sigs <-chan os.Signal, force context.CancelFunc, logger *slog.Logger) {
	stopped := make(chan error, 1)
	go func() { stopped <- sup.Stop(context.Background()) }()
	select {
	case err := <-stopped:
		if err != nil {
			logger.Warn("fleet stop reported errors", "error", err)
		}
	case sig := <-sigs:
		logger.Warn("second signal, abandoning in-flight uploads", "signal", sig.String())
		force()
		if err := <-stopped; err != nil {
			logger.Warn("fleet stop reported errors", "error", err)
		}
	}
}

type dependencies struct {
	client    objectstore.Client
	ledger    ledger.Store
	publisher events.Publisher
	recent    *events.MemoryPublisher
	metrics   *metrics.Recorder
}

func (d *dependencies) close(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if d.publisher != nil {
		if err := d.publisher.Close(); err != nil {
			logger.Warn("failed to close event publisher", "error", err)
		}
	}
	if d.ledger != nil {
		if err := d.ledger.Close(ctx); err != nil {
			logger.Warn("failed to close ledger", "error", err)
		}
	}
}

func buildDependencies(ctx context.Context, cfg config.Config, logger *slog.Logger) (*dependencies, error) {
	client, err := objectstore.NewMinio(objectstore.MinioConfig{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Region:    cfg.Storage.Region,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	store, err := openLedger(ctx, cfg.Ledger)
	if err != nil {
		return nil, err
	}
	recent := events.NewMemoryPublisher(cfg.Events.History)
	publisher, err := buildPublisher(cfg.Events, recent, logger)
	if err != nil {
		_ = store.Close(ctx)
		return nil, err
	}
	return &dependencies{
		client:    client,
		ledger:    store,
		publisher: publisher,
		recent:    recent,
		metrics:   metrics.Default(),
	}, nil
}

func openLedger(ctx context.Context, cfg config.LedgerConfig) (ledger.Store, error) {
	switch cfg.Driver {
	case "file":
		return ledger.NewFileStore(cfg.Path)
	case "postgres":
		return ledger.NewPostgresStore(ctx, ledger.PostgresConfig{
			DSN:             cfg.PostgresDSN,
			MaxConnections:  cfg.MaxConnections,
			MinConnections:  cfg.MinConnections,
			MaxConnLifetime: cfg.MaxConnLifetime,
			AcquireTimeout:  cfg.AcquireTimeout,
			ApplicationName: "camvault",
		})
	case "memory":
		return ledger.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", cfg.Driver)
	}
}

// buildPublisher always records into recent so the status API can serve the
// latest outcomes.
func buildPublisher(cfg config.EventsConfig, recent *events.MemoryPublisher, logger *slog.Logger) (events.Publisher, error) {
	fanout := events.Fanout{recent}
	switch cfg.Driver {
	case "", "none":
	case "log":
		fanout = append(fanout, events.NewLogPublisher(logger))
	case "redis":
		publisher, err := events.NewRedisPublisher(events.RedisConfig{
			Addr:       cfg.Redis.Addr,
			Addrs:      cfg.Redis.Addrs,
			Username:   cfg.Redis.Username,
			Password:   cfg.Redis.Password,
			MasterName: cfg.Redis.MasterName,
			Stream:     cfg.Redis.Stream,
			MaxLen:     cfg.Redis.MaxLen,
			PoolSize:   cfg.Redis.PoolSize,
			TLS: events.RedisTLSConfig{
				CAFile:             cfg.Redis.TLS.CAFile,
				CertFile:           cfg.Redis.TLS.CertFile,
				KeyFile:            cfg.Redis.TLS.KeyFile,
				ServerName:         cfg.Redis.TLS.ServerName,
				InsecureSkipVerify: cfg.Redis.TLS.InsecureSkipVerify,
			},
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		fanout = append(fanout, events.NewLogPublisher(logger), events.NewAsync(publisher, cfg.Redis.Buffer, logger))
	default:
		return nil, fmt.Errorf("unsupported events driver %q", cfg.Driver)
	}
	return fanout, nil
}

type pipelineFactory func(stream config.StreamConfig, namer segment.Namer) (media.Pipeline, error)

func newFFmpegPipeline(cfg config.MediaConfig, logger *slog.Logger) pipelineFactory {
	return func(stream config.StreamConfig, namer segment.Namer) (media.Pipeline, error) {
		return media.NewFFmpeg(media.FFmpegConfig{
			Binary:          cfg.Binary,
			Input:           stream.Input,
			InputArgs:       cfg.InputArgs,
			Namer:           namer,
			SegmentDuration: stream.SegmentDuration,
			StopTimeout:     cfg.StopTimeout,
			Logger:          logger,
		})
	}
}

func buildFleetConfig(cfg config.Config, deps *dependencies, newPipeline pipelineFactory, logger *slog.Logger) (fleet.Config, error) {
	out := fleet.Config{MaxConcurrentUploads: cfg.Upload.MaxConcurrent, Logger: logger}
	for _, stream := range cfg.Streams {
		namer, err := segment.NewNamer(stream.Dir, stream.ID, cfg.Storage.BucketPrefix)
		if err != nil {
			return fleet.Config{}, err
		}
		pipeline, err := newPipeline(stream, namer)
		if err != nil {
			return fleet.Config{}, fmt.Errorf("stream %s: %w", stream.ID, err)
		}
		out.Sessions = append(out.Sessions, session.Config{
			Namer:           namer,
			Port:            stream.Port,
			Input:           stream.Input,
			SegmentDuration: stream.SegmentDuration,
			Media:           pipeline,
			Client:          deps.client,
			Ledger:          deps.ledger,
			Publisher:       deps.publisher,
			Detector: session.DetectorOptions{
				Grace:         cfg.Detector.Grace,
				CheckInterval: cfg.Detector.CheckInterval,
			},
			Upload: session.UploadOptions{
				MaxAttempts:    cfg.Upload.MaxAttempts,
				InitialBackoff: cfg.Upload.InitialBackoff,
				MaxBackoff:     cfg.Upload.MaxBackoff,
				AttemptTimeout: cfg.Upload.AttemptTimeout,
			},
			Metrics: deps.metrics,
			Logger:  logger,
		})
	}
	return out, nil
}
