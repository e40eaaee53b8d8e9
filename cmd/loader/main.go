// Command loader is the warehouse loader daemon: it consumes queue
// notifications, resolves them against the schema registry, and drives
// C6's load state machine against a configured target. Wiring is
// sequential component construction followed by one blocking Run loop
// under a signal-derived context.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/drphrozen/snowplow-rdb-loader/internal/config"
	"github.com/drphrozen/snowplow-rdb-loader/internal/control"
	"github.com/drphrozen/snowplow-rdb-loader/internal/dispatch"
	"github.com/drphrozen/snowplow-rdb-loader/internal/folder"
	"github.com/drphrozen/snowplow-rdb-loader/internal/foldermonitor"
	"github.com/drphrozen/snowplow-rdb-loader/internal/loaderr"
	"github.com/drphrozen/snowplow-rdb-loader/internal/loadstate"
	"github.com/drphrozen/snowplow-rdb-loader/internal/log"
	"github.com/drphrozen/snowplow-rdb-loader/internal/manifest"
	"github.com/drphrozen/snowplow-rdb-loader/internal/monitoring"
	"github.com/drphrozen/snowplow-rdb-loader/internal/objectstore"
	"github.com/drphrozen/snowplow-rdb-loader/internal/queue"
	"github.com/drphrozen/snowplow-rdb-loader/internal/registry"
	"github.com/drphrozen/snowplow-rdb-loader/internal/retry"
	"github.com/drphrozen/snowplow-rdb-loader/internal/retryqueue"
	"github.com/drphrozen/snowplow-rdb-loader/internal/statement"
	"github.com/drphrozen/snowplow-rdb-loader/internal/target"
	"github.com/drphrozen/snowplow-rdb-loader/internal/txn"
)

func main() {
	var configPath, igluConfigPath string

	cmd := &cobra.Command{
		Use:   "loader",
		Short: "Snowplow-style warehouse loader daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, igluConfigPath)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the loader config file (required)")
	cmd.Flags().StringVar(&igluConfigPath, "iglu-config", "", "path to the Iglu resolver config file (required)")
	cmd.MarkFlagRequired("config")
	cmd.MarkFlagRequired("iglu-config")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		var le *loaderr.Error
		if errors.As(err, &le) && le.Kind == loaderr.Configuration {
			fmt.Fprintf(os.Stderr, "loader: %v\n", err)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "loader: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, igluConfigPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	iglu, err := config.LoadIglu(igluConfigPath)
	if err != nil {
		return err
	}

	logger := log.New(cfg.LogLevel)

	txr, err := txn.Connect(ctx, cfg.Target.DSN)
	if err != nil {
		return fmt.Errorf("loader: connect target: %w", err)
	}
	defer txr.Close()
	if err := txr.Ping(ctx); err != nil {
		return fmt.Errorf("loader: ping target: %w", err)
	}

	tgt, err := buildTarget(cfg.Target)
	if err != nil {
		return err
	}

	if err := txr.Run(ctx, func(ctx context.Context, conn txn.Conn) error {
		return manifest.Initialize(ctx, conn, tgt)
	}); err != nil {
		return fmt.Errorf("loader: initialize manifest: %w", err)
	}

	reg := registry.New(iglu.Repositories[0].URL)

	store, err := objectstore.New(objectstore.Config{
		Endpoint:  cfg.ObjectStore.Endpoint,
		AccessKey: cfg.ObjectStore.AccessKey,
		SecretKey: cfg.ObjectStore.SecretKey,
		Bucket:    cfg.ObjectStore.Bucket,
		UseSSL:    cfg.ObjectStore.UseSSL,
		Region:    cfg.ObjectStore.Region,
	})
	if err != nil {
		return fmt.Errorf("loader: init object store: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})
	defer redisClient.Close()
	q := queue.NewRedis(redisClient, cfg.Queue.Name, cfg.Queue.DefaultVisibility)

	surface := control.New()
	mon := monitoring.NewMulti(monitoring.NewLogFacade(logger))

	shredderOutput, err := folder.Parse(cfg.Storage.ShredderOutput)
	if err != nil {
		return loaderr.Wrap(loaderr.Configuration, "storage.shredderOutput", err)
	}
	fm := foldermonitor.New(foldermonitor.Config{
		ShredderOutput: shredderOutput,
		Lookback:       cfg.FolderMonitor.Lookback,
		SinceAlert:     cfg.FolderMonitor.SinceAlert,
		Since:          cfg.FolderMonitor.Since,
	}, txr, tgt, store, surface, mon, logger)

	retryCtl := retry.New(retry.Config{
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		MaxAttempts:     cfg.Retry.MaxAttempts,
	}, logger)

	state := loadstate.Dependencies{
		Txr:      txr,
		Registry: reg,
		Target:   tgt,
		Retry:    retryCtl,
		Control:  surface,
		Log:      logger,
		ReadyCheck: loadstate.ReadyCheckConfig{
			Interval: cfg.ReadyCheck.Interval,
			Timeout:  cfg.ReadyCheck.Timeout,
		},
	}

	asynqRedis := asynq.RedisClientOpt{Addr: cfg.Queue.RedisAddr, Password: cfg.Queue.RedisPassword, DB: cfg.Queue.RedisDB}
	asynqClient := asynq.NewClient(asynqRedis)
	defer asynqClient.Close()
	rq := retryqueue.New(asynqClient, retryqueue.Config{
		Period:      cfg.RetryQueue.Period,
		Size:        cfg.RetryQueue.Size,
		Interval:    cfg.RetryQueue.Interval,
		MaxAttempts: cfg.RetryQueue.MaxAttempts,
	})

	var noOp *dispatch.NoOpSchedule
	if cfg.Schedules.NoOperation != nil {
		noOp = &dispatch.NoOpSchedule{
			StartCron: cfg.Schedules.NoOperation.StartCron,
			StopCron:  cfg.Schedules.NoOperation.StopCron,
			Owner:     "schedules.noOperation",
		}
	}

	d := dispatch.New(dispatch.Config{
		Auth:                statement.Auth{CredentialClause: cfg.Auth.CredentialClause},
		InitialEventColumns: cfg.InitialEventColumns,
		FolderMonitorCron:   cfg.Schedules.FolderMonitorCron,
		NoOp:                noOp,
		VisibilityExtend:    cfg.VisibilityExtend,
	}, q, reg, state, fm, surface, mon, logger, rq)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx) })
	g.Go(func() error { return runRetryServer(gctx, asynqRedis, rq, d) })

	if err := g.Wait(); err != nil {
		return fmt.Errorf("loader: %w", err)
	}
	return nil
}

// runRetryServer drains the retry queue's scheduled redeliveries until
// ctx is cancelled, shutting down on <-ctx.Done() and propagating
// asynq.Server's run error otherwise.
func runRetryServer(ctx context.Context, opt asynq.RedisClientOpt, rq *retryqueue.Queue, d *dispatch.Dispatch) error {
	server := asynq.NewServer(opt, asynq.Config{Concurrency: 1})
	mux := rq.Handler(d.RetryDiscovery)

	errc := make(chan error, 1)
	go func() { errc <- server.Run(mux) }()

	select {
	case <-ctx.Done():
		server.Shutdown()
		<-errc
		return nil
	case err := <-errc:
		return err
	}
}

func buildTarget(t config.Target) (statement.Target, error) {
	switch t.Type {
	case config.TargetRedshift:
		return target.New(t.Schema, t.EventsTable, t.ManifestTable, t.UseTransitTable), nil
	case config.TargetSnowflake:
		return target.NewSnowflake(t.Schema, t.Warehouse, t.EventsTable, t.Stage), nil
	case config.TargetDatabricks:
		return target.NewDatabricks(t.Catalog, t.Schema, t.EventsTable), nil
	default:
		return nil, loaderr.New(loaderr.Configuration, fmt.Sprintf("unknown target type %q", t.Type))
	}
}
