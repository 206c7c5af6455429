package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/goliatone/go-logger/glog"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/errgroup"

	stageflow "github.com/goliatone/go-stageflow"
	"github.com/goliatone/go-stageflow/config"
	"github.com/goliatone/go-stageflow/executor"
	"github.com/goliatone/go-stageflow/record"
	"github.com/goliatone/go-stageflow/scan"
	"github.com/goliatone/go-stageflow/server"
	"github.com/goliatone/go-stageflow/store"
	"github.com/goliatone/go-stageflow/transition"
)

var cli struct {
	LogLevel string `help:"Log level." enum:"trace,debug,info,warn,error" default:"info"`

	Serve    serveCmd    `cmd:"" help:"Run the stage engine: HTTP surface, duration scanner and action executor."`
	Validate validateCmd `cmd:"" help:"Parse and validate a pipeline configuration file."`
}

type serveCmd struct {
	Config         string        `help:"Pipeline configuration file." type:"existingfile" default:"pipelines.yaml"`
	Listen         string        `help:"HTTP listen address." default:":8080"`
	DB             string        `help:"SQLite database path. Empty runs fully in memory."`
	TickInterval   time.Duration `help:"Duration scan cadence." default:"60s"`
	BatchSize      int           `help:"Records per scan batch." default:"200"`
	PartitionIndex int           `help:"This instance's partition index." default:"0"`
	PartitionTotal int           `help:"Total scan partitions. 1 disables partitioning." default:"1"`
	Workers        int           `help:"Concurrent action deliveries." default:"4"`
	MaxAttempts    int           `help:"Delivery attempts before dead-lettering." default:"3"`
}

type validateCmd struct {
	Config string `arg:"" help:"Pipeline configuration file." type:"existingfile"`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("stageflow"),
		kong.Description("Stage-based workflow automation engine."),
		kong.UsageOnError(),
	)
	logger := newLogger(cli.LogLevel)
	ctx.FatalIfErrorf(ctx.Run(logger))
}

func (c *serveCmd) Run(logger stageflow.Logger) error {
	set, err := config.LoadFile(c.Config)
	if err != nil {
		return fmt.Errorf("load pipeline config: %w", err)
	}
	snapshot, err := config.NewSnapshot(set)
	if err != nil {
		return fmt.Errorf("index pipeline config: %w", err)
	}
	logger.Info("loaded %d pipeline(s) from %s", len(set.Pipelines), c.Config)

	var (
		engineStore store.Store
		records     record.Store
		leader      scan.LeaderLock
	)
	if c.DB != "" {
		db, err := sql.Open("sqlite3", c.DB+"?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate")
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		engineStore = store.NewSQLiteStore(db)
		records = record.NewSQLiteStore(db)
		leader = scan.NewSQLiteLeaderLock(db)
	} else {
		engineStore = store.NewInMemoryStore()
		records = record.NewInMemoryStore()
		leader = scan.NewInMemoryLeaderLock()
	}

	coordinator := transition.NewCoordinator(records, engineStore, transition.WithLogger(logger))

	scanOpts := []scan.ScannerOption{
		scan.WithBatchSize(c.BatchSize),
		scan.WithLogger(logger),
	}
	// Partitioning and the leader lock are alternative scale-out modes:
	// partitioned instances each own a shard and must all scan, while
	// unpartitioned replicas elect a single scanner per tick.
	if c.PartitionTotal > 1 {
		scanOpts = append(scanOpts,
			scan.WithPartition(scan.Partition{Index: c.PartitionIndex, Total: c.PartitionTotal}),
		)
	} else {
		scanOpts = append(scanOpts, scan.WithLeaderLock(leader))
	}
	scanner := scan.NewScanner(records, engineStore, scanOpts...)
	scheduler := scan.NewScheduler(scanner,
		func() stageflow.OrgPipelineContext { return snapshot.Context("default") },
		scan.WithInterval(c.TickInterval),
		scan.WithSchedulerLogger(logger),
	)

	// Collaborators default to in-memory sinks; real deployments swap in
	// the owning application's services here.
	exec := executor.New(engineStore, records, executor.Services{
		Tasks:         executor.NewInMemoryTaskService(),
		Notifications: executor.NewInMemoryNotificationService(),
		Email:         executor.NewInMemoryEmailService(),
		Directory:     executor.StaticUserDirectory{},
	},
		executor.WithConcurrency(c.Workers),
		executor.WithMaxAttempts(c.MaxAttempts),
		executor.WithLogger(logger),
	)

	srv := server.New(coordinator, engineStore, snapshot,
		server.WithLogger(logger),
		server.WithHealthSource(exec),
	)

	runCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start scan scheduler: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := scheduler.Stop(stopCtx); err != nil {
			logger.Warn("scan scheduler stop: %v", err)
		}
	}()

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return exec.Run(groupCtx)
	})
	group.Go(func() error {
		return srv.ListenAndServe(groupCtx, c.Listen)
	})
	return group.Wait()
}

func (c *validateCmd) Run(logger stageflow.Logger) error {
	set, err := config.LoadFile(c.Config)
	if err != nil {
		return err
	}
	if _, err := config.NewSnapshot(set); err != nil {
		return err
	}
	total := 0
	for _, p := range set.Pipelines {
		total += len(p.Stages)
	}
	logger.Info("%s is valid: %d pipeline(s), %d stage(s)", c.Config, len(set.Pipelines), total)
	return nil
}

func newLogger(level string) stageflow.Logger {
	base := glog.NewLogger(
		glog.WithWriter(os.Stderr),
		glog.WithLoggerTypeJSON(),
		glog.WithLevel(level),
	)
	return glogLogger{logger: base}
}

// glogLogger adapts a go-logger instance to the engine's Logger contract.
type glogLogger struct {
	logger glog.Logger
}

func (l glogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l glogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l glogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l glogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

func (l glogLogger) WithContext(ctx context.Context) stageflow.Logger {
	if l.logger == nil {
		return stageflow.NewFmtLogger(nil).WithContext(ctx)
	}
	return glogLogger{logger: l.logger.WithContext(ctx)}
}

func (l glogLogger) WithFields(fields map[string]any) stageflow.Logger {
	if l.logger == nil {
		return stageflow.NewFmtLogger(nil).WithFields(fields)
	}
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return glogLogger{logger: fl.WithFields(fields)}
	}
	return l
}
