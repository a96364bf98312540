// Praetor daemon: playbook execution engine plus the rule governance API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/marcus-qen/praetor/internal/actions"
	"github.com/marcus-qen/praetor/internal/api"
	"github.com/marcus-qen/praetor/internal/audit"
	"github.com/marcus-qen/praetor/internal/auth"
	"github.com/marcus-qen/praetor/internal/awareness"
	"github.com/marcus-qen/praetor/internal/config"
	"github.com/marcus-qen/praetor/internal/engine"
	"github.com/marcus-qen/praetor/internal/metrics"
	"github.com/marcus-qen/praetor/internal/playbook"
	"github.com/marcus-qen/praetor/internal/ratelimit"
	"github.com/marcus-qen/praetor/internal/rules"
	"github.com/marcus-qen/praetor/internal/telemetry"
	"go.uber.org/zap"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// auditTrail is the surface shared by the persistent audit store and the
// in-memory ring log, so the rest of the wiring does not care which one
// came up.
type auditTrail interface {
	Record(evt audit.Event)
	Query(f audit.Filter) []audit.Event
	Recent(n int) []audit.Event
	Count() int
}

// threatFeed records audit events and folds execution outcomes into the
// failure-rate monitor that drives threat-gated rule lanes.
type threatFeed struct {
	next    auditTrail
	monitor *rules.FailureRateMonitor
}

func (t *threatFeed) Record(evt audit.Event) {
	switch evt.Type {
	case audit.EventExecutionCompleted:
		t.monitor.Observe(false)
	case audit.EventExecutionFailed:
		t.monitor.Observe(true)
	}
	t.next.Record(evt)
}

func main() {
	configPath := flag.String("config", "", "path to a praetor config file (JSON)")
	flag.Parse()

	// Load returns the defaults even on error, so the log level is usable
	// before the error is reported.
	cfg, cfgErr := config.Load(*configPath)
	logger := newLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()
	if cfgErr != nil {
		logger.Fatal("failed to load config", zap.Error(cfgErr))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTraces, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Warn("trace export disabled", zap.Error(err))
	} else {
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			_ = shutdownTraces(flushCtx)
		}()
		if cfg.OTLPEndpoint != "" {
			logger.Info("trace export enabled", zap.String("endpoint", cfg.OTLPEndpoint))
		}
	}

	diskOK := true
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		logger.Warn("cannot create data dir, persistent stores disabled",
			zap.String("dir", cfg.DataDir), zap.Error(err))
		diskOK = false
	}

	// Audit trail: SQLite-backed when the data dir is writable, ring buffer
	// otherwise.
	var trail auditTrail
	var auditStore *audit.Store
	if diskOK {
		path := filepath.Join(cfg.DataDir, "audit.db")
		store, err := audit.NewStore(path, 10000)
		if err != nil {
			logger.Warn("cannot open audit database, falling back to in-memory",
				zap.String("path", path), zap.Error(err))
		} else {
			auditStore = store
			trail = store
			defer func() { _ = auditStore.Close() }()
			logger.Info("audit store opened", zap.String("path", path))
		}
	}
	if trail == nil {
		trail = audit.NewLog(10000)
	}

	// Awareness feed and rule-change broadcasts ride Redis when configured
	// and stay in process otherwise.
	var redisClient *redis.Client
	var sink awareness.Sink
	var broadcaster awareness.Broadcaster
	if cfg.HasRedis() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer func() { _ = redisClient.Close() }()
		sink = awareness.NewRedisSink(redisClient, awareness.WithFeedKey(cfg.RedisFeedKey))
		broadcaster = awareness.NewRedisBroadcaster(redisClient, cfg.RedisChannel)
		logger.Info("awareness feed on redis",
			zap.String("addr", cfg.RedisAddr),
			zap.String("feed_key", cfg.RedisFeedKey),
		)
	} else {
		sink = awareness.NewMemorySink(1000)
		broadcaster = awareness.NewLocalBroadcaster()
	}
	publisher := awareness.NewPublisher(sink, logger.Named("awareness"),
		awareness.WithDropHandler(metrics.RecordAwarenessDrop))
	defer publisher.Close()

	hostname, _ := os.Hostname()

	var rulesStore *rules.Store
	if diskOK {
		path := filepath.Join(cfg.DataDir, "rules.db")
		store, err := rules.NewStore(path,
			rules.WithLogger(logger.Named("rules")),
			rules.WithEmitter(publisher),
			rules.WithAuditor(trail),
			rules.WithBroadcaster(broadcaster),
			rules.WithSourceMachine(hostname),
		)
		if err != nil {
			logger.Warn("cannot open rules database, governance API disabled",
				zap.String("path", path), zap.Error(err))
		} else {
			rulesStore = store
			defer func() { _ = rulesStore.Close() }()
			logger.Info("rule store opened", zap.String("path", path))
		}
	}

	var library *playbook.Library
	if diskOK {
		path := filepath.Join(cfg.DataDir, "playbooks.db")
		lib, err := playbook.NewLibrary(path)
		if err != nil {
			logger.Warn("cannot open playbook library, only inline playbooks will run",
				zap.String("path", path), zap.Error(err))
		} else {
			library = lib
			defer func() { _ = library.Close() }()
			logger.Info("playbook library opened", zap.String("path", path))
		}
	}

	var keys *auth.KeyStore
	if diskOK {
		path := filepath.Join(cfg.DataDir, "keys.db")
		ks, err := auth.NewKeyStore(path, auth.WithAuditor(trail))
		if err != nil {
			logger.Warn("cannot open key store",
				zap.String("path", path), zap.Error(err))
		} else {
			keys = ks
			defer func() { _ = keys.Close() }()
		}
	}
	// Starting with auth on but no key store would lock every caller out.
	if cfg.AuthEnabled && keys == nil {
		logger.Fatal("auth is enabled but the key store is unavailable")
	}

	actionOpts := []actions.Option{
		actions.WithLogger(logger.Named("actions")),
		actions.WithHTTPTimeout(time.Duration(cfg.HTTPTimeoutSeconds) * time.Second),
	}
	if cfg.ShellEnabled {
		actionOpts = append(actionOpts, actions.WithShellEnabled(actions.ShellPolicy{
			Allowed: cfg.ShellAllowed,
			Blocked: cfg.ShellBlocked,
		}))
		logger.Warn("shell_command action is armed",
			zap.Strings("allowed", cfg.ShellAllowed),
			zap.Strings("blocked", cfg.ShellBlocked),
		)
	}
	if len(cfg.SQLDatabases) > 0 {
		dbs := make(map[string]*actions.SQLDatabase, len(cfg.SQLDatabases))
		for name, d := range cfg.SQLDatabases {
			dbs[name] = &actions.SQLDatabase{
				Driver:         d.Driver,
				DSN:            d.DSN,
				AllowedQueries: d.AllowedQueries,
				MaxRows:        d.MaxRows,
				Timeout:        time.Duration(d.TimeoutSeconds) * time.Second,
			}
		}
		actionOpts = append(actionOpts, actions.WithSQL(actions.NewSQLRunner(dbs)))
		logger.Info("sql_query action armed", zap.Int("databases", len(dbs)))
	}
	runner := actions.NewRunner(actionOpts...)

	monitor := rules.NewFailureRateMonitor(50)

	engineOpts := []engine.Option{
		engine.WithActionRunner(runner),
		engine.WithEmitter(publisher),
		engine.WithAuditor(&threatFeed{next: trail, monitor: monitor}),
		engine.WithMaxParallelSteps(cfg.MaxParallelSteps),
		engine.WithLogger(logger.Named("engine")),
	}
	if cfg.RunLimits != nil {
		engineOpts = append(engineOpts, engine.WithRunLimiter(ratelimit.NewLimiter(ratelimit.Config{
			MaxConcurrent:               cfg.RunLimits.MaxConcurrent,
			MaxConcurrentPerPlaybook:    cfg.RunLimits.MaxConcurrentPerPlaybook,
			MaxStartsPerHour:            cfg.RunLimits.MaxStartsPerHour,
			MaxStartsPerHourPerPlaybook: cfg.RunLimits.MaxStartsPerHourPerPlaybook,
			DryRunAllowance:             cfg.RunLimits.DryRunAllowance,
		})))
	}
	eng := engine.New(engineOpts...)

	apiOpts := []api.Option{
		api.WithLogger(logger.Named("api")),
		api.WithAuditTrail(trail),
		api.WithAuth(cfg.AuthEnabled),
		api.WithVersionInfo(version, commit, date),
	}
	if library != nil {
		apiOpts = append(apiOpts, api.WithLibrary(library))
	}
	if keys != nil {
		apiOpts = append(apiOpts, api.WithKeyStore(keys))
	}
	if rulesStore != nil {
		evaluator := rules.NewEvaluator(rulesStore, logger.Named("rules"))
		resolver := rules.NewResolver(rulesStore, logger.Named("rules"))
		dispatcher := rules.NewDispatcher(rulesStore, evaluator, logger.Named("rules"),
			rules.WithThreatMonitor(monitor),
			rules.WithComplianceAuditor(trail),
			rules.WithLaneEmitter(publisher),
		)
		defer dispatcher.Close()
		apiOpts = append(apiOpts,
			api.WithRules(rulesStore),
			api.WithEvaluator(evaluator),
			api.WithDispatcher(dispatcher),
			api.WithResolver(resolver),
		)
	}

	srv := api.NewServer(cfg.ListenAddr, eng, apiOpts...)

	logger.Info("starting praetor",
		zap.String("addr", cfg.ListenAddr),
		zap.String("version", version),
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("auth", cfg.AuthEnabled),
		zap.Bool("audit_persistent", auditStore != nil),
		zap.Bool("rules_available", rulesStore != nil),
		zap.Bool("redis", cfg.HasRedis()),
	)

	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("praetor stopped")
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = lvl
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
