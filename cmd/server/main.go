package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"iomt-ars/internal/analytics"
	"iomt-ars/internal/audit"
	"iomt-ars/internal/cache"
	"iomt-ars/internal/config"
	"iomt-ars/internal/containment"
	"iomt-ars/internal/enforcer"
	"iomt-ars/internal/handlers"
	"iomt-ars/internal/models"
	"iomt-ars/internal/oracle"
	"iomt-ars/internal/pipeline"
	"iomt-ars/internal/source"
)

func main() {
	log.Println("[SYS_EVENT] Starting Automated Response System (ARS) - Defense Core...")

	// Конфигурация из environment variables
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Инициализация Redis
	var redisStore *cache.RedisStore
	if cfg.NeedsRedis() {
		redisStore, err = cache.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.AuditRetention)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisStore.Close()
		log.Println("Connected to Redis")
	}

	decider, err := buildOracle(cfg)
	if err != nil {
		log.Fatalf("Failed to load oracle: %v", err)
	}
	log.Printf("Oracle: %s", cfg.Oracle)

	fw, err := enforcer.NewFirewall(cfg.FirewallOS, cfg.DryRun, nil, nil)
	if err != nil {
		log.Fatalf("Failed to init enforcer: %v", err)
	}
	if cfg.DryRun {
		log.Println("Enforcer running in dry-run mode, firewall commands are only logged")
	}

	sink, history, closeSinks, err := buildSinks(cfg, redisStore)
	if err != nil {
		log.Fatalf("Failed to init audit sink: %v", err)
	}
	defer closeSinks()

	tracker := containment.NewTracker(decider, fw, sink, containment.WithPolicy(cfg.Policy))
	log.Printf("Tracker ready: min dwell %s, high risk threshold %.2f", cfg.Policy.MinDwell, cfg.Policy.HighRiskThreshold)

	// Инициализация анализатора
	analyzer := analytics.NewAnalyzer(cfg.WindowSize, cfg.AnomalyThreshold)
	log.Printf("Analyzer started with window size: %d, threshold: %.2f\n", cfg.WindowSize, cfg.AnomalyThreshold)

	src, push, closeSource, err := buildSource(cfg, redisStore)
	if err != nil {
		log.Fatalf("Failed to open event source: %v", err)
	}
	defer closeSource()

	// Инициализация HTTP handlers
	opts := []handlers.Option{handlers.WithStats("analyzer", analyzer)}
	if history != nil {
		opts = append(opts, handlers.WithHistory(history))
	}
	if push != nil {
		opts = append(opts, handlers.WithPush(push))
	}
	if redisStore != nil {
		opts = append(opts, handlers.WithRedis(redisStore), handlers.WithStats("redis", redisStore))
	}
	handler := handlers.NewHandler(tracker, opts...)

	// HTTP сервер
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handlers.NewRouter(handler),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server listening on port %s\n", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := pipeline.New(tracker, pipeline.WithScorer(analyzer), pipeline.WithPace(cfg.Pace))
	done := make(chan error, 1)
	go func() {
		log.Printf("Event source: %s", cfg.EventSource)
		done <- p.Run(ctx, src)
	}()

	select {
	case <-ctx.Done():
		// текущее событие дорабатывается до конца до закрытия приемников аудита
		if err := awaitPipeline(done, pipelineDrainTimeout); err != nil {
			log.Printf("Pipeline stopped: %v", err)
		}
	case err := <-done:
		if err != nil {
			log.Printf("Pipeline stopped: %v", err)
		}
		stats := tracker.Stats()
		log.Printf("Stream finished: %d events, %d devices (%d isolated, %d quarantined). API stays up until shutdown.",
			stats.EventsTotal, stats.DevicesTracked, stats.Isolated, stats.Quarantined)
		<-ctx.Done()
	}

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped gracefully")
}

const pipelineDrainTimeout = 30 * time.Second

var errDrainTimeout = errors.New("pipeline did not stop in time")

// awaitPipeline ждет завершения конвейера не дольше timeout
func awaitPipeline(done <-chan error, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return errDrainTimeout
	}
}

func buildOracle(cfg config.Config) (containment.Oracle, error) {
	switch cfg.Oracle {
	case config.OracleThreat:
		return oracle.NewThreatOracle(cfg.ThreatActions, cfg.MinConfidence), nil
	case config.OracleForest:
		forest, err := oracle.LoadForest(cfg.ModelPath)
		if err != nil {
			return nil, err
		}
		return forest, nil
	default:
		return oracle.NewRuleOracle(cfg.Rules), nil
	}
}

// buildSinks возвращает приемник аудита, читателя истории (если бэкенд умеет) и функцию закрытия
func buildSinks(cfg config.Config, redisStore *cache.RedisStore) (containment.AuditSink, handlers.HistoryReader, func(), error) {
	var (
		primary audit.Sink
		history handlers.HistoryReader
		closers []func() error
	)

	switch cfg.AuditBackend {
	case config.AuditSQLite:
		s, err := audit.NewSQLiteSink(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		primary, history = s, s
		closers = append(closers, s.Close)
	case config.AuditRedis:
		primary, history = redisStore, redisStore
	default:
		s, err := audit.NewFileSink(cfg.AuditLogPath)
		if err != nil {
			return nil, nil, nil, err
		}
		primary, history = s, s
		closers = append(closers, s.Close)
	}
	log.Printf("Audit backend: %s", cfg.AuditBackend)

	sinks := audit.Multi{primary}
	if cfg.DiscordToken != "" {
		n, err := audit.NewDiscordNotifier(cfg.DiscordToken, cfg.DiscordChannel)
		if err != nil {
			return nil, nil, nil, err
		}
		sinks = append(sinks, n)
		closers = append(closers, n.Close)
		log.Println("Discord escalation alerts enabled")
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Printf("Failed to close audit sink: %v", err)
			}
		}
	}
	return sinks, history, closeAll, nil
}

// buildSource возвращает источник событий и, для живых источников, функцию приема событий по HTTP
func buildSource(cfg config.Config, redisStore *cache.RedisStore) (source.Source, handlers.PushFunc, func(), error) {
	noop := func() {}

	switch cfg.EventSource {
	case config.SourceCSV:
		src, err := source.OpenCSV(cfg.CSVPath, nil)
		if err != nil {
			return nil, nil, nil, err
		}
		return src, nil, func() { src.Close() }, nil

	case config.SourceHTTP:
		q := source.NewQueue(cfg.QueueSize)
		push := func(_ context.Context, ev models.Event) error { return q.Push(ev) }
		return q, push, q.Close, nil

	case config.SourceRedis:
		push := func(ctx context.Context, ev models.Event) error {
			return redisStore.PushEvent(ctx, cfg.RedisQueueKey, ev)
		}
		return source.NewRedisQueue(redisStore, cfg.RedisQueueKey, time.Second), push, noop, nil

	case config.SourceSimulation:
		return source.Simulation(), nil, noop, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown event source %q", cfg.EventSource)
}
