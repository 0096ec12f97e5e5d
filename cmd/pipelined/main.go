package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/matchpulse/pipeline/pkg/api"
	"github.com/matchpulse/pipeline/pkg/auth"
	"github.com/matchpulse/pipeline/pkg/backfill"
	"github.com/matchpulse/pipeline/pkg/config"
	"github.com/matchpulse/pipeline/pkg/coverage"
	"github.com/matchpulse/pipeline/pkg/deadletter"
	"github.com/matchpulse/pipeline/pkg/logging"
	"github.com/matchpulse/pipeline/pkg/metrics"
	"github.com/matchpulse/pipeline/pkg/models"
	"github.com/matchpulse/pipeline/pkg/queue"
	"github.com/matchpulse/pipeline/pkg/ratelimit"
	"github.com/matchpulse/pipeline/pkg/settlement"
	"github.com/matchpulse/pipeline/pkg/shutdown"
	"github.com/matchpulse/pipeline/pkg/store"
	tlsutil "github.com/matchpulse/pipeline/pkg/tls"
	"github.com/matchpulse/pipeline/pkg/tracing"
)

var version = "dev"

func main() {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "pipelined",
		Short: "Settlement and backfill pipeline daemon",
		Long:  `pipelined runs the prediction settlement pipeline: queue consumers, the backfill sweeper, coverage monitoring and the admin recovery API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgFile)
		},
	}
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default: ./pipeline.yaml or /etc/matchpulse/pipeline.yaml)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfgFile string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	var logger *logging.Logger
	if cfg.Logging.File {
		logger, err = logging.NewFileLogger("pipelined", logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSONFormat)
		if err != nil {
			return err
		}
	} else {
		logger = logging.NewLogger(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSONFormat)
	}
	logger.Info("Starting pipelined", map[string]interface{}{"version": version})

	sm := shutdown.New(cfg.Server.ShutdownTimeout)

	tracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "matchpulse-pipeline",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	sm.Register(tracer.Shutdown)

	dataStore, err := store.NewStore(store.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	sm.Register(shutdown.CloseResource(dataStore, "data store"))
	logger.Info("Store opened", map[string]interface{}{"driver": cfg.Database.Driver})

	broker := queue.NewMemoryBroker()
	sm.Register(shutdown.CloseResource(broker, "job broker"))

	retryPolicy := models.RetryPolicy{
		MaxAttempts:    cfg.Queue.MaxAttempts,
		InitialBackoff: cfg.Queue.InitialBackoff,
		MaxBackoff:     cfg.Queue.MaxBackoff,
		Multiplier:     cfg.Queue.Multiplier,
	}
	registry := queue.NewRegistry(broker, retryPolicy)

	m := metrics.New()

	settler := settlement.NewSettler(dataStore, settlement.DefaultRules(), logger, m)

	calc := coverage.NewCalculator(dataStore, broker)
	coverageCache := coverage.NewCache(calc, cfg.Coverage.CacheTTL)
	settler.SetInvalidator(cacheInvalidator{coverageCache})

	consumer := queue.NewConsumer(queue.ConsumerConfig{
		Queue:        queue.QueueSettlement,
		PollInterval: cfg.Queue.PollInterval,
		JobTimeout:   cfg.Queue.JobTimeout,
		Concurrency:  cfg.Queue.Concurrency,
	}, broker, dataStore, logger)
	consumer.Register(models.JobTypeSettle, settler.Handle)
	consumer.OnDead(m.JobDeadLettered)
	consumer.OnRetry(m.RetryScheduled)
	consumer.Start()
	sm.Register(shutdown.StopWorker(consumer.Stop, "settlement consumer"))

	backfillWorker := backfill.NewWorker(backfill.Config{
		Interval:      cfg.Backfill.Interval,
		CoverageHours: cfg.Backfill.CoverageHours,
	}, dataStore, registry, coverageCache, logger, m)
	backfillWorker.Start()
	sm.Register(shutdown.StopWorker(backfillWorker.Stop, "backfill worker"))

	pruner := deadletter.NewPruner(dataStore, cfg.DeadLetter.Retention, cfg.DeadLetter.PruneInterval, logger)
	pruner.Start()
	sm.Register(shutdown.StopWorker(pruner.Stop, "dead-letter pruner"))

	apiKeys := auth.NewAPIKeyManager()
	if cfg.Auth.AdminAPIKey != "" {
		apiKeys.AddKey(cfg.Auth.AdminAPIKey, "admin")
	} else {
		generated, err := apiKeys.GenerateAPIKey("admin (generated)")
		if err != nil {
			return fmt.Errorf("failed to generate admin API key: %w", err)
		}
		logger.Warn("No admin API key configured, generated one for this run", map[string]interface{}{
			"api_key": generated,
		})
	}

	readLimiter := ratelimit.NewLimiter(cfg.RateLimit.ReadRPS, cfg.RateLimit.ReadBurst)
	writeLimiter := ratelimit.NewLimiter(cfg.RateLimit.WriteRPS, cfg.RateLimit.WriteBurst)
	readLimiter.StartCleanup(10*time.Minute, time.Hour, sm.Done())
	writeLimiter.StartCleanup(10*time.Minute, time.Hour, sm.Done())

	handler := api.NewHandler(dataStore, registry, coverageCache, cfg.Coverage.HealthHours,
		apiKeys, readLimiter, writeLimiter, m, logger)

	router := mux.NewRouter()
	router.Use(tracing.HTTPMiddleware(tracer))
	handler.RegisterRoutes(router)
	router.Handle("/metrics", m.Handler()).Methods("GET")

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.SelfSigned {
			if _, statErr := os.Stat(cfg.Server.TLS.CertFile); os.IsNotExist(statErr) {
				if err := tlsutil.GenerateSelfSignedCert(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, "pipelined"); err != nil {
					return fmt.Errorf("failed to generate self-signed certificate: %w", err)
				}
				logger.Warn("Generated self-signed TLS certificate", map[string]interface{}{
					"cert_file": cfg.Server.TLS.CertFile,
				})
			}
		}
		tlsCfg, err := tlsutil.ServerConfig(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, cfg.Server.TLS.ClientCAFile)
		if err != nil {
			return fmt.Errorf("failed to configure TLS: %w", err)
		}
		srv.TLSConfig = tlsCfg
	}
	sm.Register(shutdown.StopHTTPServer(srv, "api"))

	go func() {
		logger.Info("API server listening", map[string]interface{}{
			"addr": cfg.Server.ListenAddr,
			"tls":  cfg.Server.TLS.Enabled,
		})
		var serveErr error
		if cfg.Server.TLS.Enabled {
			serveErr = srv.ListenAndServeTLS("", "")
		} else {
			serveErr = srv.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Fatal("API server failed", map[string]interface{}{"error": serveErr.Error()})
		}
	}()

	sm.Wait()
	sm.Shutdown()
	return nil
}

// cacheInvalidator adapts the coverage cache to the settlement post-commit
// hook.
type cacheInvalidator struct {
	cache *coverage.Cache
}

func (ci cacheInvalidator) InvalidateMatch(string) {
	ci.cache.Invalidate()
}
