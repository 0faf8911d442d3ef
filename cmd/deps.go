package main

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/screening-cli/internal/docstore"
	"github.com/sells-group/screening-cli/internal/lock"
	"github.com/sells-group/screening-cli/internal/pipeline"
	"github.com/sells-group/screening-cli/internal/resilience"
	"github.com/sells-group/screening-cli/internal/store"
	"github.com/sells-group/screening-cli/pkg/docfetch"
	"github.com/sells-group/screening-cli/pkg/jobrunner"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "screening.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

func retryPolicy() resilience.Policy {
	p := resilience.DefaultPolicy()
	if cfg.Pipeline.RetryAttempts > 0 {
		p.MaxAttempts = cfg.Pipeline.RetryAttempts
	}
	if cfg.Pipeline.RetryBackoffMs > 0 {
		p.InitialBackoff = time.Duration(cfg.Pipeline.RetryBackoffMs) * time.Millisecond
	}
	if cfg.Pipeline.RetryMaxBackoffMs > 0 {
		p.MaxBackoff = time.Duration(cfg.Pipeline.RetryMaxBackoffMs) * time.Millisecond
	}
	return p
}

func initRunner() jobrunner.Client {
	breaker := resilience.NewBreaker(cfg.Pipeline.BreakerThreshold, time.Duration(cfg.Pipeline.BreakerCooldownS)*time.Second)
	return jobrunner.NewClient(cfg.Runner.Key,
		jobrunner.WithBaseURL(cfg.Runner.BaseURL),
		jobrunner.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Runner.TimeoutSecs) * time.Second}),
		jobrunner.WithRateLimit(cfg.Runner.RatePerSec),
		jobrunner.WithBreaker(breaker),
	)
}

func initDocClient() docfetch.Client {
	return docfetch.NewClient(cfg.Documents.Key,
		docfetch.WithBaseURL(cfg.Documents.BaseURL),
		docfetch.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Runner.TimeoutSecs) * time.Second}),
		docfetch.WithRateLimit(cfg.Runner.RatePerSec),
	)
}

func initDocStore(ctx context.Context) (docstore.Store, error) {
	switch cfg.Documents.Backend {
	case "local", "":
		return docstore.NewLocal(cfg.Documents.LocalDir), nil
	case "s3":
		client, err := docstore.NewS3Client(ctx, docstore.S3Config{
			Region:   cfg.Documents.S3Region,
			Endpoint: cfg.Documents.S3Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return docstore.NewS3(client, cfg.Documents.S3Bucket, "documents"), nil
	default:
		return nil, eris.Errorf("unsupported document backend: %s", cfg.Documents.Backend)
	}
}

// initLocker returns the cross-process lock and a close func.
func initLocker() (lock.Locker, func(), error) {
	switch cfg.Lock.Driver {
	case "memory", "":
		return lock.NewMemory(), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Lock.RedisAddr,
			Password: cfg.Lock.RedisPassword,
			DB:       cfg.Lock.RedisDB,
		})
		closeFn := func() { client.Close() } //nolint:errcheck
		return lock.NewRedis(client, lock.WithTTL(time.Duration(cfg.Lock.TTLSecs)*time.Second)), closeFn, nil
	default:
		return nil, nil, eris.Errorf("unsupported lock driver: %s", cfg.Lock.Driver)
	}
}

func initDocuments(ctx context.Context, st store.Store, locker lock.Locker) (*pipeline.DocumentAcquisition, error) {
	runnerDocs := pipeline.NewRunnerDocuments(initDocClient(),
		docfetch.WithPollTimeout(time.Duration(cfg.Documents.FetchTimeoutMins)*time.Minute),
		docfetch.WithRetryPolicy(retryPolicy()),
	)

	var checker pipeline.AvailabilityChecker = runnerDocs
	if cfg.Documents.Availability == "store" {
		docs, err := initDocStore(ctx)
		if err != nil {
			return nil, err
		}
		checker = docstore.NewAvailabilityChecker(docs, pipeline.NewOverrideLedger(st))
	}

	timeout := time.Duration(cfg.Documents.FetchTimeoutMins) * time.Minute
	return pipeline.NewDocumentAcquisition(checker, runnerDocs, locker, timeout), nil
}

// pipelineEnv bundles everything a pipeline command needs.
type pipelineEnv struct {
	Store   store.Store
	Manager *pipeline.Manager
	closers []func()
}

// Close stops jobs and releases resources in reverse order.
func (e *pipelineEnv) Close() {
	e.Manager.Close()
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.Store.Close() //nolint:errcheck
}

// initPipeline opens the store and a manager. Owning commands take the
// project lease and drive jobs; observing commands only read and cancel.
func initPipeline(ctx context.Context, mode pipeline.AttachMode) (*pipelineEnv, error) {
	if err := cfg.Validate("pipeline"); err != nil {
		return nil, err
	}
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	locker, closeLock, err := initLocker()
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	docs, err := initDocuments(ctx, st, locker)
	if err != nil {
		closeLock()
		st.Close() //nolint:errcheck
		return nil, err
	}

	m := pipeline.NewManager(pipeline.Deps{
		Store:     st,
		Runner:    initRunner(),
		Documents: docs,
		Options: pipeline.JobOptions{
			PollInterval: cfg.Pipeline.PollInterval(),
			TickInterval: cfg.Pipeline.TickInterval(),
			Timeout:      cfg.Pipeline.JobTimeout(),
			Ceiling:      cfg.Pipeline.ProgressCeiling,
			Retry:        retryPolicy(),
		},
		BaseContext: context.WithoutCancel(ctx),
		Mode:        mode,
		Leases:      locker,
	})

	return &pipelineEnv{Store: st, Manager: m, closers: []func(){closeLock}}, nil
}
