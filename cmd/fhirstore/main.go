package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/heptiolabs/healthcheck"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fhirgrid/fhirstore/cmd/fhirstore/helper"
	"github.com/fhirgrid/fhirstore/internal"
	"github.com/fhirgrid/fhirstore/pkg/payload"
	"github.com/fhirgrid/fhirstore/pkg/persistence"
	"github.com/fhirgrid/fhirstore/pkg/persistence/identity"
	"github.com/fhirgrid/fhirstore/pkg/persistence/postgres"
	"github.com/fhirgrid/fhirstore/pkg/persistence/sqlite"
	"github.com/fhirgrid/fhirstore/pkg/persistence/store"
)

func main() {
	// A .env file keeps local settings out of deployment manifests; in
	// production there is none and this is a no-op.
	_ = godotenv.Load()
	helper.InitLogging()
	InitPrometheus()

	st, dbCheck, err := initStore(context.Background())
	if err != nil {
		zap.S().Fatalf("Failed to initialize datastore: %s", err)
	}
	registerStoreMetrics(st)
	InitHealthCheck(dbCheck)

	shutdown := internal.NewGracefulShutdown(func() error {
		st.Close()
		return nil
	})
	shutdown.Wait()
}

func initStore(ctx context.Context) (*store.Store, healthcheck.Check, error) {
	var backend persistence.Backend
	var dbCheck healthcheck.Check

	backendKind, err := internal.GetAsString("FHIRSTORE_BACKEND", false, "postgres")
	if err != nil {
		return nil, nil, err
	}
	autoMigrate, err := internal.GetAsBool("FHIRSTORE_AUTO_MIGRATE", false, false)
	if err != nil {
		return nil, nil, err
	}

	switch backendKind {
	case "postgres":
		conn, err := initPostgres(ctx, autoMigrate)
		if err != nil {
			return nil, nil, err
		}
		backend, dbCheck = conn, conn.GetHealthCheck()
	case "sqlite":
		conn, err := initSqlite(ctx, autoMigrate)
		if err != nil {
			return nil, nil, err
		}
		backend, dbCheck = conn, conn.GetHealthCheck()
	default:
		return nil, nil, fmt.Errorf("%w: unknown backend %q", persistence.ErrConfiguration, backendKind)
	}

	tokenCacheSize, err := internal.GetAsInt("FHIRSTORE_TOKEN_CACHE_SIZE", false, 100000)
	if err != nil {
		return nil, nil, err
	}
	canonicalCacheSize, err := internal.GetAsInt("FHIRSTORE_CANONICAL_CACHE_SIZE", false, 10000)
	if err != nil {
		return nil, nil, err
	}
	cache, err := identity.NewCache(backend, tokenCacheSize, canonicalCacheSize)
	if err != nil {
		return nil, nil, err
	}

	opts, err := payloadOptions(ctx)
	if err != nil {
		return nil, nil, err
	}
	return store.New(backend, cache, opts...), dbCheck, nil
}

func initPostgres(ctx context.Context, autoMigrate bool) (*postgres.Connection, error) {
	host, err := internal.GetAsString("POSTGRES_HOST", false, "localhost")
	if err != nil {
		return nil, err
	}
	port, err := internal.GetAsInt("POSTGRES_PORT", false, 5432)
	if err != nil {
		return nil, err
	}
	user, err := internal.GetAsString("POSTGRES_USER", false, "fhirstore")
	if err != nil {
		return nil, err
	}
	password, err := internal.GetAsString("POSTGRES_PASSWORD", true, "")
	if err != nil {
		return nil, err
	}
	database, err := internal.GetAsString("POSTGRES_DATABASE", false, "fhirstore")
	if err != nil {
		return nil, err
	}
	sslMode, err := internal.GetAsString("POSTGRES_SSL_MODE", false, "require")
	if err != nil {
		return nil, err
	}

	conn, err := postgres.Connect(ctx, postgres.Config{
		Host:     host,
		Port:     port,
		User:     user,
		Password: password,
		Database: database,
		SSLMode:  sslMode,
	})
	if err != nil {
		return nil, err
	}
	if autoMigrate {
		if err = conn.Migrate(ctx); err != nil {
			conn.Close()
			return nil, err
		}
	}
	if err = conn.ValidateSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func initSqlite(ctx context.Context, autoMigrate bool) (*sqlite.Connection, error) {
	path, err := internal.GetAsString("FHIRSTORE_SQLITE_PATH", false, "fhirstore.db")
	if err != nil {
		return nil, err
	}
	conn, err := sqlite.Connect(path)
	if err != nil {
		return nil, err
	}
	if autoMigrate {
		if err = conn.Migrate(ctx); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func payloadOptions(ctx context.Context) ([]store.Option, error) {
	address, err := internal.GetAsString("FHIRSTORE_PAYLOAD_REDIS_ADDRESS", false, "")
	if err != nil {
		return nil, err
	}
	if address == "" {
		return nil, nil
	}
	password, err := internal.GetAsString("FHIRSTORE_PAYLOAD_REDIS_PASSWORD", false, "")
	if err != nil {
		return nil, err
	}
	db, err := internal.GetAsInt("FHIRSTORE_PAYLOAD_REDIS_DB", false, 0)
	if err != nil {
		return nil, err
	}
	localMB, err := internal.GetAsInt("FHIRSTORE_PAYLOAD_LOCAL_CACHE_MB", false, 64)
	if err != nil {
		return nil, err
	}
	threshold, err := internal.GetAsInt("FHIRSTORE_PAYLOAD_OFFLOAD_THRESHOLD", false, 1<<20)
	if err != nil {
		return nil, err
	}

	ps, err := payload.NewRedisStore(ctx, payload.RedisConfig{
		Address:         address,
		Password:        password,
		DB:              db,
		LocalCacheBytes: localMB << 20,
	})
	if err != nil {
		return nil, err
	}
	return []store.Option{store.WithPayloadStore(ps, threshold)}, nil
}

func InitPrometheus() {
	metricsPath := "/metrics"
	metricsPort := ":2112"
	zap.S().Debugf("Setting up metrics %s %v", metricsPath, metricsPort)

	http.Handle(metricsPath, promhttp.Handler())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(metricsPort, nil)
		if err != nil {
			zap.S().Errorf("Error starting metrics: %s", err)
		}
	}()
}

func registerStoreMetrics(st *store.Store) {
	gauge := func(name, help string, value func() float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "fhirstore",
			Name:      name,
			Help:      help,
		}, value)
	}
	prometheus.MustRegister(
		gauge("creates_total", "Resources created", func() float64 { return float64(st.GetMetrics().Creates) }),
		gauge("updates_total", "Resources updated", func() float64 { return float64(st.GetMetrics().Updates) }),
		gauge("deletes_total", "Resources deleted", func() float64 { return float64(st.GetMetrics().Deletes) }),
		gauge("reads_total", "Resources read", func() float64 { return float64(st.GetMetrics().Reads) }),
		gauge("parameter_skips_total", "Parameter rewrites skipped by hash match", func() float64 { return float64(st.GetMetrics().ParameterSkips) }),
		gauge("identity_cache_hits_total", "Identity cache hits", func() float64 { return float64(st.GetCacheMetrics().Hits) }),
		gauge("identity_cache_misses_total", "Identity cache misses", func() float64 { return float64(st.GetCacheMetrics().Misses) }),
		gauge("backend_inserts_total", "Resource versions inserted by the backend", func() float64 { return float64(st.GetBackendMetrics().Inserts) }),
		gauge("backend_version_conflicts_total", "Optimistic concurrency conflicts", func() float64 { return float64(st.GetBackendMetrics().VersionConflicts) }),
		gauge("backend_commits_total", "Transactions committed by the backend", func() float64 { return float64(st.GetBackendMetrics().Commits) }),
		gauge("backend_commit_duration_ms_average", "Average transaction commit duration in milliseconds", func() float64 {
			return st.GetBackendMetrics().AverageCommitDurationInMilliseconds
		}),
	)
}

func InitHealthCheck(databaseCheck healthcheck.Check) {
	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))

	health.AddReadinessCheck("database", databaseCheck)
	health.AddLivenessCheck("database", databaseCheck)
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
}
