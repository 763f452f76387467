package main

import (
	"context"
	"log/slog"

	"github.com/couchcryptid/risk-attribution-service/internal/adapter/filestore"
	"github.com/couchcryptid/risk-attribution-service/internal/adapter/objectstore"
	"github.com/couchcryptid/risk-attribution-service/internal/adapter/postgres"
	"github.com/couchcryptid/risk-attribution-service/internal/cache"
	"github.com/couchcryptid/risk-attribution-service/internal/config"
	"github.com/couchcryptid/risk-attribution-service/internal/jobs"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/jmoiron/sqlx"
)

type stores struct {
	entries  cache.EntryStore
	payloads cache.PayloadStore
	jobs     jobs.Store
	checks   []sharedobs.ReadinessChecker
	db       *sqlx.DB
}

// openStores picks Postgres for entries and jobs when DATABASE_URL is set,
// and S3 for payloads when S3_ENDPOINT is set. Otherwise state stays in
// process and payloads go to CACHE_DIR.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	st := &stores{}

	if cfg.DatabaseURL != "" {
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		st.db = db
		st.entries = postgres.NewEntryStore(db)
		st.jobs = postgres.NewJobStore(db)
		st.checks = append(st.checks, postgres.Readiness{DB: db})
		logger.Info("using postgres for cache entries and job records")
	} else {
		st.entries = cache.NewMemoryEntryStore()
		st.jobs = jobs.NewMemoryStore()
		logger.Info("using in-memory cache entries and job records")
	}

	if cfg.S3Endpoint != "" {
		s3, err := objectstore.New(objectstore.Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			st.close(logger)
			return nil, err
		}
		st.payloads = s3
		st.checks = append(st.checks, s3)
		logger.Info("using s3 for cache payloads", "endpoint", cfg.S3Endpoint, "bucket", cfg.S3Bucket)
	} else {
		fs, err := filestore.New(cfg.CacheDir)
		if err != nil {
			st.close(logger)
			return nil, err
		}
		st.payloads = fs
		logger.Info("using local files for cache payloads", "dir", cfg.CacheDir)
	}
	return st, nil
}

func (st *stores) close(logger *slog.Logger) {
	if st.db == nil {
		return
	}
	if err := st.db.Close(); err != nil {
		logger.Error("postgres close error", "error", err)
	}
}
