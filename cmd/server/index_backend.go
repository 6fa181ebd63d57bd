package main

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"trustgate.ai/internal/config"
	"trustgate.ai/internal/persistence/indexdb"
)

func openRuntimeIndex(ctx context.Context, st config.Storage, logger *log.Logger) (indexdb.Index, error) {
	backend := strings.ToLower(strings.TrimSpace(st.IndexDriver))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		dbPath := strings.TrimSpace(st.SQLitePath)
		if dbPath == "" {
			dbPath = filepath.Join(st.DataDir, "index", "trustgate.sqlite")
		}
		idx, err := indexdb.OpenSQLite(dbPath)
		if err != nil {
			return nil, err
		}
		return idx, nil
	case "postgres":
		if strings.TrimSpace(st.PostgresDSN) == "" {
			return nil, fmt.Errorf("storage.index=postgres but storage.postgres_dsn is empty")
		}
		idx, err := indexdb.OpenPostgres(ctx, st.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		return idx, nil
	case "ingest":
		endpoint := strings.TrimSpace(st.IngestURL)
		if endpoint == "" {
			return nil, fmt.Errorf("storage.index=ingest but storage.ingest_url is empty")
		}
		idx, err := indexdb.OpenIngest(indexdb.IngestConfig{
			Endpoint:      endpoint,
			Token:         strings.TrimSpace(st.IngestToken),
			Source:        "trustgate",
			BatchSize:     128,
			FlushInterval: 500 * time.Millisecond,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported storage.index: %s", backend)
	}
}
