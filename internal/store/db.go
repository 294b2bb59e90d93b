// Package store opens the backing services selected by configuration.
package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"gymtrack/internal/docstore"
)

// Backends accepted by OpenDocuments.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Documents is an open document store plus its shutdown hook.
type Documents struct {
	docstore.Store
	close func() error
}

// Close releases the underlying connection.
func (d *Documents) Close() error {
	if d == nil || d.close == nil {
		return nil
	}
	return d.close()
}

// OpenDocuments opens the configured document store. The Postgres backend
// is migrated before it is returned.
func OpenDocuments(ctx context.Context, backend, databaseURL string, log zerolog.Logger) (*Documents, error) {
	switch backend {
	case BackendMemory:
		log.Warn().Msg("using in-memory document store; data is lost on restart")
		return &Documents{Store: docstore.NewMemory()}, nil
	case BackendPostgres, "":
		pg, err := docstore.OpenPostgres(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		log.Info().Msg("postgres document store ready")
		return &Documents{Store: pg, close: pg.Close}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
