// Package docstore is the document-store contract the service persists
// members through, with a Postgres JSONB backend and an in-memory one.
package docstore

import (
	"context"
	"encoding/json"
	"time"

	"gymtrack/internal/apperr"
)

// Document is one stored JSON body. Version starts at 1 and grows by one
// on every write.
type Document struct {
	Collection string          `db:"collection"`
	ID         string          `db:"id"`
	Body       json.RawMessage `db:"body"`
	Version    int64           `db:"version"`
	UpdatedAt  time.Time       `db:"updated_at"`
}

// Decode unmarshals the body into dst.
func (d Document) Decode(dst any) error {
	if err := json.Unmarshal(d.Body, dst); err != nil {
		return apperr.Internal("decode "+d.Collection+"/"+d.ID, err)
	}
	return nil
}

// Op is the kind of a batched write.
type Op string

const (
	OpSet    Op = "set"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Write is one element of a batch. IfVersion, when non-zero, makes the
// write conditional on the stored version.
type Write struct {
	Op         Op
	Collection string
	ID         string
	Body       json.RawMessage
	Fields     map[string]any
	IfVersion  int64
}

// Store is implemented by every backend.
type Store interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	List(ctx context.Context, collection string) ([]Document, error)
	Set(ctx context.Context, collection, id string, body json.RawMessage) error
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	// CompareAndSet writes body only when the stored version equals
	// version; version 0 means the document must not exist yet.
	CompareAndSet(ctx context.Context, collection, id string, body json.RawMessage, version int64) error
	// Batch applies all writes or none.
	Batch(ctx context.Context, writes []Write) error
	Ping(ctx context.Context) error
}

func notFound(collection, id string) error {
	return apperr.NotFound(collection + "/" + id + " not found")
}

func versionConflict(collection, id string) error {
	return apperr.Conflict(collection + "/" + id + " was modified concurrently")
}

// merge overlays fields onto a JSON object body.
func merge(body json.RawMessage, fields map[string]any) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, apperr.Internal("merge: body is not an object", err)
		}
	}
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, apperr.Invalid("merge: field " + k + " is not encodable")
		}
		obj[k] = raw
	}
	return json.Marshal(obj)
}
