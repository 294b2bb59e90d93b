package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"gymtrack/internal/apperr"
)

const table = "documents"

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT        NOT NULL,
	id         TEXT        NOT NULL,
	body       JSONB       NOT NULL,
	version    BIGINT      NOT NULL DEFAULT 1,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (collection, id)
)`

// Postgres stores documents as JSONB rows keyed by (collection, id).
type Postgres struct {
	db   *sqlx.DB
	psql sq.StatementBuilderType
}

// OpenPostgres connects through the pgx driver with pool defaults.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	db, err := sqlx.Open("pgx", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgres(db), nil
}

// NewPostgres wraps an open connection.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db, psql: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}
}

// Migrate creates the documents table.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

type row struct {
	Collection string    `db:"collection"`
	ID         string    `db:"id"`
	Body       []byte    `db:"body"`
	Version    int64     `db:"version"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r row) document() Document {
	return Document{Collection: r.Collection, ID: r.ID, Body: json.RawMessage(r.Body), Version: r.Version, UpdatedAt: r.UpdatedAt}
}

func (p *Postgres) selectDocs() sq.SelectBuilder {
	return p.psql.Select("collection", "id", "body", "version", "updated_at").From(table)
}

func (p *Postgres) Get(ctx context.Context, collection, id string) (Document, error) {
	query, args, err := p.selectDocs().Where(sq.Eq{"collection": collection, "id": id}).ToSql()
	if err != nil {
		return Document{}, err
	}
	var r row
	if err := p.db.GetContext(ctx, &r, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, notFound(collection, id)
		}
		return Document{}, apperr.Internal("get "+collection+"/"+id, err)
	}
	return r.document(), nil
}

func (p *Postgres) List(ctx context.Context, collection string) ([]Document, error) {
	query, args, err := p.selectDocs().Where(sq.Eq{"collection": collection}).OrderBy("id").ToSql()
	if err != nil {
		return nil, err
	}
	var rows []row
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperr.Internal("list "+collection, err)
	}
	out := make([]Document, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.document())
	}
	return out, nil
}

func (p *Postgres) Set(ctx context.Context, collection, id string, body json.RawMessage) error {
	return p.set(ctx, p.db, collection, id, body)
}

func (p *Postgres) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return p.update(ctx, p.db, collection, id, fields, 0)
}

func (p *Postgres) Delete(ctx context.Context, collection, id string) error {
	return p.delete(ctx, p.db, collection, id, 0)
}

func (p *Postgres) CompareAndSet(ctx context.Context, collection, id string, body json.RawMessage, version int64) error {
	return p.compareAndSet(ctx, p.db, collection, id, body, version)
}

// Batch runs every write in one transaction.
func (p *Postgres) Batch(ctx context.Context, writes []Write) error {
	return RunInTx(ctx, p.db, func(tx *sqlx.Tx) error {
		for _, w := range writes {
			var err error
			switch {
			case w.Op == OpSet && w.IfVersion != 0:
				err = p.compareAndSet(ctx, tx, w.Collection, w.ID, w.Body, w.IfVersion)
			case w.Op == OpSet:
				err = p.set(ctx, tx, w.Collection, w.ID, w.Body)
			case w.Op == OpUpdate:
				err = p.update(ctx, tx, w.Collection, w.ID, w.Fields, w.IfVersion)
			case w.Op == OpDelete:
				err = p.delete(ctx, tx, w.Collection, w.ID, w.IfVersion)
			default:
				err = apperr.Invalid("unknown batch op " + string(w.Op))
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Postgres) set(ctx context.Context, db sqlx.ExecerContext, collection, id string, body json.RawMessage) error {
	query, args, err := p.psql.Insert(table).
		Columns("collection", "id", "body").
		Values(collection, id, sq.Expr("CAST(? AS JSONB)", string(body))).
		Suffix("ON CONFLICT (collection, id) DO UPDATE SET body = EXCLUDED.body, version = documents.version + 1, updated_at = NOW()").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return apperr.Internal("set "+collection+"/"+id, err)
	}
	return nil
}

func (p *Postgres) compareAndSet(ctx context.Context, db sqlx.ExecerContext, collection, id string, body json.RawMessage, version int64) error {
	var (
		query string
		args  []any
		err   error
	)
	if version == 0 {
		query, args, err = p.psql.Insert(table).
			Columns("collection", "id", "body").
			Values(collection, id, sq.Expr("CAST(? AS JSONB)", string(body))).
			Suffix("ON CONFLICT (collection, id) DO NOTHING").
			ToSql()
	} else {
		query, args, err = p.psql.Update(table).
			Set("body", sq.Expr("CAST(? AS JSONB)", string(body))).
			Set("version", sq.Expr("version + 1")).
			Set("updated_at", sq.Expr("NOW()")).
			Where(sq.Eq{"collection": collection, "id": id, "version": version}).
			ToSql()
	}
	if err != nil {
		return err
	}
	return p.execOne(ctx, db, query, args, func() error { return versionConflict(collection, id) })
}

func (p *Postgres) buildUpdate(collection, id string, fields map[string]any, version int64) (string, []any, error) {
	patch, err := json.Marshal(fields)
	if err != nil {
		return "", nil, apperr.Invalid("update fields are not encodable")
	}
	where := sq.Eq{"collection": collection, "id": id}
	if version != 0 {
		where["version"] = version
	}
	return p.psql.Update(table).
		Set("body", sq.Expr("body || CAST(? AS JSONB)", string(patch))).
		Set("version", sq.Expr("version + 1")).
		Set("updated_at", sq.Expr("NOW()")).
		Where(where).
		ToSql()
}

func (p *Postgres) update(ctx context.Context, db sqlx.ExecerContext, collection, id string, fields map[string]any, version int64) error {
	query, args, err := p.buildUpdate(collection, id, fields, version)
	if err != nil {
		return err
	}
	return p.execOne(ctx, db, query, args, func() error { return missingOrStale(collection, id, version) })
}

func (p *Postgres) delete(ctx context.Context, db sqlx.ExecerContext, collection, id string, version int64) error {
	where := sq.Eq{"collection": collection, "id": id}
	if version != 0 {
		where["version"] = version
	}
	query, args, err := p.psql.Delete(table).Where(where).ToSql()
	if err != nil {
		return err
	}
	return p.execOne(ctx, db, query, args, func() error { return missingOrStale(collection, id, version) })
}

// execOne runs a statement that must touch exactly one row.
func (p *Postgres) execOne(ctx context.Context, db sqlx.ExecerContext, query string, args []any, none func() error) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperr.Internal("write document", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Internal("write document", err)
	}
	if n == 0 {
		return none()
	}
	return nil
}

func missingOrStale(collection, id string, version int64) error {
	if version != 0 {
		return versionConflict(collection, id)
	}
	return notFound(collection, id)
}
