package member

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"gymtrack/internal/apperr"
	"gymtrack/internal/docstore"
	"gymtrack/internal/metrics"
)

// Collection holds one document per member.
const Collection = "members"

const maxWriteAttempts = 3

// Repository persists members in the document store.
type Repository struct {
	store docstore.Store
	now   func() time.Time
}

// NewRepository creates a repo.
func NewRepository(store docstore.Store) *Repository {
	return &Repository{store: store, now: time.Now}
}

type versioned struct {
	member  Member
	version int64
}

func decode(doc docstore.Document) (Member, error) {
	var m Member
	if err := doc.Decode(&m); err != nil {
		return Member{}, err
	}
	return m, nil
}

func encode(m Member) (json.RawMessage, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, apperr.Internal("encode member "+m.ID, err)
	}
	return raw, nil
}

func (r *Repository) load(ctx context.Context, id string) (versioned, error) {
	doc, err := r.store.Get(ctx, Collection, id)
	if err != nil {
		return versioned{}, err
	}
	m, err := decode(doc)
	if err != nil {
		return versioned{}, err
	}
	return versioned{member: m, version: doc.Version}, nil
}

// Get returns a member by id.
func (r *Repository) Get(ctx context.Context, id string) (Member, error) {
	v, err := r.load(ctx, id)
	return v.member, err
}

// GetVersioned returns a member with the store version it was read at.
func (r *Repository) GetVersioned(ctx context.Context, id string) (Member, int64, error) {
	v, err := r.load(ctx, id)
	return v.member, v.version, err
}

// Version reports the current store version of a member.
func (r *Repository) Version(ctx context.Context, id string) (int64, error) {
	doc, err := r.store.Get(ctx, Collection, id)
	if err != nil {
		return 0, err
	}
	return doc.Version, nil
}

// Create stores a new member; the id must be unused.
func (r *Repository) Create(ctx context.Context, m Member) (Member, error) {
	now := r.now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	if err := m.Validate(); err != nil {
		return Member{}, err
	}
	body, err := encode(m)
	if err != nil {
		return Member{}, err
	}
	if err := r.store.CompareAndSet(ctx, Collection, m.ID, body, 0); err != nil {
		return Member{}, err
	}
	return m, nil
}

// Delete removes a member; dependents and attendance go with the document.
func (r *Repository) Delete(ctx context.Context, id string) error {
	return r.store.Delete(ctx, Collection, id)
}

var nameCollator = collate.New(language.BrazilianPortuguese, collate.IgnoreCase, collate.IgnoreDiacritics)

// List returns every member ordered by name as Portuguese speakers sort it.
func (r *Repository) List(ctx context.Context) ([]Member, error) {
	all, err := r.listVersioned(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Member, len(all))
	for i, v := range all {
		out[i] = v.member
	}
	SortByName(out)
	return out, nil
}

// SortByName orders members by name, then id.
func SortByName(ms []Member) {
	sort.SliceStable(ms, func(i, j int) bool {
		if c := nameCollator.CompareString(ms[i].Name, ms[j].Name); c != 0 {
			return c < 0
		}
		return ms[i].ID < ms[j].ID
	})
}

func (r *Repository) listVersioned(ctx context.Context) ([]versioned, error) {
	docs, err := r.store.List(ctx, Collection)
	if err != nil {
		return nil, err
	}
	out := make([]versioned, 0, len(docs))
	for _, doc := range docs {
		m, err := decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, versioned{member: m, version: doc.Version})
	}
	return out, nil
}

// Update reads the member, applies fn and writes the result only if the
// document was not modified in between, retrying on conflicts.
func (r *Repository) Update(ctx context.Context, id string, fn func(Member) (Member, error)) (Member, error) {
	var lastErr error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		cur, err := r.load(ctx, id)
		if err != nil {
			return Member{}, err
		}
		next, err := fn(cur.member)
		if err != nil {
			return Member{}, err
		}
		next.ID = cur.member.ID
		next.UpdatedAt = r.now().UTC()
		if err := next.Validate(); err != nil {
			return Member{}, err
		}
		body, err := encode(next)
		if err != nil {
			return Member{}, err
		}
		err = r.store.CompareAndSet(ctx, Collection, id, body, cur.version)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, apperr.ErrConflict) {
			return Member{}, err
		}
		metrics.StoreConflicts.Inc()
		lastErr = err
	}
	return Member{}, lastErr
}

// UpdateAll applies fn to every member and writes the changed ones in one
// all-or-nothing batch, retrying the whole batch on conflicts. It returns
// the members as written.
func (r *Repository) UpdateAll(ctx context.Context, fn func(Member) (Member, bool)) ([]Member, error) {
	var lastErr error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		all, err := r.listVersioned(ctx)
		if err != nil {
			return nil, err
		}
		now := r.now().UTC()
		writes := make([]docstore.Write, 0, len(all))
		changed := make([]Member, 0, len(all))
		for _, cur := range all {
			next, ok := fn(cur.member)
			if !ok {
				continue
			}
			next.ID = cur.member.ID
			next.UpdatedAt = now
			body, err := encode(next)
			if err != nil {
				return nil, err
			}
			writes = append(writes, docstore.Write{
				Op:         docstore.OpSet,
				Collection: Collection,
				ID:         next.ID,
				Body:       body,
				IfVersion:  cur.version,
			})
			changed = append(changed, next)
		}
		if len(writes) == 0 {
			return changed, nil
		}
		err = r.store.Batch(ctx, writes)
		if err == nil {
			return changed, nil
		}
		if !errors.Is(err, apperr.ErrConflict) {
			return nil, err
		}
		metrics.StoreConflicts.Inc()
		lastErr = err
	}
	return nil, lastErr
}
