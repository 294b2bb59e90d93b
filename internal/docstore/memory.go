package docstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Memory is a map-backed Store for dev mode and tests.
type Memory struct {
	mu   sync.Mutex
	data map[string]map[string]Document
	now  func() time.Time
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]Document), now: time.Now}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Get(_ context.Context, collection, id string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.data[collection][id]
	if !ok {
		return Document{}, notFound(collection, id)
	}
	return clone(doc), nil
}

func (m *Memory) List(_ context.Context, collection string) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Document, 0, len(m.data[collection]))
	for _, doc := range m.data[collection] {
		out = append(out, clone(doc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Set(_ context.Context, collection, id string, body json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(collection, id, body)
	return nil
}

func (m *Memory) Update(_ context.Context, collection, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.update(collection, id, fields)
}

func (m *Memory) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[collection][id]; !ok {
		return notFound(collection, id)
	}
	delete(m.data[collection], id)
	return nil
}

func (m *Memory) CompareAndSet(_ context.Context, collection, id string, body json.RawMessage, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(collection, id, version); err != nil {
		return err
	}
	m.put(collection, id, body)
	return nil
}

// Batch stages every write against the current state and applies them only
// when all of them succeed, under one lock.
func (m *Memory) Batch(_ context.Context, writes []Write) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	type key struct{ collection, id string }
	staged := make(map[key]json.RawMessage)
	bodyOf := func(k key) (json.RawMessage, bool) {
		if body, ok := staged[k]; ok {
			return body, body != nil
		}
		doc, ok := m.data[k.collection][k.id]
		return doc.Body, ok
	}

	bodies := make([]json.RawMessage, len(writes))
	for i, w := range writes {
		if w.IfVersion != 0 {
			if err := m.check(w.Collection, w.ID, w.IfVersion); err != nil {
				return err
			}
		}
		k := key{w.Collection, w.ID}
		cur, ok := bodyOf(k)
		switch w.Op {
		case OpSet:
			bodies[i] = append(json.RawMessage{}, w.Body...)
		case OpUpdate:
			if !ok {
				return notFound(w.Collection, w.ID)
			}
			body, err := merge(cur, w.Fields)
			if err != nil {
				return err
			}
			bodies[i] = body
		case OpDelete:
			if !ok {
				return notFound(w.Collection, w.ID)
			}
		}
		staged[k] = bodies[i]
	}

	for i, w := range writes {
		if w.Op == OpDelete {
			delete(m.data[w.Collection], w.ID)
			continue
		}
		m.put(w.Collection, w.ID, bodies[i])
	}
	return nil
}

func (m *Memory) check(collection, id string, version int64) error {
	doc, ok := m.data[collection][id]
	switch {
	case version == 0 && ok, version != 0 && !ok, ok && doc.Version != version:
		return versionConflict(collection, id)
	}
	return nil
}

func (m *Memory) put(collection, id string, body json.RawMessage) {
	docs, ok := m.data[collection]
	if !ok {
		docs = make(map[string]Document)
		m.data[collection] = docs
	}
	prev := docs[id]
	docs[id] = Document{
		Collection: collection,
		ID:         id,
		Body:       append(json.RawMessage(nil), body...),
		Version:    prev.Version + 1,
		UpdatedAt:  m.now(),
	}
}

func (m *Memory) update(collection, id string, fields map[string]any) error {
	doc, ok := m.data[collection][id]
	if !ok {
		return notFound(collection, id)
	}
	body, err := merge(doc.Body, fields)
	if err != nil {
		return err
	}
	m.put(collection, id, body)
	return nil
}

func clone(d Document) Document {
	d.Body = append(json.RawMessage(nil), d.Body...)
	return d
}
