package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/types"
)

// memProvider is an in-memory Provider covering the surface the migration
// runner touches. The embedded interface panics on anything unimplemented,
// which keeps accidental coverage gaps loud.
type memProvider struct {
	Provider

	mu          sync.Mutex
	collections map[string]map[string]RawDocument
	records     map[string]types.MigrationRecord
}

func newMemProvider() *memProvider {
	return &memProvider{
		collections: map[string]map[string]RawDocument{},
		records:     map[string]types.MigrationRecord{},
	}
}

func (p *memProvider) Migrations() MigrationRepository { return &memMigrations{p: p} }

func (p *memProvider) RawList(ctx context.Context, collection string) ([]RawDocument, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.collections[collection]))
	for id := range p.collections[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	docs := make([]RawDocument, 0, len(ids))
	for _, id := range ids {
		docs = append(docs, copyDoc(p.collections[collection][id]))
	}
	return docs, nil
}

func (p *memProvider) RawUpsert(ctx context.Context, collection, id string, doc RawDocument) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.collections[collection] == nil {
		p.collections[collection] = map[string]RawDocument{}
	}
	cp := copyDoc(doc)
	cp["_id"] = id
	p.collections[collection][id] = cp
	return nil
}

// doc returns a copy of one stored document, or nil when absent.
func (p *memProvider) doc(collection, id string) RawDocument {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, ok := p.collections[collection][id]
	if !ok {
		return nil
	}
	return copyDoc(stored)
}

func (p *memProvider) record(name string) (types.MigrationRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[name]
	return rec, ok
}

func copyDoc(doc RawDocument) RawDocument {
	cp := make(RawDocument, len(doc))
	for k, v := range doc {
		cp[k] = v
	}
	return cp
}

type memMigrations struct {
	p *memProvider
}

func (m *memMigrations) Get(ctx context.Context, name string) (*types.MigrationRecord, error) {
	m.p.mu.Lock()
	defer m.p.mu.Unlock()

	rec, ok := m.p.records[name]
	if !ok {
		return nil, apperr.NotFound("MIGRATION_NOT_FOUND", "no record")
	}
	cp := rec
	return &cp, nil
}

func (m *memMigrations) Upsert(ctx context.Context, rec *types.MigrationRecord) error {
	m.p.mu.Lock()
	defer m.p.mu.Unlock()

	m.p.records[rec.Name] = *rec
	return nil
}
