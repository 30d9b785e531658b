package storage

import (
	"context"

	"github.com/civic-os/reflections/internal/app/domain/reflection"
)

// Pager walks a List result page by page. It reads the store once, on the
// first call to Next, and keeps no cursor in the store; a new Pager always
// starts from the current head.
type Pager struct {
	store    ReflectionStore
	limit    int
	pageSize int

	loaded bool
	items  []reflection.Reflection
	offset int
}

// Pages returns a Pager over the newest limit reflections.
func Pages(store ReflectionStore, limit, pageSize int) *Pager {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Pager{store: store, limit: limit, pageSize: pageSize}
}

// Next returns the next page. ok is false once the sequence is exhausted.
func (p *Pager) Next(ctx context.Context) (page []reflection.Reflection, ok bool, err error) {
	if !p.loaded {
		items, err := p.store.List(ctx, p.limit)
		if err != nil {
			return nil, false, err
		}
		p.items = items
		p.loaded = true
	}
	if p.offset >= len(p.items) {
		return nil, false, nil
	}
	end := p.offset + p.pageSize
	if end > len(p.items) {
		end = len(p.items)
	}
	page = p.items[p.offset:end]
	p.offset = end
	return page, true, nil
}
