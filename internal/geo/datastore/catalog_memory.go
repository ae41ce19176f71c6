package datastore

import (
	"context"
	"sort"
	"sync"

	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore/glsql"
)

type catalogKey struct {
	typ string
	id  int64
}

// MemoryCatalog is an in-memory implementation of the Catalog.
type MemoryCatalog struct {
	sync.RWMutex
	replicables map[catalogKey]Replicable
}

// NewMemoryCatalog returns an empty in-memory Catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{replicables: map[catalogKey]Replicable{}}
}

func (c *MemoryCatalog) Get(_ context.Context, typ string, id int64) (Replicable, error) {
	c.RLock()
	defer c.RUnlock()

	r, ok := c.replicables[catalogKey{typ, id}]
	if !ok {
		return Replicable{}, ErrReplicableNotFound
	}
	return r, nil
}

func (c *MemoryCatalog) ListIDs(_ context.Context, typ string, afterID int64, limit int) ([]int64, error) {
	c.RLock()
	defer c.RUnlock()

	var ids []int64
	for key := range c.replicables {
		if key.typ == typ && key.id > afterID {
			ids = append(ids, key.id)
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (c *MemoryCatalog) find(match func(Replicable) bool) (Replicable, error) {
	c.RLock()
	defer c.RUnlock()

	for _, r := range c.replicables {
		if match(r) {
			return r, nil
		}
	}
	return Replicable{}, ErrReplicableNotFound
}

func (c *MemoryCatalog) FindByPath(_ context.Context, typ, path string) (Replicable, error) {
	return c.find(func(r Replicable) bool { return r.Type == typ && r.Path == path })
}

func (c *MemoryCatalog) FindByOID(_ context.Context, oid string) (Replicable, error) {
	return c.find(func(r Replicable) bool { return r.OID != "" && r.OID == oid })
}

func (c *MemoryCatalog) NextID(_ context.Context, typ string) (int64, error) {
	c.RLock()
	defer c.RUnlock()

	var max int64
	for key := range c.replicables {
		if key.typ == typ && key.id > max {
			max = key.id
		}
	}
	return max + 1, nil
}

func (c *MemoryCatalog) Save(r Replicable) Mutation {
	return func(context.Context, glsql.Querier) error {
		c.Lock()
		defer c.Unlock()

		r.Exists = true
		c.replicables[catalogKey{r.Type, r.ID}] = r
		return nil
	}
}

func (c *MemoryCatalog) Remove(typ string, id int64) Mutation {
	return func(context.Context, glsql.Querier) error {
		c.Lock()
		defer c.Unlock()

		delete(c.replicables, catalogKey{typ, id})
		return nil
	}
}

func (c *MemoryCatalog) SetChecksum(_ context.Context, typ string, id int64, checksum string) error {
	c.Lock()
	defer c.Unlock()

	key := catalogKey{typ, id}
	r, ok := c.replicables[key]
	if !ok {
		return ErrReplicableNotFound
	}
	r.Checksum = checksum
	c.replicables[key] = r
	return nil
}

func (c *MemoryCatalog) MissingChecksums(_ context.Context, typ string, limit int) ([]Replicable, error) {
	c.RLock()
	defer c.RUnlock()

	var result []Replicable
	for _, r := range c.replicables {
		if r.Checksummable && r.Checksum == "" && (typ == "" || r.Type == typ) {
			result = append(result, r)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Type != result[j].Type {
			return result[i].Type < result[j].Type
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
