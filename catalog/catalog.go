// Package catalog stores collection metadata, including the per-collection
// pre-image capture setting toggled by collMod.
package catalog

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/docstream/common"
	"github.com/maxpert/docstream/encoding"
)

const prefixCatalog = "/catalog/" // /catalog/{name}

// Collection is the persisted metadata of a collection
type Collection struct {
	ID              string `msgpack:"id"`
	Name            string `msgpack:"name"`
	RecordPreImages bool   `msgpack:"rpi"`
	Version         uint64 `msgpack:"v"`  // bumped on every metadata change
	ModifiedToken   uint64 `msgpack:"mt"` // oplog high-water mark when last modified
	CreatedAt       int64  `msgpack:"ca"`
}

// Catalog is a pebble-backed collection registry with an in-memory mirror.
// Readers never touch pebble.
type Catalog struct {
	db          *pebble.DB
	mu          sync.Mutex // serializes metadata writes
	collections *xsync.MapOf[string, Collection]
}

// Open loads all persisted collections from db
func Open(db *pebble.DB) (*Catalog, error) {
	c := &Catalog{
		db:          db,
		collections: xsync.NewMapOf[string, Collection](),
	}

	prefix := []byte(prefixCatalog)
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: encoding.PrefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		var coll Collection
		if err := encoding.Unmarshal(iter.Value(), &coll); err != nil {
			return nil, fmt.Errorf("corrupted catalog entry %s: %w", iter.Key(), err)
		}
		c.collections.Store(coll.Name, coll)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	if n := c.collections.Size(); n > 0 {
		log.Info().Int("collections", n).Msg("Loaded catalog")
	}
	return c, nil
}

// ValidateName checks a collection name
func ValidateName(name string) error {
	if name == "" {
		return common.Errorf(common.CodeInvalidNamespace, "collection name cannot be empty")
	}
	if strings.ContainsAny(name, "/$\x00") {
		return common.Errorf(common.CodeInvalidNamespace, "invalid collection name: %s", name)
	}
	return nil
}

// Create registers a new collection
func (c *Catalog) Create(name string, recordPreImages bool) (Collection, error) {
	if err := ValidateName(name); err != nil {
		return Collection{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.collections.Load(name); ok {
		return Collection{}, common.Errorf(common.CodeNamespaceExists, "collection %s already exists", name)
	}

	coll := Collection{
		ID:              uuid.NewString(),
		Name:            name,
		RecordPreImages: recordPreImages,
		Version:         1,
		CreatedAt:       time.Now().UnixNano(),
	}
	if err := c.persist(coll); err != nil {
		return Collection{}, err
	}
	c.collections.Store(name, coll)

	log.Info().
		Str("collection", name).
		Str("collection_id", coll.ID).
		Bool("record_pre_images", recordPreImages).
		Msg("Collection created")
	return coll, nil
}

// Get returns the current metadata of a collection
func (c *Catalog) Get(name string) (Collection, bool) {
	return c.collections.Load(name)
}

// MustGet is Get returning NamespaceNotFound for unknown collections
func (c *Catalog) MustGet(name string) (Collection, error) {
	coll, ok := c.collections.Load(name)
	if !ok {
		return Collection{}, common.Errorf(common.CodeNamespaceNotFound, "ns does not exist: %s", name)
	}
	return coll, nil
}

// List returns all collections sorted by name
func (c *Catalog) List() []Collection {
	out := make([]Collection, 0, c.collections.Size())
	c.collections.Range(func(_ string, coll Collection) bool {
		out = append(out, coll)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetRecordPreImages is the collMod toggle. It takes effect for writes that
// commit after it returns and never touches existing pre-images.
func (c *Catalog) SetRecordPreImages(name string, enabled bool, atToken uint64) (Collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	coll, ok := c.collections.Load(name)
	if !ok {
		return Collection{}, common.Errorf(common.CodeNamespaceNotFound, "ns does not exist: %s", name)
	}
	if coll.RecordPreImages == enabled {
		return coll, nil
	}

	coll.RecordPreImages = enabled
	coll.Version++
	coll.ModifiedToken = atToken
	if err := c.persist(coll); err != nil {
		return Collection{}, err
	}
	c.collections.Store(name, coll)

	log.Info().
		Str("collection", name).
		Bool("record_pre_images", enabled).
		Uint64("version", coll.Version).
		Msg("Collection capture setting changed")
	return coll, nil
}

// Drop removes a collection. stage may add more deletions (the collection's
// documents) to the same batch; everything commits together.
func (c *Catalog) Drop(name string, stage func(b *pebble.Batch, coll Collection) error) (Collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	coll, ok := c.collections.Load(name)
	if !ok {
		return Collection{}, common.Errorf(common.CodeNamespaceNotFound, "ns does not exist: %s", name)
	}

	batch := c.db.NewBatch()
	defer batch.Close()

	if err := batch.Delete(catalogKey(name), pebble.Sync); err != nil {
		return Collection{}, err
	}
	if stage != nil {
		if err := stage(batch, coll); err != nil {
			return Collection{}, err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return Collection{}, fmt.Errorf("failed to drop collection %s: %w", name, err)
	}
	c.collections.Delete(name)

	log.Info().Str("collection", name).Msg("Collection dropped")
	return coll, nil
}

func (c *Catalog) persist(coll Collection) error {
	val, err := encoding.Marshal(&coll)
	if err != nil {
		return fmt.Errorf("failed to marshal collection: %w", err)
	}
	if err := c.db.Set(catalogKey(coll.Name), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to persist collection %s: %w", coll.Name, err)
	}
	return nil
}

func catalogKey(name string) []byte {
	return []byte(prefixCatalog + name)
}
