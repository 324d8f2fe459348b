package catalog

import (
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/docstream/common"
)

func openDB(t *testing.T, dir string) *pebble.DB {
	t.Helper()
	db, err := pebble.Open(dir, &pebble.Options{})
	require.NoError(t, err)
	return db
}

func TestCatalog_CreateGetList(t *testing.T) {
	db := openDB(t, t.TempDir())
	defer db.Close()

	c, err := Open(db)
	require.NoError(t, err)

	orders, err := c.Create("orders", true)
	require.NoError(t, err)
	assert.NotEmpty(t, orders.ID)
	assert.True(t, orders.RecordPreImages)
	assert.Equal(t, uint64(1), orders.Version)

	_, err = c.Create("accounts", false)
	require.NoError(t, err)

	_, err = c.Create("orders", false)
	assert.True(t, common.HasCode(err, common.CodeNamespaceExists))

	got, ok := c.Get("orders")
	require.True(t, ok)
	assert.Equal(t, orders, got)

	names := []string{}
	for _, coll := range c.List() {
		names = append(names, coll.Name)
	}
	assert.Equal(t, []string{"accounts", "orders"}, names)
}

func TestCatalog_InvalidNames(t *testing.T) {
	db := openDB(t, t.TempDir())
	defer db.Close()

	c, err := Open(db)
	require.NoError(t, err)

	for _, name := range []string{"", "a/b", "$cmd"} {
		_, err := c.Create(name, false)
		assert.True(t, common.HasCode(err, common.CodeInvalidNamespace), "name %q", name)
	}
}

func TestCatalog_SetRecordPreImages(t *testing.T) {
	db := openDB(t, t.TempDir())
	defer db.Close()

	c, err := Open(db)
	require.NoError(t, err)

	created, err := c.Create("orders", false)
	require.NoError(t, err)

	on, err := c.SetRecordPreImages("orders", true, 500)
	require.NoError(t, err)
	assert.True(t, on.RecordPreImages)
	assert.Equal(t, created.Version+1, on.Version)
	assert.Equal(t, uint64(500), on.ModifiedToken)
	assert.Equal(t, created.ID, on.ID)

	// Same value again is a no-op
	again, err := c.SetRecordPreImages("orders", true, 900)
	require.NoError(t, err)
	assert.Equal(t, on, again)

	_, err = c.SetRecordPreImages("missing", true, 1)
	assert.True(t, common.HasCode(err, common.CodeNamespaceNotFound))
}

func TestCatalog_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir)

	c, err := Open(db)
	require.NoError(t, err)
	created, err := c.Create("orders", false)
	require.NoError(t, err)
	_, err = c.SetRecordPreImages("orders", true, 7)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db = openDB(t, dir)
	defer db.Close()
	reopened, err := Open(db)
	require.NoError(t, err)

	got, ok := reopened.Get("orders")
	require.True(t, ok)
	assert.Equal(t, created.ID, got.ID)
	assert.True(t, got.RecordPreImages)
	assert.Equal(t, uint64(2), got.Version)
}

func TestCatalog_DropStagesExtraDeletes(t *testing.T) {
	db := openDB(t, t.TempDir())
	defer db.Close()

	c, err := Open(db)
	require.NoError(t, err)
	_, err = c.Create("orders", true)
	require.NoError(t, err)
	require.NoError(t, db.Set([]byte("/doc/x"), []byte("v"), pebble.Sync))

	dropped, err := c.Drop("orders", func(b *pebble.Batch, coll Collection) error {
		assert.Equal(t, "orders", coll.Name)
		return b.Delete([]byte("/doc/x"), nil)
	})
	require.NoError(t, err)
	assert.Equal(t, "orders", dropped.Name)

	_, ok := c.Get("orders")
	assert.False(t, ok)
	_, closer, err := db.Get([]byte("/doc/x"))
	if closer != nil {
		closer.Close()
	}
	assert.ErrorIs(t, err, pebble.ErrNotFound)

	_, err = c.Drop("orders", nil)
	assert.True(t, common.HasCode(err, common.CodeNamespaceNotFound))

	// Dropped names can be reused with a fresh identity
	recreated, err := c.Create("orders", false)
	require.NoError(t, err)
	assert.NotEqual(t, dropped.ID, recreated.ID)
}
