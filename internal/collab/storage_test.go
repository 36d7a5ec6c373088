package collab

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustGormStore(t *testing.T) *GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:collab_store_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&DocumentState{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewGormStore(GormStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store
}

func TestGormStoreLoadMissingReturnsNil(t *testing.T) {
	store := mustGormStore(t)
	blob, err := store.Load(context.Background(), mustKey(t, "note-missing"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if blob != nil {
		t.Fatalf("expected nil blob for unknown key")
	}
}

func TestGormStoreSaveIsIdempotentUpsert(t *testing.T) {
	store := mustGormStore(t)
	key := mustKey(t, "note-upsert")

	first := []byte(`{"blocks":[]}`)
	if err := store.Save(context.Background(), key, first); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	if err := store.Save(context.Background(), key, first); err != nil {
		t.Fatalf("repeated save failed: %v", err)
	}

	grown := []byte(`{"blocks":[{"block_id":"b1","value":"x","sort":"0","lamport":1,"actor":"a"}]}`)
	if err := store.Save(context.Background(), key, grown); err != nil {
		t.Fatalf("growing save failed: %v", err)
	}

	blob, err := store.Load(context.Background(), key)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !bytes.Equal(blob, grown) {
		t.Fatalf("expected latest blob, got %s", blob)
	}

	var count int64
	if err := store.db.Model(&DocumentState{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected single row per key, got %d", count)
	}
}
