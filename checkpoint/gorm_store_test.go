package checkpoint

import (
	"context"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestGormStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store, err := NewGormStore(db, zap.NewNop())
	if err != nil {
		t.Fatalf("NewGormStore: %v", err)
	}
	return store
}

func TestGormStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestGormStore(t)

	cp := mustCheckpoint(t, "t1", 1)
	if err := store.Save(ctx, cp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load(ctx, cp.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	state, err := loaded.State()
	if err != nil {
		t.Fatalf("State after sqlite round trip: %v", err)
	}
	if state.ThreadID != "t1" || len(state.AgentOutputs) != 1 {
		t.Errorf("restored state mismatch: %+v", state)
	}
}

func TestGormStoreUpsert(t *testing.T) {
	ctx := context.Background()
	store := newTestGormStore(t)

	cp := mustCheckpoint(t, "t1", 1)
	if err := store.Save(ctx, cp); err != nil {
		t.Fatalf("Save: %v", err)
	}
	cp.Reason = "updated"
	if err := store.Save(ctx, cp); err != nil {
		t.Fatalf("Save (upsert): %v", err)
	}

	loaded, err := store.Load(ctx, cp.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Reason != "updated" {
		t.Errorf("reason = %q, want updated", loaded.Reason)
	}
	if list, _ := store.ListByThread(ctx, "t1"); len(list) != 1 {
		t.Errorf("upsert created duplicate rows: %d", len(list))
	}
}

func TestGormStoreLatestAndNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestGormStore(t)

	for v := 1; v <= 3; v++ {
		if err := store.Save(ctx, mustCheckpoint(t, "t1", v)); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	latest, err := store.LoadLatest(ctx, "t1")
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if latest.Version != 3 {
		t.Errorf("latest version = %d, want 3", latest.Version)
	}

	if _, err := store.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load: expected ErrNotFound, got %v", err)
	}
	if _, err := store.LoadLatest(ctx, "other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadLatest: expected ErrNotFound, got %v", err)
	}
}
