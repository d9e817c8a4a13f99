package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"playshelf/internal/models"
)

// newTestPostgresStore connects to the database named by
// PLAYSHELF_TEST_POSTGRES_DSN, skipping the test when it is unset.
func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("PLAYSHELF_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PLAYSHELF_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema setup failed: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(closeCtx)
	})
	return store
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	store := newTestPostgresStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)
	id := fmt.Sprintf("it-%d", time.Now().UnixNano())

	session := models.Session{
		ID:            id,
		UserID:        "it-user",
		DeviceID:      "it-device",
		LibraryItemID: "it-item",
		MediaType:     models.MediaTypeBook,
		DisplayTitle:  "Integration Test",
		CurrentTime:   120,
		Duration:      600,
		Progress:      0.2,
		TimeListening: 120,
		StartedAt:     base,
		UpdatedAt:     base,
	}
	if err := store.Upsert(ctx, session); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	defer store.Delete(ctx, id)

	got, found, err := store.GetByID(ctx, id)
	if err != nil || !found {
		t.Fatalf("get failed: found=%v err=%v", found, err)
	}
	if got.CurrentTime != 120 || got.MediaType != models.MediaTypeBook || !got.UpdatedAt.Equal(base) {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	session.CurrentTime = 240
	session.UpdatedAt = base.Add(time.Minute)
	if err := store.Upsert(ctx, session); err != nil {
		t.Fatalf("conflict upsert failed: %v", err)
	}
	got, _, _ = store.GetByID(ctx, id)
	if got.CurrentTime != 240 {
		t.Fatalf("upsert did not update the row: %+v", got)
	}

	byKey, found, err := store.FindByKey(ctx, session.Key())
	if err != nil || !found || byKey.ID != id {
		t.Fatalf("find by key failed: found=%v err=%v id=%s", found, err, byKey.ID)
	}

	existed, err := store.Delete(ctx, id)
	if err != nil || !existed {
		t.Fatalf("delete failed: existed=%v err=%v", existed, err)
	}
	if _, found, _ := store.GetByID(ctx, id); found {
		t.Fatal("row survived deletion")
	}
}
