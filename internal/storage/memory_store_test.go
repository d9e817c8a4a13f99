package storage

import (
	"context"
	"testing"
	"time"

	"playshelf/internal/models"
)

func storeSession(id, userID, deviceID, itemID string, updatedAt time.Time) models.Session {
	return models.Session{
		ID:            id,
		UserID:        userID,
		DeviceID:      deviceID,
		LibraryItemID: itemID,
		MediaType:     models.MediaTypeBook,
		UpdatedAt:     updatedAt,
	}
}

func TestMemoryStoreUpsertAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	session := storeSession("s1", "u1", "d1", "i1", base)
	session.Open = true
	if err := store.Upsert(ctx, session); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, found, err := store.GetByID(ctx, "s1")
	if err != nil || !found {
		t.Fatalf("get failed: found=%v err=%v", found, err)
	}
	if got.Open {
		t.Fatal("persisted sessions must read back as closed")
	}

	session.CurrentTime = 99
	if err := store.Upsert(ctx, session); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	got, _, _ = store.GetByID(ctx, "s1")
	if got.CurrentTime != 99 {
		t.Fatalf("upsert did not replace: %+v", got)
	}

	if _, found, _ := store.GetByID(ctx, "missing"); found {
		t.Fatal("unexpected hit for unknown id")
	}
}

func TestMemoryStoreFindByKeyPrefersNewest(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	store.Upsert(ctx, storeSession("old", "u1", "d1", "i1", base.Add(-time.Hour)))
	store.Upsert(ctx, storeSession("new", "u1", "d1", "i1", base))
	store.Upsert(ctx, storeSession("other", "u1", "d2", "i1", base.Add(time.Hour)))

	got, found, err := store.FindByKey(ctx, models.SessionKey{UserID: "u1", DeviceID: "d1", LibraryItemID: "i1"})
	if err != nil || !found {
		t.Fatalf("find failed: found=%v err=%v", found, err)
	}
	if got.ID != "new" {
		t.Fatalf("expected the most recent match, got %s", got.ID)
	}

	if _, found, _ := store.FindByKey(ctx, models.SessionKey{UserID: "u9", DeviceID: "d1", LibraryItemID: "i1"}); found {
		t.Fatal("unexpected match for unknown tuple")
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Upsert(ctx, storeSession("s1", "u1", "d1", "i1", time.Now()))

	existed, err := store.Delete(ctx, "s1")
	if err != nil || !existed {
		t.Fatalf("delete failed: existed=%v err=%v", existed, err)
	}
	existed, err = store.Delete(ctx, "s1")
	if err != nil || existed {
		t.Fatalf("repeat delete should report absence: existed=%v err=%v", existed, err)
	}
}

func TestMemoryStoreList(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	store.Upsert(ctx, storeSession("a", "u1", "d1", "i1", base.Add(-2*time.Hour)))
	store.Upsert(ctx, storeSession("b", "u2", "d1", "i2", base.Add(-time.Hour)))
	store.Upsert(ctx, storeSession("c", "u1", "d2", "i3", base))

	all, err := store.List(ctx, SessionFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Fatalf("unexpected order: %+v", all)
	}

	mine, err := store.List(ctx, SessionFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("filtered list failed: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected 2 sessions for u1, got %d", len(mine))
	}
	for _, session := range mine {
		if session.UserID != "u1" {
			t.Fatalf("filter leaked session %+v", session)
		}
	}
}
