package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"playshelf/internal/models"
)

func registrySession(id, userID string, updatedAt time.Time) models.Session {
	return models.Session{
		ID:            id,
		UserID:        userID,
		DeviceID:      "d1",
		LibraryItemID: "item-" + id,
		MediaType:     models.MediaTypeBook,
		UpdatedAt:     updatedAt,
	}
}

func TestRegistryOpenOrContinueDeduplicatesTuple(t *testing.T) {
	registry := NewRegistry()
	key := models.SessionKey{UserID: "u1", DeviceID: "d1", LibraryItemID: "i1"}

	created := 0
	create := func() models.Session {
		created++
		return models.Session{
			ID:            fmt.Sprintf("s%d", created),
			UserID:        key.UserID,
			DeviceID:      key.DeviceID,
			LibraryItemID: key.LibraryItemID,
		}
	}

	first, existed := registry.OpenOrContinue(key, create)
	if existed {
		t.Fatal("first open must create")
	}
	second, existed := registry.OpenOrContinue(key, create)
	if !existed {
		t.Fatal("second open must continue the existing session")
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same session, got %s and %s", first.ID, second.ID)
	}
	if created != 1 || registry.Len() != 1 {
		t.Fatalf("expected a single creation, got created=%d len=%d", created, registry.Len())
	}
	if !second.Open {
		t.Fatal("registry sessions must be marked open")
	}
}

func TestRegistryOpenOrContinueConcurrent(t *testing.T) {
	registry := NewRegistry()
	key := models.SessionKey{UserID: "u1", DeviceID: "d1", LibraryItemID: "i1"}

	var created int
	var wg sync.WaitGroup
	ids := make(chan string, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			session, _ := registry.OpenOrContinue(key, func() models.Session {
				created++ // guarded by the registry lock inside OpenOrContinue
				return models.Session{
					ID:            fmt.Sprintf("s%d", n),
					UserID:        key.UserID,
					DeviceID:      key.DeviceID,
					LibraryItemID: key.LibraryItemID,
				}
			})
			ids <- session.ID
		}(i)
	}
	wg.Wait()
	close(ids)

	if created != 1 {
		t.Fatalf("expected exactly one creation, got %d", created)
	}
	first := ""
	for id := range ids {
		if first == "" {
			first = id
		}
		if id != first {
			t.Fatalf("concurrent opens returned different sessions: %s vs %s", first, id)
		}
	}
}

func TestRegistryUpdateNoLostIncrements(t *testing.T) {
	registry := NewRegistry()
	registry.Upsert(registrySession("s1", "u1", time.Now()))

	const workers = 8
	const perWorker = 200
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				registry.Update("s1", func(s *models.Session) {
					s.TimeListening++
				})
			}
		}()
	}
	wg.Wait()

	session, ok := registry.Get("s1")
	if !ok {
		t.Fatal("session missing after updates")
	}
	if want := float64(workers * perWorker); session.TimeListening != want {
		t.Fatalf("lost updates: want %v, got %v", want, session.TimeListening)
	}
}

func TestRegistryUpdateIsolation(t *testing.T) {
	registry := NewRegistry()
	registry.Upsert(registrySession("s1", "u1", time.Now()))
	registry.Upsert(registrySession("s2", "u2", time.Now()))

	release := make(chan struct{})
	started := make(chan struct{})
	go registry.Update("s1", func(s *models.Session) {
		close(started)
		<-release
	})
	<-started

	// A mutation of a different session must not wait on s1's entry lock.
	done := make(chan struct{})
	go func() {
		registry.Update("s2", func(s *models.Session) { s.CurrentTime = 10 })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("update of an unrelated session blocked")
	}
	close(release)
}

func TestRegistrySnapshotOrderAndRemove(t *testing.T) {
	registry := NewRegistry()
	base := time.Now()
	registry.Upsert(registrySession("old", "u1", base.Add(-time.Hour)))
	registry.Upsert(registrySession("new", "u1", base))
	registry.Upsert(registrySession("mid", "u2", base.Add(-time.Minute)))

	snapshot := registry.Snapshot()
	if len(snapshot) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(snapshot))
	}
	for i, want := range []string{"new", "mid", "old"} {
		if snapshot[i].ID != want {
			t.Fatalf("position %d: want %s, got %s", i, want, snapshot[i].ID)
		}
	}

	mine := registry.GetByUser("u1")
	if len(mine) != 2 || mine[0].ID != "new" {
		t.Fatalf("unexpected user filter result: %+v", mine)
	}

	registry.Remove("mid")
	registry.Remove("mid") // absent id is a no-op
	if registry.Len() != 2 {
		t.Fatalf("expected 2 sessions after removal, got %d", registry.Len())
	}
	if _, ok := registry.Get("mid"); ok {
		t.Fatal("removed session still readable")
	}
}

func TestRegistryUpsertRemoveInterleaving(t *testing.T) {
	registry := NewRegistry()
	base := time.Now()

	// An Upsert racing a Remove must land in the live map entry or recreate
	// it, never write into a removed one: afterwards the session is either
	// absent or carries the upserted state.
	for i := 0; i < 200; i++ {
		session := registrySession("s1", "u1", base)
		session.TimeListening = float64(i)
		registry.Upsert(session)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			registry.Remove("s1")
		}()
		updated := session
		updated.TimeListening = float64(i) + 0.5
		go func() {
			defer wg.Done()
			registry.Upsert(updated)
		}()
		wg.Wait()

		if got, ok := registry.Get("s1"); ok && got.TimeListening != updated.TimeListening {
			t.Fatalf("iteration %d: upsert wrote into a removed entry: %+v", i, got)
		}
		registry.Remove("s1")
	}
}

func TestRegistryFindByKey(t *testing.T) {
	registry := NewRegistry()
	session := registrySession("s1", "u1", time.Now())
	registry.Upsert(session)

	found, ok := registry.FindByKey(session.Key())
	if !ok || found.ID != "s1" {
		t.Fatalf("expected to find s1, got ok=%v id=%s", ok, found.ID)
	}
	if _, ok := registry.FindByKey(models.SessionKey{UserID: "u9", DeviceID: "d1", LibraryItemID: "i1"}); ok {
		t.Fatal("unexpected match for unknown tuple")
	}
}
