package task

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"pausevm/internal/engine"
)

func pausedTask(id string, now time.Time) Task {
	return Task{
		ID:          id,
		Name:        "name-" + id,
		Code:        `const u = fetch("u/1"); u.name`,
		Status:      StatusPaused,
		VMState:     json.RawMessage(`{"code":"x","responses":[]}`),
		PausedState: json.RawMessage(`{"fetch_id":"fetch-0","index":0}`),
		FetchRequest: &engine.FetchRequest{
			ID:      "fetch-0",
			URL:     "u/1",
			Options: map[string]any{"method": "GET"},
		},
		CreatedAt: now.UTC().Truncate(time.Millisecond),
		UpdatedAt: now.UTC().Truncate(time.Millisecond),
		ExpiresAt: now.Add(DefaultTTL).UTC().Truncate(time.Millisecond),
	}
}

// runStoreContract checks the behavior every Store must share.
func runStoreContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	missing, err := store.Load(ctx, "absent")
	if err != nil {
		t.Fatalf("Load absent failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for absent task, got %+v", missing)
	}

	original := pausedTask("c1", now)
	if err := store.Save(ctx, original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := store.Load(ctx, "c1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded == nil {
		t.Fatalf("expected stored task")
	}
	if loaded.ID != original.ID || loaded.Name != original.Name || loaded.Code != original.Code || loaded.Status != original.Status {
		t.Fatalf("identity fields changed: %+v", loaded)
	}
	if string(loaded.VMState) != string(original.VMState) || string(loaded.PausedState) != string(original.PausedState) {
		t.Fatalf("opaque state changed: vm=%s paused=%s", loaded.VMState, loaded.PausedState)
	}
	if loaded.FetchRequest == nil || loaded.FetchRequest.URL != "u/1" || loaded.FetchRequest.Options["method"] != "GET" {
		t.Fatalf("fetch request changed: %+v", loaded.FetchRequest)
	}
	if !loaded.ExpiresAt.Equal(original.ExpiresAt) || !loaded.CreatedAt.Equal(original.CreatedAt) {
		t.Fatalf("timestamps changed: created=%s expires=%s", loaded.CreatedAt, loaded.ExpiresAt)
	}

	updated := original
	updated.FetchRequest = &engine.FetchRequest{ID: "fetch-1", URL: "u/2"}
	updated.VMState = json.RawMessage(`{"code":"x","responses":[1]}`)
	if err := store.Save(ctx, updated); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	loaded, err = store.Load(ctx, "c1")
	if err != nil || loaded == nil {
		t.Fatalf("Load after overwrite failed: %v", err)
	}
	if loaded.FetchRequest.URL != "u/2" || string(loaded.VMState) != string(updated.VMState) {
		t.Fatalf("save did not overwrite: %+v", loaded)
	}

	if lister, ok := store.(Lister); ok {
		tasks, err := lister.List(ctx)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(tasks) != 1 {
			t.Fatalf("expected 1 task after overwrite, got %d", len(tasks))
		}
	}

	for i := 0; i < 2; i++ {
		if err := store.Delete(ctx, "c1"); err != nil {
			t.Fatalf("Delete #%d failed: %v", i+1, err)
		}
	}
	if err := store.Delete(ctx, "never-saved"); err != nil {
		t.Fatalf("Delete absent failed: %v", err)
	}
	loaded, err = store.Load(ctx, "c1")
	if err != nil {
		t.Fatalf("Load after delete failed: %v", err)
	}
	if loaded != nil {
		t.Fatalf("task survived delete")
	}

	if clearer, ok := store.(Clearer); ok {
		for _, id := range []string{"k1", "k2"} {
			if err := store.Save(ctx, pausedTask(id, now)); err != nil {
				t.Fatalf("Save %s failed: %v", id, err)
			}
		}
		if err := clearer.Clear(ctx); err != nil {
			t.Fatalf("Clear failed: %v", err)
		}
		for _, id := range []string{"k1", "k2"} {
			if got, _ := store.Load(ctx, id); got != nil {
				t.Fatalf("task %s survived Clear", id)
			}
		}
	}
}

// runSweeperContract checks expiry filtering on Load and PurgeExpired.
// setNow moves the store's clock.
func runSweeperContract(t *testing.T, store interface {
	Store
	Sweeper
}, setNow func(time.Time)) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	fresh := pausedTask("fresh", now)
	stale := pausedTask("stale", now)
	stale.ExpiresAt = now.Add(time.Minute).UTC().Truncate(time.Millisecond)
	for _, task := range []Task{fresh, stale} {
		if err := store.Save(ctx, task); err != nil {
			t.Fatalf("Save %s failed: %v", task.ID, err)
		}
	}

	later := now.Add(5 * time.Minute)
	setNow(later)

	if got, err := store.Load(ctx, "stale"); err != nil || got != nil {
		t.Fatalf("expected expired task hidden, got %+v err=%v", got, err)
	}
	if got, err := store.Load(ctx, "fresh"); err != nil || got == nil {
		t.Fatalf("expected fresh task visible, got %+v err=%v", got, err)
	}

	purged, err := store.PurgeExpired(ctx, later)
	if err != nil {
		t.Fatalf("PurgeExpired failed: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged task, got %d", purged)
	}

	setNow(now)
	if got, _ := store.Load(ctx, "stale"); got != nil {
		t.Fatalf("purged task came back")
	}
	if got, _ := store.Load(ctx, "fresh"); got == nil {
		t.Fatalf("fresh task purged")
	}
}
