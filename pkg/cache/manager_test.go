package cache

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var (
	standardV1 = Region{Name: "kids-safety", Version: "v1.2.0"}
	criticalV1 = Region{Name: "emergency-cache", Version: "v1"}
)

// setupTestRedis starts an in-process Redis for unit tests. Integration
// tests against a real Redis live in manager_integration_test.go.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})

	t.Cleanup(func() {
		client.Close()
		s.Close()
	})

	return client
}

func testEntry(url, body string) *Entry {
	return &Entry{
		Identity:   URLIdentity(url),
		StatusCode: 200,
		Headers:    http.Header{"Content-Type": []string{"text/html"}},
		Data:       []byte(body),
		StoredAt:   time.Now(),
	}
}

func TestNewManager_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil redis client")
		}
	}()
	NewManager(nil)
}

func TestManager_PutAndGet(t *testing.T) {
	manager := NewManager(setupTestRedis(t))
	ctx := context.Background()

	entry := testEntry("https://app.test/emergency.html", "<h1>help</h1>")
	if err := manager.Put(ctx, criticalV1, entry); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := manager.Get(ctx, criticalV1, entry.Identity)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Data) != "<h1>help</h1>" {
		t.Errorf("Data = %q", got.Data)
	}
	if got.Region != criticalV1.ID() {
		t.Errorf("Region = %q, want %q", got.Region, criticalV1.ID())
	}

	// Regions are isolated.
	if _, err := manager.Get(ctx, standardV1, entry.Identity); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get from other region: got %v, want ErrCacheMiss", err)
	}
}

func TestManager_PutOverwrites(t *testing.T) {
	manager := NewManager(setupTestRedis(t))
	ctx := context.Background()

	if err := manager.Put(ctx, standardV1, testEntry("https://app.test/", "old")); err != nil {
		t.Fatal(err)
	}
	if err := manager.Put(ctx, standardV1, testEntry("https://app.test/", "new")); err != nil {
		t.Fatal(err)
	}

	got, err := manager.Get(ctx, standardV1, URLIdentity("https://app.test/"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Data) != "new" {
		t.Errorf("Data = %q, want new", got.Data)
	}
	if n, _ := manager.Count(ctx, standardV1); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestManager_Put_NilEntry(t *testing.T) {
	manager := NewManager(setupTestRedis(t))
	if err := manager.Put(context.Background(), standardV1, nil); err == nil {
		t.Error("Put with nil entry should return error")
	}
}

func TestManager_Get_InvalidEntry(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client)
	ctx := context.Background()

	id := URLIdentity("https://app.test/broken")
	client.Set(ctx, entryKey(standardV1.ID(), id), "not json", 0)

	if _, err := manager.Get(ctx, standardV1, id); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Get = %v, want ErrInvalidEntry", err)
	}
}

func TestManager_Match(t *testing.T) {
	manager := NewManager(setupTestRedis(t))
	ctx := context.Background()

	offline := testEntry("https://app.test/offline-safety.html", "offline")
	if err := manager.Put(ctx, criticalV1, offline); err != nil {
		t.Fatal(err)
	}
	if err := manager.RegisterRegion(ctx, standardV1); err != nil {
		t.Fatal(err)
	}

	// Preferred region misses, another live region hits.
	got, err := manager.Match(ctx, offline.Identity, standardV1)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if got.Region != criticalV1.ID() {
		t.Errorf("Region = %q", got.Region)
	}

	// Preferred region wins when both hold the identity.
	if err := manager.Put(ctx, standardV1, testEntry("https://app.test/offline-safety.html", "standard")); err != nil {
		t.Fatal(err)
	}
	got, err = manager.Match(ctx, offline.Identity, standardV1)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Data) != "standard" {
		t.Errorf("Data = %q, want standard", got.Data)
	}

	if _, err := manager.Match(ctx, URLIdentity("https://app.test/nope"), standardV1); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Match miss = %v, want ErrCacheMiss", err)
	}
}

func TestManager_Delete(t *testing.T) {
	manager := NewManager(setupTestRedis(t))
	ctx := context.Background()

	entry := testEntry("https://app.test/", "x")
	if err := manager.Put(ctx, standardV1, entry); err != nil {
		t.Fatal(err)
	}
	if err := manager.Delete(ctx, standardV1, entry.Identity); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := manager.Get(ctx, standardV1, entry.Identity); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get after Delete = %v, want ErrCacheMiss", err)
	}
}

func TestManager_DeleteRegionsExcept(t *testing.T) {
	manager := NewManager(setupTestRedis(t))
	ctx := context.Background()

	standardV2 := Region{Name: "kids-safety", Version: "v1.3.0"}

	for _, url := range []string{"https://app.test/a", "https://app.test/b"} {
		if err := manager.Put(ctx, standardV1, testEntry(url, "v1")); err != nil {
			t.Fatal(err)
		}
		if err := manager.Put(ctx, standardV2, testEntry(url, "v2")); err != nil {
			t.Fatal(err)
		}
	}
	if err := manager.Put(ctx, criticalV1, testEntry("https://app.test/emergency.html", "c")); err != nil {
		t.Fatal(err)
	}

	deleted, err := manager.DeleteRegionsExcept(ctx, standardV2, criticalV1)
	if err != nil {
		t.Fatalf("DeleteRegionsExcept failed: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != standardV1.ID() {
		t.Errorf("deleted = %v, want [%s]", deleted, standardV1.ID())
	}

	regions, err := manager.Regions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{criticalV1.ID(), standardV2.ID()}
	if len(regions) != len(want) || regions[0] != want[0] || regions[1] != want[1] {
		t.Errorf("Regions() = %v, want %v", regions, want)
	}

	if n, _ := manager.Count(ctx, standardV1); n != 0 {
		t.Errorf("stale region still has %d entries", n)
	}
	if n, _ := manager.Count(ctx, standardV2); n != 2 {
		t.Errorf("live region has %d entries, want 2", n)
	}
}

func TestManager_RefreshRetiredRegion(t *testing.T) {
	manager := NewManager(setupTestRedis(t))
	ctx := context.Background()

	standardV2 := Region{Name: "kids-safety", Version: "v1.3.0"}

	if err := manager.Refresh(ctx, standardV1, testEntry("https://app.test/a", "v1")); err != nil {
		t.Fatalf("Refresh() on a fresh region error = %v", err)
	}
	if err := manager.Put(ctx, standardV2, testEntry("https://app.test/a", "v2")); err != nil {
		t.Fatal(err)
	}
	if _, err := manager.DeleteRegionsExcept(ctx, standardV2); err != nil {
		t.Fatalf("DeleteRegionsExcept failed: %v", err)
	}

	// A response that finished after the rollover must not revive v1.
	err := manager.Refresh(ctx, standardV1, testEntry("https://app.test/b", "late"))
	if !errors.Is(err, ErrRegionRetired) {
		t.Fatalf("Refresh() into retired region error = %v, want ErrRegionRetired", err)
	}
	regions, _ := manager.Regions(ctx)
	if len(regions) != 1 || regions[0] != standardV2.ID() {
		t.Errorf("Regions() = %v, want only %s", regions, standardV2.ID())
	}
	if n, _ := manager.Count(ctx, standardV1); n != 0 {
		t.Errorf("retired region has %d entries", n)
	}

	if err := manager.Refresh(ctx, standardV2, testEntry("https://app.test/b", "v2")); err != nil {
		t.Errorf("Refresh() into live region error = %v", err)
	}

	// Installing the version again revives the region.
	if err := manager.Put(ctx, standardV1, testEntry("https://app.test/a", "v1")); err != nil {
		t.Fatal(err)
	}
	if err := manager.Refresh(ctx, standardV1, testEntry("https://app.test/b", "v1")); err != nil {
		t.Errorf("Refresh() after reinstall error = %v", err)
	}
}
