package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"infermesh/federation"
	"infermesh/payments"
	"infermesh/protocol"
	"infermesh/registry"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func seededRegistry(t *testing.T, clock *fakeClock) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.Config{HeartbeatTTL: time.Minute, Now: clock.Now})
	adm := reg.Register(protocol.NodeManifest{
		NodeID:   "n1",
		KeyID:    strings.Repeat("a", 64),
		Endpoint: "http://n1.test:9000",
		Capacity: protocol.NodeCapacity{MaxConcurrent: 4},
		Capabilities: []protocol.NodeCapability{{
			ModelID:       "m.7b",
			ContextWindow: 8192,
			MaxTokens:     2048,
			Pricing:       protocol.NodePricing{Unit: protocol.PricingPerToken, InputRate: 0.01, OutputRate: 0.02, Currency: "sats"},
		}},
	})
	if !adm.Eligible {
		t.Fatalf("seed node rejected: %+v", adm)
	}
	return reg
}

func TestSnapshotRoundTrip(t *testing.T) {
	clock := newFakeClock()
	reg := seededRegistry(t, clock)
	dir := federation.NewDirectory(0, clock.Now)
	dir.Restore([]federation.Peer{{RouterID: "peer-1", Endpoint: "http://peer-1.test:8080"}})

	path := filepath.Join(t.TempDir(), "state", "router.json")
	store, err := New(Config{
		Path: path,
		Now:  clock.Now,
		Collect: func() Snapshot {
			return Snapshot{
				RouterID: "router-a",
				Registry: reg.Snapshot(),
				Payments: payments.State{},
				Peers:    dir.Snapshot(),
			}
		},
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil {
		t.Fatal("load returned nil after flush")
	}
	if loaded.Version != snapshotVersion {
		t.Fatalf("version = %d, want %d", loaded.Version, snapshotVersion)
	}
	if loaded.RouterID != "router-a" {
		t.Fatalf("routerId = %q", loaded.RouterID)
	}
	if loaded.SavedAtMs != clock.Now().UnixMilli() {
		t.Fatalf("savedAtMs = %d, want %d", loaded.SavedAtMs, clock.Now().UnixMilli())
	}
	if len(loaded.Registry.Nodes) != 1 || loaded.Registry.Nodes[0].Manifest.NodeID != "n1" {
		t.Fatalf("registry nodes = %+v", loaded.Registry.Nodes)
	}
	if len(loaded.Peers) != 1 || loaded.Peers[0].RouterID != "peer-1" {
		t.Fatalf("peers = %+v", loaded.Peers)
	}

	restored := registry.New(registry.Config{HeartbeatTTL: time.Minute, Now: clock.Now})
	restored.Restore(loaded.Registry)
	if got := restored.ActiveCount(); got != 1 {
		t.Fatalf("restored active count = %d, want 1", got)
	}
}

func TestLoadMissingAndEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := New(Config{Path: path, Collect: func() Snapshot { return Snapshot{} }})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	snap, err := store.Load()
	if err != nil || snap != nil {
		t.Fatalf("missing file: snap = %v, err = %v", snap, err)
	}

	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write empty file: %v", err)
	}
	snap, err = store.Load()
	if err != nil || snap != nil {
		t.Fatalf("empty file: snap = %v, err = %v", snap, err)
	}
}

func TestLoadCorruptFileReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	store, err := New(Config{Path: path, Collect: func() Snapshot { return Snapshot{} }})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Load(); err == nil {
		t.Fatal("corrupt file loaded without error")
	}
}

func TestRequestNeverBlocks(t *testing.T) {
	store, err := New(Config{
		Path:    filepath.Join(t.TempDir(), "state.json"),
		Collect: func() Snapshot { return Snapshot{} },
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	// No writer running: repeated requests must coalesce, not block.
	for i := 0; i < 16; i++ {
		store.Request()
	}
}

func TestCloseFlushesFinalSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	calls := 0
	store, err := New(Config{
		Path: path,
		Collect: func() Snapshot {
			calls++
			return Snapshot{RouterID: "router-b"}
		},
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if calls == 0 {
		t.Fatal("close never collected a snapshot")
	}
	snap, err := store.Load()
	if err != nil || snap == nil {
		t.Fatalf("load after close: snap = %v, err = %v", snap, err)
	}
	if snap.RouterID != "router-b" {
		t.Fatalf("routerId = %q", snap.RouterID)
	}
}

func TestPeriodicWriterPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := New(Config{
		Path:     path,
		Interval: 10 * time.Millisecond,
		Collect:  func() Snapshot { return Snapshot{RouterID: "router-c"} },
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.Start(ctx)
	defer store.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap, err := store.Load(); err == nil && snap != nil {
			if snap.RouterID != "router-c" {
				t.Fatalf("routerId = %q", snap.RouterID)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("periodic writer never produced a snapshot")
}
