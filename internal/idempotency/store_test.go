package idempotency

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if rec, _ := store.Get(ctx, "missing"); rec != nil {
		t.Fatalf("expected nil for missing key")
	}

	record := Record{
		Fingerprint: Fingerprint([]byte(`{"amount":"10"}`)),
		StatusCode:  201,
		Response:    []byte("ok"),
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Minute),
	}
	if err := store.Save(ctx, "abc", record); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, _ := store.Get(ctx, "abc")
	if got == nil || string(got.Response) != "ok" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestMemoryStoreExpires(t *testing.T) {
	store := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }

	_ = store.Save(context.Background(), "k", Record{StatusCode: 201, ExpiresAt: now.Add(time.Minute)})
	now = now.Add(2 * time.Minute)
	if rec, _ := store.Get(context.Background(), "k"); rec != nil {
		t.Fatalf("expired record returned")
	}
}

func TestReplayChecksFingerprint(t *testing.T) {
	rec := &Record{Fingerprint: Fingerprint([]byte("a")), StatusCode: 201}

	got, err := rec.Replay(Fingerprint([]byte("a")))
	if err != nil || got != rec {
		t.Fatalf("same body should replay, got %v %v", got, err)
	}
	if _, err := rec.Replay(Fingerprint([]byte("b"))); !errors.Is(err, ErrKeyReused) {
		t.Fatalf("expected key reused, got %v", err)
	}

	var missing *Record
	if got, err := missing.Replay("x"); got != nil || err != nil {
		t.Fatalf("nil record should be a miss")
	}
}

func TestScopedKeySeparatesCallers(t *testing.T) {
	a := ScopedKey(common.HexToAddress("0x1"), "sessions", "k")
	b := ScopedKey(common.HexToAddress("0x2"), "sessions", "k")
	c := ScopedKey(common.HexToAddress("0x1"), "intents", "k")
	if a == b || a == c {
		t.Fatalf("scoped keys collide: %s %s %s", a, b, c)
	}
}

func TestFileStorePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idem.json")

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	ctx := context.Background()
	record := Record{
		Fingerprint: "fp",
		StatusCode:  201,
		Response:    []byte("resp"),
		CreatedAt:   time.Unix(0, 0),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := store.Save(ctx, "key", record); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}

	store2, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("re-open store: %v", err)
	}

	got, _ := store2.Get(ctx, "key")
	if got == nil || string(got.Response) != "resp" || got.Fingerprint != "fp" {
		t.Fatalf("unexpected record: %+v", got)
	}
}
