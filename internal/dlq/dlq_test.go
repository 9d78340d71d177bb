package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileQueuePushAndDepth(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dlq")
	q, err := NewFileQueue(dir)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx := context.Background()

	if n, _ := q.Depth(ctx); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
	for i := 0; i < 2; i++ {
		if err := q.Push(ctx, NewEntry("bridge", []byte(`{"intentId":"0x01"}`), errors.New("rpc down"), 3)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	if n, _ := q.Depth(ctx); n != 2 {
		t.Fatalf("expected depth 2, got %d", n)
	}

	files, _ := os.ReadDir(dir)
	blob, _ := os.ReadFile(filepath.Join(dir, files[0].Name()))
	var e Entry
	if err := json.Unmarshal(blob, &e); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if e.Error != "rpc down" || e.Attempts != 3 || string(e.Payload) != `{"intentId":"0x01"}` {
		t.Fatalf("unexpected entry %+v", e)
	}
}

func TestNewEntryQuotesInvalidJSON(t *testing.T) {
	e := NewEntry("bridge", []byte("not json"), nil, 1)
	if !json.Valid(e.Payload) {
		t.Fatalf("payload must stay valid json: %s", e.Payload)
	}
	if _, err := json.Marshal(e); err != nil {
		t.Fatalf("marshal: %v", err)
	}
}
