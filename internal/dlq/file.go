package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileQueue writes one JSON file per entry into a directory.
type FileQueue struct {
	dir string
}

func NewFileQueue(dir string) (*FileQueue, error) {
	if dir == "" {
		return nil, fmt.Errorf("dlq directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("dlq mkdir: %w", err)
	}
	return &FileQueue{dir: dir}, nil
}

func (q *FileQueue) Push(_ context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("dlq marshal: %w", err)
	}
	name := fmt.Sprintf("%d-%s.json", e.At.UnixNano(), e.ID)
	if err := os.WriteFile(filepath.Join(q.dir, name), data, 0o600); err != nil {
		return fmt.Errorf("dlq write: %w", err)
	}
	return nil
}

func (q *FileQueue) Depth(context.Context) (int, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return 0, fmt.Errorf("dlq read: %w", err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			n++
		}
	}
	return n, nil
}
