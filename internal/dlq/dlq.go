// Package dlq parks bridge callbacks that could not be executed so an
// operator can replay them.
package dlq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Entry struct {
	ID       string          `json:"id"`
	At       time.Time       `json:"at"`
	Source   string          `json:"source"`
	Payload  json.RawMessage `json:"payload"`
	Error    string          `json:"error"`
	Attempts int             `json:"attempts"`
}

func NewEntry(source string, payload []byte, err error, attempts int) Entry {
	e := Entry{
		ID:       uuid.NewString(),
		At:       time.Now().UTC(),
		Source:   source,
		Payload:  json.RawMessage(payload),
		Attempts: attempts,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if !json.Valid(payload) {
		quoted, _ := json.Marshal(string(payload))
		e.Payload = quoted
	}
	return e
}

type Queue interface {
	Push(ctx context.Context, e Entry) error
	Depth(ctx context.Context) (int, error)
}

// Discard drops every entry. Used when no queue is configured.
type Discard struct{}

func (Discard) Push(context.Context, Entry) error { return nil }
func (Discard) Depth(context.Context) (int, error) { return 0, nil }
