// Package audit records state transitions and role changes.
package audit

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Kind string

const (
	KindSessionOpened    Kind = "session.opened"
	KindFillRecorded     Kind = "session.fill_recorded"
	KindSessionSettled   Kind = "session.settled"
	KindSessionCancelled Kind = "session.cancelled"
	KindIntentCreated    Kind = "intent.created"
	KindIntentExecuted   Kind = "intent.executed"
	KindIntentCancelled  Kind = "intent.cancelled"
	KindRoleUpdated      Kind = "role.updated"
	KindRollback         Kind = "rollback"
	KindDisbursalOwed    Kind = "disbursal.owed"
)

type Event struct {
	ID     string         `json:"id"`
	Kind   Kind           `json:"kind"`
	Key    string         `json:"key"`
	Actor  string         `json:"actor"`
	Detail map[string]any `json:"detail,omitempty"`
	At     time.Time      `json:"at"`
}

func NewEvent(kind Kind, key string, actor common.Address, detail map[string]any) Event {
	return Event{
		ID:     uuid.NewString(),
		Kind:   kind,
		Key:    key,
		Actor:  actor.Hex(),
		Detail: detail,
		At:     time.Now().UTC(),
	}
}

// Sink consumes events.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// Emit delivers ev and logs a sink failure instead of returning it.
func Emit(ctx context.Context, sink Sink, log *logrus.Entry, ev Event) {
	if sink == nil {
		return
	}
	if err := sink.Record(ctx, ev); err != nil && log != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"event": ev.Kind,
			"key":   ev.Key,
		}).Warn("audit sink failed")
	}
}

// Multi fans out to every sink and returns the first error.
type Multi []Sink

func (m Multi) Record(ctx context.Context, ev Event) error {
	var first error
	for _, s := range m {
		if err := s.Record(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LogSink writes events to the structured log.
type LogSink struct {
	Log *logrus.Entry
}

func (s LogSink) Record(_ context.Context, ev Event) error {
	fields := logrus.Fields{
		"event_id": ev.ID,
		"event":    ev.Kind,
		"key":      ev.Key,
		"actor":    ev.Actor,
	}
	for k, v := range ev.Detail {
		fields[k] = v
	}
	s.Log.WithFields(fields).Info("audit")
	return nil
}

// Recorder keeps events in memory.
type Recorder struct {
	Events []Event
}

func (r *Recorder) Record(_ context.Context, ev Event) error {
	r.Events = append(r.Events, ev)
	return nil
}

// Kinds lists recorded kinds in order.
func (r *Recorder) Kinds() []Kind {
	out := make([]Kind, 0, len(r.Events))
	for _, ev := range r.Events {
		out = append(out, ev.Kind)
	}
	return out
}
