package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"powerhorse/internal/dlq"
	"powerhorse/internal/domain"
	"powerhorse/internal/idempotency"
	"powerhorse/internal/intent"
)

const bridgeKeyPrefix = "bridge:"

type bridgeCallbackRequest struct {
	IntentID  string `json:"intentId"`
	BridgeRef string `json:"bridgeRef"`
}

type bridgeCallbackResponse struct {
	Status string     `json:"status"`
	Intent intentView `json:"intent"`
}

// handleBridgeCallback executes a deposit intent once the bridge reports the
// deposit delivered. Replays of the same bridgeRef are answered from the
// idempotency store.
func (s *Server) handleBridgeCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var payload bridgeCallbackRequest
	if err := decodeJSON(body, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	if payload.BridgeRef == "" {
		s.writeError(w, r, fmt.Errorf("%w: bridgeRef is required", errValidation))
		return
	}
	id, err := parseHash("intentId", payload.IntentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	key := bridgeKeyPrefix + payload.BridgeRef
	fp := idempotency.Fingerprint(body)
	existing, err := s.store.Get(ctx, key)
	if err != nil {
		s.log.WithError(err).Warn("idempotency lookup failed")
	}
	replay, err := existing.Replay(fp)
	if err != nil {
		s.metrics.incCallback("rejected")
		s.writeError(w, r, err)
		return
	}
	if replay != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(replay.StatusCode)
		_, _ = w.Write(replay.Response)
		s.metrics.incCallback("cached")
		return
	}

	in, attempts, err := s.executeWithRetry(ctx, id)
	if err != nil {
		s.metrics.incCallback("failed")
		if !errors.Is(err, domain.ErrAlreadyCompleted) {
			s.deadLetter(ctx, body, err, attempts)
		}
		s.writeError(w, r, err)
		return
	}

	resp, err := json.Marshal(bridgeCallbackResponse{Status: "processed", Intent: newIntentView(in)})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	now := time.Now()
	record := idempotency.Record{
		Fingerprint: fp,
		StatusCode:  http.StatusOK,
		Response:    resp,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.Idempotency.Window.Duration),
	}
	if err := s.store.Save(ctx, key, record); err != nil {
		s.log.WithError(err).Warn("idempotency save failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
	s.metrics.incCallback("processed")
}

func (s *Server) executeWithRetry(ctx context.Context, id common.Hash) (*intent.Intent, int, error) {
	attempts := s.cfg.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := s.cfg.Retry.InitialBackoff.Duration
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	maxBackoff := s.cfg.Retry.MaxBackoff.Duration
	executor := s.roles.Executor()

	for i := 1; i <= attempts; i++ {
		in, err := s.intents.Execute(ctx, executor, id)
		if err == nil {
			s.metrics.incRetry("success")
			return in, i, nil
		}
		if !isRetryable(err) || i == attempts {
			s.metrics.incRetry("failed")
			return nil, i, err
		}

		s.metrics.incRetry("retry")
		s.log.WithError(err).WithFields(logrus.Fields{
			"intent":  id.Hex(),
			"attempt": i,
		}).Warn("bridge execution failed, retrying")

		sleep := backoff
		if maxBackoff > 0 && sleep > maxBackoff {
			sleep = maxBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return nil, i, ctx.Err()
		}
		if s.cfg.Retry.BackoffMultiplier > 1 {
			backoff *= time.Duration(s.cfg.Retry.BackoffMultiplier)
		}
	}
	return nil, attempts, errors.New("exhausted retries")
}

// isRetryable reports whether another attempt could succeed without the
// caller changing anything.
func isRetryable(err error) bool {
	return errors.Is(err, domain.ErrExternalCall) || errors.Is(err, domain.ErrReentrant)
}

func (s *Server) deadLetter(ctx context.Context, payload []byte, execErr error, attempts int) {
	entry := dlq.NewEntry("bridge_callback", payload, execErr, attempts)
	// detached so a client disconnect does not drop the entry
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.dlq.Push(pushCtx, entry); err != nil {
		s.log.WithError(err).WithField("entry", entry.ID).Error("dlq push failed")
	}
	s.updateDLQDepth(pushCtx)
}

func (s *Server) updateDLQDepth(ctx context.Context) int {
	depth, err := s.dlq.Depth(ctx)
	if err != nil {
		s.log.WithError(err).Warn("dlq depth unavailable")
		return 0
	}
	s.metrics.setDLQDepth(depth)
	return depth
}
