package server

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"powerhorse/internal/auth"
	"powerhorse/internal/idempotency"
)

const maxBodyBytes = 1 << 20

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", errValidation, err)
	}
	return body, nil
}

func decodeJSON(body []byte, dst any) error {
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: invalid json payload", errValidation)
	}
	return nil
}

func parseAddress(field, v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%w: %s must be a hex address", errValidation, field)
	}
	return common.HexToAddress(v), nil
}

// parseOptionalAddress treats an empty string as the zero address.
func parseOptionalAddress(field, v string) (common.Address, error) {
	if v == "" {
		return common.Address{}, nil
	}
	return parseAddress(field, v)
}

func parseAmount(field, v string) (*big.Int, error) {
	if v == "" {
		return nil, fmt.Errorf("%w: %s is required", errValidation, field)
	}
	n, ok := new(big.Int).SetString(v, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s must be a non-negative integer", errValidation, field)
	}
	return n, nil
}

func parseOptionalAmount(field, v string) (*big.Int, error) {
	if v == "" {
		return new(big.Int), nil
	}
	return parseAmount(field, v)
}

func parseHash(field, v string) (common.Hash, error) {
	raw := strings.TrimPrefix(v, "0x")
	if len(raw) != 64 {
		return common.Hash{}, fmt.Errorf("%w: %s must be a 32-byte hex value", errValidation, field)
	}
	return common.HexToHash(v), nil
}

func caller(r *http.Request) common.Address {
	addr, _ := auth.Caller(r.Context())
	return addr
}

func unixTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func amountString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

// idempotent replays the stored response for a repeated X-Idempotency-Key
// from the same caller, and stores fresh successful responses.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request, route string, body []byte, status int, fn func() (any, error)) {
	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key == "" {
		s.writeError(w, r, fmt.Errorf("%w: missing X-Idempotency-Key header", errValidation))
		return
	}
	ctx := r.Context()
	scoped := idempotency.ScopedKey(caller(r), route, key)
	fp := idempotency.Fingerprint(body)

	existing, err := s.store.Get(ctx, scoped)
	if err != nil {
		s.log.WithError(err).Warn("idempotency lookup failed")
	}
	replay, err := existing.Replay(fp)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if replay != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(replay.StatusCode)
		_, _ = w.Write(replay.Response)
		return
	}

	result, err := fn()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	now := time.Now()
	record := idempotency.Record{
		Fingerprint: fp,
		StatusCode:  status,
		Response:    payload,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.Idempotency.Window.Duration),
	}
	if err := s.store.Save(ctx, scoped, record); err != nil {
		s.log.WithError(err).Warn("idempotency save failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
