package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"powerhorse/internal/audit"
	"powerhorse/internal/auth"
	"powerhorse/internal/config"
	"powerhorse/internal/dlq"
	"powerhorse/internal/domain"
	"powerhorse/internal/hmacauth"
	"powerhorse/internal/idempotency"
	"powerhorse/internal/intent"
	"powerhorse/internal/logging"
	"powerhorse/internal/market"
	"powerhorse/internal/roles"
	"powerhorse/internal/session"
)

const bridgeSecret = "bridge-secret"

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	relayer  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	executor = common.HexToAddress("0x00000000000000000000000000000000000000e2")
	user     = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	account  = common.HexToAddress("0x0000000000000000000000000000000000000acc")
	usdc     = common.HexToAddress("0x00000000000000000000000000000000000005dc")
	horse    = common.HexToAddress("0x000000000000000000000000000000000004045e")
)

type harness struct {
	t      *testing.T
	srv    *Server
	sim    *market.Sim
	auth   *auth.Authenticator
	queue  *dlq.FileQueue
	events *audit.Recorder
	now    time.Time
}

func newHarness(t *testing.T, tweak func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Defaults()
	cfg.Bridge.WebhookSecret = bridgeSecret
	cfg.Idempotency.Window = config.Duration{Duration: time.Minute}
	cfg.Retry = config.RetryConfig{
		MaxAttempts:       2,
		InitialBackoff:    config.Duration{Duration: time.Millisecond},
		MaxBackoff:        config.Duration{Duration: time.Millisecond},
		BackoffMultiplier: 1,
	}
	if tweak != nil {
		tweak(&cfg)
	}

	now := time.Now()
	clock := func() time.Time { return now }
	log := logging.Discard()

	sim := market.NewSim(market.SimConfig{Account: account, BasePrice: big.NewInt(5), Now: clock})
	sim.List(big.NewInt(1), horse)
	sim.Mint(usdc, user, big.NewInt(10_000))

	events := &audit.Recorder{}
	reg := roles.NewRegistry(admin, relayer, executor, events, log)

	sessions := session.NewManager(session.Config{Now: clock}, session.Deps{
		Store:    session.NewMemoryStore(),
		Pricing:  sim,
		Treasury: sim,
		Roles:    reg,
		Events:   events,
		Log:      log,
	})
	intents := intent.NewManager(intent.Config{Asset: usdc, Now: clock}, intent.Deps{
		Store:    intent.NewMemoryStore(),
		Pricing:  sim,
		Registry: sim,
		Treasury: sim,
		Roles:    reg,
		Events:   events,
		Log:      log,
	})

	authn, err := auth.New("jwt-secret", "powerhorse")
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	queue, err := dlq.NewFileQueue(t.TempDir())
	if err != nil {
		t.Fatalf("dlq: %v", err)
	}

	srv := NewServer(&cfg, Deps{
		Sessions:    sessions,
		Intents:     intents,
		Roles:       reg,
		Auth:        authn,
		Idempotency: idempotency.NewMemoryStore(),
		DLQ:         queue,
		Log:         log,
	})
	return &harness{t: t, srv: srv, sim: sim, auth: authn, queue: queue, events: events, now: now}
}

func (h *harness) do(method, path string, as common.Address, body any, headers map[string]string) *httptest.ResponseRecorder {
	h.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			h.t.Fatalf("marshal: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	if as != (common.Address{}) {
		token, err := h.auth.Issue(as, time.Hour)
		if err != nil {
			h.t.Fatalf("issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) bridge(payload []byte, secret string) *httptest.ResponseRecorder {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/callbacks/bridge", bytes.NewReader(payload))
	req.Header.Set(hmacauth.DefaultTimestampHeader, ts)
	req.Header.Set(hmacauth.DefaultSignatureHeader, hmacauth.Sign(secret, ts, payload))
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) createIntent(key string) intentView {
	h.t.Helper()
	rec := h.do(http.MethodPost, "/api/v1/intents", user, map[string]any{
		"targetId":      "1",
		"depositAmount": "1000",
		"minUnits":      "150",
		"deadline":      h.now.Add(time.Hour).Unix(),
	}, map[string]string{"X-Idempotency-Key": key})
	if rec.Code != http.StatusCreated {
		h.t.Fatalf("create intent: expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	var view intentView
	decode(h.t, rec, &view)
	return view
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func openSessionBody() map[string]string {
	return map[string]string{
		"instrument": horse.Hex(),
		"medium":     usdc.Hex(),
		"amount":     "1000",
	}
}

func TestRequiresBearerToken(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodPost, "/api/v1/sessions", common.Address{}, openSessionBody(), map[string]string{"X-Idempotency-Key": "k"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}

func TestOpenSessionRequiresIdempotencyKey(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodPost, "/api/v1/sessions", user, openSessionBody(), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestOpenSessionIdempotency(t *testing.T) {
	h := newHarness(t, nil)
	headers := map[string]string{"X-Idempotency-Key": "open-1"}

	first := h.do(http.MethodPost, "/api/v1/sessions", user, openSessionBody(), headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", first.Code, first.Body.String())
	}
	second := h.do(http.MethodPost, "/api/v1/sessions", user, openSessionBody(), headers)
	if second.Code != http.StatusCreated {
		t.Fatalf("expected cached 201 got %d", second.Code)
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatal("expected replay header on second response")
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Fatalf("replayed body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	if bal := h.sim.BalanceOf(usdc, user); bal.Int64() != 9_000 {
		t.Fatalf("expected a single lock of 1000, balance %s", bal)
	}

	changed := openSessionBody()
	changed["amount"] = "2000"
	reused := h.do(http.MethodPost, "/api/v1/sessions", user, changed, headers)
	if reused.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for reused key got %d", reused.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodPost, "/api/v1/sessions", user, openSessionBody(), map[string]string{"X-Idempotency-Key": "open"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open: expected 201 got %d: %s", rec.Code, rec.Body.String())
	}

	fill := map[string]any{
		"user":       user.Hex(),
		"instrument": horse.Hex(),
		"amount":     "100",
		"costBasis":  "500",
		"nonce":      0,
	}
	if rec := h.do(http.MethodPost, "/api/v1/relayer/fills", user, fill, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("fill by owner: expected 403 got %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/api/v1/relayer/fills", relayer, fill, nil); rec.Code != http.StatusOK {
		t.Fatalf("fill: expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := h.do(http.MethodPost, "/api/v1/relayer/fills", relayer, fill, nil); rec.Code != http.StatusConflict {
		t.Fatalf("replayed nonce: expected 409 got %d", rec.Code)
	}

	path := fmt.Sprintf("/api/v1/sessions/%s/%s", user.Hex(), horse.Hex())
	rec = h.do(http.MethodGet, path, user, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200 got %d", rec.Code)
	}
	var view sessionView
	decode(t, rec, &view)
	if view.NextNonce != 1 || view.FillAmount != "100" || view.Expired {
		t.Fatalf("unexpected session view %+v", view)
	}

	settlePath := fmt.Sprintf("/api/v1/sessions/%s/settle", horse.Hex())
	rec = h.do(http.MethodPost, settlePath, user, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("settle: expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var settled settlementView
	decode(t, rec, &settled)
	if settled.Units != "100" || settled.Cost != "500" || settled.Refund != "500" {
		t.Fatalf("unexpected settlement %+v", settled)
	}
	if bal := h.sim.BalanceOf(horse, user); bal.Int64() != 100 {
		t.Fatalf("expected 100 units delivered, got %s", bal)
	}

	rec = h.do(http.MethodPost, settlePath, user, nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second settle: expected 409 got %d", rec.Code)
	}
	var body errorBody
	decode(t, rec, &body)
	if body.Code != "no_active_session" {
		t.Fatalf("expected no_active_session, got %q", body.Code)
	}
}

func TestCancelSessionRefunds(t *testing.T) {
	h := newHarness(t, nil)
	h.do(http.MethodPost, "/api/v1/sessions", user, openSessionBody(), map[string]string{"X-Idempotency-Key": "open"})

	rec := h.do(http.MethodPost, fmt.Sprintf("/api/v1/sessions/%s/cancel", horse.Hex()), user, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var view cancelSessionView
	decode(t, rec, &view)
	if view.Refund != "1000" {
		t.Fatalf("expected refund 1000, got %s", view.Refund)
	}
	if bal := h.sim.BalanceOf(usdc, user); bal.Int64() != 10_000 {
		t.Fatalf("expected full balance back, got %s", bal)
	}
}

func TestRecordFillRateLimited(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Service.FillRate = 0.001
		c.Service.FillBurst = 1
	})
	fill := map[string]any{"user": user.Hex(), "instrument": horse.Hex(), "amount": "1", "costBasis": "5", "nonce": 0}

	if rec := h.do(http.MethodPost, "/api/v1/relayer/fills", relayer, fill, nil); rec.Code == http.StatusTooManyRequests {
		t.Fatal("first fill should not be throttled")
	}
	if rec := h.do(http.MethodPost, "/api/v1/relayer/fills", relayer, fill, nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", rec.Code)
	}
}

func TestIntentCreateAndExecute(t *testing.T) {
	h := newHarness(t, nil)
	created := h.createIntent("intent-1")
	if created.Status != string(intent.StatusPending) || created.User != user.Hex() {
		t.Fatalf("unexpected intent %+v", created)
	}

	path := "/api/v1/intents/" + created.ID
	if rec := h.do(http.MethodPost, path+"/execute", user, nil, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("execute by depositor: expected 403 got %d", rec.Code)
	}
	rec := h.do(http.MethodPost, path+"/execute", executor, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("execute: expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var executed intentView
	decode(t, rec, &executed)
	if executed.UnitsDelivered != "150" || executed.Cost != "750" || executed.Refund != "250" {
		t.Fatalf("unexpected execution %+v", executed)
	}

	if rec := h.do(http.MethodPost, path+"/cancel", user, nil, nil); rec.Code != http.StatusConflict {
		t.Fatalf("cancel after execute: expected 409 got %d", rec.Code)
	}
	if rec := h.do(http.MethodGet, "/api/v1/intents/0x1234", user, nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed id: expected 400 got %d", rec.Code)
	}
}

func TestBridgeCallbackExecutesOnce(t *testing.T) {
	h := newHarness(t, nil)
	created := h.createIntent("intent-1")

	payload, _ := json.Marshal(bridgeCallbackRequest{IntentID: created.ID, BridgeRef: "ccip-1"})
	first := h.bridge(payload, bridgeSecret)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", first.Code, first.Body.String())
	}
	second := h.bridge(payload, bridgeSecret)
	if second.Code != http.StatusOK {
		t.Fatalf("expected cached 200 got %d", second.Code)
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Fatal("replayed callback body differs")
	}
	if bal := h.sim.BalanceOf(horse, user); bal.Int64() != 150 {
		t.Fatalf("expected exactly one delivery of 150 units, got %s", bal)
	}

	var executed int
	for _, k := range h.events.Kinds() {
		if k == audit.KindIntentExecuted {
			executed++
		}
	}
	if executed != 1 {
		t.Fatalf("expected one execution event, got %d", executed)
	}
}

func TestBridgeCallbackRejectsBadSignature(t *testing.T) {
	h := newHarness(t, nil)
	payload, _ := json.Marshal(bridgeCallbackRequest{IntentID: common.Hash{1}.Hex(), BridgeRef: "ccip-1"})
	if rec := h.bridge(payload, "wrong-secret"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}

func TestBridgeFailureWritesDLQ(t *testing.T) {
	h := newHarness(t, nil)
	created := h.createIntent("intent-1")
	h.sim.Graduate(horse)

	payload, _ := json.Marshal(bridgeCallbackRequest{IntentID: created.ID, BridgeRef: "ccip-2"})
	rec := h.bridge(payload, bridgeSecret)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 got %d: %s", rec.Code, rec.Body.String())
	}

	depth, err := h.queue.Depth(context.Background())
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected 1 DLQ entry, got %d", depth)
	}

	rec = h.do(http.MethodGet, "/api/v1/intents/"+created.ID, user, nil, nil)
	var view intentView
	decode(t, rec, &view)
	if view.Status != string(intent.StatusPending) {
		t.Fatalf("failed execution must leave intent pending, got %s", view.Status)
	}
}

func TestSetRoleAdminOnly(t *testing.T) {
	h := newHarness(t, nil)
	newRelayer := common.HexToAddress("0x00000000000000000000000000000000000000e3")
	body := map[string]string{"address": newRelayer.Hex()}

	if rec := h.do(http.MethodPut, "/api/v1/admin/roles/relayer", user, body, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin: expected 403 got %d", rec.Code)
	}
	if rec := h.do(http.MethodPut, "/api/v1/admin/roles/oracle", admin, body, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown role: expected 400 got %d", rec.Code)
	}
	rec := h.do(http.MethodPut, "/api/v1/admin/roles/relayer", admin, body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin: expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var view roleView
	decode(t, rec, &view)
	if view.Address != newRelayer.Hex() {
		t.Fatalf("expected relayer %s, got %s", newRelayer.Hex(), view.Address)
	}

	kinds := h.events.Kinds()
	if len(kinds) == 0 || kinds[len(kinds)-1] != audit.KindRoleUpdated {
		t.Fatalf("expected role.updated event, got %v", kinds)
	}
}

func TestEventsFeedAdminOnly(t *testing.T) {
	h := newHarness(t, nil)
	feed := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h.srv = NewServer(h.srv.cfg, Deps{
		Sessions: h.srv.sessions,
		Intents:  h.srv.intents,
		Roles:    h.srv.roles,
		Auth:     h.auth,
		Events:   feed,
		Log:      logging.Discard(),
	})

	if rec := h.do(http.MethodGet, "/api/v1/events", common.Address{}, nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: expected 401 got %d", rec.Code)
	}
	if rec := h.do(http.MethodGet, "/api/v1/events", user, nil, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("user: expected 403 got %d", rec.Code)
	}
	if rec := h.do(http.MethodGet, "/api/v1/events", admin, nil, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("admin: expected 204 got %d", rec.Code)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{domain.ErrUnauthorized, http.StatusForbidden},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrBadNonce, http.StatusConflict},
		{domain.ErrReentrant, http.StatusConflict},
		{fmt.Errorf("%w: purchase outcome unrecorded", domain.ErrDisbursalPending), http.StatusConflict},
		{fmt.Errorf("%w: cost 9", domain.ErrSlippageExceeded), http.StatusUnprocessableEntity},
		{domain.External("purchase", errors.New("reverted")), http.StatusBadGateway},
		{domain.External("collect escrow", market.ErrNativeDepositUnsupported), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: bad field", errValidation), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := classify(tc.err); got != tc.status {
			t.Errorf("%v: expected %d got %d", tc.err, tc.status, got)
		}
	}
}

func TestHealthReportsDegraded(t *testing.T) {
	h := newHarness(t, nil)
	h.srv.checks = map[string]func(context.Context) error{
		"rpc":      func(context.Context) error { return nil },
		"database": func(context.Context) error { return errors.New("connection refused") },
	}

	rec := h.do(http.MethodGet, "/api/v1/health", common.Address{}, nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
	var resp healthResponse
	decode(t, rec, &resp)
	if resp.Status != "degraded" || resp.Components["database"].Connected || !resp.Components["rpc"].Connected {
		t.Fatalf("unexpected health %+v", resp)
	}
}
