package server_test

import (
	"CaseBattle/internal/battle"
	"CaseBattle/internal/observability"
	"CaseBattle/internal/pricing"
	"CaseBattle/internal/server"
	"CaseBattle/internal/testutil"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fixture struct {
	h      *testutil.Harness
	srv    *server.Server
	http   *httptest.Server
	health *observability.HealthChecker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	h := testutil.NewHarness(t)
	h.AddCase("case-a", 10,
		testutil.Item("item-x", 50, 5),
		testutil.Item("item-y", 50, 15),
	)

	hc := observability.NewHealthChecker()
	srv, err := server.New("127.0.0.1:0", "127.0.0.1:0", server.Deps{
		Orchestrator:  h.Orchestrator,
		Settler:       h.Resolver,
		Prices:        h.Oracle,
		HealthChecker: hc,
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{h: h, srv: srv, http: ts, health: hc}
}

func (f *fixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, f.http.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

// =============================================================================
// Battle API
// =============================================================================

func TestHTTP_BattleLifecycle(t *testing.T) {
	f := newFixture(t)
	users := f.h.FundedUsers(2, 100)

	var b battle.Battle
	status := f.do(t, http.MethodPost, "/v1/battles", map[string]any{
		"creator_id":       users[0],
		"mode":             "standard",
		"max_participants": 2,
		"case_ids":         []string{"case-a", "case-a"},
	}, &b)
	if status != http.StatusCreated {
		t.Fatalf("create status = %d", status)
	}
	if !b.EntryFee.Equal(decimal.NewFromInt(20)) || b.Status != battle.StatusWaiting {
		t.Fatalf("created battle = %+v", b)
	}

	for i, u := range users {
		var p battle.Participant
		status := f.do(t, http.MethodPost, "/v1/battles/"+b.ID.String()+"/join", map[string]any{
			"user_id":  u,
			"username": fmt.Sprintf("player-%d", i),
		}, &p)
		if status != http.StatusCreated || p.Position != i+1 {
			t.Fatalf("join %d: status %d, participant %+v", i, status, p)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.h.Orchestrator.Wait(ctx, b.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	var state battle.State
	if status := f.do(t, http.MethodGet, "/v1/battles/"+b.ID.String(), nil, &state); status != http.StatusOK {
		t.Fatalf("get status = %d", status)
	}
	if state.Battle.Status != battle.StatusCompleted || state.Settlement == nil {
		t.Fatalf("state = %+v", state.Battle)
	}
	if len(state.Rounds) != 2 || len(state.Pulls) != 4 {
		t.Fatalf("rounds=%d pulls=%d, want 2 and 4", len(state.Rounds), len(state.Pulls))
	}

	var audit battle.RoundAudit
	if status := f.do(t, http.MethodGet, "/v1/battles/"+b.ID.String()+"/rounds/2/verify", nil, &audit); status != http.StatusOK {
		t.Fatalf("verify status = %d", status)
	}
	if !audit.Valid || !audit.CommitValid || len(audit.Pulls) != 2 {
		t.Errorf("audit = %+v", audit)
	}

	var res battle.SettlementResult
	if status := f.do(t, http.MethodPost, "/v1/battles/"+b.ID.String()+"/settle", nil, &res); status != http.StatusOK {
		t.Fatalf("settle status = %d", status)
	}
	if !res.WasSettledBefore || res.WinnerID != state.Settlement.WinnerID {
		t.Errorf("re-settle = %+v", res)
	}
}

func TestHTTP_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	users := f.h.FundedUsers(1, 5)
	creator := uuid.New()

	var b battle.Battle
	f.do(t, http.MethodPost, "/v1/battles", map[string]any{
		"creator_id": creator, "mode": "crazy", "max_participants": 2, "case_ids": []string{"case-a"},
	}, &b)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown battle", http.MethodGet, "/v1/battles/" + uuid.NewString(), nil, http.StatusNotFound, "not_found"},
		{"bad battle id", http.MethodGet, "/v1/battles/nope", nil, http.StatusBadRequest, "invalid_argument"},
		{"bad mode", http.MethodPost, "/v1/battles", map[string]any{
			"creator_id": creator, "mode": "chaos", "max_participants": 2, "case_ids": []string{"case-a"},
		}, http.StatusBadRequest, "invalid_argument"},
		{"unknown case", http.MethodPost, "/v1/battles", map[string]any{
			"creator_id": creator, "mode": "standard", "max_participants": 2, "case_ids": []string{"ghost"},
		}, http.StatusBadRequest, "invalid_argument"},
		{"unknown field", http.MethodPost, "/v1/battles", map[string]any{"creator": creator}, http.StatusBadRequest, "invalid_argument"},
		{"poor joiner", http.MethodPost, "/v1/battles/" + b.ID.String() + "/join", map[string]any{
			"user_id": users[0], "username": "broke",
		}, http.StatusPaymentRequired, "insufficient_funds"},
		{"stranger cancels", http.MethodPost, "/v1/battles/" + b.ID.String() + "/cancel", map[string]any{
			"requested_by": uuid.New(),
		}, http.StatusForbidden, "forbidden"},
		{"anonymous cancel", http.MethodPost, "/v1/battles/" + b.ID.String() + "/cancel", map[string]any{},
			http.StatusBadRequest, "invalid_argument"},
		{"settle waiting", http.MethodPost, "/v1/battles/" + b.ID.String() + "/settle", nil, http.StatusConflict, "conflict"},
		{"bad round index", http.MethodGet, "/v1/battles/" + b.ID.String() + "/rounds/0/verify", nil, http.StatusBadRequest, "invalid_argument"},
		{"missing round", http.MethodGet, "/v1/battles/" + b.ID.String() + "/rounds/1/verify", nil, http.StatusNotFound, "not_found"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var e apiError
			status := f.do(t, tc.method, tc.path, tc.body, &e)
			if status != tc.status || e.Code != tc.code {
				t.Fatalf("got %d %q (%s), want %d %q", status, e.Code, e.Message, tc.status, tc.code)
			}
		})
	}

	var cancelled battle.Battle
	status := f.do(t, http.MethodPost, "/v1/battles/"+b.ID.String()+"/cancel", map[string]any{
		"requested_by": creator, "reason": "changed my mind",
	}, &cancelled)
	if status != http.StatusOK || cancelled.Status != battle.StatusCancelled || cancelled.CancelReason != "changed my mind" {
		t.Fatalf("creator cancel: %d %+v", status, cancelled)
	}
}

func TestHTTP_FairValue(t *testing.T) {
	f := newFixture(t)
	f.h.Catalog.SetPrice("item-y", decimal.NewFromInt(18))

	var res pricing.Result
	if status := f.do(t, http.MethodGet, "/v1/items/item-y/fair-value", nil, &res); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if !res.FairValue.Equal(decimal.NewFromInt(18)) || res.WasClamped {
		t.Errorf("result = %+v", res)
	}

	var e apiError
	if status := f.do(t, http.MethodGet, "/v1/items/unknown/fair-value", nil, &e); status != http.StatusNotFound {
		t.Errorf("unknown item status = %d", status)
	}
}

// =============================================================================
// Health
// =============================================================================

func TestHealth_FollowsReadiness(t *testing.T) {
	f := newFixture(t)

	if status := f.do(t, http.MethodGet, "/readyz", nil, nil); status != http.StatusServiceUnavailable {
		t.Fatalf("readyz before ready = %d", status)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.srv.ServeGRPC(ctx, lis)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		cctx, ccancel := context.WithTimeout(ctx, 5*time.Second)
		defer ccancel()
		resp, err := client.Check(cctx, &healthpb.HealthCheckRequest{})
		if err != nil {
			t.Fatalf("health check: %v", err)
		}
		return resp.GetStatus()
	}

	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status before ready = %s", got)
	}
	f.health.SetReady(true)
	if got := check(); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status after ready = %s", got)
	}
	if status := f.do(t, http.MethodGet, "/readyz", nil, nil); status != http.StatusOK {
		t.Fatalf("readyz after ready = %d", status)
	}
}

// =============================================================================
// Request validation
// =============================================================================

func TestHTTP_RejectsMalformedBodies(t *testing.T) {
	f := newFixture(t)
	users := f.h.FundedUsers(1, 100)
	creator := uuid.New()

	var b battle.Battle
	if status := f.do(t, http.MethodPost, "/v1/battles", map[string]any{
		"creator_id": creator, "mode": "standard", "max_participants": 2, "case_ids": []string{"case-a"},
	}, &b); status != http.StatusCreated {
		t.Fatalf("create status = %d", status)
	}
	joinPath := "/v1/battles/" + b.ID.String() + "/join"

	tests := []struct {
		name  string
		path  string
		body  map[string]any
		field string
	}{
		{"missing creator", "/v1/battles", map[string]any{
			"mode": "standard", "max_participants": 2, "case_ids": []string{"case-a"},
		}, "creator_id"},
		{"zero seats", "/v1/battles", map[string]any{
			"creator_id": creator, "mode": "standard", "case_ids": []string{"case-a"},
		}, "max_participants"},
		{"no cases", "/v1/battles", map[string]any{
			"creator_id": creator, "mode": "standard", "max_participants": 2,
		}, "case_ids"},
		{"blank case id", "/v1/battles", map[string]any{
			"creator_id": creator, "mode": "standard", "max_participants": 2, "case_ids": []string{""},
		}, "case_ids[0]"},
		{"empty username", joinPath, map[string]any{
			"user_id": users[0], "username": "",
		}, "username"},
		{"huge username", joinPath, map[string]any{
			"user_id": users[0], "username": strings.Repeat("a", 200_000),
		}, "username"},
		{"huge client seed", joinPath, map[string]any{
			"user_id": users[0], "username": "alice", "client_seed": strings.Repeat("f", 500_000),
		}, "client_seed"},
		{"huge cancel reason", "/v1/battles/" + b.ID.String() + "/cancel", map[string]any{
			"requested_by": creator, "reason": strings.Repeat("x", 201),
		}, "reason"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var e apiError
			status := f.do(t, http.MethodPost, tc.path, tc.body, &e)
			if status != http.StatusBadRequest || e.Code != "invalid_argument" {
				t.Fatalf("got %d %q (%s), want 400 invalid_argument", status, e.Code, e.Message)
			}
			if !strings.Contains(e.Message, tc.field) {
				t.Errorf("message %q does not name %s", e.Message, tc.field)
			}
		})
	}

	state, err := f.h.Orchestrator.GetState(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if len(state.Participants) != 0 || state.Battle.Status != battle.StatusWaiting {
		t.Errorf("rejected requests changed the battle: %d participants, status %s",
			len(state.Participants), state.Battle.Status)
	}
	if got := f.h.Wallet.Balance(users[0]); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("balance = %s, rejected joins must not debit", got)
	}
}
