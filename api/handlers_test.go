/*
handlers_test.go - HTTP tests against the real router

Tests for:
- Authentication and admin gating
- Status code mapping per outcome kind
- Redemption request parsing and user_id checks
- Idempotent replay of POST /redemptions
- History pagination, summary, adjustments, audit
*/
package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/redemption-engine/api"
	"github.com/warp/redemption-engine/auth"
	"github.com/warp/redemption-engine/idempotency"
	"github.com/warp/redemption-engine/ledger"
	"github.com/warp/redemption-engine/ledger/store"
	"github.com/warp/redemption-engine/ledger/storetest"
	"github.com/warp/redemption-engine/redemption"
)

var secret = []byte("api-test-secret-with-at-least-32-bytes")

type env struct {
	store  ledger.Store
	router http.Handler
}

func newEnv(t *testing.T, s ledger.Store) *env {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := redemption.NewMetrics(reg)
	svc := redemption.NewService(s, redemption.WithMetrics(m))
	v, err := auth.NewVerifier(secret, s)
	require.NoError(t, err)

	h := api.NewHandler(s, svc, redemption.NewAuditor(s, nil, m), nil)
	router := api.NewRouter(h, api.RouterConfig{
		Verifier:    v,
		Idempotency: idempotency.NewMiddleware(idempotency.NewMemoryStore(), time.Hour, nil),
		Gatherer:    reg,
		CORSOrigins: []string{"http://localhost:3000"},
	})
	return &env{store: s, router: router}
}

func token(t *testing.T, id ledger.UserID, admin bool) string {
	t.Helper()
	tok, err := auth.Sign(secret, "", auth.Claims{UserID: int64(id), Admin: admin}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *env) do(method, path, tok, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// =============================================================================
// PUBLIC ROUTES
// =============================================================================

func TestHealth(t *testing.T) {
	e := newEnv(t, store.NewMemory())
	rec := e.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestMetrics(t *testing.T) {
	e := newEnv(t, store.NewMemory())
	u := storetest.User(t, e.store, 10)
	r := storetest.Reward(t, e.store, 100, nil)
	e.do(http.MethodPost, "/api/v1/redemptions", token(t, u.ID, false), `{"reward_id":`+itoa(r.ID)+`}`)

	rec := e.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `redemption_attempts_total{outcome="insufficient_points"} 1`)
}

func TestAPI_RequiresToken(t *testing.T) {
	e := newEnv(t, store.NewMemory())
	for _, path := range []string{"/api/v1/users", "/api/v1/rewards", "/api/v1/users/1/balance"} {
		rec := e.do(http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
		assert.Equal(t, "unauthorized", decode(t, rec)["code"])
	}
}

func TestAPI_DeletedUserTokenIsRejected(t *testing.T) {
	e := newEnv(t, store.NewMemory())
	u := storetest.User(t, e.store, 10)
	tok := token(t, u.ID, false)
	require.NoError(t, e.store.DeleteUser(context.Background(), u.ID))

	rec := e.do(http.MethodGet, "/api/v1/rewards", tok, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// =============================================================================
// USERS AND REWARDS
// =============================================================================

func TestListUsersAndBalance(t *testing.T) {
	e := newEnv(t, store.NewMemory())
	u := storetest.User(t, e.store, 2500)
	tok := token(t, u.ID, false)

	rec := e.do(http.MethodGet, "/api/v1/users", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	users := decode(t, rec)["users"].([]any)
	require.Len(t, users, 1)
	assert.Equal(t, float64(2500), users[0].(map[string]any)["points_balance"])

	rec = e.do(http.MethodGet, "/api/v1/users/"+itoa(u.ID)+"/balance", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(u.ID), body["user_id"])
	assert.Equal(t, u.Email, body["email"])
	assert.Equal(t, float64(2500), body["points_balance"])

	rec = e.do(http.MethodGet, "/api/v1/users/999999/balance", tok, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "User not found", decode(t, rec)["error"])

	rec = e.do(http.MethodGet, "/api/v1/users/abc/balance", tok, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "id must be a valid number", decode(t, rec)["error"])
}

func TestListRewards_ActiveOrderedByCost(t *testing.T) {
	e := newEnv(t, store.NewMemory())
	ctx := context.Background()
	u := storetest.User(t, e.store, 0)
	storetest.Reward(t, e.store, 900, ledger.Stock(2))
	storetest.Reward(t, e.store, 300, nil)
	require.NoError(t, e.store.CreateReward(ctx, &ledger.Reward{Name: "hidden", Cost: 1, Active: false}))

	rec := e.do(http.MethodGet, "/api/v1/rewards", token(t, u.ID, false), "")
	require.Equal(t, http.StatusOK, rec.Code)

	rewards := decode(t, rec)["rewards"].([]any)
	require.Len(t, rewards, 2)
	first, second := rewards[0].(map[string]any), rewards[1].(map[string]any)
	assert.Equal(t, float64(300), first["cost"])
	assert.Nil(t, first["stock_quantity"])
	assert.Equal(t, float64(900), second["cost"])
	assert.Equal(t, float64(2), second["stock_quantity"])
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

func TestCreateRedemption_Success(t *testing.T) {
	// GIVEN: Alice with 2500 points and a 500-point reward with stock 3
	// WHEN: she POSTs the redemption
	// THEN: 201 with the receipt, and the balance endpoint shows 2000
	e := newEnv(t, store.NewMemory())
	u := storetest.User(t, e.store, 2500)
	r := storetest.Reward(t, e.store, 500, ledger.Stock(3))
	tok := token(t, u.ID, false)

	rec := e.do(http.MethodPost, "/api/v1/redemptions", tok, `{"reward_id":`+itoa(r.ID)+`}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, float64(2000), body["new_balance"])
	red := body["redemption"].(map[string]any)
	assert.Equal(t, float64(u.ID), red["user_id"])
	assert.Equal(t, float64(r.ID), red["reward_id"])
	assert.Equal(t, float64(500), red["points_spent"])
	assert.Equal(t, "completed", red["status"])
	assert.NotEmpty(t, red["created_at"])
	assert.Equal(t, r.Name, red["reward"].(map[string]any)["name"])

	rec = e.do(http.MethodGet, "/api/v1/users/"+itoa(u.ID)+"/balance", tok, "")
	assert.Equal(t, float64(2000), decode(t, rec)["points_balance"])
}

func TestCreateRedemption_StatusMapping(t *testing.T) {
	e := newEnv(t, store.NewMemory())
	ctx := context.Background()
	poor := storetest.User(t, e.store, 100)
	other := storetest.User(t, e.store, 100)
	pricey := storetest.Reward(t, e.store, 500, nil)
	soldOut := storetest.Reward(t, e.store, 10, ledger.Stock(0))
	cheap := storetest.Reward(t, e.store, 10, nil)
	retired := &ledger.Reward{Name: "retired", Cost: 10, Active: false}
	require.NoError(t, e.store.CreateReward(ctx, retired))
	tok := token(t, poor.ID, false)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
		errMsg string
	}{
		{"insufficient points", `{"reward_id":` + itoa(pricey.ID) + `}`, 422, "insufficient_points", "Insufficient points. Required: 500, Available: 100"},
		{"out of stock", `{"reward_id":` + itoa(soldOut.ID) + `}`, 422, "out_of_stock", "Reward is out of stock"},
		{"inactive", `{"reward_id":` + itoa(retired.ID) + `}`, 422, "reward_unavailable", "Reward is not available"},
		{"unknown reward", `{"reward_id":999999}`, 404, "not_found", "User or Reward not found"},
		{"missing reward_id", `{}`, 400, "invalid_input", "reward_id is required"},
		{"non-numeric reward_id", `{"reward_id":"abc"}`, 400, "invalid_input", "reward_id must be a valid number"},
		{"fractional reward_id", `{"reward_id":1.5}`, 400, "invalid_input", "reward_id must be a valid number"},
		{"zero reward_id", `{"reward_id":0}`, 400, "invalid_input", "reward_id must be a positive integer"},
		{"malformed body", `{"reward_id":`, 400, "invalid_input", "invalid request body"},
		{"someone else's user_id", `{"reward_id":` + itoa(cheap.ID) + `,"user_id":` + itoa(other.ID) + `}`, 403, "forbidden", "user_id does not match the authenticated user"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(http.MethodPost, "/api/v1/redemptions", tok, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			body := decode(t, rec)
			assert.Equal(t, tt.code, body["code"])
			assert.Equal(t, tt.errMsg, body["error"])
		})
	}

	// The numbers travel with insufficient_points.
	rec := e.do(http.MethodPost, "/api/v1/redemptions", tok, `{"reward_id":`+itoa(pricey.ID)+`}`)
	body := decode(t, rec)
	assert.Equal(t, float64(500), body["required"])
	assert.Equal(t, float64(100), body["available"])

	// None of the rejections moved points.
	got, err := e.store.GetUser(ctx, poor.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.PointsBalance)
}

func TestCreateRedemption_AcceptsStringIDsAndOwnUserID(t *testing.T) {
	e := newEnv(t, store.NewMemory())
	u := storetest.User(t, e.store, 100)
	r := storetest.Reward(t, e.store, 10, nil)

	body := `{"reward_id":"` + itoa(r.ID) + `","user_id":"` + itoa(u.ID) + `"}`
	rec := e.do(http.MethodPost, "/api/v1/redemptions", token(t, u.ID, false), body)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestCreateRedemption_IdempotentReplay(t *testing.T) {
	// GIVEN: a redemption POSTed with an Idempotency-Key
	// WHEN: the client retries with the same key
	// THEN: the stored 201 is replayed and points are debited once
	e := newEnv(t, store.NewMemory())
	u := storetest.User(t, e.store, 1000)
	r := storetest.Reward(t, e.store, 300, ledger.Stock(5))
	tok := token(t, u.ID, false)
	body := `{"reward_id":` + itoa(r.ID) + `}`

	first := e.do(http.MethodPost, "/api/v1/redemptions", tok, body, idempotency.HeaderKey, "retry-1")
	second := e.do(http.MethodPost, "/api/v1/redemptions", tok, body, idempotency.HeaderKey, "retry-1")

	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(idempotency.HeaderReplayed))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	got, err := e.store.GetUser(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(700), got.PointsBalance)
	n, err := e.store.CountRedemptions(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// A new key is a new redemption.
	third := e.do(http.MethodPost, "/api/v1/redemptions", tok, body, idempotency.HeaderKey, "retry-2")
	assert.Equal(t, http.StatusCreated, third.Code)
	assert.Empty(t, third.Header().Get(idempotency.HeaderReplayed))
}

// =============================================================================
// HISTORY AND SUMMARY
// =============================================================================

func TestGetRedemptions_Pagination(t *testing.T) {
	e := newEnv(t, store.NewMemory())
	u := storetest.User(t, e.store, 1000)
	tok := token(t, u.ID, false)
	var ids []ledger.RewardID
	for i := 0; i < 3; i++ {
		r := storetest.Reward(t, e.store, 100, nil)
		ids = append(ids, r.ID)
		rec := e.do(http.MethodPost, "/api/v1/redemptions", tok, `{"reward_id":`+itoa(r.ID)+`}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := e.do(http.MethodGet, "/api/v1/users/"+itoa(u.ID)+"/redemptions?limit=2", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(3), body["total_count"])
	assert.Equal(t, float64(700), body["current_balance"])
	items := body["redemptions"].([]any)
	require.Len(t, items, 2)
	newest := items[0].(map[string]any)
	assert.Equal(t, float64(ids[2]), newest["reward"].(map[string]any)["id"])

	rec = e.do(http.MethodGet, "/api/v1/users/"+itoa(u.ID)+"/redemptions?limit=2&offset=2", tok, "")
	assert.Len(t, decode(t, rec)["redemptions"].([]any), 1)

	rec = e.do(http.MethodGet, "/api/v1/users/"+itoa(u.ID)+"/redemptions?limit=many", tok, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(http.MethodGet, "/api/v1/users/999999/redemptions", tok, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSummary(t *testing.T) {
	e := newEnv(t, store.NewMemory())
	u := storetest.User(t, e.store, 1000)
	tok := token(t, u.ID, false)
	for _, cost := range []int64{100, 250} {
		r := storetest.Reward(t, e.store, cost, nil)
		e.do(http.MethodPost, "/api/v1/redemptions", tok, `{"reward_id":`+itoa(r.ID)+`}`)
	}

	rec := e.do(http.MethodGet, "/api/v1/users/"+itoa(u.ID)+"/summary", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(650), body["points_balance"])
	assert.Equal(t, float64(2), body["redemption_count"])
	assert.Equal(t, float64(350), body["total_spent"])
	assert.Equal(t, "175", body["average_spent"])
}

// =============================================================================
// ADMIN
// =============================================================================

func TestCreateAdjustment(t *testing.T) {
	e := newEnv(t, store.NewMemory())
	admin := storetest.User(t, e.store, 0)
	u := storetest.User(t, e.store, 100)
	path := "/api/v1/admin/users/" + itoa(u.ID) + "/adjustments"

	rec := e.do(http.MethodPost, path, token(t, u.ID, false), `{"delta":50,"reason":"self-service"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	adminTok := token(t, admin.ID, true)
	rec = e.do(http.MethodPost, path, adminTok, `{"delta":50,"reason":"bonus"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(150), decode(t, rec)["points_balance"])

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"overdraw", path, `{"delta":-151,"reason":"fix"}`, http.StatusUnprocessableEntity},
		{"zero delta", path, `{"delta":0,"reason":"noop"}`, http.StatusBadRequest},
		{"missing reason", path, `{"delta":5}`, http.StatusBadRequest},
		{"unknown user", "/api/v1/admin/users/999999/adjustments", `{"delta":5,"reason":"x"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(http.MethodPost, tt.path, adminTok, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestRunAudit(t *testing.T) {
	e := newEnv(t, store.NewMemory())
	admin := storetest.User(t, e.store, 300)
	r := storetest.Reward(t, e.store, 100, ledger.Stock(1))
	tok := token(t, admin.ID, true)
	e.do(http.MethodPost, "/api/v1/redemptions", tok, `{"reward_id":`+itoa(r.ID)+`}`)

	rec := e.do(http.MethodGet, "/api/v1/admin/audit", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["healthy"])
	assert.Equal(t, float64(1), body["out_of_stock"])
	assert.Equal(t, float64(200), body["points_outstanding"])
	assert.Equal(t, float64(100), body["points_redeemed"])
}

// =============================================================================
// FAILURES
// =============================================================================

// outage fails reward listing with a driver error.
type outage struct{ ledger.Store }

func (outage) ListRewards(context.Context, bool) ([]ledger.Reward, error) {
	return nil, errors.New("database is locked")
}

func TestInternalErrorsHideTheCause(t *testing.T) {
	mem := store.NewMemory()
	u := storetest.User(t, mem, 0)
	e := newEnv(t, outage{Store: mem})

	rec := e.do(http.MethodGet, "/api/v1/rewards", token(t, u.ID, false), "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "internal", body["code"])
	assert.NotContains(t, rec.Body.String(), "database is locked")
}

func TestCORSPreflight(t *testing.T) {
	e := newEnv(t, store.NewMemory())
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/redemptions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization, Idempotency-Key")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func itoa[T ~int64](id T) string {
	b, _ := json.Marshal(int64(id))
	return string(b)
}
