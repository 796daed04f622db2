/*
handlers.go - HTTP API handlers for the points redemption engine

PURPOSE:
  Exposes the redemption service and ledger reads via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Users:
    GET    /api/v1/users                         List users
    GET    /api/v1/users/{id}/balance            Current balance
    GET    /api/v1/users/{id}/redemptions        History, newest first (limit, offset)
    GET    /api/v1/users/{id}/summary            Balance plus redemption statistics

  Rewards:
    GET    /api/v1/rewards                       Active rewards ordered by cost

  Redemptions:
    POST   /api/v1/redemptions                   Redeem a reward (Idempotency-Key aware)

  Admin:
    POST   /api/v1/admin/users/{id}/adjustments  Credit or debit points
    GET    /api/v1/admin/audit                   Run the ledger invariant audit

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call the redemption service or the store
  4. Serialize response
  5. Map errors by ledger.Kind

ERROR HANDLING:
  - 400: invalid_input
  - 401: unauthorized (auth middleware)
  - 403: forbidden (user_id mismatch, admin routes)
  - 404: not_found
  - 409: conflict
  - 422: reward_unavailable, out_of_stock, insufficient_points
  - 500: internal (message never carries the cause)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/warp/redemption-engine/auth"
	"github.com/warp/redemption-engine/ledger"
	"github.com/warp/redemption-engine/redemption"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       ledger.Store
	Redemptions *redemption.Service
	Auditor     *redemption.Auditor // optional

	log *zap.Logger
}

func NewHandler(store ledger.Store, svc *redemption.Service, auditor *redemption.Auditor, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Store:       store,
		Redemptions: svc,
		Auditor:     auditor,
		log:         log.Named("api"),
	}
}

// Health pings the store.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		h.log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// ListUsers returns all users.
// GET /api/v1/users
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err, "")
		return
	}
	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, UsersResponse{Users: dtos})
}

// GetBalance returns a user's current balance.
// GET /api/v1/users/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	user, ok := h.loadUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		UserID:        user.ID,
		Name:          user.Name,
		Email:         user.Email,
		PointsBalance: user.PointsBalance,
	})
}

// GetRedemptions returns a page of a user's history, newest first.
// GET /api/v1/users/{id}/redemptions?limit=50&offset=0
func (h *Handler) GetRedemptions(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		h.writeDomainError(w, r, err, "")
		return
	}
	user, ok := h.loadUser(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	views, err := h.Store.ListRedemptions(ctx, user.ID, page)
	if err != nil {
		h.writeDomainError(w, r, err, "")
		return
	}
	total, err := h.Store.CountRedemptions(ctx, user.ID)
	if err != nil {
		h.writeDomainError(w, r, err, "")
		return
	}

	items := make([]HistoryItemDTO, len(views))
	for i, v := range views {
		items[i] = toHistoryItemDTO(v)
	}
	writeJSON(w, http.StatusOK, HistoryResponse{
		Redemptions:    items,
		TotalCount:     total,
		CurrentBalance: user.PointsBalance,
	})
}

// GetSummary returns balance and redemption statistics.
// GET /api/v1/users/{id}/summary
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"), "id")
	if err != nil {
		h.writeDomainError(w, r, err, "")
		return
	}
	sum, err := h.Redemptions.Summary(r.Context(), ledger.UserID(id))
	if err != nil {
		h.writeDomainError(w, r, err, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(*sum))
}

func (h *Handler) loadUser(w http.ResponseWriter, r *http.Request) (*ledger.User, bool) {
	id, err := parseID(chi.URLParam(r, "id"), "id")
	if err != nil {
		h.writeDomainError(w, r, err, "")
		return nil, false
	}
	user, err := h.Store.GetUser(r.Context(), ledger.UserID(id))
	if err != nil {
		h.writeDomainError(w, r, err, "User not found")
		return nil, false
	}
	return user, true
}

// =============================================================================
// REWARD HANDLERS
// =============================================================================

// ListRewards returns active rewards ordered by cost.
// GET /api/v1/rewards
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	rewards, err := h.Store.ListRewards(r.Context(), true)
	if err != nil {
		h.writeDomainError(w, r, err, "")
		return
	}
	dtos := make([]RewardDTO, len(rewards))
	for i, rw := range rewards {
		dtos[i] = toRewardDTO(rw)
	}
	writeJSON(w, http.StatusOK, RewardsResponse{Rewards: dtos})
}

// =============================================================================
// REDEMPTION HANDLERS
// =============================================================================

// CreateRedemption redeems a reward for the authenticated user.
// POST /api/v1/redemptions
func (h *Handler) CreateRedemption(w http.ResponseWriter, r *http.Request) {
	ident, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized - missing token", nil)
		return
	}

	var req CreateRedemptionRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeDomainError(w, r, err, "")
		return
	}

	rewardID, present, err := parseRawID(req.RewardID, "reward_id")
	if err != nil {
		h.writeDomainError(w, r, err, "")
		return
	}
	if !present {
		h.writeDomainError(w, r, ledger.Invalid("reward_id is required"), "")
		return
	}

	userID, present, err := parseRawID(req.UserID, "user_id")
	if err != nil {
		h.writeDomainError(w, r, err, "")
		return
	}
	if present && ledger.UserID(userID) != ident.UserID {
		writeError(w, http.StatusForbidden, "forbidden", "user_id does not match the authenticated user", nil)
		return
	}

	receipt, err := h.Redemptions.Redeem(r.Context(), ident.UserID, ledger.RewardID(rewardID))
	if err != nil {
		h.writeDomainError(w, r, err, "User or Reward not found")
		return
	}
	writeJSON(w, http.StatusCreated, toCreateRedemptionResponse(receipt))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// CreateAdjustment credits or debits a user's balance.
// POST /api/v1/admin/users/{id}/adjustments
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"), "id")
	if err != nil {
		h.writeDomainError(w, r, err, "")
		return
	}
	var req AdjustmentRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeDomainError(w, r, err, "")
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		h.writeDomainError(w, r, ledger.Invalid("reason is required"), "")
		return
	}

	admin, _ := auth.FromContext(r.Context())
	reason := req.Reason + " (by user " + strconv.FormatInt(int64(admin.UserID), 10) + ")"
	user, err := h.Redemptions.AdjustBalance(r.Context(), ledger.UserID(id), req.Delta, reason)
	if err != nil {
		h.writeDomainError(w, r, err, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, AdjustmentResponse{UserID: user.ID, PointsBalance: user.PointsBalance})
}

// RunAudit runs one invariant audit pass.
// GET /api/v1/admin/audit
func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	var (
		snap ledger.AuditSnapshot
		err  error
	)
	if h.Auditor != nil {
		snap, err = h.Auditor.RunNow(r.Context())
	} else {
		snap, err = h.Store.AuditSnapshot(r.Context())
	}
	if err != nil {
		h.writeDomainError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(snap))
}

// =============================================================================
// PARSING
// =============================================================================

func parseID(raw, field string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ledger.Invalid("%s is required", field)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, ledger.Invalid("%s must be a valid number", field)
	}
	return n, nil
}

// parseRawID accepts a JSON number or a numeric string. Absent and null
// report present == false.
func parseRawID(raw json.RawMessage, field string) (id int64, present bool, err error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, false, nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return 0, true, ledger.Invalid("%s must be a valid number", field)
		}
		if strings.TrimSpace(str) == "" {
			return 0, false, nil
		}
		s = str
	}
	id, err = parseID(s, field)
	return id, true, err
}

func parsePage(r *http.Request) (ledger.Page, error) {
	var p ledger.Page
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, ledger.Invalid("limit must be a valid number")
		}
		p.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, ledger.Invalid("offset must be a valid number")
		}
		p.Offset = n
	}
	return p.Normalize(), nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return ledger.Invalid("invalid request body")
	}
	return nil
}

// =============================================================================
// RESPONSES
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps an outcome kind to its HTTP status.
func statusFor(kind ledger.Kind) int {
	switch kind {
	case ledger.KindNotFound:
		return http.StatusNotFound
	case ledger.KindRewardUnavailable, ledger.KindOutOfStock, ledger.KindInsufficientPoints:
		return http.StatusUnprocessableEntity
	case ledger.KindInvalidInput:
		return http.StatusBadRequest
	case ledger.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError renders err by kind. notFound overrides the message of
// a not_found answer.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	kind := ledger.KindOf(err)
	status := statusFor(kind)
	resp := ErrorResponse{Code: string(kind)}

	switch kind {
	case ledger.KindNotFound:
		resp.Error = notFound
		if resp.Error == "" {
			resp.Error = capitalize(err.Error())
		} else {
			resp.Details = err.Error()
		}
	case ledger.KindInternal:
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		resp.Error = "An error occurred while processing the request"
	case ledger.KindRewardUnavailable, ledger.KindOutOfStock, ledger.KindInsufficientPoints:
		resp.Error = capitalize(err.Error())
	default:
		resp.Error = err.Error()
	}

	var ipe *ledger.InsufficientPointsError
	if errors.As(err, &ipe) {
		resp.Required = &ipe.Required
		resp.Available = &ipe.Available
	}
	writeJSON(w, status, resp)
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
