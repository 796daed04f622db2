package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/warp/redemption-engine/auth"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"

	// MaxKeyLen bounds the header value.
	MaxKeyLen = 255
)

// Middleware is the replay cache in front of non-idempotent handlers.
type Middleware struct {
	store Store
	ttl   time.Duration
	log   *zap.Logger
	group singleflight.Group
}

func NewMiddleware(store Store, ttl time.Duration, log *zap.Logger) *Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return &Middleware{store: store, ttl: ttl, log: log.Named("idempotency")}
}

type outcome struct {
	resp  *Response
	fresh bool
}

// Handler wraps next. Requests without the header, or that are not POST,
// pass straight through.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderKey)
		if key == "" || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > MaxKeyLen {
			writeJSONError(w, http.StatusBadRequest, "invalid_input", fmt.Sprintf("%s must be at most %d characters", HeaderKey, MaxKeyLen))
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_input", "unreadable request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		fp := fingerprint(r, body)
		scoped := scope(r, key)

		ran := false
		v, err, _ := m.group.Do(scoped, func() (any, error) {
			ran = true
			cached, err := m.store.Get(r.Context(), scoped)
			if err != nil {
				return nil, err
			}
			if cached != nil {
				return outcome{resp: cached}, nil
			}

			rec := newRecorder()
			next.ServeHTTP(rec, r)
			resp := rec.response(fp)

			// Server errors are not final; a retry must run again.
			if resp.Status < http.StatusInternalServerError {
				if err := m.store.Put(r.Context(), scoped, resp, m.ttl); err != nil {
					m.log.Warn("store response failed", zap.String("key", scoped), zap.Error(err))
				}
			}
			return outcome{resp: resp, fresh: true}, nil
		})
		if err != nil {
			m.log.Error("lookup failed", zap.String("key", scoped), zap.Error(err))
			writeJSONError(w, http.StatusInternalServerError, "internal", "internal error")
			return
		}

		out := v.(outcome)
		if out.resp.Fingerprint != fp {
			writeJSONError(w, http.StatusUnprocessableEntity, "invalid_input",
				HeaderKey+" was already used with a different request")
			return
		}
		// Only the caller whose function ran owns a fresh response.
		replayed := !(ran && out.fresh)
		if replayed {
			m.log.Debug("replayed", zap.String("key", scoped), zap.Int("status", out.resp.Status))
		}
		out.resp.write(w, replayed)
	})
}

// scope prefixes key with the caller so keys never collide across users.
func scope(r *http.Request, key string) string {
	if id, ok := auth.FromContext(r.Context()); ok {
		return fmt.Sprintf("user:%d:%s", id.UserID, key)
	}
	return "anon:" + key
}

func fingerprint(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// =============================================================================
// RESPONSE CAPTURE
// =============================================================================

type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header)}
}

func (rec *recorder) Header() http.Header { return rec.header }

func (rec *recorder) WriteHeader(status int) {
	if rec.status == 0 {
		rec.status = status
	}
}

func (rec *recorder) Write(p []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	return rec.body.Write(p)
}

func (rec *recorder) response(fp string) *Response {
	status := rec.status
	if status == 0 {
		status = http.StatusOK
	}
	return &Response{
		Fingerprint: fp,
		Status:      status,
		ContentType: rec.header.Get("Content-Type"),
		Body:        rec.body.Bytes(),
	}
}

func (resp *Response) write(w http.ResponseWriter, replayed bool) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	if replayed {
		w.Header().Set(HeaderReplayed, "true")
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}
