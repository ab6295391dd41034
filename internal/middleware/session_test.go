package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/hybridauth/internal/auth"
	"github.com/hitoshi/hybridauth/internal/metrics"
	"github.com/hitoshi/hybridauth/internal/model"
)

// mockSessionResolver はテスト用のSessionResolver実装。
type mockSessionResolver struct {
	resolveFn func(ctx context.Context, token string) (*model.UserView, error)
	calls     int
}

func (m *mockSessionResolver) ResolveSession(ctx context.Context, token string) (*model.UserView, error) {
	m.calls++
	return m.resolveFn(ctx, token)
}

// recordingMetrics はセッション解決とレート制限だけを記録するテスト用コレクター。
type recordingMetrics struct {
	metrics.Nop
	resolutions []string
	rateLimited int
}

func (m *recordingMetrics) RecordRateLimited() { m.rateLimited++ }

func (m *recordingMetrics) RecordSessionResolution(result string) {
	m.resolutions = append(m.resolutions, result)
}

func TestSessionMiddleware_ValidSession_InjectsUser(t *testing.T) {
	resolver := &mockSessionResolver{
		resolveFn: func(ctx context.Context, token string) (*model.UserView, error) {
			if token != "valid-token" {
				t.Errorf("token = %q, want %q", token, "valid-token")
			}
			return &model.UserView{ID: "user-1", Email: "taro@example.com"}, nil
		},
	}
	rec := &recordingMetrics{}

	var captured *model.UserView
	handler := NewSessionMiddleware(resolver, SessionConfig{CookieName: "session_token", Metrics: rec})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured, _ = UserFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	req.AddCookie(&http.Cookie{Name: "session_token", Value: "valid-token"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if captured == nil || captured.ID != "user-1" {
		t.Fatalf("user in context = %+v, want user-1", captured)
	}
	if len(rec.resolutions) != 1 || rec.resolutions[0] != "ok" {
		t.Errorf("resolutions = %v, want [ok]", rec.resolutions)
	}
}

func TestSessionMiddleware_Unauthenticated_Returns401(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		label string
	}{
		{"no session", auth.ErrNoSession, "no_session"},
		{"invalid", auth.ErrInvalidSession, "invalid"},
		{"expired", auth.ErrSessionExpired, "expired"},
		{"orphaned", auth.ErrOrphanedSession, "orphaned"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &mockSessionResolver{
				resolveFn: func(ctx context.Context, token string) (*model.UserView, error) {
					return nil, tt.err
				},
			}
			rec := &recordingMetrics{}
			handler := NewSessionMiddleware(resolver, SessionConfig{CookieName: "session_token", Metrics: rec})(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					t.Fatal("handler should not be called")
				}))

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/auth/session", nil))

			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			var body ErrorResponseBody
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if body.Code != model.ErrCodeUnauthorized {
				t.Errorf("code = %q, want %q", body.Code, model.ErrCodeUnauthorized)
			}
			if len(rec.resolutions) != 1 || rec.resolutions[0] != tt.label {
				t.Errorf("resolutions = %v, want [%s]", rec.resolutions, tt.label)
			}
		})
	}
}

func TestSessionMiddleware_NoCookie_PassesEmptyToken(t *testing.T) {
	resolver := &mockSessionResolver{
		resolveFn: func(ctx context.Context, token string) (*model.UserView, error) {
			if token != "" {
				t.Errorf("token = %q, want empty", token)
			}
			return nil, auth.ErrNoSession
		},
	}
	handler := NewSessionMiddleware(resolver, SessionConfig{CookieName: "session_token"})(http.NotFoundHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/auth/session", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if resolver.calls != 1 {
		t.Errorf("resolver calls = %d, want 1", resolver.calls)
	}
}

func TestSessionMiddleware_WithLoginPath_RedirectsToLogin(t *testing.T) {
	resolver := &mockSessionResolver{
		resolveFn: func(ctx context.Context, token string) (*model.UserView, error) {
			return nil, auth.ErrSessionExpired
		},
	}
	handler := NewSessionMiddleware(resolver, SessionConfig{CookieName: "session_token", LoginPath: "/login"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not be called")
		}))

	req := httptest.NewRequest(http.MethodGet, "/dashboard?tab=1", nil)
	req.AddCookie(&http.Cookie{Name: "session_token", Value: "stale"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusFound)
	}
	want := "/login?callbackUrl=%2Fdashboard%3Ftab%3D1"
	if loc := w.Header().Get("Location"); loc != want {
		t.Errorf("Location = %q, want %q", loc, want)
	}
}

func TestSessionMiddleware_StoreFault_Returns500(t *testing.T) {
	resolver := &mockSessionResolver{
		resolveFn: func(ctx context.Context, token string) (*model.UserView, error) {
			return nil, errors.New("connection refused")
		},
	}
	rec := &recordingMetrics{}
	handler := NewSessionMiddleware(resolver, SessionConfig{CookieName: "session_token", LoginPath: "/login", Metrics: rec})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not be called")
		}))

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: "session_token", Value: "tok"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	// ストア障害はログイン画面へ飛ばさず500で返す
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if strings.Contains(w.Body.String(), "connection refused") {
		t.Error("internal error detail should not leak to the response")
	}
	if len(rec.resolutions) != 1 || rec.resolutions[0] != "error" {
		t.Errorf("resolutions = %v, want [error]", rec.resolutions)
	}
}

func TestUserIDFromContext_NoValue_ReturnsError(t *testing.T) {
	if _, err := UserIDFromContext(context.Background()); err == nil {
		t.Error("expected error for empty context")
	}
}

func TestUserIDFromContext_ValidValue_ReturnsUserID(t *testing.T) {
	ctx := ContextWithUser(context.Background(), &model.UserView{ID: "user-42"})
	userID, err := UserIDFromContext(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "user-42" {
		t.Errorf("userID = %q, want %q", userID, "user-42")
	}
}
