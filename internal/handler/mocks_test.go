package handler

import (
	"context"
	"time"

	"github.com/hitoshi/hybridauth/internal/auth"
	"github.com/hitoshi/hybridauth/internal/metrics"
	"github.com/hitoshi/hybridauth/internal/model"
)

// --- モック定義 ---

type mockExchanger struct {
	unconfigured bool
	loginURLFn   func(redirectURI, state string) (string, error)
	exchangeFn   func(ctx context.Context, code, redirectURI string) (*auth.TokenSet, error)
}

func (m *mockExchanger) Configured() bool {
	return !m.unconfigured
}

func (m *mockExchanger) LoginURL(redirectURI, state string) (string, error) {
	if m.loginURLFn != nil {
		return m.loginURLFn(redirectURI, state)
	}
	return "", nil
}

func (m *mockExchanger) Exchange(ctx context.Context, code, redirectURI string) (*auth.TokenSet, error) {
	if m.exchangeFn != nil {
		return m.exchangeFn(ctx, code, redirectURI)
	}
	return nil, nil
}

type mockReconciler struct {
	reconcileFn func(ctx context.Context, req auth.ReconcileRequest) (*auth.ReconcileResult, error)
}

func (m *mockReconciler) Reconcile(ctx context.Context, req auth.ReconcileRequest) (*auth.ReconcileResult, error) {
	if m.reconcileFn != nil {
		return m.reconcileFn(ctx, req)
	}
	return nil, nil
}

type mockSessionResolver struct {
	resolveFn func(ctx context.Context, token string) (*model.UserView, error)
	signOutFn func(ctx context.Context, token string) error
}

func (m *mockSessionResolver) ResolveSession(ctx context.Context, token string) (*model.UserView, error) {
	if m.resolveFn != nil {
		return m.resolveFn(ctx, token)
	}
	return nil, auth.ErrNoSession
}

func (m *mockSessionResolver) SignOut(ctx context.Context, token string) error {
	if m.signOutFn != nil {
		return m.signOutFn(ctx, token)
	}
	return nil
}

type mockUserService struct {
	withdrawFn func(ctx context.Context, userID string) error
}

func (m *mockUserService) Withdraw(ctx context.Context, userID string) error {
	if m.withdrawFn != nil {
		return m.withdrawFn(ctx, userID)
	}
	return nil
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error {
	return m.err
}

// recordingMetrics はSSO関連の記録だけを保持するテスト用コレクター。
type recordingMetrics struct {
	metrics.Nop
	logins         []string
	callbackErrors []string
	exchanges      int
}

func (m *recordingMetrics) RecordSSOLogin(outcome string)     { m.logins = append(m.logins, outcome) }
func (m *recordingMetrics) RecordCallbackError(code string)   { m.callbackErrors = append(m.callbackErrors, code) }
func (m *recordingMetrics) RecordTokenExchangeLatency(time.Duration) { m.exchanges++ }

var testCookieConfig = CookieConfig{
	Name: "session_token",
	TTL:  7 * 24 * time.Hour,
}

func testSSOConfig() SSOHandlerConfig {
	return SSOHandlerConfig{
		CallbackURL: "https://app.example.com/api/auth/sso?action=callback",
		LoginPath:   "/login",
		LandingPath: "/dashboard",
		Cookie:      testCookieConfig,
	}
}
