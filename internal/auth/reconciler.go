package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/hybridauth/internal/model"
	"github.com/hitoshi/hybridauth/internal/repository"
)

// Outcome はユーザー照合の結果種別。
type Outcome string

const (
	// OutcomeExisting はsubjectで既存ユーザーが見つかったことを表す。
	OutcomeExisting Outcome = "existing"
	// OutcomeLinked はemailで見つかった既存ユーザーにsubjectを紐付けたことを表す。
	OutcomeLinked Outcome = "linked"
	// OutcomeCreated はユーザーと外部アカウントを新規作成したことを表す。
	OutcomeCreated Outcome = "created"
)

const (
	defaultSessionTTL    = 7 * 24 * time.Hour
	defaultTokenLifetime = 3600 * time.Second
	defaultMaxAttempts   = 3
)

// ProfileSanitizer はクレーム由来のプロフィール値を無害化する。
// security.ProfileSanitizerが実装する。
type ProfileSanitizer interface {
	SanitizeName(name string) string
	SanitizeAvatarURL(raw string) string
}

// ReconcilerConfig はReconcilerの設定。
type ReconcilerConfig struct {
	// ProviderID はaccounts.provider_idに記録するIdP名。
	ProviderID string
	// SessionTTL は発行するセッションの有効期間。
	SessionTTL time.Duration
	// MaxAttempts は一意制約違反時に照合をやり直す最大回数（初回を含む）。
	MaxAttempts int
}

// ReconcileRequest はユーザー照合の入力。
type ReconcileRequest struct {
	Claims    Claims
	Tokens    *TokenSet
	IPAddress string
	UserAgent string
}

// ReconcileResult はユーザー照合の結果。
type ReconcileResult struct {
	User     *model.User
	Session  *model.Session
	Outcome  Outcome
	Attempts int
}

// Reconciler は外部IDをローカルユーザーに対応付け、セッションを発行する。
type Reconciler struct {
	uow       repository.UnitOfWork
	sanitizer ProfileSanitizer
	cfg       ReconcilerConfig
	logger    *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewReconciler はReconcilerを生成する。
func NewReconciler(uow repository.UnitOfWork, sanitizer ProfileSanitizer, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if cfg.ProviderID == "" {
		cfg.ProviderID = "xsuaa"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		uow:       uow,
		sanitizer: sanitizer,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// EmailDomain はemailクレームが無い場合に合成するメールアドレスのドメイン。
func (r *Reconciler) EmailDomain() string {
	return r.cfg.ProviderID + ".local"
}

// Reconcile はクレームからユーザーを特定（既存、紐付け、新規作成）し、セッションを発行する。
// 同一subjectに対する処理はUnitOfWorkのロックで直列化される。
// 並行した別経路の書き込みと一意制約で衝突した場合は最初からやり直す。
func (r *Reconciler) Reconcile(ctx context.Context, req ReconcileRequest) (*ReconcileResult, error) {
	ident, err := IdentityFromClaims(req.Claims, r.EmailDomain())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReconciliationFailed, err)
	}
	if r.sanitizer != nil {
		ident.DisplayName = r.sanitizer.SanitizeName(ident.DisplayName)
		ident.Picture = r.sanitizer.SanitizeAvatarURL(ident.Picture)
	}
	if ident.DisplayName == "" {
		ident.DisplayName, _, _ = strings.Cut(ident.Email, "@")
	}

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		res, err := r.reconcileOnce(ctx, ident, req)
		if err == nil {
			res.Attempts = attempt
			r.logger.Info("sso user reconciled",
				slog.String("user_id", res.User.ID),
				slog.String("outcome", string(res.Outcome)),
				slog.Int("attempt", attempt),
			)
			return res, nil
		}
		if !errors.Is(err, repository.ErrConflict) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrReconciliationFailed, err)
		}
		lastErr = err
		r.logger.Warn("reconciliation conflict, retrying",
			slog.String("subject", ident.Subject),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	return nil, fmt.Errorf("%w: gave up after %d attempts: %w", ErrReconciliationFailed, r.cfg.MaxAttempts, lastErr)
}

func (r *Reconciler) reconcileOnce(ctx context.Context, ident Identity, req ReconcileRequest) (*ReconcileResult, error) {
	var res *ReconcileResult
	lockKey := r.cfg.ProviderID + ":" + ident.Subject

	err := r.uow.WithinSubjectLock(ctx, lockKey, func(ctx context.Context, repos repository.Repositories) error {
		now := r.now()
		user, outcome, err := r.resolveUser(ctx, repos, ident, req.Tokens, now)
		if err != nil {
			return err
		}
		session, err := r.mintSession(ctx, repos, user.ID, req, now)
		if err != nil {
			return err
		}
		res = &ReconcileResult{User: user, Session: session, Outcome: outcome}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// resolveUser はsubject、email、新規作成の順にユーザーを特定する。
func (r *Reconciler) resolveUser(ctx context.Context, repos repository.Repositories, ident Identity, tokens *TokenSet, now time.Time) (*model.User, Outcome, error) {
	user, err := repos.Users.FindByExternalSubject(ctx, ident.Subject)
	if err != nil {
		return nil, "", fmt.Errorf("failed to find user by subject: %w", err)
	}
	if user != nil {
		return user, OutcomeExisting, nil
	}

	user, err = repos.Users.FindByEmail(ctx, ident.Email)
	if err != nil {
		return nil, "", fmt.Errorf("failed to find user by email: %w", err)
	}
	if user != nil {
		if user.ExternalSubject != nil && *user.ExternalSubject != ident.Subject {
			r.logger.Warn("replacing external subject on email match",
				slog.String("user_id", user.ID),
				slog.String("previous_subject", *user.ExternalSubject),
				slog.String("subject", ident.Subject),
			)
		}
		if err := repos.Users.LinkExternalSubject(ctx, user.ID, ident.Subject, now); err != nil {
			return nil, "", fmt.Errorf("failed to link external subject: %w", err)
		}
		subject := ident.Subject
		user.ExternalSubject = &subject
		user.UpdatedAt = now
		return user, OutcomeLinked, nil
	}

	subject := ident.Subject
	user = &model.User{
		ID:              r.newID(),
		Name:            ident.DisplayName,
		Email:           ident.Email,
		EmailVerified:   true,
		ExternalSubject: &subject,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if ident.Picture != "" {
		picture := ident.Picture
		user.Image = &picture
	}
	if err := repos.Users.Create(ctx, user); err != nil {
		return nil, "", fmt.Errorf("failed to create user: %w", err)
	}

	account := r.newAccount(user.ID, ident.Subject, tokens, now)
	if err := repos.Accounts.Create(ctx, account); err != nil {
		return nil, "", fmt.Errorf("failed to create account: %w", err)
	}
	return user, OutcomeCreated, nil
}

// newAccount はIdPトークンを保持する外部アカウント行を組み立てる。
func (r *Reconciler) newAccount(userID, subject string, tokens *TokenSet, now time.Time) *model.Account {
	account := &model.Account{
		ID:         r.newID(),
		UserID:     userID,
		AccountID:  subject,
		ProviderID: r.cfg.ProviderID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if tokens == nil {
		return account
	}

	lifetime := defaultTokenLifetime
	if tokens.ExpiresIn > 0 {
		lifetime = time.Duration(tokens.ExpiresIn) * time.Second
	}
	expiresAt := now.Add(lifetime)
	account.AccessTokenExpiresAt = &expiresAt

	if tokens.AccessToken != "" {
		at := tokens.AccessToken
		account.AccessToken = &at
	}
	if tokens.RefreshToken != "" {
		rt := tokens.RefreshToken
		account.RefreshToken = &rt
	}
	if tokens.Scope != "" {
		scope := tokens.Scope
		account.Scope = &scope
	}
	return account
}

// mintSession はユーザーのセッションを発行する。
func (r *Reconciler) mintSession(ctx context.Context, repos repository.Repositories, userID string, req ReconcileRequest, now time.Time) (*model.Session, error) {
	id, err := GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}
	token, err := GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	session := &model.Session{
		ID:        id,
		UserID:    userID,
		Token:     token,
		ExpiresAt: now.Add(r.cfg.SessionTTL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.IPAddress != "" {
		ip := req.IPAddress
		session.IPAddress = &ip
	}
	if req.UserAgent != "" {
		ua := req.UserAgent
		session.UserAgent = &ua
	}
	if req.Tokens != nil {
		session.Scopes = strings.Fields(req.Tokens.Scope)
	}

	if err := repos.Sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}
