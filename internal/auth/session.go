package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/hybridauth/internal/model"
	"github.com/hitoshi/hybridauth/internal/repository"
)

// SessionResolver はセッショントークンから所有ユーザーを解決する。
type SessionResolver struct {
	users    repository.UserRepository
	sessions repository.SessionRepository
	now      func() time.Time
}

// NewSessionResolver はSessionResolverを生成する。
func NewSessionResolver(users repository.UserRepository, sessions repository.SessionRepository) *SessionResolver {
	return &SessionResolver{users: users, sessions: sessions, now: time.Now}
}

// ResolveSession はトークンに対応するセッションの所有ユーザーを返す。
// 期限切れのセッション行はここでは削除しない（定期クリーンアップが削除する）。
func (s *SessionResolver) ResolveSession(ctx context.Context, token string) (*model.UserView, error) {
	if token == "" {
		return nil, ErrNoSession
	}

	session, err := s.sessions.FindByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, ErrInvalidSession
	}
	if session.Expired(s.now()) {
		return nil, ErrSessionExpired
	}

	user, err := s.users.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session owner: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("%w: user %s", ErrOrphanedSession, session.UserID)
	}

	return user.View(), nil
}

// SignOut はトークンのセッションを削除する。トークンが空の場合は何もしない。
func (s *SessionResolver) SignOut(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := s.sessions.DeleteByToken(ctx, token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
