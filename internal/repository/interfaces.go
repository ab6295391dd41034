// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hitoshi/hybridauth/internal/model"
)

// ErrConflict は一意制約違反を表す。
// 同時実行で先に別のトランザクションが行を作成した場合などに返る。
var ErrConflict = errors.New("unique constraint conflict")

// Querier は*sql.DBと*sql.Txの共通部分。
// リポジトリはトランザクションの内外どちらでも同じ実装を使う。
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByExternalSubject はSSOのsubjectでユーザーを検索する。見つからない場合はnilを返す。
	FindByExternalSubject(ctx context.Context, subject string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。email、external_subjectの重複はErrConflictを返す。
	Create(ctx context.Context, user *model.User) error

	// LinkExternalSubject は既存ユーザーにSSOのsubjectを紐付ける。
	LinkExternalSubject(ctx context.Context, userID, subject string, updatedAt time.Time) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するsessions、accountsはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// AccountRepository は外部IdPアカウント紐付けの永続化インターフェース。
type AccountRepository interface {
	// Create はアカウント紐付けを作成する。(provider_id, user_id)の重複はErrConflictを返す。
	Create(ctx context.Context, account *model.Account) error

	// FindByProviderAndAccountID はIdP上のアカウントIDで紐付けを取得する。見つからない場合はnilを返す。
	FindByProviderAndAccountID(ctx context.Context, providerID, accountID string) (*model.Account, error)

	// CountByUserID は指定ユーザーに紐付くアカウント数を返す。
	CountByUserID(ctx context.Context, userID string) (int, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByToken はトークンが完全一致するセッションを取得する。
	// 期限切れでも返す。見つからない場合はnilを返す。
	FindByToken(ctx context.Context, token string) (*model.Session, error)
	// DeleteByToken は指定トークンのセッションを削除する。
	DeleteByToken(ctx context.Context, token string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
	// DeleteExpired はnow時点で期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// VerificationRepository はメール確認待ちレコードの永続化インターフェース。
type VerificationRepository interface {
	// DeleteExpired はnow時点で期限切れの確認レコードを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Repositories は1つのトランザクションを共有するリポジトリの組。
type Repositories struct {
	Users    UserRepository
	Accounts AccountRepository
	Sessions SessionRepository
}

// UnitOfWork はキー単位の排他を伴うトランザクション境界。
type UnitOfWork interface {
	// WithinSubjectLock はkeyに対するロックを保持したまま1トランザクションでfnを実行する。
	// fnがエラーを返した場合はロールバックする。
	WithinSubjectLock(ctx context.Context, key string, fn func(ctx context.Context, repos Repositories) error) error
}
