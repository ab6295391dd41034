package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/hybridauth/internal/model"
)

// PostgresAccountRepo はPostgreSQLを使用した外部アカウント紐付けリポジトリ。
type PostgresAccountRepo struct {
	db Querier
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db Querier) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

// Create はアカウント紐付けを作成する。
func (r *PostgresAccountRepo) Create(ctx context.Context, account *model.Account) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (id, user_id, account_id, provider_id, access_token, refresh_token,
		                       access_token_expires_at, refresh_token_expires_at, scope, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		account.ID, account.UserID, account.AccountID, account.ProviderID,
		account.AccessToken, account.RefreshToken,
		account.AccessTokenExpiresAt, account.RefreshTokenExpiresAt, account.Scope,
		account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", wrapConflict(err))
	}
	return nil
}

// FindByProviderAndAccountID はIdP上のアカウントIDで紐付けを取得する。
func (r *PostgresAccountRepo) FindByProviderAndAccountID(ctx context.Context, providerID, accountID string) (*model.Account, error) {
	a := &model.Account{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, account_id, provider_id, access_token, refresh_token,
		        access_token_expires_at, refresh_token_expires_at, scope, created_at, updated_at
		 FROM accounts WHERE provider_id = $1 AND account_id = $2`,
		providerID, accountID,
	).Scan(
		&a.ID, &a.UserID, &a.AccountID, &a.ProviderID, &a.AccessToken, &a.RefreshToken,
		&a.AccessTokenExpiresAt, &a.RefreshTokenExpiresAt, &a.Scope, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return a, nil
}

// CountByUserID は指定ユーザーに紐付くアカウント数を返す。
func (r *PostgresAccountRepo) CountByUserID(ctx context.Context, userID string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM accounts WHERE user_id = $1`, userID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count accounts: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ AccountRepository = (*PostgresAccountRepo)(nil)
