package repository

import (
	"context"
	"fmt"
	"time"
)

// PostgresVerificationRepo はPostgreSQLを使用したメール確認レコードのリポジトリ。
// レコードの作成はローカル認証側が行う。
type PostgresVerificationRepo struct {
	db Querier
}

// NewPostgresVerificationRepo はPostgresVerificationRepoを生成する。
func NewPostgresVerificationRepo(db Querier) *PostgresVerificationRepo {
	return &PostgresVerificationRepo{db: db}
}

// DeleteExpired はnow時点で期限切れの確認レコードを削除し、削除件数を返す。
func (r *PostgresVerificationRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM verifications WHERE expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired verifications: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ VerificationRepository = (*PostgresVerificationRepo)(nil)
