package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresUnitOfWork はアドバイザリロック付きトランザクションを提供する。
type PostgresUnitOfWork struct {
	db *sql.DB
}

// NewPostgresUnitOfWork はPostgresUnitOfWorkを生成する。
func NewPostgresUnitOfWork(db *sql.DB) *PostgresUnitOfWork {
	return &PostgresUnitOfWork{db: db}
}

// WithinSubjectLock はトランザクションを開始し、keyのハッシュに対する
// pg_advisory_xact_lockを取得してからfnを実行する。
// ロックはコミットまたはロールバックで解放される。
func (u *PostgresUnitOfWork) WithinSubjectLock(ctx context.Context, key string, fn func(ctx context.Context, repos Repositories) error) error {
	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("failed to acquire advisory lock: %w", err)
	}

	repos := Repositories{
		Users:    NewPostgresUserRepo(tx),
		Accounts: NewPostgresAccountRepo(tx),
		Sessions: NewPostgresSessionRepo(tx),
	}
	if err := fn(ctx, repos); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", wrapConflict(err))
	}
	return nil
}

// compile-time interface check
var _ UnitOfWork = (*PostgresUnitOfWork)(nil)
