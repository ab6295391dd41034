// Package cleanup は期限切れのセッションと確認レコードを削除するジョブを提供する。
// ジョブはrobfig/cronのスケジュールで定期実行される。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hitoshi/hybridauth/internal/metrics"
	"github.com/hitoshi/hybridauth/internal/repository"
)

// Job は期限切れレコードの削除ジョブ。
// 冪等な削除処理で、削除対象がない場合でもエラーにならない。
type Job struct {
	sessions      repository.SessionRepository
	verifications repository.VerificationRepository
	logger        *slog.Logger
	metrics       metrics.MetricsCollector
	now           func() time.Time
}

// NewJob は新しいJobを生成する。
func NewJob(sessions repository.SessionRepository, verifications repository.VerificationRepository, logger *slog.Logger, mc metrics.MetricsCollector) *Job {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Job{
		sessions:      sessions,
		verifications: verifications,
		logger:        logger,
		metrics:       mc,
		now:           time.Now,
	}
}

// Run はexpires_atを過ぎたセッションと確認レコードを削除する。
// 片方の削除に失敗してももう片方は実行する。
func (j *Job) Run(ctx context.Context) error {
	start := time.Now()
	now := j.now()

	sessionsDeleted, sessErr := j.sessions.DeleteExpired(ctx, now)
	if sessErr != nil {
		j.logger.Error("failed to delete expired sessions", slog.String("error", sessErr.Error()))
		sessErr = fmt.Errorf("failed to delete expired sessions: %w", sessErr)
	} else {
		j.metrics.RecordSessionsCleaned(sessionsDeleted)
	}

	verificationsDeleted, verErr := j.verifications.DeleteExpired(ctx, now)
	if verErr != nil {
		j.logger.Error("failed to delete expired verifications", slog.String("error", verErr.Error()))
		verErr = fmt.Errorf("failed to delete expired verifications: %w", verErr)
	}

	if err := errors.Join(sessErr, verErr); err != nil {
		return err
	}

	j.logger.Info("cleanup job completed",
		slog.Int64("sessions_deleted", sessionsDeleted),
		slog.Int64("verifications_deleted", verificationsDeleted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Schedule はcron式specに従ってジョブを定期実行し、ctxがキャンセルされるまでブロックする。
// 起動直後に1回実行する。実行中のジョブの完了を待ってから戻る。
func (j *Job) Schedule(ctx context.Context, spec string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() { j.runLogged(ctx) }); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}

	j.runLogged(ctx)

	c.Start()
	j.logger.Info("cleanup scheduler started", slog.String("schedule", spec))

	<-ctx.Done()
	<-c.Stop().Done()
	j.logger.Info("cleanup scheduler stopped")
	return nil
}

func (j *Job) runLogged(ctx context.Context) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}
}
