package collection

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/bundle-forge/internal/apperr"
	"github.com/yourusername/bundle-forge/internal/pdf"
)

// Outcome はポーリング1回の結果種別です。
type Outcome int

const (
	// OutcomeDone はこれ以上ポーリングしないことを表します。
	OutcomeDone Outcome = iota
	// OutcomeRetry は Backoff 後に再ポーリングすることを表します。
	OutcomeRetry
	// OutcomeFatal は結合処理が失敗したことを表します。
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeRetry:
		return "retry"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// PollResult は Poll の戻り値です。
type PollResult struct {
	Outcome Outcome
	Status  Status        // Done のときの最終状態（削除済みなら空）
	Backoff time.Duration // Retry のときの待機時間
	Err     error         // Fatal のときの原因
	Meta    *RunMeta
}

// Done は終了を表す PollResult を返します。
func Done(status Status) PollResult {
	return PollResult{Outcome: OutcomeDone, Status: status}
}

// Retry は再ポーリングを表す PollResult を返します。
func Retry(backoff time.Duration) PollResult {
	return PollResult{Outcome: OutcomeRetry, Backoff: backoff}
}

// Fatal は失敗を表す PollResult を返します。
func Fatal(err error) PollResult {
	return PollResult{Outcome: OutcomeFatal, Err: err}
}

// Poll はコレクションを読み直して状態遷移を1段進めます。
//
// 全メンバーが FINISHED なら抽出・結合・保存を実行して FINISHED に、まだ完了し得るなら Retry、
// 完了し得ないなら FAILED にします。実行中に削除されたコレクションは Done("") で終わります。
func (s *Service) Poll(ctx context.Context, id string, reporter pdf.ProgressReporter) PollResult {
	log := s.logger.WithField("collection_id", id)

	c, err := s.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			log.Debug("collection no longer exists")
			return Done("")
		}
		return Fatal(err)
	}

	if c.Status.Terminal() {
		log.WithField("status", c.Status).Debug("collection already settled")
		return Done(c.Status)
	}

	switch {
	case c.AllFinished():
		return s.finish(ctx, c, reporter, log)

	case c.CanStillFinish():
		if err := s.store.MarkPolled(ctx, c.ID, s.now()); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return Done("")
			}
			return Fatal(err)
		}
		log.WithField("backoff", s.opts.PollBackoff).Debug("members still pending")
		return Retry(s.opts.PollBackoff)

	default:
		if err := s.store.UpdateStatus(ctx, c.ID, StatusFailed); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return Done("")
			}
			return Fatal(err)
		}
		states := c.States()
		log.WithFields(logrus.Fields{
			"missing": states.Missing,
			"failed":  states.ByStatus[StatusFailed],
			"timeout": states.ByStatus[StatusTimeout],
			"deleted": states.ByStatus[StatusDeleted],
		}).Warn("collection can no longer finish")
		return Done(StatusFailed)
	}
}

func (s *Service) finish(ctx context.Context, c *Collection, reporter pdf.ProgressReporter, log logrus.FieldLogger) PollResult {
	if err := s.store.UpdateStatus(ctx, c.ID, StatusRunning); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Done("")
		}
		return Fatal(err)
	}

	meta, runErr := s.run(ctx, c, reporter)

	// 実行中にキャンセルされても状態は確定させる
	settleCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		if err := s.store.UpdateStatus(settleCtx, c.ID, StatusException); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				log.Info("collection deleted while running")
				return Done("")
			}
			log.WithError(err).Error("failed to record EXCEPTION status")
		}
		log.WithError(runErr).WithField("code", apperr.CodeOf(runErr)).Error("collection pipeline failed")
		return Fatal(runErr)
	}

	if err := s.store.UpdateStatus(settleCtx, c.ID, StatusFinished); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			log.Info("collection deleted while running, removing archive")
			if delErr := s.blobs.DeletePrefix(settleCtx, ArchivePrefix(c.OwnerID, c.ID)); delErr != nil {
				log.WithError(delErr).Warn("failed to remove orphaned archive")
			}
			return Done("")
		}
		return Fatal(err)
	}

	pdf.ReportProgress(reporter, pdf.StageCompleted, 100)
	log.WithFields(logrus.Fields{
		"records": meta.Records,
		"skipped": meta.Skipped,
		"pages":   meta.Merge.TotalPages,
	}).Info("collection finished")

	res := Done(StatusFinished)
	res.Meta = meta
	return res
}
