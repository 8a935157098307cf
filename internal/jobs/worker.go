// Package jobs は Asynq によるコレクションのポーリング実行と進捗管理を提供します。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/bundle-forge/internal/apperr"
	"github.com/yourusername/bundle-forge/internal/collection"
)

// retryError はメンバーの完了待ちで再ポーリングすることを表します。
type retryError struct {
	backoff time.Duration
}

func (e *retryError) Error() string {
	return fmt.Sprintf("collection is not ready, retry in %s", e.backoff)
}

// retryDelay は完了待ちなら指定の待機時間、それ以外は既定の指数バックオフを返します。
func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	var re *retryError
	if errors.As(err, &re) && re.backoff > 0 {
		return re.backoff
	}
	return asynq.DefaultRetryDelayFunc(n, err, task)
}

func (m *Manager) handlePollTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.CollectionID == "" {
		return fmt.Errorf("missing collectionId in payload: %w", asynq.SkipRetry)
	}
	if m.poller == nil {
		return errors.New("poller is not configured")
	}

	id := payload.CollectionID
	result := m.poller.Poll(ctx, id, func(stage string, percent int) {
		m.UpdateProgress(ctx, id, percent, stage)
	})
	return m.settle(ctx, id, result)
}

// settle はポーリング結果を進捗レコードとタスクの戻り値に反映します。
func (m *Manager) settle(ctx context.Context, id string, result collection.PollResult) error {
	log := m.logger.WithField("collection_id", id)

	switch result.Outcome {
	case collection.OutcomeRetry:
		if err := m.store.MarkWaiting(ctx, id); err != nil {
			log.WithError(err).Warn("failed to store progress")
		}
		return &retryError{backoff: result.Backoff}

	case collection.OutcomeFatal:
		err := result.Err
		if err == nil {
			err = errors.New("poll failed without cause")
		}
		if markErr := m.store.MarkFailed(context.WithoutCancel(ctx), id, &ErrorInfo{
			Code:    apperr.CodeOf(err),
			Message: err.Error(),
		}); markErr != nil {
			log.WithError(markErr).Warn("failed to store progress")
		}
		return err
	}

	var err error
	switch result.Status {
	case "":
		err = m.store.Delete(ctx, id)
	case collection.StatusFinished:
		err = m.store.MarkDone(ctx, id, result.Meta)
	default:
		err = m.store.MarkFailed(ctx, id, &ErrorInfo{
			Code:    string(result.Status),
			Message: "collection can no longer finish",
		})
	}
	if err != nil {
		log.WithError(err).Warn("failed to store progress")
	}
	log.WithField("status", result.Status).Info("poll task settled")
	return nil
}
