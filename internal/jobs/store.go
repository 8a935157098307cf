package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	progressKeyPrefix = "collection:progress:"
	maxTxRetries      = 5
)

// Store はコレクション処理の進捗を Redis に保存します。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
		now: time.Now,
	}
}

// Get は進捗を取得します。存在しなければ nil を返します。
func (s *Store) Get(ctx context.Context, collectionID string) (*Record, error) {
	if collectionID == "" {
		return nil, fmt.Errorf("collectionID is required")
	}
	data, err := s.rdb.Get(ctx, progressKey(collectionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Upsert は進捗を保存します（存在しない場合は作成）。
func (s *Store) Upsert(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if record.CollectionID == "" {
		return fmt.Errorf("record.CollectionID is required")
	}
	s.stamp(record)
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, progressKey(record.CollectionID), payload, s.ttl).Err()
}

// UpdateProgress は進捗を更新し、状態を running にします。
func (s *Store) UpdateProgress(ctx context.Context, collectionID string, progress ProgressInfo) error {
	return s.updatePartial(ctx, collectionID, func(record *Record) {
		record.Status = StatusRunning
		record.Progress = progress
	})
}

// MarkWaiting はメンバーの完了待ちであることを記録します。
func (s *Store) MarkWaiting(ctx context.Context, collectionID string) error {
	return s.updatePartial(ctx, collectionID, func(record *Record) {
		record.Status = StatusWaiting
		record.Attempts++
		record.Progress = ProgressInfo{Stage: "waiting"}
	})
}

// MarkDone は完了時の情報を保存します。
func (s *Store) MarkDone(ctx context.Context, collectionID string, meta any) error {
	return s.updatePartial(ctx, collectionID, func(record *Record) {
		record.Status = StatusSucceeded
		record.Progress = ProgressInfo{
			Percent: 100,
			Stage:   "completed",
		}
		record.Meta = meta
		record.Error = nil
	})
}

// MarkFailed は失敗時の情報を保存します。
func (s *Store) MarkFailed(ctx context.Context, collectionID string, errInfo *ErrorInfo) error {
	return s.updatePartial(ctx, collectionID, func(record *Record) {
		record.Status = StatusFailed
		record.Attempts++
		if errInfo != nil {
			record.Error = errInfo
		}
	})
}

// Delete は進捗を削除します。
func (s *Store) Delete(ctx context.Context, collectionID string) error {
	return s.rdb.Del(ctx, progressKey(collectionID)).Err()
}

// updatePartial は WATCH による楽観ロックでレコードを読み替えます。
// レコードが無ければ新規に作成します。
func (s *Store) updatePartial(ctx context.Context, collectionID string, mutate func(*Record)) error {
	if collectionID == "" {
		return fmt.Errorf("collectionID is required")
	}
	key := progressKey(collectionID)

	txf := func(tx *redis.Tx) error {
		record := Record{CollectionID: collectionID}
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(data, &record); err != nil {
				return err
			}
		}

		mutate(&record)
		s.stamp(&record)
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("progress update for %s kept conflicting", collectionID)
}

func (s *Store) stamp(record *Record) {
	now := s.now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if s.ttl > 0 {
		record.ExpiresAt = now.Add(s.ttl)
	}
}

func progressKey(id string) string {
	return progressKeyPrefix + id
}
