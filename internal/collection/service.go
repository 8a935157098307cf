package collection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/bundle-forge/internal/apperr"
	"github.com/yourusername/bundle-forge/internal/artifact"
	"github.com/yourusername/bundle-forge/internal/pdf"
	"github.com/yourusername/bundle-forge/internal/storage"
)

// Scheduler はコレクション単位の遅延ポーリングを管理します。
// 同じコレクションIDに対する Enqueue は高々1件だけ有効です。
type Scheduler interface {
	Enqueue(ctx context.Context, collectionID string, delay time.Duration) error
	Cancel(ctx context.Context, collectionID string) error
}

// Extractor は成果物から1レコード分のファイルを取り出します。
type Extractor interface {
	Extract(ctx context.Context, req artifact.Request) (*artifact.Extraction, error)
}

// Assembler は抽出済みファイルを結合・アーカイブ化します。
type Assembler interface {
	Merge(ctx context.Context, root, output string) (*pdf.MergeMeta, error)
	Package(ctx context.Context, root, output string) (*pdf.PackageMeta, error)
}

// Options は Service の設定です。
type Options struct {
	WorkDir     string
	StartDelay  time.Duration
	PollBackoff time.Duration
}

// Service はコレクションの作成から結合処理、削除までを扱います。
type Service struct {
	store     *Store
	scheduler Scheduler
	extractor Extractor
	assembler Assembler
	blobs     storage.Storage
	opts      Options
	logger    logrus.FieldLogger
	now       func() time.Time
}

// NewService は Service を作成します。
func NewService(store *Store, scheduler Scheduler, extractor Extractor, assembler Assembler, blobs storage.Storage, opts Options, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.PollBackoff <= 0 {
		opts.PollBackoff = time.Minute
	}
	return &Service{
		store:     store,
		scheduler: scheduler,
		extractor: extractor,
		assembler: assembler,
		blobs:     blobs,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// Submit はコレクションを作成・保存し、最初のポーリングを予約します。
func (s *Service) Submit(ctx context.Context, ownerID, scopeID string, jobIDs []string) (*Collection, error) {
	c, err := New(ownerID, scopeID)
	if err != nil {
		return nil, err
	}
	for _, id := range jobIDs {
		c.AddMember(id)
	}
	if c.Len() == 0 {
		return nil, apperr.New(apperr.CodeMissingField, "jobIds is required", nil)
	}

	if err := s.store.Save(ctx, c); err != nil {
		return nil, err
	}
	if err := s.Schedule(ctx, c); err != nil {
		if cleanupErr := s.store.Delete(context.WithoutCancel(ctx), c.ID); cleanupErr != nil {
			err = fmt.Errorf("%w (cleanup failed: %v)", err, cleanupErr)
		}
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"collection_id": c.ID,
		"owner_id":      c.OwnerID,
		"members":       c.Len(),
	}).Info("collection submitted")
	return c, nil
}

// Schedule は遅延ポーリングを1件予約し、状態を AWAITING_PROCESSING にします。
func (s *Service) Schedule(ctx context.Context, c *Collection) error {
	if c == nil || c.ID == "" {
		return apperr.New(apperr.CodeMissingField, "collection must be saved before scheduling", nil)
	}
	if c.Len() == 0 {
		return apperr.New(apperr.CodeMissingField, "collection has no members", nil)
	}
	if s.scheduler == nil {
		return errors.New("scheduler is not configured")
	}

	if err := s.scheduler.Enqueue(ctx, c.ID, s.opts.StartDelay); err != nil {
		return fmt.Errorf("failed to enqueue collection %s: %w", c.ID, err)
	}
	if err := s.store.UpdateStatus(ctx, c.ID, StatusAwaitingProcessing); err != nil {
		return err
	}
	c.Status = StatusAwaitingProcessing
	return nil
}

// Get はコレクションを返します。ownerID が空でなければ所有者も確認します。
func (s *Service) Get(ctx context.Context, ownerID, id string) (*Collection, error) {
	c, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && c.OwnerID != ownerID {
		return nil, apperr.New(apperr.CodeNotFound, fmt.Sprintf("collection %s not found", id), nil)
	}
	return c, nil
}

// List は所有者のコレクションをスコープ単位で、メンバーを含めて返します。
func (s *Service) List(ctx context.Context, ownerID, scopeID string) ([]*Collection, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, apperr.New(apperr.CodeMissingField, "ownerId is required", nil)
	}
	list, err := s.store.List(ctx, ownerID, scopeID)
	if err != nil {
		return nil, err
	}
	out := make([]*Collection, 0, len(list))
	for _, c := range list {
		full, err := s.store.Load(ctx, c.ID)
		if err != nil {
			// 一覧取得後に削除されたもの
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, full)
	}
	return out, nil
}

// Delete は予約済みポーリング、関連行、成果物をまとめて削除します。
// 存在しないコレクションに対しては何もしません。
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	c, err := s.store.Load(ctx, id)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		c = nil
	case err != nil:
		return err
	case ownerID != "" && c.OwnerID != ownerID:
		return apperr.New(apperr.CodeNotFound, fmt.Sprintf("collection %s not found", id), nil)
	}

	if s.scheduler != nil {
		if err := s.scheduler.Cancel(ctx, id); err != nil {
			return fmt.Errorf("failed to cancel collection %s: %w", id, err)
		}
	}
	if c == nil {
		return nil
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.blobs.DeletePrefix(ctx, ArchivePrefix(c.OwnerID, c.ID)); err != nil {
		return fmt.Errorf("failed to delete archive of %s: %w", id, err)
	}

	s.logger.WithField("collection_id", id).Info("collection deleted")
	return nil
}

// OpenArchive は完成済みアーカイブを開きます。まだ存在しなければ NotFound です。
func (s *Service) OpenArchive(ctx context.Context, ownerID, id string) (io.ReadCloser, int64, error) {
	c, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, 0, err
	}
	key := ArchiveKey(c.OwnerID, c.ID, pdf.ArchiveFilename)
	size, err := s.blobs.Stat(ctx, key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, apperr.New(apperr.CodeNotFound, "archive is not ready", err)
		}
		return nil, 0, err
	}
	rc, err := s.blobs.Open(ctx, key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, apperr.New(apperr.CodeNotFound, "archive is not ready", err)
		}
		return nil, 0, err
	}
	return rc, size, nil
}

// ReportJob はジョブ実行サービスからの状態報告を保存します。
func (s *Service) ReportJob(ctx context.Context, job *Job) error {
	return s.store.PutJob(ctx, job)
}
