package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/bundle-forge/internal/collection"
	"github.com/yourusername/bundle-forge/internal/config"
	"github.com/yourusername/bundle-forge/internal/pdf"
)

const (
	// TaskTypePoll はコレクションのポーリングタスクです。
	TaskTypePoll = "collection:poll"

	taskIDPrefix = "collection:"
)

// Poller はポーリング1回分の処理を行います。
type Poller interface {
	Poll(ctx context.Context, collectionID string, reporter pdf.ProgressReporter) collection.PollResult
}

type progressStore interface {
	Get(ctx context.Context, collectionID string) (*Record, error)
	Upsert(ctx context.Context, record *Record) error
	UpdateProgress(ctx context.Context, collectionID string, progress ProgressInfo) error
	MarkWaiting(ctx context.Context, collectionID string) error
	MarkDone(ctx context.Context, collectionID string, meta any) error
	MarkFailed(ctx context.Context, collectionID string, errInfo *ErrorInfo) error
	Delete(ctx context.Context, collectionID string) error
}

// Manager はポーリングタスクの予約・取消と進捗管理を担います。
type Manager struct {
	cfg       *config.Config
	client    *asynq.Client
	server    *asynq.Server
	inspector *asynq.Inspector
	mux       *asynq.ServeMux
	store     progressStore
	poller    Poller
	logger    logrus.FieldLogger
}

// TaskPayload はポーリングタスクのペイロードです。
type TaskPayload struct {
	CollectionID string `json:"collectionId"`
}

var (
	_ collection.Scheduler    = (*Manager)(nil)
	_ collection.RunInspector = (*Manager)(nil)
)

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, store *Store, logger logrus.FieldLogger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	return newManager(cfg, store, logger)
}

func newManager(cfg *config.Config, store progressStore, logger logrus.FieldLogger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	manager := &Manager{
		cfg:       cfg,
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		mux:       asynq.NewServeMux(),
		store:     store,
		logger:    logger,
	}
	manager.server = asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues: map[string]int{
				cfg.QueueName: 1,
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler:   asynq.ErrorHandlerFunc(manager.reportError),
			Logger:         logger,
		},
	)
	manager.mux.HandleFunc(TaskTypePoll, manager.handlePollTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers(poller Poller) {
	m.poller = poller
	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.logger.WithError(err).Error("asynq server stopped with error")
		}
	}()
}

// Run は Asynq サーバーを起動し、シグナルを受けるまでブロックします。
func (m *Manager) Run(poller Poller) error {
	m.poller = poller
	return m.server.Run(m.mux)
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	if err := m.inspector.Close(); err != nil {
		m.logger.WithError(err).Warn("failed to close inspector")
	}
	return m.client.Close()
}

// Enqueue はコレクションのポーリングを delay 後に1件予約します。
// 同じコレクションのタスクが既にあれば何もしません。
func (m *Manager) Enqueue(ctx context.Context, collectionID string, delay time.Duration) error {
	if collectionID == "" {
		return fmt.Errorf("collectionID is required")
	}
	body, err := json.Marshal(TaskPayload{CollectionID: collectionID})
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskTypePoll, body)
	_, err = m.client.EnqueueContext(ctx, task,
		asynq.TaskID(taskID(collectionID)),
		asynq.Queue(m.cfg.QueueName),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(m.cfg.MaxPollRetries),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		m.logger.WithField("collection_id", collectionID).Debug("poll task already scheduled")
		return nil
	}
	if err != nil {
		return err
	}

	if err := m.store.Upsert(ctx, &Record{
		CollectionID: collectionID,
		Status:       StatusQueued,
		Progress: ProgressInfo{
			Percent: 0,
			Stage:   "queued",
		},
	}); err != nil {
		m.logger.WithError(err).WithField("collection_id", collectionID).Warn("failed to store progress")
	}
	return nil
}

// Cancel は予約済みのポーリングを取り消します。実行中なら中断を要求します。
func (m *Manager) Cancel(ctx context.Context, collectionID string) error {
	id := taskID(collectionID)
	err := m.inspector.DeleteTask(m.cfg.QueueName, id)
	switch {
	case err == nil, errors.Is(err, asynq.ErrTaskNotFound), errors.Is(err, asynq.ErrQueueNotFound):
	default:
		// active 状態のタスクは削除できない
		if cancelErr := m.inspector.CancelProcessing(id); cancelErr != nil {
			return fmt.Errorf("failed to cancel task %s: %v (delete: %w)", id, cancelErr, err)
		}
	}
	if err := m.store.Delete(ctx, collectionID); err != nil {
		m.logger.WithError(err).WithField("collection_id", collectionID).Warn("failed to delete progress")
	}
	return nil
}

// NextRun は次回ポーリング予定時刻を返します。予約が無ければ nil です。
func (m *Manager) NextRun(ctx context.Context, collectionID string) (*time.Time, error) {
	info, err := m.inspector.GetTaskInfo(m.cfg.QueueName, taskID(collectionID))
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if info.NextProcessAt.IsZero() {
		return nil, nil
	}
	next := info.NextProcessAt.UTC()
	return &next, nil
}

// RunInfo は次回予定と進捗レコードをまとめて返します。
func (m *Manager) RunInfo(ctx context.Context, collectionID string) (*collection.RunInfo, error) {
	next, err := m.NextRun(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	record, err := m.store.Get(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	info := &collection.RunInfo{NextRun: next}
	if record != nil {
		info.Progress = record
	}
	return info, nil
}

// UpdateProgress は進捗を保存します。
func (m *Manager) UpdateProgress(ctx context.Context, collectionID string, percent int, stage string) {
	if err := m.store.UpdateProgress(ctx, collectionID, ProgressInfo{
		Percent: percent,
		Stage:   stage,
	}); err != nil {
		m.logger.WithError(err).WithField("collection_id", collectionID).Warn("failed to update progress")
	}
}

// GetRecord は進捗レコードを取得します。
func (m *Manager) GetRecord(ctx context.Context, collectionID string) (*Record, error) {
	return m.store.Get(ctx, collectionID)
}

func (m *Manager) reportError(ctx context.Context, task *asynq.Task, err error) {
	var re *retryError
	if errors.As(err, &re) {
		return
	}
	var payload TaskPayload
	_ = json.Unmarshal(task.Payload(), &payload)

	m.logger.WithError(err).WithFields(logrus.Fields{
		"collection_id": payload.CollectionID,
		"task_type":     task.Type(),
	}).Error("poll task failed")

	hub := sentry.CurrentHub().Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("task_type", task.Type())
		scope.SetTag("collection_id", payload.CollectionID)
		hub.CaptureException(err)
	})
}

func taskID(collectionID string) string {
	return taskIDPrefix + collectionID
}
