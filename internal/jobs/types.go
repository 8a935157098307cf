package jobs

import "time"

// Status は進捗レコード上の実行状態を表します。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusWaiting   Status = "waiting"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "done"
	StatusFailed    Status = "error"
)

// ProgressInfo は進捗の補足情報を表します。
type ProgressInfo struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorInfo は失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record はコレクション処理の現在状態を表します。
type Record struct {
	CollectionID string       `json:"collectionId"`
	Status       Status       `json:"status"`
	Attempts     int          `json:"attempts"`
	Progress     ProgressInfo `json:"progress"`
	Meta         any          `json:"meta,omitempty"`
	Error        *ErrorInfo   `json:"error,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	ExpiresAt    time.Time    `json:"expiresAt"`
}
