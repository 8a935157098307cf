// Package collection はジョブコレクションの永続化、状態集計、ポーリングによる結合処理を提供します。
package collection

import (
	"sort"
	"strings"
	"time"

	"github.com/yourusername/bundle-forge/internal/apperr"
)

// Status はコレクションおよびジョブの状態を表します。
type Status string

const (
	StatusUnknown            Status = "UNKNOWN"
	StatusUninitialized      Status = "UNINITIALIZED"
	StatusAwaitingProcessing Status = "AWAITING_PROCESSING"
	StatusRunning            Status = "RUNNING"
	StatusFinished           Status = "FINISHED"
	StatusFailed             Status = "FAILED"
	StatusTimeout            Status = "TIMEOUT"
	StatusDeleted            Status = "DELETED"
	StatusException          Status = "EXCEPTION"
)

var knownStatuses = map[Status]struct{}{
	StatusUnknown:            {},
	StatusUninitialized:      {},
	StatusAwaitingProcessing: {},
	StatusRunning:            {},
	StatusFinished:           {},
	StatusFailed:             {},
	StatusTimeout:            {},
	StatusDeleted:            {},
	StatusException:          {},
}

// ParseStatus は文字列を Status に変換します。未知の値は UNKNOWN になります。
func ParseStatus(raw string) Status {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := knownStatuses[s]; ok {
		return s
	}
	return StatusUnknown
}

// Terminal はコレクションとして終端状態かどうかを返します。
func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusDeleted:
		return true
	default:
		return false
	}
}

// Job はジョブ実行サービスが管理するジョブのスナップショットです。
type Job struct {
	ID          string   `json:"id"`
	ScopeID     string   `json:"scopeId"`
	Status      Status   `json:"status"`
	ArtifactKey string   `json:"artifactKey,omitempty"`
	ResourceIDs []string `json:"resourceIds,omitempty"`
	RecordIDs   []string `json:"recordIds,omitempty"`
}

// Member はコレクションのメンバーです。Job が nil の場合はジョブ行が存在しません。
type Member struct {
	JobID string `json:"jobId"`
	Job   *Job   `json:"job,omitempty"`
}

// Missing はジョブ行が見つからなかったメンバーかどうかを返します。
func (m Member) Missing() bool {
	return m.Job == nil
}

// Collection はジョブの集合と結合処理の状態を保持します。
// メンバー集合はロード時点のスナップショットで、Save で一括反映されます。
type Collection struct {
	ID           string     `json:"id"`
	Status       Status     `json:"status"`
	OwnerID      string     `json:"ownerId"`
	ScopeID      string     `json:"scopeId"`
	CreatedAt    time.Time  `json:"createdAt"`
	ModifiedAt   time.Time  `json:"modifiedAt"`
	LastPolledAt *time.Time `json:"lastPolledAt,omitempty"`

	members map[string]Member
}

// New は UNINITIALIZED のコレクションを作成します。
func New(ownerID, scopeID string) (*Collection, error) {
	ownerID = strings.TrimSpace(ownerID)
	scopeID = strings.TrimSpace(scopeID)
	if ownerID == "" {
		return nil, apperr.New(apperr.CodeMissingField, "ownerId is required", nil)
	}
	if scopeID == "" {
		return nil, apperr.New(apperr.CodeMissingField, "scopeId is required", nil)
	}
	return &Collection{
		Status:  StatusUninitialized,
		OwnerID: ownerID,
		ScopeID: scopeID,
		members: make(map[string]Member),
	}, nil
}

// AddMember はメモリ上のメンバー集合にジョブを追加します。
func (c *Collection) AddMember(jobID string) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return
	}
	if c.members == nil {
		c.members = make(map[string]Member)
	}
	if _, exists := c.members[jobID]; exists {
		return
	}
	c.members[jobID] = Member{JobID: jobID}
}

// RemoveMember はメモリ上のメンバー集合からジョブを取り除きます。
func (c *Collection) RemoveMember(jobID string) {
	delete(c.members, strings.TrimSpace(jobID))
}

// HasMember はジョブがメンバーに含まれるかを返します。
func (c *Collection) HasMember(jobID string) bool {
	_, ok := c.members[jobID]
	return ok
}

// MemberIDs はメンバーのジョブIDを昇順で返します。
func (c *Collection) MemberIDs() []string {
	ids := make([]string, 0, len(c.members))
	for id := range c.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Members はメンバーをジョブID順で返します。
func (c *Collection) Members() []Member {
	ids := c.MemberIDs()
	out := make([]Member, len(ids))
	for i, id := range ids {
		out[i] = c.members[id]
	}
	return out
}

// Len はメンバー数です。
func (c *Collection) Len() int {
	return len(c.members)
}

func (c *Collection) setMember(m Member) {
	if c.members == nil {
		c.members = make(map[string]Member)
	}
	c.members[m.JobID] = m
}

// RecordRef はメンバーとサブレコードの組です。結合処理の単位になります。
type RecordRef struct {
	JobID       string
	ScopeID     string
	ArtifactKey string
	ResourceIDs []string
	RecordID    string
}

// ArchiveKey はコレクションの成果物を保存するキーです。
func ArchiveKey(ownerID, collectionID, filename string) string {
	return ArchivePrefix(ownerID, collectionID) + filename
}

// ArchivePrefix はコレクションの成果物をまとめるキー接頭辞です。
func ArchivePrefix(ownerID, collectionID string) string {
	return "collections/" + ownerID + "/" + collectionID + "/"
}
