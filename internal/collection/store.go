package collection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/bundle-forge/internal/apperr"
)

// Store はコレクションとメンバー関係を SQL データベースに保存します。
//
// Save はメンバー行を全削除してから現在の集合を挿入します。
// 同じコレクションへの同時 Save は後勝ちになります。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore は Store を作成します。
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:  db,
		now: time.Now,
	}
}

// Save はコレクション行を作成または更新し、メンバー行を現在の集合で置き換えます。
func (s *Store) Save(ctx context.Context, c *Collection) error {
	if c == nil {
		return fmt.Errorf("collection is nil")
	}
	if c.OwnerID == "" || c.ScopeID == "" {
		return apperr.New(apperr.CodeMissingField, "ownerId and scopeId are required", nil)
	}

	now := s.now().UTC()
	id := c.ID
	createdAt := c.CreatedAt
	status := c.Status
	if status == "" {
		status = StatusUninitialized
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if id == "" {
		id = uuid.NewString()
		createdAt = now
		_, err = tx.ExecContext(ctx, `
			INSERT INTO collections (id, status, owner_id, scope_id, created_at, modified_at, last_polled_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, string(status), c.OwnerID, c.ScopeID, createdAt, now, nullTime(c.LastPolledAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert collection: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE collections
			SET status = $1, owner_id = $2, scope_id = $3, modified_at = $4, last_polled_at = $5
			WHERE id = $6`,
			string(status), c.OwnerID, c.ScopeID, now, nullTime(c.LastPolledAt), id,
		)
		if err != nil {
			return fmt.Errorf("failed to update collection: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return apperr.New(apperr.CodeNotFound, "collection not found: "+id, nil)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM collection_members WHERE collection_id = $1`, id); err != nil {
		return fmt.Errorf("failed to clear members: %w", err)
	}
	for _, jobID := range c.MemberIDs() {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO collection_members (collection_id, job_id, created_at)
			VALUES ($1, $2, $3)`,
			id, jobID, now,
		); err != nil {
			return fmt.Errorf("failed to insert member %s: %w", jobID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit collection: %w", err)
	}

	c.ID = id
	c.Status = status
	c.CreatedAt = createdAt
	c.ModifiedAt = now
	return nil
}

// Load はコレクションを読み込み、ジョブ表との外部結合でメンバーを復元します。
// ジョブ行が存在しないメンバーは Job が nil のまま残ります。
func (s *Store) Load(ctx context.Context, id string) (*Collection, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperr.New(apperr.CodeMissingField, "collection id is required", nil)
	}

	c, err := scanCollection(s.db.QueryRowContext(ctx, `
		SELECT id, status, owner_id, scope_id, created_at, modified_at, last_polled_at
		FROM collections WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.CodeNotFound, "collection not found: "+id, nil)
		}
		return nil, fmt.Errorf("failed to load collection: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.job_id, j.id, j.scope_id, j.status, j.artifact_key, j.resource_ids
		FROM collection_members m
		LEFT JOIN archive_jobs j ON j.id = m.job_id
		WHERE m.collection_id = $1
		ORDER BY m.job_id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			memberID    string
			jobID       sql.NullString
			scopeID     sql.NullString
			status      sql.NullString
			artifactKey sql.NullString
			resourceIDs sql.NullString
		)
		if err := rows.Scan(&memberID, &jobID, &scopeID, &status, &artifactKey, &resourceIDs); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		m := Member{JobID: memberID}
		if jobID.Valid {
			m.Job = &Job{
				ID:          jobID.String,
				ScopeID:     scopeID.String,
				Status:      ParseStatus(status.String),
				ArtifactKey: artifactKey.String,
				ResourceIDs: splitList(resourceIDs.String),
			}
		}
		c.setMember(m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate members: %w", err)
	}
	return c, nil
}

// List は所有者とスコープに一致するコレクションを新しい順に返します（メンバーは含みません）。
func (s *Store) List(ctx context.Context, ownerID, scopeID string) ([]*Collection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, owner_id, scope_id, created_at, modified_at, last_polled_at
		FROM collections
		WHERE owner_id = $1 AND scope_id = $2
		ORDER BY created_at DESC, id`, ownerID, scopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var out []*Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateStatus はコレクションの状態だけを更新します。
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE collections SET status = $1, modified_at = $2 WHERE id = $3`,
		string(status), s.now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return requireRow(res, id)
}

// MarkPolled は最終ポーリング時刻を記録します。
func (s *Store) MarkPolled(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE collections SET last_polled_at = $1 WHERE id = $2`,
		at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update last_polled_at: %w", err)
	}
	return requireRow(res, id)
}

// Delete はメンバー行とコレクション行を削除します。存在しない場合も成功します。
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM collection_members WHERE collection_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete members: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return tx.Commit()
}

// MemberRecords は現在のメンバーについて、ジョブとサブレコードの組を返します。
func (s *Store) MemberRecords(ctx context.Context, collectionID string) ([]RecordRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT j.id, j.scope_id, j.artifact_key, j.resource_ids, r.record_id
		FROM collection_members m
		JOIN archive_jobs j ON j.id = m.job_id
		JOIN archive_job_records r ON r.job_id = j.id
		WHERE m.collection_id = $1
		ORDER BY j.id, r.record_id`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query member records: %w", err)
	}
	defer rows.Close()

	var refs []RecordRef
	for rows.Next() {
		var (
			ref         RecordRef
			resourceIDs string
		)
		if err := rows.Scan(&ref.JobID, &ref.ScopeID, &ref.ArtifactKey, &resourceIDs, &ref.RecordID); err != nil {
			return nil, fmt.Errorf("failed to scan member record: %w", err)
		}
		ref.ResourceIDs = splitList(resourceIDs)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// PutJob はジョブのスナップショットを登録し、サブレコードを置き換えます。
func (s *Store) PutJob(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if strings.TrimSpace(job.ID) == "" || strings.TrimSpace(job.ScopeID) == "" {
		return apperr.New(apperr.CodeMissingField, "job id and scopeId are required", nil)
	}
	status := job.Status
	if status == "" {
		status = StatusUnknown
	}
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO archive_jobs (id, scope_id, status, artifact_key, resource_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			scope_id = excluded.scope_id,
			status = excluded.status,
			artifact_key = excluded.artifact_key,
			resource_ids = excluded.resource_ids,
			updated_at = excluded.updated_at`,
		job.ID, job.ScopeID, string(status), job.ArtifactKey, strings.Join(job.ResourceIDs, ","), now, now,
	); err != nil {
		return fmt.Errorf("failed to upsert job: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM archive_job_records WHERE job_id = $1`, job.ID); err != nil {
		return fmt.Errorf("failed to clear job records: %w", err)
	}
	seen := make(map[string]struct{}, len(job.RecordIDs))
	for _, recordID := range job.RecordIDs {
		recordID = strings.TrimSpace(recordID)
		if recordID == "" {
			continue
		}
		if _, dup := seen[recordID]; dup {
			continue
		}
		seen[recordID] = struct{}{}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO archive_job_records (job_id, record_id) VALUES ($1, $2)`,
			job.ID, recordID,
		); err != nil {
			return fmt.Errorf("failed to insert job record %s: %w", recordID, err)
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCollection(row rowScanner) (*Collection, error) {
	var (
		c          Collection
		status     string
		lastPolled sql.NullTime
	)
	if err := row.Scan(&c.ID, &status, &c.OwnerID, &c.ScopeID, &c.CreatedAt, &c.ModifiedAt, &lastPolled); err != nil {
		return nil, err
	}
	c.Status = ParseStatus(status)
	if lastPolled.Valid {
		t := lastPolled.Time
		c.LastPolledAt = &t
	}
	c.members = make(map[string]Member)
	return &c, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.New(apperr.CodeNotFound, "collection not found: "+id, nil)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
