package collection

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/yourusername/bundle-forge/internal/apperr"
	"github.com/yourusername/bundle-forge/internal/artifact"
	"github.com/yourusername/bundle-forge/internal/pdf"
	"github.com/yourusername/bundle-forge/internal/storage"
)

// RunMeta は結合処理1回分の結果です。
type RunMeta struct {
	Records    int              `json:"records"`
	Skipped    int              `json:"skipped"`
	ArchiveKey string           `json:"archiveKey"`
	Merge      *pdf.MergeMeta   `json:"merge"`
	Package    *pdf.PackageMeta `json:"package"`
}

// run は抽出、結合、アーカイブ化、保存を順に行います。作業ディレクトリは必ず削除されます。
func (s *Service) run(ctx context.Context, c *Collection, reporter pdf.ProgressReporter) (*RunMeta, error) {
	log := s.logger.WithField("collection_id", c.ID)

	refs, err := s.store.MemberRecords(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	ws, err := pdf.CreateWorkspace(s.opts.WorkDir, c.ID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := ws.Cleanup(); err != nil {
			log.WithError(err).Warn("failed to remove workspace")
		}
	}()

	pdf.ReportProgress(reporter, pdf.StageExtract, 0)
	artifacts, err := s.fetchArtifacts(ctx, ws, refs)
	if err != nil {
		return nil, err
	}

	meta := &RunMeta{}
	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, err := s.extractor.Extract(ctx, artifact.Request{
			ArtifactPath: artifacts[ref.JobID],
			JobID:        ref.JobID,
			ScopeID:      ref.ScopeID,
			ResourceIDs:  ref.ResourceIDs,
			RecordID:     ref.RecordID,
			Destination:  ws.InDir,
		})
		switch {
		case errors.Is(err, apperr.ErrSkippedLegacyArchive):
			log.WithField("job_id", ref.JobID).WithField("record_id", ref.RecordID).Info("skipping legacy artifact")
			meta.Skipped++
		case err != nil:
			return nil, err
		default:
			meta.Records++
		}
		pdf.ReportProgress(reporter, pdf.StageExtract, 10+40*(i+1)/len(refs))
	}

	pdf.ReportProgress(reporter, pdf.StageMerge, 55)
	merged, err := s.assembler.Merge(ctx, ws.InDir, ws.MergedPath())
	if err != nil {
		return nil, err
	}
	meta.Merge = merged

	pdf.ReportProgress(reporter, pdf.StagePackage, 75)
	packaged, err := s.assembler.Package(ctx, ws.InDir, ws.ArchivePath())
	if err != nil {
		return nil, err
	}
	meta.Package = packaged

	pdf.ReportProgress(reporter, pdf.StageStore, 90)
	key := ArchiveKey(c.OwnerID, c.ID, pdf.ArchiveFilename)
	if err := storage.UploadFile(ctx, s.blobs, key, ws.ArchivePath()); err != nil {
		return nil, apperr.New(apperr.CodeStoreFailed, "アーカイブの保存に失敗しました", err)
	}
	meta.ArchiveKey = key
	return meta, nil
}

// fetchArtifacts はメンバーの成果物を作業ディレクトリに取得し、ジョブIDごとのパスを返します。
func (s *Service) fetchArtifacts(ctx context.Context, ws *pdf.Workspace, refs []RecordRef) (map[string]string, error) {
	paths := make(map[string]string)
	for _, ref := range refs {
		if _, ok := paths[ref.JobID]; ok {
			continue
		}
		if ref.ArtifactKey == "" {
			return nil, apperr.New(apperr.CodeExtractionFailed, fmt.Sprintf("job %s has no artifact", ref.JobID), nil)
		}
		dest := filepath.Join(ws.ArtifactsDir, fmt.Sprintf("artifact-%03d.tar.gz", len(paths)+1))
		if err := storage.Download(ctx, s.blobs, ref.ArtifactKey, dest); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, apperr.New(apperr.CodeExtractionFailed, fmt.Sprintf("artifact of job %s not found", ref.JobID), err)
			}
			_ = os.Remove(dest)
			return nil, apperr.New(apperr.CodeExtractionFailed, fmt.Sprintf("failed to fetch artifact of job %s", ref.JobID), err)
		}
		paths[ref.JobID] = dest
	}
	return paths, nil
}
