package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/bundle-forge/internal/apperr"
)

const (
	DefaultMetadataFilename = "attempts_metadata.csv"
	DefaultIDColumn         = "attemptid"

	pathColumn       = "path"
	legacyPathColumn = "report_filename"
	pathColumnIndex  = 9

	indexDirName   = ".index"
	scratchHashLen = 12
	dataDirName    = "data"
)

// Options は Extractor の設定です。
type Options struct {
	MetadataFilename string
	IDColumn         string
}

// Request は1レコード分の抽出要求です。
type Request struct {
	ArtifactPath string
	JobID        string
	ScopeID      string
	ResourceIDs  []string
	RecordID     string
	Destination  string
}

// Extraction は抽出結果です。
type Extraction struct {
	Dir     string `json:"dir"`
	DataDir string `json:"dataDir"`
	Files   int    `json:"files"`
}

// Extractor はメタデータCSVを手がかりに、成果物から1レコード分のファイルを取り出します。
type Extractor struct {
	repo             Repository
	metadataFilename string
	idColumn         string
	logger           logrus.FieldLogger
}

// NewExtractor は Extractor を作成します。
func NewExtractor(repo Repository, opts Options, logger logrus.FieldLogger) *Extractor {
	if opts.MetadataFilename == "" {
		opts.MetadataFilename = DefaultMetadataFilename
	}
	if opts.IDColumn == "" {
		opts.IDColumn = DefaultIDColumn
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Extractor{
		repo:             repo,
		metadataFilename: opts.MetadataFilename,
		idColumn:         opts.IDColumn,
		logger:           logger,
	}
}

// Extract はレコードのファイルを <Destination>/<scratch>/data に展開します。
//
// メタデータ用の一時ディレクトリはどの経路でも削除されます。エラー時（旧形式スキップを含む）は
// レコード用ディレクトリ全体も削除され、成功時は data 配下だけが残ります。
func (e *Extractor) Extract(ctx context.Context, req Request) (_ *Extraction, err error) {
	if req.ArtifactPath == "" || req.Destination == "" || req.JobID == "" || req.RecordID == "" {
		return nil, apperr.New(apperr.CodeMissingField, "artifactPath, destination, jobId and recordId are required", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	recordDir := filepath.Join(req.Destination, ScratchKey(req))
	indexDir := filepath.Join(recordDir, indexDirName)
	if err := os.MkdirAll(indexDir, 0o750); err != nil {
		return nil, apperr.New(apperr.CodeExtractionFailed, "作業ディレクトリの作成に失敗しました", err)
	}
	defer func() {
		_ = os.RemoveAll(indexDir)
		if err != nil {
			_ = os.RemoveAll(recordDir)
		}
	}()

	log := e.logger.WithFields(logrus.Fields{
		"job_id":    req.JobID,
		"record_id": req.RecordID,
	})

	if err := e.repo.ExtractEntry(ctx, req.ArtifactPath, e.metadataFilename, indexDir); err != nil {
		return nil, apperr.New(apperr.CodeExtractionFailed, "メタデータファイルの展開に失敗しました", err)
	}

	prefix, err := e.lookupPath(filepath.Join(indexDir, path.Base(e.metadataFilename)), req.RecordID)
	if err != nil {
		return nil, err
	}

	entries, err := e.repo.ListEntries(ctx, req.ArtifactPath)
	if err != nil {
		return nil, apperr.New(apperr.CodeExtractionFailed, "アーカイブの一覧取得に失敗しました", err)
	}
	names := filterByPrefix(entries, prefix)
	if len(names) == 0 {
		return nil, apperr.New(apperr.CodeExtractionFailed, fmt.Sprintf("record %s has no files under %s", req.RecordID, prefix), nil)
	}

	dataDir := filepath.Join(recordDir, dataDirName)
	if err := e.repo.ExtractEntries(ctx, req.ArtifactPath, names, dataDir); err != nil {
		// archiver は walk 中のエラーを %v で包むため ctx を直接確認する
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperr.New(apperr.CodeExtractionFailed, "レコードファイルの展開に失敗しました", err)
	}

	log.WithField("files", len(names)).Debug("record extracted")
	return &Extraction{Dir: recordDir, DataDir: dataDir, Files: len(names)}, nil
}

// lookupPath はメタデータCSVのヘッダーを検証し、レコードのパス接頭辞を返します。
func (e *Extractor) lookupPath(metadataPath, recordID string) (string, error) {
	f, err := os.Open(metadataPath)
	if err != nil {
		return "", apperr.New(apperr.CodeExtractionFailed, "メタデータファイルを開けませんでした", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return "", apperr.New(apperr.CodeInvalidMetadataFormat, "メタデータのヘッダーを読み取れませんでした", err)
	}
	if len(header) > pathColumnIndex && strings.TrimSpace(header[pathColumnIndex]) == legacyPathColumn {
		return "", apperr.New(apperr.CodeSkippedLegacyArchive, "旧形式のアーカイブはスキップします", nil)
	}
	if len(header) <= pathColumnIndex ||
		strings.TrimSpace(strings.TrimPrefix(header[0], "\ufeff")) != e.idColumn ||
		strings.TrimSpace(header[pathColumnIndex]) != pathColumn {
		return "", apperr.New(apperr.CodeInvalidMetadataFormat, "メタデータのヘッダー形式が不正です", nil)
	}

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", apperr.New(apperr.CodeInvalidMetadataFormat, "メタデータの読み取りに失敗しました", err)
		}
		if len(row) <= pathColumnIndex || strings.TrimSpace(row[0]) != recordID {
			continue
		}
		// "/" だけのパスはアーカイブ全体を指すため無効
		prefix := strings.TrimSpace(row[pathColumnIndex])
		if strings.Trim(prefix, "/") == "" {
			break
		}
		return prefix, nil
	}
	return "", apperr.New(apperr.CodeRecordNotFound, fmt.Sprintf("record %s not found in metadata", recordID), nil)
}

// filterByPrefix は接頭辞（先頭の "/" は無視）配下の通常ファイル名を返します。
// 接頭辞はパス区切り単位で比較するため "a/1" は "a/10" に一致しません。
func filterByPrefix(entries []Entry, prefix string) []string {
	prefix = strings.TrimSuffix(strings.TrimLeft(prefix, "/"), "/")
	var names []string
	for _, entry := range entries {
		if entry.IsDir {
			continue
		}
		name := normalizeEntryName(entry.Path)
		if prefix == "" || name == prefix || strings.HasPrefix(name, prefix+"/") {
			names = append(names, entry.Path)
		}
	}
	return names
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ScratchKey はレコード単位の作業ディレクトリ名です。同じ展開先で並行に抽出しても衝突しません。
// 読みやすい接頭辞は sanitize で潰れることがあるため、元の値のハッシュを末尾に付けます。
func ScratchKey(req Request) string {
	parts := []string{"jid" + sanitize(req.JobID), "sid" + sanitize(req.ScopeID)}
	raw := []string{req.JobID, req.ScopeID}
	for _, id := range req.ResourceIDs {
		parts = append(parts, "r"+sanitize(id))
		raw = append(raw, id)
	}
	parts = append(parts, "rid"+sanitize(req.RecordID))
	raw = append(raw, req.RecordID)

	// 長さを前置して区切りの曖昧さをなくす
	h := sha256.New()
	for _, v := range raw {
		fmt.Fprintf(h, "%d:%s", len(v), v)
	}
	parts = append(parts, hex.EncodeToString(h.Sum(nil))[:scratchHashLen])
	return strings.Join(parts, "_")
}

func sanitize(s string) string {
	return unsafeKeyChars.ReplaceAllString(strings.TrimSpace(s), "-")
}
