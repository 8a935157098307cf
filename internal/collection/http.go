package collection

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/bundle-forge/internal/apperr"
	"github.com/yourusername/bundle-forge/internal/pdf"
)

// JobReportHeader はジョブ状態報告の認証ヘッダーです。
const JobReportHeader = "X-Job-Report-Token"

// RunInfo はスケジューラ側から見た実行状況です。
type RunInfo struct {
	NextRun  *time.Time `json:"nextRun,omitempty"`
	Progress any        `json:"progress,omitempty"`
}

// RunInspector は予約済みポーリングと進捗を参照します。
type RunInspector interface {
	RunInfo(ctx context.Context, collectionID string) (*RunInfo, error)
}

// HandlerOptions はハンドラー共通の設定です。
type HandlerOptions struct {
	// Owner はリクエストからログインユーザーを取り出します。
	Owner     func(c *gin.Context) string
	Inspector RunInspector
	Logger    logrus.FieldLogger
}

type createRequest struct {
	ScopeID string   `json:"scopeId"`
	JobIDs  []string `json:"jobIds"`
}

type jobReportRequest struct {
	ScopeID     string   `json:"scopeId"`
	Status      string   `json:"status"`
	ArtifactKey string   `json:"artifactKey"`
	ResourceIDs []string `json:"resourceIds"`
	RecordIDs   []string `json:"recordIds"`
}

type collectionView struct {
	ID           string              `json:"id"`
	Status       Status              `json:"status"`
	OwnerID      string              `json:"ownerId"`
	ScopeID      string              `json:"scopeId"`
	CreatedAt    time.Time           `json:"createdAt"`
	ModifiedAt   time.Time           `json:"modifiedAt"`
	LastPolledAt *time.Time          `json:"lastPolledAt,omitempty"`
	Members      []string            `json:"members"`
	Missing      []string            `json:"missing"`
	ByStatus     map[Status][]string `json:"byStatus"`
	NextRun      *time.Time          `json:"nextRun,omitempty"`
	Progress     any                 `json:"progress,omitempty"`
}

func newView(c *Collection) collectionView {
	states := c.States()
	missing := states.Missing
	if missing == nil {
		missing = []string{}
	}
	return collectionView{
		ID:           c.ID,
		Status:       c.Status,
		OwnerID:      c.OwnerID,
		ScopeID:      c.ScopeID,
		CreatedAt:    c.CreatedAt,
		ModifiedAt:   c.ModifiedAt,
		LastPolledAt: c.LastPolledAt,
		Members:      c.MemberIDs(),
		Missing:      missing,
		ByStatus:     states.ByStatus,
	}
}

// RegisterRoutes は /collections 配下のルートを登録します。
func RegisterRoutes(rg *gin.RouterGroup, svc *Service, opts HandlerOptions) {
	rg.POST("/collections", CreateHandler(svc, opts))
	rg.GET("/collections", ListHandler(svc, opts))
	rg.GET("/collections/:id", StatusHandler(svc, opts))
	rg.GET("/collections/:id/download", DownloadHandler(svc, opts))
	rg.DELETE("/collections/:id", DeleteHandler(svc, opts))
}

// CreateHandler は POST /api/collections のハンドラーを返します。
func CreateHandler(svc *Service, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requireOwner(c, opts)
		if !ok {
			return
		}

		var req createRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "scopeId と jobIds を JSON で送ってください。",
			})
			return
		}

		col, err := svc.Submit(c.Request.Context(), owner, req.ScopeID, req.JobIDs)
		if err != nil {
			respondWithError(c, err, "COLLECTION_NOT_FOUND")
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"collectionId": col.ID,
			"status":       col.Status,
		})
	}
}

// ListHandler は GET /api/collections のハンドラーを返します。
func ListHandler(svc *Service, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requireOwner(c, opts)
		if !ok {
			return
		}
		scopeID := strings.TrimSpace(c.Query("scopeId"))
		if scopeID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "scopeId を指定してください。",
			})
			return
		}

		list, err := svc.List(c.Request.Context(), owner, scopeID)
		if err != nil {
			respondWithError(c, err, "COLLECTION_NOT_FOUND")
			return
		}
		views := make([]collectionView, len(list))
		for i, col := range list {
			views[i] = newView(col)
		}
		c.JSON(http.StatusOK, gin.H{"collections": views})
	}
}

// StatusHandler は GET /api/collections/:id のハンドラーを返します。
func StatusHandler(svc *Service, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requireOwner(c, opts)
		if !ok {
			return
		}

		col, err := svc.Get(c.Request.Context(), owner, c.Param("id"))
		if err != nil {
			respondWithError(c, err, "COLLECTION_NOT_FOUND")
			return
		}

		view := newView(col)
		if opts.Inspector != nil {
			info, err := opts.Inspector.RunInfo(c.Request.Context(), col.ID)
			if err != nil {
				if opts.Logger != nil {
					opts.Logger.WithError(err).WithField("collection_id", col.ID).Warn("failed to read run info")
				}
			} else if info != nil {
				view.NextRun = info.NextRun
				view.Progress = info.Progress
			}
		}
		c.JSON(http.StatusOK, view)
	}
}

// DownloadHandler は GET /api/collections/:id/download のハンドラーを返します。
func DownloadHandler(svc *Service, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requireOwner(c, opts)
		if !ok {
			return
		}

		id := c.Param("id")
		rc, size, err := svc.OpenArchive(c.Request.Context(), owner, id)
		if err != nil {
			respondWithError(c, err, "ARCHIVE_NOT_FOUND")
			return
		}
		defer rc.Close()

		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", pdf.ArchiveFilename))
		c.Header("Cache-Control", "no-store")
		c.Header("X-Collection-Id", id)
		c.DataFromReader(http.StatusOK, size, "application/zip", rc, nil)
	}
}

// DeleteHandler は DELETE /api/collections/:id のハンドラーを返します。
func DeleteHandler(svc *Service, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requireOwner(c, opts)
		if !ok {
			return
		}
		if err := svc.Delete(c.Request.Context(), owner, c.Param("id")); err != nil {
			respondWithError(c, err, "COLLECTION_NOT_FOUND")
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// JobReportHandler は PUT /api/internal/jobs/:id のハンドラーを返します。
// token が空の場合は常に拒否します。
func JobReportHandler(svc *Service, token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		received := c.GetHeader(JobReportHeader)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(received)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "ジョブ報告トークンが一致しません",
			})
			return
		}

		var req jobReportRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "ジョブ情報を JSON で送ってください。",
			})
			return
		}

		job := &Job{
			ID:          c.Param("id"),
			ScopeID:     req.ScopeID,
			Status:      ParseStatus(req.Status),
			ArtifactKey: req.ArtifactKey,
			ResourceIDs: req.ResourceIDs,
			RecordIDs:   req.RecordIDs,
		}
		if err := svc.ReportJob(c.Request.Context(), job); err != nil {
			respondWithError(c, err, "JOB_NOT_FOUND")
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func requireOwner(c *gin.Context, opts HandlerOptions) (string, bool) {
	var owner string
	if opts.Owner != nil {
		owner = opts.Owner(c)
	}
	if owner == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":    "UNAUTHORIZED",
			"message": "ログインが必要です",
		})
		return "", false
	}
	return owner, true
}

func respondWithError(c *gin.Context, err error, notFoundCode string) {
	var appErr *apperr.Error
	switch {
	case errors.As(err, &appErr) && appErr.Code == apperr.CodeMissingField:
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
		})
	case errors.As(err, &appErr) && appErr.Code == apperr.CodeNotFound:
		c.JSON(http.StatusNotFound, gin.H{
			"code":    notFoundCode,
			"message": appErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		code := apperr.CodeOf(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    code,
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
