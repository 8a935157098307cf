package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/bundle-forge/internal/apperr"
	"github.com/yourusername/bundle-forge/internal/auth"
	"github.com/yourusername/bundle-forge/internal/collection"
	"github.com/yourusername/bundle-forge/internal/jobs"
)

// collectionProgressHandler は GET /api/collections/:id/progress のハンドラーです。
func collectionProgressHandler(svc *collection.Service, manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if _, err := svc.Get(c.Request.Context(), auth.CurrentUser(c), id); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "COLLECTION_NOT_FOUND",
					"message": "指定されたコレクションは存在しません。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "コレクション情報の取得に失敗しました。",
			})
			return
		}

		record, err := manager.GetRecord(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "進捗情報の取得に失敗しました。",
			})
			return
		}
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "PROGRESS_NOT_FOUND",
				"message": "進捗情報はまだありません。",
			})
			return
		}

		payload := gin.H{
			"collectionId": record.CollectionID,
			"status":       record.Status,
			"attempts":     record.Attempts,
			"progress": gin.H{
				"percent": record.Progress.Percent,
				"stage":   record.Progress.Stage,
				"message": record.Progress.Message,
			},
			"updatedAt": record.UpdatedAt,
		}
		if record.Meta != nil {
			payload["meta"] = record.Meta
		}
		if record.Error != nil {
			payload["error"] = record.Error
		}
		c.JSON(http.StatusOK, payload)
	}
}

// requestLogger はリクエストごとに1行のアクセスログを出力します。
func requestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"latency":  time.Since(start).String(),
			"clientIP": c.ClientIP(),
		})
		if user := auth.CurrentUser(c); user != "" {
			entry = entry.WithField("user", user)
		}
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			entry.Error("request failed")
		case status >= http.StatusBadRequest:
			entry.Warn("request rejected")
		default:
			entry.Info("request handled")
		}
	}
}
