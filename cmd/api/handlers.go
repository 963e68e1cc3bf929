package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/epub-forge/internal/conversion"
	"github.com/yourusername/epub-forge/internal/jobs"
	"github.com/yourusername/epub-forge/internal/reconcile"
	"github.com/yourusername/epub-forge/internal/status"
)

const maxPageLimit = 100

type jobSubmitter interface {
	Submit(ctx context.Context, subjectID, ownerID string) (string, error)
}

type jobResolver interface {
	Resolve(ctx context.Context, jobID string) (*status.Resolution, error)
}

type ownerJobLister interface {
	FindByOwnerPaginated(ctx context.Context, ownerID string, page, limit int) ([]*jobs.Record, int, error)
}

type sweepRunner interface {
	RunSweepOnce(ctx context.Context) (*reconcile.Report, error)
}

type healthReporter interface {
	Health(ctx context.Context) *conversion.Health
}

type submitRequest struct {
	SubjectID string `json:"subjectId" binding:"required"`
	OwnerID   string `json:"ownerId"`
}

func submitJobHandler(submitter jobSubmitter, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req submitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "subjectId を JSON で送ってください。",
			})
			return
		}

		jobID, err := submitter.Submit(c.Request.Context(), req.SubjectID, req.OwnerID)
		if err != nil {
			respondWithError(c, logger, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"jobId":  jobID,
			"status": jobs.StatusQueued,
		})
	}
}

func jobStatusHandler(resolver jobResolver, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		res, err := resolver.Resolve(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func listJobsHandler(lister ownerJobLister, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := strings.TrimSpace(c.Query("ownerId"))
		if ownerID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "ownerId を指定してください。",
			})
			return
		}
		page, err := queryInt(c, "page", 1)
		if err != nil || page < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_INPUT", "message": "page は 1 以上の整数です。"})
			return
		}
		limit, err := queryInt(c, "limit", 20)
		if err != nil || limit < 1 || limit > maxPageLimit {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_INPUT", "message": "limit は 1〜100 の整数です。"})
			return
		}

		records, total, err := lister.FindByOwnerPaginated(c.Request.Context(), ownerID, page, limit)
		if err != nil {
			respondWithError(c, logger, err)
			return
		}
		if records == nil {
			records = []*jobs.Record{}
		}
		c.JSON(http.StatusOK, gin.H{
			"jobs":  records,
			"total": total,
			"page":  page,
			"limit": limit,
		})
	}
}

func sweepHandler(runner sweepRunner, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := runner.RunSweepOnce(c.Request.Context())
		if err != nil {
			respondWithError(c, logger, err)
			return
		}
		code := http.StatusOK
		if report.Skipped {
			code = http.StatusConflict
		}
		c.JSON(code, report)
	}
}

func healthHandler(reporter healthReporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := reporter.Health(c.Request.Context())
		code := http.StatusOK
		if h.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":  h.Status,
			"service": "epub-forge-api",
			"checks":  h.Checks,
			"metrics": h.Metrics,
		})
	}
}

// respondWithError はドメインエラーを HTTP ステータスへ変換します。
func respondWithError(c *gin.Context, logger *slog.Logger, err error) {
	var jobErr *jobs.Error
	switch {
	case errors.Is(err, jobs.ErrValidation):
		message := err.Error()
		if errors.As(err, &jobErr) {
			message = jobErr.Message
		}
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_INPUT", "message": message})
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "JOB_NOT_FOUND", "message": "指定されたジョブは存在しません。"})
	default:
		logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "message": "処理に失敗しました。"})
	}
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
