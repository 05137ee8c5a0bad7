package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/e2b-dev/collab-core/internal/apperr"
	"github.com/e2b-dev/collab-core/internal/domain"
)

type submitCompileRequest struct {
	RoomID  string                `json:"roomId"`
	UserID  string                `json:"userId"`
	Code    string                `json:"code"`
	Options *domain.PartialOptions `json:"options"`
}

// submitCompile handles POST /compile.
func (a *api) submitCompile(c *gin.Context) {
	var req submitCompileRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RoomID == "" || req.UserID == "" {
		badRequest(c, "roomId, userId and code are required")
		return
	}

	opts := domain.PartialOptions{}
	if req.Options != nil {
		opts = *req.Options
	}

	jobID, rl, err := a.Queue.QueueJob(c.Request.Context(), req.RoomID, req.UserID, req.Code, opts)
	setRateLimitHeaders(c, rl)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"jobId": jobID, "state": domain.JobQueued})
}

type resultDTO struct {
	Success         bool    `json:"success"`
	Stdout          string  `json:"stdout"`
	Stderr          string  `json:"stderr"`
	ExitCode        int     `json:"exitCode"`
	ExecutionTimeMs int64   `json:"executionTimeMs"`
	MemoryBytes     *int64  `json:"memoryBytes,omitempty"`
	TimedOut        bool    `json:"timedOut"`
	ErrorKind       string  `json:"errorKind,omitempty"`
}

// getCompile handles GET /compile/{jobId}.
func (a *api) getCompile(c *gin.Context) {
	status, err := a.Queue.JobStatus(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{
		"jobId":     status.JobID,
		"state":     status.State,
		"timestamp": time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if status.QueuePosition != nil {
		resp["queuePosition"] = *status.QueuePosition
	}
	if status.Result != nil {
		resp["result"] = resultDTO{
			Success:         status.Result.Success,
			Stdout:          status.Result.Stdout,
			Stderr:          status.Result.Stderr,
			ExitCode:        status.Result.ExitCode,
			ExecutionTimeMs: status.Result.ExecutionTimeMs,
			MemoryBytes:     status.Result.MemoryBytes,
			TimedOut:        status.Result.TimedOut,
			ErrorKind:       status.Result.ExecSub,
		}
	}

	c.JSON(http.StatusOK, resp)
}

// cancelCompile handles DELETE /compile/{jobId}?userId=….
func (a *api) cancelCompile(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		badRequest(c, "userId query parameter is required")
		return
	}

	ok, err := a.Queue.CancelJob(c.Request.Context(), c.Param("jobId"), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		writeError(c, apperr.New(apperr.KindValidation, "job is not owned by userId or is already terminal"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobId": c.Param("jobId"), "state": domain.JobCancelled})
}

// queueStats handles GET /internal/queue/stats, a supplemented
// operational-visibility endpoint (DESIGN.md).
func (a *api) queueStats(c *gin.Context) {
	stats, err := a.Queue.QueueStats(c.Request.Context())
	if err != nil {
		writeError(c, apperr.Wrap(apperr.KindInternal, "fetching queue stats failed", err))
		return
	}
	c.JSON(http.StatusOK, stats)
}
