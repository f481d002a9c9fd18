package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/z-wentao/courseflow/pkg/apperrors"
	"github.com/z-wentao/courseflow/pkg/batch"
	"github.com/z-wentao/courseflow/pkg/models"
	"github.com/z-wentao/courseflow/pkg/queue"
	"github.com/z-wentao/courseflow/pkg/signer"
	"github.com/z-wentao/courseflow/pkg/worker"
)

// CreateBatchRequest 批量处理请求
type CreateBatchRequest struct {
	CourseID    string   `json:"course_id" binding:"required"`
	SegmentIDs  []string `json:"segment_ids" binding:"required"`
	Priority    string   `json:"priority"`
	Concurrency int      `json:"concurrency"`
	RequestedBy string   `json:"requested_by"`
}

// handleCreateBatch 创建批次并派发全部片段
func (s *Server) handleCreateBatch(c *gin.Context) {
	var req CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		s.respondError(c, apperrors.InvalidInput("server.CreateBatch", err.Error()))
		return
	}

	b, err := s.deps.Batches.CreateBatch(c.Request.Context(), batch.CreateRequest{
		CourseID:    req.CourseID,
		SegmentIDs:  req.SegmentIDs,
		Priority:    priority,
		Concurrency: req.Concurrency,
		RequestedBy: req.RequestedBy,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"batch_id":          b.ID,
		"status":            b.Status,
		"total":             b.Total,
		"estimated_seconds": int64(b.EstimatedDuration.Seconds()),
	})
}

// handleGetBatch 批次进度；avg_seconds 给出时先按该值重新预估剩余时间
func (s *Server) handleGetBatch(c *gin.Context) {
	ctx := c.Request.Context()
	batchID := c.Param("batch_id")

	if raw := c.Query("avg_seconds"); raw != "" {
		avg, err := strconv.ParseFloat(raw, 64)
		if err != nil || avg <= 0 {
			s.respondError(c, apperrors.InvalidInput("server.GetBatch", "avg_seconds must be a positive number"))
			return
		}
		if _, err := s.deps.Batches.EstimateDuration(ctx, batchID, avg); err != nil {
			s.respondError(c, err)
			return
		}
	}

	progress, err := s.deps.Batches.Progress(ctx, batchID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if c.Query("members") != "true" {
		c.JSON(http.StatusOK, progress)
		return
	}
	members, err := s.deps.Batches.Members(ctx, batchID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"progress": progress,
		"members":  pipelineViews(members),
	})
}

// handleRecompute 重新计数批次成员
func (s *Server) handleRecompute(c *gin.Context) {
	progress, err := s.deps.Batches.RecomputeProgress(c.Request.Context(), c.Param("batch_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

// handleCancelBatch 取消批次
func (s *Server) handleCancelBatch(c *gin.Context) {
	progress, err := s.deps.Batches.Cancel(c.Request.Context(), c.Param("batch_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

// pipelineView 流水线加上推导出的进度
type pipelineView struct {
	*models.SegmentPipeline
	Progress int `json:"progress"`
}

func pipelineViews(ps []*models.SegmentPipeline) []pipelineView {
	out := make([]pipelineView, 0, len(ps))
	for _, p := range ps {
		out = append(out, pipelineView{SegmentPipeline: p, Progress: p.Progress()})
	}
	return out
}

// handleGetPipeline 流水线状态
func (s *Server) handleGetPipeline(c *gin.Context) {
	p, err := s.deps.Machine.Get(c.Request.Context(), c.Param("pipeline_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pipelineView{SegmentPipeline: p, Progress: p.Progress()})
}

// handleRetry 为失败的流水线新建一次尝试
func (s *Server) handleRetry(c *gin.Context) {
	p, err := s.deps.Coordinator.RetryPipeline(c.Request.Context(), c.Param("pipeline_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pipelineView{SegmentPipeline: p, Progress: p.Progress()})
}

// handleCallback Worker 上报阶段结果
func (s *Server) handleCallback(c *gin.Context) {
	var cb models.StageCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		s.badRequest(c, err)
		return
	}
	pipelineID := c.Param("pipeline_id")
	if cb.PipelineID != "" && cb.PipelineID != pipelineID {
		s.respondError(c, apperrors.InvalidInput("server.Callback", "pipeline_id in body does not match path"))
		return
	}
	cb.PipelineID = pipelineID

	p, err := s.deps.Coordinator.HandleCallback(c.Request.Context(), &cb)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pipelineView{SegmentPipeline: p, Progress: p.Progress()})
}

// handleClaim 领取任务，队列为空时返回 204
func (s *Server) handleClaim(c *gin.Context) {
	task, err := s.deps.Coordinator.Claim(c.Request.Context(), c.Param("queue"), c.ClientIP())
	if errors.Is(err, queue.ErrQueueEmpty) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// handleQueueStats 队列深度
func (s *Server) handleQueueStats(c *gin.Context) {
	name := c.Param("queue")
	if _, ok := models.StageForQueue(name); !ok {
		s.respondError(c, apperrors.NotFound("server.QueueStats", "unknown queue "+name))
		return
	}
	stats, err := s.deps.Scheduler.Stats(c.Request.Context(), name)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ReservationRequest 工作单元的预留令牌
type ReservationRequest struct {
	ReservationID string `json:"reservation_id" binding:"required"`
	Queue         string `json:"queue"`
	DelaySeconds  int    `json:"delay_seconds"`
}

func (s *Server) bindReservation(c *gin.Context) (*models.WorkItem, *ReservationRequest, bool) {
	var req ReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return nil, nil, false
	}
	return &models.WorkItem{ID: c.Param("item_id"), ReservationID: req.ReservationID, Queue: req.Queue}, &req, true
}

// handleAck 确认工作单元，预留失效时返回 409
func (s *Server) handleAck(c *gin.Context) {
	item, _, ok := s.bindReservation(c)
	if !ok {
		return
	}
	if err := s.deps.Scheduler.Ack(c.Request.Context(), item); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item_id": item.ID, "acked": true})
}

// handleRelease 归还工作单元，delay_seconds 之后重新可见
func (s *Server) handleRelease(c *gin.Context) {
	item, req, ok := s.bindReservation(c)
	if !ok {
		return
	}
	if req.DelaySeconds < 0 {
		s.respondError(c, apperrors.InvalidInput("server.Release", "delay_seconds must not be negative"))
		return
	}
	if err := s.deps.Scheduler.Release(c.Request.Context(), item, time.Duration(req.DelaySeconds)*time.Second); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item_id": item.ID, "released": true})
}

// DownloadRequest 下载请求
type DownloadRequest struct {
	MediaID  string `json:"media_id" binding:"required"`
	CourseID string `json:"course_id"`
	Priority string `json:"priority"`
}

// handleRequestDownload 已有进行中的下载时返回 409
func (s *Server) handleRequestDownload(c *gin.Context) {
	var req DownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		s.respondError(c, apperrors.InvalidInput("server.RequestDownload", err.Error()))
		return
	}

	rec, err := s.deps.Downloads.Request(c.Request.Context(), req.MediaID, req.CourseID, priority)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

func (s *Server) handleGetDownload(c *gin.Context) {
	rec, err := s.deps.Downloads.Get(c.Request.Context(), c.Param("media_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// handleStartDownload queued -> processing
func (s *Server) handleStartDownload(c *gin.Context) {
	rec, err := s.deps.Downloads.MarkStarted(c.Request.Context(), c.Param("media_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// DownloadResultRequest 下载结果，工作单元引用可选
type DownloadResultRequest struct {
	WorkItemID    string `json:"work_item_id"`
	ReservationID string `json:"reservation_id"`
	Error         string `json:"error"`
}

func (s *Server) finishDownload(c *gin.Context, outcome models.Outcome) {
	var req DownloadResultRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, err)
			return
		}
	}
	rec, err := s.deps.Coordinator.HandleDownloadResult(c.Request.Context(), &worker.DownloadResult{
		MediaID:       c.Param("media_id"),
		Outcome:       outcome,
		WorkItemID:    req.WorkItemID,
		ReservationID: req.ReservationID,
		Error:         req.Error,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleCompleteDownload(c *gin.Context) {
	s.finishDownload(c, models.OutcomeSuccess)
}

func (s *Server) handleFailDownload(c *gin.Context) {
	s.finishDownload(c, models.OutcomeFailure)
}

// SignURLRequest 签名请求
type SignURLRequest struct {
	ObjectKey             string `json:"object_key" binding:"required"`
	Category              string `json:"category"`
	TTLSeconds            int    `json:"ttl_seconds"`
	RestrictToRequesterIP bool   `json:"restrict_to_requester_ip"`
}

// handleSignURL 请求方 IP 取自 c.ClientIP()
func (s *Server) handleSignURL(c *gin.Context) {
	if s.deps.Issuer == nil {
		s.respondError(c, apperrors.E("server.SignURL", apperrors.ErrBackendUnavailable, "signer not configured", nil))
		return
	}
	var req SignURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	signed, err := s.deps.Issuer.IssueURL(c.Request.Context(), signer.IssueRequest{
		ObjectKey:             req.ObjectKey,
		Category:              req.Category,
		TTL:                   time.Duration(req.TTLSeconds) * time.Second,
		RestrictToRequesterIP: req.RestrictToRequesterIP,
		RequesterIP:           c.ClientIP(),
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, signed)
}
