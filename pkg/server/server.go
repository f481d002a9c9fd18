package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/z-wentao/courseflow/pkg/apperrors"
	"github.com/z-wentao/courseflow/pkg/batch"
	"github.com/z-wentao/courseflow/pkg/download"
	"github.com/z-wentao/courseflow/pkg/pipeline"
	"github.com/z-wentao/courseflow/pkg/queue"
	"github.com/z-wentao/courseflow/pkg/signer"
	"github.com/z-wentao/courseflow/pkg/worker"
)

// Version 服务版本
const Version = "0.3.0"

// Deps HTTP 层依赖的组件
type Deps struct {
	Scheduler   *queue.Scheduler
	Machine     *pipeline.Machine
	Batches     *batch.Orchestrator
	Downloads   *download.Controller
	Coordinator *worker.Coordinator
	Issuer      *signer.Issuer // 可为空，此时签名接口返回 502
}

// Server HTTP 服务
type Server struct {
	deps Deps
	log  logrus.FieldLogger
}

// New 创建 HTTP 服务
func New(deps Deps, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{deps: deps, log: log.WithField("component", "http")}
}

// Router 设置路由
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	api := r.Group("/api")
	{
		api.GET("/ping", s.handlePing)

		api.POST("/batches", s.handleCreateBatch)                      // 批量处理课程片段
		api.GET("/batches/:batch_id", s.handleGetBatch)                // 批次进度
		api.POST("/batches/:batch_id/recompute", s.handleRecompute)    // 重新计数
		api.POST("/batches/:batch_id/cancel", s.handleCancelBatch)     // 取消批次
		api.GET("/pipelines/:pipeline_id", s.handleGetPipeline)        // 流水线状态
		api.POST("/pipelines/:pipeline_id/retry", s.handleRetry)       // 运维重试
		api.POST("/pipelines/:pipeline_id/callback", s.handleCallback) // Worker 上报阶段结果

		api.POST("/queues/:queue/claim", s.handleClaim) // Worker 领取任务
		api.GET("/queues/:queue/stats", s.handleQueueStats)
		api.POST("/work-items/:item_id/ack", s.handleAck)
		api.POST("/work-items/:item_id/release", s.handleRelease)

		api.POST("/downloads", s.handleRequestDownload) // 同一媒体同时只允许一个下载
		api.GET("/downloads/:media_id", s.handleGetDownload)
		api.POST("/downloads/:media_id/start", s.handleStartDownload)
		api.POST("/downloads/:media_id/complete", s.handleCompleteDownload)
		api.POST("/downloads/:media_id/fail", s.handleFailDownload)

		api.POST("/signed-urls", s.handleSignURL)
	}

	return r
}

// handlePing 健康检查
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"version": Version,
	})
}

// respondError 按错误分类返回状态码，5xx 记录日志
func (s *Server) respondError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		}).Error("请求处理失败")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// badRequest 请求体解析失败
func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误: " + err.Error()})
}

// requestLogger 用 logrus 记录访问日志
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := s.log.WithFields(logrus.Fields{
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
			"client_ip": c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request")
			return
		}
		entry.Debug("request")
	}
}
