package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/z-wentao/courseflow/pkg/apperrors"
	"github.com/z-wentao/courseflow/pkg/models"
	"github.com/z-wentao/courseflow/pkg/transcriber"
	"github.com/z-wentao/courseflow/pkg/vocabulary"
)

// Handler 执行一个阶段任务，返回待上报的结果
//
// 返回 error 时由 Runner 分类：暂时性错误留给可见性超时重新投递，
// 其余错误作为 failure 上报。
type Handler interface {
	Handle(ctx context.Context, task *models.StageTask) (*models.StageCallback, error)
}

// pipelineDir 每条流水线的本地工作目录
func pipelineDir(workDir string, task *models.StageTask) string {
	return filepath.Join(workDir, task.CourseID, task.SegmentID, task.PipelineID)
}

func permanent(op, message string) error {
	return apperrors.E(op, apperrors.ErrPermanentSegmentFailure, message, nil)
}

// ExtractionHandler 从签名源视频中抽取音轨
type ExtractionHandler struct {
	splitter *transcriber.AudioSplitter
	workDir  string
}

func NewExtractionHandler(splitter *transcriber.AudioSplitter, workDir string) *ExtractionHandler {
	return &ExtractionHandler{splitter: splitter, workDir: workDir}
}

func (h *ExtractionHandler) Handle(ctx context.Context, task *models.StageTask) (*models.StageCallback, error) {
	const op = "stages.Extraction"
	if task.SourceURL == "" {
		return nil, permanent(op, "任务缺少源视频地址")
	}

	out := filepath.Join(pipelineDir(h.workDir, task), "audio.mp3")
	if err := h.splitter.ExtractAudio(ctx, task.SourceURL, out); err != nil {
		return nil, apperrors.E(op, apperrors.ErrTransientWorkerFailure, "ffmpeg 失败", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		return nil, fmt.Errorf("读取音频文件失败: %w", err)
	}
	duration, err := h.splitter.Probe(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("获取音频时长失败: %w", err)
	}

	return &models.StageCallback{
		AudioPath:     out,
		AudioSize:     info.Size(),
		AudioDuration: duration,
	}, nil
}

// TranscriptionHandler Whisper 转录并生成 WebVTT 字幕
type TranscriptionHandler struct {
	engine   *transcriber.Engine
	language string
}

func NewTranscriptionHandler(engine *transcriber.Engine, language string) *TranscriptionHandler {
	return &TranscriptionHandler{engine: engine, language: language}
}

func (h *TranscriptionHandler) Handle(ctx context.Context, task *models.StageTask) (*models.StageCallback, error) {
	const op = "stages.Transcription"
	if task.AudioPath == "" {
		return nil, permanent(op, "任务缺少音频路径")
	}
	if _, err := os.Stat(task.AudioPath); err != nil {
		return nil, permanent(op, "音频文件不存在: "+task.AudioPath)
	}

	tr, err := h.engine.Transcribe(ctx, task.AudioPath, h.language)
	if err != nil {
		return nil, err
	}

	vttPath := strings.TrimSuffix(task.AudioPath, filepath.Ext(task.AudioPath)) + ".vtt"
	if err := transcriber.WriteSubtitle(vttPath, transcriber.RenderVTT(tr.Cues)); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(tr)
	if err != nil {
		return nil, fmt.Errorf("序列化转录结果失败: %w", err)
	}

	return &models.StageCallback{
		TranscriptPath: vttPath,
		TranscriptText: tr.Text,
		TranscriptJSON: raw,
	}, nil
}

// TerminologyHandler 从转录文本中提取术语
type TerminologyHandler struct {
	extractor *vocabulary.Extractor
	workDir   string
}

func NewTerminologyHandler(extractor *vocabulary.Extractor, workDir string) *TerminologyHandler {
	return &TerminologyHandler{extractor: extractor, workDir: workDir}
}

func (h *TerminologyHandler) Handle(ctx context.Context, task *models.StageTask) (*models.StageCallback, error) {
	res, err := h.extractor.Extract(ctx, task.TranscriptText)
	if err != nil {
		return nil, err
	}

	raw, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("序列化术语失败: %w", err)
	}
	out := filepath.Join(pipelineDir(h.workDir, task), "terminology.json")
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}
	if err := os.WriteFile(out, raw, 0o644); err != nil {
		return nil, fmt.Errorf("写入术语文件失败: %w", err)
	}

	return &models.StageCallback{
		TerminologyPath: out,
		TerminologyJSON: raw,
		TermCount:       len(res.Terms),
		TerminologyMetadata: map[string]any{
			"model": h.extractor.Model(),
		},
	}, nil
}

// DownloadHandler 通过签名地址把媒体拉到本地
type DownloadHandler struct {
	api        *APIClient
	httpClient *http.Client
	keyFormat  string // fmt 格式，参数为 media id
	workDir    string
}

// NewDownloadHandler keyFormat 为空时使用 media/%s/source.mp4
func NewDownloadHandler(api *APIClient, httpClient *http.Client, keyFormat, workDir string) *DownloadHandler {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if keyFormat == "" {
		keyFormat = "media/%s/source.mp4"
	}
	return &DownloadHandler{api: api, httpClient: httpClient, keyFormat: keyFormat, workDir: workDir}
}

func (h *DownloadHandler) Handle(ctx context.Context, task *models.StageTask) (*models.StageCallback, error) {
	const op = "stages.Download"
	if task.MediaID == "" {
		return nil, permanent(op, "任务缺少 media_id")
	}

	signed, err := h.api.SignURL(ctx, fmt.Sprintf(h.keyFormat, task.MediaID), "video")
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signed.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("创建下载请求失败: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.E(op, apperrors.ErrTransientWorkerFailure, "下载失败", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, apperrors.E(op, apperrors.ErrTransientWorkerFailure, fmt.Sprintf("源站返回 %d", resp.StatusCode), nil)
	default:
		return nil, permanent(op, fmt.Sprintf("源站返回 %d", resp.StatusCode))
	}

	out := filepath.Join(h.workDir, "media", task.MediaID+filepath.Ext(h.keyFormat))
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}
	f, err := os.Create(out)
	if err != nil {
		return nil, fmt.Errorf("创建文件失败: %w", err)
	}
	size, copyErr := io.Copy(f, resp.Body)
	if err := f.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return nil, apperrors.E(op, apperrors.ErrTransientWorkerFailure, "写入媒体失败", copyErr)
	}

	return &models.StageCallback{AudioPath: out, AudioSize: size}, nil
}
