package transcriber

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/z-wentao/courseflow/pkg/apperrors"
)

// WhisperClient OpenAI Whisper 客户端（verbose_json，带时间戳）
type WhisperClient struct {
	client     *openai.Client
	maxRetries int
	baseDelay  time.Duration
}

// NewWhisperClient 创建 Whisper 客户端
func NewWhisperClient(client *openai.Client, maxRetries int) *WhisperClient {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &WhisperClient{client: client, maxRetries: maxRetries, baseDelay: time.Second}
}

// WhisperResponse 转录结果
type WhisperResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Segments []WhisperSegment `json:"segments"`
}

// WhisperSegment Whisper 返回的时间戳片段，时间相对于所在音频分片
type WhisperSegment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcribe 转录一个音频文件，暂时性错误按指数退避重试
func (wc *WhisperClient) Transcribe(ctx context.Context, audioPath, language string) (*WhisperResponse, error) {
	const op = "transcriber.Transcribe"
	var lastErr error

	for i := 0; i < wc.maxRetries; i++ {
		resp, err := wc.transcribeOnce(ctx, audioPath, language)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, apperrors.E(op, apperrors.ErrTransientWorkerFailure, "任务被取消", ctx.Err())
		}
		if !Retryable(err) {
			return nil, apperrors.E(op, apperrors.ErrPermanentSegmentFailure, "Whisper 拒绝了请求", err)
		}

		if i < wc.maxRetries-1 {
			wait := wc.baseDelay << uint(i) // 1s, 2s, 4s...
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, apperrors.E(op, apperrors.ErrTransientWorkerFailure, "任务被取消", ctx.Err())
			}
		}
	}

	return nil, apperrors.E(op, apperrors.ErrTransientWorkerFailure,
		fmt.Sprintf("重试 %d 次后仍然失败", wc.maxRetries), lastErr)
}

func (wc *WhisperClient) transcribeOnce(ctx context.Context, audioPath, language string) (*WhisperResponse, error) {
	resp, err := wc.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: audioPath,
		Language: language,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, err
	}

	out := &WhisperResponse{
		Text:     resp.Text,
		Language: resp.Language,
		Duration: resp.Duration,
		Segments: make([]WhisperSegment, 0, len(resp.Segments)),
	}
	for _, seg := range resp.Segments {
		out.Segments = append(out.Segments, WhisperSegment{
			ID:    seg.ID,
			Start: seg.Start,
			End:   seg.End,
			Text:  seg.Text,
		})
	}
	return out, nil
}

// Retryable OpenAI 错误是否值得重试：限流、5xx 和网络错误
func Retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	// 读文件失败之类的本地错误不重试，网络错误重试
	var netErr net.Error
	return errors.As(err, &netErr)
}

func retryableStatus(code int) bool {
	return code == 0 || code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
