package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/z-wentao/courseflow/pkg/apperrors"
	"github.com/z-wentao/courseflow/pkg/models"
	"github.com/z-wentao/courseflow/pkg/signer"
)

// APIClient courseflow HTTP API 的 Worker 侧客户端
type APIClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAPIClient 创建客户端
func NewAPIClient(baseURL string, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &APIClient{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Claim 领取一个任务，队列为空时返回 nil, nil
func (c *APIClient) Claim(ctx context.Context, queue string) (*models.StageTask, error) {
	var task models.StageTask
	status, err := c.do(ctx, http.MethodPost, "/api/queues/"+url.PathEscape(queue)+"/claim", nil, &task)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &task, nil
}

// Callback 上报流水线阶段结果
func (c *APIClient) Callback(ctx context.Context, cb *models.StageCallback) error {
	_, err := c.do(ctx, http.MethodPost, "/api/pipelines/"+url.PathEscape(cb.PipelineID)+"/callback", cb, nil)
	return err
}

// Release 归还任务，delay 之后重新可见
func (c *APIClient) Release(ctx context.Context, task *models.StageTask, delay time.Duration) error {
	body := map[string]any{
		"reservation_id": task.ReservationID,
		"queue":          task.Queue,
		"delay_seconds":  int((delay + time.Second - 1) / time.Second),
	}
	_, err := c.do(ctx, http.MethodPost, "/api/work-items/"+url.PathEscape(task.WorkItemID)+"/release", body, nil)
	return err
}

// FinishDownload 上报下载结果，outcome 为 success 或 failure
func (c *APIClient) FinishDownload(ctx context.Context, task *models.StageTask, outcome models.Outcome, reason string) error {
	action := "complete"
	if outcome != models.OutcomeSuccess {
		action = "fail"
	}
	body := map[string]any{
		"work_item_id":   task.WorkItemID,
		"reservation_id": task.ReservationID,
		"error":          reason,
	}
	_, err := c.do(ctx, http.MethodPost, "/api/downloads/"+url.PathEscape(task.MediaID)+"/"+action, body, nil)
	return err
}

// SignURL 申请签名访问地址
func (c *APIClient) SignURL(ctx context.Context, objectKey, category string) (*signer.SignedURL, error) {
	body := map[string]any{"object_key": objectKey, "category": category}
	var signed signer.SignedURL
	if _, err := c.do(ctx, http.MethodPost, "/api/signed-urls", body, &signed); err != nil {
		return nil, err
	}
	return &signed, nil
}

// do 发送 JSON 请求；非 2xx 响应按状态码还原为 apperrors 分类
func (c *APIClient) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("序列化请求失败: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("创建请求失败: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, apperrors.E(method+" "+path, apperrors.ErrTransientWorkerFailure, "请求失败", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &payload) != nil || payload.Error == "" {
			payload.Error = strings.TrimSpace(string(raw))
		}
		return resp.StatusCode, apperrors.E(method+" "+path, kindForStatus(resp.StatusCode),
			fmt.Sprintf("API 返回错误 (状态码 %d): %s", resp.StatusCode, payload.Error), nil)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return resp.StatusCode, fmt.Errorf("解析响应失败: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func kindForStatus(status int) error {
	switch status {
	case http.StatusBadRequest:
		return apperrors.ErrInvalidInput
	case http.StatusNotFound:
		return apperrors.ErrNotFound
	case http.StatusConflict:
		return apperrors.ErrStaleReservation
	case http.StatusBadGateway:
		return apperrors.ErrBackendUnavailable
	default:
		return apperrors.ErrTransientWorkerFailure
	}
}
