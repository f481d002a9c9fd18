package vocabulary

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Extractor 课程术语提取器
type Extractor struct {
	client *openai.Client
	model  string
}

// NewExtractor 创建术语提取器，model 为空时使用 gpt-4o-mini
func NewExtractor(client *openai.Client, model string) *Extractor {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Extractor{client: client, model: model}
}

// Model 使用的模型名
func (e *Extractor) Model() string {
	return e.model
}

// Term 术语条目
type Term struct {
	Term       string `json:"term"`       // 术语（小写）
	Definition string `json:"definition"` // 简短释义
	Example    string `json:"example"`    // 原文中的用法
}

// ExtractResult 提取结果
type ExtractResult struct {
	Terms []Term `json:"terms"`
}

// maxTerms 单个片段最多保留的术语数
const maxTerms = 30

// Extract 从转录文本中提取课程术语
func (e *Extractor) Extract(ctx context.Context, transcript string) (*ExtractResult, error) {
	if strings.TrimSpace(transcript) == "" {
		return &ExtractResult{Terms: []Term{}}, nil
	}

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "你是课程内容分析助手。你的任务是从课程转录文本中提取专业术语，并给出简洁的释义和原文用法。只返回 JSON 格式的数据，不要有任何其他文字。",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildPrompt(transcript),
			},
		},
		Temperature: 0.3,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("调用 OpenAI API 失败: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("OpenAI API 未返回结果")
	}

	content := resp.Choices[0].Message.Content
	var result ExtractResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("解析 AI 响应失败: %w, 原始响应: %s", err, content)
	}

	result.Terms = DedupeTerms(result.Terms)
	if len(result.Terms) > maxTerms {
		result.Terms = result.Terms[:maxTerms]
	}
	return &result, nil
}

// buildPrompt 构建提示词
func buildPrompt(text string) string {
	// 限制文本长度（避免超出 token 限制），按 rune 截断
	const maxLength = 5000
	if runes := []rune(text); len(runes) > maxLength {
		text = string(runes[:maxLength]) + "..."
	}

	return fmt.Sprintf(`请从以下课程转录文本中提取专业术语（包括多词短语）。要求：

1. 提取标准：
   - 选择课程领域内的专业概念、方法名、工具名
   - 忽略日常词汇和语气词
   - 每个术语只出现一次
   - 最多提取 %d 个术语

2. 输出格式（严格遵循 JSON 格式）：
{
  "terms": [
    {
      "term": "术语（小写）",
      "definition": "释义（简洁，不超过30字）",
      "example": "原文中使用该术语的句子（不超过80字）"
    }
  ]
}

文本内容：
%s

请严格按照 JSON 格式输出，不要包含任何其他说明文字。`, maxTerms, text)
}

// DedupeTerms 按小写术语去重，保留第一次出现的条目
func DedupeTerms(terms []Term) []Term {
	seen := make(map[string]bool, len(terms))
	result := make([]Term, 0, len(terms))

	for _, t := range terms {
		key := strings.ToLower(strings.TrimSpace(t.Term))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		t.Term = key
		result = append(result, t)
	}
	return result
}
