package transcriber

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// Cue 一条字幕，时间为原音频中的绝对秒数
type Cue struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// ChunkResult 分片及其转录结果
type ChunkResult struct {
	Chunk    Chunk
	Response *WhisperResponse
}

// BuildCues 按分片起始偏移换算时间戳并丢弃空文本，results 需按分片顺序排列
func BuildCues(results []ChunkResult) []Cue {
	var cues []Cue
	for _, r := range results {
		if r.Response == nil {
			continue
		}
		for _, seg := range r.Response.Segments {
			text := strings.TrimSpace(seg.Text)
			if text == "" {
				continue
			}
			cues = append(cues, Cue{
				Start: r.Chunk.Start + seg.Start,
				End:   r.Chunk.Start + seg.End,
				Text:  text,
			})
		}
	}
	return cues
}

// RenderVTT WebVTT 字幕（用于 HTML5 video 播放）
func RenderVTT(cues []Cue) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for i, c := range cues {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", i+1, formatTimestamp(c.Start, '.'), formatTimestamp(c.End, '.'), c.Text)
	}
	return b.String()
}

// RenderSRT SRT 字幕
func RenderSRT(cues []Cue) string {
	var b strings.Builder
	for i, c := range cues {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", i+1, formatTimestamp(c.Start, ','), formatTimestamp(c.End, ','), c.Text)
	}
	return b.String()
}

// WriteSubtitle 写入字幕文件
func WriteSubtitle(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("创建输出目录失败: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("写入字幕文件失败: %w", err)
	}
	return nil
}

// formatTimestamp 65.5 -> 00:01:05.500（VTT 用点号，SRT 用逗号）
func formatTimestamp(seconds float64, sep byte) string {
	total := int64(math.Round(seconds * 1000))
	if total < 0 {
		total = 0
	}
	millis := total % 1000
	secs := (total / 1000) % 60
	minutes := (total / 60000) % 60
	hours := total / 3600000
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", hours, minutes, secs, sep, millis)
}
