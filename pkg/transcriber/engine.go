package transcriber

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// audioTranscriber 转录单个音频文件
type audioTranscriber interface {
	Transcribe(ctx context.Context, audioPath, language string) (*WhisperResponse, error)
}

// Engine 分片 + 并发转录
type Engine struct {
	whisper     audioTranscriber
	splitter    *AudioSplitter
	concurrency int
	log         logrus.FieldLogger
}

// NewEngine 创建转录引擎
func NewEngine(whisper audioTranscriber, splitter *AudioSplitter, concurrency int, log logrus.FieldLogger) *Engine {
	if concurrency <= 0 {
		concurrency = 3
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{whisper: whisper, splitter: splitter, concurrency: concurrency, log: log}
}

// Transcript 整段音频的转录结果
type Transcript struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration"`
	Cues     []Cue   `json:"cues"`
}

type chunkOutcome struct {
	index    int
	response *WhisperResponse
	err      error
}

// Transcribe 切分音频并用固定数量的 goroutine 并发转录，任一分片失败即取消其余分片
func (e *Engine) Transcribe(ctx context.Context, audioPath, language string) (*Transcript, error) {
	chunks, err := e.splitter.Split(ctx, audioPath)
	if err != nil {
		return nil, fmt.Errorf("分片失败: %w", err)
	}
	defer func() {
		if err := e.splitter.Cleanup(chunks); err != nil {
			e.log.WithError(err).Warn("清理临时分片失败")
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks := make(chan Chunk, len(chunks))
	results := make(chan chunkOutcome, len(chunks))

	var wg sync.WaitGroup
	for i := 0; i < e.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range tasks {
				if ctx.Err() != nil {
					results <- chunkOutcome{index: chunk.Index, err: ctx.Err()}
					continue
				}
				resp, err := e.whisper.Transcribe(ctx, chunk.FilePath, language)
				results <- chunkOutcome{index: chunk.Index, response: resp, err: err}
			}
		}()
	}

	for _, chunk := range chunks {
		tasks <- chunk
	}
	close(tasks)

	go func() {
		wg.Wait()
		close(results)
	}()

	responses := make(map[int]*WhisperResponse, len(chunks))
	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("片段 %d 失败: %w", r.index, r.err)
				cancel()
			}
			continue
		}
		responses[r.index] = r.response
		e.log.WithFields(logrus.Fields{
			"chunk": r.index,
			"done":  len(responses),
			"total": len(chunks),
		}).Debug("分片转录完成")
	}
	if firstErr != nil {
		return nil, firstErr
	}

	return assemble(chunks, responses), nil
}

// assemble 按分片顺序合并文本和字幕
func assemble(chunks []Chunk, responses map[int]*WhisperResponse) *Transcript {
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })

	ordered := make([]ChunkResult, 0, len(chunks))
	texts := make([]string, 0, len(chunks))
	t := &Transcript{}
	for _, c := range chunks {
		resp := responses[c.Index]
		ordered = append(ordered, ChunkResult{Chunk: c, Response: resp})
		if resp == nil {
			continue
		}
		if text := strings.TrimSpace(resp.Text); text != "" {
			texts = append(texts, text)
		}
		if t.Language == "" {
			t.Language = resp.Language
		}
		if c.End > t.Duration {
			t.Duration = c.End
		}
	}
	t.Text = strings.Join(texts, " ")
	t.Cues = BuildCues(ordered)
	return t
}
