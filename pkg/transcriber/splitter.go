package transcriber

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// CommandRunner 执行外部命令并返回 stdout
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner 使用 os/exec 执行命令
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s 执行失败: %w (stderr: %s)", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Chunk 音频分片
type Chunk struct {
	Index    int
	FilePath string
	Start    float64 // 在原音频中的起始秒数
	End      float64
}

// AudioSplitter 基于 ffmpeg/ffprobe 的音频抽取和分片
type AudioSplitter struct {
	segmentDuration int // 每个分片的时长（秒）
	run             CommandRunner
	log             logrus.FieldLogger
}

// NewAudioSplitter 创建分片器，run 为空时使用 ExecRunner
func NewAudioSplitter(segmentDuration int, run CommandRunner, log logrus.FieldLogger) *AudioSplitter {
	if segmentDuration <= 0 {
		segmentDuration = 600 // 默认 10 分钟
	}
	if run == nil {
		run = ExecRunner
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AudioSplitter{segmentDuration: segmentDuration, run: run, log: log}
}

// ExtractAudio 从视频（本地路径或签名 URL）中抽取 MP3 音轨
func (as *AudioSplitter) ExtractAudio(ctx context.Context, source, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("创建输出目录失败: %w", err)
	}
	// ffmpeg -i video.mp4 -vn -acodec libmp3lame -ab 128k -y audio.mp3
	_, err := as.run(ctx, "ffmpeg",
		"-i", source,
		"-vn",
		"-acodec", "libmp3lame",
		"-ab", "128k",
		"-y",
		outputPath,
	)
	if err != nil {
		return fmt.Errorf("抽取音频失败: %w", err)
	}
	return nil
}

// Probe 获取音频/视频时长（秒）
func (as *AudioSplitter) Probe(ctx context.Context, path string) (float64, error) {
	out, err := as.run(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, err
	}

	durationStr := strings.TrimSpace(string(out))
	if durationStr == "" {
		return 0, fmt.Errorf("ffprobe 未返回时长信息: %s", path)
	}
	duration, err := strconv.ParseFloat(durationStr, 64)
	if err != nil {
		return 0, fmt.Errorf("解析时长失败: %w (output: %s)", err, durationStr)
	}
	return duration, nil
}

// Split 按 segmentDuration 切分音频，短音频直接返回原文件
func (as *AudioSplitter) Split(ctx context.Context, audioPath string) ([]Chunk, error) {
	duration, err := as.Probe(ctx, audioPath)
	if err != nil {
		return nil, fmt.Errorf("获取音频时长失败: %w", err)
	}

	if duration <= float64(as.segmentDuration) {
		return []Chunk{{Index: 0, FilePath: audioPath, Start: 0, End: duration}}, nil
	}

	count := int(duration) / as.segmentDuration
	if float64(count*as.segmentDuration) < duration {
		count++
	}
	as.log.WithFields(logrus.Fields{
		"audio":    audioPath,
		"duration": duration,
		"chunks":   count,
	}).Info("音频将被切分")

	chunksDir := filepath.Join(filepath.Dir(audioPath), "segments")
	if err := os.MkdirAll(chunksDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建片段目录失败: %w", err)
	}

	chunks := make([]Chunk, 0, count)
	for i := 0; i < count; i++ {
		start := float64(i * as.segmentDuration)
		end := start + float64(as.segmentDuration)
		if end > duration {
			end = duration
		}
		chunkPath := filepath.Join(chunksDir, fmt.Sprintf("segment_%03d.mp3", i))

		// 输入已经是 MP3，直接复制音频流
		_, err := as.run(ctx, "ffmpeg",
			"-i", audioPath,
			"-ss", fmt.Sprintf("%.2f", start),
			"-t", fmt.Sprintf("%.2f", end-start),
			"-acodec", "copy",
			"-y",
			chunkPath,
		)
		if err != nil {
			return nil, fmt.Errorf("切分片段 %d 失败: %w", i, err)
		}
		chunks = append(chunks, Chunk{Index: i, FilePath: chunkPath, Start: start, End: end})
	}
	return chunks, nil
}

// Cleanup 删除 Split 创建的临时分片目录，不会删除原始音频
func (as *AudioSplitter) Cleanup(chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	dir := filepath.Dir(chunks[0].FilePath)
	if filepath.Base(dir) != "segments" {
		return nil
	}
	return os.RemoveAll(dir)
}
