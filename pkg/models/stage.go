package models

// Stage 处理阶段
type Stage string

const (
	StageExtraction    Stage = "extraction"
	StageTranscription Stage = "transcription"
	StageTerminology   Stage = "terminology"
	StageDownload      Stage = "download"
)

// 每个阶段对应一个逻辑队列
const (
	QueueAudioExtraction = "audio_extraction"
	QueueTranscription   = "transcription"
	QueueTerminology     = "terminology"
	QueueMediaDownload   = "media_download"
)

var stageQueues = map[Stage]string{
	StageExtraction:    QueueAudioExtraction,
	StageTranscription: QueueTranscription,
	StageTerminology:   QueueTerminology,
	StageDownload:      QueueMediaDownload,
}

// Queue 阶段对应的队列名
func (s Stage) Queue() string {
	return stageQueues[s]
}

// Next 流水线中的下一个阶段，最后一个阶段返回 false
func (s Stage) Next() (Stage, bool) {
	switch s {
	case StageExtraction:
		return StageTranscription, true
	case StageTranscription:
		return StageTerminology, true
	default:
		return "", false
	}
}

// StageForQueue 根据队列名反查阶段
func StageForQueue(queue string) (Stage, bool) {
	for stage, q := range stageQueues {
		if q == queue {
			return stage, true
		}
	}
	return "", false
}

// PipelineQueues 流水线阶段使用的队列（不含下载队列）
func PipelineQueues() []string {
	return []string{QueueAudioExtraction, QueueTranscription, QueueTerminology}
}
