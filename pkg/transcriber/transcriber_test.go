package transcriber

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/z-wentao/courseflow/pkg/apperrors"
)

type fakeRunner struct {
	mu       sync.Mutex
	duration string
	calls    [][]string
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	if name == "ffprobe" {
		return []byte(f.duration + "\n"), nil
	}
	return nil, nil
}

type fakeWhisper struct {
	byPath map[string]*WhisperResponse
	failOn string
}

func (f *fakeWhisper) Transcribe(ctx context.Context, path, language string) (*WhisperResponse, error) {
	if filepath.Base(path) == f.failOn {
		return nil, errors.New("boom")
	}
	resp, ok := f.byPath[filepath.Base(path)]
	if !ok {
		return nil, fmt.Errorf("unexpected path %s", path)
	}
	return resp, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestSplitShortAudioReturnsOriginal(t *testing.T) {
	runner := &fakeRunner{duration: "42.5"}
	s := NewAudioSplitter(600, runner.run, quietLogger())

	chunks, err := s.Split(context.Background(), "/tmp/audio.mp3")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 1 || chunks[0].FilePath != "/tmp/audio.mp3" || chunks[0].End != 42.5 {
		t.Fatalf("chunks = %+v", chunks)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected only ffprobe, got %v", runner.calls)
	}
}

func TestSplitLongAudio(t *testing.T) {
	dir := t.TempDir()
	audio := filepath.Join(dir, "audio.mp3")
	runner := &fakeRunner{duration: "1250"}
	s := NewAudioSplitter(600, runner.run, quietLogger())

	chunks, err := s.Split(context.Background(), audio)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	if chunks[2].Start != 1200 || chunks[2].End != 1250 {
		t.Fatalf("last chunk = %+v", chunks[2])
	}
	last := runner.calls[len(runner.calls)-1]
	if !strings.Contains(strings.Join(last, " "), "-t 50.00") {
		t.Fatalf("last ffmpeg call = %v", last)
	}

	if err := s.Cleanup(chunks); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "segments")); !os.IsNotExist(err) {
		t.Fatalf("segments dir still present: %v", err)
	}
}

func TestEngineMergesChunksInOrder(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{duration: "1250"}
	whisper := &fakeWhisper{byPath: map[string]*WhisperResponse{
		"segment_000.mp3": {Text: "hello", Language: "english", Segments: []WhisperSegment{{Start: 1, End: 2, Text: " hello "}}},
		"segment_001.mp3": {Text: "world", Segments: []WhisperSegment{{Start: 0.5, End: 3, Text: "world"}}},
		"segment_002.mp3": {Text: "", Segments: []WhisperSegment{{Start: 0, End: 1, Text: "  "}}},
	}}
	engine := NewEngine(whisper, NewAudioSplitter(600, runner.run, quietLogger()), 2, quietLogger())

	tr, err := engine.Transcribe(context.Background(), filepath.Join(dir, "audio.mp3"), "en")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "hello world" {
		t.Fatalf("text = %q", tr.Text)
	}
	if tr.Duration != 1250 || tr.Language != "english" {
		t.Fatalf("duration/language = %v/%q", tr.Duration, tr.Language)
	}
	if len(tr.Cues) != 2 || tr.Cues[1].Start != 600.5 {
		t.Fatalf("cues = %+v", tr.Cues)
	}
}

func TestEngineFailsWhenAnyChunkFails(t *testing.T) {
	runner := &fakeRunner{duration: "1250"}
	whisper := &fakeWhisper{byPath: map[string]*WhisperResponse{
		"segment_000.mp3": {Text: "a"},
		"segment_002.mp3": {Text: "c"},
	}, failOn: "segment_001.mp3"}
	engine := NewEngine(whisper, NewAudioSplitter(600, runner.run, quietLogger()), 1, quietLogger())

	if _, err := engine.Transcribe(context.Background(), filepath.Join(t.TempDir(), "audio.mp3"), ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestRenderSubtitles(t *testing.T) {
	cues := []Cue{{Start: 65.5, End: 3723.25, Text: "intro"}}

	vtt := RenderVTT(cues)
	if !strings.HasPrefix(vtt, "WEBVTT\n\n") || !strings.Contains(vtt, "00:01:05.500 --> 01:02:03.250") {
		t.Fatalf("vtt = %q", vtt)
	}
	srt := RenderSRT(cues)
	if !strings.Contains(srt, "00:01:05,500 --> 01:02:03,250\nintro") {
		t.Fatalf("srt = %q", srt)
	}
}

func newOpenAIClient(url string) *openai.Client {
	cfg := openai.DefaultConfig("sk-test")
	cfg.BaseURL = url + "/v1"
	return openai.NewClientWithConfig(cfg)
}

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "a.mp3")
	if err := os.WriteFile(path, []byte("ID3"), 0o600); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	return path
}

func TestWhisperClientVerboseJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.FormValue("response_format"); got != "verbose_json" {
			t.Errorf("response_format = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"task":"transcribe","language":"english","duration":3.5,"text":"hi there",
			"segments":[{"id":0,"start":0.0,"end":3.5,"text":"hi there"}]}`)
	}))
	defer srv.Close()

	wc := NewWhisperClient(newOpenAIClient(srv.URL), 2)
	resp, err := wc.Transcribe(context.Background(), writeAudio(t), "en")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if resp.Text != "hi there" || len(resp.Segments) != 1 || resp.Segments[0].End != 3.5 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestWhisperClientClassifiesErrors(t *testing.T) {
	var calls atomic.Int32
	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(status.Load()))
		fmt.Fprint(w, `{"error":{"message":"nope","type":"server_error"}}`)
	}))
	defer srv.Close()

	wc := NewWhisperClient(newOpenAIClient(srv.URL), 3)
	wc.baseDelay = 0
	audio := writeAudio(t)

	_, err := wc.Transcribe(context.Background(), audio, "")
	if !errors.Is(err, apperrors.ErrTransientWorkerFailure) {
		t.Fatalf("5xx err = %v, want transient", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}

	status.Store(http.StatusBadRequest)
	calls.Store(0)
	_, err = wc.Transcribe(context.Background(), audio, "")
	if !errors.Is(err, apperrors.ErrPermanentSegmentFailure) {
		t.Fatalf("4xx err = %v, want permanent", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}
