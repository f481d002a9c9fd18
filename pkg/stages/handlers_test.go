package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/z-wentao/courseflow/pkg/apperrors"
	"github.com/z-wentao/courseflow/pkg/models"
	"github.com/z-wentao/courseflow/pkg/transcriber"
)

func TestExtractionHandler(t *testing.T) {
	workDir := t.TempDir()
	run := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if name == "ffprobe" {
			return []byte("125.5\n"), nil
		}
		// ffmpeg 的最后一个参数是输出路径
		return nil, os.WriteFile(args[len(args)-1], []byte("audio-bytes"), 0o600)
	}
	h := NewExtractionHandler(transcriber.NewAudioSplitter(600, run, quietLogger()), workDir)

	task := &models.StageTask{CourseID: "c1", SegmentID: "s1", PipelineID: "p1", SourceURL: "https://cdn.example.com/v.mp4?sig=1"}
	cb, err := h.Handle(context.Background(), task)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	want := filepath.Join(workDir, "c1", "s1", "p1", "audio.mp3")
	if cb.AudioPath != want || cb.AudioSize != int64(len("audio-bytes")) || cb.AudioDuration != 125.5 {
		t.Fatalf("callback = %+v", cb)
	}

	_, err = h.Handle(context.Background(), &models.StageTask{PipelineID: "p2"})
	if !errors.Is(err, apperrors.ErrPermanentSegmentFailure) {
		t.Fatalf("missing source err = %v", err)
	}
}

func TestTranscriptionHandlerRequiresAudio(t *testing.T) {
	h := NewTranscriptionHandler(nil, "en")
	_, err := h.Handle(context.Background(), &models.StageTask{AudioPath: filepath.Join(t.TempDir(), "missing.mp3")})
	if !errors.Is(err, apperrors.ErrPermanentSegmentFailure) {
		t.Fatalf("err = %v", err)
	}
}

func TestDownloadHandler(t *testing.T) {
	var origin *httptest.Server
	origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/signed-urls":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["object_key"] != "media/m1/source.mp4" || body["category"] != "video" {
				t.Errorf("sign request = %v", body)
			}
			fmt.Fprintf(w, `{"url":%q,"category":"video"}`, origin.URL+"/blob/m1?sig=abc")
		case "/blob/m1":
			fmt.Fprint(w, "video-bytes")
		case "/blob/gone":
			http.NotFound(w, r)
		default:
			http.NotFound(w, r)
		}
	}))
	defer origin.Close()

	workDir := t.TempDir()
	h := NewDownloadHandler(NewAPIClient(origin.URL, nil), origin.Client(), "", workDir)

	cb, err := h.Handle(context.Background(), &models.StageTask{MediaID: "m1", Stage: models.StageDownload})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	data, err := os.ReadFile(cb.AudioPath)
	if err != nil || string(data) != "video-bytes" {
		t.Fatalf("downloaded %q, %v", data, err)
	}
	if !strings.HasPrefix(cb.AudioPath, workDir) {
		t.Fatalf("path = %s", cb.AudioPath)
	}
}
