package storage

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dg-devloper/mjopen-api-sub001/internal/model"
)

func TestObjectKey(t *testing.T) {
	task := model.NewTask(model.ActionImagine, model.BotMidJourney)
	task.ID = "abc"
	task.SubmitTime = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC).UnixMilli()
	task.ImageURL = "https://cdn.discordapp.com/attachments/1/2/name_grid_0.webp?ex=1"

	got := objectKey(task)
	if got != "mj/2026/08/26/abc.webp" {
		t.Fatalf("objectKey = %q", got)
	}
}

func TestDownloadUsesCDNOverride(t *testing.T) {
	var gotPath, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "image/webp")
		io.WriteString(w, "imagebytes")
	}))
	defer srv.Close()

	m := &S3Mirror{
		log:        slog.New(slog.NewJSONHandler(io.Discard, nil)),
		cdnURL:     srv.URL,
		userAgent:  "test-agent",
		httpClient: srv.Client(),
	}
	data, contentType, err := m.download(context.Background(), "https://cdn.discordapp.com/attachments/1/2/x.webp")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "imagebytes" || contentType != "image/webp" {
		t.Fatalf("download = %q %q", data, contentType)
	}
	if gotPath != "/attachments/1/2/x.webp" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotUA != "test-agent" {
		t.Fatalf("user agent = %q", gotUA)
	}
}

func TestPublicObjectURL(t *testing.T) {
	m := &S3Mirror{publicURL: "https://img.example.com/", bucket: "b"}
	if got := m.publicObjectURL("mj/x.png"); got != "https://img.example.com/mj/x.png" {
		t.Fatalf("url = %q", got)
	}
	m.publicURL = ""
	if got := m.publicObjectURL("mj/x.png"); !strings.Contains(got, "b.s3.amazonaws.com") {
		t.Fatalf("url = %q", got)
	}
}
