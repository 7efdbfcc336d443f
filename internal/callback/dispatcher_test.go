package callback

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dg-devloper/mjopen-api-sub001/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestDispatcherPostsPayload(t *testing.T) {
	var mu sync.Mutex
	var got Payload
	var secret string
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		secret = r.Header.Get("X-Notify-Secret")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer srv.Close()

	d := New(testLogger(), srv.URL, "s3cret", 2)
	defer d.Close()

	task := model.NewTask(model.ActionImagine, model.BotMidJourney)
	task.Prompt = "Cat"
	task.Succeed()
	task.ImageURL = "https://cdn.example/grid.webp"
	d.Enqueue(task)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("webhook never called")
	}

	mu.Lock()
	defer mu.Unlock()
	if secret != "s3cret" {
		t.Fatalf("secret header = %q", secret)
	}
	if got.ID != task.ID || got.Status != model.StatusSuccess || got.ImageURL != task.ImageURL {
		t.Fatalf("payload = %+v", got)
	}
	if got.Progress != "100%" {
		t.Fatalf("progress = %q, want 100%%", got.Progress)
	}
}

func TestPerTaskHookOverridesDefault(t *testing.T) {
	hit := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit <- r.URL.Path
	}))
	defer srv.Close()

	d := New(testLogger(), srv.URL+"/default", "", 1)
	defer d.Close()

	task := model.NewTask(model.ActionImagine, model.BotMidJourney)
	task.NotifyHook = srv.URL + "/override"
	task.Fail("timeout")
	d.Enqueue(task)

	select {
	case path := <-hit:
		if path != "/override" {
			t.Fatalf("posted to %s, want /override", path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("webhook never called")
	}
}

func TestNoHookSkips(t *testing.T) {
	d := New(testLogger(), "", "", 1)
	defer d.Close()
	// must not panic or queue anything
	d.Enqueue(model.NewTask(model.ActionImagine, model.BotMidJourney))
	if len(d.jobs) != 0 {
		t.Fatal("hookless task was queued")
	}
}

func TestRetriesOnServerError(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer srv.Close()

	d := New(testLogger(), srv.URL, "", 1)
	defer d.Close()

	task := model.NewTask(model.ActionImagine, model.BotMidJourney)
	task.Succeed()
	d.Enqueue(task)

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("webhook never succeeded after retries")
	}
}
