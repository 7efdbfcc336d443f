// Package callback delivers terminal task notifications to client
// webhooks through a bounded worker pool.
package callback

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gojek/heimdall/v7"
	"github.com/gojek/heimdall/v7/httpclient"

	"github.com/dg-devloper/mjopen-api-sub001/internal/model"
)

const (
	queueCapacity  = 10000
	requestTimeout = 15 * time.Second
	secretHeader   = "X-Notify-Secret"
)

// Payload is the JSON body posted to the notify hook.
type Payload struct {
	ID           string             `json:"id"`
	Action       model.TaskAction   `json:"action"`
	Status       model.TaskStatus   `json:"status"`
	Prompt       string             `json:"prompt,omitempty"`
	PromptEn     string             `json:"prompt_en,omitempty"`
	Progress     string             `json:"progress,omitempty"`
	ImageURL     string             `json:"image_url,omitempty"`
	ThumbnailURL string             `json:"thumbnail_url,omitempty"`
	FailReason   string             `json:"fail_reason,omitempty"`
	SubmitTime   int64              `json:"submit_time,omitempty"`
	StartTime    int64              `json:"start_time,omitempty"`
	FinishTime   int64              `json:"finish_time,omitempty"`
	Buttons      []model.TaskButton `json:"buttons,omitempty"`
	State        string             `json:"state,omitempty"`
	Properties   map[string]any     `json:"properties,omitempty"`
}

type job struct {
	url     string
	payload Payload
}

// Dispatcher posts terminal task snapshots to webhooks. Enqueue never
// blocks; when the queue is full the notification is dropped and
// logged.
type Dispatcher struct {
	log         *slog.Logger
	client      *httpclient.Client
	defaultHook string
	secret      string

	jobs     chan job
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(log *slog.Logger, defaultHook, secret string, poolSize int) *Dispatcher {
	if poolSize < 1 {
		poolSize = 1
	}
	backoff := heimdall.NewExponentialBackoff(500*time.Millisecond, 8*time.Second, 2, 200*time.Millisecond)
	client := httpclient.NewClient(
		httpclient.WithHTTPTimeout(requestTimeout),
		httpclient.WithRetrier(heimdall.NewRetrier(backoff)),
		httpclient.WithRetryCount(2),
	)
	d := &Dispatcher{
		log:         log,
		client:      client,
		defaultHook: defaultHook,
		secret:      secret,
		jobs:        make(chan job, queueCapacity),
	}
	d.wg.Add(poolSize)
	for i := 0; i < poolSize; i++ {
		go d.worker()
	}
	return d
}

// Enqueue snapshots the task and queues the webhook post. Tasks without
// a hook (own or default) are skipped.
func (d *Dispatcher) Enqueue(task *model.Task) {
	url := task.NotifyHook
	if url == "" {
		url = d.defaultHook
	}
	if url == "" {
		return
	}

	j := job{url: url, payload: snapshot(task)}
	select {
	case d.jobs <- j:
	default:
		d.log.Warn("callback_queue_full", "task_id", task.ID, "url", url)
	}
}

// Close drains nothing; pending jobs are abandoned once workers exit.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() { close(d.jobs) })
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		if err := d.post(j); err != nil {
			d.log.Warn("callback_failed",
				"task_id", j.payload.ID,
				"url", j.url,
				"status", j.payload.Status,
				"error", err,
			)
		}
	}
}

func (d *Dispatcher) post(j job) error {
	body, err := json.Marshal(j.payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, j.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.secret != "" {
		req.Header.Set(secretHeader, d.secret)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func snapshot(task *model.Task) Payload {
	props := make(map[string]any, len(task.Properties))
	for k, v := range task.Properties {
		props[k] = v
	}
	return Payload{
		ID:           task.ID,
		Action:       task.Action,
		Status:       task.Status,
		Prompt:       task.Prompt,
		PromptEn:     task.PromptEn,
		Progress:     task.Progress,
		ImageURL:     task.ImageURL,
		ThumbnailURL: task.ThumbnailURL,
		FailReason:   task.FailReason,
		SubmitTime:   task.SubmitTime,
		StartTime:    task.StartTime,
		FinishTime:   task.FinishTime,
		Buttons:      append([]model.TaskButton(nil), task.Buttons...),
		State:        task.State,
		Properties:   props,
	}
}
