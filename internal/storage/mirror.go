// Package storage mirrors finished images out of the Discord CDN into
// S3-compatible object storage (R2).
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dg-devloper/mjopen-api-sub001/internal/model"
)

const maxImageBytes = 50 * 1024 * 1024

type MirrorConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	PublicURL       string
	Region          string
	// CDNURL replaces cdn.discordapp.com when a reverse proxy fronts
	// the Discord CDN.
	CDNURL    string
	UserAgent string
}

// Enabled reports whether mirroring is configured at all.
func (c MirrorConfig) Enabled() bool {
	return c.Bucket != ""
}

// S3Mirror downloads a task's final image and re-hosts it. Implements
// runtime.ImageMirror.
type S3Mirror struct {
	log        *slog.Logger
	client     *s3.Client
	bucket     string
	publicURL  string
	cdnURL     string
	userAgent  string
	httpClient *http.Client
}

func NewS3Mirror(log *slog.Logger, cfg MirrorConfig) (*S3Mirror, error) {
	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &S3Mirror{
		log:        log,
		client:     client,
		bucket:     cfg.Bucket,
		publicURL:  cfg.PublicURL,
		cdnURL:     cfg.CDNURL,
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Mirror re-hosts the task image and rewrites image_url on success.
// Failures only log; the CDN url keeps working either way.
func (m *S3Mirror) Mirror(ctx context.Context, task *model.Task) {
	if task.ImageURL == "" {
		return
	}
	data, contentType, err := m.download(ctx, task.ImageURL)
	if err != nil {
		m.log.Warn("image_download_failed", "task_id", task.ID, "url", task.ImageURL, "error", err)
		return
	}

	key := objectKey(task)
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"task_id": task.ID,
			"action":  string(task.Action),
		},
	})
	if err != nil {
		m.log.Warn("image_upload_failed", "task_id", task.ID, "key", key, "error", err)
		return
	}

	task.ImageURL = m.publicObjectURL(key)
	m.log.Info("image_mirrored", "task_id", task.ID, "key", key)
}

func (m *S3Mirror) download(ctx context.Context, url string) ([]byte, string, error) {
	if m.cdnURL != "" {
		url = strings.Replace(url, "https://cdn.discordapp.com", m.cdnURL, 1)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	if m.userAgent != "" {
		req.Header.Set("User-Agent", m.userAgent)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("cdn returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > maxImageBytes {
		return nil, "", fmt.Errorf("image too large: %d bytes", len(data))
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/png"
	}
	return data, contentType, nil
}

func (m *S3Mirror) publicObjectURL(key string) string {
	if m.publicURL != "" {
		return fmt.Sprintf("%s/%s", strings.TrimSuffix(m.publicURL, "/"), key)
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", m.bucket, key)
}

func objectKey(task *model.Task) string {
	ext := path.Ext(strings.SplitN(path.Base(task.ImageURL), "?", 2)[0])
	if ext == "" {
		ext = ".png"
	}
	day := time.Unix(0, task.SubmitTime*int64(time.Millisecond)).Format("2006/01/02")
	return fmt.Sprintf("mj/%s/%s%s", day, task.ID, ext)
}
