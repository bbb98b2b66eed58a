// Package webhook はジョブの最終結果を callback_url へ POST で通知します。
package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "paper-forge-compressor/1.0"

	mimeTypePDF = "application/pdf"

	// エラーレスポンス本文はログ用に先頭だけ読む
	maxResponseSnippet = 512
)

// Completed は圧縮成功時の通知内容です。
type Completed struct {
	JobID              string
	OriginalFilename   string
	CompressedFilename string
	OriginalSize       int64
	CompressedSize     int64
	CompressionRatio   float64
	CompletedAt        time.Time
	// OutputPath の内容が base64 で fileData に埋め込まれます。
	OutputPath string
}

type completedPayload struct {
	JobID              string  `json:"jobId"`
	Status             string  `json:"status"`
	OriginalFilename   string  `json:"originalFilename"`
	CompressedFilename string  `json:"compressedFilename"`
	OriginalSize       int64   `json:"originalSize"`
	CompressedSize     int64   `json:"compressedSize"`
	CompressionRatio   float64 `json:"compressionRatio"`
	FileData           string  `json:"fileData"`
	MimeType           string  `json:"mimeType"`
	CompletedAt        string  `json:"completedAt"`
}

type failedPayload struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// DeliveryError は callback 先が 2xx 以外を返したことを表します。
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook responded with status %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook responded with status %d: %s", e.StatusCode, e.Body)
}

// Options は Client の設定です。
type Options struct {
	Timeout   time.Duration
	UserAgent string
	Logger    logrus.FieldLogger
}

// Client は webhook を 1 回だけ送信します。再送は行いません。
type Client struct {
	http      *http.Client
	userAgent string
	logger    logrus.FieldLogger
}

// NewClient は Client を作成します。
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		opts.Logger = logger
	}

	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = opts.Timeout

	return &Client{
		http:      httpClient,
		userAgent: opts.UserAgent,
		logger:    opts.Logger,
	}
}

// DeliverCompleted は成功ペイロード（圧縮済みファイルを含む）を送信します。
func (c *Client) DeliverCompleted(ctx context.Context, callbackURL string, result Completed) error {
	data, err := os.ReadFile(result.OutputPath)
	if err != nil {
		c.logAttempt(result.JobID, callbackURL, "completed", 0, 0, err)
		return fmt.Errorf("read compressed file: %w", err)
	}

	payload := completedPayload{
		JobID:              result.JobID,
		Status:             "completed",
		OriginalFilename:   result.OriginalFilename,
		CompressedFilename: result.CompressedFilename,
		OriginalSize:       result.OriginalSize,
		CompressedSize:     result.CompressedSize,
		CompressionRatio:   result.CompressionRatio,
		FileData:           base64.StdEncoding.EncodeToString(data),
		MimeType:           mimeTypePDF,
		CompletedAt:        result.CompletedAt.UTC().Format(time.RFC3339),
	}
	return c.post(ctx, callbackURL, result.JobID, payload.Status, payload)
}

// DeliverFailed は失敗ペイロードを送信します。ファイルは含みません。
func (c *Client) DeliverFailed(ctx context.Context, callbackURL, jobID, message string) error {
	payload := failedPayload{
		JobID:  jobID,
		Status: "failed",
		Error:  message,
	}
	return c.post(ctx, callbackURL, jobID, payload.Status, payload)
}

func (c *Client) post(ctx context.Context, callbackURL, jobID, status string, payload any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		c.logAttempt(jobID, callbackURL, status, 0, 0, err)
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		c.logAttempt(jobID, callbackURL, status, 0, 0, err)
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.logAttempt(jobID, callbackURL, status, 0, elapsed, err)
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSnippet))
		deliveryErr := &DeliveryError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		c.logAttempt(jobID, callbackURL, status, resp.StatusCode, elapsed, deliveryErr)
		return deliveryErr
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logAttempt(jobID, callbackURL, status, resp.StatusCode, elapsed, nil)
	return nil
}

func (c *Client) logAttempt(jobID, callbackURL, status string, statusCode int, elapsed time.Duration, err error) {
	entry := c.logger.WithFields(logrus.Fields{
		"job_id":     jobID,
		"url":        redactURL(callbackURL),
		"job_status": status,
	})
	if statusCode > 0 {
		entry = entry.WithField("http_status", statusCode)
	}
	if elapsed > 0 {
		entry = entry.WithField("latency", elapsed)
	}
	if err != nil {
		entry.WithError(err).Warn("webhook delivery failed")
		return
	}
	entry.Info("webhook delivered")
}

// ValidateURL は callback_url が絶対 URL であることを確認します。
func ValidateURL(raw string, requireHTTPS bool) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("callback_url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("callback_url is malformed: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return errors.New("callback_url must be an absolute URL")
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
	case "http":
		if requireHTTPS {
			return errors.New("callback_url must use https")
		}
	default:
		return fmt.Errorf("callback_url scheme %q is not supported", u.Scheme)
	}
	return nil
}

// redactURL はクエリに含まれるトークン類をログへ出さないようにします。
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
