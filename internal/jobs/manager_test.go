package jobs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/yourusername/paper-press/internal/pdf"
	"github.com/yourusername/paper-press/internal/storage"
	"github.com/yourusername/paper-press/internal/webhook"
)

type fakeEngine struct {
	compress func(ctx context.Context, inputPath, outputPath string) error
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Compress(ctx context.Context, inputPath, outputPath string) error {
	return f.compress(ctx, inputPath, outputPath)
}

// halvingEngine は入力の前半だけを出力します。
func halvingEngine() *fakeEngine {
	return &fakeEngine{compress: func(ctx context.Context, inputPath, outputPath string) error {
		data, err := os.ReadFile(inputPath)
		if err != nil {
			return err
		}
		return os.WriteFile(outputPath, data[:len(data)/2], 0o600)
	}}
}

type countingStore struct {
	Store
	mu      sync.Mutex
	creates int
	failOn  string
}

func (s *countingStore) Create(ctx context.Context, params CreateParams) (*Job, error) {
	s.mu.Lock()
	s.creates++
	s.mu.Unlock()
	return s.Store.Create(ctx, params)
}

func (s *countingStore) MarkCompleted(ctx context.Context, jobID string, c Completion) (*Job, error) {
	if s.failOn == "complete" {
		return nil, errors.New("store unavailable")
	}
	return s.Store.MarkCompleted(ctx, jobID, c)
}

func (s *countingStore) createCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

type hookReceiver struct {
	srv      *httptest.Server
	mu       sync.Mutex
	payloads []map[string]any
	received chan struct{}
}

func newHookReceiver(t *testing.T, status int) *hookReceiver {
	t.Helper()
	r := &hookReceiver{received: make(chan struct{}, 16)}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Errorf("invalid webhook body: %v", err)
		}
		r.mu.Lock()
		r.payloads = append(r.payloads, body)
		r.mu.Unlock()
		w.WriteHeader(status)
		r.received <- struct{}{}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *hookReceiver) all() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any(nil), r.payloads...)
}

func (r *hookReceiver) wait(t *testing.T, timeout time.Duration) map[string]any {
	t.Helper()
	select {
	case <-r.received:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for webhook")
	}
	all := r.all()
	return all[len(all)-1]
}

type harness struct {
	manager *Manager
	store   *countingStore
	files   *storage.Local
	hooks   *hookReceiver
	logs    *logtest.Hook
}

func newHarness(t *testing.T, engine pdf.Engine, hookStatus int, pool PoolConfig) *harness {
	t.Helper()
	logger, logHook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	redisStore, _ := newTestRedisStore(t)
	store := &countingStore{Store: redisStore}

	files, err := storage.NewLocal(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	hooks := newHookReceiver(t, hookStatus)
	notifier := webhook.NewClient(webhook.Options{Timeout: 5 * time.Second, Logger: logger})

	if pool.Workers == 0 {
		pool = PoolConfig{Workers: 2, QueueSize: 10, TaskTimeout: time.Minute}
	}
	dispatcher, err := NewPoolDispatcher(pool, logger)
	if err != nil {
		t.Fatalf("NewPoolDispatcher: %v", err)
	}

	manager, err := NewManager(store, files, engine, notifier, dispatcher, ManagerOptions{
		MaxFileSize:          5 << 20,
		RequireHTTPSCallback: false,
	}, logger)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})
	return &harness{manager: manager, store: store, files: files, hooks: hooks, logs: logHook}
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.manager.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func (h *harness) assertWorkDirEmpty(t *testing.T) {
	t.Helper()
	for _, dir := range []string{"in", "out"} {
		entries, err := os.ReadDir(filepath.Join(h.files.Root(), dir))
		if err != nil {
			t.Fatalf("ReadDir: %v", err)
		}
		if len(entries) != 0 {
			t.Fatalf("%s dir not cleaned up: %v", dir, entries)
		}
	}
}

func newFileHeader(t *testing.T, filename, contentType string, content []byte) *multipart.FileHeader {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	form, err := multipart.NewReader(body, writer.Boundary()).ReadForm(32 << 20)
	if err != nil {
		t.Fatalf("ReadForm: %v", err)
	}
	t.Cleanup(func() { _ = form.RemoveAll() })
	return form.File["file"][0]
}

func pdfContent(size int) []byte {
	content := make([]byte, size)
	copy(content, "%PDF-1.4\n")
	for i := len("%PDF-1.4\n"); i < size; i++ {
		content[i] = byte('a' + i%26)
	}
	return content
}

func TestManagerCompletesJobEndToEnd(t *testing.T) {
	h := newHarness(t, halvingEngine(), http.StatusOK, PoolConfig{})
	content := pdfContent(2097152)

	submission, err := h.manager.Submit(context.Background(), pdf.SubmitRequest{
		File:        newFileHeader(t, "report.pdf", "application/pdf", content),
		CallbackURL: h.hooks.srv.URL,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if submission.JobID == "" || submission.Status != string(StatusProcessing) {
		t.Fatalf("unexpected submission: %#v", submission)
	}

	payload := h.hooks.wait(t, 10*time.Second)
	h.drain(t)

	if payload["status"] != "completed" || payload["jobId"] != submission.JobID {
		t.Fatalf("unexpected webhook payload: %#v", payload)
	}
	if payload["originalSize"] != float64(2097152) || payload["compressedSize"] != float64(1048576) {
		t.Fatalf("unexpected sizes: %v / %v", payload["originalSize"], payload["compressedSize"])
	}
	if payload["compressionRatio"] != float64(50) {
		t.Fatalf("unexpected ratio: %v", payload["compressionRatio"])
	}
	if payload["originalFilename"] != "report.pdf" {
		t.Fatalf("unexpected original filename: %v", payload["originalFilename"])
	}
	compressedName, _ := payload["compressedFilename"].(string)
	if !strings.HasPrefix(compressedName, "compressed_") || !strings.HasSuffix(compressedName, "_report.pdf") {
		t.Fatalf("unexpected compressed filename: %q", compressedName)
	}
	decoded, err := base64.StdEncoding.DecodeString(payload["fileData"].(string))
	if err != nil {
		t.Fatalf("invalid base64: %v", err)
	}
	if !bytes.HasPrefix(decoded, []byte("%PDF")) || len(decoded) != 1048576 {
		t.Fatalf("unexpected file data: %d bytes", len(decoded))
	}
	if len(h.hooks.all()) != 1 {
		t.Fatalf("expected exactly one webhook, got %d", len(h.hooks.all()))
	}

	job, err := h.manager.Get(context.Background(), submission.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != StatusCompleted || job.CompressedFilename != compressedName || job.CompletedAt == nil {
		t.Fatalf("unexpected stored job: %#v", job)
	}
	h.assertWorkDirEmpty(t)
}

func writeHangingGhostscript(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not available on windows")
	}
	path := filepath.Join(t.TempDir(), "gs")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755); err != nil {
		t.Fatalf("failed to write fake ghostscript: %v", err)
	}
	return path
}

func TestManagerTimeoutFailsJobOnce(t *testing.T) {
	timeout := 300 * time.Millisecond
	engine, err := pdf.NewGhostscriptEngine(writeHangingGhostscript(t), pdf.OptimizePresetBalanced, timeout)
	if err != nil {
		t.Fatalf("NewGhostscriptEngine: %v", err)
	}
	h := newHarness(t, engine, http.StatusOK, PoolConfig{})

	start := time.Now()
	submission, err := h.manager.Submit(context.Background(), pdf.SubmitRequest{
		File:        newFileHeader(t, "slow.pdf", "application/pdf", pdfContent(1024)),
		CallbackURL: h.hooks.srv.URL,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	payload := h.hooks.wait(t, 10*time.Second)
	if elapsed := time.Since(start); elapsed > timeout+5*time.Second {
		t.Fatalf("job resolved too late: %s", elapsed)
	}
	h.drain(t)

	if payload["status"] != "failed" || payload["error"] != "compression timed out" {
		t.Fatalf("unexpected payload: %#v", payload)
	}
	if len(h.hooks.all()) != 1 {
		t.Fatalf("failure webhook must be sent exactly once, got %d", len(h.hooks.all()))
	}
	job, err := h.manager.Get(context.Background(), submission.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != StatusFailed || job.CompressedSize != nil {
		t.Fatalf("unexpected stored job: %#v", job)
	}
	h.assertWorkDirEmpty(t)
}

func TestManagerInvalidDocumentFails(t *testing.T) {
	engine, err := pdf.NewPdfcpuEngine(10 * time.Second)
	if err != nil {
		t.Fatalf("NewPdfcpuEngine: %v", err)
	}
	h := newHarness(t, engine, http.StatusOK, PoolConfig{})

	_, err = h.manager.Submit(context.Background(), pdf.SubmitRequest{
		File:        newFileHeader(t, "broken.pdf", "application/pdf", []byte("definitely not a pdf document")),
		CallbackURL: h.hooks.srv.URL,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	payload := h.hooks.wait(t, 10*time.Second)
	h.drain(t)

	if payload["status"] != "failed" {
		t.Fatalf("unexpected payload: %#v", payload)
	}
	if msg, _ := payload["error"].(string); msg == "" {
		t.Fatal("failure payload must carry an error message")
	}
	if _, ok := payload["fileData"]; ok {
		t.Fatal("failure payload must not carry fileData")
	}
	h.assertWorkDirEmpty(t)
}

func TestManagerRejectsInvalidInputWithoutJob(t *testing.T) {
	h := newHarness(t, halvingEngine(), http.StatusOK, PoolConfig{})

	cases := []struct {
		name string
		req  pdf.SubmitRequest
		code string
	}{
		{
			name: "empty file",
			req:  pdf.SubmitRequest{File: newFileHeader(t, "empty.pdf", "application/pdf", nil), CallbackURL: h.hooks.srv.URL},
			code: pdf.CodeInvalidInput,
		},
		{
			name: "not a pdf",
			req:  pdf.SubmitRequest{File: newFileHeader(t, "image.png", "image/png", []byte("png")), CallbackURL: h.hooks.srv.URL},
			code: pdf.CodeUnsupportedMediaType,
		},
		{
			name: "too large",
			req:  pdf.SubmitRequest{File: newFileHeader(t, "big.pdf", "application/pdf", pdfContent(6<<20)), CallbackURL: h.hooks.srv.URL},
			code: pdf.CodeLimitExceeded,
		},
		{
			name: "bad callback",
			req:  pdf.SubmitRequest{File: newFileHeader(t, "a.pdf", "application/pdf", pdfContent(64)), CallbackURL: "not a url"},
			code: pdf.CodeInvalidInput,
		},
	}
	for _, tc := range cases {
		_, err := h.manager.Submit(context.Background(), tc.req)
		var apiErr *pdf.Error
		if !errors.As(err, &apiErr) || apiErr.Code != tc.code {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.code, err)
		}
	}

	h.drain(t)
	if n := h.store.createCount(); n != 0 {
		t.Fatalf("no job may be created for invalid input, got %d", n)
	}
	if len(h.hooks.all()) != 0 {
		t.Fatal("no webhook may be sent for invalid input")
	}
	h.assertWorkDirEmpty(t)
}

func TestManagerWebhookErrorKeepsStatus(t *testing.T) {
	h := newHarness(t, halvingEngine(), http.StatusInternalServerError, PoolConfig{})

	submission, err := h.manager.Submit(context.Background(), pdf.SubmitRequest{
		File:        newFileHeader(t, "a.pdf", "application/pdf", pdfContent(4096)),
		CallbackURL: h.hooks.srv.URL,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.hooks.wait(t, 10*time.Second)
	h.drain(t)

	job, err := h.manager.Get(context.Background(), submission.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != StatusCompleted {
		t.Fatalf("webhook failure must not change status, got %s", job.Status)
	}
	if len(h.hooks.all()) != 1 {
		t.Fatal("delivery must not be retried")
	}

	logged := false
	for _, entry := range h.logs.AllEntries() {
		if entry.Message == "webhook delivery failed" && entry.Data["job_id"] == submission.JobID {
			logged = true
		}
	}
	if !logged {
		t.Fatal("delivery failure was not logged")
	}
	h.assertWorkDirEmpty(t)
}

func TestManagerStoreFailureSkipsWebhook(t *testing.T) {
	h := newHarness(t, halvingEngine(), http.StatusOK, PoolConfig{})
	h.store.failOn = "complete"

	submission, err := h.manager.Submit(context.Background(), pdf.SubmitRequest{
		File:        newFileHeader(t, "a.pdf", "application/pdf", pdfContent(4096)),
		CallbackURL: h.hooks.srv.URL,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.drain(t)

	if len(h.hooks.all()) != 0 {
		t.Fatal("webhook must not be sent when the record was not updated")
	}
	job, err := h.manager.Get(context.Background(), submission.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != StatusProcessing {
		t.Fatalf("job should stay processing, got %s", job.Status)
	}
	h.assertWorkDirEmpty(t)
}

func TestManagerEnginePanicFailsJob(t *testing.T) {
	engine := &fakeEngine{compress: func(ctx context.Context, inputPath, outputPath string) error {
		panic("engine exploded")
	}}
	h := newHarness(t, engine, http.StatusOK, PoolConfig{})

	if _, err := h.manager.Submit(context.Background(), pdf.SubmitRequest{
		File:        newFileHeader(t, "a.pdf", "application/pdf", pdfContent(128)),
		CallbackURL: h.hooks.srv.URL,
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	payload := h.hooks.wait(t, 10*time.Second)
	h.drain(t)

	if payload["status"] != "failed" || !strings.Contains(payload["error"].(string), "engine exploded") {
		t.Fatalf("unexpected payload: %#v", payload)
	}
	h.assertWorkDirEmpty(t)
}

func TestManagerQueueFull(t *testing.T) {
	release := make(chan struct{})
	engine := &fakeEngine{compress: func(ctx context.Context, inputPath, outputPath string) error {
		<-release
		data, err := os.ReadFile(inputPath)
		if err != nil {
			return err
		}
		return os.WriteFile(outputPath, data, 0o600)
	}}
	h := newHarness(t, engine, http.StatusOK, PoolConfig{Workers: 1, QueueSize: 1, TaskTimeout: time.Minute})

	accepted := 0
	rejected := 0
	for i := 0; i < 3; i++ {
		_, err := h.manager.Submit(context.Background(), pdf.SubmitRequest{
			File:        newFileHeader(t, "a.pdf", "application/pdf", pdfContent(128)),
			CallbackURL: h.hooks.srv.URL,
		})
		var apiErr *pdf.Error
		switch {
		case err == nil:
			accepted++
		case errors.As(err, &apiErr) && apiErr.Code == pdf.CodeQueueFull:
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if rejected == 0 {
		t.Fatal("expected at least one submission to be rejected")
	}

	close(release)
	h.drain(t)

	if got := len(h.hooks.all()); got != accepted {
		t.Fatalf("expected %d webhooks, got %d", accepted, got)
	}
	if n := h.store.createCount(); n != 3 {
		t.Fatalf("expected 3 created records, got %d", n)
	}
	h.assertWorkDirEmpty(t)
}

func TestManagerRejectsAfterShutdown(t *testing.T) {
	h := newHarness(t, halvingEngine(), http.StatusOK, PoolConfig{})
	h.drain(t)

	_, err := h.manager.Submit(context.Background(), pdf.SubmitRequest{
		File:        newFileHeader(t, "a.pdf", "application/pdf", pdfContent(128)),
		CallbackURL: h.hooks.srv.URL,
	})
	var apiErr *pdf.Error
	if !errors.As(err, &apiErr) || apiErr.Code != pdf.CodeQueueFull {
		t.Fatalf("expected QUEUE_FULL after shutdown, got %v", err)
	}
}

func TestManagerCompletesJobWithLongFilename(t *testing.T) {
	h := newHarness(t, halvingEngine(), http.StatusOK, PoolConfig{})
	original := strings.Repeat("a", 240) + ".pdf"

	submission, err := h.manager.Submit(context.Background(), pdf.SubmitRequest{
		File:        newFileHeader(t, original, "application/pdf", pdfContent(4096)),
		CallbackURL: h.hooks.srv.URL,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	payload := h.hooks.wait(t, 10*time.Second)
	h.drain(t)

	if payload["status"] != "completed" || payload["jobId"] != submission.JobID {
		t.Fatalf("unexpected webhook payload: %#v", payload)
	}
	if payload["originalFilename"] != original {
		t.Fatalf("original filename must be kept intact: %v", payload["originalFilename"])
	}
	compressedName, _ := payload["compressedFilename"].(string)
	if len(compressedName) > 255 || !strings.HasSuffix(compressedName, ".pdf") {
		t.Fatalf("unexpected compressed filename: %q", compressedName)
	}
	h.assertWorkDirEmpty(t)
}

func TestManagerFailureMessageHidesServerPaths(t *testing.T) {
	engine := &fakeEngine{compress: func(ctx context.Context, inputPath, outputPath string) error {
		return nil
	}}
	h := newHarness(t, engine, http.StatusOK, PoolConfig{})

	submission, err := h.manager.Submit(context.Background(), pdf.SubmitRequest{
		File:        newFileHeader(t, "a.pdf", "application/pdf", pdfContent(128)),
		CallbackURL: h.hooks.srv.URL,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	payload := h.hooks.wait(t, 10*time.Second)
	h.drain(t)

	if payload["status"] != "failed" || payload["error"] != "failed to read compressed file" {
		t.Fatalf("unexpected payload: %#v", payload)
	}
	job, err := h.manager.Get(context.Background(), submission.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if strings.Contains(job.ErrorMessage, h.files.Root()) {
		t.Fatalf("stored error leaks work dir: %q", job.ErrorMessage)
	}

	logged := false
	for _, entry := range h.logs.AllEntries() {
		if entry.Message != "failed to read compressed file" {
			continue
		}
		if cause, ok := entry.Data[logrus.ErrorKey].(error); ok && strings.Contains(cause.Error(), h.files.Root()) {
			logged = true
		}
	}
	if !logged {
		t.Fatal("expected the underlying path error in the log")
	}
}
