package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/paper-press/internal/pdf"
	"github.com/yourusername/paper-press/internal/webhook"
)

// pageCountTimeout はログ用のページ数解析に許す時間です。
const pageCountTimeout = 5 * time.Second

// FileStore は入力と出力の一時ファイルを管理します。
type FileStore interface {
	ReserveInput(r io.Reader) (string, int64, error)
	OutputPathFor(jobID, originalName string) (string, error)
	Remove(path string)
}

// Notifier はジョブの最終結果を callback_url へ通知します。
type Notifier interface {
	DeliverCompleted(ctx context.Context, callbackURL string, result webhook.Completed) error
	DeliverFailed(ctx context.Context, callbackURL, jobID, message string) error
}

// ManagerOptions は受付時の制限値です。
type ManagerOptions struct {
	MaxFileSize          int64
	RequireHTTPSCallback bool
}

// Manager はジョブの受付から圧縮・記録・通知・後片付けまでを調整します。
type Manager struct {
	store      Store
	files      FileStore
	engine     pdf.Engine
	notifier   Notifier
	dispatcher Dispatcher
	opts       ManagerOptions
	logger     logrus.FieldLogger
	now        func() time.Time

	mu     sync.RWMutex
	closed bool
}

// NewManager は Manager を初期化します。
func NewManager(store Store, files FileStore, engine pdf.Engine, notifier Notifier, dispatcher Dispatcher, opts ManagerOptions, logger logrus.FieldLogger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if files == nil {
		return nil, errors.New("file store is nil")
	}
	if engine == nil {
		return nil, errors.New("engine is nil")
	}
	if notifier == nil {
		return nil, errors.New("notifier is nil")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		store:      store,
		files:      files,
		engine:     engine,
		notifier:   notifier,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Start はバックグラウンドワーカーを起動します。
func (m *Manager) Start() error {
	return m.dispatcher.Start(m.handleTask)
}

// Shutdown は新規受付を止め、実行中のジョブを ctx の期限まで待ちます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.dispatcher.Close(ctx)
}

// Get はジョブ情報を取得します。
func (m *Manager) Get(ctx context.Context, jobID string) (*Job, error) {
	return m.store.Get(ctx, jobID)
}

// Metrics はディスパッチャーの稼働状況を返します。
func (m *Manager) Metrics() map[string]int64 {
	return m.dispatcher.Metrics()
}

// Submit は入力を検証して processing のジョブを作成し、圧縮をバックグラウンドへ渡します。
// 検証に失敗した場合はジョブを作成しません。
func (m *Manager) Submit(ctx context.Context, req pdf.SubmitRequest) (*pdf.Submission, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, pdf.NewError(pdf.CodeQueueFull, "サーバーが停止処理中です。", ErrDispatcherClosed)
	}

	if err := webhook.ValidateURL(req.CallbackURL, m.opts.RequireHTTPSCallback); err != nil {
		return nil, pdf.NewError(pdf.CodeInvalidInput, "callback_url が不正です。", err)
	}
	if err := pdf.ValidateUpload(req.File, m.opts.MaxFileSize); err != nil {
		return nil, err
	}

	inputPath, written, err := m.storeUpload(req.File)
	if err != nil {
		return nil, err
	}

	logger := m.logger.WithField("filename", req.File.Filename)
	if detected := detectFileType(inputPath); detected != "" && detected != pdf.MimeTypePDF {
		logger.WithField("detected_type", detected).Warn("uploaded file does not look like a pdf")
	}

	job, err := m.store.Create(ctx, CreateParams{
		CallbackURL:      req.CallbackURL,
		OriginalFilename: filepath.Base(req.File.Filename),
		OriginalSize:     written,
	})
	if err != nil {
		m.files.Remove(inputPath)
		return nil, fmt.Errorf("create job: %w", err)
	}
	logger = logger.WithField("job_id", job.JobID)

	if err := m.dispatcher.Dispatch(ctx, Task{JobID: job.JobID, InputPath: inputPath}); err != nil {
		m.rejectDispatch(job.JobID, inputPath, err, logger)
		if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrDispatcherClosed) {
			return nil, pdf.NewError(pdf.CodeQueueFull, "現在混み合っています。しばらくしてから再度お試しください。", err)
		}
		return nil, fmt.Errorf("dispatch job: %w", err)
	}

	logger.WithField("original_size", written).Info("job accepted")
	return &pdf.Submission{JobID: job.JobID, Status: string(job.Status)}, nil
}

func (m *Manager) storeUpload(file *multipart.FileHeader) (string, int64, error) {
	src, err := file.Open()
	if err != nil {
		return "", 0, pdf.NewError(pdf.CodeInvalidInput, "アップロードファイルを開けませんでした。", err)
	}
	defer src.Close()

	inputPath, written, err := m.files.ReserveInput(src)
	if err != nil {
		return "", 0, fmt.Errorf("store upload: %w", err)
	}
	if written == 0 {
		m.files.Remove(inputPath)
		return "", 0, pdf.NewError(pdf.CodeInvalidInput, "空のファイルはアップロードできません。", nil)
	}
	return inputPath, written, nil
}

// rejectDispatch は投入できなかったジョブを failed にして入力を消します。
// 呼び出し元へ同期的にエラーを返すため webhook は送りません。
func (m *Manager) rejectDispatch(jobID, inputPath string, cause error, logger logrus.FieldLogger) {
	if _, err := m.store.MarkFailed(context.Background(), jobID, "job could not be scheduled: "+cause.Error()); err != nil {
		logger.WithError(err).Error("failed to mark rejected job as failed")
	}
	m.files.Remove(inputPath)
	logger.WithError(cause).Warn("job rejected by dispatcher")
}

// handleTask は 1 ジョブを終端状態まで進めます。
// 失敗はジョブの状態とログで表現し、呼び出し元へは返しません。
func (m *Manager) handleTask(ctx context.Context, task Task) error {
	var logger logrus.FieldLogger = m.logger.WithField("job_id", task.JobID)
	// 記録と通知はエンジンの中断に巻き込まない
	bg := context.WithoutCancel(ctx)

	defer m.files.Remove(task.InputPath)

	job, err := m.store.Get(bg, task.JobID)
	if err != nil {
		logger.WithError(err).Error("failed to load job")
		return nil
	}
	if job.Status != StatusProcessing {
		logger.WithField("status", job.Status).Warn("job already resolved, skipping")
		return nil
	}

	outputPath, err := m.files.OutputPathFor(job.JobID, job.OriginalFilename)
	if err != nil {
		logger.WithError(err).Error("failed to prepare output")
		m.fail(bg, job, "failed to prepare output", logger)
		return nil
	}
	defer m.files.Remove(outputPath)

	start := time.Now()
	if err := m.compress(ctx, task.InputPath, outputPath); err != nil {
		logger.WithError(err).WithField("elapsed", time.Since(start)).Warn("compression failed")
		m.fail(bg, job, err.Error(), logger)
		return nil
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		logger.WithError(err).Error("failed to read compressed file")
		m.fail(bg, job, "failed to read compressed file", logger)
		return nil
	}
	logger = withPageCount(ctx, logger, outputPath)

	completion := Completion{
		CompressedFilename: filepath.Base(outputPath),
		CompressedSize:     info.Size(),
		CompressionRatio:   ComputeCompressionRatio(job.OriginalSize, info.Size()),
	}
	completed, err := m.store.MarkCompleted(bg, job.JobID, completion)
	if err != nil {
		logger.WithError(err).Error("failed to record completion")
		return nil
	}
	logger.WithFields(logrus.Fields{
		"compressed_size":   completion.CompressedSize,
		"compression_ratio": completion.CompressionRatio,
		"elapsed":           time.Since(start),
	}).Info("job completed")

	completedAt := m.now()
	if completed.CompletedAt != nil {
		completedAt = *completed.CompletedAt
	}
	_ = m.notifier.DeliverCompleted(bg, completed.CallbackURL, webhook.Completed{
		JobID:              completed.JobID,
		OriginalFilename:   completed.OriginalFilename,
		CompressedFilename: completion.CompressedFilename,
		OriginalSize:       completed.OriginalSize,
		CompressedSize:     completion.CompressedSize,
		CompressionRatio:   completion.CompressionRatio,
		CompletedAt:        completedAt,
		OutputPath:         outputPath,
	})
	return nil
}

// compress はエンジンの panic もエラーとして扱います。
func (m *Manager) compress(ctx context.Context, inputPath, outputPath string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithField("stack", string(debug.Stack())).Errorf("compression panic: %v", r)
			err = fmt.Errorf("unexpected error during compression: %v", r)
		}
	}()
	return m.engine.Compress(ctx, inputPath, outputPath)
}

// withPageCount は出力のページ数をログ項目に加えます。解析は pageCountTimeout で打ち切ります。
func withPageCount(ctx context.Context, logger logrus.FieldLogger, path string) logrus.FieldLogger {
	ctx, cancel := context.WithTimeout(ctx, pageCountTimeout)
	defer cancel()
	pages, err := pdf.CountPagesContext(ctx, path)
	if err != nil {
		logger.WithError(err).Debug("page count unavailable")
		return logger
	}
	return logger.WithField("pages", pages)
}

// fail はジョブを failed にして通知します。message は callback 先へそのまま届くため
// サーバー内部のパスを含めないこと。
func (m *Manager) fail(ctx context.Context, job *Job, message string, logger logrus.FieldLogger) {
	failed, err := m.store.MarkFailed(ctx, job.JobID, message)
	if err != nil {
		logger.WithError(err).Error("failed to record failure")
		return
	}
	logger.WithField("error_message", message).Info("job failed")
	_ = m.notifier.DeliverFailed(ctx, failed.CallbackURL, failed.JobID, message)
}

func detectFileType(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	return pdf.DetectMediaType(f)
}
