// Package jobs は圧縮ジョブの記録・実行・通知をまとめて管理します。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/ncobase/ncore/concurrency/worker"
	"github.com/sirupsen/logrus"
)

const (
	// TaskTypeCompress は asynq のタスク種別です。
	TaskTypeCompress = "pdf:compress"

	queueName = "pdf"
)

var (
	// ErrQueueFull はワーカーの待ち行列が埋まっていることを表します。
	ErrQueueFull = errors.New("job queue is full")
	// ErrDispatcherClosed は停止済みのディスパッチャーへ投入したことを表します。
	ErrDispatcherClosed = errors.New("dispatcher is closed")
)

// Task はワーカーへ渡す 1 ジョブ分の処理要求です。
type Task struct {
	JobID     string `json:"jobId"`
	InputPath string `json:"inputPath"`
}

// TaskHandler はタスクを 1 件処理します。
type TaskHandler func(ctx context.Context, task Task) error

// Dispatcher はタスクをバックグラウンドで実行します。
type Dispatcher interface {
	Start(handler TaskHandler) error
	Dispatch(ctx context.Context, task Task) error
	Metrics() map[string]int64
	// Close は新規投入を止め、実行中のタスクを ctx の期限まで待ちます。
	Close(ctx context.Context) error
}

// PoolConfig はプロセス内ワーカープールの設定です。
type PoolConfig struct {
	Workers   int
	QueueSize int
	// TaskTimeout はプールが 1 タスクを待つ上限です。
	// エンジンと webhook のタイムアウト合計より長くしないと同時実行数の上限が効かなくなります。
	TaskTimeout time.Duration
}

// PoolDispatcher は ncore の worker.Pool でタスクを実行します。
type PoolDispatcher struct {
	cfg     *worker.Config
	pool    *worker.Pool
	handler TaskHandler
	logger  logrus.FieldLogger

	mu       sync.RWMutex
	started  bool
	closed   bool
	inflight sync.WaitGroup
}

// NewPoolDispatcher は PoolDispatcher を作成します。
func NewPoolDispatcher(cfg PoolConfig, logger logrus.FieldLogger) (*PoolDispatcher, error) {
	poolCfg := &worker.Config{
		MaxWorkers:  cfg.Workers,
		QueueSize:   cfg.QueueSize,
		TaskTimeout: cfg.TaskTimeout,
	}
	if err := poolCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PoolDispatcher{cfg: poolCfg, logger: logger}, nil
}

// Start はワーカーを起動します。
func (d *PoolDispatcher) Start(handler TaskHandler) error {
	if handler == nil {
		return errors.New("handler is nil")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	if d.started {
		return errors.New("dispatcher already started")
	}
	d.handler = handler
	d.pool = worker.NewPool(d.cfg, d)
	d.pool.Start()
	d.started = true
	d.logger.WithFields(logrus.Fields{
		"workers":    d.cfg.MaxWorkers,
		"queue_size": d.cfg.QueueSize,
	}).Info("worker pool started")
	return nil
}

// Dispatch はタスクを待ち行列に積みます。空きがなければ ErrQueueFull を返します。
func (d *PoolDispatcher) Dispatch(ctx context.Context, task Task) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || !d.started {
		return ErrDispatcherClosed
	}
	d.inflight.Add(1)
	if err := d.pool.Submit(task); err != nil {
		d.inflight.Done()
		if errors.Is(err, worker.ErrQueueFull) {
			return ErrQueueFull
		}
		return err
	}
	return nil
}

// Process は worker.Processor の実装です。
func (d *PoolDispatcher) Process(item any) error {
	defer d.inflight.Done()
	task, ok := item.(Task)
	if !ok {
		return fmt.Errorf("unexpected task type %T", item)
	}
	return d.handler(context.Background(), task)
}

// Metrics はプールの稼働状況を返します。
func (d *PoolDispatcher) Metrics() map[string]int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	metrics := map[string]int64{
		"max_workers": int64(d.cfg.MaxWorkers),
		"queue_size":  int64(d.cfg.QueueSize),
	}
	if d.pool == nil {
		return metrics
	}
	for k, v := range d.pool.GetMetrics() {
		metrics[k] = v
	}
	return metrics
}

// Close は新規投入を止め、実行中と待機中のタスクが終わるのを ctx の期限まで待ちます。
func (d *PoolDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	d.mu.Unlock()
	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("worker pool drain: %w", ctx.Err())
	}
	d.pool.Stop(ctx)
	return err
}

// AsynqOptions は asynq ディスパッチャーの設定です。
type AsynqOptions struct {
	RedisURL        string
	Concurrency     int
	ShutdownTimeout time.Duration
	Logger          logrus.FieldLogger
}

// AsynqDispatcher は Redis 上の asynq キューを経由してタスクを実行します。
// 圧縮の再試行は行わないため MaxRetry(0) で投入します。
type AsynqDispatcher struct {
	client    *asynq.Client
	server    *asynq.Server
	inspector *asynq.Inspector
	mux       *asynq.ServeMux
	handler   TaskHandler
	logger    logrus.FieldLogger
	shutdown  func()
}

// NewAsynqDispatcher は AsynqDispatcher を作成します。
func NewAsynqDispatcher(opts AsynqOptions) (*AsynqDispatcher, error) {
	redisOpt, err := asynq.ParseRedisURI(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	d := &AsynqDispatcher{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		mux:       asynq.NewServeMux(),
		logger:    opts.Logger,
	}
	d.server = asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: opts.Concurrency,
			Queues: map[string]int{
				queueName: 1,
			},
			ShutdownTimeout: opts.ShutdownTimeout,
			Logger:          opts.Logger,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				opts.Logger.WithError(err).WithField("task_type", task.Type()).Error("asynq task failed")
			}),
		},
	)
	d.shutdown = d.server.Shutdown
	d.mux.HandleFunc(TaskTypeCompress, d.handleTask)
	return d, nil
}

// Start は asynq サーバーをバックグラウンドで起動します。
func (d *AsynqDispatcher) Start(handler TaskHandler) error {
	if handler == nil {
		return errors.New("handler is nil")
	}
	d.handler = handler
	if err := d.server.Start(d.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	d.logger.WithField("queue", queueName).Info("asynq server started")
	return nil
}

// Dispatch はタスクを asynq に投入します。
func (d *AsynqDispatcher) Dispatch(ctx context.Context, task Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	info, err := d.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeCompress, body), asynq.Queue(queueName), asynq.MaxRetry(0))
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	d.logger.WithFields(logrus.Fields{
		"job_id":  task.JobID,
		"task_id": info.ID,
	}).Debug("task enqueued")
	return nil
}

func (d *AsynqDispatcher) handleTask(ctx context.Context, t *asynq.Task) error {
	var task Task
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("decode task payload: %v: %w", err, asynq.SkipRetry)
	}
	if task.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}
	if d.handler == nil {
		return errors.New("handler is not registered")
	}
	return d.handler(ctx, task)
}

// Metrics はキューの状況を返します。
func (d *AsynqDispatcher) Metrics() map[string]int64 {
	info, err := d.inspector.GetQueueInfo(queueName)
	if err != nil {
		d.logger.WithError(err).Debug("failed to inspect queue")
		return map[string]int64{}
	}
	return map[string]int64{
		"active_workers":  int64(info.Active),
		"pending_tasks":   int64(info.Pending),
		"completed_tasks": int64(info.ProcessedTotal - info.FailedTotal),
		"failed_tasks":    int64(info.FailedTotal),
	}
}

// Close はサーバーとクライアントを閉じます。
// 実行中のタスクは ShutdownTimeout と ctx の期限のうち早いほうまで待ちます。
func (d *AsynqDispatcher) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.shutdown()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("asynq server drain: %w", ctx.Err())
	}
	return errors.Join(err, d.client.Close(), d.inspector.Close())
}
