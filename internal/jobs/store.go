package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "job:"

	// 同一ジョブへの書き込みは 1 回だけのため、楽観ロックの再試行はごく少数で足りる
	maxTxRetries = 5
)

// Store はジョブレコードの保存先です。
// MarkCompleted / MarkFailed は processing のジョブに対してだけ成功し、
// それ以外は ErrInvalidTransition を返してレコードを変更しません。
type Store interface {
	Create(ctx context.Context, params CreateParams) (*Job, error)
	Get(ctx context.Context, jobID string) (*Job, error)
	MarkCompleted(ctx context.Context, jobID string, completion Completion) (*Job, error)
	MarkFailed(ctx context.Context, jobID string, message string) (*Job, error)
}

// RedisStore はジョブ状態を Redis に JSON で保存します。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewRedisStore は RedisStore を作成します。ttl が 0 の場合は期限を設定しません。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Create は processing 状態のジョブを新しい ID で作成します。
func (s *RedisStore) Create(ctx context.Context, params CreateParams) (*Job, error) {
	job := &Job{
		JobID:            uuid.NewString(),
		CallbackURL:      params.CallbackURL,
		Status:           StatusProcessing,
		OriginalFilename: params.OriginalFilename,
		OriginalSize:     params.OriginalSize,
		CreatedAt:        s.now(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	created, err := s.rdb.SetNX(ctx, jobKey(job.JobID), payload, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if !created {
		return nil, fmt.Errorf("create job: id %s already exists", job.JobID)
	}
	return job, nil
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, ErrJobNotFound
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkCompleted はジョブを completed に遷移させます。
func (s *RedisStore) MarkCompleted(ctx context.Context, jobID string, completion Completion) (*Job, error) {
	return s.transition(ctx, jobID, func(job *Job) {
		applyCompletion(job, completion, s.now())
	})
}

// MarkFailed はジョブを failed に遷移させます。
func (s *RedisStore) MarkFailed(ctx context.Context, jobID string, message string) (*Job, error) {
	return s.transition(ctx, jobID, func(job *Job) {
		applyFailure(job, message, s.now())
	})
}

func (s *RedisStore) transition(ctx context.Context, jobID string, mutate func(*Job)) (*Job, error) {
	key := jobKey(jobID)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var updated *Job
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
				}
				return err
			}
			var job Job
			if err := json.Unmarshal(data, &job); err != nil {
				return err
			}
			if job.Status != StatusProcessing {
				return fmt.Errorf("%w: job %s is already %s", ErrInvalidTransition, jobID, job.Status)
			}
			mutate(&job)
			payload, err := json.Marshal(&job)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, s.ttl)
				return nil
			})
			if err != nil {
				return err
			}
			updated = &job
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update job %s: %w", jobID, redis.TxFailedErr)
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
