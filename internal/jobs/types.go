package jobs

import (
	"errors"
	"math"
	"time"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal は終端状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	// ErrJobNotFound は指定 ID のジョブが存在しないことを表します。
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition は processing 以外のジョブを確定させようとしたことを表します。
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Job は 1 件の圧縮ジョブです。
// CompressedFilename / CompressedSize / CompressionRatio は completed のときだけ揃って設定されます。
type Job struct {
	JobID              string     `json:"jobId"`
	CallbackURL        string     `json:"callbackUrl"`
	Status             Status     `json:"status"`
	OriginalFilename   string     `json:"originalFilename"`
	CompressedFilename string     `json:"compressedFilename,omitempty"`
	OriginalSize       int64      `json:"originalSize"`
	CompressedSize     *int64     `json:"compressedSize,omitempty"`
	CompressionRatio   *float64   `json:"compressionRatio,omitempty"`
	ErrorMessage       string     `json:"errorMessage,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
}

// View はステータス確認 API 向けの表現です。callback_url は返しません。
type View struct {
	JobID              string     `json:"jobId"`
	Status             Status     `json:"status"`
	OriginalFilename   string     `json:"originalFilename"`
	CompressedFilename string     `json:"compressedFilename,omitempty"`
	OriginalSize       int64      `json:"originalSize"`
	CompressedSize     *int64     `json:"compressedSize,omitempty"`
	CompressionRatio   *float64   `json:"compressionRatio,omitempty"`
	Error              string     `json:"error,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
}

// View は Job を API 表現に変換します。
func (j *Job) View() View {
	return View{
		JobID:              j.JobID,
		Status:             j.Status,
		OriginalFilename:   j.OriginalFilename,
		CompressedFilename: j.CompressedFilename,
		OriginalSize:       j.OriginalSize,
		CompressedSize:     j.CompressedSize,
		CompressionRatio:   j.CompressionRatio,
		Error:              j.ErrorMessage,
		CreatedAt:          j.CreatedAt,
		CompletedAt:        j.CompletedAt,
	}
}

// CreateParams はジョブ作成時の入力です。
type CreateParams struct {
	CallbackURL      string
	OriginalFilename string
	OriginalSize     int64
}

// Completion は圧縮成功時に記録する値です。
type Completion struct {
	CompressedFilename string
	CompressedSize     int64
	CompressionRatio   float64
}

// ComputeCompressionRatio は (original - compressed) / original * 100 を小数第 2 位で丸めます。
// 圧縮後の方が大きい場合は負の値になります。
func ComputeCompressionRatio(originalSize, compressedSize int64) float64 {
	if originalSize <= 0 {
		return 0
	}
	ratio := float64(originalSize-compressedSize) / float64(originalSize) * 100
	return math.Round(ratio*100) / 100
}

func applyCompletion(job *Job, c Completion, at time.Time) {
	size := c.CompressedSize
	ratio := c.CompressionRatio
	completedAt := at
	job.Status = StatusCompleted
	job.CompressedFilename = c.CompressedFilename
	job.CompressedSize = &size
	job.CompressionRatio = &ratio
	job.ErrorMessage = ""
	job.CompletedAt = &completedAt
}

func applyFailure(job *Job, message string, at time.Time) {
	completedAt := at
	job.Status = StatusFailed
	job.ErrorMessage = message
	job.CompletedAt = &completedAt
}
