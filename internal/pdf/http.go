package pdf

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// multipart のヘッダーや callback_url フィールド分の余裕
const formOverheadBytes = 1 << 20

// SubmitRequest は圧縮ジョブの投入内容です。
type SubmitRequest struct {
	File        *multipart.FileHeader
	CallbackURL string
}

// Submission は投入直後のジョブ状態です。
type Submission struct {
	JobID  string
	Status string
}

// CompressService は圧縮ジョブを受け付けるサービスが実装します。
type CompressService interface {
	Submit(ctx context.Context, req SubmitRequest) (*Submission, error)
}

// HandlerOptions はハンドラーの制限値です。
type HandlerOptions struct {
	MaxFileSize int64
}

type compressForm struct {
	CallbackURL string `form:"callback_url" binding:"required"`
}

// CompressHandler は POST /api/pdf/compress のハンドラーを返します。
// ジョブを作成した時点で 202 を返し、圧縮結果は callback_url へ通知されます。
func CompressHandler(svc CompressService, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		if opts.MaxFileSize > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, opts.MaxFileSize+formOverheadBytes)
		}

		form, err := c.MultipartForm()
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				respondWithError(c, newError(CodeLimitExceeded, "ファイルサイズが上限を超えています。", err))
				return
			}
			respondWithError(c, newError(CodeInvalidInput, "multipart/form-data でPDFファイルを送信してください。", err))
			return
		}
		defer form.RemoveAll()

		file, err := extractSingleFile(form)
		if err != nil {
			respondWithError(c, newError(CodeInvalidInput, err.Error(), nil))
			return
		}

		var body compressForm
		if err := c.ShouldBind(&body); err != nil {
			respondWithError(c, newError(CodeInvalidInput, "callback_url を指定してください。", err))
			return
		}

		submission, err := svc.Submit(c.Request.Context(), SubmitRequest{
			File:        file,
			CallbackURL: strings.TrimSpace(body.CallbackURL),
		})
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"success": true,
			"jobId":   submission.JobID,
			"status":  submission.Status,
		})
	}
}

// RespondWithError はエラー種別に応じた HTTP ステータスで JSON を返します。
func RespondWithError(c *gin.Context, err error) {
	respondWithError(c, err)
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		c.JSON(statusForCode(apiErr.Code), gin.H{
			"success": false,
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"success": false,
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"code":    CodeInternal,
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func statusForCode(code string) int {
	switch code {
	case CodeLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case CodeUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case CodeQueueFull:
		return http.StatusServiceUnavailable
	case CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func extractSingleFile(form *multipart.Form) (*multipart.FileHeader, error) {
	if form == nil {
		return nil, errors.New("PDFファイルを選択してください。")
	}
	if file := form.File["file"]; len(file) > 0 {
		return file[0], nil
	}
	if file := form.File["file[]"]; len(file) > 0 {
		return file[0], nil
	}
	if file := form.File["pdf"]; len(file) > 0 {
		return file[0], nil
	}
	return nil, errors.New("PDFファイルを選択してください。")
}
