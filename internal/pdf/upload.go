package pdf

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ValidateUpload はアップロードファイルの事前条件（空でない・上限以下・PDF と申告されている）を検証します。
func ValidateUpload(file *multipart.FileHeader, maxSize int64) error {
	if file == nil {
		return newError(CodeInvalidInput, "PDFファイルを選択してください。", nil)
	}
	if file.Size <= 0 {
		return newError(CodeInvalidInput, "空のファイルはアップロードできません。", nil)
	}
	if maxSize > 0 && file.Size > maxSize {
		return newError(CodeLimitExceeded, fmt.Sprintf("ファイルサイズが上限 (%d bytes) を超えています。", maxSize), nil)
	}
	if !IsPDFMediaType(file.Header.Get("Content-Type")) {
		return newError(CodeUnsupportedMediaType, "PDFファイルのみアップロードできます。", nil)
	}
	return nil
}

// IsPDFMediaType は申告された Content-Type が PDF（別名を含む）かどうかを判定します。
func IsPDFMediaType(declared string) bool {
	declared = strings.TrimSpace(declared)
	if declared == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return false
	}
	pdfType := mimetype.Lookup(MimeTypePDF)
	return pdfType != nil && pdfType.Is(mediaType)
}

// DetectMediaType は内容から推定した MIME タイプを返します（診断ログ用）。
func DetectMediaType(r io.Reader) string {
	if r == nil {
		return ""
	}
	detected, err := mimetype.DetectReader(r)
	if err != nil {
		return ""
	}
	return detected.String()
}
