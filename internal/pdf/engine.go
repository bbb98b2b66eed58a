// Package pdf は PDF 圧縮エンジンとアップロード受付まわりの処理を提供します。
package pdf

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
)

// Engine は入力ファイルを圧縮して出力パスへ書き出します。
// 失敗した場合は *EngineError を返します。
type Engine interface {
	Name() string
	Compress(ctx context.Context, inputPath, outputPath string) error
}

const maxDiagnosticBytes = 2048

// verifyOutput は出力ファイルが存在し空でないことを確認します。
func verifyOutput(outputPath string) error {
	info, err := os.Stat(outputPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &EngineError{Kind: EngineNoOutput}
		}
		return &EngineError{Kind: EngineNoOutput, Err: err}
	}
	if info.IsDir() || info.Size() == 0 {
		return &EngineError{Kind: EngineNoOutput}
	}
	return nil
}

// tailOutput は診断用出力の末尾だけを残します。
func tailOutput(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxDiagnosticBytes {
		return s
	}
	return "..." + s[len(s)-maxDiagnosticBytes:]
}
