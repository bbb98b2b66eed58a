package pdf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var disablePdfcpuConfigDir sync.Once

// PdfcpuEngine は pdfcpu の最適化処理をプロセス内で実行するエンジンです。
// Ghostscript が導入できない環境向けで、圧縮率は Ghostscript より控えめです。
type PdfcpuEngine struct {
	timeout time.Duration
}

// NewPdfcpuEngine は PdfcpuEngine を作成します。
func NewPdfcpuEngine(timeout time.Duration) (*PdfcpuEngine, error) {
	if timeout <= 0 {
		return nil, errors.New("timeout must be positive")
	}
	// ユーザー設定ディレクトリへの書き込みを避ける
	disablePdfcpuConfigDir.Do(pdfapi.DisableConfigDir)
	return &PdfcpuEngine{timeout: timeout}, nil
}

// Name はエンジン名を返します。
func (p *PdfcpuEngine) Name() string {
	return "pdfcpu"
}

// Compress は pdfcpu で最適化した PDF を outputPath に書き出します。
//
// pdfcpu の処理は途中で止められないため、タイムアウト時はバックグラウンドで
// 完了を待って一時ファイルを片付けます。
func (p *PdfcpuEngine) Compress(ctx context.Context, inputPath, outputPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := runCtx.Err(); err != nil {
		return &EngineError{Kind: EngineTimeout, Err: err}
	}

	_ = os.Remove(outputPath)
	tmpPath := outputPath + ".tmp"

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("pdfcpu panic: %v", r)
			}
		}()
		conf := model.NewDefaultConfiguration()
		conf.ValidationMode = model.ValidationRelaxed
		done <- pdfapi.OptimizeFile(inputPath, tmpPath, conf)
	}()

	select {
	case err := <-done:
		if err != nil {
			_ = os.Remove(tmpPath)
			return &EngineError{Kind: EngineNonZeroExit, ExitCode: -1, Err: err}
		}
		if err := os.Rename(tmpPath, outputPath); err != nil {
			_ = os.Remove(tmpPath)
			return &EngineError{Kind: EngineNoOutput, Err: err}
		}
		return verifyOutput(outputPath)
	case <-runCtx.Done():
		go func() {
			<-done
			_ = os.Remove(tmpPath)
		}()
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return &EngineError{Kind: EngineTimeout, Err: runCtx.Err()}
		}
		return &EngineError{Kind: EngineNonZeroExit, ExitCode: -1, Err: runCtx.Err()}
	}
}
