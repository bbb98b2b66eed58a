package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Ghostscript がパイプを握ったまま子プロセスを残した場合でも Wait を打ち切るまでの猶予
const ghostscriptWaitDelay = 2 * time.Second

// GhostscriptEngine は Ghostscript をサブプロセスとして起動して PDF を圧縮します。
type GhostscriptEngine struct {
	path    string
	preset  OptimizePreset
	timeout time.Duration
}

// NewGhostscriptEngine は GhostscriptEngine を作成します。
func NewGhostscriptEngine(path string, preset OptimizePreset, timeout time.Duration) (*GhostscriptEngine, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("ghostscript path is required")
	}
	if timeout <= 0 {
		return nil, errors.New("timeout must be positive")
	}
	preset, err := NormalizePreset(preset)
	if err != nil {
		return nil, err
	}
	return &GhostscriptEngine{path: path, preset: preset, timeout: timeout}, nil
}

// Name はエンジン名を返します。
func (g *GhostscriptEngine) Name() string {
	return "ghostscript"
}

// Compress は Ghostscript を実行し、タイムアウトを超えた場合はプロセスを終了させます。
func (g *GhostscriptEngine) Compress(ctx context.Context, inputPath, outputPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// 前回の残骸を成果物と誤認しないよう先に消しておく
	_ = os.Remove(outputPath)

	cmd := exec.CommandContext(runCtx, g.path, ghostscriptArgs(outputPath, inputPath, g.preset)...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.WaitDelay = ghostscriptWaitDelay

	runErr := cmd.Run()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &EngineError{Kind: EngineTimeout, Output: tailOutput(output.String()), Err: runCtx.Err()}
	}
	if runErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return &EngineError{
			Kind:     EngineNonZeroExit,
			ExitCode: exitCode,
			Output:   tailOutput(output.String()),
			Err:      runErr,
		}
	}

	return verifyOutput(outputPath)
}

func ghostscriptArgs(outputPath, inputPath string, preset OptimizePreset) []string {
	return []string{
		"-sDEVICE=pdfwrite",
		"-dCompatibilityLevel=1.4",
		"-dNOPAUSE",
		"-dQUIET",
		"-dBATCH",
		fmt.Sprintf("-dPDFSETTINGS=%s", preset.ghostscriptSetting()),
		fmt.Sprintf("-sOutputFile=%s", outputPath),
		inputPath,
	}
}
