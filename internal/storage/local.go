// Package storage はジョブが使う一時ファイルの配置と削除を担います。
//
// 保存先:
//   - 入力: <root>/in/<uuid>.pdf
//   - 出力: <root>/out/<jobID>/compressed_<epoch-millis>_<元ファイル名>（255 バイトに収まるよう切り詰め）
//
// 削除はベストエフォートで、失敗してもログに残すだけで呼び出し元へは伝えません。
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	inDirName  = "in"
	outDirName = "out"

	fallbackFilename = "document.pdf"

	// 多くのファイルシステムの NAME_MAX
	maxNameBytes = 255
	maxExtBytes  = 16
)

// Local はローカルファイルシステム上の作業ディレクトリです。
type Local struct {
	root   string
	inDir  string
	outDir string
	logger logrus.FieldLogger
	now    func() time.Time
}

// NewLocal は作業ディレクトリを作成して Local を返します。
func NewLocal(root string, logger logrus.FieldLogger) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("storage root is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	l := &Local{
		root:   root,
		inDir:  filepath.Join(root, inDirName),
		outDir: filepath.Join(root, outDirName),
		logger: logger,
		now:    time.Now,
	}
	for _, dir := range []string{l.inDir, l.outDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("作業ディレクトリの作成に失敗しました: %w", err)
		}
	}
	return l, nil
}

// Root は作業ディレクトリのルートを返します。
func (l *Local) Root() string {
	return l.root
}

// ReserveInput はアップロードされた内容を衝突しないパスへ書き出し、パスとサイズを返します。
func (l *Local) ReserveInput(r io.Reader) (string, int64, error) {
	if r == nil {
		return "", 0, errors.New("input reader is nil")
	}
	path := filepath.Join(l.inDir, uuid.NewString()+".pdf")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", 0, fmt.Errorf("入力ファイルの作成に失敗しました: %w", err)
	}

	size, copyErr := io.Copy(file, r)
	closeErr := file.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		l.Remove(path)
		return "", 0, fmt.Errorf("入力ファイルの書き込みに失敗しました: %w", copyErr)
	}
	return path, size, nil
}

// OutputPathFor はジョブの出力先パスを決めます。ファイルはまだ作成しません。
func (l *Local) OutputPathFor(jobID, originalName string) (string, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return "", fmt.Errorf("invalid job id: %q", jobID)
	}
	dir := filepath.Join(l.outDir, jobID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("出力ディレクトリの作成に失敗しました: %w", err)
	}
	prefix := fmt.Sprintf("compressed_%d_", l.now().UnixMilli())
	name := prefix + truncateFilename(SanitizeFilename(originalName), maxNameBytes-len(prefix))
	return filepath.Join(dir, name), nil
}

// Remove はファイルを削除します。存在しない場合は何もしません。
// 出力ディレクトリ配下のジョブディレクトリが空になった場合はそれも削除します。
func (l *Local) Remove(path string) {
	if strings.TrimSpace(path) == "" {
		return
	}
	if !isWithinDir(l.root, path) {
		l.logger.WithField("path", path).Warn("refusing to remove path outside work dir")
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		l.logger.WithError(err).WithField("path", path).Warn("failed to remove temp file")
		return
	}

	parent := filepath.Dir(path)
	if parent != l.outDir && isWithinDir(l.outDir, parent) {
		// 空でなければ失敗するだけなので結果は見ない
		_ = os.Remove(parent)
	}
}

// SanitizeFilename はパス区切りを取り除いた表示用のファイル名を返します。
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	base := filepath.Base(strings.TrimSpace(name))
	switch base {
	case "", ".", "..", "/":
		return fallbackFilename
	}
	base = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, base)
	if base == "" {
		return fallbackFilename
	}
	return base
}

// truncateFilename は拡張子を残したまま name を limit バイト以内に切り詰めます。
// 切れ目は UTF-8 の文字境界に合わせます。
func truncateFilename(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	ext := filepath.Ext(name)
	if len(ext) > maxExtBytes || len(ext) >= limit {
		ext = ""
	}
	stem := name[:len(name)-len(ext)]
	cut := limit - len(ext)
	for cut > 0 && !utf8.RuneStart(stem[cut]) {
		cut--
	}
	if cut == 0 {
		return fallbackFilename
	}
	return stem[:cut] + ext
}

func isWithinDir(basePath, targetPath string) bool {
	baseAbs, err := filepath.Abs(basePath)
	if err != nil {
		return false
	}
	targetAbs, err := filepath.Abs(targetPath)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(baseAbs, targetAbs)
	if err != nil {
		return false
	}
	sep := string(os.PathSeparator)
	if rel == ".." || strings.HasPrefix(rel, ".."+sep) {
		return false
	}
	return true
}
