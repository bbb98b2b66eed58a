package pdf

import (
	"context"
	"fmt"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// CountPages は PDF のページ数を返します。ログの補足情報用で、圧縮の可否には使いません。
func CountPages(path string) (pages int, err error) {
	// 壊れた入力で pdfcpu が panic することがあるためエラーに変換する
	defer func() {
		if r := recover(); r != nil {
			pages = 0
			err = fmt.Errorf("pdfcpu panic: %v", r)
		}
	}()
	disablePdfcpuConfigDir.Do(pdfapi.DisableConfigDir)
	return pdfapi.PageCountFile(path)
}

// CountPagesContext は CountPages を ctx の期限で打ち切ります。
// 打ち切った後も解析は裏で最後まで走りますが、呼び出し元は待ちません。
func CountPagesContext(ctx context.Context, path string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	type result struct {
		pages int
		err   error
	}
	done := make(chan result, 1)
	go func() {
		pages, err := CountPages(path)
		done <- result{pages: pages, err: err}
	}()
	select {
	case r := <-done:
		return r.pages, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
