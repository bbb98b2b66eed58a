package pdf

import (
	"fmt"
	"strings"
)

// OptimizePreset は圧縮プリセットの種類を表します。
type OptimizePreset string

const (
	OptimizePresetBalanced   OptimizePreset = "balanced"
	OptimizePresetStandard   OptimizePreset = "standard"
	OptimizePresetAggressive OptimizePreset = "aggressive"
)

// MimeTypePDF は成果物の MIME タイプです。
const MimeTypePDF = "application/pdf"

// NormalizePreset はプリセット名を正規化します。空文字は balanced として扱います。
func NormalizePreset(p OptimizePreset) (OptimizePreset, error) {
	switch strings.ToLower(strings.TrimSpace(string(p))) {
	case "", string(OptimizePresetBalanced):
		return OptimizePresetBalanced, nil
	case string(OptimizePresetStandard):
		return OptimizePresetStandard, nil
	case string(OptimizePresetAggressive):
		return OptimizePresetAggressive, nil
	default:
		return "", newError(CodeInvalidInput, fmt.Sprintf("presetには balanced, standard, aggressive のいずれかを指定してください (received: %s)", p), nil)
	}
}

// ghostscriptSetting はプリセットに対応する -dPDFSETTINGS の値を返します。
func (p OptimizePreset) ghostscriptSetting() string {
	switch p {
	case OptimizePresetStandard:
		return "/printer"
	case OptimizePresetAggressive:
		return "/screen"
	default:
		return "/ebook"
	}
}
