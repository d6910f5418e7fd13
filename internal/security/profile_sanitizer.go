// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ProfileSanitizer は外部IdPから受け取ったプロフィール文字列を無害化する。
// 氏名はセッションやユーザー名に埋め込まれ、フロントエンドでそのまま表示されるため、
// bluemondayのStrictPolicyで全てのタグを除去したプレーンテキストとして扱う。
package security

import (
	"html"
	"net/url"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// maxProfileTextLength はプロフィール文字列の最大長（rune数）。
const maxProfileTextLength = 128

// ProfileSanitizer はプロフィール文字列のサニタイズ機能を提供する。
// bluemondayのポリシーはスレッドセーフなため、単一インスタンスを共有してよい。
type ProfileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はProfileSanitizerを生成する。
func NewProfileSanitizer() *ProfileSanitizer {
	return &ProfileSanitizer{policy: bluemonday.StrictPolicy()}
}

// maxSanitizeRounds はTextの結果が変化しなくなるまで処理を繰り返す上限回数。
const maxSanitizeRounds = 4

// angleBrackets はサニタイズ後に残った山括弧を取り除く。
var angleBrackets = strings.NewReplacer("<", "", ">", "")

// Text はタグと制御文字を除去し、前後の空白を取り除いたプレーンテキストを返す。
// 実体参照で書かれたマークアップ（&lt;b&gt;）もタグとして除去する。
// 結果には < と > が含まれない。
func (s *ProfileSanitizer) Text(raw string) string {
	cleaned := raw
	for i := 0; i < maxSanitizeRounds; i++ {
		next := s.clean(cleaned)
		if next == cleaned {
			break
		}
		cleaned = next
	}

	if runes := []rune(cleaned); len(runes) > maxProfileTextLength {
		cleaned = strings.TrimSpace(string(runes[:maxProfileTextLength]))
	}
	return cleaned
}

// clean は実体参照を展開してからタグを除去する。
// StrictPolicyがエスケープした文字（&amp; など）は元に戻し、残った山括弧は削除する。
func (s *ProfileSanitizer) clean(raw string) string {
	cleaned := s.policy.Sanitize(html.UnescapeString(raw))
	cleaned = angleBrackets.Replace(html.UnescapeString(cleaned))
	cleaned = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, cleaned)
	return strings.TrimSpace(cleaned)
}

// PictureURL はhttpsスキームの絶対URLのみを許可し、それ以外は空文字列を返す。
func (s *ProfileSanitizer) PictureURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	if u.Scheme != "https" || u.Host == "" {
		return ""
	}
	return u.String()
}
