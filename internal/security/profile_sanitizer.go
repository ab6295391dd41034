// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ProfileSanitizer はIdPのクレーム由来のプロフィール値（表示名、アバターURL）を
// 保存前に無害化する。クレームはIdPが発行したものだが、利用者本人が
// 自由に設定できる項目を含むため、画面に出す前提の値として扱う。
package security

import (
	"html"
	"net/url"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// MaxDisplayNameLength は表示名の最大文字数（rune数）。
const MaxDisplayNameLength = 100

// ProfileSanitizer はbluemondayのStrictPolicyでタグをすべて除去する。
// policyはスレッドセーフなので共有してよい。
type ProfileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はProfileSanitizerを生成する。
func NewProfileSanitizer() *ProfileSanitizer {
	return &ProfileSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeName は表示名からHTMLタグと制御文字を除去し、空白を1つに詰める。
// StrictPolicyがエスケープした実体参照は平文に戻す（出力時にテンプレートがエスケープする）。
// 結果はMaxDisplayNameLength文字に切り詰める。
func (s *ProfileSanitizer) SanitizeName(name string) string {
	stripped := html.UnescapeString(s.policy.Sanitize(name))

	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, stripped)
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	if r := []rune(cleaned); len(r) > MaxDisplayNameLength {
		cleaned = strings.TrimSpace(string(r[:MaxDisplayNameLength]))
	}
	return cleaned
}

// SanitizeAvatarURL はhttpsの絶対URLのみを通し、それ以外は空文字を返す。
func (s *ProfileSanitizer) SanitizeAvatarURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" || u.User != nil {
		return ""
	}
	return u.String()
}
