package auth

import (
	"crypto/rand"
	"fmt"
)

const (
	// TokenLength はセッショントークンおよびセッションIDの文字数。
	TokenLength = 32

	tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// maxUnbiased は剰余の偏りが出ない最大のバイト値（62*4）。
	maxUnbiased = 248
)

// GenerateToken は英数字のみからなる暗号学的に安全なランダム文字列を生成する。
func GenerateToken() (string, error) {
	out := make([]byte, 0, TokenLength)
	buf := make([]byte, TokenLength*2)
	for len(out) < TokenLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= maxUnbiased {
				continue
			}
			out = append(out, tokenAlphabet[int(b)%len(tokenAlphabet)])
			if len(out) == TokenLength {
				break
			}
		}
	}
	return string(out), nil
}
