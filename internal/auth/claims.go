package auth

import (
	"fmt"
	"strings"
)

// Claims はIDトークンからデコードしたクレーム。
type Claims map[string]any

// String はkeyのクレームを文字列として返す。存在しないか文字列でない場合は空文字を返す。
func (c Claims) String(key string) string {
	v, ok := c[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// Identity はクレームから導出した外部IDの属性。
type Identity struct {
	Subject     string
	Email       string
	DisplayName string
	Picture     string
}

// IdentityFromClaims はクレームから外部IDを導出する。
// emailが無い場合は "{subject}@{emailDomain}" を合成する。
// subもuser_idも無い場合はErrMissingSubjectを返す。
func IdentityFromClaims(c Claims, emailDomain string) (Identity, error) {
	id := Identity{Subject: c.String("sub")}
	if id.Subject == "" {
		id.Subject = c.String("user_id")
	}
	if id.Subject == "" {
		return Identity{}, ErrMissingSubject
	}

	id.Email = c.String("email")
	if id.Email == "" {
		id.Email = fmt.Sprintf("%s@%s", id.Subject, emailDomain)
	}

	switch {
	case c.String("given_name") != "":
		id.DisplayName = strings.TrimSpace(c.String("given_name") + " " + c.String("family_name"))
	case c.String("user_name") != "":
		id.DisplayName = c.String("user_name")
	default:
		local, _, _ := strings.Cut(id.Email, "@")
		id.DisplayName = local
	}

	id.Picture = c.String("picture")
	return id, nil
}
