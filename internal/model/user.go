// Package model はドメインモデルを定義する。
package model

import "time"

// User はローカル認証とSSOで共有されるユーザーを表す。
// ExternalSubjectはSSOのsubjectとの紐付けで、未連携のローカルユーザーではnil。
type User struct {
	ID              string
	Name            string
	Email           string
	EmailVerified   bool
	ExternalSubject *string
	Image           *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Account は外部IdPでのログイン実績を表す。
// (ProviderID, UserID) ごとに1行で、初回SSOログイン時に作成される。
type Account struct {
	ID                    string
	UserID                string
	AccountID             string // IdPが払い出したアカウントID
	ProviderID            string // "xsuaa" 等
	AccessToken           *string
	RefreshToken          *string
	AccessTokenExpiresAt  *time.Time
	RefreshTokenExpiresAt *time.Time
	Scope                 *string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Session はベアラートークンによるログインセッションを表す。
// Tokenはクライアントにそのままクッキーとして渡される秘密値。
type Session struct {
	ID        string
	UserID    string
	Token     string
	ExpiresAt time.Time
	IPAddress *string
	UserAgent *string
	Scopes    []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired は指定時刻においてセッションが失効しているかを返す。
// now >= ExpiresAt で失効とみなす。
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Verification はローカル認証のメール確認待ちレコード。
// 本サービスでは期限切れの削除のみ扱う。
type Verification struct {
	ID         string
	Identifier string
	Value      string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// UserView はセッション解決エンドポイントが返すユーザー情報。
type UserView struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Email           string  `json:"email"`
	EmailVerified   bool    `json:"emailVerified"`
	ExternalSubject *string `json:"externalSubject"`
	Image           *string `json:"image"`
}

// View はUserをクライアント向けの表現に変換する。
func (u *User) View() *UserView {
	return &UserView{
		ID:              u.ID,
		Name:            u.Name,
		Email:           u.Email,
		EmailVerified:   u.EmailVerified,
		ExternalSubject: u.ExternalSubject,
		Image:           u.Image,
	}
}
