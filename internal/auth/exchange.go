package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/hitoshi/hybridauth/internal/config"
)

// CredentialSource はSSOクライアント資格情報の取得元。
// config.Discoveryが実装する。
type CredentialSource interface {
	SSOCredentials() (config.SSOCredentials, bool)
}

// TokenSet はトークン交換の結果。
type TokenSet struct {
	AccessToken   string
	RefreshToken  string
	IDTokenClaims Claims
	// ExpiresIn はIdPが返したexpires_in秒。返されなかった場合は0。
	ExpiresIn int64
	Scope     string
}

// ExchangeConfig はExchangeClientの設定。
type ExchangeConfig struct {
	// Timeout はトークン交換全体の上限時間。
	Timeout time.Duration
	// VerifyIDToken がtrueの場合、IDトークンの署名をIdPの公開鍵で検証する。
	VerifyIDToken bool
	// HTTPClient が未指定の場合はotelhttpでラップしたクライアントを使う。
	HTTPClient *http.Client
}

// ExchangeClient は認可コードをIdPのトークンエンドポイントで交換する。
type ExchangeClient struct {
	creds      CredentialSource
	cfg        ExchangeConfig
	httpClient *http.Client

	decoderOnce sync.Once
	decoder     ClaimsDecoder
}

// NewExchangeClient はExchangeClientを生成する。
func NewExchangeClient(creds CredentialSource, cfg ExchangeConfig) *ExchangeClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &ExchangeClient{creds: creds, cfg: cfg, httpClient: httpClient}
}

// oauthConfig は資格情報からoauth2.Configを組み立てる。
func oauthConfig(c config.SSOCredentials, redirectURI string) *oauth2.Config {
	base := strings.TrimRight(c.URL, "/")
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   base + "/oauth/authorize",
			TokenURL:  base + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
		RedirectURL: redirectURI,
		Scopes:      []string{"openid"},
	}
}

// Configured はSSOクライアント資格情報が得られるかを返す。
func (c *ExchangeClient) Configured() bool {
	_, ok := c.creds.SSOCredentials()
	return ok
}

// LoginURL はIdPの認可エンドポイントへのURLを返す。
// SSOが提供されていない場合はErrConfigurationUnavailableを返す。
func (c *ExchangeClient) LoginURL(redirectURI, state string) (string, error) {
	creds, ok := c.creds.SSOCredentials()
	if !ok {
		return "", ErrConfigurationUnavailable
	}
	return oauthConfig(creds, redirectURI).AuthCodeURL(state), nil
}

// Exchange は認可コードをトークンに交換し、IDトークンのクレームをデコードする。
// 認可コードは使い捨てのため、失敗しても再試行しない。
func (c *ExchangeClient) Exchange(ctx context.Context, code, redirectURI string) (*TokenSet, error) {
	creds, ok := c.creds.SSOCredentials()
	if !ok {
		return nil, ErrConfigurationUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.tokenClient(creds))

	tok, err := oauthConfig(creds, redirectURI).Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return nil, fmt.Errorf("%w: status %d: %s", ErrTokenExchangeFailed, re.Response.StatusCode, re.ErrorCode)
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenExchangeFailed, err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: no id_token in token response", ErrMalformedIdentityToken)
	}

	claims, err := c.claimsDecoder(creds).Decode(ctx, rawIDToken)
	if err != nil {
		return nil, err
	}

	set := &TokenSet{
		AccessToken:   tok.AccessToken,
		RefreshToken:  tok.RefreshToken,
		IDTokenClaims: claims,
		ExpiresIn:     tok.ExpiresIn,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		set.Scope = scope
	}
	return set, nil
}

// tokenClient はトークン要求用のHTTPクライアントを返す。
// x/oauth2はid/secretをURLエンコードしてからBasic認証に載せるが、
// IdPは生のid:secretしか受け付けないため、Authorizationヘッダーを差し替える。
func (c *ExchangeClient) tokenClient(creds config.SSOCredentials) *http.Client {
	base := c.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client := *c.httpClient
	client.Transport = &basicAuthTransport{
		base:         base,
		clientID:     creds.ClientID,
		clientSecret: creds.ClientSecret,
	}
	return &client
}

// basicAuthTransport はリクエストのBasic認証をエンコードしない資格情報で設定し直す。
type basicAuthTransport struct {
	base         http.RoundTripper
	clientID     string
	clientSecret string
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.clientID, t.clientSecret)
	return t.base.RoundTrip(req)
}

// claimsDecoder は設定に応じたデコーダーを返す。資格情報はプロセス中不変のため1度だけ生成する。
func (c *ExchangeClient) claimsDecoder(creds config.SSOCredentials) ClaimsDecoder {
	c.decoderOnce.Do(func() {
		if c.cfg.VerifyIDToken {
			c.decoder = NewOIDCDecoder(strings.TrimRight(creds.URL, "/"), creds.ClientID, c.httpClient)
			return
		}
		c.decoder = UnverifiedDecoder{}
	})
	return c.decoder
}
