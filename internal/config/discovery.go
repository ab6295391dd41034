package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
)

// ErrDatabaseUnavailable はどのソースからもDB接続情報が得られなかったことを表す。
var ErrDatabaseUnavailable = errors.New("database credentials are not available")

// databaseLabels はDBサービスバインディングとして扱うラベルまたはタグ。
var databaseLabels = []string{"postgresql-db", "postgresql", "postgres"}

// SSOCredentials はIdPのクライアント資格情報。
type SSOCredentials struct {
	ClientID     string
	ClientSecret string
	URL          string
	XSAppName    string
	IdentityZone string
}

// Discovered は解決済みの接続情報。生成後は変更しない。
// SSOがnilの場合、この環境ではSSOが提供されていない。
type Discovered struct {
	DatabaseURL string
	DatabaseSrc string
	SSO         *SSOCredentials
	SSOSrc      string
}

// Discovery はDBとSSOの接続情報を初回参照時に1度だけ解決する。
// 解決順序は VCAP_SERVICES 環境変数、ローカルファイル内の VCAP_SERVICES、個別の環境変数。
type Discovery struct {
	resolve func() Discovered
}

// NewDiscovery はcfgの内容をソースとするDiscoveryを生成する。
func NewDiscovery(cfg *Config, logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{
		resolve: sync.OnceValue(func() Discovered {
			d := discover(cfg, logger)
			logger.Info("credentials discovered",
				slog.String("database_source", d.DatabaseSrc),
				slog.String("sso_source", d.SSOSrc),
				slog.Bool("sso_available", d.SSO != nil),
			)
			return d
		}),
	}
}

// DatabaseURL はDB接続URLを返す。
func (d *Discovery) DatabaseURL() (string, error) {
	r := d.resolve()
	if r.DatabaseURL == "" {
		return "", ErrDatabaseUnavailable
	}
	return r.DatabaseURL, nil
}

// SSOCredentials はSSOクライアント資格情報を返す。
// SSOが提供されていない場合はfalseを返す。
func (d *Discovery) SSOCredentials() (SSOCredentials, bool) {
	r := d.resolve()
	if r.SSO == nil {
		return SSOCredentials{}, false
	}
	return *r.SSO, true
}

type vcapService struct {
	Name        string                     `json:"name"`
	Label       string                     `json:"label"`
	Tags        []string                   `json:"tags"`
	Credentials map[string]json.RawMessage `json:"credentials"`
}

type vcapPayload map[string][]vcapService

func discover(cfg *Config, logger *slog.Logger) Discovered {
	type source struct {
		name    string
		payload vcapPayload
	}
	var sources []source

	if cfg.VCAPServices != "" {
		p, err := parseVCAP([]byte(cfg.VCAPServices))
		if err != nil {
			logger.Warn("failed to parse VCAP_SERVICES", slog.String("error", err.Error()))
		} else {
			sources = append(sources, source{name: "VCAP_SERVICES", payload: p})
		}
	}
	if cfg.DefaultEnvFile != "" {
		p, err := readEnvFile(cfg.DefaultEnvFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			logger.Warn("failed to read local env file",
				slog.String("path", cfg.DefaultEnvFile),
				slog.String("error", err.Error()),
			)
		case p != nil:
			sources = append(sources, source{name: cfg.DefaultEnvFile, payload: p})
		}
	}

	var d Discovered
	for _, s := range sources {
		if d.DatabaseURL == "" {
			if u, ok := s.payload.databaseURL(); ok {
				d.DatabaseURL, d.DatabaseSrc = u, s.name
			}
		}
		if d.SSO == nil {
			if c, ok := s.payload.ssoCredentials(cfg.SSOServiceLabel); ok {
				d.SSO, d.SSOSrc = &c, s.name
			}
		}
	}

	if d.DatabaseURL == "" && cfg.DatabaseURL != "" {
		d.DatabaseURL, d.DatabaseSrc = cfg.DatabaseURL, "env"
	}
	if d.SSO == nil && cfg.SSOClientID != "" && cfg.SSOClientSecret != "" && cfg.SSOURL != "" {
		d.SSO = &SSOCredentials{
			ClientID:     cfg.SSOClientID,
			ClientSecret: cfg.SSOClientSecret,
			URL:          strings.TrimRight(cfg.SSOURL, "/"),
		}
		d.SSOSrc = "env"
	}
	return d
}

func parseVCAP(raw []byte) (vcapPayload, error) {
	raw = bytes.TrimSpace(raw)
	// default-env.json では文字列として埋め込まれていることがある
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("failed to decode VCAP_SERVICES string: %w", err)
		}
		raw = []byte(s)
	}
	var p vcapPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode VCAP_SERVICES: %w", err)
	}
	return p, nil
}

func readEnvFile(path string) (vcapPayload, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file map[string]json.RawMessage
	if err := json.Unmarshal(b, &file); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	raw, ok := file["VCAP_SERVICES"]
	if !ok {
		return nil, nil
	}
	return parseVCAP(raw)
}

func (p vcapPayload) find(match func(label string, svc vcapService) bool) []vcapService {
	var found []vcapService
	for label, services := range p {
		for _, svc := range services {
			if match(label, svc) {
				found = append(found, svc)
			}
		}
	}
	return found
}

func (p vcapPayload) databaseURL() (string, bool) {
	services := p.find(func(label string, svc vcapService) bool {
		if slices.Contains(databaseLabels, label) || slices.Contains(databaseLabels, svc.Label) {
			return true
		}
		return slices.ContainsFunc(svc.Tags, func(t string) bool { return slices.Contains(databaseLabels, t) })
	})
	for _, svc := range services {
		if uri := credString(svc.Credentials, "uri"); uri != "" {
			return uri, true
		}
		user := credString(svc.Credentials, "username")
		host := credString(svc.Credentials, "hostname")
		dbname := credString(svc.Credentials, "dbname")
		if user == "" || host == "" || dbname == "" {
			continue
		}
		if port := credString(svc.Credentials, "port"); port != "" {
			host += ":" + port
		}
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(user, credString(svc.Credentials, "password")),
			Host:   host,
			Path:   "/" + dbname,
		}
		return u.String(), true
	}
	return "", false
}

func (p vcapPayload) ssoCredentials(serviceLabel string) (SSOCredentials, bool) {
	services := p.find(func(label string, svc vcapService) bool {
		return label == serviceLabel || svc.Label == serviceLabel
	})
	for _, svc := range services {
		c := SSOCredentials{
			ClientID:     credString(svc.Credentials, "clientid"),
			ClientSecret: credString(svc.Credentials, "clientsecret"),
			URL:          strings.TrimRight(credString(svc.Credentials, "url"), "/"),
			XSAppName:    credString(svc.Credentials, "xsappname"),
			IdentityZone: credString(svc.Credentials, "identityzone"),
		}
		if c.ClientID != "" && c.ClientSecret != "" && c.URL != "" {
			return c, true
		}
	}
	return SSOCredentials{}, false
}

// credString は文字列または数値の資格情報を文字列で返す。
func credString(creds map[string]json.RawMessage, key string) string {
	raw, ok := creds[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
