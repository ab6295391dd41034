package handler

import (
	"bytes"
	"embed"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/hitoshi/hybridauth/internal/middleware"
	"github.com/hitoshi/hybridauth/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// loginErrorMessages はログイン画面に表示するエラーコードごとのメッセージ。
var loginErrorMessages = map[string]string{
	ErrorNoCode:              "認可コードを受け取れませんでした。もう一度ログインしてください。",
	ErrorTokenExchangeFailed: "認証サーバーとの通信に失敗しました。しばらく待ってから再度お試しください。",
	ErrorCallbackFailed:      "ログイン処理中にエラーが発生しました。もう一度お試しください。",
	ErrorNotConfigured:       "この環境ではシングルサインオンが設定されていません。",
}

// LoginErrorMessage はエラーコードに対応する表示メッセージを返す。
// 未知のコードは空文字を返す。
func LoginErrorMessage(code string) string {
	return loginErrorMessages[code]
}

// PageHandler はサーバーレンダリングのページを提供する。
type PageHandler struct {
	ssoRoute string
}

// NewPageHandler はPageHandlerを生成する。
func NewPageHandler(ssoRoute string) *PageHandler {
	return &PageHandler{ssoRoute: ssoRoute}
}

type loginPage struct {
	ErrorMessage string
	SSOLoginURL  string
}

type dashboardPage struct {
	User      *model.UserView
	CSRFToken string
}

// Login はログイン画面を表示する。
// GET /login
func (h *PageHandler) Login(w http.ResponseWriter, r *http.Request) {
	renderPage(w, "login.html", loginPage{
		ErrorMessage: LoginErrorMessage(r.URL.Query().Get("error")),
		SSOLoginURL:  h.ssoRoute + "?action=login",
	})
}

// Dashboard はログイン後のランディングページを表示する。
// GET /dashboard（セッションミドルウェアの後に配置）
func (h *PageHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		handleServiceError(w, errUnauthenticated)
		return
	}
	renderPage(w, "dashboard.html", dashboardPage{
		User:      user,
		CSRFToken: middleware.CSRFToken(r.Context()),
	})
}

// renderPage はテンプレートをバッファに描画してから書き出す。
// 描画に失敗した場合は部分的なHTMLを返さない。
func renderPage(w http.ResponseWriter, name string, data any) {
	var buf bytes.Buffer
	if err := pageTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		slog.Error("failed to render page", slog.String("template", name), slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}
