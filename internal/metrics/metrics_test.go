package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric はレジストリから名前とラベルが一致するメトリクスを取り出す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordSSOLogin_CountsByOutcome は照合結果ごとにカウントされることを検証する。
func TestRecordSSOLogin_CountsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSSOLogin("created")
	c.RecordSSOLogin("existing")
	c.RecordSSOLogin("existing")

	if v := findMetric(t, reg, "hybridauth_sso_logins_total", map[string]string{"outcome": "existing"}).GetCounter().GetValue(); v != 2 {
		t.Errorf("existing = %v, want 2", v)
	}
	if v := findMetric(t, reg, "hybridauth_sso_logins_total", map[string]string{"outcome": "created"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("created = %v, want 1", v)
	}
}

// TestRecordCallbackError_CountsByCode はエラーコードごとにカウントされることを検証する。
func TestRecordCallbackError_CountsByCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordCallbackError("token_exchange_failed")

	m := findMetric(t, reg, "hybridauth_sso_callback_errors_total", map[string]string{"code": "token_exchange_failed"})
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Errorf("token_exchange_failed = %v, want 1", v)
	}
}

// TestRecordSessionResolution_CountsByResult はセッション解決結果ごとにカウントされることを検証する。
func TestRecordSessionResolution_CountsByResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSessionResolution("ok")
	c.RecordSessionResolution("expired")

	if v := findMetric(t, reg, "hybridauth_session_resolutions_total", map[string]string{"result": "expired"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("expired = %v, want 1", v)
	}
}

// TestRecordTokenExchangeLatency_ObservesHistogram はヒストグラムに観測値が記録されることを検証する。
func TestRecordTokenExchangeLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTokenExchangeLatency(150 * time.Millisecond)
	c.RecordTokenExchangeLatency(250 * time.Millisecond)

	h := findMetric(t, reg, "hybridauth_token_exchange_latency_seconds", nil).GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("sample count = %d, want 2", h.GetSampleCount())
	}
	if sum := h.GetSampleSum(); sum < 0.39 || sum > 0.41 {
		t.Errorf("sample sum = %v, want ~0.4", sum)
	}
}

// TestRecordSessionsCleaned_AddsCount は削除件数が加算されることを検証する。
func TestRecordSessionsCleaned_AddsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSessionsCleaned(3)
	c.RecordSessionsCleaned(4)

	if v := findMetric(t, reg, "hybridauth_sessions_cleaned_total", nil).GetCounter().GetValue(); v != 7 {
		t.Errorf("sessions_cleaned_total = %v, want 7", v)
	}
}

// TestRecordHTTPStatus_CountsByStatusCode はステータスコード別にカウントされることを検証する。
func TestRecordHTTPStatus_CountsByStatusCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(401)
	c.RecordRateLimited()

	if v := findMetric(t, reg, "hybridauth_http_status_total", map[string]string{"status_code": "401"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("401 = %v, want 1", v)
	}
	if v := findMetric(t, reg, "hybridauth_rate_limited_total", nil).GetCounter().GetValue(); v != 1 {
		t.Errorf("rate_limited_total = %v, want 1", v)
	}
}

// TestHandler_ServesMetrics はスクレイプ用ハンドラーがメトリクスを返すことを検証する。
func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordSSOLogin("linked")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `hybridauth_sso_logins_total{outcome="linked"} 1`) {
		t.Errorf("response should contain sso login metric, got:\n%s", body)
	}
}
