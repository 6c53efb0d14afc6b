package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"iomt-ars/internal/audit"
	"iomt-ars/internal/containment"
	"iomt-ars/internal/enforcer"
	"iomt-ars/internal/models"
	"iomt-ars/internal/oracle"
	"iomt-ars/internal/source"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var quiet = log.New(io.Discard, "", 0)

type fixture struct {
	router  *gin.Engine
	tracker *containment.Tracker
	queue   *source.Queue
	sink    *audit.FileSink
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	sink, err := audit.NewFileSink(filepath.Join(t.TempDir(), "ars_events.json"))
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	t.Cleanup(func() { sink.Close() })

	fw, _ := enforcer.NewFirewall(enforcer.OSLinux, true, nil, quiet)
	tracker := containment.NewTracker(oracle.NewRuleOracle(oracle.DefaultRuleConfig()), fw, sink,
		containment.WithLogger(quiet))
	queue := source.NewQueue(2)

	all := append([]Option{
		WithHistory(sink),
		WithPush(func(_ context.Context, ev models.Event) error { return queue.Push(ev) }),
	}, opts...)
	h := NewHandler(tracker, all...)

	return &fixture{router: NewRouter(h), tracker: tracker, queue: queue, sink: sink}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestSubmitEvent(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/events", `{"device_ip":"192.168.1.50","anomaly_score":0.95,"heart_rate":78}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", w.Code, w.Body)
	}
	ev, err := f.queue.Next(context.Background())
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if ev.DeviceIP != "192.168.1.50" || ev.Score() != 0.95 {
		t.Fatalf("queued event = %+v", ev)
	}

	if w := f.do(http.MethodPost, "/events", `{"anomaly_score":0.1}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing ip status = %d", w.Code)
	}
	if w := f.do(http.MethodPost, "/events", `{"device_ip":"infusion-pump-7","anomaly_score":0.95}`); w.Code != http.StatusBadRequest {
		t.Fatalf("non-ip device status = %d", w.Code)
	}
	if f.queue.Len() != 0 {
		t.Fatal("rejected event reached the queue")
	}
	if w := f.do(http.MethodPost, "/events", `{bad json`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad json status = %d", w.Code)
	}
}

func TestSubmitEventQueueFull(t *testing.T) {
	f := newFixture(t)
	body := `{"device_ip":"10.0.0.1","anomaly_score":0.1}`
	f.do(http.MethodPost, "/events", body)
	f.do(http.MethodPost, "/events", body)

	w := f.do(http.MethodPost, "/events", body)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(decode(t, w)["error"].(string), "full") {
		t.Fatalf("body = %s", w.Body)
	}
}

func TestBatchSubmit(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/events/batch", `[
		{"device_ip":"10.0.0.1","anomaly_score":0.1},
		{"anomaly_score":0.2},
		{"device_ip":"infusion-pump-7","anomaly_score":0.9},
		{"device_ip":"10.0.0.2","anomaly_score":0.3},
		{"device_ip":"10.0.0.3","anomaly_score":0.4}
	]`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if body["total"].(float64) != 5 || body["accepted"].(float64) != 2 || body["rejected"].(float64) != 3 {
		t.Fatalf("body = %v", body)
	}
}

func TestPushDisabled(t *testing.T) {
	fw, _ := enforcer.NewFirewall(enforcer.OSLinux, true, nil, quiet)
	tracker := containment.NewTracker(oracle.NewRuleOracle(oracle.DefaultRuleConfig()), fw, audit.Multi{},
		containment.WithLogger(quiet))
	router := NewRouter(NewHandler(tracker))

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString(`{"device_ip":"10.0.0.1"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/history", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("history status = %d", w.Code)
	}
}

func TestDevicesAndHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	f.tracker.Process(ctx, models.Event{DeviceIP: "192.168.1.50", Timestamp: at, Features: map[string]any{"anomaly_score": 0.95}})
	f.tracker.Process(ctx, models.Event{DeviceIP: "10.0.0.5", Timestamp: at, Features: map[string]any{"anomaly_score": 0.0}})

	w := f.do(http.MethodGet, "/devices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if decode(t, w)["count"].(float64) != 2 {
		t.Fatalf("body = %s", w.Body)
	}

	w = f.do(http.MethodGet, "/devices/192.168.1.50", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if state := decode(t, w)["containment_state"]; state != string(models.StateIsolated) {
		t.Fatalf("state = %v", state)
	}

	if w := f.do(http.MethodGet, "/devices/10.9.9.9", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown device status = %d", w.Code)
	}

	w = f.do(http.MethodGet, "/history?device_ip=192.168.1.50&limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("history status = %d", w.Code)
	}
	body := decode(t, w)
	records := body["records"].([]any)
	if len(records) != 1 {
		t.Fatalf("records = %v", records)
	}
	if rec := records[0].(map[string]any); rec["event_type"] != string(models.AuditThreatResponse) {
		t.Fatalf("record = %v", rec)
	}

	if w := f.do(http.MethodGet, "/history?limit=-1", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", w.Code)
	}
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

type stubStats map[string]interface{}

func (s stubStats) GetStats() map[string]interface{} { return s }

func TestHealthAndStats(t *testing.T) {
	f := newFixture(t, WithRedis(stubPinger{}), WithStats("analyzer", stubStats{"window_size": 50}))

	w := f.do(http.MethodGet, "/health", "")
	if w.Code != http.StatusOK || decode(t, w)["status"] != "healthy" {
		t.Fatalf("health = %d %s", w.Code, w.Body)
	}

	w = f.do(http.MethodGet, "/stats", "")
	body := decode(t, w)
	policy := body["policy"].(map[string]any)
	if policy["min_dwell_seconds"].(float64) != 30 || policy["high_risk_threshold"].(float64) != 0.8 {
		t.Fatalf("policy = %v", policy)
	}
	if body["analyzer"].(map[string]any)["window_size"].(float64) != 50 {
		t.Fatalf("stats = %v", body)
	}

	degraded := newFixture(t, WithRedis(stubPinger{err: errors.New("down")}))
	w = degraded.do(http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable || decode(t, w)["status"] != "degraded" {
		t.Fatalf("degraded health = %d %s", w.Code, w.Body)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodGet, "/devices", "")

	w := f.do(http.MethodGet, "/prometheus", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "http_requests_total") {
		t.Fatal("request counter not exported")
	}
}
