package master

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"xray-control/internal/config"
	"xray-control/internal/database"
	"xray-control/internal/logstream"
	"xray-control/internal/metrics"
	"xray-control/internal/node"
	"xray-control/internal/security"
	"xray-control/internal/service"
	"xray-control/internal/xrayconf"

	"github.com/goccy/go-json"
)

const testSecret = "test-secret"

const testDoc = `{
  "inbounds": [{"tag": "VLESS", "protocol": "vless", "port": 443, "settings": {"clients": [], "decryption": "none"}}],
  "outbounds": [{"tag": "DIRECT", "protocol": "freedom"}]
}`

type fakeManager struct {
	mu       sync.Mutex
	connects []uint
	removed  []uint
	logs     *logstream.Buffer
	connErr  error

	coreVersion string
}

func (f *fakeManager) Connect(ctx context.Context, id uint, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, id)
	return f.connErr
}

func (f *fakeManager) Restart(ctx context.Context, id uint) error { return nil }
func (f *fakeManager) Stop(ctx context.Context, id uint)          {}
func (f *fakeManager) Disconnect(ctx context.Context, id uint)    {}
func (f *fakeManager) Disable(ctx context.Context, id uint)       {}

func (f *fakeManager) UpdateCore(ctx context.Context, id uint, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coreVersion = version
	return nil
}

func (f *fakeManager) UpdateGeo(ctx context.Context, id uint, files []node.GeoFile) error {
	return node.ErrNotConnected
}

func (f *fakeManager) RemoveNode(ctx context.Context, id uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
}

func (f *fakeManager) Logs(id uint) (*logstream.Subscription, error) {
	if f.logs == nil {
		return nil, node.ErrNotConnected
	}
	return f.logs.Subscribe(16), nil
}

func (f *fakeManager) Session(id uint) (node.SessionInfo, bool) {
	return node.SessionInfo{SessionID: "abc", Started: true}, id == 1
}

func (f *fakeManager) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

type fakeCores struct {
	mu       sync.Mutex
	restarts int
}

func (f *fakeCores) RestartCores(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return nil
}

func (f *fakeCores) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts
}

type testServer struct {
	*Server
	manager *fakeManager
	cores   *fakeCores
	nodes   *service.NodeService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := database.Connect(&config.MasterConfig{
		DBDriver: "sqlite",
		DBDSN:    filepath.Join(t.TempDir(), "master.db"),
		LogLevel: "silent",
	})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate db: %v", err)
	}
	nodes := service.NewNodeService(db)
	configs := service.NewConfigService(db, service.NewUserService(db), xrayconf.Options{APIHost: "127.0.0.1", APIPort: 62789})
	manager := &fakeManager{}
	cores := &fakeCores{}
	s := NewServer(ServerDeps{
		Nodes:   nodes,
		Configs: configs,
		Manager: manager,
		Cores:   cores,
		Metrics: metrics.New(),
		Secret:  testSecret,
	})
	return &testServer{Server: s, manager: manager, cores: cores, nodes: nodes}
}

func (s *testServer) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	payload := body
	if len(payload) == 0 {
		payload = []byte(req.URL.Path)
	}
	req.Header.Set(SignatureHeader, security.ComputeHMAC(payload, testSecret))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	return rec
}

func TestSignatureRequired(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health must not need a signature, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/nodes", nil)
	req.Header.Set(SignatureHeader, security.ComputeHMAC([]byte("/api/other"), testSecret))
	s.Engine().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a signature over another path, got %d", rec.Code)
	}

	if rec := s.do(t, http.MethodGet, "/api/nodes", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid signature, got %d", rec.Code)
	}
}

func TestNodeLifecycle(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(NodePayload{Name: "edge", Address: "10.0.0.2"})
	rec := s.do(t, http.MethodPost, "/api/nodes", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert failed: %d %s", rec.Code, rec.Body.String())
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.manager.connectCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.manager.connectCount() != 1 {
		t.Fatalf("expected a connect after upsert")
	}

	rec = s.do(t, http.MethodGet, "/api/nodes", nil)
	var list struct {
		Data []NodeResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Data) != 1 || list.Data[0].Port != 62050 || list.Data[0].Session == nil {
		t.Fatalf("unexpected node list: %+v", list.Data)
	}

	s.manager.connErr = &node.ConnectionError{NodeID: 1, Op: "connect", Err: context.DeadlineExceeded}
	if rec := s.do(t, http.MethodPost, "/api/nodes/1/connect", nil); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for a connection error, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/api/nodes/9/connect", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown node, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/api/nodes/1/logs", nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for logs of a disconnected node, got %d", rec.Code)
	}

	if rec := s.do(t, http.MethodPost, "/api/nodes/1/update/core", []byte(`{"version": "v25.1.30"}`)); rec.Code != http.StatusOK {
		t.Fatalf("core update failed: %d %s", rec.Code, rec.Body.String())
	}
	if s.manager.coreVersion != "v25.1.30" {
		t.Fatalf("core update not forwarded, got %q", s.manager.coreVersion)
	}
	if rec := s.do(t, http.MethodPost, "/api/nodes/1/update/geo", []byte(`{"files": []}`)); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an empty file list, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/api/nodes/1/update/geo", []byte(`{"files": [{"name": "geoip.dat", "url": "https://example.com/geoip.dat"}]}`)); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a disconnected node, got %d", rec.Code)
	}

	if rec := s.do(t, http.MethodDelete, "/api/nodes/1", nil); rec.Code != http.StatusOK {
		t.Fatalf("delete failed: %d", rec.Code)
	}
	if len(s.manager.removed) != 1 {
		t.Fatalf("expected the session to be removed")
	}
	if _, err := s.nodes.GetNode(context.Background(), 1); err == nil {
		t.Fatalf("node row should be deleted")
	}
}

func TestCoreConfigRoundTrip(t *testing.T) {
	s := newTestServer(t)

	if rec := s.do(t, http.MethodGet, "/api/core/config", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any config, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPut, "/api/core/config", []byte(`{"inbounds": []}`)); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid config, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPut, "/api/core/config", []byte(testDoc)); rec.Code != http.StatusOK {
		t.Fatalf("save failed: %d %s", rec.Code, rec.Body.String())
	}

	rec := s.do(t, http.MethodGet, "/api/core/config", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("X-Config-Version") != "1" {
		t.Fatalf("unexpected config response: %d %v", rec.Code, rec.Header())
	}
	if !strings.Contains(rec.Body.String(), `"VLESS"`) {
		t.Fatalf("unexpected config body: %s", rec.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.cores.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.cores.count() != 1 {
		t.Fatalf("expected cores to restart after a config update")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected metrics, got %d", rec.Code)
	}
}
