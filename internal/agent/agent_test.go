package agent

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	agentconfig "xray-control/internal/agent/config"
	"xray-control/internal/node"
	"xray-control/internal/security"

	"go.uber.org/atomic"
)

const apiConfig = `{
  "inbounds": [
    {"tag": "API_INBOUND", "listen": "127.0.0.1", "port": 62789, "protocol": "dokodemo-door", "settings": {"address": "127.0.0.1"}},
    {"tag": "VLESS", "protocol": "vless", "port": 443, "settings": {"clients": []}}
  ],
  "outbounds": [{"tag": "DIRECT", "protocol": "freedom"}]
}`

func fakeXrayScript(version, out string) string {
	return `#!/bin/sh
case "$1" in
version)
  echo "Xray ` + version + ` (Xray, Penetrates Everything.) Custom (go1.22.4 linux/amd64)"
  ;;
run)
  cat > "` + out + `"
  echo "2024/01/01 00:00:00 [Warning] core: Xray ` + version + ` started"
  exec sleep 30
  ;;
esac
`
}

type testAgent struct {
	*Agent
	cfg        *agentconfig.Config
	out        string
	host       string
	port       int
	nodePEM    string
	masterCert tls.Certificate
}

func newTestAgent(t *testing.T) *testAgent {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not available on windows")
	}
	dir := t.TempDir()
	out := filepath.Join(dir, "config.json")
	bin := filepath.Join(dir, "bin", "xray")
	if err := os.MkdirAll(filepath.Dir(bin), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bin, []byte(fakeXrayScript("1.8.24", out)), 0o755); err != nil {
		t.Fatalf("write fake xray: %v", err)
	}

	masterPEM, masterKey, err := security.GenerateSelfSigned("master", nil, time.Hour)
	if err != nil {
		t.Fatalf("generate master cert: %v", err)
	}
	masterCert, err := tls.X509KeyPair(masterPEM, masterKey)
	if err != nil {
		t.Fatalf("master key pair: %v", err)
	}
	masterFile := filepath.Join(dir, "master.crt")
	if err := os.WriteFile(masterFile, masterPEM, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &agentconfig.Config{
		APIPort:        62999,
		CertFile:       filepath.Join(dir, "ssl", "node.crt"),
		KeyFile:        filepath.Join(dir, "ssl", "node.key"),
		MasterCertFile: masterFile,
		XrayBinary:     bin,
		XrayAssetsPath: filepath.Join(dir, "assets"),
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.sample = func(context.Context) (float64, float64) { return 1.5, 20 }
	t.Cleanup(func() { _ = a.runner.Stop() })

	srv := httptest.NewUnstartedServer(a.Handler())
	srv.TLS = a.TLSConfig()
	srv.StartTLS()
	t.Cleanup(srv.Close)

	nodePEM, err := os.ReadFile(cfg.CertFile)
	if err != nil {
		t.Fatalf("node certificate not written: %v", err)
	}
	addr := srv.Listener.Addr().(*net.TCPAddr)
	return &testAgent{
		Agent:      a,
		cfg:        cfg,
		out:        out,
		host:       addr.IP.String(),
		port:       addr.Port,
		nodePEM:    string(nodePEM),
		masterCert: masterCert,
	}
}

func (ta *testAgent) client(t *testing.T) *node.Client {
	t.Helper()
	tlsConfig, err := security.PinnedClientConfig(ta.nodePEM, &ta.masterCert)
	if err != nil {
		t.Fatalf("client tls: %v", err)
	}
	c := node.NewClient(ta.host, ta.port, tlsConfig, 5*time.Second)
	t.Cleanup(c.Close)
	return c
}

func statusOf(err error) int {
	var apiErr *node.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func TestSessionLifecycle(t *testing.T) {
	ta := newTestAgent(t)
	c := ta.client(t)
	ctx := context.Background()

	if _, err := c.Ping(ctx); statusOf(err) != http.StatusForbidden {
		t.Fatalf("expected 403 without a session, got %v", err)
	}

	info, err := c.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if info.CoreVersion != "1.8.24" {
		t.Fatalf("unexpected core version %q", info.CoreVersion)
	}

	ping, err := c.Ping(ctx)
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if ping.Started || ping.CPU != 1.5 || ping.Mem != 20 {
		t.Fatalf("unexpected ping %+v", ping)
	}

	if err := c.Start(ctx, []byte(apiConfig)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	written, err := os.ReadFile(ta.out)
	if err != nil {
		t.Fatalf("core did not receive a config: %v", err)
	}
	for _, want := range []string{`"listen":"0.0.0.0"`, `"port":62999`, `"certificateFile"`, `"VLESS"`} {
		if !bytes.Contains(written, []byte(want)) {
			t.Fatalf("config passed to the core lacks %s: %s", want, written)
		}
	}

	if err := c.Start(ctx, []byte(apiConfig)); !errors.Is(err, node.ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	if err := c.Restart(ctx, []byte(apiConfig)); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if ping, err := c.Ping(ctx); err != nil || !ping.Started {
		t.Fatalf("expected a started core, got %+v %v", ping, err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ta.runner.Started() {
		t.Fatalf("core should be stopped")
	}

	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, err := c.Ping(ctx); statusOf(err) != http.StatusForbidden {
		t.Fatalf("expected 403 after disconnect, got %v", err)
	}
}

func TestNewSessionReplacesOld(t *testing.T) {
	ta := newTestAgent(t)
	ctx := context.Background()

	first := ta.client(t)
	if _, err := first.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := first.Start(ctx, []byte(apiConfig)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	second := ta.client(t)
	if _, err := second.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ta.runner.Started() {
		t.Fatalf("a new session must stop the core left by the old one")
	}
	if _, err := first.Ping(ctx); statusOf(err) != http.StatusForbidden {
		t.Fatalf("old session should be rejected, got %v", err)
	}
}

func TestStartRejectsConfigWithoutAPIInbound(t *testing.T) {
	ta := newTestAgent(t)
	c := ta.client(t)
	ctx := context.Background()
	if _, err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	err := c.Start(ctx, []byte(`{"inbounds": [], "outbounds": []}`))
	if statusOf(err) != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
	if ta.runner.Started() {
		t.Fatalf("core must not start")
	}
}

func TestClientCertificateRequired(t *testing.T) {
	ta := newTestAgent(t)
	tlsConfig, err := security.PinnedClientConfig(ta.nodePEM, nil)
	if err != nil {
		t.Fatal(err)
	}
	c := node.NewClient(ta.host, ta.port, tlsConfig, 2*time.Second)
	defer c.Close()

	if _, err := c.Connect(context.Background()); err == nil {
		t.Fatalf("expected the handshake to fail without a client certificate")
	}
}

func TestLogStream(t *testing.T) {
	ta := newTestAgent(t)
	c := ta.client(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var mu sync.Mutex
	var got []string
	done := make(chan error, 1)
	go func() {
		done <- c.StreamLogs(ctx, 100*time.Millisecond, func(lines []string) {
			mu.Lock()
			got = append(got, lines...)
			mu.Unlock()
		})
	}()

	received := func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, line := range got {
			if line == "hello" {
				return true
			}
		}
		return false
	}
	// the subscription exists only once the websocket is up
	for !received() && ctx.Err() == nil {
		ta.logs.Publish("hello")
		time.Sleep(50 * time.Millisecond)
	}
	if !received() {
		t.Fatalf("no log lines received")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the stream to end with the context, got %v", err)
	}
}

func TestUpdateCore(t *testing.T) {
	ta := newTestAgent(t)
	arch, err := resolveArch()
	if err != nil {
		t.Skip(err)
	}

	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	for name, body := range map[string]string{
		"xray":        fakeXrayScript("1.8.25", ta.out),
		"geoip.dat":   "geoip",
		"README.md":   "ignored",
		"geosite.dat": "geosite",
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	var requested atomic.String
	release := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested.Store(r.URL.Path)
		_, _ = w.Write(archive.Bytes())
	}))
	defer release.Close()
	ta.releaseURL = release.URL

	c := ta.client(t)
	ctx := context.Background()
	if _, err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.UpdateCore(ctx, "v1.8.25"); err != nil {
		t.Fatalf("UpdateCore: %v", err)
	}
	if requested.Load() != "/download/v1.8.25/Xray-linux-"+arch+".zip" {
		t.Fatalf("unexpected release path %q", requested.Load())
	}
	if v, err := ta.runner.Version(ctx); err != nil || v != "1.8.25" {
		t.Fatalf("expected the new binary, got %q %v", v, err)
	}
	if data, err := os.ReadFile(filepath.Join(ta.cfg.XrayAssetsPath, "geoip.dat")); err != nil || string(data) != "geoip" {
		t.Fatalf("geoip.dat not extracted: %q %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(ta.cfg.XrayAssetsPath, "README.md")); !os.IsNotExist(err) {
		t.Fatalf("unexpected file extracted")
	}

	if err := c.UpdateCore(ctx, "1.8; rm -rf /"); statusOf(err) != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad version, got %v", err)
	}
}

func TestUpdateGeo(t *testing.T) {
	ta := newTestAgent(t)
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("data:" + strings.TrimPrefix(r.URL.Path, "/")))
	}))
	defer files.Close()

	c := ta.client(t)
	ctx := context.Background()
	if _, err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	err := c.UpdateGeo(ctx, []node.GeoFile{
		{Name: "geosite.dat", URL: files.URL + "/geosite"},
		{Name: "iran.dat", URL: files.URL + "/iran"},
	})
	if err != nil {
		t.Fatalf("UpdateGeo: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(ta.cfg.XrayAssetsPath, "iran.dat"))
	if err != nil || string(data) != "data:iran" {
		t.Fatalf("asset not written: %q %v", data, err)
	}

	if err := c.UpdateGeo(ctx, []node.GeoFile{{Name: "../escape.dat", URL: files.URL + "/x"}}); statusOf(err) != http.StatusBadRequest {
		t.Fatalf("expected 400 for a path name, got %v", err)
	}
	if err := c.UpdateGeo(ctx, []node.GeoFile{{Name: "broken.dat", URL: files.URL + "/missing"}}); statusOf(err) != http.StatusInternalServerError {
		t.Fatalf("expected 500 for a failed download, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(ta.cfg.XrayAssetsPath, "broken.dat")); !os.IsNotExist(err) {
		t.Fatalf("a failed download must not leave a file behind")
	}
}
