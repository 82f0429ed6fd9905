// Package agent is the node side of the control plane: it runs the xray core
// on behalf of one master, which it authenticates by client certificate.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	agentconfig "xray-control/internal/agent/config"
	"xray-control/internal/logger"
	"xray-control/internal/logstream"
	"xray-control/internal/security"
	"xray-control/internal/xrayconf"
	"xray-control/internal/xraycore"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
)

const defaultReleaseURL = "https://github.com/XTLS/Xray-core/releases"

type Agent struct {
	cfg       *agentconfig.Config
	runner    *xraycore.Runner
	logs      *logstream.Buffer
	tlsConfig *tls.Config

	session atomic.String
	// coreMu serializes every operation that starts, stops or replaces the core.
	coreMu sync.Mutex

	upgrader   websocket.Upgrader
	httpClient *http.Client
	releaseURL string
	sample     func(ctx context.Context) (float64, float64)
}

func New(cfg *agentconfig.Config) (*Agent, error) {
	cert, err := loadOrCreateCertificate(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("node certificate: %w", err)
	}
	masterPEM, err := readFile(cfg.MasterCertFile)
	if err != nil {
		return nil, fmt.Errorf("master certificate: %w", err)
	}
	tlsConfig, err := security.MutualServerConfig(cert, masterPEM)
	if err != nil {
		return nil, fmt.Errorf("master certificate: %w", err)
	}

	logs := logstream.New(logstream.DefaultCapacity)
	return &Agent{
		cfg:        cfg,
		runner:     xraycore.NewRunner(cfg.XrayBinary, cfg.XrayAssetsPath, logs),
		logs:       logs,
		tlsConfig:  tlsConfig,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		releaseURL: defaultReleaseURL,
		sample:     sampleSystemUsage,
	}, nil
}

// TLSConfig serves the node certificate and requires the master's.
func (a *Agent) TLSConfig() *tls.Config {
	return a.tlsConfig.Clone()
}

// Run serves the API until ctx ends, then stops the core.
func (a *Agent) Run(ctx context.Context) error {
	logger.Noticef("starting node agent (%s)", a.cfg.String())
	defer a.logs.Close()
	defer func() {
		if err := a.runner.Stop(); err != nil {
			logger.Warningf("stop core: %v", err)
		}
	}()
	return a.serve(ctx)
}

func (a *Agent) serve(ctx context.Context) error {
	server := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           a.Handler(),
		TLSConfig:         a.TLSConfig(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		tCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(tCtx)
	}()

	logger.Infof("agent API server listening on %s", a.cfg.ListenAddr)
	if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *Agent) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/connect", a.wrapHandler(a.connectHandler)).Methods(http.MethodPost)

	authed := router.NewRoute().Subrouter()
	authed.Use(a.requireSession)
	authed.HandleFunc("/disconnect", a.wrapHandler(a.disconnectHandler)).Methods(http.MethodPost)
	authed.HandleFunc("/ping", a.wrapHandler(a.pingHandler)).Methods(http.MethodGet)
	authed.HandleFunc("/start", a.wrapHandler(a.startHandler)).Methods(http.MethodPost)
	authed.HandleFunc("/stop", a.wrapHandler(a.stopHandler)).Methods(http.MethodPost)
	authed.HandleFunc("/restart", a.wrapHandler(a.restartHandler)).Methods(http.MethodPost)
	authed.HandleFunc("/logs", a.wrapHandler(a.logsHandler)).Methods(http.MethodGet)
	authed.HandleFunc("/update/core", a.wrapHandler(a.updateCoreHandler)).Methods(http.MethodPost)
	authed.HandleFunc("/update/geo", a.wrapHandler(a.updateGeoHandler)).Methods(http.MethodPost)
	return router
}

func (a *Agent) wrapHandler(handler func(http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := handler(w, r); err != nil {
			status := http.StatusInternalServerError
			var httpErr *HTTPError
			if errors.As(err, &httpErr) {
				status = httpErr.StatusCode
			}
			if status >= http.StatusInternalServerError {
				logger.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
			} else {
				logger.Debugf("%s %s: %v", r.Method, r.URL.Path, err)
			}
			http.Error(w, err.Error(), status)
		}
	}
}

func (a *Agent) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := a.session.Load()
		if current == "" || r.Header.Get(SessionHeader) != current {
			http.Error(w, "session id mismatch", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return httpErrorf(http.StatusBadRequest, "invalid payload: %v", err)
	}
	return nil
}

// connectHandler opens a new session. A core left running by a previous
// session is stopped; the new master pushes its own config.
func (a *Agent) connectHandler(w http.ResponseWriter, r *http.Request) error {
	a.coreMu.Lock()
	defer a.coreMu.Unlock()

	if a.runner.Started() {
		logger.Info("new session, stopping the running core")
		if err := a.runner.Stop(); err != nil {
			return err
		}
	}
	version, err := a.runner.Version(r.Context())
	if err != nil {
		return httpErrorf(http.StatusServiceUnavailable, "core unavailable: %v", err)
	}

	id := uuid.NewString()
	a.session.Store(id)
	logger.Infof("session %s opened from %s", id, r.RemoteAddr)
	return writeJSON(w, connectResponse{SessionID: id, CoreVersion: version})
}

func (a *Agent) disconnectHandler(w http.ResponseWriter, r *http.Request) error {
	a.coreMu.Lock()
	defer a.coreMu.Unlock()

	a.session.Store("")
	if err := a.runner.Stop(); err != nil {
		return err
	}
	logger.Info("session closed")
	return writeJSON(w, map[string]string{"status": "disconnected"})
}

func (a *Agent) pingHandler(w http.ResponseWriter, r *http.Request) error {
	version, _ := a.runner.Version(r.Context())
	cpu, mem := a.sample(r.Context())
	return writeJSON(w, pingResponse{
		Started:     a.runner.Started(),
		CoreVersion: version,
		CPU:         cpu,
		Mem:         mem,
	})
}

func (a *Agent) startHandler(w http.ResponseWriter, r *http.Request) error {
	data, err := a.coreConfig(r)
	if err != nil {
		return err
	}

	a.coreMu.Lock()
	defer a.coreMu.Unlock()
	if a.runner.Started() {
		return httpErrorf(http.StatusConflict, "core is already started")
	}
	if err := a.runner.Start(r.Context(), data); err != nil {
		return fmt.Errorf("start core: %w", err)
	}
	return writeJSON(w, map[string]string{"status": "started"})
}

func (a *Agent) stopHandler(w http.ResponseWriter, r *http.Request) error {
	a.coreMu.Lock()
	defer a.coreMu.Unlock()
	if err := a.runner.Stop(); err != nil {
		return err
	}
	return writeJSON(w, map[string]string{"status": "stopped"})
}

func (a *Agent) restartHandler(w http.ResponseWriter, r *http.Request) error {
	data, err := a.coreConfig(r)
	if err != nil {
		return err
	}

	a.coreMu.Lock()
	defer a.coreMu.Unlock()
	if err := a.runner.Restart(r.Context(), data); err != nil {
		return fmt.Errorf("restart core: %w", err)
	}
	return writeJSON(w, map[string]string{"status": "restarted"})
}

func (a *Agent) coreConfig(r *http.Request) ([]byte, error) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if req.Config == "" {
		return nil, httpErrorf(http.StatusBadRequest, "config is required")
	}
	data, err := a.exposeAPI([]byte(req.Config))
	if err != nil {
		return nil, httpErrorf(http.StatusBadRequest, "%v", err)
	}
	return data, nil
}

// exposeAPI moves the API inbound of a master generated config onto every
// interface at the configured port, behind the node certificate.
func (a *Agent) exposeAPI(config []byte) ([]byte, error) {
	var doc xrayconf.GenericMap
	if err := json.Unmarshal(config, &doc); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	certFile, err := filepath.Abs(a.cfg.CertFile)
	if err != nil {
		return nil, err
	}
	keyFile, err := filepath.Abs(a.cfg.KeyFile)
	if err != nil {
		return nil, err
	}

	inbounds, _ := doc["inbounds"].([]any)
	found := false
	for _, raw := range inbounds {
		inbound, ok := raw.(map[string]any)
		if !ok || inbound["tag"] != xrayconf.APIInboundTag {
			continue
		}
		inbound["listen"] = "0.0.0.0"
		inbound["port"] = a.cfg.APIPort
		inbound["streamSettings"] = map[string]any{
			"security": "tls",
			"tlsSettings": map[string]any{
				"certificates": []any{
					map[string]any{"certificateFile": certFile, "keyFile": keyFile},
				},
			},
		}
		found = true
	}
	if !found {
		return nil, fmt.Errorf("config has no %s inbound", xrayconf.APIInboundTag)
	}
	return json.Marshal(doc)
}

// logsHandler streams core output over a websocket. With a positive
// interval (seconds) lines are sent in batches, otherwise one by one.
func (a *Agent) logsHandler(w http.ResponseWriter, r *http.Request) error {
	var interval time.Duration
	if raw := r.URL.Query().Get("interval"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs < 0 || secs > 10 {
			return httpErrorf(http.StatusBadRequest, "invalid interval %q", raw)
		}
		interval = time.Duration(secs * float64(time.Second))
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already answered
		logger.Debugf("log stream upgrade: %v", err)
		return nil
	}
	defer conn.Close()

	sub := a.logs.Subscribe(0)
	defer sub.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(lines []string) bool {
		data, err := json.Marshal(lines)
		if err != nil {
			return false
		}
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, data) == nil
	}

	if interval == 0 {
		for {
			select {
			case <-closed:
				return nil
			case line, ok := <-sub.C:
				if !ok || !send([]string{line}) {
					return nil
				}
			}
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var batch []string
	for {
		select {
		case <-closed:
			return nil
		case line, ok := <-sub.C:
			if !ok {
				if len(batch) > 0 {
					send(batch)
				}
				return nil
			}
			batch = append(batch, line)
		case <-ticker.C:
			if len(batch) == 0 {
				continue
			}
			if !send(batch) {
				return nil
			}
			batch = nil
		}
	}
}

func (a *Agent) updateCoreHandler(w http.ResponseWriter, r *http.Request) error {
	var req updateCoreRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if !validReleaseTag(req.Version) {
		return httpErrorf(http.StatusBadRequest, "invalid version %q", req.Version)
	}

	a.coreMu.Lock()
	defer a.coreMu.Unlock()

	if err := a.installCore(r.Context(), req.Version); err != nil {
		return fmt.Errorf("install core: %w", err)
	}
	a.runner.ResetVersion()
	version, err := a.runner.Version(r.Context())
	if err != nil {
		return err
	}

	if a.runner.Started() {
		if err := a.runner.Restart(r.Context(), a.runner.Config()); err != nil {
			return fmt.Errorf("restart core: %w", err)
		}
	}
	logger.Noticef("core updated to %s", version)
	return writeJSON(w, map[string]string{"core_version": version})
}

func (a *Agent) updateGeoHandler(w http.ResponseWriter, r *http.Request) error {
	var req updateGeoRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if len(req.Files) == 0 {
		return httpErrorf(http.StatusBadRequest, "no files given")
	}
	for _, f := range req.Files {
		if !validAssetName(f.Name) {
			return httpErrorf(http.StatusBadRequest, "invalid file name %q", f.Name)
		}
	}

	for _, f := range req.Files {
		if err := a.downloadAsset(r.Context(), f); err != nil {
			return fmt.Errorf("download %s: %w", f.Name, err)
		}
		logger.Infof("asset %s updated", f.Name)
	}
	return writeJSON(w, map[string]int{"updated": len(req.Files)})
}
