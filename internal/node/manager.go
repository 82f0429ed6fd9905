// Package node keeps one management session per remote node and pushes
// configs and users to the cores they run.
package node

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"xray-control/internal/logger"
	"xray-control/internal/logstream"
	"xray-control/internal/metrics"
	"xray-control/internal/model"
	"xray-control/internal/notify"
	"xray-control/internal/security"
	"xray-control/internal/workerpool"
	"xray-control/internal/xrayapi"
	"xray-control/internal/xrayconf"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const logRetryDelay = 5 * time.Second

// Store is the persistence the manager needs for node rows.
type Store interface {
	GetNode(ctx context.Context, id uint) (*model.Node, error)
	GetAllNodes(ctx context.Context) ([]*model.Node, error)
	UpdateNodeStatus(ctx context.Context, id uint, status model.NodeStatus, message, version string) (*model.Node, model.NodeStatus, bool, error)
	SetNodeCertificate(ctx context.Context, id uint, certPEM string) error
}

// ConfigSource returns the current base config, without users.
type ConfigSource interface {
	Config() *xrayconf.Config
}

// MasterCore exposes the API of the locally running core.
type MasterCore interface {
	API() xrayapi.API
}

type Options struct {
	// ClientCert is presented to every node agent.
	ClientCert     *tls.Certificate
	Timeout        time.Duration
	ReadyTimeout   time.Duration
	NotifyCooldown time.Duration
	Workers        int
	LogLines       int
	LogInterval    time.Duration
}

func (o *Options) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 10 * time.Second
	}
	if o.NotifyCooldown <= 0 {
		o.NotifyCooldown = 5 * time.Minute
	}
	if o.Workers <= 0 {
		o.Workers = 10
	}
	if o.LogLines <= 0 {
		o.LogLines = logstream.DefaultCapacity
	}
}

type Deps struct {
	Store     Store
	Directory xrayconf.Directory
	Configs   ConfigSource
	Master    MasterCore
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
	Pool      *workerpool.Pool
}

type Manager struct {
	store    Store
	dir      xrayconf.Directory
	configs  ConfigSource
	master   MasterCore
	notifier notify.Notifier
	metrics  *metrics.Metrics
	pool     *workerpool.Pool
	opts     Options

	newNodeAPI  func(node *model.Node, tlsConfig *tls.Config) NodeAPI
	newProxyAPI func(addr string, tlsConfig *tls.Config) (xrayapi.API, error)
	fetchCert   func(ctx context.Context, addr string) (string, error)
	now         func() time.Time

	locks keyedMutex

	inflightMu sync.Mutex
	inflight   map[uint]struct{}

	mu       sync.RWMutex
	sessions map[uint]*session
	removed  map[uint]time.Time

	noticeMu sync.Mutex
	notices  map[uint]map[string]*rate.Limiter
}

func NewManager(deps Deps, opts Options) *Manager {
	opts.applyDefaults()
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Pool == nil {
		deps.Pool = workerpool.New("node-tasks", 4, 256)
	}
	m := &Manager{
		store:    deps.Store,
		dir:      deps.Directory,
		configs:  deps.Configs,
		master:   deps.Master,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		pool:     deps.Pool,
		opts:     opts,
		inflight: make(map[uint]struct{}),
		sessions: make(map[uint]*session),
		removed:  make(map[uint]time.Time),
		notices:  make(map[uint]map[string]*rate.Limiter),
		now:      time.Now,
	}
	m.newNodeAPI = func(node *model.Node, tlsConfig *tls.Config) NodeAPI {
		return NewClient(node.Address, node.Port, tlsConfig, m.opts.Timeout)
	}
	m.newProxyAPI = func(addr string, tlsConfig *tls.Config) (xrayapi.API, error) {
		client, err := xrayapi.Dial(addr, tlsConfig)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	m.fetchCert = security.FetchPeerCertificate
	return m
}

func (m *Manager) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.opts.Timeout)
}

func (m *Manager) session(id uint) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

func (m *Manager) markInflight(id uint) bool {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	if _, ok := m.inflight[id]; ok {
		return false
	}
	m.inflight[id] = struct{}{}
	return true
}

func (m *Manager) clearInflight(id uint) {
	m.inflightMu.Lock()
	delete(m.inflight, id)
	m.inflightMu.Unlock()
}

func overLimit(node *model.Node) bool {
	return node.DataLimit > 0 && node.Usage() >= node.DataLimit
}

// Connect opens a session with the node and starts its core with the live
// config. It does nothing when a connect for the node is already running or
// a session exists, unless force is set.
func (m *Manager) Connect(ctx context.Context, id uint, force bool) error {
	owned := m.markInflight(id)
	if !owned && !force {
		return nil
	}
	if owned {
		defer m.clearInflight(id)
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	node, err := m.store.GetNode(ctx, id)
	if err != nil {
		return err
	}
	if m.isRemoved(node) {
		return ErrNodeRemoved
	}
	if node.Status == model.NodeStatusDisabled {
		return ErrNodeDisabled
	}
	if !force && m.session(id) != nil {
		return nil
	}

	err = m.connectLocked(ctx, node)
	m.metrics.NodeOperation("connect", err)
	return err
}

func (m *Manager) connectLocked(ctx context.Context, node *model.Node) error {
	m.dropSession(ctx, node.ID)
	m.setStatus(ctx, node.ID, model.NodeStatusConnecting, "", "")

	addr := net.JoinHostPort(node.Address, strconv.Itoa(node.Port))
	fetchCtx, cancel := m.callCtx(ctx)
	certPEM, err := m.fetchCert(fetchCtx, addr)
	cancel()
	if err != nil {
		return m.fail(ctx, node, nil, "fetch certificate", err)
	}
	if certPEM != node.Certificate {
		if err := m.store.SetNodeCertificate(ctx, node.ID, certPEM); err != nil {
			logger.Warningf("node %s: store certificate: %v", node.Name, err)
		}
	}

	tlsConfig, err := security.PinnedClientConfig(certPEM, m.opts.ClientCert)
	if err != nil {
		return m.fail(ctx, node, nil, "parse certificate", err)
	}

	api := m.newNodeAPI(node, tlsConfig)
	connCtx, cancel := m.callCtx(ctx)
	info, err := api.Connect(connCtx)
	cancel()
	if err != nil {
		api.Close()
		return m.fail(ctx, node, nil, "open session", err)
	}

	sess := &session{
		nodeID:      node.ID,
		name:        node.Name,
		coefficient: node.UsageCoefficient,
		apiPort:     node.APIPort,
		address:     node.Address,
		api:         api,
		tlsConfig:   tlsConfig,
		sessionID:   info.SessionID,
		version:     info.CoreVersion,
		logs:        logstream.New(m.opts.LogLines),
	}
	m.mu.Lock()
	m.sessions[node.ID] = sess
	m.mu.Unlock()
	m.startLogStream(sess)
	logger.Infof("node %s: session %s opened (core %s)", node.Name, info.SessionID, info.CoreVersion)

	if overLimit(node) {
		sess.limited.Store(true)
		m.setStatus(ctx, node.ID, model.NodeStatusLimited, "data limit reached", info.CoreVersion)
		return nil
	}

	if err := m.pushConfig(ctx, sess, false); err != nil {
		return m.fail(ctx, node, sess, "start core", err)
	}
	m.setStatus(ctx, node.ID, model.NodeStatusConnected, "", sess.version)
	return nil
}

// pushConfig sends the live config to the node and waits for its proxy API.
func (m *Manager) pushConfig(ctx context.Context, sess *session, restart bool) error {
	base := m.configs.Config()
	if base == nil {
		return errors.New("no core config loaded")
	}
	cfg, err := xrayconf.IncludeLiveUsers(ctx, base, m.dir, sess.version)
	if err != nil {
		return err
	}
	data, err := cfg.JSON()
	if err != nil {
		return err
	}

	sess.setProxy(nil)
	pushCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout+m.opts.ReadyTimeout)
	if restart {
		err = sess.api.Restart(pushCtx, data)
	} else {
		err = sess.api.Start(pushCtx, data)
		if errors.Is(err, ErrAlreadyStarted) {
			err = sess.api.Restart(pushCtx, data)
		}
	}
	cancel()
	if err != nil {
		sess.started.Store(false)
		return err
	}
	sess.started.Store(true)
	return m.connectProxy(ctx, sess)
}

func (m *Manager) connectProxy(ctx context.Context, sess *session) error {
	addr := net.JoinHostPort(sess.address, strconv.Itoa(sess.apiPort))
	proxy, err := m.newProxyAPI(addr, sess.tlsConfig)
	if err != nil {
		return &ConnectionError{NodeID: sess.nodeID, Op: "dial proxy api", Err: err}
	}
	readyCtx, cancel := context.WithTimeout(ctx, m.opts.ReadyTimeout)
	defer cancel()
	if err := proxy.WaitReady(readyCtx, 500*time.Millisecond); err != nil {
		_ = proxy.Close()
		return &ConnectionError{NodeID: sess.nodeID, Op: "wait for proxy api", Err: err}
	}
	sess.setProxy(proxy)
	return nil
}

// fail records a failed operation. When a node call failed but the node
// reports its core running anyway, the node is reported connected.
func (m *Manager) fail(ctx context.Context, node *model.Node, sess *session, op string, cause error) error {
	var connErr *ConnectionError
	if sess != nil && !errors.As(cause, &connErr) {
		pingCtx, cancel := m.callCtx(context.WithoutCancel(ctx))
		info, err := sess.api.Ping(pingCtx)
		cancel()
		if err == nil && info.Started {
			sess.started.Store(true)
			logger.Warningf("node %s: %s failed but core is running: %v", node.Name, op, cause)
			m.setStatus(ctx, node.ID, model.NodeStatusConnected, "", info.CoreVersion)
			return nil
		}
	}

	if !errors.As(cause, &connErr) {
		cause = &ConnectionError{NodeID: node.ID, Op: op, Err: cause}
	}
	logger.Errorf("node %s: %v", node.Name, cause)
	m.setStatus(ctx, node.ID, model.NodeStatusError, cause.Error(), "")
	return cause
}

func (m *Manager) setStatus(ctx context.Context, id uint, status model.NodeStatus, message, version string) {
	ctx = context.WithoutCancel(ctx)
	node, prev, changed, err := m.store.UpdateNodeStatus(ctx, id, status, message, version)
	if err != nil {
		logger.Warningf("node %d: update status to %s: %v", id, status, err)
		return
	}
	m.metrics.SetNodeStatus(node.Name, string(status))
	if !changed || (prev == status && status != model.NodeStatusError) {
		return
	}
	if !m.allowNotice(id, string(status)+"|"+message) {
		logger.Debugf("node %s: %s notification suppressed by cooldown", node.Name, status)
		return
	}
	m.notifier.NodeStatusChanged(ctx, node, prev)
}

// allowNotice rate-limits identical notifications per node to one per
// cooldown window.
func (m *Manager) allowNotice(id uint, key string) bool {
	m.noticeMu.Lock()
	defer m.noticeMu.Unlock()
	now := m.now()
	seen := m.notices[id]
	if seen == nil {
		seen = make(map[string]*rate.Limiter)
		m.notices[id] = seen
	}
	for k, lim := range seen {
		if k != key && lim.TokensAt(now) >= 1 {
			delete(seen, k)
		}
	}
	lim, ok := seen[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(m.opts.NotifyCooldown), 1)
		seen[key] = lim
	}
	return lim.AllowN(now, 1)
}

func (m *Manager) startLogStream(sess *session) {
	ctx, cancel := context.WithCancel(context.Background())
	sess.logCancel = cancel
	go func() {
		for {
			err := sess.api.StreamLogs(ctx, m.opts.LogInterval, func(lines []string) {
				for _, line := range lines {
					sess.logs.Publish(line)
				}
			})
			if ctx.Err() != nil {
				return
			}
			logger.Debugf("node %s: log stream ended: %v", sess.name, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(logRetryDelay):
			}
		}
	}()
}

// Start pushes the live config to a connected node, connecting first if needed.
func (m *Manager) Start(ctx context.Context, id uint) error {
	if m.session(id) == nil {
		return m.Connect(ctx, id, false)
	}
	err := m.push(ctx, id, false)
	m.metrics.NodeOperation("start", err)
	return err
}

// Restart replaces the node's running core with one using the live config.
func (m *Manager) Restart(ctx context.Context, id uint) error {
	if m.session(id) == nil {
		return m.Connect(ctx, id, true)
	}
	err := m.push(ctx, id, true)
	m.metrics.NodeOperation("restart", err)
	return err
}

func (m *Manager) push(ctx context.Context, id uint, restart bool) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	sess := m.session(id)
	if sess == nil {
		return ErrNotConnected
	}
	if sess.limited.Load() {
		return nil
	}
	node, err := m.store.GetNode(ctx, id)
	if err != nil {
		return err
	}
	op := "start core"
	if restart {
		op = "restart core"
	}
	if err := m.pushConfig(ctx, sess, restart); err != nil {
		return m.fail(ctx, node, sess, op, err)
	}
	m.setStatus(ctx, id, model.NodeStatusConnected, "", sess.version)
	return nil
}

// Stop halts the node's core and keeps the session.
func (m *Manager) Stop(ctx context.Context, id uint) {
	unlock := m.locks.Lock(id)
	defer unlock()
	m.stopLocked(ctx, id)
}

func (m *Manager) stopLocked(ctx context.Context, id uint) {
	sess := m.session(id)
	if sess == nil {
		return
	}
	sess.setProxy(nil)
	stopCtx, cancel := m.callCtx(ctx)
	err := sess.api.Stop(stopCtx)
	cancel()
	if err != nil {
		logger.Warningf("node %s: stop core: %v", sess.name, err)
	}
	sess.started.Store(false)
	m.metrics.NodeOperation("stop", err)
}

// Disconnect ends the node's session. Errors are logged only.
func (m *Manager) Disconnect(ctx context.Context, id uint) {
	unlock := m.locks.Lock(id)
	defer unlock()
	m.dropSession(ctx, id)
}

func (m *Manager) dropSession(ctx context.Context, id uint) {
	m.mu.Lock()
	sess := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if sess == nil {
		return
	}
	discCtx, cancel := m.callCtx(context.WithoutCancel(ctx))
	if err := sess.api.Disconnect(discCtx); err != nil {
		logger.Debugf("node %s: disconnect: %v", sess.name, err)
	}
	cancel()
	sess.close()
	logger.Infof("node %s: session %s closed", sess.name, sess.sessionID)
}

// Disable disconnects the node and marks it disabled.
func (m *Manager) Disable(ctx context.Context, id uint) {
	unlock := m.locks.Lock(id)
	defer unlock()
	m.dropSession(ctx, id)
	m.setStatus(ctx, id, model.NodeStatusDisabled, "", "")
}

// RemoveNode discards every trace of the node kept by the manager. Connects
// queued for the node are refused afterwards, even while its row still
// exists.
func (m *Manager) RemoveNode(ctx context.Context, id uint) {
	unlock := m.locks.Lock(id)
	defer unlock()

	m.mu.Lock()
	m.removed[id] = m.now()
	m.mu.Unlock()

	name := ""
	if sess := m.session(id); sess != nil {
		name = sess.name
	} else if node, err := m.store.GetNode(ctx, id); err == nil {
		name = node.Name
	}
	m.dropSession(ctx, id)
	if name != "" {
		m.metrics.ForgetNode(name)
	}
	m.noticeMu.Lock()
	delete(m.notices, id)
	m.noticeMu.Unlock()
}

// isRemoved reports whether node was removed. A row created after the
// removal reuses the id and clears the mark.
func (m *Manager) isRemoved(node *model.Node) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.removed[node.ID]
	if !ok {
		return false
	}
	if node.CreatedAt.After(at) {
		delete(m.removed, node.ID)
		return false
	}
	return true
}

// HealthCheck probes every enabled node and repairs what it can. Failures
// are left for the next run.
func (m *Manager) HealthCheck(ctx context.Context) error {
	nodes, err := m.store.GetAllNodes(ctx)
	if err != nil {
		return err
	}
	var g errgroup.Group
	g.SetLimit(m.opts.Workers)
	for _, node := range nodes {
		if node.Status == model.NodeStatusDisabled || node.Status == model.NodeStatusLimited {
			continue
		}
		g.Go(func() error {
			m.checkNode(ctx, node)
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) checkNode(ctx context.Context, node *model.Node) {
	sess := m.session(node.ID)
	if sess == nil {
		_ = m.Connect(ctx, node.ID, false)
		return
	}

	pingCtx, cancel := m.callCtx(ctx)
	info, err := sess.api.Ping(pingCtx)
	cancel()
	if err != nil {
		logger.Warningf("node %s: unreachable: %v", node.Name, err)
		_ = m.Connect(ctx, node.ID, true)
		return
	}
	if !info.Started {
		_ = m.Start(ctx, node.ID)
		return
	}

	proxy := sess.proxyAPI()
	if proxy == nil {
		_ = m.Restart(ctx, node.ID)
		return
	}
	pingCtx, cancel = m.callCtx(ctx)
	err = proxy.Ping(pingCtx)
	cancel()
	if err != nil {
		logger.Warningf("node %s: proxy api: %v", node.Name, err)
		_ = m.Restart(ctx, node.ID)
		return
	}
	if node.Status != model.NodeStatusConnected {
		m.setStatus(ctx, node.ID, model.NodeStatusConnected, "", info.CoreVersion)
	}
}

// CheckLimits moves nodes across their data limit in or out of rotation.
func (m *Manager) CheckLimits(ctx context.Context) error {
	nodes, err := m.store.GetAllNodes(ctx)
	if err != nil {
		return err
	}
	for _, node := range nodes {
		if node.Status == model.NodeStatusDisabled {
			continue
		}
		over := overLimit(node)
		switch {
		case over && node.Status != model.NodeStatusLimited:
			m.limit(ctx, node)
		case !over && node.Status == model.NodeStatusLimited:
			logger.Infof("node %s: usage below limit, re-admitting", node.Name)
			m.setStatus(ctx, node.ID, model.NodeStatusConnecting, "", "")
			if err := m.Connect(ctx, node.ID, true); err != nil {
				logger.Warningf("node %s: reconnect: %v", node.Name, err)
			}
		}
	}
	return nil
}

func (m *Manager) limit(ctx context.Context, node *model.Node) {
	unlock := m.locks.Lock(node.ID)
	defer unlock()
	if sess := m.session(node.ID); sess != nil {
		sess.limited.Store(true)
		if sess.started.Load() {
			m.stopLocked(ctx, node.ID)
		}
	}
	logger.Warningf("node %s: data limit reached (%d/%d)", node.Name, node.Usage(), node.DataLimit)
	m.setStatus(ctx, node.ID, model.NodeStatusLimited, "data limit reached", "")
}

// Logs subscribes to the node's core log lines from now on.
func (m *Manager) Logs(id uint) (*logstream.Subscription, error) {
	sess := m.session(id)
	if sess == nil {
		return nil, ErrNotConnected
	}
	return sess.logs.Subscribe(256), nil
}

// UpdateCore asks the node to install another core version and reconnects it.
func (m *Manager) UpdateCore(ctx context.Context, id uint, version string) error {
	sess := m.session(id)
	if sess == nil {
		return ErrNotConnected
	}
	updCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	err := sess.api.UpdateCore(updCtx, version)
	cancel()
	m.metrics.NodeOperation("update_core", err)
	if err != nil {
		return err
	}
	return m.Connect(ctx, id, true)
}

func (m *Manager) UpdateGeo(ctx context.Context, id uint, files []GeoFile) error {
	sess := m.session(id)
	if sess == nil {
		return ErrNotConnected
	}
	updCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	err := sess.api.UpdateGeo(updCtx, files)
	m.metrics.NodeOperation("update_geo", err)
	return err
}

// SessionInfo describes a node's live session.
type SessionInfo struct {
	SessionID   string `json:"session_id"`
	CoreVersion string `json:"core_version"`
	Started     bool   `json:"started"`
	Limited     bool   `json:"limited"`
}

func (m *Manager) Session(id uint) (SessionInfo, bool) {
	sess := m.session(id)
	if sess == nil {
		return SessionInfo{}, false
	}
	return SessionInfo{
		SessionID:   sess.sessionID,
		CoreVersion: sess.version,
		Started:     sess.started.Load(),
		Limited:     sess.limited.Load(),
	}, true
}

// ConnectAll queues a connect for every enabled node.
func (m *Manager) ConnectAll(ctx context.Context) error {
	nodes, err := m.store.GetAllNodes(ctx)
	if err != nil {
		return err
	}
	for _, node := range nodes {
		if node.Status == model.NodeStatusDisabled {
			continue
		}
		id := node.ID
		m.pool.Go(func(ctx context.Context) {
			if err := m.Connect(ctx, id, false); err != nil {
				logger.Warningf("node %d: connect: %v", id, err)
			}
		})
	}
	return nil
}

// RestartAll queues a restart of every connected node, e.g. after a config edit.
func (m *Manager) RestartAll() {
	for _, id := range m.sessionIDs() {
		m.pool.Go(func(ctx context.Context) {
			if err := m.Restart(ctx, id); err != nil {
				logger.Warningf("node %d: restart: %v", id, err)
			}
		})
	}
}

// Shutdown disconnects every node.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, id := range m.sessionIDs() {
		m.Disconnect(ctx, id)
	}
}

func (m *Manager) sessionIDs() []uint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// StatSources lists the master and every live node for stats collection.
func (m *Manager) StatSources() []xrayapi.Source {
	var out []xrayapi.Source
	if m.master != nil {
		if api := m.master.API(); api != nil {
			out = append(out, xrayapi.Source{NodeID: 0, Name: "master", Coefficient: 1, API: api})
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sess := range m.sessions {
		proxy := sess.proxyAPI()
		if proxy == nil || !sess.started.Load() || sess.limited.Load() {
			continue
		}
		out = append(out, xrayapi.Source{
			NodeID:      sess.nodeID,
			Name:        sess.name,
			Coefficient: sess.coefficient,
			API:         proxy,
		})
	}
	return out
}

func (m *Manager) pushTargets() []xrayapi.API {
	sources := m.StatSources()
	out := make([]xrayapi.API, 0, len(sources))
	for _, src := range sources {
		out = append(out, src.API)
	}
	return out
}

func (m *Manager) clientEntries(ctx context.Context, user *model.User) ([]xrayconf.ClientEntry, error) {
	cfg := m.configs.Config()
	if cfg == nil {
		return nil, nil
	}
	services, err := m.dir.ServiceInbounds(ctx)
	if err != nil {
		return nil, err
	}
	entries, errs := xrayconf.ClientEntries(cfg, user, services)
	for _, e := range errs {
		logger.Warningf("skipping user credentials: %v", e)
	}
	return entries, nil
}

// AddUser adds a live user's credentials to the master and every live node.
func (m *Manager) AddUser(ctx context.Context, user *model.User) error {
	if !user.Live() {
		return nil
	}
	entries, err := m.clientEntries(ctx, user)
	if err != nil {
		return err
	}
	var errs []error
	for _, api := range m.pushTargets() {
		for _, entry := range entries {
			if err := api.AddUser(ctx, entry); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// RemoveUser removes the user from every inbound of the master and every live node.
func (m *Manager) RemoveUser(ctx context.Context, user *model.User) error {
	cfg := m.configs.Config()
	if cfg == nil {
		return nil
	}
	email := xrayconf.Email(user)
	var errs []error
	for _, api := range m.pushTargets() {
		for _, tag := range cfg.Tags() {
			if err := api.RemoveUser(ctx, tag, email); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// UpdateUser replaces the user's credentials everywhere.
func (m *Manager) UpdateUser(ctx context.Context, user *model.User) error {
	return errors.Join(m.RemoveUser(ctx, user), m.AddUser(ctx, user))
}

func (m *Manager) QueueAddUser(user *model.User) {
	u := *user
	m.pool.Go(func(ctx context.Context) {
		if err := m.AddUser(ctx, &u); err != nil {
			logger.Warningf("add user %s: %v", u.Username, err)
		}
	})
}

func (m *Manager) QueueRemoveUser(user *model.User) {
	u := *user
	m.pool.Go(func(ctx context.Context) {
		if err := m.RemoveUser(ctx, &u); err != nil {
			logger.Warningf("remove user %s: %v", u.Username, err)
		}
	})
}

func (m *Manager) QueueUpdateUser(user *model.User) {
	u := *user
	m.pool.Go(func(ctx context.Context) {
		if err := m.UpdateUser(ctx, &u); err != nil {
			logger.Warningf("update user %s: %v", u.Username, err)
		}
	})
}
