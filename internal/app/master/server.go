package master

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"xray-control/internal/logger"
	"xray-control/internal/logstream"
	"xray-control/internal/metrics"
	"xray-control/internal/node"
	"xray-control/internal/security"
	"xray-control/internal/service"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// NodeController is the part of the node manager driven over HTTP.
type NodeController interface {
	Connect(ctx context.Context, id uint, force bool) error
	Restart(ctx context.Context, id uint) error
	Stop(ctx context.Context, id uint)
	Disconnect(ctx context.Context, id uint)
	Disable(ctx context.Context, id uint)
	UpdateCore(ctx context.Context, id uint, version string) error
	UpdateGeo(ctx context.Context, id uint, files []node.GeoFile) error
	RemoveNode(ctx context.Context, id uint)
	Logs(id uint) (*logstream.Subscription, error)
	Session(id uint) (node.SessionInfo, bool)
}

// CoreController restarts the master core and every node with the current
// config.
type CoreController interface {
	RestartCores(ctx context.Context) error
}

type ServerDeps struct {
	Nodes   *service.NodeService
	Configs *service.ConfigService
	Manager NodeController
	Cores   CoreController
	Metrics *metrics.Metrics
	Secret  string
}

type Server struct {
	engine  *gin.Engine
	nodes   *service.NodeService
	configs *service.ConfigService
	manager NodeController
	cores   CoreController
	metrics *metrics.Metrics
	secret  string
}

func NewServer(deps ServerDeps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs([]string{`.*/logs$`})))

	s := &Server{
		engine:  engine,
		nodes:   deps.Nodes,
		configs: deps.Configs,
		manager: deps.Manager,
		cores:   deps.Cores,
		metrics: deps.Metrics,
		secret:  deps.Secret,
	}

	s.registerRoutes()
	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := s.engine.Group("/api")
	api.GET("/health", s.handleHealth)

	signed := api.Group("", s.verifySignature)
	{
		signed.GET("/dashboard", s.handleDashboard)

		nodes := signed.Group("/nodes")
		nodes.GET("", s.handleListNodes)
		nodes.POST("", s.handleUpsertNode)
		nodes.POST("/:id/connect", s.handleConnectNode)
		nodes.POST("/:id/restart", s.handleRestartNode)
		nodes.POST("/:id/stop", s.handleStopNode)
		nodes.POST("/:id/disconnect", s.handleDisconnectNode)
		nodes.POST("/:id/disable", s.handleDisableNode)
		nodes.POST("/:id/update/core", s.handleUpdateNodeCore)
		nodes.POST("/:id/update/geo", s.handleUpdateNodeGeo)
		nodes.DELETE("/:id", s.handleDeleteNode)
		nodes.GET("/:id/logs", s.handleNodeLogs)

		core := signed.Group("/core")
		core.POST("/restart", s.handleRestartCores)
		core.GET("/config", s.handleGetConfig)
		core.PUT("/config", s.handlePutConfig)
	}
}

func (s *Server) verifySignature(c *gin.Context) {
	signature := c.GetHeader(SignatureHeader)
	if signature == "" {
		s.respondError(c, http.StatusUnauthorized, "missing signature")
		c.Abort()
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.respondError(c, http.StatusBadRequest, "failed to read body")
		c.Abort()
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	payload := body
	if len(payload) == 0 {
		payload = []byte(c.Request.URL.Path)
	}
	if !security.VerifyHMAC(payload, s.secret, signature) {
		s.respondError(c, http.StatusUnauthorized, "invalid signature")
		c.Abort()
		return
	}
	c.Next()
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now()})
}

func (s *Server) handleDashboard(c *gin.Context) {
	metrics, err := s.nodes.GetDashboardMetrics(c.Request.Context())
	if err != nil {
		s.respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": metrics})
}

func (s *Server) handleListNodes(c *gin.Context) {
	nodes, err := s.nodes.GetAllNodes(c.Request.Context())
	if err != nil {
		s.respondError(c, http.StatusInternalServerError, err.Error())
		return
	}

	response := make([]NodeResponse, 0, len(nodes))
	for _, n := range nodes {
		info, ok := s.manager.Session(n.ID)
		response = append(response, nodeResponse(n, info, ok))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": response})
}

func (s *Server) handleUpsertNode(c *gin.Context) {
	var payload NodePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		s.respondError(c, http.StatusBadRequest, "invalid payload")
		return
	}

	n := payload.model()
	if err := s.nodes.UpsertNode(c.Request.Context(), n); err != nil {
		s.respondError(c, http.StatusInternalServerError, err.Error())
		return
	}

	// settings may have changed under an existing session
	ctx := context.WithoutCancel(c.Request.Context())
	go func(id uint) {
		if err := s.manager.Connect(ctx, id, true); err != nil {
			logger.Warningf("node %d: connect after upsert: %v", id, err)
		}
	}(n.ID)

	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"id": n.ID}})
}

func (s *Server) nodeID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		s.respondError(c, http.StatusBadRequest, "invalid node id")
		return 0, false
	}
	if _, err := s.nodes.GetNode(c.Request.Context(), uint(id)); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.respondError(c, http.StatusNotFound, "node not found")
		} else {
			s.respondError(c, http.StatusInternalServerError, err.Error())
		}
		return 0, false
	}
	return uint(id), true
}

func (s *Server) handleConnectNode(c *gin.Context) {
	id, ok := s.nodeID(c)
	if !ok {
		return
	}
	if err := s.manager.Connect(c.Request.Context(), id, true); err != nil {
		s.respondNodeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleRestartNode(c *gin.Context) {
	id, ok := s.nodeID(c)
	if !ok {
		return
	}
	if err := s.manager.Restart(c.Request.Context(), id); err != nil {
		s.respondNodeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleStopNode(c *gin.Context) {
	id, ok := s.nodeID(c)
	if !ok {
		return
	}
	s.manager.Stop(c.Request.Context(), id)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleDisableNode(c *gin.Context) {
	id, ok := s.nodeID(c)
	if !ok {
		return
	}
	s.manager.Disable(c.Request.Context(), id)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleUpdateNodeCore(c *gin.Context) {
	id, ok := s.nodeID(c)
	if !ok {
		return
	}
	var payload CoreUpdatePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		s.respondError(c, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := s.manager.UpdateCore(c.Request.Context(), id, payload.Version); err != nil {
		s.respondNodeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleUpdateNodeGeo(c *gin.Context) {
	id, ok := s.nodeID(c)
	if !ok {
		return
	}
	var payload GeoUpdatePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		s.respondError(c, http.StatusBadRequest, "invalid payload")
		return
	}
	files := make([]node.GeoFile, 0, len(payload.Files))
	for _, f := range payload.Files {
		files = append(files, node.GeoFile{Name: f.Name, URL: f.URL})
	}
	if err := s.manager.UpdateGeo(c.Request.Context(), id, files); err != nil {
		s.respondNodeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleDisconnectNode(c *gin.Context) {
	id, ok := s.nodeID(c)
	if !ok {
		return
	}
	s.manager.Disconnect(c.Request.Context(), id)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleDeleteNode(c *gin.Context) {
	id, ok := s.nodeID(c)
	if !ok {
		return
	}
	s.manager.RemoveNode(c.Request.Context(), id)
	if err := s.nodes.DeleteNode(c.Request.Context(), id); err != nil {
		s.respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleNodeLogs streams the node's core log as server-sent events.
func (s *Server) handleNodeLogs(c *gin.Context) {
	id, ok := s.nodeID(c)
	if !ok {
		return
	}
	sub, err := s.manager.Logs(id)
	if err != nil {
		s.respondNodeError(c, err)
		return
	}
	defer sub.Close()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case line, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent("log", line)
			return true
		}
	})
}

func (s *Server) handleRestartCores(c *gin.Context) {
	if err := s.cores.RestartCores(c.Request.Context()); err != nil {
		s.respondError(c, http.StatusBadGateway, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleGetConfig(c *gin.Context) {
	row, err := s.configs.Current(c.Request.Context())
	if errors.Is(err, service.ErrNoCoreConfig) {
		s.respondError(c, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.Header("X-Config-Version", strconv.Itoa(row.Version))
	c.Data(http.StatusOK, "application/json", row.Data)
}

func (s *Server) handlePutConfig(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.respondError(c, http.StatusBadRequest, "failed to read body")
		return
	}
	row, err := s.configs.Save(c.Request.Context(), body)
	if err != nil {
		s.respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	go func() {
		if err := s.cores.RestartCores(ctx); err != nil {
			logger.Warningf("restart cores after config update: %v", err)
		}
	}()
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"version": row.Version}})
}

func (s *Server) respondNodeError(c *gin.Context, err error) {
	var connErr *node.ConnectionError
	switch {
	case errors.Is(err, node.ErrNodeDisabled), errors.Is(err, node.ErrNodeRemoved):
		s.respondError(c, http.StatusConflict, err.Error())
	case errors.Is(err, node.ErrNotConnected):
		s.respondError(c, http.StatusConflict, err.Error())
	case errors.As(err, &connErr):
		s.respondError(c, http.StatusBadGateway, err.Error())
	default:
		s.respondError(c, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "message": message})
}
