package node

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
)

// SessionHeader carries the session id issued by /connect.
const SessionHeader = "X-Session-ID"

type ConnectInfo struct {
	SessionID   string `json:"session_id"`
	CoreVersion string `json:"core_version"`
}

type PingInfo struct {
	Started     bool    `json:"started"`
	CoreVersion string  `json:"core_version"`
	CPU         float64 `json:"cpu"`
	Mem         float64 `json:"mem"`
}

// GeoFile is one asset the agent downloads into its assets directory.
type GeoFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// NodeAPI is the management API of a node agent.
type NodeAPI interface {
	Connect(ctx context.Context) (*ConnectInfo, error)
	Disconnect(ctx context.Context) error
	Ping(ctx context.Context) (*PingInfo, error)
	Start(ctx context.Context, config []byte) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context, config []byte) error
	UpdateCore(ctx context.Context, version string) error
	UpdateGeo(ctx context.Context, files []GeoFile) error
	// StreamLogs blocks, handing batches of core log lines to fn until ctx
	// ends or the stream breaks.
	StreamLogs(ctx context.Context, interval time.Duration, fn func(lines []string)) error
	Close()
}

type startRequest struct {
	Config string `json:"config"`
}

// Client talks to one agent over mutually authenticated HTTPS.
type Client struct {
	baseURL   *url.URL
	tlsConfig *tls.Config
	http      *http.Client
	sessionID atomic.String
}

var _ NodeAPI = (*Client)(nil)

func NewClient(address string, port int, tlsConfig *tls.Config, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	scheme := "https"
	if tlsConfig == nil {
		scheme = "http"
	}
	return &Client{
		baseURL:   &url.URL{Scheme: scheme, Host: net.JoinHostPort(address, strconv.Itoa(port))},
		tlsConfig: tlsConfig,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig:     tlsConfig,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (c *Client) SessionID() string {
	return c.sessionID.Load()
}

func (c *Client) Connect(ctx context.Context) (*ConnectInfo, error) {
	var info ConnectInfo
	if err := c.do(ctx, http.MethodPost, "/connect", nil, &info); err != nil {
		return nil, err
	}
	if info.SessionID == "" {
		return nil, fmt.Errorf("agent returned an empty session id")
	}
	c.sessionID.Store(info.SessionID)
	return &info, nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/disconnect", nil, nil)
	c.sessionID.Store("")
	return err
}

func (c *Client) Ping(ctx context.Context) (*PingInfo, error) {
	var info PingInfo
	if err := c.do(ctx, http.MethodGet, "/ping", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) Start(ctx context.Context, config []byte) error {
	return c.do(ctx, http.MethodPost, "/start", startRequest{Config: string(config)}, nil)
}

func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/stop", nil, nil)
}

func (c *Client) Restart(ctx context.Context, config []byte) error {
	return c.do(ctx, http.MethodPost, "/restart", startRequest{Config: string(config)}, nil)
}

func (c *Client) UpdateCore(ctx context.Context, version string) error {
	return c.do(ctx, http.MethodPost, "/update/core", map[string]string{"version": version}, nil)
}

func (c *Client) UpdateGeo(ctx context.Context, files []GeoFile) error {
	return c.do(ctx, http.MethodPost, "/update/geo", map[string]any{"files": files}, nil)
}

func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	u := *c.baseURL
	u.Path = path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := c.sessionID.Load(); id != "" {
		req.Header.Set(SessionHeader, id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return ErrAlreadyStarted
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) StreamLogs(ctx context.Context, interval time.Duration, fn func(lines []string)) error {
	u := *c.baseURL
	u.Scheme = "wss"
	if c.tlsConfig == nil {
		u.Scheme = "ws"
	}
	u.Path = "/logs"
	q := url.Values{}
	q.Set("interval", strconv.FormatFloat(interval.Seconds(), 'f', -1, 64))
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set(SessionHeader, c.sessionID.Load())

	dialer := websocket.Dialer{
		TLSClientConfig:  c.tlsConfig,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return &APIError{StatusCode: resp.StatusCode, Message: "log stream handshake failed"}
		}
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var lines []string
		if err := json.Unmarshal(data, &lines); err != nil {
			lines = []string{string(data)}
		}
		if len(lines) > 0 {
			fn(lines)
		}
	}
}
