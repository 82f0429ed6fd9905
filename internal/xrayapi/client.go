// Package xrayapi talks to the gRPC API of a running xray core.
package xrayapi

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"xray-control/internal/xrayconf"

	handlercommand "github.com/xtls/xray-core/app/proxyman/command"
	statscommand "github.com/xtls/xray-core/app/stats/command"
	"github.com/xtls/xray-core/common/protocol"
	"github.com/xtls/xray-core/common/serial"
	"github.com/xtls/xray-core/proxy/shadowsocks"
	"github.com/xtls/xray-core/proxy/shadowsocks_2022"
	"github.com/xtls/xray-core/proxy/trojan"
	"github.com/xtls/xray-core/proxy/vless"
	"github.com/xtls/xray-core/proxy/vmess"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

const defaultTimeout = 10 * time.Second

// Traffic is a pair of byte counters.
type Traffic struct {
	Uplink   int64
	Downlink int64
}

func (t Traffic) Total() int64 {
	return t.Uplink + t.Downlink
}

// Stats is one snapshot of the user and outbound counters.
type Stats struct {
	Users     map[string]Traffic
	Outbounds map[string]Traffic
}

// Client wraps one gRPC connection to an xray API inbound.
type Client struct {
	addr    string
	conn    *grpc.ClientConn
	stats   statscommand.StatsServiceClient
	handler handlercommand.HandlerServiceClient
	timeout time.Duration
}

// Dial prepares a client for addr. A nil tlsConfig uses a plaintext connection,
// which is what the local core listens with.
func Dial(addr string, tlsConfig *tls.Config) (*Client, error) {
	creds := insecure.NewCredentials()
	if tlsConfig != nil {
		creds = credentials.NewTLS(tlsConfig)
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dial xray api %s: %w", addr, err)
	}
	conn.Connect()
	return &Client{
		addr:    addr,
		conn:    conn,
		stats:   statscommand.NewStatsServiceClient(conn),
		handler: handlercommand.NewHandlerServiceClient(conn),
		timeout: defaultTimeout,
	}, nil
}

func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Ping succeeds when the core answers a system stats query.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.stats.GetSysStats(ctx, &statscommand.SysStatsRequest{}); err != nil {
		return fmt.Errorf("xray api %s: %w", c.addr, err)
	}
	return nil
}

// WaitReady polls Ping until it succeeds or ctx ends.
func (c *Client) WaitReady(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		pingCtx, cancel := context.WithTimeout(ctx, every)
		err := c.Ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("xray api %s not ready: %w", c.addr, err)
		case <-ticker.C:
		}
	}
}

// QueryStats returns all user and outbound traffic counters. With reset the
// core zeroes them as they are read.
func (c *Client) QueryStats(ctx context.Context, reset bool) (*Stats, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	resp, err := c.stats.QueryStats(ctx, &statscommand.QueryStatsRequest{Pattern: "", Reset_: reset})
	if err != nil {
		return nil, fmt.Errorf("query stats %s: %w", c.addr, err)
	}
	out := &Stats{Users: map[string]Traffic{}, Outbounds: map[string]Traffic{}}
	for _, stat := range resp.GetStat() {
		kind, name, dir, ok := parseStatName(stat.GetName())
		if !ok || stat.GetValue() == 0 {
			continue
		}
		var bucket map[string]Traffic
		switch kind {
		case "user":
			bucket = out.Users
		case "outbound":
			bucket = out.Outbounds
		default:
			continue
		}
		t := bucket[name]
		if dir == "uplink" {
			t.Uplink += stat.GetValue()
		} else {
			t.Downlink += stat.GetValue()
		}
		bucket[name] = t
	}
	return out, nil
}

// parseStatName splits "user>>>EMAIL>>>traffic>>>uplink".
func parseStatName(name string) (kind, subject, dir string, ok bool) {
	parts := strings.Split(name, ">>>")
	if len(parts) != 4 || parts[2] != "traffic" {
		return "", "", "", false
	}
	if parts[3] != "uplink" && parts[3] != "downlink" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[3], true
}

// AddUser adds one client to a running inbound. A user that already exists
// is not an error.
func (c *Client) AddUser(ctx context.Context, entry xrayconf.ClientEntry) error {
	account, err := accountMessage(entry)
	if err != nil {
		return err
	}
	op := &handlercommand.AddUserOperation{
		User: &protocol.User{
			Email:   entry.Email,
			Account: serial.ToTypedMessage(account),
		},
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err = c.handler.AlterInbound(ctx, &handlercommand.AlterInboundRequest{
		Tag:       entry.Tag,
		Operation: serial.ToTypedMessage(op),
	})
	if err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("add %s to %s: %w", entry.Email, entry.Tag, err)
	}
	return nil
}

// RemoveUser removes a client from a running inbound. A missing user is not an error.
func (c *Client) RemoveUser(ctx context.Context, tag, email string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.handler.AlterInbound(ctx, &handlercommand.AlterInboundRequest{
		Tag:       tag,
		Operation: serial.ToTypedMessage(&handlercommand.RemoveUserOperation{Email: email}),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("remove %s from %s: %w", email, tag, err)
	}
	return nil
}

func accountMessage(entry xrayconf.ClientEntry) (proto.Message, error) {
	str := func(key string) string {
		v, _ := entry.Account[key].(string)
		return v
	}
	switch entry.Protocol {
	case "vmess":
		return &vmess.Account{Id: str("id")}, nil
	case "vless":
		return &vless.Account{Id: str("id"), Flow: str("flow")}, nil
	case "trojan":
		return &trojan.Account{Password: str("password")}, nil
	case "shadowsocks":
		method, ok := entry.Account["method"].(string)
		if !ok {
			return &shadowsocks_2022.Account{Key: str("password")}, nil
		}
		return &shadowsocks.Account{Password: str("password"), CipherType: cipherType(method)}, nil
	}
	return nil, fmt.Errorf("unsupported protocol %q", entry.Protocol)
}

func cipherType(method string) shadowsocks.CipherType {
	switch strings.ToLower(method) {
	case "aes-128-gcm", "aead_aes_128_gcm":
		return shadowsocks.CipherType_AES_128_GCM
	case "aes-256-gcm", "aead_aes_256_gcm":
		return shadowsocks.CipherType_AES_256_GCM
	case "chacha20-poly1305", "chacha20-ietf-poly1305", "aead_chacha20_poly1305":
		return shadowsocks.CipherType_CHACHA20_POLY1305
	case "xchacha20-poly1305", "xchacha20-ietf-poly1305":
		return shadowsocks.CipherType_XCHACHA20_POLY1305
	case "none", "plain":
		return shadowsocks.CipherType_NONE
	}
	return shadowsocks.CipherType_UNKNOWN
}

func isAlreadyExists(err error) bool {
	if status.Code(err) == codes.AlreadyExists {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

func isNotFound(err error) bool {
	if status.Code(err) == codes.NotFound {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}

// API is the subset of the xray API the control plane depends on.
type API interface {
	Ping(ctx context.Context) error
	WaitReady(ctx context.Context, every time.Duration) error
	QueryStats(ctx context.Context, reset bool) (*Stats, error)
	AddUser(ctx context.Context, entry xrayconf.ClientEntry) error
	RemoveUser(ctx context.Context, tag, email string) error
	Close() error
}

var _ API = (*Client)(nil)

// Source is one core whose counters are collected. NodeID 0 is the master.
type Source struct {
	NodeID      uint
	Name        string
	Coefficient float64
	API         API
}
