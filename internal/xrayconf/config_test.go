package xrayconf

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

const baseDoc = `{
  "log": {"loglevel": "warning"},
  "inbounds": [
    {"tag": "VLESS TCP REALITY", "protocol": "vless", "port": 443,
     "settings": {"clients": [], "decryption": "none"},
     "streamSettings": {"network": "tcp", "security": "reality",
       "realitySettings": {"serverNames": ["example.com"], "privateKey": "%PRIV%", "shortIds": ["", "ab12"]}}},
    {"tag": "VMESS WS", "protocol": "vmess", "port": 8080,
     "streamSettings": {"network": "ws", "wsSettings": {"path": "/ws", "headers": {"Host": "cdn.example.com"}}}},
    {"tag": "TROJAN GRPC", "protocol": "trojan", "port": "2053",
     "streamSettings": {"network": "grpc", "security": "tls",
       "tlsSettings": {"serverName": "grpc.example.com", "alpn": ["h2"], "fingerprint": "firefox"},
       "grpcSettings": {"serviceName": "svc", "multiMode": true, "authority": "auth.example.com"}}},
    {"tag": "SS", "protocol": "shadowsocks", "port": 1080, "settings": {"method": "2022-blake3-aes-128-gcm", "password": "x"}},
    {"tag": "DOKO", "protocol": "dokodemo-door", "port": 5353, "settings": {"address": "1.1.1.1"}}
  ],
  "outbounds": [
    {"tag": "DIRECT", "protocol": "freedom"},
    {"tag": "BLOCK", "protocol": "blackhole"}
  ],
  "routing": {"rules": [{"type": "field", "outboundTag": "BLOCK", "ip": ["geoip:private"]}]}
}`

func testDoc(t *testing.T) []byte {
	t.Helper()
	priv, _ := goldenKeys(t)
	return []byte(strings.ReplaceAll(baseDoc, "%PRIV%", priv))
}

func testOptions() Options {
	return Options{APIHost: "127.0.0.1", APIPort: 62789}
}

func loadTestConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadJSON(context.Background(), testDoc(t), testOptions())
	if err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	return cfg
}

func TestLoadResolvesInbounds(t *testing.T) {
	cfg := loadTestConfig(t)

	tags := cfg.Tags()
	if len(tags) != 4 {
		t.Fatalf("expected 4 proxy inbounds, got %v", tags)
	}
	if _, ok := cfg.InboundByTag("DOKO"); ok {
		t.Fatalf("non-proxy inbound should not be resolved")
	}
	if _, ok := cfg.InboundByTag(APIInboundTag); ok {
		t.Fatalf("api inbound should not be resolved")
	}

	reality, _ := cfg.InboundByTag("VLESS TCP REALITY")
	_, wantPub := goldenKeys(t)
	if reality.TLS != TLSReality || reality.RealityPublicKey != wantPub {
		t.Fatalf("unexpected reality inbound %+v", reality)
	}
	if reality.Fingerprint != "chrome" || len(reality.ShortIDs) != 2 || reality.SNI[0] != "example.com" {
		t.Fatalf("unexpected reality metadata %+v", reality)
	}
	if !reality.FlowCapable() {
		t.Fatalf("vless tcp reality should accept flow")
	}

	ws, _ := cfg.InboundByTag("VMESS WS")
	if ws.Network != "ws" || ws.Path != "/ws" || len(ws.Host) != 1 || ws.Host[0] != "cdn.example.com" {
		t.Fatalf("unexpected ws inbound %+v", ws)
	}

	grpc, _ := cfg.InboundByTag("TROJAN GRPC")
	if grpc.Port != "2053" || grpc.Path != "svc" || grpc.Mode != "multi" || grpc.TLS != TLSEnabled {
		t.Fatalf("unexpected grpc inbound %+v", grpc)
	}
	if grpc.Fingerprint != "firefox" || len(grpc.ALPN) != 1 || grpc.SNI[0] != "grpc.example.com" {
		t.Fatalf("unexpected grpc tls metadata %+v", grpc)
	}

	if len(cfg.InboundsByProtocol("shadowsocks")) != 1 {
		t.Fatalf("expected one shadowsocks inbound")
	}
}

func TestLoadInjectsAPI(t *testing.T) {
	cfg := loadTestConfig(t)
	doc := cfg.Document()

	first := listAt(doc, "inbounds")[0].(map[string]any)
	if stringAt(first, "tag") != APIInboundTag || first["port"].(float64) != 62789 {
		t.Fatalf("expected api inbound first, got %v", first)
	}
	rules := listAt(mapAt(doc, "routing"), "rules")
	if stringAt(rules[0].(map[string]any), "outboundTag") != APITag {
		t.Fatalf("expected api routing rule first, got %v", rules)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	level0 := mapAt(mapAt(mapAt(doc, "policy"), "levels"), "0")
	if !boolAt(level0, "statsUserUplink") || !boolAt(level0, "statsUserDownlink") {
		t.Fatalf("expected user stats policy, got %v", level0)
	}
}

func TestLoadIsIdempotent(t *testing.T) {
	cfg := loadTestConfig(t)
	again, err := Load(context.Background(), cfg.Document(), testOptions())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	a, _ := json.Marshal(cfg.Document())
	b, _ := json.Marshal(again.Document())
	if string(a) != string(b) {
		t.Fatalf("reload changed document:\n%s\n%s", a, b)
	}
}

func TestLoadMigratesHeaderHost(t *testing.T) {
	cfg := loadTestConfig(t)
	doc := cfg.Document()
	for _, raw := range listAt(doc, "inbounds") {
		inbound := raw.(map[string]any)
		if stringAt(inbound, "tag") != "VMESS WS" {
			continue
		}
		ws := mapAt(mapAt(inbound, "streamSettings"), "wsSettings")
		if stringAt(ws, "host") != "cdn.example.com" {
			t.Fatalf("expected migrated host, got %v", ws)
		}
		if _, ok := ws["headers"]; ok {
			t.Fatalf("expected empty headers to be removed, got %v", ws)
		}
		return
	}
	t.Fatalf("ws inbound not found")
}

func TestLoadDoesNotMutateInput(t *testing.T) {
	var doc GenericMap
	if err := json.Unmarshal(testDoc(t), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	before, _ := json.Marshal(doc)
	if _, err := Load(context.Background(), doc, testOptions()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	after, _ := json.Marshal(doc)
	if string(before) != string(after) {
		t.Fatalf("input document was modified")
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"no inbounds":       `{"inbounds": [], "outbounds": [{"tag": "d", "protocol": "freedom"}]}`,
		"no outbounds":      `{"inbounds": [{"tag": "a", "protocol": "vmess", "port": 1}], "outbounds": []}`,
		"missing tag":       `{"inbounds": [{"protocol": "vmess", "port": 1}], "outbounds": [{"tag": "d"}]}`,
		"duplicate tag":     `{"inbounds": [{"tag": "a", "protocol": "vmess", "port": 1}, {"tag": "a", "protocol": "vless", "port": 2}], "outbounds": [{"tag": "d"}]}`,
		"comma tag":         `{"inbounds": [{"tag": "a,b", "protocol": "vmess", "port": 1}], "outbounds": [{"tag": "d"}]}`,
		"dup outbound":      `{"inbounds": [{"tag": "a", "protocol": "vmess", "port": 1}], "outbounds": [{"tag": "d"}, {"tag": "d"}]}`,
		"no port":           `{"inbounds": [{"tag": "a", "protocol": "vmess"}], "outbounds": [{"tag": "d"}]}`,
		"reality no key":    `{"inbounds": [{"tag": "a", "protocol": "vless", "port": 1, "streamSettings": {"security": "reality", "realitySettings": {"shortIds": [""]}}}], "outbounds": [{"tag": "d"}]}`,
		"reality short key": `{"inbounds": [{"tag": "a", "protocol": "vless", "port": 1, "streamSettings": {"security": "reality", "realitySettings": {"privateKey": "AAAA", "shortIds": [""]}}}], "outbounds": [{"tag": "d"}]}`,
	}
	for name, doc := range cases {
		_, err := LoadJSON(context.Background(), []byte(doc), testOptions())
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("%s: expected ConfigError, got %v", name, err)
		}
	}
}

func TestRealityRequiresShortIDs(t *testing.T) {
	priv, _ := goldenKeys(t)
	doc := `{"inbounds": [{"tag": "a", "protocol": "vless", "port": 1, "streamSettings": {"security": "reality", "realitySettings": {"privateKey": "` + priv + `"}}}], "outbounds": [{"tag": "d"}]}`
	_, err := LoadJSON(context.Background(), []byte(doc), testOptions())
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestFallbackInbound(t *testing.T) {
	doc := `{
	  "inbounds": [
	    {"tag": "FALLBACK", "protocol": "vless", "port": 443, "streamSettings": {"security": "tls", "tlsSettings": {"serverName": "fb.example.com"}}},
	    {"tag": "WS", "protocol": "vmess", "streamSettings": {"network": "ws", "wsSettings": {"path": "/v"}}}
	  ],
	  "outbounds": [{"tag": "d"}]
	}`
	opts := testOptions()
	opts.FallbackTag = "FALLBACK"
	cfg, err := LoadJSON(context.Background(), []byte(doc), opts)
	if err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	ws, _ := cfg.InboundByTag("WS")
	if !ws.Fallback || ws.Port != "443" || ws.TLS != TLSEnabled || ws.SNI[0] != "fb.example.com" {
		t.Fatalf("expected fallback to borrow port and tls, got %+v", ws)
	}
	if _, ok := cfg.FallbackInbound(); !ok {
		t.Fatalf("expected fallback inbound lookup to succeed")
	}

	opts.FallbackTag = "MISSING"
	if _, err := LoadJSON(context.Background(), []byte(doc), opts); err == nil {
		t.Fatalf("expected error when fallback inbound is missing")
	}
}

func TestResolveTransports(t *testing.T) {
	doc := `{
	  "inbounds": [
	    {"tag": "tcp-http", "protocol": "vless", "port": 1, "streamSettings": {"network": "tcp", "security": "tls",
	      "tcpSettings": {"header": {"type": "http", "request": {"path": ["/p"], "headers": {"Host": "h.example.com"}}}}}},
	    {"tag": "kcp", "protocol": "vmess", "port": 2, "streamSettings": {"network": "kcp", "kcpSettings": {"seed": "s", "header": {"type": "wechat-video"}}}},
	    {"tag": "h2", "protocol": "vmess", "port": 3, "streamSettings": {"network": "h2", "httpSettings": {"path": "/h2", "host": ["a.com", "b.com"]}}},
	    {"tag": "upgrade", "protocol": "vmess", "port": 4, "streamSettings": {"network": "httpupgrade", "httpupgradeSettings": {"path": "/u", "host": "u.com"}}},
	    {"tag": "xhttp", "protocol": "vless", "port": 5, "streamSettings": {"network": "xhttp", "xhttpSettings": {"path": "/x"}}},
	    {"tag": "quic", "protocol": "vmess", "port": 6, "streamSettings": {"network": "quic", "quicSettings": {"security": "aes-128-gcm", "key": "k", "header": {"type": "srtp"}}}}
	  ],
	  "outbounds": [{"tag": "d"}]
	}`
	inbounds, err := ResolveInbounds(context.Background(), mustDecode(t, doc), Options{})
	if err != nil {
		t.Fatalf("ResolveInbounds: %v", err)
	}
	byTag := map[string]*Inbound{}
	for _, in := range inbounds {
		byTag[in.Tag] = in
	}

	tcp := byTag["tcp-http"]
	if tcp.HeaderType != "http" || tcp.Path != "/p" || tcp.Host[0] != "h.example.com" || tcp.FlowCapable() {
		t.Fatalf("unexpected tcp http inbound %+v", tcp)
	}
	if kcp := byTag["kcp"]; kcp.Path != "s" || kcp.HeaderType != "wechat-video" {
		t.Fatalf("unexpected kcp inbound %+v", kcp)
	}
	if h2 := byTag["h2"]; h2.Path != "/h2" || len(h2.Host) != 2 {
		t.Fatalf("unexpected h2 inbound %+v", h2)
	}
	if up := byTag["upgrade"]; up.Path != "/u" || up.Host[0] != "u.com" {
		t.Fatalf("unexpected httpupgrade inbound %+v", up)
	}
	if x := byTag["xhttp"]; x.Path != "/x" || x.Mode != "auto" {
		t.Fatalf("unexpected xhttp inbound %+v", x)
	}
	if q := byTag["quic"]; q.Path != "k" || q.HeaderType != "srtp" || q.Host[0] != "aes-128-gcm" {
		t.Fatalf("unexpected quic inbound %+v", q)
	}
}

func mustDecode(t *testing.T, s string) GenericMap {
	t.Helper()
	var doc GenericMap
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return doc
}

func TestFlowCapableNetworks(t *testing.T) {
	for network, want := range map[string]bool{"tcp": true, "raw": true, "kcp": false, "ws": false, "xhttp": false} {
		in := &Inbound{Protocol: "vless", Network: network, TLS: TLSReality}
		if got := in.FlowCapable(); got != want {
			t.Errorf("FlowCapable over %s = %v, want %v", network, got, want)
		}
	}
}
