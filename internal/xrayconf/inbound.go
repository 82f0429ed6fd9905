package xrayconf

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"xray-control/internal/logger"
	"xray-control/internal/security"
)

type TLSMode string

const (
	TLSNone    TLSMode = "none"
	TLSEnabled TLSMode = "tls"
	TLSReality TLSMode = "reality"
)

// Protocols whose inbounds carry per-user clients.
var proxyProtocols = []string{"vmess", "vless", "trojan", "shadowsocks"}

// Inbound is the read-only connection metadata derived from one inbound.
type Inbound struct {
	Tag           string
	Protocol      string
	Port          string
	Network       string
	TLS           TLSMode
	Fingerprint   string
	AllowInsecure bool
	ALPN          []string
	SNI           []string
	Host          []string
	Path          string
	HeaderType    string
	Mode          string
	Method        string

	RealityPublicKey string
	ShortIDs         []string
	SpiderX          string

	// Fallback is set when the inbound has no port of its own and is served
	// through the fallbacks inbound.
	Fallback bool
}

// FlowCapable reports whether an XTLS flow may be attached to clients of this inbound.
func (in *Inbound) FlowCapable() bool {
	if in.Protocol != "vless" {
		return false
	}
	switch in.Network {
	case "tcp", "raw":
	default:
		return false
	}
	if in.TLS != TLSEnabled && in.TLS != TLSReality {
		return false
	}
	return in.HeaderType != "http"
}

func isProxyProtocol(protocol string) bool {
	return slices.Contains(proxyProtocols, protocol)
}

// ResolveInbounds derives inbound metadata from a document without building
// a full Config. The document is not modified.
func ResolveInbounds(ctx context.Context, doc GenericMap, opts Options) ([]*Inbound, error) {
	return resolveInbounds(ctx, cloneMap(doc), opts)
}

func resolveInbounds(ctx context.Context, doc GenericMap, opts Options) ([]*Inbound, error) {
	fallback, hasFallback := findInbound(doc, opts.FallbackTag)

	var out []*Inbound
	for _, raw := range listAt(doc, "inbounds") {
		inbound, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		protocol := stringAt(inbound, "protocol")
		tag := stringAt(inbound, "tag")
		if !isProxyProtocol(protocol) || tag == APIInboundTag || slices.Contains(opts.ExcludeTags, tag) {
			continue
		}

		settings := ensureMap(inbound, "settings")
		if _, ok := settings["clients"].([]any); !ok {
			settings["clients"] = []any{}
		}

		in := &Inbound{
			Tag:      tag,
			Protocol: protocol,
			Network:  "tcp",
			TLS:      TLSNone,
			Method:   stringAt(settings, "method"),
		}

		stream := mapAt(inbound, "streamSettings")
		if port, ok := portString(inbound["port"]); ok {
			in.Port = port
		} else {
			if !hasFallback {
				return nil, configErrorf("inbound %s has no port and no fallbacks inbound is configured", tag)
			}
			port, ok := portString(fallback["port"])
			if !ok {
				return nil, configErrorf("fallbacks inbound %s has no port", opts.FallbackTag)
			}
			in.Port = port
			in.Fallback = true
		}

		if stream != nil {
			if network := stringAt(stream, "network"); network != "" {
				in.Network = network
			}
		}

		securitySource := stream
		if in.Fallback {
			securitySource = mapAt(fallback, "streamSettings")
		}
		if err := resolveSecurity(ctx, in, securitySource, opts); err != nil {
			return nil, err
		}

		resolveTransport(in, stream)
		out = append(out, in)
	}
	return out, nil
}

func findInbound(doc GenericMap, tag string) (GenericMap, bool) {
	if tag == "" {
		return nil, false
	}
	for _, raw := range listAt(doc, "inbounds") {
		inbound, ok := raw.(map[string]any)
		if ok && stringAt(inbound, "tag") == tag {
			return inbound, true
		}
	}
	return nil, false
}

func portString(v any) (string, bool) {
	switch p := v.(type) {
	case float64:
		return strconv.FormatInt(int64(p), 10), true
	case int:
		return strconv.Itoa(p), true
	case int64:
		return strconv.FormatInt(p, 10), true
	case string:
		if strings.TrimSpace(p) == "" {
			return "", false
		}
		return p, true
	default:
		return "", false
	}
}

func resolveSecurity(ctx context.Context, in *Inbound, stream GenericMap, opts Options) error {
	security := stringAt(stream, "security")
	switch security {
	case "tls":
		tlsSettings := mapAt(stream, security+"Settings")
		in.TLS = TLSEnabled
		in.Fingerprint = stringAt(tlsSettings, "fingerprint")
		in.AllowInsecure = boolAt(tlsSettings, "allowInsecure")
		in.ALPN = stringList(tlsSettings["alpn"])
		for _, raw := range listAt(tlsSettings, "certificates") {
			cert, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			in.SNI = appendUnique(in.SNI, certificateSANs(in.Tag, cert)...)
		}
		if name := stringAt(tlsSettings, "serverName"); name != "" {
			in.SNI = appendUnique(in.SNI, name)
		}
	case "reality":
		reality := mapAt(stream, security+"Settings")
		in.TLS = TLSReality
		in.Fingerprint = stringAt(reality, "fingerprint")
		if in.Fingerprint == "" {
			in.Fingerprint = "chrome"
		}
		in.SNI = stringList(reality["serverNames"])

		if pub := stringAt(reality, "publicKey"); pub != "" {
			in.RealityPublicKey = pub
		} else {
			priv := stringAt(reality, "privateKey")
			if priv == "" {
				return configErrorf("inbound %s: realitySettings needs privateKey", in.Tag)
			}
			pub, err := DerivePublicKey(ctx, opts.XrayBinary, priv)
			if err != nil {
				return &ConfigError{Msg: fmt.Sprintf("inbound %s", in.Tag), Err: err}
			}
			in.RealityPublicKey = pub
		}

		in.ShortIDs = shortIDs(listAt(reality, "shortIds"))
		if len(in.ShortIDs) == 0 {
			return configErrorf("inbound %s: realitySettings needs at least one shortId", in.Tag)
		}
		in.SpiderX = stringAt(reality, "spiderX")
		if in.SpiderX == "" {
			in.SpiderX = stringAt(reality, "SpiderX")
		}
	}
	return nil
}

// shortIDs keeps empty short ids, which xray accepts as "no short id".
func shortIDs(list []any) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func certificateSANs(tag string, cert GenericMap) []string {
	var pemData []byte
	if file := stringAt(cert, "certificateFile"); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			logger.Warningf("inbound %s: read certificate %s: %v", tag, file, err)
			return nil
		}
		pemData = data
	} else {
		switch c := cert["certificate"].(type) {
		case string:
			pemData = []byte(c)
		case []any:
			pemData = []byte(strings.Join(stringList(c), "\n"))
		}
	}
	if len(pemData) == 0 {
		return nil
	}

	parsed, err := security.ParseCertificate(pemData)
	if err != nil {
		logger.Warningf("inbound %s: parse certificate: %v", tag, err)
		return nil
	}
	return parsed.DNSNames
}

func resolveTransport(in *Inbound, stream GenericMap) {
	net := mapAt(stream, in.Network+"Settings")

	switch in.Network {
	case "tcp", "raw":
		header := mapAt(net, "header")
		in.HeaderType = stringAt(header, "type")
		request := mapAt(header, "request")
		if paths := stringList(request["path"]); len(paths) > 0 {
			in.Path = paths[0]
		}
		in.Host = stringList(mapAt(request, "headers")["Host"])
	case "ws":
		in.Path = stringAt(net, "path")
		in.Host = stringList(net["host"])
	case "grpc", "gun":
		in.Path = stringAt(net, "serviceName")
		in.Host = stringList(net["authority"])
		if boolAt(net, "multiMode") {
			in.Mode = "multi"
		} else {
			in.Mode = "gun"
		}
	case "quic":
		in.HeaderType = stringAt(mapAt(net, "header"), "type")
		in.Path = stringAt(net, "key")
		in.Host = stringList(net["security"])
	case "kcp":
		header := mapAt(net, "header")
		in.HeaderType = stringAt(header, "type")
		in.Host = stringList(header["domain"])
		in.Path = stringAt(net, "seed")
	case "http", "h2", "h3":
		net = mapAt(stream, "httpSettings")
		in.Path = stringAt(net, "path")
		in.Host = stringList(net["host"])
	case "httpupgrade":
		in.Path = stringAt(net, "path")
		in.Host = stringList(net["host"])
	case "splithttp", "xhttp":
		in.Path = stringAt(net, "path")
		in.Host = stringList(net["host"])
		in.Mode = stringAt(net, "mode")
		if in.Mode == "" {
			in.Mode = "auto"
		}
	default:
		in.Path = stringAt(net, "path")
		in.Host = stringList(net["host"])
	}
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if v != "" && !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}
