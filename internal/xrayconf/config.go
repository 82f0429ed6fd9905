// Package xrayconf turns a stored Xray document into an immutable runtime
// configuration and injects live users into copies of it.
package xrayconf

import (
	"context"
	"slices"
	"strings"

	"github.com/goccy/go-json"
)

const (
	APIInboundTag = "API_INBOUND"
	APITag        = "API"
)

// Options control how a document is turned into a Config.
type Options struct {
	APIHost     string
	APIPort     int
	ExcludeTags []string
	FallbackTag string
	// XrayBinary is used for `xray x25519`; empty skips the external helper.
	XrayBinary string
}

// Config is an immutable runtime configuration. Derived indices are built
// once by Load and never change afterwards.
type Config struct {
	doc  GenericMap
	opts Options

	inbounds           []*Inbound
	inboundsByTag      map[string]*Inbound
	inboundsByProtocol map[string][]*Inbound
}

// LoadJSON decodes data and calls Load.
func LoadJSON(ctx context.Context, data []byte, opts Options) (*Config, error) {
	var doc GenericMap
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigError{Msg: "decode document", Err: err}
	}
	return Load(ctx, doc, opts)
}

// Load validates and migrates a copy of doc, injects the API section and
// resolves inbound metadata. doc itself is left untouched.
func Load(ctx context.Context, doc GenericMap, opts Options) (*Config, error) {
	if doc == nil {
		return nil, configErrorf("empty document")
	}
	doc = cloneMap(doc)

	stripAPI(doc)
	if err := validate(doc); err != nil {
		return nil, err
	}
	migrate(doc)
	if opts.APIPort > 0 {
		injectAPI(doc, opts)
	}

	inbounds, err := resolveInbounds(ctx, doc, opts)
	if err != nil {
		return nil, err
	}
	return newConfig(doc, opts, inbounds), nil
}

func newConfig(doc GenericMap, opts Options, inbounds []*Inbound) *Config {
	c := &Config{
		doc:                doc,
		opts:               opts,
		inbounds:           inbounds,
		inboundsByTag:      make(map[string]*Inbound, len(inbounds)),
		inboundsByProtocol: make(map[string][]*Inbound),
	}
	for _, in := range inbounds {
		c.inboundsByTag[in.Tag] = in
		c.inboundsByProtocol[in.Protocol] = append(c.inboundsByProtocol[in.Protocol], in)
	}
	return c
}

// Document returns a deep copy of the resolved document.
func (c *Config) Document() GenericMap {
	return cloneMap(c.doc)
}

// JSON encodes the document as it should be handed to an xray process.
func (c *Config) JSON() ([]byte, error) {
	return json.Marshal(c.doc)
}

func (c *Config) Options() Options {
	return c.opts
}

// Inbounds returns the resolved inbounds in document order.
func (c *Config) Inbounds() []*Inbound {
	return slices.Clone(c.inbounds)
}

func (c *Config) InboundByTag(tag string) (*Inbound, bool) {
	in, ok := c.inboundsByTag[tag]
	return in, ok
}

func (c *Config) InboundsByProtocol(protocol string) []*Inbound {
	return slices.Clone(c.inboundsByProtocol[protocol])
}

// Tags lists every resolved inbound tag.
func (c *Config) Tags() []string {
	tags := make([]string, 0, len(c.inbounds))
	for _, in := range c.inbounds {
		tags = append(tags, in.Tag)
	}
	return tags
}

// FallbackInbound returns the designated fallbacks inbound, if configured and present.
func (c *Config) FallbackInbound() (GenericMap, bool) {
	in, ok := findInbound(c.doc, c.opts.FallbackTag)
	if !ok {
		return nil, false
	}
	return cloneMap(in), true
}

func validate(doc GenericMap) error {
	inbounds := listAt(doc, "inbounds")
	if len(inbounds) == 0 {
		return configErrorf("config doesn't have inbounds")
	}
	outbounds := listAt(doc, "outbounds")
	if len(outbounds) == 0 {
		return configErrorf("config doesn't have outbounds")
	}
	if err := validateTags("inbound", inbounds); err != nil {
		return err
	}
	return validateTags("outbound", outbounds)
}

func validateTags(kind string, items []any) error {
	seen := make(map[string]struct{}, len(items))
	for i, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			return configErrorf("%s #%d is not an object", kind, i)
		}
		tag := stringAt(item, "tag")
		if tag == "" {
			return configErrorf("%s #%d doesn't have a tag", kind, i)
		}
		if strings.Contains(tag, ",") {
			return configErrorf("%s tag %q contains ','", kind, tag)
		}
		if _, dup := seen[tag]; dup {
			return configErrorf("duplicate %s tag %q", kind, tag)
		}
		seen[tag] = struct{}{}
	}
	return nil
}

// migrate rewrites deprecated layouts into their canonical form. Running it
// on already migrated input changes nothing.
func migrate(doc GenericMap) {
	for _, section := range []string{"inbounds", "outbounds"} {
		for _, raw := range listAt(doc, section) {
			item, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			stream := mapAt(item, "streamSettings")
			if stream == nil {
				continue
			}
			for _, key := range []string{"wsSettings", "httpupgradeSettings", "splithttpSettings", "xhttpSettings"} {
				migrateHeaderHost(mapAt(stream, key))
			}
			for _, key := range []string{"tcpSettings", "rawSettings"} {
				migrateRequestHost(mapAt(stream, key))
			}
		}
	}
}

func migrateHeaderHost(settings GenericMap) {
	headers := mapAt(settings, "headers")
	if headers == nil {
		return
	}
	for _, key := range []string{"Host", "host"} {
		host, ok := headers[key].(string)
		if !ok {
			continue
		}
		if stringAt(settings, "host") == "" {
			settings["host"] = host
		}
		delete(headers, key)
	}
	if len(headers) == 0 {
		delete(settings, "headers")
	}
}

func migrateRequestHost(settings GenericMap) {
	headers := mapAt(mapAt(mapAt(settings, "header"), "request"), "headers")
	if headers == nil {
		return
	}
	if host, ok := headers["Host"].(string); ok {
		headers["Host"] = []any{host}
	}
}

func stripAPI(doc GenericMap) {
	inbounds := listAt(doc, "inbounds")
	kept := make([]any, 0, len(inbounds))
	for _, raw := range inbounds {
		if item, ok := raw.(map[string]any); ok && stringAt(item, "tag") == APIInboundTag {
			continue
		}
		kept = append(kept, raw)
	}
	if inbounds != nil {
		doc["inbounds"] = kept
	}

	routing := mapAt(doc, "routing")
	if routing == nil {
		return
	}
	rules := listAt(routing, "rules")
	keptRules := make([]any, 0, len(rules))
	for _, raw := range rules {
		if rule, ok := raw.(map[string]any); ok && stringAt(rule, "outboundTag") == APITag {
			continue
		}
		keptRules = append(keptRules, raw)
	}
	routing["rules"] = keptRules
}

func injectAPI(doc GenericMap, opts Options) {
	host := opts.APIHost
	if host == "" {
		host = "127.0.0.1"
	}

	doc["api"] = GenericMap{
		"services": []any{"HandlerService", "StatsService", "LoggerService"},
		"tag":      APITag,
	}
	if _, ok := doc["stats"].(map[string]any); !ok {
		doc["stats"] = GenericMap{}
	}

	policy := ensureMap(doc, "policy")
	levels := ensureMap(policy, "levels")
	level0 := ensureMap(levels, "0")
	level0["statsUserUplink"] = true
	level0["statsUserDownlink"] = true
	system := ensureMap(policy, "system")
	for _, key := range []string{"statsInboundDownlink", "statsInboundUplink", "statsOutboundDownlink", "statsOutboundUplink"} {
		system[key] = true
	}

	apiInbound := GenericMap{
		"listen":   host,
		"port":     float64(opts.APIPort),
		"protocol": "dokodemo-door",
		"settings": GenericMap{"address": "127.0.0.1"},
		"tag":      APIInboundTag,
	}
	doc["inbounds"] = append([]any{apiInbound}, listAt(doc, "inbounds")...)

	routing := ensureMap(doc, "routing")
	rule := GenericMap{
		"inboundTag":  []any{APIInboundTag},
		"outboundTag": APITag,
		"type":        "field",
	}
	routing["rules"] = append([]any{rule}, listAt(routing, "rules")...)
}
