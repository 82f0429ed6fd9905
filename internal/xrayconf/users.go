package xrayconf

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"xray-control/internal/logger"
	"xray-control/internal/model"

	"github.com/google/uuid"
)

// Directory is the read-only view of users and services needed to build live configs.
type Directory interface {
	// LiveUsers returns users whose credentials belong on running cores.
	LiveUsers(ctx context.Context) ([]model.User, error)
	// ServiceInbounds maps service id to its allowed inbound tags.
	ServiceInbounds(ctx context.Context) (map[uint][]string, error)
}

// ClientEntry is one user's credential record for one inbound.
type ClientEntry struct {
	Tag      string
	Protocol string
	Email    string
	Account  GenericMap
}

// Email is the stats key xray reports traffic under.
func Email(user *model.User) string {
	return fmt.Sprintf("%d.%s", user.ID, user.Username)
}

// UserIDFromEmail parses the numeric user id out of an email built by Email.
func UserIDFromEmail(email string) (uint, bool) {
	idPart, _, ok := strings.Cut(email, ".")
	if !ok {
		return 0, false
	}
	var id uint
	if _, err := fmt.Sscanf(idPart, "%d", &id); err != nil || fmt.Sprint(id) != idPart {
		return 0, false
	}
	return id, true
}

// EligibleTags returns the inbound tags of cfg a user may appear on.
func EligibleTags(cfg *Config, user *model.User, services map[uint][]string) []string {
	var tags []string
	for _, in := range cfg.inbounds {
		if eligible(in.Tag, user, services) {
			tags = append(tags, in.Tag)
		}
	}
	return tags
}

func eligible(tag string, user *model.User, services map[uint][]string) bool {
	if user.ServiceID != nil {
		return slices.Contains(services[*user.ServiceID], tag)
	}
	return !slices.Contains(user.ExcludedInbounds, tag)
}

// ClientEntries builds the entries for every inbound the user is eligible for.
// Protocols the user has no or invalid credentials for are reported through
// the returned error list and skipped.
func ClientEntries(cfg *Config, user *model.User, services map[uint][]string) ([]ClientEntry, []error) {
	var (
		entries []ClientEntry
		errs    []error
		failed  = map[string]bool{}
	)
	email := Email(user)
	for _, in := range cfg.inbounds {
		if failed[in.Protocol] || !eligible(in.Tag, user, services) {
			continue
		}
		account, ok, err := clientAccount(in, user)
		if err != nil {
			failed[in.Protocol] = true
			errs = append(errs, &PartialUserError{UserID: user.ID, Protocol: in.Protocol, Err: err})
			continue
		}
		if !ok {
			continue
		}
		account["email"] = email
		entries = append(entries, ClientEntry{Tag: in.Tag, Protocol: in.Protocol, Email: email, Account: account})
	}
	return entries, errs
}

func clientAccount(in *Inbound, user *model.User) (GenericMap, bool, error) {
	p := user.Proxies
	switch in.Protocol {
	case "vmess":
		if p.VMess == nil {
			return nil, false, nil
		}
		if _, err := uuid.Parse(p.VMess.ID); err != nil {
			return nil, false, fmt.Errorf("invalid id: %w", err)
		}
		return GenericMap{"id": p.VMess.ID}, true, nil
	case "vless":
		if p.VLESS == nil {
			return nil, false, nil
		}
		if _, err := uuid.Parse(p.VLESS.ID); err != nil {
			return nil, false, fmt.Errorf("invalid id: %w", err)
		}
		entry := GenericMap{"id": p.VLESS.ID}
		if p.VLESS.Flow != "" && in.FlowCapable() {
			entry["flow"] = p.VLESS.Flow
		}
		return entry, true, nil
	case "trojan":
		if p.Trojan == nil {
			return nil, false, nil
		}
		if p.Trojan.Password == "" {
			return nil, false, errors.New("empty password")
		}
		return GenericMap{"password": p.Trojan.Password}, true, nil
	case "shadowsocks":
		if p.Shadowsocks == nil {
			return nil, false, nil
		}
		if p.Shadowsocks.Password == "" {
			return nil, false, errors.New("empty password")
		}
		entry := GenericMap{"password": p.Shadowsocks.Password}
		// 2022 ciphers take the method from the inbound, not the client.
		if !strings.HasPrefix(in.Method, "2022-") {
			method := p.Shadowsocks.Method
			if method == "" {
				method = "chacha20-ietf-poly1305"
			}
			entry["method"] = method
		}
		return entry, true, nil
	}
	return nil, false, nil
}

// IncludeLiveUsers returns a copy of cfg with the clients of every live
// user appended to the inbounds they are eligible for, and with version
// dependent field names adjusted for coreVersion. cfg is not modified.
func IncludeLiveUsers(ctx context.Context, cfg *Config, dir Directory, coreVersion string) (*Config, error) {
	users, err := dir.LiveUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load live users: %w", err)
	}
	services, err := dir.ServiceInbounds(ctx)
	if err != nil {
		return nil, fmt.Errorf("load service inbounds: %w", err)
	}

	doc := cloneMap(cfg.doc)
	clients := make(map[string][]any, len(cfg.inbounds))
	for i := range users {
		user := &users[i]
		if !user.Live() {
			continue
		}
		entries, errs := ClientEntries(cfg, user, services)
		for _, e := range errs {
			logger.Warningf("skipping user credentials: %v", e)
		}
		for _, entry := range entries {
			clients[entry.Tag] = append(clients[entry.Tag], entry.Account)
		}
	}

	for _, raw := range listAt(doc, "inbounds") {
		inbound, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		added := clients[stringAt(inbound, "tag")]
		if len(added) == 0 {
			continue
		}
		settings := ensureMap(inbound, "settings")
		settings["clients"] = append(listAt(settings, "clients"), added...)
	}

	applyVersionRenames(doc, coreVersion)
	return newConfig(doc, cfg.opts, withNetworks(doc, cfg.inbounds)), nil
}

// withNetworks returns inbounds with Network matching doc, copying the
// entries a version rename changed.
func withNetworks(doc GenericMap, inbounds []*Inbound) []*Inbound {
	networks := make(map[string]string)
	for _, raw := range listAt(doc, "inbounds") {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if network := stringAt(mapAt(item, "streamSettings"), "network"); network != "" {
			networks[stringAt(item, "tag")] = network
		}
	}
	out := make([]*Inbound, len(inbounds))
	for i, in := range inbounds {
		out[i] = in
		if network, ok := networks[in.Tag]; ok && network != in.Network {
			cp := *in
			cp.Network = network
			out[i] = &cp
		}
	}
	return out
}
