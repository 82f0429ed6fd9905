package xrayconf

import (
	"strings"

	"golang.org/x/mod/semver"
)

// Core versions at which config field names changed.
const (
	verifyPeerByNameVersion = "25.9.11"
	xhttpNetworkVersion     = "24.11.30"
)

// coreSemver returns the first field of s that reads as a version, like
// "v1.8.24" or the "25.9.11" in "Xray 25.9.11 (...)", in canonical semver
// form. It returns "" when nothing usable is found.
func coreSemver(s string) string {
	for _, f := range strings.Fields(s) {
		v := "v" + strings.TrimPrefix(strings.TrimPrefix(f, "v"), "V")
		if semver.IsValid(v) {
			return semver.Canonical(v)
		}
	}
	return ""
}

// atLeast reports whether version >= min. Unknown versions are treated as new.
func atLeast(version, min string) bool {
	v := coreSemver(version)
	if v == "" {
		return true
	}
	return semver.Compare(v, coreSemver(min)) >= 0
}

// applyVersionRenames rewrites fields whose names depend on the running core version.
func applyVersionRenames(doc GenericMap, coreVersion string) {
	newVerify := atLeast(coreVersion, verifyPeerByNameVersion)
	hasXHTTP := atLeast(coreVersion, xhttpNetworkVersion)

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
			renameVerifyPeer(mapAt(stream, "tlsSettings"), newVerify)
			renameXHTTP(stream, hasXHTTP)
		}
	}
}

func renameVerifyPeer(tls GenericMap, byName bool) {
	if tls == nil {
		return
	}
	if byName {
		if names, ok := tls["verifyPeerCertInNames"]; ok {
			delete(tls, "verifyPeerCertInNames")
			if list := stringList(names); len(list) > 0 {
				tls["verifyPeerCertByName"] = strings.Join(list, ",")
			}
		}
		return
	}
	if name, ok := tls["verifyPeerCertByName"].(string); ok {
		delete(tls, "verifyPeerCertByName")
		var list []any
		for _, n := range strings.Split(name, ",") {
			if n = strings.TrimSpace(n); n != "" {
				list = append(list, n)
			}
		}
		if len(list) > 0 {
			tls["verifyPeerCertInNames"] = list
		}
	}
}

func renameXHTTP(stream GenericMap, hasXHTTP bool) {
	from, to := "splithttp", "xhttp"
	if !hasXHTTP {
		from, to = to, from
	}
	if stringAt(stream, "network") != from {
		return
	}
	stream["network"] = to
	if settings, ok := stream[from+"Settings"]; ok {
		stream[to+"Settings"] = settings
		delete(stream, from+"Settings")
	}
}
