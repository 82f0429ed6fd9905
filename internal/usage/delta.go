// Package usage collects traffic counters from every running core and
// applies them to the relational store, enforcing user and admin quotas.
package usage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type Kind string

const (
	KindUser         Kind = "user"
	KindNodeUser     Kind = "node_user"
	KindAdmin        Kind = "admin"
	KindService      Kind = "service"
	KindAdminService Kind = "admin_service"
	KindNode         Kind = "node"
	KindNodeUsage    Kind = "node_usage"
	KindSystem       Kind = "system"
)

// Delta is an additive traffic change for one subject. Bucket is the unix
// time of the UTC hour the change belongs to, or 0 for running totals.
type Delta struct {
	Kind        Kind  `json:"kind"`
	SubjectID   uint  `json:"subject_id"`
	SecondaryID uint  `json:"secondary_id,omitempty"`
	Bucket      int64 `json:"bucket,omitempty"`
	Uplink      int64 `json:"uplink"`
	Downlink    int64 `json:"downlink"`
}

func (d Delta) Total() int64 {
	return d.Uplink + d.Downlink
}

type deltaKey struct {
	kind      Kind
	subject   uint
	secondary uint
	bucket    int64
}

func (d Delta) key() deltaKey {
	return deltaKey{d.Kind, d.SubjectID, d.SecondaryID, d.Bucket}
}

// Merge sums deltas with the same subject and bucket. The result does not
// depend on argument order.
func Merge(sets ...[]Delta) []Delta {
	acc := make(map[deltaKey]*Delta)
	for _, set := range sets {
		for _, d := range set {
			k := d.key()
			if cur, ok := acc[k]; ok {
				cur.Uplink += d.Uplink
				cur.Downlink += d.Downlink
				continue
			}
			cp := d
			acc[k] = &cp
		}
	}
	out := make([]Delta, 0, len(acc))
	for _, d := range acc {
		if d.Uplink == 0 && d.Downlink == 0 {
			continue
		}
		out = append(out, *d)
	}
	sortDeltas(out)
	return out
}

func sortDeltas(ds []Delta) {
	sort.Slice(ds, func(i, j int) bool {
		a, b := ds[i], ds[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.SubjectID != b.SubjectID {
			return a.SubjectID < b.SubjectID
		}
		if a.SecondaryID != b.SecondaryID {
			return a.SecondaryID < b.SecondaryID
		}
		return a.Bucket < b.Bucket
	})
}

// field encodes a delta key and direction as a Redis hash field.
func field(k deltaKey, dir byte) string {
	return fmt.Sprintf("%s|%d|%d|%d|%c", k.kind, k.subject, k.secondary, k.bucket, dir)
}

// fields returns the hash fields and increments for d.
func (d Delta) fields() map[string]int64 {
	out := make(map[string]int64, 2)
	k := d.key()
	if d.Uplink != 0 {
		out[field(k, 'u')] = d.Uplink
	}
	if d.Downlink != 0 {
		out[field(k, 'd')] = d.Downlink
	}
	return out
}

// decodeFields rebuilds deltas from a pending hash.
func decodeFields(hash map[string]string) ([]Delta, error) {
	var out []Delta
	for f, raw := range hash {
		parts := strings.Split(f, "|")
		if len(parts) != 5 {
			return nil, fmt.Errorf("malformed usage field %q", f)
		}
		subject, err1 := strconv.ParseUint(parts[1], 10, 64)
		secondary, err2 := strconv.ParseUint(parts[2], 10, 64)
		bucket, err3 := strconv.ParseInt(parts[3], 10, 64)
		value, err4 := strconv.ParseInt(raw, 10, 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			return nil, fmt.Errorf("malformed usage field %q=%q", f, raw)
		}
		d := Delta{Kind: Kind(parts[0]), SubjectID: uint(subject), SecondaryID: uint(secondary), Bucket: bucket}
		switch parts[4] {
		case "u":
			d.Uplink = value
		case "d":
			d.Downlink = value
		default:
			return nil, fmt.Errorf("malformed usage field %q", f)
		}
		out = append(out, d)
	}
	return Merge(out), nil
}
