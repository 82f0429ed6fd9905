package usage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

type group string

const (
	groupUsers     group = "users"
	groupAdmins    group = "admins"
	groupServices  group = "services"
	groupSnapshots group = "snapshots"

	// groupUnresolved holds counters whose owners could not be looked up.
	// It is merged into the next cycle and never persisted as is.
	groupUnresolved group = "unresolved"
)

var groups = []group{groupUsers, groupAdmins, groupServices, groupSnapshots}

func (g group) backupFile() string {
	switch g {
	case groupUsers:
		return "user_usages.json"
	case groupAdmins:
		return "admin_usages.json"
	case groupServices:
		return "service_usages.json"
	case groupUnresolved:
		return "unresolved_usages.json"
	default:
		return "snapshots.json"
	}
}

func kindGroup(k Kind) group {
	switch k {
	case KindUser, KindNodeUser:
		return groupUsers
	case KindAdmin, KindAdminService:
		return groupAdmins
	case KindService:
		return groupServices
	default:
		return groupSnapshots
	}
}

// split distributes deltas over their groups.
func split(deltas []Delta) map[group][]Delta {
	out := make(map[group][]Delta, len(groups))
	for _, d := range deltas {
		g := kindGroup(d.Kind)
		out[g] = append(out[g], d)
	}
	return out
}

// Backup is a batch of deltas not yet known to be committed. ID names the
// batch in usage_commits. Buffered marks an exact mirror of the Redis batch
// with the same ID; otherwise the file holds deltas Redis may not have.
type Backup struct {
	ID       string  `json:"id"`
	Buffered bool    `json:"buffered,omitempty"`
	Deltas   []Delta `json:"deltas"`
}

type backupStore struct {
	dir string
}

func (s backupStore) path(g group) string {
	return filepath.Join(s.dir, g.backupFile())
}

// read returns nil when no backup exists.
func (s backupStore) read(g group) (*Backup, error) {
	data, err := os.ReadFile(s.path(g))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var b Backup
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path(g), err)
	}
	if b.ID == "" {
		return nil, fmt.Errorf("decode %s: missing batch id", s.path(g))
	}
	return &b, nil
}

// write replaces the backup atomically.
func (s backupStore) write(g group, b *Backup) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, "."+g.backupFile()+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(g))
}

func (s backupStore) remove(g group) error {
	err := os.Remove(s.path(g))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s backupStore) pending() bool {
	for _, g := range append(groups, groupUnresolved) {
		if _, err := os.Stat(s.path(g)); err == nil {
			return true
		}
	}
	return false
}
