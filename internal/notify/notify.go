// Package notify delivers user, node and admin events to operators.
package notify

import (
	"context"
	"embed"
	"fmt"
	"sync"

	"xray-control/internal/logger"
	"xray-control/internal/model"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/text/language"
)

//go:embed locale/*.toml
var localeFS embed.FS

// Notifier receives domain events. Implementations must not block callers
// for long and report their own delivery failures.
type Notifier interface {
	UserStatusChanged(ctx context.Context, user *model.User, prev model.UserStatus)
	NodeStatusChanged(ctx context.Context, node *model.Node, prev model.NodeStatus)
	AdminLimitReached(ctx context.Context, admin *model.Admin)
}

// Messages renders event texts in one language.
type Messages struct {
	localizer *i18n.Localizer
}

var (
	bundleOnce sync.Once
	bundle     *i18n.Bundle
	bundleErr  error
)

func loadBundle() (*i18n.Bundle, error) {
	bundleOnce.Do(func() {
		b := i18n.NewBundle(language.English)
		b.RegisterUnmarshalFunc("toml", toml.Unmarshal)
		entries, err := localeFS.ReadDir("locale")
		if err != nil {
			bundleErr = err
			return
		}
		for _, e := range entries {
			if _, err := b.LoadMessageFileFS(localeFS, "locale/"+e.Name()); err != nil {
				bundleErr = fmt.Errorf("load %s: %w", e.Name(), err)
				return
			}
		}
		bundle = b
	})
	return bundle, bundleErr
}

// NewMessages returns a renderer for lang, falling back to English.
func NewMessages(lang string) (*Messages, error) {
	b, err := loadBundle()
	if err != nil {
		return nil, err
	}
	return &Messages{localizer: i18n.NewLocalizer(b, lang, language.English.String())}, nil
}

func (m *Messages) render(id string, data map[string]any) string {
	text, err := m.localizer.Localize(&i18n.LocalizeConfig{MessageID: id, TemplateData: data})
	if err != nil {
		logger.Warningf("notify: localize %s: %v", id, err)
		return fmt.Sprintf("%s %v", id, data)
	}
	return text
}

func (m *Messages) UserStatus(user *model.User, prev model.UserStatus) string {
	data := map[string]any{"Username": user.Username, "Previous": string(prev)}
	switch user.Status {
	case model.UserStatusLimited:
		return m.render("UserLimited", data)
	case model.UserStatusExpired:
		return m.render("UserExpired", data)
	case model.UserStatusDisabled:
		return m.render("UserDisabled", data)
	case model.UserStatusOnHold:
		return m.render("UserOnHold", data)
	default:
		return m.render("UserActivated", data)
	}
}

func (m *Messages) NodeStatus(node *model.Node, prev model.NodeStatus) string {
	data := map[string]any{
		"Name":     node.Name,
		"Status":   string(node.Status),
		"Previous": string(prev),
		"Message":  node.Message,
	}
	if node.Message != "" {
		return m.render("NodeStatusChangedWithMessage", data)
	}
	return m.render("NodeStatusChanged", data)
}

func (m *Messages) AdminLimit(admin *model.Admin) string {
	return m.render("AdminLimitReached", map[string]any{"Username": admin.Username})
}

// Log writes events to the process logger.
type Log struct {
	msgs *Messages
}

func NewLog(msgs *Messages) *Log {
	return &Log{msgs: msgs}
}

func (l *Log) UserStatusChanged(ctx context.Context, user *model.User, prev model.UserStatus) {
	logger.Notice(l.msgs.UserStatus(user, prev))
}

func (l *Log) NodeStatusChanged(ctx context.Context, node *model.Node, prev model.NodeStatus) {
	if node.Status == model.NodeStatusError {
		logger.Warning(l.msgs.NodeStatus(node, prev))
		return
	}
	logger.Notice(l.msgs.NodeStatus(node, prev))
}

func (l *Log) AdminLimitReached(ctx context.Context, admin *model.Admin) {
	logger.Warning(l.msgs.AdminLimit(admin))
}

// Multi fans events out to several notifiers.
type Multi []Notifier

func (m Multi) UserStatusChanged(ctx context.Context, user *model.User, prev model.UserStatus) {
	for _, n := range m {
		n.UserStatusChanged(ctx, user, prev)
	}
}

func (m Multi) NodeStatusChanged(ctx context.Context, node *model.Node, prev model.NodeStatus) {
	for _, n := range m {
		n.NodeStatusChanged(ctx, node, prev)
	}
}

func (m Multi) AdminLimitReached(ctx context.Context, admin *model.Admin) {
	for _, n := range m {
		n.AdminLimitReached(ctx, admin)
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) UserStatusChanged(context.Context, *model.User, model.UserStatus) {}
func (Nop) NodeStatusChanged(context.Context, *model.Node, model.NodeStatus) {}
func (Nop) AdminLimitReached(context.Context, *model.Admin)                  {}
