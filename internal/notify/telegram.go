package notify

import (
	"context"
	"errors"
	"regexp"
	"time"

	"xray-control/internal/logger"
	"xray-control/internal/model"
	"xray-control/internal/workerpool"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/valyala/fasthttp"
)

var tokenPattern = regexp.MustCompile(`^\d+:[\w-]{35}$`)

// Telegram sends every event to a fixed set of admin chats. Messages are
// delivered from a single background worker so callers never wait on the
// Bot API.
type Telegram struct {
	bot      *telego.Bot
	chatIDs  []int64
	msgs     *Messages
	pool     *workerpool.Pool
	timeout  time.Duration
	onResult func(err error)
}

type TelegramOption func(*telegramOptions)

type telegramOptions struct {
	apiServer string
	onResult  func(err error)
}

// WithAPIServer points the bot at a different Bot API endpoint.
func WithAPIServer(url string) TelegramOption {
	return func(o *telegramOptions) { o.apiServer = url }
}

// WithResultHook is called after each delivery attempt.
func WithResultHook(fn func(err error)) TelegramOption {
	return func(o *telegramOptions) { o.onResult = fn }
}

func NewTelegram(token string, chatIDs []int64, msgs *Messages, opts ...TelegramOption) (*Telegram, error) {
	if !tokenPattern.MatchString(token) {
		return nil, errors.New("telegram: malformed bot token")
	}
	if len(chatIDs) == 0 {
		return nil, errors.New("telegram: no admin chat ids configured")
	}
	var o telegramOptions
	for _, opt := range opts {
		opt(&o)
	}

	botOpts := []telego.BotOption{
		telego.WithFastHTTPClient(&fasthttp.Client{
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}),
		telego.WithDiscardLogger(),
	}
	if o.apiServer != "" {
		botOpts = append(botOpts, telego.WithAPIServer(o.apiServer))
	}
	bot, err := telego.NewBot(token, botOpts...)
	if err != nil {
		return nil, err
	}
	return &Telegram{
		bot:      bot,
		chatIDs:  chatIDs,
		msgs:     msgs,
		pool:     workerpool.New("telegram", 1, 100),
		timeout:  time.Second,
		onResult: o.onResult,
	}, nil
}

func (t *Telegram) send(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	err := t.pool.Submit(ctx, func(context.Context) {
		for _, id := range t.chatIDs {
			_, err := t.bot.SendMessage(tu.Message(tu.ID(id), text))
			if err != nil {
				logger.Warningf("telegram: send to %d: %v", id, err)
			}
			if t.onResult != nil {
				t.onResult(err)
			}
		}
	})
	if err != nil {
		logger.Warningf("telegram: queue full, dropping message: %v", err)
	}
}

func (t *Telegram) UserStatusChanged(ctx context.Context, user *model.User, prev model.UserStatus) {
	t.send(t.msgs.UserStatus(user, prev))
}

func (t *Telegram) NodeStatusChanged(ctx context.Context, node *model.Node, prev model.NodeStatus) {
	t.send(t.msgs.NodeStatus(node, prev))
}

func (t *Telegram) AdminLimitReached(ctx context.Context, admin *model.Admin) {
	t.send(t.msgs.AdminLimit(admin))
}

// Close waits for queued messages to be sent.
func (t *Telegram) Close(ctx context.Context) error {
	return t.pool.Close(ctx)
}
