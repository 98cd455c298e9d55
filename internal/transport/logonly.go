package transport

import (
	"context"
	"sync/atomic"

	logx "remindbot/pkg/logx"
)

// LogOnly is the Adapter used when no bot token is configured. It never
// produces updates and writes outgoing messages to the log.
type LogOnly struct {
	log  logx.Logger
	next atomic.Int64
}

func NewLogOnly(log logx.Logger) *LogOnly {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogOnly{log: log}
}

func (a *LogOnly) Start(ctx context.Context, out chan<- Update) error {
	a.log.Warn("telegram token is empty; messages are only logged")
	return nil
}

func (a *LogOnly) Stop(ctx context.Context) error { return nil }

func (a *LogOnly) SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return MessageRef{}, err
	}
	id := a.next.Add(1)
	a.log.Info("outgoing message", logx.Int64("chat_id", to.ChatID), logx.String("text", text))
	return MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: int(id)}, nil
}

// SendPlain implements logx.Sender.
func (a *LogOnly) SendPlain(ctx context.Context, chatID int64, text string) error {
	_, err := a.SendText(ctx, ChatTarget{ChatID: chatID}, text, nil)
	return err
}
