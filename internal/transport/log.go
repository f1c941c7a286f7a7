package transport

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Log is a dry-run transport: it logs the message and accepts it.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	l.log.Info("Email accepted by log transport",
		zap.String("message_id", id),
		zap.String("to", msg.To),
		zap.String("from", msg.Sender()),
		zap.String("subject", msg.Subject),
		zap.Int("html_bytes", len(msg.HTML)))

	return &Receipt{MessageID: id, Provider: l.Name()}, nil
}
