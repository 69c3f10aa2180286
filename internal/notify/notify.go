// Package notify delivers the one-shot "pairing confirmed" notification.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"pairing-widget/internal/model"
	"pairing-widget/internal/util"
)

// Notifier is satisfied by every sink in this package.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

// Log writes notifications to a zap logger.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, n model.Notification) error {
	l.logger.Info(n.Title,
		util.String("widget_id", n.WidgetID),
		util.String("device_name", n.DeviceName),
		util.String("message", n.Body),
	)
	return nil
}

// Terminal rings the bell and prints the notification.
type Terminal struct {
	mu sync.Mutex
	w  io.Writer
}

func NewTerminal(w io.Writer) *Terminal {
	return &Terminal{w: w}
}

func (t *Terminal) Notify(ctx context.Context, n model.Notification) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	line := n.Title
	if n.Body != "" && n.Body != n.Title {
		line += ": " + n.Body
	}
	if n.DeviceName != "" {
		line += " (" + n.DeviceName + ")"
	}
	_, err := fmt.Fprintf(t.w, "\a%s\n", line)
	return err
}

// Multi fans a notification out to every sink and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n model.Notification) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
