package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Notifier delivers operator alerts
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// LogNotifier writes alerts to the global logger at warn level
type LogNotifier struct {
	level zerolog.Level
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{level: zerolog.WarnLevel}
}

func (n *LogNotifier) Notify(_ context.Context, message string) error {
	log.WithLevel(n.level).
		Str("component", "notifier").
		Msg(message)
	return nil
}

// Recorder keeps every alert in memory
type Recorder struct {
	mu       sync.Mutex
	messages []string
}

func (r *Recorder) Notify(_ context.Context, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return nil
}

func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.messages))
	copy(out, r.messages)
	return out
}

// Multi fans an alert out to every notifier and returns the first error
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, message string) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, message); err != nil && first == nil {
			first = err
		}
	}
	return first
}
