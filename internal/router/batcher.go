package router

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/omochice/ackchat/internal/sched"
	"github.com/omochice/ackchat/pkg/protocol"
)

// FlushPolicy decides when the batch delay starts.
type FlushPolicy int

const (
	// FlushFirstArrival counts the delay from the first id added since the
	// last flush.
	FlushFirstArrival FlushPolicy = iota
	// FlushLastArrival restarts the delay on every new id.
	FlushLastArrival
)

func (p FlushPolicy) String() string {
	if p == FlushLastArrival {
		return "last-arrival"
	}
	return "first-arrival"
}

// ParseFlushPolicy parses "first-arrival" or "last-arrival".
func ParseFlushPolicy(s string) (FlushPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "first-arrival", "first":
		return FlushFirstArrival, nil
	case "last-arrival", "last":
		return FlushLastArrival, nil
	default:
		return FlushFirstArrival, errors.Errorf("unknown flush policy %q", s)
	}
}

// BatchConfig configures acknowledgment batching.
type BatchConfig struct {
	Size   int
	Delay  time.Duration
	Policy FlushPolicy
}

func DefaultBatchConfig() BatchConfig {
	return BatchConfig{Size: 10, Delay: time.Second, Policy: FlushFirstArrival}
}

// Sender transmits a message; false means it was not sent.
type Sender interface {
	Send(msg protocol.Message) bool
}

// AckBatcher accumulates identifiers of received chat messages and
// acknowledges them with one BATCH_ACK frame.
type AckBatcher struct {
	cfg    BatchConfig
	self   string
	sender Sender
	sched  *sched.Scheduler
	log    *zap.Logger

	ids   []string
	seen  map[string]struct{}
	timer sched.TaskID
}

func NewAckBatcher(cfg BatchConfig, self string, sender Sender, s *sched.Scheduler, log *zap.Logger) *AckBatcher {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AckBatcher{
		cfg:    cfg,
		self:   self,
		sender: sender,
		sched:  s,
		log:    log.Named("acks"),
		seen:   make(map[string]struct{}),
	}
}

// Add queues id. The batch is flushed once it holds Size ids or when the
// delay elapses, whichever is first.
func (b *AckBatcher) Add(id string) {
	if id == "" {
		return
	}
	if _, dup := b.seen[id]; !dup {
		b.seen[id] = struct{}{}
		b.ids = append(b.ids, id)
	}
	if len(b.ids) >= b.cfg.Size {
		b.Flush()
		return
	}
	switch b.cfg.Policy {
	case FlushLastArrival:
		b.cancel()
		b.timer = b.sched.After(b.cfg.Delay, b.onTimer)
	default:
		if !b.sched.Scheduled(b.timer) {
			b.timer = b.sched.After(b.cfg.Delay, b.onTimer)
		}
	}
}

func (b *AckBatcher) onTimer() {
	b.timer = 0
	b.Flush()
}

// Flush sends the queued ids as one BATCH_ACK. When the send fails the
// batch is kept for the next trigger.
func (b *AckBatcher) Flush() bool {
	b.cancel()
	if len(b.ids) == 0 {
		return true
	}
	if !b.sender.Send(protocol.NewBatchAck(b.self, b.ids, b.sched.Now())) {
		b.log.Debug("batch ack deferred", zap.Int("size", len(b.ids)))
		return false
	}
	b.log.Debug("batch ack sent", zap.Int("size", len(b.ids)))
	b.ids = nil
	b.seen = make(map[string]struct{})
	return true
}

// Pending returns the queued ids in arrival order.
func (b *AckBatcher) Pending() []string {
	return append([]string(nil), b.ids...)
}

// Close drops the batch and its timer.
func (b *AckBatcher) Close() {
	b.cancel()
	b.ids = nil
	b.seen = make(map[string]struct{})
}

func (b *AckBatcher) cancel() {
	if b.timer != 0 {
		b.sched.Cancel(b.timer)
		b.timer = 0
	}
}
