// Package delivery tracks outbound chat messages until they are
// acknowledged or given up on.
package delivery

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/omochice/ackchat/internal/sched"
	"github.com/omochice/ackchat/pkg/protocol"
)

var ErrUnknownMessage = errors.New("delivery: unknown message")

// Config holds the retry schedule.
type Config struct {
	// RetryInterval is the base delay; attempt n waits RetryInterval * 2^n.
	RetryInterval time.Duration
	MaxRetries    int
	// MaxAge is the absolute ceiling after which a delivery fails
	// regardless of its retry count.
	MaxAge        time.Duration
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		RetryInterval: 3 * time.Second,
		MaxRetries:    3,
		MaxAge:        5 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// Sender transmits a message; false means it was not sent.
type Sender interface {
	Send(msg protocol.Message) bool
}

// Reporter receives delivery status changes.
type Reporter interface {
	DeliveryStatus(messageID string, status protocol.Status)
}

// Pending is a snapshot of one delivery awaiting acknowledgment.
type Pending struct {
	Message   protocol.Message
	Retries   int
	CreatedAt time.Time
	NextRetry time.Time
}

type entry struct {
	msg       protocol.Message
	retries   int
	createdAt time.Time
	timer     sched.TaskID
}

// Tracker is the Delivery Tracker. It is owned by the event loop.
type Tracker struct {
	cfg      Config
	sender   Sender
	sched    *sched.Scheduler
	reporter Reporter
	log      *zap.Logger

	pending map[string]*entry
	failed  map[string]protocol.Message
	settled map[string]protocol.Status
	sweep   sched.TaskID
}

func New(cfg Config, sender Sender, s *sched.Scheduler, r Reporter, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		cfg:      cfg,
		sender:   sender,
		sched:    s,
		reporter: r,
		log:      log.Named("delivery"),
		pending:  make(map[string]*entry),
		failed:   make(map[string]protocol.Message),
		settled:  make(map[string]protocol.Status),
	}
}

// Start arms the periodic age sweep.
func (t *Tracker) Start() {
	if t.cfg.SweepInterval <= 0 || t.sched.Scheduled(t.sweep) {
		return
	}
	t.sweep = t.sched.After(t.cfg.SweepInterval, t.runSweep)
}

// Submit registers msg for acknowledgment and tries to send it. A failed
// send is left to the retry schedule. The identifier is returned at once.
func (t *Tracker) Submit(msg protocol.Message) string {
	if msg.MessageID == "" {
		msg.MessageID = protocol.NewMessageID()
	}
	msg.NeedAck = true
	msg.Status = protocol.StatusSending
	id := msg.MessageID

	delete(t.failed, id)
	delete(t.settled, id)
	e, ok := t.pending[id]
	if ok {
		t.sched.Cancel(e.timer)
		e.msg = msg
		e.retries = 0
		e.createdAt = t.sched.Now()
	} else {
		e = &entry{msg: msg, createdAt: t.sched.Now()}
		t.pending[id] = e
	}

	t.reporter.DeliveryStatus(id, protocol.StatusSending)
	if !t.sender.Send(msg) {
		t.log.Debug("send deferred to retry", zap.String("message_id", id))
	}
	t.arm(id, e)
	return id
}

func (t *Tracker) arm(id string, e *entry) {
	delay := t.cfg.RetryInterval * time.Duration(1<<uint(e.retries))
	e.timer = t.sched.After(delay, func() { t.retry(id) })
}

func (t *Tracker) retry(id string) {
	e, ok := t.pending[id]
	if !ok {
		return
	}
	e.timer = 0
	if e.retries >= t.cfg.MaxRetries {
		t.log.Warn("delivery failed", zap.String("message_id", id), zap.Int("retries", e.retries))
		t.fail(id, e)
		return
	}
	e.retries++
	t.log.Debug("retrying", zap.String("message_id", id), zap.Int("retry", e.retries))
	t.sender.Send(e.msg)
	t.arm(id, e)
}

// Resolve marks id DELIVERED. Unknown ids are ignored.
func (t *Tracker) Resolve(id string) bool {
	return t.ResolveAs(id, protocol.StatusDelivered)
}

// ResolveAs ends the delivery of id with a non-failure status and reports
// whether it was pending. A later acknowledgment for an already resolved id
// is reported only when it advances the status (SENT, DELIVERED, READ).
func (t *Tracker) ResolveAs(id string, status protocol.Status) bool {
	e, ok := t.pending[id]
	if !ok {
		if prev, resolved := t.settled[id]; resolved && rank(status) > rank(prev) {
			t.settled[id] = status
			t.reporter.DeliveryStatus(id, status)
		}
		return false
	}
	t.sched.Cancel(e.timer)
	delete(t.pending, id)
	t.settled[id] = status
	t.reporter.DeliveryStatus(id, status)
	return true
}

func rank(s protocol.Status) int {
	switch s {
	case protocol.StatusSent:
		return 1
	case protocol.StatusDelivered:
		return 2
	case protocol.StatusRead:
		return 3
	default:
		return 0
	}
}

// ResolveBatch resolves every id and returns how many were pending.
func (t *Tracker) ResolveBatch(ids []string) int {
	n := 0
	for _, id := range ids {
		if t.Resolve(id) {
			n++
		}
	}
	return n
}

// Fail ends the delivery of id as FAILED, as reported by the server.
func (t *Tracker) Fail(id string) bool {
	e, ok := t.pending[id]
	if !ok {
		return false
	}
	t.fail(id, e)
	return true
}

func (t *Tracker) fail(id string, e *entry) {
	t.sched.Cancel(e.timer)
	delete(t.pending, id)
	msg := e.msg
	msg.Status = protocol.StatusFailed
	t.failed[id] = msg
	t.reporter.DeliveryStatus(id, protocol.StatusFailed)
}

// Resend re-arms a failed or still pending delivery with a fresh retry
// budget and sends it immediately.
func (t *Tracker) Resend(id string) error {
	msg, ok := t.failed[id]
	if !ok {
		e, pending := t.pending[id]
		if !pending {
			return errors.Wrapf(ErrUnknownMessage, "failed to resend %s", id)
		}
		msg = e.msg
	}
	t.Submit(msg)
	return nil
}

func (t *Tracker) runSweep() {
	t.sweep = 0
	now := t.sched.Now()
	for id, e := range t.pending {
		if now.Sub(e.createdAt) > t.cfg.MaxAge {
			t.log.Warn("delivery expired", zap.String("message_id", id), zap.Duration("age", now.Sub(e.createdAt)))
			t.fail(id, e)
		}
	}
	t.Start()
}

// Pending returns the outstanding deliveries, oldest first.
func (t *Tracker) Pending() []Pending {
	out := make([]Pending, 0, len(t.pending))
	for _, e := range t.pending {
		next, _ := t.sched.Deadline(e.timer)
		out = append(out, Pending{
			Message:   e.msg,
			Retries:   e.retries,
			CreatedAt: e.createdAt,
			NextRetry: next,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Message.MessageID < out[j].Message.MessageID
	})
	return out
}

// Len returns the number of outstanding deliveries.
func (t *Tracker) Len() int { return len(t.pending) }

// Failed returns the payload of a delivery that ended FAILED.
func (t *Tracker) Failed(id string) (protocol.Message, bool) {
	msg, ok := t.failed[id]
	return msg, ok
}

// Close cancels every timer and fails whatever is still outstanding.
func (t *Tracker) Close() {
	t.sched.Cancel(t.sweep)
	t.sweep = 0
	for id, e := range t.pending {
		t.fail(id, e)
	}
}
