// Package router classifies inbound frames and dispatches them to the
// delivery tracker, the acknowledgment batch and the presenter.
package router

import (
	"go.uber.org/zap"

	"github.com/omochice/ackchat/internal/transport"
	"github.com/omochice/ackchat/pkg/protocol"
)

// Presenter is the view the router renders into.
type Presenter interface {
	Render(msg protocol.Message, self bool)
	// Rendered reports whether a chat message with id is already shown.
	Rendered(id string) bool
	UpdateDeliveryStatus(id string, status protocol.Status)
	ShowTransientNotice(text string)
	RenderDirectory(users []string)
	PresenceChanged(user string, online bool)
}

// Resolver matches acknowledgments to outstanding deliveries.
type Resolver interface {
	ResolveAs(id string, status protocol.Status) bool
	ResolveBatch(ids []string) int
	Fail(id string) bool
}

// Acker queues identifiers of received messages for acknowledgment.
type Acker interface {
	Add(id string)
}

// Router is the Inbound Router for one signed-in identity.
type Router struct {
	self      string
	presenter Presenter
	resolver  Resolver
	acks      Acker
	log       *zap.Logger
}

func New(self string, p Presenter, r Resolver, acks Acker, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		self:      self,
		presenter: p,
		resolver:  r,
		acks:      acks,
		log:       log.Named("router"),
	}
}

// Route decodes f and dispatches it. Malformed frames are logged and
// dropped.
func (r *Router) Route(f transport.Frame) {
	msg, err := protocol.Unmarshal(f.Data, f.Binary)
	if err != nil {
		r.log.Warn("dropping inbound frame", zap.Error(err), zap.Int("size", len(f.Data)))
		return
	}
	r.Dispatch(msg)
}

// Dispatch handles one decoded message.
func (r *Router) Dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.KindChat:
		r.chat(msg)
	case protocol.KindAck:
		r.ack(msg)
	case protocol.KindBatchAck:
		n := r.resolver.ResolveBatch(msg.BatchAckMessageIDs)
		r.log.Debug("batch ack", zap.Int("ids", len(msg.BatchAckMessageIDs)), zap.Int("resolved", n))
	case protocol.KindReadReceipt:
		if id := ackedID(msg); id != "" {
			r.resolver.ResolveAs(id, protocol.StatusRead)
		}
	case protocol.KindHeartbeat, protocol.KindHeartbeatResponse:
		// liveness is recorded before routing
	case protocol.KindLogin, protocol.KindLogout:
		if msg.From == "" || msg.From == r.self {
			return
		}
		online := msg.Type == protocol.KindLogin
		r.presenter.PresenceChanged(msg.From, online)
	case protocol.KindUserList:
		users := make([]string, 0, len(msg.Users))
		for _, u := range msg.Users {
			if u != r.self {
				users = append(users, u)
			}
		}
		r.presenter.RenderDirectory(users)
	case protocol.KindError:
		r.presenter.ShowTransientNotice(msg.Content)
	default:
		r.log.Warn("dropping message of unknown type", zap.Stringer("type", msg.Type))
	}
}

func (r *Router) chat(msg protocol.Message) {
	self := msg.From == r.self
	if msg.MessageID == "" || !r.presenter.Rendered(msg.MessageID) {
		r.presenter.Render(msg, self)
	} else {
		r.log.Debug("duplicate chat message", zap.String("message_id", msg.MessageID))
	}
	// Duplicates are acknowledged again: the first acknowledgment may be
	// the one that was lost.
	if msg.NeedAck && !self && msg.MessageID != "" {
		r.acks.Add(msg.MessageID)
	}
}

func (r *Router) ack(msg protocol.Message) {
	id := ackedID(msg)
	if id == "" {
		r.log.Warn("ack without message id")
		return
	}
	switch msg.Status {
	case protocol.StatusFailed:
		r.resolver.Fail(id)
	case protocol.StatusSent, protocol.StatusRead:
		r.resolver.ResolveAs(id, msg.Status)
	default:
		r.resolver.ResolveAs(id, protocol.StatusDelivered)
	}
}

func ackedID(msg protocol.Message) string {
	if msg.AckMessageID != "" {
		return msg.AckMessageID
	}
	return msg.MessageID
}
