// Package console renders the chat client on a line-oriented terminal.
package console

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/omochice/ackchat/internal/session"
	"github.com/omochice/ackchat/pkg/protocol"
)

// ShortIDLength is how many characters of a message id are printed.
const ShortIDLength = 8

var (
	ErrNoMatch   = errors.New("console: no message matches")
	ErrAmbiguous = errors.New("console: prefix matches several messages")
)

// Presenter prints chat events to a writer. It is safe for concurrent use
// so the input loop can print alongside the client's event loop.
type Presenter struct {
	mu       sync.Mutex
	out      io.Writer
	rendered map[string]struct{}
	own      map[string]struct{}
	online   map[string]struct{}
}

func NewPresenter(out io.Writer) *Presenter {
	return &Presenter{
		out:      out,
		rendered: make(map[string]struct{}),
		own:      make(map[string]struct{}),
		online:   make(map[string]struct{}),
	}
}

func (p *Presenter) Render(msg protocol.Message, self bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if msg.MessageID != "" {
		p.rendered[msg.MessageID] = struct{}{}
		if self {
			p.own[msg.MessageID] = struct{}{}
		}
	}
	ts := time.UnixMilli(msg.Timestamp).Format("15:04:05")
	if self {
		fmt.Fprintf(p.out, "[%s] you -> %s: %s (%s)\n", ts, msg.To, msg.Content, short(msg.MessageID))
		return
	}
	fmt.Fprintf(p.out, "[%s] %s: %s\n", ts, msg.From, msg.Content)
}

func (p *Presenter) Rendered(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.rendered[id]
	return ok
}

func (p *Presenter) UpdateDeliveryStatus(id string, status protocol.Status) {
	if status == protocol.StatusSending {
		return
	}
	p.printf("    %s %s\n", short(id), strings.ToLower(string(status)))
}

func (p *Presenter) ShowTransientNotice(text string) {
	p.printf("*** %s ***\n", text)
}

func (p *Presenter) RenderDirectory(users []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = make(map[string]struct{}, len(users))
	for _, u := range users {
		p.online[u] = struct{}{}
	}
	p.writeOnline()
}

func (p *Presenter) PresenceChanged(user string, online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if online {
		p.online[user] = struct{}{}
		fmt.Fprintf(p.out, "*** %s joined ***\n", user)
	} else {
		delete(p.online, user)
		fmt.Fprintf(p.out, "*** %s left ***\n", user)
	}
}

func (p *Presenter) UpdateConnectionIndicator(state session.State) {
	p.printf("[%s]\n", strings.ToLower(state.String()))
}

func (p *Presenter) Reconnecting(attempt, max int) {
	p.printf("*** reconnecting (%d/%d) ***\n", attempt, max)
}

func (p *Presenter) ConnectionLost(attempts int) {
	p.printf("*** connection lost after %d attempts, /login to retry ***\n", attempts)
}

// Online returns the users currently shown as online, sorted.
func (p *Presenter) Online() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sortedOnline()
}

// Println writes a line of client output.
func (p *Presenter) Println(a ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, a...)
}

// Lookup resolves a printed id prefix to one of the user's own messages.
func (p *Presenter) Lookup(prefix string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var found string
	for id := range p.own {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		if found != "" {
			return "", errors.Wrapf(ErrAmbiguous, "failed to resolve %q", prefix)
		}
		found = id
	}
	if found == "" {
		return "", errors.Wrapf(ErrNoMatch, "failed to resolve %q", prefix)
	}
	return found, nil
}

func (p *Presenter) printf(format string, a ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, a...)
}

func (p *Presenter) writeOnline() {
	users := p.sortedOnline()
	if len(users) == 0 {
		fmt.Fprintln(p.out, "*** nobody else is online ***")
		return
	}
	fmt.Fprintf(p.out, "*** online: %s ***\n", strings.Join(users, ", "))
}

func (p *Presenter) sortedOnline() []string {
	users := make([]string, 0, len(p.online))
	for u := range p.online {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func short(id string) string {
	if len(id) > ShortIDLength {
		return id[:ShortIDLength]
	}
	return id
}
