package modules

import (
	"fmt"
	"strings"

	"github.com/hollowoak/meshbot/internal/config"
	"github.com/hollowoak/meshbot/internal/mesh"
	"github.com/hollowoak/meshbot/internal/registry"
	"github.com/hollowoak/meshbot/internal/store"
)

// Welcome greets newly-discovered nodes and, separately, nodes the
// event loop judged to have returned from an absence past the
// configured threshold (spec §8 scenario 2). It owns no commands —
// Commands() is empty — and only reacts via HandleEvent.
type Welcome struct {
	store *store.Store
	cfg   config.WelcomeConfig
}

func NewWelcome(s *store.Store, cfg config.WelcomeConfig) *Welcome {
	return &Welcome{store: s, cfg: cfg}
}

func (w *Welcome) Name() string        { return "welcome" }
func (w *Welcome) Description() string { return "Greet newly-discovered or returning nodes." }
func (w *Welcome) Commands() []string  { return nil }
func (w *Welcome) Scope() registry.Scope { return registry.ScopeBoth }

func (w *Welcome) HandleCommand(cmd, args string, ctx registry.MessageContext) ([]registry.Response, error) {
	return nil, nil
}

func (w *Welcome) HandleEvent(evt registry.Event) ([]registry.Response, error) {
	if !w.cfg.Enabled {
		return nil, nil
	}
	if w.isWhitelisted(evt.Node) {
		return nil, nil
	}

	var text string
	switch evt.Kind {
	case registry.EventNodeDiscovered:
		text = w.cfg.Message
	case registry.EventNodeReturned:
		text = w.cfg.WelcomeBackMessage
	default:
		return nil, nil
	}
	if text == "" {
		return nil, nil
	}

	if err := w.store.MarkWelcomed(evt.Node.NodeID); err != nil {
		return nil, fmt.Errorf("mark welcomed: %w", err)
	}

	return []registry.Response{{
		Text:        text,
		Destination: registry.ToNode(evt.Node.NodeID),
	}}, nil
}

func (w *Welcome) isWhitelisted(n mesh.Node) bool {
	id := fmt.Sprintf("%x", n.NodeID)
	for _, entry := range w.cfg.Whitelist {
		e := strings.ToLower(strings.TrimSpace(entry))
		if e == "" {
			continue
		}
		if e == id || strings.EqualFold(entry, n.ShortName) || strings.EqualFold(entry, n.LongName) {
			return true
		}
	}
	return false
}
