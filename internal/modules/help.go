package modules

import (
	"sort"
	"strings"

	"github.com/hollowoak/meshbot/internal/registry"
)

// Help enumerates every module registered with reg at call time.
// It holds a reference to the registry it is itself registered in —
// not the event loop — purely to read back the enumeration the
// registry already exposes via List().
type Help struct {
	registry.NoEvents
	reg *registry.Registry
}

// NewHelp builds a Help module bound to reg. It reads reg.List() on
// each call, so registration order does not matter.
func NewHelp(reg *registry.Registry) *Help {
	return &Help{reg: reg}
}

func (h *Help) Name() string        { return "help" }
func (h *Help) Description() string { return "List available commands." }
func (h *Help) Commands() []string  { return []string{"help"} }
func (h *Help) Scope() registry.Scope { return registry.ScopeBoth }

func (h *Help) HandleCommand(cmd, args string, ctx registry.MessageContext) ([]registry.Response, error) {
	infos := h.reg.List()
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Commands...)
	}
	sort.Strings(names)
	text := "Commands: !" + strings.Join(dedupe(names), ", !")

	return []registry.Response{{
		Text:        text,
		Destination: registry.ToSender(),
		Channel:     ctx.Channel,
	}}, nil
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	var last string
	for i, s := range in {
		if i == 0 || s != last {
			out = append(out, s)
		}
		last = s
	}
	return out
}
