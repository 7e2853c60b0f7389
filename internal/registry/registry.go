// Package registry implements the Module Registry (spec §4.5): it
// holds command modules, resolves a parsed command to the module that
// owns it, and enumerates modules for help text. Grounded on the
// teacher's internal/tools/tools.go (map[string]*Tool, Register),
// generalized from LLM tool-calling definitions to mesh text-command
// dispatch.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/hollowoak/meshbot/internal/mesh"
)

// Scope constrains where a module's commands may be invoked from.
type Scope string

const (
	ScopePublic Scope = "public"
	ScopeDirect Scope = "direct"
	ScopeBoth   Scope = "both"
)

// accepts reports whether this scope permits a command addressed as
// addressedToUs (a direct message to our node id) vs broadcast on a
// channel.
func (s Scope) accepts(addressedToUs bool) bool {
	switch s {
	case ScopeBoth:
		return true
	case ScopeDirect:
		return addressedToUs
	case ScopePublic:
		return !addressedToUs
	default:
		return false
	}
}

// Destination describes where a Response should be sent.
type Destination struct {
	// Kind is one of "sender", "broadcast", "node".
	Kind string
	// NodeID is set when Kind == "node".
	NodeID uint32
}

const (
	DestSender    = "sender"
	DestBroadcast = "broadcast"
	DestNode      = "node"
)

// ToSender addresses a Response back to whoever sent the triggering
// command.
func ToSender() Destination { return Destination{Kind: DestSender} }

// ToBroadcast addresses a Response to the mesh broadcast address.
func ToBroadcast() Destination { return Destination{Kind: DestBroadcast} }

// ToNode addresses a Response to a specific node id.
func ToNode(id uint32) Destination { return Destination{Kind: DestNode, NodeID: id} }

// Response is one outgoing message produced by a module. The event
// loop converts Responses into queued outgoing transmissions.
type Response struct {
	Text        string
	Destination Destination
	Channel     int
}

// MessageContext describes the inbound text command a module is
// handling.
type MessageContext struct {
	Sender        uint32
	AddressedToUs bool
	Channel       int
	RSSI          *int
	SNR           *float64
	HopCount      *int
	HopStart      *int
}

// EventKind identifies a mesh event dispatched to modules' HandleEvent.
type EventKind string

const (
	// EventNodeDiscovered fires (after the startup grace period) the
	// first time a node is observed.
	EventNodeDiscovered EventKind = "node_discovered"
	// EventNodeReturned fires when a previously-seen node is observed
	// again after its absence exceeded the configured welcome-back
	// threshold. The event loop decides this by comparing the node's
	// pre-upsert last_seen against the threshold.
	EventNodeReturned EventKind = "node_returned"
)

// Event is a mesh-level occurrence modules may react to, distinct
// from a direct command invocation.
type Event struct {
	Kind EventKind
	Node mesh.Node
}

// Module is the capability set every pluggable command/event handler
// implements (spec §4.5). Modules never hold a back-reference to the
// event loop; Help holds the registry only to read List(). Handlers
// receive a MessageContext or an Event per call but no store handle;
// a module that uses the Store holds its own (as Welcome does). All
// fan-out happens after the call returns.
type Module interface {
	// Name is a unique identifier for this module.
	Name() string
	// Description is a one-line summary shown in help text.
	Description() string
	// Commands lists bare command names (without the configured
	// prefix) this module handles.
	Commands() []string
	// Scope constrains where these commands are accepted from.
	Scope() Scope
	// HandleCommand processes one invocation of a command this module
	// registered. args is the raw text after the command name.
	HandleCommand(cmd string, args string, ctx MessageContext) ([]Response, error)
	// HandleEvent reacts to a mesh event. The default implementation
	// (embed NoEvents) returns no responses.
	HandleEvent(evt Event) ([]Response, error)
}

// NoEvents can be embedded by modules that only handle commands, to
// satisfy the HandleEvent method with a no-op.
type NoEvents struct{}

func (NoEvents) HandleEvent(Event) ([]Response, error) { return nil, nil }

// scopeOverride wraps a Module to report a caller-supplied Scope
// instead of its own, so the per-module [modules.<name>] scope config
// (spec §6) can override a module's compiled-in default without the
// module itself needing to be config-aware.
type scopeOverride struct {
	Module
	scope Scope
}

func (s scopeOverride) Scope() Scope { return s.scope }

// WithScope returns m wrapped to report scope instead of its own
// Scope(). Used at registration time when a [modules.<name>] config
// block names an explicit scope.
func WithScope(m Module, scope Scope) Module {
	return scopeOverride{Module: m, scope: scope}
}

// Registry holds registered modules and resolves commands to them.
type Registry struct {
	mu      sync.RWMutex
	modules []Module
	byCmd   map[string]Module
	prefix  string
}

// New creates an empty Registry. prefix is the configured command
// prefix (e.g. "!"); it is stripped and the remainder lowercased
// before matching against a module's Commands().
func New(prefix string) *Registry {
	if prefix == "" {
		prefix = "!"
	}
	return &Registry{
		byCmd:  make(map[string]Module),
		prefix: prefix,
	}
}

// Register adds a module. Panics on duplicate command ownership,
// mirroring the teacher's tools.Registry, which treats overlapping
// registrations as a programming error caught at startup.
func (r *Registry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cmd := range m.Commands() {
		key := strings.ToLower(cmd)
		if existing, ok := r.byCmd[key]; ok {
			panic(fmt.Sprintf("registry: command %q already owned by module %q", cmd, existing.Name()))
		}
		r.byCmd[key] = m
	}
	r.modules = append(r.modules, m)
}

// ParseCommand strips the configured prefix from text and returns the
// lowercased command name and the remaining argument string. ok is
// false if text does not begin with the prefix.
func (r *Registry) ParseCommand(text string) (cmd string, args string, ok bool) {
	if !strings.HasPrefix(text, r.prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(text, r.prefix)
	fields := strings.SplitN(rest, " ", 2)
	cmd = strings.ToLower(strings.TrimSpace(fields[0]))
	if cmd == "" {
		return "", "", false
	}
	if len(fields) == 2 {
		args = strings.TrimSpace(fields[1])
	}
	return cmd, args, true
}

// Resolve finds the module owning cmd, checking that its scope
// accepts a command addressed as addressedToUs. Returns nil if no
// module owns the command, or if scope rejects this addressing.
func (r *Registry) Resolve(cmd string, addressedToUs bool) Module {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.byCmd[strings.ToLower(cmd)]
	if !ok {
		return nil
	}
	if !m.Scope().accepts(addressedToUs) {
		return nil
	}
	return m
}

// Dispatch publishes evt to every registered module's HandleEvent and
// collects each module's non-empty responses, keyed by module; the
// map carries no ordering. A module that errors is logged at Warn and
// skipped — it never aborts dispatch to the remaining modules.
func (r *Registry) Dispatch(evt Event) map[Module][]Response {
	r.mu.RLock()
	modules := make([]Module, len(r.modules))
	copy(modules, r.modules)
	r.mu.RUnlock()

	out := make(map[Module][]Response, len(modules))
	for _, m := range modules {
		resp, err := m.HandleEvent(evt)
		if err != nil {
			slog.Warn("module event handler failed", "module", m.Name(), "event", evt.Kind, "error", err)
			continue
		}
		if len(resp) > 0 {
			out[m] = resp
		}
	}
	return out
}

// ModuleInfo is a read-only summary of a registered module, used to
// build help text.
type ModuleInfo struct {
	Name        string
	Description string
	Commands    []string
	Scope       Scope
}

// List returns a summary of every registered module, sorted by name,
// for help-text enumeration.
func (r *Registry) List() []ModuleInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ModuleInfo, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, ModuleInfo{
			Name:        m.Name(),
			Description: m.Description(),
			Commands:    m.Commands(),
			Scope:       m.Scope(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
