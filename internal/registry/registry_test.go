package registry

import (
	"errors"
	"testing"
)

type stubModule struct {
	NoEvents
	name     string
	commands []string
	scope    Scope
}

func (s *stubModule) Name() string        { return s.name }
func (s *stubModule) Description() string { return "stub module " + s.name }
func (s *stubModule) Commands() []string  { return s.commands }
func (s *stubModule) Scope() Scope        { return s.scope }
func (s *stubModule) HandleCommand(cmd, args string, ctx MessageContext) ([]Response, error) {
	return []Response{{Text: "ok:" + cmd, Destination: ToSender()}}, nil
}

type erroringModule struct{ stubModule }

func (e *erroringModule) HandleEvent(evt Event) ([]Response, error) {
	return []Response{{Text: "partial", Destination: ToSender()}}, errors.New("handler failed")
}

func TestParseCommand(t *testing.T) {
	r := New("!")

	cmd, args, ok := r.ParseCommand("!ping")
	if !ok || cmd != "ping" || args != "" {
		t.Fatalf("ParseCommand(!ping) = (%q, %q, %v)", cmd, args, ok)
	}

	cmd, args, ok = r.ParseCommand("!WEATHER tomorrow")
	if !ok || cmd != "weather" || args != "tomorrow" {
		t.Fatalf("ParseCommand(!WEATHER tomorrow) = (%q, %q, %v)", cmd, args, ok)
	}

	if _, _, ok := r.ParseCommand("no prefix here"); ok {
		t.Error("text without prefix should not parse as a command")
	}
}

func TestResolveRespectsScope(t *testing.T) {
	r := New("!")
	pub := &stubModule{name: "pub", commands: []string{"ping"}, scope: ScopePublic}
	dm := &stubModule{name: "dm", commands: []string{"secret"}, scope: ScopeDirect}
	both := &stubModule{name: "both", commands: []string{"help"}, scope: ScopeBoth}
	r.Register(pub)
	r.Register(dm)
	r.Register(both)

	if m := r.Resolve("ping", false); m != pub {
		t.Errorf("public command from broadcast: got %v, want pub", m)
	}
	if m := r.Resolve("ping", true); m != nil {
		t.Errorf("public command addressed directly should be rejected, got %v", m)
	}
	if m := r.Resolve("secret", true); m != dm {
		t.Errorf("direct command via DM: got %v, want dm", m)
	}
	if m := r.Resolve("secret", false); m != nil {
		t.Errorf("direct-only command via broadcast should be rejected, got %v", m)
	}
	if m := r.Resolve("help", true); m != both {
		t.Errorf("both-scope command via DM: got %v, want both", m)
	}
	if m := r.Resolve("help", false); m != both {
		t.Errorf("both-scope command via broadcast: got %v, want both", m)
	}
	if m := r.Resolve("nonexistent", true); m != nil {
		t.Errorf("unknown command should resolve to nil, got %v", m)
	}
}

func TestRegisterDuplicateCommandPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate command registration")
		}
	}()
	r := New("!")
	r.Register(&stubModule{name: "a", commands: []string{"ping"}, scope: ScopeBoth})
	r.Register(&stubModule{name: "b", commands: []string{"ping"}, scope: ScopeBoth})
}

func TestListSortedByName(t *testing.T) {
	r := New("!")
	r.Register(&stubModule{name: "zeta", commands: []string{"z"}, scope: ScopeBoth})
	r.Register(&stubModule{name: "alpha", commands: []string{"a"}, scope: ScopeBoth})

	list := r.List()
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "zeta" {
		t.Fatalf("List() = %+v, want alpha before zeta", list)
	}
}

func TestWithScopeOverridesCompiledInScope(t *testing.T) {
	r := New("!")
	m := &stubModule{name: "weather", commands: []string{"weather"}, scope: ScopePublic}
	r.Register(WithScope(m, ScopeDirect))

	if got := r.Resolve("weather", false); got != nil {
		t.Errorf("overridden to direct-only, broadcast invocation should be rejected, got %v", got)
	}
	if got := r.Resolve("weather", true); got == nil {
		t.Error("overridden to direct-only, DM invocation should resolve")
	}
}

func TestDispatchSkipsErroringModules(t *testing.T) {
	r := New("!")
	good := &stubModule{name: "good", commands: []string{"g"}, scope: ScopeBoth}
	bad := &erroringModule{stubModule{name: "bad", commands: []string{"b"}, scope: ScopeBoth}}
	r.Register(bad)
	r.Register(good)

	out := r.Dispatch(Event{Kind: EventNodeDiscovered})
	if resp, ok := out[bad]; ok {
		t.Errorf("erroring module's responses should be skipped, got %v", resp)
	}
	if len(out) != 0 {
		t.Errorf("stub module has no HandleEvent override, expected no responses, got %v", out)
	}
}
