package modules

import (
	"strings"
	"testing"

	"github.com/hollowoak/meshbot/internal/registry"
)

func TestHelpEnumeratesRegisteredCommands(t *testing.T) {
	reg := registry.New("!")
	reg.Register(NewPing())
	h := NewHelp(reg)
	reg.Register(h)

	resp, err := h.HandleCommand("help", "", registry.MessageContext{})
	if err != nil {
		t.Fatalf("HandleCommand: %v", err)
	}
	if len(resp) != 1 {
		t.Fatalf("expected 1 response, got %d", len(resp))
	}
	if !strings.Contains(resp[0].Text, "!ping") || !strings.Contains(resp[0].Text, "!help") {
		t.Errorf("Text = %q, want both !ping and !help listed", resp[0].Text)
	}
}
