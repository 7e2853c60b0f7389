package modules

import (
	"testing"

	"github.com/hollowoak/meshbot/internal/registry"
)

func TestPingReportsLinkMetrics(t *testing.T) {
	p := NewPing()

	rssi, hopCount, hopStart := -70, 1, 3
	snr := 7.5
	resp, err := p.HandleCommand("ping", "", registry.MessageContext{
		Sender: 0x1234, AddressedToUs: true, Channel: 0,
		RSSI: &rssi, SNR: &snr, HopCount: &hopCount, HopStart: &hopStart,
	})
	if err != nil {
		t.Fatalf("HandleCommand: %v", err)
	}
	if len(resp) != 1 {
		t.Fatalf("expected 1 response, got %d", len(resp))
	}
	want := "Pong! RSSI:-70 SNR:7.5 Hops:1/3"
	if resp[0].Text != want {
		t.Errorf("Text = %q, want %q", resp[0].Text, want)
	}
	if resp[0].Destination.Kind != registry.DestSender {
		t.Errorf("Destination = %+v, want sender", resp[0].Destination)
	}
}

func TestPingHandlesMissingMetrics(t *testing.T) {
	p := NewPing()
	resp, err := p.HandleCommand("ping", "", registry.MessageContext{Sender: 0x1})
	if err != nil {
		t.Fatalf("HandleCommand: %v", err)
	}
	want := "Pong! RSSI:? SNR:? Hops:?"
	if resp[0].Text != want {
		t.Errorf("Text = %q, want %q", resp[0].Text, want)
	}
}
