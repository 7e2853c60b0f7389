package mqttbridge

import "testing"

func TestTopicsLayout(t *testing.T) {
	top := newTopics("meshbot/home")
	if got, want := top.availability(), "meshbot/home/availability"; got != want {
		t.Errorf("availability() = %q, want %q", got, want)
	}
	if got, want := top.text(), "meshbot/home/text"; got != want {
		t.Errorf("text() = %q, want %q", got, want)
	}
	if got, want := top.inbound(), "meshbot/home/in"; got != want {
		t.Errorf("inbound() = %q, want %q", got, want)
	}
	if got, want := top.telemetry(0xBEEF), "meshbot/home/telemetry/0000beef"; got != want {
		t.Errorf("telemetry() = %q, want %q", got, want)
	}
}

func TestTopicsDefaultsRoot(t *testing.T) {
	top := newTopics("")
	if got, want := top.text(), "meshbot/text"; got != want {
		t.Errorf("text() = %q, want %q", got, want)
	}
}
