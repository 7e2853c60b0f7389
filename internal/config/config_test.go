package config

import (
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshbot.toml")

	want := &Config{
		Connection: ConnectionConfig{Address: "192.168.1.50:4403", ReconnectDelaySec: 5},
		Bot: BotConfig{
			Name:               "meshbot",
			DBPath:             "meshbot.sqlite3",
			CommandPrefix:      "!",
			RateLimitCommands:  5,
			RateLimitWindowSec: 60,
			SendDelayMS:        1500,
		},
		Welcome: WelcomeConfig{
			Enabled:               true,
			Message:               "welcome",
			WelcomeBackMessage:    "welcome back",
			AbsenceThresholdHours: 72,
			Whitelist:             []string{"0xaaaa", "0xbbbb"},
		},
		Weather: WeatherConfig{Latitude: 45.5, Longitude: -122.6, Units: "imperial"},
		Modules: map[string]ModuleConfig{
			"weather": {Enabled: true, Scope: ScopePublic},
		},
		TracerouteProbe: TracerouteProbeConfig{
			Enabled:             true,
			IntervalSec:         900,
			IntervalJitterPct:   20,
			RecentSeenWithinSec: 3600,
			PerNodeCooldownSec:  21600,
			MeshChannel:         0,
		},
		Dashboard: DashboardConfig{Enabled: true, BindAddress: "127.0.0.1:8080"},
		Bridges: map[string]BridgeConfig{
			"telegram": {Enabled: true, ChatID: "-100123", Direction: DirectionBoth},
		},
		LogLevel: "debug",
	}

	if err := Save(path, want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got.Connection != want.Connection {
		t.Errorf("Connection = %+v, want %+v", got.Connection, want.Connection)
	}
	if got.Bot != want.Bot {
		t.Errorf("Bot = %+v, want %+v", got.Bot, want.Bot)
	}
	if got.TracerouteProbe != want.TracerouteProbe {
		t.Errorf("TracerouteProbe = %+v, want %+v", got.TracerouteProbe, want.TracerouteProbe)
	}
	if got.Modules["weather"] != want.Modules["weather"] {
		t.Errorf("Modules[weather] = %+v, want %+v", got.Modules["weather"], want.Modules["weather"])
	}
	if got.Bridges["telegram"] != want.Bridges["telegram"] {
		t.Errorf("Bridges[telegram] = %+v, want %+v", got.Bridges["telegram"], want.Bridges["telegram"])
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/meshbot.toml"); err == nil {
		t.Error("FindConfig() with missing explicit path: want error, got nil")
	}
}

func TestBotConfigDefaults(t *testing.T) {
	var b BotConfig
	if got := b.SendDelay().Milliseconds(); got != 1500 {
		t.Errorf("default SendDelay = %dms, want 1500ms", got)
	}
	if got := b.RateLimitWindow().Seconds(); got != 60 {
		t.Errorf("default RateLimitWindow = %.0fs, want 60s", got)
	}
	if got := b.Prefix(); got != "!" {
		t.Errorf("default Prefix = %q, want %q", got, "!")
	}
}
