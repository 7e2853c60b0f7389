package modules

import (
	"fmt"

	"github.com/hollowoak/meshbot/internal/registry"
)

// Ping answers "!ping" with the RF metadata of the triggering packet
// (spec §8 scenario 1), exercised directly against the registry in
// place of a real diagnostic module.
type Ping struct {
	registry.NoEvents
}

func NewPing() *Ping { return &Ping{} }

func (p *Ping) Name() string        { return "ping" }
func (p *Ping) Description() string { return "Reply with link-quality metrics for the triggering packet." }
func (p *Ping) Commands() []string  { return []string{"ping"} }
func (p *Ping) Scope() registry.Scope { return registry.ScopeBoth }

func (p *Ping) HandleCommand(cmd, args string, ctx registry.MessageContext) ([]registry.Response, error) {
	rssi := "?"
	if ctx.RSSI != nil {
		rssi = fmt.Sprintf("%d", *ctx.RSSI)
	}
	snr := "?"
	if ctx.SNR != nil {
		snr = fmt.Sprintf("%.1f", *ctx.SNR)
	}
	hops := "?"
	if ctx.HopCount != nil && ctx.HopStart != nil {
		hops = fmt.Sprintf("%d/%d", *ctx.HopCount, *ctx.HopStart)
	}

	text := fmt.Sprintf("Pong! RSSI:%s SNR:%s Hops:%s", rssi, snr, hops)
	return []registry.Response{{
		Text:        text,
		Destination: registry.ToSender(),
		Channel:     ctx.Channel,
	}}, nil
}
