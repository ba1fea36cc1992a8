// Package safety holds the manual override that forces fans off before their
// outputs reach the hardware, for frost protection of the heat exchanger or
// while a fireplace is burning.
package safety

import (
	"log"
	"strings"

	"github.com/sweeney/hrv-fanctl/internal/fan"
	"github.com/sweeney/hrv-fanctl/internal/logic"
)

// Mode is the override state.
type Mode string

const (
	// Off lets both fans run as computed.
	Off Mode = "off"
	// SupplyOff stops the supply fan so no cold air enters the exchanger.
	SupplyOff Mode = "fan1"
	// AllOff stops both fans.
	AllOff Mode = "all"
)

// ParseMode parses a bus payload. Unknown values return false.
func ParseMode(s string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case Off:
		return Off, true
	case SupplyOff:
		return SupplyOff, true
	case AllOff:
		return AllOff, true
	}
	return Off, false
}

// Override implements logic.SafetyHook. Not safe for concurrent use; it is
// driven from the run loop like the controller.
type Override struct {
	mode Mode
}

// NewOverride creates an inactive override.
func NewOverride() *Override {
	return &Override{mode: Off}
}

// Mode returns the override state.
func (o *Override) Mode() Mode { return o.mode }

// Set changes the override state.
func (o *Override) Set(m Mode) {
	if m == o.mode {
		return
	}
	log.Printf("safety: override %s -> %s", o.mode, m)
	o.mode = m
}

// FanSpeedSet forces outputs off according to the override state.
func (o *Override) FanSpeedSet(supply, exhaust *fan.Fan) {
	switch o.mode {
	case SupplyOff:
		supply.Off()
	case AllOff:
		supply.Off()
		exhaust.Off()
	}
}

// HandleMessage handles the override debug command.
func (o *Override) HandleMessage(msg logic.Message) bool {
	if !msg.Debug || msg.Topic != logic.TopicOverride {
		return false
	}
	m, ok := ParseMode(msg.Payload)
	if !ok {
		log.Printf("safety: %s: ignoring %q", msg.Topic, msg.Payload)
		return true
	}
	o.Set(m)
	return true
}
