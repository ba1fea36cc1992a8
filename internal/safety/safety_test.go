package safety

import (
	"testing"

	"github.com/sweeney/hrv-fanctl/internal/fan"
	"github.com/sweeney/hrv-fanctl/internal/logic"
)

type constSpeed uint32

func (c constSpeed) Speed() uint32 { return uint32(c) }

func runningFans() (*fan.Fan, *fan.Fan) {
	s := fan.Settings{ModeFactors: []float64{0, 1}}
	supply := fan.New(1, constSpeed(1500), s)
	exhaust := fan.New(2, constSpeed(1500), s)
	for _, f := range []*fan.Fan{supply, exhaust} {
		f.SetStandardSpeed(1500)
		f.SetTableEntry(1, 480)
		f.ComputeSpeed(1, fan.TableLookup, 0)
	}
	return supply, exhaust
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		ok   bool
	}{
		{"off", Off, true},
		{"fan1", SupplyOff, true},
		{"all", AllOff, true},
		{" ALL\n", AllOff, true},
		{"fan2", Off, false},
		{"", Off, false},
	}
	for _, tt := range tests {
		got, ok := ParseMode(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseMode(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestOverrideInactive(t *testing.T) {
	o := NewOverride()
	supply, exhaust := runningFans()

	o.FanSpeedSet(supply, exhaust)

	if supply.TechOutput() != 480 || exhaust.TechOutput() != 480 {
		t.Errorf("outputs changed: %d/%d", supply.TechOutput(), exhaust.TechOutput())
	}
}

func TestOverrideSupplyOff(t *testing.T) {
	o := NewOverride()
	o.Set(SupplyOff)
	supply, exhaust := runningFans()

	o.FanSpeedSet(supply, exhaust)

	if !supply.IsOff() {
		t.Errorf("supply output = %d, want 0", supply.TechOutput())
	}
	if exhaust.TechOutput() != 480 {
		t.Errorf("exhaust output = %d, want 480", exhaust.TechOutput())
	}
}

func TestOverrideAllOff(t *testing.T) {
	o := NewOverride()
	o.Set(AllOff)
	supply, exhaust := runningFans()

	o.FanSpeedSet(supply, exhaust)

	if !supply.IsOff() || !exhaust.IsOff() {
		t.Errorf("outputs = %d/%d, want 0/0", supply.TechOutput(), exhaust.TechOutput())
	}
}

func TestOverrideHandleMessage(t *testing.T) {
	o := NewOverride()

	if !o.HandleMessage(logic.Message{Topic: logic.TopicOverride, Payload: "all", Debug: true}) {
		t.Fatal("override topic not handled")
	}
	if o.Mode() != AllOff {
		t.Errorf("Mode = %v, want all", o.Mode())
	}

	// Invalid payloads are owned but ignored.
	if !o.HandleMessage(logic.Message{Topic: logic.TopicOverride, Payload: "maybe", Debug: true}) {
		t.Error("invalid payload not handled")
	}
	if o.Mode() != AllOff {
		t.Errorf("Mode = %v after invalid payload, want all", o.Mode())
	}

	o.HandleMessage(logic.Message{Topic: logic.TopicOverride, Payload: "off", Debug: true})
	if o.Mode() != Off {
		t.Errorf("Mode = %v, want off", o.Mode())
	}
}

func TestOverrideIgnoresOtherTopics(t *testing.T) {
	o := NewOverride()

	if o.HandleMessage(logic.Message{Topic: logic.TopicOverride, Payload: "all"}) {
		t.Error("non-debug override topic should not be handled")
	}
	if o.HandleMessage(logic.Message{Topic: logic.TopicFan1PWM, Payload: "all", Debug: true}) {
		t.Error("other debug topic should not be handled")
	}
	if o.Mode() != Off {
		t.Errorf("Mode = %v, want off", o.Mode())
	}
}
