package config

import (
	"log"

	"github.com/sweeney/hrv-fanctl/internal/fan"
)

// StateVersion is the current layout of the persisted state.
const StateVersion = 1

// State is the persisted part of the controller: standard speeds and the
// calibrated output tables, index 0 = fan1.
type State struct {
	Version       int      `json:"version"`
	StandardSpeed [2]int   `json:"standard_speed"`
	Outputs       [2][]int `json:"outputs"`
}

func (s State) clone() State {
	c := s
	for i := range s.Outputs {
		c.Outputs[i] = append([]int(nil), s.Outputs[i]...)
	}
	return c
}

// migrateState fills in values missing from older or hand-edited files and
// clamps what is out of range.
func migrateState(st *State, def State) {
	if st.Version > StateVersion {
		log.Printf("config: state version %d is newer than %d, reading anyway", st.Version, StateVersion)
	}
	for i := range st.StandardSpeed {
		if st.StandardSpeed[i] <= 0 {
			st.StandardSpeed[i] = def.StandardSpeed[i]
		}
	}
	for i := range st.Outputs {
		if len(st.Outputs[i]) == 0 {
			st.Outputs[i] = append([]int(nil), def.Outputs[i]...)
		}
		for len(st.Outputs[i]) < fan.MaxModes {
			st.Outputs[i] = append(st.Outputs[i], 0)
		}
		st.Outputs[i] = st.Outputs[i][:fan.MaxModes]
		for m, v := range st.Outputs[i] {
			if v < 0 || v > fan.MaxOutput {
				log.Printf("config: fan%d mode %d output %d out of range, clamping", i+1, m, v)
				st.Outputs[i][m] = min(max(v, 0), fan.MaxOutput)
			}
		}
	}
	st.Version = StateVersion
}
