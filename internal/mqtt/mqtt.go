// Package mqtt connects the fan controller to the MQTT broker, with an
// abstraction for testing.
package mqtt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sweeney/hrv-fanctl/internal/logic"
)

// Topics holds the topic prefixes. Each prefix ends with a slash.
type Topics struct {
	Command      string
	DebugCommand string
	State        string
	DebugState   string

	// RetainMode and RetainSpeed set the retained flag of the periodic reports.
	RetainMode  bool
	RetainSpeed bool
}

// DefaultTopics returns the topic layout used by the ventilation unit.
func DefaultTopics() Topics {
	return Topics{
		Command:      "d15/set/kwl/",
		DebugCommand: "d15/debugset/kwl/",
		State:        "d15/state/kwl/",
		DebugState:   "d15/debugstate/kwl/",
	}
}

// Report topics relative to the state prefix.
const (
	TopicMode        = "lueftungsstufe"
	TopicFan1Speed   = "fan1/speed"
	TopicFan2Speed   = "fan2/speed"
	TopicCalibration = "fans/calibration"
	TopicSystem      = "system"
)

// System returns the topic for lifecycle events.
func (t Topics) System() string { return t.State + TopicSystem }

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a controller report to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event logic.Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Message is a formatted MQTT message.
type Message struct {
	Topic    string
	Payload  string
	Retained bool
}

// Format maps a controller event to its topic and payload.
func (t Topics) Format(event logic.Event) (Message, error) {
	switch event.Type {
	case logic.EventMode:
		return Message{t.State + TopicMode, strconv.Itoa(event.Value), t.RetainMode}, nil
	case logic.EventSpeed:
		topic, err := fanTopic(event.Fan, TopicFan1Speed, TopicFan2Speed)
		if err != nil {
			return Message{}, err
		}
		return Message{t.State + topic, strconv.Itoa(event.Value), t.RetainSpeed}, nil
	case logic.EventCalibration:
		return Message{t.State + TopicCalibration, event.Text, false}, nil
	case logic.EventDebug:
		topic, err := fanTopic(event.Fan, "fan1", "fan2")
		if err != nil {
			return Message{}, err
		}
		return Message{t.DebugState + topic, event.Text, false}, nil
	}
	return Message{}, fmt.Errorf("unknown event type %q", event.Type)
}

func fanTopic(id int, fan1, fan2 string) (string, error) {
	switch id {
	case 1:
		return fan1, nil
	case 2:
		return fan2, nil
	}
	return "", fmt.Errorf("unknown fan %d", id)
}

// Parse turns a received message into a controller message. It returns false
// if the topic is outside the command prefixes.
func (t Topics) Parse(topic string, payload []byte) (logic.Message, bool) {
	// Check the longer prefix first in case one prefix contains the other.
	prefixes := []struct {
		prefix string
		debug  bool
	}{
		{t.Command, false},
		{t.DebugCommand, true},
	}
	if len(t.DebugCommand) > len(t.Command) {
		prefixes[0], prefixes[1] = prefixes[1], prefixes[0]
	}
	for _, p := range prefixes {
		if rest, ok := strings.CutPrefix(topic, p.prefix); ok {
			return logic.Message{Topic: rest, Payload: string(payload), Debug: p.debug}, true
		}
	}
	return logic.Message{}, false
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
