package logic

import (
	"log"
	"strconv"
	"strings"

	"github.com/sweeney/hrv-fanctl/internal/fan"
)

// HandleMessage applies a bus command and reports whether the topic belongs
// to the controller. Malformed payloads are logged and ignored.
func (c *Controller) HandleMessage(msg Message) bool {
	payload := strings.TrimSpace(msg.Payload)
	if msg.Debug {
		return c.handleDebug(msg.Topic, payload)
	}

	switch msg.Topic {
	case TopicFan1StandardSpeed, TopicFan2StandardSpeed:
		rpm, ok := parseInt(msg.Topic, payload)
		if !ok {
			return true
		}
		id := 1
		if msg.Topic == TopicFan2StandardSpeed {
			id = 2
		}
		c.SetStandardSpeed(id, rpm)
		log.Printf("command: fan%d standard speed %d", id, rpm)

	case TopicVentilationMode:
		mode, ok := parseInt(msg.Topic, payload)
		if !ok {
			return true
		}
		c.SetVentilationMode(mode)
		log.Printf("command: ventilation mode %d", c.ventMode)

	case TopicControlLaw:
		law, ok := fan.ParseLaw(payload)
		if !ok {
			log.Printf("command: %s: unknown law %q", msg.Topic, payload)
			return true
		}
		c.SetLaw(law)
		log.Printf("command: control law %s", law)

	case TopicCalibrate:
		if payload != "YES" {
			log.Printf("command: %s: ignoring %q", msg.Topic, payload)
			return true
		}
		c.StartCalibration()

	case TopicGetSpeed:
		c.ForceSend()

	default:
		return false
	}
	c.counts.Commands++
	return true
}

func (c *Controller) handleDebug(topic, payload string) bool {
	switch topic {
	case TopicFan1GetValues, TopicFan2GetValues:
		id := 1
		if topic == TopicFan2GetValues {
			id = 2
		}
		switch payload {
		case "on":
			c.SetDebug(id, true)
		case "off":
			c.SetDebug(id, false)
		default:
			log.Printf("command: %s: ignoring %q", topic, payload)
			return true
		}

	case TopicFan1PWM, TopicFan2PWM:
		v, ok := parseInt(topic, payload)
		if !ok {
			return true
		}
		id := 1
		if topic == TopicFan2PWM {
			id = 2
		}
		c.SetTableEntry(id, v)
		log.Printf("command: fan%d output for mode %d set to %d", id, c.ventMode, v)

	case TopicStoreTables:
		c.StoreTables()
		log.Printf("command: output tables stored")

	default:
		return false
	}
	c.counts.Commands++
	return true
}

func parseInt(topic, payload string) (int, bool) {
	v, err := strconv.Atoi(payload)
	if err != nil {
		log.Printf("command: %s: invalid number %q", topic, payload)
		return 0, false
	}
	return v, true
}
