package mqtt

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sweeney/hrv-fanctl/internal/logic"
)

// ErrNotConnected is returned for non-retained messages while the broker is
// unreachable. Retained messages are buffered and replayed instead.
var ErrNotConnected = errors.New("mqtt: not connected")

// Options configure the broker connection.
type Options struct {
	Broker     string
	ClientID   string
	Topics     Topics
	BufferSize int // retained messages kept while disconnected
	QueueSize  int // received commands not yet consumed
}

// RealPublisher publishes reports to an actual MQTT broker and receives
// commands from it.
type RealPublisher struct {
	client   paho.Client
	topics   Topics
	commands chan logic.Message

	mu  sync.Mutex
	buf *ringBuffer
}

// NewRealPublisher creates a publisher for the given broker. The connection
// is established in the background and re-established after loss.
func NewRealPublisher(o Options) *RealPublisher {
	if o.BufferSize <= 0 {
		o.BufferSize = 64
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 16
	}
	if o.ClientID == "" {
		o.ClientID = "hrv-fanctl"
	}

	p := &RealPublisher{
		topics:   o.Topics,
		commands: make(chan logic.Message, o.QueueSize),
		buf:      newRingBuffer(o.BufferSize),
	}

	will, _ := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     "OFFLINE",
		Reason:    "MQTT_DISCONNECT",
	})

	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID+"-"+uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(o.Topics.System(), string(will), 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Printf("mqtt: connection lost: %v", err)
		})

	p.client = paho.NewClient(opts)
	p.client.Connect()
	return p
}

// Commands returns the channel on which received commands are delivered.
func (p *RealPublisher) Commands() <-chan logic.Message {
	return p.commands
}

func (p *RealPublisher) onConnect(c paho.Client) {
	log.Printf("mqtt: connected")
	filters := map[string]byte{
		p.topics.Command + "#":      1,
		p.topics.DebugCommand + "#": 1,
	}
	if token := c.SubscribeMultiple(filters, p.onMessage); token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("mqtt: subscribe: %v", token.Error())
	}

	p.mu.Lock()
	pending := p.buf.drainAll()
	p.mu.Unlock()
	for _, m := range pending {
		if err := p.send(m.topic, m.payload, m.qos, m.retained); err != nil {
			log.Printf("mqtt: replay %s: %v", m.topic, err)
		}
	}
	if len(pending) > 0 {
		log.Printf("mqtt: replayed %d buffered messages", len(pending))
	}

	payload, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "RECONNECTED"})
	if err := p.send(p.topics.System(), payload, 1, false); err != nil {
		log.Printf("mqtt: publish reconnected: %v", err)
	}
}

func (p *RealPublisher) onMessage(_ paho.Client, m paho.Message) {
	msg, ok := p.topics.Parse(m.Topic(), m.Payload())
	if !ok {
		return
	}
	select {
	case p.commands <- msg:
	default:
		log.Printf("mqtt: command queue full, dropping %s", m.Topic())
	}
}

// Publish sends a controller report to the MQTT broker.
func (p *RealPublisher) Publish(event logic.Event) error {
	msg, err := p.topics.Format(event)
	if err != nil {
		return fmt.Errorf("format event: %w", err)
	}
	return p.publish(msg.Topic, []byte(msg.Payload), 0, msg.Retained)
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	// QoS 1 (at-least-once) for lifecycle events - we want to ensure delivery
	return p.publish(p.topics.System(), payload, 1, event.Retained)
}

func (p *RealPublisher) publish(topic string, payload []byte, qos byte, retained bool) error {
	if !p.client.IsConnectionOpen() {
		if !retained {
			return ErrNotConnected
		}
		p.mu.Lock()
		p.buf.push(bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained})
		p.mu.Unlock()
		return nil
	}
	return p.send(topic, payload, qos, retained)
}

func (p *RealPublisher) send(topic string, payload []byte, qos byte, retained bool) error {
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
