package mqtt

import (
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sweeney/gbm-decoder/internal/logic"
)

const (
	bufferCapacity = 256
	publishTimeout = 5 * time.Second
)

// Options configure a RealPublisher.
type Options struct {
	Broker string
	Topics Topics
	// ClientID defaults to "gbm-decoder-" plus a random suffix, so several
	// decoders can share a broker.
	ClientID string
	// OnCommand, if set, receives relay commands from Topics.Commands.
	OnCommand CommandHandler
}

// RealPublisher publishes to an actual MQTT broker. Messages published while
// the broker is unreachable are kept in a ring buffer and sent on reconnect.
type RealPublisher struct {
	client    paho.Client
	topics    Topics
	onCommand CommandHandler

	mu        sync.Mutex
	buffer    *ringBuffer
	connected bool
	everUp    bool
}

// ClientID returns a client id unique to this process.
func ClientID() string {
	return "gbm-decoder-" + uuid.NewString()[:8]
}

// NewRealPublisher creates a publisher and starts connecting in the
// background. It does not wait for the broker.
func NewRealPublisher(opts Options) *RealPublisher {
	if opts.ClientID == "" {
		opts.ClientID = ClientID()
	}
	p := &RealPublisher{
		topics:    opts.Topics,
		onCommand: opts.OnCommand,
		buffer:    newRingBuffer(bufferCapacity),
	}

	will, _ := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	})

	clientOpts := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(opts.Topics.System, will, 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	p.client = paho.NewClient(clientOpts)
	p.client.Connect()
	return p
}

func (p *RealPublisher) onConnect(c paho.Client) {
	p.mu.Lock()
	reconnect := p.everUp
	p.connected = true
	p.everUp = true
	pending := p.buffer.drainAll()
	p.mu.Unlock()

	log.Printf("mqtt: connected, replaying %d buffered messages", len(pending))
	for _, m := range pending {
		c.Publish(m.topic, m.qos, m.retained, m.payload)
	}

	if reconnect {
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "RECONNECTED"})
		c.Publish(p.topics.System, 1, false, payload)
	}

	if p.onCommand != nil {
		token := c.Subscribe(p.topics.Commands, 1, p.handleCommand)
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			log.Printf("mqtt: subscribe %s: %v", p.topics.Commands, token.Error())
		}
	}
}

func (p *RealPublisher) onConnectionLost(_ paho.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	log.Printf("mqtt: connection lost: %v", err)
}

func (p *RealPublisher) handleCommand(_ paho.Client, msg paho.Message) {
	if err := dispatch(p.onCommand, msg.Payload()); err != nil {
		log.Printf("mqtt: %s: %v", msg.Topic(), err)
	}
}

// Publish sends a decoder event to the MQTT broker.
func (p *RealPublisher) Publish(event logic.Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	// QoS 0 (at-most-once), not retained
	return p.publish(p.topics.Events, 0, false, payload)
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	// QoS 1 (at-least-once) - we want to ensure delivery
	return p.publish(p.topics.System, 1, event.Retained, payload)
}

func (p *RealPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	p.mu.Lock()
	if !p.connected {
		p.buffer.push(bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained})
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Buffered returns the number of messages waiting for a connection.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
