// Package telemetry publishes guiding events to an MQTT broker and can
// source star positions from one, so an external plate-solver or camera
// service can feed the loop.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"decguide/internal/guide"
	"decguide/internal/guider"
)

type Config struct {
	Broker      string // e.g. tcp://localhost:1883
	ClientID    string
	TopicPrefix string
	StarTopic   string
}

// Publisher is a guider.Sink that forwards step and measurement events
// as JSON. Publishes are QoS 0 and non-blocking; a slow broker drops
// telemetry, never guide pulses.
type Publisher struct {
	cfg    Config
	client mqtt.Client
}

func NewPublisher(cfg Config) (*Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("telemetry: connect %s: %w", cfg.Broker, token.Error())
	}
	log.Printf("telemetry: connected to %s", cfg.Broker)
	return &Publisher{cfg: cfg, client: client}, nil
}

func (p *Publisher) publish(topic string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("telemetry: marshal %s: %v", topic, err)
		return
	}
	p.client.Publish(p.cfg.TopicPrefix+"/"+topic, 0, false, b)
}

func (p *Publisher) GuideStep(ev guider.StepEvent) {
	p.publish("step", ev)
}

func (p *Publisher) MeasurementDone(ev guider.MeasurementEvent) {
	p.publish("measurement", ev)
}

func (p *Publisher) Close() {
	p.client.Disconnect(250)
}

// StarSample is the wire shape of an externally supplied star position.
type StarSample struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// FrameSource turns star-position messages on a topic into guider frames.
type FrameSource struct {
	frames chan guide.Point
}

func NewFrameSource(cfg Config) (*FrameSource, error) {
	s := &FrameSource{frames: make(chan guide.Point, 4)}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID + "-frames").
		SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("telemetry: connect %s: %w", cfg.Broker, token.Error())
	}
	token := client.Subscribe(cfg.StarTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var sample StarSample
		if err := json.Unmarshal(msg.Payload(), &sample); err != nil {
			log.Printf("telemetry: star sample unmarshal: %v", err)
			return
		}
		select {
		case s.frames <- guide.Point{X: sample.X, Y: sample.Y}:
		default:
			// The loop is mid-frame; stale positions are useless.
		}
	})
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("telemetry: subscribe %s: %w", cfg.StarTopic, token.Error())
	}
	log.Printf("telemetry: subscribed to %s", cfg.StarTopic)
	return s, nil
}

func (s *FrameSource) NextFrame(ctx context.Context) (guide.Point, error) {
	select {
	case <-ctx.Done():
		return guide.Point{}, ctx.Err()
	case p := <-s.frames:
		return p, nil
	}
}
