// Package publish emits per-frame results and final run summaries to MQTT.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/andresmejia3/emoscan/internal/capture"
	"github.com/andresmejia3/emoscan/internal/pipeline"
	"github.com/andresmejia3/emoscan/internal/types"
)

// Config selects the broker and topic prefix.
type Config struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

// Enabled reports whether a broker is configured.
func (c Config) Enabled() bool { return c.Broker != "" }

// FrameMessage is published for every sampled frame with faces.
type FrameMessage struct {
	RunID  string            `json:"run_id"`
	Source string            `json:"source"`
	Frame  types.FrameResult `json:"frame"`
	Counts map[string]int    `json:"emotion_counts"`
}

// SummaryMessage is published once per run.
type SummaryMessage struct {
	RunID               string         `json:"run_id"`
	Source              string         `json:"source"`
	StartedAt           time.Time      `json:"started_at"`
	FinishedAt          time.Time      `json:"finished_at"`
	StopReason          string         `json:"stop_reason"`
	FramesRead          int            `json:"frames_read"`
	FramesWithFaces     int            `json:"frames_with_faces"`
	EmotionCounts       map[string]int `json:"emotion_counts"`
	MostFrequentEmotion string         `json:"most_frequent_emotion"`
}

// Publisher is a pipeline.Observer that forwards results to an MQTT broker.
// Publishing failures are logged and never stop a run.
type Publisher struct {
	cfg    Config
	Client mqtt.Client

	mu        sync.Mutex
	published uint64
	errors    uint64
	counts    map[string]int
}

var _ pipeline.Observer = (*Publisher)(nil)

// NewPublisher wraps an existing client.
func NewPublisher(cfg Config, client mqtt.Client) *Publisher {
	if cfg.Topic == "" {
		cfg.Topic = "emoscan"
	}
	return &Publisher{cfg: cfg, Client: client, counts: make(map[string]int)}
}

// Connect dials cfg.Broker with automatic reconnection.
func Connect(ctx context.Context, cfg Config) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(c mqtt.Client) {
		slog.Info("mqtt connection established", "broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		slog.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", cfg.Broker)
	}

	client := mqtt.NewClient(opts)
	slog.Info("connecting to mqtt broker", "broker", cfg.Broker)

	token := client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return NewPublisher(cfg, client), nil
}

// FrameTopic is <topic>/<run id>/frames.
func (p *Publisher) FrameTopic(runID string) string {
	return fmt.Sprintf("%s/%s/frames", p.cfg.Topic, runID)
}

// SummaryTopic is <topic>/<run id>/summary.
func (p *Publisher) SummaryTopic(runID string) string {
	return fmt.Sprintf("%s/%s/summary", p.cfg.Topic, runID)
}

// OnConnect resets the running tally for a new run.
func (p *Publisher) OnConnect(run *types.RunResult, info capture.Info) {
	p.mu.Lock()
	p.counts = make(map[string]int)
	p.mu.Unlock()
}

// OnFrame publishes fr together with the running emotion counts.
func (p *Publisher) OnFrame(run *types.RunResult, fr types.FrameResult) {
	p.mu.Lock()
	for _, f := range fr.Faces {
		p.counts[f.Emotion]++
	}
	counts := make(map[string]int, len(p.counts))
	for k, v := range p.counts {
		counts[k] = v
	}
	p.mu.Unlock()

	p.publish(p.FrameTopic(run.ID), false, FrameMessage{
		RunID:  run.ID,
		Source: run.Source,
		Frame:  fr,
		Counts: counts,
	})
}

// OnFinish publishes the retained run summary.
func (p *Publisher) OnFinish(run *types.RunResult) {
	p.publish(p.SummaryTopic(run.ID), true, SummaryMessage{
		RunID:               run.ID,
		Source:              run.Source,
		StartedAt:           run.Timestamp,
		FinishedAt:          run.FinishedAt,
		StopReason:          run.StopReason,
		FramesRead:          run.FramesRead,
		FramesWithFaces:     len(run.Frames),
		EmotionCounts:       run.EmotionCounts,
		MostFrequentEmotion: run.MostFrequentEmotion,
	})
}

func (p *Publisher) publish(topic string, retained bool, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		p.fail(topic, fmt.Errorf("failed to marshal message: %w", err))
		return
	}
	token := p.Client.Publish(topic, p.cfg.QoS, retained, payload)
	if !token.WaitTimeout(2 * time.Second) {
		p.fail(topic, fmt.Errorf("publish timeout"))
		return
	}
	if err := token.Error(); err != nil {
		p.fail(topic, fmt.Errorf("publish failed: %w", err))
		return
	}
	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	slog.Debug("result published", "topic", topic, "qos", p.cfg.QoS, "size", len(payload))
}

func (p *Publisher) fail(topic string, err error) {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
	slog.Warn("mqtt publish failed", "topic", topic, "error", err)
}

// Stats returns the number of published and failed messages.
func (p *Publisher) Stats() (published, errors uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published, p.errors
}

// Close disconnects from the broker.
func (p *Publisher) Close() error {
	if p.Client != nil && p.Client.IsConnected() {
		p.Client.Disconnect(250)
		published, failed := p.Stats()
		slog.Info("mqtt disconnected", "published", published, "errors", failed)
	}
	return nil
}
