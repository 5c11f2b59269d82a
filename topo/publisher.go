package topo

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher publishes run summaries and classifier exports to MQTT.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
}

// RunSummary is the payload published after each run.
type RunSummary struct {
	RunID       string            `json:"runId"`
	Timestamp   int64             `json:"timestamp"`
	StopReason  StopReason        `json:"stopReason,omitempty"`
	Iterations  int               `json:"iterations"`
	Bridges     int               `json:"bridges"`
	Unresolved  int               `json:"unresolvedGaps"`
	NeedsReview bool              `json:"needsReview"`
	Metrics     NetworkMetrics    `json:"metrics"`
	Issues      map[ErrorKind]int `json:"issues"`
	SplitPoints map[SplitKind]int `json:"splitPoints,omitempty"`
}

// NewPublisher creates a publisher. MQTT_PUBLISH_PREFIX overrides prefix.
// If client is nil, publishing is disabled.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "trailmesh"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,
		retain:        true, // late subscribers get the latest run
	}
}

// SummarizeResult builds the summary payload for res.
func SummarizeResult(res *Result) RunSummary {
	s := RunSummary{
		RunID:     res.RunID,
		Timestamp: time.Now().Unix(),
		Metrics:   res.Metrics,
	}
	if res.Convergence != nil {
		s.StopReason = res.Convergence.Reason
		s.Iterations = res.Convergence.Iterations
		s.SplitPoints = res.Convergence.SplitPointsByKind()
	}
	if res.Bridging != nil {
		s.Bridges = len(res.Bridging.Created)
		s.Unresolved = len(res.Bridging.Unresolved)
	}
	if res.Report != nil {
		snap := res.Report.Snapshot()
		s.Issues = snap.Counts
		s.NeedsReview = snap.NeedsReview
	}
	return s
}

// PublishSummary publishes the run summary to {prefix}/summary.
func (p *Publisher) PublishSummary(res *Result) error {
	return p.publishJSON("summary", SummarizeResult(res))
}

// PublishFeatures publishes the classifier export to {prefix}/features.
func (p *Publisher) PublishFeatures(fe *FeatureExport) error {
	return p.publishJSON("features", fe)
}

// PublishReport publishes the issue report to {prefix}/report.
func (p *Publisher) PublishReport(r *Report) error {
	return p.publishJSON("report", r.Snapshot())
}

func (p *Publisher) publishJSON(suffix string, v any) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	topic := fmt.Sprintf("%s/%s", p.publishPrefix, suffix)
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", suffix, err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	log.Printf("[MQTT] published %s (%d bytes)", topic, len(payload))
	return nil
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
