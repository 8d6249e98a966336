package mesh

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/paulmach/orb/geojson"
)

// Publisher publishes cluster snapshots to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool

	mu        sync.Mutex
	lastStats *PublishedStats
}

// PublishedStats is the payload of the stats topic.
type PublishedStats struct {
	Cluster   ClusterStats `json:"cluster"`
	Overlay   OverlayStats `json:"overlay"`
	Timestamp int64        `json:"timestamp"`
}

// NewPublisher creates a publisher. MQTT_PUBLISH_PREFIX overrides prefix.
// If client is nil, publishing is disabled.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "pinmesh"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true,
	}
}

// Prefix returns the topic prefix.
func (p *Publisher) Prefix() string {
	return p.publishPrefix
}

// PublishClusters publishes the cluster snapshot to <prefix>/clusters.
func (p *Publisher) PublishClusters(fc *geojson.FeatureCollection) error {
	payload, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling clusters: %w", err)
	}
	return p.publish(p.publishPrefix+"/clusters", payload)
}

// PublishStats publishes engine counters to <prefix>/stats.
func (p *Publisher) PublishStats(cluster ClusterStats, overlay OverlayStats) error {
	stats := &PublishedStats{
		Cluster:   cluster,
		Overlay:   overlay,
		Timestamp: time.Now().Unix(),
	}
	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshaling stats: %w", err)
	}
	if err := p.publish(p.publishPrefix+"/stats", payload); err != nil {
		return err
	}

	p.mu.Lock()
	p.lastStats = stats
	p.mu.Unlock()
	return nil
}

// LastStats returns the last successfully published stats.
func (p *Publisher) LastStats() (PublishedStats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastStats == nil {
		return PublishedStats{}, false
	}
	return *p.lastStats, true
}

func (p *Publisher) publish(topic string, payload []byte) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	log.Printf("[MQTT] published %d bytes to %s", len(payload), topic)
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
