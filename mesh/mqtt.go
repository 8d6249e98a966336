package mesh

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/paulmach/orb/geojson"
)

// EntityUpdate is a decoded ingest message.
type EntityUpdate struct {
	// Key is the last topic segment; it names the entity for the publisher.
	Key    string
	Remove bool
	// Options is set for GeoJSON payloads and for JSON payloads carrying a
	// full position.
	Options *EntityOptions
	Patch   EntityPatch
}

// entityPayload is the JSON form of an entity position.
type entityPayload struct {
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
	Label   *string  `json:"label"`
	Color   *string  `json:"color"`
	Visible *bool    `json:"visible"`
}

// IngestHandler receives decoded entity messages.
type IngestHandler func(update EntityUpdate)

// MQTTClient manages the MQTT connection and the entity ingest subscription
type MQTTClient struct {
	client      mqtt.Client
	config      *Config
	handler     IngestHandler
	isConnected bool
	mu          sync.RWMutex
}

// EntityTopic is the subscription filter for entity updates.
func EntityTopic(prefix string) string {
	return prefix + "/entities/+"
}

// InitMQTT creates the MQTT client and starts connecting in the background.
// If neither MQTT_BROKER nor mqtt.broker is set, MQTT is disabled and this
// returns nil.
func InitMQTT(config *Config, handler IngestHandler) (*MQTTClient, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		log.Println("[MQTT] disabled: MQTT_BROKER not set")
		return nil, nil
	}
	if config == nil {
		return nil, fmt.Errorf("MQTT enabled but no configuration provided")
	}

	client := &MQTTClient{
		config:  config,
		handler: handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "pinmesh"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config.MQTT.Username != "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config.MQTT.Password != "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	// Entity updates for the same key must be applied in arrival order.
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	return client, nil
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("[MQTT] connecting to broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[MQTT] connected to broker")
				c.setConnected(true)
				return
			}
			log.Printf("[MQTT] connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] connection timeout")
		}

		log.Printf("[MQTT] retrying connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

func (c *MQTTClient) prefix() string {
	if c.config != nil && c.config.MQTT.PublishPrefix != "" {
		return c.config.MQTT.PublishPrefix
	}
	return "pinmesh"
}

// onConnect subscribes to entity updates. It runs again after every
// reconnect.
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)

	topic := EntityTopic(c.prefix())
	log.Printf("[MQTT] subscribing to %s", topic)
	token := client.Subscribe(topic, 1, c.handleEntityMessage)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("[MQTT] error subscribing to %s: %v", topic, token.Error())
	}
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("[MQTT] reconnecting...")
}

func (c *MQTTClient) handleEntityMessage(_ mqtt.Client, msg mqtt.Message) {
	key := entityKey(msg.Topic())
	if key == "" {
		log.Printf("[MQTT] ignoring message on %s: no entity key", msg.Topic())
		return
	}

	update, err := ParseEntityMessage(key, msg.Payload())
	if err != nil {
		log.Printf("[MQTT] bad payload for %s: %v", key, err)
		return
	}
	if c.handler != nil {
		c.handler(update)
	}
}

func entityKey(topic string) string {
	i := strings.LastIndexByte(topic, '/')
	if i < 0 || i == len(topic)-1 {
		return ""
	}
	return topic[i+1:]
}

// ParseEntityMessage decodes an ingest payload. An empty payload removes the
// entity; a GeoJSON Feature replaces it; a {lat, lon, label, color, visible}
// object is a merge-patch, which also carries full options when both
// coordinates are present.
func ParseEntityMessage(key string, payload []byte) (EntityUpdate, error) {
	update := EntityUpdate{Key: key}

	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		update.Remove = true
		return update, nil
	}

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return update, fmt.Errorf("decoding entity payload: %w", err)
	}

	if envelope.Type == "Feature" {
		f, err := geojson.UnmarshalFeature(payload)
		if err != nil {
			return update, fmt.Errorf("decoding feature: %w", err)
		}
		opts, err := FeatureToEntityOptions(f)
		if err != nil {
			return update, err
		}
		loc, label, color := opts.Location, opts.Label, opts.Color
		update.Patch = EntityPatch{Location: &loc, Label: &label, Color: &color}
		if v, ok := f.Properties["visible"].(bool); ok {
			opts.Hidden = !v
			update.Patch.Visible = &v
		}
		update.Options = &opts
		return update, nil
	}

	var p entityPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return update, fmt.Errorf("decoding entity payload: %w", err)
	}
	if (p.Lat == nil) != (p.Lon == nil) {
		return update, fmt.Errorf("lat and lon must be given together")
	}

	update.Patch = EntityPatch{Label: p.Label, Color: p.Color, Visible: p.Visible}
	if p.Lat != nil {
		if *p.Lat < -90 || *p.Lat > 90 || *p.Lon < -180 || *p.Lon > 180 {
			return update, fmt.Errorf("position out of range: %g, %g", *p.Lat, *p.Lon)
		}
		loc := GeoPoint{Latitude: *p.Lat, Longitude: *p.Lon}
		update.Patch.Location = &loc

		opts := EntityOptions{Kind: KindMarker, Location: loc}
		if p.Label != nil {
			opts.Label = *p.Label
		}
		if p.Color != nil {
			opts.Color = *p.Color
		}
		if p.Visible != nil {
			opts.Hidden = !*p.Visible
		}
		update.Options = &opts
	}
	return update, nil
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("[MQTT] disconnecting from broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock creates an MQTTClient around a provided mqtt.Client.
func newMQTTClientWithMock(client mqtt.Client, config *Config, handler IngestHandler) *MQTTClient {
	return &MQTTClient{
		client:  client,
		config:  config,
		handler: handler,
	}
}
