package mesh

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the service configuration.
type Config struct {
	MQTT     MQTTConfig     `yaml:"mqtt" json:"mqtt"`
	Cluster  ClusterOptions `yaml:"cluster" json:"cluster"`
	Viewport ViewportConfig `yaml:"viewport" json:"viewport"`
	Overlay  OverlayConfig  `yaml:"overlay" json:"overlay"`
	// Entities are created at startup, before any MQTT traffic.
	Entities []EntityOptions `yaml:"entities,omitempty" json:"entities,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// ViewportConfig is the initial viewport of the headless host.
type ViewportConfig struct {
	Center GeoPoint `yaml:"center" json:"center"`
	Zoom   float64  `yaml:"zoom" json:"zoom"`
	Size   Size     `yaml:"size" json:"size"`
}

// OverlayConfig tunes the label overlay.
type OverlayConfig struct {
	Enabled        bool    `yaml:"enabled" json:"enabled"`
	ChunkSize      int     `yaml:"chunkSize,omitempty" json:"chunkSize,omitempty"`
	Margin         float64 `yaml:"margin,omitempty" json:"margin,omitempty"`
	SimplifyPixels float64 `yaml:"simplifyPixels,omitempty" json:"simplifyPixels,omitempty"`
	TextColor      string  `yaml:"textColor,omitempty" json:"textColor,omitempty"`
}

// DefaultConfig returns the configuration used for fields a file leaves out.
func DefaultConfig() Config {
	return Config{
		MQTT: MQTTConfig{
			PublishPrefix: "pinmesh",
			ClientID:      "pinmesh",
		},
		Cluster: DefaultClusterOptions(),
		Viewport: ViewportConfig{
			Zoom: 3,
			Size: Size{Width: 1024, Height: 768},
		},
		Overlay: OverlayConfig{
			Enabled:        true,
			ChunkSize:      500,
			Margin:         32,
			SimplifyPixels: 1,
			TextColor:      "#212121",
		},
	}
}

// LoadConfig loads the configuration from a YAML file. Missing fields keep
// their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the fields LoadConfig cannot default.
func (c *Config) Validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if c.MQTT.PublishPrefix == "" {
		return fmt.Errorf("mqtt.publishPrefix is required")
	}
	if err := validateOptions(c.Cluster); err != nil {
		return fmt.Errorf("cluster: %w", err)
	}
	if c.Viewport.Size.Width <= 0 || c.Viewport.Size.Height <= 0 {
		return fmt.Errorf("viewport.size must be positive, got %gx%g", c.Viewport.Size.Width, c.Viewport.Size.Height)
	}
	if c.Viewport.Zoom < 0 || c.Viewport.Zoom > 24 {
		return fmt.Errorf("viewport.zoom out of range: %g", c.Viewport.Zoom)
	}
	if lat := c.Viewport.Center.Latitude; lat < -90 || lat > 90 {
		return fmt.Errorf("viewport.center.lat out of range: %g", lat)
	}
	if lon := c.Viewport.Center.Longitude; lon < -180 || lon > 180 {
		return fmt.Errorf("viewport.center.lon out of range: %g", lon)
	}
	for i, e := range c.Entities {
		if e.Kind != KindMarker && len(e.Path) < 2 {
			return fmt.Errorf("entities[%d]: a %s needs a path", i, e.Kind)
		}
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
