package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration that reads and writes as a string such as "10s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Plain numbers are nanoseconds
		var n int64
		if err2 := json.Unmarshal(data, &n); err2 != nil {
			return err
		}
		*d = Duration(n)
		return nil
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type ProbeConfig struct {
	Enabled   bool     `json:"enabled"`
	Interval  Duration `json:"interval"`
	Jitter    Duration `json:"jitter"`
	MaxMissed int      `json:"maxMissed"`
}

type HubConfig struct {
	Listen    string `json:"listen"`
	Transport string `json:"transport"`
	Codec     string `json:"codec"`

	// Port announced to peers. Zero means the listening port.
	AdvertisedPort int `json:"advertisedPort,omitempty"`

	Probe ProbeConfig `json:"probe"`

	Relay bool `json:"relay"`
	Debug bool `json:"debug"`
	List  bool `json:"list"`

	// Outbound frames buffered per connection before new frames are dropped
	QueueSize int `json:"queueSize"`

	// Prometheus endpoint, empty to disable
	MetricsListen string `json:"metricsListen,omitempty"`
}

type PeerConfig struct {
	Hub       string `json:"hub"`
	Transport string `json:"transport"`
	Codec     string `json:"codec"`

	ReconnectDelay  Duration `json:"reconnectDelay"`
	ReconnectJitter Duration `json:"reconnectJitter"`

	Debug bool `json:"debug"`
	List  bool `json:"list"`
}

type TLSConfig struct {
	Cert string `json:"cert"`
	Key  string `json:"key"`
	CA   string `json:"ca,omitempty"`

	// Decrypts an "ENCRYPTED PRIVATE KEY" (PKCS#8) key file. Written keys are encrypted with it too.
	KeyPassphrase string `json:"keyPassphrase,omitempty"`

	// Hub side: require and verify a client certificate
	ClientAuth bool `json:"clientAuth"`

	// Peer side
	ServerName         string `json:"serverName,omitempty"`
	InsecureSkipVerify bool   `json:"insecureSkipVerify,omitempty"`
}

// Config represents the configuration of a hub or peer process
type Config struct {
	// Default config file location
	configFile string

	Hub  HubConfig  `json:"hub"`
	Peer PeerConfig `json:"peer"`
	TLS  TLSConfig  `json:"tls"`

	DataStore struct {
		PeerIndexPath string `json:"peerIndex"`
	} `json:"datastore"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Hub.Listen = ":3000"
	cfg.Hub.Transport = "tls"
	cfg.Hub.Codec = "json"
	cfg.Hub.Probe.Enabled = false
	cfg.Hub.Probe.Interval = Duration(10 * time.Second)
	cfg.Hub.Probe.MaxMissed = 1
	cfg.Hub.QueueSize = 256

	cfg.Peer.Hub = "localhost:3000"
	cfg.Peer.Transport = "tls"
	cfg.Peer.Codec = "json"
	cfg.Peer.ReconnectDelay = Duration(2 * time.Second)
	cfg.Peer.ReconnectJitter = Duration(500 * time.Millisecond)

	cfg.TLS.Cert = "/tmp/ensock/cert.pem"
	cfg.TLS.Key = "/tmp/ensock/key.pem"

	cfg.DataStore.PeerIndexPath = "/tmp/ensock/peers"

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) File() string {
	return c.configFile
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	// We'll marshall our structure to JSON and write it into a file
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0600)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return err
	}

	return nil
}

// Validate checks the settings that would otherwise fail late, at listen or dial time.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Hub.Listen); err != nil {
		return fmt.Errorf("%w: hub.listen %q: %v", ErrInvalidConfig, c.Hub.Listen, err)
	}
	if _, err := c.PeerHubPort(); err != nil {
		return err
	}
	if c.Hub.Probe.Interval <= 0 {
		return fmt.Errorf("%w: hub.probe.interval must be positive", ErrInvalidConfig)
	}
	if c.Hub.Probe.Jitter < 0 || c.Hub.Probe.Jitter >= c.Hub.Probe.Interval {
		return fmt.Errorf("%w: hub.probe.jitter must be in [0, interval)", ErrInvalidConfig)
	}
	if c.Hub.Probe.MaxMissed < 1 {
		return fmt.Errorf("%w: hub.probe.maxMissed must be at least 1", ErrInvalidConfig)
	}
	if c.Hub.QueueSize < 1 {
		return fmt.Errorf("%w: hub.queueSize must be at least 1", ErrInvalidConfig)
	}
	if c.Peer.ReconnectDelay <= 0 {
		return fmt.Errorf("%w: peer.reconnectDelay must be positive", ErrInvalidConfig)
	}
	if c.TLS.Key != "" && c.TLS.Cert == "" {
		return fmt.Errorf("%w: tls.key set without tls.cert", ErrInvalidConfig)
	}
	return nil
}

// HubPort is the port announced to peers.
func (c *Config) HubPort() (int, error) {
	if c.Hub.AdvertisedPort != 0 {
		return c.Hub.AdvertisedPort, nil
	}
	return portOf(c.Hub.Listen)
}

// PeerHubHost and PeerHubPort split the hub endpoint a peer dials.
func (c *Config) PeerHubHost() string {
	host, _, _ := net.SplitHostPort(c.Peer.Hub)
	return host
}

func (c *Config) PeerHubPort() (int, error) {
	return portOf(c.Peer.Hub)
}

func portOf(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("%w: address %q: %v", ErrInvalidConfig, addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("%w: address %q: bad port", ErrInvalidConfig, addr)
	}
	return port, nil
}
