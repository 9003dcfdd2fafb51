// Grounded on doismellburning-samoyed/src/deviceid.go's yaml.Unmarshal-a-
// config-file-at-startup pattern, adapted from a lookup table to the link's
// own tunable parameters (interface, address, NAME, timers).
package link

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yope/linux-j1939-testing/claim"
)

// Config holds everything link.New needs that isn't runtime state: which
// CAN interface to bind, the node's claim identity, and the timeout
// discipline J1939-21 §5 delegates to the reactor.
type Config struct {
	Iface        string `yaml:"iface"`
	PreferredSA  uint8  `yaml:"preferred_sa"`
	Name         string `yaml:"name"` // 16 hex characters, big-endian NAME bytes
	SendQueueLen int    `yaml:"send_queue_len"`

	T1 time.Duration `yaml:"t1"`
	T2 time.Duration `yaml:"t2"`
	T3 time.Duration `yaml:"t3"`
	T4 time.Duration `yaml:"t4"`
}

// Default timer values per J1939-21, cited directly in J1939-21 §5.
const (
	DefaultT1 = 750 * time.Millisecond
	DefaultT2 = 1250 * time.Millisecond
	DefaultT3 = 1250 * time.Millisecond
	DefaultT4 = 1050 * time.Millisecond

	DefaultSendQueueLen = 100000
)

// LoadConfig reads and parses a YAML config file, filling in the J1939-21
// default timers and queue length where the file leaves them zero.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("link: read config %q: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("link: parse config %q: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.T1 == 0 {
		c.T1 = DefaultT1
	}
	if c.T2 == 0 {
		c.T2 = DefaultT2
	}
	if c.T3 == 0 {
		c.T3 = DefaultT3
	}
	if c.T4 == 0 {
		c.T4 = DefaultT4
	}
	if c.SendQueueLen == 0 {
		c.SendQueueLen = DefaultSendQueueLen
	}
}

// ParseName decodes the configured hex NAME string into a claim.Name.
func (c *Config) ParseName() (claim.Name, error) {
	raw, err := hex.DecodeString(c.Name)
	if err != nil {
		return claim.Name{}, fmt.Errorf("link: NAME %q is not valid hex: %w", c.Name, err)
	}
	if len(raw) != 8 {
		return claim.Name{}, fmt.Errorf("link: NAME must be 8 bytes (16 hex chars), got %d bytes", len(raw))
	}
	var n claim.Name
	copy(n[:], raw)
	return n, nil
}
