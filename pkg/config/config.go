// Package config loads the server configuration from YAML or TOML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/muxable/l2cap/pkg/l2cap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

var ErrUnknownFormat = errors.New("unknown config format")

type Config struct {
	Server Server `yaml:"server" toml:"server"`
	L2CAP  L2CAP  `yaml:"l2cap" toml:"l2cap"`
}

// Server holds the settings of the example server around the stack.
type Server struct {
	HCIDevice   int           `yaml:"hci_device" toml:"hci_device"`
	DeviceName  string        `yaml:"device_name" toml:"device_name"`
	EchoPSM     uint16        `yaml:"echo_psm" toml:"echo_psm"`
	MetricsAddr string        `yaml:"metrics_addr" toml:"metrics_addr"`
	LogLevel    zapcore.Level `yaml:"log_level" toml:"log_level"`
}

// L2CAP mirrors l2cap.Config with file friendly types.
type L2CAP struct {
	EnableERTM  bool   `yaml:"enable_ertm" toml:"enable_ertm"`
	Mode        string `yaml:"mode" toml:"mode"`
	IMTU        uint16 `yaml:"imtu" toml:"imtu"`
	TxWindow    uint8  `yaml:"tx_window" toml:"tx_window"`
	MaxTransmit uint8  `yaml:"max_transmit" toml:"max_transmit"`
	MaxPDUSize  uint16 `yaml:"max_pdu_size" toml:"max_pdu_size"`

	RetransmissionTimeout Duration `yaml:"retransmission_timeout" toml:"retransmission_timeout"`
	MonitorTimeout        Duration `yaml:"monitor_timeout" toml:"monitor_timeout"`
	AckTimeout            Duration `yaml:"ack_timeout" toml:"ack_timeout"`
	ConnectTimeout        Duration `yaml:"connect_timeout" toml:"connect_timeout"`
	DisconnectTimeout     Duration `yaml:"disconnect_timeout" toml:"disconnect_timeout"`
	InfoTimeout           Duration `yaml:"info_timeout" toml:"info_timeout"`

	Backlog      int `yaml:"backlog" toml:"backlog"`
	ReceiveQueue int `yaml:"receive_queue" toml:"receive_queue"`
}

// Duration reads Go duration strings such as "200ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func Default() *Config {
	c := l2cap.DefaultConfig()
	return &Config{
		Server: Server{
			DeviceName:  "l2cap-server",
			EchoPSM:     0x1001,
			MetricsAddr: ":9090",
			LogLevel:    zapcore.InfoLevel,
		},
		L2CAP: L2CAP{
			EnableERTM:            c.EnableERTM,
			Mode:                  c.Mode.String(),
			IMTU:                  c.IMTU,
			TxWindow:              c.TxWindow,
			MaxTransmit:           c.MaxTransmit,
			MaxPDUSize:            c.MaxPDUSize,
			RetransmissionTimeout: Duration{c.RetransmissionTimeout},
			MonitorTimeout:        Duration{c.MonitorTimeout},
			AckTimeout:            Duration{c.AckTimeout},
			ConnectTimeout:        Duration{c.ConnectTimeout},
			DisconnectTimeout:     Duration{c.DisconnectTimeout},
			InfoTimeout:           Duration{c.InfoTimeout},
			Backlog:               c.Backlog,
			ReceiveQueue:          c.ReceiveQueue,
		},
	}
}

// Load reads path on top of the defaults. The extension picks the format:
// .yaml, .yml or .toml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	c, err := Parse(data, strings.TrimPrefix(ext, "."))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes data in format ("yaml", "yml" or "toml") on top of the
// defaults and validates the result.
func Parse(data []byte, format string) (*Config, error) {
	c := Default()
	switch format {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	case "toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.Server.HCIDevice < 0 {
		return fmt.Errorf("hci_device %d must not be negative", c.Server.HCIDevice)
	}
	if c.Server.EchoPSM&0x0101 != 0x0001 {
		return fmt.Errorf("echo_psm %#04x is not a valid psm", c.Server.EchoPSM)
	}
	if _, err := c.Stack(); err != nil {
		return err
	}
	return nil
}

// Stack returns the validated l2cap stack configuration.
func (c *Config) Stack() (l2cap.Config, error) {
	mode, err := parseMode(c.L2CAP.Mode)
	if err != nil {
		return l2cap.Config{}, err
	}
	sc := l2cap.Config{
		EnableERTM:            c.L2CAP.EnableERTM,
		Mode:                  mode,
		IMTU:                  c.L2CAP.IMTU,
		TxWindow:              c.L2CAP.TxWindow,
		MaxTransmit:           c.L2CAP.MaxTransmit,
		MaxPDUSize:            c.L2CAP.MaxPDUSize,
		RetransmissionTimeout: c.L2CAP.RetransmissionTimeout.Duration,
		MonitorTimeout:        c.L2CAP.MonitorTimeout.Duration,
		AckTimeout:            c.L2CAP.AckTimeout.Duration,
		ConnectTimeout:        c.L2CAP.ConnectTimeout.Duration,
		DisconnectTimeout:     c.L2CAP.DisconnectTimeout.Duration,
		InfoTimeout:           c.L2CAP.InfoTimeout.Duration,
		Backlog:               c.L2CAP.Backlog,
		ReceiveQueue:          c.L2CAP.ReceiveQueue,
	}
	if err := sc.Validate(); err != nil {
		return l2cap.Config{}, fmt.Errorf("l2cap: %w", err)
	}
	return sc, nil
}

func parseMode(s string) (l2cap.Mode, error) {
	switch strings.ToLower(s) {
	case "", "basic":
		return l2cap.ModeBasic, nil
	case "ertm":
		return l2cap.ModeERTM, nil
	case "streaming":
		return l2cap.ModeStreaming, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}
