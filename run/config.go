package run

import (
	"fmt"
	"net"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/relex/fluentlib/protocol/forwardprotocol"
	"github.com/relex/slog-relay/defs"
	"github.com/relex/slog-relay/input/queuesource"
	"github.com/relex/slog-relay/output/forward"
	"github.com/relex/slog-relay/output/tcpchannel"
	"github.com/relex/slog-relay/output/transceiver"
	"github.com/relex/slog-relay/util"
	"golang.org/x/exp/slices"
)

// Config defines the root of slog-relay config file
type Config struct {
	Source   SourceConfig   `yaml:"source"`
	Forward  ForwardConfig  `yaml:"forward"`
	Upstream UpstreamConfig `yaml:"upstream"`
}

// SourceConfig defines the source section in config file
type SourceConfig struct {
	Name           string            `yaml:"name"`           // logical name used in logs and metrics
	Invocation     string            `yaml:"invocation"`     // builder invocation, e.g. queueSource(5170, truncate=true)
	QueueSize      int               `yaml:"queueSize"`      // capacity of event queue
	MaxCloseSleep  time.Duration     `yaml:"maxCloseSleep"`  // max time to wait for the queue to shrink on shutdown
	MaxMessageSize datasize.ByteSize `yaml:"maxMessageSize"` // max length of one event
}

// ForwardConfig defines the forward section in config file
type ForwardConfig struct {
	Tag         string                      `yaml:"tag"`
	MessageMode forwardprotocol.MessageMode `yaml:"messageMode"`
}

// UpstreamConfig defines the upstream section in config file
type UpstreamConfig struct {
	Address                  string            `yaml:"address"`
	TLS                      bool              `yaml:"tls"`
	Secret                   string            `yaml:"secret"`
	ConnectTimeout           time.Duration     `yaml:"connectTimeout"`
	WriteTimeout             time.Duration     `yaml:"writeTimeout"`
	ReportInterval           time.Duration     `yaml:"reportInterval"`
	TCPNoDelay               *bool             `yaml:"tcpNoDelay"`
	SendBufferSize           datasize.ByteSize `yaml:"sendBufferSize"`
	ReceiveBufferSize        datasize.ByteSize `yaml:"receiveBufferSize"`
	WriteBufferHighWaterMark datasize.ByteSize `yaml:"writeBufferHighWaterMark"`
	WriteBufferLowWaterMark  datasize.ByteSize `yaml:"writeBufferLowWaterMark"`
}

var validSourceBuilders = []string{queuesource.BuilderName}

// LoadConfigFile loads config from the path, fills defaults and verifies it
func LoadConfigFile(path string) (*Config, error) {
	cfg := &Config{}
	if err := util.UnmarshalYamlFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.VerifyConfig(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig parses config from YAML text, fills defaults and verifies it
func ParseConfig(text string) (*Config, error) {
	cfg := &Config{}
	if err := util.UnmarshalYamlString(text, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.VerifyConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Source.Name == "" {
		cfg.Source.Name = "default"
	}
	if cfg.Source.QueueSize == 0 {
		cfg.Source.QueueSize = defs.SourceDefaultQueueSize
	}
	if cfg.Source.MaxCloseSleep == 0 {
		cfg.Source.MaxCloseSleep = defs.SourceMaxCloseSleep
	}
	if cfg.Source.MaxMessageSize == 0 {
		cfg.Source.MaxMessageSize = datasize.ByteSize(defs.InputLogMaxMessageBytes)
	}

	if cfg.Forward.MessageMode == "" {
		cfg.Forward.MessageMode = forwardprotocol.ModePackedForward
	}

	up := &cfg.Upstream
	if up.ConnectTimeout == 0 {
		up.ConnectTimeout = defs.TransceiverConnectTimeout
	}
	if up.WriteTimeout == 0 {
		up.WriteTimeout = defs.TransceiverWriteTimeout
	}
	if up.ReportInterval == 0 {
		up.ReportInterval = defs.TransceiverReportInterval
	}
	if up.TCPNoDelay == nil {
		noDelay := defs.TransceiverTCPNoDelay
		up.TCPNoDelay = &noDelay
	}
	if up.SendBufferSize == 0 {
		up.SendBufferSize = datasize.ByteSize(defs.TransceiverSendBufferSize)
	}
	if up.ReceiveBufferSize == 0 {
		up.ReceiveBufferSize = datasize.ByteSize(defs.TransceiverReceiveBufferSize)
	}
	if up.WriteBufferHighWaterMark == 0 {
		up.WriteBufferHighWaterMark = datasize.ByteSize(defs.TransceiverWriteBufferHighWaterMark)
	}
	if up.WriteBufferLowWaterMark == 0 {
		up.WriteBufferLowWaterMark = datasize.ByteSize(defs.TransceiverWriteBufferLowWaterMark)
	}
}

// VerifyConfig checks all sections
func (cfg *Config) VerifyConfig() error {
	if err := cfg.Source.VerifyConfig(); err != nil {
		return fmt.Errorf("source%w", err)
	}
	if err := cfg.Forward.VerifyConfig(); err != nil {
		return fmt.Errorf("forward%w", err)
	}
	if err := cfg.Upstream.VerifyConfig(); err != nil {
		return fmt.Errorf("upstream%w", err)
	}
	return nil
}

// VerifyConfig checks the source section
func (cfg *SourceConfig) VerifyConfig() error {
	if cfg.Invocation == "" {
		return fmt.Errorf(".invocation is unspecified")
	}
	name, _, _, err := queuesource.ParseInvocation(cfg.Invocation)
	if err != nil {
		return fmt.Errorf(".invocation: %w", err)
	}
	if !slices.Contains(validSourceBuilders, name) {
		return fmt.Errorf(".invocation: unknown source '%s'", name)
	}
	if cfg.QueueSize < 0 {
		return fmt.Errorf(".queueSize cannot be negative: %d", cfg.QueueSize)
	}
	if cfg.MaxCloseSleep < 0 {
		return fmt.Errorf(".maxCloseSleep cannot be negative: %s", cfg.MaxCloseSleep)
	}
	return nil
}

// VerifyConfig checks the forward section
func (cfg *ForwardConfig) VerifyConfig() error {
	if cfg.Tag == "" {
		return fmt.Errorf(".tag is unspecified")
	}
	if err := forward.VerifyMode(cfg.MessageMode); err != nil {
		return fmt.Errorf(".messageMode: %w", err)
	}
	return nil
}

// VerifyConfig checks the upstream section
func (cfg *UpstreamConfig) VerifyConfig() error {
	if len(cfg.Address) == 0 {
		return fmt.Errorf(".address is unspecified")
	}
	if _, _, err := net.SplitHostPort(cfg.Address); err != nil {
		return fmt.Errorf(".address is invalid: %w", err)
	}
	if cfg.TLS && len(cfg.Secret) == 0 {
		return fmt.Errorf(".secret is unspecified when tls=true")
	}
	if cfg.WriteBufferHighWaterMark < cfg.WriteBufferLowWaterMark {
		return fmt.Errorf(".writeBufferHighWaterMark (%s) is lower than .writeBufferLowWaterMark (%s)",
			cfg.WriteBufferHighWaterMark, cfg.WriteBufferLowWaterMark)
	}
	if err := cfg.channelOptions().Verify(); err != nil {
		return fmt.Errorf(": %w", err)
	}
	return nil
}

func (cfg *UpstreamConfig) channelOptions() tcpchannel.Options {
	options := tcpchannel.DefaultOptions()
	options.ConnectTimeout = cfg.ConnectTimeout
	options.WriteTimeout = cfg.WriteTimeout
	options.TCPNoDelay = cfg.TCPNoDelay == nil || *cfg.TCPNoDelay
	options.SendBufferSize = int(cfg.SendBufferSize.Bytes())
	options.ReceiveBufferSize = int(cfg.ReceiveBufferSize.Bytes())
	options.WriteBufferHighWaterMark = int(cfg.WriteBufferHighWaterMark.Bytes())
	options.WriteBufferLowWaterMark = int(cfg.WriteBufferLowWaterMark.Bytes())
	options.TLS = cfg.TLS
	options.Secret = cfg.Secret
	return options
}

func (cfg *UpstreamConfig) transceiverOptions() transceiver.Options {
	options := transceiver.DefaultOptions()
	options.ConnectTimeout = cfg.ConnectTimeout
	options.ReportInterval = cfg.ReportInterval
	return options
}
