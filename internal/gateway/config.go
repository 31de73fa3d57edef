package gateway

import (
	"fmt"
	"os"
	"time"

	"go.bug.st/serial"
	"gopkg.in/yaml.v3"

	"github.com/opennetty/opennetty-core/internal/message"
	"github.com/opennetty/opennetty-core/internal/transport"
)

// Config is the declarative document spec.md §6 says the core consumes:
// a `gateways:` list carrying only the fields the core needs (name,
// protocol, transport descriptor, optional password, options bundle,
// capability set). The device/unit catalogue, scenarios and importer
// parts of a full configuration document are out of scope, exactly as
// spec.md states, so this loader never looks for them.
type Config struct {
	Gateways []GatewayConfig `yaml:"gateways"`
}

// GatewayConfig is the YAML shape of one gateway entry.
type GatewayConfig struct {
	Name               string            `yaml:"name"`
	Protocol           string            `yaml:"protocol"` // nitoo, scs, zigbee
	Password           string            `yaml:"password"`
	SupervisionEnabled bool              `yaml:"supervision_enabled"`
	Capabilities       []string          `yaml:"capabilities"`
	Transport          TransportConfig   `yaml:"transport"`
	Options            OptionsConfig     `yaml:"options"`
}

// TransportConfig selects and configures one of the two transports.
type TransportConfig struct {
	Kind   string       `yaml:"kind"` // serial, tcp
	Serial SerialConfig `yaml:"serial"`
	TCP    TCPConfig    `yaml:"tcp"`
}

// SerialConfig mirrors transport.SerialConfig in YAML-friendly form.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
	Parity   string `yaml:"parity"`    // none, odd, even, mark, space
	DataBits int    `yaml:"data_bits"` // 5-8
	StopBits string `yaml:"stop_bits"` // 1, 1.5, 2
}

// TCPConfig mirrors transport.TCPConfig.
type TCPConfig struct {
	Address string `yaml:"address"`
}

// OptionsConfig overrides DefaultOptions() field by field; zero values
// mean "use the default".
type OptionsConfig struct {
	FrameAckTimeoutMs                  int `yaml:"frame_ack_timeout_ms"`
	ActionValidationTimeoutMs          int `yaml:"action_validation_timeout_ms"`
	ConnectionNegotiationTimeoutMs     int `yaml:"connection_negotiation_timeout_ms"`
	UniqueStatusReplyTimeoutMs         int `yaml:"unique_status_reply_timeout_ms"`
	UniqueDimensionReplyTimeoutMs      int `yaml:"unique_dimension_reply_timeout_ms"`
	MultipleStatusReplyTimeoutMs       int `yaml:"multiple_status_reply_timeout_ms"`
	MultipleDimensionReplyTimeoutMs    int `yaml:"multiple_dimension_reply_timeout_ms"`
	OutgoingMessageProcessingTimeoutMs int `yaml:"outgoing_message_processing_timeout_ms"`
	PostSendDelayMs                    int `yaml:"post_send_delay_ms"`
}

// Load reads a gateway configuration document from path, expands
// environment variables (the same ${VAR} convenience the teacher's
// config.Load offers for container deployments), and builds the
// immutable Gateway values the rest of the runtime consumes.
func Load(path string) ([]Gateway, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gateway: read config %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("gateway: parse config %s: %w", path, err)
	}

	gateways := make([]Gateway, 0, len(cfg.Gateways))
	for _, gc := range cfg.Gateways {
		gw, err := gc.build()
		if err != nil {
			return nil, fmt.Errorf("gateway %q: %w", gc.Name, err)
		}
		gateways = append(gateways, gw)
	}
	if err := validate(gateways); err != nil {
		return nil, err
	}
	return gateways, nil
}

func validate(gateways []Gateway) error {
	seen := make(map[string]bool, len(gateways))
	for _, gw := range gateways {
		if gw.Name == "" {
			return fmt.Errorf("gateway: a gateway entry is missing its name")
		}
		if seen[gw.Name] {
			return fmt.Errorf("gateway: duplicate gateway name %q", gw.Name)
		}
		seen[gw.Name] = true
	}
	return nil
}

func (gc GatewayConfig) build() (Gateway, error) {
	protocol, err := parseProtocol(gc.Protocol)
	if err != nil {
		return Gateway{}, err
	}

	td, err := gc.Transport.build()
	if err != nil {
		return Gateway{}, err
	}

	caps, err := parseCapabilities(gc.Capabilities)
	if err != nil {
		return Gateway{}, err
	}

	return Gateway{
		Name:               gc.Name,
		Protocol:           protocol,
		Transport:          td,
		Password:           gc.Password,
		Options:            gc.Options.build(),
		Capabilities:       caps,
		SupervisionEnabled: gc.SupervisionEnabled,
	}, nil
}

func parseProtocol(s string) (message.Protocol, error) {
	switch s {
	case "nitoo", "Nitoo":
		return message.Nitoo, nil
	case "scs", "Scs", "SCS":
		return message.Scs, nil
	case "zigbee", "Zigbee":
		return message.Zigbee, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q (want nitoo, scs, or zigbee)", s)
	}
}

func parseCapabilities(names []string) (Capabilities, error) {
	var caps Capabilities
	for _, n := range names {
		switch n {
		case "OpenWebNetGateway":
			caps |= CapGateway
		case "OpenWebNetCommandSession":
			caps |= CapCommandSession
		case "OpenWebNetGenericSession":
			caps |= CapGenericSession
		case "OpenWebNetEventSession":
			caps |= CapEventSession
		default:
			return 0, fmt.Errorf("unknown capability %q", n)
		}
	}
	return caps, nil
}

func (tc TransportConfig) build() (transport.Descriptor, error) {
	switch tc.Kind {
	case "serial":
		parity, err := parseParity(tc.Serial.Parity)
		if err != nil {
			return transport.Descriptor{}, err
		}
		stopBits, err := parseStopBits(tc.Serial.StopBits)
		if err != nil {
			return transport.Descriptor{}, err
		}
		baud := tc.Serial.BaudRate
		if baud == 0 {
			baud = 19200 // OpenWebNet's standard SCS/Nitoo bus rate
		}
		dataBits := tc.Serial.DataBits
		if dataBits == 0 {
			dataBits = 8
		}
		return transport.Descriptor{
			Kind: transport.KindSerial,
			Serial: transport.SerialConfig{
				Port:     tc.Serial.Port,
				BaudRate: baud,
				Parity:   parity,
				DataBits: dataBits,
				StopBits: stopBits,
			},
		}, nil
	case "tcp":
		if tc.TCP.Address == "" {
			return transport.Descriptor{}, fmt.Errorf("tcp transport requires an address")
		}
		return transport.Descriptor{
			Kind: transport.KindTCP,
			TCP:  transport.TCPConfig{Address: tc.TCP.Address},
		}, nil
	default:
		return transport.Descriptor{}, fmt.Errorf("unknown transport kind %q (want serial or tcp)", tc.Kind)
	}
}

func parseParity(s string) (serial.Parity, error) {
	switch s {
	case "", "none":
		return serial.NoParity, nil
	case "odd":
		return serial.OddParity, nil
	case "even":
		return serial.EvenParity, nil
	case "mark":
		return serial.MarkParity, nil
	case "space":
		return serial.SpaceParity, nil
	default:
		return 0, fmt.Errorf("unknown parity %q", s)
	}
}

func parseStopBits(s string) (serial.StopBits, error) {
	switch s {
	case "", "1":
		return serial.OneStopBit, nil
	case "1.5":
		return serial.OnePointFiveStopBits, nil
	case "2":
		return serial.TwoStopBits, nil
	default:
		return 0, fmt.Errorf("unknown stop bits %q", s)
	}
}

func (oc OptionsConfig) build() Options {
	o := DefaultOptions()
	if oc.FrameAckTimeoutMs > 0 {
		o.FrameAckTimeout = time.Duration(oc.FrameAckTimeoutMs) * time.Millisecond
	}
	if oc.ActionValidationTimeoutMs > 0 {
		o.ActionValidationTimeout = time.Duration(oc.ActionValidationTimeoutMs) * time.Millisecond
	}
	if oc.ConnectionNegotiationTimeoutMs > 0 {
		o.ConnectionNegotiationTimeout = time.Duration(oc.ConnectionNegotiationTimeoutMs) * time.Millisecond
	}
	if oc.UniqueStatusReplyTimeoutMs > 0 {
		o.UniqueStatusReplyTimeout = time.Duration(oc.UniqueStatusReplyTimeoutMs) * time.Millisecond
	}
	if oc.UniqueDimensionReplyTimeoutMs > 0 {
		o.UniqueDimensionReplyTimeout = time.Duration(oc.UniqueDimensionReplyTimeoutMs) * time.Millisecond
	}
	if oc.MultipleStatusReplyTimeoutMs > 0 {
		o.MultipleStatusReplyTimeout = time.Duration(oc.MultipleStatusReplyTimeoutMs) * time.Millisecond
	}
	if oc.MultipleDimensionReplyTimeoutMs > 0 {
		o.MultipleDimensionReplyTimeout = time.Duration(oc.MultipleDimensionReplyTimeoutMs) * time.Millisecond
	}
	if oc.OutgoingMessageProcessingTimeoutMs > 0 {
		o.OutgoingMessageProcessingTimeout = time.Duration(oc.OutgoingMessageProcessingTimeoutMs) * time.Millisecond
	}
	if oc.PostSendDelayMs > 0 {
		o.PostSendDelay = time.Duration(oc.PostSendDelayMs) * time.Millisecond
	}
	return o
}
