// Package message implements the typed view over a frame (spec C4):
// classification, address/mode/medium derivation, and the constructors
// that synthesise the field shapes for each outbound message kind.
package message

import (
	"strconv"
	"strings"

	"github.com/opennetty/opennetty-core/internal/frame"
	"github.com/opennetty/opennetty-core/internal/opnerr"
)

// Type classifies the shape of a message's frame.
type Type int

const (
	Unknown Type = iota
	Acknowledgement
	NegativeAcknowledgement
	BusyNegativeAcknowledgement
	BusCommand
	StatusRequest
	DimensionRequest
	DimensionRead
	DimensionSet
)

func (t Type) String() string {
	names := [...]string{
		"Unknown", "Acknowledgement", "NegativeAcknowledgement",
		"BusyNegativeAcknowledgement", "BusCommand", "StatusRequest",
		"DimensionRequest", "DimensionRead", "DimensionSet",
	}
	if int(t) < 0 || int(t) >= len(names) {
		return "Unknown"
	}
	return names[t]
}

// Message is the typed view over a Frame: its classification plus the
// derived category/command/dimension/address/mode/medium/values, when
// the frame's shape carries them.
type Message struct {
	Protocol  Protocol
	Frame     frame.Frame
	Type      Type
	Category  *Category
	Command   *Command
	Dimension *Dimension
	Address   *Address
	Mode      *Mode
	Medium    Medium
	Values    []string
}

// Equal implements the canonical (protocol, frame) identity from spec.md.
func (m Message) Equal(other Message) bool {
	return m.Protocol == other.Protocol && m.Frame.Equal(other.Frame)
}

func allNonEmpty(f frame.Field) bool {
	for _, p := range f.Params {
		if p == "" {
			return false
		}
	}
	return true
}

func firstEmptyRestPresent(f frame.Field) bool {
	return len(f.Params) >= 2 && f.Params[0] == ""
}

// classify implements the exact table in spec.md §4.4.
func classify(fields []frame.Field) Type {
	switch {
	case len(fields) == 2:
		f0, f1 := fields[0], fields[1]
		if len(f0.Params) == 2 && f0.Params[0] == "" && f0.Params[1] == "" && len(f1.Params) == 1 {
			switch f1.Params[0] {
			case "0":
				return NegativeAcknowledgement
			case "1":
				return Acknowledgement
			case "6":
				return BusyNegativeAcknowledgement
			}
		}
		if firstEmptyRestPresent(f0) && allNonEmpty(f1) {
			return StatusRequest
		}
	case len(fields) == 3:
		f0, f1, f2 := fields[0], fields[1], fields[2]
		if len(f0.Params) == 1 && f0.Params[0] != "" && allNonEmpty(f1) && allNonEmpty(f2) {
			return BusCommand
		}
		if firstEmptyRestPresent(f0) && allNonEmpty(f1) && allNonEmpty(f2) {
			return DimensionRequest
		}
	case len(fields) >= 4:
		f0, f1, f2 := fields[0], fields[1], fields[2]
		if !firstEmptyRestPresent(f0) || !allNonEmpty(f1) {
			break
		}
		rest := fields[3:]
		restAllNonEmpty := true
		for _, f := range rest {
			if !allNonEmpty(f) {
				restAllNonEmpty = false
				break
			}
		}
		if !restAllNonEmpty {
			break
		}
		if allNonEmpty(f2) {
			return DimensionRead
		}
		if len(f2.Params) >= 1 && f2.Params[0] == "" {
			return DimensionSet
		}
	}
	return Unknown
}

// deriveWhere derives the address, mode and medium from the WHERE field
// (the field immediately following the category/who field) according to
// the per-protocol rules in spec.md §4.4. mode is nil for SCS, where the
// spec leaves it unset.
func deriveWhere(protocol Protocol, where frame.Field) (*Address, *Mode, Medium, error) {
	switch protocol {
	case Scs:
		return deriveScsWhere(where)
	case Zigbee:
		return deriveZigbeeWhere(where)
	case Nitoo:
		return deriveNitooWhere(where)
	default:
		return nil, nil, Bus, opnerr.New(opnerr.UnsupportedProtocol, protocol.String())
	}
}

func deriveScsWhere(where frame.Field) (*Address, *Mode, Medium, error) {
	if len(where.Params) == 0 {
		return nil, nil, Bus, opnerr.New(opnerr.InvalidScsAddress, "empty WHERE field")
	}
	first := where.Params[0]
	switch {
	case first == "0":
		a := NewScsGeneral()
		return &a, nil, Bus, nil
	case first == "00":
		a, err := FromScsArea(0)
		if err != nil {
			return nil, nil, Bus, err
		}
		return &a, nil, Bus, nil
	case first == "":
		group := ""
		if len(where.Params) >= 2 {
			group = where.Params[1]
		}
		g, err := strconv.Atoi(group)
		if err != nil {
			return nil, nil, Bus, opnerr.Wrap(opnerr.InvalidScsAddress, "group is not a valid integer", err)
		}
		a, err := FromScsGroup(g)
		if err != nil {
			return nil, nil, Bus, err
		}
		return &a, nil, Bus, nil
	default:
		if n, err := strconv.Atoi(first); err == nil && n >= 1 && n <= 10 {
			a, aerr := FromScsArea(n)
			if aerr != nil {
				return nil, nil, Bus, aerr
			}
			return &a, nil, Bus, nil
		}
		a := Address{Kind: ScsPointToPoint, Value: first}
		if len(where.Params) >= 2 {
			a.Parameters = []string{where.Params[1]}
		}
		return &a, nil, Bus, nil
	}
}

func deriveZigbeeWhere(where frame.Field) (*Address, *Mode, Medium, error) {
	var modeMarker, addrValue, family string
	switch len(where.Params) {
	case 3:
		modeMarker, addrValue, family = where.Params[0], where.Params[1], where.Params[2]
	case 2:
		addrValue, family = where.Params[0], where.Params[1]
	case 1:
		addrValue = where.Params[0]
	default:
		return nil, nil, Bus, opnerr.New(opnerr.InvalidZigbeeAddress, "WHERE field has no parameters")
	}

	var mode Mode
	switch {
	case len(where.Params) == 3 && modeMarker == "0":
		mode = Broadcast
	case len(where.Params) == 3 && modeMarker == "":
		mode = Multicast
	default:
		mode = Unicast
	}

	medium := Bus
	if family == "9" {
		medium = Radio
	}

	a := Address{Kind: classifyZigbeeValue(addrValue), Value: addrValue}
	return &a, &mode, medium, nil
}

func deriveNitooWhere(where frame.Field) (*Address, *Mode, Medium, error) {
	if len(where.Params) == 0 {
		return nil, nil, Powerline, opnerr.New(opnerr.InvalidNitooAddress, "WHERE field has no parameters")
	}

	var mode Mode
	var addrValue, family string
	switch {
	case where.Params[0] == "0":
		mode = Broadcast
		if len(where.Params) >= 2 {
			addrValue = where.Params[1]
		}
		if len(where.Params) >= 3 {
			family = where.Params[2]
		}
	case where.Params[0] == "":
		mode = Multicast
		if len(where.Params) >= 2 {
			addrValue = where.Params[1]
		}
		if len(where.Params) >= 3 {
			family = where.Params[2]
		}
	default:
		mode = Unicast
		addrValue = where.Params[0]
		if len(where.Params) >= 2 {
			family = where.Params[1]
		}
	}

	medium := Powerline
	switch family {
	case "1":
		medium = Radio
	case "2":
		medium = Infrared
	}

	v, err := strconv.ParseUint(addrValue, 10, 32)
	if err != nil {
		return nil, nil, medium, opnerr.Wrap(opnerr.InvalidNitooAddress, "address value is not a valid integer", err)
	}
	kind := NitooDevice
	if v%16 != 0 {
		kind = NitooUnit
	}
	a := Address{Kind: kind, Value: addrValue}
	return &a, &mode, medium, nil
}

// FromFrame builds a Message by classifying fr against protocol and
// deriving its category/command/dimension/address/mode/medium/values.
// Unknown-shaped frames classify as Unknown and never return an error
// for that reason alone; derivation errors (malformed address fields on
// an otherwise well-shaped frame) still propagate.
func FromFrame(protocol Protocol, fr frame.Frame) (Message, error) {
	t := classify(fr.Fields)
	m := Message{Protocol: protocol, Frame: fr, Type: t}

	switch t {
	case Acknowledgement, NegativeAcknowledgement:
		return m, nil
	case BusyNegativeAcknowledgement:
		if protocol != Zigbee {
			return Message{}, opnerr.New(opnerr.FrameMalformed, "BUSY-NACK is only legal on Zigbee")
		}
		return m, nil

	case StatusRequest:
		cat := NewCategory(fr.Fields[0].Params[1])
		m.Category = &cat
		addr, mode, medium, err := deriveWhere(protocol, fr.Fields[1])
		if err != nil {
			return Message{}, err
		}
		m.Address, m.Mode, m.Medium = addr, mode, medium
		return m, nil

	case BusCommand:
		cat := NewCategory(fr.Fields[0].Params[0])
		m.Category = &cat
		cmdField := fr.Fields[1]
		cmd := NewCommand(cat, cmdField.Params[0], cmdField.Params[1:]...)
		m.Command = &cmd
		addr, mode, medium, err := deriveWhere(protocol, fr.Fields[2])
		if err != nil {
			return Message{}, err
		}
		m.Address, m.Mode, m.Medium = addr, mode, medium
		return m, nil

	case DimensionRequest, DimensionRead, DimensionSet:
		cat := NewCategory(fr.Fields[0].Params[1])
		m.Category = &cat
		addr, mode, medium, err := deriveWhere(protocol, fr.Fields[1])
		if err != nil {
			return Message{}, err
		}
		m.Address, m.Mode, m.Medium = addr, mode, medium

		dimField := fr.Fields[2]
		var code string
		var dimParams []string
		if t == DimensionSet {
			code = dimField.Params[1]
			dimParams = dimField.Params[2:]
		} else {
			code = dimField.Params[0]
			dimParams = dimField.Params[1:]
		}
		dim := NewDimension(cat, code, dimParams...)
		m.Dimension = &dim

		if len(fr.Fields) > 3 {
			values := make([]string, 0, len(fr.Fields)-3)
			for _, f := range fr.Fields[3:] {
				values = append(values, f.String())
			}
			m.Values = values
		}
		return m, nil

	default:
		return m, nil
	}
}

func whereField(a Address) frame.Field {
	switch a.Kind {
	case ScsGroup:
		return frame.NewField("", a.Value)
	case ScsPointToPoint:
		if len(a.Parameters) > 0 {
			return frame.NewField(a.Value, a.Parameters[0])
		}
		return frame.NewField(a.Value)
	case ZigbeeAllDevicesAllUnits, ZigbeeAllDevicesSpecificUnit,
		ZigbeeSpecificDeviceAllUnits, ZigbeeSpecificDeviceSpecificUnit:
		return frame.NewField(a.Value, "9")
	default:
		return frame.NewField(a.Value)
	}
}

// NewBusCommand synthesises the 3-field BUS COMMAND frame
// *WHO*WHAT#params*WHERE##.
func NewBusCommand(protocol Protocol, cmd Command, addr Address) Message {
	cmdParams := append([]string{cmd.What}, cmd.Parameters...)
	fr := frame.New(
		frame.NewField(cmd.Category.Who),
		frame.NewField(cmdParams...),
		whereField(addr),
	)
	return Message{Protocol: protocol, Frame: fr, Type: BusCommand,
		Category: &cmd.Category, Command: &cmd, Address: &addr}
}

// NewStatusRequest synthesises the 2-field STATUS REQUEST frame
// *#WHO*WHERE##.
func NewStatusRequest(protocol Protocol, cat Category, addr Address) Message {
	fr := frame.New(
		frame.NewField("", cat.Who),
		whereField(addr),
	)
	return Message{Protocol: protocol, Frame: fr, Type: StatusRequest,
		Category: &cat, Address: &addr}
}

// NewDimensionRequest synthesises the 3-field DIMENSION REQUEST frame
// *#WHO*WHERE*DIMENSION##.
func NewDimensionRequest(protocol Protocol, dim Dimension, addr Address) Message {
	dimParams := append([]string{dim.Code}, dim.Parameters...)
	fr := frame.New(
		frame.NewField("", dim.Category.Who),
		whereField(addr),
		frame.NewField(dimParams...),
	)
	return Message{Protocol: protocol, Frame: fr, Type: DimensionRequest,
		Category: &dim.Category, Dimension: &dim, Address: &addr}
}

// NewDimensionRead synthesises the DIMENSION READ reply frame
// *#WHO*WHERE*DIMENSION*V1*V2...##.
func NewDimensionRead(protocol Protocol, dim Dimension, addr Address, values []string) Message {
	dimParams := append([]string{dim.Code}, dim.Parameters...)
	fields := []frame.Field{
		frame.NewField("", dim.Category.Who),
		whereField(addr),
		frame.NewField(dimParams...),
	}
	for _, v := range values {
		fields = append(fields, frame.NewField(strings.Split(v, "#")...))
	}
	fr := frame.New(fields...)
	return Message{Protocol: protocol, Frame: fr, Type: DimensionRead,
		Category: &dim.Category, Dimension: &dim, Address: &addr, Values: values}
}

// NewDimensionSet synthesises the 4+ field DIMENSION SET frame
// *#WHO*WHERE*#DIMENSION*V1*V2...##, with the leading empty parameter
// that marks the DIMENSION field as a set rather than a read.
func NewDimensionSet(protocol Protocol, dim Dimension, addr Address, values []string) (Message, error) {
	if len(values) == 0 {
		return Message{}, opnerr.New(opnerr.InvalidFrame, "DIMENSION SET requires at least one value")
	}
	dimParams := append([]string{"", dim.Code}, dim.Parameters...)
	fields := []frame.Field{
		frame.NewField("", dim.Category.Who),
		whereField(addr),
		frame.NewField(dimParams...),
	}
	for _, v := range values {
		fields = append(fields, frame.NewField(strings.Split(v, "#")...))
	}
	fr := frame.New(fields...)
	return Message{Protocol: protocol, Frame: fr, Type: DimensionSet,
		Category: &dim.Category, Dimension: &dim, Address: &addr, Values: values}, nil
}
