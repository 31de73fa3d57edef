package message

import (
	"fmt"
	"strconv"

	"github.com/opennetty/opennetty-core/internal/opnerr"
)

// AddressKind is one of the ten WHERE-field address variants across the
// three protocol families.
type AddressKind int

const (
	NitooDevice AddressKind = iota
	NitooUnit
	ScsGeneral
	ScsArea
	ScsGroup
	ScsPointToPoint
	ZigbeeAllDevicesAllUnits
	ZigbeeAllDevicesSpecificUnit
	ZigbeeSpecificDeviceAllUnits
	ZigbeeSpecificDeviceSpecificUnit
)

func (k AddressKind) String() string {
	names := [...]string{
		"NitooDevice", "NitooUnit", "ScsGeneral", "ScsArea", "ScsGroup",
		"ScsPointToPoint", "ZigbeeAllDevicesAllUnits", "ZigbeeAllDevicesSpecificUnit",
		"ZigbeeSpecificDeviceAllUnits", "ZigbeeSpecificDeviceSpecificUnit",
	}
	if int(k) < 0 || int(k) >= len(names) {
		return fmt.Sprintf("AddressKind(%d)", int(k))
	}
	return names[k]
}

// Address is a tagged union over the WHERE-field address variants. Value
// and each entry of Parameters are digit-only strings; which variant
// populates which field is documented per constructor below.
type Address struct {
	Kind       AddressKind
	Value      string
	Parameters []string
}

const nitooMaxIdentifier = 1 << 24

// FromNitoo packs a Nitoo device identifier and unit into an Address.
// identifier must be <= 2^24 and unit in 0..15. unit == 0 denotes the
// device itself (NitooDevice); any other unit selects NitooUnit.
func FromNitoo(identifier uint32, unit uint8) (Address, error) {
	if identifier > nitooMaxIdentifier {
		return Address{}, opnerr.New(opnerr.InvalidNitooAddress, "identifier exceeds 2^24")
	}
	if unit > 15 {
		return Address{}, opnerr.New(opnerr.InvalidNitooAddress, "unit exceeds 15")
	}
	packed := identifier*16 + uint32(unit)
	kind := NitooDevice
	if unit != 0 {
		kind = NitooUnit
	}
	return Address{Kind: kind, Value: strconv.FormatUint(uint64(packed), 10)}, nil
}

// ToNitoo inverts FromNitoo.
func ToNitoo(a Address) (identifier uint32, unit uint8, err error) {
	if a.Kind != NitooDevice && a.Kind != NitooUnit {
		return 0, 0, opnerr.New(opnerr.InvalidNitooAddress, "not a Nitoo address")
	}
	v, perr := strconv.ParseUint(a.Value, 10, 32)
	if perr != nil {
		return 0, 0, opnerr.Wrap(opnerr.InvalidNitooAddress, "value is not a valid integer", perr)
	}
	return uint32(v / 16), uint8(v % 16), nil
}

// FromScsArea builds an SCS area address. area is 0..10; area 0 is
// distinguished from ScsGeneral by using the two-digit form "00".
func FromScsArea(area int) (Address, error) {
	if area < 0 || area > 10 {
		return Address{}, opnerr.New(opnerr.InvalidScsAddress, "area out of range 0..10")
	}
	if area == 0 {
		return Address{Kind: ScsArea, Value: "00"}, nil
	}
	return Address{Kind: ScsArea, Value: strconv.Itoa(area)}, nil
}

// ToScsArea inverts FromScsArea.
func ToScsArea(a Address) (int, error) {
	if a.Kind != ScsArea {
		return 0, opnerr.New(opnerr.InvalidScsAddress, "not an SCS area address")
	}
	v, err := strconv.Atoi(a.Value)
	if err != nil {
		return 0, opnerr.Wrap(opnerr.InvalidScsAddress, "value is not a valid integer", err)
	}
	return v, nil
}

// NewScsGeneral is the whole-system SCS address.
func NewScsGeneral() Address {
	return Address{Kind: ScsGeneral, Value: "0"}
}

// FromScsGroup builds an SCS group address, group 1..9.
func FromScsGroup(group int) (Address, error) {
	if group < 1 || group > 9 {
		return Address{}, opnerr.New(opnerr.InvalidScsAddress, "group out of range 1..9")
	}
	return Address{Kind: ScsGroup, Value: strconv.Itoa(group), Parameters: []string{""}}, nil
}

// ToScsGroup inverts FromScsGroup.
func ToScsGroup(a Address) (int, error) {
	if a.Kind != ScsGroup {
		return 0, opnerr.New(opnerr.InvalidScsAddress, "not an SCS group address")
	}
	v, err := strconv.Atoi(a.Value)
	if err != nil {
		return 0, opnerr.Wrap(opnerr.InvalidScsAddress, "value is not a valid integer", err)
	}
	return v, nil
}

// FromScsPointToPoint packs an SCS point-to-point address: area 0..10,
// point 1..15, extension 0..15, into a single packed decimal Value so
// the triple can be recovered exactly by ToScsPointToPoint.
func FromScsPointToPoint(area, point, ext int) (Address, error) {
	if area < 0 || area > 10 {
		return Address{}, opnerr.New(opnerr.InvalidScsAddress, "area out of range 0..10")
	}
	if point < 1 || point > 15 {
		return Address{}, opnerr.New(opnerr.InvalidScsAddress, "point out of range 1..15")
	}
	if ext < 0 || ext > 15 {
		return Address{}, opnerr.New(opnerr.InvalidScsAddress, "extension out of range 0..15")
	}
	packed := area*256 + point*16 + ext
	return Address{Kind: ScsPointToPoint, Value: strconv.Itoa(packed)}, nil
}

// ToScsPointToPoint inverts FromScsPointToPoint.
func ToScsPointToPoint(a Address) (area, point, ext int, err error) {
	if a.Kind != ScsPointToPoint {
		return 0, 0, 0, opnerr.New(opnerr.InvalidScsAddress, "not an SCS point-to-point address")
	}
	v, perr := strconv.Atoi(a.Value)
	if perr != nil {
		return 0, 0, 0, opnerr.Wrap(opnerr.InvalidScsAddress, "value is not a valid integer", perr)
	}
	return v / 256, (v / 16) % 16, v % 16, nil
}

// FromZigbeeUnit builds an all-devices Zigbee address: unit == 0 means
// every unit on every device (ZigbeeAllDevicesAllUnits); any other unit
// (<= 99) selects that unit on every device.
func FromZigbeeUnit(unit uint8) (Address, error) {
	if unit > 99 {
		return Address{}, opnerr.New(opnerr.InvalidZigbeeAddress, "unit exceeds 99")
	}
	if unit == 0 {
		return Address{Kind: ZigbeeAllDevicesAllUnits, Value: "00"}, nil
	}
	return Address{Kind: ZigbeeAllDevicesSpecificUnit, Value: fmt.Sprintf("%02d", unit)}, nil
}

// FromZigbeeDevice builds a specific-device Zigbee address. deviceID is
// packed as a 6-digit decimal; unit == 0 means every unit on that device
// (ZigbeeSpecificDeviceAllUnits), any other unit (<= 99) a specific one.
func FromZigbeeDevice(deviceID uint32, unit uint8) (Address, error) {
	if deviceID > 999999 {
		return Address{}, opnerr.New(opnerr.InvalidZigbeeAddress, "deviceID exceeds 6 digits")
	}
	if unit > 99 {
		return Address{}, opnerr.New(opnerr.InvalidZigbeeAddress, "unit exceeds 99")
	}
	value := fmt.Sprintf("%06d%02d", deviceID, unit)
	kind := ZigbeeSpecificDeviceSpecificUnit
	if unit == 0 {
		kind = ZigbeeSpecificDeviceAllUnits
	}
	return Address{Kind: kind, Value: value}, nil
}

// ToZigbee inverts FromZigbeeUnit/FromZigbeeDevice, returning the device
// id (0 for the all-devices variants) and the unit.
func ToZigbee(a Address) (deviceID uint32, unit uint8, err error) {
	switch a.Kind {
	case ZigbeeAllDevicesAllUnits:
		return 0, 0, nil
	case ZigbeeAllDevicesSpecificUnit:
		v, perr := strconv.Atoi(a.Value)
		if perr != nil {
			return 0, 0, opnerr.Wrap(opnerr.InvalidZigbeeAddress, "value is not a valid integer", perr)
		}
		return 0, uint8(v), nil
	case ZigbeeSpecificDeviceAllUnits, ZigbeeSpecificDeviceSpecificUnit:
		if len(a.Value) != 8 {
			return 0, 0, opnerr.New(opnerr.InvalidZigbeeAddress, "device value must be 8 digits")
		}
		d, derr := strconv.ParseUint(a.Value[:6], 10, 32)
		if derr != nil {
			return 0, 0, opnerr.Wrap(opnerr.InvalidZigbeeAddress, "device id is not a valid integer", derr)
		}
		u, uerr := strconv.ParseUint(a.Value[6:], 10, 8)
		if uerr != nil {
			return 0, 0, opnerr.Wrap(opnerr.InvalidZigbeeAddress, "unit is not a valid integer", uerr)
		}
		return uint32(d), uint8(u), nil
	default:
		return 0, 0, opnerr.New(opnerr.InvalidZigbeeAddress, "not a Zigbee address")
	}
}

// classifyZigbeeValue derives the address sub-kind from the raw A
// parameter of a parsed WHERE field, per the rule: 2 digits "00" is
// all-all, 2 digits otherwise is all-specific-unit, more than 2 digits
// ending in "00" is specific-all, anything else is specific-specific.
func classifyZigbeeValue(a string) AddressKind {
	if len(a) <= 2 {
		if a == "00" || a == "0" {
			return ZigbeeAllDevicesAllUnits
		}
		return ZigbeeAllDevicesSpecificUnit
	}
	if a[len(a)-2:] == "00" {
		return ZigbeeSpecificDeviceAllUnits
	}
	return ZigbeeSpecificDeviceSpecificUnit
}
