package message

import (
	"testing"

	"github.com/opennetty/opennetty-core/internal/frame"
)

func TestClassificationTable(t *testing.T) {
	cases := []struct {
		name     string
		protocol Protocol
		fr       frame.Frame
		want     Type
	}{
		{"nack", Scs, frame.New(frame.NewField("", ""), frame.NewField("0")), NegativeAcknowledgement},
		{"ack", Scs, frame.New(frame.NewField("", ""), frame.NewField("1")), Acknowledgement},
		{"busy nack zigbee", Zigbee, frame.New(frame.NewField("", ""), frame.NewField("6")), BusyNegativeAcknowledgement},
		{"status request", Scs, frame.New(frame.NewField("", "1"), frame.NewField("7")), StatusRequest},
		{"bus command", Scs, frame.New(frame.NewField("1"), frame.NewField("0"), frame.NewField("7")), BusCommand},
		{"dimension request", Scs, frame.New(frame.NewField("", "1"), frame.NewField("7"), frame.NewField("16")), DimensionRequest},
		{"dimension read", Scs, frame.New(frame.NewField("", "1"), frame.NewField("7"), frame.NewField("16"), frame.NewField("20")), DimensionRead},
		{"dimension set", Scs, frame.New(frame.NewField("", "1"), frame.NewField("7"), frame.NewField("", "16"), frame.NewField("20")), DimensionSet},
		{"unknown", Scs, frame.New(frame.NewField("1", "2")), Unknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m, err := FromFrame(c.protocol, c.fr)
			if err != nil {
				t.Fatalf("FromFrame returned error: %v", err)
			}
			if m.Type != c.want {
				t.Fatalf("got type %s, want %s", m.Type, c.want)
			}
		})
	}
}

func TestBusyNackRejectedOnNonZigbee(t *testing.T) {
	fr := frame.New(frame.NewField("", ""), frame.NewField("6"))
	if _, err := FromFrame(Scs, fr); err == nil {
		t.Fatal("expected an error classifying BUSY-NACK on a non-Zigbee protocol")
	}
}

func TestNitooAddressBijection(t *testing.T) {
	for id := uint32(0); id <= 300; id += 37 {
		for unit := uint8(0); unit <= 15; unit++ {
			a, err := FromNitoo(id, unit)
			if err != nil {
				t.Fatalf("FromNitoo(%d,%d) error: %v", id, unit, err)
			}
			gotID, gotUnit, err := ToNitoo(a)
			if err != nil {
				t.Fatalf("ToNitoo error: %v", err)
			}
			if gotID != id || gotUnit != unit {
				t.Fatalf("round trip mismatch: got (%d,%d), want (%d,%d)", gotID, gotUnit, id, unit)
			}
		}
	}
}

func TestScsPointToPointBijection(t *testing.T) {
	for area := 0; area <= 10; area++ {
		for point := 1; point <= 15; point++ {
			for ext := 0; ext <= 15; ext += 3 {
				a, err := FromScsPointToPoint(area, point, ext)
				if err != nil {
					t.Fatalf("FromScsPointToPoint error: %v", err)
				}
				gotArea, gotPoint, gotExt, err := ToScsPointToPoint(a)
				if err != nil {
					t.Fatalf("ToScsPointToPoint error: %v", err)
				}
				if gotArea != area || gotPoint != point || gotExt != ext {
					t.Fatalf("round trip mismatch: got (%d,%d,%d), want (%d,%d,%d)",
						gotArea, gotPoint, gotExt, area, point, ext)
				}
			}
		}
	}
}

func TestZigbeeAddressBijection(t *testing.T) {
	for deviceID := uint32(0); deviceID <= 5000; deviceID += 777 {
		for unit := uint8(0); unit <= 99; unit += 11 {
			a, err := FromZigbeeDevice(deviceID, unit)
			if err != nil {
				t.Fatalf("FromZigbeeDevice error: %v", err)
			}
			gotID, gotUnit, err := ToZigbee(a)
			if err != nil {
				t.Fatalf("ToZigbee error: %v", err)
			}
			if gotID != deviceID || gotUnit != unit {
				t.Fatalf("round trip mismatch: got (%d,%d), want (%d,%d)", gotID, gotUnit, deviceID, unit)
			}
		}
	}
}

func TestNitooAddressRoundTripScenario(t *testing.T) {
	a, err := FromNitoo(1234, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Value != "19749" || a.Kind != NitooUnit {
		t.Fatalf("got value=%s kind=%s, want value=19749 kind=NitooUnit", a.Value, a.Kind)
	}
	id, unit, err := ToNitoo(a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 1234 || unit != 5 {
		t.Fatalf("got (%d,%d), want (1234,5)", id, unit)
	}
}

func TestZigbeeWhereDerivation(t *testing.T) {
	fr := frame.New(frame.NewField("", "2"), frame.NewField("0", "01234500", "9"), frame.NewField("16"))
	m, err := FromFrame(Zigbee, fr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Mode == nil || *m.Mode != Broadcast {
		t.Fatalf("got mode %v, want Broadcast", m.Mode)
	}
	if m.Medium != Radio {
		t.Fatalf("got medium %s, want Radio", m.Medium)
	}
	if m.Address == nil || m.Address.Kind != ZigbeeSpecificDeviceAllUnits || m.Address.Value != "01234500" {
		t.Fatalf("got address %+v, want ZigbeeSpecificDeviceAllUnits/01234500", m.Address)
	}
}

func TestZigbeeWhereDerivationAllDevicesAllUnits(t *testing.T) {
	fr := frame.New(frame.NewField("", "2"), frame.NewField("00", "9"), frame.NewField("16"))
	m, err := FromFrame(Zigbee, fr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Address == nil || m.Address.Kind != ZigbeeAllDevicesAllUnits {
		t.Fatalf("got address %+v, want ZigbeeAllDevicesAllUnits", m.Address)
	}
}

func TestBusCommandConstructorScenario(t *testing.T) {
	area, err := FromScsArea(7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cmd := NewCommand(NewCategory(WhoLighting), "0")
	m := NewBusCommand(Scs, cmd, area)
	want := "*1*0*7##"
	if string(m.Frame.Bytes()) != want {
		t.Fatalf("got %q, want %q", m.Frame.Bytes(), want)
	}
}

func TestDimensionSetRequiresValues(t *testing.T) {
	dim := NewDimension(NewCategory(WhoLighting), "16")
	addr, _ := FromScsArea(7)
	if _, err := NewDimensionSet(Scs, dim, addr, nil); err == nil {
		t.Fatal("expected an error for an empty values slice")
	}
}
