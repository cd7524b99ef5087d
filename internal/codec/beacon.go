package codec

import (
	"github.com/pkg/errors"
)

// Flags de beacon. Referencia: wiki de Teltonika, "Parsing of Beacon records".
const (
	FlagIBeacon              uint8 = 0x21
	FlagIBeaconBattery       uint8 = 0x23
	FlagIBeaconBatteryTemp   uint8 = 0x27
	FlagEddystone            uint8 = 0x01
	FlagEddystoneBattery     uint8 = 0x03
	FlagEddystoneBatteryTemp uint8 = 0x07
)

type beaconLayout struct {
	kind        BeaconKind
	battery     bool
	temperature bool
}

var beaconLayouts = map[uint8]beaconLayout{
	FlagIBeacon:              {IBeacon, false, false},
	FlagIBeaconBattery:       {IBeacon, true, false},
	FlagIBeaconBatteryTemp:   {IBeacon, true, true},
	FlagEddystone:            {Eddystone, false, false},
	FlagEddystoneBattery:     {Eddystone, true, false},
	FlagEddystoneBatteryTemp: {Eddystone, true, true},
}

// IsBeaconFlag indica si b es uno de los seis flags reconocidos.
func IsBeaconFlag(b uint8) bool {
	_, ok := beaconLayouts[b]
	return ok
}

// RSSI interpreta el byte como entero con signo en complemento a dos.
func RSSI(b uint8) int8 {
	return int8(b)
}

// decodeBeacons lee el bucket final cuando el event IO id es 385.
// Cada elemento declara su largo; el cursor siempre termina en ese límite.
func decodeBeacons(r *fieldReader, rec *AVLRecord, seen *int, opts Options) {
	count := int(r.uint("beacon_count", 2))
	checkIOTotal(r, rec, seen, count)
	for i := 0; i < count && r.err == nil; i++ {
		el := BeaconElement{IOID: uint16(r.uint("beacon_io_id", 2))}
		length := int(r.uint("beacon_length", 2))
		end := r.cur.Offset() + length
		parts := uint8(r.uint("beacon_parts", 1))
		el.Part, el.Parts = parts>>4, parts&0x0F

		for r.err == nil && r.cur.Offset() < end {
			flag, ok := r.cur.PeekByte()
			if !ok || !IsBeaconFlag(flag) {
				break
			}
			b := decodeBeacon(r)
			if r.err != nil {
				return
			}
			el.Beacons = append(el.Beacons, b)
			if opts.FirstBeaconOnly {
				break
			}
		}
		if r.err != nil {
			return
		}
		if r.cur.Offset() > end {
			r.err = errors.Wrapf(ErrRecordConsistency, "beacon element overruns declared length %d (offset %d > %d)",
				length, r.cur.Offset(), end)
			return
		}
		r.seek("beacon_end", end)
		if r.err == nil {
			rec.Beacons = append(rec.Beacons, el)
		}
	}
}

func decodeBeacon(r *fieldReader) Beacon {
	flag := uint8(r.uint("beacon_flag", 1))
	layout := beaconLayouts[flag]
	b := Beacon{Kind: layout.kind, Flag: flag}

	switch layout.kind {
	case IBeacon:
		copy(b.UUID[:], r.bytes("ibeacon_uuid", 16))
		b.Minor = uint16(r.uint("ibeacon_minor", 2))
		b.Major = uint16(r.uint("ibeacon_major", 2))
	case Eddystone:
		b.Namespace = r.hex("eddystone_namespace", 10)
		b.Instance = r.hex("eddystone_instance", 6)
	}
	b.RSSI = RSSI(uint8(r.uint("beacon_rssi", 1)))
	if layout.battery {
		v := uint16(r.uint("beacon_battery", 2))
		b.Battery = &v
	}
	if layout.temperature {
		v := uint16(r.uint("beacon_temperature", 2))
		b.Temperature = &v
	}
	return b
}
