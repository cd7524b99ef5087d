package codec

import (
	"encoding/binary"
	"encoding/hex"
	"maps"
	"math"
	"slices"
)

// EncodeFrame arma un frame Codec8E completo (preámbulo, largo, registros, trailer con CRC).
// Es la inversa del decoder para registros sintéticos; lo usan los tests y el simulador.
func EncodeFrame(records []AVLRecord) []byte {
	data := []byte{CodecExtended, uint8(len(records))}
	for i := range records {
		data = append(data, EncodeRecord(&records[i])...)
	}
	data = append(data, uint8(len(records)))

	out := make([]byte, 8, 8+len(data)+4)
	binary.BigEndian.PutUint32(out[4:], uint32(len(data)))
	out = append(out, data...)
	return binary.BigEndian.AppendUint32(out, uint32(Crc16IBM(data)))
}

// EncodeRecord serializa un registro. TotalIO se recalcula a partir de IO y Beacons;
// los ids se escriben ordenados dentro de cada bucket.
func EncodeRecord(rec *AVLRecord) []byte {
	beacon := rec.EventIOID == BeaconEventCode
	total := len(rec.IO)
	if beacon {
		total += len(rec.Beacons)
	}

	out := binary.BigEndian.AppendUint64(nil, rec.TimestampMs)
	out = append(out, rec.Priority)
	out = binary.BigEndian.AppendUint32(out, fixedPoint(rec.Longitude))
	out = binary.BigEndian.AppendUint32(out, fixedPoint(rec.Latitude))
	out = binary.BigEndian.AppendUint16(out, rec.Altitude)
	out = binary.BigEndian.AppendUint16(out, rec.Course)
	out = append(out, rec.Satellites)
	out = binary.BigEndian.AppendUint16(out, rec.Speed)
	out = binary.BigEndian.AppendUint16(out, rec.EventIOID)
	out = binary.BigEndian.AppendUint16(out, uint16(total))

	ids := slices.Sorted(maps.Keys(rec.IO))
	for _, w := range bucketWidths {
		out = appendBucket(out, rec.IO, ids, w)
	}
	if beacon {
		return appendBeacons(out, rec.Beacons)
	}
	return appendBucket(out, rec.IO, ids, wideBucketWidth)
}

func fixedPoint(deg float64) uint32 {
	return uint32(int32(math.Round(deg * coordPrecision)))
}

func appendBucket(out []byte, io map[uint16]IOItem, ids []uint16, width int) []byte {
	var n uint16
	for _, id := range ids {
		if io[id].Size == width {
			n++
		}
	}
	out = binary.BigEndian.AppendUint16(out, n)
	for _, id := range ids {
		item := io[id]
		if item.Size != width {
			continue
		}
		out = binary.BigEndian.AppendUint16(out, id)
		if width == wideBucketWidth {
			raw := make([]byte, wideBucketWidth)
			copy(raw, item.Raw)
			out = append(out, raw...)
			continue
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], item.Val)
		out = append(out, buf[8-width:]...)
	}
	return out
}

func appendBeacons(out []byte, elems []BeaconElement) []byte {
	out = binary.BigEndian.AppendUint16(out, uint16(len(elems)))
	for _, el := range elems {
		body := []byte{el.Part<<4 | el.Parts&0x0F}
		for i := range el.Beacons {
			body = appendBeacon(body, &el.Beacons[i])
		}
		id := el.IOID
		if id == 0 {
			id = BeaconEventCode
		}
		out = binary.BigEndian.AppendUint16(out, id)
		out = binary.BigEndian.AppendUint16(out, uint16(len(body)))
		out = append(out, body...)
	}
	return out
}

func appendBeacon(out []byte, b *Beacon) []byte {
	flag := b.Flag
	if !IsBeaconFlag(flag) {
		flag = flagFor(b)
	}
	out = append(out, flag)
	switch beaconLayouts[flag].kind {
	case IBeacon:
		out = append(out, b.UUID[:]...)
		out = binary.BigEndian.AppendUint16(out, b.Minor)
		out = binary.BigEndian.AppendUint16(out, b.Major)
	case Eddystone:
		out = append(out, hexField(b.Namespace, 10)...)
		out = append(out, hexField(b.Instance, 6)...)
	}
	out = append(out, uint8(b.RSSI))
	layout := beaconLayouts[flag]
	if layout.battery {
		out = binary.BigEndian.AppendUint16(out, deref(b.Battery))
	}
	if layout.temperature {
		out = binary.BigEndian.AppendUint16(out, deref(b.Temperature))
	}
	return out
}

// flagFor deduce el flag cuando el beacon se armó a mano sin Flag.
func flagFor(b *Beacon) uint8 {
	var flag uint8 = FlagIBeacon
	if b.Kind == Eddystone {
		flag = FlagEddystone
	}
	if b.Battery != nil {
		flag |= 0x02
		if b.Temperature != nil {
			flag |= 0x04
		}
	}
	return flag
}

func hexField(s string, n int) []byte {
	out := make([]byte, n)
	b, _ := hex.DecodeString(s)
	copy(out, b)
	return out
}

func deref(v *uint16) uint16 {
	if v == nil {
		return 0
	}
	return *v
}
