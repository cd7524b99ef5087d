package codec

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// IOItem es el valor de un IO. Val cubre anchos 1..8; Raw sólo se llena para el bucket de 16 bytes.
type IOItem struct {
	Size int    `json:"size" cbor:"1,keyasint"`
	Val  uint64 `json:"val,omitempty" cbor:"2,keyasint,omitempty"`
	Raw  HexRaw `json:"raw,omitempty" cbor:"3,keyasint,omitempty"`
}

// HexRaw serializa bytes como hex en JSON.
type HexRaw []byte

func (r HexRaw) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(r)), nil
}

func (r *HexRaw) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	*r = b
	return nil
}

type AVLRecord struct {
	TimestampMs uint64            `json:"timestamp_ms" cbor:"1,keyasint"`
	Timestamp   int64             `json:"timestamp" cbor:"2,keyasint"` // segundos
	Priority    uint8             `json:"priority" cbor:"3,keyasint"`
	Longitude   float64           `json:"longitude" cbor:"4,keyasint"`
	Latitude    float64           `json:"latitude" cbor:"5,keyasint"`
	Altitude    uint16            `json:"altitude" cbor:"6,keyasint"`
	Course      uint16            `json:"course" cbor:"7,keyasint"`
	Satellites  uint8             `json:"satellites" cbor:"8,keyasint"`
	Speed       uint16            `json:"speed" cbor:"9,keyasint"`
	EventIOID   uint16            `json:"event_io_id" cbor:"10,keyasint"`
	TotalIO     uint16            `json:"total_io" cbor:"11,keyasint"`
	IO          map[uint16]IOItem `json:"io" cbor:"12,keyasint"`
	Beacons     []BeaconElement   `json:"beacons,omitempty" cbor:"13,keyasint,omitempty"`
}

// Time devuelve el timestamp de captura en UTC con resolución de milisegundos.
func (r *AVLRecord) Time() time.Time {
	return time.UnixMilli(int64(r.TimestampMs)).UTC()
}

// BeaconKind distingue las dos familias de beacons BLE.
type BeaconKind uint8

const (
	IBeacon BeaconKind = iota + 1
	Eddystone
)

func (k BeaconKind) String() string {
	switch k {
	case IBeacon:
		return "ibeacon"
	case Eddystone:
		return "eddystone"
	default:
		return "unknown"
	}
}

func (k BeaconKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *BeaconKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "ibeacon":
		*k = IBeacon
	case "eddystone":
		*k = Eddystone
	default:
		*k = 0
	}
	return nil
}

// Beacon es un sub-registro BLE. Battery y Temperature son nil cuando el flag no los incluye.
type Beacon struct {
	Kind        BeaconKind `json:"kind" cbor:"1,keyasint"`
	Flag        uint8      `json:"flag" cbor:"2,keyasint"`
	UUID        uuid.UUID  `json:"uuid,omitempty" cbor:"3,keyasint,omitempty"`
	Minor       uint16     `json:"minor,omitempty" cbor:"4,keyasint,omitempty"`
	Major       uint16     `json:"major,omitempty" cbor:"5,keyasint,omitempty"`
	Namespace   string     `json:"namespace,omitempty" cbor:"6,keyasint,omitempty"`
	Instance    string     `json:"instance,omitempty" cbor:"7,keyasint,omitempty"`
	RSSI        int8       `json:"rssi" cbor:"8,keyasint"`
	Battery     *uint16    `json:"battery,omitempty" cbor:"9,keyasint,omitempty"`     // mV
	Temperature *uint16    `json:"temperature,omitempty" cbor:"10,keyasint,omitempty"` // valor crudo
}

// BeaconElement agrupa los beacons de un IO 385. Part/Parts vienen de los nibbles
// del byte de partes; no se reensamblan elementos multiparte.
type BeaconElement struct {
	IOID    uint16   `json:"io_id" cbor:"1,keyasint"`
	Part    uint8    `json:"part" cbor:"2,keyasint"`
	Parts   uint8    `json:"parts" cbor:"3,keyasint"`
	Beacons []Beacon `json:"beacons" cbor:"4,keyasint"`
}

// Frame es el encabezado de un paquete AVL. No se retiene tras decodificar.
type Frame struct {
	Preamble    uint32 `json:"preamble"`
	DataLength  uint32 `json:"data_len"`
	CodecID     uint8  `json:"codec_id"`
	RecordCount uint8  `json:"qty1"`
	TrailerQty  uint8  `json:"qty2"`
	CRC         uint32 `json:"crc"`
}
