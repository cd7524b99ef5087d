package codec

import (
	"github.com/pkg/errors"

	"avl-collector/internal/codec/fmxxx"
)

const (
	// CodecExtended es el único codec soportado (Codec8 extendido, IDs de IO de 2 bytes).
	CodecExtended uint8 = 0x8E
	// HandshakeSentinel abre cada conexión.
	HandshakeSentinel = 0x000F
	// IMEILength es el largo por defecto del token de identidad.
	IMEILength = 17
	// DefaultBreakBudget es la cantidad de resyncs tolerados por sesión.
	DefaultBreakBudget = 5
	// BeaconEventCode como event IO id indica que el último bucket trae beacons.
	BeaconEventCode = fmxxx.BeaconData

	coordPrecision   = 10000000.0
	recordHeaderSize = 28
	wideBucketWidth  = 16
)

// Anchos de los buckets fijos, en orden de aparición en el registro.
var bucketWidths = [...]int{1, 2, 4, 8}

// TrailerPolicy define qué hacer con el conteo repetido y el CRC al final del frame.
type TrailerPolicy uint8

const (
	// TrailerVerify lee el trailer y valida conteo, largo y CRC.
	TrailerVerify TrailerPolicy = iota
	// TrailerIgnore no lee el trailer (comportamiento histórico).
	TrailerIgnore
)

// Options ajusta decisiones de compatibilidad del decoder.
type Options struct {
	// FirstBeaconOnly conserva sólo el primer beacon de cada elemento,
	// como hacía el colector anterior.
	FirstBeaconOnly bool
	// UnsignedCoordinates lee lng/lat sin signo (sin complemento a dos).
	UnsignedCoordinates bool
	Trailer             TrailerPolicy
}

// fieldReader encadena lecturas sobre un Cursor y guarda el primer error.
// Cualquier falla dentro de un registro se reporta como ErrRecordConsistency:
// para el resync un registro truncado y uno corrupto son lo mismo.
type fieldReader struct {
	cur Cursor
	err error
}

func (r *fieldReader) fail(field string, err error) {
	if r.err == nil {
		r.err = errors.Wrapf(ErrRecordConsistency, "%s at offset %d: %v", field, r.cur.Offset(), err)
	}
}

func (r *fieldReader) uint(field string, n int) uint64 {
	if r.err != nil {
		return 0
	}
	v, next, err := r.cur.ExtractUint(n)
	if err != nil {
		r.fail(field, err)
		return 0
	}
	r.cur = next
	return v
}

func (r *fieldReader) bytes(field string, n int) []byte {
	if r.err != nil {
		return nil
	}
	b, next, err := r.cur.Extract(n)
	if err != nil {
		r.fail(field, err)
		return nil
	}
	r.cur = next
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *fieldReader) hex(field string, n int) string {
	if r.err != nil {
		return ""
	}
	s, next, err := r.cur.ExtractHex(n)
	if err != nil {
		r.fail(field, err)
		return ""
	}
	r.cur = next
	return s
}

func (r *fieldReader) seek(field string, off int) {
	if r.err != nil {
		return
	}
	next, err := r.cur.Seek(off)
	if err != nil {
		r.fail(field, err)
		return
	}
	r.cur = next
}

// coordinate convierte el punto fijo crudo a grados.
func coordinate(raw uint32, unsigned bool) float64 {
	if unsigned {
		return float64(raw) / coordPrecision
	}
	return float64(int32(raw)) / coordPrecision
}

// decodeRecord lee un registro AVL completo desde c.
func decodeRecord(c Cursor, opts Options) (AVLRecord, Cursor, error) {
	r := &fieldReader{cur: c}

	ts := r.uint("timestamp", 8)
	rec := AVLRecord{
		TimestampMs: ts,
		Timestamp:   int64(ts / 1000),
		Priority:    uint8(r.uint("priority", 1)),
		Longitude:   coordinate(uint32(r.uint("longitude", 4)), opts.UnsignedCoordinates),
		Latitude:    coordinate(uint32(r.uint("latitude", 4)), opts.UnsignedCoordinates),
		Altitude:    uint16(r.uint("altitude", 2)),
		Course:      uint16(r.uint("course", 2)),
		Satellites:  uint8(r.uint("satellites", 1)),
		Speed:       uint16(r.uint("speed", 2)),
		EventIOID:   uint16(r.uint("event_io_id", 2)),
		TotalIO:     uint16(r.uint("io_total", 2)),
	}
	if r.err != nil {
		return AVLRecord{}, c, r.err
	}

	rec.IO = make(map[uint16]IOItem, rec.TotalIO)
	seen := 0
	for _, w := range bucketWidths {
		decodeIOBucket(r, w, &rec, &seen)
	}
	if rec.EventIOID == BeaconEventCode {
		decodeBeacons(r, &rec, &seen, opts)
	} else {
		decodeIOBucket(r, wideBucketWidth, &rec, &seen)
	}
	if r.err != nil {
		return AVLRecord{}, c, r.err
	}
	return rec, r.cur, nil
}

// checkIOTotal valida que la suma de pares no supere el total declarado.
func checkIOTotal(r *fieldReader, rec *AVLRecord, seen *int, count int) {
	if r.err != nil {
		return
	}
	*seen += count
	if *seen > int(rec.TotalIO) {
		r.err = errors.Wrapf(ErrRecordConsistency, "io bucket at offset %d: %d elements exceed declared total %d",
			r.cur.Offset(), *seen, rec.TotalIO)
	}
}

// decodeIOBucket lee un bucket de pares id/valor de ancho fijo. Un id repetido pisa al anterior.
func decodeIOBucket(r *fieldReader, width int, rec *AVLRecord, seen *int) {
	count := int(r.uint("io_count", 2))
	checkIOTotal(r, rec, seen, count)
	for i := 0; i < count && r.err == nil; i++ {
		id := uint16(r.uint("io_id", 2))
		item := IOItem{Size: width}
		if width <= 8 {
			item.Val = r.uint("io_value", width)
		} else {
			item.Raw = r.bytes("io_value", width)
		}
		if r.err == nil {
			rec.IO[id] = item
		}
	}
}
