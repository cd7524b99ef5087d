package codec

import (
	"github.com/pkg/errors"
)

// Errores del decodificador. Los wrappers agregan offset y campo; comparar siempre con errors.Is.
var (
	// ErrConnectionRejected: sentinel 0x000F incorrecto o IMEI ilegible.
	ErrConnectionRejected = errors.New("connection rejected")
	// ErrTimeout: no llegaron datos dentro de la ventana de lectura.
	ErrTimeout = errors.New("read timeout")
	// ErrRecordConsistency: un campo no se pudo leer como número consistente.
	// Es el único error que dispara resync.
	ErrRecordConsistency = errors.New("record consistency error")
	// ErrBreakBudgetExceeded: se agotaron los reintentos de resync.
	ErrBreakBudgetExceeded = errors.New("break budget exceeded")
	// ErrOutOfBounds: el cursor intentó leer más allá del buffer.
	ErrOutOfBounds = errors.New("cursor out of bounds")
	// ErrStreamClosed: el terminal cerró la conexión.
	ErrStreamClosed = errors.New("stream closed")
	// ErrInvalidFrame: preámbulo, codec o conteos del frame inválidos.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrChecksum: CRC del trailer no coincide.
	ErrChecksum = errors.New("checksum mismatch")
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrConnectionRejected, "connection_rejected"},
	{ErrTimeout, "timeout"},
	{ErrBreakBudgetExceeded, "break_budget_exceeded"},
	{ErrRecordConsistency, "record_consistency"},
	{ErrOutOfBounds, "out_of_bounds"},
	{ErrStreamClosed, "stream_closed"},
	{ErrInvalidFrame, "invalid_frame"},
	{ErrChecksum, "checksum"},
}

// Kind devuelve una etiqueta estable para métricas y logs.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "unknown"
}

// IsTerminal indica si el error termina la sesión. Sólo las fallas de consistencia
// se recuperan localmente.
func IsTerminal(err error) bool {
	return err != nil && !errors.Is(err, ErrRecordConsistency)
}
