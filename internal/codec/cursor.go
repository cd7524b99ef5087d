package codec

import (
	"encoding/hex"

	"github.com/pkg/errors"
)

// Cursor es una vista posicional e inmutable sobre el buffer de trabajo.
// Cada lectura devuelve un Cursor nuevo avanzado; el original no cambia,
// así que un decoder puede volver a cualquier offset guardado.
type Cursor struct {
	buf []byte
	off int
}

// NewCursor crea un cursor en el offset 0.
func NewCursor(buf []byte) Cursor {
	return Cursor{buf: buf}
}

func (c Cursor) Offset() int    { return c.off }
func (c Cursor) Len() int       { return len(c.buf) }
func (c Cursor) Remaining() int { return len(c.buf) - c.off }

// Bytes devuelve el buffer completo (no sólo lo pendiente).
func (c Cursor) Bytes() []byte { return c.buf }

// Extract devuelve los próximos n bytes y el cursor avanzado.
// El slice apunta al buffer; copiarlo si se va a retener.
func (c Cursor) Extract(n int) ([]byte, Cursor, error) {
	if n < 0 || c.off+n > len(c.buf) {
		return nil, c, errors.Wrapf(ErrOutOfBounds, "read %d bytes at offset %d (len=%d)", n, c.off, len(c.buf))
	}
	out := c.buf[c.off : c.off+n]
	c.off += n
	return out, c, nil
}

// ExtractUint lee n bytes (1..8) como entero sin signo big-endian.
func (c Cursor) ExtractUint(n int) (uint64, Cursor, error) {
	if n < 1 || n > 8 {
		return 0, c, errors.Wrapf(ErrRecordConsistency, "integer width %d at offset %d", n, c.off)
	}
	b, next, err := c.Extract(n)
	if err != nil {
		return 0, c, err
	}
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v, next, nil
}

// ExtractHex lee n bytes y los devuelve como hex en minúsculas.
func (c Cursor) ExtractHex(n int) (string, Cursor, error) {
	b, next, err := c.Extract(n)
	if err != nil {
		return "", c, err
	}
	return hex.EncodeToString(b), next, nil
}

// PeekByte mira el próximo byte sin avanzar.
func (c Cursor) PeekByte() (byte, bool) {
	if c.off >= len(c.buf) {
		return 0, false
	}
	return c.buf[c.off], true
}

// Seek mueve el cursor a un offset absoluto. Sólo se usa para rollback en resync
// y para saltar al final declarado de un elemento.
func (c Cursor) Seek(off int) (Cursor, error) {
	if off < 0 || off > len(c.buf) {
		return c, errors.Wrapf(ErrOutOfBounds, "seek to %d (len=%d)", off, len(c.buf))
	}
	c.off = off
	return c, nil
}

// Extend agrega bytes releídos del stream al final del buffer.
func (c Cursor) Extend(chunk []byte) Cursor {
	buf := make([]byte, len(c.buf), len(c.buf)+len(chunk))
	copy(buf, c.buf)
	c.buf = append(buf, chunk...)
	return c
}
