package codec

import (
	"encoding/binary"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// ReadHandshake lee el sentinel 0x000F y el IMEI de imeiLen bytes.
// Los timeouts se devuelven tal cual; cualquier otra falla es ErrConnectionRejected.
func ReadHandshake(r io.Reader, imeiLen int) (string, error) {
	if imeiLen <= 0 {
		imeiLen = IMEILength
	}
	var hdr [2]byte
	if err := readFull(r, hdr[:]); err != nil {
		return "", errors.WithMessage(err, "handshake sentinel")
	}
	if v := binary.BigEndian.Uint16(hdr[:]); v != HandshakeSentinel {
		return "", errors.Wrapf(ErrConnectionRejected, "sentinel 0x%04x, expected 0x%04x", v, HandshakeSentinel)
	}

	raw := make([]byte, imeiLen)
	if err := readFull(r, raw); err != nil {
		return "", errors.WithMessage(err, "handshake imei")
	}
	return ParseIMEI(raw)
}

func readFull(r io.Reader, b []byte) error {
	_, err := io.ReadFull(r, b)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTimeout):
		return err
	default:
		return errors.Wrapf(ErrConnectionRejected, "unreadable: %v", err)
	}
}

// ParseIMEI limpia NUL y espacios en los extremos y exige ASCII imprimible
// sin espacios; normalmente son dígitos, pero se acepta cualquier token legible.
func ParseIMEI(raw []byte) (string, error) {
	imei := strings.Trim(string(raw), "\x00 \t\r\n")
	if imei == "" {
		return "", errors.Wrap(ErrConnectionRejected, "empty imei")
	}
	for i := 0; i < len(imei); i++ {
		if imei[i] < 0x21 || imei[i] > 0x7E {
			return "", errors.Wrapf(ErrConnectionRejected, "imei %q is not printable ascii", imei)
		}
	}
	return imei, nil
}

// EncodeHandshake arma el saludo que envía un terminal: sentinel + IMEI
// rellenado con NUL a la izquierda hasta IMEILength.
func EncodeHandshake(imei string) []byte {
	out := make([]byte, 2, 2+IMEILength)
	binary.BigEndian.PutUint16(out, HandshakeSentinel)
	if pad := IMEILength - len(imei); pad > 0 {
		out = append(out, make([]byte, pad)...)
	}
	return append(out, imei...)
}
