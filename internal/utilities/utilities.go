package utilities

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// CreateLog agrega una línea "hh:mm:ss - message" al archivo diario
// <dir>/<prefix>_<yyyymmdd>.log, creando la carpeta si no existe.
func CreateLog(dir, prefix, message string, now time.Time) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create log dir %s", dir)
	}
	filename := filepath.Join(dir, prefix+"_"+now.Format("20060102")+".log")
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open %s", filename)
	}
	defer f.Close()

	if _, err := f.WriteString(now.Format("15:04:05") + " - " + message + "\n"); err != nil {
		return errors.Wrapf(err, "write %s", filename)
	}
	return nil
}

// RawLog guarda en hex cada chunk leído de los terminales. Un Dir vacío lo deshabilita.
type RawLog struct {
	Dir    string
	Prefix string
	Now    func() time.Time

	mu sync.Mutex
}

func NewRawLog(dir string) *RawLog {
	return &RawLog{Dir: dir, Prefix: "ALLTRACKINGS", Now: time.Now}
}

func (l *RawLog) Enabled() bool { return l != nil && l.Dir != "" }

// Capture tiene la firma de terminal.Session.OnChunk.
func (l *RawLog) Capture(imei string, chunk []byte) {
	_ = l.Write(imei, chunk)
}

func (l *RawLog) Write(imei string, chunk []byte) error {
	if !l.Enabled() || len(chunk) == 0 {
		return nil
	}
	if imei == "" {
		imei = "-"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return CreateLog(l.Dir, l.Prefix, imei+" "+hex.EncodeToString(chunk), l.Now())
}
