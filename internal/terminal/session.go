package terminal

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"

	"avl-collector/internal/codec"
	"avl-collector/internal/observability"
)

// Conn es lo mínimo que la sesión necesita del socket.
type Conn interface {
	io.Reader
	io.Writer
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

// Settings son los parámetros de una sesión.
type Settings struct {
	IMEILength  int
	BreakBudget int
	ReadTimeout time.Duration
	ReadChunk   int
	KeepAlive   bool // atender más de un frame por conexión
	Options     codec.Options
}

func DefaultSettings() Settings {
	return Settings{
		IMEILength:  codec.IMEILength,
		BreakBudget: codec.DefaultBreakBudget,
		ReadTimeout: 15 * time.Second,
		ReadChunk:   8192,
	}
}

// Result es lo que una sesión entrega al dispatcher.
type Result struct {
	IMEI       string            `json:"imei"`
	RemoteAddr string            `json:"remote_addr"`
	Records    []codec.AVLRecord `json:"records"`
	Success    bool              `json:"success"`
	Errors     []string          `json:"errors,omitempty"`
	Frames     int               `json:"frames"`
	Breaks     int               `json:"breaks"`
}

// Session atiende una conexión de un terminal: handshake, frames y acks.
type Session struct {
	conn   Conn
	cfg    Settings
	logger *slog.Logger
	dec    *codec.FrameDecoder

	// OnChunk recibe cada chunk leído del socket (captura cruda).
	OnChunk func(imei string, chunk []byte)

	imei    string
	pending []byte
	records []codec.AVLRecord
	errs    []string
	success bool
	frames  int
}

func NewSession(conn Conn, cfg Settings, logger *slog.Logger) *Session {
	if cfg.IMEILength <= 0 {
		cfg.IMEILength = codec.IMEILength
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.ReadChunk <= 0 {
		cfg.ReadChunk = 8192
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		conn:    conn,
		cfg:     cfg,
		logger:  logger.With("component", "session", "remote", addrString(conn)),
		success: true,
	}
	s.dec = codec.NewFrameDecoder(cfg.BreakBudget, cfg.Options, s.readChunk)
	return s
}

func (s *Session) IMEI() string { return s.imei }

// Handshake lee el IMEI y responde 0x01. Un error aquí termina la sesión
// y el terminal recibe el ack en cero.
func (s *Session) Handshake() error {
	imei, err := codec.ReadHandshake(readerFunc(s.read), s.cfg.IMEILength)
	if err != nil {
		observability.HandshakeRejected.Inc()
		s.fail(err)
		_ = s.ack(0, false)
		return err
	}
	if err := s.write([]byte{0x01}); err != nil {
		s.fail(err)
		return err
	}
	s.imei = imei
	s.logger = s.logger.With("imei", imei)
	observability.HandshakeOK.Inc()
	s.logger.Info("handshake ok")
	return nil
}

// ReadFrame decodifica el próximo frame. Devuelve nil si no llegó ningún byte.
func (s *Session) ReadFrame() (*codec.FrameResult, error) {
	buf := s.pending
	s.pending = nil
	if len(buf) == 0 {
		chunk, err := s.readChunk()
		if err != nil {
			return nil, err
		}
		buf = chunk
	}

	start := time.Now()
	res, err := s.dec.Decode(buf)
	observability.ObserveParseLatency(start)
	observability.PacketsRecv.Inc()
	observability.Resyncs.Add(float64(len(res.Faults)))

	s.frames++
	s.records = append(s.records, res.Records...)
	for _, f := range res.Faults {
		s.errs = append(s.errs, f.Error())
		observability.DecodeErrors.WithLabelValues(codec.Kind(f)).Inc()
	}
	s.pending = res.Leftover
	return res, err
}

// Run atiende la conexión completa. Sin KeepAlive procesa un único frame.
// Toda falla termina con el ack de 4 bytes en cero; en KeepAlive, un cierre o
// timeout entre frames es un fin normal y no lleva ack.
func (s *Session) Run(ctx context.Context) *Result {
	if err := s.Handshake(); err != nil {
		s.logger.Warn("handshake rejected", "err", err)
		return s.Result()
	}
	return s.Serve(ctx)
}

// Serve lee frames y responde acks tras un Handshake exitoso.
func (s *Session) Serve(ctx context.Context) *Result {
	for {
		res, err := s.ReadFrame()
		if res == nil {
			if s.frames > 0 && idleClose(err) {
				s.logger.Debug("terminal idle, closing", "frames", s.frames)
				break
			}
			s.fail(err)
			_ = s.ack(0, false)
			s.logger.Warn("no data received", "err", err)
			break
		}

		if err != nil {
			s.fail(err)
			_ = s.ack(0, false)
			s.logger.Warn("frame aborted", "err", err, "decoded", res.Decoded(),
				"declared", res.Frame.RecordCount, "breaks", s.dec.Breaks())
			break
		}
		if err := s.ack(res.Decoded(), true); err != nil {
			s.fail(err)
			break
		}
		observability.RecordsAck.Add(float64(res.Decoded()))
		s.logger.Info("frame decoded", "records", res.Decoded(), "breaks", s.dec.Breaks())

		if !s.cfg.KeepAlive || ctx.Err() != nil {
			break
		}
	}
	return s.Result()
}

func (s *Session) Result() *Result {
	return &Result{
		IMEI:       s.imei,
		RemoteAddr: addrString(s.conn),
		Records:    s.records,
		Success:    s.success,
		Errors:     s.errs,
		Frames:     s.frames,
		Breaks:     s.dec.Breaks(),
	}
}

func (s *Session) ack(decoded int, success bool) error {
	return s.write(codec.Ack(decoded, success))
}

// write aplica la misma ventana de timeout que las lecturas.
func (s *Session) write(b []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout))
	if _, err := s.conn.Write(b); err != nil {
		return errors.Wrap(codec.ErrStreamClosed, err.Error())
	}
	return nil
}

func (s *Session) fail(err error) {
	s.success = false
	s.errs = append(s.errs, err.Error())
	observability.DecodeErrors.WithLabelValues(codec.Kind(err)).Inc()
}

// readChunk lee hasta ReadChunk bytes con la ventana de timeout. También es el
// Refill del decoder.
func (s *Session) readChunk() ([]byte, error) {
	buf := make([]byte, s.cfg.ReadChunk)
	n, err := s.read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil {
		err = errors.Wrap(codec.ErrStreamClosed, "empty read")
	}
	return nil, err
}

// read aplica el deadline y traduce los errores del socket a los del codec.
func (s *Session) read(p []byte) (int, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
		return 0, errors.Wrap(codec.ErrStreamClosed, err.Error())
	}
	n, err := s.conn.Read(p)
	if n > 0 && s.OnChunk != nil {
		s.OnChunk(s.imei, p[:n])
	}
	if err == nil || n > 0 {
		return n, nil
	}
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout(), errors.Is(err, os.ErrDeadlineExceeded):
		return n, errors.Wrapf(codec.ErrTimeout, "no data in %s", s.cfg.ReadTimeout)
	case errors.Is(err, io.EOF):
		return n, errors.Wrap(codec.ErrStreamClosed, "eof")
	default:
		return n, errors.Wrap(codec.ErrStreamClosed, err.Error())
	}
}

// idleClose: entre frames, un cierre o timeout es el fin normal de la conexión.
func idleClose(err error) bool {
	return errors.Is(err, codec.ErrStreamClosed) || errors.Is(err, codec.ErrTimeout)
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

func addrString(c Conn) string {
	if a := c.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
