package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

const codecOffset = 8 // preámbulo(4) + largo(4)

// State es el estado del decodificador de frame.
type State uint8

const (
	StateDecoding State = iota
	StateResyncing
	StateAborted
	StateDone
)

func (s State) String() string {
	switch s {
	case StateDecoding:
		return "decoding"
	case StateResyncing:
		return "resyncing"
	case StateAborted:
		return "aborted"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

type event uint8

const (
	evDecoded        event = iota // una unidad (header, registro) decodificada
	evFinished                    // trailer leído (o ignorado)
	evFault                       // ErrRecordConsistency
	evRefilled                    // llegaron más bytes, rollback hecho
	evBudgetExceeded              // breaks > budget
	evFatal                       // cualquier otro error
)

var transitions = map[State]map[event]State{
	StateDecoding: {
		evDecoded:  StateDecoding,
		evFinished: StateDone,
		evFault:    StateResyncing,
		evFatal:    StateAborted,
	},
	StateResyncing: {
		evRefilled:       StateDecoding,
		evBudgetExceeded: StateAborted,
		evFatal:          StateAborted,
	},
}

func transition(s State, ev event) State {
	to, ok := transitions[s][ev]
	if !ok {
		panic(fmt.Sprintf("codec: no transition from %s on event %d", s, ev))
	}
	return to
}

// Refill trae el próximo chunk del stream. Debe devolver error (timeout, cierre)
// en lugar de un chunk vacío cuando no hay más datos.
type Refill func() ([]byte, error)

// FrameDecoder decodifica frames AVL de una sesión. El contador de breaks vive
// aquí y se acumula entre frames; nunca decrece.
type FrameDecoder struct {
	Budget  int
	Options Options
	Refill  Refill

	breaks int
}

// NewFrameDecoder crea un decoder con el budget y las opciones dadas.
func NewFrameDecoder(budget int, opts Options, refill Refill) *FrameDecoder {
	return &FrameDecoder{Budget: budget, Options: opts, Refill: refill}
}

// Breaks devuelve la cantidad de resyncs hechos en la sesión.
func (d *FrameDecoder) Breaks() int { return d.breaks }

// FrameResult es lo que produjo una pasada. Records se conserva aun cuando Err != nil.
type FrameResult struct {
	Frame    Frame
	Records  []AVLRecord
	State    State
	Err      error
	Faults   []error // fallas de consistencia recuperadas, en orden
	Consumed int     // bytes del buffer (ya extendido) usados por este frame
	Leftover []byte  // bytes posteriores al trailer, para el próximo frame
}

// Decoded devuelve cuántos registros se decodificaron.
func (r *FrameResult) Decoded() int { return len(r.Records) }

// frameRun guarda el progreso de una pasada sobre un frame.
type frameRun struct {
	d          *FrameDecoder
	res        *FrameResult
	headerDone bool
}

// Decode decodifica un frame a partir de buf, pidiendo más bytes con Refill cuando
// un registro falla. Siempre devuelve un resultado; el error es res.Err.
func (d *FrameDecoder) Decode(buf []byte) (*FrameResult, error) {
	res := &FrameResult{State: StateDecoding}
	run := &frameRun{d: d, res: res}
	cur := NewCursor(buf)
	unitStart := 0

	for res.State == StateDecoding || res.State == StateResyncing {
		switch res.State {
		case StateDecoding:
			unitStart = cur.Offset()
			next, ev, err := run.step(cur)
			switch ev {
			case evFault:
				res.Faults = append(res.Faults, err)
			case evFatal:
				res.Err = err
			default:
				cur = next
			}
			res.State = transition(res.State, ev)

		case StateResyncing:
			d.breaks++
			if d.breaks > d.Budget {
				res.Err = errors.Wrapf(ErrBreakBudgetExceeded, "%d breaks with budget %d, %d of %d records decoded",
					d.breaks, d.Budget, len(res.Records), res.Frame.RecordCount)
				res.State = transition(res.State, evBudgetExceeded)
				continue
			}
			chunk, err := d.refill()
			if err != nil {
				res.Err = err
				res.State = transition(res.State, evFatal)
				continue
			}
			cur = cur.Extend(chunk)
			cur, _ = cur.Seek(unitStart)
			res.State = transition(res.State, evRefilled)
		}
	}

	if res.State == StateDone {
		res.Consumed = cur.Offset()
		if rest := cur.Bytes()[cur.Offset():]; len(rest) > 0 {
			res.Leftover = append([]byte(nil), rest...)
		}
	}
	return res, res.Err
}

func (d *FrameDecoder) refill() ([]byte, error) {
	if d.Refill == nil {
		return nil, errors.Wrap(ErrStreamClosed, "no refill source")
	}
	chunk, err := d.Refill()
	if err != nil {
		return nil, err
	}
	if len(chunk) == 0 {
		return nil, errors.Wrap(ErrStreamClosed, "empty refill")
	}
	return chunk, nil
}

func classify(err error) event {
	if errors.Is(err, ErrRecordConsistency) {
		return evFault
	}
	return evFatal
}

// step decodifica la próxima unidad: header, un registro o el trailer.
func (run *frameRun) step(cur Cursor) (Cursor, event, error) {
	res := run.res
	switch {
	case !run.headerDone:
		f, next, err := decodeHeader(cur)
		if err != nil {
			return cur, classify(err), err
		}
		res.Frame = f
		run.headerDone = true
		return next, evDecoded, nil

	case len(res.Records) < int(res.Frame.RecordCount):
		rec, next, err := decodeRecord(cur, run.d.Options)
		if err != nil {
			return cur, classify(err), errors.WithMessagef(err, "record %d", len(res.Records))
		}
		res.Records = append(res.Records, rec)
		return next, evDecoded, nil

	default:
		if run.d.Options.Trailer == TrailerIgnore {
			return cur.skipAll(), evFinished, nil
		}
		next, err := verifyTrailer(cur, &res.Frame)
		if err != nil {
			return cur, classify(err), err
		}
		return next, evFinished, nil
	}
}

func (c Cursor) skipAll() Cursor {
	c.off = len(c.buf)
	return c
}

// decodeHeader lee preámbulo, largo, codec y cantidad de registros.
func decodeHeader(c Cursor) (Frame, Cursor, error) {
	r := &fieldReader{cur: c}
	f := Frame{
		Preamble:    uint32(r.uint("preamble", 4)),
		DataLength:  uint32(r.uint("data_length", 4)),
		CodecID:     uint8(r.uint("codec_id", 1)),
		RecordCount: uint8(r.uint("record_count", 1)),
	}
	if r.err != nil {
		return Frame{}, c, r.err
	}
	if f.Preamble != 0 {
		return Frame{}, c, errors.Wrapf(ErrInvalidFrame, "preamble 0x%08x, expected 0", f.Preamble)
	}
	if f.CodecID != CodecExtended {
		return Frame{}, c, errors.Wrapf(ErrInvalidFrame, "unsupported codec 0x%02x", f.CodecID)
	}
	return f, r.cur, nil
}

// verifyTrailer lee la cantidad repetida y el CRC y los valida contra el frame.
// El buffer siempre empieza en el preámbulo; el CRC cubre desde el codec id
// hasta la cantidad repetida inclusive.
func verifyTrailer(c Cursor, f *Frame) (Cursor, error) {
	r := &fieldReader{cur: c}
	qty := uint8(r.uint("trailer_count", 1))
	dataEnd := r.cur.Offset()
	crc := uint32(r.uint("crc", 4))
	if r.err != nil {
		return c, r.err
	}
	f.TrailerQty, f.CRC = qty, crc

	if qty != f.RecordCount {
		return c, errors.Wrapf(ErrInvalidFrame, "trailer count %d, header count %d", qty, f.RecordCount)
	}
	if n := dataEnd - codecOffset; int(f.DataLength) != n {
		return c, errors.Wrapf(ErrInvalidFrame, "data length %d, frame carries %d bytes", f.DataLength, n)
	}
	if sum := Crc16IBM(c.Bytes()[codecOffset:dataEnd]); uint32(sum) != crc {
		return c, errors.Wrapf(ErrChecksum, "calculated 0x%08x, received 0x%08x", sum, crc)
	}
	return r.cur, nil
}

// Ack arma la respuesta de 4 bytes: registros decodificados si hubo éxito, 0 si no.
func Ack(decoded int, success bool) []byte {
	out := make([]byte, 4)
	if success {
		binary.BigEndian.PutUint32(out, uint32(decoded))
	}
	return out
}
