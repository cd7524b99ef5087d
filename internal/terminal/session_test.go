package terminal

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"avl-collector/internal/codec"
)

const testIMEI = "12345678901234567"

func golden(t *testing.T) []byte {
	t.Helper()
	raw, err := os.ReadFile("../codec/testdata/avl_16_records.hex")
	if err != nil {
		t.Fatal(err)
	}
	b, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// terminalSide simula el equipo: cada elemento de writes es un Write separado.
// Devuelve el ack del handshake y los acks de frame leídos.
type terminalSide struct {
	conn    net.Conn
	writes  [][]byte
	frames  int
	hsAck   []byte
	acks    []uint32
	readErr error
}

func (ts *terminalSide) run(t *testing.T, handshake []byte, done chan<- struct{}) {
	defer close(done)
	defer ts.conn.Close()
	if _, err := ts.conn.Write(handshake); err != nil {
		return
	}
	ts.hsAck = make([]byte, 1)
	if _, err := io.ReadFull(ts.conn, ts.hsAck); err != nil {
		ts.readErr = err
		return
	}
	for _, w := range ts.writes {
		if _, err := ts.conn.Write(w); err != nil {
			return
		}
	}
	for i := 0; i < ts.frames; i++ {
		var ack [4]byte
		if _, err := io.ReadFull(ts.conn, ack[:]); err != nil {
			ts.readErr = err
			return
		}
		ts.acks = append(ts.acks, binary.BigEndian.Uint32(ack[:]))
	}
}

func runSession(t *testing.T, cfg Settings, handshake []byte, ts *terminalSide) *Result {
	t.Helper()
	server, client := net.Pipe()
	defer server.Close()
	ts.conn = client

	done := make(chan struct{})
	go ts.run(t, handshake, done)

	res := NewSession(server, cfg, nil).Run(context.Background())
	server.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("terminal side did not finish")
	}
	return res
}

func TestSessionSingleFrame(t *testing.T) {
	ts := &terminalSide{writes: [][]byte{golden(t)}, frames: 1}
	res := runSession(t, DefaultSettings(), codec.EncodeHandshake(testIMEI), ts)

	if !res.Success || len(res.Errors) != 0 {
		t.Fatalf("success=%v errors=%v", res.Success, res.Errors)
	}
	if res.IMEI != testIMEI {
		t.Errorf("imei = %q", res.IMEI)
	}
	if len(res.Records) != 16 || res.Frames != 1 || res.Breaks != 0 {
		t.Errorf("records %d frames %d breaks %d", len(res.Records), res.Frames, res.Breaks)
	}
	if len(ts.hsAck) != 1 || ts.hsAck[0] != 0x01 {
		t.Errorf("handshake ack = %x", ts.hsAck)
	}
	if len(ts.acks) != 1 || ts.acks[0] != 16 {
		t.Errorf("frame acks = %v", ts.acks)
	}
}

func TestSessionFrameSplitAcrossReads(t *testing.T) {
	frame := golden(t)
	ts := &terminalSide{writes: [][]byte{frame[:500], frame[500:]}, frames: 1}
	res := runSession(t, DefaultSettings(), codec.EncodeHandshake(testIMEI), ts)

	if !res.Success {
		t.Fatalf("errors = %v", res.Errors)
	}
	if len(res.Records) != 16 || res.Breaks < 1 {
		t.Errorf("records %d breaks %d", len(res.Records), res.Breaks)
	}
	// las fallas recuperadas quedan registradas
	if len(res.Errors) != res.Breaks {
		t.Errorf("errors %d, breaks %d", len(res.Errors), res.Breaks)
	}
	if len(ts.acks) != 1 || ts.acks[0] != 16 {
		t.Errorf("acks = %v", ts.acks)
	}
}

func TestSessionKeepAlive(t *testing.T) {
	frame := golden(t)
	cfg := DefaultSettings()
	cfg.KeepAlive = true
	cfg.ReadTimeout = 2 * time.Second

	var acks []uint32
	server, client := net.Pipe()
	defer server.Close()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer client.Close()
		client.Write(codec.EncodeHandshake(testIMEI))
		io.ReadFull(client, make([]byte, 1))
		for i := 0; i < 2; i++ {
			client.Write(frame)
			var ack [4]byte
			if _, err := io.ReadFull(client, ack[:]); err != nil {
				return
			}
			acks = append(acks, binary.BigEndian.Uint32(ack[:]))
		}
	}()

	res := NewSession(server, cfg, nil).Run(context.Background())
	<-done

	if !res.Success {
		t.Fatalf("errors = %v", res.Errors)
	}
	if res.Frames != 2 || len(res.Records) != 32 {
		t.Errorf("frames %d records %d", res.Frames, len(res.Records))
	}
	if len(acks) != 2 || acks[0] != 16 || acks[1] != 16 {
		t.Errorf("acks = %v", acks)
	}
}

// readAck lee en segundo plano los 4 bytes de ack que el terminal espera.
func readAck(conn net.Conn) <-chan []byte {
	out := make(chan []byte, 1)
	go func() {
		b := make([]byte, 4)
		if _, err := io.ReadFull(conn, b); err != nil {
			b = nil
		}
		out <- b
	}()
	return out
}

func TestSessionRejectedHandshakeAcksZero(t *testing.T) {
	tests := []struct {
		name      string
		handshake []byte
	}{
		{"wrong sentinel", append([]byte{0x00, 0x0E}, testIMEI...)},
		{"control byte in imei", append([]byte{0x00, 0x0F}, "1234567890123456\x01"...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, client := net.Pipe()
			defer client.Close()
			// con el sentinel inválido el resto del saludo nunca se lee
			go client.Write(tt.handshake)
			ack := readAck(client)

			res := NewSession(server, DefaultSettings(), nil).Run(context.Background())
			server.Close()

			select {
			case got := <-ack:
				if !bytes.Equal(got, []byte{0, 0, 0, 0}) {
					t.Errorf("ack = %x, want 00000000", got)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("no ack received")
			}
			if res.Success || res.IMEI != "" || res.Frames != 0 {
				t.Errorf("success %v imei %q frames %d", res.Success, res.IMEI, res.Frames)
			}
			if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "connection rejected") {
				t.Errorf("errors = %v", res.Errors)
			}
		})
	}
}

func TestSessionTimeoutAcksZero(t *testing.T) {
	cfg := DefaultSettings()
	cfg.ReadTimeout = 50 * time.Millisecond

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	hsAck := make(chan byte, 1)
	var ack <-chan []byte
	ready := make(chan struct{})
	go func() {
		client.Write(codec.EncodeHandshake(testIMEI))
		b := make([]byte, 1)
		io.ReadFull(client, b)
		hsAck <- b[0]
		ack = readAck(client)
		close(ready)
	}()

	res := NewSession(server, cfg, nil).Run(context.Background())
	if res.Success || res.Frames != 0 {
		t.Fatalf("success=%v frames=%d", res.Success, res.Frames)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "read timeout") {
		t.Errorf("errors = %v", res.Errors)
	}
	if b := <-hsAck; b != 0x01 {
		t.Errorf("handshake ack = %x", b)
	}
	<-ready
	select {
	case got := <-ack:
		if !bytes.Equal(got, []byte{0, 0, 0, 0}) {
			t.Errorf("ack = %x, want 00000000", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no ack received")
	}
}

// Saludo y frame de un registro escritos byte a byte, sin pasar por el encoder.
func TestSessionSingleRecordLiteralFrame(t *testing.T) {
	handshake := append([]byte{0x00, 0x0F}, "12345678901234567"...)
	frame, err := hex.DecodeString("00000000" + "0000002c" + "8e" + "01" +
		"0000017d42f4a4c8" + // timestamp ms 1637505869000
		"01" + // priority
		"c4e97910" + // lng -99.133208
		"0b952e3d" + // lat 19.4326077
		"08c0" + "010e" + "09" + "002a" + // alt 2240, course 270, sats 9, speed 42
		"00ef" + "0001" + // event io 239, total io 1
		"0001" + "00ef" + "01" + // 1 byte: ignition = 1
		"0000" + "0000" + "0000" + "0000" + // 2, 4, 8 y 16 bytes vacíos
		"01" + "00008d9c") // count2 + crc
	if err != nil {
		t.Fatal(err)
	}

	ts := &terminalSide{writes: [][]byte{frame}, frames: 1}
	res := runSession(t, DefaultSettings(), handshake, ts)
	if !res.Success {
		t.Fatalf("errors = %v", res.Errors)
	}
	if res.IMEI != "12345678901234567" || len(res.Records) != 1 {
		t.Fatalf("imei %q records %d", res.IMEI, len(res.Records))
	}
	if len(ts.acks) != 1 || ts.acks[0] != 1 {
		t.Errorf("acks = %v", ts.acks)
	}

	rec := res.Records[0]
	if rec.TimestampMs != 1637505869000 || rec.Timestamp != 1637505869 || rec.Priority != 1 {
		t.Errorf("ts %d/%d priority %d", rec.TimestampMs, rec.Timestamp, rec.Priority)
	}
	if rec.Longitude != -99.133208 || rec.Latitude != 19.4326077 {
		t.Errorf("lng %v lat %v", rec.Longitude, rec.Latitude)
	}
	if rec.Altitude != 2240 || rec.Course != 270 || rec.Satellites != 9 || rec.Speed != 42 {
		t.Errorf("alt %d course %d sats %d speed %d", rec.Altitude, rec.Course, rec.Satellites, rec.Speed)
	}
	if rec.EventIOID != 239 || rec.TotalIO != 1 || len(rec.IO) != 1 || rec.IO[239].Val != 1 {
		t.Errorf("event %d total %d io %v", rec.EventIOID, rec.TotalIO, rec.IO)
	}
}

func TestSessionBreakBudgetExceeded(t *testing.T) {
	frame := golden(t)
	frame[75+28], frame[75+29] = 0xFF, 0xFF

	writes := [][]byte{frame}
	for i := 0; i < 5; i++ {
		writes = append(writes, []byte{0x00})
	}
	ts := &terminalSide{writes: writes, frames: 1}
	res := runSession(t, DefaultSettings(), codec.EncodeHandshake(testIMEI), ts)

	if res.Success {
		t.Fatal("expected failure")
	}
	if len(res.Records) != 1 || res.Breaks != 6 {
		t.Errorf("records %d breaks %d", len(res.Records), res.Breaks)
	}
	// 6 fallas de consistencia + el error de budget
	if len(res.Errors) != 7 || !strings.Contains(res.Errors[6], "break budget exceeded") {
		t.Errorf("errors = %v", res.Errors)
	}
	if len(ts.acks) != 1 || ts.acks[0] != 0 {
		t.Errorf("acks = %v", ts.acks)
	}
}

func TestSessionOnChunk(t *testing.T) {
	frame := golden(t)
	server, client := net.Pipe()
	defer server.Close()
	go func() {
		defer client.Close()
		client.Write(codec.EncodeHandshake(testIMEI))
		io.ReadFull(client, make([]byte, 1))
		client.Write(frame)
		io.ReadFull(client, make([]byte, 4))
	}()

	total := 0
	s := NewSession(server, DefaultSettings(), nil)
	s.OnChunk = func(_ string, chunk []byte) { total += len(chunk) }
	res := s.Run(context.Background())
	if !res.Success {
		t.Fatalf("errors = %v", res.Errors)
	}
	if want := 2 + codec.IMEILength + len(frame); total != want {
		t.Errorf("captured %d bytes, want %d", total, want)
	}
}
