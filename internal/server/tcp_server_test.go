package server

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"avl-collector/internal/codec"
	"avl-collector/internal/dispatcher"
	"avl-collector/internal/terminal"
	"avl-collector/internal/utilities"
)

const testIMEI = "12345678901234567"

type recordingSink struct {
	mu      sync.Mutex
	results []*terminal.Result
	got     chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{got: make(chan struct{}, 16)}
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, res *terminal.Result) error {
	s.mu.Lock()
	s.results = append(s.results, res)
	s.mu.Unlock()
	s.got <- struct{}{}
	return nil
}

func (s *recordingSink) wait(t *testing.T) *terminal.Result {
	t.Helper()
	select {
	case <-s.got:
	case <-time.After(5 * time.Second):
		t.Fatal("no result dispatched")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[len(s.results)-1]
}

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

func startServer(t *testing.T, settings terminal.Settings, sink dispatcher.Sink) (*TcpServer, context.CancelFunc, chan error) {
	t.Helper()
	srv := New("127.0.0.1:0", settings, dispatcher.New(nil, sink), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()
	select {
	case <-srv.Ready():
	case err := <-done:
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(cancel)
	return srv, cancel, done
}

func dialTerminal(t *testing.T, srv *TcpServer) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", srv.ListenAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	return c
}

func TestServerDecodesAndDispatches(t *testing.T) {
	sink := newRecordingSink()
	srv, _, _ := startServer(t, terminal.DefaultSettings(), sink)
	raw := t.TempDir()
	srv.RawLog = utilities.NewRawLog(raw)

	c := dialTerminal(t, srv)
	if _, err := c.Write(codec.EncodeHandshake(testIMEI)); err != nil {
		t.Fatal(err)
	}
	hs := make([]byte, 1)
	if _, err := io.ReadFull(c, hs); err != nil || hs[0] != 0x01 {
		t.Fatalf("handshake ack %x %v", hs, err)
	}
	if _, err := c.Write(golden(t)); err != nil {
		t.Fatal(err)
	}
	var ack [4]byte
	if _, err := io.ReadFull(c, ack[:]); err != nil {
		t.Fatal(err)
	}
	if n := binary.BigEndian.Uint32(ack[:]); n != 16 {
		t.Errorf("ack = %d, want 16", n)
	}

	res := sink.wait(t)
	if res.IMEI != testIMEI || !res.Success || len(res.Records) != 16 {
		t.Errorf("imei %q success %v records %d", res.IMEI, res.Success, len(res.Records))
	}

	files, _ := filepath.Glob(filepath.Join(raw, "ALLTRACKINGS_*.log"))
	if len(files) != 1 {
		t.Errorf("raw capture files = %v", files)
	}
}

func TestServerRejectedHandshakeNotDispatched(t *testing.T) {
	sink := newRecordingSink()
	srv, _, _ := startServer(t, terminal.DefaultSettings(), sink)

	res := make(chan *terminal.Result, 1)
	server, client := net.Pipe()
	defer client.Close()
	go func() { res <- srv.HandleConnection(context.Background(), server) }()
	go client.Write(append([]byte{0x00, 0x01}, testIMEI...))

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	ack := make([]byte, 4)
	if _, err := io.ReadFull(client, ack); err != nil {
		t.Fatalf("reading ack: %v", err)
	}
	if binary.BigEndian.Uint32(ack) != 0 {
		t.Errorf("ack = %x, want 00000000", ack)
	}

	select {
	case r := <-res:
		if r.Success || r.IMEI != "" {
			t.Errorf("result = %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("connection not finished")
	}
	select {
	case <-sink.got:
		t.Error("rejected session must not be dispatched")
	case <-time.After(100 * time.Millisecond):
	}
	if len(srv.Active()) != 0 {
		t.Errorf("active = %v", srv.Active())
	}
}

func TestServerDuplicateIMEIReplacesConnection(t *testing.T) {
	settings := terminal.DefaultSettings()
	settings.KeepAlive = true
	sink := newRecordingSink()
	srv, _, _ := startServer(t, settings, sink)

	handshake := func() net.Conn {
		c := dialTerminal(t, srv)
		c.Write(codec.EncodeHandshake(testIMEI))
		hs := make([]byte, 1)
		if _, err := io.ReadFull(c, hs); err != nil {
			t.Fatal(err)
		}
		return c
	}
	first := handshake()
	handshake()

	// la primera conexión queda cerrada por el server
	buf := make([]byte, 1)
	if _, err := first.Read(buf); err == nil {
		t.Error("first connection should be closed")
	}
	sink.wait(t)

	deadline := time.Now().Add(5 * time.Second)
	for {
		active := srv.Active()
		if len(active) == 1 && active[0] == testIMEI {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("active = %v", active)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerShutdown(t *testing.T) {
	settings := terminal.DefaultSettings()
	settings.KeepAlive = true
	sink := newRecordingSink()
	srv, cancel, done := startServer(t, settings, sink)

	c := dialTerminal(t, srv)
	c.Write(codec.EncodeHandshake(testIMEI))
	io.ReadFull(c, make([]byte, 1))

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	// la sesión abierta se corta y se reparte igual
	res := sink.wait(t)
	if res.IMEI != testIMEI {
		t.Errorf("imei = %q", res.IMEI)
	}
}
