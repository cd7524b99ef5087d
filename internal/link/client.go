package link

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"avl-collector/internal/pipeline"
	"avl-collector/internal/terminal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrNotConnected = errors.New("link: not connected")

// Client mantiene una conexión TCP hacia socket-tcp-proxy y le envía NDJSON.
type Client struct {
	addr   string
	logger *slog.Logger

	DialRetry      time.Duration // espera tras un dial fallido
	ReconnectDelay time.Duration // espera tras perder la conexión
	// Incoming recibe cada línea que manda el proxy. Por defecto sólo se loguea.
	Incoming func(line []byte)

	mu        sync.Mutex
	conn      net.Conn
	announced map[string]bool // IMEIs con device_connect enviado en la conexión actual
}

func New(addr string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		addr:           addr,
		logger:         logger.With("component", "link"),
		DialRetry:      5 * time.Second,
		ReconnectDelay: 2 * time.Second,
		announced:      map[string]bool{},
	}
}

func (c *Client) Name() string { return "link" }

// Run conecta y reconecta hasta que ctx se cancele.
func (c *Client) Run(ctx context.Context) {
	var d net.Dialer
	for ctx.Err() == nil {
		conn, err := d.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			c.logger.Error("link: dial failed", "addr", c.addr, "err", err)
			sleep(ctx, c.DialRetry)
			continue
		}

		c.setConn(conn)
		c.logger.Info("link: connected", "remote", conn.RemoteAddr().String())

		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		c.readLoop(conn)
		stop()

		c.clearConn(conn)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("link: connection closed, reconnecting...")
		sleep(ctx, c.ReconnectDelay)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) setConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.announced = map[string]bool{}
}

func (c *Client) clearConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readLoop(conn net.Conn) {
	r := bufio.NewScanner(conn)
	for r.Scan() {
		line := r.Bytes()
		if c.Incoming != nil {
			c.Incoming(append([]byte(nil), line...))
			continue
		}
		c.logger.Info("link: incoming line", "line", string(line))
	}
	if err := r.Err(); err != nil {
		c.logger.Warn("link: read error", "err", err)
	}
}

// sendNDJSON escribe v como una línea. El mutex serializa las escrituras de
// sesiones concurrentes.
func (c *Client) sendNDJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_, err = c.conn.Write(append(b, '\n'))
	return err
}

// SendDevice envía device_connect o device_update según info.State.
func (c *Client) SendDevice(info DeviceInfo) error {
	p, ok := info.payload()
	if !ok {
		return errors.Errorf("link: cannot send device state %s", info.State)
	}
	return c.sendNDJSON(p)
}

// SendTracking envía el trackeo como NDJSON (formato TrackingObject).
func (c *Client) SendTracking(tr *pipeline.TrackingObject) error {
	if tr == nil {
		return nil
	}
	return c.sendNDJSON(tr)
}

// Deliver envía una línea de dispositivo (device_connect la primera vez por
// conexión, luego device_update) y una línea de tracking por registro.
func (c *Client) Deliver(_ context.Context, res *terminal.Result) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	info := DeviceInfoFromResult(res)
	info.State = DeviceStateUpdate
	if c.markAnnounced(res.IMEI) {
		info.State = DeviceStateConnect
	}
	if err := c.SendDevice(info); err != nil {
		if info.State == DeviceStateConnect {
			c.unmarkAnnounced(res.IMEI)
		}
		return errors.Wrapf(err, "send %s for %s", info.State, res.IMEI)
	}
	for _, tr := range pipeline.FromResult(res) {
		if err := c.SendTracking(tr); err != nil {
			return errors.Wrapf(err, "send tracking for %s", res.IMEI)
		}
	}
	return nil
}

// markAnnounced devuelve true si el IMEI todavía no fue anunciado.
func (c *Client) markAnnounced(imei string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.announced[imei] {
		return false
	}
	c.announced[imei] = true
	return true
}

func (c *Client) unmarkAnnounced(imei string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.announced, imei)
}
