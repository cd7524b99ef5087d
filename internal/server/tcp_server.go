package server

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"avl-collector/internal/dispatcher"
	"avl-collector/internal/observability"
	"avl-collector/internal/terminal"
	"avl-collector/internal/utilities"
)

// TcpServer acepta terminales, corre una sesión por conexión y reparte el
// resultado al dispatcher.
type TcpServer struct {
	Addr     string
	Settings terminal.Settings
	Dispatch *dispatcher.Dispatcher
	RawLog   *utilities.RawLog
	Logger   *slog.Logger

	mu       sync.Mutex
	active   map[string]net.Conn
	listener net.Listener
	wg       sync.WaitGroup
	ready    chan struct{}
}

func New(addr string, settings terminal.Settings, d *dispatcher.Dispatcher, logger *slog.Logger) *TcpServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TcpServer{
		Addr:     addr,
		Settings: settings,
		Dispatch: d,
		Logger:   logger.With("component", "tcp"),
		active:   make(map[string]net.Conn),
		ready:    make(chan struct{}),
	}
}

// Ready se cierra cuando el listener está abierto.
func (srv *TcpServer) Ready() <-chan struct{} { return srv.ready }

// ListenAddr devuelve la dirección real del listener (útil con puerto 0).
func (srv *TcpServer) ListenAddr() net.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.listener == nil {
		return nil
	}
	return srv.listener.Addr()
}

// ListenAndServe bloquea hasta que ctx se cancela; espera a que terminen las sesiones abiertas.
func (srv *TcpServer) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return errors.Wrap(err, "error starting TCP server")
	}
	srv.mu.Lock()
	srv.listener = listener
	srv.mu.Unlock()
	close(srv.ready)
	srv.Logger.Info("TCP server listening", "addr", listener.Addr().String())

	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			srv.Logger.Error("accept error", "err", err)
			continue
		}
		srv.wg.Add(1)
		go func(c net.Conn) {
			defer srv.wg.Done()
			srv.HandleConnection(ctx, c)
		}(conn)
	}
	srv.wg.Wait()
	return nil
}

// HandleConnection atiende una conexión completa y la cierra al terminar.
func (srv *TcpServer) HandleConnection(ctx context.Context, conn net.Conn) *terminal.Result {
	defer conn.Close()
	observability.TCPConnections.Inc()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetLinger(0)
		_ = tcpConn.SetNoDelay(false)
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(60 * time.Second)
	}

	sess := terminal.NewSession(conn, srv.Settings, srv.Logger)
	if srv.RawLog.Enabled() {
		sess.OnChunk = srv.RawLog.Capture
	}

	// cierra el socket si el server se apaga a mitad de sesión
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := sess.Handshake(); err != nil {
		srv.Logger.Warn("handshake rejected", "remote", conn.RemoteAddr().String(), "err", err)
		return sess.Result()
	}
	imei := sess.IMEI()
	srv.register(imei, conn)
	defer srv.unregister(imei, conn)

	res := sess.Serve(ctx)
	if srv.Dispatch != nil {
		srv.Dispatch.Dispatch(context.WithoutCancel(ctx), res)
	}
	return res
}

// register reemplaza una conexión previa del mismo IMEI.
func (srv *TcpServer) register(imei string, conn net.Conn) {
	srv.mu.Lock()
	prev, ok := srv.active[imei]
	srv.active[imei] = conn
	srv.mu.Unlock()
	if ok && prev != conn {
		srv.Logger.Info("duplicate connection, closing previous", "imei", imei)
		_ = prev.Close()
	} else {
		observability.ActiveConnections.Inc()
	}
}

func (srv *TcpServer) unregister(imei string, conn net.Conn) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.active[imei] == conn {
		delete(srv.active, imei)
		observability.ActiveConnections.Dec()
		srv.Logger.Info("Dispositivo desconectado", "imei", imei)
	}
}

// Active devuelve los IMEI con conexión abierta.
func (srv *TcpServer) Active() []string {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	out := make([]string, 0, len(srv.active))
	for imei := range srv.active {
		out = append(out, imei)
	}
	return out
}
