package dispatcher

import (
	"context"
	"log/slog"
	"sync"

	"avl-collector/internal/observability"
	"avl-collector/internal/terminal"
)

// Sink recibe el resultado de cada sesión. Debe ser seguro para uso concurrente.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, res *terminal.Result) error
}

// Dispatcher reparte resultados entre los sinks registrados. Un sink que falla
// se loguea y se cuenta; nunca afecta a la sesión ni a los demás sinks.
type Dispatcher struct {
	logger *slog.Logger

	mu    sync.RWMutex
	sinks []Sink
}

func New(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger.With("component", "dispatcher"), sinks: sinks}
}

func (d *Dispatcher) Register(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

func (d *Dispatcher) Sinks() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	return names
}

// Dispatch entrega res a cada sink en orden. Devuelve cuántos sinks fallaron.
// Sesiones sin IMEI (handshake rechazado) no se reparten.
func (d *Dispatcher) Dispatch(ctx context.Context, res *terminal.Result) int {
	if res == nil || res.IMEI == "" {
		return 0
	}
	d.mu.RLock()
	sinks := append([]Sink(nil), d.sinks...)
	d.mu.RUnlock()

	failed := 0
	for _, s := range sinks {
		if err := s.Deliver(ctx, res); err != nil {
			failed++
			observability.SinkErrors.WithLabelValues(s.Name()).Inc()
			d.logger.Warn("sink delivery failed", "sink", s.Name(), "imei", res.IMEI, "err", err)
		}
	}
	d.logger.Debug("result dispatched", "imei", res.IMEI, "records", len(res.Records),
		"success", res.Success, "sinks", len(sinks), "failed", failed)
	return failed
}
