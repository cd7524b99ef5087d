package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TCPConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codec_tcp_connections_total",
		Help: "Total de conexiones TCP aceptadas",
	})
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codec_tcp_connections_active",
		Help: "Conexiones TCP abiertas en este momento",
	})
	HandshakeOK = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codec_handshake_ok_total",
		Help: "Total de handshakes IMEI ok",
	})
	HandshakeRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codec_handshake_rejected_total",
		Help: "Handshakes rechazados (sentinel o IMEI inválido, timeout)",
	})
	PacketsRecv = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codec_packets_received_total",
		Help: "Total de paquetes AVL recibidos (frames)",
	})
	RecordsAck = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codec_records_ack_total",
		Help: "Total de registros AVL confirmados (ACK a Teltonika)",
	})
	Resyncs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codec_resyncs_total",
		Help: "Relecturas del stream tras un registro inconsistente",
	})
	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codec_decode_errors_total",
		Help: "Errores de decodificación por tipo",
	}, []string{"kind"})
	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codec_sink_errors_total",
		Help: "Errores al entregar resultados a un destino",
	}, []string{"sink"})
	IOChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codec_io_changes_total",
		Help: "Cambios detectados de IO por clave",
	}, []string{"key"})
	LiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codec_live_clients",
		Help: "Clientes websocket suscritos a /live",
	})
	ParseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "codec_parse_latency_seconds",
		Help:    "Latencia del parseo por frame",
		Buckets: prometheus.DefBuckets,
	})
)

func ObserveParseLatency(start time.Time) {
	ParseLatency.Observe(time.Since(start).Seconds())
}

// NewMux expone /metrics y /healthz; live se monta en /live si no es nil.
func NewMux(live http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if live != nil {
		mux.Handle("/live", live)
	}
	return mux
}

// StartMetricsServer sirve handler en :port hasta que ctx se cancele.
func StartMetricsServer(ctx context.Context, port string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
