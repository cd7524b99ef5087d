package grpcclient

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"avl-collector/internal/pipeline"
	"avl-collector/internal/terminal"
)

// SendDataMethod es el RPC unario del forwarder. Request y response son
// google.protobuf.Struct: {device_id, payload, tracking} -> {success}.
const SendDataMethod = "/forwarder.Forwarder/SendData"

var ErrRejected = errors.New("forwarder rejected data")

type Forwarder struct {
	conn    *grpc.ClientConn
	logger  *slog.Logger
	Timeout time.Duration
}

// NewForwarder crea el cliente; la conexión se establece en el primer envío.
func NewForwarder(addr string, logger *slog.Logger, opts ...grpc.DialOption) (*Forwarder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "grpc client for %s", addr)
	}
	return &Forwarder{
		conn:    conn,
		logger:  logger.With("component", "grpc"),
		Timeout: 5 * time.Second,
	}, nil
}

func (f *Forwarder) Close() error {
	return f.conn.Close()
}

func (f *Forwarder) Name() string { return "grpc" }

// SendData envía un payload JSON de un dispositivo.
func (f *Forwarder) SendData(ctx context.Context, deviceID string, payload []byte) error {
	tracking := &structpb.Struct{}
	if err := protojson.Unmarshal(payload, tracking); err != nil {
		return errors.Wrap(err, "payload is not a json object")
	}
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"device_id": structpb.NewStringValue(deviceID),
		"payload":   structpb.NewStringValue(string(payload)),
		"tracking":  structpb.NewStructValue(tracking),
	}}

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	res := &structpb.Struct{}
	if err := f.conn.Invoke(ctx, SendDataMethod, req, res); err != nil {
		return errors.Wrapf(err, "SendData %s", deviceID)
	}
	if !res.GetFields()["success"].GetBoolValue() {
		f.logger.Warn("Forwarder: failed to send data", "imei", deviceID)
		return errors.Wrapf(ErrRejected, "device %s", deviceID)
	}
	return nil
}

// Deliver reenvía cada registro como un TrackingObject.
func (f *Forwarder) Deliver(ctx context.Context, res *terminal.Result) error {
	for _, tr := range pipeline.FromResult(res) {
		b, err := pipeline.Marshal(tr)
		if err != nil {
			return err
		}
		if err := f.SendData(ctx, res.IMEI, b); err != nil {
			return err
		}
	}
	return nil
}
