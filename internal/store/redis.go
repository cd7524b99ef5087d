package store

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"avl-collector/internal/codec"
	"avl-collector/internal/codec/fmxxx"
	"avl-collector/internal/observability"
	"avl-collector/internal/terminal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	EncodingJSON = "json"
	EncodingCBOR = "cbor"
)

func recordsKey(imei string) string { return "avl:" + imei }
func deviceKey(imei string) string  { return "dev:" + imei }
func ioKey(imei string) string      { return "io:" + imei }

// Connect abre el cliente y verifica con PING.
func Connect(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "redis ping failed")
	}
	return rdb, nil
}

// RedisStore persiste los registros de cada sesión:
//
//	avl:<imei>  lista de registros codificados, recortada a maxRecords
//	dev:<imei>  hash con la última posición y datos de la conexión
//	io:<imei>   hash con el último valor de cada IO, para detectar cambios
type RedisStore struct {
	rdb        *redis.Client
	maxRecords int64
	encoding   string
	logger     *slog.Logger
}

func NewRedisStore(rdb *redis.Client, maxRecords int, encoding string, logger *slog.Logger) *RedisStore {
	if encoding != EncodingCBOR {
		encoding = EncodingJSON
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		rdb:        rdb,
		maxRecords: int64(maxRecords),
		encoding:   encoding,
		logger:     logger.With("component", "redis"),
	}
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) encode(rec *codec.AVLRecord) ([]byte, error) {
	if s.encoding == EncodingCBOR {
		return cbor.Marshal(rec)
	}
	return json.Marshal(rec)
}

func (s *RedisStore) decode(data []byte, rec *codec.AVLRecord) error {
	if s.encoding == EncodingCBOR {
		return cbor.Unmarshal(data, rec)
	}
	return json.Unmarshal(data, rec)
}

// Deliver guarda los registros, actualiza el estado del dispositivo y cuenta
// los cambios de IO. Los registros parciales de una sesión fallida también se guardan.
func (s *RedisStore) Deliver(ctx context.Context, res *terminal.Result) error {
	pipe := s.rdb.Pipeline()

	if len(res.Records) > 0 {
		values := make([]interface{}, 0, len(res.Records))
		for i := range res.Records {
			b, err := s.encode(&res.Records[i])
			if err != nil {
				return errors.Wrapf(err, "encode record %d", i)
			}
			values = append(values, b)
		}
		pipe.RPush(ctx, recordsKey(res.IMEI), values...)
		pipe.LTrim(ctx, recordsKey(res.IMEI), -s.maxRecords, -1)
	}

	dev := map[string]interface{}{
		"remote":    res.RemoteAddr,
		"last_seen": time.Now().Unix(),
		"success":   strconv.FormatBool(res.Success),
		"breaks":    res.Breaks,
	}
	if n := len(res.Records); n > 0 {
		last := res.Records[n-1]
		dev["last_ts"] = last.Timestamp
		dev["lat"] = strconv.FormatFloat(last.Latitude, 'f', 7, 64)
		dev["lon"] = strconv.FormatFloat(last.Longitude, 'f', 7, 64)
		dev["speed"] = int(last.Speed)
		dev["satellites"] = int(last.Satellites)
	}
	pipe.HSet(ctx, deviceKey(res.IMEI), dev)
	pipe.HIncrBy(ctx, deviceKey(res.IMEI), "records", int64(len(res.Records)))

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "redis write for %s", res.IMEI)
	}
	if _, err := s.TrackIO(ctx, res.IMEI, res.Records); err != nil {
		return err
	}
	return nil
}

// TrackIO compara cada IO con el último valor guardado y devuelve cuántos cambiaron.
// El primer valor visto de un IO no cuenta como cambio.
func (s *RedisStore) TrackIO(ctx context.Context, imei string, records []codec.AVLRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	prev, err := s.rdb.HGetAll(ctx, ioKey(imei)).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "redis HGETALL %s", ioKey(imei))
	}

	state := make(map[string]string, len(prev))
	for k, v := range prev {
		state[k] = v
	}
	changes := 0
	for i := range records {
		for id, it := range records[i].IO {
			if it.Size > 8 {
				continue
			}
			key := fmxxx.Key(id)
			val := strconv.FormatUint(it.Val, 10)
			old, seen := state[key]
			if seen && old != val {
				changes++
				observability.IOChanges.WithLabelValues(key).Inc()
			}
			state[key] = val
		}
	}
	if len(state) == 0 {
		return 0, nil
	}
	fields := make(map[string]interface{}, len(state))
	for k, v := range state {
		fields[k] = v
	}
	if err := s.rdb.HSet(ctx, ioKey(imei), fields).Err(); err != nil {
		return changes, errors.Wrapf(err, "redis HSET %s", ioKey(imei))
	}
	if changes > 0 {
		s.logger.Debug("io changes", "imei", imei, "changes", changes)
	}
	return changes, nil
}

// Records devuelve los últimos n registros guardados, del más viejo al más nuevo.
func (s *RedisStore) Records(ctx context.Context, imei string, n int) ([]codec.AVLRecord, error) {
	raw, err := s.rdb.LRange(ctx, recordsKey(imei), int64(-n), -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "redis LRANGE %s", recordsKey(imei))
	}
	out := make([]codec.AVLRecord, len(raw))
	for i, r := range raw {
		if err := s.decode([]byte(r), &out[i]); err != nil {
			return nil, errors.Wrapf(err, "decode stored record %d", i)
		}
	}
	return out, nil
}

// Device devuelve el hash de estado del dispositivo.
func (s *RedisStore) Device(ctx context.Context, imei string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, deviceKey(imei)).Result()
}

// IOState devuelve el último valor conocido de cada IO.
func (s *RedisStore) IOState(ctx context.Context, imei string) (map[string]uint64, error) {
	raw, err := s.rdb.HGetAll(ctx, ioKey(imei)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint64, len(raw))
	for k, v := range raw {
		n, _ := strconv.ParseUint(v, 10, 64)
		out[k] = n
	}
	return out, nil
}
