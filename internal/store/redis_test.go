package store

import (
	"context"
	"math"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"avl-collector/internal/codec"
	"avl-collector/internal/terminal"
)

func newTestStore(t *testing.T, encoding string, max int) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb, max, encoding, nil), mr
}

func sampleRecords() []codec.AVLRecord {
	batt := uint16(3000)
	return []codec.AVLRecord{
		{
			TimestampMs: 1637505811001,
			Timestamp:   1637505811,
			Longitude:   5.4528666,
			Latitude:    51.4118133,
			Altitude:    30,
			Course:      158,
			Satellites:  5,
			EventIOID:   385,
			TotalIO:     1,
			IO:          map[uint16]codec.IOItem{},
			Beacons: []codec.BeaconElement{{IOID: 385, Part: 1, Parts: 1, Beacons: []codec.Beacon{{
				Kind:    codec.IBeacon,
				Flag:    codec.FlagIBeaconBattery,
				UUID:    uuid.MustParse("01020304-0506-0708-090a-0b0c0d0e0f10"),
				Minor:   523,
				Major:   266,
				RSSI:    -58,
				Battery: &batt,
			}}}},
		},
		{
			TimestampMs: 1637505869000,
			Timestamp:   1637505869,
			Longitude:   -58.3815591,
			Latitude:    -34.6037232,
			Satellites:  6,
			Speed:       12,
			TotalIO:     3,
			IO: map[uint16]codec.IOItem{
				239:  {Size: 1, Val: 1},
				16:   {Size: 4, Val: 2455},
				1148: {Size: 16, Raw: codec.HexRaw{0xde, 0xad}},
			},
		},
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	for _, enc := range []string{EncodingJSON, EncodingCBOR} {
		t.Run(enc, func(t *testing.T) {
			s, _ := newTestStore(t, enc, 100)
			ctx := context.Background()
			res := &terminal.Result{IMEI: "356307042441013", RemoteAddr: "10.0.0.7:5000", Records: sampleRecords(), Success: true}

			if err := s.Deliver(ctx, res); err != nil {
				t.Fatalf("Deliver: %v", err)
			}
			got, err := s.Records(ctx, res.IMEI, 10)
			if err != nil {
				t.Fatalf("Records: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("got %d records", len(got))
			}

			b := got[0].Beacons[0].Beacons[0]
			if b.Kind != codec.IBeacon || b.UUID != res.Records[0].Beacons[0].Beacons[0].UUID || b.RSSI != -58 {
				t.Errorf("beacon = %+v", b)
			}
			if b.Battery == nil || *b.Battery != 3000 || b.Temperature != nil {
				t.Errorf("battery %v temperature %v", b.Battery, b.Temperature)
			}
			r := got[1]
			if math.Abs(r.Longitude+58.3815591) > 1e-9 || r.TimestampMs != 1637505869000 {
				t.Errorf("record 1 = %+v", r)
			}
			if r.IO[239].Val != 1 || r.IO[16].Val != 2455 || string(r.IO[1148].Raw) != "\xde\xad" {
				t.Errorf("io = %+v", r.IO)
			}

			dev, err := s.Device(ctx, res.IMEI)
			if err != nil {
				t.Fatal(err)
			}
			if dev["remote"] != "10.0.0.7:5000" || dev["records"] != "2" || dev["success"] != "true" {
				t.Errorf("device = %v", dev)
			}
			if dev["lat"] != "-34.6037232" || dev["lon"] != "-58.3815591" {
				t.Errorf("last position = %s,%s", dev["lat"], dev["lon"])
			}
		})
	}
}

func TestRedisStoreTrim(t *testing.T) {
	s, mr := newTestStore(t, EncodingJSON, 3)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		recs := sampleRecords()
		recs[1].TimestampMs += uint64(i)
		if err := s.Deliver(ctx, &terminal.Result{IMEI: "1", Records: recs, Success: true}); err != nil {
			t.Fatal(err)
		}
	}
	list, err := mr.List("avl:1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Errorf("list length = %d, want 3", len(list))
	}
	got, _ := s.Records(ctx, "1", 1)
	if len(got) != 1 || got[0].TimestampMs != 1637505869003 {
		t.Errorf("newest record = %+v", got)
	}
}

func TestRedisStoreTrackIO(t *testing.T) {
	s, _ := newTestStore(t, EncodingJSON, 10)
	ctx := context.Background()

	first := []codec.AVLRecord{{IO: map[uint16]codec.IOItem{239: {Size: 1, Val: 0}, 240: {Size: 1, Val: 1}}}}
	n, err := s.TrackIO(ctx, "9", first)
	if err != nil || n != 0 {
		t.Fatalf("first sighting: %d %v", n, err)
	}

	next := []codec.AVLRecord{
		{IO: map[uint16]codec.IOItem{239: {Size: 1, Val: 1}}},
		{IO: map[uint16]codec.IOItem{239: {Size: 1, Val: 1}, 240: {Size: 1, Val: 0}}},
	}
	n, err = s.TrackIO(ctx, "9", next)
	if err != nil || n != 2 {
		t.Fatalf("changes = %d %v, want 2", n, err)
	}
	state, err := s.IOState(ctx, "9")
	if err != nil {
		t.Fatal(err)
	}
	if state["ignition"] != 1 || state["movement"] != 0 {
		t.Errorf("io state = %v", state)
	}
}

func TestRedisStoreDown(t *testing.T) {
	s, mr := newTestStore(t, EncodingJSON, 10)
	mr.Close()
	err := s.Deliver(context.Background(), &terminal.Result{IMEI: "1", Records: sampleRecords()})
	if err == nil {
		t.Fatal("expected error with redis down")
	}
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	rdb, err := Connect(context.Background(), addr, 0)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rdb.Close()

	// después de Close miniredis ya no tiene listener; se reusa la dirección guardada
	mr.Close()
	if _, err := Connect(context.Background(), addr, 0); err == nil {
		t.Error("expected ping failure")
	}
}
