package pipeline

import (
	"time"

	jsoniter "github.com/json-iterator/go"

	"avl-collector/internal/codec"
	"avl-collector/internal/codec/fmxxx"
	"avl-collector/internal/terminal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// liveWindow: registros más viejos que esto se consideran buffer aunque lleguen solos.
const liveWindow = 120 * time.Second

func coordsValid(lat, lon float64) bool {
	if lat == 0 && lon == 0 {
		return false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return false
	}
	return true
}

func CalcFix(sats int, lat, lon float64) int {
	if sats > 3 && coordsValid(lat, lon) {
		return 1
	}
	return 0
}

func DecideMsgType(isBatch bool, ts time.Time) int {
	if isBatch {
		return 0
	}
	if !ts.IsZero() && time.Since(ts) > liveWindow {
		return 0
	}
	return 1
}

// PermIO aplana los IO de ancho 1..8 con nombres legibles; el bucket de 16 bytes no se incluye.
func PermIO(io map[uint16]codec.IOItem) map[string]uint64 {
	out := make(map[string]uint64, len(io))
	for id, it := range io {
		if it.Size > 8 {
			continue
		}
		out[fmxxx.Key(id)] = it.Val
	}
	return out
}

// FromRecord arma el objeto de tracking de un registro decodificado.
func FromRecord(imei string, rec *codec.AVLRecord, isBatch bool) *TrackingObject {
	dt := rec.Time()
	tr := &TrackingObject{
		IMEI:     imei,
		Datetime: dt.Format(time.RFC3339),
		Lat:      rec.Latitude,
		Lon:      rec.Longitude,
		Alt:      int(rec.Altitude),
		Spd:      int(rec.Speed),
		Crs:      int(rec.Course),
		Sats:     int(rec.Satellites),
		Priority: int(rec.Priority),
		EventIO:  int(rec.EventIOID),
		PermIO:   PermIO(rec.IO),
		Beacons:  rec.Beacons,
		MsgType:  DecideMsgType(isBatch, dt),
	}
	tr.Fix = CalcFix(tr.Sats, tr.Lat, tr.Lon)
	return tr
}

// FromResult convierte todos los registros de una sesión, en orden de llegada.
func FromResult(res *terminal.Result) []*TrackingObject {
	batch := len(res.Records) > 1
	out := make([]*TrackingObject, 0, len(res.Records))
	for i := range res.Records {
		out = append(out, FromRecord(res.IMEI, &res.Records[i], batch))
	}
	return out
}

// Marshal serializa el objeto tal como lo esperan el proxy y el forwarder.
func Marshal(tr *TrackingObject) ([]byte, error) {
	return json.Marshal(tr)
}
