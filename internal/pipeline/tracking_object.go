package pipeline

import "avl-collector/internal/codec"

// TrackingObject es la vista plana de un registro que consumen proxy, forwarder y /live.
type TrackingObject struct {
	IMEI     string `json:"imei"`
	Datetime string `json:"dt"`

	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Alt  int     `json:"alt"`
	Spd  int     `json:"spd"`
	Crs  int     `json:"crs"`
	Sats int     `json:"sats"`

	Priority int `json:"priority"`
	EventIO  int `json:"event_io"`

	PermIO  map[string]uint64     `json:"perm_io"`
	Beacons []codec.BeaconElement `json:"beacons,omitempty"`

	MsgType int `json:"msg_type"` // 1=live, 0=buffer
	Fix     int `json:"fix"`      // 1 si sats>3 y coords válidas
}
