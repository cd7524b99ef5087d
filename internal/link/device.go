package link

import (
	"net"
	"strconv"
	"time"

	"avl-collector/internal/terminal"
)

// DeviceState indica qué mensaje de dispositivo se envía al proxy.
type DeviceState int

const (
	DeviceStateUnknown DeviceState = iota
	DeviceStateConnect             // device_connect: primer resultado del IMEI en esta conexión al proxy
	DeviceStateUpdate              // device_update: resultados siguientes
)

func (s DeviceState) String() string {
	switch s {
	case DeviceStateConnect:
		return "device_connect"
	case DeviceStateUpdate:
		return "device_update"
	default:
		return "unknown"
	}
}

// DeviceInfo resume una sesión del terminal para el proxy.
type DeviceInfo struct {
	IMEI       string
	RemoteIP   string
	RemotePort int
	Records    int
	Breaks     int
	Success    bool
	LastSeen   time.Time // timestamp del último registro; cero si no hubo registros
	State      DeviceState
}

// DeviceInfoFromResult toma IMEI, dirección remota y resumen de la sesión.
func DeviceInfoFromResult(res *terminal.Result) DeviceInfo {
	info := DeviceInfo{
		IMEI:    res.IMEI,
		Records: len(res.Records),
		Breaks:  res.Breaks,
		Success: res.Success,
	}
	if host, port, err := net.SplitHostPort(res.RemoteAddr); err == nil {
		info.RemoteIP = host
		info.RemotePort, _ = strconv.Atoi(port)
	}
	if n := len(res.Records); n > 0 {
		info.LastSeen = res.Records[n-1].Time()
	}
	return info
}

type deviceConnectPayload struct {
	DeviceConnect bool   `json:"device_connect"`
	IMEI          string `json:"imei"`
	RemoteIP      string `json:"remote_ip,omitempty"`
	RemotePort    int    `json:"remote_port,omitempty"`
	Records       int    `json:"records"`
}

type deviceUpdatePayload struct {
	DeviceUpdate bool   `json:"device_update"`
	IMEI         string `json:"imei"`
	Records      int    `json:"records"`
	Breaks       int    `json:"breaks"`
	Success      bool   `json:"success"`
	LastSeen     string `json:"last_seen,omitempty"`
}

func (info DeviceInfo) payload() (interface{}, bool) {
	switch info.State {
	case DeviceStateConnect:
		return deviceConnectPayload{
			DeviceConnect: true,
			IMEI:          info.IMEI,
			RemoteIP:      info.RemoteIP,
			RemotePort:    info.RemotePort,
			Records:       info.Records,
		}, true
	case DeviceStateUpdate:
		p := deviceUpdatePayload{
			DeviceUpdate: true,
			IMEI:         info.IMEI,
			Records:      info.Records,
			Breaks:       info.Breaks,
			Success:      info.Success,
		}
		if !info.LastSeen.IsZero() {
			p.LastSeen = info.LastSeen.UTC().Format(time.RFC3339)
		}
		return p, true
	default:
		return nil, false
	}
}
