// Package fmxxx cataloga los IDs de IO de los equipos FMB/FMC que el colector
// reconoce por nombre. Los IDs no listados se conservan igual, sólo sin nombre.
package fmxxx

import "strconv"

// IOs de 1 byte.
const (
	DIn1        = 1
	DIn2        = 2
	DIn3        = 3
	GSMSignal   = 21
	GnssStatus  = 69
	DataMode    = 80
	BattLevel   = 113
	DOut1       = 179
	DOut2       = 180
	SleepMode   = 200
	NetworkType = 237
	Ignition    = 239
	Movement    = 240
	BTStatus    = 263
	InstantMov  = 303
)

// IOs de 2 bytes.
const (
	ExtVolt      = 66
	BatteryVolt  = 67
	BattCurrent  = 68
	VehicleSpeed = 24
	GnssPDOP     = 181
	GnssHDOP     = 182
	AIn1         = 9
	AIn2         = 6
	AxisX        = 17
	AxisY        = 18
	AxisZ        = 19
	BLETemp1     = 25
	BLEHumidity1 = 86
)

// IOs de 4 bytes.
const (
	TotalOdometer = 16
	FuelUsedGPS   = 12
	DallasTemp1   = 72
	DallasTemp2   = 73
	TripOdometer  = 199
	GsmCellID     = 205
	GsmAreaCode   = 206
	ActiveGsmOpe  = 241
)

// BeaconData es el IO que transporta beacons BLE; como event IO id marca que
// el último bucket se decodifica como beacons.
const BeaconData = 385

var names = map[uint16]string{
	DIn1:          "din1",
	DIn2:          "din2",
	DIn3:          "din3",
	GSMSignal:     "gsm_signal",
	GnssStatus:    "gnss_status",
	DataMode:      "data_mode",
	BattLevel:     "battery_level",
	DOut1:         "dout1",
	DOut2:         "dout2",
	SleepMode:     "sleep_mode",
	NetworkType:   "network_type",
	Ignition:      "ignition",
	Movement:      "movement",
	BTStatus:      "bt_status",
	InstantMov:    "instant_movement",
	ExtVolt:       "external_voltage_mv",
	BatteryVolt:   "battery_voltage_mv",
	BattCurrent:   "battery_current_ma",
	VehicleSpeed:  "vehicle_speed",
	GnssPDOP:      "gnss_pdop",
	GnssHDOP:      "gnss_hdop",
	AIn1:          "ain1",
	AIn2:          "ain2",
	AxisX:         "axis_x",
	AxisY:         "axis_y",
	AxisZ:         "axis_z",
	BLETemp1:      "ble_temp1",
	BLEHumidity1:  "ble_humidity1",
	TotalOdometer: "total_odometer",
	FuelUsedGPS:   "fuel_used_gps",
	DallasTemp1:   "dallas_temp1",
	DallasTemp2:   "dallas_temp2",
	TripOdometer:  "trip_odometer",
	GsmCellID:     "gsm_cell_id",
	GsmAreaCode:   "gsm_area_code",
	ActiveGsmOpe:  "active_gsm_operator",
	BeaconData:    "beacons",
}

// Name devuelve el nombre conocido del IO, o false.
func Name(id uint16) (string, bool) {
	n, ok := names[id]
	return n, ok
}

// Key devuelve el nombre conocido o "io_<id>".
func Key(id uint16) string {
	if n, ok := names[id]; ok {
		return n
	}
	return "io_" + strconv.Itoa(int(id))
}
