package track

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Category distinguishes the three inbound frame classes.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryResp             // +RESP, a real-time report
	CategoryBuff             // +BUFF, replayed from the device's offline backlog
	CategoryAck              // +ACK, reply to a server-issued command
)

func (c Category) String() string {
	switch c {
	case CategoryResp:
		return "RESP"
	case CategoryBuff:
		return "BUFF"
	case CategoryAck:
		return "ACK"
	}
	return "UNKNOWN"
}

// StatusOK is the device result code that confirms a command took effect.
const StatusOK = "0000"

var (
	// ErrBadFrame reports a frame that does not have the +<category>:<type>
	// shape or lacks the IMEI field.
	ErrBadFrame = errors.New("track: malformed frame")

	// ErrUnknownType reports a structurally valid frame whose report type
	// this server does not handle. Not a connection error.
	ErrUnknownType = errors.New("track: unrecognised report type")
)

// reportTypes is the set of handled report types.
var reportTypes = map[string]bool{
	"GTFRI": true, // periodic location fix
	"GTIGN": true, // ignition on
	"GTIGF": true, // ignition off
	"GTOUT": true, // immobiliser output status
	"GTEPS": true, // external power supply
	"GTHBD": true, // heartbeat
	"GTSTT": true, // motion state transition
	"GTSRI": true, // server registration (migration) result
	"GTPNA": true, // power on
	"GTPFA": true, // power off
	"GTMPN": true, // main power connected
	"GTMPF": true, // main power removed
	"GTBTC": true, // battery charge start
	"GTSTC": true, // battery charge stop
}

// Report is one parsed @Track frame. Field pointers are nil when the frame
// did not carry the value or it failed to parse; the frame as a whole is
// still valid.
type Report struct {
	Category Category
	Type     string
	Protocol string // protocol version, echoed into the ACK
	IMEI     string
	Count    string // frame serial number, echoed into the ACK

	Longitude *float64
	Latitude  *float64
	Altitude  *float64
	Speed     *float64

	Status     string   // GTOUT / GTSRI result code
	Voltage    *float64 // GTEPS supply voltage, volts
	MotionCode string   // GTSTT state code

	GPSTime    time.Time // fix timestamp, zero when absent or invalid
	DeviceTime time.Time // device wall-clock, zero when absent or invalid

	Raw string // the frame exactly as received
}

// HasFix reports whether the frame carried a usable coordinate pair.
func (r *Report) HasFix() bool {
	return r.Longitude != nil && r.Latitude != nil
}

// Moving interprets the GTSTT motion code: the trailing digit is 2 when the
// device considers itself in motion (12, 22, 42) and 1 at rest (11, 21, 41).
func (r *Report) Moving() bool {
	return len(r.MotionCode) == 2 && r.MotionCode[1] == '2'
}

// Locational reports whether this report type carries a position block.
// Lifecycle reports belong here even when a particular frame has no fix.
func (r *Report) Locational() bool {
	switch r.Type {
	case "GTFRI", "GTIGN", "GTIGF", "GTEPS",
		"GTPNA", "GTPFA", "GTMPN", "GTMPF", "GTBTC", "GTSTC":
		return true
	}
	return false
}

// Parse decodes a single frame. It accepts the frame with or without its
// trailing terminator. Recognised types never fail on missing optional
// fields; only a broken envelope or an absent IMEI is an error.
func Parse(frame string) (*Report, error) {
	raw := frame
	s := strings.TrimSpace(frame)
	s = strings.TrimSuffix(s, "$")
	if len(s) == 0 || s[0] != frameStart {
		return nil, fmt.Errorf("track: no frame start: %w", ErrBadFrame)
	}

	head, payload, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("track: no header separator: %w", ErrBadFrame)
	}

	var cat Category
	switch head {
	case "+RESP":
		cat = CategoryResp
	case "+BUFF":
		cat = CategoryBuff
	case "+ACK":
		cat = CategoryAck
	default:
		return nil, fmt.Errorf("track: header %q: %w", head, ErrBadFrame)
	}

	fields := strings.Split(payload, ",")
	typ := fields[0]
	if !reportTypes[typ] {
		return nil, fmt.Errorf("track: type %q: %w", typ, ErrUnknownType)
	}

	r := &Report{
		Category: cat,
		Type:     typ,
		Protocol: field(fields, 1),
		IMEI:     field(fields, 2),
		Count:    fields[len(fields)-1],
		Raw:      raw,
	}
	if r.IMEI == "" {
		return nil, fmt.Errorf("track: %s frame without IMEI: %w", typ, ErrBadFrame)
	}

	switch typ {
	case "GTFRI":
		r.Speed = floatField(fields, 8)
		r.Altitude = floatField(fields, 10)
		r.Longitude = coordField(fields, 11, 180)
		r.Latitude = coordField(fields, 12, 90)
		r.GPSTime = ParseDeviceTime(field(fields, 13))
		r.DeviceTime = lastTimestamp(fields)
	case "GTIGN", "GTIGF", "GTPNA", "GTPFA", "GTMPN", "GTMPF", "GTBTC", "GTSTC":
		parseIgnitionLayout(r, fields)
	case "GTEPS":
		parseIgnitionLayout(r, fields)
		r.Voltage = floatField(fields, 17)
	case "GTOUT", "GTSRI":
		r.Status = field(fields, 4)
	case "GTSTT":
		r.MotionCode = field(fields, 4)
	case "GTHBD":
		// identity only
	}

	return r, nil
}

// parseIgnitionLayout extracts the position block shared by ignition, power
// and charge lifecycle reports.
func parseIgnitionLayout(r *Report, fields []string) {
	r.Speed = floatField(fields, 6)
	r.Altitude = floatField(fields, 8)
	r.Longitude = coordField(fields, 9, 180)
	r.Latitude = coordField(fields, 10, 90)
	r.DeviceTime = ParseDeviceTime(field(fields, 11))
	r.GPSTime = r.DeviceTime
}

// field returns fields[i] or "" when the frame is too short.
func field(fields []string, i int) string {
	if i < 0 || i >= len(fields) {
		return ""
	}
	return fields[i]
}

func floatField(fields []string, i int) *float64 {
	s := field(fields, i)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}

// coordField parses a coordinate and rejects values outside ±limit.
func coordField(fields []string, i int, limit float64) *float64 {
	f := floatField(fields, i)
	if f == nil || *f < -limit || *f > limit {
		return nil
	}
	return f
}

// lastTimestamp finds the device send time in a GTFRI frame: the last
// 14-digit numeric field before the trailing count.
func lastTimestamp(fields []string) time.Time {
	for i := len(fields) - 2; i > 0; i-- {
		if isDigits14(fields[i]) {
			return ParseDeviceTime(fields[i])
		}
	}
	return time.Time{}
}

func isDigits14(s string) bool {
	if len(s) != 14 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ParseDeviceTime decodes the YYYYMMDDHHMMSS device wall-clock format and
// returns the zero time for anything out of range, non-numeric, impossible
// on the calendar, or the literal "0000" a cold RTC produces. A zero result
// never rejects the surrounding frame.
func ParseDeviceTime(s string) time.Time {
	if !isDigits14(s) {
		return time.Time{}
	}

	year := atoi(s[0:4])
	month := atoi(s[4:6])
	day := atoi(s[6:8])
	hour := atoi(s[8:10])
	minute := atoi(s[10:12])
	sec := atoi(s[12:14])

	if year < 1900 || year > 2100 || month < 1 || month > 12 || day < 1 || day > 31 ||
		hour > 23 || minute > 59 || sec > 59 {
		return time.Time{}
	}

	t := time.Date(year, time.Month(month), day, hour, minute, sec, 0, time.UTC)
	// time.Date normalises impossible dates (Feb 31); treat those as invalid
	if t.Day() != day || t.Month() != time.Month(month) {
		return time.Time{}
	}
	return t
}

func atoi(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		n = n*10 + int(s[i]-'0')
	}
	return n
}
