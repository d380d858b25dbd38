// Package store persists device state, telemetry history and customer
// records. The canonical backend is MongoDB (MongoStore); MemoryStore
// provides the same contract for tests and for running without a database.
package store

import (
	"context"
	"time"
)

// Device is the per-tracker state row, keyed by IMEI. Rows are created
// lazily on the first mutation for an IMEI; fields are nullable until a
// report has populated them.
type Device struct {
	IMEI        string `bson:"imei" json:"imei"`
	Plate       string `bson:"plate,omitempty" json:"plate,omitempty"`
	CustomerRef string `bson:"customer_ref,omitempty" json:"customer_ref,omitempty"`

	IgnitionOn bool `bson:"ignition_on" json:"ignition_on"`
	Blocked    bool `bson:"blocked" json:"blocked"`

	// BlockCmdPending is ternary: nil means no command outcome is owed,
	// true/false records which relay state a dispatched command must
	// still confirm.
	BlockCmdPending *bool `bson:"block_cmd_pending,omitempty" json:"block_cmd_pending,omitempty"`

	// IPChangePending is set while an AT+GTSRI redirect awaits the
	// device's acknowledgment.
	IPChangePending bool `bson:"ip_change_pending,omitempty" json:"ip_change_pending,omitempty"`

	BatteryVoltage     *float64   `bson:"battery_voltage,omitempty" json:"battery_voltage,omitempty"`
	BatteryLow         bool       `bson:"battery_low,omitempty" json:"battery_low,omitempty"`
	LastBatteryAlertAt *time.Time `bson:"last_battery_alert_at,omitempty" json:"last_battery_alert_at,omitempty"`

	Speed      *float64   `bson:"speed,omitempty" json:"speed,omitempty"`
	Longitude  *float64   `bson:"longitude,omitempty" json:"longitude,omitempty"`
	Latitude   *float64   `bson:"latitude,omitempty" json:"latitude,omitempty"`
	Altitude   *float64   `bson:"altitude,omitempty" json:"altitude,omitempty"`
	DeviceTS   *time.Time `bson:"device_ts,omitempty" json:"device_ts,omitempty"`
	Moving     bool       `bson:"moving,omitempty" json:"moving,omitempty"`
	MotionCode string     `bson:"motion_code,omitempty" json:"motion_code,omitempty"`

	ClientIP   string     `bson:"client_ip,omitempty" json:"client_ip,omitempty"`
	LastSeenAt *time.Time `bson:"last_seen_at,omitempty" json:"last_seen_at,omitempty"`
	UpdatedAt  *time.Time `bson:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// Identifier returns the plate when one is assigned, otherwise the IMEI.
// Alerts and CLI output use it so fleet operators see the name they know.
func (d *Device) Identifier() string {
	if d.Plate != "" {
		return d.Plate
	}
	return d.IMEI
}

// Sample is one appended telemetry fact. History is append-only: samples
// are never updated after insertion.
type Sample struct {
	IMEI       string     `bson:"imei" json:"imei"`
	ReportType string     `bson:"report_type" json:"report_type"`
	Longitude  *float64   `bson:"longitude,omitempty" json:"longitude,omitempty"`
	Latitude   *float64   `bson:"latitude,omitempty" json:"latitude,omitempty"`
	Altitude   *float64   `bson:"altitude,omitempty" json:"altitude,omitempty"`
	Speed      *float64   `bson:"speed,omitempty" json:"speed,omitempty"`
	ServerTS   time.Time  `bson:"server_ts" json:"server_ts"`
	DeviceTS   *time.Time `bson:"device_ts,omitempty" json:"device_ts,omitempty"`
	RawFrame   string     `bson:"raw_frame" json:"raw_frame"`
}

// Customer is a notification recipient referenced from a device row.
type Customer struct {
	ID       string `bson:"-" json:"id"`
	Name     string `bson:"name,omitempty" json:"name,omitempty"`
	FCMToken string `bson:"fcm_token,omitempty" json:"fcm_token,omitempty"`
}

// Update is a sparse device mutation. Set writes the named fields (keys
// are the bson field names on Device), Unset removes them. Fields not
// named are left untouched, so concurrent writers never clobber each
// other's columns. The "imei" key must not appear in Set.
type Update struct {
	Set   map[string]interface{}
	Unset []string
}

// IsZero reports whether the update mutates nothing.
func (u Update) IsZero() bool {
	return len(u.Set) == 0 && len(u.Unset) == 0
}

// Store is the persistence contract the report reducer and the CLI work
// against.
//
// LoadDevice and LoadCustomer return (nil, nil) when no row exists; an
// error only signals a backend failure.
type Store interface {
	// AppendTelemetry inserts one history sample.
	AppendTelemetry(ctx context.Context, s *Sample) error

	// LoadDevice fetches the state row for an IMEI.
	LoadDevice(ctx context.Context, imei string) (*Device, error)

	// UpsertDevice applies a sparse update to the row for an IMEI,
	// creating the row when it does not exist yet.
	UpsertDevice(ctx context.Context, imei string, u Update) error

	// LoadCustomer fetches a notification recipient by reference.
	LoadCustomer(ctx context.Context, id string) (*Customer, error)

	// Close releases backend resources.
	Close(ctx context.Context) error
}

// SetPending stages operator intent on a device row. block and ipChange are
// each optional; nil leaves the flag untouched. The reducer picks the flags
// up on the device's next report.
func SetPending(ctx context.Context, st Store, imei string, block, ipChange *bool) error {
	u := Update{Set: map[string]interface{}{}}
	if block != nil {
		u.Set["block_cmd_pending"] = *block
	}
	if ipChange != nil {
		u.Set["ip_change_pending"] = *ipChange
	}
	if u.IsZero() {
		return nil
	}
	return st.UpsertDevice(ctx, imei, u)
}

// ClearPending removes both pending flags, abandoning any queued command.
func ClearPending(ctx context.Context, st Store, imei string) error {
	return st.UpsertDevice(ctx, imei, Update{
		Unset: []string{"block_cmd_pending", "ip_change_pending"},
	})
}
