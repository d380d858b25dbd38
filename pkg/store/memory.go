package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory. It backs unit tests and
// the persistence_uri "memory" development mode. Update keys are
// interpreted exactly as the Mongo backend interprets them; an unknown
// key is an error so typos surface in tests instead of silently writing
// stray columns.
type MemoryStore struct {
	mu        sync.RWMutex
	devices   map[string]*Device
	samples   []*Sample
	customers map[string]*Customer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:   make(map[string]*Device),
		customers: make(map[string]*Customer),
	}
}

func (m *MemoryStore) AppendTelemetry(ctx context.Context, s *Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.samples = append(m.samples, &cp)
	return nil
}

func (m *MemoryStore) LoadDevice(ctx context.Context, imei string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[imei]
	if !ok {
		return nil, nil
	}
	return cloneDevice(d), nil
}

func (m *MemoryStore) UpsertDevice(ctx context.Context, imei string, u Update) error {
	if u.IsZero() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[imei]
	if !ok {
		d = &Device{IMEI: imei}
		m.devices[imei] = d
	}

	for key, val := range u.Set {
		if err := setDeviceField(d, key, val); err != nil {
			return err
		}
	}
	for _, key := range u.Unset {
		if err := unsetDeviceField(d, key); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) LoadCustomer(ctx context.Context, id string) (*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.customers[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) Close(ctx context.Context) error {
	return nil
}

// PutDevice stores a device row directly, replacing any existing row for
// the same IMEI. Test seeding helper.
func (m *MemoryStore) PutDevice(d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.IMEI] = cloneDevice(d)
}

// PutCustomer stores a customer record directly. Test seeding helper.
func (m *MemoryStore) PutCustomer(c *Customer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.customers[c.ID] = &cp
}

// Samples returns a snapshot of all appended telemetry in insertion order.
func (m *MemoryStore) Samples() []*Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Sample, len(m.samples))
	for i, s := range m.samples {
		cp := *s
		out[i] = &cp
	}
	return out
}

func cloneDevice(d *Device) *Device {
	cp := *d
	cp.BlockCmdPending = clonePtr(d.BlockCmdPending)
	cp.BatteryVoltage = clonePtr(d.BatteryVoltage)
	cp.LastBatteryAlertAt = clonePtr(d.LastBatteryAlertAt)
	cp.Speed = clonePtr(d.Speed)
	cp.Longitude = clonePtr(d.Longitude)
	cp.Latitude = clonePtr(d.Latitude)
	cp.Altitude = clonePtr(d.Altitude)
	cp.DeviceTS = clonePtr(d.DeviceTS)
	cp.LastSeenAt = clonePtr(d.LastSeenAt)
	cp.UpdatedAt = clonePtr(d.UpdatedAt)
	return &cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

func setDeviceField(d *Device, key string, val interface{}) error {
	switch key {
	case "plate":
		d.Plate = val.(string)
	case "customer_ref":
		d.CustomerRef = val.(string)
	case "ignition_on":
		d.IgnitionOn = val.(bool)
	case "blocked":
		d.Blocked = val.(bool)
	case "block_cmd_pending":
		v := val.(bool)
		d.BlockCmdPending = &v
	case "ip_change_pending":
		d.IPChangePending = val.(bool)
	case "battery_voltage":
		v := val.(float64)
		d.BatteryVoltage = &v
	case "battery_low":
		d.BatteryLow = val.(bool)
	case "last_battery_alert_at":
		v := val.(time.Time)
		d.LastBatteryAlertAt = &v
	case "speed":
		v := val.(float64)
		d.Speed = &v
	case "longitude":
		v := val.(float64)
		d.Longitude = &v
	case "latitude":
		v := val.(float64)
		d.Latitude = &v
	case "altitude":
		v := val.(float64)
		d.Altitude = &v
	case "device_ts":
		v := val.(time.Time)
		d.DeviceTS = &v
	case "moving":
		d.Moving = val.(bool)
	case "motion_code":
		d.MotionCode = val.(string)
	case "client_ip":
		d.ClientIP = val.(string)
	case "last_seen_at":
		v := val.(time.Time)
		d.LastSeenAt = &v
	case "updated_at":
		v := val.(time.Time)
		d.UpdatedAt = &v
	default:
		return fmt.Errorf("store: unknown device field %q", key)
	}
	return nil
}

func unsetDeviceField(d *Device, key string) error {
	switch key {
	case "block_cmd_pending":
		d.BlockCmdPending = nil
	case "ip_change_pending":
		d.IPChangePending = false
	case "battery_voltage":
		d.BatteryVoltage = nil
	case "last_battery_alert_at":
		d.LastBatteryAlertAt = nil
	default:
		return fmt.Errorf("store: unknown device field %q", key)
	}
	return nil
}
