// Package handler reduces parsed tracker reports into persistence
// mutations, notification events and outbound command intents. It is the
// only place that interprets report semantics; connections stay dumb
// pipes.
package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetlink/gv50d/pkg/config"
	"github.com/fleetlink/gv50d/pkg/notify"
	"github.com/fleetlink/gv50d/pkg/store"
	"github.com/fleetlink/gv50d/pkg/track"
	"github.com/fleetlink/gv50d/pkg/util"
)

// batteryAlertInterval bounds low-battery pushes to one per device per
// interval, however often the tracker repeats GTEPS.
const batteryAlertInterval = 10 * time.Minute

// Action is what the connection must perform after a frame is reduced,
// in order: write the ACK, release the in-flight marker when asked, then
// offer the command to the dispatcher.
type Action struct {
	Ack     string         // acknowledgment frame, set for every parsed report
	Command *track.Command // outbound command intent, nil when nothing is owed
	Release bool           // clear this IMEI's in-flight marker
}

// Handler is the device state reducer. A single instance serves all
// connections; it holds no per-device state of its own.
type Handler struct {
	store    store.Store
	notifier *notify.Service
	cfg      *config.Config
	now      func() time.Time
}

func New(st store.Store, notifier *notify.Service, cfg *config.Config) *Handler {
	return &Handler{
		store:    st,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Handle applies one parsed report. The returned Action carries the ACK
// even when persistence failed, so the device is never starved of
// acknowledgments by a database outage.
func (h *Handler) Handle(ctx context.Context, r *track.Report, clientIP string) (Action, error) {
	now := h.now().UTC()
	act := Action{Ack: r.Ack(now)}

	// Replayed backlog records history and nothing else. The device row
	// reflects the present; a buffered frame is the past.
	if r.Category == track.CategoryBuff {
		if r.Locational() {
			if err := h.appendSample(ctx, r, now); err != nil {
				return act, err
			}
		}
		return act, nil
	}

	dev, err := h.store.LoadDevice(ctx, r.IMEI)
	if err != nil {
		return act, fmt.Errorf("handler: loading %s: %w", r.IMEI, err)
	}

	up := store.Update{Set: map[string]interface{}{
		"client_ip":    clientIP,
		"last_seen_at": now,
		"updated_at":   now,
	}}

	if r.Locational() {
		if err := h.appendSample(ctx, r, now); err != nil {
			return act, err
		}
		stageLocation(&up, r)
	}

	switch r.Type {
	case "GTIGN":
		up.Set["ignition_on"] = true
		h.notify(ctx, dev, r, notify.EventIgnitionOn, 0)
	case "GTIGF":
		up.Set["ignition_on"] = false
		h.notify(ctx, dev, r, notify.EventIgnitionOff, 0)
	case "GTEPS":
		if r.Voltage != nil {
			h.stageBattery(ctx, &up, dev, r, now)
		}
	case "GTOUT":
		h.stageRelayOutcome(ctx, &up, dev, r, &act)
	case "GTSRI":
		if r.Status == track.StatusOK && dev != nil && dev.IPChangePending {
			up.Unset = append(up.Unset, "ip_change_pending")
			act.Release = true
		}
	case "GTSTT":
		up.Set["moving"] = r.Moving()
		up.Set["motion_code"] = r.MotionCode
	}

	if err := h.store.UpsertDevice(ctx, r.IMEI, up); err != nil {
		return act, fmt.Errorf("handler: updating %s: %w", r.IMEI, err)
	}

	// Command decision, at most one per inbound frame. Block intent
	// outranks migration.
	pendingBlock, pendingIP := finalPending(dev, up)
	switch {
	case pendingBlock != nil:
		cmd := track.BlockCommand(h.cfg.DevicePassword, *pendingBlock)
		act.Command = &cmd
	case pendingIP:
		cmd := track.MigrateCommand(h.cfg.DevicePassword,
			h.cfg.PrimaryServerIP, h.cfg.PrimaryServerPort,
			h.cfg.BackupServerIP, h.cfg.BackupServerPort)
		act.Command = &cmd
	}

	return act, nil
}

// stageRelayOutcome settles a GTOUT status echo against the recorded
// intent. Without a pending intent the echo is informative and nothing
// changes; the device may legitimately restate its relay state.
func (h *Handler) stageRelayOutcome(ctx context.Context, up *store.Update, dev *store.Device, r *track.Report, act *Action) {
	if dev == nil || dev.BlockCmdPending == nil {
		return
	}

	intent := *dev.BlockCmdPending
	up.Unset = append(up.Unset, "block_cmd_pending")
	act.Release = true

	if r.Status != track.StatusOK {
		util.WithIMEI(r.IMEI).WithField("status", r.Status).
			Warn("relay command rejected by device")
		return
	}

	up.Set["blocked"] = intent
	if intent {
		h.notify(ctx, dev, r, notify.EventBlocked, 0)
	} else {
		h.notify(ctx, dev, r, notify.EventUnblocked, 0)
	}
}

// stageBattery records the supply voltage and raises the low-battery
// alert when it sags under the configured floor.
func (h *Handler) stageBattery(ctx context.Context, up *store.Update, dev *store.Device, r *track.Report, now time.Time) {
	v := *r.Voltage
	up.Set["battery_voltage"] = v

	if v >= h.cfg.LowBatteryVolts {
		up.Set["battery_low"] = false
		return
	}

	up.Set["battery_low"] = true
	if dev != nil && dev.LastBatteryAlertAt != nil &&
		now.Sub(*dev.LastBatteryAlertAt) < batteryAlertInterval {
		return
	}
	up.Set["last_battery_alert_at"] = now
	h.notify(ctx, dev, r, notify.EventLowBattery, v)
}

// appendSample writes one telemetry fact. Replayed frames keep their own
// clock so backfilled history does not interleave with live samples.
func (h *Handler) appendSample(ctx context.Context, r *track.Report, now time.Time) error {
	serverTS := now
	if r.Category == track.CategoryBuff && !r.DeviceTime.IsZero() && r.DeviceTime.Before(now) {
		serverTS = r.DeviceTime
	}

	s := &store.Sample{
		IMEI:       r.IMEI,
		ReportType: r.Type,
		Longitude:  r.Longitude,
		Latitude:   r.Latitude,
		Altitude:   r.Altitude,
		Speed:      r.Speed,
		ServerTS:   serverTS,
		RawFrame:   r.Raw,
	}
	if !r.DeviceTime.IsZero() {
		ts := r.DeviceTime
		s.DeviceTS = &ts
	}

	if err := h.store.AppendTelemetry(ctx, s); err != nil {
		return fmt.Errorf("handler: appending telemetry for %s: %w", r.IMEI, err)
	}
	return nil
}

func (h *Handler) notify(ctx context.Context, dev *store.Device, r *track.Report, typ notify.EventType, voltage float64) {
	ev := notify.Event{Type: typ, IMEI: r.IMEI, Voltage: voltage}
	if dev != nil {
		ev.Plate = dev.Plate
		ev.CustomerRef = dev.CustomerRef
	}
	h.notifier.Notify(ctx, ev)
}

func stageLocation(up *store.Update, r *track.Report) {
	if r.Speed != nil {
		up.Set["speed"] = *r.Speed
	}
	if r.Longitude != nil {
		up.Set["longitude"] = *r.Longitude
	}
	if r.Latitude != nil {
		up.Set["latitude"] = *r.Latitude
	}
	if r.Altitude != nil {
		up.Set["altitude"] = *r.Altitude
	}
	if !r.DeviceTime.IsZero() {
		up.Set["device_ts"] = r.DeviceTime
	}
}

// finalPending projects the pending intents as they stand once this
// frame's update lands, so the command decision sees the frame's own
// effects.
func finalPending(dev *store.Device, up store.Update) (*bool, bool) {
	var block *bool
	var ip bool
	if dev != nil {
		block = dev.BlockCmdPending
		ip = dev.IPChangePending
	}
	for _, f := range up.Unset {
		switch f {
		case "block_cmd_pending":
			block = nil
		case "ip_change_pending":
			ip = false
		}
	}
	return block, ip
}
