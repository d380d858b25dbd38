package notify

import (
	"context"
	"strconv"
	"time"

	"github.com/fleetlink/gv50d/pkg/store"
	"github.com/fleetlink/gv50d/pkg/util"
)

// EventType identifies what happened to a vehicle. The values travel in
// the push data payload, so the fleet app matches on them.
type EventType string

const (
	EventIgnitionOn  EventType = "ignition_on"
	EventIgnitionOff EventType = "ignition_off"
	EventBlocked     EventType = "vehicle_blocked"
	EventUnblocked   EventType = "vehicle_unblocked"
	EventLowBattery  EventType = "low_battery"
)

// Event is one notifiable vehicle occurrence.
type Event struct {
	Type        EventType
	IMEI        string
	Plate       string
	CustomerRef string
	Voltage     float64 // battery events only
}

// identifier returns what the recipient calls the vehicle.
func (ev Event) identifier() string {
	if ev.Plate != "" {
		return ev.Plate
	}
	return ev.IMEI
}

// message composes the push title and body. Copy is Portuguese to match
// the fleet app locale.
func (ev Event) message() (title, body string) {
	id := ev.identifier()
	switch ev.Type {
	case EventIgnitionOn:
		return "Veiculo Ligado", "O veiculo " + id + " foi ligado"
	case EventIgnitionOff:
		return "Veiculo Desligado", "O veiculo " + id + " foi desligado"
	case EventBlocked:
		return "Veiculo Bloqueado", "O veiculo " + id + " foi bloqueado com sucesso"
	case EventUnblocked:
		return "Veiculo Desbloqueado", "O veiculo " + id + " foi desbloqueado com sucesso"
	case EventLowBattery:
		v := strconv.FormatFloat(ev.Voltage, 'f', -1, 64)
		return "Bateria Baixa", "O veiculo " + id + " esta com bateria baixa (" + v + "V)"
	}
	return "", ""
}

// data builds the machine-readable payload the app parses.
func (ev Event) data() map[string]string {
	d := map[string]string{
		"event_type": string(ev.Type),
		"imei":       ev.IMEI,
		"placa":      ev.Plate,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if ev.Type == EventLowBattery {
		d["voltage"] = strconv.FormatFloat(ev.Voltage, 'f', -1, 64)
	}
	return d
}

// Service routes events to the right recipient: the customer's device
// token when the vehicle has an owner with one, otherwise the default
// broadcast topic.
type Service struct {
	gateway Gateway
	store   store.Store
	topic   string
}

func NewService(gateway Gateway, st store.Store, defaultTopic string) *Service {
	return &Service{
		gateway: gateway,
		store:   st,
		topic:   defaultTopic,
	}
}

// Notify sends the event. Failures are logged and swallowed so report
// processing never stalls on push delivery.
func (s *Service) Notify(ctx context.Context, ev Event) {
	title, body := ev.message()
	if title == "" {
		util.Logger.WithField("type", string(ev.Type)).Warn("dropping notification with unknown event type")
		return
	}

	log := util.WithIMEI(ev.IMEI).WithField("event", string(ev.Type))

	if token := s.customerToken(ctx, ev.CustomerRef); token != "" {
		if err := s.gateway.SendToToken(ctx, token, title, body, ev.data()); err != nil {
			log.WithError(err).Error("push to customer token failed")
			return
		}
		log.Info("push sent to customer token")
		return
	}

	if err := s.gateway.SendToTopic(ctx, s.topic, title, body, ev.data()); err != nil {
		log.WithError(err).WithField("topic", s.topic).Error("push to topic failed")
		return
	}
	log.WithField("topic", s.topic).Debug("push sent to topic")
}

func (s *Service) customerToken(ctx context.Context, ref string) string {
	if ref == "" {
		return ""
	}
	c, err := s.store.LoadCustomer(ctx, ref)
	if err != nil {
		util.Logger.WithError(err).WithField("customer", ref).Error("loading customer for notification")
		return ""
	}
	if c == nil {
		return ""
	}
	return c.FCMToken
}
