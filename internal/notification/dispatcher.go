package notification

import (
	"context"
	"fmt"

	"alertbridge/internal/events"
	"alertbridge/internal/model"
)

// Dispatcher converts bus events into alerts. Only events a user would
// act on become notifications: terminal order outcomes, expired
// sessions, and degraded connections.
type Dispatcher struct {
	notifier Notifier
}

// NewDispatcher subscribes a notifier to the bus.
func NewDispatcher(bus *events.Bus, notifier Notifier) *Dispatcher {
	d := &Dispatcher{notifier: notifier}
	bus.OnOrderUpdate(d.onOrder)
	bus.OnConnectionUpdate(d.onConnection)
	return d
}

func (d *Dispatcher) onOrder(ev events.OrderUpdate) {
	var alert Alert
	switch ev.To {
	case model.StatusComplete:
		alert = Alert{
			Level: AlertInfo,
			Title: fmt.Sprintf("Order filled: %s", ev.Symbol),
			Message: fmt.Sprintf("%s order %s on %s filled %d @ %s",
				ev.Broker, ev.OrderID, ev.Symbol, ev.FilledQty, paise(ev.AvgPrice)),
		}
	case model.StatusRejected:
		alert = Alert{
			Level:   AlertWarning,
			Title:   fmt.Sprintf("Order rejected: %s", ev.Symbol),
			Message: fmt.Sprintf("%s rejected order %s: %s", ev.Broker, ev.OrderID, ev.Message),
		}
	case model.StatusFailed:
		alert = Alert{
			Level:   AlertWarning,
			Title:   fmt.Sprintf("Order failed: %s", ev.Symbol),
			Message: fmt.Sprintf("submission to %s failed: %s", ev.Broker, ev.Message),
		}
	case model.StatusCancelled:
		alert = Alert{
			Level:   AlertInfo,
			Title:   fmt.Sprintf("Order cancelled: %s", ev.Symbol),
			Message: fmt.Sprintf("%s order %s cancelled", ev.Broker, ev.OrderID),
		}
	default:
		return
	}
	d.notifier.Send(context.Background(), alert)
}

func (d *Dispatcher) onConnection(ev events.ConnectionUpdate) {
	switch {
	case ev.AuthStatus == model.AuthExpired:
		d.notifier.Send(context.Background(), Alert{
			Level:   AlertWarning,
			Title:   fmt.Sprintf("%s session expired", ev.Broker),
			Message: fmt.Sprintf("connection %s needs to be reconnected", ev.ConnectionID),
		})
	case ev.Degraded:
		d.notifier.Send(context.Background(), Alert{
			Level:   AlertCritical,
			Title:   fmt.Sprintf("%s connection degraded", ev.Broker),
			Message: fmt.Sprintf("connection %s: %s", ev.ConnectionID, ev.Message),
		})
	}
}

func paise(p int64) string {
	return fmt.Sprintf("₹%d.%02d", p/100, p%100)
}
