package bridge

import "github.com/revolutionized-iot2/riot2-node/internal/device"

// publishEvents forwards registry events to the status and report topics
// until Stop. Events already buffered when Stop is called are still sent.
func (b *Bridge) publishEvents(events <-chan device.Event) {
	defer b.eventWG.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.publishEvent(ev)
		case <-b.eventsDone:
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return
					}
					b.publishEvent(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) publishEvent(ev device.Event) {
	var (
		topic string
		msg   any
	)
	switch ev.Kind {
	case device.EventState:
		topic = b.topics.Status()
		msg = StatusMessage{
			ID:        ev.DeviceID,
			Name:      ev.DeviceName,
			State:     ev.State,
			Message:   ev.Message,
			Timestamp: ev.Time,
		}
	case device.EventReport:
		if ev.Report == nil {
			return
		}
		topic = b.topics.Report()
		msg = ReportMessage{
			DeviceID:   ev.DeviceID,
			DeviceName: ev.DeviceName,
			Name:       ev.Report.Name,
			Payload:    ev.Report.Payload,
			Timestamp:  ev.Time,
		}
		if b.sink != nil {
			b.sink.WriteReport(ev.DeviceID, ev.DeviceName, ev.Report.Name, ev.Report.Payload, ev.Time)
		}
	default:
		return
	}

	if err := b.publishJSON(topic, msg); err != nil {
		b.logger.Warn("failed to publish device event",
			"device_id", ev.DeviceID, "kind", ev.Kind, "error", err)
		return
	}
	b.stats.eventsPublished.Add(1)
}
