package mqtt

import (
	"fmt"
	"sort"
)

// Subscribe registers handler for topic and waits for the broker's SUBACK.
//
// The subscription is remembered and replayed after every reconnect, so
// callers subscribe once. A retained message on the topic is delivered as
// soon as the broker processes the subscription; the node relies on this
// for its retained configuration.
//
// Parameters:
//   - topic: Topic filter; wildcards are allowed
//   - qos: Maximum delivery QoS (0, 1 or 2)
//   - handler: Called on the paho delivery goroutine for each message
//
// Returns:
//   - error: ErrInvalidTopic, ErrInvalidQoS, ErrNotConnected, or a wrapped
//     ErrSubscribeFailed
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	switch {
	case topic == "":
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	case qos > maxQoS:
		return ErrInvalidQoS
	case handler == nil:
		return fmt.Errorf("%w: nil handler for %s", ErrSubscribeFailed, topic)
	case !c.IsConnected():
		return ErrNotConnected
	}

	sub := subscription{qos: qos, handler: c.wrapHandler(handler)}
	if err := await(c.client.Subscribe(topic, qos, sub.handler), defaultPublishTimeout, ErrSubscribeFailed); err != nil {
		return err
	}

	c.subMu.Lock()
	c.subscriptions[topic] = sub
	c.subMu.Unlock()
	return nil
}

// Subscriptions returns the remembered topic filters in sorted order.
func (c *Client) Subscriptions() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	topics := make([]string, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// restoreSubscriptions replays every remembered subscription after a
// reconnect. It runs on paho's connect callback, so failures are only
// logged; paho retries the session on the next reconnect.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	filters := make(map[string]byte, len(c.subscriptions))
	callbacks := make(map[string]subscription, len(c.subscriptions))
	for topic, sub := range c.subscriptions {
		filters[topic] = sub.qos
		callbacks[topic] = sub
	}
	c.subMu.RUnlock()

	if len(filters) == 0 {
		return
	}
	for topic, sub := range callbacks {
		c.client.AddRoute(topic, sub.handler)
	}

	token := c.client.SubscribeMultiple(filters, nil)
	go func() {
		if err := await(token, defaultPublishTimeout, ErrSubscribeFailed); err != nil {
			c.hooks.logger().Error("restoring MQTT subscriptions", "topics", len(filters), "error", err)
		}
	}()
}
