// Package mqtt provides the node's MQTT bus connection.
//
// This package manages:
//   - Connection to the broker with auto-reconnect and exponential backoff
//   - Message publishing with QoS guarantees
//   - Topic subscriptions, restored after every reconnect
//   - Node presence via Last Will and Testament
//   - Publish and delivery counters (Stats)
//   - Per-node topic naming (NodeTopics)
//
// # Architecture
//
// The orchestrator and the node talk only through the broker:
//
//	Orchestrator ↔ MQTT Broker ↔ Node (bridge package)
//
// The orchestrator publishes configuration retained on
// riot2/node/{id}/configuration, so a node that restarts after a plugin
// update receives its last configuration as soon as it subscribes.
//
// # Security Considerations
//
//   - TLS should be enabled outside the lab (cfg.Broker.TLS=true)
//   - Credentials come from RIOT2_MQTT_USERNAME and RIOT2_MQTT_PASSWORD
//
// # Usage
//
//	topics := mqtt.NodeTopics{NodeID: cfg.Node.ID}
//	client, err := mqtt.Connect(ctx, cfg.MQTT, &mqtt.Presence{Topic: topics.Online(), Offline: offline})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(topics.Command(), 1, func(topic string, payload []byte) error {
//	    return handle(payload)
//	})
package mqtt
