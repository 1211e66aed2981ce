// Package bridge connects the node's MQTT topics to the device registry.
//
// Inbound, it receives device configurations and commands for this node.
// A configuration is validated against the schema and applied through
// configuration sync by a single worker; when several arrive while one is
// being applied only the newest is kept. Commands are queued to a bounded
// worker pool and acknowledged twice: "accepted" when queued, then
// "completed" or "failed" with an error code once the device has run them.
//
// Outbound, every device state change and refresh report from the registry
// is published to the node's status and report topics, and reports are
// optionally copied to a ReportSink such as InfluxDB.
//
// On Start the bridge waits briefly for a retained configuration. If none
// arrives it publishes the retained online message so the orchestrator can
// push one. The same announcement is repeated after a reconnect for as
// long as the node remains unconfigured.
//
// Usage:
//
//	b, err := bridge.New(bridge.Options{
//	    MQTT:     mqttClient,
//	    Registry: registry,
//	    Sync:     syncService,
//	    Topics:   mqtt.NodeTopics{NodeID: cfg.Node.ID},
//	    Sink:     influxClient,
//	    Logger:   log.With("component", "bridge"),
//	})
//	if err != nil {
//	    return err
//	}
//	if err := b.Start(ctx); err != nil {
//	    return err
//	}
//	defer b.Stop(shutdownCtx)
package bridge
