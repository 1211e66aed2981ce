// Package config loads the node's configuration.
//
// Settings come from three layers, later ones winning:
//
//  1. Built-in defaults
//  2. The YAML file (configs/node.yaml)
//  3. RIOT2_* environment variables
//
// The orchestrator provisions nodes through the environment: RIOT2_NODE_ID,
// RIOT2_NODE_URL, RIOT2_MQTT_IP, RIOT2_MQTT_USERNAME and RIOT2_MQTT_PASSWORD.
// A node started with only those variables and no file is fully configured
// (FromEnv). Relative directories are resolved against node.app_dir.
//
//	cfg, err := config.Load("configs/node.yaml")
//	if err != nil {
//	    return err
//	}
//	topics := mqtt.NodeTopics{NodeID: cfg.Node.ID}
package config
