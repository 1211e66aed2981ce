package mqtt

import "fmt"

// TopicPrefixNode is the base for all per-node topics.
const TopicPrefixNode = "riot2/node"

// NodeTopics builds the topics of one node. All topics are parameterised
// by the node id so several nodes can share a broker.
//
//	topics := mqtt.NodeTopics{NodeID: "node-7"}
//	topics.Command()
//	// Returns: "riot2/node/node-7/command"
type NodeTopics struct {
	NodeID string
}

// =============================================================================
// Published by the node
// =============================================================================

// Online returns the presence topic carrying the online handshake and the LWT.
//
// Example: riot2/node/node-7/online
func (t NodeTopics) Online() string {
	return t.topic("online")
}

// Report returns the topic for refresh reports.
//
// Example: riot2/node/node-7/report
func (t NodeTopics) Report() string {
	return t.topic("report")
}

// Status returns the topic for device state changes.
//
// Example: riot2/node/node-7/status
func (t NodeTopics) Status() string {
	return t.topic("status")
}

// Ack returns the topic for command acknowledgements.
//
// Example: riot2/node/node-7/ack
func (t NodeTopics) Ack() string {
	return t.topic("ack")
}

// =============================================================================
// Subscribed by the node
// =============================================================================

// Command returns the inbound command topic.
//
// Example: riot2/node/node-7/command
func (t NodeTopics) Command() string {
	return t.topic("command")
}

// Configuration returns the configuration topic. The orchestrator publishes
// it retained, so a restarted node receives its last configuration on subscribe.
//
// Example: riot2/node/node-7/configuration
func (t NodeTopics) Configuration() string {
	return t.topic("configuration")
}

func (t NodeTopics) topic(leaf string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixNode, t.NodeID, leaf)
}
