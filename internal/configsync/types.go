package configsync

import (
	"time"

	"github.com/revolutionized-iot2/riot2-node/internal/device"
	"github.com/revolutionized-iot2/riot2-node/internal/infrastructure/config"
)

// Paths appended to the node URL in the online handshake.
const (
	templatesPath = "/api/device/configuration/templates"
	statusPath    = "/api/device/status"
)

// NodeConfiguration is the node identity plus the currently applied
// device configuration and installed plugin manifest.
type NodeConfiguration struct {
	ID                  string                          `json:"id"`
	URL                 string                          `json:"url"`
	NodeType            string                          `json:"nodeType"`
	ApplicationFolder   string                          `json:"applicationFolder"`
	MQTT                MQTTConfiguration               `json:"mqtt"`
	DeviceConfiguration *device.NodeDeviceConfiguration `json:"deviceConfiguration,omitempty"`
	PluginManifest      *PluginManifest                 `json:"pluginManifest,omitempty"`
}

// MQTTConfiguration holds the bus credentials the node connected with.
type MQTTConfiguration struct {
	ClientID  string `json:"clientId"`
	ServerURL string `json:"serverUrl"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
}

// Redacted returns a copy without the bus password.
func (n NodeConfiguration) Redacted() NodeConfiguration {
	n.MQTT.Password = ""
	return n
}

// IdentityFromConfig builds the node identity from loaded configuration.
func IdentityFromConfig(cfg *config.Config) NodeConfiguration {
	return NodeConfiguration{
		ID:                cfg.Node.ID,
		URL:               cfg.Node.URL,
		NodeType:          cfg.Node.Type,
		ApplicationFolder: cfg.Node.AppDir,
		MQTT: MQTTConfiguration{
			ClientID:  cfg.MQTT.Broker.ClientID,
			ServerURL: cfg.MQTT.Broker.Host,
			Username:  cfg.MQTT.Auth.Username,
			Password:  cfg.MQTT.Auth.Password,
		},
	}
}

// PluginManifest describes a plugin package file.
type PluginManifest struct {
	Filename    string    `json:"filename"`
	Version     string    `json:"version,omitempty"`
	URL         string    `json:"url,omitempty"`
	Path        string    `json:"-"`
	InstalledAt time.Time `json:"installedAt"`
}

// Slot names a manifest record: the installed package or a downloaded one
// waiting for the next boot.
type Slot string

// Manifest slots.
const (
	SlotActive Slot = "active"
	SlotStaged Slot = "staged"
)

// PackageInfo is the remote package metadata returned by a HEAD request.
type PackageInfo struct {
	Filename string
	Version  string
	Size     int64
}

// Check outcomes recorded in the sync history.
const (
	OutcomeUpToDate   = "up-to-date"
	OutcomeDownloaded = "downloaded"
	OutcomePending    = "restart-pending"
	OutcomeFailed     = "failed"
)

// CheckRecord is one row of the plugin update history.
type CheckRecord struct {
	CheckedAt time.Time
	URL       string
	Filename  string
	Outcome   string
	Detail    string
}

// OnlineMessage is the handshake the node announces on the bus.
type OnlineMessage struct {
	ID                       string `json:"id"`
	URL                      string `json:"url"`
	NodeType                 string `json:"nodeType"`
	IsOnline                 bool   `json:"isOnline"`
	ConfigurationTemplateURL string `json:"configurationTemplateUrl"`
	DeviceStateURL           string `json:"deviceStateUrl"`
}

// Offline returns the same message with IsOnline cleared, used as the
// bus last will.
func (m OnlineMessage) Offline() OnlineMessage {
	m.IsOnline = false
	return m
}

func newOnlineMessage(n NodeConfiguration) OnlineMessage {
	return OnlineMessage{
		ID:                       n.ID,
		URL:                      n.URL,
		NodeType:                 n.NodeType,
		IsOnline:                 true,
		ConfigurationTemplateURL: n.URL + templatesPath,
		DeviceStateURL:           n.URL + statusPath,
	}
}
