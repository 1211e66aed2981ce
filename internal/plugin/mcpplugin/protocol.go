package mcpplugin

import (
	"net/http"

	"github.com/revolutionized-iot2/riot2-node/internal/device"
)

// Tool names exposed by a plugin process.
const (
	ToolDescribe   = "describe"
	ToolInitialize = "initialize"
	ToolHTTP       = "http"
	ToolStart      = "start"
	ToolStop       = "stop"
	ToolConfigure  = "configure"
	ToolRefresh    = "refresh"
	ToolExecute    = "execute"
	ToolTemplate   = "template"
)

type describeResult struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Entries []string `json:"entries"`
}

type entryArgs struct {
	Entry string `json:"entry"`
}

type routeDesc struct {
	Method  string `json:"method"`
	Pattern string `json:"pattern"`
}

type deviceDesc struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Class        string              `json:"class"`
	Capabilities device.Capabilities `json:"capabilities"`
}

type initializeResult struct {
	Routes  []routeDesc  `json:"routes"`
	Devices []deviceDesc `json:"devices"`
}

type deviceArgs struct {
	Device        string                `json:"device"`
	Configuration *device.Configuration `json:"configuration,omitempty"`
	Command       *device.Command       `json:"command,omitempty"`
}

// stateResult carries the driver's status message after a call.
type stateResult struct {
	Message string `json:"message"`
}

type refreshResult struct {
	Reports []device.Report `json:"reports"`
	Message string          `json:"message"`
}

// httpArgs is one proxied HTTP request. Path is relative to the package
// mount point; Body is base64 on the wire.
type httpArgs struct {
	Entry  string      `json:"entry"`
	Method string      `json:"method"`
	Path   string      `json:"path"`
	Query  string      `json:"query,omitempty"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

type httpResult struct {
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}
