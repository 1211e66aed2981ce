package influxdb

import (
	"encoding/json"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// reportMeasurement is the measurement all device reports are written to.
const reportMeasurement = "device_report"

// WriteReport records one device report.
//
// The payload's top-level scalar members become fields (numbers, booleans
// and strings). A bare scalar payload is stored as the field "value".
// Nested objects and arrays are skipped. Reports without any scalar are
// counted as skipped. Writes after Close are ignored.
//
// Parameters:
//   - deviceID, deviceName: Tags identifying the device
//   - report: Report name (tag)
//   - payload: Report JSON as produced by the driver
//   - at: Report timestamp
func (c *Client) WriteReport(deviceID, deviceName, report string, payload json.RawMessage, at time.Time) {
	if c.closed.Load() {
		return
	}

	fields := reportFields(payload)
	if len(fields) == 0 {
		c.skipped.Add(1)
		return
	}

	point := write.NewPoint(
		reportMeasurement,
		map[string]string{
			"device_id":   deviceID,
			"device_name": deviceName,
			"report":      report,
		},
		fields,
		at,
	)
	c.writeAPI.WritePoint(point)
	c.written.Add(1)
}

// reportFields flattens a report payload into InfluxDB fields.
func reportFields(payload json.RawMessage) map[string]any {
	if len(payload) == 0 {
		return nil
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil
	}

	fields := make(map[string]any)
	switch v := decoded.(type) {
	case map[string]any:
		for key, member := range v {
			if scalar, ok := fieldValue(member); ok {
				fields[key] = scalar
			}
		}
	default:
		if scalar, ok := fieldValue(v); ok {
			fields["value"] = scalar
		}
	}
	return fields
}

func fieldValue(v any) (any, bool) {
	switch x := v.(type) {
	case float64, bool, string:
		return x, true
	default:
		return nil, false
	}
}
