// Package influxdb writes device reports to InfluxDB.
//
// The sink is optional (influxdb.enabled). When enabled, every report the
// bus bridge publishes is also written as a point in the "device_report"
// measurement, tagged by node, device and report name. Write failures are
// asynchronous; they are logged and counted in Stats.
package influxdb
