// Package mqttingest receives device status reports over MQTT.
//
// Devices that already hold a broker connection can publish their reports
// to <prefix>/<device-id>/status instead of calling the HTTP endpoint. The
// payload is the same JSON report body plus the work item id; the device id
// is taken from the topic. Both channels funnel into the same ingest path,
// so validation and duplicate handling are identical. Rejected reports are
// logged and dropped; MQTT offers no reply channel and the engine treats a
// conflicting report as final either way.
package mqttingest
