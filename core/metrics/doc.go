// Package metrics defines the events recorded by the agents and the sink
// interface receiving them. Sinks such as the Prometheus and InfluxDB ones in
// infra/metrics register themselves in a factory registry; NewMetricsSink
// returns a MultiSink automatically when several sinks are configured.
package metrics
