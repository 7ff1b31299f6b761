// Package infra contains the technical adapters of the agents: the MQTT
// client, the QP solver, the Modbus actuator, the forecast sources, the
// monitor stores and the metrics exporters. These packages depend only on the
// interfaces defined in the core packages.
package infra
