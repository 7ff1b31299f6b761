// Package app wires the agents into runnable services: one agent per process
// over MQTT, or every agent in process for a simulation.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kilianp07/peakshave/api"
	"github.com/kilianp07/peakshave/api/plans"
	"github.com/kilianp07/peakshave/api/rows"
	"github.com/kilianp07/peakshave/config"
	"github.com/kilianp07/peakshave/core/agent"
	"github.com/kilianp07/peakshave/core/controller"
	"github.com/kilianp07/peakshave/core/monitor"
	"github.com/kilianp07/peakshave/core/protocol"
	"github.com/kilianp07/peakshave/infra/logger"
	"github.com/kilianp07/peakshave/infra/metrics"
	"github.com/kilianp07/peakshave/infra/mqtt"
)

// Service runs one agent over MQTT.
type Service struct {
	role    string
	loop    *agent.Loop
	obs     *Observability
	log     logger.Logger
	closers closers
	routes  map[string]http.Handler
	api     api.Config
}

// New connects to the broker and builds the agent of role.
func New(ctx context.Context, cfg *config.Config, role string) (*Service, error) {
	if err := cfg.ValidateFor(role); err != nil {
		return nil, err
	}
	obs, err := SetupObservability(cfg, role)
	if err != nil {
		return nil, err
	}
	topics, err := protocol.NewTopics(cfg.IDs)
	if err != nil {
		return nil, fmt.Errorf("%w: ids: %v", config.ErrConfig, err)
	}
	mqttCfg := cfg.MQTT
	if mqttCfg.ClientID == "" {
		mqttCfg.ClientID = clientID(role, cfg.IDs)
	}
	client, err := mqtt.NewPahoClient(mqttCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt client: %w", err)
	}

	s := &Service{role: role, obs: obs, log: logger.New("service"), api: cfg.API, routes: map[string]http.Handler{}}
	s.closers.add(client.Close)
	s.loop = agent.New(role, logger.New(role), agent.WithMetrics(obs.Sink))
	w := wiring{cfg: cfg, topics: topics, pub: client, sink: obs.Sink, closers: &s.closers}

	switch role {
	case config.RoleBattery:
		_, err = w.newBattery(ctx, s.loop, w.batteryConfig())
	case config.RoleController:
		var ctrl *controller.Controller
		if ctrl, err = w.newController(s.loop, cfg.Controller.StopOnSimulationEnd); err == nil {
			s.routes[plans.Path] = plans.NewHandler(ctrl.PlanLog())
		}
	case config.RoleForecast:
		_, err = w.newForecast(ctx, s.loop)
	case config.RoleMonitor:
		var mon *monitor.Agent
		if mon, err = w.newMonitor(s.loop); err == nil {
			s.routes[rows.Path] = rows.NewHandler(mon.Store())
			err = metrics.StartStatusCollector(client, topics.BatteryStatus, cfg.IDs.BatteryID, obs.Sink)
		}
	default:
		err = fmt.Errorf("%w: role %q has no agent", config.ErrConfig, role)
	}
	if err == nil {
		err = s.loop.Subscribe(client)
	}
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func clientID(role string, ids protocol.Identifiers) string {
	switch role {
	case config.RoleBattery:
		return "peakshave-battery-" + ids.BatteryID
	case config.RoleController:
		return "peakshave-controller-" + ids.ControlID
	}
	return fmt.Sprintf("peakshave-%s-%s_%s", role, ids.Sensor, ids.Phase)
}

// Run blocks until ctx ends or the agent stops.
func (s *Service) Run(ctx context.Context) error {
	s.obs.Start(ctx)
	if s.api.Address != "" && len(s.routes) > 0 {
		go func() {
			if err := api.Serve(ctx, s.api, s.routes); err != nil {
				s.log.Errorf("api server: %v", err)
			}
		}()
	}
	s.log.Infof("%s agent running", s.role)
	err := s.loop.Run(ctx)
	s.log.Infof("%s agent stopped", s.role)
	return err
}

// Close releases the agent resources and the broker connection.
func (s *Service) Close() error {
	err := s.closers.close()
	s.obs.Close()
	return err
}
