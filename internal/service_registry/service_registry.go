package service_registry

import (
	"errors"
	"fmt"

	"github.com/benmeehan/presence-hub/internal/services"
	"github.com/benmeehan/presence-hub/internal/utils"
	"github.com/benmeehan/presence-hub/pkg/mqtt"
	"github.com/rs/zerolog"
)

// ServiceRegistry manages the lifecycle of various services in the system.
type ServiceRegistry struct {
	services    map[string]Service // Stores registered services
	serviceKeys []string           // Maintains order of service registration
	mqttClient  mqtt.MQTTClient
	Logger      zerolog.Logger
}

// NewServiceRegistry initializes a new service registry with dependencies.
// mqttClient may be nil when no service needs it.
func NewServiceRegistry(mqttClient mqtt.MQTTClient, logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services:   make(map[string]Service),
		mqttClient: mqttClient,
		Logger:     logger,
	}
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc Service) {
	if _, exists := sr.services[name]; exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = svc
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.Logger.Info().Msgf("Registered service: %s", name)
}

// Names returns the registered service names in start order.
func (sr *ServiceRegistry) Names() []string {
	return append([]string(nil), sr.serviceKeys...)
}

// StartServices initiates all registered services in order.
// If a service fails to start, it stops already started services.
func (sr *ServiceRegistry) StartServices() error {
	startedServices := []string{}

	for _, name := range sr.serviceKeys {
		svc := sr.services[name]
		sr.Logger.Info().Msgf("Starting service: %s", name)
		if err := svc.Start(); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			// Stop already started services before returning
			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			for i := len(startedServices) - 1; i >= 0; i-- {
				_ = sr.services[startedServices[i]].Stop()
			}
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
		startedServices = append(startedServices, name)
	}

	return nil
}

// StopServices stops all services in reverse order.
func (sr *ServiceRegistry) StopServices() error {
	var stopErrors []error
	for i := len(sr.serviceKeys) - 1; i >= 0; i-- {
		name := sr.serviceKeys[i]
		if err := sr.services[name].Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}

// RegisterServices initializes and registers enabled services based on
// configuration. The event bus starts first and stops last so every other
// service can emit until it is down.
func (sr *ServiceRegistry) RegisterServices(config *utils.Config, core *Core) error {
	// Ordered service definitions with inline constructors
	servicesInOrder := []struct {
		name        string
		enabled     bool
		constructor func() (Service, error)
	}{
		{
			name:    "events",
			enabled: true,
			constructor: func() (Service, error) {
				return core.Bus, nil
			},
		},
		{
			name:    "reaper",
			enabled: true,
			constructor: func() (Service, error) {
				return services.NewReaperService(core.Heartbeat, core.Tracker, core.Locks, core.Dispatcher, sr.Logger), nil
			},
		},
		{
			name:    "health_collector",
			enabled: config.Health.Collector.Enabled,
			constructor: func() (Service, error) {
				return services.NewHealthCollectorService(
					config.Health.Component,
					config.Health.Collector.Interval,
					config.Health.Collector.Timeout,
					config.Health.Collector.Metrics,
					core.Tracker.Registry(),
					core.Aggregator,
					sr.Logger,
				), nil
			},
		},
		{
			name:    "health_ingest",
			enabled: config.Health.Ingest.Enabled,
			constructor: func() (Service, error) {
				if sr.mqttClient == nil {
					return nil, errors.New("health ingest needs an mqtt client")
				}
				return services.NewHealthIngestService(
					config.Health.Ingest.Topic,
					config.Health.Ingest.QOS,
					sr.mqttClient,
					core.Aggregator,
					sr.Logger,
				), nil
			},
		},
		{
			name:    "gateway",
			enabled: config.Gateway.Enabled,
			constructor: func() (Service, error) {
				if core.Gateway == nil {
					return nil, errors.New("gateway is enabled but was not built")
				}
				return core.Gateway, nil
			},
		},
	}

	// Register services in the predefined order
	registeredServices := []string{}
	for _, svc := range servicesInOrder {
		if svc.enabled {
			serviceInstance, err := svc.constructor()
			if err != nil {
				sr.Logger.Error().Err(err).Msgf("Failed to create %s service", svc.name)
				return err
			}
			sr.RegisterService(svc.name, serviceInstance)
			registeredServices = append(registeredServices, svc.name)
		}
	}

	sr.Logger.Info().Msgf("Registered services in order: %v", registeredServices)
	return nil
}
