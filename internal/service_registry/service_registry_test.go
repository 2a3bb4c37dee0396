package service_registry

import (
	"errors"
	"testing"

	"github.com/benmeehan/presence-hub/internal/mocks"
	"github.com/benmeehan/presence-hub/internal/utils"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	name     string
	log      *[]string
	startErr error
	stopErr  error
}

func (f *fakeService) Start() error {
	*f.log = append(*f.log, "start "+f.name)
	return f.startErr
}

func (f *fakeService) Stop() error {
	*f.log = append(*f.log, "stop "+f.name)
	return f.stopErr
}

func TestServiceRegistry_StartStopOrder(t *testing.T) {
	var log []string
	sr := NewServiceRegistry(nil, zerolog.Nop())
	sr.RegisterService("a", &fakeService{name: "a", log: &log})
	sr.RegisterService("b", &fakeService{name: "b", log: &log})
	sr.RegisterService("a", &fakeService{name: "dup", log: &log})

	assert.Equal(t, []string{"a", "b"}, sr.Names())
	require.NoError(t, sr.StartServices())
	require.NoError(t, sr.StopServices())
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, log)
}

func TestServiceRegistry_StartFailureRollsBack(t *testing.T) {
	var log []string
	sr := NewServiceRegistry(nil, zerolog.Nop())
	sr.RegisterService("a", &fakeService{name: "a", log: &log})
	sr.RegisterService("b", &fakeService{name: "b", log: &log})
	sr.RegisterService("c", &fakeService{name: "c", log: &log, startErr: errors.New("port in use")})

	err := sr.StartServices()
	assert.ErrorContains(t, err, "failed to start c")
	assert.ErrorContains(t, err, "port in use")
	assert.Equal(t, []string{"start a", "start b", "start c", "stop b", "stop a"}, log)
}

func TestServiceRegistry_StopJoinsErrors(t *testing.T) {
	var log []string
	sr := NewServiceRegistry(nil, zerolog.Nop())
	sr.RegisterService("a", &fakeService{name: "a", log: &log, stopErr: errors.New("first")})
	sr.RegisterService("b", &fakeService{name: "b", log: &log, stopErr: errors.New("second")})

	err := sr.StopServices()
	require.Error(t, err)
	assert.ErrorContains(t, err, "failed to stop a: first")
	assert.ErrorContains(t, err, "failed to stop b: second")
	assert.Equal(t, []string{"stop b", "stop a"}, log)
}

func testConfig() *utils.Config {
	cfg := &utils.Config{}
	cfg.ApplyDefaults()
	return cfg
}

func TestRegisterServices_Defaults(t *testing.T) {
	cfg := testConfig()
	core, err := BuildCore(cfg, Dependencies{}, zerolog.Nop())
	require.NoError(t, err)
	defer core.Close()

	sr := NewServiceRegistry(nil, zerolog.Nop())
	require.NoError(t, sr.RegisterServices(cfg, core))
	assert.Equal(t, []string{"events", "reaper"}, sr.Names())

	require.NoError(t, sr.StartServices())
	require.NoError(t, sr.StopServices())
}

func TestRegisterServices_AllEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.Health.Collector.Enabled = true
	cfg.Health.Ingest.Enabled = true
	cfg.Gateway.Enabled = true
	cfg.Gateway.Address = "127.0.0.1:0"

	core, err := BuildCore(cfg, Dependencies{}, zerolog.Nop())
	require.NoError(t, err)
	defer core.Close()
	require.NotNil(t, core.Gateway)

	sr := NewServiceRegistry(&mocks.MockMQTTClient{}, zerolog.Nop())
	require.NoError(t, sr.RegisterServices(cfg, core))
	assert.Equal(t, []string{"events", "reaper", "health_collector", "health_ingest", "gateway"}, sr.Names())
}

func TestRegisterServices_IngestNeedsMQTT(t *testing.T) {
	cfg := testConfig()
	cfg.Health.Ingest.Enabled = true

	core, err := BuildCore(cfg, Dependencies{}, zerolog.Nop())
	require.NoError(t, err)
	defer core.Close()

	err = NewServiceRegistry(nil, zerolog.Nop()).RegisterServices(cfg, core)
	assert.ErrorContains(t, err, "mqtt client")
}
