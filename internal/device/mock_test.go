package device

import (
	"context"
	"encoding/json"
	"sync"
)

// MockDriver is a test implementation of Driver with no optional capabilities.
type MockDriver struct {
	id    string
	name  string
	class string

	mu         sync.Mutex
	startErr   error
	stopErr    error
	startCalls int
	stopCalls  int
	startHook  func(ctx context.Context) error
	message    string
}

func NewMockDriver(id, class string) *MockDriver {
	return &MockDriver{id: id, name: "Device " + id, class: class}
}

func (m *MockDriver) ID() string    { return m.id }
func (m *MockDriver) Name() string  { return m.name }
func (m *MockDriver) Class() string { return m.class }

func (m *MockDriver) Start(ctx context.Context) error {
	m.mu.Lock()
	m.startCalls++
	hook := m.startHook
	err := m.startErr
	m.mu.Unlock()
	if hook != nil {
		return hook(ctx)
	}
	return err
}

func (m *MockDriver) Stop(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalls++
	return m.stopErr
}

func (m *MockDriver) StateMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.message
}

func (m *MockDriver) setStartErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

func (m *MockDriver) setStopErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopErr = err
}

func (m *MockDriver) calls() (start, stop int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCalls, m.stopCalls
}

// MockSensor adds Refresher and Configurable.
type MockSensor struct {
	*MockDriver

	refreshMu     sync.Mutex
	refreshCalls  int
	refreshErr    func(call int) error
	configured    []Configuration
	configureErr  error
	configureHook func()
}

func NewMockSensor(id, class string) *MockSensor {
	return &MockSensor{MockDriver: NewMockDriver(id, class)}
}

func (m *MockSensor) Refresh(_ context.Context) ([]Report, error) {
	m.refreshMu.Lock()
	m.refreshCalls++
	call := m.refreshCalls
	fn := m.refreshErr
	m.refreshMu.Unlock()

	if fn != nil {
		if err := fn(call); err != nil {
			return nil, err
		}
	}
	return []Report{{Name: "value", Payload: json.RawMessage(`{"value":1}`)}}, nil
}

func (m *MockSensor) Configure(_ context.Context, cfg Configuration) error {
	if m.configureHook != nil {
		m.configureHook()
	}
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	if m.configureErr != nil {
		return m.configureErr
	}
	m.configured = append(m.configured, cfg)
	return nil
}

func (m *MockSensor) refreshCount() int {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	return m.refreshCalls
}

func (m *MockSensor) lastConfigured() (Configuration, int) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	if len(m.configured) == 0 {
		return Configuration{}, 0
	}
	return m.configured[len(m.configured)-1], len(m.configured)
}

// MockSwitch adds Commander and TemplateProvider.
type MockSwitch struct {
	*MockDriver

	cmdMu       sync.Mutex
	commands    []Command
	executeErr  error
	template    Configuration
	templateErr error
}

func NewMockSwitch(id, class string) *MockSwitch {
	return &MockSwitch{MockDriver: NewMockDriver(id, class)}
}

func (m *MockSwitch) Execute(_ context.Context, cmd Command) error {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()
	if m.executeErr != nil {
		return m.executeErr
	}
	m.commands = append(m.commands, cmd)
	return nil
}

func (m *MockSwitch) ConfigurationTemplate(_ context.Context) (Configuration, error) {
	return m.template, m.templateErr
}

func (m *MockSwitch) executed() []Command {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()
	out := make([]Command, len(m.commands))
	copy(out, m.commands)
	return out
}

// MockProxy implements every optional interface but declares a narrower set.
type MockProxy struct {
	*MockSwitch
	declared Capabilities
}

func (m *MockProxy) Refresh(_ context.Context) ([]Report, error) { return nil, nil }

func (m *MockProxy) Configure(_ context.Context, _ Configuration) error { return nil }

func (m *MockProxy) Capabilities() Capabilities { return m.declared }

// staticSource is a ConfigSource returning a fixed configuration.
type staticSource struct {
	mu  sync.Mutex
	cfg *NodeDeviceConfiguration
}

func (s *staticSource) DeviceConfiguration() *NodeDeviceConfiguration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *staticSource) set(cfg *NodeDeviceConfiguration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}
