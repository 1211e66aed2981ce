package device

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

const (
	sensorClass = "RIoT2.Plugins.Sim.Counter"
	switchClass = "RIoT2.Plugins.Sim.Relay"
)

func newTestRegistry(t *testing.T, source ConfigSource, drivers ...Driver) *Registry {
	t.Helper()
	reg, err := NewRegistry(drivers, Options{Source: source, OperationTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return reg
}

func stateOf(t *testing.T, reg *Registry, id string) (State, string) {
	t.Helper()
	d, ok := reg.Device(id)
	if !ok {
		t.Fatalf("Device(%q) not found", id)
	}
	return d.State()
}

func TestNewRegistry_Errors(t *testing.T) {
	if _, err := NewRegistry(nil, Options{}); !errors.Is(err, ErrNoDevices) {
		t.Errorf("NewRegistry(nil) error = %v, want ErrNoDevices", err)
	}

	_, err := NewRegistry([]Driver{
		NewMockDriver("a", "X"),
		NewMockDriver("a", "Y"),
	}, Options{})
	if !errors.Is(err, ErrDuplicateDevice) {
		t.Errorf("NewRegistry(duplicate) error = %v, want ErrDuplicateDevice", err)
	}
}

func TestNewRegistry_PreservesOrder(t *testing.T) {
	reg := newTestRegistry(t, nil,
		NewMockDriver("c", "X"),
		NewMockDriver("a", "X"),
		NewMockDriver("b", "X"),
	)

	var ids []string
	for _, d := range reg.Devices() {
		ids = append(ids, d.ID())
	}
	if got := strings.Join(ids, ","); got != "c,a,b" {
		t.Errorf("Devices() order = %s, want c,a,b", got)
	}
}

func TestNewRegistry_Capabilities(t *testing.T) {
	tests := []struct {
		name   string
		driver Driver
		want   string
	}{
		{"base driver", NewMockDriver("d1", "X"), ""},
		{"sensor", NewMockSensor("d2", "X"), "report,configure"},
		{"switch", NewMockSwitch("d3", "X"), "command,template"},
		{
			name:   "proxy narrowed by declaration",
			driver: &MockProxy{MockSwitch: NewMockSwitch("d4", "X"), declared: Capabilities(CapReport).With(CapCommand)},
			want:   "report,command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newTestRegistry(t, nil, tt.driver)
			d, _ := reg.Device(tt.driver.ID())
			if got := d.Capabilities().String(); got != tt.want {
				t.Errorf("Capabilities() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatuses_ExcludesUnknown(t *testing.T) {
	sensor := NewMockSensor("s1", sensorClass)
	failing := NewMockDriver("f1", "X")
	failing.setStartErr(errors.New("port busy"))

	reg := newTestRegistry(t, nil, sensor, failing)

	if got := reg.Statuses(); len(got) != 0 {
		t.Fatalf("Statuses() before start = %v, want empty", got)
	}

	if err := reg.ApplyConfiguration(context.Background()); err == nil {
		t.Fatal("ApplyConfiguration() error = nil, want start failure")
	}

	got := reg.Statuses()
	if len(got) != 2 {
		t.Fatalf("Statuses() len = %d, want 2", len(got))
	}
	want := []Status{
		{ID: "s1", Name: "Device s1", State: StateRunning},
		{ID: "f1", Name: "Device f1", State: StateError, Message: "port busy"},
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Statuses()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestBind(t *testing.T) {
	sensorA := NewMockSensor("a", sensorClass)
	sensorB := NewMockSensor("b", sensorClass)
	relay := NewMockSwitch("r", switchClass)

	tests := []struct {
		name    string
		configs []Configuration
		want    map[string]string // device id -> bound config name, "" for default
	}{
		{
			name: "class and id beat first class match",
			configs: []Configuration{
				{ID: "x", Name: "generic", ClassFullName: sensorClass},
				{ID: "b", Name: "for-b", ClassFullName: sensorClass},
			},
			want: map[string]string{"a": "generic", "b": "for-b", "r": ""},
		},
		{
			name: "each configuration binds one device",
			configs: []Configuration{
				{ID: "x", Name: "only", ClassFullName: sensorClass},
			},
			want: map[string]string{"a": "only", "b": "", "r": ""},
		},
		{
			name: "instance id fallback",
			configs: []Configuration{
				{ID: "r", Name: "by-id", ClassFullName: "Other.Class"},
			},
			want: map[string]string{"a": "", "b": "", "r": "by-id"},
		},
		{
			name:    "no configuration",
			configs: nil,
			want:    map[string]string{"a": "", "b": "", "r": ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newTestRegistry(t, nil, sensorA, sensorB, relay)
			bindings := bind(reg.devices, &NodeDeviceConfiguration{Devices: tt.configs})

			for i, d := range reg.devices {
				want := tt.want[d.ID()]
				b := bindings[i]
				if want == "" {
					if b.matched {
						t.Errorf("device %s bound to %q, want default", d.ID(), b.config.Name)
					}
					if b.config.ID != d.ID() || b.config.RefreshSchedule != "" {
						t.Errorf("device %s default = %+v, want id %s and no schedule", d.ID(), b.config, d.ID())
					}
					continue
				}
				if !b.matched || b.config.Name != want {
					t.Errorf("device %s bound to %q (matched=%v), want %q", d.ID(), b.config.Name, b.matched, want)
				}
			}
		})
	}
}

func TestApplyConfiguration_Idempotent(t *testing.T) {
	source := &staticSource{}
	source.set(&NodeDeviceConfiguration{Devices: []Configuration{
		{
			ID:               "s1",
			Name:             "Counter",
			ClassFullName:    sensorClass,
			RefreshSchedule:  "*/5 * * * *",
			DeviceParameters: map[string]string{"step": "2"},
		},
	}})
	sensor := NewMockSensor("s1", sensorClass)
	relay := NewMockSwitch("r1", switchClass)
	reg := newTestRegistry(t, source, sensor, relay)
	ctx := context.Background()

	if err := reg.ApplyConfiguration(ctx); err != nil {
		t.Fatalf("first ApplyConfiguration() error = %v", err)
	}
	firstStatuses := reg.Statuses()
	firstCfg, _ := reg.devices[0].Configuration()

	if err := reg.ApplyConfiguration(ctx); err != nil {
		t.Fatalf("second ApplyConfiguration() error = %v", err)
	}
	secondStatuses := reg.Statuses()
	secondCfg, matched := reg.devices[0].Configuration()

	if len(firstStatuses) != len(secondStatuses) {
		t.Fatalf("Statuses() len changed: %d -> %d", len(firstStatuses), len(secondStatuses))
	}
	for i := range firstStatuses {
		if firstStatuses[i] != secondStatuses[i] {
			t.Errorf("Statuses()[%d] = %+v, want %+v", i, secondStatuses[i], firstStatuses[i])
		}
	}
	if !matched {
		t.Error("Configuration() matched = false, want true")
	}
	if secondCfg.RefreshSchedule != firstCfg.RefreshSchedule || secondCfg.DeviceParameters["step"] != "2" {
		t.Errorf("Configuration() = %+v, want %+v", secondCfg, firstCfg)
	}

	applied, n := sensor.lastConfigured()
	if n != 2 || applied.DeviceParameters["step"] != "2" {
		t.Errorf("driver configured %d times with %+v, want 2 with step=2", n, applied)
	}
	if start, stop := sensor.calls(); start != 2 || stop != 1 {
		t.Errorf("sensor start/stop calls = %d/%d, want 2/1", start, stop)
	}
}

func TestApplyConfiguration_NoRunningBetweenStopAndStart(t *testing.T) {
	source := &staticSource{}
	source.set(&NodeDeviceConfiguration{Devices: []Configuration{
		{ID: "s2", Name: "second", ClassFullName: sensorClass},
	}})

	first := NewMockSensor("s1", sensorClass)
	second := NewMockSensor("s2", sensorClass)
	reg := newTestRegistry(t, source, first, second)
	ctx := context.Background()

	if err := reg.ApplyConfiguration(ctx); err != nil {
		t.Fatalf("ApplyConfiguration() error = %v", err)
	}

	var observed []Status
	second.configureHook = func() {
		observed = reg.Statuses()
	}
	if err := reg.ApplyConfiguration(ctx); err != nil {
		t.Fatalf("ApplyConfiguration() error = %v", err)
	}

	if len(observed) != 2 {
		t.Fatalf("observed %d statuses, want 2", len(observed))
	}
	for _, st := range observed {
		if st.State != StateStopped && st.State != StateConfiguring {
			t.Errorf("device %s observed in %s during configuration, want Stopped or Configuring", st.ID, st.State)
		}
	}
}

func TestStopAllDevices_FailureIsolated(t *testing.T) {
	bad := NewMockDriver("bad", "X")
	good := NewMockDriver("good", "X")
	reg := newTestRegistry(t, nil, bad, good)
	ctx := context.Background()

	if err := reg.StartAllDevices(ctx, false); err != nil {
		t.Fatalf("StartAllDevices() error = %v", err)
	}

	bad.setStopErr(errors.New("relay stuck"))
	err := reg.StopAllDevices(ctx)

	errs := LifecycleErrors(err)
	if len(errs) != 1 {
		t.Fatalf("LifecycleErrors() len = %d, want 1 (err = %v)", len(errs), err)
	}
	if errs[0].DeviceID != "bad" || errs[0].Op != OpStop {
		t.Errorf("LifecycleError = %+v, want bad/stop", errs[0])
	}

	if state, msg := stateOf(t, reg, "bad"); state != StateError || msg != "relay stuck" {
		t.Errorf("bad state = %s %q, want Error \"relay stuck\"", state, msg)
	}
	if state, _ := stateOf(t, reg, "good"); state != StateStopped {
		t.Errorf("good state = %s, want Stopped", state)
	}
	if _, stop := good.calls(); stop != 1 {
		t.Errorf("good stop calls = %d, want 1", stop)
	}
}

func TestStopAllDevices_NeverStarted(t *testing.T) {
	drv := NewMockDriver("d", "X")
	reg := newTestRegistry(t, nil, drv)

	if err := reg.StopAllDevices(context.Background()); err != nil {
		t.Fatalf("StopAllDevices() error = %v", err)
	}
	if _, stop := drv.calls(); stop != 0 {
		t.Errorf("stop calls = %d, want 0", stop)
	}
	if state, _ := stateOf(t, reg, "d"); state != StateStopped {
		t.Errorf("state = %s, want Stopped", state)
	}
}

func TestConfigureFailure_SkipsStart(t *testing.T) {
	source := &staticSource{}
	source.set(&NodeDeviceConfiguration{Devices: []Configuration{
		{ID: "s1", ClassFullName: sensorClass},
	}})
	sensor := NewMockSensor("s1", sensorClass)
	sensor.configureErr = errors.New("bad parameter")
	reg := newTestRegistry(t, source, sensor)

	err := reg.ApplyConfiguration(context.Background())
	errs := LifecycleErrors(err)
	if len(errs) != 1 || errs[0].Op != OpConfigure {
		t.Fatalf("ApplyConfiguration() errors = %v, want one configure failure", errs)
	}
	if start, _ := sensor.calls(); start != 0 {
		t.Errorf("start calls = %d, want 0", start)
	}
	if state, _ := stateOf(t, reg, "s1"); state != StateError {
		t.Errorf("state = %s, want Error", state)
	}
}

func TestUnmatchedConfigurableDevice_NotConfigured(t *testing.T) {
	sensor := NewMockSensor("s1", sensorClass)
	reg := newTestRegistry(t, &staticSource{}, sensor)

	if err := reg.ApplyConfiguration(context.Background()); err != nil {
		t.Fatalf("ApplyConfiguration() error = %v", err)
	}
	if _, n := sensor.lastConfigured(); n != 0 {
		t.Errorf("Configure calls = %d, want 0", n)
	}
	if state, _ := stateOf(t, reg, "s1"); state != StateRunning {
		t.Errorf("state = %s, want Running", state)
	}
}

func TestStartAllDevices_Notify(t *testing.T) {
	tests := []struct {
		name   string
		notify bool
		want   int
	}{
		{"notify", true, 2},
		{"silent", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newTestRegistry(t, nil, NewMockSensor("s1", sensorClass), NewMockSwitch("r1", switchClass))
			events, cancel := reg.Subscribe(8)
			defer cancel()

			if err := reg.StartAllDevices(context.Background(), tt.notify); err != nil {
				t.Fatalf("StartAllDevices() error = %v", err)
			}

			got := 0
			for {
				select {
				case ev := <-events:
					if ev.Kind != EventState || ev.State != StateRunning {
						t.Errorf("event = %+v, want Running state event", ev)
					}
					got++
					continue
				default:
				}
				break
			}
			if got != tt.want {
				t.Errorf("events = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRefresh(t *testing.T) {
	sensor := NewMockSensor("s1", sensorClass)
	sensor.refreshErr = func(call int) error {
		if call == 2 {
			return errors.New("sensor offline")
		}
		return nil
	}
	relay := NewMockSwitch("r1", switchClass)
	reg := newTestRegistry(t, nil, sensor, relay)
	ctx := context.Background()

	if _, err := reg.Refresh(ctx, "s1"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Refresh() before start error = %v, want ErrNotRunning", err)
	}
	if _, err := reg.Refresh(ctx, "r1"); !errors.Is(err, ErrCapabilityUnsupported) {
		t.Errorf("Refresh(switch) error = %v, want ErrCapabilityUnsupported", err)
	}
	if _, err := reg.Refresh(ctx, "missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Refresh(missing) error = %v, want ErrDeviceNotFound", err)
	}

	if err := reg.StartAllDevices(ctx, false); err != nil {
		t.Fatalf("StartAllDevices() error = %v", err)
	}
	events, cancel := reg.Subscribe(8)
	defer cancel()

	reports, err := reg.Refresh(ctx, "s1")
	if err != nil || len(reports) != 1 {
		t.Fatalf("Refresh() = %v, %v, want one report", reports, err)
	}
	if ev := <-events; ev.Kind != EventReport || ev.Report.Name != "value" {
		t.Errorf("event = %+v, want report event", ev)
	}

	_, err = reg.Refresh(ctx, "s1")
	var le *LifecycleError
	if !errors.As(err, &le) || le.Op != OpRefresh {
		t.Fatalf("Refresh() error = %v, want refresh LifecycleError", err)
	}
	if state, msg := stateOf(t, reg, "s1"); state != StateError || msg != "sensor offline" {
		t.Errorf("state = %s %q, want Error \"sensor offline\"", state, msg)
	}
	if ev := <-events; ev.Kind != EventState || ev.State != StateError {
		t.Errorf("event = %+v, want Error state event", ev)
	}

	if _, err := reg.Refresh(ctx, "s1"); err != nil {
		t.Fatalf("Refresh() after failure error = %v", err)
	}
	if state, _ := stateOf(t, reg, "s1"); state != StateRunning {
		t.Errorf("state after recovery = %s, want Running", state)
	}
	if ev := <-events; ev.Kind != EventState || ev.State != StateRunning {
		t.Errorf("event = %+v, want Running state event", ev)
	}
}

func TestTryRefresh_BusyDuringApply(t *testing.T) {
	sensor := NewMockSensor("s1", sensorClass)
	blocker := NewMockDriver("b1", "X")
	reg := newTestRegistry(t, nil, sensor, blocker)
	ctx := context.Background()

	if err := reg.StartAllDevices(ctx, false); err != nil {
		t.Fatalf("StartAllDevices() error = %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	blocker.mu.Lock()
	blocker.startHook = func(context.Context) error {
		close(entered)
		<-release
		return nil
	}
	blocker.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- reg.ApplyConfiguration(ctx) }()

	<-entered
	if _, err := reg.TryRefresh(ctx, "s1"); !errors.Is(err, ErrBusy) {
		t.Errorf("TryRefresh() during apply error = %v, want ErrBusy", err)
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("ApplyConfiguration() error = %v", err)
	}
	if _, err := reg.TryRefresh(ctx, "s1"); err != nil {
		t.Errorf("TryRefresh() after apply error = %v", err)
	}
}

func TestExecute(t *testing.T) {
	relay := NewMockSwitch("r1", switchClass)
	sensor := NewMockSensor("s1", sensorClass)
	reg := newTestRegistry(t, nil, relay, sensor)
	ctx := context.Background()
	cmd := Command{ID: "c1", Name: "on", Payload: json.RawMessage(`true`)}

	if err := reg.Execute(ctx, "r1", cmd); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Execute() before start error = %v, want ErrNotRunning", err)
	}
	if err := reg.StartAllDevices(ctx, false); err != nil {
		t.Fatalf("StartAllDevices() error = %v", err)
	}

	tests := []struct {
		name    string
		id      string
		wantErr error
	}{
		{"unknown device", "nope", ErrDeviceNotFound},
		{"no command capability", "s1", ErrCapabilityUnsupported},
		{"delivered", "r1", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Execute(ctx, tt.id, cmd)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Execute() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if got := relay.executed(); len(got) != 1 || got[0].Name != "on" {
		t.Errorf("executed = %+v, want one \"on\" command", got)
	}

	relay.cmdMu.Lock()
	relay.executeErr = errors.New("unsupported command")
	relay.cmdMu.Unlock()

	err := reg.Execute(ctx, "r1", cmd)
	var le *LifecycleError
	if !errors.As(err, &le) || le.Op != OpExecute {
		t.Fatalf("Execute() error = %v, want execute LifecycleError", err)
	}
	if state, _ := stateOf(t, reg, "r1"); state != StateRunning {
		t.Errorf("state after failed command = %s, want Running", state)
	}
}

func TestDriverCall_TimeoutAndPanic(t *testing.T) {
	hung := NewMockDriver("hung", "X")
	hung.startHook = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	panicky := NewMockDriver("panicky", "X")
	panicky.startHook = func(context.Context) error {
		panic("nil map")
	}
	healthy := NewMockDriver("healthy", "X")

	reg, err := NewRegistry([]Driver{hung, panicky, healthy}, Options{OperationTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	err = reg.StartAllDevices(context.Background(), false)
	if !errors.Is(err, ErrCallTimeout) {
		t.Errorf("StartAllDevices() error = %v, want ErrCallTimeout", err)
	}
	if !errors.Is(err, ErrDriverPanic) {
		t.Errorf("StartAllDevices() error = %v, want ErrDriverPanic", err)
	}

	tests := []struct {
		id   string
		want State
	}{
		{"hung", StateError},
		{"panicky", StateError},
		{"healthy", StateRunning},
	}
	for _, tt := range tests {
		if state, _ := stateOf(t, reg, tt.id); state != tt.want {
			t.Errorf("%s state = %s, want %s", tt.id, state, tt.want)
		}
	}
}

func TestTemplates(t *testing.T) {
	relay := NewMockSwitch("r1", switchClass)
	relay.template = Configuration{ID: "tmpl", Name: "Relay", ClassFullName: switchClass}
	broken := NewMockSwitch("r2", switchClass)
	broken.templateErr = errors.New("no template")
	sensor := NewMockSensor("s1", sensorClass)
	plain := NewMockDriver("p1", "Plain")

	reg := newTestRegistry(t, nil, relay, broken, sensor, plain)
	got := reg.Templates(context.Background())

	if len(got) != 3 {
		t.Fatalf("Templates() len = %d, want 3", len(got))
	}
	if got[0].ID != "tmpl" {
		t.Errorf("Templates()[0].ID = %q, want tmpl", got[0].ID)
	}

	sensorTmpl := got[1]
	if sensorTmpl.ClassFullName != sensorClass || sensorTmpl.RefreshSchedule != DefaultRefreshSchedule {
		t.Errorf("sensor template = %+v, want class %s and schedule %q", sensorTmpl, sensorClass, DefaultRefreshSchedule)
	}
	if sensorTmpl.Name != "Counter" {
		t.Errorf("sensor template Name = %q, want Counter", sensorTmpl.Name)
	}
	if sensorTmpl.ID == "" || sensorTmpl.ID == "s1" {
		t.Errorf("sensor template ID = %q, want generated id", sensorTmpl.ID)
	}
	if sensorTmpl.CommandTemplates != nil {
		t.Errorf("sensor CommandTemplates = %v, want nil", sensorTmpl.CommandTemplates)
	}

	if got[2].RefreshSchedule != "" {
		t.Errorf("plain RefreshSchedule = %q, want empty", got[2].RefreshSchedule)
	}
}

func TestDefaultTemplate_JSON(t *testing.T) {
	reg := newTestRegistry(t, nil, NewMockSensor("s1", sensorClass), &MockProxy{
		MockSwitch: NewMockSwitch("p1", switchClass),
		declared:   Capabilities(CapCommand),
	})

	tests := []struct {
		id           string
		wantCommands string
	}{
		{"s1", `"commandTemplates":null`},
		{"p1", `"commandTemplates":[]`},
	}
	for _, tt := range tests {
		d, _ := reg.Device(tt.id)
		data, err := json.Marshal(DefaultTemplate(d))
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		if !strings.Contains(string(data), tt.wantCommands) {
			t.Errorf("DefaultTemplate(%s) = %s, want %s", tt.id, data, tt.wantCommands)
		}
		if !strings.Contains(string(data), `"reportTemplates":[]`) {
			t.Errorf("DefaultTemplate(%s) = %s, want empty reportTemplates", tt.id, data)
		}
	}
}

func TestSubscribe_Cancel(t *testing.T) {
	reg := newTestRegistry(t, nil, NewMockDriver("d", "X"))
	events, cancel := reg.Subscribe(1)
	cancel()
	cancel()

	if _, ok := <-events; ok {
		t.Error("channel open after cancel, want closed")
	}
	// Emitting after cancel must not panic.
	reg.emit(Event{Kind: EventState, DeviceID: "d"})
}
