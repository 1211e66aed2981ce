package device

import "context"

// Driver is the base contract every device implements.
//
// Class is the type identifier configurations are matched against. ID must
// be stable across restarts and unique within the node.
type Driver interface {
	ID() string
	Name() string
	Class() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Configurable is implemented by drivers that accept a Configuration.
type Configurable interface {
	Configure(ctx context.Context, cfg Configuration) error
}

// Commander is implemented by drivers that execute commands.
type Commander interface {
	Execute(ctx context.Context, cmd Command) error
}

// Refresher is implemented by drivers the scheduler refreshes.
type Refresher interface {
	Refresh(ctx context.Context) ([]Report, error)
}

// TemplateProvider is implemented by drivers that describe their own template.
type TemplateProvider interface {
	ConfigurationTemplate(ctx context.Context) (Configuration, error)
}

// StateMessenger is implemented by drivers that report a status message
// alongside the registry-managed state.
type StateMessenger interface {
	StateMessage() string
}

// CapabilityDeclarer is implemented by drivers whose method set is wider
// than what they support, such as proxies for out-of-process plugins.
// The declared set is intersected with the implemented interfaces.
type CapabilityDeclarer interface {
	Capabilities() Capabilities
}

// resolveCapabilities computes a driver's capability set once, at registration.
func resolveCapabilities(d Driver) Capabilities {
	var cs Capabilities
	if _, ok := d.(Refresher); ok {
		cs = cs.With(CapReport)
	}
	if _, ok := d.(Commander); ok {
		cs = cs.With(CapCommand)
	}
	if _, ok := d.(TemplateProvider); ok {
		cs = cs.With(CapTemplate)
	}
	if _, ok := d.(Configurable); ok {
		cs = cs.With(CapConfigure)
	}
	if decl, ok := d.(CapabilityDeclarer); ok {
		cs = Capabilities(Capability(cs) & Capability(decl.Capabilities()))
	}
	return cs
}
