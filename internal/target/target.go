// Package target defines the deployment-target contract shared by every
// provider backend.
//
// A target owns the full lifecycle of one bot's compute on a single cloud
// provider: provisioning (Install), desired-state configuration (Configure),
// lifecycle control (Start/Stop/Restart/Destroy) and observability
// (Status/Endpoint/Logs). Callers serialize lifecycle calls per bot; calls
// for different bots are independent and may run concurrently.
package target

import (
	"context"
	"errors"
	"time"
)

// ErrNoProfile is returned by profile-bound operations invoked before a
// profile has been bound via Install. It is a caller bug, distinct from any
// provider-side failure.
var ErrNoProfile = errors.New("no bot profile bound to target")

// State is the logical lifecycle state of a bot's compute.
type State string

const (
	StateNotInstalled State = "not-installed"
	StateStopped      State = "stopped"
	StateRunning      State = "running"
	StateError        State = "error"
)

// Protocol is the scheme the endpoint is reachable over.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
)

// ProvisioningResult is the uniform return of Install. Failures are captured
// here rather than returned as errors.
type ProvisioningResult struct {
	Success bool
	// InstanceID is set by VM-backed targets once an instance exists.
	InstanceID string
	// Service is set by service-backed targets (the created service name).
	Service string
	Message string
}

// ConfigureResult is the uniform return of Configure.
type ConfigureResult struct {
	Success         bool
	RequiresRestart bool
	Message         string
}

// Status reports the observed lifecycle state of the bot's compute.
type Status struct {
	State       State
	GatewayPort int
	// Error carries provider detail when State is StateError.
	Error string
}

// Endpoint describes where the bot's gateway is reachable.
type Endpoint struct {
	Host     string
	Port     int
	Protocol Protocol
}

// LogOptions bounds a Logs read. A zero value means "last 100 lines, any
// age".
type LogOptions struct {
	Lines int
	Since time.Time
}

// DeploymentTarget is the polymorphic lifecycle contract. Implementations
// are a closed set of provider-specific types; they share no base type
// because the underlying primitives (raw instances vs. managed services)
// differ too much for one to be useful.
//
// Install and Configure never fail with an error: all internal failure is
// wrapped into the returned result. Logs never fails either, returning an
// empty slice instead. Destroy is fail-open per step: one resource's
// deletion failure never blocks attempting the rest.
type DeploymentTarget interface {
	Install(ctx context.Context, profile string, port int, version string) ProvisioningResult
	Configure(ctx context.Context, profile string, gatewayPort int, environment map[string]string, config map[string]any) ConfigureResult
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Status(ctx context.Context) Status
	Endpoint(ctx context.Context) (Endpoint, error)
	Logs(ctx context.Context, opts LogOptions) []string
	Destroy(ctx context.Context) error
}
