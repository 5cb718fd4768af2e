package awsec2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"

	"github.com/clawster/clawster/internal/awsx"
	"github.com/clawster/clawster/internal/naming"
	"github.com/clawster/clawster/internal/store"
	"github.com/clawster/clawster/internal/target"
)

// ErrSharedInfraMissing is returned by lifecycle operations that need the
// shared bundle before Install has provisioned it.
var ErrSharedInfraMissing = errors.New("shared infrastructure is not provisioned")

// Config is the static configuration of one VM-based target.
type Config struct {
	Region string

	// Optional with defaults.
	InstanceType string // default: t3.small
	VolumeSizeGB int32  // default: 30

	// CustomDomain, when set, is returned directly as the endpoint on 443
	// instead of resolving the instance's public IP.
	CustomDomain string

	// SSHAllowCIDRs widens the shared security group for SSH from the given
	// ranges. Empty means no SSH ingress.
	SSHAllowCIDRs []string
}

func (c *Config) applyDefaults() {
	if c.InstanceType == "" {
		c.InstanceType = "t3.small"
	}
	if c.VolumeSizeGB == 0 {
		c.VolumeSizeGB = 30
	}
}

// Target is the "one VM per bot, fronted by a local Caddy" implementation
// of the deployment-target contract.
//
// A Target is not safe for concurrent use on the same bot: concurrent
// Start/Destroy race on the tag-discovered instance, and the caller must
// serialize per-bot lifecycle calls.
type Target struct {
	cfg     Config
	network *NetworkManager
	compute *ComputeManager
	secrets *store.SecretStore
	logs    *store.LogStore

	pollInterval time.Duration
	startTimeout time.Duration

	// Mutable runtime state: bound profile and the cached endpoint IP.
	profile  string
	port     int
	cachedIP string
}

var _ target.DeploymentTarget = (*Target)(nil)

func New(cfg Config, network *NetworkManager, compute *ComputeManager, secrets *store.SecretStore, logs *store.LogStore) *Target {
	cfg.applyDefaults()
	return &Target{
		cfg:          cfg,
		network:      network,
		compute:      compute,
		secrets:      secrets,
		logs:         logs,
		pollInterval: 5 * time.Second,
		startTimeout: 3 * time.Minute,
	}
}

// NewFromClients wires a Target from a shared client bundle.
func NewFromClients(cfg Config, clients *awsx.Clients) *Target {
	return New(cfg,
		NewNetworkManager(clients.EC2, clients.IAM),
		NewComputeManager(clients.EC2),
		store.NewSecretStore(clients.Secrets),
		store.NewLogStore(clients.Logs),
	)
}

// bot is the sanitized profile used in every tag and resource name.
func (t *Target) bot() string {
	return naming.Sanitize(t.profile)
}

// Bind attaches the target to an already-installed profile. Callers that
// reconstruct a target from persisted records use this instead of
// reinstalling.
func (t *Target) Bind(profile string, port int) {
	t.profile = profile
	t.port = port
	t.cachedIP = ""
}

// Install provisions everything a bot needs short of the instance itself:
// the shared bundle, the config secret, the launch template and the log
// group. The instance is launched by Start.
func (t *Target) Install(ctx context.Context, profile string, port int, version string) target.ProvisioningResult {
	log := clog.FromContext(ctx).With("target", "aws-ec2", "profile", profile)
	t.profile = profile
	t.port = port

	fail := func(err error) target.ProvisioningResult {
		log.Error("install failed", "error", err)
		return target.ProvisioningResult{Success: false, Message: err.Error()}
	}

	infra, err := t.network.EnsureSharedInfra(ctx)
	if err != nil {
		return fail(fmt.Errorf("ensuring shared infra: %w", err))
	}

	if len(t.cfg.SSHAllowCIDRs) > 0 {
		rules := make([]IngressRule, 0, len(t.cfg.SSHAllowCIDRs))
		for _, cidr := range t.cfg.SSHAllowCIDRs {
			rules = append(rules, IngressRule{Protocol: "tcp", FromPort: 22, ToPort: 22, CIDR: cidr})
		}
		if err := t.network.UpdateSecurityGroupRules(ctx, infra.SecurityGroupID, rules); err != nil {
			return fail(fmt.Errorf("widening security group for SSH: %w", err))
		}
	}

	// The secret must exist before the first boot so the instance role can
	// read it. Configure writes the real content later.
	secretName := naming.Secret(profile)
	if err := t.secrets.Ensure(ctx, secretName, "{}", t.bot()); err != nil {
		return fail(fmt.Errorf("ensuring config secret: %w", err))
	}

	ami, err := t.compute.ResolveUbuntuAMI(ctx)
	if err != nil {
		return fail(err)
	}
	err = t.compute.EnsureLaunchTemplate(ctx, naming.LaunchTemplate(profile), LaunchTemplateConfig{
		InstanceType:       t.cfg.InstanceType,
		VolumeSizeGB:       t.cfg.VolumeSizeGB,
		AMIID:              ami,
		SecurityGroupID:    infra.SecurityGroupID,
		InstanceProfileARN: infra.InstanceProfileARN,
		UserData:           buildUserData(profile, secretName, port, version),
		BotName:            t.bot(),
	})
	if err != nil {
		return fail(err)
	}

	if err := t.logs.EnsureGroup(ctx, naming.LogGroup(profile), t.bot()); err != nil {
		// Logging is best-effort at install time; the group can appear later.
		log.Warn("log group setup failed", "error", err)
	}

	log.Info("install complete")
	return target.ProvisioningResult{Success: true, Message: "installed"}
}

// Configure transforms the desired config for the Caddy-on-VM layout and
// persists it to the bot's secret. The change takes effect on the next
// boot, so a restart is always required.
func (t *Target) Configure(ctx context.Context, profile string, gatewayPort int, environment map[string]string, config map[string]any) target.ConfigureResult {
	log := clog.FromContext(ctx).With("target", "aws-ec2", "profile", profile)
	t.profile = profile

	transformed := transformConfig(config, gatewayPort)
	if len(environment) > 0 {
		env, ok := transformed["env"].(map[string]any)
		if !ok {
			env = map[string]any{}
			transformed["env"] = env
		}
		for k, v := range environment {
			env[k] = v
		}
	}

	raw, err := json.Marshal(transformed)
	if err != nil {
		return target.ConfigureResult{Success: false, Message: fmt.Sprintf("encoding config: %v", err)}
	}
	if err := t.secrets.Put(ctx, naming.Secret(profile), string(raw), t.bot()); err != nil {
		log.Error("configure failed", "error", err)
		return target.ConfigureResult{Success: false, Message: err.Error()}
	}

	log.Info("configuration stored")
	return target.ConfigureResult{Success: true, RequiresRestart: true, Message: "configuration stored; restart required"}
}

// Start brings the bot to running. The VM is immutable: a found-but-stopped
// instance is terminated and replaced rather than started in place.
func (t *Target) Start(ctx context.Context) error {
	if t.profile == "" {
		return target.ErrNoProfile
	}
	log := clog.FromContext(ctx).With("target", "aws-ec2", "profile", t.profile)
	t.cachedIP = ""

	inst, err := t.compute.FindInstanceByTag(ctx, t.bot())
	if err != nil {
		return err
	}
	if inst != nil {
		if inst.State == ec2types.InstanceStateNameRunning || inst.State == ec2types.InstanceStateNamePending {
			log.Info("instance already running", "instance_id", inst.ID)
			return nil
		}
		if err := t.compute.TerminateInstance(ctx, inst.ID); err != nil {
			return err
		}
	}

	id, err := t.launch(ctx)
	if err != nil {
		return err
	}
	return t.waitForRunning(ctx, id)
}

// Stop terminates the bot's instance. No instance is a no-op.
func (t *Target) Stop(ctx context.Context) error {
	if t.profile == "" {
		return target.ErrNoProfile
	}
	log := clog.FromContext(ctx).With("target", "aws-ec2", "profile", t.profile)
	t.cachedIP = ""

	inst, err := t.compute.FindInstanceByTag(ctx, t.bot())
	if err != nil {
		return err
	}
	if inst == nil {
		log.Info("no instance to stop")
		return nil
	}
	return t.compute.TerminateInstance(ctx, inst.ID)
}

// Restart unconditionally replaces the instance and waits for the new one
// to run.
func (t *Target) Restart(ctx context.Context) error {
	if t.profile == "" {
		return target.ErrNoProfile
	}
	t.cachedIP = ""

	inst, err := t.compute.FindInstanceByTag(ctx, t.bot())
	if err != nil {
		return err
	}
	if inst != nil {
		if err := t.compute.TerminateInstance(ctx, inst.ID); err != nil {
			return err
		}
	}

	id, err := t.launch(ctx)
	if err != nil {
		return err
	}
	return t.waitForRunning(ctx, id)
}

// Status maps the discovered instance state onto the contract states.
// Discovery failures read as not-installed rather than erroring: status is
// a polling surface.
func (t *Target) Status(ctx context.Context) target.Status {
	if t.profile == "" {
		return target.Status{State: target.StateNotInstalled}
	}

	inst, err := t.compute.FindInstanceByTag(ctx, t.bot())
	if err != nil {
		clog.FromContext(ctx).Debug("instance discovery failed", "error", err)
		return target.Status{State: target.StateNotInstalled}
	}
	if inst == nil {
		return target.Status{State: target.StateStopped}
	}
	switch inst.State {
	case ec2types.InstanceStateNamePending, ec2types.InstanceStateNameRunning:
		return target.Status{State: target.StateRunning, GatewayPort: t.port}
	default:
		return target.Status{State: target.StateStopped}
	}
}

// Endpoint resolves where the bot is reachable. A custom domain bypasses
// the instance lookup entirely; otherwise the public IP is resolved once
// and cached until the next lifecycle change.
func (t *Target) Endpoint(ctx context.Context) (target.Endpoint, error) {
	if t.cfg.CustomDomain != "" {
		return target.Endpoint{Host: t.cfg.CustomDomain, Port: 443, Protocol: target.ProtocolHTTPS}, nil
	}
	if t.cachedIP != "" {
		return target.Endpoint{Host: t.cachedIP, Port: 80, Protocol: target.ProtocolHTTP}, nil
	}
	if t.profile == "" {
		return target.Endpoint{}, target.ErrNoProfile
	}

	inst, err := t.compute.FindInstanceByTag(ctx, t.bot())
	if err != nil {
		return target.Endpoint{}, err
	}
	if inst == nil || inst.State != ec2types.InstanceStateNameRunning {
		return target.Endpoint{}, fmt.Errorf("no running instance for profile %q", t.profile)
	}

	ip := inst.PublicIP
	if ip == "" {
		ip, err = t.compute.InstancePublicIP(ctx, inst.ID)
		if err != nil {
			return target.Endpoint{}, err
		}
	}
	if ip == "" {
		return target.Endpoint{}, fmt.Errorf("instance %s has no public IP", inst.ID)
	}

	t.cachedIP = ip
	return target.Endpoint{Host: ip, Port: 80, Protocol: target.ProtocolHTTP}, nil
}

// Logs returns up to opts.Lines formatted lines, newest last. Any failure
// yields an empty slice: logs are advisory.
func (t *Target) Logs(ctx context.Context, opts target.LogOptions) []string {
	if t.profile == "" {
		return []string{}
	}
	lines := opts.Lines
	if lines <= 0 {
		lines = 100
	}
	out, err := t.logs.Tail(ctx, naming.LogGroup(t.profile), lines, opts.Since)
	if err != nil {
		clog.FromContext(ctx).Debug("log read failed", "error", err)
		return []string{}
	}
	return out
}

// Destroy removes every per-bot resource: instance, launch template, config
// secret and log group, in that order. Each step's failure is logged and
// the rest attempted anyway; residue is left for a later call.
func (t *Target) Destroy(ctx context.Context) error {
	if t.profile == "" {
		return target.ErrNoProfile
	}
	log := clog.FromContext(ctx).With("target", "aws-ec2", "profile", t.profile)
	t.cachedIP = ""

	if inst, err := t.compute.FindInstanceByTag(ctx, t.bot()); err != nil {
		log.Warn("destroy: instance discovery failed", "error", err)
	} else if inst != nil {
		if err := t.compute.TerminateInstance(ctx, inst.ID); err != nil {
			log.Warn("destroy: terminate failed", "error", err)
		}
	}

	if err := t.compute.DeleteLaunchTemplate(ctx, naming.LaunchTemplate(t.profile)); err != nil {
		log.Warn("destroy: launch template delete failed", "error", err)
	}
	if err := t.secrets.ForceDelete(ctx, naming.Secret(t.profile)); err != nil {
		log.Warn("destroy: secret delete failed", "error", err)
	}
	if err := t.logs.DeleteGroup(ctx, naming.LogGroup(t.profile)); err != nil {
		log.Warn("destroy: log group delete failed", "error", err)
	}

	log.Info("destroy complete")
	return nil
}

func (t *Target) launch(ctx context.Context) (string, error) {
	infra, err := t.network.GetSharedInfra(ctx)
	if err != nil {
		return "", err
	}
	if infra == nil {
		return "", ErrSharedInfraMissing
	}
	return t.compute.RunInstance(ctx, naming.LaunchTemplate(t.profile), infra.SubnetID, t.bot())
}

// waitForRunning polls instance state at a fixed interval until it reaches
// running or the wall-clock timeout expires.
func (t *Target) waitForRunning(ctx context.Context, id string) error {
	log := clog.FromContext(ctx).With("instance_id", id)
	deadline := time.Now().Add(t.startTimeout)

	for {
		status, err := t.compute.InstanceStatus(ctx, id)
		if err != nil {
			return err
		}
		if status == string(ec2types.InstanceStateNameRunning) {
			log.Info("instance running")
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("instance %s not running after %s (last state %q)", id, t.startTimeout, status)
		}
		log.Debug("waiting for instance", "state", status)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.pollInterval):
		}
	}
}
