// Package ecsec2 implements the deployment-target contract on ECS with EC2
// capacity: one cluster/task-definition/service triple per bot instead of a
// raw instance. It is an independent sibling of the awsec2 target, not a
// specialization of it — the underlying primitives differ too much to share
// a base.
package ecsec2

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/chainguard-dev/clog"

	"github.com/clawster/clawster/internal/awsx"
	"github.com/clawster/clawster/internal/naming"
	"github.com/clawster/clawster/internal/store"
	"github.com/clawster/clawster/internal/target"
)

const (
	containerName = "openclaw"
	imageRepo     = "ghcr.io/openclaw/openclaw"

	tagManaged = "clawster:managed"
	tagBot     = "clawster:bot"
)

// Config is the static configuration of one ECS-based target.
type Config struct {
	Region string

	// Task sizing, with defaults.
	TaskCPU    string // default: "512"
	TaskMemory string // default: "1024"

	// SubnetIDs and SecurityGroupIDs configure the awsvpc network of the
	// service's tasks. Assembled upstream; the engine does not create ECS
	// networking.
	SubnetIDs        []string
	SecurityGroupIDs []string

	// Optional role ARNs, honored when supplied.
	ExecutionRoleARN string
	TaskRoleARN      string
}

func (c *Config) applyDefaults() {
	if c.TaskCPU == "" {
		c.TaskCPU = "512"
	}
	if c.TaskMemory == "" {
		c.TaskMemory = "1024"
	}
}

// Target is the ECS-on-EC2 implementation of the deployment-target
// contract. Same caller obligations as the VM target: serialize lifecycle
// calls per bot.
type Target struct {
	cfg     Config
	ecs     ECSAPI
	eni     ENIAPI
	secrets *store.SecretStore
	logs    *store.LogStore

	profile  string
	port     int
	cachedIP string
}

var _ target.DeploymentTarget = (*Target)(nil)

func New(cfg Config, ecsClient ECSAPI, eniClient ENIAPI, secrets *store.SecretStore, logs *store.LogStore) *Target {
	cfg.applyDefaults()
	return &Target{cfg: cfg, ecs: ecsClient, eni: eniClient, secrets: secrets, logs: logs}
}

// NewFromClients wires a Target from a shared client bundle.
func NewFromClients(cfg Config, clients *awsx.Clients) *Target {
	return New(cfg, clients.ECS, clients.EC2,
		store.NewSecretStore(clients.Secrets),
		store.NewLogStore(clients.Logs),
	)
}

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

// Install creates the bot's cluster, log group, task definition and service.
// The service starts with zero desired tasks; Start scales it up.
func (t *Target) Install(ctx context.Context, profile string, port int, version string) target.ProvisioningResult {
	log := clog.FromContext(ctx).With("target", "ecs-ec2", "profile", profile)
	t.profile = profile
	t.port = port

	fail := func(err error) target.ProvisioningResult {
		log.Error("install failed", "error", err)
		return target.ProvisioningResult{Success: false, Message: fmt.Sprintf("ECS EC2 install failed: %v", err)}
	}

	cluster := naming.Cluster(profile)
	service := naming.ECSService(profile)
	family := naming.TaskFamily(profile)
	logGroup := naming.LogGroup(profile)

	_, err := t.ecs.CreateCluster(ctx, &ecs.CreateClusterInput{
		ClusterName: aws.String(cluster),
		Tags:        ecsTags(t.bot()),
	})
	if err != nil {
		return fail(fmt.Errorf("creating cluster: %w", err))
	}
	log.Info("ensured cluster", "cluster", cluster)

	if err := t.logs.EnsureGroup(ctx, logGroup, t.bot()); err != nil {
		log.Warn("log group setup failed", "error", err)
	}

	if version == "" {
		version = "latest"
	}
	taskDef := &ecs.RegisterTaskDefinitionInput{
		Family:                  aws.String(family),
		RequiresCompatibilities: []ecstypes.Compatibility{ecstypes.CompatibilityEc2},
		NetworkMode:             ecstypes.NetworkModeAwsvpc,
		Cpu:                     aws.String(t.cfg.TaskCPU),
		Memory:                  aws.String(t.cfg.TaskMemory),
		Tags:                    ecsTags(t.bot()),
		ContainerDefinitions: []ecstypes.ContainerDefinition{{
			Name:      aws.String(containerName),
			Image:     aws.String(fmt.Sprintf("%s:%s", imageRepo, version)),
			Essential: aws.Bool(true),
			PortMappings: []ecstypes.PortMapping{{
				ContainerPort: aws.Int32(int32(port)),
				Protocol:      ecstypes.TransportProtocolTcp,
			}},
			Environment: []ecstypes.KeyValuePair{
				{Name: aws.String("CLAWSTER_PROFILE"), Value: aws.String(t.bot())},
				{Name: aws.String("CLAWSTER_CONFIG_SECRET"), Value: aws.String(naming.ECSSecret(profile))},
			},
			LogConfiguration: &ecstypes.LogConfiguration{
				LogDriver: ecstypes.LogDriverAwslogs,
				Options: map[string]string{
					"awslogs-group":         logGroup,
					"awslogs-region":        t.cfg.Region,
					"awslogs-stream-prefix": t.bot(),
				},
			},
		}},
	}
	if t.cfg.ExecutionRoleARN != "" {
		taskDef.ExecutionRoleArn = aws.String(t.cfg.ExecutionRoleARN)
	}
	if t.cfg.TaskRoleARN != "" {
		taskDef.TaskRoleArn = aws.String(t.cfg.TaskRoleARN)
	}
	if _, err := t.ecs.RegisterTaskDefinition(ctx, taskDef); err != nil {
		return fail(fmt.Errorf("registering task definition: %w", err))
	}
	log.Info("registered task definition", "family", family)

	createService := &ecs.CreateServiceInput{
		Cluster:        aws.String(cluster),
		ServiceName:    aws.String(service),
		TaskDefinition: aws.String(family),
		DesiredCount:   aws.Int32(0),
		LaunchType:     ecstypes.LaunchTypeEc2,
		Tags:           ecsTags(t.bot()),
	}
	if len(t.cfg.SubnetIDs) > 0 {
		createService.NetworkConfiguration = &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        t.cfg.SubnetIDs,
				SecurityGroups: t.cfg.SecurityGroupIDs,
			},
		}
	}
	if _, err := t.ecs.CreateService(ctx, createService); err != nil {
		return fail(fmt.Errorf("creating service: %w", err))
	}

	log.Info("install complete", "service", service)
	return target.ProvisioningResult{Success: true, Service: service, Message: "installed"}
}

// Configure stores the config JSON in the bot's secret. Running tasks read
// config at startup, so a restart is required for it to take effect.
func (t *Target) Configure(ctx context.Context, profile string, gatewayPort int, environment map[string]string, config map[string]any) target.ConfigureResult {
	log := clog.FromContext(ctx).With("target", "ecs-ec2", "profile", profile)
	t.profile = profile
	if gatewayPort > 0 {
		t.port = gatewayPort
	}

	doc := map[string]any{}
	for k, v := range config {
		doc[k] = v
	}
	if len(environment) > 0 {
		env, ok := doc["env"].(map[string]any)
		if !ok {
			env = map[string]any{}
			doc["env"] = env
		}
		for k, v := range environment {
			env[k] = v
		}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return target.ConfigureResult{Success: false, Message: fmt.Sprintf("encoding config: %v", err)}
	}
	if err := t.secrets.Put(ctx, naming.ECSSecret(profile), string(raw), t.bot()); err != nil {
		log.Error("configure failed", "error", err)
		return target.ConfigureResult{Success: false, Message: err.Error()}
	}

	log.Info("configuration stored")
	return target.ConfigureResult{Success: true, RequiresRestart: true, Message: "configuration stored; restart required"}
}

// Start scales the service to one task.
func (t *Target) Start(ctx context.Context) error {
	return t.setDesiredCount(ctx, 1)
}

// Stop scales the service to zero tasks.
func (t *Target) Stop(ctx context.Context) error {
	return t.setDesiredCount(ctx, 0)
}

// Restart forces a new deployment without changing the desired count.
func (t *Target) Restart(ctx context.Context) error {
	if t.profile == "" {
		return target.ErrNoProfile
	}
	t.cachedIP = ""

	_, err := t.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:            aws.String(naming.Cluster(t.profile)),
		Service:            aws.String(naming.ECSService(t.profile)),
		ForceNewDeployment: true,
	})
	if err != nil {
		return fmt.Errorf("forcing new deployment: %w", err)
	}
	clog.FromContext(ctx).Info("forced new deployment", "profile", t.profile)
	return nil
}

// Status derives the contract state from the service's desired-vs-running
// counts. A missing service, or any describe failure, reads as
// not-installed.
func (t *Target) Status(ctx context.Context) target.Status {
	if t.profile == "" {
		return target.Status{State: target.StateNotInstalled}
	}

	result, err := t.ecs.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(naming.Cluster(t.profile)),
		Services: []string{naming.ECSService(t.profile)},
	})
	if err != nil || len(result.Services) == 0 {
		return target.Status{State: target.StateNotInstalled}
	}

	svc := result.Services[0]
	switch {
	case svc.RunningCount > 0:
		return target.Status{State: target.StateRunning, GatewayPort: t.port}
	case svc.DesiredCount == 0:
		return target.Status{State: target.StateStopped}
	default:
		return target.Status{
			State: target.StateError,
			Error: fmt.Sprintf("service %s: desired %d, running %d", naming.ECSService(t.profile), svc.DesiredCount, svc.RunningCount),
		}
	}
}

// Endpoint walks task → ENI → public IP, failing descriptively at whichever
// stage has nothing to resolve. The port is the statically configured one.
func (t *Target) Endpoint(ctx context.Context) (target.Endpoint, error) {
	if t.profile == "" {
		return target.Endpoint{}, target.ErrNoProfile
	}
	if t.cachedIP != "" {
		return target.Endpoint{Host: t.cachedIP, Port: t.port, Protocol: target.ProtocolHTTP}, nil
	}

	cluster := naming.Cluster(t.profile)
	service := naming.ECSService(t.profile)

	listResult, err := t.ecs.ListTasks(ctx, &ecs.ListTasksInput{
		Cluster:       aws.String(cluster),
		ServiceName:   aws.String(service),
		DesiredStatus: ecstypes.DesiredStatusRunning,
	})
	if err != nil {
		return target.Endpoint{}, fmt.Errorf("listing tasks: %w", err)
	}
	if len(listResult.TaskArns) == 0 {
		return target.Endpoint{}, fmt.Errorf("no running tasks for service %s", service)
	}

	descResult, err := t.ecs.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(cluster),
		Tasks:   listResult.TaskArns[:1],
	})
	if err != nil {
		return target.Endpoint{}, fmt.Errorf("describing task: %w", err)
	}
	if len(descResult.Tasks) == 0 {
		return target.Endpoint{}, fmt.Errorf("task %s not found", listResult.TaskArns[0])
	}

	eniID := taskENI(descResult.Tasks[0])
	if eniID == "" {
		return target.Endpoint{}, fmt.Errorf("task %s has no network interface", listResult.TaskArns[0])
	}

	eniResult, err := t.eni.DescribeNetworkInterfaces(ctx, &ec2.DescribeNetworkInterfacesInput{
		NetworkInterfaceIds: []string{eniID},
	})
	if err != nil {
		return target.Endpoint{}, fmt.Errorf("describing network interface: %w", err)
	}
	if len(eniResult.NetworkInterfaces) == 0 ||
		eniResult.NetworkInterfaces[0].Association == nil ||
		aws.ToString(eniResult.NetworkInterfaces[0].Association.PublicIp) == "" {
		return target.Endpoint{}, fmt.Errorf("network interface %s has no public IP", eniID)
	}

	t.cachedIP = aws.ToString(eniResult.NetworkInterfaces[0].Association.PublicIp)
	return target.Endpoint{Host: t.cachedIP, Port: t.port, Protocol: target.ProtocolHTTP}, nil
}

// Logs returns up to opts.Lines formatted lines, newest last, empty on any
// failure.
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

// Destroy tears down the service, every task definition revision, the
// secret and the log group. Every step is independently fault-tolerant: the
// call resolves even if all of them fail.
func (t *Target) Destroy(ctx context.Context) error {
	if t.profile == "" {
		return target.ErrNoProfile
	}
	log := clog.FromContext(ctx).With("target", "ecs-ec2", "profile", t.profile)
	t.cachedIP = ""

	cluster := naming.Cluster(t.profile)
	service := naming.ECSService(t.profile)
	family := naming.TaskFamily(t.profile)

	if _, err := t.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:      aws.String(cluster),
		Service:      aws.String(service),
		DesiredCount: aws.Int32(0),
	}); err != nil {
		log.Warn("destroy: scale to zero failed", "error", err)
	}

	if _, err := t.ecs.DeleteService(ctx, &ecs.DeleteServiceInput{
		Cluster: aws.String(cluster),
		Service: aws.String(service),
		Force:   aws.Bool(true),
	}); err != nil {
		log.Warn("destroy: service delete failed", "error", err)
	}

	listResult, err := t.ecs.ListTaskDefinitions(ctx, &ecs.ListTaskDefinitionsInput{
		FamilyPrefix: aws.String(family),
	})
	if err != nil {
		log.Warn("destroy: listing task definitions failed", "error", err)
	} else {
		for _, arn := range listResult.TaskDefinitionArns {
			if _, err := t.ecs.DeregisterTaskDefinition(ctx, &ecs.DeregisterTaskDefinitionInput{
				TaskDefinition: aws.String(arn),
			}); err != nil {
				log.Warn("destroy: task definition deregister failed", "task_definition", arn, "error", err)
			}
		}
	}

	if err := t.secrets.ForceDelete(ctx, naming.ECSSecret(t.profile)); err != nil {
		log.Warn("destroy: secret delete failed", "error", err)
	}
	if err := t.logs.DeleteGroup(ctx, naming.LogGroup(t.profile)); err != nil {
		log.Warn("destroy: log group delete failed", "error", err)
	}

	log.Info("destroy complete")
	return nil
}

func (t *Target) setDesiredCount(ctx context.Context, count int32) error {
	if t.profile == "" {
		return target.ErrNoProfile
	}
	t.cachedIP = ""

	_, err := t.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:      aws.String(naming.Cluster(t.profile)),
		Service:      aws.String(naming.ECSService(t.profile)),
		DesiredCount: aws.Int32(count),
	})
	if err != nil {
		return fmt.Errorf("setting desired count to %d: %w", count, err)
	}
	clog.FromContext(ctx).Info("updated desired count", "profile", t.profile, "desired", count)
	return nil
}

// taskENI pulls the ENI ID from a task's attachments.
func taskENI(task ecstypes.Task) string {
	for _, attachment := range task.Attachments {
		if aws.ToString(attachment.Type) != "ElasticNetworkInterface" {
			continue
		}
		for _, detail := range attachment.Details {
			if aws.ToString(detail.Name) == "networkInterfaceId" {
				return aws.ToString(detail.Value)
			}
		}
	}
	return ""
}

func ecsTags(botName string) []ecstypes.Tag {
	return []ecstypes.Tag{
		{Key: aws.String(tagManaged), Value: aws.String("true")},
		{Key: aws.String(tagBot), Value: aws.String(botName)},
	}
}
