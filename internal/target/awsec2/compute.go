package awsec2

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"

	"github.com/clawster/clawster/internal/awsx"
)

const (
	// ubuntuOwner is Canonical's AWS account, the canonical publisher of
	// Ubuntu AMIs.
	ubuntuOwner       = "099720109477"
	ubuntuNamePattern = "ubuntu/images/hvm-ssd/ubuntu-jammy-22.04-amd64-server-*"

	// statusNoInstance is the InstanceStatus answer for an instance that no
	// longer exists. Absence is a normal steady state, not an error.
	statusNoInstance = "no-instance"
)

var (
	ErrNoMatchingAMI = errors.New("found no available Ubuntu 22.04 amd64 AMI")
	ErrNoInstanceID  = errors.New("instance launch returned no instance ID")
)

// LaunchTemplateConfig is the per-bot launch template spec. The boot volume
// type (gp3) and IMDSv2-only metadata are not configurable: every bot VM
// gets the same hardening.
type LaunchTemplateConfig struct {
	InstanceType       string
	VolumeSizeGB       int32
	AMIID              string
	SecurityGroupID    string
	InstanceProfileARN string
	// UserData is the base64-encoded boot script.
	UserData string
	BotName  string
}

// Instance is a tag-discovered bot instance.
type Instance struct {
	ID       string
	State    ec2types.InstanceStateName
	PublicIP string
}

// ComputeManager owns the per-bot compute primitives: AMI resolution,
// launch template CRUD and instance run/terminate/discovery.
type ComputeManager struct {
	ec2 EC2API
}

func NewComputeManager(ec2Client EC2API) *ComputeManager {
	return &ComputeManager{ec2: ec2Client}
}

// ResolveUbuntuAMI returns the newest available Canonical Ubuntu 22.04
// amd64 image in the region.
func (m *ComputeManager) ResolveUbuntuAMI(ctx context.Context) (string, error) {
	result, err := m.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{ubuntuOwner},
		Filters: []ec2types.Filter{
			filter("name", ubuntuNamePattern),
			filter("state", "available"),
			filter("architecture", "x86_64"),
		},
	})
	if err != nil {
		return "", fmt.Errorf("describing Ubuntu images: %w", err)
	}
	if len(result.Images) == 0 {
		return "", ErrNoMatchingAMI
	}

	// CreationDate is RFC3339, so the lexicographic maximum is the newest.
	latest := result.Images[0]
	for _, img := range result.Images[1:] {
		if aws.ToString(img.CreationDate) > aws.ToString(latest.CreationDate) {
			latest = img
		}
	}
	clog.FromContext(ctx).Debug("resolved Ubuntu AMI",
		"ami_id", aws.ToString(latest.ImageId),
		"created", aws.ToString(latest.CreationDate))
	return aws.ToString(latest.ImageId), nil
}

// EnsureLaunchTemplate creates the named template, or adds a new version
// when it already exists so the next launch picks up the changed config.
func (m *ComputeManager) EnsureLaunchTemplate(ctx context.Context, name string, cfg LaunchTemplateConfig) error {
	log := clog.FromContext(ctx).With("launch_template", name)

	data := launchTemplateData(cfg)

	_, err := m.ec2.DescribeLaunchTemplates(ctx, &ec2.DescribeLaunchTemplatesInput{
		LaunchTemplateNames: []string{name},
	})
	switch {
	case err == nil:
		_, err = m.ec2.CreateLaunchTemplateVersion(ctx, &ec2.CreateLaunchTemplateVersionInput{
			LaunchTemplateName: aws.String(name),
			LaunchTemplateData: data,
		})
		if err != nil {
			return fmt.Errorf("creating launch template version: %w", err)
		}
		log.Info("updated launch template")
		return nil

	case awsx.IsNotFound(err):
		_, err = m.ec2.CreateLaunchTemplate(ctx, &ec2.CreateLaunchTemplateInput{
			LaunchTemplateName: aws.String(name),
			LaunchTemplateData: data,
			ClientToken:        aws.String(uuid.NewString()),
			TagSpecifications:  managedTagSpec(ec2types.ResourceTypeLaunchTemplate, botTag(cfg.BotName)),
		})
		if err != nil {
			return fmt.Errorf("creating launch template: %w", err)
		}
		log.Info("created launch template")
		return nil

	default:
		return fmt.Errorf("describing launch template: %w", err)
	}
}

// DeleteLaunchTemplate removes the named template. Absent is fine.
func (m *ComputeManager) DeleteLaunchTemplate(ctx context.Context, name string) error {
	_, err := m.ec2.DeleteLaunchTemplate(ctx, &ec2.DeleteLaunchTemplateInput{
		LaunchTemplateName: aws.String(name),
	})
	if err != nil {
		if awsx.IsNotFound(err) {
			clog.FromContext(ctx).Debug("launch template already gone", "launch_template", name)
			return nil
		}
		return fmt.Errorf("deleting launch template: %w", err)
	}
	clog.FromContext(ctx).Info("deleted launch template", "launch_template", name)
	return nil
}

// RunInstance launches exactly one instance from the template's latest
// version into the given subnet.
func (m *ComputeManager) RunInstance(ctx context.Context, templateName, subnetID, botName string) (string, error) {
	result, err := m.ec2.RunInstances(ctx, &ec2.RunInstancesInput{
		MinCount: aws.Int32(1),
		MaxCount: aws.Int32(1),
		LaunchTemplate: &ec2types.LaunchTemplateSpecification{
			LaunchTemplateName: aws.String(templateName),
			Version:            aws.String("$Latest"),
		},
		SubnetId:    aws.String(subnetID),
		ClientToken: aws.String(uuid.NewString()),
		TagSpecifications: managedTagSpec(ec2types.ResourceTypeInstance,
			botTag(botName),
			nameTag("clawster-"+botName),
		),
	})
	if err != nil {
		return "", fmt.Errorf("launching instance: %w", err)
	}
	if len(result.Instances) == 0 || result.Instances[0].InstanceId == nil {
		return "", ErrNoInstanceID
	}
	id := aws.ToString(result.Instances[0].InstanceId)
	clog.FromContext(ctx).Info("launched instance", "instance_id", id, "bot", botName)
	return id, nil
}

// TerminateInstance terminates the instance. Absent is fine.
func (m *ComputeManager) TerminateInstance(ctx context.Context, id string) error {
	_, err := m.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		if awsx.IsNotFound(err) {
			clog.FromContext(ctx).Debug("instance already gone", "instance_id", id)
			return nil
		}
		return fmt.Errorf("terminating instance: %w", err)
	}
	clog.FromContext(ctx).Info("terminated instance", "instance_id", id)
	return nil
}

// FindInstanceByTag locates the bot's live instance purely by tags. At most
// one live instance per bot is expected, but a terminate/run race can
// transiently leave two matches: an instance in {running,pending} wins over
// one in {stopping,stopped}, and otherwise the first match is taken.
func (m *ComputeManager) FindInstanceByTag(ctx context.Context, botName string) (*Instance, error) {
	result, err := m.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			filter("tag:"+tagBot, botName),
			managedFilter(),
			filter("instance-state-name", "pending", "running", "shutting-down", "stopping", "stopped"),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("discovering instance by tag: %w", err)
	}

	var matches []*Instance
	for _, res := range result.Reservations {
		for _, inst := range res.Instances {
			matches = append(matches, &Instance{
				ID:       aws.ToString(inst.InstanceId),
				State:    inst.State.Name,
				PublicIP: aws.ToString(inst.PublicIpAddress),
			})
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}

	for _, inst := range matches {
		if inst.State == ec2types.InstanceStateNameRunning || inst.State == ec2types.InstanceStateNamePending {
			return inst, nil
		}
	}
	return matches[0], nil
}

// InstancePublicIP returns the instance's public IP, or empty when the
// instance is gone or has no address yet.
func (m *ComputeManager) InstancePublicIP(ctx context.Context, id string) (string, error) {
	result, err := m.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		if awsx.IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("describing instance: %w", err)
	}
	for _, res := range result.Reservations {
		for _, inst := range res.Instances {
			return aws.ToString(inst.PublicIpAddress), nil
		}
	}
	return "", nil
}

// InstanceStatus returns the instance's state name, or "no-instance" when
// it does not exist.
func (m *ComputeManager) InstanceStatus(ctx context.Context, id string) (string, error) {
	result, err := m.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		if awsx.IsNotFound(err) {
			return statusNoInstance, nil
		}
		return "", fmt.Errorf("describing instance: %w", err)
	}
	for _, res := range result.Reservations {
		for _, inst := range res.Instances {
			return string(inst.State.Name), nil
		}
	}
	return statusNoInstance, nil
}

// launchTemplateData assembles the template payload. gp3 boot volume and
// IMDSv2-only metadata are always forced.
func launchTemplateData(cfg LaunchTemplateConfig) *ec2types.RequestLaunchTemplateData {
	return &ec2types.RequestLaunchTemplateData{
		ImageId:      aws.String(cfg.AMIID),
		InstanceType: ec2types.InstanceType(cfg.InstanceType),
		UserData:     aws.String(cfg.UserData),
		IamInstanceProfile: &ec2types.LaunchTemplateIamInstanceProfileSpecificationRequest{
			Arn: aws.String(cfg.InstanceProfileARN),
		},
		SecurityGroupIds: []string{cfg.SecurityGroupID},
		BlockDeviceMappings: []ec2types.LaunchTemplateBlockDeviceMappingRequest{{
			DeviceName: aws.String("/dev/sda1"),
			Ebs: &ec2types.LaunchTemplateEbsBlockDeviceRequest{
				VolumeType:          ec2types.VolumeTypeGp3,
				VolumeSize:          aws.Int32(cfg.VolumeSizeGB),
				DeleteOnTermination: aws.Bool(true),
			},
		}},
		MetadataOptions: &ec2types.LaunchTemplateInstanceMetadataOptionsRequest{
			HttpTokens:   ec2types.LaunchTemplateHttpTokensStateRequired,
			HttpEndpoint: ec2types.LaunchTemplateInstanceMetadataEndpointStateEnabled,
		},
		TagSpecifications: []ec2types.LaunchTemplateTagSpecificationRequest{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				{Key: aws.String(tagManaged), Value: aws.String("true")},
				{Key: aws.String(tagBot), Value: aws.String(cfg.BotName)},
			},
		}},
	}
}
