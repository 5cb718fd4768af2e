package awsec2

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/chainguard-dev/clog"

	"github.com/clawster/clawster/internal/awsx"
)

const (
	sharedVPCCIDR    = "10.0.0.0/16"
	sharedSubnetCIDR = "10.0.1.0/24"
	defaultRouteCIDR = "0.0.0.0/0"

	sharedRoleName    = "clawster-shared-role"
	sharedProfileName = "clawster-shared-profile"
	secretsPolicyName = "clawster-secrets-read"

	// secretsReadResource scopes the instance role to the bot config secrets
	// and nothing else in Secrets Manager.
	secretsReadResource = "arn:aws:secretsmanager:*:*:secret:clawster/*"
)

// SharedInfraIDs identifies one region's shared bundle. The bundle is
// atomic: either every field resolves or the bundle is treated as entirely
// absent. Partial bundles are never returned or patched.
type SharedInfraIDs struct {
	VPCID              string
	SubnetID           string
	InternetGatewayID  string
	RouteTableID       string
	SecurityGroupID    string
	InstanceProfileARN string
	RoleName           string
}

// IngressRule is one security group ingress rule.
type IngressRule struct {
	Protocol string
	FromPort int32
	ToPort   int32
	CIDR     string
}

// NetworkManager owns the one-per-region shared network and IAM bundle
// reused by every bot on the VM-based target.
type NetworkManager struct {
	ec2 EC2API
	iam IAMAPI
}

func NewNetworkManager(ec2Client EC2API, iamClient IAMAPI) *NetworkManager {
	return &NetworkManager{ec2: ec2Client, iam: iamClient}
}

// EnsureSharedInfra returns the region's shared bundle, creating it when
// absent. When a complete bundle already exists it is returned unchanged and
// no creation calls are issued.
//
// Two concurrent first calls in an empty region can both observe "absent"
// and both create a bundle. That read-then-create race is a known, accepted
// gap; callers that care must serialize first installs per region.
func (m *NetworkManager) EnsureSharedInfra(ctx context.Context) (SharedInfraIDs, error) {
	log := clog.FromContext(ctx)

	existing, err := m.GetSharedInfra(ctx)
	if err != nil {
		return SharedInfraIDs{}, err
	}
	if existing != nil {
		log.Debug("shared infra already complete", "vpc_id", existing.VPCID)
		return *existing, nil
	}

	var infra SharedInfraIDs

	vpcResult, err := m.ec2.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock:         aws.String(sharedVPCCIDR),
		TagSpecifications: managedTagSpec(ec2types.ResourceTypeVpc, nameTag(sharedName)),
	})
	if err != nil {
		return infra, fmt.Errorf("creating VPC: %w", err)
	}
	infra.VPCID = aws.ToString(vpcResult.Vpc.VpcId)
	log.Info("created VPC", "vpc_id", infra.VPCID, "cidr", sharedVPCCIDR)

	igwResult, err := m.ec2.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{
		TagSpecifications: managedTagSpec(ec2types.ResourceTypeInternetGateway, nameTag(sharedName)),
	})
	if err != nil {
		return infra, fmt.Errorf("creating internet gateway: %w", err)
	}
	infra.InternetGatewayID = aws.ToString(igwResult.InternetGateway.InternetGatewayId)
	log.Info("created internet gateway", "igw_id", infra.InternetGatewayID)

	_, err = m.ec2.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
		InternetGatewayId: aws.String(infra.InternetGatewayID),
		VpcId:             aws.String(infra.VPCID),
	})
	if err != nil {
		return infra, fmt.Errorf("attaching internet gateway: %w", err)
	}

	subnetResult, err := m.ec2.CreateSubnet(ctx, &ec2.CreateSubnetInput{
		VpcId:             aws.String(infra.VPCID),
		CidrBlock:         aws.String(sharedSubnetCIDR),
		TagSpecifications: managedTagSpec(ec2types.ResourceTypeSubnet, nameTag(sharedName)),
	})
	if err != nil {
		return infra, fmt.Errorf("creating subnet: %w", err)
	}
	infra.SubnetID = aws.ToString(subnetResult.Subnet.SubnetId)
	log.Info("created subnet", "subnet_id", infra.SubnetID, "cidr", sharedSubnetCIDR)

	_, err = m.ec2.ModifySubnetAttribute(ctx, &ec2.ModifySubnetAttributeInput{
		SubnetId:            aws.String(infra.SubnetID),
		MapPublicIpOnLaunch: &ec2types.AttributeBooleanValue{Value: aws.Bool(true)},
	})
	if err != nil {
		return infra, fmt.Errorf("enabling public IP on launch: %w", err)
	}

	rtbResult, err := m.ec2.CreateRouteTable(ctx, &ec2.CreateRouteTableInput{
		VpcId:             aws.String(infra.VPCID),
		TagSpecifications: managedTagSpec(ec2types.ResourceTypeRouteTable, nameTag(sharedName)),
	})
	if err != nil {
		return infra, fmt.Errorf("creating route table: %w", err)
	}
	infra.RouteTableID = aws.ToString(rtbResult.RouteTable.RouteTableId)

	_, err = m.ec2.CreateRoute(ctx, &ec2.CreateRouteInput{
		RouteTableId:         aws.String(infra.RouteTableID),
		GatewayId:            aws.String(infra.InternetGatewayID),
		DestinationCidrBlock: aws.String(defaultRouteCIDR),
	})
	if err != nil {
		return infra, fmt.Errorf("creating default route: %w", err)
	}

	_, err = m.ec2.AssociateRouteTable(ctx, &ec2.AssociateRouteTableInput{
		RouteTableId: aws.String(infra.RouteTableID),
		SubnetId:     aws.String(infra.SubnetID),
	})
	if err != nil {
		return infra, fmt.Errorf("associating route table: %w", err)
	}
	log.Info("created route table with default route", "rtb_id", infra.RouteTableID)

	sgResult, err := m.ec2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:         aws.String(sharedName),
		Description:       aws.String("clawster shared bot security group"),
		VpcId:             aws.String(infra.VPCID),
		TagSpecifications: managedTagSpec(ec2types.ResourceTypeSecurityGroup, nameTag(sharedName)),
	})
	if err != nil {
		return infra, fmt.Errorf("creating security group: %w", err)
	}
	infra.SecurityGroupID = aws.ToString(sgResult.GroupId)

	err = m.UpdateSecurityGroupRules(ctx, infra.SecurityGroupID, []IngressRule{
		{Protocol: "tcp", FromPort: 80, ToPort: 80, CIDR: defaultRouteCIDR},
		{Protocol: "tcp", FromPort: 443, ToPort: 443, CIDR: defaultRouteCIDR},
	})
	if err != nil {
		return infra, err
	}
	log.Info("created security group", "sg_id", infra.SecurityGroupID)

	profileARN, err := m.ensureInstanceProfile(ctx)
	if err != nil {
		return infra, err
	}
	infra.InstanceProfileARN = profileARN
	infra.RoleName = sharedRoleName

	return infra, nil
}

// ensureInstanceProfile creates the shared IAM role, its inline secrets-read
// policy and the instance profile. The IAM pieces have fixed names, so
// already-exists answers are treated as done.
func (m *NetworkManager) ensureInstanceProfile(ctx context.Context) (string, error) {
	log := clog.FromContext(ctx)

	trustPolicy := map[string]any{
		"Version": "2012-10-17",
		"Statement": []map[string]any{{
			"Effect":    "Allow",
			"Principal": map[string]any{"Service": "ec2.amazonaws.com"},
			"Action":    "sts:AssumeRole",
		}},
	}
	trustPolicyJSON, err := json.Marshal(trustPolicy)
	if err != nil {
		return "", fmt.Errorf("marshaling trust policy: %w", err)
	}

	_, err = m.iam.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(sharedRoleName),
		AssumeRolePolicyDocument: aws.String(string(trustPolicyJSON)),
		Description:              aws.String("clawster shared bot instance role"),
	})
	if err != nil && !awsx.IsAlreadyExists(err) {
		return "", fmt.Errorf("creating IAM role: %w", err)
	}
	log.Info("ensured IAM role", "role", sharedRoleName)

	secretsPolicy := map[string]any{
		"Version": "2012-10-17",
		"Statement": []map[string]any{{
			"Effect":   "Allow",
			"Action":   []string{"secretsmanager:GetSecretValue", "secretsmanager:DescribeSecret"},
			"Resource": secretsReadResource,
		}},
	}
	secretsPolicyJSON, err := json.Marshal(secretsPolicy)
	if err != nil {
		return "", fmt.Errorf("marshaling secrets policy: %w", err)
	}

	_, err = m.iam.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       aws.String(sharedRoleName),
		PolicyName:     aws.String(secretsPolicyName),
		PolicyDocument: aws.String(string(secretsPolicyJSON)),
	})
	if err != nil {
		return "", fmt.Errorf("putting secrets-read policy: %w", err)
	}

	createResult, err := m.iam.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
		InstanceProfileName: aws.String(sharedProfileName),
	})
	switch {
	case err == nil:
		_, err = m.iam.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
			InstanceProfileName: aws.String(sharedProfileName),
			RoleName:            aws.String(sharedRoleName),
		})
		if err != nil {
			return "", fmt.Errorf("adding role to instance profile: %w", err)
		}
		log.Info("created instance profile", "profile", sharedProfileName)
		return aws.ToString(createResult.InstanceProfile.Arn), nil

	case awsx.IsAlreadyExists(err):
		getResult, err := m.iam.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{
			InstanceProfileName: aws.String(sharedProfileName),
		})
		if err != nil {
			return "", fmt.Errorf("resolving existing instance profile: %w", err)
		}
		if len(getResult.InstanceProfile.Roles) == 0 {
			_, err = m.iam.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
				InstanceProfileName: aws.String(sharedProfileName),
				RoleName:            aws.String(sharedRoleName),
			})
			if err != nil {
				return "", fmt.Errorf("adding role to instance profile: %w", err)
			}
		}
		return aws.ToString(getResult.InstanceProfile.Arn), nil

	default:
		return "", fmt.Errorf("creating instance profile: %w", err)
	}
}

// GetSharedInfra resolves the shared bundle read-only. It returns nil unless
// every part resolves — a partially present bundle reads as absent.
func (m *NetworkManager) GetSharedInfra(ctx context.Context) (*SharedInfraIDs, error) {
	vpcResult, err := m.ec2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		Filters: []ec2types.Filter{managedFilter(), filter("tag:"+tagKeyName, sharedName)},
	})
	if err != nil {
		return nil, fmt.Errorf("describing VPCs: %w", err)
	}
	if len(vpcResult.Vpcs) == 0 {
		return nil, nil
	}
	infra := SharedInfraIDs{VPCID: aws.ToString(vpcResult.Vpcs[0].VpcId)}

	subnetResult, err := m.ec2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []ec2types.Filter{managedFilter(), filter("vpc-id", infra.VPCID)},
	})
	if err != nil {
		return nil, fmt.Errorf("describing subnets: %w", err)
	}
	if len(subnetResult.Subnets) == 0 {
		return nil, nil
	}
	infra.SubnetID = aws.ToString(subnetResult.Subnets[0].SubnetId)

	igwResult, err := m.ec2.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{
		Filters: []ec2types.Filter{managedFilter(), filter("attachment.vpc-id", infra.VPCID)},
	})
	if err != nil {
		return nil, fmt.Errorf("describing internet gateways: %w", err)
	}
	if len(igwResult.InternetGateways) == 0 {
		return nil, nil
	}
	infra.InternetGatewayID = aws.ToString(igwResult.InternetGateways[0].InternetGatewayId)

	rtbResult, err := m.ec2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{
		Filters: []ec2types.Filter{managedFilter(), filter("vpc-id", infra.VPCID)},
	})
	if err != nil {
		return nil, fmt.Errorf("describing route tables: %w", err)
	}
	if len(rtbResult.RouteTables) == 0 {
		return nil, nil
	}
	infra.RouteTableID = aws.ToString(rtbResult.RouteTables[0].RouteTableId)

	sgResult, err := m.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []ec2types.Filter{managedFilter(), filter("vpc-id", infra.VPCID)},
	})
	if err != nil {
		return nil, fmt.Errorf("describing security groups: %w", err)
	}
	if len(sgResult.SecurityGroups) == 0 {
		return nil, nil
	}
	infra.SecurityGroupID = aws.ToString(sgResult.SecurityGroups[0].GroupId)

	profileResult, err := m.iam.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{
		InstanceProfileName: aws.String(sharedProfileName),
	})
	if err != nil {
		if awsx.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolving instance profile: %w", err)
	}
	if len(profileResult.InstanceProfile.Roles) == 0 {
		return nil, nil
	}
	infra.InstanceProfileARN = aws.ToString(profileResult.InstanceProfile.Arn)
	infra.RoleName = aws.ToString(profileResult.InstanceProfile.Roles[0].RoleName)

	return &infra, nil
}

// DeleteSharedInfraIfOrphaned tears the shared bundle down when no bot
// instances remain in its VPC. Each step tolerates "already gone"; any other
// error aborts the remaining steps so residue can be retried later.
func (m *NetworkManager) DeleteSharedInfraIfOrphaned(ctx context.Context) error {
	log := clog.FromContext(ctx)

	infra, err := m.GetSharedInfra(ctx)
	if err != nil {
		return err
	}
	if infra == nil {
		log.Debug("no shared infra to delete")
		return nil
	}

	count, err := m.liveInstanceCount(ctx, infra.VPCID)
	if err != nil {
		return err
	}
	if count > 0 {
		log.Info("shared infra still in use, skipping delete", "vpc_id", infra.VPCID, "instances", count)
		return nil
	}

	// IAM first: the instance profile references the role, the role holds
	// the inline policy.
	iamSteps := []struct {
		name string
		call func(context.Context) error
	}{
		{"remove role from instance profile", func(ctx context.Context) error {
			_, err := m.iam.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
				InstanceProfileName: aws.String(sharedProfileName),
				RoleName:            aws.String(infra.RoleName),
			})
			return err
		}},
		{"delete instance profile", func(ctx context.Context) error {
			_, err := m.iam.DeleteInstanceProfile(ctx, &iam.DeleteInstanceProfileInput{
				InstanceProfileName: aws.String(sharedProfileName),
			})
			return err
		}},
		{"delete secrets policy", func(ctx context.Context) error {
			_, err := m.iam.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
				RoleName:   aws.String(infra.RoleName),
				PolicyName: aws.String(secretsPolicyName),
			})
			return err
		}},
		{"delete role", func(ctx context.Context) error {
			_, err := m.iam.DeleteRole(ctx, &iam.DeleteRoleInput{
				RoleName: aws.String(infra.RoleName),
			})
			return err
		}},
	}
	for _, step := range iamSteps {
		if err := step.call(ctx); err != nil {
			if awsx.IsNotFound(err) {
				log.Debug("already done", "step", step.name)
				continue
			}
			return fmt.Errorf("%s: %w", step.name, err)
		}
		log.Info("shared infra teardown step complete", "step", step.name)
	}

	networkSteps := []struct {
		name string
		call func(context.Context) error
	}{
		{"delete security group", func(ctx context.Context) error {
			_, err := m.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
				GroupId: aws.String(infra.SecurityGroupID),
			})
			return err
		}},
		{"disassociate route table", func(ctx context.Context) error {
			return m.disassociateRouteTable(ctx, infra.RouteTableID)
		}},
		{"delete route table", func(ctx context.Context) error {
			_, err := m.ec2.DeleteRouteTable(ctx, &ec2.DeleteRouteTableInput{
				RouteTableId: aws.String(infra.RouteTableID),
			})
			return err
		}},
		{"delete subnet", func(ctx context.Context) error {
			_, err := m.ec2.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{
				SubnetId: aws.String(infra.SubnetID),
			})
			return err
		}},
		{"detach internet gateway", func(ctx context.Context) error {
			_, err := m.ec2.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
				InternetGatewayId: aws.String(infra.InternetGatewayID),
				VpcId:             aws.String(infra.VPCID),
			})
			return err
		}},
		{"delete internet gateway", func(ctx context.Context) error {
			_, err := m.ec2.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{
				InternetGatewayId: aws.String(infra.InternetGatewayID),
			})
			return err
		}},
		{"delete VPC", func(ctx context.Context) error {
			_, err := m.ec2.DeleteVpc(ctx, &ec2.DeleteVpcInput{
				VpcId: aws.String(infra.VPCID),
			})
			return err
		}},
	}
	for _, step := range networkSteps {
		if err := step.call(ctx); err != nil {
			if awsx.IsNotFound(err) {
				log.Debug("already done", "step", step.name)
				continue
			}
			return fmt.Errorf("%s: %w", step.name, err)
		}
		log.Info("shared infra teardown step complete", "step", step.name)
	}

	log.Info("deleted orphaned shared infra", "vpc_id", infra.VPCID)
	return nil
}

// UpdateSecurityGroupRules adds ingress rules to a security group. Rules
// that already exist are fine.
func (m *NetworkManager) UpdateSecurityGroupRules(ctx context.Context, sgID string, rules []IngressRule) error {
	log := clog.FromContext(ctx).With("sg_id", sgID)

	for _, rule := range rules {
		_, err := m.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:    aws.String(sgID),
			IpProtocol: aws.String(rule.Protocol),
			FromPort:   aws.Int32(rule.FromPort),
			ToPort:     aws.Int32(rule.ToPort),
			CidrIp:     aws.String(rule.CIDR),
		})
		if err != nil {
			if awsx.IsDuplicateRule(err) {
				log.Debug("ingress rule already present", "cidr", rule.CIDR, "port", rule.FromPort)
				continue
			}
			return fmt.Errorf("authorizing ingress %s %d from %s: %w", rule.Protocol, rule.FromPort, rule.CIDR, err)
		}
		log.Info("added ingress rule", "cidr", rule.CIDR, "from_port", rule.FromPort, "to_port", rule.ToPort)
	}
	return nil
}

// liveInstanceCount counts non-terminal instances inside the VPC. Stopped
// instances still count: their owner may start them again.
func (m *NetworkManager) liveInstanceCount(ctx context.Context, vpcID string) (int, error) {
	result, err := m.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			filter("vpc-id", vpcID),
			filter("instance-state-name", "pending", "running", "shutting-down", "stopping", "stopped"),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("counting instances in VPC: %w", err)
	}
	count := 0
	for _, res := range result.Reservations {
		count += len(res.Instances)
	}
	return count, nil
}

func (m *NetworkManager) disassociateRouteTable(ctx context.Context, rtbID string) error {
	result, err := m.ec2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{
		RouteTableIds: []string{rtbID},
	})
	if err != nil {
		return err
	}
	for _, rtb := range result.RouteTables {
		for _, assoc := range rtb.Associations {
			if aws.ToBool(assoc.Main) {
				continue
			}
			_, err := m.ec2.DisassociateRouteTable(ctx, &ec2.DisassociateRouteTableInput{
				AssociationId: assoc.RouteTableAssociationId,
			})
			if err != nil && !awsx.IsNotFound(err) {
				return err
			}
		}
	}
	return nil
}
