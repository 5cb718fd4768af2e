// Package stack recovers declarative infrastructure stacks stuck in a
// failed-deletion state. Stacks get stuck when their cluster still holds
// registered container instances or the backing auto-scaling group protects
// instances from scale-in; the service clears those blockers and, as a last
// resort, deletes the stack while retaining the resources CloudFormation
// cannot remove.
package stack

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/chainguard-dev/clog"

	"github.com/clawster/clawster/internal/awsx"
)

// CleanupService clears the resources that block a stuck stack deletion and
// escalates to forced, partial-retention deletion when clearing is not
// enough.
type CleanupService struct {
	cfn CFNAPI
	ecs ECSAPI
	asg ASGAPI

	// StackName is the stuck stack; ClusterName and AutoScalingGroupName
	// identify the bot's cluster and its backing group.
	StackName            string
	ClusterName          string
	AutoScalingGroupName string

	pollInterval time.Duration
	waitTimeout  time.Duration
}

func NewCleanupService(cfn CFNAPI, ecsClient ECSAPI, asgClient ASGAPI, stackName, clusterName, asgName string) *CleanupService {
	return &CleanupService{
		cfn:                  cfn,
		ecs:                  ecsClient,
		asg:                  asgClient,
		StackName:            stackName,
		ClusterName:          clusterName,
		AutoScalingGroupName: asgName,
		pollInterval:         15 * time.Second,
		waitTimeout:          10 * time.Minute,
	}
}

// CleanupStuckResources deregisters every container instance on the bot's
// cluster and removes scale-in protection from the backing auto-scaling
// group. Both halves are best-effort: per-instance failures are logged and
// skipped, and a cluster that is already gone counts as clean.
func (s *CleanupService) CleanupStuckResources(ctx context.Context) error {
	log := clog.FromContext(ctx).With("cluster", s.ClusterName)

	listResult, err := s.ecs.ListContainerInstances(ctx, &ecs.ListContainerInstancesInput{
		Cluster: aws.String(s.ClusterName),
	})
	if err != nil {
		if awsx.IsNotFound(err) {
			log.Debug("cluster already gone")
		} else {
			return fmt.Errorf("listing container instances: %w", err)
		}
	} else {
		for _, arn := range listResult.ContainerInstanceArns {
			_, err := s.ecs.DeregisterContainerInstance(ctx, &ecs.DeregisterContainerInstanceInput{
				Cluster:           aws.String(s.ClusterName),
				ContainerInstance: aws.String(arn),
				Force:             aws.Bool(true),
			})
			if err != nil {
				log.Warn("container instance deregister failed", "container_instance", arn, "error", err)
				continue
			}
			log.Info("deregistered container instance", "container_instance", arn)
		}
	}

	s.removeScaleInProtection(ctx)
	return nil
}

// removeScaleInProtection lifts scale-in protection from every protected
// instance in the backing group so the group can drain. Entirely
// best-effort.
func (s *CleanupService) removeScaleInProtection(ctx context.Context) {
	if s.AutoScalingGroupName == "" {
		return
	}
	log := clog.FromContext(ctx).With("asg", s.AutoScalingGroupName)

	describeResult, err := s.asg.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []string{s.AutoScalingGroupName},
	})
	if err != nil {
		log.Warn("describing auto-scaling group failed", "error", err)
		return
	}
	if len(describeResult.AutoScalingGroups) == 0 {
		log.Debug("auto-scaling group already gone")
		return
	}

	var protected []string
	for _, inst := range describeResult.AutoScalingGroups[0].Instances {
		if aws.ToBool(inst.ProtectedFromScaleIn) {
			protected = append(protected, aws.ToString(inst.InstanceId))
		}
	}
	if len(protected) == 0 {
		return
	}

	_, err = s.asg.SetInstanceProtection(ctx, &autoscaling.SetInstanceProtectionInput{
		AutoScalingGroupName: aws.String(s.AutoScalingGroupName),
		InstanceIds:          protected,
		ProtectedFromScaleIn: aws.Bool(false),
	})
	if err != nil {
		log.Warn("removing scale-in protection failed", "error", err)
		return
	}
	log.Info("removed scale-in protection", "instances", len(protected))
}

// ForceDeleteStack escalates a stuck deletion: clean blockers, retry the
// normal delete, and when that also fails, retry once more explicitly
// retaining the stuck resources named in the failure reason. When no
// resource list can be parsed the original error is returned untouched —
// an explicit give-up, not a silent mask.
func (s *CleanupService) ForceDeleteStack(ctx context.Context) error {
	log := clog.FromContext(ctx).With("stack", s.StackName)

	if err := s.CleanupStuckResources(ctx); err != nil {
		log.Warn("pre-delete cleanup failed", "error", err)
	}

	if _, err := s.cfn.DeleteStack(ctx, &cloudformation.DeleteStackInput{
		StackName: aws.String(s.StackName),
	}); err != nil {
		return fmt.Errorf("deleting stack: %w", err)
	}

	reason, retryErr := s.waitForDeleted(ctx)
	if retryErr == nil {
		log.Info("stack deleted")
		return nil
	}

	retained := parseStuckResources(reason)
	if len(retained) == 0 {
		return retryErr
	}
	log.Info("retrying stack delete with retained resources", "retain", retained)

	if _, err := s.cfn.DeleteStack(ctx, &cloudformation.DeleteStackInput{
		StackName:       aws.String(s.StackName),
		RetainResources: retained,
	}); err != nil {
		return fmt.Errorf("deleting stack with retained resources: %w", err)
	}

	if _, err := s.waitForDeleted(ctx); err != nil {
		return err
	}
	log.Info("stack deleted with retained resources", "retain", retained)
	return nil
}

// waitForDeleted polls until the stack no longer exists. On failure it
// returns the stack's last status reason alongside the error so the caller
// can parse the stuck-resource list out of it.
func (s *CleanupService) waitForDeleted(ctx context.Context) (reason string, err error) {
	deadline := time.Now().Add(s.waitTimeout)

	for {
		result, err := s.cfn.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
			StackName: aws.String(s.StackName),
		})
		if err != nil {
			if awsx.IsNotFound(err) {
				return "", nil
			}
			return "", fmt.Errorf("describing stack: %w", err)
		}
		if len(result.Stacks) == 0 {
			return "", nil
		}

		st := result.Stacks[0]
		switch st.StackStatus {
		case cfntypes.StackStatusDeleteComplete:
			return "", nil
		case cfntypes.StackStatusDeleteFailed:
			reason := aws.ToString(st.StackStatusReason)
			return reason, fmt.Errorf("stack %s deletion failed: %s", s.StackName, reason)
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("stack %s still %s after %s", s.StackName, st.StackStatus, s.waitTimeout)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

// stuckResourcesRe matches the bracketed, comma-separated logical resource
// ID list CloudFormation embeds in DELETE_FAILED status reasons.
var stuckResourcesRe = regexp.MustCompile(`\[([^\]]+)\]`)

// parseStuckResources extracts the resource IDs from a DELETE_FAILED
// reason. An empty result means the reason carried no parsable list.
func parseStuckResources(reason string) []string {
	match := stuckResourcesRe.FindStringSubmatch(reason)
	if match == nil {
		return nil
	}
	var ids []string
	for _, part := range strings.Split(match[1], ",") {
		if id := strings.TrimSpace(part); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
