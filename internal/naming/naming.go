// Package naming derives every per-bot resource name from a sanitized
// profile name. Names are deterministic: no mapping between profiles and
// resources is persisted anywhere, so a profile must always sanitize to the
// same resource set.
package naming

import "github.com/gosimple/slug"

// Sanitize lowercases the profile name, collapses runs of non-alphanumeric
// characters into single hyphens and trims leading/trailing hyphens.
// "My Bot 123!" becomes "my-bot-123".
func Sanitize(profile string) string {
	return slug.Make(profile)
}

// LaunchTemplate is the EC2 launch template name for a profile.
func LaunchTemplate(profile string) string {
	return "clawster-lt-" + Sanitize(profile)
}

// Secret is the config secret name used by the VM-based target.
func Secret(profile string) string {
	return "clawster/" + Sanitize(profile) + "/config"
}

// LogGroup is the CloudWatch log group for a profile.
func LogGroup(profile string) string {
	return "/clawster/" + Sanitize(profile)
}

// Cluster is the ECS cluster name for a profile.
func Cluster(profile string) string {
	return "clawster-" + Sanitize(profile)
}

// ECSService is the ECS service name for a profile.
func ECSService(profile string) string {
	return "clawster-" + Sanitize(profile) + "-svc"
}

// TaskFamily is the ECS task definition family for a profile.
func TaskFamily(profile string) string {
	return "clawster-" + Sanitize(profile)
}

// Stack is the infrastructure stack name for a profile.
func Stack(profile string) string {
	return "clawster-" + Sanitize(profile) + "-stack"
}

// AutoScalingGroup is the auto-scaling group backing a profile's cluster.
func AutoScalingGroup(profile string) string {
	return "clawster-" + Sanitize(profile) + "-asg"
}

// ECSSecret is the config secret name used by the ECS target.
func ECSSecret(profile string) string {
	return "openclaw/" + Sanitize(profile) + "/config"
}
