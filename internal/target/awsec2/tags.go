// Package awsec2 implements the deployment-target contract on raw EC2
// instances: one VM per bot, fronted by a local Caddy reverse proxy, sharing
// one per-region network and IAM bundle.
//
// Nothing is indexed outside AWS itself. Every managed resource carries
// clawster:managed=true; per-bot resources add clawster:bot=<profile>. That
// tag pair is the sole discovery mechanism.
package awsec2

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

const (
	tagManaged = "clawster:managed"
	tagBot     = "clawster:bot"
	tagKeyName = "Name"

	// sharedName is the Name tag on every piece of the shared bundle.
	sharedName = "clawster-shared"
)

// managedTagSpec builds the tag specification applied to every created
// resource: the managed marker plus any resource-specific tags.
func managedTagSpec(rt types.ResourceType, extra ...types.Tag) []types.TagSpecification {
	tags := append([]types.Tag{
		{Key: aws.String(tagManaged), Value: aws.String("true")},
	}, extra...)
	return []types.TagSpecification{{ResourceType: rt, Tags: tags}}
}

func nameTag(name string) types.Tag {
	return types.Tag{Key: aws.String(tagKeyName), Value: aws.String(name)}
}

func botTag(profile string) types.Tag {
	return types.Tag{Key: aws.String(tagBot), Value: aws.String(profile)}
}

// managedFilter matches only resources this engine created. Lookups filter
// strictly on the managed tag so foreign resources in the account are never
// touched.
func managedFilter() types.Filter {
	return types.Filter{
		Name:   aws.String("tag:" + tagManaged),
		Values: []string{"true"},
	}
}

func filter(name string, values ...string) types.Filter {
	return types.Filter{Name: aws.String(name), Values: values}
}
