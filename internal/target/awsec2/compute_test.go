package awsec2

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveUbuntuAMIPicksNewest(t *testing.T) {
	ec2Mock := &mockEC2Client{}
	ec2Mock.describeImagesFunc = func(_ context.Context, _ *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
		// Deliberately out of order: the answer must not depend on API
		// ordering.
		return &ec2.DescribeImagesOutput{Images: []ec2types.Image{
			{ImageId: aws.String("ami-middle"), CreationDate: aws.String("2024-03-01T00:00:00.000Z")},
			{ImageId: aws.String("ami-newest"), CreationDate: aws.String("2024-06-15T12:00:00.000Z")},
			{ImageId: aws.String("ami-oldest"), CreationDate: aws.String("2023-11-20T00:00:00.000Z")},
		}}, nil
	}
	m := NewComputeManager(ec2Mock)

	id, err := m.ResolveUbuntuAMI(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ami-newest", id)
}

func TestResolveUbuntuAMINoImages(t *testing.T) {
	m := NewComputeManager(&mockEC2Client{})

	_, err := m.ResolveUbuntuAMI(context.Background())
	assert.ErrorIs(t, err, ErrNoMatchingAMI)
}

func TestEnsureLaunchTemplate(t *testing.T) {
	cfg := LaunchTemplateConfig{
		InstanceType:       "t3.small",
		VolumeSizeGB:       30,
		AMIID:              "ami-0123",
		SecurityGroupID:    "sg-0123",
		InstanceProfileARN: testProfileARN,
		UserData:           "ZWNobw==",
		BotName:            "my-bot",
	}

	tests := []struct {
		name        string
		describeErr error
		wantErr     bool
		wantOp      string
		skipOp      string
	}{
		{
			name:   "creates when absent",
			// Absent templates surface as a not-found describe error.
			describeErr: apiErr("InvalidLaunchTemplateName.NotFoundException"),
			wantOp:      "CreateLaunchTemplate",
			skipOp:      "CreateLaunchTemplateVersion",
		},
		{
			name:   "adds version when present",
			wantOp: "CreateLaunchTemplateVersion",
			skipOp: "CreateLaunchTemplate",
		},
		{
			name:        "propagates describe failure",
			describeErr: apiErr("UnauthorizedOperation"),
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec2Mock := &mockEC2Client{}
			if tt.describeErr != nil {
				ec2Mock.describeLaunchTemplatesFunc = func(_ context.Context, _ *ec2.DescribeLaunchTemplatesInput, _ ...func(*ec2.Options)) (*ec2.DescribeLaunchTemplatesOutput, error) {
					return nil, tt.describeErr
				}
			}
			m := NewComputeManager(ec2Mock)

			err := m.EnsureLaunchTemplate(context.Background(), "clawster-lt-my-bot", cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, countOps(ec2Mock.operations, tt.wantOp))
			assert.Equal(t, 0, countOps(ec2Mock.operations, tt.skipOp))
		})
	}
}

func TestLaunchTemplateDataForcesHardening(t *testing.T) {
	data := launchTemplateData(LaunchTemplateConfig{
		InstanceType: "t3.small",
		VolumeSizeGB: 30,
		AMIID:        "ami-0123",
		BotName:      "my-bot",
	})

	require.Len(t, data.BlockDeviceMappings, 1)
	assert.Equal(t, ec2types.VolumeTypeGp3, data.BlockDeviceMappings[0].Ebs.VolumeType)
	assert.Equal(t, int32(30), aws.ToInt32(data.BlockDeviceMappings[0].Ebs.VolumeSize))
	assert.Equal(t, ec2types.LaunchTemplateHttpTokensStateRequired, data.MetadataOptions.HttpTokens)
}

func TestFindInstanceByTag(t *testing.T) {
	instance := func(id string, state ec2types.InstanceStateName) ec2types.Instance {
		return ec2types.Instance{
			InstanceId: aws.String(id),
			State:      &ec2types.InstanceState{Name: state},
		}
	}

	tests := []struct {
		name      string
		instances []ec2types.Instance
		wantID    string
		wantNil   bool
	}{
		{
			name:    "no matches",
			wantNil: true,
		},
		{
			name:      "single match",
			instances: []ec2types.Instance{instance("i-only", ec2types.InstanceStateNameStopped)},
			wantID:    "i-only",
		},
		{
			name: "running wins over stopped",
			instances: []ec2types.Instance{
				instance("i-stopped", ec2types.InstanceStateNameStopped),
				instance("i-running", ec2types.InstanceStateNameRunning),
			},
			wantID: "i-running",
		},
		{
			name: "pending wins over stopped",
			instances: []ec2types.Instance{
				instance("i-stopped", ec2types.InstanceStateNameStopped),
				instance("i-pending", ec2types.InstanceStateNamePending),
			},
			wantID: "i-pending",
		},
		{
			name: "first match when nothing is live",
			instances: []ec2types.Instance{
				instance("i-first", ec2types.InstanceStateNameStopping),
				instance("i-second", ec2types.InstanceStateNameStopped),
			},
			wantID: "i-first",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec2Mock := &mockEC2Client{}
			ec2Mock.describeInstancesFunc = func(_ context.Context, _ *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
				if len(tt.instances) == 0 {
					return &ec2.DescribeInstancesOutput{}, nil
				}
				return &ec2.DescribeInstancesOutput{
					Reservations: []ec2types.Reservation{{Instances: tt.instances}},
				}, nil
			}
			m := NewComputeManager(ec2Mock)

			inst, err := m.FindInstanceByTag(context.Background(), "my-bot")
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, inst)
				return
			}
			require.NotNil(t, inst)
			assert.Equal(t, tt.wantID, inst.ID)
		})
	}
}

func TestInstanceStatusAbsent(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "empty answer"},
		{name: "not found error", err: apiErr("InvalidInstanceID.NotFound")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec2Mock := &mockEC2Client{}
			if tt.err != nil {
				ec2Mock.describeInstancesFunc = func(_ context.Context, _ *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
					return nil, tt.err
				}
			}
			m := NewComputeManager(ec2Mock)

			status, err := m.InstanceStatus(context.Background(), "i-gone")
			require.NoError(t, err)
			assert.Equal(t, "no-instance", status)
		})
	}
}

func TestTerminateInstanceAlreadyGone(t *testing.T) {
	ec2Mock := &mockEC2Client{}
	ec2Mock.terminateInstancesFunc = func(_ context.Context, _ *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
		return nil, apiErr("InvalidInstanceID.NotFound")
	}
	m := NewComputeManager(ec2Mock)

	assert.NoError(t, m.TerminateInstance(context.Background(), "i-gone"))
}

func TestRunInstanceNoInstanceID(t *testing.T) {
	ec2Mock := &mockEC2Client{}
	ec2Mock.runInstancesFunc = func(_ context.Context, _ *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
		return &ec2.RunInstancesOutput{}, nil
	}
	m := NewComputeManager(ec2Mock)

	_, err := m.RunInstance(context.Background(), "clawster-lt-my-bot", "subnet-0123", "my-bot")
	assert.ErrorIs(t, err, ErrNoInstanceID)
}
