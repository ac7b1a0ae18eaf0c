package ec2

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/stratus-iac/stratus/pkg/engine"
)

// InstanceDriver manages ec2.instance resources.
//
// Attributes:
//
//	ami                string (required, immutable)
//	instance_type      string (required, immutable)
//	subnet_id          string (immutable)
//	key_name           string (immutable)
//	security_group_ids list   (mutable)
//	tags               map    (mutable)
//
// Outputs: id, private_ip, public_ip, availability_zone.
//
// Replacement creates the new instance before terminating the old one;
// instances tolerate coexistence and this keeps the gap small.
type InstanceDriver struct {
	api API
}

// NewInstanceDriver creates the instance driver.
func NewInstanceDriver(api API) *InstanceDriver {
	return &InstanceDriver{api: api}
}

// Kind returns the resource kind.
func (d *InstanceDriver) Kind() string { return "ec2.instance" }

// Schema returns planning hints.
func (d *InstanceDriver) Schema() engine.Schema {
	return engine.Schema{
		Immutable:          []string{"ami", "instance_type", "subnet_id", "key_name"},
		CreateBeforeDelete: true,
		OperationTimeout:   10 * time.Minute,
	}
}

// Create launches the instance and waits for it to reach running state.
func (d *InstanceDriver) Create(ctx context.Context, attrs map[string]interface{}) (string, map[string]interface{}, error) {
	ami, err := stringAttr(attrs, "ami")
	if err != nil {
		return "", nil, err
	}
	instanceType, err := stringAttr(attrs, "instance_type")
	if err != nil {
		return "", nil, err
	}

	input := &awsec2.RunInstancesInput{
		ImageId:           aws.String(ami),
		InstanceType:      types.InstanceType(instanceType),
		MinCount:          aws.Int32(1),
		MaxCount:          aws.Int32(1),
		TagSpecifications: tagSpec(attrs, types.ResourceTypeInstance),
	}
	if subnetID := optionalString(attrs, "subnet_id"); subnetID != "" {
		input.SubnetId = aws.String(subnetID)
	}
	if keyName := optionalString(attrs, "key_name"); keyName != "" {
		input.KeyName = aws.String(keyName)
	}
	if sgs := stringSlice(attrs, "security_group_ids"); len(sgs) > 0 {
		input.SecurityGroupIds = sgs
	}

	out, err := d.api.RunInstances(ctx, input)
	if err != nil {
		return "", nil, classify(err, "failed to launch instance")
	}
	if len(out.Instances) == 0 {
		return "", nil, engine.NewPermanentError("no instance launched", nil).
			WithCode(engine.ErrCodeProviderFailed)
	}
	instanceID := aws.ToString(out.Instances[0].InstanceId)

	// Wait for running so outputs carry addresses. Only possible against a
	// real client; fakes skip the wait.
	if client, ok := d.api.(*awsec2.Client); ok {
		waiter := awsec2.NewInstanceRunningWaiter(client)
		if err := waiter.Wait(ctx, &awsec2.DescribeInstancesInput{
			InstanceIds: []string{instanceID},
		}, 5*time.Minute); err != nil {
			return instanceID, nil, classify(err, "instance did not reach running state")
		}
	}

	instance, err := d.describe(ctx, instanceID)
	if err != nil {
		return instanceID, nil, err
	}
	return instanceID, instanceOutputs(instance), nil
}

// Read fetches live instance attributes.
func (d *InstanceDriver) Read(ctx context.Context, providerID string) (map[string]interface{}, error) {
	instance, err := d.describe(ctx, providerID)
	if err != nil {
		return nil, err
	}

	live := map[string]interface{}{
		"ami":           aws.ToString(instance.ImageId),
		"instance_type": string(instance.InstanceType),
	}
	if instance.SubnetId != nil {
		live["subnet_id"] = aws.ToString(instance.SubnetId)
	}
	if instance.KeyName != nil {
		live["key_name"] = aws.ToString(instance.KeyName)
	}
	var sgs []interface{}
	for _, sg := range instance.SecurityGroups {
		sgs = append(sgs, aws.ToString(sg.GroupId))
	}
	if sgs != nil {
		live["security_group_ids"] = sgs
	}
	if tags := tagMap(instance.Tags); tags != nil {
		live["tags"] = tags
	}
	return live, nil
}

// Update applies security group and tag changes in place.
func (d *InstanceDriver) Update(ctx context.Context, providerID string, attrs map[string]interface{}) (map[string]interface{}, error) {
	if sgs := stringSlice(attrs, "security_group_ids"); len(sgs) > 0 {
		if _, err := d.api.ModifyInstanceAttribute(ctx, &awsec2.ModifyInstanceAttributeInput{
			InstanceId: aws.String(providerID),
			Groups:     sgs,
		}); err != nil {
			return nil, classify(err, "failed to update instance security groups")
		}
	}
	if tags := tagsOf(attrs); len(tags) > 0 {
		if _, err := d.api.CreateTags(ctx, &awsec2.CreateTagsInput{
			Resources: []string{providerID},
			Tags:      tags,
		}); err != nil {
			return nil, classify(err, "failed to update instance tags")
		}
	}

	instance, err := d.describe(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return instanceOutputs(instance), nil
}

// Delete terminates the instance.
func (d *InstanceDriver) Delete(ctx context.Context, providerID string) error {
	_, err := d.api.TerminateInstances(ctx, &awsec2.TerminateInstancesInput{
		InstanceIds: []string{providerID},
	})
	if err != nil && !isNotFound(err) {
		return classify(err, "failed to terminate instance")
	}
	return nil
}

// Check verifies the instance exists and is not terminated.
func (d *InstanceDriver) Check(ctx context.Context, providerID string) (bool, error) {
	instance, err := d.describeOrNil(ctx, providerID)
	if err != nil {
		return false, err
	}
	if instance == nil {
		return false, nil
	}
	if instance.State == nil {
		return true, nil
	}
	switch instance.State.Name {
	case types.InstanceStateNameTerminated, types.InstanceStateNameShuttingDown:
		return false, nil
	}
	return true, nil
}

func (d *InstanceDriver) describe(ctx context.Context, instanceID string) (*types.Instance, error) {
	instance, err := d.describeOrNil(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, engine.NewPermanentError("instance not found", nil).
			WithCode(engine.ErrCodeProviderFailed)
	}
	return instance, nil
}

func (d *InstanceDriver) describeOrNil(ctx context.Context, instanceID string) (*types.Instance, error) {
	out, err := d.api.DescribeInstances(ctx, &awsec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, classify(err, "failed to describe instance")
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return nil, nil
	}
	return &out.Reservations[0].Instances[0], nil
}

func instanceOutputs(instance *types.Instance) map[string]interface{} {
	outputs := map[string]interface{}{
		"id": aws.ToString(instance.InstanceId),
	}
	if instance.PrivateIpAddress != nil {
		outputs["private_ip"] = aws.ToString(instance.PrivateIpAddress)
	}
	if instance.PublicIpAddress != nil {
		outputs["public_ip"] = aws.ToString(instance.PublicIpAddress)
	}
	if instance.Placement != nil && instance.Placement.AvailabilityZone != nil {
		outputs["availability_zone"] = aws.ToString(instance.Placement.AvailabilityZone)
	}
	return outputs
}
