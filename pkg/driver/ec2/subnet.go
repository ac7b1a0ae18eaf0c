package ec2

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/stratus-iac/stratus/pkg/engine"
)

// SubnetDriver manages ec2.subnet resources.
//
// Attributes:
//
//	vpc_id                  string (required, immutable)
//	cidr_block              string (required, immutable)
//	availability_zone       string (immutable)
//	map_public_ip_on_launch bool   (default false)
//	tags                    map
//
// Outputs: id, availability_zone.
type SubnetDriver struct {
	api API
}

// NewSubnetDriver creates the subnet driver.
func NewSubnetDriver(api API) *SubnetDriver {
	return &SubnetDriver{api: api}
}

// Kind returns the resource kind.
func (d *SubnetDriver) Kind() string { return "ec2.subnet" }

// Schema returns planning hints.
func (d *SubnetDriver) Schema() engine.Schema {
	return engine.Schema{
		Immutable:        []string{"vpc_id", "cidr_block", "availability_zone"},
		OperationTimeout: 2 * time.Minute,
	}
}

// Create provisions the subnet.
func (d *SubnetDriver) Create(ctx context.Context, attrs map[string]interface{}) (string, map[string]interface{}, error) {
	vpcID, err := stringAttr(attrs, "vpc_id")
	if err != nil {
		return "", nil, err
	}
	cidr, err := stringAttr(attrs, "cidr_block")
	if err != nil {
		return "", nil, err
	}

	input := &awsec2.CreateSubnetInput{
		VpcId:             aws.String(vpcID),
		CidrBlock:         aws.String(cidr),
		TagSpecifications: tagSpec(attrs, types.ResourceTypeSubnet),
	}
	if az := optionalString(attrs, "availability_zone"); az != "" {
		input.AvailabilityZone = aws.String(az)
	}

	out, err := d.api.CreateSubnet(ctx, input)
	if err != nil {
		return "", nil, classify(err, "failed to create subnet")
	}
	subnetID := aws.ToString(out.Subnet.SubnetId)

	if optionalBool(attrs, "map_public_ip_on_launch", false) {
		if err := d.setMapPublicIP(ctx, subnetID, true); err != nil {
			return subnetID, nil, err
		}
	}

	return subnetID, map[string]interface{}{
		"id":                subnetID,
		"availability_zone": aws.ToString(out.Subnet.AvailabilityZone),
	}, nil
}

// Read fetches live subnet attributes.
func (d *SubnetDriver) Read(ctx context.Context, providerID string) (map[string]interface{}, error) {
	out, err := d.api.DescribeSubnets(ctx, &awsec2.DescribeSubnetsInput{
		SubnetIds: []string{providerID},
	})
	if err != nil {
		return nil, classify(err, "failed to describe subnet")
	}
	if len(out.Subnets) == 0 {
		return nil, engine.NewPermanentError("subnet not found", nil).
			WithCode(engine.ErrCodeProviderFailed)
	}
	subnet := out.Subnets[0]

	live := map[string]interface{}{
		"vpc_id":                  aws.ToString(subnet.VpcId),
		"cidr_block":              aws.ToString(subnet.CidrBlock),
		"availability_zone":       aws.ToString(subnet.AvailabilityZone),
		"map_public_ip_on_launch": aws.ToBool(subnet.MapPublicIpOnLaunch),
	}
	if tags := tagMap(subnet.Tags); tags != nil {
		live["tags"] = tags
	}
	return live, nil
}

// Update applies mutable subnet changes in place.
func (d *SubnetDriver) Update(ctx context.Context, providerID string, attrs map[string]interface{}) (map[string]interface{}, error) {
	if err := d.setMapPublicIP(ctx, providerID, optionalBool(attrs, "map_public_ip_on_launch", false)); err != nil {
		return nil, err
	}
	if tags := tagsOf(attrs); len(tags) > 0 {
		if _, err := d.api.CreateTags(ctx, &awsec2.CreateTagsInput{
			Resources: []string{providerID},
			Tags:      tags,
		}); err != nil {
			return nil, classify(err, "failed to update subnet tags")
		}
	}
	return map[string]interface{}{
		"id":                providerID,
		"availability_zone": optionalString(attrs, "availability_zone"),
	}, nil
}

// Delete destroys the subnet.
func (d *SubnetDriver) Delete(ctx context.Context, providerID string) error {
	_, err := d.api.DeleteSubnet(ctx, &awsec2.DeleteSubnetInput{
		SubnetId: aws.String(providerID),
	})
	if err != nil && !isNotFound(err) {
		return classify(err, "failed to delete subnet")
	}
	return nil
}

// Check verifies the subnet still exists.
func (d *SubnetDriver) Check(ctx context.Context, providerID string) (bool, error) {
	out, err := d.api.DescribeSubnets(ctx, &awsec2.DescribeSubnetsInput{
		SubnetIds: []string{providerID},
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, classify(err, "failed to describe subnet")
	}
	return len(out.Subnets) > 0, nil
}

func (d *SubnetDriver) setMapPublicIP(ctx context.Context, subnetID string, enabled bool) error {
	_, err := d.api.ModifySubnetAttribute(ctx, &awsec2.ModifySubnetAttributeInput{
		SubnetId:            aws.String(subnetID),
		MapPublicIpOnLaunch: &types.AttributeBooleanValue{Value: aws.Bool(enabled)},
	})
	if err != nil {
		return classify(err, "failed to set subnet public IP mapping")
	}
	return nil
}
