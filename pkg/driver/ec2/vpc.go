package ec2

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/stratus-iac/stratus/pkg/engine"
)

// VPCDriver manages ec2.vpc resources.
//
// Attributes:
//
//	cidr_block           string  (required, immutable)
//	enable_dns_support   bool    (default true)
//	enable_dns_hostnames bool    (default false)
//	tags                 map
//
// Outputs: id, cidr_block.
type VPCDriver struct {
	api API
}

// NewVPCDriver creates the VPC driver.
func NewVPCDriver(api API) *VPCDriver {
	return &VPCDriver{api: api}
}

// Kind returns the resource kind.
func (d *VPCDriver) Kind() string { return "ec2.vpc" }

// Schema returns planning hints.
func (d *VPCDriver) Schema() engine.Schema {
	return engine.Schema{
		Immutable:        []string{"cidr_block"},
		OperationTimeout: 2 * time.Minute,
	}
}

// Create provisions the VPC and applies DNS attributes and tags.
func (d *VPCDriver) Create(ctx context.Context, attrs map[string]interface{}) (string, map[string]interface{}, error) {
	cidr, err := stringAttr(attrs, "cidr_block")
	if err != nil {
		return "", nil, err
	}

	out, err := d.api.CreateVpc(ctx, &awsec2.CreateVpcInput{
		CidrBlock:         aws.String(cidr),
		TagSpecifications: tagSpec(attrs, types.ResourceTypeVpc),
	})
	if err != nil {
		return "", nil, classify(err, "failed to create VPC")
	}
	vpcID := aws.ToString(out.Vpc.VpcId)

	if err := d.applyDNSAttributes(ctx, vpcID, attrs); err != nil {
		return vpcID, nil, err
	}

	return vpcID, map[string]interface{}{
		"id":         vpcID,
		"cidr_block": cidr,
	}, nil
}

// Read fetches live VPC attributes.
func (d *VPCDriver) Read(ctx context.Context, providerID string) (map[string]interface{}, error) {
	out, err := d.api.DescribeVpcs(ctx, &awsec2.DescribeVpcsInput{
		VpcIds: []string{providerID},
	})
	if err != nil {
		if isNotFound(err) {
			return nil, classify(err, "VPC not found")
		}
		return nil, classify(err, "failed to describe VPC")
	}
	if len(out.Vpcs) == 0 {
		return nil, engine.NewPermanentError("VPC not found", nil).
			WithCode(engine.ErrCodeProviderFailed)
	}
	vpc := out.Vpcs[0]

	live := map[string]interface{}{
		"cidr_block": aws.ToString(vpc.CidrBlock),
	}
	if tags := tagMap(vpc.Tags); tags != nil {
		live["tags"] = tags
	}
	return live, nil
}

// Update applies DNS attribute and tag changes in place.
func (d *VPCDriver) Update(ctx context.Context, providerID string, attrs map[string]interface{}) (map[string]interface{}, error) {
	if err := d.applyDNSAttributes(ctx, providerID, attrs); err != nil {
		return nil, err
	}
	if tags := tagsOf(attrs); len(tags) > 0 {
		if _, err := d.api.CreateTags(ctx, &awsec2.CreateTagsInput{
			Resources: []string{providerID},
			Tags:      tags,
		}); err != nil {
			return nil, classify(err, "failed to update VPC tags")
		}
	}
	return map[string]interface{}{
		"id":         providerID,
		"cidr_block": optionalString(attrs, "cidr_block"),
	}, nil
}

// Delete destroys the VPC.
func (d *VPCDriver) Delete(ctx context.Context, providerID string) error {
	_, err := d.api.DeleteVpc(ctx, &awsec2.DeleteVpcInput{
		VpcId: aws.String(providerID),
	})
	if err != nil && !isNotFound(err) {
		return classify(err, "failed to delete VPC")
	}
	return nil
}

// Check verifies the VPC still exists.
func (d *VPCDriver) Check(ctx context.Context, providerID string) (bool, error) {
	out, err := d.api.DescribeVpcs(ctx, &awsec2.DescribeVpcsInput{
		VpcIds: []string{providerID},
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, classify(err, "failed to describe VPC")
	}
	return len(out.Vpcs) > 0, nil
}

func (d *VPCDriver) applyDNSAttributes(ctx context.Context, vpcID string, attrs map[string]interface{}) error {
	// ModifyVpcAttribute accepts exactly one attribute per call.
	if _, err := d.api.ModifyVpcAttribute(ctx, &awsec2.ModifyVpcAttributeInput{
		VpcId:            aws.String(vpcID),
		EnableDnsSupport: &types.AttributeBooleanValue{Value: aws.Bool(optionalBool(attrs, "enable_dns_support", true))},
	}); err != nil {
		return classify(err, "failed to set VPC DNS support")
	}
	if _, err := d.api.ModifyVpcAttribute(ctx, &awsec2.ModifyVpcAttributeInput{
		VpcId:              aws.String(vpcID),
		EnableDnsHostnames: &types.AttributeBooleanValue{Value: aws.Bool(optionalBool(attrs, "enable_dns_hostnames", false))},
	}); err != nil {
		return classify(err, "failed to set VPC DNS hostnames")
	}
	return nil
}
