package ec2

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/stratus-iac/stratus/pkg/engine"
)

// SecurityGroupDriver manages ec2.security-group resources.
//
// Attributes:
//
//	name        string (required, immutable)
//	description string (immutable)
//	vpc_id      string (required, immutable)
//	ingress     list of {protocol, from_port, to_port, cidr_blocks}
//	tags        map
//
// Outputs: id, name.
type SecurityGroupDriver struct {
	api API
}

// NewSecurityGroupDriver creates the security group driver.
func NewSecurityGroupDriver(api API) *SecurityGroupDriver {
	return &SecurityGroupDriver{api: api}
}

// Kind returns the resource kind.
func (d *SecurityGroupDriver) Kind() string { return "ec2.security-group" }

// Schema returns planning hints.
func (d *SecurityGroupDriver) Schema() engine.Schema {
	return engine.Schema{
		Immutable:        []string{"name", "description", "vpc_id"},
		OperationTimeout: 2 * time.Minute,
	}
}

// Create provisions the group and authorizes its ingress rules.
func (d *SecurityGroupDriver) Create(ctx context.Context, attrs map[string]interface{}) (string, map[string]interface{}, error) {
	name, err := stringAttr(attrs, "name")
	if err != nil {
		return "", nil, err
	}
	vpcID, err := stringAttr(attrs, "vpc_id")
	if err != nil {
		return "", nil, err
	}
	description := optionalString(attrs, "description")
	if description == "" {
		description = name
	}

	out, err := d.api.CreateSecurityGroup(ctx, &awsec2.CreateSecurityGroupInput{
		GroupName:         aws.String(name),
		Description:       aws.String(description),
		VpcId:             aws.String(vpcID),
		TagSpecifications: tagSpec(attrs, types.ResourceTypeSecurityGroup),
	})
	if err != nil {
		return "", nil, classify(err, "failed to create security group")
	}
	groupID := aws.ToString(out.GroupId)

	perms := ingressPermissions(attrs)
	if len(perms) > 0 {
		if _, err := d.api.AuthorizeSecurityGroupIngress(ctx, &awsec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       aws.String(groupID),
			IpPermissions: perms,
		}); err != nil {
			return groupID, nil, classify(err, "failed to authorize ingress rules")
		}
	}

	return groupID, map[string]interface{}{
		"id":   groupID,
		"name": name,
	}, nil
}

// Read fetches live group attributes.
func (d *SecurityGroupDriver) Read(ctx context.Context, providerID string) (map[string]interface{}, error) {
	group, err := d.describe(ctx, providerID)
	if err != nil {
		return nil, err
	}

	live := map[string]interface{}{
		"name":        aws.ToString(group.GroupName),
		"description": aws.ToString(group.Description),
		"vpc_id":      aws.ToString(group.VpcId),
		"ingress":     flattenPermissions(group.IpPermissions),
	}
	if tags := tagMap(group.Tags); tags != nil {
		live["tags"] = tags
	}
	return live, nil
}

// Update reconciles ingress rules by revoking the live set and authorizing
// the desired set, then refreshes tags.
func (d *SecurityGroupDriver) Update(ctx context.Context, providerID string, attrs map[string]interface{}) (map[string]interface{}, error) {
	group, err := d.describe(ctx, providerID)
	if err != nil {
		return nil, err
	}

	if len(group.IpPermissions) > 0 {
		if _, err := d.api.RevokeSecurityGroupIngress(ctx, &awsec2.RevokeSecurityGroupIngressInput{
			GroupId:       aws.String(providerID),
			IpPermissions: group.IpPermissions,
		}); err != nil {
			return nil, classify(err, "failed to revoke ingress rules")
		}
	}
	if perms := ingressPermissions(attrs); len(perms) > 0 {
		if _, err := d.api.AuthorizeSecurityGroupIngress(ctx, &awsec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       aws.String(providerID),
			IpPermissions: perms,
		}); err != nil {
			return nil, classify(err, "failed to authorize ingress rules")
		}
	}

	if tags := tagsOf(attrs); len(tags) > 0 {
		if _, err := d.api.CreateTags(ctx, &awsec2.CreateTagsInput{
			Resources: []string{providerID},
			Tags:      tags,
		}); err != nil {
			return nil, classify(err, "failed to update security group tags")
		}
	}

	return map[string]interface{}{
		"id":   providerID,
		"name": optionalString(attrs, "name"),
	}, nil
}

// Delete destroys the group.
func (d *SecurityGroupDriver) Delete(ctx context.Context, providerID string) error {
	_, err := d.api.DeleteSecurityGroup(ctx, &awsec2.DeleteSecurityGroupInput{
		GroupId: aws.String(providerID),
	})
	if err != nil && !isNotFound(err) {
		return classify(err, "failed to delete security group")
	}
	return nil
}

// Check verifies the group still exists.
func (d *SecurityGroupDriver) Check(ctx context.Context, providerID string) (bool, error) {
	out, err := d.api.DescribeSecurityGroups(ctx, &awsec2.DescribeSecurityGroupsInput{
		GroupIds: []string{providerID},
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, classify(err, "failed to describe security group")
	}
	return len(out.SecurityGroups) > 0, nil
}

func (d *SecurityGroupDriver) describe(ctx context.Context, groupID string) (*types.SecurityGroup, error) {
	out, err := d.api.DescribeSecurityGroups(ctx, &awsec2.DescribeSecurityGroupsInput{
		GroupIds: []string{groupID},
	})
	if err != nil {
		return nil, classify(err, "failed to describe security group")
	}
	if len(out.SecurityGroups) == 0 {
		return nil, engine.NewPermanentError("security group not found", nil).
			WithCode(engine.ErrCodeProviderFailed)
	}
	return &out.SecurityGroups[0], nil
}

// ingressPermissions converts the ingress attribute into EC2 permissions.
func ingressPermissions(attrs map[string]interface{}) []types.IpPermission {
	rules, ok := attrs["ingress"].([]interface{})
	if !ok {
		return nil
	}
	perms := make([]types.IpPermission, 0, len(rules))
	for _, raw := range rules {
		rule, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		perm := types.IpPermission{
			IpProtocol: aws.String(optionalString(rule, "protocol")),
		}
		if from, ok := numericAttr(rule, "from_port"); ok {
			perm.FromPort = aws.Int32(from)
		}
		if to, ok := numericAttr(rule, "to_port"); ok {
			perm.ToPort = aws.Int32(to)
		}
		for _, cidr := range stringSlice(rule, "cidr_blocks") {
			perm.IpRanges = append(perm.IpRanges, types.IpRange{CidrIp: aws.String(cidr)})
		}
		perms = append(perms, perm)
	}
	return perms
}

// flattenPermissions converts EC2 permissions back into the attribute form.
func flattenPermissions(perms []types.IpPermission) []interface{} {
	out := make([]interface{}, 0, len(perms))
	for _, perm := range perms {
		rule := map[string]interface{}{
			"protocol": aws.ToString(perm.IpProtocol),
		}
		if perm.FromPort != nil {
			rule["from_port"] = int(aws.ToInt32(perm.FromPort))
		}
		if perm.ToPort != nil {
			rule["to_port"] = int(aws.ToInt32(perm.ToPort))
		}
		var cidrs []interface{}
		for _, r := range perm.IpRanges {
			cidrs = append(cidrs, aws.ToString(r.CidrIp))
		}
		if cidrs != nil {
			rule["cidr_blocks"] = cidrs
		}
		out = append(out, rule)
	}
	return out
}

// numericAttr reads a port-style number that may arrive as int or float64
// depending on the decoder.
func numericAttr(attrs map[string]interface{}, key string) (int32, bool) {
	switch v := attrs[key].(type) {
	case int:
		return int32(v), true
	case int64:
		return int32(v), true
	case float64:
		return int32(v), true
	default:
		return 0, false
	}
}
