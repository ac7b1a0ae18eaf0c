package ec2

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/stratus-iac/stratus/pkg/engine"
)

func stringAttr(attrs map[string]interface{}, key string) (string, error) {
	v, ok := attrs[key]
	if !ok {
		return "", engine.NewPermanentError(
			fmt.Sprintf("required attribute %q missing", key), nil).
			WithCode(engine.ErrCodeValidation)
	}
	s, ok := v.(string)
	if !ok {
		return "", engine.NewPermanentError(
			fmt.Sprintf("attribute %q must be a string", key), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return s, nil
}

func optionalString(attrs map[string]interface{}, key string) string {
	if s, ok := attrs[key].(string); ok {
		return s
	}
	return ""
}

func optionalBool(attrs map[string]interface{}, key string, def bool) bool {
	if b, ok := attrs[key].(bool); ok {
		return b
	}
	return def
}

func stringSlice(attrs map[string]interface{}, key string) []string {
	raw, ok := attrs[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// tagsOf converts a tags attribute map into EC2 tag structs.
func tagsOf(attrs map[string]interface{}) []types.Tag {
	raw, ok := attrs["tags"].(map[string]interface{})
	if !ok || len(raw) == 0 {
		return nil
	}
	tags := make([]types.Tag, 0, len(raw))
	for k, v := range raw {
		tags = append(tags, types.Tag{
			Key:   aws.String(k),
			Value: aws.String(fmt.Sprintf("%v", v)),
		})
	}
	return tags
}

// tagSpec builds a creation-time tag specification for the resource type.
func tagSpec(attrs map[string]interface{}, rt types.ResourceType) []types.TagSpecification {
	tags := tagsOf(attrs)
	if len(tags) == 0 {
		return nil
	}
	return []types.TagSpecification{{ResourceType: rt, Tags: tags}}
}

// tagMap converts EC2 tag structs back to a plain attribute map.
func tagMap(tags []types.Tag) map[string]interface{} {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(tags))
	for _, t := range tags {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}
