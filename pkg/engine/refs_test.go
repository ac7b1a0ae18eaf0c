package engine

import (
	"errors"
	"reflect"
	"testing"
)

func TestFindInterpolations(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"plain", nil},
		{"${vpc}", []string{"vpc"}},
		{"${vpc.id}", []string{"vpc.id"}},
		{"cidr=${vpc.cidr_block} id=${vpc.id}", []string{"vpc.cidr_block", "vpc.id"}},
		{"${outer-{nested}}", []string{"outer-{nested}"}},
		{"${unterminated", nil},
	}
	for _, tt := range tests {
		got := findInterpolations(tt.input)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("findInterpolations(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestExtractReferences(t *testing.T) {
	attrs := map[string]interface{}{
		"vpc_id": "${vpc}",
		"tags":   map[string]interface{}{"subnet": "${subnet.id}"},
		"list":   []interface{}{"${vpc}", "${subnet.cidr_block}"},
		"plain":  42,
	}

	refs := extractReferences(attrs)
	targets := make(map[string]int)
	for _, r := range refs {
		targets[r.Target]++
	}
	if targets["vpc"] != 1 {
		t.Errorf("expected ${vpc} deduplicated to one reference, got %d", targets["vpc"])
	}
	if targets["subnet"] != 2 {
		t.Errorf("expected two distinct subnet references, got %d", targets["subnet"])
	}
}

// TestResolveWholeStringKeepsType verifies that an attribute consisting of
// exactly one reference takes the looked-up value's type.
func TestResolveWholeStringKeepsType(t *testing.T) {
	lookup := func(ref Reference) (interface{}, bool) {
		if ref.Target == "asg" && ref.Attr == "size" {
			return 3, true
		}
		return nil, false
	}

	got, err := resolveValue("${asg.size}", lookup)
	if err != nil {
		t.Fatalf("resolveValue returned error: %v", err)
	}
	if got != 3 {
		t.Errorf("expected int 3, got %v (%T)", got, got)
	}
}

func TestResolveEmbeddedReferenceStringifies(t *testing.T) {
	lookup := func(ref Reference) (interface{}, bool) {
		return "vpc-123", true
	}

	got, err := resolveValue("id is ${vpc.id}", lookup)
	if err != nil {
		t.Fatalf("resolveValue returned error: %v", err)
	}
	if got != "id is vpc-123" {
		t.Errorf("expected substituted string, got %v", got)
	}
}

// TestResolveBareReferenceUsesProviderID verifies ${name} with no attribute
// resolves to the producer's provider-assigned ID.
func TestResolveBareReferenceUsesProviderID(t *testing.T) {
	lookup := func(ref Reference) (interface{}, bool) {
		if ref.Attr == "" {
			return "vpc-abc", true
		}
		return nil, false
	}

	got, err := resolveValue("${vpc}", lookup)
	if err != nil {
		t.Fatalf("resolveValue returned error: %v", err)
	}
	if got != "vpc-abc" {
		t.Errorf("expected provider ID, got %v", got)
	}
}

func TestResolveUnknownReference(t *testing.T) {
	lookup := func(ref Reference) (interface{}, bool) { return nil, false }

	_, err := resolveValue("${ghost.id}", lookup)
	var engineErr *Error
	if !errors.As(err, &engineErr) || engineErr.Code != ErrCodeUnknownReference {
		t.Fatalf("expected code %s, got %v", ErrCodeUnknownReference, err)
	}
}

func TestResolveAttrsNested(t *testing.T) {
	lookup := func(ref Reference) (interface{}, bool) {
		return "subnet-1", true
	}

	attrs := map[string]interface{}{
		"subnet_id": "${subnet.id}",
		"tags":      map[string]interface{}{"home": "${subnet.id}"},
		"count":     2,
	}
	resolved, err := resolveAttrs(attrs, lookup)
	if err != nil {
		t.Fatalf("resolveAttrs returned error: %v", err)
	}
	if resolved["subnet_id"] != "subnet-1" {
		t.Errorf("subnet_id = %v", resolved["subnet_id"])
	}
	if resolved["tags"].(map[string]interface{})["home"] != "subnet-1" {
		t.Errorf("nested tag not resolved: %v", resolved["tags"])
	}
	if resolved["count"] != 2 {
		t.Errorf("literal attribute mutated: %v", resolved["count"])
	}
}
