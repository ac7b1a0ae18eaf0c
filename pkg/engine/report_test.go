package engine

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestWritePlanText(t *testing.T) {
	plan := &Plan{
		Deployment: "prod",
		Steps: []Step{
			{Node: node("vpc", "ec2.vpc", nil), Op: OperationCreate},
			{Node: node("sg", "ec2.security-group", nil), Op: OperationUpdate, Changed: []string{"ingress"}},
			{Node: node("vm", "ec2.instance", nil), Op: OperationReplace, Forces: []string{"ami"}},
			{Node: node("old", "ec2.subnet", nil), Op: OperationDelete},
			{Node: node("same", "ec2.vpc", nil), Op: OperationNoop},
		},
		Summary: PlanSummary{Create: 1, Update: 1, Replace: 1, Delete: 1, Noop: 1},
	}

	var buf bytes.Buffer
	if err := (&Reporter{}).WritePlanText(&buf, plan); err != nil {
		t.Fatalf("WritePlanText returned error: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"+   vpc (ec2.vpc)",
		"~   sg (ec2.security-group)",
		"changed: ingress",
		"-/+ vm (ec2.instance)",
		"forced by immutable change: ami",
		"-   old (ec2.subnet)",
		"1 to create, 1 to update, 1 to replace, 1 to delete, 1 unchanged",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("plan output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "same") {
		t.Error("noop step shown without ShowNoop")
	}
}

func TestWritePlanTextNoChanges(t *testing.T) {
	plan := &Plan{
		Deployment: "prod",
		Steps:      []Step{{Node: node("vpc", "ec2.vpc", nil), Op: OperationNoop}},
		Summary:    PlanSummary{Noop: 1},
	}

	var buf bytes.Buffer
	if err := (&Reporter{}).WritePlanText(&buf, plan); err != nil {
		t.Fatalf("WritePlanText returned error: %v", err)
	}
	if !strings.Contains(buf.String(), "No changes.") {
		t.Errorf("expected no-changes banner:\n%s", buf.String())
	}
}

func TestWriteResultText(t *testing.T) {
	result := &Result{
		Deployment: "prod",
		Outcomes: []StepOutcome{
			{Name: "vpc", Kind: "ec2.vpc", Op: OperationCreate, Outcome: OutcomeApplied, Attempts: 3},
			{Name: "sub", Kind: "ec2.subnet", Op: OperationCreate, Outcome: OutcomeFailed, Error: "boom"},
			{Name: "vm", Kind: "ec2.instance", Op: OperationCreate, Outcome: OutcomeBlocked, Cause: "sub"},
		},
		Summary: RunSummary{Applied: 1, Failed: 1, Blocked: 1},
	}

	var buf bytes.Buffer
	if err := (&Reporter{}).WriteResultText(&buf, result); err != nil {
		t.Fatalf("WriteResultText returned error: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"after 3 attempts",
		"error: boom",
		"blocked by: sub",
		"Result: partial",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("result output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteResultTextDryRun(t *testing.T) {
	result := &Result{Deployment: "prod", DryRun: true}

	var buf bytes.Buffer
	if err := (&Reporter{}).WriteResultText(&buf, result); err != nil {
		t.Fatalf("WriteResultText returned error: %v", err)
	}
	if !strings.Contains(buf.String(), "(dry run)") {
		t.Errorf("expected dry-run marker:\n%s", buf.String())
	}
}

func TestWriteDriftText(t *testing.T) {
	report := &DriftReport{
		Deployment: "prod",
		Entries: []DriftEntry{
			{Name: "vpc", Kind: "ec2.vpc", Status: DriftStatusClean},
			{Name: "sg", Kind: "ec2.security-group", Status: DriftStatusDrifted, Changed: []string{"ingress"}},
			{Name: "vm", Kind: "ec2.instance", Status: DriftStatusMissing},
		},
	}

	var buf bytes.Buffer
	if err := (&Reporter{}).WriteDriftText(&buf, report); err != nil {
		t.Fatalf("WriteDriftText returned error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "drifted  sg (ec2.security-group): ingress") {
		t.Errorf("missing drifted line:\n%s", out)
	}
	if !strings.Contains(out, "2 of 3 resources drifted") {
		t.Errorf("missing summary line:\n%s", out)
	}
}

func TestWritePlanJSONRoundTrip(t *testing.T) {
	plan := &Plan{
		ID:         "p-1",
		Deployment: "prod",
		Steps:      []Step{{Node: node("vpc", "ec2.vpc", nil), Op: OperationCreate}},
		Summary:    PlanSummary{Create: 1},
	}

	var buf bytes.Buffer
	if err := (&Reporter{}).WritePlanJSON(&buf, plan); err != nil {
		t.Fatalf("WritePlanJSON returned error: %v", err)
	}
	var decoded Plan
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("plan JSON does not decode: %v", err)
	}
	if decoded.ID != "p-1" || len(decoded.Steps) != 1 || decoded.Steps[0].Op != OperationCreate {
		t.Errorf("decoded plan differs: %+v", decoded)
	}
}
