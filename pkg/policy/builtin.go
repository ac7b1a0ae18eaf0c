package policy

// BuiltinPolicies returns the policies shipped with the engine.
func BuiltinPolicies() []Policy {
	return []Policy{
		deletionGuardPolicy(),
		massDeletePolicy(),
	}
}

// deletionGuardPolicy blocks destruction of resources tagged protected.
func deletionGuardPolicy() Policy {
	return Policy{
		Name:        "deletion-guard",
		Description: "Blocks delete and replace of resources tagged protected=true",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package stratus.policies.deletion_guard

import rego.v1

destructive := {"delete", "replace"}

deny contains violation if {
	some step in input.steps
	destructive[step.op]
	step.attrs.tags.protected == "true"
	violation := {
		"message": sprintf("resource %s is tagged protected and cannot be %sd", [step.name, step.op]),
		"severity": "error",
		"resource": step.name,
	}
}
`,
	}
}

// massDeletePolicy warns when a plan destroys a large share of resources.
func massDeletePolicy() Policy {
	return Policy{
		Name:        "mass-delete",
		Description: "Warns when a plan deletes more than 10 resources",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package stratus.policies.mass_delete

import rego.v1

deletes := [step | some step in input.steps; step.op == "delete"]

deny contains violation if {
	count(deletes) > 10
	violation := {
		"message": sprintf("plan deletes %d resources", [count(deletes)]),
		"severity": "warning",
	}
}
`,
	}
}
