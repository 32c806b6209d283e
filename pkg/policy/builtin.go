package policy

// DefaultDestructive lists the resolutions that delete state or restart a VM.
var DefaultDestructive = []string{
	"delete_disk",
	"delete_disk_reference",
	"delete_vm_reference",
	"reattach_disk_and_reboot",
	"reboot_vm",
}

// Names of the built-in policies.
const (
	PolicyDestructiveAuto   = "destructive-auto"
	PolicyScriptDestructive = "script-destructive"
)

// GetBuiltinPolicies returns the built-in policies. denyDestructiveAuto
// controls whether the destructive-auto rule starts enabled.
func GetBuiltinPolicies(denyDestructiveAuto bool) []Policy {
	return []Policy{
		destructiveAutoPolicy(denyDestructiveAuto),
		scriptDestructivePolicy(),
	}
}

// destructiveAutoPolicy vetoes destructive resolutions that no operator chose.
func destructiveAutoPolicy(enabled bool) Policy {
	return Policy{
		Name:        PolicyDestructiveAuto,
		Description: "Destructive resolutions require an operator choice",
		Severity:    SeverityError,
		Enabled:     enabled,
		Builtin:     true,
		Rego: `package cloudcheck.builtin.destructive_auto

import rego.v1

deny contains violation if {
	input.auto
	input.destructive
	violation := {
		"message": sprintf("resolution %s of %s is destructive and was not chosen by an operator", [input.resolution, input.problem_id]),
		"severity": "error",
	}
}
`,
	}
}

// scriptDestructivePolicy flags destructive choices made by selection scripts.
func scriptDestructivePolicy() Policy {
	return Policy{
		Name:        PolicyScriptDestructive,
		Description: "Warns when a selection script picks a destructive resolution",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package cloudcheck.builtin.script_destructive

import rego.v1

deny contains violation if {
	input.policy == "script"
	input.destructive
	violation := {
		"message": sprintf("script selected destructive resolution %s for %s", [input.resolution, input.problem_id]),
		"severity": "warning",
	}
}
`,
	}
}
