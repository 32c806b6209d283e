// Package policy guards resolution actions with Open Policy Agent (Rego)
// policies.
//
// Engine implements engine.Guard. Before the resolution engine runs an
// action it asks the guard; every enabled policy's "deny" set is evaluated
// against an Input document:
//
//	{
//	  "run_id": "01J...",
//	  "problem_id": "inactive_disk/12",
//	  "problem_type": "inactive_disk",
//	  "resource_id": "12",
//	  "resolution": "delete_disk",
//	  "plan": "Delete disk",
//	  "policy": "auto",
//	  "auto": true,
//	  "destructive": true,
//	  "timestamp": "2024-05-01T10:00:00Z"
//	}
//
// A deny entry is a string or an object with "message" and "severity".
// Entries of severity error or critical veto the action; warnings are
// logged and reported in the Decision only.
//
// # Built-in policies
//
//   - destructive-auto: vetoes destructive resolutions (DefaultDestructive)
//     when no operator chose them. Enabled by Options.DenyDestructiveAuto.
//   - script-destructive: warns when a selection script picks a destructive
//     resolution.
//
// # Custom policies
//
// LoadPolicies reads .rego files (named after the file, leading comments
// become the description) and .json files holding a Policy. Rego files are
// parsed with v0 syntax unless they declare "import rego.v1":
//
//	package cloudcheck.custom.protect
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.problem_type == "missing_vm"
//	    input.resolution == "delete_vm_reference"
//	    msg := "VM references are cleaned up by the director"
//	}
//
// Watch reloads the policy paths when files change. A reload that fails to
// parse or compile leaves the previous policies in place.
package policy
