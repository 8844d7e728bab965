package policy

// Names of the policies shipped with cosmicd.
const (
	PolicyJoinTimeoutLimit = "join-timeout-limit"
	PolicyJoinDeadline     = "join-deadline"
	PolicyPollFloor        = "wakeup-interval-floor"
	PolicyCmdNaming        = "job-cmd-naming"
)

// BuiltinPolicies returns the default admission policies.
func BuiltinPolicies() []Policy {
	return []Policy{
		{
			Name:        PolicyJoinTimeoutLimit,
			Description: "Joins may not wait on another job for more than seven days",
			Severity:    SeverityError,
			Enabled:     true,
			Builtin:     true,
			Tags:        []string{"join", "timeout"},
			Rego: `package cosmic.admission.join_timeout_limit

import rego.v1

max_timeout_seconds := 604800

deny contains violation if {
	input.operation == "join.create"
	input.join.timeout_seconds > max_timeout_seconds
	violation := {
		"message": sprintf("join timeout of %vs exceeds the %vs limit", [input.join.timeout_seconds, max_timeout_seconds]),
		"severity": "error",
	}
}
`,
		},
		{
			Name:        PolicyJoinDeadline,
			Description: "Joins without a timeout wait forever if the joined job is lost",
			Severity:    SeverityWarning,
			Enabled:     true,
			Builtin:     true,
			Tags:        []string{"join", "timeout"},
			Rego: `package cosmic.admission.join_deadline

import rego.v1

deny contains msg if {
	input.operation == "join.create"
	input.join.timeout_seconds <= 0
	msg := sprintf("join of %s on %s has no deadline", [input.join.job_id, input.join.join_job_id])
}
`,
		},
		{
			Name:        PolicyPollFloor,
			Description: "Wakeup intervals below 100ms poll the store on every cycle",
			Severity:    SeverityWarning,
			Enabled:     true,
			Builtin:     true,
			Tags:        []string{"join", "scheduler"},
			Rego: `package cosmic.admission.wakeup_interval_floor

import rego.v1

min_interval_seconds := 0.1

deny contains msg if {
	input.operation == "join.create"
	input.join.wakeup_interval_seconds > 0
	input.join.wakeup_interval_seconds < min_interval_seconds
	msg := sprintf("wakeup interval of %vs is below %vs", [input.join.wakeup_interval_seconds, min_interval_seconds])
}
`,
		},
		{
			Name:        PolicyCmdNaming,
			Description: "Job commands should be dotted lowercase names such as vm.start",
			Severity:    SeverityWarning,
			Enabled:     true,
			Builtin:     true,
			Tags:        []string{"job", "naming"},
			Rego: `package cosmic.admission.job_cmd_naming

import rego.v1

deny contains msg if {
	input.operation == "job.create"
	input.job.cmd == ""
	msg := "job has no cmd"
}

deny contains msg if {
	input.operation == "job.create"
	input.job.cmd != ""
	not regex.match("^[a-z0-9_-]+(\\.[a-z0-9_-]+)*$", input.job.cmd)
	msg := sprintf("job cmd %q is not a dotted lowercase name", [input.job.cmd])
}
`,
		},
	}
}
