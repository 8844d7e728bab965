// Package policy provides Open Policy Agent (OPA) admission policies for
// cosmic jobs and joins.
//
// The Engine implements engine.Admitter. Before a job is created or a join
// is recorded, every enabled policy evaluates its deny set against an Input
// document describing the request. Violations with severity error or
// critical refuse the request with a POLICY_DENIED engine error; anything
// weaker is logged as a warning.
//
// # Writing Policies
//
// Policies are Rego modules. Each deny entry is either a message string,
// which takes the policy's severity, or an object with message and severity
// keys:
//
//	package cosmic.admission.storage_joins
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.operation == "join.create"
//	    input.join.dispatcher == "storage"
//	    input.join.timeout_seconds > 3600
//	    violation := {"message": "storage joins must finish within an hour", "severity": "error"}
//	}
//
// The input document has the shape:
//
//	{
//	  "operation": "job.create" | "join.create",
//	  "job":  {"cmd", "cmd_info", "owner_node_id", "dispatcher", "wakeup_handler"},
//	  "join": {"job_id", "join_job_id", "join_node_id", "wakeup_interval_seconds",
//	           "timeout_seconds", "sync_source_id", "dispatcher", "wakeup_handler"},
//	  "context": {"node_id", "environment", "timestamp"}
//	}
//
// # Usage
//
//	pe, err := policy.NewEngine(logger, policy.WithNodeID("node-1"))
//	if err != nil {
//	    return err
//	}
//	if err := pe.LoadPolicies(ctx, []string{"/etc/cosmic/policies"}); err != nil {
//	    return err
//	}
//	jobs := engine.NewJobStore(store, machine, joins, engine.WithAdmitter(pe))
//
// Loader.Watch keeps the engine in sync with the policy directory:
//
//	loader := policy.NewLoader(logger)
//	err := loader.Watch(ctx, paths, func(p []policy.Policy) error {
//	    return pe.SetPolicies(ctx, p)
//	})
package policy
