// Package policy admits or denies workflow steps with Open Policy Agent.
//
// Each policy is a Rego module defining a `deny` set. Before a step runs the
// engine evaluates every enabled policy with the step as input:
//
//	{
//	    "workflow": "release",
//	    "step": {"id": "tag", "action": "shell.exec", "remote": true,
//	             "inputs": {"command": "git tag v1"}, "depends_on": []},
//	    "context": {"timestamp": "...", "operation": "admit"}
//	}
//
// A deny entry is either a string or an object with `message` and
// `severity`. Entries with severity error or critical deny the step; the
// runner then records it as Error with code POLICY_DENIED. Other entries
// are logged.
//
// # Usage
//
//	pe, err := policy.NewEngine(logger, policy.WithMetrics(metrics))
//	if err != nil {
//	    return err
//	}
//	if err := pe.LoadPolicies(ctx, []string{"./policies"}); err != nil {
//	    return err
//	}
//	runner := engine.NewRunner(resolver, engine.WithAdmitter(pe))
//
// # Built-in policies
//
//   - remote-shell: shell.exec may not run on the remote executor
//   - destructive-commands: shell commands may not recursively delete /
//   - plaintext-secrets: warns on secret-looking inputs given inline
//   - remote-allowlist: remote steps are limited to
//     data.flow.config.remote_actions when it is set (WithRemoteAllowlist)
//
// # Writing policies
//
//	package flow.no_weekend_pings
//
//	import rego.v1
//
//	# Pings are not allowed on weekends.
//	# severity: warning
//
//	deny contains msg if {
//	    input.step.action == "net.ping"
//	    time.weekday(time.now_ns()) in {"Saturday", "Sunday"}
//	    msg := "no pings on weekends"
//	}
//
// Engine.Watch reloads policy directories when files change.
package policy
