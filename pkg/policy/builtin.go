package policy

import (
	"time"
)

// Built-in policy names.
const (
	RemoteShellPolicy      = "remote-shell"
	DestructiveCommands    = "destructive-commands"
	PlaintextSecretsPolicy = "plaintext-secrets"
	RemoteAllowlistPolicy  = "remote-allowlist"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		remoteShellPolicy(),
		destructiveCommandsPolicy(),
		plaintextSecretsPolicy(),
		remoteAllowlistPolicy(),
	}
}

// remoteShellPolicy forbids shell.exec on the remote executor.
func remoteShellPolicy() Policy {
	return Policy{
		Name:        RemoteShellPolicy,
		Description: "Denies shell.exec steps that run on the remote executor",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"remote", "shell"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package flow.remote_shell

import rego.v1

deny contains violation if {
	input.step.remote
	input.step.action == "shell.exec"
	violation := {
		"message": sprintf("step %s may not run shell.exec on the remote executor", [input.step.id]),
		"severity": "error",
	}
}
`,
	}
}

// destructiveCommandsPolicy blocks recursive deletes of the filesystem root.
func destructiveCommandsPolicy() Policy {
	return Policy{
		Name:        DestructiveCommands,
		Description: "Denies shell commands that recursively delete the filesystem root",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"shell", "safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package flow.destructive_commands

import rego.v1

deny contains violation if {
	input.step.action == "shell.exec"
	command := input.step.inputs.command
	is_string(command)
	regex.match("rm\\s+-(rf|fr)\\s+/(\\s|\\*|$)", command)
	violation := {
		"message": sprintf("step %s runs a recursive delete of /", [input.step.id]),
		"severity": "critical",
	}
}
`,
	}
}

// plaintextSecretsPolicy warns about secret-looking inputs given inline.
func plaintextSecretsPolicy() Policy {
	return Policy{
		Name:        PlaintextSecretsPolicy,
		Description: "Warns when a secret-looking input is not a secret:// reference",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"secrets"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package flow.plaintext_secrets

import rego.v1

sensitive := {"password", "token", "secret", "api-key", "apikey"}

deny contains violation if {
	some key, value in input.step.inputs
	is_string(value)
	some word in sensitive
	contains(lower(key), word)
	not startswith(value, "secret://")
	not startswith(value, "${")
	violation := {
		"message": sprintf("input %s of step %s looks like a plaintext secret", [key, input.step.id]),
		"severity": "warning",
	}
}
`,
	}
}

// remoteAllowlistPolicy restricts remote steps to data.flow.config.remote_actions
// when that list is set.
func remoteAllowlistPolicy() Policy {
	return Policy{
		Name:        RemoteAllowlistPolicy,
		Description: "Restricts remote steps to the configured action allowlist",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"remote"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package flow.remote_allowlist

import rego.v1

deny contains violation if {
	input.step.remote
	allowed := data.flow.config.remote_actions
	count(allowed) > 0
	not input.step.action in allowed
	violation := {
		"message": sprintf("action %s is not allowed on the remote executor", [input.step.action]),
		"severity": "error",
	}
}
`,
	}
}
