package workflow

import "strings"

// Actions with a built-in emulation in the runner.
const (
	ActionCheckout       = "actions/checkout"
	ActionSetupPython    = "actions/setup-python"
	ActionSetupPostgres  = "ankane/setup-postgres"
	ActionSetupPostgres2 = "ikalnytskyi/action-setup-postgres"
	ActionUploadArtifact = "actions/upload-artifact"
	ActionCodecov        = "codecov/codecov-action"
)

var builtinActions = map[string]bool{
	ActionCheckout:       true,
	ActionSetupPython:    true,
	ActionSetupPostgres:  true,
	ActionSetupPostgres2: true,
	ActionUploadArtifact: true,
	ActionCodecov:        true,
}

// ActionName strips the @ref from a step's `uses:` and lower-cases it.
func ActionName(uses string) string {
	name, _, _ := strings.Cut(uses, "@")
	return strings.ToLower(strings.TrimSpace(name))
}

// IsBuiltinAction reports whether the runner can emulate the action.
func IsBuiltinAction(uses string) bool {
	return builtinActions[ActionName(uses)]
}

// IsPostgresAction reports whether the action provisions PostgreSQL.
func IsPostgresAction(uses string) bool {
	n := ActionName(uses)
	return n == ActionSetupPostgres || n == ActionSetupPostgres2
}
