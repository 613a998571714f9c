package models

// ErrorType identifies the category of error that occurred.
type ErrorType string

const (
	// Environment phase
	ErrEnvironmentCreateFailed    ErrorType = "environment_create_failed"
	ErrEnvironmentImagePullFailed ErrorType = "environment_image_pull_failed"

	// Service phase
	ErrServiceStartFailed  ErrorType = "service_start_failed"
	ErrDatabaseSetupFailed ErrorType = "database_setup_failed"

	// Step phase
	ErrStepFailed        ErrorType = "step_failed"
	ErrStepTimeout       ErrorType = "step_timeout"
	ErrStepUnsupported   ErrorType = "step_unsupported"
	ErrExpressionInvalid ErrorType = "expression_invalid"

	// Reporting
	ErrArtifactUploadFailed ErrorType = "artifact_upload_failed"
	ErrCoverageUploadFailed ErrorType = "coverage_upload_failed"

	// Scheduling
	ErrJobTimeout       ErrorType = "job_timeout"
	ErrDependencyFailed ErrorType = "dependency_failed"
	ErrCancelled        ErrorType = "cancelled"

	// Catch-all
	ErrInternalError ErrorType = "internal_error"
)
