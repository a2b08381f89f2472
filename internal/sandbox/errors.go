package sandbox

import (
	"errors"
	"fmt"
)

// ConfigError reports an invalid resource policy value. It is fatal at
// startup and never produced per request.
type ConfigError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid sandbox config %s=%q: %s", e.Field, e.Value, e.Reason)
}

// ProvisioningReason tags why an environment could not be created.
type ProvisioningReason string

// Provisioning failure reasons.
const (
	ReasonBackendUnavailable ProvisioningReason = "backend_unavailable"
	ReasonImageMissing       ProvisioningReason = "image_missing"
	ReasonScratchFailed      ProvisioningReason = "scratch_failed"
	ReasonCreateFailed       ProvisioningReason = "create_failed"
	ReasonLimitsRejected     ProvisioningReason = "limits_rejected"
	ReasonAttachFailed       ProvisioningReason = "attach_failed"
	ReasonStartFailed        ProvisioningReason = "start_failed"
)

// ProvisioningError is returned when an isolated environment could not be
// brought up. Anything already created has been rolled back.
type ProvisioningError struct {
	Reason ProvisioningReason
	Err    error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning failed (%s): %v", e.Reason, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// TeardownAnomaly describes a cleanup step that did not complete. It is
// logged and handed to the anomaly hook, never returned to callers.
type TeardownAnomaly struct {
	EnvironmentID string
	Step          string
	Err           error
}

func (e *TeardownAnomaly) Error() string {
	return fmt.Sprintf("teardown of %s: %s: %v", e.EnvironmentID, e.Step, e.Err)
}

func (e *TeardownAnomaly) Unwrap() error {
	return e.Err
}

// Sentinel errors a Runtime wraps so the provisioner can tag failures.
var (
	ErrImageMissing   = errors.New("image not available")
	ErrLimitsRejected = errors.New("resource limits rejected by host")
)
