package core

// Process exit codes. Signal exits follow the 128 + signal convention.
const (
	ExitCodeSuccess = 0

	// ExitCodeError covers configuration and unexpected failures.
	ExitCodeError = 1

	// ExitCodeInvalidParams means the request was rejected before any model work.
	ExitCodeInvalidParams = 2

	// ExitCodeProvisioning means the model, encoder, adapter or device failed.
	ExitCodeProvisioning = 3

	// ExitCodeInference means the batched generation call failed.
	ExitCodeInference = 4

	// ExitCodePartialPersistence means images were generated but at least one
	// could not be written.
	ExitCodePartialPersistence = 5

	// ExitCodeSIGINT is 128 + 2.
	ExitCodeSIGINT = 130

	// ExitCodeSIGTERM is 128 + 15.
	ExitCodeSIGTERM = 143
)

// ExitCodeName returns a human-readable name for an exit code.
func ExitCodeName(code int) string {
	switch code {
	case ExitCodeSuccess:
		return "success"
	case ExitCodeError:
		return "error"
	case ExitCodeInvalidParams:
		return "invalid parameters"
	case ExitCodeProvisioning:
		return "provisioning failed"
	case ExitCodeInference:
		return "inference failed"
	case ExitCodePartialPersistence:
		return "partial persistence failure"
	case ExitCodeSIGINT:
		return "interrupted (SIGINT)"
	case ExitCodeSIGTERM:
		return "terminated (SIGTERM)"
	default:
		return "unknown"
	}
}

// IsSignalExit returns true if the exit code indicates a signal-based termination.
func IsSignalExit(code int) bool {
	return code == ExitCodeSIGINT || code == ExitCodeSIGTERM
}
