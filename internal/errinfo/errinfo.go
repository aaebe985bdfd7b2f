package errinfo

// ErrorInfo is the structured error payload attached to every failed RPC.
// Nothing carried here is fatal to the process; errors are scoped to one
// workflow phase or one message and are meant to be shown to the user.
type ErrorInfo struct {
	ErrorCode  string `json:"error_code"`
	Phase      string `json:"phase,omitempty"`
	Retryable  bool   `json:"retryable"`
	AssetID    string `json:"asset_id,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

const (
	CodeAssetTooLarge         = "ASSET_TOO_LARGE"
	CodeAssetEncodeFailed     = "ASSET_ENCODE_FAILED"
	CodeAssetNotReady         = "ASSET_NOT_READY"
	CodeSessionOpenFailed     = "SESSION_OPEN_FAILED"
	CodeStreamError           = "STREAM_ERROR"
	CodeMalformedStructured   = "MALFORMED_STRUCTURED_RESPONSE"
	CodeProviderNotConfigured = "PROVIDER_NOT_CONFIGURED"
	CodeValidationFailed      = "VALIDATION_FAILED"
	CodeStateWriteFailed      = "STATE_WRITE_FAILED"
	CodePhaseMismatch         = "PHASE_MISMATCH"
)

const (
	PhaseIngest    = "ingest"
	PhaseCompose   = "compose"
	PhaseBenchmark = "benchmark"
	PhaseResearch  = "research"
	PhaseScript    = "script"
	PhaseResume    = "resume"
)

func AssetTooLarge(assetID, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeAssetTooLarge,
		Phase:     PhaseIngest,
		Retryable: false,
		AssetID:   assetID,
		Detail:    detail,
	}
}

func AssetEncodeFailed(assetID, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeAssetEncodeFailed,
		Phase:     PhaseIngest,
		Retryable: true,
		AssetID:   assetID,
		Detail:    detail,
	}
}

func AssetNotReady(phase, assetID string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeAssetNotReady,
		Phase:     phase,
		Retryable: false,
		AssetID:   assetID,
	}
}

func SessionOpenFailed(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeSessionOpenFailed,
		Phase:     phase,
		Retryable: true,
		Detail:    detail,
	}
}

func StreamError(phase, messageID, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeStreamError,
		Phase:     phase,
		Retryable: true,
		MessageID: messageID,
		Detail:    detail,
	}
}

func MalformedStructured(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeMalformedStructured,
		Phase:     phase,
		Retryable: true,
		Detail:    detail,
	}
}

func ProviderNotConfigured(phase string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeProviderNotConfigured,
		Phase:     phase,
		Retryable: false,
	}
}

func ValidationFailed(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeValidationFailed,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}

func StateWriteFailed(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeStateWriteFailed,
		Phase:     phase,
		Retryable: true,
		Detail:    detail,
	}
}

func PhaseMismatch(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodePhaseMismatch,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}
