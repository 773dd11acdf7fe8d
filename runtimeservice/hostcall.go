package runtimeservice

// HostCallKind enumerates the host calls a VM run can yield.
type HostCallKind uint8

const (
	HostExternalStorageGet HostCallKind = iota
	HostExternalStorageNextKey
	HostExternalStorageRoot
	HostSignatureVerification
	HostCallRuntimeVersion
	HostGetMaxLogLevel
	HostLogEmit
	HostFinished
	HostError
)

// HostCall is the single tagged-union type a VMRun yields at each
// suspension point.
type HostCall struct {
	Kind HostCallKind

	// ExternalStorageGet / ExternalStorageNextKey
	Key []byte

	// SignatureVerification
	Signature []byte
	Message   []byte
	PublicKey []byte

	// LogEmit
	LogLevel   uint8
	LogTarget  string
	LogMessage string

	// Finished
	Output []byte
	// Error
	Err error
}

// HostCallAnswer carries the caller's response to a HostCall back into
// VMRun.Resume.
type HostCallAnswer struct {
	// ExternalStorageGet
	Value     []byte
	ValueSome bool

	// ExternalStorageNextKey
	NextKey     []byte
	NextKeySome bool

	// ExternalStorageRoot
	Root []byte

	// SignatureVerification: the caller resumes after inspecting the
	// signature/message/public-key; Valid communicates the outcome.
	Valid bool

	// CallRuntimeVersion
	SpecVersion uint32

	// GetMaxLogLevel
	MaxLogLevel uint8
}
