package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Application error codes in the implementation-defined range. Clients branch
// on these to decide between re-authentication, backoff, and remediation.
const (
	// ErrorCodeAuthRequired indicates the caller must (re-)authenticate.
	ErrorCodeAuthRequired ErrorCode = -32001
	// ErrorCodePermissionDenied indicates an authenticated caller lacks the
	// scope required by the target tool.
	ErrorCodePermissionDenied ErrorCode = -32002
	// ErrorCodeRateLimited indicates the per-identity rate limit was exceeded.
	// The error data carries a retryAfterSeconds hint.
	ErrorCodeRateLimited ErrorCode = -32003
	// ErrorCodeValidation indicates a malformed elicitation answer. The
	// originating prompt remains open for a corrected answer.
	ErrorCodeValidation ErrorCode = -32004
	// ErrorCodeToolExecution indicates an opaque failure inside tool logic.
	ErrorCodeToolExecution ErrorCode = -32005
	// ErrorCodeHandshakeRequired indicates a session-bound operation arrived
	// before the initialize handshake completed.
	ErrorCodeHandshakeRequired ErrorCode = -32006
	// ErrorCodeCapabilityMissing indicates the client did not declare a
	// capability (e.g. elicitation) the operation requires.
	ErrorCodeCapabilityMissing ErrorCode = -32007
)
