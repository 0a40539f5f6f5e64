// Package stratum implements the Stratum V1 server side: the per-connection
// session state machine, share validation and job broadcast.
package stratum

import (
	"github.com/bytedance/sonic"

	"github.com/bardlex/stratumpool/pkg/errors"
)

// Request is an inbound stratum call. Fields outside this set make the
// message invalid.
type Request struct {
	ID      any    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	JSONRPC string `json:"jsonrpc,omitempty"`
}

// Response answers a Request. Result and Error are always present on the
// wire; Error is null or [code, message, null].
type Response struct {
	ID     any `json:"id"`
	Result any `json:"result"`
	Error  any `json:"error"`
}

// Notification is a server-initiated message with a null id.
type Notification struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// Stratum methods
const (
	MethodSubscribe         = "mining.subscribe"
	MethodConfigure         = "mining.configure"
	MethodAuthorize         = "mining.authorize"
	MethodSuggestDifficulty = "mining.suggest_difficulty"
	MethodSubmit            = "mining.submit"
	MethodNotify            = "mining.notify"
	MethodSetDifficulty     = "mining.set_difficulty"
)

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// VersionRollingMask is the only mask this pool negotiates.
const VersionRollingMask uint32 = 0x1fffe000

var (
	strictJSON = sonic.Config{DisallowUnknownFields: true}.Froze()
	wireJSON   = sonic.ConfigDefault
)

// DecodeRequest parses one line. Syntactically invalid JSON is a protocol
// error and ends the connection; valid JSON of the wrong shape, including
// unknown fields, is a validation error and the message is dropped.
func DecodeRequest(line []byte) (*Request, error) {
	if !strictJSON.Valid(line) {
		return nil, errors.New(errors.ErrorTypeProtocol, "decode_request", "malformed JSON").
			WithContext("code", ErrorParseError)
	}

	var req Request
	if err := strictJSON.Unmarshal(line, &req); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "decode_request", "unexpected message shape").
			WithContext("code", ErrorInvalidRequest)
	}
	return &req, nil
}

// encodeLine marshals v and appends the newline delimiter.
func encodeLine(v any) ([]byte, error) {
	data, err := wireJSON.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "encode_message", "failed to marshal message")
	}
	return append(data, '\n'), nil
}

// EncodeNotification renders a notification frame. mining.notify frames
// are rendered once per job and shared by every session.
func EncodeNotification(method string, params []any) ([]byte, error) {
	return encodeLine(Notification{ID: nil, Method: method, Params: params})
}

func stratumError(code int, message string) []any {
	return []any{code, message, nil}
}

// shareError builds a rejection carrying its stratum code.
func shareError(code int, message string) *errors.ServiceError {
	return errors.New(errors.ErrorTypeShare, MethodSubmit, message).WithContext("code", code)
}

// errorCode extracts the stratum code attached to err, defaulting to 20.
func errorCode(err error) int {
	if code, ok := errors.GetContext(err)["code"].(int); ok {
		return code
	}
	return ErrorOther
}

// errorMessage is the miner-facing text of err.
func errorMessage(err error) string {
	var se *errors.ServiceError
	if errors.As(err, &se) {
		return se.Message
	}
	return err.Error()
}
