// Package stratum implements the Stratum V1 protocol layer for the GOSP proxy.
// It provides message parsing and session handling for both the downstream
// miner side and the upstream pool side of the relay.
package stratum

import (
	"encoding/json"
	"fmt"
)

// Message represents a Stratum JSON-RPC message
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error represents a Stratum error response. Stratum servers encode it
// as a list [code, message, traceback]; JSON-RPC style objects
// {code, message} also appear in the wild. Both forms decode, and
// marshaling emits the list form miners expect.
type Error struct {
	Code    int
	Message string
	Data    any
}

// MarshalJSON encodes the error in list form.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Code, e.Message, e.Data})
}

// UnmarshalJSON accepts both the list form [code, message, traceback]
// and the object form {code, message, data}.
func (e *Error) UnmarshalJSON(data []byte) error {
	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err == nil {
		if len(list) < 2 {
			return fmt.Errorf("error list has %d elements, need code and message", len(list))
		}
		if err := json.Unmarshal(list[0], &e.Code); err != nil {
			return fmt.Errorf("invalid error code: %w", err)
		}
		if err := json.Unmarshal(list[1], &e.Message); err != nil {
			return fmt.Errorf("invalid error message: %w", err)
		}
		if len(list) > 2 {
			var extra any
			if err := json.Unmarshal(list[2], &extra); err != nil {
				return fmt.Errorf("invalid error data: %w", err)
			}
			e.Data = extra
		}
		return nil
	}

	var obj struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    any    `json:"data"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("error is neither list nor object: %w", err)
	}
	e.Code = obj.Code
	e.Message = obj.Message
	e.Data = obj.Data
	return nil
}

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

// Stratum method names relayed by the proxy
const (
	MethodSubscribe     = "mining.subscribe"
	MethodAuthorize     = "mining.authorize"
	MethodSubmit        = "mining.submit"
	MethodNotify        = "mining.notify"
	MethodSetDifficulty = "mining.set_difficulty"
	MethodExtranonceSub = "mining.extranonce.subscribe"
	MethodSetExtranonce = "mining.set_extranonce"
)

// SubscribeRequest represents a mining.subscribe request
type SubscribeRequest struct {
	UserAgent string
	SessionID string
}

// SubscribeResult represents a parsed upstream mining.subscribe reply:
// [subscription_details, extranonce1 (hex), extranonce2_size].
type SubscribeResult struct {
	ExtraNonce1     string
	ExtraNonce2Size int
}

// AuthorizeRequest represents a mining.authorize request
type AuthorizeRequest struct {
	Username string
	Password string
}

// SubmitRequest represents a mining.submit request
type SubmitRequest struct {
	Username    string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
}

// NotifyParams represents mining.notify parameters
type NotifyParams struct {
	JobID        string   `json:"job_id"`
	PrevHash     string   `json:"prevhash"`
	Coinb1       string   `json:"coinb1"`
	Coinb2       string   `json:"coinb2"`
	MerkleBranch []string `json:"merkle_branch"`
	Version      string   `json:"version"`
	NBits        string   `json:"nbits"`
	NTime        string   `json:"ntime"`
	CleanJobs    bool     `json:"clean_jobs"`
}

// Params rebuilds the positional parameter list for a downstream
// mining.notify push. The job is forwarded verbatim, clean_jobs included.
func (n *NotifyParams) Params() []any {
	branch := make([]any, len(n.MerkleBranch))
	for i, h := range n.MerkleBranch {
		branch[i] = h
	}
	return []any{
		n.JobID, n.PrevHash, n.Coinb1, n.Coinb2,
		branch, n.Version, n.NBits, n.NTime, n.CleanJobs,
	}
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewRequest creates a new request message
func NewRequest(id any, method string, params []any) *Message {
	return &Message{
		ID:     id,
		Method: method,
		Params: params,
	}
}

// NewResponse creates a new response message
func NewResponse(id any, result any) *Message {
	return &Message{
		ID:     id,
		Result: result,
	}
}

// NewErrorResponse creates a new error response message
func NewErrorResponse(id any, code int, message string) *Message {
	return &Message{
		ID: id,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	}
}

// NewNotification creates a new notification message
func NewNotification(method string, params []any) *Message {
	return &Message{
		ID:     nil,
		Method: method,
		Params: params,
	}
}

// IsRequest returns true if the message is a request
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse returns true if the message is a response. A method-less
// message carrying an id counts even when both result and error are
// null, so the issuing call gets its reply instead of timing out.
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil
}

// IsNotification returns true if the message is a notification
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// ParseSubscribeRequest parses mining.subscribe parameters
func ParseSubscribeRequest(params []any) (*SubscribeRequest, error) {
	req := &SubscribeRequest{}

	if len(params) > 0 {
		if userAgent, ok := params[0].(string); ok {
			req.UserAgent = userAgent
		}
	}

	if len(params) > 1 {
		if sessionID, ok := params[1].(string); ok {
			req.SessionID = sessionID
		}
	}

	return req, nil
}

// ParseSubscribeResult parses an upstream mining.subscribe reply. The first
// element (subscription details) is ignored; the proxy only needs the
// extranonce configuration.
func ParseSubscribeResult(result any) (*SubscribeResult, error) {
	items, ok := result.([]any)
	if !ok || len(items) < 3 {
		return nil, fmt.Errorf("subscribe result must be a 3-element array")
	}

	extraNonce1, ok := items[1].(string)
	if !ok || extraNonce1 == "" {
		return nil, fmt.Errorf("extranonce1 must be a non-empty hex string")
	}

	sizeFloat, ok := items[2].(float64)
	if !ok {
		return nil, fmt.Errorf("extranonce2_size must be a number")
	}
	size := int(sizeFloat)
	if size <= 0 || size > 16 {
		return nil, fmt.Errorf("extranonce2_size %d out of range", size)
	}

	return &SubscribeResult{
		ExtraNonce1:     extraNonce1,
		ExtraNonce2Size: size,
	}, nil
}

// ParseAuthorizeRequest parses mining.authorize parameters
func ParseAuthorizeRequest(params []any) (*AuthorizeRequest, error) {
	if len(params) < 2 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	username, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("username must be string")
	}

	password, ok := params[1].(string)
	if !ok {
		return nil, fmt.Errorf("password must be string")
	}

	return &AuthorizeRequest{
		Username: username,
		Password: password,
	}, nil
}

// ParseSubmitRequest parses mining.submit parameters
func ParseSubmitRequest(params []any) (*SubmitRequest, error) {
	if len(params) < 5 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	username, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("username must be string")
	}

	jobID, ok := params[1].(string)
	if !ok {
		return nil, fmt.Errorf("job_id must be string")
	}

	extraNonce2, ok := params[2].(string)
	if !ok {
		return nil, fmt.Errorf("extranonce2 must be string")
	}

	nTime, ok := params[3].(string)
	if !ok {
		return nil, fmt.Errorf("ntime must be string")
	}

	nonce, ok := params[4].(string)
	if !ok {
		return nil, fmt.Errorf("nonce must be string")
	}

	return &SubmitRequest{
		Username:    username,
		JobID:       jobID,
		ExtraNonce2: extraNonce2,
		NTime:       nTime,
		Nonce:       nonce,
	}, nil
}

// ParseNotifyParams parses upstream mining.notify positional parameters
func ParseNotifyParams(params []any) (*NotifyParams, error) {
	if len(params) < 9 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	str := func(i int, name string) (string, error) {
		s, ok := params[i].(string)
		if !ok {
			return "", fmt.Errorf("%s must be string", name)
		}
		return s, nil
	}

	jobID, err := str(0, "job_id")
	if err != nil {
		return nil, err
	}
	prevHash, err := str(1, "prevhash")
	if err != nil {
		return nil, err
	}
	coinb1, err := str(2, "coinb1")
	if err != nil {
		return nil, err
	}
	coinb2, err := str(3, "coinb2")
	if err != nil {
		return nil, err
	}

	rawBranch, ok := params[4].([]any)
	if !ok {
		return nil, fmt.Errorf("merkle_branch must be array")
	}
	branch := make([]string, len(rawBranch))
	for i, h := range rawBranch {
		s, ok := h.(string)
		if !ok {
			return nil, fmt.Errorf("merkle_branch[%d] must be string", i)
		}
		branch[i] = s
	}

	version, err := str(5, "version")
	if err != nil {
		return nil, err
	}
	nbits, err := str(6, "nbits")
	if err != nil {
		return nil, err
	}
	ntime, err := str(7, "ntime")
	if err != nil {
		return nil, err
	}

	cleanJobs, ok := params[8].(bool)
	if !ok {
		return nil, fmt.Errorf("clean_jobs must be bool")
	}

	return &NotifyParams{
		JobID:        jobID,
		PrevHash:     prevHash,
		Coinb1:       coinb1,
		Coinb2:       coinb2,
		MerkleBranch: branch,
		Version:      version,
		NBits:        nbits,
		NTime:        ntime,
		CleanJobs:    cleanJobs,
	}, nil
}

// ParseSetDifficulty parses mining.set_difficulty parameters
func ParseSetDifficulty(params []any) (float64, error) {
	if len(params) < 1 {
		return 0, fmt.Errorf("insufficient parameters")
	}
	diff, ok := params[0].(float64)
	if !ok {
		return 0, fmt.Errorf("difficulty must be a number")
	}
	if diff <= 0 {
		return 0, fmt.Errorf("difficulty must be positive")
	}
	return diff, nil
}

// ParseSetExtranonce parses mining.set_extranonce parameters:
// [extranonce1 (hex), extranonce2_size].
func ParseSetExtranonce(params []any) (*SubscribeResult, error) {
	if len(params) < 2 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	extranonce1, ok := params[0].(string)
	if !ok || extranonce1 == "" {
		return nil, fmt.Errorf("extranonce1 must be a non-empty string")
	}

	sizeF, ok := params[1].(float64)
	if !ok {
		return nil, fmt.Errorf("extranonce2_size must be a number")
	}
	size := int(sizeF)
	if size < 1 || size > 16 {
		return nil, fmt.Errorf("extranonce2_size out of range: %d", size)
	}

	return &SubscribeResult{
		ExtraNonce1:     extranonce1,
		ExtraNonce2Size: size,
	}, nil
}

// ResultBool interprets a Stratum call result as a boolean, treating
// absent or null results as false.
func ResultBool(result any) bool {
	b, ok := result.(bool)
	return ok && b
}
