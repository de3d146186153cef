package distributed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const jsonRPCVersion = "2.0"

const (
	MethodAdvertiseCapacity = "i_haz_computes"
	MethodRender            = "render"
	MethodPing              = "ping"
	MethodGoodbye           = "goodbye"
)

// Error codes understood by the coordinator.
const (
	ErrorCodeParse          = 1
	ErrorCodeInternal       = 2
	ErrorCodeInvalidRequest = 3
)

var ErrMalformedMessage = errors.New("malformed coordinator message")

// Message is a JSON-RPC 2.0 envelope exchanged with the coordinator. The id
// is kept raw so that whatever the coordinator used is echoed back verbatim.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("coordinator error %d: %s", e.Code, e.Message)
}

type CapacityParams struct {
	MaxJobs  int    `json:"max_jobs"`
	WorkerID string `json:"worker_id,omitempty"`
}

// IsRequest reports whether the message asks us to do something, as opposed
// to answering one of our own requests.
func (m Message) IsRequest() bool {
	return strings.TrimSpace(m.Method) != ""
}

// JobID returns the message id as text. String ids are unquoted, anything
// else is returned as its JSON literal. A missing or null id yields "".
func (m Message) JobID() string {
	raw := bytes.TrimSpace(m.ID)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func StringID(id string) json.RawMessage {
	return json.RawMessage(strconv.Quote(id))
}

func NewRequest(id json.RawMessage, method string, params any) (Message, error) {
	msg := Message{JSONRPC: jsonRPCVersion, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s params: %w", method, err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewCapacityAdvertisement builds the notification that opens every
// connection. Its id is an explicit null.
func NewCapacityAdvertisement(maxJobs int, workerID string) (Message, error) {
	return NewRequest(json.RawMessage("null"), MethodAdvertiseCapacity, CapacityParams{MaxJobs: maxJobs, WorkerID: workerID})
}

func NewPing(id string) Message {
	return Message{JSONRPC: jsonRPCVersion, ID: StringID(id), Method: MethodPing}
}

func NewGoodbye() Message {
	return Message{JSONRPC: jsonRPCVersion, Method: MethodGoodbye}
}

func NewResult(id json.RawMessage, result any) (Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Message{}, fmt.Errorf("marshal result: %w", err)
	}
	return Message{JSONRPC: jsonRPCVersion, ID: id, Result: raw}, nil
}

func NewErrorReply(id json.RawMessage, code int, message string) Message {
	return Message{JSONRPC: jsonRPCVersion, ID: id, Error: &RPCError{Code: code, Message: message}}
}

// ParseMessage decodes one coordinator frame. Errors wrap ErrMalformedMessage
// so callers can keep the connection open.
func ParseMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.JSONRPC == "" {
		msg.JSONRPC = jsonRPCVersion
	}
	if msg.Method == "" && len(msg.Result) == 0 && msg.Error == nil {
		return Message{}, fmt.Errorf("%w: neither method, result nor error set", ErrMalformedMessage)
	}
	return msg, nil
}
