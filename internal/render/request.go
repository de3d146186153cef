package render

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type Backend string

const (
	BackendSVG         Backend = "svg"
	BackendPDF         Backend = "pdf"
	BackendMusicXML2Ly Backend = "musicxml2ly"
)

func (b Backend) Valid() bool {
	switch b {
	case BackendSVG, BackendPDF, BackendMusicXML2Ly:
		return true
	default:
		return false
	}
}

type Version string

const (
	VersionStable   Version = "stable"
	VersionUnstable Version = "unstable"
)

func (v Version) Valid() bool {
	return v == VersionStable || v == VersionUnstable
}

// Request is one unit of rendering work. It is immutable once a source has
// emitted it.
type Request struct {
	ID      string  `json:"id,omitempty" msgpack:"id,omitempty"`
	Backend Backend `json:"backend" msgpack:"backend"`
	Src     string  `json:"src" msgpack:"src"`
	Version Version `json:"version,omitempty" msgpack:"version,omitempty"`
}

// Response is the result of rendering one Request. A non-empty Error means
// the renderer failed; it is still delivered through the request's callback.
type Response struct {
	Files []string `json:"files" msgpack:"files"`
	Logs  string   `json:"logs" msgpack:"logs"`
	MIDI  string   `json:"midi,omitempty" msgpack:"midi,omitempty"`
	Error string   `json:"error,omitempty" msgpack:"error,omitempty"`
}

func (r Response) Failed() bool {
	return strings.TrimSpace(r.Error) != ""
}

const requestSchemaURL = "https://hacklily.org/schemas/render-request.json"

const requestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["backend", "src"],
  "properties": {
    "id": {"type": "string"},
    "backend": {"enum": ["svg", "pdf", "musicxml2ly"]},
    "src": {"type": "string", "minLength": 1},
    "version": {"enum": ["", "stable", "unstable"]}
  }
}`

var (
	compiledSchemaOnce sync.Once
	compiledSchema     *jsonschema.Schema
	compiledSchemaErr  error
)

func schema() (*jsonschema.Schema, error) {
	compiledSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(requestSchemaURL, strings.NewReader(requestSchema)); err != nil {
			compiledSchemaErr = fmt.Errorf("add request schema: %w", err)
			return
		}
		compiledSchema, compiledSchemaErr = compiler.Compile(requestSchemaURL)
	})
	return compiledSchema, compiledSchemaErr
}

// DecodeRequest parses and validates a JSON encoded request. An empty
// version is normalised to stable.
func DecodeRequest(raw []byte) (Request, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	if err := validateGeneric(generic); err != nil {
		return Request{}, err
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	return req.normalized(), nil
}

// Validate checks an already decoded request against the request schema.
func Validate(req Request) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return validateGeneric(generic)
}

func validateGeneric(v any) error {
	s, err := schema()
	if err != nil {
		return err
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

func (r Request) normalized() Request {
	if r.Version == "" {
		r.Version = VersionStable
	}
	return r
}

// Normalize returns a copy with defaults applied.
func Normalize(r Request) Request {
	return r.normalized()
}
