// Package validate enforces the inbound message contract before anything else
// touches a client frame: size, shape, type acceptance, payload safety and
// field limits. Violations carry a machine code, the offending field path and
// the received value so the caller can answer with a structured error frame
// instead of a bare close.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/relaygrid/session-fabric/internal/domain/envelope"
)

// Mode picks how unrecognised message types are handled.
type Mode int

const (
	// ModeLenient rewrites unknown types into a fallback error envelope.
	ModeLenient Mode = iota
	// ModeStrict rejects unknown types outright.
	ModeStrict
)

func (m Mode) String() string {
	if m == ModeStrict {
		return "strict"
	}
	return "lenient"
}

// Limits bounds what the fabric accepts from a single client frame.
type Limits struct {
	MaxMessageBytes int
	MaxTypeLen      int
	// MaxTextChars caps payload.text in runes.
	MaxTextChars int
	MaxStringLen int
	MaxArrayLen  int
	MaxDepth     int
	MaxKeys      int
}

// DefaultLimits returns the production defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxMessageBytes: 1 << 20,
		MaxTypeLen:      64,
		MaxTextChars:    10_000,
		MaxStringLen:    64_000,
		MaxArrayLen:     1_000,
		MaxDepth:        32,
		MaxKeys:         256,
	}
}

// Violation codes surfaced to clients.
const (
	CodeTooLarge      = "message_too_large"
	CodeMissingType   = "missing_type"
	CodeBadType       = "invalid_type"
	CodeUnknownType   = "unknown_message_type"
	CodeUnsafeContent = "unsafe_content"
	CodeTooDeep       = "nesting_too_deep"
	CodeStringTooLong = "string_too_long"
	CodeArrayTooLong  = "array_too_long"
	CodeTooManyKeys   = "too_many_keys"
	CodeBadEncoding   = "invalid_encoding"
	CodeSchema        = "schema_violation"
)

// Violation is a failed check. It implements error so call sites can bubble
// it up through normal error returns and recover the structure with errors.As.
type Violation struct {
	Code        string
	Field       string
	Message     string
	Recoverable bool
	// Received echoes the offending value back to the client where that is
	// safe (type tags, lengths; never raw payload bodies).
	Received any
}

func (v *Violation) Error() string {
	if v.Field == "" {
		return fmt.Sprintf("validate: %s: %s", v.Code, v.Message)
	}
	return fmt.Sprintf("validate: %s at %s: %s", v.Code, v.Field, v.Message)
}

// Result is the outcome of Inspect for an accepted frame. When Fallback is
// set the frame's type was unrecognised in lenient mode and the caller must
// answer with envelope.NewUnknownTypeFallback(Type, OriginalPayload) instead
// of dispatching the frame.
type Result struct {
	Type            string
	Fallback        bool
	OriginalPayload any
}

// SchemaFunc is an optional per-type validation hook running last in the
// pipeline, after the generic checks passed.
type SchemaFunc func(m map[string]any) error

// typePattern is the allowed shape of the "type" tag: snake-ish identifiers
// with optional dots for namespacing.
var typePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.\-]*$`)

// xssSentinels reject script injection attempts in payload.text. Matching is
// case-insensitive.
var xssSentinels = []string{
	"<script",
	"javascript:",
	"onclick=",
	"onerror=",
	"onload=",
	"onmouseover=",
	"<iframe",
	"<object",
	"<embed",
	"<form",
}

// defaultTypes is what clients may send without extra registration: the
// fabric's own inbound frames plus the state-sync family.
func defaultTypes() map[string]struct{} {
	types := []string{
		envelope.TypeAgentMessage,
		envelope.TypeHeartbeatPing,
		envelope.TypeHeartbeatPong,
		envelope.TypeHeartbeatResponse,
		envelope.TypeChunk,
		envelope.TypeJoinRoom,
		envelope.TypeLeaveRoom,
		envelope.TypeToolCall,
		envelope.TypeToolResult,
		envelope.TypeLog,
		envelope.TypeError,
		envelope.TypeGetCurrentState,
		envelope.TypeStateUpdate,
		envelope.TypePartialStateUpdate,
		envelope.TypeClientStateUpdate,
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return set
}

// Validator checks decoded frames against a fixed limit set and type
// registry. Construct once, share freely; it is immutable after New.
type Validator struct {
	limits     Limits
	mode       Mode
	recognized map[string]struct{}
	schemas    map[string]SchemaFunc
}

// Option customises a Validator at construction time.
type Option func(*Validator)

// WithMode switches between lenient and strict unknown-type handling.
func WithMode(m Mode) Option {
	return func(v *Validator) { v.mode = m }
}

// WithTypes registers additional accepted application message types.
func WithTypes(types ...string) Option {
	return func(v *Validator) {
		for _, t := range types {
			v.recognized[t] = struct{}{}
		}
	}
}

// WithSchema installs a typed-schema hook for one message type.
func WithSchema(msgType string, fn SchemaFunc) Option {
	return func(v *Validator) { v.schemas[msgType] = fn }
}

func New(limits Limits, opts ...Option) *Validator {
	if limits.MaxMessageBytes <= 0 {
		limits = DefaultLimits()
	}
	if limits.MaxTextChars <= 0 {
		limits.MaxTextChars = DefaultLimits().MaxTextChars
	}
	v := &Validator{
		limits:     limits,
		recognized: defaultTypes(),
		schemas:    make(map[string]SchemaFunc),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Limits returns the active limit set.
func (v *Validator) Limits() Limits { return v.limits }

// Mode returns the unknown-type handling mode.
func (v *Validator) Mode() Mode { return v.mode }

// CheckFrame bounds the raw frame before JSON decoding, so a hostile client
// cannot make the decoder allocate for an oversized body.
func (v *Validator) CheckFrame(raw []byte) error {
	if len(raw) > v.limits.MaxMessageBytes {
		return &Violation{
			Code:        CodeTooLarge,
			Message:     fmt.Sprintf("frame is %d bytes, limit %d", len(raw), v.limits.MaxMessageBytes),
			Recoverable: true,
			Received:    len(raw),
		}
	}
	if !utf8.Valid(raw) {
		return &Violation{
			Code:        CodeBadEncoding,
			Message:     "frame is not valid UTF-8",
			Recoverable: true,
		}
	}
	return nil
}

// Inspect runs the decoded frame through the pipeline: structural checks,
// type acceptance, payload.text safety, shape limits and finally the schema
// hook. It short-circuits on the first violation.
func (v *Validator) Inspect(m map[string]any) (*Result, error) {
	typ, err := v.checkStructure(m)
	if err != nil {
		return nil, err
	}

	if _, ok := v.recognized[typ]; !ok {
		if v.mode == ModeStrict {
			return nil, &Violation{
				Code:        CodeUnknownType,
				Field:       "type",
				Message:     fmt.Sprintf("Unknown message type: %s", typ),
				Recoverable: true,
				Received:    typ,
			}
		}
		return &Result{Type: typ, Fallback: true, OriginalPayload: m["payload"]}, nil
	}

	if err := v.checkText(m); err != nil {
		return nil, err
	}
	if err := v.walk(m, "", 0); err != nil {
		return nil, err
	}
	if fn, ok := v.schemas[typ]; ok {
		if err := fn(m); err != nil {
			if viol, ok := err.(*Violation); ok {
				return nil, viol
			}
			return nil, &Violation{Code: CodeSchema, Message: err.Error(), Recoverable: true}
		}
	}
	return &Result{Type: typ}, nil
}

func (v *Validator) checkStructure(m map[string]any) (string, error) {
	rawType, ok := m["type"]
	if !ok {
		return "", &Violation{Code: CodeMissingType, Field: "type", Message: "frame has no type", Recoverable: true}
	}
	typ, ok := rawType.(string)
	if !ok || typ == "" {
		return "", &Violation{Code: CodeBadType, Field: "type", Message: "type must be a non-empty string", Recoverable: true, Received: rawType}
	}
	if len(typ) > v.limits.MaxTypeLen {
		return "", &Violation{
			Code:        CodeBadType,
			Field:       "type",
			Message:     fmt.Sprintf("type is %d chars, limit %d", len(typ), v.limits.MaxTypeLen),
			Recoverable: true,
			Received:    len(typ),
		}
	}
	if !typePattern.MatchString(typ) {
		return "", &Violation{Code: CodeBadType, Field: "type", Message: "type has forbidden characters", Recoverable: true, Received: typ}
	}
	return typ, nil
}

// checkText guards payload.text against script injection and oversized user
// text. Only string values are inspected; any other shape is the schema
// hook's business.
func (v *Validator) checkText(m map[string]any) error {
	payload, ok := m["payload"].(map[string]any)
	if !ok {
		return nil
	}
	text, ok := payload["text"].(string)
	if !ok {
		return nil
	}

	if n := utf8.RuneCountInString(text); n > v.limits.MaxTextChars {
		return &Violation{
			Code:        CodeStringTooLong,
			Field:       "payload.text",
			Message:     fmt.Sprintf("text exceeds %d characters", v.limits.MaxTextChars),
			Recoverable: true,
			Received:    n,
		}
	}

	lowered := strings.ToLower(text)
	for _, marker := range xssSentinels {
		if strings.Contains(lowered, marker) {
			return &Violation{
				Code:        CodeUnsafeContent,
				Field:       "payload.text",
				Message:     fmt.Sprintf("text contains forbidden token %q", marker),
				Recoverable: true,
			}
		}
	}
	return nil
}

func (v *Validator) walk(node any, path string, depth int) error {
	if depth > v.limits.MaxDepth {
		return &Violation{
			Code:        CodeTooDeep,
			Field:       path,
			Message:     fmt.Sprintf("nesting exceeds %d levels", v.limits.MaxDepth),
			Recoverable: true,
		}
	}

	switch val := node.(type) {
	case string:
		if utf8.RuneCountInString(val) > v.limits.MaxStringLen {
			return &Violation{
				Code:        CodeStringTooLong,
				Field:       path,
				Message:     fmt.Sprintf("string exceeds %d chars", v.limits.MaxStringLen),
				Recoverable: true,
			}
		}
	case []any:
		if len(val) > v.limits.MaxArrayLen {
			return &Violation{
				Code:        CodeArrayTooLong,
				Field:       path,
				Message:     fmt.Sprintf("array has %d items, limit %d", len(val), v.limits.MaxArrayLen),
				Recoverable: true,
			}
		}
		for i, item := range val {
			if err := v.walk(item, fmt.Sprintf("%s[%d]", path, i), depth+1); err != nil {
				return err
			}
		}
	case map[string]any:
		if len(val) > v.limits.MaxKeys {
			return &Violation{
				Code:        CodeTooManyKeys,
				Field:       path,
				Message:     fmt.Sprintf("object has %d keys, limit %d", len(val), v.limits.MaxKeys),
				Recoverable: true,
			}
		}
		for k, item := range val {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			if err := v.walk(item, childPath, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
