package validate

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckFrameSize(t *testing.T) {
	v := New(Limits{MaxMessageBytes: 16, MaxTypeLen: 64, MaxStringLen: 100, MaxArrayLen: 10, MaxDepth: 8, MaxKeys: 16})

	require.NoError(t, v.CheckFrame([]byte(`{"type":"x"}`)))

	err := v.CheckFrame([]byte(strings.Repeat("a", 17)))
	var viol *Violation
	require.ErrorAs(t, err, &viol)
	assert.Equal(t, CodeTooLarge, viol.Code)
	assert.True(t, viol.Recoverable)
	assert.Equal(t, 17, viol.Received)
}

func TestCheckFrameEncoding(t *testing.T) {
	v := New(DefaultLimits())
	err := v.CheckFrame([]byte{0xff, 0xfe, '{'})
	var viol *Violation
	require.ErrorAs(t, err, &viol)
	assert.Equal(t, CodeBadEncoding, viol.Code)
}

func TestInspectStructuralChecks(t *testing.T) {
	v := New(DefaultLimits())

	tests := []struct {
		name string
		msg  map[string]any
		code string
	}{
		{"missing", map[string]any{"payload": 1}, CodeMissingType},
		{"empty", map[string]any{"type": ""}, CodeBadType},
		{"non-string", map[string]any{"type": 42}, CodeBadType},
		{"forbidden chars", map[string]any{"type": "drop table;"}, CodeBadType},
		{"leading digit", map[string]any{"type": "1bad"}, CodeBadType},
		{"too long", map[string]any{"type": strings.Repeat("x", 65)}, CodeBadType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Inspect(tt.msg)
			var viol *Violation
			require.ErrorAs(t, err, &viol)
			assert.Equal(t, tt.code, viol.Code)
		})
	}
}

func TestInspectAcceptsKnownTypes(t *testing.T) {
	v := New(DefaultLimits())

	res, err := v.Inspect(map[string]any{"type": "agent_message", "payload": map[string]any{"text": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "agent_message", res.Type)
	assert.False(t, res.Fallback)

	res, err = v.Inspect(map[string]any{"type": "client_state_update"})
	require.NoError(t, err)
	assert.False(t, res.Fallback)
}

func TestInspectAcceptsHeartbeatFamily(t *testing.T) {
	v := New(DefaultLimits())

	for _, typ := range []string{"heartbeat_ping", "heartbeat_pong", "heartbeat_response"} {
		res, err := v.Inspect(map[string]any{"type": typ})
		require.NoError(t, err, typ)
		assert.False(t, res.Fallback, typ)
		assert.Equal(t, typ, res.Type)
	}
}

func TestInspectUnknownTypeLenientFallsBack(t *testing.T) {
	v := New(DefaultLimits())

	res, err := v.Inspect(map[string]any{
		"type":    "telemetry_blob",
		"payload": map[string]any{"x": float64(1)},
	})
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, "telemetry_blob", res.Type)
	assert.Equal(t, map[string]any{"x": float64(1)}, res.OriginalPayload)
}

func TestInspectUnknownTypeStrictRejects(t *testing.T) {
	v := New(DefaultLimits(), WithMode(ModeStrict))

	_, err := v.Inspect(map[string]any{"type": "telemetry_blob"})
	var viol *Violation
	require.ErrorAs(t, err, &viol)
	assert.Equal(t, CodeUnknownType, viol.Code)
	assert.Equal(t, "telemetry_blob", viol.Received)
	assert.Contains(t, viol.Message, "Unknown message type: telemetry_blob")
}

func TestInspectExtraRegisteredTypes(t *testing.T) {
	v := New(DefaultLimits(), WithMode(ModeStrict), WithTypes("db_session"))

	res, err := v.Inspect(map[string]any{"type": "db_session"})
	require.NoError(t, err)
	assert.False(t, res.Fallback)
}

func TestInspectRejectsInjectionInText(t *testing.T) {
	v := New(DefaultLimits())

	hostile := []string{
		`<script>alert(1)</script>`,
		`<SCRIPT>x`,
		`click javascript:alert(1)`,
		`<img onerror=pwn()>`,
		`<div onclick=x onmouseover=y>`,
		`<iframe src=x>`,
		`<object data=x>`,
		`<embed src=x>`,
		`<form action=x>`,
		`body onload=boom`,
	}
	for _, text := range hostile {
		_, err := v.Inspect(map[string]any{
			"type":    "agent_message",
			"payload": map[string]any{"text": text},
		})
		var viol *Violation
		require.ErrorAs(t, err, &viol, "input %q must be rejected", text)
		assert.Equal(t, CodeUnsafeContent, viol.Code)
		assert.Equal(t, "payload.text", viol.Field)
	}

	// Markup outside payload.text is the sanitizer's business, not a reject.
	_, err := v.Inspect(map[string]any{
		"type":    "agent_message",
		"payload": map[string]any{"title": "<b>bold</b>", "text": "safe"},
	})
	assert.NoError(t, err)
}

func TestInspectRejectsOversizedText(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxTextChars = 10
	v := New(limits)

	_, err := v.Inspect(map[string]any{
		"type":    "agent_message",
		"payload": map[string]any{"text": strings.Repeat("a", 11)},
	})
	var viol *Violation
	require.ErrorAs(t, err, &viol)
	assert.Equal(t, CodeStringTooLong, viol.Code)
	assert.Equal(t, "payload.text", viol.Field)
	assert.Equal(t, 11, viol.Received)
}

func TestInspectDepthLimit(t *testing.T) {
	v := New(Limits{MaxMessageBytes: 1 << 20, MaxTypeLen: 64, MaxStringLen: 100, MaxArrayLen: 10, MaxDepth: 3, MaxKeys: 16})

	deep := map[string]any{"type": "log", "a": map[string]any{"b": map[string]any{"c": map[string]any{"d": 1}}}}
	_, err := v.Inspect(deep)
	var viol *Violation
	require.ErrorAs(t, err, &viol)
	assert.Equal(t, CodeTooDeep, viol.Code)

	shallow := map[string]any{"type": "log", "a": map[string]any{"b": 1}}
	_, err = v.Inspect(shallow)
	assert.NoError(t, err)
}

func TestInspectFieldPaths(t *testing.T) {
	v := New(Limits{MaxMessageBytes: 1 << 20, MaxTypeLen: 64, MaxStringLen: 5, MaxArrayLen: 2, MaxDepth: 8, MaxKeys: 16})

	_, err := v.Inspect(map[string]any{
		"type":    "log",
		"payload": map[string]any{"name": "toolong"},
	})
	var viol *Violation
	require.ErrorAs(t, err, &viol)
	assert.Equal(t, CodeStringTooLong, viol.Code)
	assert.Equal(t, "payload.name", viol.Field)

	_, err = v.Inspect(map[string]any{
		"type":  "log",
		"items": []any{1, 2, 3},
	})
	require.ErrorAs(t, err, &viol)
	assert.Equal(t, CodeArrayTooLong, viol.Code)
	assert.Equal(t, "items", viol.Field)
}

func TestInspectSchemaHook(t *testing.T) {
	v := New(DefaultLimits(), WithSchema("join_room", func(m map[string]any) error {
		payload, _ := m["payload"].(map[string]any)
		if _, ok := payload["room"].(string); !ok {
			return errors.New("join_room requires payload.room")
		}
		return nil
	}))

	_, err := v.Inspect(map[string]any{"type": "join_room", "payload": map[string]any{}})
	var viol *Violation
	require.ErrorAs(t, err, &viol)
	assert.Equal(t, CodeSchema, viol.Code)

	_, err = v.Inspect(map[string]any{"type": "join_room", "payload": map[string]any{"room": "ops"}})
	assert.NoError(t, err)

	_, err = v.Inspect(map[string]any{"type": "leave_room"})
	assert.NoError(t, err, "hook binds to one type only")
}

func TestViolationIsError(t *testing.T) {
	var err error = &Violation{Code: CodeBadType, Field: "type", Message: "nope"}
	assert.Contains(t, err.Error(), CodeBadType)
	assert.Contains(t, err.Error(), "type")

	wrapped := errors.Join(errors.New("outer"), err)
	var viol *Violation
	assert.True(t, errors.As(wrapped, &viol))
}

func TestSanitizeStringEncodesMarkup(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"angle brackets", `<b>x</b>`, `&lt;b&gt;x&lt;/b&gt;`},
		{"quotes", `say "hi" & 'bye'`, `say &quot;hi&quot; &amp; &#x27;bye&#x27;`},
		{"clean", "plain text stays", "plain text stays"},
		{"already encoded", "&lt;b&gt;x&lt;/b&gt;", "&lt;b&gt;x&lt;/b&gt;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeString(tt.in))
		})
	}
}

func TestSanitizeStringStripsHostileControls(t *testing.T) {
	in := "hel\x00lo\x08 wor\x0c\x0e\x0fld"
	assert.Equal(t, "hello world", SanitizeString(in))

	assert.Equal(t, "line1\nline2\tend\r", SanitizeString("line1\nline2\tend\r"),
		"tab, newline and carriage return survive")
}

func TestSanitizeIdempotent(t *testing.T) {
	msg := map[string]any{
		"type": "client_state_update",
		"payload": map[string]any{
			"text":  "a\x00b <script>bad</script>",
			"count": float64(3),
			"tags":  []any{"x\x08y", `"quoted"`},
		},
	}

	once := Sanitize(msg)
	twice := Sanitize(once)
	assert.Equal(t, once, twice, "sanitize must be a fixpoint")

	payload := once["payload"].(map[string]any)
	assert.Equal(t, "ab &lt;script&gt;bad&lt;/script&gt;", payload["text"])
	assert.Equal(t, float64(3), payload["count"], "non-strings untouched")
	assert.Equal(t, "xy", payload["tags"].([]any)[0])
	assert.Equal(t, "&quot;quoted&quot;", payload["tags"].([]any)[1])
}

func TestSanitizeSkipTextPreservesUserText(t *testing.T) {
	msg := map[string]any{
		"type": "agent_message",
		"payload": map[string]any{
			"text":  `raw <em>text</em> stays`,
			"title": `<b>title</b>`,
		},
	}

	out := SanitizeSkipText(msg)
	payload := out["payload"].(map[string]any)
	assert.Equal(t, `raw <em>text</em> stays`, payload["text"], "payload.text verbatim")
	assert.Equal(t, `&lt;b&gt;title&lt;/b&gt;`, payload["title"], "siblings still sanitized")

	// Only the payload.text path is exempt, not any field named text.
	nested := map[string]any{
		"type":    "agent_message",
		"payload": map[string]any{"meta": map[string]any{"text": "<i>x</i>"}},
	}
	out = SanitizeSkipText(nested)
	meta := out["payload"].(map[string]any)["meta"].(map[string]any)
	assert.Equal(t, "&lt;i&gt;x&lt;/i&gt;", meta["text"])
}

func TestSanitizeDoesNotMutateInput(t *testing.T) {
	msg := map[string]any{"text": "a\x00b<c>"}
	_ = Sanitize(msg)
	assert.Equal(t, "a\x00b<c>", msg["text"], "input document stays intact")
}
