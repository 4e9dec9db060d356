package capture

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/oteltap/oteltap/internal/redact"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		contentType string
		want        Kind
	}{
		{name: "plain json", contentType: "application/json", want: KindJSON},
		{name: "json with charset", contentType: "application/json; charset=utf-8", want: KindJSON},
		{name: "vendored json", contentType: "application/vnd.api+json is not json", want: KindUnsupported},
		{name: "uppercase json", contentType: "Application/JSON", want: KindJSON},
		{name: "graphql", contentType: "application/graphql", want: KindGraphQL},
		{name: "form", contentType: "application/x-www-form-urlencoded", want: KindForm},
		{name: "multipart with boundary", contentType: "multipart/form-data; boundary=X", want: KindMultipart},
		{name: "text", contentType: "text/plain", want: KindUnsupported},
		{name: "binary", contentType: "application/octet-stream", want: KindUnsupported},
		{name: "empty", contentType: "", want: KindUnsupported},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.contentType); got != tt.want {
				t.Fatalf("Classify(%q) = %q, want %q", tt.contentType, got, tt.want)
			}
		})
	}
}

func newTestOrchestrator(maxBytes int) *Orchestrator {
	return NewOrchestrator(Config{
		Enabled:      true,
		MaxBodyBytes: maxBytes,
		Fields:       redact.NewFieldSet(nil),
	}, nil)
}

func bodyJSON(t *testing.T, res Result) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(res.Body), &m); err != nil {
		t.Fatalf("result body %q is not json: %v", res.Body, err)
	}
	return m
}

func TestProcessJSON(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(0)
	input := `{"username":"john","password":"secret123"}`

	res := o.Process(KindJSON, []byte(input), false, int64(len(input)))

	if !res.Captured || res.ParseError {
		t.Fatalf("unexpected result flags: %+v", res)
	}
	if res.Size != len(input) {
		t.Fatalf("size = %d, want %d", res.Size, len(input))
	}
	want := map[string]any{"username": "john", "password": "[REDACTED]"}
	if got := bodyJSON(t, res); !reflect.DeepEqual(got, want) {
		t.Fatalf("body = %#v, want %#v", got, want)
	}
}

func TestProcessNestedJSONArrays(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(0)
	input := `{"users":[{"name":"a","password":"p1"},{"name":"b","password":"p2"}]}`

	res := o.Process(KindJSON, []byte(input), false, int64(len(input)))
	got := bodyJSON(t, res)

	users, ok := got["users"].([]any)
	if !ok || len(users) != 2 {
		t.Fatalf("users shape changed: %#v", got["users"])
	}
	for i, u := range users {
		m, ok := u.(map[string]any)
		if !ok {
			t.Fatalf("users[%d] is %T", i, u)
		}
		if m["password"] != "[REDACTED]" {
			t.Fatalf("users[%d].password = %v", i, m["password"])
		}
	}
}

func TestProcessForm(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(0)
	input := "username=john&password=secret123"

	res := o.Process(KindForm, []byte(input), false, int64(len(input)))

	if !res.Captured || res.Kind != KindForm {
		t.Fatalf("unexpected result: %+v", res)
	}
	want := map[string]any{"username": "john", "password": "[REDACTED]"}
	if got := bodyJSON(t, res); !reflect.DeepEqual(got, want) {
		t.Fatalf("body = %#v, want %#v", got, want)
	}
}

func TestProcessFormRepeatedKeys(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(0)
	res := o.Process(KindForm, []byte("tag=a&tag=b&token=x"), false, 0)

	got := bodyJSON(t, res)
	if !reflect.DeepEqual(got["tag"], []any{"a", "b"}) {
		t.Fatalf("tag = %#v", got["tag"])
	}
	if got["token"] != "[REDACTED]" {
		t.Fatalf("token = %v", got["token"])
	}
}

func TestProcessGraphQL(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(0)
	input := `mutation Login { login(username: "john", password: "secret123") { token } }`
	want := `mutation Login { login(username: "john", password: "[REDACTED]") { token } }`

	res := o.Process(KindGraphQL, []byte(input), false, int64(len(input)))

	if !res.Captured || res.Kind != KindGraphQL {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Body != want {
		t.Fatalf("body = %q, want %q", res.Body, want)
	}
}

func TestProcessMalformedJSONDegrades(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(32)
	input := `{"password": "secret123"` // unterminated

	res := o.Process(KindJSON, []byte(input), false, int64(len(input)))

	if !res.Captured || !res.ParseError {
		t.Fatalf("expected degraded capture, got %+v", res)
	}
	if res.SkipReason != ReasonParseError {
		t.Fatalf("reason = %q", res.SkipReason)
	}
	if len(res.Body) > 32 {
		t.Fatalf("raw fallback exceeds budget: %d bytes", len(res.Body))
	}
}

func TestProcessNonUTF8ParseFailureSkipsContent(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(0)
	res := o.Process(KindJSON, []byte{0xff, 0xfe, 0x01}, false, 3)

	if res.Captured || res.Body != "" {
		t.Fatalf("binary garbage must not be captured: %+v", res)
	}
	if !res.ParseError {
		t.Fatalf("expected parse error flag: %+v", res)
	}
}

func TestProcessTooLarge(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(10240)
	res := o.Process(KindJSON, []byte("{}"), true, 50000)

	if res.Captured {
		t.Fatal("oversized body must not be captured")
	}
	if res.SkipReason != ReasonTooLarge {
		t.Fatalf("reason = %q", res.SkipReason)
	}
	if res.Body != "[TOO LARGE: 50000 bytes]" {
		t.Fatalf("body = %q", res.Body)
	}
	if res.Size != 50000 {
		t.Fatalf("size = %d", res.Size)
	}
	if strings.Contains(res.Body, "{") {
		t.Fatal("placeholder leaked content")
	}
}

func TestProcessMultipart(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(0)
	res := o.Process(KindMultipart, nil, false, 123)

	if res.Captured {
		t.Fatal("multipart must never be captured")
	}
	if res.Body != "[NOT CAPTURED: multipart/form-data]" {
		t.Fatalf("body = %q", res.Body)
	}
	if res.SkipReason != ReasonUnsupported {
		t.Fatalf("reason = %q", res.SkipReason)
	}
}

func TestProcessTruncatesExpandedOutput(t *testing.T) {
	t.Parallel()

	// Redaction can grow the document: a 1-char password becomes a
	// 10-char marker. The serialized output must still respect the budget.
	o := newTestOrchestrator(24)
	input := `{"pwd":"x","cvv":"y"}`

	res := o.Process(KindJSON, []byte(input), false, int64(len(input)))

	if !res.Captured {
		t.Fatalf("expected capture: %+v", res)
	}
	if len(res.Body) > 24 {
		t.Fatalf("body length %d exceeds budget", len(res.Body))
	}
}
