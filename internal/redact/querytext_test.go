package redact

import "testing"

func TestQueryTextRedactsArguments(t *testing.T) {
	t.Parallel()

	set := NewFieldSet(nil)

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "quoted mutation argument",
			input: `mutation Login { login(username: "john", password: "secret123") { token } }`,
			want:  `mutation Login { login(username: "john", password: "[REDACTED]") { token } }`,
		},
		{
			name:  "single quoted value",
			input: `login(password: 'secret123')`,
			want:  `login(password: '[REDACTED]')`,
		},
		{
			name:  "unquoted variable binding",
			input: `login(password: $pw, username: $user)`,
			want:  `login(password: [REDACTED], username: $user)`,
		},
		{
			name:  "unquoted numeric value",
			input: `verify(pin: 1234)`,
			want:  `verify(pin: [REDACTED])`,
		},
		{
			name:  "value ends at closing brace",
			input: `{apiKey: abc123}`,
			want:  `{apiKey: [REDACTED]}`,
		},
		{
			name:  "multiple fields in one document",
			input: `signup(password: "a", ssn: "123-45-6789", name: "bob")`,
			want:  `signup(password: "[REDACTED]", ssn: "[REDACTED]", name: "bob")`,
		},
		{
			name:  "case insensitive field name",
			input: `login(PASSWORD: "x")`,
			want:  `login(PASSWORD: "[REDACTED]")`,
		},
		{
			name:  "no space around colon",
			input: `login(password:"x")`,
			want:  `login(password:"[REDACTED]")`,
		},
		{
			name:  "compound field name",
			input: `update(userPassword: "x")`,
			want:  `update(userPassword: "[REDACTED]")`,
		},
		{
			name:  "empty text",
			input: "",
			want:  "",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := QueryText(tt.input, set); got != tt.want {
				t.Fatalf("QueryText(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestQueryTextNoSpuriousChanges(t *testing.T) {
	t.Parallel()

	set := NewFieldSet(nil)

	// Text without any sensitive field names must come back byte-identical.
	inputs := []string{
		`query Users { users { id name email } }`,
		`mutation Rename { rename(from: "a", to: "b") { id } }`,
		`plain text without any colon separated values`,
	}
	for _, input := range inputs {
		if got := QueryText(input, set); got != input {
			t.Fatalf("QueryText changed clean input %q -> %q", input, got)
		}
	}
}

func TestQueryTextIdempotent(t *testing.T) {
	t.Parallel()

	set := NewFieldSet(nil)
	inputs := []string{
		`login(password: "secret", token: abc, pin: 1)`,
		`login(password: $pw)`,
	}
	for _, input := range inputs {
		once := QueryText(input, set)
		twice := QueryText(once, set)
		if once != twice {
			t.Fatalf("re-redaction changed output: %q vs %q", once, twice)
		}
	}
}

func TestQueryTextExtraFields(t *testing.T) {
	t.Parallel()

	set := NewFieldSet([]string{"otp"})
	got := QueryText(`confirm(otp: "995511", user: "j")`, set)
	want := `confirm(otp: "[REDACTED]", user: "j")`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
