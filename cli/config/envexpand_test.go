package config

import (
	"strings"
	"testing"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("TRIB_SET", "hello")
	t.Setenv("TRIB_EMPTY", "")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"set", "value: ${TRIB_SET}", "value: hello"},
		{"unset", "value: ${TRIB_UNSET_12345}", "value: "},
		{"default when unset", "value: ${TRIB_UNSET_12345:-fallback}", "value: fallback"},
		{"default ignored when set", "value: ${TRIB_SET:-fallback}", "value: hello"},
		{"default when empty", "value: ${TRIB_EMPTY:-fallback}", "value: fallback"},
		{"several", "${TRIB_SET}:${TRIB_SET}", "hello:hello"},
		{"no references", "no variables here", "no variables here"},
		{"bare dollar kept", "cost: $5 and $TRIB_SET", "cost: $5 and $TRIB_SET"},
		{"required and set", "url: ${TRIB_SET:?hook url}", "url: hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandEnv(tt.input)
			if err != nil {
				t.Fatalf("ExpandEnv: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExpandEnv_RequiredMissing(t *testing.T) {
	t.Setenv("TRIB_EMPTY", "")

	_, err := ExpandEnv("a: ${TRIB_UNSET_12345:?webhook url}\nb: ${TRIB_EMPTY:?}\n")
	if err == nil {
		t.Fatal("expected error for missing required variables")
	}
	for _, want := range []string{"${TRIB_UNSET_12345}: webhook url", "${TRIB_EMPTY}: required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should contain %q", err, want)
		}
	}
}

func TestExpandEnv_NestedInYAML(t *testing.T) {
	t.Setenv("HOOK_TOKEN", "secret")

	input := `adapter:
  type: webhook
  headers:
    Authorization: Bearer ${HOOK_TOKEN}
  url: ${HOOK_URL_UNSET_12345:-http://localhost:9000/done}`

	got, err := ExpandEnv(input)
	if err != nil {
		t.Fatalf("ExpandEnv: %v", err)
	}
	want := `adapter:
  type: webhook
  headers:
    Authorization: Bearer secret
  url: http://localhost:9000/done`

	if got != want {
		t.Errorf("got:\n%s\nwant:\n%s", got, want)
	}
}
