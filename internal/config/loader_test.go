package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/tastemate/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "invalid log level",
			yaml: "server:\n  log_level: bananas\n",
			want: []string{`server.log_level "bananas" is invalid`, "debug, info, warn, error"},
		},
		{
			name: "invalid audio backend",
			yaml: "live:\n  audio_backend: alsa\n",
			want: []string{`live.audio_backend "alsa" is invalid`},
		},
		{
			name: "wavfile needs files",
			yaml: "live:\n  audio_backend: wavfile\n",
			want: []string{"live.input_file is required", "live.output_file is required"},
		},
		{
			name: "postgres profile needs dsn",
			yaml: "profile:\n  backend: postgres\n",
			want: []string{"profile.postgres_dsn is required"},
		},
		{
			name: "s3 profile needs bucket",
			yaml: "profile:\n  backend: s3\n  s3:\n    access_key_id: only-half\n",
			want: []string{"profile.s3.bucket is required", "must be set together"},
		},
		{
			name: "bad base url",
			yaml: "providers:\n  llm:\n    name: openai\n    base_url: not a url\n",
			want: []string{"providers.llm.base_url", "not a valid URL"},
		},
		{
			name: "fallback without name",
			yaml: "providers:\n  llm:\n    name: openai\n  llm_fallbacks:\n    - model: x\n",
			want: []string{"providers.llm_fallbacks[0].name is required"},
		},
		{
			name: "fallback without primary",
			yaml: "providers:\n  llm_fallbacks:\n    - name: openai\n",
			want: []string{"requires providers.llm"},
		},
		{
			name: "history limit out of range",
			yaml: "history:\n  limit: 9000\n",
			want: []string{"history.limit 9000 is out of range"},
		},
		{
			name: "tls needs both files",
			yaml: "server:\n  tls:\n    cert_file: a.pem\n",
			want: []string{"server.tls.key_file is required"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			for _, w := range tc.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error should contain %q, got: %v", w, err)
				}
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
live:
  audio_backend: wavfile
  input_file: in.wav
profile:
  backend: postgres
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors")
	}
	msg := err.Error()
	for _, w := range []string{"server.log_level", "live.output_file", "profile.postgres_dsn"} {
		if !strings.Contains(msg, w) {
			t.Errorf("joined error missing %q: %v", w, msg)
		}
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{"llm", "live"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("ValidProviderNames[%q] is empty", kind)
		}
	}
	// Unknown names only warn.
	if _, err := config.LoadFromReader(strings.NewReader("providers:\n  llm:\n    name: my-proxy\n")); err != nil {
		t.Errorf("unknown provider name should not fail validation: %v", err)
	}
}
