package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{name: "no variables", input: "hello world", expected: "hello world"},
		{name: "simple variable", input: "port: ${WEBD_T_PORT}", envVars: map[string]string{"WEBD_T_PORT": "8080"}, expected: "port: 8080"},
		{name: "default unused", input: "port: ${WEBD_T_PORT:-3000}", envVars: map[string]string{"WEBD_T_PORT": "8080"}, expected: "port: 8080"},
		{name: "default used", input: "port: ${WEBD_T_PORT:-3000}", expected: "port: 3000"},
		{name: "empty default", input: "root: ${WEBD_T_ROOT:-}", expected: "root: "},
		{name: "unset without default", input: "root: ${WEBD_T_MISSING}", expected: "root: "},
		{
			name:     "mixed",
			input:    "upstream: ${WEBD_T_HOST}:${WEBD_T_PORT:-80}",
			envVars:  map[string]string{"WEBD_T_HOST": "10.0.0.5"},
			expected: "upstream: 10.0.0.5:80",
		},
		{name: "not a reference", input: "price: $5 {x}", expected: "price: $5 {x}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"WEBD_T_PORT", "WEBD_T_ROOT", "WEBD_T_HOST", "WEBD_T_MISSING"} {
				t.Setenv(k, "")
			}
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.expected, ExpandEnvVars(tt.input))
		})
	}
}

func TestParse_ExpandsEnvironment(t *testing.T) {
	t.Setenv("WEBD_T_ROOT", "/srv/from-env")

	cfg, err := Parse([]byte(`
hosts:
  - name: a
    port: ${WEBD_T_PORT:-8088}
    root: ${WEBD_T_ROOT}
`))
	require.NoError(t, err)
	require.Len(t, cfg.Hosts, 1)
	assert.Equal(t, 8088, cfg.Hosts[0].Port)
	assert.Equal(t, "/srv/from-env", cfg.Hosts[0].Root)
}
