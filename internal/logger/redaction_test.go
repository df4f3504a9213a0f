package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedact(t *testing.T) {
	r := NewRedactor()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "client id in payload",
			input:    "v=1&tid=UA-12345-1&cid=1234.5678&t=event",
			expected: "v=1&tid=UA-12345-1&cid=[REDACTED]&t=event",
		},
		{
			name:     "user id in payload",
			input:    "t=pageview&uid=user-42",
			expected: "t=pageview&uid=[REDACTED]",
		},
		{
			name:     "json fields",
			input:    `{"clientId":"abc","page":"/"}`,
			expected: `{"clientId":"[REDACTED]","page":"/"}`,
		},
		{
			name:     "email",
			input:    "label=jane.doe@example.com",
			expected: "label=[REDACTED]",
		},
		{
			name:     "bearer token",
			input:    "Authorization: Bearer abc123.def456",
			expected: "Authorization: [REDACTED]",
		},
		{
			name:     "api secret",
			input:    "api_secret=s3cr3t&measurement_id=G-1",
			expected: "[REDACTED]&measurement_id=G-1",
		},
		{
			name:     "tracking id is kept",
			input:    "tid=UA-12345-1",
			expected: "tid=UA-12345-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, r.Redact(tt.input))
		})
	}
}

func TestAddPattern(t *testing.T) {
	r := NewRedactor()
	require.NoError(t, r.AddPattern(`dimension\d+=internal`))
	assert.Equal(t, "[REDACTED]&cd2=x", r.Redact("dimension1=internal&cd2=x"))

	assert.Error(t, r.AddPattern(`(`))
}

func TestWrap(t *testing.T) {
	var buf bytes.Buffer
	w := NewRedactor().Wrap(&buf)

	input := []byte("cid=555\n")
	n, err := w.Write(input)
	require.NoError(t, err)
	assert.Equal(t, len(input), n)
	assert.Equal(t, "cid=[REDACTED]\n", buf.String())
}
