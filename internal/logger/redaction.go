package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// Redactor masks identifiers that can tie a hit to a person: client ids,
// user ids, email addresses and credentials for collection endpoints.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor with the default patterns.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// Measurement protocol client and user ids in payloads.
			regexp.MustCompile(`\b(cid|uid)=[^&\s"]+`),
			// The same ids as structured log fields.
			regexp.MustCompile(`"(clientId|userId)":"[^"]*"`),
			regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
			regexp.MustCompile(`Bearer\s+[A-Za-z0-9._-]+`),
			regexp.MustCompile(`(password|secret|api_secret)["\s:=]+[^\s"&]+`),
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact masks every match. Key=value and JSON field matches keep the key.
func (r *Redactor) Redact(s string) string {
	for _, re := range r.patterns {
		s = re.ReplaceAllStringFunc(s, func(m string) string {
			switch {
			case re == r.patterns[0]:
				return re.ReplaceAllString(m, "$1="+redacted)
			case re == r.patterns[1]:
				return re.ReplaceAllString(m, `"$1":"`+redacted+`"`)
			}
			return redacted
		})
	}
	return s
}

// Wrap returns a writer that redacts before writing to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
