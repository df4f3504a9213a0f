package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/harun/autotrack/pkg/autotrack"
)

// Wizard builds a config by prompting on a terminal.
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and prompting on out.
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{reader: bufio.NewReader(in), out: out}
}

// Run asks for the tracking id, storage backend and plugins to enable.
func (w *Wizard) Run() (*Config, error) {
	fmt.Fprintln(w.out, "=== autotrack configuration ===")
	cfg := DefaultConfig()
	v := NewValidator()

	for {
		id, err := w.ask("Tracking ID (UA-XXXX-Y)", "")
		if err != nil {
			return nil, err
		}
		if err := v.ValidateTrackingID(id); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.TrackingID = id
		break
	}

	for {
		backend, err := w.ask("Storage backend (memory, file, sqlite)", cfg.Storage.Backend)
		if err != nil {
			return nil, err
		}
		if err := v.ValidateBackend(backend); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Storage.Backend = backend
		break
	}

	names := autotrack.DefaultRegistry().Names()
	fmt.Fprintf(w.out, "Available plugins: %s\n", strings.Join(names, ", "))
	for {
		answer, err := w.ask("Plugins to enable (comma separated, empty for none)", "")
		if err != nil {
			return nil, err
		}
		var requires []autotrack.Require
		for _, name := range strings.Split(answer, ",") {
			if name = strings.TrimSpace(name); name != "" {
				requires = append(requires, autotrack.Require{Name: name})
			}
		}
		if len(requires) > 0 {
			if err := autotrack.Validate(autotrack.DefaultRegistry(), requires); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			cfg.Plugins = requires
		}
		break
	}

	fmt.Fprintln(w.out, "Configuration complete!")
	return cfg, nil
}

func (w *Wizard) ask(prompt, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(w.out, "%s: ", prompt)
	}
	line, err := w.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("failed to read answer: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	return line, nil
}
