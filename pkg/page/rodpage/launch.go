package rodpage

import (
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// LaunchOptions configures a local Chrome.
type LaunchOptions struct {
	Headless   bool
	NoSandbox  bool
	ChromePath string
	// ControlURL connects to an already running browser instead of launching.
	ControlURL string
}

// Browser is a connected Chrome plus the launcher that owns it, if any.
type Browser struct {
	*rod.Browser
	launcher *launcher.Launcher
}

// ChromeInstalled reports whether a local Chrome binary can be found
// without downloading one.
func ChromeInstalled() bool {
	_, ok := launcher.LookPath()
	return ok
}

// Launch starts Chrome (or attaches to ControlURL) and connects to it.
func Launch(opts LaunchOptions) (*Browser, error) {
	controlURL := opts.ControlURL
	var l *launcher.Launcher
	if controlURL == "" {
		l = launcher.New().Headless(opts.Headless)
		if opts.NoSandbox {
			l = l.NoSandbox(true)
		}
		if opts.ChromePath != "" {
			l = l.Bin(opts.ChromePath)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("failed to launch Chrome: %w", err)
		}
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		if l != nil {
			l.Kill()
		}
		return nil, fmt.Errorf("failed to connect to Chrome: %w", err)
	}
	return &Browser{Browser: b, launcher: l}, nil
}

// Open creates a tab at rawURL and waits for it to load.
func (b *Browser) Open(rawURL string) (*rod.Page, error) {
	rp, err := b.Page(proto.TargetCreateTarget{URL: rawURL})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", rawURL, err)
	}
	if err := rp.WaitLoad(); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", rawURL, err)
	}
	return rp, nil
}

// Close disconnects and kills a launched browser.
func (b *Browser) Close() error {
	err := b.Browser.Close()
	if b.launcher != nil {
		b.launcher.Kill()
	}
	return err
}
