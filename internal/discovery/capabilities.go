package discovery

import (
	"os/exec"
	"strings"
)

// Capabilities describes which inventory sources are usable, detected once at
// startup.
type Capabilities struct {
	// API is true when the structured HTTP source is enabled and a key is set.
	API bool
	// CLI is true when the marketplace CLI binary resolves on PATH.
	CLI     bool
	CLIPath string
}

// DetectOptions are the inputs to Detect.
type DetectOptions struct {
	APIKey  string
	UseAPI  bool
	CLIPath string
	// LookPath resolves the CLI binary. Defaults to exec.LookPath.
	LookPath func(file string) (string, error)
}

// Detect probes the local environment for usable inventory sources.
func Detect(opts DetectOptions) Capabilities {
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	caps := Capabilities{
		API: opts.UseAPI && strings.TrimSpace(opts.APIKey) != "",
	}
	if opts.CLIPath != "" {
		if p, err := lookPath(opts.CLIPath); err == nil {
			caps.CLI = true
			caps.CLIPath = p
		}
	}
	return caps
}

// Degraded reports whether discovery will run on the table source alone.
func (c Capabilities) Degraded() bool {
	return !c.API
}
