package discovery

import (
	"errors"
	"testing"
)

func fakeLookPath(found map[string]string) func(string) (string, error) {
	return func(file string) (string, error) {
		if p, ok := found[file]; ok {
			return p, nil
		}
		return "", errors.New("executable file not found in $PATH")
	}
}

func TestDetect_APIAndCLI(t *testing.T) {
	caps := Detect(DetectOptions{
		APIKey:   "key",
		UseAPI:   true,
		CLIPath:  "prime",
		LookPath: fakeLookPath(map[string]string{"prime": "/usr/local/bin/prime"}),
	})
	if !caps.API || !caps.CLI {
		t.Fatalf("expected both sources, got %+v", caps)
	}
	if caps.CLIPath != "/usr/local/bin/prime" {
		t.Errorf("CLIPath = %q", caps.CLIPath)
	}
	if caps.Degraded() {
		t.Error("expected non-degraded capabilities")
	}
}

func TestDetect_NoKeyMeansDegraded(t *testing.T) {
	caps := Detect(DetectOptions{UseAPI: true, CLIPath: "prime", LookPath: fakeLookPath(nil)})
	if caps.API {
		t.Error("expected API=false without a key")
	}
	if caps.CLI {
		t.Error("expected CLI=false when binary is missing")
	}
	if !caps.Degraded() {
		t.Error("expected degraded capabilities")
	}
}

func TestDetect_APIDisabled(t *testing.T) {
	caps := Detect(DetectOptions{APIKey: "key", UseAPI: false, LookPath: fakeLookPath(nil)})
	if caps.API {
		t.Error("expected API=false when disabled")
	}
}
