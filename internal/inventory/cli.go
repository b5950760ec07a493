package inventory

import (
	"context"
	stderrors "errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"

	brokererrors "github.com/kubeadapt/gpu-broker/internal/errors"
)

const cliComponent = "inventory.cli"

var (
	authFailurePattern = regexp.MustCompile(`\b401\b|unauthorized|not logged in|invalid api key`)
	rateLimitPattern   = regexp.MustCompile(`\b429\b|rate limit|too many requests`)
)

// CLISource drives the marketplace's command-line client as a subprocess.
type CLISource struct {
	path   string
	runner CommandRunner
}

// NewCLISource creates a CLISource invoking the binary at path.
func NewCLISource(path string, runner CommandRunner) *CLISource {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &CLISource{path: path, runner: runner}
}

// AvailabilityTable runs "availability list".
func (c *CLISource) AvailabilityTable(ctx context.Context, q Query) (string, error) {
	args := []string{"availability", "list"}
	if q.GPUType != "" {
		args = append(args, "--gpu-type", string(q.GPUType))
	}
	if q.GPUCount > 0 {
		args = append(args, "--gpu-count", strconv.Itoa(q.GPUCount))
	}
	if len(q.Regions) > 0 {
		args = append(args, "--regions", strings.Join(q.Regions, ","))
	}
	return c.run(ctx, args...)
}

// PodsTable runs "pods list".
func (c *CLISource) PodsTable(ctx context.Context) (string, error) {
	return c.run(ctx, "pods", "list")
}

// PodStatus runs "pods status <id>".
func (c *CLISource) PodStatus(ctx context.Context, id string) (string, error) {
	return c.run(ctx, "pods", "status", id)
}

// CreatePod runs "pods create" against a configuration id.
func (c *CLISource) CreatePod(ctx context.Context, configID string, opts CreateOptions) (string, error) {
	args := []string{"pods", "create", "--id", configID}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	if opts.GPUCount > 0 {
		args = append(args, "--gpu-count", strconv.Itoa(opts.GPUCount))
	}
	if opts.Image != "" {
		args = append(args, "--image", opts.Image)
	}
	if opts.DiskSizeGB > 0 {
		args = append(args, "--disk-size", strconv.Itoa(opts.DiskSizeGB))
	}
	if opts.VCPUs > 0 {
		args = append(args, "--vcpus", strconv.Itoa(opts.VCPUs))
	}
	if opts.MemoryGB > 0 {
		args = append(args, "--memory", strconv.Itoa(opts.MemoryGB))
	}
	for _, k := range slices.Sorted(maps.Keys(opts.Env)) {
		args = append(args, "--env", k+"="+opts.Env[k])
	}
	return c.run(ctx, args...)
}

// TerminatePod runs "pods terminate <id> --yes".
func (c *CLISource) TerminatePod(ctx context.Context, id string) error {
	_, err := c.run(ctx, "pods", "terminate", id, "--yes")
	return err
}

// PodLogs runs "pods logs <id> --tail <lines>".
func (c *CLISource) PodLogs(ctx context.Context, id string, lines int) (string, error) {
	args := []string{"pods", "logs", id}
	if lines > 0 {
		args = append(args, "--tail", strconv.Itoa(lines))
	}
	return c.run(ctx, args...)
}

func (c *CLISource) run(ctx context.Context, args ...string) (string, error) {
	stdout, stderr, err := c.runner.Run(ctx, c.path, args...)
	if err != nil {
		return "", classifyCLIError(ctx, args, stdout, stderr, err)
	}
	return string(stdout), nil
}

// classifyCLIError maps a failed invocation onto the broker error codes
// using the context state and the command's output.
func classifyCLIError(ctx context.Context, args []string, stdout, stderr []byte, err error) error {
	cmd := strings.Join(args[:min(2, len(args))], " ")
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return brokererrors.Wrap(brokererrors.ErrTimeout, cliComponent, err, "%s timed out", cmd)
	}

	// Only stderr is inspected; stdout carries ids, prices and logs.
	errText := strings.ToLower(string(stderr))
	switch {
	case authFailurePattern.MatchString(errText):
		return brokererrors.Wrap(brokererrors.ErrAuthFailed, cliComponent, err,
			"%s: authentication failed, run the provider login or set the API key", cmd)
	case rateLimitPattern.MatchString(errText):
		return brokererrors.Wrap(brokererrors.ErrRateLimited, cliComponent, err, "%s: rate limited", cmd)
	}

	detail := strings.TrimSpace(string(stderr))
	if detail == "" {
		detail = strings.TrimSpace(string(stdout))
	}
	return brokererrors.Wrap(brokererrors.ErrCommandFailed, cliComponent, err,
		"%s failed: %s", cmd, truncate(detail, 256))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
