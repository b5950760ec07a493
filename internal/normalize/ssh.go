package normalize

import (
	"fmt"
	"strconv"
	"strings"
)

// SSHTarget is a parsed SSH endpoint.
type SSHTarget struct {
	User string
	Host string
	Port int
}

// Destination returns "user@host", or just the host without a user.
func (t SSHTarget) Destination() string {
	if t.User == "" {
		return t.Host
	}
	return t.User + "@" + t.Host
}

// SSHArgs returns the ssh arguments that reach the target.
func (t SSHTarget) SSHArgs() []string {
	args := []string{}
	if t.Port > 0 && t.Port != 22 {
		args = append(args, "-p", strconv.Itoa(t.Port))
	}
	return append(args, t.Destination())
}

// SCPArgs returns the scp port flag for the target, if one is needed.
func (t SSHTarget) SCPArgs() []string {
	if t.Port > 0 && t.Port != 22 {
		return []string{"-P", strconv.Itoa(t.Port)}
	}
	return nil
}

// String renders the target as an ssh command line.
func (t SSHTarget) String() string {
	return "ssh " + strings.Join(t.SSHArgs(), " ")
}

// ParseSSHTarget accepts "ssh user@host -p 2222", "user@host:2222" and bare
// "user@host". Unknown ssh flags are rejected.
func ParseSSHTarget(conn string) (SSHTarget, error) {
	fields := strings.Fields(conn)
	if len(fields) > 0 && fields[0] == "ssh" {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return SSHTarget{}, fmt.Errorf("empty ssh connection")
	}

	var t SSHTarget
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		switch {
		case f == "-p":
			if i+1 >= len(fields) {
				return SSHTarget{}, fmt.Errorf("ssh connection %q: -p without port", conn)
			}
			i++
			port, err := parsePort(fields[i])
			if err != nil {
				return SSHTarget{}, fmt.Errorf("ssh connection %q: %w", conn, err)
			}
			t.Port = port
		case strings.HasPrefix(f, "-"):
			return SSHTarget{}, fmt.Errorf("ssh connection %q: unsupported flag %s", conn, f)
		case t.Host != "":
			return SSHTarget{}, fmt.Errorf("ssh connection %q: more than one destination", conn)
		default:
			dest := f
			if user, host, ok := strings.Cut(dest, "@"); ok {
				t.User = user
				dest = host
			}
			if host, port, ok := strings.Cut(dest, ":"); ok {
				p, err := parsePort(port)
				if err != nil {
					return SSHTarget{}, fmt.Errorf("ssh connection %q: %w", conn, err)
				}
				dest = host
				if t.Port == 0 {
					t.Port = p
				}
			}
			if dest == "" {
				return SSHTarget{}, fmt.Errorf("ssh connection %q: missing host", conn)
			}
			t.Host = dest
		}
	}

	if t.Host == "" {
		return SSHTarget{}, fmt.Errorf("ssh connection %q: missing host", conn)
	}
	if t.Port == 0 {
		t.Port = 22
	}
	return t, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return p, nil
}
