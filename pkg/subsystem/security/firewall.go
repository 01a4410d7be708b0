package security

import (
	"context"
	"fmt"
	"net"
	"os/exec"

	"github.com/rs/zerolog"
)

// Firewall blocks and unblocks remote addresses.
type Firewall interface {
	Block(ctx context.Context, ip string) error
	Unblock(ctx context.Context, ip string) error
}

// CommandRunner executes a command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// IptablesFirewall adds and removes DROP rules on the INPUT chain.
type IptablesFirewall struct {
	run     CommandRunner
	useSudo bool
	logger  zerolog.Logger
}

// NewIptablesFirewall creates a firewall backed by iptables. A nil runner
// executes the real binary.
func NewIptablesFirewall(logger zerolog.Logger, runner CommandRunner, useSudo bool) *IptablesFirewall {
	if runner == nil {
		runner = execRunner
	}
	return &IptablesFirewall{run: runner, useSudo: useSudo, logger: logger}
}

func (f *IptablesFirewall) Block(ctx context.Context, ip string) error {
	return f.rule(ctx, "-A", ip)
}

func (f *IptablesFirewall) Unblock(ctx context.Context, ip string) error {
	return f.rule(ctx, "-D", ip)
}

func (f *IptablesFirewall) rule(ctx context.Context, op, ip string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("invalid IP address format: %s", ip)
	}

	args := []string{"iptables", op, "INPUT", "-s", ip, "-j", "DROP"}
	name := "sudo"
	if !f.useSudo {
		name, args = args[0], args[1:]
	}

	f.logger.Info().Str("ip", ip).Str("op", op).Msg("Updating iptables rule")
	out, err := f.run(ctx, name, args...)
	if err != nil {
		return fmt.Errorf("iptables %s %s failed: %w (output: %s)", op, ip, err, string(out))
	}
	return nil
}
