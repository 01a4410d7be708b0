// Package security is the built-in security subsystem: it toggles active
// protection, scans processes and network connections on demand and blocks
// remote addresses that match known indicators.
package security

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	werrors "github.com/lucid-vigil/warden/pkg/errors"
	"github.com/lucid-vigil/warden/pkg/subsystem"
	"github.com/rs/zerolog"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// IndicatorMatcher looks up an observable in the threat-intelligence store.
type IndicatorMatcher interface {
	MatchIndicator(kind, value string) (confidence float64, found bool)
}

// ProcessInfo is the part of a process a scan inspects.
type ProcessInfo struct {
	PID     int32
	Name    string
	Cmdline string
}

// ConnInfo is one established network connection.
type ConnInfo struct {
	PID        int32
	RemoteIP   string
	RemotePort uint32
	Status     string
}

// Config holds the tunable settings of the security subsystem.
type Config struct {
	SuspiciousNames    []string
	AutoBlock          bool
	BlockMinConfidence float64
	// AutoTerminate ends processes matching SuspiciousNames during a scan.
	AutoTerminate bool
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		SuspiciousNames:    []string{"nc", "ncat", "socat", "mimikatz", "xmrig", "meterpreter"},
		AutoBlock:          false,
		BlockMinConfidence: 0.8,
	}
}

// Subsystem implements subsystem.Subsystem plus the Protector, Scanner,
// Configurable and SafetyMode capabilities.
type Subsystem struct {
	*subsystem.Base

	firewall   Firewall
	terminator Terminator
	matcher    IndicatorMatcher

	listProcesses   func(ctx context.Context) ([]ProcessInfo, error)
	listConnections func(ctx context.Context) ([]ConnInfo, error)

	mu           sync.RWMutex
	cfg          Config
	protecting   bool
	safety       bool
	saved        *savedMode
	lastScanErr  error
	blocked      map[string]time.Time
	scansRun     int
	findingsSeen int
}

type savedMode struct {
	protecting bool
	autoBlock  bool
}

// Option customises a Subsystem.
type Option func(*Subsystem)

func WithFirewall(f Firewall) Option { return func(s *Subsystem) { s.firewall = f } }

func WithTerminator(t Terminator) Option { return func(s *Subsystem) { s.terminator = t } }

func WithIndicatorMatcher(m IndicatorMatcher) Option { return func(s *Subsystem) { s.matcher = m } }

// WithProcessLister replaces the gopsutil process listing.
func WithProcessLister(f func(ctx context.Context) ([]ProcessInfo, error)) Option {
	return func(s *Subsystem) { s.listProcesses = f }
}

// WithConnectionLister replaces the gopsutil connection listing.
func WithConnectionLister(f func(ctx context.Context) ([]ConnInfo, error)) Option {
	return func(s *Subsystem) { s.listConnections = f }
}

// New creates the security subsystem.
func New(name string, cfg Config, logger zerolog.Logger, opts ...Option) *Subsystem {
	s := &Subsystem{
		Base:            subsystem.NewBase(name, subsystem.KindSecurity, logger),
		cfg:             cfg,
		listProcesses:   systemProcesses,
		listConnections: systemConnections,
		blocked:         make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Subsystem) Initialize() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg.BlockMinConfidence < 0 || s.cfg.BlockMinConfidence > 1 {
		return werrors.NewConfigError("block_min_confidence", "must be within [0,1]")
	}
	return nil
}

func (s *Subsystem) Start() error {
	s.mu.Lock()
	s.protecting = true
	s.mu.Unlock()
	s.SetRunning(true)
	s.Logger().Info().Msg("Security subsystem started with protection enabled")
	return nil
}

func (s *Subsystem) Stop() error {
	s.mu.Lock()
	s.protecting = false
	s.mu.Unlock()
	s.SetRunning(false)
	s.Logger().Info().Msg("Security subsystem stopped")
	return nil
}

// HealthCheck reports full health while protecting, reduced health when
// protection is off, and a low score when the last scan could not collect data.
func (s *Subsystem) HealthCheck() (float64, error) {
	if !s.IsRunning() {
		return 0, fmt.Errorf("security subsystem is not running")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	score := 1.0
	if !s.protecting {
		score = 0.6
	}
	if s.lastScanErr != nil {
		score -= 0.3
	}
	return score, nil
}

func (s *Subsystem) StartProtection(ctx context.Context) error {
	if !s.IsRunning() {
		return fmt.Errorf("security subsystem is not running")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protecting = true
	s.Logger().Info().Msg("Protection enabled")
	return nil
}

func (s *Subsystem) StopProtection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.safety {
		return fmt.Errorf("protection cannot be disabled while maximum safety is active")
	}
	s.protecting = false
	s.Logger().Warn().Msg("Protection disabled")
	return nil
}

// Protecting reports whether active protection is enabled.
func (s *Subsystem) Protecting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.protecting
}

// Scan inspects running processes and network connections. The optional
// "targets" parameter restricts the scan to "processes" or "connections".
func (s *Subsystem) Scan(ctx context.Context, params map[string]any) (subsystem.ScanReport, error) {
	report := subsystem.ScanReport{
		ID:        uuid.NewString(),
		Subsystem: s.Name(),
		StartedAt: time.Now(),
		Findings:  []subsystem.Finding{},
	}

	s.mu.RLock()
	cfg := s.cfg
	autoBlock := cfg.AutoBlock || s.safety
	s.mu.RUnlock()

	doProcs, doConns := scanTargets(params)
	var scanErr error

	if doProcs {
		procs, err := s.listProcesses(ctx)
		if err != nil {
			scanErr = fmt.Errorf("process listing failed: %w", err)
		}
		for _, p := range procs {
			if ctx.Err() != nil {
				break
			}
			report.ItemsScanned++
			if pattern, ok := suspiciousName(cfg.SuspiciousNames, p); ok {
				f := subsystem.Finding{
					Kind:        "suspicious_process",
					Severity:    "high",
					Target:      fmt.Sprintf("pid:%d", p.PID),
					Description: fmt.Sprintf("process %q matches suspicious pattern %q", p.Name, pattern),
					Details:     map[string]any{"pid": p.PID, "name": p.Name, "cmdline": p.Cmdline},
				}
				if cfg.AutoTerminate && s.terminator != nil {
					err := s.terminator.Terminate(ctx, p.PID)
					if err != nil {
						s.Logger().Error().Err(err).Int32("pid", p.PID).Msg("Failed to terminate process")
					}
					f.Details["terminated"] = err == nil
				}
				report.Findings = append(report.Findings, f)
			}
		}
	}

	if doConns && ctx.Err() == nil {
		conns, err := s.listConnections(ctx)
		if err != nil && scanErr == nil {
			scanErr = fmt.Errorf("connection listing failed: %w", err)
		}
		checked := make(map[string]bool)
		for _, c := range conns {
			if ctx.Err() != nil {
				break
			}
			report.ItemsScanned++
			if c.RemoteIP == "" || checked[c.RemoteIP] || s.matcher == nil {
				continue
			}
			checked[c.RemoteIP] = true

			conf, found := s.matcher.MatchIndicator("ip", c.RemoteIP)
			if !found {
				continue
			}
			f := subsystem.Finding{
				Kind:        "malicious_connection",
				Severity:    "critical",
				Target:      c.RemoteIP,
				Description: fmt.Sprintf("connection to known indicator %s:%d", c.RemoteIP, c.RemotePort),
				Details:     map[string]any{"pid": c.PID, "confidence": conf, "status": c.Status},
			}
			if autoBlock && conf >= cfg.BlockMinConfidence && s.firewall != nil {
				f.Details["blocked"] = s.block(ctx, c.RemoteIP) == nil
			}
			report.Findings = append(report.Findings, f)
		}
	}

	report.Duration = time.Since(report.StartedAt)

	s.mu.Lock()
	s.lastScanErr = scanErr
	s.scansRun++
	s.findingsSeen += len(report.Findings)
	scans, findings := s.scansRun, s.findingsSeen
	s.mu.Unlock()
	s.UpdateMetric("scans_run", scans)
	s.UpdateMetric("findings_total", findings)

	if err := ctx.Err(); err != nil {
		return report, err
	}
	s.Logger().Info().
		Str("scan_id", report.ID).
		Int("items", report.ItemsScanned).
		Int("findings", len(report.Findings)).
		Dur("duration", report.Duration).
		Msg("Scan completed")
	return report, scanErr
}

func (s *Subsystem) block(ctx context.Context, ip string) error {
	s.mu.RLock()
	_, already := s.blocked[ip]
	s.mu.RUnlock()
	if already {
		return nil
	}
	if err := s.firewall.Block(ctx, ip); err != nil {
		s.Logger().Error().Err(err).Str("ip", ip).Msg("Failed to block address")
		return err
	}
	s.mu.Lock()
	s.blocked[ip] = time.Now()
	s.mu.Unlock()
	s.Logger().Warn().Str("ip", ip).Msg("Blocked address matching known indicator")
	return nil
}

// Blocked returns the addresses blocked so far.
func (s *Subsystem) Blocked() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.blocked))
	for ip := range s.blocked {
		out = append(out, ip)
	}
	return out
}

// Configure accepts "suspicious_names", "auto_block", "auto_terminate" and
// "block_min_confidence". Unknown keys or bad values reject the whole map.
func (s *Subsystem) Configure(settings map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg
	for key, raw := range settings {
		switch key {
		case "suspicious_names":
			names, err := toStrings(raw)
			if err != nil {
				return werrors.NewConfigError(key, "%v", err)
			}
			next.SuspiciousNames = names
		case "auto_block":
			b, ok := raw.(bool)
			if !ok {
				return werrors.NewConfigError(key, "must be a boolean")
			}
			next.AutoBlock = b
		case "auto_terminate":
			b, ok := raw.(bool)
			if !ok {
				return werrors.NewConfigError(key, "must be a boolean")
			}
			next.AutoTerminate = b
		case "block_min_confidence":
			f, ok := toFloat(raw)
			if !ok || f < 0 || f > 1 {
				return werrors.NewConfigError(key, "must be a number within [0,1]")
			}
			next.BlockMinConfidence = f
		default:
			return werrors.NewConfigError(key, "unknown setting")
		}
	}
	s.cfg = next
	return nil
}

// CurrentConfig returns a copy of the active settings.
func (s *Subsystem) CurrentConfig() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.cfg
	c.SuspiciousNames = append([]string(nil), s.cfg.SuspiciousNames...)
	return c
}

// ApplyMaximumSafety forces protection and automatic blocking on.
func (s *Subsystem) ApplyMaximumSafety(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.safety {
		return nil
	}
	s.saved = &savedMode{protecting: s.protecting, autoBlock: s.cfg.AutoBlock}
	s.safety = true
	s.protecting = true
	s.cfg.AutoBlock = true
	s.Logger().Warn().Msg("Maximum safety applied")
	return nil
}

// RestoreNormal returns to the mode in effect before ApplyMaximumSafety.
func (s *Subsystem) RestoreNormal(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.safety {
		return nil
	}
	if s.saved != nil {
		s.protecting = s.saved.protecting
		s.cfg.AutoBlock = s.saved.autoBlock
	}
	s.safety = false
	s.saved = nil
	s.Logger().Info().Msg("Normal mode restored")
	return nil
}

func scanTargets(params map[string]any) (procs, conns bool) {
	raw, ok := params["targets"]
	if !ok {
		return true, true
	}
	targets, err := toStrings(raw)
	if err != nil || len(targets) == 0 {
		return true, true
	}
	for _, t := range targets {
		switch strings.ToLower(t) {
		case "processes":
			procs = true
		case "connections":
			conns = true
		}
	}
	return procs, conns
}

func suspiciousName(patterns []string, p ProcessInfo) (string, bool) {
	name := strings.ToLower(p.Name)
	cmd := strings.ToLower(p.Cmdline)
	for _, pattern := range patterns {
		pat := strings.ToLower(strings.TrimSpace(pattern))
		if pat == "" {
			continue
		}
		if name == pat || strings.Contains(cmd, "/"+pat+" ") || strings.HasSuffix(cmd, "/"+pat) || strings.HasPrefix(cmd, pat+" ") {
			return pattern, true
		}
		if len(pat) > 3 && strings.Contains(name, pat) {
			return pattern, true
		}
	}
	return "", false
}

func toStrings(raw any) ([]string, error) {
	switch v := raw.(type) {
	case []string:
		return v, nil
	case string:
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected a list of strings")
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list of strings")
	}
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func systemProcesses(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cmdline, _ := p.CmdlineWithContext(ctx)
		out = append(out, ProcessInfo{PID: p.Pid, Name: name, Cmdline: cmdline})
	}
	return out, nil
}

func systemConnections(ctx context.Context) ([]ConnInfo, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, err
	}
	out := make([]ConnInfo, 0, len(conns))
	for _, c := range conns {
		if c.Raddr.IP == "" {
			continue
		}
		out = append(out, ConnInfo{PID: c.Pid, RemoteIP: c.Raddr.IP, RemotePort: c.Raddr.Port, Status: c.Status})
	}
	return out, nil
}
