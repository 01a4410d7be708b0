package health

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostProbes are the host metric sources a Monitor samples. Nil fields fall
// back to gopsutil.
type HostProbes struct {
	CPUPercent          func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error)
	VirtualMemory       func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	DiskUsage           func(ctx context.Context, path string) (*disk.UsageStat, error)
	SensorsTemperatures func(ctx context.Context) ([]host.TemperatureStat, error)
	Uptime              func(ctx context.Context) (uint64, error)
}

func (p HostProbes) withDefaults() HostProbes {
	if p.CPUPercent == nil {
		p.CPUPercent = cpu.PercentWithContext
	}
	if p.VirtualMemory == nil {
		p.VirtualMemory = mem.VirtualMemoryWithContext
	}
	if p.DiskUsage == nil {
		p.DiskUsage = disk.UsageWithContext
	}
	if p.SensorsTemperatures == nil {
		p.SensorsTemperatures = host.SensorsTemperaturesWithContext
	}
	if p.Uptime == nil {
		p.Uptime = host.UptimeWithContext
	}
	return p
}

// LatencyProbe measures network round-trip latency.
type LatencyProbe interface {
	Measure(ctx context.Context) (time.Duration, error)
}

// DNSLatencyProbe measures the RTT of a single DNS query.
type DNSLatencyProbe struct {
	Server string
	Name   string
	client *dns.Client
}

// NewDNSLatencyProbe queries name (an A record) against server ("host:port").
func NewDNSLatencyProbe(server, name string, timeout time.Duration) *DNSLatencyProbe {
	return &DNSLatencyProbe{
		Server: server,
		Name:   dns.Fqdn(name),
		client: &dns.Client{Net: "udp", Timeout: timeout},
	}
}

func (p *DNSLatencyProbe) Measure(ctx context.Context) (time.Duration, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(p.Name, dns.TypeA)
	msg.RecursionDesired = true

	resp, rtt, err := p.client.ExchangeContext(ctx, msg, p.Server)
	if err != nil {
		return 0, fmt.Errorf("dns probe to %s failed: %w", p.Server, err)
	}
	if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
		return rtt, fmt.Errorf("dns probe to %s returned %s", p.Server, dns.RcodeToString[resp.Rcode])
	}
	return rtt, nil
}

// LatencyScore maps a latency to [0,1]: 1 at or below good, 0 at or above
// bad, linear in between.
func LatencyScore(d, good, bad time.Duration) float64 {
	switch {
	case d <= good:
		return 1
	case d >= bad:
		return 0
	default:
		return 1 - float64(d-good)/float64(bad-good)
	}
}

func (p HostProbes) sampleCPU(ctx context.Context) (float64, error) {
	v, err := p.CPUPercent(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(v) == 0 {
		return 0, fmt.Errorf("no cpu samples")
	}
	return v[0], nil
}

func (p HostProbes) sampleMemory(ctx context.Context) (float64, error) {
	vm, err := p.VirtualMemory(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func (p HostProbes) sampleDisk(path string) func(ctx context.Context) (float64, error) {
	return func(ctx context.Context) (float64, error) {
		u, err := p.DiskUsage(ctx, path)
		if err != nil {
			return 0, err
		}
		return u.UsedPercent, nil
	}
}

// sampleTemperature returns the hottest sensor reading. gopsutil may return
// readings together with a warning error; readings win.
func (p HostProbes) sampleTemperature(ctx context.Context) (float64, error) {
	temps, err := p.SensorsTemperatures(ctx)
	hottest := 0.0
	for _, t := range temps {
		if t.Temperature > hottest {
			hottest = t.Temperature
		}
	}
	if hottest > 0 {
		return hottest, nil
	}
	if err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("no temperature sensors")
}

func (p HostProbes) sampleUptime(ctx context.Context) (float64, error) {
	secs, err := p.Uptime(ctx)
	if err != nil {
		return 0, err
	}
	return float64(secs), nil
}
