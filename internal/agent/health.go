package agent

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/autobot-fleet/flm/internal/protocol"
)

// HealthCollector samples CPU/memory/disk/service status for the heartbeat
// payload (C2). Every sample is best-effort: missing instrumentation on a
// platform yields a zero value rather than an error. The payload has no
// null marker, so an unavailable sample is indistinguishable from zero.
type HealthCollector struct {
	log      zerolog.Logger
	services []string
}

// NewHealthCollector creates a collector watching the given service list.
func NewHealthCollector(services []string, log zerolog.Logger) *HealthCollector {
	return &HealthCollector{services: services, log: log.With().Str("component", "health_collector").Logger()}
}

// Sample gathers a snapshot of system health for inclusion in a heartbeat.
func (h *HealthCollector) Sample(ctx context.Context) protocol.HeartbeatExtra {
	extra := protocol.HeartbeatExtra{
		Services:           h.serviceStatuses(ctx),
		DiscoveredServices: h.discoverServices(ctx),
	}

	if hostname, err := os.Hostname(); err == nil {
		extra.Hostname = hostname
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		extra.LoadAvg = [3]float64{avg.Load1, avg.Load5, avg.Load15}
	} else {
		h.log.Debug().Err(err).Msg("load average unavailable on this platform")
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		extra.UptimeSeconds = info.Uptime
	}

	return extra
}

// CPUPercent returns overall CPU utilization, or (0, false) when
// unavailable.
func (h *HealthCollector) CPUPercent(ctx context.Context) (float64, bool) {
	percentages, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil || len(percentages) == 0 {
		h.log.Debug().Err(err).Msg("cpu percent unavailable")
		return 0, false
	}
	return percentages[0], true
}

// MemPercent returns used-memory percentage, or (0, false) when
// unavailable.
func (h *HealthCollector) MemPercent(ctx context.Context) (float64, bool) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		h.log.Debug().Err(err).Msg("memory stats unavailable")
		return 0, false
	}
	return v.UsedPercent, true
}

// DiskPercent returns used-disk percentage for the root volume, or (0,
// false) when unavailable.
func (h *HealthCollector) DiskPercent(ctx context.Context) (float64, bool) {
	usage, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		h.log.Debug().Err(err).Msg("disk stats unavailable")
		return 0, false
	}
	return usage.UsedPercent, true
}

// serviceStatuses reports "active"/"inactive"/"unknown" for each configured
// service name via systemctl, tolerating the absence of systemd entirely.
func (h *HealthCollector) serviceStatuses(ctx context.Context) map[string]string {
	if len(h.services) == 0 {
		return nil
	}
	statuses := make(map[string]string, len(h.services))
	for _, svc := range h.services {
		statuses[svc] = h.queryServiceStatus(ctx, svc)
	}
	return statuses
}

func (h *HealthCollector) queryServiceStatus(ctx context.Context, svc string) string {
	cmd := exec.CommandContext(ctx, "systemctl", "is-active", svc)
	out, err := cmd.Output()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return "inactive"
		}
		return "unknown"
	}
	status := string(out)
	if len(status) > 0 && status[len(status)-1] == '\n' {
		status = status[:len(status)-1]
	}
	return status
}

// discoverServices best-effort-lists active systemd units so the controller
// can see services the operator never explicitly configured.
func (h *HealthCollector) discoverServices(ctx context.Context) []string {
	cmd := exec.CommandContext(ctx, "systemctl", "list-units", "--type=service", "--state=running", "--no-legend", "--plain")
	out, err := cmd.Output()
	if err != nil {
		return nil
	}
	return parseUnitNames(string(out))
}

func parseUnitNames(output string) []string {
	var names []string
	start := 0
	for i := 0; i <= len(output); i++ {
		if i == len(output) || output[i] == '\n' {
			line := output[start:i]
			start = i + 1
			if field := firstField(line); field != "" {
				names = append(names, field)
			}
		}
	}
	return names
}

func firstField(line string) string {
	i := 0
	for i < len(line) && line[i] == ' ' {
		i++
	}
	j := i
	for j < len(line) && line[j] != ' ' {
		j++
	}
	return line[i:j]
}
