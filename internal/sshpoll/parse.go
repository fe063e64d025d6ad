package sshpoll

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/vesaa/talonpulse/internal/models"
)

// cpuTimes is one "cpu" line of /proc/stat in jiffies.
type cpuTimes struct {
	idle, total uint64
}

// parseProcStat returns the aggregate line and the per-core lines.
func parseProcStat(out string) (cpuTimes, []cpuTimes, error) {
	var (
		agg   cpuTimes
		cores []cpuTimes
		found bool
	)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 || !strings.HasPrefix(fields[0], "cpu") {
			continue
		}
		var t cpuTimes
		// user nice system idle iowait irq softirq steal; guest is already in user
		for i, f := range fields[1:] {
			if i >= 8 {
				break
			}
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return cpuTimes{}, nil, fmt.Errorf("/proc/stat %s: %w", fields[0], err)
			}
			t.total += v
			if i == 3 || i == 4 {
				t.idle += v
			}
		}
		if fields[0] == "cpu" {
			agg, found = t, true
		} else {
			cores = append(cores, t)
		}
	}
	if !found {
		return cpuTimes{}, nil, fmt.Errorf("/proc/stat: no aggregate cpu line")
	}
	return agg, cores, nil
}

// busyPercent is the non-idle share between two readings, within [0, 100].
func busyPercent(a, b cpuTimes) float64 {
	if b.total <= a.total {
		return 0
	}
	dt := float64(b.total - a.total)
	di := float64(0)
	if b.idle > a.idle {
		di = float64(b.idle - a.idle)
	}
	p := (dt - di) * 100 / dt
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// parseMeminfo fills a Memory from /proc/meminfo (values in kB).
func parseMeminfo(out string) (*models.Memory, error) {
	kv := map[string]uint64{}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		kv[key] = v * 1024
	}
	total, ok := kv["MemTotal"]
	if !ok || total == 0 {
		return nil, fmt.Errorf("/proc/meminfo: MemTotal missing")
	}
	avail, ok := kv["MemAvailable"]
	if !ok {
		avail = kv["MemFree"] + kv["Buffers"] + kv["Cached"]
	}
	if avail > total {
		avail = total
	}
	m := &models.Memory{
		Total:     total,
		Available: avail,
		Used:      total - avail,
		Free:      kv["MemFree"],
		Percent:   models.Float(float64(total-avail) / float64(total) * 100),
		SwapTotal: kv["SwapTotal"],
	}
	if free := kv["SwapFree"]; m.SwapTotal > 0 && free <= m.SwapTotal {
		m.SwapUsed = m.SwapTotal - free
		m.SwapPercent = float64(m.SwapUsed) / float64(m.SwapTotal) * 100
	}
	return m, nil
}

// parseLoadavg returns the 1, 5 and 15 minute load averages.
func parseLoadavg(out string) ([]float64, error) {
	fields := strings.Fields(out)
	if len(fields) < 3 {
		return nil, fmt.Errorf("/proc/loadavg: short line %q", out)
	}
	load := make([]float64, 3)
	for i := range load {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return nil, fmt.Errorf("/proc/loadavg: %w", err)
		}
		load[i] = v
	}
	return load, nil
}

// parseUptime returns whole seconds since boot.
func parseUptime(out string) (int64, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, fmt.Errorf("/proc/uptime: empty")
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("/proc/uptime: %w", err)
	}
	return int64(v), nil
}

// parseDF reads `df -P -k <mount>` output into a Disk.
func parseDF(out string) (models.Disk, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return models.Disk{}, fmt.Errorf("df: no data line")
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 6 {
		return models.Disk{}, fmt.Errorf("df: short line %q", lines[len(lines)-1])
	}
	var kb [3]uint64
	for i := range kb {
		v, err := strconv.ParseUint(fields[i+1], 10, 64)
		if err != nil {
			return models.Disk{}, fmt.Errorf("df: %w", err)
		}
		kb[i] = v * 1024
	}
	d := models.Disk{
		Device:     fields[0],
		Mountpoint: fields[5],
		Total:      kb[0],
		Used:       kb[1],
		Free:       kb[2],
	}
	if used := d.Used + d.Free; used > 0 {
		d.Percent = float64(d.Used) / float64(used) * 100
	}
	return d, nil
}

// parseNetDev reads /proc/net/dev, skipping the loopback interface.
func parseNetDev(out string) []models.NetIface {
	var ifaces []models.NetIface
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		name, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		f := strings.Fields(rest)
		if name == "lo" || len(f) < 12 {
			continue
		}
		n := func(i int) uint64 {
			v, _ := strconv.ParseUint(f[i], 10, 64)
			return v
		}
		ifaces = append(ifaces, models.NetIface{
			Interface:   name,
			BytesRecv:   n(0),
			PacketsRecv: n(1),
			ErrIn:       n(2),
			DropIn:      n(3),
			BytesSent:   n(8),
			PacketsSent: n(9),
			ErrOut:      n(10),
			DropOut:     n(11),
		})
	}
	return ifaces
}
