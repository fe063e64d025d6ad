package sshpoll

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vesaa/talonpulse/internal/config"
	"github.com/vesaa/talonpulse/internal/engine"
	"github.com/vesaa/talonpulse/internal/models"
)

// maxParallel bounds concurrent SSH sessions per poll round.
const maxParallel = 4

// Ingester accepts collected snapshots; *engine.Pipeline satisfies it.
type Ingester interface {
	Ingest(raw *models.Snapshot) (*engine.AgentState, error)
}

// Poller polls every target on a fixed interval.
type Poller struct {
	Targets  []config.SSHTarget
	Interval time.Duration
	Ingester Ingester
	Logger   *zap.Logger

	// Dial defaults to the SSH Dial; tests swap in a fake.
	Dial func(ctx context.Context, t config.SSHTarget) (Runner, error)
	// CPUGap is the pause between the two /proc/stat reads.
	CPUGap time.Duration
}

// Run polls immediately and then every Interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	if len(p.Targets) == 0 {
		return nil
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.PollAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollAll polls every target once. A failing target is logged and never
// affects the others.
func (p *Poller) PollAll(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for _, t := range p.Targets {
		t := t
		g.Go(func() error {
			if err := p.PollOnce(ctx, t); err != nil && ctx.Err() == nil {
				p.logger().Warn("SSH poll failed", zap.String("host", t.Host), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// PollOnce collects one snapshot from t and hands it to the Ingester.
func (p *Poller) PollOnce(ctx context.Context, t config.SSHTarget) error {
	dial := p.Dial
	if dial == nil {
		dial = Dial
	}
	r, err := dial(ctx, t)
	if err != nil {
		return err
	}
	defer r.Close()

	snap, err := p.collect(ctx, r, t)
	if err != nil {
		return err
	}
	st, err := p.Ingester.Ingest(snap)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	p.logger().Debug("SSH snapshot ingested",
		zap.String("host", t.Host),
		zap.String("agent_id", st.AgentID),
		zap.Uint64("seq", st.Seq))
	return nil
}

func (p *Poller) collect(ctx context.Context, r Runner, t config.SSHTarget) (*models.Snapshot, error) {
	first, err := r.Run(ctx, "cat /proc/stat")
	if err != nil {
		return nil, err
	}
	gap := p.CPUGap
	if gap <= 0 {
		gap = time.Second
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(gap):
	}
	second, err := r.Run(ctx, "cat /proc/stat")
	if err != nil {
		return nil, err
	}
	a, aCores, err := parseProcStat(first)
	if err != nil {
		return nil, err
	}
	b, bCores, err := parseProcStat(second)
	if err != nil {
		return nil, err
	}
	cpu := &models.CPU{TotalPercent: models.Float(busyPercent(a, b))}
	if len(aCores) == len(bCores) {
		for i := range aCores {
			cpu.PerCorePercent = append(cpu.PerCorePercent, busyPercent(aCores[i], bCores[i]))
		}
	}

	out, err := r.Run(ctx, "cat /proc/meminfo")
	if err != nil {
		return nil, err
	}
	mem, err := parseMeminfo(out)
	if err != nil {
		return nil, err
	}

	if out, err = r.Run(ctx, "cat /proc/loadavg"); err != nil {
		return nil, err
	}
	if cpu.LoadAvg, err = parseLoadavg(out); err != nil {
		return nil, err
	}

	snap := &models.Snapshot{
		AgentID:  t.AgentID,
		Platform: "Linux",
		CPU:      cpu,
		Memory:   mem,
	}

	// The rest is best effort: busybox hosts may lack some of it.
	if out, err := r.Run(ctx, "cat /proc/uptime"); err == nil {
		snap.UptimeSec, _ = parseUptime(out)
	}
	if out, err := r.Run(ctx, "hostname"); err == nil {
		snap.Device = strings.TrimSpace(out)
	}
	if out, err := r.Run(ctx, "uname -r"); err == nil {
		snap.PlatformRelease = strings.TrimSpace(out)
	}
	if out, err := r.Run(ctx, "df -P -k /"); err == nil {
		if d, err := parseDF(out); err == nil {
			snap.Disks = []models.Disk{d}
		}
	}
	if out, err := r.Run(ctx, "cat /proc/net/dev"); err == nil {
		snap.Network = parseNetDev(out)
	}

	if snap.AgentID == "" {
		snap.AgentID = snap.Device
	}
	if snap.AgentID == "" {
		snap.AgentID = t.Host
	}
	return snap, nil
}

func (p *Poller) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}
