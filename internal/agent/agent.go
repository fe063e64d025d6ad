// Package agent implements the TalonPulse collector daemon.
// It periodically collects a host snapshot and reports it to the server
// data-plane (port 1616). Every outbound HTTP request carries:
// Authorization: Bearer <token>
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vesaa/talonpulse/internal/config"
)

// ErrUnauthorized is returned when the server rejects the agent token.
var ErrUnauthorized = errors.New("server rejected token (401), check --token or agent_outbound_token in config")

const machineIDPath = "/etc/machine-id"

// Agent posts snapshots to one server.
type Agent struct {
	base      string
	token     string
	interval  time.Duration
	collector *Collector
	client    *http.Client
	logger    *zap.Logger
}

// New builds an agent from config.
//
// cfg.AgentJoinAddr is the data-plane address, e.g. "192.168.1.1:1616".
// cfg.AgentOutboundToken is sent in every request as "Authorization: Bearer <token>".
func New(cfg *config.Config, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := cfg.AgentJoinAddr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Agent{
		base:     strings.TrimRight(base, "/"),
		token:    cfg.AgentOutboundToken,
		interval: time.Duration(cfg.AgentInterval) * time.Second,
		collector: &Collector{
			AgentID:           ResolveAgentID(machineIDPath, cfg.AgentIDFile, logger),
			CriticalProcesses: cfg.CriticalProcesses,
			TopProcesses:      cfg.TopProcesses,
			GPUs:              NvidiaGPUs,
		},
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// AgentID is the id this agent reports under.
func (a *Agent) AgentID() string { return a.collector.AgentID }

// Run posts the host overview once, then a snapshot every interval until
// ctx is cancelled. Report failures are logged and retried next tick.
func (a *Agent) Run(ctx context.Context) error {
	ov := a.collector.Overview(ctx)
	if err := postJSON(ctx, a.client, a.base+"/api/overview", a.token, ov); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		a.logger.Warn("Overview not accepted", zap.Error(err))
	} else {
		a.logger.Info("Registered with server",
			zap.String("agent_id", ov.AgentID),
			zap.String("hostname", ov.Hostname),
			zap.String("server", a.base))
	}

	interval := a.interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info("Reporting", zap.Duration("interval", interval))
	for {
		a.report(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *Agent) report(ctx context.Context) {
	snap, err := a.collector.Collect(ctx)
	if err != nil {
		a.logger.Warn("Collect failed", zap.Error(err))
		return
	}
	if err := postJSON(ctx, a.client, a.base+"/api/metrics", a.token, snap); err != nil && ctx.Err() == nil {
		a.logger.Warn("Report failed", zap.Error(err))
	}
}

// postJSON sends v as JSON via HTTP POST with the Bearer token in the Authorization header.
func postJSON(ctx context.Context, client *http.Client, url, bearerToken string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearerToken)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
	}
	return nil
}

// ResolveAgentID returns a stable id for this host: the machine id when
// readable, else a uuid persisted in idFile, else the hostname.
func ResolveAgentID(machineID, idFile string, logger *zap.Logger) string {
	if b, err := os.ReadFile(machineID); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id
		}
	}

	if idFile != "" {
		path := config.ExpandHome(idFile)
		if b, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(b)); id != "" {
				return id
			}
		}
		id := uuid.NewString()
		err := os.MkdirAll(filepath.Dir(path), 0o755)
		if err == nil {
			err = os.WriteFile(path, []byte(id+"\n"), 0o600)
		}
		if err == nil {
			return id
		}
		if logger != nil {
			logger.Warn("Cannot persist agent id, falling back to hostname", zap.String("path", path), zap.Error(err))
		}
	}

	h, _ := os.Hostname()
	return h
}
