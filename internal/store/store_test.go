package store

import (
	"errors"
	"testing"
	"time"

	"github.com/vesaa/talonpulse/internal/engine"
	"github.com/vesaa/talonpulse/internal/models"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_UpsertDevice(t *testing.T) {
	s := openTest(t)
	ov := models.Overview{
		AgentID:  "a1",
		Hostname: "web-01",
		OS:       "Linux",
		CPUModel: "Xeon",
		CPUCores: 8,
		RAMTotal: 16 << 30,
	}
	dev, err := s.UpsertDevice(ov)
	if err != nil {
		t.Fatalf("UpsertDevice() error = %v", err)
	}
	if got := dev.Overview(); got != ov {
		t.Errorf("stored overview = %+v, want %+v", got, ov)
	}
	if !dev.IsOnline {
		t.Errorf("new device not online")
	}

	ov.Hostname = "web-01b"
	ov.CPUCores = 16
	if _, err := s.UpsertDevice(ov); err != nil {
		t.Fatal(err)
	}
	devices, err := s.Devices()
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0].Hostname != "web-01b" || devices[0].CPUCores != 16 {
		t.Errorf("devices after update = %+v", devices)
	}
}

func TestStore_UpsertRequiresAgentID(t *testing.T) {
	s := openTest(t)
	if _, err := s.UpsertDevice(models.Overview{Hostname: "x"}); err == nil {
		t.Error("UpsertDevice without agent_id succeeded")
	}
}

func TestStore_MarkOffline(t *testing.T) {
	s := openTest(t)
	_, _ = s.UpsertDevice(models.Overview{AgentID: "a1"})

	if err := s.MarkOffline("a1"); err != nil {
		t.Fatal(err)
	}
	dev, err := s.Device("a1")
	if err != nil {
		t.Fatal(err)
	}
	if dev.IsOnline {
		t.Errorf("device still online")
	}
	if err := s.Touch("a1"); err != nil {
		t.Fatal(err)
	}
	if dev, _ = s.Device("a1"); !dev.IsOnline {
		t.Errorf("Touch did not bring the device back online")
	}
	if _, err := s.Device("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Device(ghost) error = %v", err)
	}
}

func TestStore_AlertJournal(t *testing.T) {
	s := openTest(t)
	base := time.Unix(1_700_000_000, 0)
	for i, kind := range []string{engine.AlertRaised, engine.AlertRecovered, engine.AlertRaised} {
		err := s.RecordAlert(engine.AlertEvent{
			AgentID:   "a1",
			Metric:    engine.ChannelCPUTotal,
			Severity:  engine.SeverityCritical,
			Kind:      kind,
			Message:   "High CPU usage",
			Timestamp: base.Add(time.Duration(i) * time.Second).Unix(),
		})
		if err != nil {
			t.Fatalf("RecordAlert() error = %v", err)
		}
	}

	recs, err := s.RecentAlerts(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("RecentAlerts(2) len = %d", len(recs))
	}
	if recs[0].Kind != engine.AlertRaised || recs[0].Timestamp != base.Add(2*time.Second).Unix() {
		t.Errorf("newest = %+v", recs[0])
	}
	want := engine.AlertEvent{
		AgentID:   "a1",
		Metric:    engine.ChannelCPUTotal,
		Severity:  engine.SeverityCritical,
		Kind:      engine.AlertRecovered,
		Message:   "High CPU usage",
		Timestamp: base.Add(time.Second).Unix(),
	}
	if recs[1] != want {
		t.Errorf("second = %+v, want %+v", recs[1], want)
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Error("Open(mysql) succeeded")
	}
}
