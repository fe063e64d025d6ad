// Package store is the TalonPulse inventory database.
// It keeps one row per agent overview and a journal of alert transitions.
// Live metrics never reach it; they stay in the in-memory engine.
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/vesaa/talonpulse/internal/engine"
	"github.com/vesaa/talonpulse/internal/models"
)

// ErrNotFound is returned when no device row exists for an agent id.
var ErrNotFound = errors.New("device not found")

// Store wraps the gorm handle.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open opens the database and runs AutoMigrate.
func Open(driver, path string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "":
		dialector = sqlite.Open(path)
	default:
		return nil, fmt.Errorf("unsupported db_driver %q (use 'sqlite')", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		// Every new connection would get its own empty in-memory database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&models.Device{}, &models.AlertRecord{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertDevice creates or updates the device row keyed by agent id and marks
// it online. Overview fields are stored as given.
func (s *Store) UpsertDevice(ov models.Overview) (*models.Device, error) {
	if strings.TrimSpace(ov.AgentID) == "" {
		return nil, errors.New("overview: agent_id is required")
	}
	now := s.now()
	dev := models.Device{
		AgentID:         ov.AgentID,
		Hostname:        ov.Hostname,
		OS:              ov.OS,
		PlatformRelease: ov.PlatformRelease,
		CPUModel:        ov.CPUModel,
		CPUCores:        ov.CPUCores,
		GPUModel:        ov.GPUModel,
		RAMTotal:        ov.RAMTotal,
		LastSeen:        now,
		IsOnline:        true,
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "agent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"hostname", "os", "platform_release", "cpu_model", "cpu_cores",
			"gpu_model", "ram_total", "last_seen", "is_online", "updated_at",
		}),
	}).Create(&dev).Error
	if err != nil {
		return nil, fmt.Errorf("upsert device: %w", err)
	}
	return s.Device(ov.AgentID)
}

// Touch marks a known device online at the current time. Unknown ids are
// ignored; agents that never posted an overview have no row.
func (s *Store) Touch(agentID string) error {
	return s.db.Model(&models.Device{}).Where("agent_id = ?", agentID).
		Updates(map[string]any{"is_online": true, "last_seen": s.now()}).Error
}

// MarkOffline clears the online flag, e.g. after the agent went stale.
func (s *Store) MarkOffline(agentID string) error {
	return s.db.Model(&models.Device{}).Where("agent_id = ?", agentID).
		Update("is_online", false).Error
}

// Device returns the row for agentID or ErrNotFound.
func (s *Store) Device(agentID string) (*models.Device, error) {
	var dev models.Device
	err := s.db.Where("agent_id = ?", agentID).First(&dev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

// Devices returns every row ordered by agent id.
func (s *Store) Devices() ([]models.Device, error) {
	var devices []models.Device
	if err := s.db.Order("agent_id asc").Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// RecordAlert appends one alert transition to the journal.
func (s *Store) RecordAlert(ev engine.AlertEvent) error {
	rec := models.AlertRecord{
		AgentID:  ev.AgentID,
		Device:   ev.Device,
		Metric:   ev.Metric,
		Severity: ev.Severity.String(),
		Kind:     ev.Kind,
		Message:  ev.Message,
		At:       time.Unix(ev.Timestamp, 0),
	}
	return s.db.Create(&rec).Error
}

// RecentAlerts returns up to n journal entries, newest first, in the same
// shape the pipeline keeps in memory.
func (s *Store) RecentAlerts(n int) ([]engine.AlertEvent, error) {
	if n <= 0 {
		n = engine.DefaultRecentAlerts
	}
	var recs []models.AlertRecord
	if err := s.db.Order("at desc").Order("id desc").Limit(n).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]engine.AlertEvent, 0, len(recs))
	for _, r := range recs {
		out = append(out, eventOf(r))
	}
	return out, nil
}

func eventOf(r models.AlertRecord) engine.AlertEvent {
	var sev engine.Severity
	_ = sev.UnmarshalText([]byte(r.Severity)) // unknown text stays healthy
	return engine.AlertEvent{
		AgentID:   r.AgentID,
		Device:    r.Device,
		Metric:    r.Metric,
		Severity:  sev,
		Kind:      r.Kind,
		Message:   r.Message,
		Timestamp: r.At.Unix(),
	}
}

var _ engine.Journal = (*Store)(nil)
