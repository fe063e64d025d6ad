// Package models defines the wire and storage types shared by TalonPulse.
package models

import (
	"time"

	"gorm.io/gorm"
)

// Overview is the static descriptive payload a collector posts once at
// startup. The server stores it as-is; none of it feeds the time-series engine.
type Overview struct {
	AgentID         string `json:"agent_id" binding:"required"`
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	PlatformRelease string `json:"platform_release"`
	CPUModel        string `json:"cpu_model"`
	CPUCores        int    `json:"cpu_cores"`
	GPUModel        string `json:"gpu_model"`
	RAMTotal        uint64 `json:"ram_total"`
}

// Device is the inventory row for one agent.
// IsOnline is cleared when the registry evicts the agent as stale.
type Device struct {
	gorm.Model

	// Identity
	AgentID  string `gorm:"uniqueIndex;not null" json:"agent_id"`
	Hostname string `gorm:"index" json:"hostname"`
	OS       string `json:"os"`

	// Hardware
	PlatformRelease string `json:"platform_release"`
	CPUModel        string `json:"cpu_model"`
	CPUCores        int    `json:"cpu_cores"`
	GPUModel        string `json:"gpu_model"`
	RAMTotal        uint64 `json:"ram_total"`

	// Lifecycle
	LastSeen time.Time `json:"last_seen"`
	IsOnline bool      `gorm:"default:false" json:"is_online"`
}

// Overview converts the row back to its wire form.
func (d *Device) Overview() Overview {
	return Overview{
		AgentID:         d.AgentID,
		Hostname:        d.Hostname,
		OS:              d.OS,
		PlatformRelease: d.PlatformRelease,
		CPUModel:        d.CPUModel,
		CPUCores:        d.CPUCores,
		GPUModel:        d.GPUModel,
		RAMTotal:        d.RAMTotal,
	}
}

// AlertRecord is one raised/recovered alert transition in the journal.
type AlertRecord struct {
	gorm.Model

	AgentID  string    `gorm:"index;not null" json:"agent_id"`
	Device   string    `json:"device"`
	Metric   string    `gorm:"index" json:"metric"`
	Severity string    `json:"severity"`
	Kind     string    `json:"kind"` // raised | recovered
	Message  string    `json:"message"`
	At       time.Time `gorm:"index" json:"at"`
}
