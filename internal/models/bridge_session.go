package models

import "time"

// BridgeSession records one assistant session the daemon has seen. Rows
// outlive the in-memory registry: `swb run --resume` lists them per
// working directory after restarts.
type BridgeSession struct {
	ID          string `gorm:"primaryKey;size:64"`
	Command     string `gorm:"size:255;not null"`
	Cwd         string `gorm:"size:1024;index"`
	OwnerChatID string `gorm:"size:128"`
	LastLine    string `gorm:"type:text"` // last assistant output, for session pickers
	StartedAt   time.Time
	EndedAt     *time.Time

	Lines []TranscriptLine `gorm:"foreignKey:SessionID"`
}
