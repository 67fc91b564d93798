package models

import "time"

// TranscriptLine stores a single message exchanged through the bridge:
// chat input forwarded to the session or batched output sent back.
type TranscriptLine struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:64;not null;index"`
	Sequence  int    `gorm:"not null"`
	Role      string `gorm:"size:16;not null"` // "user" or "assistant"
	UserName  string `gorm:"size:64"`
	Content   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}
