// Package transcript persists session history to the Switchboard
// database: which sessions ran where, and the lines exchanged through
// the bridge. The live registry stays in-memory; this is the part that
// survives a daemon restart.
package transcript

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/switchboard/internal/control"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

const defaultRecentLimit = 10

// Store reads and writes session history rows.
type Store struct {
	db *gorm.DB

	mu sync.Mutex // serializes sequence assignment in Append
}

// NewStore creates a Store over an open database connection.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("transcript: db is required")
	}
	return &Store{db: db}, nil
}

// EnsureSession creates the session row if it does not exist yet.
// Re-registration after a daemon restart hits the existing row and
// leaves it untouched.
func (s *Store) EnsureSession(id, command, cwd, ownerChatID string) error {
	session := models.BridgeSession{
		ID:          id,
		Command:     command,
		Cwd:         cwd,
		OwnerChatID: ownerChatID,
		StartedAt:   time.Now(),
	}
	result := s.db.Where("id = ?", id).FirstOrCreate(&session)
	if result.Error != nil {
		return fmt.Errorf("transcript: ensure session %s: %w", id, result.Error)
	}
	return nil
}

// EndSession stamps the session's end time. Ending an already-ended or
// unknown session is a no-op.
func (s *Store) EndSession(id string) error {
	now := time.Now()
	result := s.db.Model(&models.BridgeSession{}).
		Where("id = ? AND ended_at IS NULL", id).
		Update("ended_at", &now)
	if result.Error != nil {
		return fmt.Errorf("transcript: end session %s: %w", id, result.Error)
	}
	return nil
}

// Append stores one conversation line with the next per-session
// sequence number. Assistant lines also refresh the session's last-line
// preview used by session pickers.
func (s *Store) Append(sessionID, role, userName, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last models.TranscriptLine
	seq := 1
	err := s.db.Where("session_id = ?", sessionID).
		Order("sequence DESC").
		First(&last).Error
	if err == nil {
		seq = last.Sequence + 1
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("transcript: last sequence for %s: %w", sessionID, err)
	}

	line := models.TranscriptLine{
		SessionID: sessionID,
		Sequence:  seq,
		Role:      role,
		UserName:  userName,
		Content:   content,
	}
	if err := s.db.Create(&line).Error; err != nil {
		return fmt.Errorf("transcript: append to %s: %w", sessionID, err)
	}

	if role == "assistant" {
		if err := s.db.Model(&models.BridgeSession{}).
			Where("id = ?", sessionID).
			Update("last_line", lastPreview(content)).Error; err != nil {
			return fmt.Errorf("transcript: update preview for %s: %w", sessionID, err)
		}
	}
	return nil
}

// History returns a session's lines in sequence order.
func (s *Store) History(sessionID string) ([]models.TranscriptLine, error) {
	var lines []models.TranscriptLine
	err := s.db.Where("session_id = ?", sessionID).
		Order("sequence ASC").
		Find(&lines).Error
	if err != nil {
		return nil, fmt.Errorf("transcript: history for %s: %w", sessionID, err)
	}
	return lines, nil
}

// Recent lists past sessions, newest first, optionally filtered to a
// working directory.
func (s *Store) Recent(cwd string, limit int) ([]control.RecentSession, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	query := s.db.Model(&models.BridgeSession{}).Order("started_at DESC").Limit(limit)
	if cwd != "" {
		query = query.Where("cwd = ?", cwd)
	}

	var rows []models.BridgeSession
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("transcript: recent sessions: %w", err)
	}

	recent := make([]control.RecentSession, 0, len(rows))
	for _, row := range rows {
		recent = append(recent, control.RecentSession{
			SessionID: row.ID,
			Command:   row.Command,
			Cwd:       row.Cwd,
			StartedAt: row.StartedAt,
			EndedAt:   row.EndedAt,
			LastLine:  row.LastLine,
		})
	}
	return recent, nil
}

// lastPreview trims a batched output chunk down to its last non-empty
// line, keeping the preview column small.
func lastPreview(content string) string {
	preview := strings.TrimRight(content, " \n")
	if idx := strings.LastIndexByte(preview, '\n'); idx >= 0 {
		preview = preview[idx+1:]
	}
	if len(preview) > 200 {
		preview = preview[:200]
	}
	return preview
}
