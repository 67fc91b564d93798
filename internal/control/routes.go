package control

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/bridge"
)

func (s *Server) registerRoutes(engine *gin.Engine) {
	engine.GET("/health", s.handleHealth)

	auth := engine.Group("/", s.authRequired())
	auth.POST("/register-remote", s.handleRegisterRemote)
	auth.POST("/bind-chat", s.handleBindChat)
	auth.POST("/drain", s.handleDrain)
	auth.POST("/output", s.handleOutput)
	auth.POST("/ask", s.handleAsk)
	auth.POST("/file-picker", s.handleFilePicker)
	auth.POST("/unregister", s.handleUnregister)
	auth.GET("/sessions", s.handleSessions)
	auth.GET("/sessions/recent", s.handleSessionsRecent)
	auth.POST("/sessions/:id/stop", s.handleStop)
	auth.POST("/sessions/:id/kill", s.handleKill)
	auth.POST("/shutdown", s.handleShutdown)
}

// remoteSessionID normalizes a session reference from the wire. Bare ids
// and "remote:"-prefixed refs resolve to the remote registry; local refs
// never cross this surface and are rejected outright.
func remoteSessionID(c *gin.Context, raw string) (string, bool) {
	ref := bridge.ParseSessionRef(raw)
	if ref.Kind != bridge.KindRemote {
		c.JSON(http.StatusBadRequest, gin.H{"error": "not a remote session reference"})
		return "", false
	}
	return ref.ID, true
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": len(s.daemon.Registry().Sessions()),
	})
}

type registerRemoteRequest struct {
	SessionID   string `json:"session_id" binding:"required"`
	Command     string `json:"command"`
	Cwd         string `json:"cwd"`
	OwnerChatID string `json:"owner_chat_id"`
	OwnerUserID string `json:"owner_user_id"`
}

// handleRegisterRemote registers a wrapper session. Re-registration with
// an id the daemon already knows is a no-op returning the existing entry,
// which is what lets wrapper recovery replay this call safely.
func (s *Server) handleRegisterRemote(c *gin.Context) {
	var req registerRemoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sessionID, ok := remoteSessionID(c, req.SessionID)
	if !ok {
		return
	}
	session := s.daemon.Registry().RegisterRemote(
		sessionID, req.Command, req.Cwd, req.OwnerChatID, req.OwnerUserID)
	if s.journal != nil {
		if err := s.journal.EnsureSession(session.ID, session.Command, session.Cwd, session.OwnerChatID); err != nil {
			log.Printf("control: journal register %s: %v", session.ID, err)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": session.ID,
		"bound_chat": s.daemon.Registry().BoundChat(session.ID),
	})
}

type bindChatRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	ChatID    string `json:"chat_id" binding:"required"`
}

func (s *Server) handleBindChat(c *gin.Context) {
	var req bindChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sessionID, ok := remoteSessionID(c, req.SessionID)
	if !ok {
		return
	}
	if !s.daemon.Registry().Attach(req.ChatID, sessionID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type drainRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// handleDrain returns and clears the session's queued input and pending
// control action, refreshing its heartbeat. An unknown session id gets a
// 404 — the wrapper treats that as its signal to re-register.
func (s *Server) handleDrain(c *gin.Context) {
	var req drainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sessionID, ok := remoteSessionID(c, req.SessionID)
	if !ok {
		return
	}
	registry := s.daemon.Registry()
	if registry.Session(sessionID) == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	input := registry.DrainRemoteInput(sessionID)
	control := registry.DrainRemoteControl(sessionID)
	if input == nil {
		input = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"input":      input,
		"control":    string(control),
		"bound_chat": registry.BoundChat(sessionID),
	})
}

type outputRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Text      string `json:"text"`
}

func (s *Server) handleOutput(c *gin.Context) {
	var req outputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sessionID, ok := remoteSessionID(c, req.SessionID)
	if !ok {
		return
	}
	if !s.daemon.HandleOutput(sessionID, req.Text) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type askQuestion struct {
	Text        string   `json:"text" binding:"required"`
	Options     []string `json:"options" binding:"required"`
	MultiSelect bool     `json:"multi_select"`
}

type askRequest struct {
	SessionID string        `json:"session_id" binding:"required"`
	ChatID    string        `json:"chat_id"` // defaults to the bound chat
	Questions []askQuestion `json:"questions" binding:"required"`
}

func (s *Server) handleAsk(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sessionID, ok := remoteSessionID(c, req.SessionID)
	if !ok {
		return
	}
	registry := s.daemon.Registry()
	if registry.Session(sessionID) == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	chatID := req.ChatID
	if chatID == "" {
		chatID = registry.BoundChat(sessionID)
	}
	if chatID == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "no chat attached"})
		return
	}

	questions := make([]bridge.Question, len(req.Questions))
	for i, q := range req.Questions {
		questions[i] = bridge.Question{Text: q.Text, Options: q.Options, MultiSelect: q.MultiSelect}
	}
	if err := s.daemon.Router().StartQuestions(c.Request.Context(), sessionID, chatID, questions); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type filePickerRequest struct {
	SessionID string   `json:"session_id" binding:"required"`
	Files     []string `json:"files" binding:"required"`
}

func (s *Server) handleFilePicker(c *gin.Context) {
	var req filePickerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sessionID, ok := remoteSessionID(c, req.SessionID)
	if !ok {
		return
	}
	registry := s.daemon.Registry()
	session := registry.Session(sessionID)
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	chatID := registry.BoundChat(sessionID)
	if chatID == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "no chat attached"})
		return
	}
	err := s.daemon.Router().StartFilePicker(
		c.Request.Context(), sessionID, chatID, session.OwnerUserID, req.Files)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type unregisterRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

func (s *Server) handleUnregister(c *gin.Context) {
	var req unregisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sessionID, ok := remoteSessionID(c, req.SessionID)
	if !ok {
		return
	}
	s.daemon.DropSession(sessionID)
	if !s.daemon.Registry().Unregister(sessionID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	if s.journal != nil {
		if err := s.journal.EndSession(sessionID); err != nil {
			log.Printf("control: journal end %s: %v", sessionID, err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type sessionInfo struct {
	SessionID  string    `json:"session_id"`
	Command    string    `json:"command"`
	Cwd        string    `json:"cwd"`
	BoundChat  string    `json:"bound_chat,omitempty"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Server) handleSessions(c *gin.Context) {
	registry := s.daemon.Registry()
	sessions := registry.Sessions()
	out := make([]sessionInfo, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, sessionInfo{
			SessionID:  session.ID,
			Command:    session.Command,
			Cwd:        session.Cwd,
			BoundChat:  registry.BoundChat(session.ID),
			LastSeenAt: session.LastSeenAt,
			CreatedAt:  session.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) handleSessionsRecent(c *gin.Context) {
	if s.recent == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no transcript store"})
		return
	}
	limit := 10
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	rows, err := s.recent.Recent(c.Query("cwd"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": rows})
}

func (s *Server) handleStop(c *gin.Context) {
	sessionID, ok := remoteSessionID(c, c.Param("id"))
	if !ok {
		return
	}
	if !s.daemon.Registry().RequestStop(sessionID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleKill(c *gin.Context) {
	sessionID, ok := remoteSessionID(c, c.Param("id"))
	if !ok {
		return
	}
	if !s.daemon.Registry().RequestKill(sessionID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleShutdown(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
	if s.shutdown != nil {
		// After the response is written; the daemon tears down the socket.
		go s.shutdown()
	}
}
