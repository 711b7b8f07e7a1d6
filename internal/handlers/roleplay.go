package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MegaGrindStone/ai-experiments/internal/models"
	"github.com/MegaGrindStone/ai-experiments/internal/roleplay"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
	"golang.org/x/sync/semaphore"
)

var messagesSSEType = sse.Type("messages")

type chatRequest struct {
	Title       string   `json:"title" validate:"required"`
	Description string   `json:"description"`
	Characters  []string `json:"characters"`
}

type lineRequest struct {
	Input     string `json:"input" validate:"required"`
	Character string `json:"character"`
	// OneAtATime stops the model once it writes for the user's character again. Only used by send.
	OneAtATime bool `json:"oneAtATime"`
}

type continueRequest struct {
	Count int `json:"count" validate:"gte=0,lte=20"`
}

// HandleRoleplayChats lists the role-play chats, newest first.
func (m Main) HandleRoleplayChats(w http.ResponseWriter, r *http.Request) {
	if m.svc.Store == nil {
		m.unavailable(w, "store")
		return
	}
	chats, err := m.svc.Store.Chats(r.Context())
	if err != nil {
		m.fail(w, "Failed to get chats", err)
		return
	}
	m.writeJSON(w, chats)
}

// HandleRoleplayNewChat creates a chat and answers with it.
func (m Main) HandleRoleplayNewChat(w http.ResponseWriter, r *http.Request) {
	if m.svc.Store == nil {
		m.unavailable(w, "store")
		return
	}
	var req chatRequest
	if !m.decode(w, r, &req) {
		return
	}

	chat := models.Chat{
		ID:          uuid.New().String(),
		Title:       req.Title,
		Description: req.Description,
		Characters:  req.Characters,
	}
	id, err := m.svc.Store.AddChat(r.Context(), chat)
	if err != nil {
		m.fail(w, "Failed to add chat", err, slog.String("chat", fmt.Sprintf("%+v", chat)))
		return
	}
	chat.ID = id

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	m.writeJSON(w, chat)
}

// HandleRoleplayUpdateChat changes the title, description or cast of a chat.
func (m Main) HandleRoleplayUpdateChat(w http.ResponseWriter, r *http.Request) {
	if m.svc.Store == nil {
		m.unavailable(w, "store")
		return
	}
	var req chatRequest
	if !m.decode(w, r, &req) {
		return
	}
	chat := models.Chat{
		ID:          r.PathValue("id"),
		Title:       req.Title,
		Description: req.Description,
		Characters:  req.Characters,
	}
	if err := m.svc.Store.UpdateChat(r.Context(), chat); err != nil {
		m.fail(w, "Failed to update chat", err, slog.String("chatID", chat.ID))
		return
	}
	m.writeJSON(w, chat)
}

// HandleRoleplayDeleteChat removes a chat with its messages.
func (m Main) HandleRoleplayDeleteChat(w http.ResponseWriter, r *http.Request) {
	if m.svc.Store == nil {
		m.unavailable(w, "store")
		return
	}
	chatID := r.PathValue("id")
	if err := m.svc.Store.DeleteChat(r.Context(), chatID); err != nil {
		m.fail(w, "Failed to delete chat", err, slog.String("chatID", chatID))
		return
	}
	m.locks.forget(chatID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleRoleplayMessages returns the messages of a chat in order.
func (m Main) HandleRoleplayMessages(w http.ResponseWriter, r *http.Request) {
	if m.svc.Store == nil {
		m.unavailable(w, "store")
		return
	}
	chatID := r.PathValue("id")
	msgs, err := m.svc.Store.Messages(r.Context(), chatID)
	if err != nil {
		m.fail(w, "Failed to get messages", err, slog.String("chatID", chatID))
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	m.writeJSON(w, msgs)
}

// HandleRoleplayAdd appends the user's line without generating a reply. While a generation runs for the
// chat, the line is appended after it finishes.
func (m Main) HandleRoleplayAdd(w http.ResponseWriter, r *http.Request) {
	var req lineRequest
	scene, release, ok := m.roleplayScene(w, r, &req, waitLock)
	if !ok {
		return
	}
	defer release()

	msgs := m.svc.RolePlay.Add(scene.Messages, req.Input, req.Character)
	if err := m.svc.Store.AddMessage(r.Context(), scene.ChatID, msgs[len(msgs)-1]); err != nil {
		m.fail(w, "Failed to add message", err, slog.String("chatID", scene.ChatID))
		return
	}
	m.publishMessages(scene.ChatID, msgs)
	m.writeJSON(w, msgs)
}

// HandleRoleplaySend appends the user's line and the model's reply. When generation fails the user's
// line is kept.
func (m Main) HandleRoleplaySend(w http.ResponseWriter, r *http.Request) {
	var req lineRequest
	scene, release, ok := m.roleplayScene(w, r, &req, tryLock)
	if !ok {
		return
	}
	defer release()

	msgs, err := m.svc.RolePlay.Send(r.Context(), scene, req.Input, req.Character, req.OneAtATime)
	if err != nil {
		if !errors.Is(err, roleplay.ErrBusy) {
			if serr := m.saveMessages(context.WithoutCancel(r.Context()), scene.ChatID, msgs); serr != nil {
				m.logger.Error("Failed to keep user line", slog.String("chatID", scene.ChatID), slog.String(errLoggerKey, serr.Error()))
			}
		}
		m.fail(w, "Failed to send", err, slog.String("chatID", scene.ChatID))
		return
	}
	m.respondMessages(w, r, scene.ChatID, msgs)
}

// HandleRoleplayContinue lets the model add count messages, or as many as it likes when count is zero.
func (m Main) HandleRoleplayContinue(w http.ResponseWriter, r *http.Request) {
	var req continueRequest
	scene, release, ok := m.roleplayScene(w, r, &req, tryLock)
	if !ok {
		return
	}
	defer release()

	msgs, err := m.svc.RolePlay.Continue(r.Context(), scene, req.Count)
	if err != nil {
		if errors.Is(err, roleplay.ErrIncomplete) {
			if serr := m.saveMessages(context.WithoutCancel(r.Context()), scene.ChatID, msgs); serr != nil {
				m.logger.Error("Failed to keep partial messages", slog.String("chatID", scene.ChatID), slog.String(errLoggerKey, serr.Error()))
			}
		}
		m.fail(w, "Failed to continue", err, slog.String("chatID", scene.ChatID))
		return
	}
	m.respondMessages(w, r, scene.ChatID, msgs)
}

// HandleRoleplayFill completes the user's partial line. The chat is not modified.
func (m Main) HandleRoleplayFill(w http.ResponseWriter, r *http.Request) {
	var req lineRequest
	scene, _, ok := m.roleplayScene(w, r, &req, noLock)
	if !ok {
		return
	}
	text, err := m.svc.RolePlay.Fill(r.Context(), scene, req.Input, req.Character)
	if err != nil {
		m.fail(w, "Failed to fill", err, slog.String("chatID", scene.ChatID))
		return
	}
	m.writeJSON(w, textResponse{Text: text})
}

// HandleRoleplayRegenerate replaces a message with a newly generated one.
func (m Main) HandleRoleplayRegenerate(w http.ResponseWriter, r *http.Request) {
	scene, release, ok := m.roleplayScene(w, r, nil, tryLock)
	if !ok {
		return
	}
	defer release()

	msgID := r.PathValue("msgID")
	msgs, err := m.svc.RolePlay.Regenerate(r.Context(), scene, msgID)
	if err != nil {
		m.fail(w, "Failed to regenerate", err, slog.String("chatID", scene.ChatID), slog.String("messageID", msgID))
		return
	}
	m.respondMessages(w, r, scene.ChatID, msgs)
}

// HandleRoleplayExport downloads the chat transcript as markdown, or as HTML with format=html.
func (m Main) HandleRoleplayExport(w http.ResponseWriter, r *http.Request) {
	if m.svc.Store == nil {
		m.unavailable(w, "store")
		return
	}
	chatID := r.PathValue("id")
	chat, err := m.svc.Store.Chat(r.Context(), chatID)
	if err != nil {
		m.fail(w, "Failed to get chat", err, slog.String("chatID", chatID))
		return
	}
	msgs, err := m.svc.Store.Messages(r.Context(), chatID)
	if err != nil {
		m.fail(w, "Failed to get messages", err, slog.String("chatID", chatID))
		return
	}

	doc := models.RenderTranscript(chat.Title, msgs)
	contentType, ext := "text/markdown; charset=utf-8", "md"
	if r.URL.Query().Get("format") == "html" {
		doc, err = models.RenderMarkdown(doc)
		if err != nil {
			m.fail(w, "Failed to render transcript", err, slog.String("chatID", chatID))
			return
		}
		contentType, ext = "text/html; charset=utf-8", "html"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", chatID+"."+ext))
	_, _ = w.Write([]byte(doc))
}

// lockMode is how a handler takes the chat lock before loading the scene.
type lockMode int

const (
	noLock lockMode = iota
	// waitLock waits for the running generation, if any.
	waitLock
	// tryLock fails with roleplay.ErrBusy when the chat is locked.
	tryLock
)

// chatLocks serializes the changes to each chat's messages, so a write based on a stale read of the
// messages cannot replace lines stored in between.
type chatLocks struct {
	mu    sync.Mutex
	chats map[string]*semaphore.Weighted
}

func newChatLocks() *chatLocks {
	return &chatLocks{chats: make(map[string]*semaphore.Weighted)}
}

func (l *chatLocks) chat(chatID string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()

	sem, ok := l.chats[chatID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.chats[chatID] = sem
	}
	return sem
}

func (l *chatLocks) forget(chatID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.chats, chatID)
}

// roleplayScene decodes the request body into req, when given, takes the chat lock as mode says and
// loads the scene of the chat in the path. The returned release must be called once the chat's messages
// are saved. On failure the response is already written and nothing is held.
func (m Main) roleplayScene(w http.ResponseWriter, r *http.Request, req any, mode lockMode) (roleplay.Scene, func(), bool) {
	if m.svc.Store == nil || m.svc.RolePlay == nil {
		m.unavailable(w, "role-play")
		return roleplay.Scene{}, nil, false
	}
	if req != nil && !m.decode(w, r, req) {
		return roleplay.Scene{}, nil, false
	}

	chatID := r.PathValue("id")
	chat, err := m.svc.Store.Chat(r.Context(), chatID)
	if err != nil {
		m.fail(w, "Failed to get chat", err, slog.String("chatID", chatID))
		return roleplay.Scene{}, nil, false
	}

	release := func() {}
	switch mode {
	case waitLock:
		sem := m.locks.chat(chatID)
		if err := sem.Acquire(r.Context(), 1); err != nil {
			m.fail(w, "Failed to wait for chat", err, slog.String("chatID", chatID))
			return roleplay.Scene{}, nil, false
		}
		release = func() { sem.Release(1) }
	case tryLock:
		sem := m.locks.chat(chatID)
		if !sem.TryAcquire(1) {
			m.fail(w, "Chat is busy", roleplay.ErrBusy, slog.String("chatID", chatID))
			return roleplay.Scene{}, nil, false
		}
		release = func() { sem.Release(1) }
	}

	msgs, err := m.svc.Store.Messages(r.Context(), chatID)
	if err != nil {
		release()
		m.fail(w, "Failed to get messages", err, slog.String("chatID", chatID))
		return roleplay.Scene{}, nil, false
	}
	return roleplay.Scene{
		ChatID:      chat.ID,
		Description: chat.Description,
		Messages:    msgs,
	}, release, true
}

// respondMessages stores msgs as the chat's messages, notifies subscribers and answers with them.
func (m Main) respondMessages(w http.ResponseWriter, r *http.Request, chatID string, msgs []models.Message) {
	if err := m.saveMessages(r.Context(), chatID, msgs); err != nil {
		m.fail(w, "Failed to save messages", err, slog.String("chatID", chatID))
		return
	}
	m.writeJSON(w, msgs)
}

func (m Main) saveMessages(ctx context.Context, chatID string, msgs []models.Message) error {
	if err := m.svc.Store.SetMessages(ctx, chatID, msgs); err != nil {
		return fmt.Errorf("failed to set messages: %w", err)
	}
	m.publishMessages(chatID, msgs)
	return nil
}

// publishMessages sends the chat's messages to its subscribers.
func (m Main) publishMessages(chatID string, msgs []models.Message) {
	data, err := json.Marshal(msgs)
	if err != nil {
		m.logger.Error("Failed to marshal messages", slog.String("chatID", chatID), slog.String(errLoggerKey, err.Error()))
		return
	}
	e := &sse.Message{Type: messagesSSEType}
	e.AppendData(string(data))
	if err := m.sseSrv.Publish(e, chatIDTopic(chatID)); err != nil {
		m.logger.Error("Failed to publish messages", slog.String("chatID", chatID), slog.String(errLoggerKey, err.Error()))
	}
}
