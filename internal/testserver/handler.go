package testserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"shainy/internal/api"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errNoChat):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errNotMember), errors.Is(err, errReadOnly):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, errChatExists), errors.Is(err, errPhraseTaken):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// ---------------------------------------------
// Auth
// ---------------------------------------------

type codePhraseRequest struct {
	CodePhrase string `json:"codePhrase"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req codePhraseRequest
	if !decode(w, r, &req) {
		return
	}
	token, userID, err := s.users.Login(req.CodePhrase)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid code phrase")
		return
	}
	writeJSON(w, http.StatusOK, api.LoginResult{AccessToken: token, UserID: userID})
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "userId": userFrom(r)})
}

func (s *Server) generateCode(w http.ResponseWriter, r *http.Request) {
	var req codePhraseRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := s.users.Register(req.CodePhrase); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"codePhrase": req.CodePhrase})
}

// ---------------------------------------------
// Chats
// ---------------------------------------------

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"chats": s.store.ListChats(userFrom(r))})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	offset, err := strconv.Atoi(r.URL.Query().Get("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}
	page, err := s.store.Messages(chi.URLParam(r, "chatID"), userFrom(r), limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type keyHashRequest struct {
	KeyHash string `json:"keyHash"`
}

func (s *Server) checkChat(w http.ResponseWriter, r *http.Request) {
	var req keyHashRequest
	if !decode(w, r, &req) {
		return
	}
	res, _ := s.store.Check(req.KeyHash)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) createChat(w http.ResponseWriter, r *http.Request) {
	var req keyHashRequest
	if !decode(w, r, &req) {
		return
	}
	if req.KeyHash == "" {
		writeError(w, http.StatusBadRequest, "keyHash is required")
		return
	}
	res, err := s.store.Create(userFrom(r), req.KeyHash)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) joinChat(w http.ResponseWriter, r *http.Request) {
	res, members, err := s.store.Join(chi.URLParam(r, "chatID"), userFrom(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.hub.Publish(r.Context(), participantsEvent{Type: "participants_updated", ChatID: res.ChatID, Count: len(members)}, members...)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) leaveChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	members, err := s.store.Leave(chatID, userFrom(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.hub.Publish(r.Context(), participantsEvent{Type: "participants_updated", ChatID: chatID, Count: len(members)}, members...)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) renameChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EncryptedName string `json:"encryptedName"`
	}
	if !decode(w, r, &req) {
		return
	}
	members, err := s.store.Rename(chi.URLParam(r, "chatID"), userFrom(r), req.EncryptedName)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.hub.Publish(r.Context(), typedEvent{Type: "chats_updated"}, members...)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	if err := s.store.MarkRead(chi.URLParam(r, "chatID"), userFrom(r)); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) getNickname(w http.ResponseWriter, r *http.Request) {
	nick, err := s.store.Nickname(chi.URLParam(r, "chatID"), userFrom(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var res struct {
		Nickname *string `json:"nickname"`
	}
	if nick != "" {
		res.Nickname = &nick
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) setNickname(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Nickname string `json:"nickname"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Nickname == "" {
		writeError(w, http.StatusBadRequest, "nickname is required")
		return
	}
	if err := s.store.SetNickname(chi.URLParam(r, "chatID"), userFrom(r), req.Nickname); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "nickname": req.Nickname})
}

func (s *Server) listParticipants(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.Participants(chi.URLParam(r, "chatID"), userFrom(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": list})
}

func (s *Server) grantPermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if !decode(w, r, &req) {
		return
	}
	chatID := chi.URLParam(r, "chatID")
	author := userFrom(r)
	unread, err := s.store.Grant(chatID, author, req.UserID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.hub.Publish(r.Context(), grantEvent{
		Type: "permission_granted", ChatID: chatID, AuthorID: author, UnreadCount: unread,
	}, req.UserID)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
