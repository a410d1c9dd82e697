package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/driftlab/chatrelay/internal/bus"
	"github.com/driftlab/chatrelay/internal/pipeline"
	"github.com/driftlab/chatrelay/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, pipeline.ErrChannelInactive):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, pipeline.ErrDailyLimitReached):
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (s *Server) handleChannelList(w http.ResponseWriter, r *http.Request) {
	f := store.ChannelFilter{
		Search: r.URL.Query().Get("search"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("is_active"); v != "" {
		active := v == "true"
		f.IsActive = &active
	}
	channels, err := s.channels.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

// channelDetail joins the stored channel with its live scheduling state.
type channelDetail struct {
	store.Channel
	Running bool `json:"running"`
	Pending bool `json:"pending"`
}

func (s *Server) handleChannelGet(w http.ResponseWriter, r *http.Request) {
	chatKey := r.PathValue("chatKey")
	ch, err := s.channels.Get(r.Context(), chatKey)
	if err != nil {
		writeError(w, err)
		return
	}
	st := s.sched.Status(chatKey)
	writeJSON(w, http.StatusOK, channelDetail{Channel: *ch, Running: st.Running, Pending: st.Pending})
}

func (s *Server) handleChannelActive(w http.ResponseWriter, r *http.Request) {
	chatKey := r.PathValue("chatKey")
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if err := s.pipe.ActivateChannel(r.Context(), chatKey, req.Active); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat_key": chatKey, "active": req.Active})
}

func (s *Server) handleChannelReset(w http.ResponseWriter, r *http.Request) {
	chatKey := r.PathValue("chatKey")
	if err := s.pipe.ResetChannel(r.Context(), chatKey); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"chat_key": chatKey, "status": "reset"})
}

func (s *Server) handleChannelCancel(w http.ResponseWriter, r *http.Request) {
	chatKey := r.PathValue("chatKey")
	stopped := s.sched.Cancel(r.Context(), chatKey)
	writeJSON(w, http.StatusOK, map[string]any{"chat_key": chatKey, "stopped": stopped})
}

func (s *Server) handleMessageList(w http.ResponseWriter, r *http.Request) {
	chatKey := r.PathValue("chatKey")
	msgs, err := s.messages.List(r.Context(), chatKey,
		queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type pushMessageRequest struct {
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name"`
	SenderNickname string `json:"sender_nickname,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	Content        string `json:"content"`
	IsTome         bool   `json:"is_tome"`
	IsSystem       bool   `json:"is_system,omitempty"`
	TriggerAgent   bool   `json:"trigger_agent,omitempty"`
}

// handleMessagePush is the ingest endpoint chat adapters post inbound
// messages to.
func (s *Server) handleMessagePush(w http.ResponseWriter, r *http.Request) {
	chatKey := r.PathValue("chatKey")
	var req pushMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if req.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content required"})
		return
	}

	var err error
	if req.IsSystem {
		err = s.pipe.PushSystemMessage(r.Context(), chatKey, req.Content, req.TriggerAgent)
	} else {
		msg := &bus.ChatMessage{
			ChatKey:        chatKey,
			MessageID:      req.MessageID,
			SenderID:       req.SenderID,
			SenderName:     req.SenderName,
			SenderNickname: req.SenderNickname,
			Content:        req.Content,
			IsTome:         req.IsTome,
			SendTime:       time.Now(),
		}
		err = s.pipe.PushHumanMessage(r.Context(), msg, req.TriggerAgent)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"chat_key": chatKey, "status": "accepted"})
}

func (s *Server) handleQuotaGet(w http.ResponseWriter, r *http.Request) {
	chatKey := r.PathValue("chatKey")
	count, err := s.messages.DailyBotReplyCount(r.Context(), chatKey, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chat_key": chatKey,
		"used":     count,
		"boost":    s.boosts.GetBoost(chatKey),
	})
}

func (s *Server) handleQuotaSet(w http.ResponseWriter, r *http.Request) {
	chatKey := r.PathValue("chatKey")
	var req struct {
		Boost *int `json:"boost,omitempty"` // absolute
		Add   *int `json:"add,omitempty"`   // relative
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	switch {
	case req.Boost != nil:
		s.boosts.SetBoost(chatKey, *req.Boost)
	case req.Add != nil:
		s.boosts.AddBoost(chatKey, *req.Add)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "boost or add required"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chat_key": chatKey,
		"boost":    s.boosts.GetBoost(chatKey),
	})
}
