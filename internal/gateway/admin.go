package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/funnelsync/internal/auth"
	"github.com/haasonsaas/funnelsync/internal/channels"
	"github.com/haasonsaas/funnelsync/pkg/models"
)

const maxAdminBody = 64 << 10

type connectRequest struct {
	AccessToken string `json:"accessToken"`
}

type connectResponse struct {
	Success bool                     `json:"success"`
	BotInfo *models.PlatformIdentity `json:"botInfo"`
}

type sendMessageRequest struct {
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

type accountView struct {
	ID        string     `json:"id"`
	Username  string     `json:"username,omitempty"`
	FirstName string     `json:"firstName,omitempty"`
	LastName  string     `json:"lastName,omitempty"`
	IsActive  bool       `json:"isActive"`
	Running   bool       `json:"running"`
	LastSync  *time.Time `json:"lastSync,omitempty"`
}

type successResponse struct {
	Success bool `json:"success"`
}

func (s *Server) registerAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/telegram/connect", s.handleConnect)
	mux.HandleFunc("POST /api/telegram/send-message", s.handleSendMessage)
	mux.HandleFunc("GET /api/telegram/accounts", s.handleAccounts)
	mux.HandleFunc("POST /api/telegram/disconnect/{channelId}", s.handleDisconnect)
	mux.HandleFunc("POST /api/telegram/delete/{channelId}", s.handleDelete)
	mux.HandleFunc("POST /api/telegram/start/{channelId}", s.handleStart)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	user := mustUser(r)
	var req connectRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.AccessToken) == "" {
		s.writeError(w, r, channels.ErrInvalidInput("accessToken is required", nil))
		return
	}

	identity, err := s.manager.Connect(r.Context(), user.ID, req.AccessToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, connectResponse{Success: true, BotInfo: identity})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	user := mustUser(r)
	var req sendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.ChatID) == "" || req.Message == "" {
		s.writeError(w, r, channels.ErrInvalidInput("chatId and message are required", nil))
		return
	}

	if err := s.manager.SendOutbound(r.Context(), user.ID, req.ChatID, req.Message); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	user := mustUser(r)
	records, err := s.manager.ListChannels(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]accountView, 0, len(records))
	for _, rec := range records {
		view := accountView{
			ID:        rec.ChannelID,
			Username:  rec.Username,
			FirstName: rec.FirstName,
			LastName:  rec.LastName,
			IsActive:  rec.IsActive,
			Running:   s.manager.Running(user.ID, rec.ChannelID),
		}
		if !rec.LastSync.IsZero() {
			lastSync := rec.LastSync
			view.LastSync = &lastSync
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	user := mustUser(r)
	s.respond(w, r, s.manager.Disconnect(r.Context(), user.ID, r.PathValue("channelId")))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	user := mustUser(r)
	s.respond(w, r, s.manager.Delete(r.Context(), user.ID, r.PathValue("channelId")))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	user := mustUser(r)
	s.respond(w, r, s.manager.Start(r.Context(), user.ID, r.PathValue("channelId")))
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// mustUser returns the user attached by auth.RequireUser. Admin routes are
// only mounted behind that middleware.
func mustUser(r *http.Request) *models.User {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		panic("gateway: admin route reached without an authenticated user")
	}
	return user
}

func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxAdminBody))
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return channels.ErrInvalidInput("request body is required", nil)
		}
		return channels.ErrInvalidInput("malformed JSON body", err)
	}
	return nil
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    channels.ErrorCode `json:"code"`
	Message string             `json:"message"`
}

// statusFor maps an error code to its HTTP status.
func statusFor(code channels.ErrorCode) int {
	switch code {
	case channels.ErrCodeNotFound, channels.ErrCodeNotRunning, channels.ErrCodeNoActiveChannel:
		return http.StatusNotFound
	case channels.ErrCodeAlreadyConnected, channels.ErrCodeAlreadyRunning:
		return http.StatusConflict
	case channels.ErrCodeAuthRejected:
		return http.StatusUnauthorized
	case channels.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case channels.ErrCodeExternalPlatform:
		return http.StatusBadGateway
	case channels.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case channels.ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case channels.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := channels.GetErrorCode(err)
	status := statusFor(code)

	message := "internal error"
	var chErr *channels.Error
	if errors.As(err, &chErr) {
		message = chErr.Message
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("admin request failed", "path", r.URL.Path, "code", code, "error", err)
	} else {
		s.logger.Info("admin request rejected", "path", r.URL.Path, "code", code, "error", err)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}
