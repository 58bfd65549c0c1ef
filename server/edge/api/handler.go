package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	commonauth "market_edge/server/common/auth"
	commonlog "market_edge/server/common/log"
	"market_edge/server/common/middleware"
	"market_edge/server/common/token"
	"market_edge/server/edge/service"
	rtdomain "market_edge/server/realtime/domain"
	rtservice "market_edge/server/realtime/service"
)

type Handler struct {
	sessions      *service.SessionManager
	gate          *service.Gate
	auth          *commonauth.Service
	sessionCookie string
}

func NewHandler(sessions *service.SessionManager, gate *service.Gate, auth *commonauth.Service, sessionCookie string) *Handler {
	return &Handler{sessions: sessions, gate: gate, auth: auth, sessionCookie: sessionCookie}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.Use(h.gate.Middleware())

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, NewHealthResponse("ok")) })
	r.GET("/ws/conversations/:id", h.handleConversationWS)

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.auth))
	{
		api.GET("/notifications/unread", h.getUnreadCount)
		api.POST("/notifications/refresh", h.refreshUnreadCount)
		api.POST("/conversations/:id/messages", h.sendMessage)
		api.POST("/conversations/:id/read", h.markConversationRead)
		api.POST("/session/logout", h.logout)
	}
}

// sessionFor lazily creates the per-user runtime session from the
// credentials on the authenticated request.
func (h *Handler) sessionFor(c *gin.Context) (*service.UserSession, bool) {
	rawUserID, ok := c.Get("auth_user_id")
	if !ok {
		return nil, false
	}
	userID, ok := rawUserID.(string)
	if !ok || strings.TrimSpace(userID) == "" {
		return nil, false
	}
	accessToken, _ := c.Get("auth_access_token")
	access, _ := accessToken.(string)
	refresh := ""
	if cookie, err := c.Cookie("refreshToken"); err == nil {
		refresh = strings.TrimSpace(cookie)
	}
	providerSession := ""
	if cookie, err := c.Cookie(h.sessionCookie); err == nil {
		providerSession = strings.TrimSpace(cookie)
	}
	return h.sessions.Ensure(userID, token.Set{Access: access, Refresh: refresh}, providerSession), true
}

func (h *Handler) getUnreadCount(c *gin.Context) {
	session, ok := h.sessionFor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(ErrUnauthorized))
		return
	}
	state := session.Unread.State()
	c.JSON(http.StatusOK, NewUnreadCountResponse(state.TotalUnreadCount, state.IsLoading, state.LastError))
}

func (h *Handler) refreshUnreadCount(c *gin.Context) {
	session, ok := h.sessionFor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(ErrUnauthorized))
		return
	}
	if err := session.Unread.RefreshUnreadCount(c.Request.Context()); err != nil {
		state := session.Unread.State()
		c.JSON(http.StatusBadGateway, NewUnreadCountResponse(state.TotalUnreadCount, state.IsLoading, state.LastError))
		return
	}
	state := session.Unread.State()
	c.JSON(http.StatusOK, NewUnreadCountResponse(state.TotalUnreadCount, state.IsLoading, state.LastError))
}

func (h *Handler) sendMessage(c *gin.Context) {
	session, ok := h.sessionFor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(ErrUnauthorized))
		return
	}
	conversationID := strings.TrimSpace(c.Param("id"))
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse(ErrConversationID))
		return
	}
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	message, err := session.Chat.SendMessage(c.Request.Context(), conversationID, req.Content)
	if err != nil {
		c.JSON(http.StatusBadGateway, NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, message)
}

func (h *Handler) markConversationRead(c *gin.Context) {
	session, ok := h.sessionFor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(ErrUnauthorized))
		return
	}
	conversationID := strings.TrimSpace(c.Param("id"))
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse(ErrConversationID))
		return
	}
	if err := session.Unread.MarkConversationAsRead(c.Request.Context(), conversationID); err != nil {
		c.JSON(http.StatusBadGateway, NewErrorResponse(err.Error()))
		return
	}
	state := session.Unread.State()
	c.JSON(http.StatusOK, NewUnreadCountResponse(state.TotalUnreadCount, state.IsLoading, state.LastError))
}

func (h *Handler) logout(c *gin.Context) {
	rawUserID, ok := c.Get("auth_user_id")
	if ok {
		if userID, isString := rawUserID.(string); isString {
			h.sessions.Logout(userID)
		}
	}
	h.gate.ClearTokenCookies(c)
	c.JSON(http.StatusOK, NewOKResponse())
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// handleConversationWS bridges a browser websocket to the backend channel
// of one conversation. The browser sends send_message frames; everything
// the backend pushes is forwarded raw.
func (h *Handler) handleConversationWS(c *gin.Context) {
	accessToken, ok := wsAccessToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(ErrMissingBearerToken))
		return
	}
	userID, _, err := h.auth.ParseAuthContext(accessToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(ErrInvalidToken))
		return
	}
	conversationID := strings.TrimSpace(c.Param("id"))
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse(ErrConversationID))
		return
	}

	session := h.sessions.Ensure(userID, token.Set{Access: accessToken}, "")
	browser, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	defer browser.Close()

	var writeMu sync.Mutex
	forward := func(raw []byte) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = browser.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_ = browser.WriteMessage(websocket.TextMessage, raw)
	}

	channel := h.sessions.NewConversationChannel(session)
	channel.SetCallbacks(rtservice.Callbacks{
		OnRaw: forward,
		OnError: func(text string) {
			raw, _ := json.Marshal(gin.H{"type": rtdomain.FrameError, "message": text})
			forward(raw)
		},
	})
	channel.Connect(conversationID)
	defer channel.Disconnect()

	for {
		_, raw, err := browser.ReadMessage()
		if err != nil {
			commonlog.Debugf("event=ws_bridge action=read status=closed conversation_id=%s user_id=%s", conversationID, userID)
			return
		}
		var frame rtdomain.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		if frame.Type == rtdomain.FrameSendMessage {
			channel.Send(frame.Content)
		}
	}
}

func wsAccessToken(c *gin.Context) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token != "" {
			return token, true
		}
	}
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		if cookie, err := c.Cookie("accessToken"); err == nil {
			token = strings.TrimSpace(cookie)
		}
	}
	if token == "" {
		return "", false
	}
	return token, true
}
