package httpresp

const (
	ErrUnauthorized       = "unauthorized"
	ErrMissingBearerToken = "bearer token is required"
	ErrInvalidToken       = "invalid token"
	ErrForbidden          = "forbidden"
	ErrSessionNotFound    = "session not found"
	ErrConversationID     = "conversation id is required"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type UnreadCountResponse struct {
	TotalUnreadCount int64  `json:"total_unread_count"`
	IsLoading        bool   `json:"is_loading"`
	LastError        string `json:"last_error,omitempty"`
}

func NewErrorResponse(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}

func NewOKResponse() OKResponse {
	return OKResponse{OK: true}
}

func NewHealthResponse(status string) HealthResponse {
	return HealthResponse{Status: status}
}

func NewUnreadCountResponse(total int64, isLoading bool, lastError string) UnreadCountResponse {
	return UnreadCountResponse{TotalUnreadCount: total, IsLoading: isLoading, LastError: lastError}
}
