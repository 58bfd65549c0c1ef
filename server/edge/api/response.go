package api

import (
	"market_edge/server/common/transport/httpresp"
)

const (
	ErrUnauthorized       = httpresp.ErrUnauthorized
	ErrMissingBearerToken = httpresp.ErrMissingBearerToken
	ErrInvalidToken       = httpresp.ErrInvalidToken
	ErrSessionNotFound    = httpresp.ErrSessionNotFound
	ErrConversationID     = httpresp.ErrConversationID
)

type ErrorResponse = httpresp.ErrorResponse
type OKResponse = httpresp.OKResponse
type HealthResponse = httpresp.HealthResponse
type UnreadCountResponse = httpresp.UnreadCountResponse

func NewErrorResponse(message string) ErrorResponse {
	return httpresp.NewErrorResponse(message)
}

func NewOKResponse() OKResponse {
	return httpresp.NewOKResponse()
}

func NewHealthResponse(status string) HealthResponse {
	return httpresp.NewHealthResponse(status)
}

func NewUnreadCountResponse(total int64, isLoading bool, lastError string) UnreadCountResponse {
	return httpresp.NewUnreadCountResponse(total, isLoading, lastError)
}
