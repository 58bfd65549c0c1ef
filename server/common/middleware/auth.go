package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"market_edge/server/common/transport/httpresp"
)

type tokenAuth interface {
	ParseAuthContext(token string) (userID, role string, err error)
}

// AuthRequired accepts the backend access token either as a bearer header
// or from the accessToken cookie the edge gate mirrors.
func AuthRequired(auth tokenAuth) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			if cookie, err := c.Cookie("accessToken"); err == nil {
				token = strings.TrimSpace(cookie)
			}
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrMissingBearerToken))
			return
		}
		userID, role, err := auth.ParseAuthContext(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidToken))
			return
		}
		c.Set("auth_access_token", token)
		c.Set("auth_user_id", userID)
		c.Set("auth_role", role)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
