package session

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const DefaultCookieName = "_sid"

// Manager locates the session token on a request: a bearer Authorization
// header first, then the session cookie.
type Manager struct {
	cookieName string
}

func NewManager() *Manager {
	return &Manager{cookieName: DefaultCookieName}
}

func (m *Manager) CookieName() string {
	return m.cookieName
}

func (m *Manager) ReadToken(c *gin.Context) (string, bool) {
	if token, ok := BearerToken(c.GetHeader("Authorization")); ok {
		return token, true
	}
	token, err := c.Cookie(m.cookieName)
	if err != nil {
		return "", false
	}
	if strings.TrimSpace(token) == "" {
		return "", false
	}
	return token, true
}

// BearerToken extracts the credential from an "Authorization: Bearer <token>" value.
func BearerToken(header string) (string, bool) {
	parts := strings.Fields(strings.TrimSpace(header))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
