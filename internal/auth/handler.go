package auth

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// RegisterRoutes は /auth 配下のルートを登録します。
func (m *Manager) RegisterRoutes(rg *gin.RouterGroup) {
	authGroup := rg.Group("/auth")
	authGroup.POST("/login", m.Login)
	authGroup.POST("/logout", m.RequireLogin(), m.VerifyCSRF(), m.Logout)
	authGroup.GET("/me", m.RequireLogin(), m.Me)
}

// Me は /auth/me のハンドラーです。ログイン中のユーザー名と CSRF トークンを返します。
func (m *Manager) Me(c *gin.Context) {
	session := sessions.Default(c)
	token, _ := session.Get(sessionKeyCSRF).(string)
	if token != "" {
		c.Header(csrfHeader, token)
	}
	c.JSON(http.StatusOK, gin.H{
		"username": CurrentUser(c),
	})
}
