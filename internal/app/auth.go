package app

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// AuthService 管理接口认证：Bearer 管理员密码，内存中只保留 bcrypt 哈希
type AuthService struct {
	passHash []byte
}

func NewAuthService(password string) (*AuthService, error) {
	if password == "" {
		return nil, errors.New("admin password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash admin password: %w", err)
	}
	return &AuthService{passHash: hash}, nil
}

// Verify 校验管理员密码
func (a *AuthService) Verify(password string) bool {
	return bcrypt.CompareHashAndPassword(a.passHash, []byte(password)) == nil
}

// RequireAdminAuth 管理接口认证中间件
func (a *AuthService) RequireAdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || token == "" || !a.Verify(token) {
			logrus.WithField("ip", c.ClientIP()).Warn("管理接口认证失败")
			RespondErrorMsg(c, http.StatusUnauthorized, "unauthorized")
			return
		}
		c.Next()
	}
}
