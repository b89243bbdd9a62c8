package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// gin.Context 中保存身份的键
const (
	CtxParticipantID = "participantId"
	CtxUsername      = "username"
)

// Identity 在连接边界解析参与者身份。
// secret 非空时要求 access token（Authorization 头或 ?token=）；
// 为空时（本地开发）直接信任 ?participantId= 和 ?name=。
func Identity(secret string) gin.HandlerFunc {
	key := []byte(secret)

	return func(c *gin.Context) {
		if secret == "" {
			pid := strings.TrimSpace(c.Query("participantId"))
			if pid == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"code":    "UNAUTHENTICATED",
					"message": "participantId is required",
				})
				return
			}
			c.Set(CtxParticipantID, pid)
			c.Set(CtxUsername, c.Query("name"))
			c.Next()
			return
		}

		// 1. 从 Authorization 头中提取令牌
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		claims, err := ParseToken(key, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "invalid token",
			})
			return
		}
		if claims.Type != "" && claims.Type != TokenAccess {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "access token required",
			})
			return
		}
		if claims.ParticipantID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "token has no subject",
			})
			return
		}

		c.Set(CtxParticipantID, claims.ParticipantID)
		c.Set(CtxUsername, claims.Username)
		c.Next()
	}
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}

	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}

	return ""
}
