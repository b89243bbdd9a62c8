package middleware

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	TokenAccess  = "access"
	TokenRefresh = "refresh"
)

type Claims struct {
	// Go的结构体标签需要用反引号
	ParticipantID string `json:"sub"`
	Username      string `json:"username"`
	Type          string `json:"typ"`
	jwt.RegisteredClaims
}

// SignToken 使用共享密钥签发 HS256 token（与鉴权服务的格式一致）
func SignToken(secret []byte, participantID, username, typ string, ttl time.Duration) (string, time.Time, error) {
	expireAt := time.Now().Add(ttl)
	// jwt.NewWithClaims接收指针作为参数，需要使用&取地址
	claims := &Claims{
		ParticipantID: participantID,
		Username:      username,
		Type:          typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expireAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expireAt, nil
}

// 解析任意 token（访问/刷新），返回 Claims
func ParseToken(secret []byte, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}
