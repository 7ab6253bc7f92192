package middleware

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Role はダッシュボード上のユーザー権限を表す。
type Role string

const (
	// RoleAdmin は全店舗を管理する管理者。
	RoleAdmin Role = "admin"
	// RoleLeader は店舗のリーダー。メンバーへ手動通知を送信できる。
	RoleLeader Role = "leader"
	// RoleMember は店舗の一般メンバー。
	RoleMember Role = "member"
	// RoleSystem は売上更新処理などサーバー側のプロセスを表す。
	RoleSystem Role = "system"
)

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Role はユーザーの権限。
	Role Role `json:"role"`
}

const (
	// headerKeyUserID はユーザーIDを伝播するためのHTTPヘッダーキー。
	headerKeyUserID = "X-User-ID"
	// queryKeyToken はAuthorizationヘッダーを付けられないEventSource用のクエリパラメータ。
	queryKeyToken = "access_token"
	// contextKeyUserID はGinコンテキストのユーザーIDキー。
	contextKeyUserID = "user_id"
	// contextKeyEmail はGinコンテキストのメールアドレスキー。
	contextKeyEmail = "email"
	// contextKeyRole はGinコンテキストの権限キー。
	contextKeyRole = "role"
	// issuer はトークンの発行者。
	issuer = "shopnotify"
)

// GenerateJWT はユーザー情報から24時間有効なJWTトークンを生成する。
// トークンの発行はこのサービスの責務ではなく、テストや運用ツールでの発行に使う。
func GenerateJWT(secret, userID, email string, role Role) (string, error) {
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    issuer,
			Subject:   userID,
		},
		UserID: userID,
		Email:  email,
		Role:   role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// 通知サービスにおけるIDプロバイダーであり、検証に成功した場合は
// コンテキストに "user_id"、"email"、"role" を設定する。
// 以降の処理はこのユーザーIDを唯一の信頼できる呼び出し元として扱う。
func JWTAuth(secret string) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
	)

	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			return
		}

		claims := &JWTClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
			return []byte(secret), nil
		})
		if err != nil || !token.Valid || claims.UserID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
			})
			return
		}

		c.Set(contextKeyUserID, claims.UserID)
		c.Set(contextKeyEmail, claims.Email)
		c.Set(contextKeyRole, claims.Role)
		c.Header(headerKeyUserID, claims.UserID)
		c.Next()
	}
}

// bearerToken はAuthorizationヘッダー、なければaccess_tokenクエリからトークンを取り出す。
// 取り出せない場合はレスポンスを書き込んで処理を中断し、falseを返す。
func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if q := c.Query(queryKeyToken); q != "" {
			return q, true
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "Authorizationヘッダーが必要です",
		})
		return "", false
	}

	tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "Bearer トークン形式が不正です",
		})
		return "", false
	}
	return tokenString, true
}

// RequireRole は指定した権限のいずれかを持つ呼び出し元のみを通すGinミドルウェアを返す。
// JWTAuthの後に適用すること。
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !slices.Contains(roles, GetRole(c)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "この操作を行う権限がありません",
			})
			return
		}
		c.Next()
	}
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
func GetUserID(c *gin.Context) string {
	return c.GetString(contextKeyUserID)
}

// GetRole はGinコンテキストから権限を取得する。未設定の場合は空文字列。
func GetRole(c *gin.Context) Role {
	v, _ := c.Get(contextKeyRole)
	switch r := v.(type) {
	case Role:
		return r
	case string:
		return Role(r)
	default:
		return ""
	}
}

// SetIdentity はGinコンテキストに呼び出し元の情報を設定する。
// JWTを使わない内部経路やテストで、JWTAuthと同じ形で識別情報を渡すために使う。
func SetIdentity(c *gin.Context, userID string, role Role) {
	c.Set(contextKeyUserID, userID)
	c.Set(contextKeyRole, role)
}
