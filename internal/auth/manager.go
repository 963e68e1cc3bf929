// Package auth は運用向けエンドポイントのトークン認証を提供します。
package auth

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

var (
	failureWindow   = 15 * time.Minute
	lockDuration    = 10 * time.Minute
	maxFailedTokens = 5
)

// ContextAdminKey は認証済みリクエストに付与されるキーです。
const ContextAdminKey = "auth.admin"

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Manager は管理トークンの検証と、IP ごとの失敗回数を管理します。
type Manager struct {
	tokenHash string
	now       func() time.Time

	lock     sync.Mutex
	attempts map[string]*attemptState
}

// NewManager は bcrypt ハッシュ化された管理トークンで Manager を作成します。
// tokenHash が空の場合、管理エンドポイントはすべて拒否されます。
func NewManager(tokenHash string) *Manager {
	return &Manager{
		tokenHash: tokenHash,
		now:       time.Now,
		attempts:  make(map[string]*attemptState),
	}
}

// RequireAdmin は Authorization: Bearer <token> を検証するミドルウェアを返します。
func (m *Manager) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.tokenHash == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"code":    "ADMIN_DISABLED",
				"message": "ADMIN_TOKEN_HASH が設定されていません",
			})
			return
		}

		ip := c.ClientIP()
		if retryAfter := m.checkLock(ip); retryAfter > 0 {
			c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "TOO_MANY_ATTEMPTS",
				"message": "一定時間後に再度お試しください",
			})
			return
		}

		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok || !m.verify(token) {
			m.recordFailure(ip)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "管理トークンが正しくありません",
			})
			return
		}

		m.resetAttempts(ip)
		c.Set(ContextAdminKey, true)
		c.Next()
	}
}

func (m *Manager) verify(token string) bool {
	return bcrypt.CompareHashAndPassword([]byte(m.tokenHash), []byte(token)) == nil
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (m *Manager) checkLock(ip string) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[ip]
	if !ok {
		return 0
	}
	now := m.now()
	if now.After(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

func (m *Manager) recordFailure(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	state, ok := m.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > failureWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}

	state.count++
	if state.count >= maxFailedTokens {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxFailedTokens
	}
}

func (m *Manager) resetAttempts(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, ip)
}
