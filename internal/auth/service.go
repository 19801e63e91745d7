package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"langy/internal/redis"
)

var (
	ErrTokenRequired = errors.New("session token required")
	ErrInvalidToken  = errors.New("invalid session token")
	ErrTokenExpired  = errors.New("session expired")
)

// BrowserSession ties an anonymous browser to its conversation.
type BrowserSession struct {
	Token          string    `json:"token"`
	ConversationID string    `json:"conversation_id"`
	Profile        string    `json:"profile"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Service issues, validates, and revokes browser session tokens.
type Service struct {
	db             *sql.DB
	cache          *redis.Client
	tokenTTL       time.Duration
	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
}

// NewService constructs an auth service with the supplied token lifetime. The
// redis client is optional and caches validated sessions.
func NewService(db *sql.DB, cache *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		db:             db,
		cache:          cache,
		tokenTTL:       ttl,
		cookieName:     "langy_session",
		headerName:     "Authorization",
		csrfCookieName: "langy_csrf",
		csrfHeaderName: "X-CSRF-Token",
	}
}

// IssueToken mints a new random token for the conversation and persists it.
// The conversation must already be archived.
func (s *Service) IssueToken(ctx context.Context, conversationID, profile string) (*BrowserSession, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id required")
	}
	now := time.Now().UTC()
	bs := &BrowserSession{
		ConversationID: conversationID,
		Profile:        profile,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.tokenTTL),
	}
	var lastErr error
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return nil, err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO browser_sessions (token, conversation_id, profile, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
			token, conversationID, profile, now, bs.ExpiresAt,
		)
		if err == nil {
			bs.Token = token
			s.cacheSession(ctx, bs)
			return bs, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("issue token: %w", lastErr)
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	return generateToken()
}

// ValidateToken verifies the token exists and has not expired.
func (s *Service) ValidateToken(ctx context.Context, token string) (*BrowserSession, error) {
	if token == "" {
		return nil, ErrTokenRequired
	}
	bs, ok := s.cachedSession(ctx, token)
	if !ok {
		bs = &BrowserSession{Token: token}
		err := s.db.QueryRowContext(ctx,
			`SELECT conversation_id, profile, created_at, expires_at FROM browser_sessions WHERE token = ?`, token,
		).Scan(&bs.ConversationID, &bs.Profile, &bs.CreatedAt, &bs.ExpiresAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrInvalidToken
			}
			return nil, fmt.Errorf("lookup token: %w", err)
		}
	}
	if time.Now().UTC().After(bs.ExpiresAt) {
		_ = s.RevokeToken(ctx, token)
		return nil, ErrTokenExpired
	}
	if !ok {
		s.cacheSession(ctx, bs)
	}
	return bs, nil
}

// RevokeToken deletes a single token.
func (s *Service) RevokeToken(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if s.cache != nil {
		if err := s.cache.Del(ctx, s.tokenKey(token)); err != nil && !errors.Is(err, redis.ErrCacheMiss) {
			log.Printf("auth rdb revoke failed: %v", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM browser_sessions WHERE token = ?`, token); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// PurgeExpired removes every expired token and reports how many went.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM browser_sessions WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// StartPurger removes expired tokens every interval until ctx ends.
func (s *Service) StartPurger(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := s.PurgeExpired(ctx); err != nil {
					log.Printf("purge expired sessions error: %v", err)
				} else if n > 0 {
					log.Printf("removed %d expired browser sessions", n)
				}
			}
		}
	}()
}

func (s *Service) tokenKey(token string) string {
	return s.cache.Key("browser", token)
}

func (s *Service) cacheSession(ctx context.Context, bs *BrowserSession) {
	if s.cache == nil {
		return
	}
	ttl := time.Until(bs.ExpiresAt)
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(bs)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, s.tokenKey(bs.Token), data, ttl); err != nil {
		log.Printf("auth rdb cache failed: %v", err)
	}
}

func (s *Service) cachedSession(ctx context.Context, token string) (*BrowserSession, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, s.tokenKey(token))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			log.Printf("auth rdb lookup failed: %v", err)
		}
		return nil, false
	}
	var bs BrowserSession
	if err := json.Unmarshal([]byte(raw), &bs); err != nil || bs.Token != token {
		return nil, false
	}
	return &bs, true
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// SessionCookieName returns the cookie name storing session tokens.
func (s *Service) SessionCookieName() string {
	return s.cookieName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}
