// Package auth хранит пользователей и выданные им токены в памяти.
package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTokenTTL время жизни токена
const DefaultTokenTTL = time.Hour

var (
	// ErrTokenNotFound токен не передан или неизвестен
	ErrTokenNotFound = errors.New("токен не найден")
	// ErrTokenExpired срок действия токена истек
	ErrTokenExpired = errors.New("срок действия токена истек")
)

// Identity пользователь, которому выдан токен
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Authenticator проверяет токен и возвращает пользователя
type Authenticator interface {
	Authenticate(token string) (Identity, error)
}

type session struct {
	identity Identity
	expires  time.Time
}

// UserService выдает токены пользователям
type UserService struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]session
}

// NewUserService создает сервис. ttl <= 0 означает DefaultTokenTTL.
func NewUserService(ttl time.Duration) *UserService {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &UserService{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]session),
	}
}

// CreateUser регистрирует пользователя и выдает ему токен
func (s *UserService) CreateUser(name string) (Identity, string) {
	identity := Identity{ID: uuid.NewString(), Name: name}
	token := uuid.NewString()

	s.mu.Lock()
	s.sessions[token] = session{identity: identity, expires: s.now().Add(s.ttl)}
	s.mu.Unlock()

	return identity, token
}

// Authenticate возвращает пользователя по токену
func (s *UserService) Authenticate(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrTokenNotFound
	}

	s.mu.RLock()
	sess, ok := s.sessions[token]
	s.mu.RUnlock()
	if !ok {
		return Identity{}, ErrTokenNotFound
	}

	if !s.now().Before(sess.expires) {
		s.mu.Lock()
		delete(s.sessions, token)
		s.mu.Unlock()
		return Identity{}, ErrTokenExpired
	}
	return sess.identity, nil
}

type createUserRequest struct {
	Name string `json:"name"`
}

type createUserResponse struct {
	Identity
	Token string `json:"token"`
}

// Handler обрабатывает POST /api/users {"name": ...} и отвечает
// идентификатором пользователя и токеном. Токен также ставится в cookie.
func (s *UserService) Handler(logger *zap.Logger) http.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req createUserRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "неверное тело запроса")
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			writeJSONError(w, http.StatusBadRequest, "name обязателен")
			return
		}

		identity, token := s.CreateUser(req.Name)
		logger.Info("Создан пользователь", zap.String("user_id", identity.ID), zap.String("name", identity.Name))

		http.SetCookie(w, &http.Cookie{
			Name:     "token",
			Value:    token,
			Path:     "/",
			MaxAge:   int(s.ttl / time.Second),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(createUserResponse{Identity: identity, Token: token})
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
