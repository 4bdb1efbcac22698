// Package signaling принимает WebSocket соединения клиентов и связывает
// их с пирами SFU.
//
// Каждое соединение проходит аутентификацию по токену (cookie token или
// параметр запроса token), после чего для него создается sfu.Peer. Кадры
// запросов передаются в очередь пира, ответы и события пишутся обратно в
// сокет под одним мьютексом записи. Ошибка чтения уничтожает пира.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arzzra/soft_sfu/pkg/auth"
	"github.com/arzzra/soft_sfu/pkg/engine"
	"github.com/arzzra/soft_sfu/pkg/metrics"
	"github.com/arzzra/soft_sfu/pkg/sfu"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 1 << 20

	tokenName = "token"
)

// ServerConfig параметры сервера сигнализации
type ServerConfig struct {
	Auth             auth.Authenticator
	Registry         *sfu.Registry
	TransportOptions engine.WebRtcTransportOptions
	// AllowedOrigins пустой список разрешает любой Origin
	AllowedOrigins []string
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	Logger         *zap.Logger
	Metrics        *metrics.Collector
}

// Server HTTP обработчик WebSocket сигнализации
type Server struct {
	cfg      ServerConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	peers  map[*sfu.Peer]struct{}
	closed bool
}

// NewServer создает сервер сигнализации
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Auth == nil {
		return nil, errors.New("не задан аутентификатор")
	}
	if cfg.Registry == nil {
		return nil, errors.New("не задан реестр комнат")
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "signaling")),
		peers:  make(map[*sfu.Peer]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

// ServeHTTP аутентифицирует клиента и переводит соединение на WebSocket
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := s.cfg.Auth.Authenticate(requestToken(r))
	if err != nil {
		s.logger.Info("отказ в подключении", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade уже ответил клиенту
		s.logger.Debug("ошибка upgrade", zap.Error(err))
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	ch := newWSChannel(conn, s.cfg.WriteWait)
	peer, err := sfu.NewPeer(sfu.PeerConfig{
		ID:               identity.ID,
		Name:             identity.Name,
		Channel:          ch,
		Registry:         s.cfg.Registry,
		TransportOptions: s.cfg.TransportOptions,
		Logger:           s.logger,
		Metrics:          s.cfg.Metrics,
	})
	if err != nil {
		s.logger.Error("не удалось создать пира", zap.Error(err))
		_ = ch.Close()
		return
	}
	if !s.track(peer) {
		peer.Close()
		return
	}
	defer s.untrack(peer)

	s.logger.Info("клиент подключен",
		zap.String("peer_id", identity.ID),
		zap.String("name", identity.Name),
		zap.String("remote", r.RemoteAddr))

	s.readLoop(conn, peer, ch)

	peer.Close()
	<-peer.Done()
	s.logger.Info("клиент отключен", zap.String("peer_id", identity.ID))
}

func (s *Server) readLoop(conn *websocket.Conn, peer *sfu.Peer, ch *wsChannel) {
	pongWait := s.cfg.PongWait
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go ch.pingLoop(pongWait*9/10, stopPing)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("ошибка чтения", zap.String("peer_id", peer.ID()), zap.Error(err))
			}
			return
		}

		var req Request
		if err := json.Unmarshal(message, &req); err != nil {
			s.logger.Debug("некорректный кадр", zap.String("peer_id", peer.ID()), zap.Error(err))
			continue
		}
		if req.Method != MethodRequest {
			s.logger.Debug("неожиданный кадр", zap.String("peer_id", peer.ID()), zap.String("method", req.Method))
			continue
		}

		id := req.ID
		peer.Submit(req.Name, req.Data, func(data any, cmdErr *sfu.CommandError) {
			resp := Response{ID: id, Method: MethodResponse, Status: StatusSuccess, Data: data}
			if cmdErr != nil {
				resp.Status = StatusError
				resp.Data = cmdErr.Payload()
			}
			if err := ch.write(resp); err != nil {
				s.logger.Debug("не удалось отправить ответ", zap.String("peer_id", peer.ID()), zap.Error(err))
			}
		})
	}
}

// Close уничтожает пиров всех открытых соединений. Новые соединения
// после Close не принимаются.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	peers := make([]*sfu.Peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
}

// Len количество открытых соединений
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) track(p *sfu.Peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.peers[p] = struct{}{}
	return true
}

func (s *Server) untrack(p *sfu.Peer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// requestToken берет токен из cookie, затем из параметра запроса
func requestToken(r *http.Request) string {
	if c, err := r.Cookie(tokenName); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get(tokenName)
}

// wsChannel исходящая сторона WebSocket соединения пира
type wsChannel struct {
	conn      *websocket.Conn
	writeWait time.Duration

	mu sync.Mutex
}

func newWSChannel(conn *websocket.Conn, writeWait time.Duration) *wsChannel {
	return &wsChannel{conn: conn, writeWait: writeWait}
}

// Notify отправляет событие клиенту
func (c *wsChannel) Notify(event string, data any) error {
	return c.write(Event{Method: MethodEvent, Name: event, Data: data})
}

// Close отправляет кадр закрытия и разрывает соединение
func (c *wsChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.writeWait))
	return c.conn.Close()
}

func (c *wsChannel) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return fmt.Errorf("установка таймаута записи: %w", err)
	}
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("запись кадра: %w", err)
	}
	return nil
}

func (c *wsChannel) pingLoop(period time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
