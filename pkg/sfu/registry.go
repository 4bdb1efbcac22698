package sfu

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/arzzra/soft_sfu/pkg/engine"
	"github.com/arzzra/soft_sfu/pkg/metrics"
	"github.com/arzzra/soft_sfu/pkg/ortc"
)

// RouterFactory выдает роутер для новой комнаты. Реализуется engine.WorkerPool.
type RouterFactory interface {
	CreateRouter(ctx context.Context, mediaCodecs []ortc.RtpCodecCapability) (engine.Router, error)
}

// RegistryConfig параметры реестра комнат
type RegistryConfig struct {
	Routers     RouterFactory
	MediaCodecs []ortc.RtpCodecCapability
	Logger      *zap.Logger
	Metrics     *metrics.Collector
}

// Registry владеет всеми комнатами процесса
type Registry struct {
	routers RouterFactory
	codecs  []ortc.RtpCodecCapability
	logger  *zap.Logger
	metrics *metrics.Collector

	mu    sync.RWMutex
	rooms map[string]*Room
	group singleflight.Group
}

// NewRegistry создает пустой реестр
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Routers == nil {
		return nil, fmt.Errorf("не задан источник роутеров")
	}
	if len(cfg.MediaCodecs) == 0 {
		return nil, fmt.Errorf("не заданы кодеки роутера")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		routers: cfg.Routers,
		codecs:  cfg.MediaCodecs,
		logger:  logger.With(zap.String("component", "registry")),
		metrics: cfg.Metrics,
		rooms:   make(map[string]*Room),
	}, nil
}

// Room возвращает существующую комнату
func (r *Registry) Room(id string) (*Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	return room, ok
}

// Len возвращает число комнат
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// GetOrCreate возвращает комнату id, создавая ее при первом обращении.
// Параллельные вызовы для одного id создают одну комнату.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Room, error) {
	if room, ok := r.Room(id); ok {
		return room, nil
	}

	v, err, _ := r.group.Do(id, func() (interface{}, error) {
		if room, ok := r.Room(id); ok {
			return room, nil
		}

		router, err := r.routers.CreateRouter(ctx, r.codecs)
		if err != nil {
			return nil, err
		}
		room := newRoom(id, router, r.logger)

		r.mu.Lock()
		r.rooms[id] = room
		r.mu.Unlock()

		// Комната с закрытым роутером непригодна, следующий JOIN создаст новую
		router.OnClose(func() { r.forget(room) })

		r.metrics.RoomCreated()
		r.logger.Info("комната создана", zap.String("room_id", id), zap.String("router_id", router.ID()))
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

func (r *Registry) forget(room *Room) {
	r.mu.Lock()
	current, ok := r.rooms[room.id]
	if ok && current == room {
		delete(r.rooms, room.id)
	}
	r.mu.Unlock()

	if ok && current == room {
		r.metrics.RoomClosed()
		r.logger.Warn("роутер комнаты закрыт, комната удалена из реестра", zap.String("room_id", room.id))
	}
}
