package sfu

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/arzzra/soft_sfu/pkg/engine"
	"github.com/arzzra/soft_sfu/pkg/ortc"
)

// ProducerInfo краткое описание producer
type ProducerInfo struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	TrackID string `json:"trackId,omitempty"`
}

// PeerProducers producers одного пира
type PeerProducers struct {
	PeerID    string         `json:"peerId"`
	Name      string         `json:"name,omitempty"`
	Producers []ProducerInfo `json:"producers"`
}

// Room комната: роутер движка и участники.
// Набор возможностей фиксируется при создании по роутеру.
type Room struct {
	id     string
	router engine.Router
	caps   ortc.RtpCapabilities
	logger *zap.Logger

	mu    sync.RWMutex
	peers map[string]*Peer
}

func newRoom(id string, router engine.Router, logger *zap.Logger) *Room {
	return &Room{
		id:     id,
		router: router,
		caps:   router.RtpCapabilities(),
		logger: logger.With(zap.String("room_id", id)),
		peers:  make(map[string]*Peer),
	}
}

// ID возвращает идентификатор комнаты
func (r *Room) ID() string { return r.id }

// Router возвращает роутер комнаты
func (r *Room) Router() engine.Router { return r.router }

// RtpCapabilities возвращает возможности роутера комнаты
func (r *Room) RtpCapabilities() ortc.RtpCapabilities { return r.caps }

// Peer возвращает участника по id
func (r *Room) Peer(id string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// Len возвращает число участников
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Room) snapshot() []*Peer {
	r.mu.RLock()
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i].id < peers[j].id })
	return peers
}

// addPeer добавляет участника. false, если пир с таким id уже в комнате.
func (r *Room) addPeer(p *Peer) bool {
	r.mu.Lock()
	if _, exists := r.peers[p.id]; exists {
		r.mu.Unlock()
		return false
	}
	r.peers[p.id] = p
	r.mu.Unlock()

	r.logger.Info("участник вошел", zap.String("peer_id", p.id))
	r.Broadcast(EventPeerEnter, PeerInfo{PeerID: p.id, Name: p.name}, p.id)
	return true
}

// removePeer удаляет участника и рассылает peerLeave
func (r *Room) removePeer(p *Peer) {
	r.mu.Lock()
	if current, ok := r.peers[p.id]; !ok || current != p {
		r.mu.Unlock()
		return
	}
	delete(r.peers, p.id)
	r.mu.Unlock()

	r.logger.Info("участник вышел", zap.String("peer_id", p.id))
	r.Broadcast(EventPeerLeave, PeerInfo{PeerID: p.id, Name: p.name}, p.id)
}

// Broadcast отправляет событие всем участникам, кроме except
func (r *Room) Broadcast(event string, data any, except string) {
	for _, p := range r.snapshot() {
		if p.id == except {
			continue
		}
		p.notify(event, data)
	}
}

// PeerProducers возвращает снимок producers, сгруппированных по участникам
func (r *Room) PeerProducers() []PeerProducers {
	peers := r.snapshot()
	out := make([]PeerProducers, 0, len(peers))
	for _, p := range peers {
		out = append(out, PeerProducers{
			PeerID:    p.id,
			Name:      p.name,
			Producers: p.producerInfos(),
		})
	}
	return out
}

// hasProducer сообщает, принадлежит ли producer кому-то из участников
func (r *Room) hasProducer(id string) bool {
	for _, p := range r.snapshot() {
		if _, ok := p.producer(id); ok {
			return true
		}
	}
	return false
}
