// Package local реализует медиа-движок в процессе сервера.
//
// Движок ведет учет роутеров, транспортов, producers и consumers, выдает
// ICE учетные данные, порты кандидатов и DTLS отпечаток, вычисляет RTP
// параметры consumers. Пакеты медиа он не пересылает.
package local

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/dtls/v2/pkg/crypto/fingerprint"
	"github.com/pion/dtls/v2/pkg/crypto/selfsign"
	"go.uber.org/zap"

	"github.com/arzzra/soft_sfu/pkg/engine"
	"github.com/arzzra/soft_sfu/pkg/ortc"
)

var (
	_ engine.Worker    = (*Worker)(nil)
	_ engine.Router    = (*Router)(nil)
	_ engine.Transport = (*Transport)(nil)
	_ engine.Producer  = (*Producer)(nil)
	_ engine.Consumer  = (*Consumer)(nil)
)

// WorkerSettings параметры воркера
type WorkerSettings struct {
	Ports PortRange
	// ProbePorts проверяет свободность порта в системе перед выдачей
	ProbePorts bool
	Logger     *zap.Logger
}

// Worker воркер движка. Все роутеры воркера делят диапазон портов и
// DTLS сертификат.
type Worker struct {
	id          string
	ports       *PortManager
	fingerprint ortc.DtlsFingerprint
	logger      *zap.Logger

	mu      sync.Mutex
	routers map[string]*Router
	closed  bool
	died    engine.Listeners[error]
}

// NewWorker создает воркер с собственным самоподписанным сертификатом
func NewWorker(settings WorkerSettings) (*Worker, error) {
	ports, err := NewPortManager(settings.Ports, settings.ProbePorts)
	if err != nil {
		return nil, err
	}

	fp, err := certificateFingerprint()
	if err != nil {
		return nil, err
	}

	logger := settings.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()

	return &Worker{
		id:          id,
		ports:       ports,
		fingerprint: fp,
		logger:      logger.With(zap.String("component", "worker"), zap.String("worker_id", id)),
		routers:     make(map[string]*Router),
	}, nil
}

// Factory возвращает фабрику воркеров для engine.WorkerPool
func Factory(settings WorkerSettings) engine.WorkerFactory {
	return func(_ context.Context, _ int) (engine.Worker, error) {
		return NewWorker(settings)
	}
}

// ShardedFactory как Factory, но воркер с индексом i получает i-ю из n
// частей диапазона портов
func ShardedFactory(settings WorkerSettings, n int) (engine.WorkerFactory, error) {
	parts, err := settings.Ports.Split(n)
	if err != nil {
		return nil, err
	}
	return func(_ context.Context, index int) (engine.Worker, error) {
		if index < 0 || index >= len(parts) {
			return nil, fmt.Errorf("индекс воркера %d вне диапазона 0..%d", index, len(parts)-1)
		}
		s := settings
		s.Ports = parts[index]
		return NewWorker(s)
	}, nil
}

func certificateFingerprint() (ortc.DtlsFingerprint, error) {
	cert, err := selfsign.GenerateSelfSigned()
	if err != nil {
		return ortc.DtlsFingerprint{}, fmt.Errorf("генерация DTLS сертификата: %w", err)
	}
	x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return ortc.DtlsFingerprint{}, fmt.Errorf("разбор DTLS сертификата: %w", err)
	}
	value, err := fingerprint.Fingerprint(x509Cert, crypto.SHA256)
	if err != nil {
		return ortc.DtlsFingerprint{}, fmt.Errorf("отпечаток DTLS сертификата: %w", err)
	}
	algorithm, err := fingerprint.StringFromHash(crypto.SHA256)
	if err != nil {
		return ortc.DtlsFingerprint{}, err
	}
	return ortc.DtlsFingerprint{Algorithm: algorithm, Value: value}, nil
}

// ID возвращает идентификатор воркера
func (w *Worker) ID() string { return w.id }

// Fingerprint возвращает отпечаток DTLS сертификата воркера
func (w *Worker) Fingerprint() ortc.DtlsFingerprint { return w.fingerprint }

// CreateRouter создает роутер с возможностями для mediaCodecs
func (w *Worker) CreateRouter(ctx context.Context, mediaCodecs []ortc.RtpCodecCapability) (engine.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	caps, err := GenerateRouterCapabilities(mediaCodecs)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, engine.ErrClosed
	}

	r := newRouter(w, caps)
	w.routers[r.id] = r
	w.logger.Debug("роутер создан", zap.String("router_id", r.id), zap.Int("codecs", len(caps.Codecs)))
	return r, nil
}

func (w *Worker) removeRouter(id string) {
	w.mu.Lock()
	delete(w.routers, id)
	w.mu.Unlock()
}

// OnDied подписывает на гибель воркера
func (w *Worker) OnDied(fn func(err error)) engine.Subscription {
	return w.died.Add(fn)
}

// Kill имитирует аварийное завершение воркера: роутеры закрываются,
// подписчики OnDied получают cause.
func (w *Worker) Kill(cause error) {
	if !w.shutdown() {
		return
	}
	w.logger.Error("воркер завершился", zap.Error(cause))
	w.died.EmitOnce(cause)
}

// Close штатно закрывает воркер без уведомления OnDied
func (w *Worker) Close() {
	w.shutdown()
}

func (w *Worker) shutdown() bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.closed = true
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.routers = make(map[string]*Router)
	w.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
	return true
}
