// Package metrics собирает Prometheus метрики SFU.
//
// Все методы Collector безопасны для nil получателя: компоненты, собранные
// без метрик (тесты, утилиты), просто ничего не записывают.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config конфигурация метрик
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Namespace: "soft_sfu",
		Path:      "/metrics",
	}
}

// Collector набор метрик сервера
type Collector struct {
	roomsActive     prometheus.Gauge
	peersActive     prometheus.Gauge
	producersActive prometheus.Gauge
	consumersActive prometheus.Gauge
	workersAlive    prometheus.Gauge
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	negotiations    *prometheus.CounterVec
}

// New регистрирует метрики в registerer. При выключенных метриках возвращает nil.
func New(cfg Config, registerer prometheus.Registerer) *Collector {
	if !cfg.Enabled {
		return nil
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)
	ns := cfg.Namespace

	return &Collector{
		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "rooms_active",
			Help:      "Number of rooms currently alive",
		}),
		peersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "peers_active",
			Help:      "Number of connected peers",
		}),
		producersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "producers_active",
			Help:      "Number of open producers",
		}),
		consumersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "consumers_active",
			Help:      "Number of open consumers",
		}),
		workersAlive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "workers_alive",
			Help:      "Number of media engine workers in rotation",
		}),
		commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "commands_total",
			Help:      "Signalling commands handled, by command and status",
		}, []string{"command", "status"}),
		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "command_duration_seconds",
			Help:      "Signalling command handling duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		negotiations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "negotiations_total",
			Help:      "SDP negotiations, by kind (offer, answer) and status",
		}, []string{"kind", "status"}),
	}
}

// RoomCreated увеличивает число комнат
func (c *Collector) RoomCreated() {
	if c == nil {
		return
	}
	c.roomsActive.Inc()
}

// RoomClosed уменьшает число комнат
func (c *Collector) RoomClosed() {
	if c == nil {
		return
	}
	c.roomsActive.Dec()
}

// PeerConnected отмечает подключение пира
func (c *Collector) PeerConnected() {
	if c == nil {
		return
	}
	c.peersActive.Inc()
}

// PeerDisconnected отмечает уничтожение пира
func (c *Collector) PeerDisconnected() {
	if c == nil {
		return
	}
	c.peersActive.Dec()
}

// ProducerOpened отмечает создание producer
func (c *Collector) ProducerOpened() {
	if c == nil {
		return
	}
	c.producersActive.Inc()
}

// ProducerClosed отмечает закрытие producer
func (c *Collector) ProducerClosed() {
	if c == nil {
		return
	}
	c.producersActive.Dec()
}

// ConsumerOpened отмечает создание consumer
func (c *Collector) ConsumerOpened() {
	if c == nil {
		return
	}
	c.consumersActive.Inc()
}

// ConsumerClosed отмечает закрытие consumer
func (c *Collector) ConsumerClosed() {
	if c == nil {
		return
	}
	c.consumersActive.Dec()
}

// SetWorkersAlive задает число живых воркеров
func (c *Collector) SetWorkersAlive(n int) {
	if c == nil {
		return
	}
	c.workersAlive.Set(float64(n))
}

// ObserveCommand записывает результат и длительность команды
func (c *Collector) ObserveCommand(command, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.commandsTotal.WithLabelValues(command, status).Inc()
	c.commandDuration.WithLabelValues(command).Observe(d.Seconds())
}

// Negotiation записывает результат согласования
func (c *Collector) Negotiation(kind, status string) {
	if c == nil {
		return
	}
	c.negotiations.WithLabelValues(kind, status).Inc()
}
