// Package config загружает конфигурацию сервера из YAML и переменных окружения.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/arzzra/soft_sfu/pkg/engine"
	"github.com/arzzra/soft_sfu/pkg/engine/local"
	"github.com/arzzra/soft_sfu/pkg/logger"
	"github.com/arzzra/soft_sfu/pkg/metrics"
	"github.com/arzzra/soft_sfu/pkg/ortc"
)

// Переменные окружения, переопределяющие файл конфигурации
const (
	EnvListenAddr  = "SFU_LISTEN_ADDR"
	EnvIP          = "SFU_IP"
	EnvAnnouncedIP = "SFU_ANNOUNCED_IP"
	EnvLogLevel    = "SFU_LOG_LEVEL"
	EnvNumWorkers  = "SFU_NUM_WORKERS"
)

// HTTPConfig параметры HTTP сервера
type HTTPConfig struct {
	ListenAddr string `yaml:"listenAddr"`
	// WebSocketPath путь сигнализации
	WebSocketPath string `yaml:"webSocketPath"`
	// AllowedOrigins пустой список разрешает любой Origin
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// EngineConfig параметры пула воркеров
type EngineConfig struct {
	NumWorkers int `yaml:"numWorkers"`
	RTCMinPort int `yaml:"rtcMinPort"`
	RTCMaxPort int `yaml:"rtcMaxPort"`
	// ProbePorts проверять занятость порта в системе
	ProbePorts bool `yaml:"probePorts"`
}

// RouterConfig кодеки роутеров комнат
type RouterConfig struct {
	MediaCodecs []ortc.RtpCodecCapability `yaml:"mediaCodecs"`
}

// TransportConfig параметры WebRTC транспортов
type TransportConfig struct {
	ListenIPs                       []engine.ListenIP `yaml:"listenIps"`
	EnableUDP                       bool              `yaml:"enableUdp"`
	EnableTCP                       bool              `yaml:"enableTcp"`
	PreferUDP                       bool              `yaml:"preferUdp"`
	InitialAvailableOutgoingBitrate uint32            `yaml:"initialAvailableOutgoingBitrate"`
}

// Config конфигурация сервера
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Engine    EngineConfig    `yaml:"engine"`
	Router    RouterConfig    `yaml:"router"`
	Transport TransportConfig `yaml:"transport"`
	Log       logger.Config   `yaml:"log"`
	Metrics   metrics.Config  `yaml:"metrics"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			ListenAddr:    ":8001",
			WebSocketPath: "/ws",
		},
		Engine: EngineConfig{
			NumWorkers: 2,
			RTCMinPort: 40000,
			RTCMaxPort: 49999,
		},
		Router: RouterConfig{
			MediaCodecs: []ortc.RtpCodecCapability{
				{
					Kind:      ortc.MediaKindAudio,
					MimeType:  "audio/opus",
					ClockRate: 48000,
					Channels:  2,
				},
				{
					Kind:      ortc.MediaKindVideo,
					MimeType:  "video/H264",
					ClockRate: 90000,
					Parameters: ortc.CodecParameters{
						"packetization-mode":      "1",
						"profile-level-id":        "42e01f",
						"level-asymmetry-allowed": "1",
						"x-google-start-bitrate":  "1000",
					},
				},
			},
		},
		Transport: TransportConfig{
			ListenIPs:                       []engine.ListenIP{{IP: localIP()}},
			EnableUDP:                       true,
			EnableTCP:                       true,
			PreferUDP:                       true,
			InitialAvailableOutgoingBitrate: 1000000,
		},
		Log:     logger.DefaultConfig(),
		Metrics: metrics.DefaultConfig(),
	}
}

// Load читает YAML файл поверх значений по умолчанию и применяет
// переменные окружения. Пустой path означает только значения по умолчанию.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("чтение конфигурации %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("разбор конфигурации %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv применяет переопределения из окружения
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvListenAddr); ok && v != "" {
		c.HTTP.ListenAddr = v
	}
	if v, ok := lookup(EnvIP); ok && v != "" {
		if len(c.Transport.ListenIPs) == 0 {
			c.Transport.ListenIPs = []engine.ListenIP{{}}
		}
		c.Transport.ListenIPs[0].IP = v
	}
	if v, ok := lookup(EnvAnnouncedIP); ok && v != "" {
		if len(c.Transport.ListenIPs) == 0 {
			c.Transport.ListenIPs = []engine.ListenIP{{IP: localIP()}}
		}
		c.Transport.ListenIPs[0].AnnouncedIP = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup(EnvNumWorkers); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvNumWorkers, err)
		}
		c.Engine.NumWorkers = n
	}
	return nil
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.ListenAddr == "" {
		errs = append(errs, errors.New("http.listenAddr не может быть пустым"))
	}
	if !strings.HasPrefix(c.HTTP.WebSocketPath, "/") {
		errs = append(errs, fmt.Errorf("http.webSocketPath должен начинаться с /: %q", c.HTTP.WebSocketPath))
	}
	if c.Engine.NumWorkers <= 0 {
		errs = append(errs, fmt.Errorf("engine.numWorkers должен быть больше 0: %d", c.Engine.NumWorkers))
	}
	if err := c.PortRange().Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Router.MediaCodecs) == 0 {
		errs = append(errs, errors.New("router.mediaCodecs не может быть пустым"))
	}
	if _, err := local.GenerateRouterCapabilities(c.Router.MediaCodecs); err != nil {
		errs = append(errs, fmt.Errorf("router.mediaCodecs: %w", err))
	}
	if len(c.Transport.ListenIPs) == 0 {
		errs = append(errs, errors.New("transport.listenIps не может быть пустым"))
	}
	for i, l := range c.Transport.ListenIPs {
		if net.ParseIP(l.IP) == nil {
			errs = append(errs, fmt.Errorf("transport.listenIps[%d].ip неверный: %q", i, l.IP))
		}
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// PortRange диапазон RTC портов воркеров
func (c *Config) PortRange() local.PortRange {
	return local.PortRange{Min: c.Engine.RTCMinPort, Max: c.Engine.RTCMaxPort}
}

// TransportOptions параметры транспортов для движка
func (c *Config) TransportOptions() engine.WebRtcTransportOptions {
	return engine.WebRtcTransportOptions{
		ListenIPs:                       append([]engine.ListenIP(nil), c.Transport.ListenIPs...),
		EnableUDP:                       c.Transport.EnableUDP,
		EnableTCP:                       c.Transport.EnableTCP,
		PreferUDP:                       c.Transport.PreferUDP,
		InitialAvailableOutgoingBitrate: c.Transport.InitialAvailableOutgoingBitrate,
	}
}

// localIP первый IPv4 адрес не loopback интерфейса
func localIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				if ip4 := ipnet.IP.To4(); ip4 != nil {
					return ip4.String()
				}
			}
		}
	}
	return "127.0.0.1"
}
