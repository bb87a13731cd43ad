package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Mode            string        `mapstructure:"mode"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	LogLevel        string        `mapstructure:"log_level"`
	ReadLimit       int64         `mapstructure:"read_limit"`
	PingPeriod      time.Duration `mapstructure:"ping_period"`
	MaxParticipants int           `mapstructure:"max_participants"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	E2EEEnabled     bool          `mapstructure:"e2ee_enabled"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`

	Store   StoreConfig   `mapstructure:"store"`
	Media   MediaConfig   `mapstructure:"media"`
	AI      AIConfig      `mapstructure:"ai"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Rate    RateConfig    `mapstructure:"rate"`
}

type StoreConfig struct {
	URL string `mapstructure:"url"`
}

type MediaConfig struct {
	ListenIP        string   `mapstructure:"listen_ip"`
	AnnouncedIP     string   `mapstructure:"announced_ip"`
	UDPPortMin      uint16   `mapstructure:"udp_port_min"`
	UDPPortMax      uint16   `mapstructure:"udp_port_max"`
	PreferUDP       bool     `mapstructure:"prefer_udp"`
	PreferTCP       bool     `mapstructure:"prefer_tcp"`
	InitialBitrate  uint64   `mapstructure:"initial_bitrate"`
	MinBitrate      uint64   `mapstructure:"min_bitrate"`
	MaxBitrate      uint64   `mapstructure:"max_bitrate"`
	AdaptiveBitrate bool     `mapstructure:"adaptive_bitrate"`
	AudioCodecs     []string `mapstructure:"audio_codecs"`
	VideoCodecs     []string `mapstructure:"video_codecs"`
	ICEServers      []string `mapstructure:"ice_servers"`
}

const (
	BackendWS   = "ws"
	BackendGRPC = "grpc"
)

type AIConfig struct {
	Backend              string        `mapstructure:"backend"`
	WSURL                string        `mapstructure:"ws_url"`
	GRPCAddr             string        `mapstructure:"grpc_addr"`
	HTTPURL              string        `mapstructure:"http_url"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval"`
	TranscriptionEnabled bool          `mapstructure:"transcription_enabled"`
	TranslationEnabled   bool          `mapstructure:"translation_enabled"`
	SummarizationEnabled bool          `mapstructure:"summarization_enabled"`
	SupportedLanguages   []string      `mapstructure:"supported_languages"`
}

type MetricsConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type RateConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
	// Queue overflows tolerated within SlowWindow before a connection is kicked.
	SlowStrikes int           `mapstructure:"slow_strikes"`
	SlowWindow  time.Duration `mapstructure:"slow_window"`
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.MaxParticipants <= 0 {
		errs = append(errs, fmt.Errorf("max_participants must be positive, got %d", c.MaxParticipants))
	}
	if c.Media.MinBitrate > c.Media.MaxBitrate {
		errs = append(errs, fmt.Errorf("media.min_bitrate %d exceeds media.max_bitrate %d", c.Media.MinBitrate, c.Media.MaxBitrate))
	}
	if c.Media.InitialBitrate < c.Media.MinBitrate || c.Media.InitialBitrate > c.Media.MaxBitrate {
		errs = append(errs, fmt.Errorf("media.initial_bitrate %d outside [%d, %d]", c.Media.InitialBitrate, c.Media.MinBitrate, c.Media.MaxBitrate))
	}
	if c.Media.UDPPortMin > c.Media.UDPPortMax {
		errs = append(errs, errors.New("media.udp_port_min exceeds media.udp_port_max"))
	}
	switch c.AI.Backend {
	case BackendWS, BackendGRPC:
	default:
		errs = append(errs, fmt.Errorf("unknown ai.backend %q", c.AI.Backend))
	}
	if c.AI.RequestTimeout <= 0 || c.AI.ReconnectInterval <= 0 {
		errs = append(errs, errors.New("ai timeouts must be positive"))
	}
	return errors.Join(errs...)
}

// SupportsLanguage reports whether lang is in the configured list.
// An empty list accepts every language.
func (a AIConfig) SupportsLanguage(lang string) bool {
	if len(a.SupportedLanguages) == 0 {
		return true
	}
	for _, l := range a.SupportedLanguages {
		if strings.EqualFold(l, lang) {
			return true
		}
	}
	return false
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("max_participants", 50)
	v.SetDefault("e2ee_enabled", false)
	v.SetDefault("shutdown_grace", "3s")

	v.SetDefault("store.url", "")

	v.SetDefault("media.listen_ip", "0.0.0.0")
	v.SetDefault("media.announced_ip", "")
	v.SetDefault("media.udp_port_min", 40000)
	v.SetDefault("media.udp_port_max", 49999)
	v.SetDefault("media.prefer_udp", true)
	v.SetDefault("media.prefer_tcp", false)
	v.SetDefault("media.initial_bitrate", 1_000_000)
	v.SetDefault("media.min_bitrate", 100_000)
	v.SetDefault("media.max_bitrate", 3_000_000)
	v.SetDefault("media.adaptive_bitrate", true)
	v.SetDefault("media.audio_codecs", []string{"opus"})
	v.SetDefault("media.video_codecs", []string{"vp8", "h264"})
	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("ai.backend", BackendWS)
	v.SetDefault("ai.ws_url", "ws://localhost:8765")
	v.SetDefault("ai.grpc_addr", "localhost:50051")
	v.SetDefault("ai.http_url", "http://localhost:8000")
	v.SetDefault("ai.request_timeout", "15s")
	v.SetDefault("ai.reconnect_interval", "5s")
	v.SetDefault("ai.transcription_enabled", true)
	v.SetDefault("ai.translation_enabled", true)
	v.SetDefault("ai.summarization_enabled", true)
	v.SetDefault("ai.supported_languages", []string{"en", "es", "fr", "de", "it", "pt", "ru", "zh", "ja"})

	v.SetDefault("metrics.interval", "5s")

	v.SetDefault("rate.limit", 20)
	v.SetDefault("rate.interval", "10s")
	v.SetDefault("rate.slow_strikes", 3)
	v.SetDefault("rate.slow_window", "5s")
}

func bindEnv(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("host", "HOST")
	_ = v.BindEnv("max_participants", "MAX_PARTICIPANTS_PER_ROOM")
	_ = v.BindEnv("store.url", "REDIS_URL")
	_ = v.BindEnv("jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("e2ee_enabled", "ENABLE_E2EE")
	_ = v.BindEnv("media.announced_ip", "ANNOUNCED_IP")
	_ = v.BindEnv("ai.ws_url", "AI_SERVICE_WS_URL")
	_ = v.BindEnv("ai.http_url", "AI_SERVICE_URL")
	_ = v.BindEnv("ai.grpc_addr", "AI_SERVICE_GRPC_ADDR")
	_ = v.BindEnv("ai.transcription_enabled", "ENABLE_TRANSCRIPTION")
	_ = v.BindEnv("ai.translation_enabled", "ENABLE_TRANSLATION")
	_ = v.BindEnv("ai.summarization_enabled", "ENABLE_SUMMARIZATION")
}

// Load reads .env, then config/config.<CONFIG_ENV>.yaml, then environment overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Addr: %s | AI backend: %s\n", cfg.Mode, cfg.Addr(), cfg.AI.Backend)
	return &cfg, nil
}
