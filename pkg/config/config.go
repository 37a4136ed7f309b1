package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"meshlink/pkg/validation"
)

// Config holds every tunable of the media session layer. Defaults are
// chosen so that a zero config file still yields a working session.
type Config struct {
	Signaling struct {
		URL            string        `yaml:"url"`
		AuthSecret     string        `yaml:"auth_secret"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		DialTimeout    time.Duration `yaml:"dial_timeout"`
		SendPerSecond  float64       `yaml:"send_per_second"`
		SendBurst      int           `yaml:"send_burst"`
	} `yaml:"signaling"`

	WebRTC struct {
		STUNServers []string `yaml:"stun_servers"`
		PortRange   struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Capture struct {
		FrameRate    int           `yaml:"frame_rate"`
		AudioBitrate int           `yaml:"audio_bitrate"`
		VideoBitrate int           `yaml:"video_bitrate"`
		Timeslice    time.Duration `yaml:"timeslice"`
		// Platform profile hints for strategy selection: "default" prefers
		// native capture, "restricted" forces the chunked recorder first
		// (platforms where long-lived element capture is unreliable).
		Platform string `yaml:"platform"`
	} `yaml:"capture"`

	Credentials struct {
		ChannelWaitTimeout time.Duration `yaml:"channel_wait_timeout"`
		ChannelPollEvery   time.Duration `yaml:"channel_poll_every"`
		RequestTimeout     time.Duration `yaml:"request_timeout"`
		MaxRetries         int           `yaml:"max_retries"`
		MaxBackoff         time.Duration `yaml:"max_backoff"`
	} `yaml:"credentials"`

	Recovery struct {
		MaxAttempts     int           `yaml:"max_attempts"`
		MaxPeerAttempts int           `yaml:"max_peer_attempts"`
		RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	} `yaml:"recovery"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Monitoring struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		ServiceName string  `yaml:"service_name"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Signaling.URL == "" {
		c.Signaling.URL = "ws://localhost:8081/ws"
	}
	if c.Signaling.TokenTTL <= 0 {
		c.Signaling.TokenTTL = time.Hour
	}
	if c.Signaling.PingInterval <= 0 {
		c.Signaling.PingInterval = 30 * time.Second
	}
	if c.Signaling.PongTimeout <= 0 {
		c.Signaling.PongTimeout = 60 * time.Second
	}
	if c.Signaling.DialTimeout <= 0 {
		c.Signaling.DialTimeout = 10 * time.Second
	}
	if c.Signaling.SendPerSecond <= 0 {
		c.Signaling.SendPerSecond = 50
	}
	if c.Signaling.SendBurst <= 0 {
		c.Signaling.SendBurst = 100
	}

	if len(c.WebRTC.STUNServers) == 0 {
		c.WebRTC.STUNServers = []string{
			"stun:stun.l.google.com:19302",
			"stun:global.stun.twilio.com:3478",
		}
	}

	if c.Capture.FrameRate <= 0 {
		c.Capture.FrameRate = 30
	}
	if c.Capture.AudioBitrate <= 0 {
		c.Capture.AudioBitrate = 128_000
	}
	if c.Capture.VideoBitrate <= 0 {
		c.Capture.VideoBitrate = 2_500_000
	}
	if c.Capture.Timeslice <= 0 {
		c.Capture.Timeslice = time.Second
	}
	if c.Capture.Platform == "" {
		c.Capture.Platform = "default"
	}

	if c.Credentials.ChannelWaitTimeout <= 0 {
		c.Credentials.ChannelWaitTimeout = 10 * time.Second
	}
	if c.Credentials.ChannelPollEvery <= 0 {
		c.Credentials.ChannelPollEvery = 250 * time.Millisecond
	}
	if c.Credentials.RequestTimeout <= 0 {
		c.Credentials.RequestTimeout = 10 * time.Second
	}
	if c.Credentials.MaxRetries <= 0 {
		c.Credentials.MaxRetries = 5
	}
	if c.Credentials.MaxBackoff <= 0 {
		c.Credentials.MaxBackoff = 30 * time.Second
	}

	if c.Recovery.MaxAttempts <= 0 {
		c.Recovery.MaxAttempts = 3
	}
	if c.Recovery.MaxPeerAttempts <= 0 {
		c.Recovery.MaxPeerAttempts = 3
	}
	if c.Recovery.RetryBaseDelay <= 0 {
		c.Recovery.RetryBaseDelay = time.Second
	}

	if c.Redis.PoolSize <= 0 {
		c.Redis.PoolSize = 10
	}

	if c.Monitoring.Address == "" {
		c.Monitoring.Address = ":9091"
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "meshlink"
	}
	if c.Tracing.SampleRate <= 0 {
		c.Tracing.SampleRate = 1.0
	}
	if c.Tracing.JaegerURL == "" {
		c.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Load reads configuration from a YAML file. A missing file is not an
// error: defaults are returned so the client can run unconfigured.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if err := validation.ValidateSignalingURL(c.Signaling.URL); err != nil {
		return fmt.Errorf("signaling.url: %w", err)
	}
	if c.Signaling.PingInterval >= c.Signaling.PongTimeout {
		return fmt.Errorf("signaling.ping_interval must be < signaling.pong_timeout")
	}

	if c.WebRTC.PortRange.Min != 0 || c.WebRTC.PortRange.Max != 0 {
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < webrtc.port_range.max")
		}
	}

	for _, server := range c.WebRTC.STUNServers {
		if err := validation.ValidateICEServerURL(server); err != nil {
			return fmt.Errorf("webrtc.stun_servers: %w", err)
		}
	}

	if c.Capture.FrameRate > 120 {
		return fmt.Errorf("capture.frame_rate must be <= 120")
	}
	if c.Capture.Timeslice < 20*time.Millisecond {
		return fmt.Errorf("capture.timeslice must be >= 20ms")
	}
	if c.Capture.Platform != "default" && c.Capture.Platform != "restricted" {
		return fmt.Errorf("capture.platform must be one of: default, restricted")
	}

	if c.Credentials.MaxRetries > 10 {
		return fmt.Errorf("credentials.max_retries must be <= 10")
	}

	if c.Redis.Enabled && c.Redis.Address == "" {
		return fmt.Errorf("redis.address must not be empty when redis is enabled")
	}

	return nil
}
