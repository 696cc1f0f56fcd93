package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vango-go/vai-transcribe/pkg/core/speech"
)

const (
	EnvPrefix       = "TRANSCRIBE"
	DefaultAddr     = ":3000"
	DefaultWSPath   = "/api/transcribe"
	SpeechGoogle    = "google"
	SpeechCartesia  = "cartesia"
	TextgenGemini   = "gemini"
	TextgenOpenAI   = "openai"
	LogFormatText   = "text"
	LogFormatJSON   = "json"
	LogFormatLogfmt = "logfmt"
)

type Config struct {
	Addr   string
	WSPath string

	// Inbound limits.
	MaxMessageBytes    int64
	MaxAudioFrameBytes int
	MaxContextChars    int
	MaxQuestionChars   int
	AudioFPS           int
	AudioBPS           int64
	AudioBurstSeconds  int

	// Recognition stream lifecycle.
	RestartAfter time.Duration
	RestartDelay time.Duration
	MaxBackoff   time.Duration

	SpeechProvider        string
	SpeechLanguage        string
	SpeechModel           string
	SpeechEncoding        string
	SpeechSampleRateHz    int
	SpeechPunctuation     bool
	SpeechCredentialsFile string
	CartesiaAPIKey        string
	CartesiaBaseURL       string

	TextgenProvider string
	TextgenModel    string
	TextgenAPIKey   string
	TextgenBaseURL  string

	// Websocket keepalive.
	WSPingInterval  time.Duration
	WSWriteTimeout  time.Duration
	WSReadTimeout   time.Duration
	WSOutboundQueue int
	AllowedOrigins  map[string]struct{} // empty => any origin

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	LogLevel       string
	LogFormat      string
	MetricsEnabled bool
}

// New returns a viper instance with defaults and environment binding set up.
// TRANSCRIBE_LIMITS_MAX_MESSAGE_BYTES maps to limits.max_message_bytes.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("addr", DefaultAddr)
	v.SetDefault("ws_path", DefaultWSPath)

	v.SetDefault("limits.max_message_bytes", 512<<10) // 512 KiB
	v.SetDefault("limits.max_audio_frame_bytes", 256<<10)
	v.SetDefault("limits.max_context_chars", 50000)
	v.SetDefault("limits.max_question_chars", 1000)
	v.SetDefault("limits.audio_fps", 0)
	v.SetDefault("limits.audio_bps", 0)
	v.SetDefault("limits.audio_burst_seconds", 2)

	v.SetDefault("recognition.restart_after", 290*time.Second)
	v.SetDefault("recognition.restart_delay", 100*time.Millisecond)
	v.SetDefault("recognition.max_backoff", 5*time.Second)

	stream := speech.DefaultStreamConfig()
	v.SetDefault("speech.provider", SpeechGoogle)
	v.SetDefault("speech.language", stream.LanguageCode)
	v.SetDefault("speech.model", stream.Model)
	v.SetDefault("speech.encoding", stream.Encoding)
	v.SetDefault("speech.sample_rate_hz", stream.SampleRateHertz)
	v.SetDefault("speech.punctuation", stream.AutomaticPunctuation)
	v.SetDefault("speech.credentials_file", "")
	v.SetDefault("speech.cartesia_api_key", "")
	v.SetDefault("speech.cartesia_base_url", "")

	v.SetDefault("textgen.provider", TextgenGemini)
	v.SetDefault("textgen.model", "")
	v.SetDefault("textgen.api_key", "")
	v.SetDefault("textgen.base_url", "")

	v.SetDefault("ws.ping_interval", 20*time.Second)
	v.SetDefault("ws.write_timeout", 5*time.Second)
	v.SetDefault("ws.read_timeout", 60*time.Second)
	v.SetDefault("ws.outbound_queue", 256)
	v.SetDefault("ws.allowed_origins", "")

	v.SetDefault("http.read_header_timeout", 10*time.Second)
	v.SetDefault("http.shutdown_grace", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", LogFormatText)
	v.SetDefault("metrics.enabled", true)
}

// Load reads and validates the configuration held by v. Unset credentials
// fall back to the conventional provider variables (GOOGLE_APPLICATION_CREDENTIALS,
// GOOGLE_API_KEY, OPENAI_API_KEY, CARTESIA_API_KEY) and PORT overrides the
// default listen address.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = New()
	}
	cfg := Config{
		Addr:                  strings.TrimSpace(v.GetString("addr")),
		WSPath:                strings.TrimSpace(v.GetString("ws_path")),
		MaxMessageBytes:       v.GetInt64("limits.max_message_bytes"),
		MaxAudioFrameBytes:    v.GetInt("limits.max_audio_frame_bytes"),
		MaxContextChars:       v.GetInt("limits.max_context_chars"),
		MaxQuestionChars:      v.GetInt("limits.max_question_chars"),
		AudioFPS:              v.GetInt("limits.audio_fps"),
		AudioBPS:              v.GetInt64("limits.audio_bps"),
		AudioBurstSeconds:     v.GetInt("limits.audio_burst_seconds"),
		RestartAfter:          v.GetDuration("recognition.restart_after"),
		RestartDelay:          v.GetDuration("recognition.restart_delay"),
		MaxBackoff:            v.GetDuration("recognition.max_backoff"),
		SpeechProvider:        strings.ToLower(strings.TrimSpace(v.GetString("speech.provider"))),
		SpeechLanguage:        strings.TrimSpace(v.GetString("speech.language")),
		SpeechModel:           strings.TrimSpace(v.GetString("speech.model")),
		SpeechEncoding:        strings.ToUpper(strings.TrimSpace(v.GetString("speech.encoding"))),
		SpeechSampleRateHz:    v.GetInt("speech.sample_rate_hz"),
		SpeechPunctuation:     v.GetBool("speech.punctuation"),
		SpeechCredentialsFile: strings.TrimSpace(v.GetString("speech.credentials_file")),
		CartesiaAPIKey:        strings.TrimSpace(v.GetString("speech.cartesia_api_key")),
		CartesiaBaseURL:       strings.TrimSpace(v.GetString("speech.cartesia_base_url")),
		TextgenProvider:       strings.ToLower(strings.TrimSpace(v.GetString("textgen.provider"))),
		TextgenModel:          strings.TrimSpace(v.GetString("textgen.model")),
		TextgenAPIKey:         strings.TrimSpace(v.GetString("textgen.api_key")),
		TextgenBaseURL:        strings.TrimSpace(v.GetString("textgen.base_url")),
		WSPingInterval:        v.GetDuration("ws.ping_interval"),
		WSWriteTimeout:        v.GetDuration("ws.write_timeout"),
		WSReadTimeout:         v.GetDuration("ws.read_timeout"),
		WSOutboundQueue:       v.GetInt("ws.outbound_queue"),
		AllowedOrigins:        make(map[string]struct{}),
		ReadHeaderTimeout:     v.GetDuration("http.read_header_timeout"),
		ShutdownGracePeriod:   v.GetDuration("http.shutdown_grace"),
		LogLevel:              strings.ToLower(strings.TrimSpace(v.GetString("log.level"))),
		LogFormat:             strings.ToLower(strings.TrimSpace(v.GetString("log.format"))),
		MetricsEnabled:        v.GetBool("metrics.enabled"),
	}

	for _, origin := range splitCSV(v.GetString("ws.allowed_origins")) {
		cfg.AllowedOrigins[origin] = struct{}{}
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" && cfg.Addr == DefaultAddr {
		cfg.Addr = ":" + port
	}
	if cfg.SpeechCredentialsFile == "" {
		cfg.SpeechCredentialsFile = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}
	if cfg.CartesiaAPIKey == "" {
		cfg.CartesiaAPIKey = strings.TrimSpace(os.Getenv("CARTESIA_API_KEY"))
	}
	if cfg.TextgenAPIKey == "" {
		switch cfg.TextgenProvider {
		case TextgenGemini:
			cfg.TextgenAPIKey = strings.TrimSpace(os.Getenv("GOOGLE_API_KEY"))
		case TextgenOpenAI:
			cfg.TextgenAPIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr must be set")
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("ws_path must start with /")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("limits.max_message_bytes must be > 0")
	}
	if c.MaxAudioFrameBytes <= 0 {
		return fmt.Errorf("limits.max_audio_frame_bytes must be > 0")
	}
	if int64(c.MaxAudioFrameBytes) > c.MaxMessageBytes {
		return fmt.Errorf("limits.max_audio_frame_bytes must be <= limits.max_message_bytes")
	}
	if c.MaxContextChars <= 0 {
		return fmt.Errorf("limits.max_context_chars must be > 0")
	}
	if c.MaxQuestionChars <= 0 {
		return fmt.Errorf("limits.max_question_chars must be > 0")
	}
	if c.AudioFPS < 0 {
		return fmt.Errorf("limits.audio_fps must be >= 0")
	}
	if c.AudioBPS < 0 {
		return fmt.Errorf("limits.audio_bps must be >= 0")
	}
	if (c.AudioFPS > 0 || c.AudioBPS > 0) && c.AudioBurstSeconds < 1 {
		return fmt.Errorf("limits.audio_burst_seconds must be >= 1 when audio limits are enabled")
	}
	if c.RestartAfter <= 0 {
		return fmt.Errorf("recognition.restart_after must be > 0")
	}
	if c.RestartDelay <= 0 {
		return fmt.Errorf("recognition.restart_delay must be > 0")
	}
	if c.MaxBackoff < c.RestartDelay {
		return fmt.Errorf("recognition.max_backoff must be >= recognition.restart_delay")
	}
	switch c.SpeechProvider {
	case SpeechGoogle, SpeechCartesia:
	default:
		return fmt.Errorf("speech.provider must be one of google|cartesia")
	}
	if c.SpeechLanguage == "" {
		return fmt.Errorf("speech.language must be set")
	}
	if c.SpeechEncoding == "" {
		return fmt.Errorf("speech.encoding must be set")
	}
	if c.SpeechSampleRateHz <= 0 {
		return fmt.Errorf("speech.sample_rate_hz must be > 0")
	}
	switch c.TextgenProvider {
	case TextgenGemini, TextgenOpenAI:
	default:
		return fmt.Errorf("textgen.provider must be one of gemini|openai")
	}
	if c.WSPingInterval <= 0 {
		return fmt.Errorf("ws.ping_interval must be > 0")
	}
	if c.WSWriteTimeout <= 0 {
		return fmt.Errorf("ws.write_timeout must be > 0")
	}
	if c.WSReadTimeout < 0 {
		return fmt.Errorf("ws.read_timeout must be >= 0")
	}
	if c.WSReadTimeout > 0 && c.WSReadTimeout <= c.WSPingInterval {
		return fmt.Errorf("ws.read_timeout must be > ws.ping_interval")
	}
	if c.WSOutboundQueue <= 0 {
		return fmt.Errorf("ws.outbound_queue must be > 0")
	}
	if c.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("http.read_header_timeout must be > 0")
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("http.shutdown_grace must be > 0")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug|info|warn|error")
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON, LogFormatLogfmt:
	default:
		return fmt.Errorf("log.format must be one of text|json|logfmt")
	}
	return nil
}

// Issues lists conditions that leave the relay running but unable to serve
// useful traffic, such as missing provider credentials.
func (c Config) Issues() []string {
	var issues []string
	if c.SpeechProvider == SpeechCartesia && c.CartesiaAPIKey == "" {
		issues = append(issues, "speech.cartesia_api_key is not set")
	}
	if c.TextgenAPIKey == "" {
		switch c.TextgenProvider {
		case TextgenGemini:
			issues = append(issues, "GOOGLE_API_KEY not set in environment")
		case TextgenOpenAI:
			issues = append(issues, "OPENAI_API_KEY not set in environment")
		}
	}
	return issues
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
