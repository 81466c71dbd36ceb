package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	envPrefix                = "NOLZAGO"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "nolzago-chat.db"
	defaultLogLevel          = "info"
	defaultLogEncoding       = "json"
	defaultIssuer            = "nolzago-auth"
	defaultCookieName        = "nolzago_session"
	defaultGracePeriod       = 5 * time.Second
	defaultSendQueueSize     = 64
	defaultAdmissionTimeout  = 3 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultMaxMessageLength  = 1000
	defaultRatePerSecond     = 5.0
	defaultRateBurst         = 10
	defaultWriteTimeout      = 10 * time.Second
	defaultSummarizerTimeout = 15 * time.Second
	defaultSummarizerWindow  = 80
	defaultShutdownTimeout   = 10 * time.Second
)

// AppConfig captures runtime configuration for the chat server. AllowedOrigins
// lists the full browser origins that may call the API with credentials and
// open websockets; when empty, cross-origin callers get anonymous CORS only.
type AppConfig struct {
	HTTPAddress    string   `validate:"required"`
	DatabasePath   string   `validate:"required"`
	AllowedOrigins []string `validate:"dive,url"`
	Log            LogConfig
	Auth           AuthConfig
	Room           RoomConfig
	Message        MessageConfig
	Connection     ConnectionConfig
	Summarizer     SummarizerConfig
}

type LogConfig struct {
	Level    string
	Encoding string `validate:"oneof=json console"`
}

type AuthConfig struct {
	SigningSecret string `validate:"required"`
	Issuer        string `validate:"required"`
	CookieName    string `validate:"required"`
}

// RoomConfig tunes the live rooms. A negative GracePeriod releases empty rooms at once.
type RoomConfig struct {
	GracePeriod      time.Duration
	SendQueueSize    int           `validate:"gte=1"`
	AdmissionTimeout time.Duration `validate:"gt=0"`
	PublishTimeout   time.Duration `validate:"gt=0"`
	ShutdownTimeout  time.Duration `validate:"gt=0"`
}

type MessageConfig struct {
	MaxLength     int     `validate:"gte=1"`
	RatePerSecond float64 `validate:"gte=0"`
	RateBurst     int     `validate:"gte=1"`
}

type ConnectionConfig struct {
	WriteTimeout time.Duration `validate:"gt=0"`
}

// SummarizerConfig points at the summary endpoint. An empty URL disables summaries.
type SummarizerConfig struct {
	URL           string `validate:"omitempty,url"`
	APIKey        string
	Timeout       time.Duration `validate:"gt=0"`
	MessageWindow int           `validate:"gte=1,lte=500"`
}

var configValidator = validator.New()

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("room.grace_period", defaultGracePeriod)
	configViper.SetDefault("room.send_queue_size", defaultSendQueueSize)
	configViper.SetDefault("room.admission_timeout", defaultAdmissionTimeout)
	configViper.SetDefault("room.publish_timeout", defaultPublishTimeout)
	configViper.SetDefault("room.shutdown_timeout", defaultShutdownTimeout)
	configViper.SetDefault("message.max_length", defaultMaxMessageLength)
	configViper.SetDefault("message.rate_per_second", defaultRatePerSecond)
	configViper.SetDefault("message.rate_burst", defaultRateBurst)
	configViper.SetDefault("connection.write_timeout", defaultWriteTimeout)
	configViper.SetDefault("summarizer.url", "")
	configViper.SetDefault("summarizer.api_key", "")
	configViper.SetDefault("summarizer.timeout", defaultSummarizerTimeout)
	configViper.SetDefault("summarizer.message_window", defaultSummarizerWindow)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    strings.TrimSpace(configViper.GetString("http.address")),
		DatabasePath:   strings.TrimSpace(configViper.GetString("database.path")),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		Log: LogConfig{
			Level:    configViper.GetString("log.level"),
			Encoding: strings.ToLower(strings.TrimSpace(configViper.GetString("log.encoding"))),
		},
		Auth: AuthConfig{
			SigningSecret: strings.TrimSpace(configViper.GetString("auth.signing_secret")),
			Issuer:        strings.TrimSpace(configViper.GetString("auth.issuer")),
			CookieName:    strings.TrimSpace(configViper.GetString("auth.cookie_name")),
		},
		Room: RoomConfig{
			GracePeriod:      configViper.GetDuration("room.grace_period"),
			SendQueueSize:    configViper.GetInt("room.send_queue_size"),
			AdmissionTimeout: configViper.GetDuration("room.admission_timeout"),
			PublishTimeout:   configViper.GetDuration("room.publish_timeout"),
			ShutdownTimeout:  configViper.GetDuration("room.shutdown_timeout"),
		},
		Message: MessageConfig{
			MaxLength:     configViper.GetInt("message.max_length"),
			RatePerSecond: configViper.GetFloat64("message.rate_per_second"),
			RateBurst:     configViper.GetInt("message.rate_burst"),
		},
		Connection: ConnectionConfig{
			WriteTimeout: configViper.GetDuration("connection.write_timeout"),
		},
		Summarizer: SummarizerConfig{
			URL:           strings.TrimSpace(configViper.GetString("summarizer.url")),
			APIKey:        configViper.GetString("summarizer.api_key"),
			Timeout:       configViper.GetDuration("summarizer.timeout"),
			MessageWindow: configViper.GetInt("summarizer.message_window"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok || len(validationErrors) == 0 {
		return err
	}
	first := validationErrors[0]
	return fmt.Errorf("%s is invalid (%s)", configKey(first.Namespace()), first.Tag())
}

var configKeys = map[string]string{
	"AppConfig.HTTPAddress":              "http.address",
	"AppConfig.AllowedOrigins":           "http.allowed_origins",
	"AppConfig.DatabasePath":             "database.path",
	"AppConfig.Log.Encoding":             "log.encoding",
	"AppConfig.Auth.SigningSecret":       "auth.signing_secret",
	"AppConfig.Auth.Issuer":              "auth.issuer",
	"AppConfig.Auth.CookieName":          "auth.cookie_name",
	"AppConfig.Room.SendQueueSize":       "room.send_queue_size",
	"AppConfig.Room.AdmissionTimeout":    "room.admission_timeout",
	"AppConfig.Room.PublishTimeout":      "room.publish_timeout",
	"AppConfig.Room.ShutdownTimeout":     "room.shutdown_timeout",
	"AppConfig.Message.MaxLength":        "message.max_length",
	"AppConfig.Message.RatePerSecond":    "message.rate_per_second",
	"AppConfig.Message.RateBurst":        "message.rate_burst",
	"AppConfig.Connection.WriteTimeout":  "connection.write_timeout",
	"AppConfig.Summarizer.URL":           "summarizer.url",
	"AppConfig.Summarizer.Timeout":       "summarizer.timeout",
	"AppConfig.Summarizer.MessageWindow": "summarizer.message_window",
}

func configKey(namespace string) string {
	if index := strings.IndexByte(namespace, '['); index >= 0 {
		namespace = namespace[:index]
	}
	if key, ok := configKeys[namespace]; ok {
		return key
	}
	return namespace
}
