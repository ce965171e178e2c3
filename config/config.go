// clipscribe/config/config.go
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	// HTTP
	Port       string `mapstructure:"PORT"`
	BaseURL    string `mapstructure:"BASE"`
	AuthEnable bool   `mapstructure:"AUTH_ENABLE"`
	AuthKey    string `mapstructure:"AUTH_KEY"`
	LogLevel   string `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`

	// Orchestration
	DownloadsDir    string        `mapstructure:"DOWNLOADS_DIR" validate:"required"`
	ListLimit       int           `mapstructure:"LIST_LIMIT" validate:"gte=1"`
	MaxConcurrency  int           `mapstructure:"MAX_CONCURRENCY" validate:"gte=1"`
	QueueSize       int           `mapstructure:"QUEUE_SIZE" validate:"gte=1"`
	CallbackTimeout time.Duration `mapstructure:"CALLBACK_TIMEOUT"`
	MediaRetention  time.Duration `mapstructure:"MEDIA_RETENTION"`

	// Task record store
	StoreDriver string `mapstructure:"STORE_DRIVER" validate:"oneof=sqlite postgres"`
	SQLitePath  string `mapstructure:"SQLITE_PATH" validate:"required_if=StoreDriver sqlite"`
	DatabaseURL string `mapstructure:"DATABASE_URL" validate:"required_if=StoreDriver postgres"`

	// Media fetcher
	YTDLPBin       string        `mapstructure:"YTDLP_BIN" validate:"required"`
	YTDLPExtraArgs string        `mapstructure:"YTDLP_EXTRA_ARGS"`
	SocketTimeout  time.Duration `mapstructure:"SOCKET_TIMEOUT"`
	Retries        int           `mapstructure:"DOWNLOAD_RETRIES" validate:"gte=0"`
	CookieFile     string        `mapstructure:"COOKIE_FILE"`
	Proxy          string        `mapstructure:"PROXY"`
	ProbeDelayMax  time.Duration `mapstructure:"PROBE_DELAY_MAX"`
	AlternateURLs  []string      `mapstructure:"ALTERNATE_URLS"`

	// ffmpeg
	FFBin      string        `mapstructure:"FF_BIN" validate:"required"`
	FFProbeBin string        `mapstructure:"FFPROBE_BIN" validate:"required"`
	FFTimeout  time.Duration `mapstructure:"FF_TIMEOUT"`

	// Speech service
	OpenAIAPIKey      string        `mapstructure:"OPENAI_API_KEY"`
	OpenAIBaseURL     string        `mapstructure:"OPENAI_BASE_URL" validate:"required,url"`
	WhisperModel      string        `mapstructure:"WHISPER_MODEL" validate:"required"`
	TranscribeTimeout time.Duration `mapstructure:"TRANSCRIBE_TIMEOUT"`
	ChunkDuration     time.Duration `mapstructure:"CHUNK_DURATION" validate:"gt=0"`
	ChunkMaxSize      int64         `mapstructure:"CHUNK_MAX_SIZE" validate:"gt=0"`
	ChunkMinDuration  time.Duration `mapstructure:"CHUNK_MIN_DURATION" validate:"gt=0"`
	ChunkConcurrency  int           `mapstructure:"CHUNK_CONCURRENCY" validate:"gte=1"`

	// Resource throttling; zero disables the individual check.
	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK"`
}

// DefaultAlternateURLs are tried in order when the submitted URL fails to download.
// They depend on a third-party site's undocumented routes, so they are only defaults.
var DefaultAlternateURLs = []string{
	"https://www.tiktok.com/embed/v2/{video_id}",
	"https://www.tiktok.com/node/share/video/@{username}/{video_id}",
	"https://m.tiktok.com/v/{video_id}",
}

// ConfigurationError reports a setting that an operation needs but that was never provided.
type ConfigurationError struct {
	Key string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s is not set", e.Key)
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "")
	vp.SetDefault("LOG_LEVEL", "info")

	vp.SetDefault("DOWNLOADS_DIR", "./downloads")
	vp.SetDefault("LIST_LIMIT", 50)
	vp.SetDefault("MAX_CONCURRENCY", 2)
	vp.SetDefault("QUEUE_SIZE", 100)
	vp.SetDefault("CALLBACK_TIMEOUT", "10s")
	vp.SetDefault("MEDIA_RETENTION", "0s")

	vp.SetDefault("STORE_DRIVER", "sqlite")
	vp.SetDefault("SQLITE_PATH", "./clipscribe.db")
	vp.SetDefault("DATABASE_URL", "")

	vp.SetDefault("YTDLP_BIN", "yt-dlp")
	vp.SetDefault("YTDLP_EXTRA_ARGS", "")
	vp.SetDefault("SOCKET_TIMEOUT", "30s")
	vp.SetDefault("DOWNLOAD_RETRIES", 10)
	vp.SetDefault("COOKIE_FILE", "")
	vp.SetDefault("PROXY", "")
	vp.SetDefault("PROBE_DELAY_MAX", "0s")
	vp.SetDefault("ALTERNATE_URLS", DefaultAlternateURLs)

	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FFPROBE_BIN", "ffprobe")
	vp.SetDefault("FF_TIMEOUT", "12m")

	vp.SetDefault("OPENAI_API_KEY", "")
	vp.SetDefault("OPENAI_BASE_URL", "https://api.openai.com/v1")
	vp.SetDefault("WHISPER_MODEL", "whisper-1")
	vp.SetDefault("TRANSCRIBE_TIMEOUT", "10m")
	vp.SetDefault("CHUNK_DURATION", "10m")
	vp.SetDefault("CHUNK_MAX_SIZE", "25MB")
	vp.SetDefault("CHUNK_MIN_DURATION", "30s")
	vp.SetDefault("CHUNK_CONCURRENCY", 3)

	vp.SetDefault("THROTTLE_CPU", 0.0)
	vp.SetDefault("THROTTLE_FREEMEM", 0)
	vp.SetDefault("THROTTLE_FREEDISK", 0)

	vp.SetConfigName("clipscribe_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/clipscribe/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("CLIPSCRIBE")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The order matters: durations are int64 too, so they must be claimed
	// before the byte-size hook sees them.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	))
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and cross-field requirements.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
