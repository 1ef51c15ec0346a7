package config

import (
	"errors"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	ReactorEpoll = "epoll"
	ReactorPoll  = "poll"
)

// Accept mutex implementations.
const (
	LockAtomic    = "atomic"
	LockSemaphore = "semaphore"
	LockFile      = "file"
)

// EnvPrefix prefixes environment overrides: EVPROXY_SERVER_ENVIRONMENT
// overrides server.environment.
const EnvPrefix = "EVPROXY"

type ServerConfig struct {
	Environment string   `mapstructure:"environment"`
	Listen      []string `mapstructure:"listen"`
	Backlog     int      `mapstructure:"backlog"`
	// Admin is the address of the per-worker status endpoint; empty disables
	// it.
	Admin string `mapstructure:"admin"`
}

type WorkersConfig struct {
	Processes        int    `mapstructure:"processes"`
	Connections      int    `mapstructure:"connections"`
	MultiAccept      bool   `mapstructure:"multi_accept"`
	AcceptMutex      bool   `mapstructure:"accept_mutex"`
	AcceptMutexDelay string `mapstructure:"accept_mutex_delay"`
	Lock             string `mapstructure:"lock"`
	LockFile         string `mapstructure:"lock_file"`
	TimerCoalesce    string `mapstructure:"timer_coalesce"`
	Reactor          string `mapstructure:"reactor"`
	ShutdownTimeout  string `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	AddSource bool   `mapstructure:"add_source"`
}

type HealthCheckConfig struct {
	Interval string `mapstructure:"interval"`
	Path     string `mapstructure:"path"`
	Timeout  string `mapstructure:"timeout"`
}

type StrategyConfig struct {
	Type         string `mapstructure:"type"`
	VirtualNodes int    `mapstructure:"virtual_nodes"`
}

type BackendConfig struct {
	URL    string `mapstructure:"url"`
	Weight int    `mapstructure:"weight"`
}

type CircuitConfig struct {
	MaxFails    int    `mapstructure:"max_fails"`
	FailTimeout string `mapstructure:"fail_timeout"`
}

type KeepaliveConfig struct {
	// Connections is the number of idle upstream connections each worker
	// caches; zero disables the cache.
	Connections int    `mapstructure:"connections"`
	Timeout     string `mapstructure:"timeout"`
}

type CacheConfig struct {
	// Path enables the response cache when set.
	Path    string   `mapstructure:"path"`
	Valid   string   `mapstructure:"valid"`
	Methods []string `mapstructure:"methods"`
}

type UpstreamConfig struct {
	Backends    []BackendConfig   `mapstructure:"backends"`
	Strategy    StrategyConfig    `mapstructure:"strategy"`
	HealthCheck HealthCheckConfig `mapstructure:"health_check"`
	Circuit     CircuitConfig     `mapstructure:"circuit"`
	Keepalive   KeepaliveConfig   `mapstructure:"keepalive"`

	ConnectTimeout    string `mapstructure:"connect_timeout"`
	SendTimeout       string `mapstructure:"send_timeout"`
	ReadTimeout       string `mapstructure:"read_timeout"`
	ClientSendTimeout string `mapstructure:"client_send_timeout"`

	NextUpstream        []string `mapstructure:"next_upstream"`
	NextUpstreamTries   int      `mapstructure:"next_upstream_tries"`
	NextUpstreamTimeout string   `mapstructure:"next_upstream_timeout"`

	Buffering         bool   `mapstructure:"buffering"`
	BufferSize        int    `mapstructure:"buffer_size"`
	BuffersNum        int    `mapstructure:"buffers_num"`
	BuffersSize       int    `mapstructure:"buffers_size"`
	BusyBuffersSize   int64  `mapstructure:"busy_buffers_size"`
	TempPath          string `mapstructure:"temp_path"`
	MaxTempFileSize   int64  `mapstructure:"max_temp_file_size"`
	TempFileWriteSize int64  `mapstructure:"temp_file_write_size"`

	InterceptErrors   bool `mapstructure:"intercept_errors"`
	IgnoreClientAbort bool `mapstructure:"ignore_client_abort"`
	RewriteRedirects  bool `mapstructure:"rewrite_redirects"`

	Cache CacheConfig `mapstructure:"cache"`
}

type ClientConfig struct {
	HeaderBufferSize  int    `mapstructure:"header_buffer_size"`
	HeaderTimeout     string `mapstructure:"header_timeout"`
	KeepaliveTimeout  string `mapstructure:"keepalive_timeout"`
	KeepaliveRequests int    `mapstructure:"keepalive_requests"`
	SendTimeout       string `mapstructure:"send_timeout"`
	BodyBufferSize    int    `mapstructure:"body_buffer_size"`
	MaxBodySize       int64  `mapstructure:"max_body_size"`
	BodyTimeout       string `mapstructure:"body_timeout"`
	LingeringTime     string `mapstructure:"lingering_time"`
	LingeringTimeout  string `mapstructure:"lingering_timeout"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Client   ClientConfig   `mapstructure:"client"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.listen", []string{":8080"})
	v.SetDefault("server.backlog", 511)
	v.SetDefault("server.admin", "127.0.0.1:9090")

	v.SetDefault("workers.processes", 1)
	v.SetDefault("workers.connections", 1024)
	v.SetDefault("workers.multi_accept", false)
	v.SetDefault("workers.accept_mutex", true)
	v.SetDefault("workers.accept_mutex_delay", "500ms")
	v.SetDefault("workers.lock", LockSemaphore)
	v.SetDefault("workers.timer_coalesce", "300ms")
	v.SetDefault("workers.reactor", ReactorEpoll)
	v.SetDefault("workers.shutdown_timeout", "30s")

	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("logging.add_source", false)

	v.SetDefault("upstream.strategy.type", "round-robin")
	v.SetDefault("upstream.strategy.virtual_nodes", 100)
	v.SetDefault("upstream.health_check.interval", "2s")
	v.SetDefault("upstream.health_check.path", "/health")
	v.SetDefault("upstream.health_check.timeout", "1s")
	v.SetDefault("upstream.circuit.max_fails", 1)
	v.SetDefault("upstream.circuit.fail_timeout", "10s")
	v.SetDefault("upstream.keepalive.connections", 32)
	v.SetDefault("upstream.keepalive.timeout", "60s")
	v.SetDefault("upstream.connect_timeout", "60s")
	v.SetDefault("upstream.send_timeout", "60s")
	v.SetDefault("upstream.read_timeout", "60s")
	v.SetDefault("upstream.client_send_timeout", "60s")
	v.SetDefault("upstream.next_upstream", []string{"error", "timeout"})
	v.SetDefault("upstream.next_upstream_tries", 0)
	v.SetDefault("upstream.next_upstream_timeout", "0s")
	v.SetDefault("upstream.buffering", true)
	v.SetDefault("upstream.buffer_size", 4096)
	v.SetDefault("upstream.buffers_num", 8)
	v.SetDefault("upstream.buffers_size", 4096)
	v.SetDefault("upstream.busy_buffers_size", 8192)
	v.SetDefault("upstream.max_temp_file_size", 1<<30)
	v.SetDefault("upstream.temp_file_write_size", 8192)
	v.SetDefault("upstream.rewrite_redirects", true)
	v.SetDefault("upstream.cache.valid", "10m")
	v.SetDefault("upstream.cache.methods", []string{"GET", "HEAD"})

	v.SetDefault("client.header_buffer_size", 8192)
	v.SetDefault("client.header_timeout", "60s")
	v.SetDefault("client.keepalive_timeout", "75s")
	v.SetDefault("client.keepalive_requests", 1000)
	v.SetDefault("client.send_timeout", "60s")
	v.SetDefault("client.body_buffer_size", 16384)
	v.SetDefault("client.max_body_size", 1<<20)
	v.SetDefault("client.body_timeout", "60s")
	v.SetDefault("client.lingering_time", "30s")
	v.SetDefault("client.lingering_timeout", "5s")
}

// Load reads config.yaml from paths, then ./config and the working
// directory, applies environment overrides and validates the result.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Warn("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

// Duration parses a validated duration field.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Listen,
						validation.Required,
						validation.Each(validation.Required, validation.By(validateHostPort)),
					),
					validation.Field(&sc.Backlog, validation.Min(1)),
					validation.Field(&sc.Admin, validation.By(validateOptionalHostPort)),
				)
			}),
		),
		validation.Field(&c.Workers,
			validation.Required,
			validation.By(func(value interface{}) error {
				wc, ok := value.(WorkersConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a WorkersConfig")
				}
				return validation.ValidateStruct(&wc,
					validation.Field(&wc.Processes, validation.Required, validation.Min(1)),
					validation.Field(&wc.Connections, validation.Required, validation.Min(2)),
					validation.Field(&wc.AcceptMutexDelay, validation.Required, validation.By(validateDuration)),
					validation.Field(&wc.Lock,
						validation.Required,
						validation.In(LockAtomic, LockSemaphore, LockFile),
					),
					validation.Field(&wc.LockFile,
						validation.When(wc.AcceptMutex && wc.Lock == LockFile, validation.Required),
					),
					validation.Field(&wc.TimerCoalesce, validation.Required, validation.By(validateDuration)),
					validation.Field(&wc.Reactor,
						validation.Required,
						validation.In(ReactorEpoll, ReactorPoll),
					),
					validation.Field(&wc.ShutdownTimeout, validation.Required, validation.By(validateDuration)),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
		validation.Field(&c.Upstream,
			validation.Required,
			validation.By(func(value interface{}) error {
				uc, ok := value.(UpstreamConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an UpstreamConfig")
				}
				return uc.validate()
			}),
		),
		validation.Field(&c.Client,
			validation.Required,
			validation.By(func(value interface{}) error {
				cc, ok := value.(ClientConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ClientConfig")
				}
				return validation.ValidateStruct(&cc,
					validation.Field(&cc.HeaderBufferSize, validation.Required, validation.Min(64)),
					validation.Field(&cc.HeaderTimeout, validation.Required, validation.By(validateDuration)),
					validation.Field(&cc.KeepaliveTimeout, validation.Required, validation.By(validateDuration)),
					validation.Field(&cc.KeepaliveRequests, validation.Min(0)),
					validation.Field(&cc.SendTimeout, validation.Required, validation.By(validateDuration)),
					validation.Field(&cc.BodyBufferSize, validation.Required, validation.Min(1)),
					validation.Field(&cc.MaxBodySize, validation.Min(int64(0))),
					validation.Field(&cc.BodyTimeout, validation.Required, validation.By(validateDuration)),
					validation.Field(&cc.LingeringTime, validation.Required, validation.By(validateDuration)),
					validation.Field(&cc.LingeringTimeout, validation.Required, validation.By(validateDuration)),
				)
			}),
		),
	)
}

func (uc *UpstreamConfig) validate() error {
	return validation.ValidateStruct(uc,
		validation.Field(&uc.Backends,
			validation.Required,
			validation.Length(1, 0),
			validation.Each(validation.By(validateBackendConfig)),
		),
		validation.Field(&uc.Strategy,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(StrategyConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a StrategyConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Type,
						validation.Required,
						validation.In("round-robin", "least-conn", "least-response", "random", "consistent_hash", "weighted-round-robin"),
					),
					validation.Field(&sc.VirtualNodes,
						validation.Required,
						validation.Min(1),
					),
				)
			}),
		),
		validation.Field(&uc.HealthCheck,
			validation.Required,
			validation.By(func(value interface{}) error {
				hc, ok := value.(HealthCheckConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a HealthCheckConfig")
				}
				return validation.ValidateStruct(&hc,
					validation.Field(&hc.Interval,
						validation.Required,
						validation.By(validateDuration),
					),
					validation.Field(&hc.Path, validation.Required),
					validation.Field(&hc.Timeout, validation.By(validateDuration)),
				)
			}),
		),
		validation.Field(&uc.Circuit,
			validation.By(func(value interface{}) error {
				cc, ok := value.(CircuitConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a CircuitConfig")
				}
				return validation.ValidateStruct(&cc,
					validation.Field(&cc.MaxFails, validation.Min(0)),
					validation.Field(&cc.FailTimeout, validation.By(validateDuration)),
				)
			}),
		),
		validation.Field(&uc.Keepalive,
			validation.By(func(value interface{}) error {
				kc, ok := value.(KeepaliveConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a KeepaliveConfig")
				}
				return validation.ValidateStruct(&kc,
					validation.Field(&kc.Connections, validation.Min(0)),
					validation.Field(&kc.Timeout, validation.By(validateDuration)),
				)
			}),
		),
		validation.Field(&uc.ConnectTimeout, validation.Required, validation.By(validateDuration)),
		validation.Field(&uc.SendTimeout, validation.Required, validation.By(validateDuration)),
		validation.Field(&uc.ReadTimeout, validation.Required, validation.By(validateDuration)),
		validation.Field(&uc.ClientSendTimeout, validation.Required, validation.By(validateDuration)),
		validation.Field(&uc.NextUpstream,
			validation.Each(validation.In(
				"off", "error", "timeout", "invalid_header",
				"http_500", "http_502", "http_503", "http_504", "http_404",
			)),
		),
		validation.Field(&uc.NextUpstreamTries, validation.Min(0)),
		validation.Field(&uc.NextUpstreamTimeout, validation.By(validateDuration)),
		validation.Field(&uc.BufferSize, validation.Required, validation.Min(64)),
		validation.Field(&uc.BuffersNum, validation.When(uc.Buffering, validation.Required, validation.Min(1))),
		validation.Field(&uc.BuffersSize, validation.When(uc.Buffering, validation.Required, validation.Min(64))),
		validation.Field(&uc.BusyBuffersSize, validation.Min(int64(0))),
		validation.Field(&uc.MaxTempFileSize, validation.Min(int64(0))),
		validation.Field(&uc.TempFileWriteSize, validation.Min(int64(0))),
		validation.Field(&uc.Cache,
			validation.By(func(value interface{}) error {
				cc, ok := value.(CacheConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a CacheConfig")
				}
				return validation.ValidateStruct(&cc,
					validation.Field(&cc.Valid, validation.By(validateDuration)),
					validation.Field(&cc.Methods, validation.Each(validation.In("GET", "HEAD"))),
				)
			}),
		),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if port != "0" {
		if err := is.Port.Validate(port); err != nil {
			return validation.NewError("validation_invalid_port", "invalid port")
		}
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateOptionalHostPort(value interface{}) error {
	if s, ok := value.(string); ok && s == "" {
		return nil
	}
	return validateHostPort(value)
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if durationStr == "" {
		return nil
	}

	d, err := time.ParseDuration(durationStr)
	if err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}
	if d < 0 {
		return validation.NewError("validation_negative_duration", "must not be negative")
	}

	return nil
}

func validateBackendConfig(value interface{}) error {
	backend, ok := value.(BackendConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a BackendConfig")
	}

	if backend.URL == "" {
		return validation.NewError("validation_empty_url", "backend URL cannot be empty")
	}

	parsedURL, err := url.Parse(backend.URL)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	if parsedURL.Scheme != "http" {
		return validation.NewError("validation_invalid_scheme", "URL must use the http scheme")
	}

	if parsedURL.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	if backend.Weight < 1 {
		return validation.NewError("validation_invalid_weight", "weight must be at least 1")
	}

	return nil
}
