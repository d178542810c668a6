package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server          ServerConfig          `mapstructure:"server"`
	Log             LogConfig             `mapstructure:"log"`
	Database        DatabaseConfig        `mapstructure:"database"`
	Redis           RedisConfig           `mapstructure:"redis"`
	Session         SessionConfig         `mapstructure:"session"`
	LTI             LTIConfig             `mapstructure:"lti"`
	AnnotationStore AnnotationStoreConfig `mapstructure:"annotation_store"`
	Grade           GradeConfig           `mapstructure:"grade"`
	Notification    NotificationConfig    `mapstructure:"notification"`
	CORS            CORSConfig            `mapstructure:"cors"`
	RateLimit       RateLimitConfig       `mapstructure:"rate_limit"`
}

type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	TrustProxyHeaders bool          `mapstructure:"trust_proxy_headers"`
	// PublicBaseURL overrides scheme and host of the launch URL used when
	// computing signatures.
	PublicBaseURL string `mapstructure:"public_base_url"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SessionConfig struct {
	CookieName   string        `mapstructure:"cookie_name"`
	CookieSecure bool          `mapstructure:"cookie_secure"`
	TTL          time.Duration `mapstructure:"ttl"`
	MaxLaunches  int           `mapstructure:"max_launches"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

type LTIConfig struct {
	ConsumerKey    string            `mapstructure:"consumer_key"`
	Secret         string            `mapstructure:"secret"`
	TenantSecrets  map[string]string `mapstructure:"tenant_secrets"`
	AdminRoles     []string          `mapstructure:"admin_roles"`
	AnonymousUsers []string          `mapstructure:"anonymous_user_ids"`
	// MultiTenantPlatforms lists tool_consumer_info_product_family_code
	// values whose tool_consumer_instance_guid scopes user identity.
	MultiTenantPlatforms []string      `mapstructure:"multi_tenant_platforms"`
	IdentityScope        string        `mapstructure:"identity_scope"`
	TimestampWindow      time.Duration `mapstructure:"timestamp_window"`
	NonceTTL             time.Duration `mapstructure:"nonce_ttl"`
	LaunchPath           string        `mapstructure:"launch_path"`
	ResourcePath         string        `mapstructure:"resource_path"`
	AdminHubPath         string        `mapstructure:"admin_hub_path"`
}

const (
	IdentityScopeAuto     = "auto"
	IdentityScopeCourse   = "course"
	IdentityScopeInstance = "instance"
)

const (
	BackendCatchpy   = "catchpy"
	BackendAnnotator = "annotator"
)

type AnnotationStoreConfig struct {
	Kind                   string        `mapstructure:"kind"`
	URL                    string        `mapstructure:"url"`
	APIKey                 string        `mapstructure:"api_key"`
	Secret                 string        `mapstructure:"secret"`
	SearchTimeout          time.Duration `mapstructure:"search_timeout"`
	MutationTimeout        time.Duration `mapstructure:"mutation_timeout"`
	TokenTTL               time.Duration `mapstructure:"token_ttl"`
	ElevatedTokenTTL       time.Duration `mapstructure:"elevated_token_ttl"`
	StrictAssignmentCourse bool          `mapstructure:"strict_assignment_course"`
}

type GradeConfig struct {
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type NotificationConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	ChannelPrefix  string   `mapstructure:"channel_prefix"`
	OriginPatterns []string `mapstructure:"origin_patterns"`
	QueueSize      int      `mapstructure:"queue_size"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type RateLimitConfig struct {
	Requests      int  `mapstructure:"requests"`
	WindowSeconds int  `mapstructure:"window_seconds"`
	MaxKeys       int  `mapstructure:"max_keys"`
	FailClosed    bool `mapstructure:"fail_closed"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("session.cookie_name", "hxat_session")
	v.SetDefault("session.cookie_secure", true)
	v.SetDefault("session.ttl", 12*time.Hour)
	v.SetDefault("session.max_launches", 10)
	v.SetDefault("session.key_prefix", "hxat:session:")
	v.SetDefault("lti.admin_roles", []string{"Administrator", "Instructor", "TeachingAssistant", "ContentDeveloper"})
	v.SetDefault("lti.anonymous_user_ids", []string{"student"})
	v.SetDefault("lti.multi_tenant_platforms", []string{"canvas"})
	v.SetDefault("lti.identity_scope", IdentityScopeAuto)
	v.SetDefault("lti.timestamp_window", 5*time.Minute)
	v.SetDefault("lti.nonce_ttl", 10*time.Minute)
	v.SetDefault("lti.launch_path", "/lti/launch")
	v.SetDefault("lti.resource_path", "/assignments/%s/targets/%s/")
	v.SetDefault("lti.admin_hub_path", "/admin/hub/")
	v.SetDefault("annotation_store.kind", BackendCatchpy)
	v.SetDefault("annotation_store.search_timeout", 10*time.Second)
	v.SetDefault("annotation_store.mutation_timeout", 5*time.Second)
	v.SetDefault("annotation_store.token_ttl", 60*time.Second)
	v.SetDefault("annotation_store.elevated_token_ttl", 300*time.Second)
	v.SetDefault("annotation_store.strict_assignment_course", true)
	v.SetDefault("grade.workers", 4)
	v.SetDefault("grade.queue_size", 256)
	v.SetDefault("grade.timeout", 10*time.Second)
	v.SetDefault("notification.enabled", true)
	v.SetDefault("notification.channel_prefix", "hxat:notification:")
	v.SetDefault("notification.queue_size", 1024)
	v.SetDefault("cors.max_age", 600)
	v.SetDefault("rate_limit.window_seconds", 60)
	v.SetDefault("rate_limit.max_keys", 10000)
}

// Load reads an optional YAML file and applies HXAT_* environment overrides,
// e.g. HXAT_REDIS_ADDR for redis.addr.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("HXAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// AutomaticEnv only applies to keys viper already knows about; keys without
// defaults need an explicit binding.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"database.dsn",
		"redis.addr", "redis.password", "redis.db",
		"lti.consumer_key", "lti.secret",
		"annotation_store.url", "annotation_store.api_key", "annotation_store.secret",
		"server.trust_proxy_headers", "server.public_base_url",
		"rate_limit.requests", "rate_limit.fail_closed",
	} {
		_ = v.BindEnv(key)
	}
}

// Default returns the configuration used when no file or environment is
// present.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func (c Config) Validate() error {
	switch c.LTI.IdentityScope {
	case IdentityScopeAuto, IdentityScopeCourse, IdentityScopeInstance:
	default:
		return errors.New("lti.identity_scope must be one of auto, course, instance")
	}
	switch c.AnnotationStore.Kind {
	case BackendCatchpy, BackendAnnotator:
	default:
		return errors.New("annotation_store.kind must be catchpy or annotator")
	}
	if c.Session.MaxLaunches <= 0 {
		return errors.New("session.max_launches must be positive")
	}
	return nil
}

func (c Config) DefaultBackend() (url, apiKey, secret string) {
	return c.AnnotationStore.URL, c.AnnotationStore.APIKey, c.AnnotationStore.Secret
}

func (c Config) RateLimitWindow() time.Duration {
	if c.RateLimit.WindowSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}
