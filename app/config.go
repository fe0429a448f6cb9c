package ephemeral

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	ProdMode = "prod"
	DevMode  = "dev"

	RoleAll    = "all"
	RoleAPI    = "api"
	RoleWorker = "worker"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	// Port is the Port number to listen on. The default is 8080.
	Port int `validate:"required,port"`
	// Hostname is the Hostname to listen on. The default is 0.0.0.0.
	Hostname string `validate:"required"`
	// Mode is dev or prod. prod enables the hardened TLS configuration.
	Mode string `validate:"oneof=dev prod"`
	// Role selects what this process runs: the API, the drain worker or both.
	Role string `validate:"oneof=all api worker"`
	Log  struct {
		Level string `validate:"oneof=debug info warn error"`
	}
	Auth struct {
		// Secret is the Secret key used to verify identity tokens.
		// The secret must be a base64 encoded string. The default is a random 32 byte string.
		Secret Base64Encoded `validate:"required"`
	}
	TLS struct {
		Crt string
		Key string
	}
	Redis struct {
		Addr     string `validate:"required"`
		Password string
		DB       int `validate:"gte=0"`
		// Prefix namespaces every key this service writes.
		Prefix string `validate:"required"`
	}
	Cache struct {
		TTL        time.Duration `validate:"gt=0"`
		MaxEntries int           `validate:"gte=0"`
		Repopulate bool
	}
	Store struct {
		Driver string `validate:"oneof=sqlite postgres"`
	}
	SQLite struct {
		// File is the path to the SQLite database file.
		File string `validate:"required"`
		// Migrations is the path to the directory that the migration files reside.
		Migrations string `validate:"required"`
	}
	Postgres struct {
		URL        string
		Migrations string `validate:"required"`
		MaxConns   int32  `validate:"gt=0"`
	}
	Drain struct {
		Threshold   int           `validate:"gte=0"`
		BatchSize   int           `validate:"gt=0"`
		Idle        time.Duration `validate:"gt=0"`
		Backoff     time.Duration `validate:"gt=0"`
		MaxAttempts int           `validate:"gt=0"`
	}
	Timeout struct {
		Cache time.Duration `validate:"gt=0"`
		Store time.Duration `validate:"gt=0"`
	}
	History struct {
		DefaultLimit int `validate:"gt=0,ltefield=MaxLimit"`
		MaxLimit     int `validate:"gt=0,lte=500"`
	}
	Message struct {
		MaxLength int `validate:"gt=0"`
	}
	// AllowedOrigins is a list of origins that are allowed to connect to the server.
	// The default is empty: only same-origin and non-browser clients may open a websocket.
	// "*" is refused in prod mode.
	AllowedOrigins []string
	valid          bool
}

func (c *Config) ServesAPI() bool {
	return c.Role == RoleAll || c.Role == RoleAPI
}

func (c *Config) RunsWorker() bool {
	return c.Role == RoleAll || c.Role == RoleWorker
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

func setDefaults(v *viper.Viper) error {
	v.SetDefault("port", 8080)
	v.SetDefault("hostname", "0.0.0.0")
	v.SetDefault("mode", DevMode)
	v.SetDefault("role", RoleAll)
	v.SetDefault("log.level", "info")
	v.SetDefault("allowedorigins", []string{})

	// generate a random secret key
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	v.SetDefault("auth.secret", base64.StdEncoding.EncodeToString(secret))
	v.SetDefault("tls.crt", "")
	v.SetDefault("tls.key", "")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "chat")

	v.SetDefault("cache.ttl", 2*time.Hour)
	v.SetDefault("cache.maxentries", 1000)
	v.SetDefault("cache.repopulate", true)

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("sqlite.file", "./ephemeral.db")
	v.SetDefault("sqlite.migrations", "./migrations/sqlite")
	v.SetDefault("postgres.url", "")
	v.SetDefault("postgres.migrations", "./migrations/postgres")
	v.SetDefault("postgres.maxconns", 10)

	v.SetDefault("drain.threshold", 25)
	v.SetDefault("drain.batchsize", 50)
	v.SetDefault("drain.idle", time.Second)
	v.SetDefault("drain.backoff", 5*time.Second)
	v.SetDefault("drain.maxattempts", 5)

	v.SetDefault("timeout.cache", 2*time.Second)
	v.SetDefault("timeout.store", 5*time.Second)

	v.SetDefault("history.defaultlimit", 100)
	v.SetDefault("history.maxlimit", 500)
	v.SetDefault("message.maxlength", 4000)
	return nil
}

// LoadConfig loads the configuration from an optional .env file, an optional config.yaml in any of
// paths (the working directory when none are given) and environment variables, in increasing
// order of precedence. A value that cannot be decoded into its field is an error; range and
// consistency checks are left to Validate.
func LoadConfig(paths ...string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := setDefaults(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	err := validate.Struct(c)
	if err != nil {
		return err
	}
	c.valid = true
	return nil
}

func FormatValidationErrors(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errs.Translate(trans)

	var sb strings.Builder
	for _, v := range slices.Sorted(maps.Values(translated)) {
		sb.WriteString(v)
		sb.WriteString("\n")
	}
	return sb.String()
}
