package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"avl-collector/internal/codec"
)

type Config struct {
	TCPPort     string `yaml:"tcp_port"`
	MetricsPort string `yaml:"metrics_port"`
	GRPCServer  string `yaml:"grpc_server"` // vacío = forwarder deshabilitado
	RedisAddr   string `yaml:"redis_addr"`  // vacío = sin persistencia
	RedisDB     int    `yaml:"redis_db"`
	ProxyAddr   string `yaml:"proxy_addr"` // socket-tcp-proxy, vacío = link deshabilitado

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	RawLogDir string `yaml:"raw_log_dir"` // captura hex diaria, vacío = off

	BreakBudget     int           `yaml:"break_budget"`
	IMEILength      int           `yaml:"imei_length"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ReadChunk       int           `yaml:"read_chunk"`
	KeepAlive       bool          `yaml:"keep_alive"`
	VerifyTrailer   bool          `yaml:"verify_trailer"`
	FirstBeaconOnly bool          `yaml:"first_beacon_only"`
	UnsignedCoords  bool          `yaml:"unsigned_coords"`

	StoreMaxRecords int    `yaml:"store_max_records"`
	StoreEncoding   string `yaml:"store_encoding"` // json | cbor
}

func Default() Config {
	return Config{
		TCPPort:         "8001",
		MetricsPort:     "9000",
		RedisAddr:       "localhost:6379",
		LogLevel:        "info",
		LogFormat:       "json",
		BreakBudget:     5,
		IMEILength:      17,
		ReadTimeout:     15 * time.Second,
		ReadChunk:       8192,
		VerifyTrailer:   true,
		StoreMaxRecords: 1000,
		StoreEncoding:   "json",
	}
}

// Load arma la configuración: valores por defecto, luego el YAML en path
// (si path no es vacío) y por último las variables de entorno.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "read config file %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse config file %s", path)
		}
	}

	cfg.TCPPort = getEnv("TCP_PORT", cfg.TCPPort)
	cfg.MetricsPort = getEnv("METRICS_PORT", cfg.MetricsPort)
	cfg.GRPCServer = getEnv("GRPC_SERVER", cfg.GRPCServer)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.ProxyAddr = getEnv("PROXY_ADDR", cfg.ProxyAddr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.RawLogDir = getEnv("RAW_LOG_DIR", cfg.RawLogDir)
	cfg.StoreEncoding = getEnv("STORE_ENCODING", cfg.StoreEncoding)

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", cfg.RedisDB); err != nil {
		return cfg, err
	}
	if cfg.BreakBudget, err = getEnvInt("BREAK_BUDGET", cfg.BreakBudget); err != nil {
		return cfg, err
	}
	if cfg.IMEILength, err = getEnvInt("IMEI_LENGTH", cfg.IMEILength); err != nil {
		return cfg, err
	}
	if cfg.ReadChunk, err = getEnvInt("READ_CHUNK", cfg.ReadChunk); err != nil {
		return cfg, err
	}
	if cfg.StoreMaxRecords, err = getEnvInt("STORE_MAX_RECORDS", cfg.StoreMaxRecords); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = getEnvDuration("READ_TIMEOUT", cfg.ReadTimeout); err != nil {
		return cfg, err
	}
	if cfg.KeepAlive, err = getEnvBool("KEEP_ALIVE", cfg.KeepAlive); err != nil {
		return cfg, err
	}
	if cfg.VerifyTrailer, err = getEnvBool("VERIFY_TRAILER", cfg.VerifyTrailer); err != nil {
		return cfg, err
	}
	if cfg.FirstBeaconOnly, err = getEnvBool("FIRST_BEACON_ONLY", cfg.FirstBeaconOnly); err != nil {
		return cfg, err
	}
	if cfg.UnsignedCoords, err = getEnvBool("UNSIGNED_COORDS", cfg.UnsignedCoords); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, errors.WithMessage(err, "config validation failed")
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validPort("tcp_port", c.TCPPort); err != nil {
		return err
	}
	if err := validPort("metrics_port", c.MetricsPort); err != nil {
		return err
	}
	if c.BreakBudget < 0 {
		return errors.Errorf("break_budget must not be negative, got %d", c.BreakBudget)
	}
	if c.IMEILength < 1 || c.IMEILength > 32 {
		return errors.Errorf("imei_length must be between 1 and 32, got %d", c.IMEILength)
	}
	if c.ReadTimeout <= 0 {
		return errors.Errorf("read_timeout must be positive, got %s", c.ReadTimeout)
	}
	if c.ReadChunk < 64 {
		return errors.Errorf("read_chunk must be at least 64 bytes, got %d", c.ReadChunk)
	}
	if c.StoreMaxRecords < 1 {
		return errors.Errorf("store_max_records must be at least 1, got %d", c.StoreMaxRecords)
	}
	switch c.StoreEncoding {
	case "json", "cbor":
	default:
		return errors.Errorf("store_encoding must be json or cbor, got %q", c.StoreEncoding)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return errors.Errorf("log_format must be json or text, got %q", c.LogFormat)
	}
	return nil
}

// CodecOptions traduce los flags de compatibilidad a opciones del decoder.
func (c *Config) CodecOptions() codec.Options {
	opts := codec.Options{
		FirstBeaconOnly:     c.FirstBeaconOnly,
		UnsignedCoordinates: c.UnsignedCoords,
	}
	if !c.VerifyTrailer {
		opts.Trailer = codec.TrailerIgnore
	}
	return opts
}

func validPort(name, port string) error {
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return errors.Errorf("%s must be between 1 and 65535, got %q", name, port)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback, errors.Wrapf(err, "%s", key)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback, errors.Wrapf(err, "%s", key)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback, errors.Wrapf(err, "%s", key)
	}
	return d, nil
}
