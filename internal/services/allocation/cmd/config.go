package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/LeonardoBeccarini/village_water/internal/services/allocation"
)

type Config struct {
	Port     string
	GRPCPort string

	CropWaterURL      string
	LookupTimeoutMs   int
	LookupConcurrency int
	Strategy          string

	// circuit breaker verso il crop-water API
	CBFails      int
	CBOpenMs     int
	CBIntervalMs int

	// Influx (opzionale): umidità osservata per sensor_id
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
	Measurement  string

	MQTTEnabled    bool
	RabbitHost     string
	RabbitPort     int
	RabbitUser     string
	RabbitPassword string
	RabbitClientID string
	RequestTopic   string // es. village/allocation/request/#
	EventTopic     string // es. event/waterAllocation/{village}/{farm}
	ReplyTopic     string // es. event/waterAllocation/{village}/result

	LogLevel  string
	LogFormat string
}

func defaultConfig() Config {
	return Config{
		Port:              "8003",
		GRPCPort:          "50061",
		CropWaterURL:      "http://localhost:8001",
		LookupTimeoutMs:   10000,
		LookupConcurrency: allocation.DefaultLookupConcurrency,
		Strategy:          string(allocation.StrategyProportional),
		CBFails:           5,
		CBOpenMs:          30000,
		CBIntervalMs:      60000,
		Measurement:       "soil_moisture",
		RabbitPort:        1883,
		RabbitClientID:    "allocation-service",
		RequestTopic:      allocation.DefaultRequestTopic,
		EventTopic:        allocation.DefaultEventTopic,
		ReplyTopic:        allocation.DefaultReplyTopic,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// fileConfig mirrors Config for CONFIG_FILE (TOML); only defined keys apply.
type fileConfig struct {
	Port              string `toml:"port"`
	GRPCPort          string `toml:"grpc_port"`
	CropWaterURL      string `toml:"crop_water_api_url"`
	LookupTimeoutMs   int    `toml:"lookup_timeout_ms"`
	LookupConcurrency int    `toml:"lookup_concurrency"`
	Strategy          string `toml:"allocation_strategy"`
	CBFails           int    `toml:"cb_fails"`
	CBOpenMs          int    `toml:"cb_open_ms"`
	CBIntervalMs      int    `toml:"cb_interval_ms"`

	Influx struct {
		URL         string `toml:"url"`
		Token       string `toml:"token"`
		Org         string `toml:"org"`
		Bucket      string `toml:"bucket"`
		Measurement string `toml:"measurement"`
	} `toml:"influx"`

	MQTT struct {
		Enabled      bool   `toml:"enabled"`
		Host         string `toml:"host"`
		Port         int    `toml:"port"`
		User         string `toml:"user"`
		Password     string `toml:"password"`
		ClientID     string `toml:"client_id"`
		RequestTopic string `toml:"request_topic"`
		EventTopic   string `toml:"event_topic"`
		ReplyTopic   string `toml:"reply_topic"`
	} `toml:"mqtt"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// loadConfig: default < CONFIG_FILE (TOML) < environment. dotenv files are
// loaded first and never override variables already set.
func loadConfig(dotenv ...string) (Config, error) {
	if err := godotenv.Load(dotenv...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaultConfig()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %s: unknown key %s", path, undecoded[0])
	}

	setStr := func(dst *string, v string, key ...string) {
		if meta.IsDefined(key...) {
			*dst = strings.TrimSpace(v)
		}
	}
	setInt := func(dst *int, v int, key ...string) {
		if meta.IsDefined(key...) {
			*dst = v
		}
	}

	setStr(&cfg.Port, raw.Port, "port")
	setStr(&cfg.GRPCPort, raw.GRPCPort, "grpc_port")
	setStr(&cfg.CropWaterURL, raw.CropWaterURL, "crop_water_api_url")
	setInt(&cfg.LookupTimeoutMs, raw.LookupTimeoutMs, "lookup_timeout_ms")
	setInt(&cfg.LookupConcurrency, raw.LookupConcurrency, "lookup_concurrency")
	setStr(&cfg.Strategy, raw.Strategy, "allocation_strategy")
	setInt(&cfg.CBFails, raw.CBFails, "cb_fails")
	setInt(&cfg.CBOpenMs, raw.CBOpenMs, "cb_open_ms")
	setInt(&cfg.CBIntervalMs, raw.CBIntervalMs, "cb_interval_ms")

	setStr(&cfg.InfluxURL, raw.Influx.URL, "influx", "url")
	setStr(&cfg.InfluxToken, raw.Influx.Token, "influx", "token")
	setStr(&cfg.InfluxOrg, raw.Influx.Org, "influx", "org")
	setStr(&cfg.InfluxBucket, raw.Influx.Bucket, "influx", "bucket")
	setStr(&cfg.Measurement, raw.Influx.Measurement, "influx", "measurement")

	if meta.IsDefined("mqtt", "enabled") {
		cfg.MQTTEnabled = raw.MQTT.Enabled
	}
	setStr(&cfg.RabbitHost, raw.MQTT.Host, "mqtt", "host")
	setInt(&cfg.RabbitPort, raw.MQTT.Port, "mqtt", "port")
	setStr(&cfg.RabbitUser, raw.MQTT.User, "mqtt", "user")
	setStr(&cfg.RabbitPassword, raw.MQTT.Password, "mqtt", "password")
	setStr(&cfg.RabbitClientID, raw.MQTT.ClientID, "mqtt", "client_id")
	setStr(&cfg.RequestTopic, raw.MQTT.RequestTopic, "mqtt", "request_topic")
	setStr(&cfg.EventTopic, raw.MQTT.EventTopic, "mqtt", "event_topic")
	setStr(&cfg.ReplyTopic, raw.MQTT.ReplyTopic, "mqtt", "reply_topic")

	setStr(&cfg.LogLevel, raw.LogLevel, "log_level")
	setStr(&cfg.LogFormat, raw.LogFormat, "log_format")
	return nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	cfg.Port = getenv("PORT", cfg.Port)
	cfg.GRPCPort = getenv("GRPC_PORT", cfg.GRPCPort)
	cfg.CropWaterURL = getenv("CROP_WATER_API_URL", cfg.CropWaterURL)
	cfg.LookupTimeoutMs = getenvInt("LOOKUP_TIMEOUT_MS", cfg.LookupTimeoutMs, &errs)
	cfg.LookupConcurrency = getenvInt("LOOKUP_CONCURRENCY", cfg.LookupConcurrency, &errs)
	cfg.Strategy = getenv("ALLOCATION_STRATEGY", cfg.Strategy)
	cfg.CBFails = getenvInt("CB_FAILS", cfg.CBFails, &errs)
	cfg.CBOpenMs = getenvInt("CB_OPEN_MS", cfg.CBOpenMs, &errs)
	cfg.CBIntervalMs = getenvInt("CB_INTERVAL_MS", cfg.CBIntervalMs, &errs)

	cfg.InfluxURL = getenv("INFLUX_URL", cfg.InfluxURL)
	cfg.InfluxToken = getenv("INFLUX_TOKEN", cfg.InfluxToken)
	cfg.InfluxOrg = getenv("INFLUX_ORG", cfg.InfluxOrg)
	cfg.InfluxBucket = getenv("INFLUX_BUCKET", cfg.InfluxBucket)
	cfg.Measurement = getenv("MEASUREMENT", cfg.Measurement)

	cfg.MQTTEnabled = getenvBool("MQTT_ENABLED", cfg.MQTTEnabled, &errs)
	cfg.RabbitHost = getenv("RABBITMQ_HOST", cfg.RabbitHost)
	cfg.RabbitPort = getenvInt("RABBITMQ_PORT", cfg.RabbitPort, &errs)
	cfg.RabbitUser = getenv("RABBITMQ_USER", cfg.RabbitUser)
	cfg.RabbitPassword = getenv("RABBITMQ_PASSWORD", cfg.RabbitPassword)
	cfg.RabbitClientID = getenv("RABBITMQ_CLIENTID", cfg.RabbitClientID)
	cfg.RequestTopic = getenv("ALLOCATION_REQUEST_TOPIC", cfg.RequestTopic)
	cfg.EventTopic = getenv("ALLOCATION_EVENT_TOPIC", cfg.EventTopic)
	cfg.ReplyTopic = getenv("ALLOCATION_REPLY_TOPIC", cfg.ReplyTopic)

	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getenv("LOG_FORMAT", cfg.LogFormat)
	return errors.Join(errs...)
}

func (c Config) validate() error {
	switch {
	case strings.TrimSpace(c.CropWaterURL) == "":
		return errors.New("CROP_WATER_API_URL is required")
	case c.LookupTimeoutMs <= 0:
		return fmt.Errorf("LOOKUP_TIMEOUT_MS must be > 0, got %d", c.LookupTimeoutMs)
	case c.LookupConcurrency < 1:
		return fmt.Errorf("LOOKUP_CONCURRENCY must be >= 1, got %d", c.LookupConcurrency)
	case c.MQTTEnabled && strings.TrimSpace(c.RabbitHost) == "":
		return errors.New("RABBITMQ_HOST is required when MQTT is enabled")
	}
	if _, err := allocation.ParseStrategy(c.Strategy); err != nil {
		return err
	}
	return nil
}

func (c Config) influxEnabled() bool {
	return c.InfluxURL != "" && c.InfluxOrg != "" && c.InfluxBucket != ""
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func getenv(k, d string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return d
}

func getenvInt(k string, d int, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", k, err))
		return d
	}
	return n
}

func getenvBool(k string, d bool, errs *[]error) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", k, err))
		return d
	}
	return b
}
