package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Registry backends.
const (
	RegistryFile   = "file"
	RegistrySQLite = "sqlite"
)

// Geocoding providers.
const (
	GeocoderNominatim = "nominatim"
	GeocoderMapbox    = "mapbox"
	GeocoderNone      = "none"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	APIPrefix       string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Detection and freshness.
	GForceThreshold float64
	WarningQuorum   int
	ReadingTTL      time.Duration
	SweepInterval   time.Duration
	MonitorInterval time.Duration

	// Device registry.
	RegistryBackend string
	RegistryPath    string
	RegistryDBPath  string

	// Reverse geocoding.
	Geocoder         string
	NominatimURL     string
	MapboxToken      string
	GeocodeTimeout   time.Duration
	GeocodeCacheSize int

	// Dashboard authentication.
	UsersPath string
	JWTSecret string
	TokenTTL  time.Duration

	// Alert fan-out over Kafka.
	KafkaEnabled    bool
	KafkaBrokers    []string
	KafkaAlertTopic string

	// Device ingestion over MQTT.
	MQTTEnabled  bool
	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	threshold, err := parsePositiveFloat("GFORCE_THRESHOLD", "1.35")
	if err != nil {
		return nil, err
	}
	quorum, err := parsePositiveInt("WARNING_QUORUM", "5")
	if err != nil {
		return nil, err
	}

	readingTTL, err := parsePositiveDuration("READING_TTL", "10s")
	if err != nil {
		return nil, err
	}
	sweepInterval, err := parsePositiveDuration("SWEEP_INTERVAL", "1s")
	if err != nil {
		return nil, err
	}
	monitorInterval, err := parsePositiveDuration("MONITOR_INTERVAL", "1s")
	if err != nil {
		return nil, err
	}
	geocodeTimeout, err := parsePositiveDuration("GEOCODE_TIMEOUT", "5s")
	if err != nil {
		return nil, err
	}
	tokenTTL, err := parsePositiveDuration("TOKEN_TTL", "60m")
	if err != nil {
		return nil, err
	}

	mapboxToken := os.Getenv("MAPBOX_TOKEN")
	kafkaEnabled := os.Getenv("KAFKA_ENABLED") == "true"
	mqttEnabled := os.Getenv("MQTT_ENABLED") == "true"

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		APIPrefix:       strings.TrimRight(sharedcfg.EnvOrDefault("API_PREFIX", "/pipeline/eews"), "/"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		GForceThreshold: threshold,
		WarningQuorum:   quorum,
		ReadingTTL:      readingTTL,
		SweepInterval:   sweepInterval,
		MonitorInterval: monitorInterval,

		RegistryBackend: sharedcfg.EnvOrDefault("REGISTRY_BACKEND", RegistryFile),
		RegistryPath:    sharedcfg.EnvOrDefault("REGISTRY_PATH", "data/eews_devices.json"),
		RegistryDBPath:  sharedcfg.EnvOrDefault("REGISTRY_DB_PATH", "data/eews.db"),

		Geocoder:         sharedcfg.EnvOrDefault("GEOCODER", GeocoderNominatim),
		NominatimURL:     sharedcfg.EnvOrDefault("NOMINATIM_URL", "https://nominatim.openstreetmap.org"),
		MapboxToken:      mapboxToken,
		GeocodeTimeout:   geocodeTimeout,
		GeocodeCacheSize: parseCacheSize(),

		UsersPath: sharedcfg.EnvOrDefault("USERS_PATH", "data/users.json"),
		JWTSecret: os.Getenv("JWT_SECRET"),
		TokenTTL:  tokenTTL,

		KafkaEnabled:    kafkaEnabled,
		KafkaBrokers:    sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaAlertTopic: sharedcfg.EnvOrDefault("KAFKA_ALERT_TOPIC", "eews-warnings"),

		MQTTEnabled:  mqttEnabled,
		MQTTBroker:   sharedcfg.EnvOrDefault("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTTopic:    sharedcfg.EnvOrDefault("MQTT_TOPIC", "eews/+/readings"),
		MQTTClientID: os.Getenv("MQTT_CLIENT_ID"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.RegistryBackend {
	case RegistryFile, RegistrySQLite:
	default:
		return fmt.Errorf("invalid REGISTRY_BACKEND %q: want %q or %q", c.RegistryBackend, RegistryFile, RegistrySQLite)
	}
	switch c.Geocoder {
	case GeocoderNominatim, GeocoderMapbox, GeocoderNone:
	default:
		return fmt.Errorf("invalid GEOCODER %q", c.Geocoder)
	}
	if c.Geocoder == GeocoderMapbox && c.MapboxToken == "" {
		return errors.New("GEOCODER is mapbox but MAPBOX_TOKEN is not set")
	}
	if c.APIPrefix != "" && !strings.HasPrefix(c.APIPrefix, "/") {
		return errors.New("API_PREFIX must start with /")
	}
	if c.KafkaEnabled {
		if len(c.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED is true")
		}
		if c.KafkaAlertTopic == "" {
			return errors.New("KAFKA_ALERT_TOPIC is required when KAFKA_ENABLED is true")
		}
	}
	if c.MQTTEnabled && (c.MQTTBroker == "" || c.MQTTTopic == "") {
		return errors.New("MQTT_BROKER and MQTT_TOPIC are required when MQTT_ENABLED is true")
	}
	return nil
}

func parsePositiveDuration(name, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(name, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return d, nil
}

func parsePositiveFloat(name, def string) (float64, error) {
	v, err := strconv.ParseFloat(sharedcfg.EnvOrDefault(name, def), 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return v, nil
}

func parsePositiveInt(name, def string) (int, error) {
	v, err := strconv.Atoi(sharedcfg.EnvOrDefault(name, def))
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return v, nil
}

func parseCacheSize() int {
	if s := os.Getenv("GEOCODE_CACHE_SIZE"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return 1000
}
