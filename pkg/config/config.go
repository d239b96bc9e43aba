package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// MissingItemPolicy values.
const (
	MissingTombstone = "tombstone"
	MissingDelete    = "delete"
)

// FeedSource is a shop declared in configuration.
type FeedSource struct {
	Name string
	URL  string
}

type Database struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// DSN builds the PostgreSQL connection string.
func (d Database) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode)
}

type Ingest struct {
	Schedule          string
	MaxConcurrentRuns int
	LeaseTTL          time.Duration
	MissingItemPolicy string
	ReconcileSchedule string
}

type Fetch struct {
	Timeout         time.Duration
	MaxRetries      int
	RetryWait       time.Duration
	RetryMaxWait    time.Duration
	RatePerSecond   float64
	DefaultCurrency string
}

type Search struct {
	DefaultPageSize            int
	MaxPageSize                int
	DescriptionTiebreakEnabled bool
}

type Kafka struct {
	Enabled       bool
	Brokers       []string
	RunsTopic     string
	TriggersTopic string
}

type Alert struct {
	To       string
	Sender   string
	Password string
	SMTPHost string
	SMTPPort string
}

type Config struct {
	LogLevel string
	HTTPPort string
	GRPCPort string
	DB       Database
	Feeds    []FeedSource
	Ingest   Ingest
	Fetch    Fetch
	Search   Search
	Kafka    Kafka
	Alert    Alert
}

// defaultFeeds are the Skroutz feeds the catalog was first built around.
const defaultFeeds = "ekos=https://ekos.gr/xml_feed/skroutz_ekos.xml;" +
	"beq=https://beq.gr/xml_feed/skroutz_beq.xml;" +
	"zoro=https://zoro.gr/xml_feed/skroutz_zoro.xml;" +
	"1-3gr=https://1-3.gr/xml_feed/skroutz1-3.xml"

// Load initializes configuration from environment variables and .env file.
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	setDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		logrus.WithError(err).Warn("Failed to read .env file, using environment variables")
	}

	cfg, err := FromViper(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logrus.Info("Configuration loaded successfully")
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("GRPC_PORT", "8081")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_NAME", "catalog")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_SSLMODE", "disable")

	v.SetDefault("FEEDS", defaultFeeds)

	v.SetDefault("INGEST_SCHEDULE", "@every 24h")
	v.SetDefault("INGEST_MAX_CONCURRENT_RUNS", 4)
	v.SetDefault("INGEST_LEASE_TTL", "2h")
	v.SetDefault("MISSING_ITEM_POLICY", MissingTombstone)
	v.SetDefault("RECONCILE_SCHEDULE", "@daily")

	v.SetDefault("FEED_TIMEOUT", "300s")
	v.SetDefault("FEED_MAX_RETRIES", 3)
	v.SetDefault("FEED_RETRY_WAIT", "2s")
	v.SetDefault("FEED_RETRY_MAX_WAIT", "30s")
	v.SetDefault("FEED_RATE_PER_SECOND", 1.0)
	v.SetDefault("FEED_DEFAULT_CURRENCY", "EUR")

	v.SetDefault("SEARCH_DEFAULT_PAGE_SIZE", 20)
	v.SetDefault("SEARCH_MAX_PAGE_SIZE", 100)
	v.SetDefault("SEARCH_RELEVANCE_DESCRIPTION_TIEBREAK", false)

	v.SetDefault("KAFKA_ENABLED", false)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_RUNS_TOPIC", "FEED_RUNS")
	v.SetDefault("KAFKA_TRIGGERS_TOPIC", "FEED_TRIGGERS")

	v.SetDefault("SMTP_HOST", "sandbox.smtp.mailtrap.io")
	v.SetDefault("SMTP_PORT", "2525")
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	feeds, err := ParseFeeds(v.GetString("FEEDS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		LogLevel: v.GetString("LOG_LEVEL"),
		HTTPPort: v.GetString("HTTP_PORT"),
		GRPCPort: v.GetString("GRPC_PORT"),
		DB: Database{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetString("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			Name:     v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSLMODE"),
		},
		Feeds: feeds,
		Ingest: Ingest{
			Schedule:          v.GetString("INGEST_SCHEDULE"),
			MaxConcurrentRuns: v.GetInt("INGEST_MAX_CONCURRENT_RUNS"),
			LeaseTTL:          v.GetDuration("INGEST_LEASE_TTL"),
			MissingItemPolicy: strings.ToLower(v.GetString("MISSING_ITEM_POLICY")),
			ReconcileSchedule: v.GetString("RECONCILE_SCHEDULE"),
		},
		Fetch: Fetch{
			Timeout:         v.GetDuration("FEED_TIMEOUT"),
			MaxRetries:      v.GetInt("FEED_MAX_RETRIES"),
			RetryWait:       v.GetDuration("FEED_RETRY_WAIT"),
			RetryMaxWait:    v.GetDuration("FEED_RETRY_MAX_WAIT"),
			RatePerSecond:   v.GetFloat64("FEED_RATE_PER_SECOND"),
			DefaultCurrency: strings.ToUpper(v.GetString("FEED_DEFAULT_CURRENCY")),
		},
		Search: Search{
			DefaultPageSize:            v.GetInt("SEARCH_DEFAULT_PAGE_SIZE"),
			MaxPageSize:                v.GetInt("SEARCH_MAX_PAGE_SIZE"),
			DescriptionTiebreakEnabled: v.GetBool("SEARCH_RELEVANCE_DESCRIPTION_TIEBREAK"),
		},
		Kafka: Kafka{
			Enabled:       v.GetBool("KAFKA_ENABLED"),
			Brokers:       splitList(v.GetString("KAFKA_BROKERS")),
			RunsTopic:     v.GetString("KAFKA_RUNS_TOPIC"),
			TriggersTopic: v.GetString("KAFKA_TRIGGERS_TOPIC"),
		},
		Alert: Alert{
			To:       v.GetString("ALERT_EMAIL_TO"),
			Sender:   v.GetString("EMAIL_SENDER"),
			Password: v.GetString("EMAIL_APP_PASSWORD"),
			SMTPHost: v.GetString("SMTP_HOST"),
			SMTPPort: v.GetString("SMTP_PORT"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Ingest.MissingItemPolicy {
	case MissingTombstone, MissingDelete:
	default:
		return fmt.Errorf("MISSING_ITEM_POLICY must be %q or %q, got %q",
			MissingTombstone, MissingDelete, c.Ingest.MissingItemPolicy)
	}
	if c.Ingest.MaxConcurrentRuns < 1 {
		return fmt.Errorf("INGEST_MAX_CONCURRENT_RUNS must be positive, got %d", c.Ingest.MaxConcurrentRuns)
	}
	if c.Search.MaxPageSize < 1 {
		return fmt.Errorf("SEARCH_MAX_PAGE_SIZE must be positive, got %d", c.Search.MaxPageSize)
	}
	if c.Search.DefaultPageSize < 1 || c.Search.DefaultPageSize > c.Search.MaxPageSize {
		return fmt.Errorf("SEARCH_DEFAULT_PAGE_SIZE must be within 1..%d, got %d",
			c.Search.MaxPageSize, c.Search.DefaultPageSize)
	}
	return nil
}

// ParseFeeds reads "name=url;name=url" into feed sources ordered by name.
func ParseFeeds(raw string) ([]FeedSource, error) {
	var feeds []FeedSource
	seen := make(map[string]bool)
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, url, ok := strings.Cut(entry, "=")
		name, url = strings.TrimSpace(name), strings.TrimSpace(url)
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("invalid FEEDS entry %q, want name=url", entry)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate FEEDS entry for shop %q", name)
		}
		seen[name] = true
		feeds = append(feeds, FeedSource{Name: name, URL: url})
	}
	sort.Slice(feeds, func(i, j int) bool { return feeds[i].Name < feeds[j].Name })
	return feeds, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
