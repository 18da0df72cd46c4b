package configs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppPort string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPass     string
	DBName     string
	DBReplicas []string

	RedisHost string
	RedisPort string
	RedisPass string

	KafkaBrokers           string
	KafkaTopic             string
	KafkaGroupID           string
	KafkaInvalidationTopic string

	// Feed tuning. Bounds are operational parameters, not invariants:
	// the only hard rule is bounded size with lowest-score eviction.
	HomeFeedMaxItems  int
	ListFeedMaxItems  int
	TrendingMaxItems  int
	ReblogFalloff     int
	RegenerationTTL   time.Duration
	FanOutWorkers     int
	FanOutMaxRetries  int
	MergeIntoHomeSize int
}

func LoadConfig() *Config {
	return &Config{
		AppPort: getEnv("APP_PORT", ":8083"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPass:     getEnv("DB_PASS", "postgres"),
		DBName:     getEnv("DB_NAME", "timeline_db"),
		DBReplicas: getEnvList("DB_REPLICA_DSNS"),

		RedisHost: getEnv("REDIS_HOST", "localhost"),
		RedisPort: getEnv("REDIS_PORT", "6379"),
		RedisPass: getEnv("REDIS_PASS", ""),

		KafkaBrokers:           getEnv("KAFKA_BOOTSTRAP_SERVERS", "kafka:9092"),
		KafkaTopic:             getEnv("STATUSES_TOPIC", "statuses.events"),
		KafkaGroupID:           getEnv("KAFKA_GROUP_ID", "timeline-service"),
		KafkaInvalidationTopic: getEnv("INVALIDATIONS_TOPIC", "feeds.invalidations"),

		HomeFeedMaxItems:  getEnvInt("HOME_FEED_MAX_ITEMS", 800),
		ListFeedMaxItems:  getEnvInt("LIST_FEED_MAX_ITEMS", 800),
		TrendingMaxItems:  getEnvInt("TRENDING_MAX_ITEMS", 500),
		ReblogFalloff:     getEnvInt("REBLOG_FALLOFF", 40),
		RegenerationTTL:   getEnvDuration("REGENERATION_TTL", 30*time.Minute),
		FanOutWorkers:     getEnvInt("FANOUT_WORKERS", 16),
		FanOutMaxRetries:  getEnvInt("FANOUT_MAX_RETRIES", 5),
		MergeIntoHomeSize: getEnvInt("MERGE_INTO_HOME_SIZE", 40),
	}
}

func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName,
	)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
