package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                string
	BindAddr            string
	AllowedOrigin       string
	DatabaseURL         string
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	PlanCacheTTLSeconds int
	JWTSecret           string
	TokenTTLMinutes     int
	ManagerPIN          string
}

func Load() Config {
	// .env is a dev convenience; absence is not an error.
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	planTTL, err := strconv.Atoi(getEnv("PLAN_CACHE_TTL_SECONDS", "20"))
	if err != nil || planTTL < 1 {
		planTTL = 20
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}

	cfg := Config{
		Port:                getEnv("PORT", "8080"),
		BindAddr:            os.Getenv("BIND_ADDR"),
		AllowedOrigin:       getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             redisDB,
		PlanCacheTTLSeconds: planTTL,
		JWTSecret:           strings.TrimSpace(os.Getenv("JWT_SECRET")),
		TokenTTLMinutes:     tokenTTL,
		ManagerPIN:          strings.TrimSpace(os.Getenv("MANAGER_PIN")),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf("%s:%s", c.BindAddr, c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
