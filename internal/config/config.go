// Package config provides application configuration management.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	PublicHost  string
	FrontendURL string
	DBPath      string
	Engine      EngineConfig
	Scheduler   SchedulerConfig
}

// EngineConfig holds the speech-engine websocket settings.
type EngineConfig struct {
	URL                string
	APIKey             string
	Model              string
	Voice              string
	TranscriptionModel string
	AudioBufferCap     int
	TerminateGrace     time.Duration
}

// SchedulerConfig holds the appointment backend settings.
type SchedulerConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		PublicHost:  getEnv("PUBLIC_HOST", ""),
		FrontendURL: getEnv("FRONTEND_URL", "http://localhost:3000"),
		DBPath:      getEnv("DB_PATH", "./data/calls.db"),
		Engine: EngineConfig{
			URL:                getEnv("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
			APIKey:             getEnv("OPENAI_API_KEY", ""),
			Model:              getEnv("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview"),
			Voice:              getEnv("OPENAI_VOICE", "sage"),
			TranscriptionModel: getEnv("OPENAI_TRANSCRIPTION_MODEL", "gpt-4o-transcribe"),
			AudioBufferCap:     getEnvInt("ENGINE_AUDIO_BUFFER_CAP", 1024),
			TerminateGrace:     getEnvDuration("ENGINE_TERMINATE_GRACE", 3*time.Second),
		},
		Scheduler: SchedulerConfig{
			BaseURL: getEnv("SCHEDULER_URL", "http://localhost:5002/api"),
			Token:   getEnv("SCHEDULER_TOKEN", ""),
			Timeout: getEnvDuration("SCHEDULER_TIMEOUT", 10*time.Second),
		},
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Engine.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.Engine.AudioBufferCap <= 0 {
		return fmt.Errorf("ENGINE_AUDIO_BUFFER_CAP must be positive")
	}
	if c.Scheduler.BaseURL == "" {
		return fmt.Errorf("SCHEDULER_URL is required")
	}
	return nil
}

// IsDevelopment returns true when running in development mode.
func (c *Config) IsDevelopment() bool {
	return getEnv("ENV", "development") == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
