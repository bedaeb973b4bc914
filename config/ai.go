package config

import (
	"os"
	"time"
)

// AIConfig describes the OpenAI compatible completion service.
type AIConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	APIKey         string        `yaml:"apiKey"`
	Model          string        `yaml:"model"`
	LargeModel     string        `yaml:"largeModel"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
	MaxConcurrent  int64         `yaml:"maxConcurrent"`
	// Profiles maps a processing profile name to extra prompt instructions.
	Profiles map[string]string `yaml:"profiles"`
}

// Configured reports whether credentials are present.
func (a AIConfig) Configured() bool {
	return a.APIKey != "" && a.Endpoint != ""
}

func defaultAI() AIConfig {
	return AIConfig{
		Endpoint:       "https://api.openai.com/v1",
		Model:          "gpt-4o-mini",
		LargeModel:     "gpt-4o",
		Timeout:        60 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     30 * time.Second,
		MaxConcurrent:  2,
		Profiles: map[string]string{
			"research": "Emphasise methodology, findings and citations. Prefer precise technical tags.",
			"reading":  "Summarise the main argument for later reading. Tag by topic and author when known.",
			"meeting":  "Focus on decisions, owners and action items.",
		},
	}
}

func (a *AIConfig) applyEnvOverrides() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		a.APIKey = v
	}
	if v := os.Getenv("PKM_AI_ENDPOINT"); v != "" {
		a.Endpoint = v
	}
	if v := os.Getenv("PKM_AI_MODEL"); v != "" {
		a.Model = v
	}
	if v := os.Getenv("PKM_AI_LARGE_MODEL"); v != "" {
		a.LargeModel = v
	}
}
