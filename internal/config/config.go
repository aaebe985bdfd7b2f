package config

import (
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config carries everything the engine reads from the environment. Values
// come from CLIPSTUDIO_* variables; envfile.Load may have populated them
// from a .env file first.
type Config struct {
	DataDir      string `env:"CLIPSTUDIO_DATA_DIR"`
	Debug        bool   `env:"CLIPSTUDIO_DEBUG" envDefault:"false"`
	GeminiAPIKey string `env:"CLIPSTUDIO_GEMINI_API_KEY"`
	ChatModel    string `env:"CLIPSTUDIO_CHAT_MODEL" envDefault:"gemini-2.5-flash"`
	ImageModel   string `env:"CLIPSTUDIO_IMAGE_MODEL" envDefault:"gemini-2.5-flash-image"`
	VideoModel   string `env:"CLIPSTUDIO_VIDEO_MODEL" envDefault:"veo-3.1-generate"`
	FakeProvider bool   `env:"CLIPSTUDIO_FAKE_PROVIDER" envDefault:"false"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	cfg.GeminiAPIKey = strings.TrimSpace(cfg.GeminiAPIKey)
	return cfg, nil
}

// HasProvider reports whether a real provider can be constructed.
func (c *Config) HasProvider() bool {
	return c.GeminiAPIKey != "" || c.FakeProvider
}
