package config

import (
	"os"
	"strconv"
)

type Config struct {
	ListenAddr         string
	DBPath             string
	OllamaURL          string
	DefaultModel       string
	SystemPrompt       string
	TitleModel         string
	HistoryTokenBudget int
}

func Load() Config {
	cfg := Config{
		ListenAddr:         getenv("STRAND_LISTEN_ADDR", ":8100"),
		DBPath:             getenv("STRAND_DB_PATH", "strand.db"),
		OllamaURL:          getenv("STRAND_OLLAMA_URL", "http://localhost:11434"),
		DefaultModel:       getenv("STRAND_DEFAULT_MODEL", "llama3.1:8b"),
		SystemPrompt:       getenv("STRAND_SYSTEM_PROMPT", "You are a helpful assistant."),
		HistoryTokenBudget: getint("STRAND_HISTORY_TOKEN_BUDGET", 4096),
	}
	cfg.TitleModel = getenv("STRAND_TITLE_MODEL", cfg.DefaultModel)
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
