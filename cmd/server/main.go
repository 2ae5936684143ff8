package main

import (
	"net/http"

	"github.com/strandchat/strand/internal/api"
	"github.com/strandchat/strand/internal/chat"
	"github.com/strandchat/strand/internal/config"
	"github.com/strandchat/strand/internal/db"
	"github.com/strandchat/strand/internal/ollama"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Fatal("failed to initialize database",
			zap.Error(err),
			zap.String("dbPath", cfg.DBPath))
	}
	defer database.Close()

	client := ollama.NewClient(cfg.OllamaURL, logger)

	// Title generation goes through the backend's OpenAI-compatible
	// endpoint; the token is unused by local backends but required by the
	// client constructor.
	titler, err := chat.NewTitler(cfg.OllamaURL+"/v1/", "unused", cfg.TitleModel)
	if err != nil {
		logger.Warn("title generation unavailable", zap.Error(err))
		titler = nil
	}

	svc := chat.New(database, client, titler, chat.Options{
		DefaultModel:       cfg.DefaultModel,
		SystemPrompt:       cfg.SystemPrompt,
		HistoryTokenBudget: cfg.HistoryTokenBudget,
	}, logger)

	handler := api.NewHandler(svc, logger)
	mux := http.NewServeMux()
	handler.Register(mux)

	logger.Info("starting server",
		zap.String("addr", cfg.ListenAddr),
		zap.String("backend", cfg.OllamaURL))
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}
}
