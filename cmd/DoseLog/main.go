package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/BTreeMap/DoseLog/internal/api"
	"github.com/BTreeMap/DoseLog/internal/genai"
	"github.com/BTreeMap/DoseLog/internal/messaging"
	"github.com/BTreeMap/DoseLog/internal/models"
	"github.com/BTreeMap/DoseLog/internal/store"
	"github.com/BTreeMap/DoseLog/internal/util"
	"github.com/joho/godotenv"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Both credentials are startup-fatal: no partial startup.
	if *flags.telegramToken == "" {
		slog.Error("TELEGRAM_BOT_TOKEN is not configured")
		os.Exit(1)
	}
	if *flags.openaiKey == "" {
		slog.Error("OPENAI_API_KEY is not configured")
		os.Exit(1)
	}

	// Build module options
	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	msgOpts := buildMessagingOptions(flags)
	apiOpts := buildAPIOptions(flags)

	slog.Info("Bootstrapping DoseLog with configured modules")
	slog.Debug("Module options counts", "store", len(storeOpts), "genai", len(genaiOpts), "messaging", len(msgOpts), "api", len(apiOpts))
	if err := api.Run(storeOpts, genaiOpts, msgOpts, apiOpts); err != nil {
		slog.Error("DoseLog failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("DoseLog exited successfully")
}

// Config holds environment configuration
type Config struct {
	TelegramToken    string
	OpenAIKey        string
	DatabaseURL      string
	APIAddr          string
	SystemPromptFile string
	Combined         bool
	HistoryLimit     int
	MaxRetries       int
}

// Flags holds command line flag values
type Flags struct {
	telegramToken    *string
	openaiKey        *string
	dbDSN            *string
	apiAddr          *string
	systemPromptFile *string
	combined         *bool
	historyLimit     *int
	maxRetries       *int
}

// initializeLogger sets up structured logging
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		TelegramToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		APIAddr:          os.Getenv("API_ADDR"),
		SystemPromptFile: os.Getenv("CHAT_SYSTEM_PROMPT_FILE"),
		Combined:         util.ParseBoolEnv("COMBINED_CAPTURE", true),
		HistoryLimit:     util.ParseIntEnv("CHAT_HISTORY_LIMIT", models.DefaultHistoryLimit),
		MaxRetries:       util.ParseIntEnv("EXTRACTION_MAX_RETRIES", models.DefaultExtractionRetries),
	}

	slog.Debug("environment variables loaded",
		"TELEGRAM_BOT_TOKEN_SET", config.TelegramToken != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"CHAT_SYSTEM_PROMPT_FILE", config.SystemPromptFile,
		"COMBINED_CAPTURE", config.Combined,
		"CHAT_HISTORY_LIMIT", config.HistoryLimit,
		"EXTRACTION_MAX_RETRIES", config.MaxRetries)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		telegramToken:    flag.String("telegram-token", config.TelegramToken, "Telegram bot token (overrides $TELEGRAM_BOT_TOKEN)"),
		openaiKey:        flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		dbDSN:            flag.String("db-dsn", config.DatabaseURL, "record store DSN: Postgres URL or SQLite path; empty for in-memory (overrides $DATABASE_URL)"),
		apiAddr:          flag.String("api-addr", config.APIAddr, "operator API server address (overrides $API_ADDR)"),
		systemPromptFile: flag.String("chat-system-prompt", config.SystemPromptFile, "chat persona prompt file (overrides $CHAT_SYSTEM_PROMPT_FILE)"),
		combined:         flag.Bool("combined-capture", config.Combined, "extract all remaining fields from each reply instead of one per turn (overrides $COMBINED_CAPTURE)"),
		historyLimit:     flag.Int("chat-history-limit", config.HistoryLimit, "free-form context window cap in turns (overrides $CHAT_HISTORY_LIMIT)"),
		maxRetries:       flag.Int("extraction-max-retries", config.MaxRetries, "failed extractions tolerated per state before escalation (overrides $EXTRACTION_MAX_RETRIES)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"telegramTokenSet", *flags.telegramToken != "",
		"openaiKeySet", *flags.openaiKey != "",
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"systemPromptFile", *flags.systemPromptFile,
		"combined", *flags.combined,
		"historyLimit", *flags.historyLimit,
		"maxRetries", *flags.maxRetries)

	return flags
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	return genaiOpts
}

// buildMessagingOptions constructs messaging configuration options
func buildMessagingOptions(flags Flags) []messaging.Option {
	var msgOpts []messaging.Option
	if *flags.telegramToken != "" {
		msgOpts = append(msgOpts, messaging.WithToken(*flags.telegramToken))
	}
	return msgOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.systemPromptFile != "" {
		apiOpts = append(apiOpts, api.WithSystemPromptFile(*flags.systemPromptFile))
	}
	apiOpts = append(apiOpts,
		api.WithCombined(*flags.combined),
		api.WithHistoryLimit(*flags.historyLimit),
		api.WithMaxRetries(*flags.maxRetries))
	return apiOpts
}
