package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/aicall/server/internal/api"
	"github.com/aicall/server/internal/flow"
	"github.com/aicall/server/internal/genai"
	"github.com/aicall/server/internal/lockfile"
	"github.com/aicall/server/internal/session"
	"github.com/aicall/server/internal/speech"
	"github.com/aicall/server/internal/store"
	"github.com/aicall/server/internal/summary"
	"github.com/aicall/server/internal/tasks"
	"github.com/aicall/server/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for AI Call state data
	DefaultStateDir = "/var/lib/aicall"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "aicall.db"
	// DefaultSummaryDirName is the summaries directory inside the state directory
	DefaultSummaryDirName = "summaries"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// One instance per state directory; the flock dies with the process.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	apiOpts := buildAPIOptions(flags)

	slog.Info("Bootstrapping AI Call server")
	slog.Debug("Module options counts", "store", len(storeOpts), "genai", len(genaiOpts), "api", len(apiOpts))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr)

	if err := run(flags, storeOpts, genaiOpts, apiOpts); err != nil {
		slog.Error("AI Call server failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("AI Call server exited successfully")
}

// run wires every module and serves until interrupted.
func run(flags Flags, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []api.Option) error {
	st, err := store.NewStore(storeOpts...)
	if err != nil {
		return err
	}
	defer st.Close()

	client, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return err
	}

	yesNo := flow.NewYesNoClassifier(client)
	carryover := flow.NewCarryoverClassifier(client)
	registry := flow.NewDefaultRegistry(yesNo, carryover)

	taskSource, err := tasks.NewSource(tasks.WithPath(*flags.taskFile))
	if err != nil {
		return err
	}

	var sessionOpts []session.Option
	if *flags.basePromptFile != "" {
		sessionOpts = append(sessionOpts, session.WithBasePromptFile(*flags.basePromptFile))
	}
	manager := session.NewManager(st, client, registry, taskSource, sessionOpts...)
	renderer := summary.NewRenderer(st, client, summary.WithOutputDir(*flags.summaryDir))

	var synthesizer *speech.Synthesizer
	if util.ParseBoolEnv("AICALL_TTS_ENABLED", true) {
		synthOpts := []speech.Option{speech.WithBaseURL(*flags.voicevoxURL)}
		if speaker, err := strconv.Atoi(os.Getenv("VOICEVOX_SPEAKER")); err == nil && speaker > 0 {
			synthOpts = append(synthOpts, speech.WithSpeaker(speaker))
		}
		synthesizer = speech.NewSynthesizer(synthOpts...)
	} else {
		slog.Info("Text-to-speech disabled via AICALL_TTS_ENABLED")
	}

	server := api.NewServer(client, manager, renderer, synthesizer, client, apiOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("Shutdown signal received")
		if err := server.Shutdown(context.Background()); err != nil {
			slog.Error("Server shutdown failed", "error", err)
		}
	}()

	return server.Run()
}

// Config holds environment configuration
type Config struct {
	DatabaseURL     string
	StateDir        string
	OpenRouterKey   string
	ChatModel       string
	ClassifierModel string
	SummaryModel    string
	SiteURL         string
	AppName         string
	APIAddr         string
	VoicevoxURL     string
	TaskFile        string
	SummaryDir      string
	BasePromptFile  string
}

// Flags holds command line flag values
type Flags struct {
	stateDir       *string
	dbDSN          *string
	apiKey         *string
	chatModel      *string
	apiAddr        *string
	voicevoxURL    *string
	taskFile       *string
	summaryDir     *string
	basePromptFile *string
}

// initializeLogger sets up structured logging at the level named by $LOG_LEVEL.
func initializeLogger() {
	level := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
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
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		StateDir:        os.Getenv("AICALL_STATE_DIR"),
		OpenRouterKey:   os.Getenv("OPENROUTER_API_KEY"),
		ChatModel:       os.Getenv("OPENROUTER_MODEL"),
		ClassifierModel: os.Getenv("CHAT_CLASSIFIER_MODEL"),
		SummaryModel:    os.Getenv("CHAT_SUMMARY_MODEL"),
		SiteURL:         os.Getenv("OPENROUTER_SITE_URL"),
		AppName:         os.Getenv("OPENROUTER_APP_NAME"),
		APIAddr:         os.Getenv("API_ADDR"),
		VoicevoxURL:     os.Getenv("VOICEVOX_URL"),
		TaskFile:        os.Getenv("AICALL_TASK_FILE"),
		SummaryDir:      os.Getenv("CHAT_SUMMARY_DIR"),
		BasePromptFile:  os.Getenv("AICALL_BASE_PROMPT_FILE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No AICALL_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.VoicevoxURL == "" {
		config.VoicevoxURL = speech.DefaultBaseURL
	}
	if config.TaskFile == "" {
		config.TaskFile = filepath.Join(config.StateDir, tasks.DefaultFileName)
	}
	if config.SummaryDir == "" {
		config.SummaryDir = filepath.Join(config.StateDir, DefaultSummaryDirName)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"AICALL_STATE_DIR", config.StateDir,
		"OPENROUTER_API_KEY_SET", config.OpenRouterKey != "",
		"OPENROUTER_MODEL", config.ChatModel,
		"CHAT_CLASSIFIER_MODEL", config.ClassifierModel,
		"CHAT_SUMMARY_MODEL", config.SummaryModel,
		"API_ADDR", config.APIAddr,
		"VOICEVOX_URL", config.VoicevoxURL)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:       flag.String("state-dir", config.StateDir, "state directory for AI Call data (overrides $AICALL_STATE_DIR)"),
		dbDSN:          flag.String("db-dsn", config.DatabaseURL, "database DSN for the session store (overrides $DATABASE_URL)"),
		apiKey:         flag.String("openrouter-api-key", config.OpenRouterKey, "OpenRouter API key (overrides $OPENROUTER_API_KEY)"),
		chatModel:      flag.String("chat-model", config.ChatModel, "conversation model (overrides $OPENROUTER_MODEL)"),
		apiAddr:        flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		voicevoxURL:    flag.String("voicevox-url", config.VoicevoxURL, "VOICEVOX engine URL (overrides $VOICEVOX_URL)"),
		taskFile:       flag.String("task-file", config.TaskFile, "Markdown task list file (overrides $AICALL_TASK_FILE)"),
		summaryDir:     flag.String("summary-dir", config.SummaryDir, "directory for generated summaries (overrides $CHAT_SUMMARY_DIR)"),
		basePromptFile: flag.String("base-prompt-file", config.BasePromptFile, "file appended to every system prompt (overrides $AICALL_BASE_PROMPT_FILE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiKeySet", *flags.apiKey != "",
		"chatModel", *flags.chatModel,
		"apiAddr", *flags.apiAddr,
		"voicevoxURL", *flags.voicevoxURL,
		"taskFile", *flags.taskFile,
		"summaryDir", *flags.summaryDir)

	// Keep the SQLite default inside the state directory when it is overridden.
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir, *flags.summaryDir}
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		dirs = append(dirs, filepath.Dir(*flags.dbDSN))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
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

// buildGenAIOptions constructs language-model client configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.apiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.apiKey))
	}
	if *flags.chatModel != "" {
		genaiOpts = append(genaiOpts, genai.WithChatModel(*flags.chatModel))
	}
	if model := os.Getenv("CHAT_CLASSIFIER_MODEL"); model != "" {
		genaiOpts = append(genaiOpts, genai.WithClassifierModel(model))
	}
	if model := os.Getenv("CHAT_SUMMARY_MODEL"); model != "" {
		genaiOpts = append(genaiOpts, genai.WithSummaryModel(model))
	}
	siteURL := os.Getenv("OPENROUTER_SITE_URL")
	appName := os.Getenv("OPENROUTER_APP_NAME")
	if siteURL != "" || appName != "" {
		genaiOpts = append(genaiOpts, genai.WithAttribution(siteURL, appName))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
