package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/api"
	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/character"
	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/dialogue"
	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/genai"
	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/store"
	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for service state data
	DefaultStateDir = "/var/lib/patientsim"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "patientsim.db"
	// DefaultIdleTimeout is how long an inactive session survives
	DefaultIdleTimeout = time.Hour
	// DefaultSweepInterval is how often the idle sweeper runs
	DefaultSweepInterval = 5 * time.Minute
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Build module options
	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	apiOpts := buildAPIOptions(flags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping patientsim with configured modules")
	slog.Debug("Module options counts", "store", len(storeOpts), "genai", len(genaiOpts), "api", len(apiOpts))
	if err := run(ctx, flags, storeOpts, genaiOpts, apiOpts); err != nil {
		slog.Error("patientsim failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("patientsim exited successfully")
}

func run(ctx context.Context, flags Flags, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []api.Option) error {
	catalog := character.NewCatalog()
	if *flags.characterDir != "" {
		if err := catalog.Load(*flags.characterDir); err != nil {
			slog.Warn("Failed to load character catalog, continuing with defaults", "error", err, "dir", *flags.characterDir)
		}
	}

	persist, err := openStore(*flags.dbDSN, storeOpts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := persist.Close(); closeErr != nil {
			slog.Error("Failed to close store", "error", closeErr)
		}
	}()

	client, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return err
	}

	sessions := dialogue.NewSessionStore()
	sessions.StartSweeper(ctx, *flags.idleTimeout, DefaultSweepInterval)

	processor := dialogue.NewProcessor(sessions, catalog, client, client, dialogue.NewGuard(client), persist, dialogue.Config{
		HistoryWindow: *flags.historyWindow,
	})

	server := api.NewServer(processor, catalog, apiOpts...)
	return server.Run(ctx)
}

// openStore selects a backend from the DSN: Postgres, SQLite, or in-memory
// when no DSN is configured.
func openStore(dsn string, opts []store.Option) (store.Store, error) {
	if dsn == "" {
		slog.Info("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		return store.NewPostgresStore(opts...)
	}
	return store.NewSQLiteStore(opts...)
}

// Config holds environment configuration
type Config struct {
	StateDir     string
	DatabaseURL  string
	OpenAIKey    string
	OpenAIModel  string
	APIAddr      string
	CharacterDir string
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	openaiKey     *string
	openaiModel   *string
	apiAddr       *string
	characterDir  *string
	idleTimeout   *time.Duration
	historyWindow *int
}

// initializeLogger sets up structured logging with debug level
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
		StateDir:     os.Getenv("PATIENTSIM_STATE_DIR"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:  os.Getenv("OPENAI_MODEL"),
		APIAddr:      os.Getenv("API_ADDR"),
		CharacterDir: os.Getenv("CHARACTER_DIR"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No PATIENTSIM_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"PATIENTSIM_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"API_ADDR", config.APIAddr,
		"CHARACTER_DIR", config.CharacterDir)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for patientsim data (overrides $PATIENTSIM_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "database DSN for the audit store (overrides $DATABASE_URL)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:   flag.String("openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		characterDir:  flag.String("character-dir", config.CharacterDir, "directory of character profile YAML files (overrides $CHARACTER_DIR)"),
		idleTimeout:   flag.Duration("session-idle-timeout", util.ParseDurationEnv("SESSION_IDLE_TIMEOUT", DefaultIdleTimeout), "idle time before a session is evicted (overrides $SESSION_IDLE_TIMEOUT)"),
		historyWindow: flag.Int("history-window", util.ParseIntEnv("HISTORY_WINDOW", dialogue.DefaultHistoryWindow), "history lines passed to the generator (overrides $HISTORY_WINDOW)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"openaiModel", *flags.openaiModel,
		"apiAddr", *flags.apiAddr,
		"characterDir", *flags.characterDir,
		"idleTimeout", *flags.idleTimeout,
		"historyWindow", *flags.historyWindow)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
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
