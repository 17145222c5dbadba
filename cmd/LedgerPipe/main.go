package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/FinBridge/LedgerPipe/internal/api"
	"github.com/FinBridge/LedgerPipe/internal/audit"
	"github.com/FinBridge/LedgerPipe/internal/dispatch"
	"github.com/FinBridge/LedgerPipe/internal/flow"
	"github.com/FinBridge/LedgerPipe/internal/ledger"
	"github.com/FinBridge/LedgerPipe/internal/lockfile"
	"github.com/FinBridge/LedgerPipe/internal/messaging"
	"github.com/FinBridge/LedgerPipe/internal/state"
	"github.com/FinBridge/LedgerPipe/internal/store"
	"github.com/FinBridge/LedgerPipe/internal/twiliowhatsapp"
	"github.com/FinBridge/LedgerPipe/internal/util"
	"github.com/FinBridge/LedgerPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for LedgerPipe state data
	DefaultStateDir = "/var/lib/ledgerpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "ledgerpipe.db"
	// DefaultSessionTTL is the default session expiry
	DefaultSessionTTL = 300 * time.Second
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	slog.Info("Bootstrapping LedgerPipe with configured modules")
	if err := run(flags); err != nil {
		slog.Error("LedgerPipe failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("LedgerPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	LedgerURL   string
	DatabaseURL string
	WhatsAppDSN string
	StateDir    string
	Channel     string
	APIAddr     string
	SessionTTL  time.Duration
}

// Flags holds command line flag values
type Flags struct {
	qrOutput   *string
	numeric    *bool
	stateDir   *string
	dbDSN      *string
	waDSN      *string
	ledgerURL  *string
	channel    *string
	apiAddr    *string
	sessionTTL *time.Duration
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
		LedgerURL:   os.Getenv("CREDEX_API_URL"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		WhatsAppDSN: os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:    os.Getenv("LEDGERPIPE_STATE_DIR"),
		Channel:     os.Getenv("LEDGERPIPE_CHANNEL"),
		APIAddr:     os.Getenv("API_ADDR"),
		SessionTTL:  util.ParseDurationEnv("SESSION_TTL", DefaultSessionTTL),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No LEDGERPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	if config.Channel == "" {
		config.Channel = "whatsapp"
	}

	// Default to SQLite in the state directory when no database URL is given
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, "whatsmeow.db")
	}

	slog.Debug("environment variables loaded",
		"CREDEX_API_URL_SET", config.LedgerURL != "",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"LEDGERPIPE_STATE_DIR", config.StateDir,
		"LEDGERPIPE_CHANNEL", config.Channel,
		"API_ADDR", config.APIAddr,
		"SESSION_TTL", config.SessionTTL)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:   flag.String("qr-output", "", "path to write login QR code"),
		numeric:    flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:   flag.String("state-dir", config.StateDir, "state directory for LedgerPipe data (overrides $LEDGERPIPE_STATE_DIR)"),
		dbDSN:      flag.String("db-dsn", config.DatabaseURL, "database DSN for the session store (overrides $DATABASE_URL)"),
		waDSN:      flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "database DSN for the whatsmeow device store (overrides $WHATSAPP_DB_DSN)"),
		ledgerURL:  flag.String("ledger-url", config.LedgerURL, "base URL of the credex ledger API (overrides $CREDEX_API_URL)"),
		channel:    flag.String("channel", config.Channel, "messaging channel: whatsapp or twilio (overrides $LEDGERPIPE_CHANNEL)"),
		apiAddr:    flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		sessionTTL: flag.Duration("session-ttl", config.SessionTTL, "session expiry duration (overrides $SESSION_TTL)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"ledgerURL_set", *flags.ledgerURL != "",
		"channel", *flags.channel,
		"apiAddr", *flags.apiAddr,
		"sessionTTL", *flags.sessionTTL)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		stateDir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// buildStore selects the session store backend from the DSN.
func buildStore(flags Flags) (store.Store, error) {
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildMessagingService constructs the channel adapter named by the channel flag.
func buildMessagingService(flags Flags) (messaging.Service, *messaging.TwilioService, error) {
	switch *flags.channel {
	case "twilio":
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, err
		}
		svc := messaging.NewTwilioService(client)
		return svc, svc, nil
	default:
		var waOpts []whatsapp.Option
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		if *flags.waDSN != "" {
			waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewWhatsAppService(client), nil, nil
	}
}

// run wires the modules together and blocks until shutdown.
func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	reaper := store.StartReaper(st)
	defer reaper.Stop()

	sessions := state.NewManager(st, state.WithTTLSeconds(int64((*flags.sessionTTL).Seconds())))
	audits := audit.NewLog(st)

	var ledgerOpts []ledger.Option
	if *flags.ledgerURL != "" {
		ledgerOpts = append(ledgerOpts, ledger.WithBaseURL(*flags.ledgerURL))
	}
	ledgerClient, err := ledger.NewClient(sessions, ledgerOpts...)
	if err != nil {
		return err
	}

	flow.RegisterDefaults()
	engine := flow.NewEngine(flow.Dependencies{Ledger: ledgerClient}, audits)
	dispatcher := dispatch.NewDispatcher(sessions, engine, ledgerClient, audits)

	msgService, twilioService, err := buildMessagingService(flags)
	if err != nil {
		return err
	}
	if err := msgService.Start(ctx); err != nil {
		return err
	}
	defer msgService.Stop()

	responder := messaging.NewResponder(msgService, dispatcher)
	responder.Start(ctx)

	apiOpts := []api.Option{api.WithAuditLog(audits)}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if twilioService != nil {
		apiOpts = append(apiOpts, api.WithTwilioService(twilioService))
	}
	server := api.NewServer(apiOpts...)

	return server.Start(ctx)
}
