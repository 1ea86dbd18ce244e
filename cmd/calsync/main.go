package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/beekhof/intra-calsync/internal/auth"
	"github.com/beekhof/intra-calsync/internal/calendar"
	"github.com/beekhof/intra-calsync/internal/config"
	"github.com/beekhof/intra-calsync/internal/distlock"
	"github.com/beekhof/intra-calsync/internal/event"
	"github.com/beekhof/intra-calsync/internal/httpretry"
	"github.com/beekhof/intra-calsync/internal/logger"
	"github.com/beekhof/intra-calsync/internal/notify"
	"github.com/beekhof/intra-calsync/internal/schedule"
	"github.com/beekhof/intra-calsync/internal/server"
	"github.com/beekhof/intra-calsync/internal/source"
	"github.com/beekhof/intra-calsync/internal/store"
	"github.com/beekhof/intra-calsync/internal/sync"
)

func printHelp() {
	fmt.Fprintf(os.Stderr, `Intranet Calendar Sync

A one-way synchronization tool that mirrors your Epitech intranet planning
into one or more remote calendars (Google Calendar, Outlook or any CalDAV
server such as iCloud), and exports it as an .ics file.

USAGE:
    %s [OPTIONS] COMMAND [ARGS]

COMMANDS:
    sync                          Run one sync pass and exit (exit code 1 on errors)
    serve                         Serve the HTTP API and sync on the configured schedule
    export [--out FILE] [--from YYYY-MM-DD] [--to YYYY-MM-DD]
                                  Write the cached events as an iCalendar file
                                  (no network access; run sync first)
    status                        Print the status of the last sync pass
    login TARGET                  Authorize an OAuth target (google or outlook)

OPTIONS:
    -h, --help                    Show this help message and exit
    -v, --verbose                 Enable verbose output (show DEBUG logs)
    --config FILE                 Path to YAML or JSON config file
    --env-file FILE               Load secrets from FILE (default: ./.env if present)
    --target NAME                 Sync only to the named target (optional)
    --intranet-token TOKEN        Intranet session cookie value
                                  (overrides config file and INTRANET_TOKEN env var)
    --google-credentials-path PATH Path to Google OAuth credentials JSON file
                                  (overrides config file and GOOGLE_CREDENTIALS_PATH env var)
    --store-dir DIR               Directory of the file store
                                  (overrides config file and CALSYNC_STORE_DIR env var)
    --listen ADDR                 HTTP listen address for serve (default: 127.0.0.1:8080)
    --schedule SPEC               Cron spec for serve (default: "@every 1h")

CONFIGURATION PRECEDENCE (highest to lowest):
    1. Command-line flags
    2. Environment variables (and the .env file)
    3. Config file (--config)
    4. Defaults

CONFIG FILE:
    The targets array is required and must contain at least one target. Example:

    intranet_token: "..."                 # or INTRANET_TOKEN in .env
    google_credentials_path: /path/to/credentials.json
    outlook_client_id: 00000000-0000-0000-0000-000000000000
    title_prefix: "[EPI]"
    sync_window_weeks: 2
    sync_window_weeks_past: 0
    schedule: "*/30 7-22 * * *"
    store:
      backend: file                       # or redis
      dir: /var/lib/calsync
      redis_url: redis://localhost:6379/0
    webhook_url: https://hooks.example.com/calsync
    targets:
      - name: personal
        type: google
        calendar_name: Epitech
        color: "7"
      - name: school
        type: outlook
      - name: icloud
        type: caldav
        server_url: https://caldav.icloud.com
        username: you@icloud.com           # password from CALDAV_PASSWORD

ENVIRONMENT VARIABLES:
    INTRANET_TOKEN, INTRANET_URL, GOOGLE_CREDENTIALS_PATH, OUTLOOK_CLIENT_ID,
    OUTLOOK_CLIENT_SECRET, OUTLOOK_TENANT, CALDAV_PASSWORD, CALSYNC_TITLE_PREFIX,
    SYNC_WINDOW_WEEKS, SYNC_WINDOW_WEEKS_PAST, CALSYNC_SCHEDULE, CALSYNC_LISTEN,
    CALSYNC_STORE, CALSYNC_STORE_DIR, REDIS_URL, CALSYNC_LOCK_TTL,
    CALSYNC_CORS_ORIGINS, WEBHOOK_URL, WEBHOOK_SECRET

DESCRIPTION:
    The intranet planning is the source of truth. In each target calendar this
    tool will:
    - DELETE any previously synced event that is no longer in the planning
    - OVERWRITE any manual changes made to synced events
    Events it did not create are left alone.

    Only events you are registered to, or hold an appointment slot for, are
    synced. The window runs from Monday of the current week (minus
    sync_window_weeks_past weeks) to the Sunday of week sync_window_weeks.

EXAMPLES:
    # Authorize the Google target once, then sync
    %s --config config.yaml login personal
    %s --config config.yaml sync

    # Run as a service with the HTTP API
    %s --config config.yaml serve

    # Export this week's events
    %s --config config.yaml export --from 2025-03-03 --to 2025-03-09 --out week.ics

`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	helpFlag := flag.Bool("help", false, "Show help message")
	helpFlagShort := flag.Bool("h", false, "Show help message (shorthand)")
	verboseFlag := flag.Bool("verbose", false, "Enable verbose output (show DEBUG logs)")
	verboseFlagShort := flag.Bool("v", false, "Enable verbose output (shorthand)")
	configFile := flag.String("config", "", "Path to YAML or JSON config file")
	envFile := flag.String("env-file", "", "Path to a .env file")
	targetName := flag.String("target", "", "Sync only to the named target (optional)")
	intranetToken := flag.String("intranet-token", "", "Intranet session cookie (overrides config file and INTRANET_TOKEN env var)")
	googleCredentialsPath := flag.String("google-credentials-path", "", "Path to Google OAuth credentials JSON file (overrides config file and GOOGLE_CREDENTIALS_PATH env var)")
	storeDir := flag.String("store-dir", "", "Directory of the file store (overrides config file and CALSYNC_STORE_DIR env var)")
	listen := flag.String("listen", "", "HTTP listen address for serve")
	scheduleSpec := flag.String("schedule", "", "Cron spec for serve")
	flag.Usage = printHelp
	flag.Parse()

	if *helpFlag || *helpFlagShort || flag.NArg() == 0 {
		printHelp()
		os.Exit(0)
	}

	level := "info"
	if *verboseFlag || *verboseFlagShort {
		level = "debug"
	}
	if err := logger.Init(level); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.L()

	// Load configuration (precedence: flags > env vars > config file > defaults)
	cfg, err := config.LoadConfig(*configFile, *envFile, config.Flags{
		IntranetToken:         *intranetToken,
		GoogleCredentialsPath: *googleCredentialsPath,
		StoreDir:              *storeDir,
		Listen:                *listen,
		Schedule:              *scheduleSpec,
	})
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, log)
	if err != nil {
		logger.Fatal("failed to initialize", zap.Error(err))
	}
	defer app.close()

	command, args := flag.Arg(0), flag.Args()[1:]
	switch command {
	case "sync":
		err = app.runSync(ctx, *targetName)
	case "serve":
		err = app.serve(ctx)
	case "export":
		err = app.export(ctx, args)
	case "status":
		err = app.printStatus(ctx)
	case "login":
		err = app.login(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		printHelp()
		os.Exit(2)
	}
	if err != nil {
		log.Error(command+" failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

type app struct {
	cfg    *config.Config
	log    *zap.Logger
	store  store.Store
	locker sync.Locker
	redis  *redis.Client
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	switch cfg.Store.Backend {
	case config.StoreRedis:
		opts, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis_url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.store = store.NewRedis(a.redis, cfg.Store.Prefix)
		lock := distlock.NewRedisLock(a.redis, "sync", cfg.LockTTL)
		a.locker = lock
		log.Info("using redis store", zap.String("addr", opts.Addr), zap.String("lock", lock.Key()))
	default:
		fileStore, err := store.NewFile(cfg.Store.Dir)
		if err != nil {
			return nil, err
		}
		a.store = fileStore
		log.Info("using file store", zap.String("dir", cfg.Store.Dir))
	}
	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

// orchestrator wires every configured target. When only is set, the other
// targets are left out. A target that cannot be authorized is kept with its
// error so every pass reports it while the others still sync.
func (a *app) orchestrator(ctx context.Context, only string) (*sync.Orchestrator, error) {
	defaults := sync.Settings{
		TitlePrefix: a.cfg.TitlePrefix,
		WeeksPast:   a.cfg.SyncWindowWeeksPast,
		WeeksAhead:  a.cfg.SyncWindowWeeks,
		Targets:     map[string]bool{},
	}

	var targets []sync.Target
	for _, t := range a.cfg.Targets {
		if only != "" && t.Name != only {
			continue
		}
		defaults.Targets[t.Name] = !t.Disabled

		adapter, err := a.adapter(ctx, t)
		if err != nil {
			a.log.Error("target unavailable", zap.String("target", t.Name), zap.Error(err))
			targets = append(targets, sync.Target{Name: t.Name, Err: err})
			continue
		}
		targets = append(targets, sync.Target{
			Name:         t.Name,
			Adapter:      adapter,
			CalendarID:   t.CalendarID,
			CalendarName: t.CalendarName,
			Color:        t.Color,
		})
	}
	if only != "" && len(defaults.Targets) == 0 {
		return nil, fmt.Errorf("target '%s' not found in config", only)
	}

	notifiers := notify.Multi{notify.NewLog(a.log)}
	if a.cfg.WebhookURL != "" {
		doer := httpretry.New(nil, 3, httpretry.WithLogger(a.log.With(zap.String("notifier", "webhook"))))
		notifiers = append(notifiers, notify.NewWebhook(a.cfg.WebhookURL, a.cfg.WebhookSecret, doer))
	}

	return sync.New(sync.Config{
		Source:   source.NewClient(nil, a.cfg.IntranetURL, a.cfg.IntranetToken, a.log),
		Store:    a.store,
		Targets:  targets,
		Defaults: defaults,
		Locker:   a.locker,
		Notifier: notifiers,
		Log:      a.log,
	}), nil
}

func (a *app) oauthConfig(t config.Target) (*oauth2.Config, error) {
	switch t.Type {
	case config.TypeGoogle:
		clientID, clientSecret, err := config.LoadGoogleCredentials(a.cfg.GoogleCredentialsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load Google credentials: %w", err)
		}
		return auth.GoogleConfig(clientID, clientSecret), nil
	case config.TypeOutlook:
		return auth.OutlookConfig(a.cfg.OutlookClientID, a.cfg.OutlookClientSecret, a.cfg.OutlookTenant), nil
	default:
		return nil, fmt.Errorf("target '%s' of type %s does not use OAuth", t.Name, t.Type)
	}
}

func (a *app) adapter(ctx context.Context, t config.Target) (calendar.Adapter, error) {
	log := a.log.With(zap.String("target", t.Name))

	if t.Type == config.TypeCalDAV {
		doer := httpretry.New(&http.Client{Timeout: 30 * time.Second}, 3, httpretry.WithLogger(log))
		return calendar.NewCalDAVClient(doer, t.ServerURL, t.BasePath, t.Username, t.Password, log), nil
	}

	oauthConfig, err := a.oauthConfig(t)
	if err != nil {
		return nil, err
	}
	httpClient, err := auth.GetAuthenticatedClient(ctx, oauthConfig, auth.NewKVTokenStore(a.store, t.TokenKey))
	if errors.Is(err, auth.ErrNoToken) {
		return nil, fmt.Errorf("%w (calsync login %s)", err, t.Name)
	}
	if err != nil {
		return nil, err
	}

	if t.Type == config.TypeGoogle {
		return calendar.NewGoogleClient(ctx, log, option.WithHTTPClient(httpClient))
	}
	doer := httpretry.New(httpClient, 3, httpretry.WithLogger(log))
	return calendar.NewOutlookClient(doer, calendar.GraphBaseURL, log), nil
}

func (a *app) runSync(ctx context.Context, only string) error {
	orch, err := a.orchestrator(ctx, only)
	if err != nil {
		return err
	}

	res := orch.Sync(ctx)
	fmt.Printf("%s (created %d, updated %d, deleted %d)\n", res.Message, res.Created, res.Updated, res.Deleted)
	for _, e := range res.Errors {
		fmt.Printf("  - %s\n", e)
	}
	if !res.Success {
		return fmt.Errorf("sync completed with %d error(s)", len(res.Errors))
	}
	return nil
}

func (a *app) serve(ctx context.Context) error {
	orch, err := a.orchestrator(ctx, "")
	if err != nil {
		return err
	}

	scheduler, err := schedule.New(ctx, a.cfg.Schedule, func(ctx context.Context) { orch.Sync(ctx) }, a.log)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           server.New(orch, a.log, a.cfg.CORSOrigins).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", zap.String("addr", a.cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	scheduler.Start()

	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	scheduler.Stop(shutdownCtx)
	return srv.Shutdown(shutdownCtx)
}

func (a *app) export(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	out := fs.String("out", "", "Output file (default: intranet-calendar-<date>.ics, - for stdout)")
	from := fs.String("from", "", "First day to include (YYYY-MM-DD)")
	to := fs.String("to", "", "Last day to include (YYYY-MM-DD)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var start, end time.Time
	var err error
	if *from != "" {
		if start, err = time.ParseInLocation("2006-01-02", *from, event.Paris); err != nil {
			return fmt.Errorf("invalid --from date: %w", err)
		}
	}
	if *to != "" {
		if end, err = time.ParseInLocation("2006-01-02", *to, event.Paris); err != nil {
			return fmt.Errorf("invalid --to date: %w", err)
		}
		end = end.AddDate(0, 0, 1)
	}

	orch := sync.New(sync.Config{Store: a.store, Log: a.log})
	doc, filename, err := orch.Export(ctx, start, end)
	if err != nil {
		return err
	}

	switch *out {
	case "-":
		_, err = os.Stdout.WriteString(doc)
		return err
	case "":
		*out = filename
	}
	if err := os.WriteFile(*out, []byte(doc), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", *out, err)
	}
	fmt.Printf("Exported calendar to %s\n", *out)
	return nil
}

func (a *app) printStatus(ctx context.Context) error {
	orch := sync.New(sync.Config{Store: a.store, Log: a.log})
	status, err := orch.Status(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}

func (a *app) login(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: login TARGET")
	}
	t, ok := a.cfg.Target(args[0])
	if !ok {
		return fmt.Errorf("target '%s' not found in config", args[0])
	}
	oauthConfig, err := a.oauthConfig(t)
	if err != nil {
		return err
	}

	_, err = auth.Login(ctx, oauthConfig, auth.NewKVTokenStore(a.store, t.TokenKey), func(authURL string) {
		fmt.Println("Please visit the following URL to authorize the application:")
		fmt.Println(authURL)
		fmt.Println("\nWaiting for authorization...")
	})
	if err != nil {
		return err
	}
	fmt.Printf("Authorization successful for target '%s'.\n", t.Name)
	return nil
}
