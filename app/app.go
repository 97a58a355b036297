package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	persistence "github.com/goliatone/go-persistence-bun"

	"github.com/goliatone/go-deadlines/adapters/gocommand"
	"github.com/goliatone/go-deadlines/adapters/gojob"
	"github.com/goliatone/go-deadlines/adapters/gologger"
	"github.com/goliatone/go-deadlines/calllog"
	"github.com/goliatone/go-deadlines/command"
	"github.com/goliatone/go-deadlines/core"
	"github.com/goliatone/go-deadlines/dispatch"
	"github.com/goliatone/go-deadlines/email"
	"github.com/goliatone/go-deadlines/httpapi"
	"github.com/goliatone/go-deadlines/inbound"
	"github.com/goliatone/go-deadlines/query"
	"github.com/goliatone/go-deadlines/ratelimit"
	"github.com/goliatone/go-deadlines/scanner"
	"github.com/goliatone/go-deadlines/store/memory"
	sqlstore "github.com/goliatone/go-deadlines/store/sql"
	"github.com/goliatone/go-deadlines/telephony"
	"github.com/goliatone/go-deadlines/webhooks"
)

// Collaborators are the persistence contracts the runtime is built on.
type Collaborators struct {
	Transfers     core.TransferRepository
	Notifications core.NotificationStore
	Agencies      core.AgencyDirectory
	Audit         core.AuditLog
	CronRuns      core.CronRunLog
}

type Option func(*options)

type options struct {
	loggerProvider core.LoggerProvider
	logger         core.Logger
	telephony      core.TelephonyClient
	email          core.EmailSender
	collaborators  *Collaborators
	now            func() time.Time
}

func WithLogger(logger core.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(o *options) {
		o.loggerProvider = provider
	}
}

// WithTelephonyClient replaces the provider client built from config.
func WithTelephonyClient(client core.TelephonyClient) Option {
	return func(o *options) {
		o.telephony = client
	}
}

// WithEmailSender replaces the SMTP sender built from config.
func WithEmailSender(sender core.EmailSender) Option {
	return func(o *options) {
		o.email = sender
	}
}

// WithCollaborators skips the database and uses the given stores.
func WithCollaborators(c Collaborators) Option {
	return func(o *options) {
		o.collaborators = &c
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// App is the assembled runtime.
type App struct {
	Config        core.Config
	Logger        core.Logger
	Collaborators Collaborators
	CallLog       *calllog.Log
	Queue         *gojob.MemoryQueue
	Pool          *gojob.Pool
	Claims        *inbound.InMemoryClaimStore
	Ingestor      *inbound.Ingestor
	Worker        *inbound.Worker
	Reducer       *webhooks.Reducer
	Dispatcher    *dispatch.Dispatcher
	Scanner       *scanner.Scanner
	Bus           *gocommand.Bus
	Server        *httpapi.Server

	db       *persistence.Client
	schedule *scanner.Schedule
	logProv  core.LoggerProvider
}

// LoadConfig resolves defaults, the raw loader and runtime overrides.
func LoadConfig(ctx context.Context, loader core.RawConfigLoader, runtime core.Config) (core.Config, error) {
	return core.LoadConfig(ctx, loader, runtime)
}

// New builds every component from cfg. A missing provider credential is a
// configuration error and nothing is started.
func New(ctx context.Context, cfg core.Config, opts ...Option) (*App, error) {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.loggerProvider == nil && o.logger == nil {
		o.loggerProvider = gologger.NewConsole()
	}

	a := &App{Config: cfg, logProv: o.loggerProvider}
	a.Logger = core.ResolveLogger("app", o.loggerProvider, o.logger)

	if err := a.buildCollaborators(ctx, o); err != nil {
		return nil, err
	}

	a.CallLog = calllog.New(cfg.CallLog.Capacity,
		calllog.WithClock(o.now),
		calllog.WithRecentWindow(core.Duration(cfg.CallLog.RecentWindow, calllog.DefaultRecentWindow)),
	)
	pacer := ratelimit.NewPacer(core.Duration(cfg.Telephony.InterCallDelay, time.Second))

	tel := o.telephony
	if tel == nil {
		client, err := telephony.New(cfg.Telephony,
			telephony.WithPacer(pacer),
			telephony.WithCallLog(a.CallLog),
			telephony.WithAppURL(cfg.AppURL),
			telephony.WithLoggerProvider(o.loggerProvider),
			telephony.WithLogger(o.logger),
		)
		if err != nil {
			a.closeDB()
			return nil, err
		}
		tel = client
	}

	loc, err := cfg.Location()
	if err != nil {
		a.closeDB()
		return nil, core.ConfigError(err.Error(), map[string]any{"timezone": cfg.Timezone})
	}
	dispatchOpts := []dispatch.Option{
		dispatch.WithLocation(loc),
		dispatch.WithAgencyDirectory(a.Collaborators.Agencies),
		dispatch.WithAuditLog(a.Collaborators.Audit),
		dispatch.WithPacer(pacer),
		dispatch.WithCallTimeout(core.Duration(cfg.Telephony.CallTimeout, 30*time.Second)),
		dispatch.WithClock(o.now),
		dispatch.WithLoggerProvider(o.loggerProvider),
		dispatch.WithLogger(o.logger),
	}
	sender, err := a.emailSender(o)
	if err != nil {
		a.closeDB()
		return nil, err
	}
	if sender != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithEmailSender(sender))
	}
	if a.Dispatcher, err = dispatch.New(a.Collaborators.Transfers, a.Collaborators.Notifications, tel, dispatchOpts...); err != nil {
		a.closeDB()
		return nil, err
	}

	if a.Scanner, err = scanner.New(a.Collaborators.Transfers, a.Dispatcher,
		scanner.WithConcurrency(cfg.Scanner.Concurrency),
		scanner.WithClock(o.now),
		scanner.WithLoggerProvider(o.loggerProvider),
		scanner.WithLogger(o.logger),
	); err != nil {
		a.closeDB()
		return nil, err
	}

	if err := a.buildWebhookPipeline(o); err != nil {
		a.closeDB()
		return nil, err
	}
	if err := a.buildBus(o); err != nil {
		a.closeDB()
		return nil, err
	}

	if a.Server, err = httpapi.NewServer(a.Ingestor,
		httpapi.WithPublicBaseURL(cfg.Webhooks.PublicBaseURL),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		httpapi.WithCronToken(cfg.Cron.APIToken),
		httpapi.WithCronRunLog(a.Collaborators.CronRuns),
		httpapi.WithClock(o.now),
		httpapi.WithLoggerProvider(o.loggerProvider),
		httpapi.WithLogger(o.logger),
	); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) buildCollaborators(ctx context.Context, o options) error {
	if o.collaborators != nil {
		a.Collaborators = *o.collaborators
		return a.Collaborators.validate()
	}
	if a.Config.Database.Driver == core.DriverMemory {
		store := memory.New(memory.WithClock(o.now))
		a.Collaborators = Collaborators{
			Transfers:     store,
			Notifications: store,
			Agencies:      store,
			Audit:         store,
			CronRuns:      store,
		}
		return nil
	}

	client, err := OpenDatabase(a.Config)
	if err != nil {
		return err
	}
	a.db = client
	if err := Migrate(ctx, client, a.Config.Database.Driver); err != nil {
		a.closeDB()
		return err
	}
	stores, err := sqlstore.NewStoresFromPersistence(client)
	if err != nil {
		a.closeDB()
		return err
	}
	a.Collaborators = Collaborators{
		Transfers:     stores.Transfers(),
		Notifications: stores.Notifications(),
		Agencies:      stores.Agencies(),
		Audit:         stores.Audit(),
		CronRuns:      stores.CronRuns(),
	}
	return nil
}

func (c Collaborators) validate() error {
	if c.Transfers == nil || c.Notifications == nil {
		return core.ConfigError("app: transfer repository and notification store are required", nil)
	}
	return nil
}

func (a *App) emailSender(o options) (core.EmailSender, error) {
	if o.email != nil {
		return o.email, nil
	}
	if !a.Config.Email.Enabled {
		return nil, nil
	}
	sender, err := email.New(a.Config.Email,
		email.WithClock(o.now),
		email.WithLoggerProvider(o.loggerProvider),
		email.WithLogger(o.logger),
	)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

func (a *App) buildWebhookPipeline(o options) error {
	cfg := a.Config
	reducer, err := webhooks.NewReducer(a.Collaborators.Transfers, a.Collaborators.Notifications,
		webhooks.WithAuditLog(a.Collaborators.Audit),
		webhooks.WithFlowSID(cfg.Telephony.FlowSID),
		webhooks.WithClock(o.now),
		webhooks.WithLoggerProvider(o.loggerProvider),
		webhooks.WithLogger(o.logger),
	)
	if err != nil {
		return err
	}
	a.Reducer = reducer

	a.Claims = inbound.NewInMemoryClaimStore()
	a.Queue = gojob.NewMemoryQueue(cfg.Webhooks.QueueSize)
	if a.Worker, err = inbound.NewWorker(reducer,
		inbound.WithWorkerCallLog(a.CallLog),
		inbound.WithWorkerClaimStore(a.Claims),
		inbound.WithWorkerLoggerProvider(o.loggerProvider),
		inbound.WithWorkerLogger(o.logger),
	); err != nil {
		return err
	}

	_, jobLogger := gologger.ResolveForJob("inbound.pool", o.loggerProvider, o.logger)
	maxAttempts := cfg.Webhooks.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if a.Pool, err = gojob.NewPool(a.Queue, a.Worker.Handle,
		gojob.WithWorkers(cfg.Webhooks.Workers),
		gojob.WithRetryPolicy(gojob.RetryPolicy{
			MaxAttempts:     maxAttempts,
			BaseDelay:       time.Second,
			MaxDelay:        30 * time.Second,
			DeadLetterOnMax: true,
		}),
		gojob.WithHooks(a.Worker),
		gojob.WithLogger(jobLogger),
	); err != nil {
		return err
	}

	ingestOpts := []inbound.IngestorOption{
		inbound.WithClaimStore(a.Claims),
		inbound.WithClaimTTL(core.Duration(cfg.Webhooks.ClaimTTL, inbound.DefaultClaimTTL)),
		inbound.WithCallLog(a.CallLog),
		inbound.WithIngestClock(o.now),
		inbound.WithIngestLoggerProvider(o.loggerProvider),
		inbound.WithIngestLogger(o.logger),
	}
	if cfg.Webhooks.ValidateSignature {
		if strings.TrimSpace(cfg.Telephony.AuthToken) == "" {
			return core.ConfigError("app: webhook signature validation requires telephony.auth_token", nil)
		}
		ingestOpts = append(ingestOpts, inbound.WithVerifier(inbound.NewSignatureVerifier(cfg.Telephony.AuthToken)))
	}
	a.Ingestor, err = inbound.NewIngestor(a.Queue, ingestOpts...)
	return err
}

func (a *App) buildBus(o options) error {
	bus, err := gocommand.NewBus(gocommand.WithQueueRegistry(jobqueuecommand.NewRegistry()))
	if err != nil {
		return err
	}
	a.Bus = bus
	scanOpts := []command.ScanOption{
		command.WithCronRunLog(a.Collaborators.CronRuns),
		command.WithScanClock(o.now),
		command.WithScanLogger(core.ResolveLogger("command.scan", o.loggerProvider, o.logger)),
	}
	registrations := []func() error{
		func() error {
			return gocommand.RegisterCommand[command.DispatchDeadlineMessage](bus, command.NewDispatchDeadlineCommand(a.Dispatcher))
		},
		func() error {
			return gocommand.RegisterCommand[command.ScanOverdueMessage](bus, command.NewScanOverdueCommand(a.Scanner, scanOpts...))
		},
		func() error {
			return gocommand.RegisterCommand[command.ClearCallEventsMessage](bus, command.NewClearCallEventsCommand(a.CallLog))
		},
		func() error {
			return gocommand.RegisterQuery[query.ListCallEventsMessage, []calllog.Event](bus, query.NewListCallEventsQuery(a.CallLog))
		},
		func() error {
			return gocommand.RegisterQuery[query.CallEventStatsMessage, calllog.Stats](bus, query.NewCallEventStatsQuery(a.CallLog))
		},
		func() error {
			return gocommand.RegisterQuery[query.NextDeadlineMessage, scanner.NextDeadlineInfo](bus, query.NewNextDeadlineQuery(a.Scanner))
		},
		func() error {
			return gocommand.RegisterQuery[query.ListNotificationAttemptsMessage, []core.NotificationAttempt](bus, query.NewListNotificationAttemptsQuery(a.Collaborators.Notifications))
		},
		func() error {
			return gocommand.RegisterQuery[query.GetTransferMessage, core.Transfer](bus, query.NewGetTransferQuery(a.Collaborators.Transfers))
		},
	}
	for _, register := range registrations {
		if err := register(); err != nil {
			bus.Close()
			return err
		}
	}
	if err := bus.Initialize(); err != nil {
		bus.Close()
		return err
	}
	return nil
}

// Start launches the webhook worker pool and, when enabled, the scan schedule.
// Scheduled scans run through the command bus so they are logged as cron runs.
func (a *App) Start(ctx context.Context) error {
	a.Pool.Start(ctx)
	if !a.Config.Scanner.Enabled {
		return nil
	}
	schedule, err := scanner.NewSchedule(a.Scanner, a.Config.Scanner.Schedule,
		scanner.WithBatchRunner(func(ctx context.Context) scanner.BatchReport {
			result, err := a.Scan(ctx, command.ScanOverdueMessage{TriggeredBy: command.TriggerSchedule})
			if err != nil {
				return scanner.BatchReport{Error: err.Error()}
			}
			return result.Report
		}),
	)
	if err != nil {
		return err
	}
	a.schedule = schedule
	schedule.Start()
	core.Log(ctx, a.Logger, core.LogInfo, "deadline schedule started", map[string]any{"schedule": a.Config.Scanner.Schedule})
	return nil
}

// Scan runs one overdue batch through the command bus.
func (a *App) Scan(ctx context.Context, msg command.ScanOverdueMessage) (command.ScanResult, error) {
	result, _, err := gocommand.Execute[command.ScanOverdueMessage, command.ScanResult](ctx, msg)
	return result, err
}

// Dispatch runs the fallback chain for one transfer through the command bus.
func (a *App) Dispatch(ctx context.Context, transferID string) (dispatch.Result, error) {
	result, _, err := gocommand.Execute[command.DispatchDeadlineMessage, dispatch.Result](ctx, command.DispatchDeadlineMessage{TransferID: transferID})
	return result, err
}

// Serve runs the HTTP server until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	server := &http.Server{
		Addr:              a.Config.HTTP.Addr,
		Handler:           a.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		core.Log(ctx, a.Logger, core.LogInfo, "http server listening", map[string]any{"addr": server.Addr})
		errCh <- server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	}
}

// Close stops background work and releases the database.
func (a *App) Close(ctx context.Context) error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.schedule != nil {
		if err := a.schedule.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Pool != nil {
		if err := a.Pool.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Queue != nil {
		a.Queue.Close()
	}
	if a.Bus != nil {
		a.Bus.Close()
	}
	if err := a.closeDB(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeDB() error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}
