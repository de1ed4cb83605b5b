package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	mirage "github.com/ardelia/mirage"
	"github.com/ardelia/mirage/internal/config"
	"github.com/ardelia/mirage/observer"
	"github.com/ardelia/mirage/provider/resolve"
	"github.com/ardelia/mirage/store/postgres"
	"github.com/ardelia/mirage/store/sqlite"
)

const defaultSessionID = "default"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load config
	cfg := config.Load(os.Getenv("MIRAGE_CONFIG"))
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	// 2. Observability (optional)
	var inst *observer.Instruments
	var tracer mirage.Tracer
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				log.Printf("observer shutdown: %v", err)
			}
		}()
		tracer = observer.NewTracer()
	}

	// 3. Providers
	provider, err := resolve.Provider(resolve.Config{
		Provider:    cfg.Model.Provider,
		APIKey:      cfg.Model.APIKey,
		Model:       cfg.Model.Model,
		BaseURL:     cfg.Model.BaseURL,
		Temperature: cfg.Model.Temperature,
	})
	if err != nil {
		log.Fatalf("resolve provider: %v", err)
	}
	provider = mirage.WithRetry(provider)
	if inst != nil {
		provider = observer.WrapProvider(provider, cfg.Model.Model, inst)
	}

	compression, err := resolve.Provider(resolve.Config{
		Provider: cfg.Compression.Provider,
		APIKey:   cfg.Compression.APIKey,
		Model:    cfg.Compression.Model,
	})
	if err != nil {
		log.Fatalf("resolve compression provider: %v", err)
	}
	compression = mirage.WithRetry(compression)

	// 4. Storage
	var storage mirage.SessionStorage
	var approvalLog mirage.ApprovalLog
	switch cfg.Storage.Backend {
	case "sqlite":
		st := sqlite.New(cfg.Storage.Path)
		defer st.Close()
		if err := st.Init(ctx); err != nil {
			log.Fatalf("sqlite init: %v", err)
		}
		storage, approvalLog = st, st
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			log.Fatalf("postgres connect: %v", err)
		}
		defer pool.Close()
		st := postgres.New(pool)
		if err := st.Init(ctx); err != nil {
			log.Fatalf("postgres init: %v", err)
		}
		storage, approvalLog = st, st
	case "memory":
		mem := mirage.NewMemoryStorage()
		storage, approvalLog = mem, mem
	}

	// 5. Event bus + terminal output
	bus := mirage.NewBus()
	bus.Subscribe(mirage.EventMessageUpdate, func(ev mirage.Event) {
		if p, ok := ev.Payload.(mirage.MessageUpdatePayload); ok {
			fmt.Print(p.Delta)
		}
	})
	bus.Subscribe(mirage.EventToolExecStart, func(ev mirage.Event) {
		if p, ok := ev.Payload.(mirage.ToolExecPayload); ok {
			fmt.Printf("\n[tool] %s\n", p.ToolName)
		}
	})
	bus.Subscribe(mirage.EventSuggestion, func(ev mirage.Event) {
		if s, ok := ev.Payload.(mirage.Suggestion); ok {
			fmt.Printf("\n[suggestion] %s\n", s.Message)
		}
	})

	// 6. Safety gate
	stdin := bufio.NewReader(os.Stdin)
	terminal := &terminalApprovals{in: stdin}
	approvals := mirage.NewApprovalManager(
		mirage.WithTrustMode(mirage.TrustMode(cfg.Safety.TrustMode)),
		mirage.WithApprovalTimeout(time.Duration(cfg.Safety.ApprovalTimeoutSecs)*time.Second),
		mirage.WithApprovalChannel(terminal),
		mirage.WithApprovalBus(bus),
		mirage.WithApprovalLog(approvalLog),
	)
	terminal.manager = approvals
	classifier := mirage.NewClassifier(mirage.AllowHosts(cfg.Safety.AllowHosts...))

	// 7. Tools + scheduler
	registry := mirage.NewToolRegistry()
	workspace, err := os.Getwd()
	if err != nil {
		log.Fatalf("getwd: %v", err)
	}
	registerTools(registry, workspace)

	lanes := mirage.NewLaneManager(mirage.WithManagerBus(bus))
	hooks := mirage.NewHookRunner()

	schedOpts := []mirage.SchedulerOption{
		mirage.WithSchedulerClassifier(classifier),
		mirage.WithSchedulerApprovals(approvals),
		mirage.WithSchedulerHooks(hooks),
		mirage.WithSchedulerLanes(lanes),
		mirage.WithSchedulerBus(bus),
	}
	if cfg.Agent.ToolTimeoutSecs > 0 {
		schedOpts = append(schedOpts, mirage.WithToolTimeout(time.Duration(cfg.Agent.ToolTimeoutSecs)*time.Second))
	}
	if tracer != nil {
		schedOpts = append(schedOpts, mirage.WithSchedulerTracer(tracer))
	}
	scheduler := mirage.NewScheduler(registry, schedOpts...)

	// 8. Agent loop
	loopOpts := []mirage.LoopOption{
		mirage.WithCompressionProvider(compression),
		mirage.WithScheduler(scheduler),
		mirage.WithStorage(storage),
		mirage.WithMaxTurns(cfg.Agent.MaxTurns),
		mirage.WithContextWindowMax(cfg.Agent.ContextWindowMax),
	}
	if cfg.Agent.MaxResponseTokens > 0 {
		loopOpts = append(loopOpts, mirage.WithMaxResponseTokens(cfg.Agent.MaxResponseTokens))
	}
	if cfg.Model.Temperature != nil {
		loopOpts = append(loopOpts, mirage.WithTemperature(*cfg.Model.Temperature))
	}
	if cfg.Agent.QueueBusySessions {
		loopOpts = append(loopOpts, mirage.WithQueueBusySessions())
	}
	if tracer != nil {
		loopOpts = append(loopOpts, mirage.WithLoopTracer(tracer))
	}
	loop := mirage.NewLoop(provider, registry, bus, loopOpts...)

	// 9. Heartbeat (optional)
	if cfg.Proactive.Enabled {
		hb := mirage.NewHeartbeat(
			mirage.WithQuietHours(cfg.Proactive.QuietStart, cfg.Proactive.QuietEnd),
			mirage.WithHeartbeatBus(bus),
		)
		hb.Register(mirage.HeartbeatTask{
			ID:       "session-digest",
			Interval: time.Hour,
			Enabled:  true,
			Handler: func(ctx context.Context) error {
				ids, err := storage.List(ctx)
				if err != nil {
					return err
				}
				log.Printf("heartbeat: %d stored sessions", len(ids))
				return nil
			},
		})
		hb.Start(ctx)
		defer hb.Stop()
	}

	// 10. Session
	session, err := loadSession(ctx, storage, cfg.Agent.SystemPrompt, cfg.Model.Model)
	if err != nil {
		log.Fatalf("load session: %v", err)
	}

	// 11. REPL
	fmt.Printf("mirage (%s/%s, trust: %s) type /quit to exit\n", cfg.Model.Provider, cfg.Model.Model, cfg.Safety.TrustMode)
	for {
		fmt.Print("\n> ")
		line, err := stdin.ReadString('\n')
		if err != nil {
			break
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" {
			break
		}

		start := time.Now()
		res, err := loop.Run(ctx, session, input)
		if inst != nil && res != nil {
			inst.RecordRun(ctx, *res, err, time.Since(start))
		}
		fmt.Println()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Printf("error: %v\n", err)
		}
	}
}

// loadSession restores the default session from storage or creates it.
func loadSession(ctx context.Context, storage mirage.SessionStorage, systemPrompt, model string) (*mirage.Session, error) {
	doc, err := storage.Load(ctx, defaultSessionID)
	if err == nil {
		return mirage.SessionFromDocument(doc)
	}
	if !errors.Is(err, mirage.ErrSessionNotFound) {
		return nil, err
	}
	opts := []mirage.SessionOption{mirage.WithModel(model)}
	if systemPrompt != "" {
		opts = append(opts, mirage.WithSystemPrompt(systemPrompt))
	}
	return mirage.NewSession(defaultSessionID, opts...), nil
}
