package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/skill-collator/internal/a2a"
	"github.com/nidhogg/skill-collator/internal/agent"
	"github.com/nidhogg/skill-collator/internal/api"
	"github.com/nidhogg/skill-collator/internal/command"
	"github.com/nidhogg/skill-collator/internal/config"
	"github.com/nidhogg/skill-collator/internal/discovery"
	"github.com/nidhogg/skill-collator/internal/events"
	"github.com/nidhogg/skill-collator/internal/gateway"
	"github.com/nidhogg/skill-collator/internal/installer"
	"github.com/nidhogg/skill-collator/internal/policy"
	"github.com/nidhogg/skill-collator/internal/provider"
	msgrouter "github.com/nidhogg/skill-collator/internal/router"
	"github.com/nidhogg/skill-collator/internal/skill"
	pgstore "github.com/nidhogg/skill-collator/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, cfgPath, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()

	logger.Info("Starting Skills Collator Agent...", zap.String("config", cfgPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Reasoning providers
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		if pc.APIKey == "" && pc.Type != "openai" {
			logger.Warn("provider has no api key, skipping", zap.String("id", pc.ID))
			continue
		}
		p, pErr := provider.New(ctx, provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra,
			Timeout: pc.Timeout(),
		}, logger)
		if pErr != nil {
			logger.Warn("provider unavailable", zap.String("id", pc.ID), zap.Error(pErr))
			continue
		}
		router.Register(p)
	}
	router.SetFallbacks(cfg.Fallbacks)
	if len(router.ListProviders()) == 0 {
		logger.Warn("no reasoning provider configured, every turn will fail")
	}

	// Skill discovery and installation
	allow := skill.DefaultAllowList
	gh, err := discovery.NewGitHub(ctx, allow, discovery.Options{
		Token:  cfg.GitHub.Token,
		APIURL: cfg.GitHub.APIURL,
	}, logger)
	if err != nil {
		logger.Fatal("failed to create github discovery", zap.Error(err))
	}
	inst := installer.NewCLIInstaller(allow, installer.ExecRunner{}, installer.Options{
		CLI:       cfg.Installer.CLI,
		Workspace: cfg.Installer.Workspace,
		Timeout:   cfg.Installer.Timeout(),
	}, logger)

	// Optional PostgreSQL transcript store
	var pgStore *pgstore.Store
	checks := map[string]api.Pinger{}
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx, cfg.Database.Postgres.Migrations); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
			checks["postgres"] = ps
		}
	}

	// Optional Redis audit stream
	var bus *events.Bus
	var audit events.Publisher = events.Nop{}
	if cfg.Database.Redis.URL != "" {
		b, busErr := events.NewBus(ctx, cfg.Database.Redis.URL, cfg.Database.Redis.Stream, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, running without audit stream", zap.Error(busErr))
		} else {
			bus = b
			audit = b
			checks["redis"] = b
		}
	}

	// Conversation engine
	engine := agent.NewEngine(router, policy.Instruction(allow, cfg.Installer.CLI), agent.Options{
		Model:      cfg.Agent.Model,
		MaxTokens:  cfg.Agent.MaxTokens,
		MaxRounds:  cfg.Agent.MaxRounds,
		MaxHistory: cfg.Agent.MaxHistory,
	}, logger)
	engine.SetAudit(audit)
	if pgStore != nil {
		engine.SetTranscript(pgStore)
	}
	agent.RegisterSkillTools(engine.Tools(), agent.SkillDeps{
		Allow:     allow,
		Discovery: gh,
		Installer: inst,
		Audit:     audit,
		CLI:       cfg.Installer.CLI,
	}, logger)

	// A2A transport
	var tasks a2a.TaskStore
	if pgStore != nil {
		tasks = a2a.NewPGStore(pgStore.Pool())
	}
	a2aServer := a2a.NewServer(engine, tasks, a2a.NewCard(cfg.Server.BaseURL, cardInfo()), logger)

	// Chat gateway
	gw := gateway.NewGateway(logger)
	persona := &gateway.Persona{
		Name:    cfg.Gateway.Persona.Name,
		IconURL: cfg.Gateway.Persona.IconURL,
		Emoji:   cfg.Gateway.Persona.Emoji,
	}

	commands := command.NewRegistry()
	command.RegisterBuiltins(commands, command.Deps{
		Discovery: gh,
		Installed: func() ([]*skill.Manifest, error) { return skill.ListInstalled(inst.InstalledDir()) },
		Sessions:  engine,
		Status:    gatewayStatus{gw},
		CLI:       cfg.Installer.CLI,
	})
	command.RegisterProviderCommands(commands, providerSwitcher{router})

	// Wire message router BEFORE registering adapters (Register captures handler)
	msgRouter := msgrouter.New(engine, gw, commands, cfg.TurnTimeout(), logger)
	gw.SetHandler(msgRouter.Handle)

	restAdapter := gateway.NewRESTAdapter(cfg.RESTTimeout(), logger)
	gw.Register(restAdapter)

	if cfg.Gateway.Slack.Enabled {
		gw.Register(gateway.NewSlackAdapter(cfg.Gateway.Slack.BotToken, cfg.Gateway.Slack.AppToken, persona, logger))
	}
	if cfg.Gateway.Discord.Enabled {
		gw.Register(gateway.NewDiscordAdapter(cfg.Gateway.Discord.BotToken, persona, logger))
	}

	if err := gw.ConnectAll(ctx); err != nil {
		logger.Warn("some gateway adapters failed to connect", zap.Error(err))
	}

	// Build HTTP handler
	handler := api.NewHandler(api.Deps{
		Engine:    engine,
		Discovery: gh,
		Installed: func() ([]*skill.Manifest, error) { return skill.ListInstalled(inst.InstalledDir()) },
		RESTGW:    restAdapter,
		Gateway:   gw,
		A2A:       a2aServer,
		Providers: router,
		Audit:     auditReader(bus),
		Checks:    checks,
	}, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Skills Collator listening",
			zap.String("port", port),
			zap.String("base_url", cfg.Server.BaseURL),
			zap.String("agent_card", cfg.Server.BaseURL+"/.well-known/agent.json"))
		logger.Info(fmt.Sprintf("To connect from Gemini, use the exposed port %s.", port))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	logger.Info("Shutting down Skills Collator...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	gw.Close()
	if bus != nil {
		bus.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
}

func loadConfig() (*config.Config, string, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/collator.json"
	}
	cfg, err := config.Load(cfgPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = config.FromEnv()
		return cfg, "environment", err
	}
	return cfg, cfgPath, err
}

func newLogger(level string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if level == "debug" || os.Getenv("LOG_FORMAT") == "console" {
		logger, err = zap.NewDevelopment()
	} else {
		zc := zap.NewProductionConfig()
		if lvl, lErr := zap.ParseAtomicLevel(level); lErr == nil {
			zc.Level = lvl
		}
		logger, err = zc.Build()
	}
	if err != nil {
		return zap.NewExample()
	}
	return logger
}
