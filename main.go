package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gluk-w/jumpterm/internal/asciicast"
	"github.com/gluk-w/jumpterm/internal/audit"
	"github.com/gluk-w/jumpterm/internal/auth"
	"github.com/gluk-w/jumpterm/internal/config"
	"github.com/gluk-w/jumpterm/internal/crypto"
	"github.com/gluk-w/jumpterm/internal/database"
	"github.com/gluk-w/jumpterm/internal/handlers"
	"github.com/gluk-w/jumpterm/internal/logging"
	"github.com/gluk-w/jumpterm/internal/logutil"
	"github.com/gluk-w/jumpterm/internal/metrics"
	"github.com/gluk-w/jumpterm/internal/middleware"
	"github.com/gluk-w/jumpterm/internal/sessionmon"
	"github.com/gluk-w/jumpterm/internal/sshkeys"
	"github.com/gluk-w/jumpterm/internal/sshterminal"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-admin":
			runUserCommand("admin")
			return
		case "--create-user":
			runUserCommand("user")
			return
		case "--assign":
			runAssignCommand()
			return
		case "--generate-key":
			runGenerateKeyCommand()
			return
		}
	}

	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	log.Printf("Config: AuthDisabled=%v, Recordings=%q, SessionTimeout=%s",
		config.Cfg.AuthDisabled, config.Cfg.RecordingsPath(), config.Cfg.SessionTimeout)

	if config.Cfg.TargetsFile != "" {
		if err := seedTargets(config.Cfg.TargetsFile); err != nil {
			log.Fatalf("Targets file: %v", err)
		}
	}

	auditor := audit.InitGlobal(database.DB, config.Cfg.AuditRetentionDays)

	m := metrics.New()
	handlers.Metrics = m

	tokenStore := auth.NewTokenStore(config.Cfg.TokenTTL)
	handlers.TokenStore = tokenStore

	sessionMgr := sshterminal.NewSessionManager(config.Cfg.RecordingsPath())
	sessionMgr.RecorderOptions = []asciicast.WriterOption{
		asciicast.WithDropHook(func() { m.RecordingDrops.Inc() }),
	}
	sessionMgr.DialLimiter = sshterminal.NewDialLimiter(sshterminal.DefaultDialLimitConfig(), nil)
	handlers.SessionMgr = sessionMgr

	monitor := sessionmon.New(sessionMgr, sessionmon.Config{
		SessionTimeout: config.Cfg.SessionTimeout,
		SweepInterval:  config.Cfg.SessionSweepInterval,
		Retention:      config.Cfg.RecordingRetention,
	}, sessionmon.WithTokens(tokenStore), sessionmon.WithMetrics(m), sessionmon.WithAuditPurge(auditor))
	if err := monitor.Start(); err != nil {
		log.Fatalf("Session monitor: %v", err)
	}
	handlers.Monitor = monitor

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health and metrics (no auth)
	r.Get("/health", handlers.HealthCheck)
	r.Handle("/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", handlers.Login)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(tokenStore))

			r.Post("/auth/logout", handlers.Logout)
			r.Get("/auth/me", handlers.GetCurrentUser)

			r.Get("/targets", handlers.ListTargets)

			// Terminal WebSocket
			r.Get("/ws/ssh/{targetId}", handlers.TerminalWS)

			// Sessions
			r.Get("/sessions", handlers.ListSessions)
			r.Get("/sessions/active", handlers.ActiveSessions)
			r.Get("/sessions/{sessionId}", handlers.GetSession)
			r.Delete("/sessions/{sessionId}", handlers.CloseSession)
			r.Post("/sessions/{sessionId}/heartbeat", handlers.SessionHeartbeat)
			r.Get("/sessions/{sessionId}/replay", handlers.ReplayInfo)
			r.Get("/sessions/{sessionId}/recording", handlers.GetRecording)

			// Admin-only routes
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)

				r.Post("/targets", handlers.CreateTarget)
				r.Post("/targets/{targetId}/assign", handlers.AssignTarget)
				r.Put("/targets/{targetId}/host-key", handlers.SetTargetHostKey)
				r.Delete("/targets/{targetId}/host-key", handlers.SetTargetHostKey)
				r.Get("/audit", handlers.GetAuditLogs)
				r.Get("/logs", handlers.GetServerLogs)
				r.Delete("/logs", handlers.ClearServerLogs)
			})
		})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	monitor.Stop()
	// Relays end with a close frame, which lets their handlers finish.
	sessionMgr.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// seedTargets upserts every target in the YAML file, encrypting passwords.
func seedTargets(path string) error {
	seeds, err := config.LoadTargets(path)
	if err != nil {
		return err
	}
	for _, s := range seeds {
		allowed, err := sshterminal.NormalizeAllowList(s.AllowedIPs)
		if err != nil {
			return fmt.Errorf("target %q: %w", s.Name, err)
		}
		if err := sshterminal.ValidateFingerprint(s.HostKeyFingerprint); err != nil {
			return fmt.Errorf("target %q: %w", s.Name, err)
		}
		enc, err := crypto.Encrypt(s.Password)
		if err != nil {
			return fmt.Errorf("target %q: %w", s.Name, err)
		}
		t := &database.Target{
			Name:               s.Name,
			Host:               s.Host,
			Port:               s.Port,
			Username:           s.Username,
			PasswordEnc:        enc,
			PrivateKeyPath:     s.PrivateKeyPath,
			Shell:              s.Shell,
			AllowedIPs:         allowed,
			HostKeyFingerprint: s.HostKeyFingerprint,
		}
		if err := database.UpsertTarget(t); err != nil {
			return fmt.Errorf("target %q: %w", s.Name, err)
		}
	}
	log.Printf("Seeded %d targets from %s", len(seeds), path)
	return nil
}

func initForCLI() {
	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
}

func runUserCommand(role string) {
	fs := flag.NewFlagSet("create-"+role, flag.ExitOnError)
	username := fs.String("username", "", "Username")
	password := fs.String("password", "", "Password")
	fs.Parse(os.Args[2:])

	if *username == "" || *password == "" {
		fmt.Fprintf(os.Stderr, "Usage: jumpterm --create-%s --username <user> --password <pass>\n", role)
		os.Exit(1)
	}

	initForCLI()
	defer database.Close()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}
	user := &database.User{Username: *username, PasswordHash: hash, Role: role}
	if err := database.CreateUser(user); err != nil {
		log.Fatalf("Failed to create %s: %v", role, err)
	}
	fmt.Printf("User '%s' (%s) created with id %d.\n", logutil.SanitizeForLog(*username), role, user.ID)
}

func runAssignCommand() {
	fs := flag.NewFlagSet("assign", flag.ExitOnError)
	username := fs.String("username", "", "Username")
	target := fs.String("target", "", "Target name")
	fs.Parse(os.Args[2:])

	if *username == "" || *target == "" {
		fmt.Fprintln(os.Stderr, "Usage: jumpterm --assign --username <user> --target <name>")
		os.Exit(1)
	}

	initForCLI()
	defer database.Close()

	user, err := database.GetUserByUsername(*username)
	if err != nil {
		log.Fatalf("User '%s' not found", logutil.SanitizeForLog(*username))
	}
	targets, err := database.ListTargets()
	if err != nil {
		log.Fatalf("List targets: %v", err)
	}
	for _, t := range targets {
		if t.Name == *target {
			if err := database.AssignTarget(user.ID, t.ID); err != nil {
				log.Fatalf("Assign: %v", err)
			}
			fmt.Printf("Assigned target '%s' to '%s'.\n", t.Name, user.Username)
			return
		}
	}
	log.Fatalf("Target '%s' not found", logutil.SanitizeForLog(*target))
}

func runGenerateKeyCommand() {
	fs := flag.NewFlagSet("generate-key", flag.ExitOnError)
	name := fs.String("name", "", "Key name, usually the target name")
	fs.Parse(os.Args[2:])

	if *name == "" {
		fmt.Fprintln(os.Stderr, "Usage: jumpterm --generate-key --name <name>")
		os.Exit(1)
	}

	config.Load()
	pub, priv, err := sshkeys.GenerateKeyPair()
	if err != nil {
		log.Fatalf("Generate key: %v", err)
	}
	path, err := sshkeys.SaveKeyPair(config.Cfg.KeysPath(), *name, priv, pub)
	if err != nil {
		log.Fatalf("Save key: %v", err)
	}
	fmt.Printf("Private key written to %s; use it as the target's private_key_path.\n", path)
	fmt.Printf("Add this line to ~/.ssh/authorized_keys on the target:\n%s", pub)
}
