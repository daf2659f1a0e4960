package handlers

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/ssh"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/jumpterm/internal/audit"
	"github.com/gluk-w/jumpterm/internal/auth"
	"github.com/gluk-w/jumpterm/internal/config"
	"github.com/gluk-w/jumpterm/internal/database"
	"github.com/gluk-w/jumpterm/internal/metrics"
	"github.com/gluk-w/jumpterm/internal/middleware"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(db); err != nil {
		t.Fatal(err)
	}
	database.DB = db
	config.Cfg.AuthDisabled = false

	TokenStore = auth.NewTokenStore(0)
	Metrics = metrics.New()
	audit.SetGlobalForTest(audit.NewAuditor(db, 0))
	t.Cleanup(func() {
		audit.SetGlobalForTest(nil)
		sqlDB.Close()
		TokenStore, Metrics, SessionMgr, Monitor = nil, nil, nil, nil
	})
}

func createTestUser(t *testing.T, username, role string) (*database.User, string) {
	t.Helper()
	u := &database.User{Username: username, PasswordHash: "x", Role: role}
	if err := database.CreateUser(u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	tok, err := TokenStore.Create(u.ID)
	if err != nil {
		t.Fatal(err)
	}
	return u, tok
}

// testRouter mounts the API routes the way main does.
func testRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", HealthCheck)
	r.Post("/api/v1/auth/login", Login)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireAuth(TokenStore))
		r.Post("/auth/logout", Logout)
		r.Get("/auth/me", GetCurrentUser)
		r.Get("/targets", ListTargets)
		r.Get("/ws/ssh/{targetId}", TerminalWS)
		r.Get("/sessions", ListSessions)
		r.Get("/sessions/active", ActiveSessions)
		r.Get("/sessions/{sessionId}/replay", ReplayInfo)
		r.Get("/sessions/{sessionId}", GetSession)
		r.Delete("/sessions/{sessionId}", CloseSession)
		r.Post("/sessions/{sessionId}/heartbeat", SessionHeartbeat)
		r.Get("/sessions/{sessionId}/recording", GetRecording)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin)
			r.Post("/targets", CreateTarget)
			r.Post("/targets/{targetId}/assign", AssignTarget)
			r.Put("/targets/{targetId}/host-key", SetTargetHostKey)
			r.Delete("/targets/{targetId}/host-key", SetTargetHostKey)
			r.Get("/audit", GetAuditLogs)
			r.Get("/logs", GetServerLogs)
		})
	})
	return r
}

const (
	sshUser     = "ops"
	sshPassword = "s3cret"
)

type sshAddr struct {
	host string
	port int
}

// testSSHServer runs an SSH server whose shell greets with "ready", echoes
// stdin with an "echo:" prefix and exits on "exit".
func testSSHServer(t *testing.T) sshAddr {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if c.User() == sshUser && string(pw) == sshPassword {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("rejected %q", c.User())
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSH(nc, cfg)
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		<-done
	})

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(port)
	return sshAddr{host: host, port: p}
}

func serveSSH(nc net.Conn, cfg *ssh.ServerConfig) {
	conn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := nch.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				switch req.Type {
				case "pty-req", "window-change", "env":
					if req.WantReply {
						req.Reply(true, nil)
					}
				case "shell", "exec":
					req.Reply(true, nil)
					ch.Write([]byte("ready\r\n"))
					go func() {
						buf := make([]byte, 4096)
						for {
							n, err := ch.Read(buf)
							if n > 0 {
								if strings.Contains(string(buf[:n]), "exit") {
									ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
									ch.Close()
									return
								}
								ch.Write(append([]byte("echo:"), buf[:n]...))
							}
							if err != nil {
								return
							}
						}
					}()
				default:
					if req.WantReply {
						req.Reply(false, nil)
					}
				}
			}
		}()
	}
}
