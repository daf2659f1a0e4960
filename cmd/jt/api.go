package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var errNoToken = errors.New("no API token; run `jt login` and export JT_TOKEN")

// apiCall sends a JSON request to the server and decodes a JSON reply into
// out. Error replies surface their detail message.
func apiCall(ctx context.Context, method, path string, body, out interface{}) error {
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(cfg.Server, "/")+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Detail string `json:"detail"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		if e.Detail == "" {
			e.Detail = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, e.Detail)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

var loginCmd = &cobra.Command{
	Use:   "login <username> <password>",
	Short: "Exchange credentials for an API token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		var resp struct {
			Token     string `json:"token"`
			ExpiresIn int    `json:"expires_in"`
		}
		err := apiCall(ctx, http.MethodPost, "/api/v1/auth/login",
			map[string]string{"username": args[0], "password": args[1]}, &resp)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "export JT_TOKEN=%s\n", resp.Token)
		fmt.Fprintf(cmd.ErrOrStderr(), "token valid for %s\n", time.Duration(resp.ExpiresIn)*time.Second)
		return nil
	},
}

type sessionRow struct {
	ID           string     `json:"id"`
	UserID       uint       `json:"user_id"`
	TargetID     uint       `json:"target_id"`
	State        string     `json:"state"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at"`
	HasRecording bool       `json:"has_recording"`
}

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Token == "" {
			return errNoToken
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		var rows []sessionRow
		if err := apiCall(ctx, http.MethodGet, fmt.Sprintf("/api/v1/sessions?limit=%d", sessionsLimit), nil, &rows); err != nil {
			return err
		}
		printSessions(cmd.OutOrStdout(), rows)
		return nil
	},
}

func init() {
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "number of sessions to list")
}

type auditRow struct {
	EventType  string    `json:"event_type"`
	Username   string    `json:"username"`
	TargetName string    `json:"target_name"`
	SessionID  string    `json:"session_id"`
	SourceIP   string    `json:"source_ip"`
	Details    string    `json:"details"`
	CreatedAt  time.Time `json:"created_at"`
}

var (
	auditLimit   int
	auditEvent   string
	auditSession string
	auditUser    string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the server audit log (admin only)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Token == "" {
			return errNoToken
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		q := url.Values{}
		q.Set("limit", fmt.Sprint(auditLimit))
		for k, v := range map[string]string{"event_type": auditEvent, "session_id": auditSession, "username": auditUser} {
			if v != "" {
				q.Set(k, v)
			}
		}
		var resp struct {
			Entries []auditRow `json:"entries"`
			Total   int64      `json:"total"`
		}
		if err := apiCall(ctx, http.MethodGet, "/api/v1/audit?"+q.Encode(), nil, &resp); err != nil {
			return err
		}
		printAudit(cmd.OutOrStdout(), resp.Entries, resp.Total)
		return nil
	},
}

func init() {
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "number of entries to show")
	auditCmd.Flags().StringVar(&auditEvent, "event", "", "only entries of this event type")
	auditCmd.Flags().StringVar(&auditSession, "session", "", "only entries for this session id")
	auditCmd.Flags().StringVar(&auditUser, "user", "", "only entries for this username")
}
