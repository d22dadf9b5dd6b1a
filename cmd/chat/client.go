package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nidhogg/skill-collator/internal/events"
	"github.com/nidhogg/skill-collator/internal/gateway"
	"github.com/nidhogg/skill-collator/internal/skill"
)

// Client talks to the Skills Collator HTTP API.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for server. timeout <= 0 uses the REST
// gateway default.
func NewClient(server string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = gateway.DefaultRESTTimeout
	}
	return &Client{base: strings.TrimRight(server, "/"), http: &http.Client{Timeout: timeout}}
}

// Send posts one message to the REST gateway and returns every reply.
func (c *Client) Send(ctx context.Context, user, session, content string) (*gateway.RESTReply, error) {
	body, _ := json.Marshal(map[string]string{
		"user_id":    user,
		"user_name":  user,
		"session_id": session,
		"content":    content,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/gateway/rest/message", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	var reply gateway.RESTReply
	if err := c.do(req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Discover lists the skills of a repository.
func (c *Client) Discover(ctx context.Context, repo string) (*skill.Listing, error) {
	var listing skill.Listing
	if err := c.get(ctx, "/api/skills/discover?repo="+url.QueryEscape(repo), &listing); err != nil {
		return nil, err
	}
	return &listing, nil
}

// Installed lists the skills in the server workspace.
func (c *Client) Installed(ctx context.Context) ([]skill.Manifest, error) {
	var out []skill.Manifest
	return out, c.get(ctx, "/api/skills/installed", &out)
}

// Audit returns the most recent audit events.
func (c *Client) Audit(ctx context.Context, count int) ([]auditEvent, error) {
	var out []auditEvent
	return out, c.get(ctx, fmt.Sprintf("/api/audit?count=%d", count), &out)
}

type auditEvent struct{ events.Event }

// Session returns a short form of the session id for tabular output.
func (e auditEvent) Session() string {
	if len(e.SessionID) > 20 {
		return e.SessionID[:17] + "..."
	}
	return e.SessionID
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, v)
}

func (c *Client) do(req *http.Request, v any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// repl reads lines from in and prints the agent's replies to out until EOF
// or exit.
func repl(ctx context.Context, c *Client, user, session string, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "Skills Collator chat. Type 'exit' or 'quit' to leave.")
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "\n> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(out, "Bye!")
			return nil
		}

		start := time.Now()
		reply, err := c.Send(ctx, user, session, input)
		if err != nil {
			fmt.Fprintf(out, "[error] %v\n", err)
			continue
		}
		session = reply.SessionID
		for _, r := range reply.Replies {
			fmt.Fprintf(out, "\n%s\n", r)
		}
		fmt.Fprintf(out, "(%.1fs)\n", time.Since(start).Seconds())
	}
}
