package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/gateway/rest/message", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		session := req["session_id"]
		if session == "" {
			session = "rest:" + req["user_id"]
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"session_id": session,
			"replies":    []string{"echo: " + req["content"]},
		})
	})
	mux.HandleFunc("/api/skills/discover", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Query().Get("repo"), "https://github.com/firebase/") {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"Repository not verified."}`))
			return
		}
		_, _ = w.Write([]byte(`{"source":"https://github.com/firebase/agent-skills","base_path":"skills","skills":[{"name":"firebase-auth-basics"},{"name":"firestore-rules"}]}`))
	})
	mux.HandleFunc("/api/skills/installed", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"name":"firebase-auth-basics","description":"Auth setup"}]`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSkillsCommand(t *testing.T) {
	ts := fakeServer(t)

	out, err := run(t, "", "skills", "https://github.com/firebase/agent-skills", "--server", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "firebase-auth-basics")
	assert.Contains(t, out, "(skills)")

	_, err = run(t, "", "skills", "https://github.com/evil/skills", "--server", ts.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Repository not verified.")

	_, err = run(t, "", "skills", "--server", ts.URL)
	assert.Error(t, err, "repository argument is required")
}

func TestInstalledCommand(t *testing.T) {
	ts := fakeServer(t)
	out, err := run(t, "", "installed", "--server", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "firebase-auth-basics  Auth setup")
}

func TestREPLKeepsSession(t *testing.T) {
	ts := fakeServer(t)
	out, err := run(t, "add firebase auth\n\nyes\nexit\n", "--server", ts.URL, "--user", "dana")
	require.NoError(t, err)
	assert.Contains(t, out, "echo: add firebase auth")
	assert.Contains(t, out, "echo: yes")
	assert.Contains(t, out, "Bye!")
}
