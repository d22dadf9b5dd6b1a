package skill

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestAllowListIsAllowed(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"https://github.com/firebase/agent-skills", true},
		{"https://github.com/GoogleCloudPlatform/generative-ai", true},
		{"https://github.com/evil/agent-skills", false},
		{"https://gitlab.com/firebase/x", false},
		{"https://github.com/Firebase/agent-skills", false},
		{"http://github.com/firebase/agent-skills", false},
		{"https://github.com/firebase", false},
		{"https://github.com/firebase-evil/x", false},
		{" https://github.com/firebase/agent-skills", false},
		{"", false},
	}
	for _, c := range cases {
		if got := DefaultAllowList.IsAllowed(c.url); got != c.want {
			t.Errorf("IsAllowed(%q) = %v, want %v", c.url, got, c.want)
		}
	}
}

func TestAllowListReject(t *testing.T) {
	err := DefaultAllowList.Reject("https://github.com/random/repo")
	if err.Kind != KindSourceNotAllowed {
		t.Fatalf("kind = %q, want %q", err.Kind, KindSourceNotAllowed)
	}
	if KindOf(fmt.Errorf("wrapped: %w", err)) != KindSourceNotAllowed {
		t.Error("KindOf should see through wrapping")
	}
}

func TestParseRepo(t *testing.T) {
	tests := []struct {
		url         string
		owner, repo string
	}{
		{"https://github.com/firebase/agent-skills", "firebase", "agent-skills"},
		{"https://github.com/firebase/agent-skills.git", "firebase", "agent-skills"},
		{"https://github.com/firebase/agent-skills/", "firebase", "agent-skills"},
		{"https://github.com/GoogleCloudPlatform/gcp.skills", "GoogleCloudPlatform", "gcp.skills"},
	}
	for _, tt := range tests {
		owner, repo, err := ParseRepo(tt.url)
		if err != nil || owner != tt.owner || repo != tt.repo {
			t.Errorf("ParseRepo(%q) = %s/%s, %v", tt.url, owner, repo, err)
		}
	}
}

func TestParseRepoRejectsExtraSegments(t *testing.T) {
	for _, url := range []string{
		"https://github.com/firebase/",
		"https://github.com/firebase/agent-skills/../../evil/payload",
		"https://github.com/firebase/agent-skills/..",
		"https://github.com/firebase/..",
		"https://github.com/firebase/./agent-skills",
		"https://github.com/firebase/.git",
		"https://github.com/firebase/agent-skills/tree/main/skills",
		"https://github.com/firebase/agent-skills?ref=x",
		"https://github.com/firebase/agent-skills#readme",
		"https://github.com/firebase/agent-skills%2F..%2F..%2Fevil",
		"http://github.com/firebase/agent-skills",
	} {
		if _, _, err := ParseRepo(url); KindOf(err) != KindMalformedURL {
			t.Errorf("ParseRepo(%q) kind = %q, want malformed", url, KindOf(err))
		}
	}
}

func TestCloneRef(t *testing.T) {
	if got := CloneRef("firebase", "agent-skills"); got != "https://github.com/firebase/agent-skills.git" {
		t.Errorf("got %q", got)
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(context.Canceled) != KindCanceled {
		t.Error("context.Canceled should map to canceled")
	}
	if KindOf(context.DeadlineExceeded) != KindUpstreamUnavailable {
		t.Error("deadline should map to upstream unavailable")
	}
	if KindOf(errors.New("boom")) != KindInternalError {
		t.Error("plain errors should map to internal")
	}
	if KindOf(nil) != "" {
		t.Error("nil should have no kind")
	}
}

func TestListingNames(t *testing.T) {
	l := &Listing{Skills: []Descriptor{{Name: "b"}, {Name: "a"}}}
	names := l.Names()
	if len(names) != 2 || names[0] != "b" || names[1] != "a" {
		t.Fatalf("names = %v, want [b a]", names)
	}
	if !l.Has("a") || l.Has("c") {
		t.Error("Has mismatch")
	}
}

func writeSkill(t *testing.T, dir, name, body string) {
	t.Helper()
	sd := filepath.Join(dir, name)
	if err := os.MkdirAll(sd, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sd, FileName), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestListInstalled(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "firebase-auth-basics", "---\nname: firebase-auth-basics\ndescription: Set up Firebase Auth\n---\n# body\n")
	writeSkill(t, dir, "no-frontmatter", "# just markdown\n")
	if err := os.MkdirAll(filepath.Join(dir, ".hidden"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := ListInstalled(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d manifests, want 1", len(got))
	}
	if got[0].Description != "Set up Firebase Auth" {
		t.Errorf("description = %q", got[0].Description)
	}

	missing, err := ListInstalled(filepath.Join(dir, "nope"))
	if err != nil || len(missing) != 0 {
		t.Errorf("missing dir: got %v, %v", missing, err)
	}
}
