// Package discovery enumerates the skills that actually exist in a verified
// repository, so the only skill names the agent can propose come from the
// upstream listing.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/go-github/v57/github"
	"github.com/nidhogg/skill-collator/internal/skill"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Discoverer lists installable skills at a repository source.
type Discoverer interface {
	ListSkills(ctx context.Context, source string) (*skill.Listing, error)
}

// Options configures the GitHub discoverer.
type Options struct {
	Token      string        // optional; raises the API rate limit
	APIURL     string        // defaults to https://api.github.com/
	SkillsDir  string        // conventional subdirectory, defaults to "skills"
	Attempts   uint          // total tries for transient failures, defaults to 3
	Delay      time.Duration // initial backoff, defaults to 500ms
	HTTPClient *http.Client
}

// GitHub discovers skills through the repository contents API.
type GitHub struct {
	client    *github.Client
	allow     skill.AllowList
	skillsDir string
	attempts  uint
	delay     time.Duration
	logger    *zap.Logger
}

// NewGitHub creates a discoverer. Sources are checked against allow before
// any request is made.
func NewGitHub(ctx context.Context, allow skill.AllowList, opts Options, logger *zap.Logger) (*GitHub, error) {
	httpClient := opts.HTTPClient
	if opts.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
		if httpClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
		}
		httpClient = oauth2.NewClient(ctx, ts)
		logger.Debug("GitHub discovery authenticated")
	} else {
		logger.Warn("no GitHub token configured, API rate limits will be restricted")
	}

	client := github.NewClient(httpClient)
	if opts.APIURL != "" {
		u, err := url.Parse(opts.APIURL)
		if err != nil {
			return nil, fmt.Errorf("parse github api url: %w", err)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		client.BaseURL = u
	}

	g := &GitHub{
		client:    client,
		allow:     allow,
		skillsDir: strings.Trim(opts.SkillsDir, "/"),
		attempts:  opts.Attempts,
		delay:     opts.Delay,
		logger:    logger,
	}
	if g.skillsDir == "" {
		g.skillsDir = "skills"
	}
	if g.attempts == 0 {
		g.attempts = 3
	}
	if g.delay == 0 {
		g.delay = 500 * time.Millisecond
	}
	return g, nil
}

// ListSkills returns the non-hidden directories under the conventional
// skills directory of source, or under the repository root when that
// directory does not exist. Upstream order is preserved.
func (g *GitHub) ListSkills(ctx context.Context, source string) (*skill.Listing, error) {
	if !g.allow.IsAllowed(source) {
		return nil, g.allow.Reject(source)
	}
	owner, repo, err := skill.ParseRepo(source)
	if err != nil {
		return nil, err
	}

	basePath := g.skillsDir + "/"
	entries, err := g.list(ctx, owner, repo, g.skillsDir)
	if errors.Is(err, errNoDirectory) {
		g.logger.Debug("skills directory missing, falling back to repository root",
			zap.String("owner", owner), zap.String("repo", repo))
		basePath = ""
		entries, err = g.list(ctx, owner, repo, "")
	}
	if err != nil {
		if errors.Is(err, errNoDirectory) {
			return nil, skill.Errorf(skill.KindUpstreamUnavailable, "failed to fetch: repository %s/%s not found", owner, repo)
		}
		return nil, err
	}

	listing := &skill.Listing{
		Source:   source,
		Owner:    owner,
		Repo:     repo,
		BasePath: basePath,
		Skills:   []skill.Descriptor{},
	}
	for _, e := range entries {
		if e.GetType() != "dir" || strings.HasPrefix(e.GetName(), ".") {
			continue
		}
		listing.Skills = append(listing.Skills, skill.Descriptor{Name: e.GetName()})
	}

	g.logger.Info("discovered skills",
		zap.String("source", source),
		zap.String("base_path", basePath),
		zap.Int("count", len(listing.Skills)))
	return listing, nil
}

var errNoDirectory = errors.New("directory not found")

// list fetches one directory listing, retrying transient failures.
func (g *GitHub) list(ctx context.Context, owner, repo, path string) ([]*github.RepositoryContent, error) {
	var entries []*github.RepositoryContent
	err := retry.Do(
		func() error {
			file, dir, resp, err := g.client.Repositories.GetContents(ctx, owner, repo, path, nil)
			if err != nil {
				if resp != nil && resp.StatusCode == http.StatusNotFound {
					return errNoDirectory
				}
				return classify(resp, err)
			}
			if file != nil && dir == nil {
				// The path is a file, not a directory.
				return errNoDirectory
			}
			entries = dir
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(g.attempts),
		retry.Delay(g.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var t transientError
			return errors.As(err, &t) && ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Warn("retrying GitHub contents request",
				zap.String("repo", owner+"/"+repo),
				zap.String("path", path),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, skill.Wrap(skill.KindOf(ctxErr), ctxErr, "skill discovery interrupted")
		}
		return nil, err
	}
	return entries, nil
}

// transientError marks a failure worth another attempt.
type transientError struct{ error }

func (t transientError) Unwrap() error { return t.error }

// classify maps a failed contents request onto the error taxonomy. Every
// non-2xx status and network failure is UpstreamUnavailable; only 5xx,
// rate limits and transport errors are worth retrying.
func classify(resp *github.Response, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if resp == nil || resp.Response == nil {
		return transientError{skill.Wrap(skill.KindUpstreamUnavailable, err, "failed to fetch: network error")}
	}
	status := resp.Status
	if status == "" {
		status = http.StatusText(resp.StatusCode)
	}
	e := skill.Wrap(skill.KindUpstreamUnavailable, err, "failed to fetch: "+status)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return transientError{e}
	}
	return e
}
