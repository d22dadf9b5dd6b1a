// Package installer fetches a named skill from a verified repository into the
// local workspace by driving the install CLI as a subprocess.
package installer

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/nidhogg/skill-collator/internal/skill"
	"go.uber.org/zap"
)

// Installer installs one skill from one source. It never panics and never
// returns a Go error: every outcome is described by the result.
type Installer interface {
	InstallSkill(ctx context.Context, source, name string) skill.InstallResult
}

const (
	DefaultCLI     = "gemini"
	DefaultTimeout = 2 * time.Minute
	// SkillsDir is the canonical location of installed skills in the workspace.
	SkillsDir = "skills"
	// StagingDir is where the CLI writes workspace-scoped skills.
	StagingDir = ".gemini/skills"
)

// Options configures a CLIInstaller.
type Options struct {
	CLI       string
	Workspace string
	Timeout   time.Duration
}

// CLIInstaller runs `<cli> skills install` and relocates the result into
// <workspace>/skills.
type CLIInstaller struct {
	allow     skill.AllowList
	runner    Runner
	cli       string
	workspace string
	timeout   time.Duration
	logger    *zap.Logger
}

// NewCLIInstaller creates an installer. A nil runner uses ExecRunner.
func NewCLIInstaller(allow skill.AllowList, runner Runner, opts Options, logger *zap.Logger) *CLIInstaller {
	if runner == nil {
		runner = ExecRunner{}
	}
	if opts.CLI == "" {
		opts.CLI = DefaultCLI
	}
	if opts.Workspace == "" {
		opts.Workspace = "."
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &CLIInstaller{
		allow:     allow,
		runner:    runner,
		cli:       opts.CLI,
		workspace: opts.Workspace,
		timeout:   opts.Timeout,
		logger:    logger,
	}
}

// Workspace returns the directory skills are installed under.
func (c *CLIInstaller) Workspace() string { return c.workspace }

// InstalledDir returns the canonical skills directory.
func (c *CLIInstaller) InstalledDir() string { return filepath.Join(c.workspace, SkillsDir) }

// InstallSkill installs name from source. A skill already present at the
// canonical location is reported as success without spawning a process.
func (c *CLIInstaller) InstallSkill(ctx context.Context, source, name string) (res skill.InstallResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("installer panic recovered",
				zap.String("source", source),
				zap.String("skill", name),
				zap.Any("panic", r))
			res = skill.Failed(skill.KindInternalError, "Failed to add skill: internal installer error", fmt.Sprint(r))
		}
	}()

	if !c.allow.IsAllowed(source) {
		err := c.allow.Reject(source)
		c.logger.Warn("install rejected", zap.String("source", source), zap.String("skill", name))
		return skill.Failed(err.Kind, "Error: "+err.Message, "")
	}
	owner, repo, err := skill.ParseRepo(source)
	if err != nil {
		return skill.Failed(skill.KindMalformedURL, skill.MessageOf(err), "")
	}
	skillPath, leaf, err := ResolvePath(name)
	if err != nil {
		return skill.Failed(skill.KindMalformedURL, skill.MessageOf(err), "")
	}

	canonical := filepath.Join(c.workspace, SkillsDir, leaf)
	rel := path.Join(SkillsDir, leaf)
	if skill.IsInstalled(canonical) {
		c.logger.Info("skill already installed", zap.String("skill", name), zap.String("path", rel))
		res := skill.InstallResult{
			Success:        true,
			Message:        fmt.Sprintf("Skill %s is already installed at %s.", leaf, rel),
			Path:           rel,
			AlreadyPresent: true,
		}
		if m, err := skill.LoadManifest(canonical); err == nil {
			res.Description = m.Description
		}
		return res
	}

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := []string{"skills", "install", skill.CloneRef(owner, repo),
		"--path", skillPath, "--consent", "--scope", "workspace"}
	c.logger.Info("installing skill",
		zap.String("source", source),
		zap.String("skill", name),
		zap.String("cli", c.cli),
		zap.Strings("args", args))

	start := time.Now()
	stdout, stderr, runErr := c.runner.Run(runCtx, c.workspace, c.cli, args...)
	details := joinOutput(stdout, stderr)

	if runErr != nil {
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			return skill.Failed(skill.KindCanceled, "Failed to add skill: installation was canceled", details)
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			c.logger.Warn("install timed out", zap.String("skill", name), zap.Duration("timeout", c.timeout))
			return skill.Failed(skill.KindUpstreamUnavailable,
				fmt.Sprintf("Failed to add skill: install timed out after %s", c.timeout), details)
		}
		c.logger.Warn("install command failed", zap.String("skill", name), zap.Error(runErr))
		return skill.Failed(skill.KindInstallFailure, "Failed to add skill: "+runErr.Error(), details)
	}

	if !exists(canonical) {
		staged := filepath.Join(c.workspace, filepath.FromSlash(StagingDir), leaf)
		if !exists(staged) {
			return skill.Failed(skill.KindInstallFailure,
				fmt.Sprintf("Failed to add skill: install command did not produce %s", rel), details)
		}
		if err := copyDir(staged, canonical); err != nil {
			return skill.Failed(skill.KindInstallFailure, "Failed to add skill: relocating artifacts: "+err.Error(), details)
		}
		c.logger.Debug("relocated skill", zap.String("from", staged), zap.String("to", canonical))
	}

	res = skill.InstallResult{
		Success: true,
		Message: fmt.Sprintf("Successfully added skill %s from %s.", leaf, source),
		Details: details,
		Path:    rel,
	}
	if m, err := skill.LoadManifest(canonical); err == nil {
		res.Description = m.Description
	} else {
		res.Details = strings.TrimSpace(res.Details + "\nwarning: " + err.Error())
	}

	c.logger.Info("skill installed",
		zap.String("skill", name),
		zap.String("path", rel),
		zap.Duration("elapsed", time.Since(start)))
	return res
}

// ResolvePath validates a skill name and returns the --path argument for the
// CLI plus the directory leaf. A bare name lives under skills/; a name that
// already carries a path, or is rooted with "./", is used as is.
func ResolvePath(name string) (skillPath, leaf string, err error) {
	name = strings.TrimSpace(name)
	rooted := strings.HasPrefix(name, "./")
	name = strings.TrimPrefix(name, "./")
	switch {
	case name == "":
		return "", "", skill.Errorf(skill.KindMalformedURL, "skill name is required")
	case strings.HasPrefix(name, "/"):
		return "", "", skill.Errorf(skill.KindMalformedURL, "skill name %q must be relative", name)
	case strings.IndexFunc(name, unicode.IsSpace) >= 0:
		return "", "", skill.Errorf(skill.KindMalformedURL, "skill name %q must not contain whitespace", name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." || seg == "." {
			return "", "", skill.Errorf(skill.KindMalformedURL, "skill name %q must not contain relative segments", name)
		}
	}

	name = strings.TrimSuffix(name, "/")
	if rooted || strings.Contains(name, "/") {
		skillPath = name
	} else {
		skillPath = SkillsDir + "/" + name
	}
	leaf = path.Base(name)
	if leaf == "" || leaf == "." || strings.HasPrefix(leaf, ".") {
		return "", "", skill.Errorf(skill.KindMalformedURL, "skill name %q is not installable", name)
	}
	return skillPath, leaf, nil
}

func joinOutput(stdout, stderr []byte) string {
	out := strings.TrimSpace(string(stdout))
	errOut := strings.TrimSpace(string(stderr))
	switch {
	case out == "":
		return errOut
	case errOut == "":
		return out
	}
	return out + "\n" + errOut
}
