package seed

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	gogithttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// GitConfig configures a GitProvider.
type GitConfig struct {
	// URL is the repository to clone. Required.
	URL string

	// Branch is the branch to track. Defaults to "main".
	Branch string

	// Path is the glob pattern selecting seed files inside the repository.
	// Supports *, ** and ? wildcards. Defaults to "**/*.yaml".
	Path string

	// AuthToken, when set, authenticates clones and pulls.
	AuthToken string

	// ShallowClone controls whether to use depth=1 clones. Defaults to true.
	ShallowClone *bool
}

// GitProvider loads seed documents from a Git repository. The first Load
// clones into a temporary directory; later Loads pull and report whether
// HEAD moved.
type GitProvider struct {
	url        string
	branch     string
	pattern    string
	authToken  string
	shallow    bool
	logger     *slog.Logger
	cloneDir   string
	lastCommit string
}

// NewGitProvider creates a GitProvider. Pass nil for the default logger.
func NewGitProvider(cfg GitConfig, logger *slog.Logger) (*GitProvider, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("git seed provider: repository URL is required")
	}

	branch := cfg.Branch
	if branch == "" {
		branch = "main"
	}
	pattern := cfg.Path
	if pattern == "" {
		pattern = "**/*.yaml"
	}
	shallow := true
	if cfg.ShallowClone != nil {
		shallow = *cfg.ShallowClone
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &GitProvider{
		url:       cfg.URL,
		branch:    branch,
		pattern:   pattern,
		authToken: cfg.AuthToken,
		shallow:   shallow,
		logger:    logger,
	}, nil
}

// LastCommit returns the SHA of the last fetched commit.
func (p *GitProvider) LastCommit() string {
	return p.lastCommit
}

// Load returns the merged seed document read from the repository. When the
// repository was already cloned and HEAD did not move, changed is false and
// the document is nil.
func (p *GitProvider) Load(ctx context.Context) (*Document, bool, error) {
	if p.cloneDir == "" {
		doc, err := p.cloneAndRead(ctx)
		if err != nil {
			return nil, false, err
		}
		return doc, true, nil
	}
	return p.pullAndRead(ctx)
}

// Close removes the provider's working clone.
func (p *GitProvider) Close() {
	if p.cloneDir != "" {
		os.RemoveAll(p.cloneDir)
		p.cloneDir = ""
	}
}

func (p *GitProvider) cloneAndRead(ctx context.Context) (*Document, error) {
	dir, err := os.MkdirTemp("", "registry-seed-*")
	if err != nil {
		return nil, fmt.Errorf("git seed provider: failed to create temp dir: %w", err)
	}

	cloneOpts := &gogit.CloneOptions{
		URL:           p.url,
		ReferenceName: plumbing.NewBranchReferenceName(p.branch),
		SingleBranch:  true,
	}
	if p.shallow {
		cloneOpts.Depth = 1
	}
	if p.authToken != "" {
		cloneOpts.Auth = &gogithttp.BasicAuth{
			Username: "git", // Username is ignored for token auth.
			Password: p.authToken,
		}
	}

	p.logger.Info("cloning seed repository", "url", p.url, "branch", p.branch, "dir", dir)
	repo, err := gogit.PlainCloneContext(ctx, dir, false, cloneOpts)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("git seed provider: clone %s: %w", p.url, err)
	}
	p.cloneDir = dir

	if err := p.updateLastCommit(repo); err != nil {
		p.logger.Error("failed to resolve HEAD commit", "error", err)
	}

	return p.readDocument()
}

func (p *GitProvider) pullAndRead(ctx context.Context) (*Document, bool, error) {
	repo, err := gogit.PlainOpen(p.cloneDir)
	if err != nil {
		return nil, false, fmt.Errorf("git seed provider: open clone: %w", err)
	}

	w, err := repo.Worktree()
	if err != nil {
		return nil, false, fmt.Errorf("git seed provider: worktree: %w", err)
	}

	pullOpts := &gogit.PullOptions{
		RemoteName:    "origin",
		ReferenceName: plumbing.NewBranchReferenceName(p.branch),
		SingleBranch:  true,
	}
	if p.authToken != "" {
		pullOpts.Auth = &gogithttp.BasicAuth{
			Username: "git",
			Password: p.authToken,
		}
	}

	err = w.PullContext(ctx, pullOpts)
	if err == gogit.NoErrAlreadyUpToDate {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("git seed provider: pull: %w", err)
	}

	oldCommit := p.lastCommit
	if err := p.updateLastCommit(repo); err != nil {
		p.logger.Error("failed to resolve HEAD commit", "error", err)
	}
	if p.lastCommit == oldCommit {
		return nil, false, nil
	}

	doc, err := p.readDocument()
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// readDocument parses every matching file in the clone into one merged
// document. Unreadable or malformed files are logged and skipped so one bad
// file cannot block the rest of the seed.
func (p *GitProvider) readDocument() (*Document, error) {
	files, err := p.globFiles()
	if err != nil {
		return nil, fmt.Errorf("git seed provider: glob %s: %w", p.pattern, err)
	}

	merged := &Document{}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			p.logger.Error("failed to read seed file", "file", file, "error", err)
			continue
		}
		if int64(len(data)) > maxSeedFileSize {
			p.logger.Error("skipping oversized seed file", "file", file, "size", len(data))
			continue
		}
		doc, err := Parse(data)
		if err != nil {
			p.logger.Error("failed to parse seed file", "file", file, "error", err)
			continue
		}
		merged.Merge(doc)
	}

	p.logger.Info("read seed documents", "items", merged.Len(), "files", len(files), "url", p.url)
	return merged, nil
}

func (p *GitProvider) globFiles() ([]string, error) {
	var matches []string

	err := filepath.Walk(p.cloneDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			// Skip .git directory.
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}

		relPath, err := filepath.Rel(p.cloneDir, path)
		if err != nil {
			return nil
		}
		// Normalize to forward slashes for pattern matching.
		relPath = filepath.ToSlash(relPath)

		if matchGlob(p.pattern, relPath) {
			matches = append(matches, path)
		}
		return nil
	})

	return matches, err
}

func (p *GitProvider) updateLastCommit(repo *gogit.Repository) error {
	ref, err := repo.Head()
	if err != nil {
		return err
	}
	p.lastCommit = ref.Hash().String()
	return nil
}

// matchGlob matches a path against a glob pattern.
// Supports *, **, and ? wildcards.
func matchGlob(pattern, path string) bool {
	// Handle ** (match any number of directories).
	if strings.Contains(pattern, "**") {
		parts := strings.SplitN(pattern, "**", 2)
		prefix := parts[0]
		suffix := strings.TrimLeft(parts[1], "/")

		if prefix != "" && !strings.HasPrefix(path, prefix) {
			return false
		}

		// If no suffix, match everything under prefix.
		if suffix == "" {
			return true
		}

		// Try matching suffix against all possible subpaths.
		trimmed := path
		if prefix != "" {
			trimmed = strings.TrimPrefix(path, prefix)
		}
		pathParts := strings.Split(trimmed, "/")
		for i := range pathParts {
			subpath := strings.Join(pathParts[i:], "/")
			matched, _ := filepath.Match(suffix, subpath)
			if matched {
				return true
			}
		}
		return false
	}

	// Simple glob without **.
	matched, _ := filepath.Match(pattern, path)
	return matched
}
