package git

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"
)

// ErrNoOrigin is returned when a checkout has no usable origin remote.
var ErrNoOrigin = errors.New("no origin remote")

// Checkout represents a mod directory that is a git working copy
type Checkout struct {
	Path   string
	Logger *zap.Logger

	repo *git.Repository
}

// Open opens the git checkout at path. It returns git.ErrRepositoryNotExists
// when path is not a working copy.
func Open(path string, logger *zap.Logger) (*Checkout, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, err
	}
	return &Checkout{Path: path, Logger: logger, repo: repo}, nil
}

// Origin returns the owner/name identity of the origin remote
func (c *Checkout) Origin() (string, error) {
	remote, err := c.repo.Remote("origin")
	if err != nil {
		if errors.Is(err, git.ErrRemoteNotFound) {
			return "", ErrNoOrigin
		}
		return "", fmt.Errorf("failed to get origin: %w", err)
	}

	for _, u := range remote.Config().URLs {
		if id := ParseIdentity(u); id != "" {
			return id, nil
		}
	}
	return "", ErrNoOrigin
}

// Head returns the HEAD commit hash and the tag pointing at it, if any
func (c *Checkout) Head() (string, string, error) {
	ref, err := c.repo.Head()
	if err != nil {
		return "", "", fmt.Errorf("failed to get HEAD: %w", err)
	}

	commit, err := c.repo.CommitObject(ref.Hash())
	if err != nil {
		return "", "", fmt.Errorf("failed to get commit: %w", err)
	}

	tags, err := c.repo.Tags()
	if err != nil {
		return "", "", fmt.Errorf("failed to get tags: %w", err)
	}

	tag := ""
	tags.ForEach(func(t *plumbing.Reference) error {
		target := t.Hash()
		// Annotated tags point at a tag object, lightweight ones at the commit.
		if obj, err := c.repo.TagObject(t.Hash()); err == nil {
			target = obj.Target
		}
		if target == commit.Hash {
			tag = t.Name().Short()
		}
		return nil
	})

	return commit.Hash.String(), tag, nil
}

// OriginIdentity opens path and returns its origin identity
func OriginIdentity(path string, logger *zap.Logger) (string, error) {
	c, err := Open(path, logger)
	if err != nil {
		return "", err
	}
	return c.Origin()
}

// ParseIdentity extracts owner/name from a remote URL. Both URL and scp-like
// forms are accepted. It returns "" when the URL has no owner/name path.
func ParseIdentity(remote string) string {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return ""
	}

	var path string
	if u, err := url.Parse(remote); err == nil && u.Scheme != "" && u.Host != "" {
		path = u.Path
	} else if i := strings.Index(remote, ":"); i >= 0 && !strings.Contains(remote[:i], "/") {
		// git@host:owner/name.git
		path = remote[i+1:]
	} else {
		return ""
	}

	path = strings.Trim(path, "/")
	path = strings.TrimSuffix(path, ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return ""
	}
	owner, name := parts[len(parts)-2], parts[len(parts)-1]
	if owner == "" || name == "" {
		return ""
	}
	return owner + "/" + name
}
