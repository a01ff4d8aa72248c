// Package execcontext resolves a PackageExecutionContext: the repository
// identity (owner, name, canonical URL) a package's command runs against,
// plus the environment variables propagated into that command. Local
// resolution shells out to "git remote get-url origin", the owner/repo
// parsing follows cmd/autobuilder/autobuilder.go's
// strings.TrimPrefix+strings.Split treatment of a GitHub URL; an optional
// cross-check against the GitHub API reuses autobuilder's
// go-github+oauth2 client construction.
package execcontext

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/go-github/v27/github"
	"golang.org/x/oauth2"
	"golang.org/x/xerrors"
)

// Context is the resolved execution identity for one package.
type Context struct {
	PackageName      string
	PackagePath      string
	WorkingDirectory string
	RepositoryURL    string
	RepositoryHost   string
	Owner            string
	Name             string
	GitRemote        string
}

// Resolve shells out to git to read the origin remote for dir, then
// derives owner/name from it. remoteName defaults to "origin" when empty.
func Resolve(packageName, dir, remoteName string) (*Context, error) {
	if remoteName == "" {
		remoteName = "origin"
	}
	cmd := exec.Command("git", "remote", "get-url", remoteName)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return nil, xerrors.Errorf("execcontext: git remote get-url %s: %w", remoteName, err)
	}
	remote := strings.TrimSpace(string(out))

	owner, name, host, canonical, err := parseRemote(remote)
	if err != nil {
		return nil, xerrors.Errorf("execcontext: parsing remote %q: %w", remote, err)
	}

	workingDirectory, err := filepath.Abs(dir)
	if err != nil {
		return nil, xerrors.Errorf("execcontext: resolving working directory for %q: %w", dir, err)
	}

	return &Context{
		PackageName:      packageName,
		PackagePath:      dir,
		WorkingDirectory: workingDirectory,
		RepositoryURL:    canonical,
		RepositoryHost:   host,
		Owner:            owner,
		Name:             name,
		GitRemote:        remoteName,
	}, nil
}

// parseRemote accepts https://host/owner/name(.git) and
// git@host:owner/name(.git) forms, the two shapes "git remote get-url"
// actually returns in practice.
func parseRemote(remote string) (owner, name, host, canonical string, err error) {
	remote = strings.TrimSuffix(remote, ".git")

	switch {
	case strings.HasPrefix(remote, "https://"), strings.HasPrefix(remote, "http://"):
		rest := strings.TrimPrefix(strings.TrimPrefix(remote, "https://"), "http://")
		parts := strings.SplitN(rest, "/", 3)
		if len(parts) < 3 {
			return "", "", "", "", xerrors.Errorf("expected host/owner/name, got %q", rest)
		}
		host, owner, name = parts[0], parts[1], parts[2]

	case strings.Contains(remote, "@") && strings.Contains(remote, ":"):
		// git@host:owner/name
		atIdx := strings.Index(remote, "@")
		colonIdx := strings.Index(remote, ":")
		if colonIdx < atIdx {
			return "", "", "", "", xerrors.Errorf("malformed scp-like remote %q", remote)
		}
		host = remote[atIdx+1 : colonIdx]
		path := remote[colonIdx+1:]
		parts := strings.SplitN(path, "/", 2)
		if len(parts) < 2 {
			return "", "", "", "", xerrors.Errorf("expected owner/name, got %q", path)
		}
		owner, name = parts[0], parts[1]

	default:
		return "", "", "", "", xerrors.Errorf("unrecognised remote URL form %q", remote)
	}

	canonical = fmt.Sprintf("https://%s/%s/%s", host, owner, name)
	return owner, name, host, canonical, nil
}

// Validate reports whether c is structurally usable: repositoryUrl, owner,
// name, packagePath, and workingDirectory must all be non-empty.
func (c *Context) Validate() error {
	if c.Owner == "" || c.Name == "" {
		return xerrors.New("execcontext: owner and name must both be non-empty")
	}
	if c.RepositoryURL == "" {
		return xerrors.New("execcontext: repository URL must not be empty")
	}
	if c.PackagePath == "" {
		return xerrors.New("execcontext: package path must not be empty")
	}
	if c.WorkingDirectory == "" {
		return xerrors.New("execcontext: working directory must not be empty")
	}
	return nil
}

// Env returns the CONTEXT_* environment variables propagated into the
// package's command, in KEY=VALUE form ready for exec.Cmd.Env.
func (c *Context) Env() []string {
	return []string{
		"CONTEXT_PACKAGE_NAME=" + c.PackageName,
		"CONTEXT_REPOSITORY_URL=" + c.RepositoryURL,
		"CONTEXT_REPOSITORY_OWNER=" + c.Owner,
		"CONTEXT_REPOSITORY_NAME=" + c.Name,
		"CONTEXT_GIT_REMOTE=" + c.GitRemote,
	}
}

// VerifyAgainstGitHub cross-checks that owner/name actually exists and is
// reachable via the GitHub API, the way autobuilder.go constructs an
// oauth2 static-token client and a go-github client before calling
// Repositories.ListCommits. Only meaningful when RepositoryHost is
// github.com; other hosts return nil without contacting anything.
func (c *Context) VerifyAgainstGitHub(ctx context.Context, accessToken string) error {
	if c.RepositoryHost != "github.com" {
		return nil
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	tc := oauth2.NewClient(ctx, ts)
	client := github.NewClient(tc)
	_, _, err := client.Repositories.Get(ctx, c.Owner, c.Name)
	if err != nil {
		return xerrors.Errorf("execcontext: verifying %s/%s against GitHub: %w", c.Owner, c.Name, err)
	}
	return nil
}
