package provision

import (
	"context"
	"fmt"
	"strings"

	"github.com/siteflow/siteflow/internal/apperr"
	"github.com/siteflow/siteflow/internal/remote"
)

// inspectDepth bounds how deep the file listing descends; markers live at
// or near the project root.
const inspectDepth = 3

// InspectPath lists a remote directory and runs type detection over it.
// Returns the detection plus the files that were considered.
func (p *Provisioner) InspectPath(ctx context.Context, dir string) (Detection, []string, error) {
	if dir == "" || !strings.HasPrefix(dir, "/") {
		return Detection{}, nil, apperr.New(apperr.KindValidation, "path must be absolute")
	}
	if strings.ContainsAny(dir, " '\"\n\t") || strings.Contains(dir, "..") {
		return Detection{}, nil, apperr.New(apperr.KindValidation, "path %q is not valid", dir)
	}

	ctx, cancel := context.WithTimeout(ctx, remote.DefaultTimeout)
	defer cancel()
	cmd := fmt.Sprintf("cd %s && find . -maxdepth %d -type f", remote.Quote(dir), inspectDepth)
	res, err := p.runner.Run(ctx, cmd)
	if err != nil {
		return Detection{}, nil, err
	}
	if res.ExitCode != 0 {
		return Detection{}, nil, apperr.New(apperr.KindNotFound, "path %s: %s", dir, strings.TrimSpace(res.Stderr))
	}
	files := splitListing(res.Stdout)
	return DetectType(files), files, nil
}

// InspectGit shallow-clones a repository into a scratch directory on the
// remote host, lists it, and detects the type. The clone is always cleaned
// up, clone failure included.
func (p *Provisioner) InspectGit(ctx context.Context, repoURL string) (Detection, []string, error) {
	if repoURL == "" {
		return Detection{}, nil, apperr.New(apperr.KindValidation, "git_url is required")
	}
	ok := strings.HasPrefix(repoURL, "https://") ||
		strings.HasPrefix(repoURL, "http://") ||
		strings.HasPrefix(repoURL, "git@") ||
		strings.HasPrefix(repoURL, "ssh://")
	if !ok || strings.ContainsAny(repoURL, " '\"\n\t") {
		return Detection{}, nil, apperr.New(apperr.KindValidation, "git_url %q is not valid", repoURL)
	}

	ctx, cancel := context.WithTimeout(ctx, remote.GitTimeout)
	defer cancel()
	cmd := fmt.Sprintf(
		`tmp=$(mktemp -d); trap 'rm -rf "$tmp"' EXIT; git clone --depth 1 %s "$tmp" >/dev/null 2>&1 && cd "$tmp" && find . -maxdepth %d -type f -not -path './.git/*'`,
		remote.Quote(repoURL), inspectDepth)
	res, err := p.runner.Run(ctx, cmd)
	if err != nil {
		return Detection{}, nil, err
	}
	if res.ExitCode != 0 {
		return Detection{}, nil, apperr.New(apperr.KindCommandFailed, "clone %s failed", repoURL)
	}
	files := splitListing(res.Stdout)
	return DetectType(files), files, nil
}

func splitListing(out string) []string {
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files
}
