package action

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/siteflow/siteflow/internal/apperr"
	"github.com/siteflow/siteflow/internal/remote"
)

// DeployStatus tracks the most recent deploy for a site.
type DeployStatus struct {
	Site       string     `json:"site"`
	State      string     `json:"state"`
	Method     string     `json:"method,omitempty"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Deploy states.
const (
	DeployIdle    = "idle"
	DeployRunning = "running"
	DeploySuccess = "success"
	DeployFailed  = "failed"
)

// DeployStatusFor returns the last deploy state for a site.
func (e *Engine) DeployStatusFor(site string) DeployStatus {
	if st, ok := e.deploys.Load(site); ok {
		return *st
	}
	return DeployStatus{Site: site, State: DeployIdle}
}

// deploy wraps a deploy function with status tracking on top of the usual
// audit envelope and per-site queue.
func (e *Engine) deploy(site, method string, meta map[string]string, fn func() (string, error)) (string, error) {
	if err := validateTargetName(site); err != nil {
		return "", err
	}
	if meta == nil {
		meta = map[string]string{}
	}
	meta["method"] = method

	e.deploys.Store(site, &DeployStatus{
		Site: site, State: DeployRunning, Method: method, StartedAt: time.Now().UTC(),
	})

	out, err := e.run("deploy_"+method, "site", site, meta, fn)

	finished := time.Now().UTC()
	st := &DeployStatus{
		Site: site, State: DeploySuccess, Method: method,
		StartedAt: finished, FinishedAt: &finished, Output: e.audit.Truncate(out),
	}
	if prev, ok := e.deploys.Load(site); ok {
		st.StartedAt = prev.StartedAt
	}
	if err != nil {
		st.State = DeployFailed
		st.Error = err.Error()
	}
	e.deploys.Store(site, st)
	return out, err
}

// DeployGit clones a repository into the site directory and brings the
// stack up. The directory must be empty or absent. An empty branch clones
// the remote default.
func (e *Engine) DeployGit(ctx context.Context, site, repoURL, branch string) (string, error) {
	if err := validateRepoURL(repoURL); err != nil {
		return "", err
	}
	if err := validateBranch(branch); err != nil {
		return "", err
	}
	meta := map[string]string{"repo": repoURL}
	if branch != "" {
		meta["branch"] = branch
	}
	return e.deploy(site, "git", meta, func() (string, error) {
		dir := e.sitePath(site)

		clone := "git clone"
		if branch != "" {
			clone += " -b " + remote.Quote(branch)
		}
		cloneCtx, cancel := context.WithTimeout(ctx, remote.GitTimeout)
		defer cancel()
		out, err := e.exec(cloneCtx, site, fmt.Sprintf("%s %s %s", clone, remote.Quote(repoURL), remote.Quote(dir)))
		if err != nil {
			return out, err
		}
		up, err := e.composeUp(ctx, site)
		return out + "\n" + up, err
	})
}

// DeployPull updates an existing git checkout and restarts the stack.
func (e *Engine) DeployPull(ctx context.Context, site string) (string, error) {
	return e.deploy(site, "pull", nil, func() (string, error) {
		dir := e.sitePath(site)

		checkCtx, cancel := context.WithTimeout(ctx, remote.DefaultTimeout)
		res, err := e.runner.Run(checkCtx, fmt.Sprintf("test -d %s/.git", remote.Quote(dir)))
		cancel()
		if err != nil {
			return "", err
		}
		if res.ExitCode != 0 {
			return "", apperr.New(apperr.KindNotFound, "site %s is not a git checkout", site)
		}

		pullCtx, cancel := context.WithTimeout(ctx, remote.GitTimeout)
		defer cancel()
		out, err := e.exec(pullCtx, site, fmt.Sprintf("cd %s && git pull --ff-only", remote.Quote(dir)))
		if err != nil {
			return out, err
		}
		up, err := e.composeUp(ctx, site)
		return out + "\n" + up, err
	})
}

// DeployUpload unpacks a zip archive into the site directory and brings
// the stack up. Existing files are overwritten, extra files kept.
func (e *Engine) DeployUpload(ctx context.Context, site string, archive []byte) (string, error) {
	if len(archive) == 0 {
		return "", apperr.New(apperr.KindValidation, "archive is empty")
	}
	if !isZip(archive) {
		return "", apperr.New(apperr.KindValidation, "archive is not a zip file")
	}
	meta := map[string]string{"bytes": fmt.Sprint(len(archive))}
	return e.deploy(site, "upload", meta, func() (string, error) {
		dir := e.sitePath(site)
		tmp := "/tmp/siteflow-deploy-" + site + ".zip"

		upCtx, cancel := context.WithTimeout(ctx, remote.UploadTimeout)
		defer cancel()
		if err := e.runner.Upload(upCtx, tmp, archive); err != nil {
			return "", err
		}

		unzipCtx, cancel := context.WithTimeout(ctx, remote.ComposeTimeout)
		defer cancel()
		cmd := fmt.Sprintf("mkdir -p %s && unzip -o %s -d %s && rm -f %s",
			remote.Quote(dir), remote.Quote(tmp), remote.Quote(dir), remote.Quote(tmp))
		out, err := e.exec(unzipCtx, site, cmd)
		if err != nil {
			return out, err
		}
		up, err := e.composeUp(ctx, site)
		return out + "\n" + up, err
	})
}

// FileUpload is one file of a folder deploy, with its path relative to
// the site directory.
type FileUpload struct {
	Path string
	Data []byte
}

// DeployFolder writes a set of files under the site directory and brings
// the stack up. Paths must be relative and must not traverse upward.
func (e *Engine) DeployFolder(ctx context.Context, site string, files []FileUpload) (string, error) {
	if len(files) == 0 {
		return "", apperr.New(apperr.KindValidation, "no files in upload")
	}
	for _, f := range files {
		if err := validateRelativePath(f.Path); err != nil {
			return "", err
		}
	}
	meta := map[string]string{"files": fmt.Sprint(len(files))}
	return e.deploy(site, "folder", meta, func() (string, error) {
		dir := e.sitePath(site)

		upCtx, cancel := context.WithTimeout(ctx, remote.UploadTimeout)
		defer cancel()
		for _, f := range files {
			if err := e.runner.Upload(upCtx, path.Join(dir, f.Path), f.Data); err != nil {
				return "", err
			}
		}

		up, err := e.composeUp(ctx, site)
		return fmt.Sprintf("uploaded %d files\n%s", len(files), up), err
	})
}

// DeployInfo describes a site's git configuration on the remote host,
// joined with the last in-process deploy status.
type DeployInfo struct {
	Configured bool         `json:"configured"`
	RepoURL    string       `json:"repo_url,omitempty"`
	Branch     string       `json:"branch,omitempty"`
	LastCommit string       `json:"last_commit,omitempty"`
	Last       DeployStatus `json:"last_deploy"`
}

// DeployInfoFor reads the site's git remote, branch, and head commit. A
// site that is not a git checkout reports configured=false.
func (e *Engine) DeployInfoFor(ctx context.Context, site string) (DeployInfo, error) {
	if err := validateTargetName(site); err != nil {
		return DeployInfo{}, err
	}
	info := DeployInfo{Last: e.DeployStatusFor(site)}

	dir := e.sitePath(site)
	ctx, cancel := context.WithTimeout(ctx, remote.DefaultTimeout)
	defer cancel()
	cmd := fmt.Sprintf("cd %s && git remote get-url origin && git rev-parse --abbrev-ref HEAD && git log -1 --format=%%H",
		remote.Quote(dir))
	res, err := e.runner.Run(ctx, cmd)
	if err != nil {
		return DeployInfo{}, err
	}
	if res.ExitCode != 0 {
		return info, nil
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	if len(lines) >= 3 {
		info.Configured = true
		info.RepoURL = strings.TrimSpace(lines[0])
		info.Branch = strings.TrimSpace(lines[1])
		info.LastCommit = strings.TrimSpace(lines[2])
	}
	return info, nil
}

func (e *Engine) composeUp(ctx context.Context, site string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, remote.ComposeTimeout)
	defer cancel()
	cmd := fmt.Sprintf("cd %s && docker compose up -d --build", remote.Quote(e.sitePath(site)))
	return e.exec(ctx, site, cmd)
}

func validateRepoURL(repoURL string) error {
	if repoURL == "" {
		return apperr.New(apperr.KindValidation, "repository url is required")
	}
	ok := strings.HasPrefix(repoURL, "https://") ||
		strings.HasPrefix(repoURL, "http://") ||
		strings.HasPrefix(repoURL, "git@") ||
		strings.HasPrefix(repoURL, "ssh://")
	if !ok || strings.ContainsAny(repoURL, " '\"\n\t") {
		return apperr.New(apperr.KindValidation, "repository url %q is not valid", repoURL)
	}
	return nil
}

func validateBranch(branch string) error {
	if branch == "" {
		return nil
	}
	if strings.ContainsAny(branch, " '\"\n\t") || strings.HasPrefix(branch, "-") {
		return apperr.New(apperr.KindValidation, "branch %q is not valid", branch)
	}
	return nil
}

// validateRelativePath rejects absolute and upward-traversing paths in a
// folder deploy.
func validateRelativePath(p string) error {
	if p == "" || strings.HasPrefix(p, "/") {
		return apperr.New(apperr.KindValidation, "file path %q must be relative", p)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return apperr.New(apperr.KindValidation, "file path %q escapes the site directory", p)
	}
	return nil
}

func isZip(data []byte) bool {
	return len(data) >= 4 && data[0] == 'P' && data[1] == 'K' &&
		(data[2] == 3 || data[2] == 5 || data[2] == 7)
}
