package api

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/siteflow/siteflow/internal/action"
)

// multipartMemoryLimit is the in-memory threshold for multipart parsing;
// larger parts spill to temp files.
const multipartMemoryLimit = 32 << 20

type deployGitRequest struct {
	Site    string `json:"site"`
	RepoURL string `json:"repo_url"`
	Branch  string `json:"branch,omitempty"`
}

// HandleDeployGit returns a handler for POST /api/deploy/github.
func HandleDeployGit(engine *action.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req deployGitRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		out, err := engine.DeployGit(r.Context(), req.Site, req.RepoURL, req.Branch)
		writeActionResult(w, out, err)
	}
}

type deployPullRequest struct {
	Site string `json:"site"`
}

// HandleDeployPull returns a handler for POST /api/deploy/pull.
func HandleDeployPull(engine *action.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req deployPullRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		out, err := engine.DeployPull(r.Context(), req.Site)
		writeActionResult(w, out, err)
	}
}

func parseMultipartOrWriteError(w http.ResponseWriter, r *http.Request) bool {
	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writePayloadTooLarge(w, maxErr.Limit)
			return false
		}
		writeInvalidArgument(w, "invalid multipart body: "+err.Error())
		return false
	}
	return true
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// HandleDeployUpload returns a handler for POST /api/deploy/upload.
// Multipart form: "site" field plus a single "file" zip archive.
func HandleDeployUpload(engine *action.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !parseMultipartOrWriteError(w, r) {
			return
		}
		site := r.FormValue("site")
		fhs := r.MultipartForm.File["file"]
		if site == "" || len(fhs) != 1 {
			writeInvalidArgument(w, "multipart form must carry a site field and one file")
			return
		}
		archive, err := readPart(fhs[0])
		if err != nil {
			writeInvalidArgument(w, "failed to read archive: "+err.Error())
			return
		}
		out, err := engine.DeployUpload(r.Context(), site, archive)
		writeActionResult(w, out, err)
	}
}

// HandleDeployFolder returns a handler for POST /api/deploy/folder.
// Multipart form: "site" field plus repeated "files" parts whose filenames
// are paths relative to the site directory.
func HandleDeployFolder(engine *action.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !parseMultipartOrWriteError(w, r) {
			return
		}
		site := r.FormValue("site")
		fhs := r.MultipartForm.File["files"]
		if site == "" || len(fhs) == 0 {
			writeInvalidArgument(w, "multipart form must carry a site field and at least one file")
			return
		}

		files := make([]action.FileUpload, 0, len(fhs))
		for _, fh := range fhs {
			data, err := readPart(fh)
			if err != nil {
				writeInvalidArgument(w, "failed to read "+fh.Filename+": "+err.Error())
				return
			}
			files = append(files, action.FileUpload{Path: fh.Filename, Data: data})
		}
		out, err := engine.DeployFolder(r.Context(), site, files)
		writeActionResult(w, out, err)
	}
}

// HandleDeployStatus returns a handler for GET /api/deploy/{site}/status.
func HandleDeployStatus(engine *action.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		site, ok := requireSitePathParam(w, r)
		if !ok {
			return
		}
		info, err := engine.DeployInfoFor(r.Context(), site)
		if err != nil {
			writeAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, info)
	}
}
