package api

import (
	"net/http"

	"github.com/siteflow/siteflow/internal/provision"
)

// HandleListTemplates returns a handler for GET /api/provision/templates.
func HandleListTemplates() http.HandlerFunc {
	type template struct {
		Type string `json:"type"`
		Port int    `json:"port"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var out []template
		for _, t := range provision.Types() {
			spec, err := provision.SpecFor(t)
			if err != nil {
				continue
			}
			out = append(out, template{Type: t, Port: spec.Port})
		}
		WriteJSON(w, http.StatusOK, map[string][]template{"templates": out})
	}
}

type detectRequest struct {
	GitURL string   `json:"git_url,omitempty"`
	Path   string   `json:"path,omitempty"`
	Files  []string `json:"files,omitempty"`
}

type detectResponse struct {
	DetectedType string   `json:"detected_type"`
	Confidence   string   `json:"confidence"`
	Reason       string   `json:"reason,omitempty"`
	FilesChecked []string `json:"files_checked"`
}

// HandleDetect returns a handler for POST /api/provision/detect. Exactly
// one of git_url, path, or files must be supplied.
func HandleDetect(prov *provision.Provisioner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req detectRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}

		sources := 0
		for _, set := range []bool{req.GitURL != "", req.Path != "", len(req.Files) > 0} {
			if set {
				sources++
			}
		}
		if sources != 1 {
			writeInvalidArgument(w, "exactly one of git_url, path, or files is required")
			return
		}

		var (
			det   provision.Detection
			files []string
			err   error
		)
		switch {
		case req.GitURL != "":
			det, files, err = prov.InspectGit(r.Context(), req.GitURL)
		case req.Path != "":
			det, files, err = prov.InspectPath(r.Context(), req.Path)
		default:
			det, files = provision.DetectType(req.Files), req.Files
		}
		if err != nil {
			writeAppError(w, err)
			return
		}
		if files == nil {
			files = []string{}
		}
		WriteJSON(w, http.StatusOK, detectResponse{
			DetectedType: det.Type,
			Confidence:   det.Confidence,
			Reason:       det.Marker,
			FilesChecked: files,
		})
	}
}

// HandleProvision returns a handler for POST /api/provision.
func HandleProvision(prov *provision.Provisioner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req provision.Request
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		res, err := prov.Provision(r.Context(), req)
		if err != nil {
			writeAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, res)
	}
}

// HandleDeprovision returns a handler for DELETE /api/provision.
func HandleDeprovision(prov *provision.Provisioner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req provision.DeprovisionRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if err := prov.Deprovision(r.Context(), req); err != nil {
			writeAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "removed", "site": req.Name})
	}
}
