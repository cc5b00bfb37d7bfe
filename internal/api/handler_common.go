package api

import (
	"net/http"

	"github.com/siteflow/siteflow/internal/provision"
)

func parsePaginationOrWriteInvalid(w http.ResponseWriter, r *http.Request) (Pagination, bool) {
	pg, err := ParsePagination(r)
	if err != nil {
		writeInvalidArgument(w, err.Error())
		return Pagination{}, false
	}
	return pg, true
}

func parseBoolQueryOrWriteInvalid(w http.ResponseWriter, r *http.Request, key string) (*bool, bool) {
	v, err := ParseBoolQuery(r, key)
	if err != nil {
		writeInvalidArgument(w, err.Error())
		return nil, false
	}
	return v, true
}

// requireSitePathParam validates the {site} path segment with the same
// rules the provisioner enforces, so a hostile name never reaches a shell.
func requireSitePathParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	site := PathParam(r, "site")
	if err := provision.ValidateSiteName(site); err != nil {
		writeAppError(w, err)
		return "", false
	}
	return site, true
}

// outputResponse is the common envelope for action results.
type outputResponse struct {
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
}

// writeActionResult writes the action outcome, mapping the error when the
// action failed. Output is included either way; failures often carry the
// interesting half of it.
func writeActionResult(w http.ResponseWriter, out string, err error) {
	if err != nil {
		writeAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, outputResponse{Status: "ok", Output: out})
}
