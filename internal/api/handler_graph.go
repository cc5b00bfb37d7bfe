package api

import (
	"context"
	"net/http"

	"github.com/siteflow/siteflow/internal/model"
)

// GraphFunc builds the topology projection, optionally forcing a fresh
// discovery pass first. Composed in main from the cache, the metrics
// collector, and the backup and health overlays.
type GraphFunc func(ctx context.Context, refresh bool) (model.Graph, error)

// HandleGraph returns a handler for GET /api/graph.
func HandleGraph(graph GraphFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		refresh, ok := parseBoolQueryOrWriteInvalid(w, r, "refresh")
		if !ok {
			return
		}
		g, err := graph(r.Context(), refresh != nil && *refresh)
		if err != nil {
			writeAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, g)
	}
}
