package action

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/siteflow/siteflow/internal/apperr"
)

// StartRequest is an action.start payload received over the websocket.
type StartRequest struct {
	Action    string `json:"action"`
	Site      string `json:"site,omitempty"`
	Container string `json:"container,omitempty"`
	Tail      int    `json:"tail,omitempty"`
}

// actionEnvelope is one action.output frame. Every action produces a
// started frame before execution and exactly one terminal frame
// (completed or failed) carrying the elapsed duration.
type actionEnvelope struct {
	Action     string `json:"action"`
	Container  string `json:"container"`
	Status     string `json:"status"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS *int64 `json:"duration_ms,omitempty"`
}

// StartAction validates and launches a websocket-initiated action. Frames
// go only to the requesting connection; incremental output fans out on the
// action.output topic.
func (e *Engine) StartAction(connID string, payload json.RawMessage) error {
	var req StartRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return apperr.New(apperr.KindValidation, "malformed action payload")
	}

	var target string
	var fn func(ctx context.Context) (string, error)
	switch req.Action {
	case "container.start", "container.stop", "container.restart":
		op := req.Action[len("container."):]
		target = req.Container
		fn = func(ctx context.Context) (string, error) {
			return e.ContainerAction(ctx, req.Container, op)
		}
	case "container.logs":
		target = req.Container
		fn = func(ctx context.Context) (string, error) {
			return e.ContainerLogs(ctx, req.Container, req.Tail)
		}
	case "site.up", "site.down", "site.restart":
		op := req.Action[len("site."):]
		target = req.Site
		fn = func(ctx context.Context) (string, error) {
			return e.SiteAction(ctx, req.Site, op)
		}
	case "site.pull":
		target = req.Site
		fn = func(ctx context.Context) (string, error) {
			return e.DeployPull(ctx, req.Site)
		}
	case "caddy.reload":
		target = "caddy"
		fn = func(ctx context.Context) (string, error) {
			return e.CaddyReload(ctx)
		}
	default:
		return apperr.New(apperr.KindValidation, "unknown action %q", req.Action)
	}

	go func() {
		e.publishTo(connID, actionEnvelope{
			Action:    req.Action,
			Container: target,
			Status:    "started",
			Output:    fmt.Sprintf("starting %s on %s\n", req.Action, target),
		})

		started := time.Now()
		out, err := fn(context.Background())
		dur := time.Since(started).Milliseconds()

		env := actionEnvelope{
			Action:     req.Action,
			Container:  target,
			Status:     "completed",
			Output:     out,
			DurationMS: &dur,
		}
		if err != nil {
			env.Status = "failed"
			env.Error = err.Error()
			log.Printf("[action] %s %s: %v", req.Action, target, err)
		}
		e.publishTo(connID, env)
	}()
	return nil
}

func (e *Engine) publishTo(connID string, env actionEnvelope) {
	if e.pub == nil {
		return
	}
	e.pub.PublishTo(connID, "action.output", env)
}
