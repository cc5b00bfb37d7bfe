package action

import (
	"context"
	"fmt"
	"strings"

	"github.com/siteflow/siteflow/internal/apperr"
	"github.com/siteflow/siteflow/internal/remote"
)

// SetDomain rewrites the DOMAIN entry in the site's .env, moves the gateway
// route from the old domain to the new one, and restarts the stack.
func (e *Engine) SetDomain(ctx context.Context, site, domain string) (string, error) {
	if err := validateTargetName(site); err != nil {
		return "", err
	}
	if domain == "" || !strings.Contains(domain, ".") || strings.ContainsAny(domain, " /'\"") {
		return "", apperr.New(apperr.KindValidation, "domain %q is not a hostname", domain)
	}

	meta := map[string]string{"domain": domain}
	return e.run("site_set_domain", "site", site, meta, func() (string, error) {
		envPath := e.sitePath(site) + "/.env"

		readCtx, cancel := context.WithTimeout(ctx, remote.DefaultTimeout)
		current, err := e.runner.ReadFile(readCtx, envPath)
		cancel()
		if err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
			return "", err
		}

		oldDomain, next := rewriteEnvDomain(string(current), domain)
		if oldDomain == domain {
			return "", apperr.New(apperr.KindConflict, "site %s already uses %s", site, domain)
		}

		writeCtx, cancel := context.WithTimeout(ctx, remote.DefaultTimeout)
		err = e.runner.Upload(writeCtx, envPath, []byte(next))
		cancel()
		if err != nil {
			return "", err
		}

		var out strings.Builder
		fmt.Fprintf(&out, "domain set to %s", domain)

		// Move the gateway route along with the domain. A site without a
		// route yet simply gets none; the provisioner or route_add owns
		// route creation.
		if oldDomain != "" {
			if routeOut, err := e.moveRoute(ctx, oldDomain, domain); err != nil {
				return out.String(), err
			} else if routeOut != "" {
				out.WriteString("\n" + routeOut)
			}
		}

		restartCtx, cancel := context.WithTimeout(ctx, remote.ComposeTimeout)
		defer cancel()
		cmd := fmt.Sprintf("cd %s && docker compose up -d", remote.Quote(e.sitePath(site)))
		restartOut, err := e.exec(restartCtx, site, cmd)
		if restartOut != "" {
			out.WriteString("\n" + restartOut)
		}
		return out.String(), err
	})
}

// moveRoute re-points the old domain's route at the new domain, keeping
// the same upstream.
func (e *Engine) moveRoute(ctx context.Context, oldDomain, newDomain string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, remote.DefaultTimeout)
	defer cancel()

	routes, err := e.caddy.Routes(ctx)
	if err != nil {
		return "", err
	}
	for _, route := range routes {
		if route.Domain != oldDomain {
			continue
		}
		if err := e.caddy.RemoveRoute(ctx, oldDomain); err != nil {
			return "", err
		}
		if err := e.caddy.AddRoute(ctx, newDomain, route.Container, route.Port); err != nil {
			return "", err
		}
		return fmt.Sprintf("route moved %s -> %s", oldDomain, newDomain), nil
	}
	return "", nil
}

// rewriteEnvDomain replaces the DOMAIN line in env content, appending one
// when absent. Returns the previous domain value.
func rewriteEnvDomain(content, domain string) (oldDomain, next string) {
	lines := strings.Split(content, "\n")
	replaced := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "DOMAIN=") {
			oldDomain = strings.TrimPrefix(trimmed, "DOMAIN=")
			lines[i] = "DOMAIN=" + domain
			replaced = true
			break
		}
	}
	if !replaced {
		for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
			lines = lines[:len(lines)-1]
		}
		lines = append(lines, "DOMAIN="+domain)
	}
	next = strings.Join(lines, "\n")
	if !strings.HasSuffix(next, "\n") {
		next += "\n"
	}
	return oldDomain, next
}
