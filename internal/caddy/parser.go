// Package caddy parses and edits the gateway Caddyfile on the remote host.
//
// The gateway config is a flat list of site blocks of the form
//
//	blog.example.com {
//	    reverse_proxy blog-web:80
//	}
//
// The parser tolerates directives it does not understand; it only extracts
// domain headers and reverse_proxy targets.
package caddy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/siteflow/siteflow/internal/model"
)

// Block is one parsed site block.
type Block struct {
	Domains []string
	Target  string // first reverse_proxy upstream, "container:port" form
	Raw     []string
}

// File is a parsed Caddyfile.
type File struct {
	Preamble []string // lines before the first block (global options, comments)
	Blocks   []Block
}

// Parse scans a Caddyfile into blocks. Unbalanced braces yield an error;
// everything else is tolerated.
func Parse(text string) (*File, error) {
	f := &File{}
	lines := strings.Split(text, "\n")

	var cur *Block
	depth := 0
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		if cur == nil {
			if strings.HasSuffix(trimmed, "{") && trimmed != "{" && !strings.HasPrefix(trimmed, "#") {
				header := strings.TrimSpace(strings.TrimSuffix(trimmed, "{"))
				// A block headed by a brace-only or option header ("{")
				// belongs to the preamble; domain headers contain a dot or
				// a scheme-style prefix.
				domains := splitDomains(header)
				if len(domains) > 0 {
					cur = &Block{Domains: domains, Raw: []string{line}}
					depth = 1
					continue
				}
			}
			f.Preamble = append(f.Preamble, line)
			continue
		}

		cur.Raw = append(cur.Raw, line)
		depth += strings.Count(trimmed, "{") - strings.Count(trimmed, "}")
		if depth < 0 {
			return nil, fmt.Errorf("caddyfile line %d: unbalanced braces", i+1)
		}

		if fields := strings.Fields(trimmed); len(fields) >= 2 && fields[0] == "reverse_proxy" && cur.Target == "" {
			cur.Target = strings.TrimPrefix(strings.TrimPrefix(fields[1], "http://"), "https://")
		}

		if depth == 0 {
			f.Blocks = append(f.Blocks, *cur)
			cur = nil
		}
	}
	if cur != nil {
		return nil, fmt.Errorf("caddyfile: unterminated block for %v", cur.Domains)
	}
	return f, nil
}

func splitDomains(header string) []string {
	var out []string
	for _, part := range strings.Split(header, ",") {
		for _, d := range strings.Fields(part) {
			if strings.Contains(d, ".") || strings.Contains(d, "localhost") {
				out = append(out, d)
			}
		}
	}
	return out
}

// Routes flattens the parsed file into domain-to-target routes, sorted by
// domain for stable output.
func (f *File) Routes() []model.Route {
	var routes []model.Route
	for _, b := range f.Blocks {
		for _, d := range b.Domains {
			r := model.Route{Domain: d, Target: b.Target}
			if host, port, ok := splitTarget(b.Target); ok {
				r.Container = host
				r.Port = port
			}
			routes = append(routes, r)
		}
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Domain < routes[j].Domain })
	return routes
}

func splitTarget(target string) (string, int, bool) {
	idx := strings.LastIndex(target, ":")
	if idx <= 0 {
		return "", 0, false
	}
	port, err := strconv.Atoi(target[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return target[:idx], port, true
}

// HasDomain reports whether any block serves domain.
func (f *File) HasDomain(domain string) bool {
	for _, b := range f.Blocks {
		for _, d := range b.Domains {
			if d == domain {
				return true
			}
		}
	}
	return false
}

// AddRoute appends a single-domain block proxying to container:port.
func (f *File) AddRoute(domain, container string, port int) {
	target := fmt.Sprintf("%s:%d", container, port)
	f.Blocks = append(f.Blocks, Block{
		Domains: []string{domain},
		Target:  target,
		Raw: []string{
			domain + " {",
			"    reverse_proxy " + target,
			"}",
		},
	})
}

// RemoveRoute drops domain from the file. A block serving only this domain is
// removed whole; a multi-domain block keeps its other domains. Returns false
// when the domain is not present.
func (f *File) RemoveRoute(domain string) bool {
	for i := range f.Blocks {
		b := &f.Blocks[i]
		idx := -1
		for j, d := range b.Domains {
			if d == domain {
				idx = j
				break
			}
		}
		if idx < 0 {
			continue
		}
		if len(b.Domains) == 1 {
			f.Blocks = append(f.Blocks[:i], f.Blocks[i+1:]...)
			return true
		}
		b.Domains = append(b.Domains[:idx], b.Domains[idx+1:]...)
		b.Raw[0] = strings.Join(b.Domains, ", ") + " {"
		return true
	}
	return false
}

// Render serializes the file back to Caddyfile text. Block raw lines are
// preserved verbatim; sections are separated by a blank line.
func (f *File) Render() string {
	var sections []string
	if pre := strings.TrimRight(strings.Join(f.Preamble, "\n"), "\n"); pre != "" {
		sections = append(sections, pre)
	}
	for _, b := range f.Blocks {
		sections = append(sections, strings.TrimRight(strings.Join(b.Raw, "\n"), "\n"))
	}
	return strings.Join(sections, "\n\n") + "\n"
}
