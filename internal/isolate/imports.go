package isolate

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/symposium-app/backend/internal/infrastructure/logging"
	"github.com/symposium-app/backend/internal/shared/types"
)

// URLAuthorizer decides whether an outbound URL may be fetched. The same
// allow-list backs network.request and import resolution.
type URLAuthorizer interface {
	Authorize(rawURL string) error
}

// ModuleFetcher retrieves module source from an allow-listed URL.
type ModuleFetcher interface {
	FetchModule(ctx context.Context, url string) (string, error)
}

// ImportSpec is one parsed import statement.
type ImportSpec struct {
	Binding string // default binding name, empty for side-effect imports
	Named   []string
	URL     string
}

// ParseImports extracts import statements from the top of a script and
// returns the remaining source. Only static, URL-specifier forms are
// recognized:
//
//	import name from "https://..."
//	import { a, b } from "https://..."
//	import "https://..."
//
// Parsing stops at the first line that is neither blank, a comment, nor an
// import, so imports buried mid-script are left for the engine to reject.
func ParseImports(source string) ([]ImportSpec, string) {
	var specs []ImportSpec
	var rest strings.Builder

	scanner := bufio.NewScanner(strings.NewReader(source))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	header := true
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if header {
			if trimmed == "" || strings.HasPrefix(trimmed, "//") {
				rest.WriteString(line)
				rest.WriteByte('\n')
				continue
			}
			if spec, ok := parseImportLine(trimmed); ok {
				specs = append(specs, spec)
				continue
			}
			header = false
		}
		rest.WriteString(line)
		rest.WriteByte('\n')
	}
	return specs, rest.String()
}

func parseImportLine(line string) (ImportSpec, bool) {
	if !strings.HasPrefix(line, "import") {
		return ImportSpec{}, false
	}
	body := strings.TrimSpace(strings.TrimPrefix(line, "import"))
	body = strings.TrimSuffix(body, ";")

	// Side-effect import: import "url"
	if url, ok := unquote(body); ok {
		return ImportSpec{URL: url}, true
	}

	clause, fromPart, found := strings.Cut(body, " from ")
	if !found {
		return ImportSpec{}, false
	}
	url, ok := unquote(strings.TrimSpace(fromPart))
	if !ok {
		return ImportSpec{}, false
	}

	clause = strings.TrimSpace(clause)
	if strings.HasPrefix(clause, "{") && strings.HasSuffix(clause, "}") {
		inner := strings.TrimSuffix(strings.TrimPrefix(clause, "{"), "}")
		var named []string
		for _, part := range strings.Split(inner, ",") {
			name := strings.TrimSpace(part)
			if name == "" {
				continue
			}
			// "orig as alias" binds the alias.
			if fields := strings.Fields(name); len(fields) == 3 && fields[1] == "as" {
				name = fields[2]
			}
			if !isIdentifier(name) {
				return ImportSpec{}, false
			}
			named = append(named, name)
		}
		return ImportSpec{Named: named, URL: url}, true
	}

	if !isIdentifier(clause) {
		return ImportSpec{}, false
	}
	return ImportSpec{Binding: clause, URL: url}, true
}

func unquote(s string) (string, bool) {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		inner := s[1 : len(s)-1]
		if inner != "" && !strings.ContainsAny(inner, `"'`) {
			return inner, true
		}
	}
	return "", false
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r == '$',
			r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Resolver resolves imports against the URL allow-list with a per-isolate
// module cache: each URL is fetched at most once per isolate lifetime.
type Resolver struct {
	auth    URLAuthorizer
	fetcher ModuleFetcher
	log     *logging.Logger
	timeout time.Duration

	mu    sync.Mutex
	cache map[string]string
}

// NewResolver creates a resolver for one isolate.
func NewResolver(auth URLAuthorizer, fetcher ModuleFetcher, timeout time.Duration, log *logging.Logger) *Resolver {
	return &Resolver{
		auth:    auth,
		fetcher: fetcher,
		log:     log.Named("imports"),
		timeout: timeout,
		cache:   make(map[string]string),
	}
}

// Resolve rewrites the script: each import becomes a prelude that evaluates
// the fetched module in a CommonJS-style wrapper and assigns its exports to
// the binding. A failed import logs and continues without the binding;
// code that depends on it surfaces the usual runtime error later.
func (r *Resolver) Resolve(ctx context.Context, source string) (string, []types.LogEntry) {
	specs, rest := ParseImports(source)
	if len(specs) == 0 {
		return source, nil
	}

	var prelude strings.Builder
	var logs []types.LogEntry
	for _, spec := range specs {
		code, err := r.load(ctx, spec.URL)
		if err != nil {
			msg := fmt.Sprintf("import failed for %s: %v", spec.URL, err)
			r.log.Warn("import failed", zap.String("url", spec.URL), zap.Error(err))
			logs = append(logs, types.LogEntry{Level: "warn", Message: msg, Time: time.Now()})
			continue
		}
		prelude.WriteString(wrapModule(spec, code))
	}
	return prelude.String() + rest, logs
}

func (r *Resolver) load(ctx context.Context, url string) (string, error) {
	if err := r.auth.Authorize(url); err != nil {
		return "", err
	}

	r.mu.Lock()
	if code, ok := r.cache[url]; ok {
		r.mu.Unlock()
		return code, nil
	}
	r.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	code, err := r.fetcher.FetchModule(fctx, url)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[url] = code
	r.mu.Unlock()
	return code, nil
}

// wrapModule produces the prelude statement for one import. The module runs
// inside an IIFE with CommonJS-style module/exports objects; default
// bindings take module.exports (or its .default), named bindings destructure
// individual exports.
func wrapModule(spec ImportSpec, code string) string {
	wrapper := fmt.Sprintf(
		"(function(){var exports={};var module={exports:exports};\n%s\n;return module.exports;})()",
		code)

	switch {
	case spec.Binding != "":
		return fmt.Sprintf(
			"var %s=(function(m){return (m&&m.__esModule&&m.default!==undefined)?m.default:m;})(%s);\n",
			spec.Binding, wrapper)
	case len(spec.Named) > 0:
		var b strings.Builder
		tmp := "__module_" + spec.Named[0]
		fmt.Fprintf(&b, "var %s=%s;\n", tmp, wrapper)
		for _, name := range spec.Named {
			fmt.Fprintf(&b, "var %s=%s[%q];\n", name, tmp, name)
		}
		return b.String()
	default:
		return wrapper + ";\n"
	}
}
