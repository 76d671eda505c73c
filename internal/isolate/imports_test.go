package isolate

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symposium-app/backend/internal/infrastructure/logging"
	"github.com/symposium-app/backend/internal/shared/errs"
)

func TestParseImportsForms(t *testing.T) {
	src := `// header comment
import lodash from "https://cdn.example.com/lodash.js"
import { map, filter as sift } from 'https://cdn.example.com/fp.js';
import "https://cdn.example.com/polyfill.js"

console.log("body");
import late from "https://cdn.example.com/late.js"
`
	specs, rest := ParseImports(src)

	require.Len(t, specs, 3)
	assert.Equal(t, "lodash", specs[0].Binding)
	assert.Equal(t, "https://cdn.example.com/lodash.js", specs[0].URL)
	assert.Equal(t, []string{"map", "sift"}, specs[1].Named)
	assert.Empty(t, specs[2].Binding)
	assert.Empty(t, specs[2].Named)

	// The mid-script import stays in the body for the engine to reject.
	assert.Contains(t, rest, `import late`)
	assert.Contains(t, rest, `console.log("body")`)
	assert.Contains(t, rest, "// header comment")
}

func TestParseImportsRejectsMalformed(t *testing.T) {
	for _, src := range []string{
		`import from "https://x.test/a.js"`,
		`import 1bad from "https://x.test/a.js"`,
		`import a from https://x.test/a.js`,
	} {
		specs, rest := ParseImports(src + "\n")
		assert.Empty(t, specs, src)
		assert.Contains(t, rest, "import", src)
	}
}

type stubAuth struct{ allowed string }

func (s stubAuth) Authorize(url string) error {
	if strings.HasPrefix(url, s.allowed) {
		return nil
	}
	return fmt.Errorf("%q: %w", url, errs.ErrUnauthorizedURL)
}

type stubFetcher struct {
	calls atomic.Int64
	code  string
	err   error
}

func (s *stubFetcher) FetchModule(_ context.Context, _ string) (string, error) {
	s.calls.Add(1)
	return s.code, s.err
}

func TestResolverRejectsUnauthorizedURL(t *testing.T) {
	fetcher := &stubFetcher{code: "module.exports = 1;"}
	r := NewResolver(stubAuth{allowed: "https://cdn.example.com/"}, fetcher, time.Second, logging.NewNop())

	script, logs := r.Resolve(context.Background(),
		`import evil from "https://evil.test/x.js"
console.log(typeof evil);
`)

	// No fetch happens for a rejected URL and the binding is absent.
	assert.Equal(t, int64(0), fetcher.calls.Load())
	assert.NotContains(t, script, "var evil")
	require.Len(t, logs, 1)
	assert.Equal(t, "warn", logs[0].Level)
	assert.Contains(t, logs[0].Message, "import failed")
}

func TestResolverCachesPerIsolate(t *testing.T) {
	fetcher := &stubFetcher{code: "module.exports = {n: 7};"}
	r := NewResolver(stubAuth{allowed: "https://cdn.example.com/"}, fetcher, time.Second, logging.NewNop())

	src := `import lib from "https://cdn.example.com/lib.js"
lib.n;
`
	_, logs := r.Resolve(context.Background(), src)
	assert.Empty(t, logs)
	_, _ = r.Resolve(context.Background(), src)

	assert.Equal(t, int64(1), fetcher.calls.Load(), "same URL fetched once per isolate")
}

func TestResolverWrapsModulesForGoja(t *testing.T) {
	fetcher := &stubFetcher{code: "exports.add = function(a, b) { return a + b; };"}
	r := NewResolver(stubAuth{allowed: "https://cdn.example.com/"}, fetcher, time.Second, logging.NewNop())

	script, logs := r.Resolve(context.Background(),
		`import { add } from "https://cdn.example.com/math.js"
console.log(add(2, 3));
`)
	require.Empty(t, logs)

	// The rewritten script must actually run and bind the named export.
	engine, err := NewGojaEngine(nil)
	require.NoError(t, err)
	defer engine.Close()

	_, err = engine.Execute(context.Background(), script, time.Second)
	require.NoError(t, err)

	entries := engine.Logs()
	require.Len(t, entries, 1)
	assert.Equal(t, "5", entries[0].Message)
}

func TestResolverNoImportsPassThrough(t *testing.T) {
	r := NewResolver(stubAuth{}, &stubFetcher{}, time.Second, logging.NewNop())
	src := "console.log('plain');\n"
	script, logs := r.Resolve(context.Background(), src)
	assert.Equal(t, src, script)
	assert.Empty(t, logs)
}
