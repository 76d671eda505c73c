package handlers

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

// DOM serves the dom.* namespace. Documents are parsed server-side with
// goquery; every fragment injected into a document passes through a
// bluemonday sanitizer first, so content blocks cannot smuggle script
// tags or event handlers through the capability surface.
type DOM struct {
	mu        sync.Mutex
	documents map[string]*goquery.Document
	sanitizer *bluemonday.Policy
}

// NewDOM creates the handler.
func NewDOM() *DOM {
	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("class", "id", "style").Globally()
	return &DOM{
		documents: make(map[string]*goquery.Document),
		sanitizer: policy,
	}
}

// Execute dispatches dom verbs.
func (d *DOM) Execute(_ context.Context, verb string, params map[string]any) (any, error) {
	switch verb {
	case "parse":
		return d.parse(params)
	case "execute":
		return d.run(params)
	case "update":
		return d.update(params)
	case "inject_css":
		return d.injectCSS(params)
	case "inject_js":
		return d.injectJS(params)
	default:
		return nil, fmt.Errorf("unknown dom verb %q", verb)
	}
}

// parse loads an HTML document for later operations, keyed by block id.
func (d *DOM) parse(params map[string]any) (any, error) {
	blockID, err := strParam(params, "block_id")
	if err != nil {
		return nil, err
	}
	html, err := strParam(params, "html")
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}

	d.mu.Lock()
	d.documents[blockID] = doc
	d.mu.Unlock()

	return map[string]any{
		"parsed":   true,
		"elements": doc.Find("*").Length(),
	}, nil
}

func (d *DOM) document(params map[string]any) (*goquery.Document, string, error) {
	blockID, err := strParam(params, "block_id")
	if err != nil {
		return nil, "", err
	}
	d.mu.Lock()
	doc, ok := d.documents[blockID]
	d.mu.Unlock()
	if !ok {
		return nil, "", fmt.Errorf("no parsed document for block %q", blockID)
	}
	return doc, blockID, nil
}

// run executes read-only queries against a parsed document.
func (d *DOM) run(params map[string]any) (any, error) {
	doc, _, err := d.document(params)
	if err != nil {
		return nil, err
	}
	selector, err := strParam(params, "selector")
	if err != nil {
		return nil, err
	}

	sel := doc.Find(selector)
	switch op := optStrParam(params, "op"); op {
	case "", "text":
		return map[string]any{"text": sel.Text(), "matches": sel.Length()}, nil
	case "html":
		html, err := sel.Html()
		if err != nil {
			return nil, fmt.Errorf("failed to render selection: %w", err)
		}
		return map[string]any{"html": html, "matches": sel.Length()}, nil
	case "attr":
		name, err := strParam(params, "attr")
		if err != nil {
			return nil, err
		}
		val, exists := sel.Attr(name)
		return map[string]any{"value": val, "exists": exists}, nil
	case "count":
		return map[string]any{"matches": sel.Length()}, nil
	default:
		return nil, fmt.Errorf("unknown dom op %q", op)
	}
}

// update mutates a parsed document and returns the re-rendered HTML.
func (d *DOM) update(params map[string]any) (any, error) {
	doc, _, err := d.document(params)
	if err != nil {
		return nil, err
	}
	selector, err := strParam(params, "selector")
	if err != nil {
		return nil, err
	}

	sel := doc.Find(selector)
	if sel.Length() == 0 {
		return nil, fmt.Errorf("selector %q matched nothing", selector)
	}

	switch op := optStrParam(params, "op"); op {
	case "", "set_html":
		html, err := strParam(params, "html")
		if err != nil {
			return nil, err
		}
		sel.SetHtml(d.sanitizer.Sanitize(html))
	case "set_text":
		text, err := strParam(params, "text")
		if err != nil {
			return nil, err
		}
		sel.SetText(text)
	case "set_attr":
		name, err := strParam(params, "attr")
		if err != nil {
			return nil, err
		}
		sel.SetAttr(name, optStrParam(params, "value"))
	case "append":
		html, err := strParam(params, "html")
		if err != nil {
			return nil, err
		}
		sel.AppendHtml(d.sanitizer.Sanitize(html))
	case "remove":
		sel.Remove()
	default:
		return nil, fmt.Errorf("unknown dom op %q", op)
	}

	rendered, err := doc.Html()
	if err != nil {
		return nil, fmt.Errorf("failed to render document: %w", err)
	}
	return map[string]any{"html": rendered, "matches": sel.Length()}, nil
}

// injectCSS appends a style element to the document head. Style text is
// not sanitized by the HTML policy; angle brackets are rejected outright
// so a block cannot close the style element early.
func (d *DOM) injectCSS(params map[string]any) (any, error) {
	doc, _, err := d.document(params)
	if err != nil {
		return nil, err
	}
	css, err := strParam(params, "css")
	if err != nil {
		return nil, err
	}
	if strings.ContainsAny(css, "<>") {
		return nil, fmt.Errorf("css must not contain angle brackets")
	}

	head := doc.Find("head")
	if head.Length() == 0 {
		return nil, fmt.Errorf("document has no head element")
	}
	head.AppendHtml("<style>" + css + "</style>")

	rendered, err := doc.Html()
	if err != nil {
		return nil, err
	}
	return map[string]any{"html": rendered}, nil
}

// injectJS records a script for the host shell to attach. The source is
// never evaluated here and never merged into the sanitized document; it
// is returned as data for the caller's runtime to handle.
func (d *DOM) injectJS(params map[string]any) (any, error) {
	_, blockID, err := d.document(params)
	if err != nil {
		return nil, err
	}
	js, err := strParam(params, "js")
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"block_id": blockID,
		"script":   js,
		"attached": false,
	}, nil
}
