// Package rendered implements the headless-browser adapter: it renders a
// listing page and extracts items from the DOM.
package rendered

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"contract-ingest/config"
	"contract-ingest/models"
	"contract-ingest/scraper"
	"contract-ingest/utils"
)

// Adapter renders numbered listing pages and extracts one item per match of
// the item selector.
type Adapter struct {
	src      *config.SourceConfig
	cfg      *config.RenderedConfig
	renderer Renderer
	logger   *utils.Logger
	now      func() time.Time
}

// New creates an Adapter for src using renderer.
func New(src *config.SourceConfig, renderer Renderer, logger *utils.Logger) (*Adapter, error) {
	if src.Rendered == nil {
		return nil, fmt.Errorf("source %s: no rendered block", src.ID)
	}
	return &Adapter{src: src, cfg: src.Rendered, renderer: renderer, logger: logger, now: time.Now}, nil
}

func (a *Adapter) Source() string { return a.src.ID }

// Windowed is false: listing pages have no date filter.
func (a *Adapter) Windowed() bool { return false }

func (a *Adapter) exhaustion(scope models.Scope) scraper.Exhaustion {
	rule := scraper.Exhaustion{
		PageSize:        a.src.PageSize,
		MaxPages:        a.src.MaxPages,
		ConfirmEmpty:    a.src.ConfirmEmptyPages,
		TrustShortPages: a.src.TrustShortPages,
	}
	if scope.Mode == models.ModeIncremental && a.src.IncrementalPages > 0 {
		if rule.MaxPages == 0 || a.src.IncrementalPages < rule.MaxPages {
			rule.MaxPages = a.src.IncrementalPages
		}
	}
	return rule
}

func (a *Adapter) Start(scope models.Scope) models.Cursor {
	page := a.cfg.FirstPage
	if scope.StartPage > 0 {
		page = scope.StartPage
	}
	return scraper.PageCursor{Page: page}.Encode()
}

func (a *Adapter) Skip(scope models.Scope, cursor models.Cursor) (models.Cursor, bool) {
	c, err := scraper.DecodeCursor(cursor)
	if err != nil {
		return "", false
	}
	next, done := a.exhaustion(scope).Skip(c, a.cfg.FirstPage)
	if done {
		return "", false
	}
	return next.Encode(), true
}

func (a *Adapter) Fetch(ctx context.Context, scope models.Scope, cursor models.Cursor) (*scraper.Page, error) {
	op := "fetch " + a.src.ID
	c, err := scraper.DecodeCursor(cursor)
	if err != nil {
		return nil, utils.NewSourceError(op, 0, err)
	}

	pageURL := a.pageURL(c.Page)
	a.logger.Debug("[%s] Rendering %s", a.src.ID, pageURL)
	html, err := a.renderer.Render(ctx, pageURL, Wait{
		Selector: a.cfg.WaitSelector,
		Settle:   a.cfg.SettleTimeout,
		Timeout:  a.src.Timeout,
	})
	if err != nil {
		return nil, err
	}

	page, err := a.Extract(html, pageURL, a.now().UTC())
	if err != nil {
		return nil, utils.NewPageError(op, 0, err)
	}
	page.Label = c.String()
	for i, item := range page.Items {
		if item.Ref == "" {
			item.Ref = fmt.Sprintf("%s#%d", pageURL, i)
		}
	}

	next, done := a.exhaustion(scope).Advance(c, a.cfg.FirstPage, page.Found())
	page.Next = next.Encode()
	page.Done = done
	return page, nil
}

func (a *Adapter) pageURL(page int) string {
	return strings.ReplaceAll(a.cfg.URL, "{page}", strconv.Itoa(page))
}

// Extract pulls items out of rendered HTML. A page with no matching elements
// yields an empty page, not an error. Repeated cards for the same natural
// identifier are collapsed to the first.
func (a *Adapter) Extract(html, pageURL string, observed time.Time) (*scraper.Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, _ := url.Parse(pageURL)

	page := &scraper.Page{}
	seen := utils.NewKeySet()
	doc.Find(a.cfg.ItemSelector).Each(func(i int, sel *goquery.Selection) {
		item := &models.RawItem{
			SourceID:   a.src.ID,
			Ref:        fmt.Sprintf("%s#%d", pageURL, i),
			NaturalID:  make(map[string]string, len(a.src.Key)),
			Fields:     make(map[string]*string, len(a.src.Fields)),
			ObservedAt: observed,
		}
		for name, field := range a.src.Key {
			item.NaturalID[name] = extract(sel, field, base)
		}
		for name, field := range a.src.Fields {
			item.Fields[name] = models.Str(extract(sel, field, base))
		}

		if err := item.Validate(); err != nil {
			var ve *models.ValidationError
			if errors.As(err, &ve) {
				page.Rejected = append(page.Rejected, ve)
			}
			return
		}
		if !seen.Add(identity(item.NaturalID)) {
			a.logger.Debug("[%s] Duplicate card skipped on %s: %v", a.src.ID, pageURL, item.NaturalID)
			return
		}
		page.Items = append(page.Items, item)
	})

	if len(page.Items) == 0 && len(page.Rejected) > 0 {
		return nil, fmt.Errorf("all %d items failed validation, first: %v", len(page.Rejected), page.Rejected[0])
	}
	return page, nil
}

// extract evaluates "selector", "selector@attr" or "@attr" against sel. An
// empty selector refers to sel itself. href and src attributes are resolved
// against base.
func extract(sel *goquery.Selection, field string, base *url.URL) string {
	query, attr, hasAttr := strings.Cut(field, "@")
	target := sel
	if query = strings.TrimSpace(query); query != "" && query != "." {
		target = sel.Find(query).First()
	}
	if target.Length() == 0 {
		return ""
	}
	if !hasAttr {
		return utils.NormaliseText(target.Text())
	}

	val, ok := target.Attr(strings.TrimSpace(attr))
	if !ok {
		return ""
	}
	val = strings.TrimSpace(val)
	if base != nil && (attr == "href" || attr == "src") && val != "" {
		if ref, err := url.Parse(val); err == nil {
			val = base.ResolveReference(ref).String()
		}
	}
	return val
}

func identity(id map[string]string) string {
	keys := make([]string, 0, len(id))
	for k := range id {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(utils.CompactUpper(id[k]))
		b.WriteByte(';')
	}
	return b.String()
}
