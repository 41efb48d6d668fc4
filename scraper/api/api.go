// Package api implements the paginated JSON API adapter.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"

	"contract-ingest/config"
	"contract-ingest/models"
	"contract-ingest/scraper"
	"contract-ingest/utils"
)

const maxBodyBytes = 32 << 20

// Adapter fetches pages from a JSON search API. It paginates by page index or
// item offset and can walk a date range one day at a time.
type Adapter struct {
	src    *config.SourceConfig
	api    *config.APIConfig
	client *http.Client
	logger *utils.Logger
	schema *gojsonschema.Schema
	apiKey string
	now    func() time.Time
}

// New creates an Adapter for src. client may be nil.
func New(src *config.SourceConfig, client *http.Client, logger *utils.Logger) (*Adapter, error) {
	if src.API == nil {
		return nil, fmt.Errorf("source %s: no api block", src.ID)
	}
	if client == nil {
		client = &http.Client{}
	}

	schemaDoc := src.API.Schema
	if schemaDoc == "" {
		schemaDoc = envelopeSchema(src.API.ItemsPath)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaDoc))
	if err != nil {
		return nil, fmt.Errorf("source %s: compile envelope schema: %w", src.ID, err)
	}

	a := &Adapter{
		src:    src,
		api:    src.API,
		client: client,
		logger: logger,
		schema: schema,
		now:    time.Now,
	}
	if src.API.APIKeyEnv != "" {
		a.apiKey = os.Getenv(src.API.APIKeyEnv)
	}
	return a, nil
}

// envelopeSchema requires the item array at the dotted path itemsPath.
func envelopeSchema(itemsPath string) string {
	parts := strings.Split(itemsPath, ".")
	schema := `{"type":["array","null"]}`
	for i := len(parts) - 1; i >= 0; i-- {
		name := strconv.Quote(parts[i])
		schema = fmt.Sprintf(`{"type":"object","required":[%s],"properties":{%s:%s}}`, name, name, schema)
	}
	return schema
}

func (a *Adapter) Source() string { return a.src.ID }

// Windowed reports whether the source walks date-range scopes day by day.
func (a *Adapter) Windowed() bool { return a.api.Window == "day" }

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

// Window returns the date range a windowed scope covers. Scopes without an
// explicit range cover the last IncrementalDays days.
func (a *Adapter) Window(scope models.Scope) models.Scope {
	if scope.HasRange() {
		return scope
	}
	today := a.now().UTC().Truncate(24 * time.Hour)
	days := a.src.IncrementalDays
	if days < 1 {
		days = 1
	}
	scope.From = today.AddDate(0, 0, -(days - 1))
	scope.To = today
	return scope
}

func (a *Adapter) Start(scope models.Scope) models.Cursor {
	c := scraper.PageCursor{Page: a.api.FirstPage}
	if scope.StartPage > 0 {
		c.Page = scope.StartPage
	}
	if a.Windowed() {
		c.Day = a.Window(scope).From.Format(models.DateLayout)
	}
	return c.Encode()
}

func (a *Adapter) Skip(scope models.Scope, cursor models.Cursor) (models.Cursor, bool) {
	c, err := scraper.DecodeCursor(cursor)
	if err != nil {
		return "", false
	}
	next, done := a.exhaustion(scope).Skip(c, a.api.FirstPage)
	if !done {
		return next.Encode(), true
	}
	if a.Windowed() {
		if day, ok := scraper.NextDay(c, a.Window(scope), a.api.FirstPage); ok {
			return day.Encode(), true
		}
	}
	return "", false
}

func (a *Adapter) Fetch(ctx context.Context, scope models.Scope, cursor models.Cursor) (*scraper.Page, error) {
	op := "fetch " + a.src.ID
	c, err := scraper.DecodeCursor(cursor)
	if err != nil {
		return nil, utils.NewSourceError(op, 0, err)
	}
	if a.api.APIKeyEnv != "" && a.apiKey == "" {
		return nil, utils.NewSourceError(op, 0, fmt.Errorf("api key %s is not set", a.api.APIKeyEnv))
	}

	window := scope
	if a.Windowed() {
		window = a.Window(scope)
		// an old checkpoint of a moving incremental window restarts at its start
		if day := c.Date(); day.IsZero() || day.Before(window.From) {
			c = scraper.PageCursor{Day: window.From.Format(models.DateLayout), Page: a.api.FirstPage}
		}
	}

	reqURL, err := a.pageURL(c)
	if err != nil {
		return nil, utils.NewSourceError(op, 0, err)
	}
	body, err := a.get(ctx, op, reqURL)
	if err != nil {
		return nil, err
	}

	page, err := a.parse(op, c, body)
	if err != nil {
		return nil, err
	}

	next, done := a.exhaustion(scope).Advance(c, a.api.FirstPage, page.Found())
	if done && a.Windowed() {
		if day, ok := scraper.NextDay(c, window, a.api.FirstPage); ok {
			next, done = day, false
		}
	}
	page.Next = next.Encode()
	page.Done = done
	return page, nil
}

func (a *Adapter) pageURL(c scraper.PageCursor) (string, error) {
	u, err := url.Parse(a.api.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	for k, v := range a.api.Params {
		q.Set(k, v)
	}

	value := c.Page
	if a.api.Pagination == "offset" {
		value = (c.Page - a.api.FirstPage) * a.src.PageSize
	}
	q.Set(a.api.PageParam, strconv.Itoa(value))
	if a.api.SizeParam != "" && a.src.PageSize > 0 {
		q.Set(a.api.SizeParam, strconv.Itoa(a.src.PageSize))
	}
	if a.Windowed() {
		day := c.Date().Format(a.api.DateFormat)
		q.Set(a.api.FromParam, day)
		q.Set(a.api.ToParam, day)
	}
	if a.apiKey != "" && a.api.APIKeyParam != "" {
		q.Set(a.api.APIKeyParam, a.apiKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (a *Adapter) get(ctx context.Context, op, reqURL string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, a.src.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, utils.NewSourceError(op, 0, err)
	}
	req.Header.Set("Accept", "application/json")
	if a.apiKey != "" && a.api.APIKeyHeader != "" {
		req.Header.Set(a.api.APIKeyHeader, a.apiKey)
	}

	a.logger.Debug("[%s] GET %s", a.src.ID, redact(reqURL, a.api.APIKeyParam))
	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, utils.NewTransient(op, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, utils.NewTransient(op, resp.StatusCode, fmt.Errorf("read body: %w", err))
	}

	if a.quotaExceeded(body) || resp.StatusCode == http.StatusTooManyRequests {
		return nil, utils.NewRateLimited(op, resp.StatusCode, retryAfter(resp.Header.Get("Retry-After"), a.now()))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := errors.New(snippet(body))
		switch utils.ClassifyStatus(resp.StatusCode) {
		case utils.ClassSource:
			return nil, utils.NewSourceError(op, resp.StatusCode, err)
		case utils.ClassTransient:
			return nil, utils.NewTransient(op, resp.StatusCode, err)
		default:
			return nil, utils.NewPageError(op, resp.StatusCode, err)
		}
	}
	return body, nil
}

func (a *Adapter) quotaExceeded(body []byte) bool {
	if a.api.QuotaPath == "" || len(a.api.QuotaValues) == 0 || !gjson.ValidBytes(body) {
		return false
	}
	v := gjson.GetBytes(body, a.api.QuotaPath)
	if !v.Exists() {
		return false
	}
	for _, want := range a.api.QuotaValues {
		if v.String() == want {
			return true
		}
	}
	return false
}

func (a *Adapter) parse(op string, c scraper.PageCursor, body []byte) (*scraper.Page, error) {
	if !gjson.ValidBytes(body) {
		return nil, utils.NewPageError(op, 0, fmt.Errorf("malformed json at %s: %s", c, snippet(body)))
	}

	result, err := a.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, utils.NewPageError(op, 0, fmt.Errorf("validate envelope: %w", err))
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, utils.NewSourceError(op, 0, fmt.Errorf("response contract changed: %s", strings.Join(msgs, "; ")))
	}

	page := &scraper.Page{Cursor: c.Encode(), Label: c.String()}
	observed := a.now().UTC()
	raw := gjson.GetBytes(body, a.api.ItemsPath).Array()
	for i, entry := range raw {
		item := a.mapItem(entry, observed)
		item.Ref = fmt.Sprintf("%s#%d", c, i)
		if !entry.IsObject() {
			page.Rejected = append(page.Rejected, &models.ValidationError{
				SourceID: a.src.ID, Ref: item.Ref, Field: "item", Reason: "is not an object",
			})
			continue
		}
		if err := item.Validate(); err != nil {
			var ve *models.ValidationError
			if errors.As(err, &ve) {
				page.Rejected = append(page.Rejected, ve)
				continue
			}
			return nil, utils.NewPageError(op, 0, err)
		}
		page.Items = append(page.Items, item)
	}

	if len(raw) > 0 && len(page.Items) == 0 {
		return nil, utils.NewPageError(op, 0, fmt.Errorf("all %d items on %s failed validation, first: %v", len(raw), c, page.Rejected[0]))
	}
	return page, nil
}

func (a *Adapter) mapItem(entry gjson.Result, observed time.Time) *models.RawItem {
	item := &models.RawItem{
		SourceID:   a.src.ID,
		NaturalID:  make(map[string]string, len(a.src.Key)),
		Fields:     make(map[string]*string, len(a.src.Fields)),
		ObservedAt: observed,
	}
	for name, path := range a.src.Key {
		item.NaturalID[name] = scalar(entry.Get(path))
	}
	for name, path := range a.src.Fields {
		item.Fields[name] = models.Str(scalar(entry.Get(path)))
	}
	return item
}

// scalar renders a JSON value as text; objects and arrays keep their raw form.
func scalar(v gjson.Result) string {
	switch v.Type {
	case gjson.Null:
		return ""
	case gjson.String, gjson.Number, gjson.True, gjson.False:
		return strings.TrimSpace(v.String())
	default:
		return strings.TrimSpace(v.Raw)
	}
}

func retryAfter(header string, now time.Time) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func redact(rawURL, param string) string {
	if param == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	if q.Has(param) {
		q.Set(param, "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
