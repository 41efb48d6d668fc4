package scraper

import (
	"context"
	"sync"

	"contract-ingest/models"
)

// MockAdapter serves scripted pages for demos and tests. It makes no network
// calls. Page indexes are zero-based.
type MockAdapter struct {
	ID         string
	Pages      [][]*models.RawItem
	Rejected   map[int][]*models.ValidationError
	Exhaustion Exhaustion
	// Dated makes the adapter accept date-range scopes. The range does not
	// change which pages are served.
	Dated bool

	// BeforeServe, when set, runs before a page is returned. Tests use it to
	// interrupt a run at a precise page.
	BeforeServe func(ctx context.Context, page int)

	mu       sync.Mutex
	failures map[int][]error
	fetched  []int
}

// NewMockAdapter creates a MockAdapter serving pages.
func NewMockAdapter(id string, pages [][]*models.RawItem) *MockAdapter {
	return &MockAdapter{ID: id, Pages: pages}
}

// FailPage queues errors returned by successive fetches of page. Once the
// queue drains the page is served normally.
func (m *MockAdapter) FailPage(page int, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures == nil {
		m.failures = make(map[int][]error)
	}
	m.failures[page] = append(m.failures[page], errs...)
}

// Fetched returns the page indexes requested so far, in order.
func (m *MockAdapter) Fetched() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.fetched...)
}

func (m *MockAdapter) Source() string { return m.ID }

func (m *MockAdapter) Windowed() bool { return m.Dated }

func (m *MockAdapter) Start(scope models.Scope) models.Cursor {
	return PageCursor{Page: scope.StartPage}.Encode()
}

func (m *MockAdapter) Fetch(ctx context.Context, scope models.Scope, cursor models.Cursor) (*Page, error) {
	c, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.fetched = append(m.fetched, c.Page)
	if q := m.failures[c.Page]; len(q) > 0 {
		m.failures[c.Page] = q[1:]
		m.mu.Unlock()
		return nil, q[0]
	}
	m.mu.Unlock()

	if m.BeforeServe != nil {
		m.BeforeServe(ctx, c.Page)
	}

	page := &Page{Label: c.String()}
	if c.Page >= 0 && c.Page < len(m.Pages) {
		page.Items = m.Pages[c.Page]
		page.Rejected = m.Rejected[c.Page]
	}
	next, done := m.Exhaustion.Advance(c, scope.StartPage, page.Found())
	page.Next = next.Encode()
	page.Done = done
	return page, nil
}

func (m *MockAdapter) Skip(scope models.Scope, cursor models.Cursor) (models.Cursor, bool) {
	c, err := DecodeCursor(cursor)
	if err != nil {
		return "", false
	}
	next, done := m.Exhaustion.Skip(c, scope.StartPage)
	if done {
		return "", false
	}
	return next.Encode(), true
}
