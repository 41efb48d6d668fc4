// Package scraper defines the contract every upstream adapter implements and
// the page iterator the pipeline drives.
package scraper

import (
	"context"
	"errors"

	"contract-ingest/models"
	"contract-ingest/utils"
)

// ErrExhausted is returned by Iterator.Next once the source has no more pages
// for the scope.
var ErrExhausted = errors.New("source exhausted")

// Page is one fetched page. Items passed validation; Rejected holds the
// items that did not. Cursor is where the page was fetched from, which an
// adapter may set when it moved the requested cursor. Next is the cursor that
// resumes after this page.
type Page struct {
	Cursor   models.Cursor
	Next     models.Cursor
	Label    string
	Items    []*models.RawItem
	Rejected []*models.ValidationError
	Done     bool
}

// Found is the number of items the upstream returned on this page.
func (p *Page) Found() int {
	return len(p.Items) + len(p.Rejected)
}

// Adapter turns one upstream into a sequence of pages. Implementations are
// stateless between calls: everything needed to continue lives in the cursor.
type Adapter interface {
	// Source is the identifier of the upstream.
	Source() string
	// Start returns the first cursor of scope.
	Start(scope models.Scope) models.Cursor
	// Fetch retrieves the page at cursor. Errors should be *utils.FetchError
	// so they can be classified.
	Fetch(ctx context.Context, scope models.Scope, cursor models.Cursor) (*Page, error)
	// Skip returns the cursor following a page that could not be fetched,
	// and false when there is nothing after it.
	Skip(scope models.Scope, cursor models.Cursor) (models.Cursor, bool)
	// Windowed reports whether the adapter honours the From and To of a
	// date-range scope.
	Windowed() bool
}

// Guard wraps every outbound fetch with the source's rate governor and
// retry policy. Either may be nil.
type Guard struct {
	Governor *utils.Governor
	Retry    *utils.RetryPolicy
}

// Do runs fn under the guard. Every attempt acquires from the governor; an
// upstream rate-limit signal puts the governor into cooldown.
func (g Guard) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := func(ctx context.Context) error {
		if g.Governor != nil {
			if err := g.Governor.Acquire(ctx); err != nil {
				return err
			}
		}
		err := fn(ctx)
		if err != nil && g.Governor != nil && utils.Classify(err) == utils.ClassRateLimited {
			g.Governor.Cooldown(utils.RetryAfterOf(err))
		}
		return err
	}
	if g.Retry == nil {
		return attempt(ctx)
	}
	return g.Retry.Do(ctx, op, attempt)
}

// Iterator walks an adapter page by page from a starting cursor. It is not
// safe for concurrent use.
type Iterator struct {
	adapter Adapter
	scope   models.Scope
	cursor  models.Cursor
	guard   Guard
	done    bool
}

// Open starts iterating scope at cursor; an empty cursor starts at the
// beginning of the scope.
func Open(adapter Adapter, scope models.Scope, cursor models.Cursor, guard Guard) *Iterator {
	if cursor == "" {
		cursor = adapter.Start(scope)
	}
	return &Iterator{adapter: adapter, scope: scope, cursor: cursor, guard: guard}
}

// Cursor is the position of the next page to fetch.
func (it *Iterator) Cursor() models.Cursor {
	return it.cursor
}

// Next fetches the page at the current cursor and advances past it. The
// cursor is left in place on error so the page can be skipped or retried.
func (it *Iterator) Next(ctx context.Context) (*Page, error) {
	if it.done {
		return nil, ErrExhausted
	}
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}

	var page *Page
	err := it.guard.Do(ctx, "fetch "+it.adapter.Source(), func(ctx context.Context) error {
		p, err := it.adapter.Fetch(ctx, it.scope, it.cursor)
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	if page.Cursor == "" {
		page.Cursor = it.cursor
	}
	it.cursor = page.Next
	if page.Done || page.Next == "" {
		it.done = true
	}
	return page, nil
}

// Skip moves past the page at the current cursor after it failed. It reports
// whether any pages remain.
func (it *Iterator) Skip() bool {
	if it.done {
		return false
	}
	next, ok := it.adapter.Skip(it.scope, it.cursor)
	if !ok {
		it.done = true
		return false
	}
	it.cursor = next
	return true
}
