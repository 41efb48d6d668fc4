package scraper

import (
	"encoding/json"
	"fmt"
	"time"

	"contract-ingest/models"
)

// PageCursor is the cursor shape shared by the page-numbered adapters. Day is
// set for date-windowed sources. Empty counts consecutive empty pages seen in
// the current window so a resumed run applies the exhaustion rule exactly.
type PageCursor struct {
	Day   string `json:"day,omitempty"`
	Page  int    `json:"page"`
	Empty int    `json:"empty,omitempty"`
}

// Encode serialises the cursor.
func (c PageCursor) Encode() models.Cursor {
	b, _ := json.Marshal(c)
	return models.Cursor(b)
}

// DecodeCursor parses a cursor produced by Encode.
func DecodeCursor(c models.Cursor) (PageCursor, error) {
	var pc PageCursor
	if err := json.Unmarshal([]byte(c), &pc); err != nil {
		return PageCursor{}, fmt.Errorf("decode cursor %q: %w", c, err)
	}
	return pc, nil
}

// Date returns the window day, or the zero time when the cursor has none.
func (c PageCursor) Date() time.Time {
	t, _ := models.ParseDate(c.Day)
	return t
}

func (c PageCursor) String() string {
	if c.Day != "" {
		return fmt.Sprintf("%s page %d", c.Day, c.Page)
	}
	return fmt.Sprintf("page %d", c.Page)
}

// Exhaustion decides when a pagination window has no more pages.
type Exhaustion struct {
	// PageSize is the number of items a full page holds.
	PageSize int
	// MaxPages caps the pages fetched per window; zero means no cap.
	MaxPages int
	// ConfirmEmpty is the number of consecutive empty pages that end a
	// window. Values below one are treated as one.
	ConfirmEmpty int
	// TrustShortPages lets a page shorter than PageSize end the window.
	TrustShortPages bool
}

// Advance returns the cursor after a page at c that returned n items, and
// whether the window is finished. first is the index of the window's first
// page.
func (e Exhaustion) Advance(c PageCursor, first, n int) (PageCursor, bool) {
	next := PageCursor{Day: c.Day, Page: c.Page + 1}
	done := false

	if n == 0 {
		next.Empty = c.Empty + 1
		confirm := e.ConfirmEmpty
		if confirm < 1 {
			confirm = 1
		}
		done = next.Empty >= confirm
	} else if e.TrustShortPages && e.PageSize > 0 && n < e.PageSize {
		done = true
	}

	if e.MaxPages > 0 && c.Page-first+1 >= e.MaxPages {
		done = true
	}
	return next, done
}

// Skip returns the cursor after a page at c that failed, and whether the
// window is finished. The empty-page streak carries over unchanged.
func (e Exhaustion) Skip(c PageCursor, first int) (PageCursor, bool) {
	next := PageCursor{Day: c.Day, Page: c.Page + 1, Empty: c.Empty}
	return next, e.MaxPages > 0 && c.Page-first+1 >= e.MaxPages
}

// NextDay returns the first cursor of the window after c, and false when c is
// the last day of scope.
func NextDay(c PageCursor, scope models.Scope, first int) (PageCursor, bool) {
	day := c.Date()
	if day.IsZero() || !scope.HasRange() {
		return PageCursor{}, false
	}
	day = day.AddDate(0, 0, 1)
	if day.After(scope.To) {
		return PageCursor{}, false
	}
	return PageCursor{Day: day.Format(models.DateLayout), Page: first}, true
}
