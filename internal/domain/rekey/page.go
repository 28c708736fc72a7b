package rekey

import "fmt"

// Page is an ascending, size-bounded slice of records read after a cursor.
// It is the unit of atomicity: its token assignments commit together.
type Page struct {
	after   int64
	records []Record
}

// NewPage validates that records are strictly ascending and all lie after
// the cursor they were read from.
func NewPage(after int64, records []Record) (Page, error) {
	prev := after
	for _, r := range records {
		if r.ID <= prev {
			return Page{}, fmt.Errorf("%w: id %d follows %d", ErrPageNotAscending, r.ID, prev)
		}
		prev = r.ID
	}
	return Page{after: after, records: records}, nil
}

// After returns the cursor the page was read from.
func (p Page) After() int64 { return p.after }

// Records returns the page's records in ascending id order.
func (p Page) Records() []Record { return p.records }

func (p Page) Len() int      { return len(p.records) }
func (p Page) IsEmpty() bool { return len(p.records) == 0 }

// StartID returns the first id in the page, or 0 for an empty page.
func (p Page) StartID() int64 {
	if p.IsEmpty() {
		return 0
	}
	return p.records[0].ID
}

// EndID returns the last id in the page. For an empty page it returns the
// cursor so that callers can treat it as a no-op boundary.
func (p Page) EndID() int64 {
	if p.IsEmpty() {
		return p.after
	}
	return p.records[len(p.records)-1].ID
}

// IDs returns the record ids in ascending order.
func (p Page) IDs() []int64 {
	ids := make([]int64, len(p.records))
	for i, r := range p.records {
		ids[i] = r.ID
	}
	return ids
}

func (p Page) String() string {
	return fmt.Sprintf("page[%d..%d] (%d records)", p.StartID(), p.EndID(), p.Len())
}
