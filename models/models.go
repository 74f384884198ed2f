// Package models defines the core data types for tagbug, a browsing and
// bulk-tagging tool for large image datasets stored as (id → tag) rows.
package models

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Record is one dataset item. Records are bulk-loaded externally; tagbug
// only changes their tag or deletes them.
type Record struct {
	// ID uniquely identifies the row and names the item's image folder
	// (<image_root>/<id>/).
	ID string `json:"id"`

	// Tag is the classification label. Nil or empty means untagged and is
	// presented as NoneTag.
	Tag *string `json:"tag"`
}

// NormalizedTag returns the record's tag with the untagged case mapped to
// NoneTag.
func (r Record) NormalizedTag() string {
	if r.Tag == nil {
		return NoneTag
	}
	return NormalizeTag(*r.Tag)
}

// NewRecord builds a record with the given tag. An empty tag produces an
// untagged record.
func NewRecord(id, tag string) Record {
	if tag == "" {
		return Record{ID: id}
	}
	return Record{ID: id, Tag: &tag}
}

// PageWindow is one bounded slice of the visible, ordered record set.
// It is derived on every refresh and never persisted.
type PageWindow struct {
	// PageIndex is the zero-based page number.
	PageIndex int `json:"pageIndex"`

	// PageSize is the grid capacity (width*height).
	PageSize int `json:"pageSize"`

	// TotalCount is the number of visible records across all pages.
	TotalCount int `json:"totalCount"`

	// Items holds at most PageSize records in id order.
	Items []Record `json:"items"`
}

// Start returns the 1-based position of the first item, or 0 for an empty page.
func (w PageWindow) Start() int {
	if len(w.Items) == 0 {
		return 0
	}
	return w.PageIndex*w.PageSize + 1
}

// End returns the 1-based position of the last item, or 0 for an empty page.
func (w PageWindow) End() int {
	if len(w.Items) == 0 {
		return 0
	}
	return w.PageIndex*w.PageSize + len(w.Items)
}

// PageCount returns the number of pages needed to cover TotalCount.
func (w PageWindow) PageCount() int {
	if w.PageSize <= 0 {
		return 0
	}
	return (w.TotalCount + w.PageSize - 1) / w.PageSize
}

// Geometry is the grid layout used to size pages.
type Geometry struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// DefaultGeometry is the 10x10 grid the browser starts with.
var DefaultGeometry = Geometry{Width: 10, Height: 10}

// PageSize returns the number of cells in the grid.
func (g Geometry) PageSize() int {
	return g.Width * g.Height
}

// Validate reports ErrInvalidGeometry for non-positive dimensions and for
// grids whose cell count does not fit in an int.
func (g Geometry) Validate() error {
	if g.Width <= 0 || g.Height <= 0 || g.Width > math.MaxInt/g.Height {
		return &GeometryError{Width: g.Width, Height: g.Height}
	}
	return nil
}

// Rect is an on-screen rectangle in renderer coordinates.
type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Normalized returns the rectangle with non-negative width and height,
// as produced by dragging a rubber band in any direction.
func (r Rect) Normalized() Rect {
	if r.W < 0 {
		r.X += r.W
		r.W = -r.W
	}
	if r.H < 0 {
		r.Y += r.H
		r.H = -r.H
	}
	return r
}

// Empty reports whether the rectangle covers no area.
func (r Rect) Empty() bool {
	return r.W <= 0 || r.H <= 0
}

// Intersects reports whether r and o share a region of positive area.
// Empty rectangles never intersect.
func (r Rect) Intersects(o Rect) bool {
	r, o = r.Normalized(), o.Normalized()
	if r.Empty() || o.Empty() {
		return false
	}
	return r.X < o.X+o.W && o.X < r.X+r.W &&
		r.Y < o.Y+o.H && o.Y < r.Y+r.H
}

// BoundedItem is a rendered page item annotated with its bounding box.
type BoundedItem struct {
	ID     string `json:"id"`
	Bounds Rect   `json:"bounds"`
}

// Query describes a filtered, paginated read against a RecordStore.
type Query struct {
	// Tags are normalized tag names to include. An empty set matches nothing.
	Tags []string

	// RestrictIDs enables the id allow-list. When false IDs is ignored.
	RestrictIDs bool

	// IDs is the allow-list used when RestrictIDs is set.
	IDs []string

	// Offset is the number of matching records to skip.
	Offset int

	// Limit caps the number of returned records. Zero returns only the count.
	Limit int
}

// Rows returns how many of total matching records the query selects. It is
// zero when Limit is not positive or Offset falls outside [0, total).
func (q Query) Rows(total int) int {
	if q.Limit <= 0 || q.Offset < 0 || q.Offset >= total {
		return 0
	}
	return min(q.Limit, total-q.Offset)
}

// PageOffset returns pageIndex*pageSize. ok is false for negative input and
// when the product does not fit in an int; such a page is past every result.
func PageOffset(pageIndex, pageSize int) (offset int, ok bool) {
	if pageIndex < 0 || pageSize <= 0 || pageIndex > math.MaxInt/pageSize {
		return 0, false
	}
	return pageIndex * pageSize, true
}

// MutationEntry is one committed bulk mutation kept in the journal.
type MutationEntry struct {
	// ID is the unique identifier for this entry (UUID).
	ID string `json:"id"`

	// Op names the mutation: retag, delete, exclude or create-tag.
	Op string `json:"op"`

	// Tag is the tag applied by retag/create-tag; empty otherwise.
	Tag string `json:"tag,omitempty"`

	// RecordIDs lists the ids the mutation touched.
	RecordIDs []string `json:"recordIds"`

	// CreatedAt is when the mutation committed.
	CreatedAt time.Time `json:"createdAt"`
}

// NewMutationEntry builds a journal entry with a fresh id, stamped now.
func NewMutationEntry(op, tag string, ids []string) *MutationEntry {
	return &MutationEntry{
		ID:        uuid.New().String(),
		Op:        op,
		Tag:       tag,
		RecordIDs: ids,
		CreatedAt: time.Now(),
	}
}
