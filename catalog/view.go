package catalog

import (
	"context"
	"fmt"

	"github.com/orian/tagbug/models"
)

// View resolves the visible record set and slices it into pages.
//
// Visible records are those whose normalized tag is active and, while a
// subset is loaded, whose id is in the subset. They are always ordered by
// id so page offsets are reproducible for identical filter state.
type View struct {
	store     models.RecordStore
	vocab     *Vocabulary
	subset    *Subset
	geometry  models.Geometry
	pageIndex int
}

// NewView builds a view over store using vocab as its filter.
func NewView(store models.RecordStore, vocab *Vocabulary, geometry models.Geometry) (*View, error) {
	if err := geometry.Validate(); err != nil {
		return nil, err
	}
	return &View{store: store, vocab: vocab, geometry: geometry}, nil
}

// query builds the store query for the current filter state.
func (v *View) query(offset, limit int) models.Query {
	q := models.Query{
		Tags:   v.vocab.Active(),
		Offset: offset,
		Limit:  limit,
	}
	if v.subset != nil {
		q.RestrictIDs = true
		q.IDs = v.subset.IDs()
	}
	return q
}

// refresh re-synchronizes the vocabulary before any visibility computation.
func (v *View) refresh(ctx context.Context) error {
	_, err := v.vocab.RefreshFromStore(ctx, v.store)
	return err
}

// VisibleQuery returns every visible record in id order.
func (v *View) VisibleQuery(ctx context.Context) ([]models.Record, error) {
	if err := v.refresh(ctx); err != nil {
		return nil, err
	}
	_, total, err := v.store.QueryFiltered(ctx, v.query(0, 0))
	if err != nil {
		return nil, fmt.Errorf("count visible records: %w", err)
	}
	if total == 0 {
		return []models.Record{}, nil
	}
	items, _, err := v.store.QueryFiltered(ctx, v.query(0, total))
	if err != nil {
		return nil, fmt.Errorf("query visible records: %w", err)
	}
	return items, nil
}

// Count returns the number of visible records.
func (v *View) Count(ctx context.Context) (int, error) {
	if err := v.refresh(ctx); err != nil {
		return 0, err
	}
	return v.count(ctx)
}

func (v *View) count(ctx context.Context) (int, error) {
	_, total, err := v.store.QueryFiltered(ctx, v.query(0, 0))
	if err != nil {
		return 0, fmt.Errorf("count visible records: %w", err)
	}
	return total, nil
}

// Page returns the records at offset pageIndex*pageSize. A page past the
// end is empty rather than an error.
func (v *View) Page(ctx context.Context, pageIndex, pageSize int) (models.PageWindow, error) {
	if pageIndex < 0 || pageSize <= 0 {
		return models.PageWindow{}, fmt.Errorf("page %d of size %d: %w", pageIndex, pageSize, models.ErrInvalidPage)
	}
	if err := v.refresh(ctx); err != nil {
		return models.PageWindow{}, err
	}
	return v.page(ctx, pageIndex, pageSize)
}

func (v *View) page(ctx context.Context, pageIndex, pageSize int) (models.PageWindow, error) {
	window := models.PageWindow{PageIndex: pageIndex, PageSize: pageSize, Items: []models.Record{}}

	offset, ok := models.PageOffset(pageIndex, pageSize)
	if !ok {
		total, err := v.count(ctx)
		if err != nil {
			return models.PageWindow{}, err
		}
		window.TotalCount = total
		return window, nil
	}

	items, total, err := v.store.QueryFiltered(ctx, v.query(offset, pageSize))
	if err != nil {
		return models.PageWindow{}, fmt.Errorf("query page %d: %w", pageIndex, err)
	}
	window.TotalCount = total
	window.Items = items
	return window, nil
}

// Current returns the window for the current page and geometry. The
// vocabulary refresh and the count happen once per call.
func (v *View) Current(ctx context.Context) (models.PageWindow, error) {
	if err := v.refresh(ctx); err != nil {
		return models.PageWindow{}, err
	}
	return v.page(ctx, v.pageIndex, v.geometry.PageSize())
}

// NextPage advances one page when another page of records exists. It
// reports whether the page index changed.
func (v *View) NextPage(ctx context.Context) (bool, error) {
	total, err := v.Count(ctx)
	if err != nil {
		return false, err
	}
	next, ok := models.PageOffset(v.pageIndex+1, v.geometry.PageSize())
	if !ok || next >= total {
		return false, nil
	}
	v.pageIndex++
	return true, nil
}

// PrevPage steps back one page unless already on the first.
func (v *View) PrevPage() bool {
	if v.pageIndex <= 0 {
		return false
	}
	v.pageIndex--
	return true
}

// PageIndex returns the current page index.
func (v *View) PageIndex() int {
	return v.pageIndex
}

// SetPageIndex jumps to pageIndex. Out of range pages render empty.
func (v *View) SetPageIndex(pageIndex int) error {
	if pageIndex < 0 {
		return fmt.Errorf("page %d: %w", pageIndex, models.ErrInvalidPage)
	}
	v.pageIndex = pageIndex
	return nil
}

// Geometry returns the grid geometry.
func (v *View) Geometry() models.Geometry {
	return v.geometry
}

// SetGeometry changes the grid size. Invalid sizes leave the previous
// geometry in place. The page index is kept as is.
func (v *View) SetGeometry(width, height int) error {
	g := models.Geometry{Width: width, Height: height}
	if err := g.Validate(); err != nil {
		return err
	}
	v.geometry = g
	return nil
}

// SetSubset restricts visibility to the ids in s.
func (v *View) SetSubset(s *Subset) {
	v.subset = s
}

// ClearSubset removes the restriction.
func (v *View) ClearSubset() {
	v.subset = nil
}

// Subset returns the active restriction, or nil.
func (v *View) Subset() *Subset {
	return v.subset
}

// SetStore swaps the backing store.
func (v *View) SetStore(store models.RecordStore) {
	v.store = store
}
