// Package processor incrementally mirrors the upstream catalog into the
// package metadata store, driven by a persistent cursor.
//
// The cursor only ever advances past commits whose leaves were fully
// applied. A failure mid-page leaves the cursor at the last fully applied
// commit, and the next run picks up from there.
package processor

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nuget-trends/nuget-trends/go/catalog/client"
	"github.com/nuget-trends/nuget-trends/go/cursor"
	"github.com/nuget-trends/nuget-trends/go/metrics2"
	"github.com/nuget-trends/nuget-trends/go/packages"
	"github.com/nuget-trends/nuget-trends/go/skerr"
	"github.com/nuget-trends/nuget-trends/go/sklog"
)

// leafFetchWindow is how many leaves are fetched concurrently, and also the
// apply-batch granularity the cursor advances by.
const leafFetchWindow = 25

// CatalogClient is the part of client.Client the processor uses.
type CatalogClient interface {
	GetCatalogIndexURL(ctx context.Context) (string, error)
	GetCatalogIndex(ctx context.Context, url string) (*client.CatalogIndex, error)
	GetCatalogPage(ctx context.Context, url string) (*client.CatalogPage, error)
	GetPackageDetailsLeaf(ctx context.Context, url string) (*client.PackageDetailsLeaf, error)
}

// Options bound the commit window the processor will mirror.
type Options struct {
	// MinCommitTimestamp is the exclusive lower bound used when the cursor
	// is unset or behind it. Zero means "from the beginning".
	MinCommitTimestamp time.Time

	// MaxCommitTimestamp is the inclusive upper bound. Zero means no bound.
	MaxCommitTimestamp time.Time

	// ExcludeRedundantLeaves keeps only the latest leaf per
	// (package id, version) within a page. On by default in config; the
	// upstream frequently emits several edits of the same version in one
	// page.
	ExcludeRedundantLeaves bool
}

// Processor mirrors the catalog.
type Processor struct {
	client  CatalogClient
	store   packages.Store
	cursors cursor.Store
	opts    Options

	pagesProcessed metrics2.Counter
	leavesApplied  metrics2.Counter
	deletesApplied metrics2.Counter
	liveness       *metrics2.Liveness
}

// New returns a Processor.
func New(c CatalogClient, store packages.Store, cursors cursor.Store, opts Options) *Processor {
	return &Processor{
		client:         c,
		store:          store,
		cursors:        cursors,
		opts:           opts,
		pagesProcessed: metrics2.GetCounter("catalog_pages_processed", nil),
		leavesApplied:  metrics2.GetCounter("catalog_leaves_applied", nil),
		deletesApplied: metrics2.GetCounter("catalog_deletes_applied", nil),
		liveness:       metrics2.NewLiveness("catalog_processor", nil),
	}
}

// Process mirrors every catalog commit in the window (cursor, max] and
// advances the cursor. Safe to re-run; an unchanged upstream is a no-op.
func (p *Processor) Process(ctx context.Context) error {
	tmin := p.opts.MinCommitTimestamp
	persisted, ok, err := p.cursors.Get(ctx, cursor.CatalogCursorName)
	if err != nil {
		return skerr.Wrap(err)
	}
	if ok && persisted.After(tmin) {
		tmin = persisted
	}
	tmax := p.opts.MaxCommitTimestamp

	indexURL, err := p.client.GetCatalogIndexURL(ctx)
	if err != nil {
		return skerr.Wrap(err)
	}
	index, err := p.client.GetCatalogIndex(ctx, indexURL)
	if err != nil {
		return skerr.Wrap(err)
	}
	pages := pagesInWindow(index.Items, tmin, tmax)
	if len(pages) == 0 {
		sklog.Infof("Catalog cursor %s is up to date", tmin.Format(time.RFC3339))
		p.liveness.Reset()
		return nil
	}
	sklog.Infof("Processing %d catalog page(s) after %s", len(pages), tmin.Format(time.RFC3339))

	appliedThrough := tmin
	for _, pageItem := range pages {
		if err := ctx.Err(); err != nil {
			return skerr.Wrap(err)
		}
		if err := p.processPage(ctx, pageItem, tmin, tmax, &appliedThrough); err != nil {
			return skerr.Wrapf(err, "processing page %s", pageItem.URL)
		}
		// The page is done, so everything up to its bound is mirrored even
		// if its last leaves were filtered out.
		pageBound := pageItem.CommitTimestamp
		if !tmax.IsZero() && tmax.Before(pageBound) {
			pageBound = tmax
		}
		if err := p.advanceCursor(ctx, pageBound, &appliedThrough); err != nil {
			return skerr.Wrap(err)
		}
		p.pagesProcessed.Inc(1)
	}
	p.liveness.Reset()
	return nil
}

// pagesInWindow returns the pages that may hold commits in (tmin, tmax],
// oldest first. The index only carries each page's upper commit bound; a
// page's lower bound is inferred from its predecessor.
func pagesInWindow(items []client.PageItem, tmin, tmax time.Time) []client.PageItem {
	sorted := make([]client.PageItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CommitTimestamp.Before(sorted[j].CommitTimestamp)
	})
	var pages []client.PageItem
	for i, item := range sorted {
		if !item.CommitTimestamp.After(tmin) {
			continue
		}
		if !tmax.IsZero() && i > 0 && !sorted[i-1].CommitTimestamp.Before(tmax) {
			continue
		}
		pages = append(pages, item)
	}
	return pages
}

// processPage applies every in-window leaf of one page, in windows of
// leafFetchWindow, advancing the cursor after each fully applied window.
func (p *Processor) processPage(ctx context.Context, pageItem client.PageItem, tmin, tmax time.Time, appliedThrough *time.Time) error {
	page, err := p.client.GetCatalogPage(ctx, pageItem.URL)
	if err != nil {
		return skerr.Wrap(err)
	}
	leaves := leavesInWindow(page.Items, tmin, tmax)
	if p.opts.ExcludeRedundantLeaves {
		leaves = latestPerVersion(leaves)
	}
	for start := 0; start < len(leaves); start += leafFetchWindow {
		end := start + leafFetchWindow
		if end > len(leaves) {
			end = len(leaves)
		}
		window := leaves[start:end]
		if err := p.applyWindow(ctx, window); err != nil {
			return skerr.Wrap(err)
		}
		if err := p.advanceCursor(ctx, window[len(window)-1].CommitTimestamp, appliedThrough); err != nil {
			return skerr.Wrap(err)
		}
	}
	return nil
}

// leavesInWindow returns the leaves with tmin < commit <= tmax, in commit
// order.
func leavesInWindow(items []client.LeafItem, tmin, tmax time.Time) []client.LeafItem {
	var leaves []client.LeafItem
	for _, item := range items {
		if !item.CommitTimestamp.After(tmin) {
			continue
		}
		if !tmax.IsZero() && item.CommitTimestamp.After(tmax) {
			continue
		}
		leaves = append(leaves, item)
	}
	sort.SliceStable(leaves, func(i, j int) bool {
		return leaves[i].CommitTimestamp.Before(leaves[j].CommitTimestamp)
	})
	return leaves
}

// latestPerVersion drops all but the chronologically last leaf per
// (package id, version). Input and output are in commit order.
func latestPerVersion(leaves []client.LeafItem) []client.LeafItem {
	latest := map[string]int{}
	for i, leaf := range leaves {
		latest[leaf.PackageID+"@"+leaf.PackageVersion] = i
	}
	var kept []client.LeafItem
	for i, leaf := range leaves {
		if latest[leaf.PackageID+"@"+leaf.PackageVersion] == i {
			kept = append(kept, leaf)
		}
	}
	return kept
}

// applyWindow fetches the window's details leaves concurrently, then applies
// details and deletes in commit order, batching consecutive details.
func (p *Processor) applyWindow(ctx context.Context, window []client.LeafItem) error {
	fetched := make([]*client.PackageDetailsLeaf, len(window))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(leafFetchWindow)
	for i, item := range window {
		if !item.IsPackageDetails() {
			continue
		}
		i, item := i, item
		eg.Go(func() error {
			leaf, err := p.client.GetPackageDetailsLeaf(egCtx, item.URL)
			if err != nil {
				return skerr.Wrap(err)
			}
			fetched[i] = leaf
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return skerr.Wrap(err)
	}

	var batch []packages.Leaf
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		inserted, err := p.store.AddBatch(ctx, batch)
		if err != nil {
			return skerr.Wrap(err)
		}
		p.leavesApplied.Inc(int64(inserted))
		batch = nil
		return nil
	}
	for i, item := range window {
		switch {
		case item.IsPackageDelete():
			if err := flush(); err != nil {
				return skerr.Wrap(err)
			}
			if err := p.store.DeletePackage(ctx, item.PackageID); err != nil {
				return skerr.Wrap(err)
			}
			p.deletesApplied.Inc(1)
		case item.IsPackageDetails():
			batch = append(batch, toStoredLeaf(item, fetched[i]))
		default:
			sklog.Warningf("Skipping leaf %s with unknown type %q", item.URL, item.Type)
		}
	}
	return flush()
}

// toStoredLeaf merges a page's leaf item with the fetched leaf document.
func toStoredLeaf(item client.LeafItem, leaf *client.PackageDetailsLeaf) packages.Leaf {
	commit := leaf.CommitTimestamp
	if commit.IsZero() {
		commit = item.CommitTimestamp
	}
	listed := leaf.IsListed()
	return packages.Leaf{
		PackageID:        leaf.PackageID,
		PackageVersion:   leaf.PackageVersion,
		CommitTimestamp:  commit,
		Published:        leaf.Published,
		Listed:           &listed,
		IconURL:          leaf.IconURL,
		ProjectURL:       leaf.ProjectURL,
		Description:      leaf.Description,
		Authors:          leaf.Authors,
		Tags:             leaf.Tags,
		TargetFrameworks: leaf.TargetFrameworks(),
	}
}

// advanceCursor persists the cursor if value is ahead of it. Never moves
// backwards.
func (p *Processor) advanceCursor(ctx context.Context, value time.Time, appliedThrough *time.Time) error {
	if !value.After(*appliedThrough) {
		return nil
	}
	if err := p.cursors.Set(ctx, cursor.CatalogCursorName, value); err != nil {
		return skerr.Wrapf(err, "persisting cursor %s", value.Format(time.RFC3339))
	}
	*appliedThrough = value
	return nil
}
