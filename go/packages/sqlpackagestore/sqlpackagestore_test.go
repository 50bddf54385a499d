package sqlpackagestore

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuget-trends/nuget-trends/go/packages"
	"github.com/nuget-trends/nuget-trends/go/skerr"
	"github.com/nuget-trends/nuget-trends/go/sql/schema"
)

// fakeInserter drives AddBatch through its conflict handling without a
// database. Each call pops the next canned error; nil errors record the
// batch as inserted.
type fakeInserter struct {
	errs     []error
	inserted [][]packages.Leaf
}

func (f *fakeInserter) insert(ctx context.Context, leaves []packages.Leaf) error {
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.inserted = append(f.inserted, leaves)
	return nil
}

// newConflictTestStore returns a StoreImpl whose inserts run through the
// fake and whose known-leaves lookup drops the given ids.
func newConflictTestStore(f *fakeInserter, known map[string]bool) *StoreImpl {
	s := &StoreImpl{}
	s.insertLeaves = f.insert
	s.withoutKnown = func(ctx context.Context, leaves []packages.Leaf) ([]packages.Leaf, error) {
		var unknown []packages.Leaf
		for _, l := range leaves {
			if !known[l.PackageID+"@"+l.PackageVersion] {
				unknown = append(unknown, l)
			}
		}
		return unknown, nil
	}
	return s
}

func duplicateKeyError(id, version string) error {
	return &pgconn.PgError{
		Code:   uniqueViolation,
		Detail: fmt.Sprintf("Key (package_id, package_version)=(%s, %s) already exists.", id, version),
	}
}

func someLeaves() []packages.Leaf {
	return []packages.Leaf{
		{PackageID: "Sentry", PackageVersion: "4.0.0"},
		{PackageID: "Newtonsoft.Json", PackageVersion: "13.0.1"},
		{PackageID: "Serilog", PackageVersion: "3.1.1"},
	}
}

func TestAddBatch_RaceDuplicate_DetachesAndCommitsRest(t *testing.T) {
	// The first insert loses the race for one row to a concurrent processor;
	// the retry must commit the rest of the batch without it.
	f := &fakeInserter{errs: []error{duplicateKeyError("Newtonsoft.Json", "13.0.1")}}
	s := newConflictTestStore(f, nil)

	inserted, err := s.AddBatch(context.Background(), someLeaves())
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)
	require.Len(t, f.inserted, 1)
	require.Len(t, f.inserted[0], 2)
	assert.Equal(t, "Sentry", f.inserted[0][0].PackageID)
	assert.Equal(t, "Serilog", f.inserted[0][1].PackageID)
}

func TestAddBatch_UnidentifiedDuplicate_RequeriesAndDropsPresent(t *testing.T) {
	// The violation names a row not in the batch (a re-cased republish); the
	// re-query drops whatever is stored by now.
	f := &fakeInserter{errs: []error{duplicateKeyError("NEWTONSOFT.JSON", "13.0.1")}}
	s := &StoreImpl{}
	s.insertLeaves = f.insert
	calls := 0
	s.withoutKnown = func(ctx context.Context, leaves []packages.Leaf) ([]packages.Leaf, error) {
		calls++
		if calls == 1 {
			// The pre-filter: nothing is stored yet.
			return leaves, nil
		}
		var unknown []packages.Leaf
		for _, l := range leaves {
			if l.PackageID != "Newtonsoft.Json" {
				unknown = append(unknown, l)
			}
		}
		return unknown, nil
	}

	inserted, err := s.AddBatch(context.Background(), someLeaves())
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)
	assert.Equal(t, 2, calls)
	require.Len(t, f.inserted, 1)
	require.Len(t, f.inserted[0], 2)
}

func TestAddBatch_DuplicateButNothingPresent_ReturnsError(t *testing.T) {
	f := &fakeInserter{errs: []error{
		&pgconn.PgError{Code: uniqueViolation, Detail: "no detail"},
	}}
	s := newConflictTestStore(f, nil)

	_, err := s.AddBatch(context.Background(), someLeaves())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no leaf of the batch is present")
	assert.Empty(t, f.inserted)
}

func TestAddBatch_NonConflictError_Propagates(t *testing.T) {
	f := &fakeInserter{errs: []error{skerr.Fmt("connection reset")}}
	s := newConflictTestStore(f, nil)

	_, err := s.AddBatch(context.Background(), someLeaves())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestAddBatch_AlreadyStoredLeaves_SkippedUpFront(t *testing.T) {
	f := &fakeInserter{}
	s := newConflictTestStore(f, map[string]bool{"Serilog@3.1.1": true})

	inserted, err := s.AddBatch(context.Background(), someLeaves())
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)
	require.Len(t, f.inserted, 1)
	require.Len(t, f.inserted[0], 2)
}

func TestAddBatch_LargePage_InsertedInChunks(t *testing.T) {
	f := &fakeInserter{}
	s := newConflictTestStore(f, nil)
	var leaves []packages.Leaf
	for i := 0; i < 2*insertChunkSize+50; i++ {
		leaves = append(leaves, packages.Leaf{
			PackageID:      fmt.Sprintf("Package%03d", i),
			PackageVersion: "1.0.0",
		})
	}

	inserted, err := s.AddBatch(context.Background(), leaves)
	require.NoError(t, err)
	assert.Equal(t, len(leaves), inserted)
	require.Len(t, f.inserted, 3)
	assert.Len(t, f.inserted[0], insertChunkSize)
	assert.Len(t, f.inserted[1], insertChunkSize)
	assert.Len(t, f.inserted[2], 50)
}

func TestStreamPendingDownloads_ReadsFromSchemaView(t *testing.T) {
	assert.Contains(t, pendingDownloadsQuery, "FROM pending_package_downloads")
	assert.Contains(t, schema.Schema, "CREATE OR REPLACE VIEW pending_package_downloads")
}

func TestDetachDuplicate_DetailIdentifiesLeaf_RemovesIt(t *testing.T) {
	detail := `Key (package_id, package_version)=(Newtonsoft.Json, 13.0.1) already exists.`
	remaining, ok := detachDuplicate(someLeaves(), detail)
	require.True(t, ok)
	require.Len(t, remaining, 2)
	assert.Equal(t, "Sentry", remaining[0].PackageID)
	assert.Equal(t, "Serilog", remaining[1].PackageID)
}

func TestDetachDuplicate_PackageIDWithComma_StillMatches(t *testing.T) {
	// Greedy id match keeps the version capture anchored at the last comma.
	leaves := []packages.Leaf{
		{PackageID: "Weird, Inc. Package", PackageVersion: "1.0.0"},
	}
	detail := `Key (package_id, package_version)=(Weird, Inc. Package, 1.0.0) already exists.`
	remaining, ok := detachDuplicate(leaves, detail)
	require.True(t, ok)
	assert.Empty(t, remaining)
}

func TestDetachDuplicate_LeafNotInBatch_ReturnsFalse(t *testing.T) {
	detail := `Key (package_id, package_version)=(SomethingElse, 9.9.9) already exists.`
	_, ok := detachDuplicate(someLeaves(), detail)
	require.False(t, ok)
}

func TestDetachDuplicate_UnparseableDetail_ReturnsFalse(t *testing.T) {
	_, ok := detachDuplicate(someLeaves(), "duplicate key value violates unique constraint")
	require.False(t, ok)
}

func TestDetachDuplicate_DoesNotMutateInput(t *testing.T) {
	leaves := someLeaves()
	detail := `Key (package_id, package_version)=(Sentry, 4.0.0) already exists.`
	_, ok := detachDuplicate(leaves, detail)
	require.True(t, ok)
	assert.Equal(t, "Sentry", leaves[0].PackageID)
	assert.Equal(t, "Newtonsoft.Json", leaves[1].PackageID)
	assert.Equal(t, "Serilog", leaves[2].PackageID)
}
