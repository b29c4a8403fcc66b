package dedup

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/exchange-feed/internal/model"
	"github.com/sells-group/exchange-feed/internal/resilience"
	"github.com/sells-group/exchange-feed/internal/store"
)

type mockRegistry struct {
	mock.Mock
}

func (m *mockRegistry) RegisterFingerprint(ctx context.Context, s model.Sighting, at time.Time) (model.DedupResult, error) {
	args := m.Called(ctx, s, at)
	return args.Get(0).(model.DedupResult), args.Error(1)
}

func newSQLiteDetector(t *testing.T) (*Detector, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "dedup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return New(st), st
}

var hashH = model.Fingerprint([]byte("annual report"))

func TestCheckAndRegister_ConcurrentIdenticalUploads(t *testing.T) {
	d, st := newSQLiteDetector(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		results [2]model.DedupResult
		errs    [2]error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = d.CheckAndRegister(ctx, model.Sighting{
				OwnerKey: "ISIN-X", Fingerprint: hashH, SizeBytes: 13,
				JobID: fmt.Sprintf("job-%d", i), SourceID: fmt.Sprintf("doc-%d", i),
			})
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	assert.NotEqual(t, results[0].IsDuplicate, results[1].IsDuplicate, "exactly one original")
	for _, r := range results {
		if r.IsDuplicate {
			assert.Equal(t, 1, r.DuplicateCount)
		}
	}
	// Both callers agree on the origin.
	assert.Equal(t, results[0].OriginJobID, results[1].OriginJobID)

	fp, err := st.GetFingerprint(ctx, "ISIN-X", hashH)
	require.NoError(t, err)
	assert.Equal(t, 1, fp.DuplicateCount)
}

func TestCheckAndRegister_ManyWorkers(t *testing.T) {
	d, _ := newSQLiteDetector(t)
	ctx := context.Background()

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		originals int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := d.CheckAndRegister(ctx, model.Sighting{
				OwnerKey: "ISIN-X", Fingerprint: hashH,
				JobID: fmt.Sprintf("job-%d", i), SourceID: fmt.Sprintf("doc-%d", i),
			})
			assert.NoError(t, err)
			if !res.IsDuplicate {
				mu.Lock()
				originals++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, originals)
}

func TestCheckAndRegister_Redelivery(t *testing.T) {
	d, st := newSQLiteDetector(t)
	ctx := context.Background()

	orig := model.Sighting{OwnerKey: "ISIN-X", Fingerprint: hashH, JobID: "job-1", SourceID: "doc-1"}
	dup := model.Sighting{OwnerKey: "ISIN-X", Fingerprint: hashH, JobID: "job-2", SourceID: "doc-2"}

	for i := 0; i < 3; i++ {
		res, err := d.CheckAndRegister(ctx, orig)
		require.NoError(t, err)
		assert.False(t, res.IsDuplicate)

		res, err = d.CheckAndRegister(ctx, dup)
		require.NoError(t, err)
		assert.True(t, res.IsDuplicate)
		assert.Equal(t, "job-1", res.OriginJobID)
	}

	fp, err := st.GetFingerprint(ctx, "ISIN-X", hashH)
	require.NoError(t, err)
	assert.Equal(t, 1, fp.DuplicateCount)
}

func TestCheckAndRegister_InvalidInput(t *testing.T) {
	reg := new(mockRegistry)
	d := New(reg)

	tests := []struct {
		name string
		s    model.Sighting
	}{
		{"missing owner", model.Sighting{Fingerprint: hashH, SourceID: "doc"}},
		{"short fingerprint", model.Sighting{OwnerKey: "ISIN-X", Fingerprint: "abc", SourceID: "doc"}},
		{"missing source", model.Sighting{OwnerKey: "ISIN-X", Fingerprint: hashH}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.CheckAndRegister(context.Background(), tt.s)
			require.Error(t, err)
			assert.True(t, resilience.IsTerminal(err))
		})
	}
	reg.AssertNotCalled(t, "RegisterFingerprint", mock.Anything, mock.Anything, mock.Anything)
}

func TestCheckAndRegister_StoreError(t *testing.T) {
	reg := new(mockRegistry)
	reg.On("RegisterFingerprint", mock.Anything, mock.Anything, mock.Anything).
		Return(model.DedupResult{}, errors.New("database is locked"))

	_, err := New(reg).CheckAndRegister(context.Background(), model.Sighting{OwnerKey: "ISIN-X", Fingerprint: hashH, SourceID: "doc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dedup: register")
	assert.False(t, resilience.IsTerminal(err))
}

func TestMark(t *testing.T) {
	rec := model.ClassifiedRecord{ID: "r1"}

	dup := Mark(rec, model.DedupResult{IsDuplicate: true, OriginJobID: "job-1", DuplicateCount: 2})
	assert.True(t, dup.IsDuplicate)
	assert.Equal(t, "job-1", dup.DuplicateOf)
	assert.Equal(t, "job-1", dup.OriginJobID)

	orig := Mark(rec, model.DedupResult{OriginJobID: "job-9"})
	assert.False(t, orig.IsDuplicate)
	assert.Empty(t, orig.DuplicateOf)
}
