package audit

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryChainRepo struct {
	mu      sync.Mutex
	entries []Entry
	nextID  int64

	// when > 0, the next N inserts fail with ErrTailMoved to exercise the
	// optimistic retry loop.
	contend int
}

func newMemoryChainRepo() *memoryChainRepo {
	return &memoryChainRepo{}
}

func (r *memoryChainRepo) Tail(ctx context.Context, chainID string) (Tail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var tail Tail
	found := false
	for _, e := range r.entries {
		if e.ChainID == chainID && e.Seq > tail.Seq {
			tail = Tail{Seq: e.Seq, Hash: e.Hash}
			found = true
		}
	}
	if !found {
		return Tail{}, ErrEmptyChain
	}
	return tail, nil
}

func (r *memoryChainRepo) Insert(ctx context.Context, entry Entry) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.contend > 0 {
		r.contend--
		return 0, ErrTailMoved
	}
	for _, e := range r.entries {
		if e.ChainID == entry.ChainID && e.Seq == entry.Seq {
			return 0, ErrTailMoved
		}
	}
	r.nextID++
	entry.ID = r.nextID
	r.entries = append(r.entries, entry)
	return entry.ID, nil
}

func (r *memoryChainRepo) Range(ctx context.Context, chainID string, fromSeq, toSeq int64) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if e.ChainID != chainID || e.Seq < fromSeq {
			continue
		}
		if toSeq > 0 && e.Seq > toSeq {
			continue
		}
		out = append(out, e)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Seq < out[i].Seq {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (r *memoryChainRepo) Timeline(ctx context.Context, chainID string, filters TimelineFilters, limit, offset int) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if e.ChainID != chainID {
			continue
		}
		if filters.ActorID != 0 && e.ActorID != filters.ActorID {
			continue
		}
		if filters.Category != "" && e.Category != filters.Category {
			continue
		}
		out = append(out, e)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func testEntry(actorID int64, action, category string) Entry {
	return Entry{
		ActorID:  actorID,
		Action:   action,
		Category: category,
		Caller:   CallerContext{OriginIP: "10.0.0.7", SessionID: "sess-1"},
	}
}

func TestAppendLinksHashes(t *testing.T) {
	repo := newMemoryChainRepo()
	ledger := NewLedger(repo, nil)
	ctx := context.Background()

	_, err := ledger.Append(ctx, testEntry(1, ActionApprovalRequested, CategoryApproval))
	require.NoError(t, err)
	_, err = ledger.Append(ctx, testEntry(2, ActionApprovalApproved, CategoryApproval))
	require.NoError(t, err)
	_, err = ledger.Append(ctx, testEntry(1, ActionConfigUpdated, CategoryConfig))
	require.NoError(t, err)

	entries, err := repo.Range(ctx, DefaultChainID, 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	require.Equal(t, int64(1), entries[0].Seq)
	require.Empty(t, entries[0].PrevHash)
	for i := 1; i < len(entries); i++ {
		require.Equal(t, entries[i-1].Hash, entries[i].PrevHash)
		require.Equal(t, entries[i-1].Seq+1, entries[i].Seq)
	}
	for _, e := range entries {
		require.Equal(t, e.ComputeHash(), e.Hash)
		require.NotEqual(t, uuidNil, e.CorrelationID.String())
	}
}

const uuidNil = "00000000-0000-0000-0000-000000000000"

func TestAppendRequiresActionAndCategory(t *testing.T) {
	ledger := NewLedger(newMemoryChainRepo(), nil)
	_, err := ledger.Append(context.Background(), Entry{Action: ActionConfigUpdated})
	require.Error(t, err)
	_, err = ledger.Append(context.Background(), Entry{Category: CategoryConfig})
	require.Error(t, err)
}

func TestAppendRetriesWhenTailMoves(t *testing.T) {
	repo := newMemoryChainRepo()
	ledger := NewLedger(repo, nil)
	ctx := context.Background()

	_, err := ledger.Append(ctx, testEntry(1, ActionApprovalRequested, CategoryApproval))
	require.NoError(t, err)

	repo.contend = 2
	_, err = ledger.Append(ctx, testEntry(2, ActionApprovalApproved, CategoryApproval))
	require.NoError(t, err)

	tail, err := repo.Tail(ctx, DefaultChainID)
	require.NoError(t, err)
	require.Equal(t, int64(2), tail.Seq)
}

func TestAppendGivesUpAfterMaxRetries(t *testing.T) {
	repo := newMemoryChainRepo()
	ledger := NewLedger(repo, nil)
	repo.contend = 100

	_, err := ledger.Append(context.Background(), testEntry(1, ActionApprovalRequested, CategoryApproval))
	require.ErrorIs(t, err, ErrTailMoved)
}

func TestConcurrentAppendsKeepChainContiguous(t *testing.T) {
	repo := newMemoryChainRepo()
	ledger := NewLedger(repo, nil)
	ctx := context.Background()

	// Four writers: even if every attempt collides with another writer the
	// retry budget still covers the worst case.
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(actor int64) {
			defer wg.Done()
			_, err := ledger.Append(ctx, testEntry(actor, ActionPermissionDenied, CategoryPermission))
			errs <- err
		}(int64(i + 1))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	result, err := ledger.VerifyChain(ctx, 1, 0)
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Equal(t, 4, result.Checked)
}

func TestVerifyChainDetectsTamperedPayload(t *testing.T) {
	repo := newMemoryChainRepo()
	ledger := NewLedger(repo, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := ledger.Append(ctx, testEntry(int64(i+1), ActionApprovalRequested, CategoryApproval))
		require.NoError(t, err)
	}

	// Rewrite the actor on entry 3 without recomputing its hash.
	repo.mu.Lock()
	repo.entries[2].ActorID = 99
	repo.mu.Unlock()

	result, err := ledger.VerifyChain(ctx, 1, 0)
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.NotNil(t, result.BrokenAt)
	require.Equal(t, int64(3), *result.BrokenAt)
}

func TestVerifyChainDetectsRecomputedHash(t *testing.T) {
	repo := newMemoryChainRepo()
	ledger := NewLedger(repo, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := ledger.Append(ctx, testEntry(int64(i+1), ActionSessionRevoked, CategorySession))
		require.NoError(t, err)
	}

	// An attacker who also recomputes the entry hash still breaks the
	// prevHash link of the successor.
	repo.mu.Lock()
	repo.entries[1].ActorID = 99
	repo.entries[1].Hash = repo.entries[1].ComputeHash()
	repo.mu.Unlock()

	result, err := ledger.VerifyChain(ctx, 1, 0)
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.NotNil(t, result.BrokenAt)
	require.Equal(t, int64(3), *result.BrokenAt)
}

func TestVerifyChainDetectsDeletedEntry(t *testing.T) {
	repo := newMemoryChainRepo()
	ledger := NewLedger(repo, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := ledger.Append(ctx, testEntry(int64(i+1), ActionApprovalExpired, CategoryApproval))
		require.NoError(t, err)
	}

	repo.mu.Lock()
	repo.entries = append(repo.entries[:2], repo.entries[3:]...)
	repo.mu.Unlock()

	result, err := ledger.VerifyChain(ctx, 1, 0)
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.NotNil(t, result.BrokenAt)
}

func TestVerifyChainSubrangeAnchorsOnPredecessor(t *testing.T) {
	repo := newMemoryChainRepo()
	ledger := NewLedger(repo, nil)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := ledger.Append(ctx, testEntry(int64(i+1), ActionApprovalRequested, CategoryApproval))
		require.NoError(t, err)
	}

	result, err := ledger.VerifyChain(ctx, 3, 5)
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Equal(t, 3, result.Checked)

	// Break the link into the range: entry 3's prevHash no longer matches
	// what entry 2 carries.
	repo.mu.Lock()
	repo.entries[2].PrevHash = "tampered"
	repo.entries[2].Hash = repo.entries[2].ComputeHash()
	repo.mu.Unlock()

	result, err = ledger.VerifyChain(ctx, 3, 5)
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Equal(t, int64(3), *result.BrokenAt)
}

func TestVerifyChainEmptyRange(t *testing.T) {
	ledger := NewLedger(newMemoryChainRepo(), nil)
	result, err := ledger.VerifyChain(context.Background(), 1, 0)
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Zero(t, result.Checked)
}

func TestComputeHashIsDeterministic(t *testing.T) {
	entry := Entry{
		ChainID:  DefaultChainID,
		Seq:      7,
		At:       time.Date(2026, 3, 1, 10, 30, 0, 123456000, time.UTC),
		ActorID:  42,
		Action:   ActionConfigUpdated,
		Category: CategoryConfig,
		Before:   json.RawMessage(`{"maxPendingApprovals":5}`),
		After:    json.RawMessage(`{"maxPendingApprovals":7}`),
		PrevHash: "abc123",
	}
	first := entry.ComputeHash()
	require.Len(t, first, 64)
	require.Equal(t, first, entry.ComputeHash())

	entry.ActorID = 43
	require.NotEqual(t, first, entry.ComputeHash())
}

func TestTimelinePaging(t *testing.T) {
	repo := newMemoryChainRepo()
	ledger := NewLedger(repo, nil)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		_, err := ledger.Append(ctx, testEntry(int64(i%3+1), ActionPermissionChecked, CategoryPermission))
		require.NoError(t, err)
	}

	page1, err := ledger.Timeline(ctx, TimelineFilters{})
	require.NoError(t, err)
	require.Len(t, page1.Rows, defaultPageSize)
	require.True(t, page1.Paging.HasNext)
	require.Equal(t, 2, page1.Paging.NextPage)
	// Newest first.
	require.Equal(t, int64(25), page1.Rows[0].Seq)

	page2, err := ledger.Timeline(ctx, TimelineFilters{Page: 2})
	require.NoError(t, err)
	require.Len(t, page2.Rows, 5)
	require.False(t, page2.Paging.HasNext)
	require.Equal(t, 1, page2.Paging.PrevPage)
}

func TestTimelineFiltersByActor(t *testing.T) {
	repo := newMemoryChainRepo()
	ledger := NewLedger(repo, nil)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := ledger.Append(ctx, testEntry(int64(i%2+1), ActionPermissionDenied, CategoryPermission))
		require.NoError(t, err)
	}

	result, err := ledger.Timeline(ctx, TimelineFilters{ActorID: 1})
	require.NoError(t, err)
	require.Len(t, result.Rows, 3)
	for _, row := range result.Rows {
		require.Equal(t, int64(1), row.ActorID)
	}
}
