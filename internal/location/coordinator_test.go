package location

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tdelhaise/box/internal/store"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	return New(store.New(t.TempDir(), nil))
}

func sampleRecord(node, user uuid.UUID) NodeRecord {
	now := time.Now().UTC().UnixMilli()
	return NodeRecord{
		NodeUUID: node,
		UserUUID: user,
		Addresses: []Address{
			{IP: "2001:db8::1", Port: 12567, Scope: ScopeGlobal, Source: SourceProbe},
		},
		Online:   true,
		Since:    now,
		LastSeen: now,
	}
}

func TestPublishThenResolveNode(t *testing.T) {
	c := newTestCoordinator(t)
	node := uuid.New()
	user := uuid.New()
	rec := sampleRecord(node, user)

	require.NoError(t, c.Publish(rec))

	got, ok, err := c.ResolveNode(node)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.UserUUID, got.UserUUID)
	require.Equal(t, rec.Addresses, got.Addresses)
}

func TestPublishUpdatesUserIndexSortedNoDuplicates(t *testing.T) {
	c := newTestCoordinator(t)
	user := uuid.New()
	n1 := uuid.New()
	n2 := uuid.New()

	require.NoError(t, c.Publish(sampleRecord(n1, user)))
	owned, ok, err := c.ResolveUser(user)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, owned, 1)

	require.NoError(t, c.Publish(sampleRecord(n2, user)))
	owned, ok, err = c.ResolveUser(user)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, owned, 2)

	ids := []uuid.UUID{owned[0].NodeUUID, owned[1].NodeUUID}
	require.True(t, ids[0].String() < ids[1].String(), "user index must be sorted")

	// Republishing n1 must not duplicate it in the user index.
	require.NoError(t, c.Publish(sampleRecord(n1, user)))
	owned, _, err = c.ResolveUser(user)
	require.NoError(t, err)
	require.Len(t, owned, 2)
}

func TestAuthorizeUnknownCaller(t *testing.T) {
	c := newTestCoordinator(t)
	ok, err := c.Authorize(uuid.New(), uuid.New())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAuthorizeMismatchedUser(t *testing.T) {
	c := newTestCoordinator(t)
	node := uuid.New()
	user := uuid.New()
	require.NoError(t, c.Publish(sampleRecord(node, user)))

	ok, err := c.Authorize(node, uuid.New())
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.Authorize(node, user)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBuildSummaryStaleness(t *testing.T) {
	c := newTestCoordinator(t)
	now := time.Now().UTC().UnixMilli()

	u1, u2 := uuid.New(), uuid.New()
	n1, n2 := uuid.New(), uuid.New()

	stale := sampleRecord(n1, u1)
	stale.LastSeen = now - 300*1000
	require.NoError(t, c.Publish(stale))

	fresh := sampleRecord(n2, u2)
	fresh.LastSeen = now
	require.NoError(t, c.Publish(fresh))

	summary, err := c.BuildSummary(120, now)
	require.NoError(t, err)
	require.Equal(t, 2, summary.TotalNodes)
	require.Equal(t, 2, summary.TotalUsers)
	require.Equal(t, 1, summary.ActiveNodes)
	require.Equal(t, []uuid.UUID{n1}, summary.StaleNodes)
	require.Equal(t, []uuid.UUID{u1}, summary.StaleUsers)
}

// TestNodeRecordToObjectEmitsSortedKeys locks in the on-disk JSON shape:
// object keys must be in lexical order regardless of NodeRecord's Go
// struct field order.
func TestNodeRecordToObjectEmitsSortedKeys(t *testing.T) {
	rec := sampleRecord(uuid.New(), uuid.New())
	obj, err := nodeRecordToObject(rec)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(obj.Data, &raw))

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var gotOrder []string
	dec := json.NewDecoder(bytes.NewReader(obj.Data))
	_, err = dec.Token() // opening '{'
	require.NoError(t, err)
	for dec.More() {
		tok, err := dec.Token()
		require.NoError(t, err)
		gotOrder = append(gotOrder, tok.(string))
		var skip json.RawMessage
		require.NoError(t, dec.Decode(&skip))
	}
	require.Equal(t, keys, gotOrder, "node record JSON keys must be sorted")
}

func TestSnapshotEmptyWhenQueueMissing(t *testing.T) {
	c := newTestCoordinator(t)
	nodes, err := c.Snapshot()
	require.NoError(t, err)
	require.Empty(t, nodes)
}

// TestConcurrentPublishDoesNotLoseRecords exercises the same hazard the
// runtime controller has in production: its periodic refresh task and the
// request dispatch loop both call Publish for distinct nodes at the same
// time. Every node must still resolve afterwards.
func TestConcurrentPublishDoesNotLoseRecords(t *testing.T) {
	c := newTestCoordinator(t)
	user := uuid.New()

	const n = 8
	nodes := make([]uuid.UUID, n)
	for i := range nodes {
		nodes[i] = uuid.New()
	}

	var wg sync.WaitGroup
	for _, node := range nodes {
		wg.Add(1)
		go func(node uuid.UUID) {
			defer wg.Done()
			require.NoError(t, c.Publish(sampleRecord(node, user)))
		}(node)
	}
	wg.Wait()

	owned, ok, err := c.ResolveUser(user)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, owned, n)
}
