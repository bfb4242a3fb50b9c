package location

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/tdelhaise/box/internal/store"
)

// DefaultStaleThreshold is the default staleness threshold, in seconds,
// used by the admin channel's staleness summary; exposing it through
// configuration is a reasonable future extension not yet implemented.
const DefaultStaleThreshold = 120 // seconds

// RefreshInterval is how often the runtime controller's periodic refresh
// task republishes the local node record.
const RefreshInterval = 60 // seconds

// Coordinator is the Location Service: the only component that reads or
// writes the whoswho queue. A Coordinator is shared between the request
// dispatch loop and the runtime controller's periodic refresh task, both
// of which may call Publish concurrently; mu serialises the
// remove-then-write publish sequence so those two writers never
// interleave their node/user record rotations.
type Coordinator struct {
	store *store.Store
	mu    sync.RWMutex
}

// New creates a Coordinator backed by st. st must already treat whoswho
// as permanent (store.New does this unconditionally).
func New(st *store.Store) *Coordinator {
	return &Coordinator{store: st}
}

// Publish serialises record, removes any prior entry for the same node
// UUID (tolerating objectNotFound), writes the new one, and then
// recomputes the user index for record.UserUUID from the full set of
// node records currently in whoswho.
//
// The two-write sequence is documented, not hidden: a reader that lists
// the user record's node UUIDs and then reads each one may briefly
// observe one missing immediately after a rotation. Convergence is
// guaranteed within one publish cycle; callers must tolerate the gap.
func (c *Coordinator) Publish(record NodeRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	record.Schema = NodeSchema

	if err := c.store.Remove(store.WhoswhoQueue, record.NodeUUID); err != nil && err != store.ErrObjectNotFound {
		return fmt.Errorf("location: publish: remove stale node record: %w", err)
	}

	obj, err := nodeRecordToObject(record)
	if err != nil {
		return fmt.Errorf("location: publish: %w", err)
	}
	if _, err := c.store.Put(obj, store.WhoswhoQueue); err != nil {
		return fmt.Errorf("location: publish: write node record: %w", err)
	}

	return c.republishUserIndex(record.UserUUID)
}

// republishUserIndex recomputes and republishes the user record for
// user, enumerating every node record currently in whoswho. Callers must
// already hold c.mu for writing.
func (c *Coordinator) republishUserIndex(user uuid.UUID) error {
	nodes, err := c.snapshotLocked()
	if err != nil {
		return fmt.Errorf("republish user index: snapshot: %w", err)
	}

	var ids []uuid.UUID
	for _, n := range nodes {
		if n.UserUUID == user {
			ids = append(ids, n.NodeUUID)
		}
	}
	sortNodeUUIDs(ids)

	userRecord := UserRecord{
		Schema:     UserSchema,
		UserUUID:   user,
		NodeUUIDs:  ids,
		Generation: nowMillis(),
	}

	if err := c.store.Remove(store.WhoswhoQueue, user); err != nil && err != store.ErrObjectNotFound {
		return fmt.Errorf("republish user index: remove stale user record: %w", err)
	}

	obj, err := userRecordToObject(userRecord)
	if err != nil {
		return err
	}
	if _, err := c.store.Put(obj, store.WhoswhoQueue); err != nil {
		return fmt.Errorf("republish user index: write user record: %w", err)
	}
	return nil
}

// Snapshot lists the whoswho queue and decodes every object whose schema
// tag is the node schema, sorted by node UUID.
func (c *Coordinator) Snapshot() ([]NodeRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

// snapshotLocked is Snapshot's body, callable both from Snapshot (which
// takes the read lock) and from Publish/republishUserIndex (which
// already hold the write lock).
func (c *Coordinator) snapshotLocked() ([]NodeRecord, error) {
	refs, err := c.store.List(store.WhoswhoQueue)
	if err != nil {
		if err == store.ErrQueueNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("location: snapshot: %w", err)
	}

	var nodes []NodeRecord
	for _, ref := range refs {
		obj, err := c.store.Read(ref)
		if err != nil {
			return nil, fmt.Errorf("location: snapshot: read %s: %w", ref.ID, err)
		}
		if obj.Schema != NodeSchema {
			continue
		}
		rec, err := objectToNodeRecord(obj)
		if err != nil {
			return nil, fmt.Errorf("location: snapshot: decode %s: %w", ref.ID, err)
		}
		nodes = append(nodes, rec)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeUUID.String() < nodes[j].NodeUUID.String() })
	return nodes, nil
}

// ResolveNode looks up a single node record by node UUID.
func (c *Coordinator) ResolveNode(node uuid.UUID) (NodeRecord, bool, error) {
	nodes, err := c.Snapshot()
	if err != nil {
		return NodeRecord{}, false, err
	}
	for _, n := range nodes {
		if n.NodeUUID == node {
			return n, true, nil
		}
	}
	return NodeRecord{}, false, nil
}

// ResolveUser assembles the list of node records owned by user.
func (c *Coordinator) ResolveUser(user uuid.UUID) ([]NodeRecord, bool, error) {
	nodes, err := c.Snapshot()
	if err != nil {
		return nil, false, err
	}
	var owned []NodeRecord
	for _, n := range nodes {
		if n.UserUUID == user {
			owned = append(owned, n)
		}
	}
	return owned, len(owned) > 0, nil
}

// Authorize returns true only when a record with node exists and its
// user UUID matches user.
func (c *Coordinator) Authorize(node, user uuid.UUID) (bool, error) {
	rec, ok, err := c.ResolveNode(node)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return rec.UserUUID == user, nil
}

// Summary is the staleness report produced by the admin channel's
// "location-summary" command.
type Summary struct {
	TotalNodes  int
	TotalUsers  int
	ActiveNodes int
	StaleNodes  []uuid.UUID
	StaleUsers  []uuid.UUID
}

// BuildSummary produces a Summary given a staleness threshold in
// seconds, comparing each record's LastSeen against the current time.
func (c *Coordinator) BuildSummary(thresholdSeconds int64, nowMillis int64) (Summary, error) {
	nodes, err := c.Snapshot()
	if err != nil {
		return Summary{}, err
	}

	thresholdMillis := thresholdSeconds * 1000
	usersAllNodes := make(map[uuid.UUID][]bool) // user -> per-node stale?
	var staleNodes []uuid.UUID
	active := 0

	for _, n := range nodes {
		stale := nowMillis-n.LastSeen > thresholdMillis
		if stale {
			staleNodes = append(staleNodes, n.NodeUUID)
		} else {
			active++
		}
		usersAllNodes[n.UserUUID] = append(usersAllNodes[n.UserUUID], stale)
	}

	var staleUsers []uuid.UUID
	for user, flags := range usersAllNodes {
		allStale := true
		for _, f := range flags {
			if !f {
				allStale = false
				break
			}
		}
		if allStale {
			staleUsers = append(staleUsers, user)
		}
	}

	sortNodeUUIDs(staleNodes)
	sortNodeUUIDs(staleUsers)

	return Summary{
		TotalNodes:  len(nodes),
		TotalUsers:  len(usersAllNodes),
		ActiveNodes: active,
		StaleNodes:  staleNodes,
		StaleUsers:  staleUsers,
	}, nil
}

// marshalSortedKeys serialises v as JSON with object keys in lexical order.
// encoding/json only sorts map keys, never struct field order, so a plain
// json.Marshal(r) on a struct would emit fields in declaration order; this
// round-trips through a map to get the sorted-keys encoding whoswho records
// are expected to have on disk.
func marshalSortedKeys(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func nodeRecordToObject(r NodeRecord) (store.Object, error) {
	data, err := marshalSortedKeys(r)
	if err != nil {
		return store.Object{}, fmt.Errorf("marshal node record: %w", err)
	}
	return store.Object{
		ID:          r.NodeUUID,
		ContentType: "application/json",
		Data:        data,
		CreatedAt:   msToTime(r.LastSeen),
		NodeID:      r.NodeUUID,
		UserID:      r.UserUUID,
		Schema:      NodeSchema,
	}, nil
}

func objectToNodeRecord(o store.Object) (NodeRecord, error) {
	var r NodeRecord
	if err := json.Unmarshal(o.Data, &r); err != nil {
		return NodeRecord{}, fmt.Errorf("unmarshal node record: %w", err)
	}
	return r, nil
}

func userRecordToObject(r UserRecord) (store.Object, error) {
	data, err := marshalSortedKeys(r)
	if err != nil {
		return store.Object{}, fmt.Errorf("marshal user record: %w", err)
	}
	return store.Object{
		ID:          r.UserUUID,
		ContentType: "application/json",
		Data:        data,
		CreatedAt:   msToTime(r.Generation),
		NodeID:      uuid.Nil,
		UserID:      r.UserUUID,
		Schema:      UserSchema,
	}, nil
}
