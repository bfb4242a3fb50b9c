package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WhoswhoQueue is the distinguished permanent queue that holds Location
// Service records.
const WhoswhoQueue = "whoswho"

// InboxQueue must exist at all times; the daemon refuses to start if it
// cannot be provisioned.
const InboxQueue = "INBOX"

const (
	dirMode  = 0o700
	fileMode = 0o600
)

// Store is a durable, process-local object store rooted at a single
// directory, with atomic writes, enumeration, targeted removal, and
// permanent-queue semantics.
type Store struct {
	root      string
	permanent map[string]bool

	mu      sync.Mutex // guards directory creation bookkeeping only
	ensured map[string]bool
}

// New creates a Store rooted at root/queues, treating the named queues
// (plus WhoswhoQueue, always) as permanent. It does not touch the
// filesystem until EnsureQueue or an operation requiring a queue is
// called.
func New(root string, permanentQueues []string) *Store {
	perm := make(map[string]bool, len(permanentQueues)+1)
	for _, q := range permanentQueues {
		perm[q] = true
	}
	perm[WhoswhoQueue] = true
	return &Store{
		root:      filepath.Join(root, "queues"),
		permanent: perm,
		ensured:   make(map[string]bool),
	}
}

// IsPermanent reports whether queue is permanent: configured as such, or
// the distinguished whoswho queue. Permanence is a property of the store,
// not of individual objects.
func (s *Store) IsPermanent(queue string) bool {
	return s.permanent[queue]
}

func (s *Store) queueDir(queue string) string {
	return filepath.Join(s.root, queue)
}

// EnsureQueue idempotently creates the queue directory with restrictive
// permissions on first use.
func (s *Store) EnsureQueue(queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured[queue] {
		return nil
	}
	dir := s.queueDir(queue)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return ioErr("ensure_queue", dir, err)
	}
	s.ensured[queue] = true
	return nil
}

// queueExists reports whether the queue directory is present on disk,
// without creating it.
func (s *Store) queueExists(queue string) bool {
	info, err := os.Stat(s.queueDir(queue))
	return err == nil && info.IsDir()
}

// Put writes obj to a unique file within queue and publishes it via an
// atomic rename. whoswho is special-cased: the file name is exactly
// "<obj.ID>.json" and the write overwrites any prior entry for the same
// subject.
func (s *Store) Put(obj Object, queue string) (Reference, error) {
	if err := s.EnsureQueue(queue); err != nil {
		return Reference{}, err
	}

	var name string
	if queue == WhoswhoQueue {
		name = obj.ID.String() + ".json"
	} else {
		name = fmt.Sprintf("%020d-%s.json", time.Now().UTC().UnixNano(), obj.ID.String())
	}

	dir := s.queueDir(queue)
	finalPath := filepath.Join(dir, name)
	tmpPath := filepath.Join(dir, "."+name+".tmp-"+uuid.New().String())

	data, err := marshalObject(obj)
	if err != nil {
		return Reference{}, err
	}

	if err := os.WriteFile(tmpPath, data, fileMode); err != nil {
		return Reference{}, ioErr("put", tmpPath, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return Reference{}, ioErr("put", finalPath, err)
	}

	return Reference{
		ID:        obj.ID,
		Queue:     queue,
		URL:       "box://" + queue + "/" + obj.ID.String(),
		CreatedAt: obj.CreatedAt,
	}, nil
}

// sortedEntries lists the non-temporary *.json file names in queue's
// directory, sorted lexicographically (== chronologically for ordinary
// queues, whose names begin with a zero-padded timestamp).
func (s *Store) sortedEntries(queue string) ([]string, error) {
	dir := s.queueDir(queue)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, ErrQueueNotFound
	}
	if err != nil {
		return nil, ioErr("list", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if strings.HasPrefix(n, ".") || !strings.HasSuffix(n, ".json") {
			continue
		}
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// GetLatest reads the lexicographically last object in queue. For
// ephemeral queues, the file is removed after a successful read; for
// permanent queues, it is left in place.
func (s *Store) GetLatest(queue string) (Object, error) {
	names, err := s.sortedEntries(queue)
	if err != nil {
		return Object{}, err
	}
	if len(names) == 0 {
		if !s.queueExists(queue) {
			return Object{}, ErrQueueNotFound
		}
		return Object{}, ErrObjectNotFound
	}

	last := names[len(names)-1]
	path := filepath.Join(s.queueDir(queue), last)
	b, err := os.ReadFile(path)
	if err != nil {
		return Object{}, ioErr("get_latest", path, err)
	}
	obj, err := unmarshalObject(b)
	if err != nil {
		return Object{}, err
	}

	if !s.IsPermanent(queue) {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return Object{}, ioErr("get_latest", path, err)
		}
	}
	return obj, nil
}

// List enumerates every object in queue, sorted lexicographically by
// filename.
func (s *Store) List(queue string) ([]Reference, error) {
	names, err := s.sortedEntries(queue)
	if err != nil {
		return nil, err
	}
	refs := make([]Reference, 0, len(names))
	for _, n := range names {
		path := filepath.Join(s.queueDir(queue), n)
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, ioErr("list", path, err)
		}
		obj, err := unmarshalObject(b)
		if err != nil {
			return nil, err
		}
		refs = append(refs, Reference{
			ID:        obj.ID,
			Queue:     queue,
			URL:       "box://" + queue + "/" + obj.ID.String(),
			CreatedAt: obj.CreatedAt,
		})
	}
	return refs, nil
}

// Read fetches the object named by ref directly, without mutating the
// queue (no ephemeral-queue deletion).
func (s *Store) Read(ref Reference) (Object, error) {
	names, err := s.sortedEntries(ref.Queue)
	if err != nil {
		return Object{}, err
	}
	for _, n := range names {
		if fileSubjectID(n) == ref.ID.String() {
			path := filepath.Join(s.queueDir(ref.Queue), n)
			b, err := os.ReadFile(path)
			if err != nil {
				return Object{}, ioErr("read", path, err)
			}
			return unmarshalObject(b)
		}
	}
	return Object{}, ErrObjectNotFound
}

// Remove deletes the object identified by id from queue, regardless of
// whether the queue is permanent: DELETE is always authoritative and
// removes the file unconditionally, even on permanent queues beyond
// whoswho.
func (s *Store) Remove(queue string, id uuid.UUID) error {
	names, err := s.sortedEntries(queue)
	if err != nil {
		return err
	}
	for _, n := range names {
		if fileSubjectID(n) == id.String() {
			path := filepath.Join(s.queueDir(queue), n)
			if err := os.Remove(path); err != nil {
				if os.IsNotExist(err) {
					return ErrObjectNotFound
				}
				return ioErr("remove", path, err)
			}
			return nil
		}
	}
	return ErrObjectNotFound
}

// uuidStringLen is the length of a canonical "8-4-4-4-12" UUID string.
const uuidStringLen = 36

// fileSubjectID extracts the UUID portion of a queue entry's filename,
// whether it is a whoswho-style "<uuid>.json" name or an ordinary
// "<timestamp>-<uuid>.json" name: in both cases the subject UUID is
// exactly the trailing 36 characters.
func fileSubjectID(name string) string {
	trimmed := strings.TrimSuffix(name, ".json")
	if len(trimmed) < uuidStringLen {
		return trimmed
	}
	return trimmed[len(trimmed)-uuidStringLen:]
}

// Metrics is a filesystem summary surfaced by the admin channel's "stats"
// command and the runtime controller's "status" snapshot.
type Metrics struct {
	FreeBytes   int64
	QueueCount  int
	ObjectCount int
}

// Metrics computes a point-in-time summary of the store's filesystem
// usage.
func (s *Store) Metrics() (Metrics, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return Metrics{}, ioErr("metrics", s.root, err)
	}
	m := Metrics{FreeBytes: freeBytes(s.root)}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m.QueueCount++
		names, err := s.sortedEntries(e.Name())
		if err != nil {
			if err == ErrQueueNotFound {
				continue
			}
			return Metrics{}, err
		}
		m.ObjectCount += len(names)
	}
	return m, nil
}

// Root returns the queues directory this store is rooted at.
func (s *Store) Root() string { return s.root }
