// Package spool implements the on-disk, five-directory message store that
// backs the relay: parking and direct queues awaiting delivery, an error
// queue for failed attempts, and backup archives for delivered mail.
//
// Directories are authoritative; the in-memory queues are a cache that is
// populated at startup and refreshed by an explicit Rescan. Nothing here
// assumes it is the only writer of a file once it names it in a queue — a
// file can vanish out from under a pop, and callers must treat that as
// ErrPersist, not a crash.
package spool

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Errors returned by spool operations, matching the error kinds named in
// the system's error handling design.
var (
	ErrUnavailable = errors.New("spool: queue unavailable")
	ErrPersist     = errors.New("spool: persist operation failed")
	ErrNotFound    = errors.New("spool: entry not found")
)

// Queue identifies one of the five spool directories.
type Queue string

const (
	Parking       Queue = "parking"
	Direct        Queue = "direct"
	Error         Queue = "error"
	ParkingBackup Queue = "parking_backup"
	DirectBackup  Queue = "direct_backup"
)

const (
	dirParking       = "eml-parking"
	dirDirect        = "eml-direct"
	dirError         = "eml-error"
	dirParkingBackup = "eml-parking-backup"
	dirDirectBackup  = "eml-direct-backup"

	extension = ".eml"

	// timestampLayout must stay fixed width so lexicographic sort of
	// filenames yields receipt-time order (filename-sorted FIFO).
	timestampLayout = "20060102150405.000"
)

// Meta carries the fields used to compute a spool filename.
type Meta struct {
	SessionID  string
	From       string
	Recipients []string
	Received   time.Time
}

// Snapshot is the result of a Rescan: the ordered filename list for each
// queue as observed on disk at the moment of the scan.
type Snapshot struct {
	Parking       []string
	Direct        []string
	Error         []string
	ParkingBackup []string
	DirectBackup  []string
}

// Spool owns the five on-disk directories and their in-memory caches.
type Spool struct {
	root          string
	backupEnabled bool

	mu            sync.Mutex
	parking       []string
	direct        []string
	unavailable   map[Queue]bool
}

// New constructs a Spool rooted at root. Call Init before use.
func New(root string, backupEnabled bool) *Spool {
	return &Spool{
		root:          root,
		backupEnabled: backupEnabled,
		unavailable:   make(map[Queue]bool),
	}
}

func (s *Spool) dir(q Queue) string {
	switch q {
	case Parking:
		return filepath.Join(s.root, dirParking)
	case Direct:
		return filepath.Join(s.root, dirDirect)
	case Error:
		return filepath.Join(s.root, dirError)
	case ParkingBackup:
		return filepath.Join(s.root, dirParkingBackup)
	case DirectBackup:
		return filepath.Join(s.root, dirDirectBackup)
	default:
		return ""
	}
}

// Init ensures all five subdirectories exist. A subdirectory that cannot
// be created marks its queue unavailable without aborting the others.
func (s *Spool) Init() error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("spool: create root %s: %w", s.root, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	queues := []Queue{Parking, Direct, Error, ParkingBackup, DirectBackup}
	var firstErr error
	for _, q := range queues {
		if err := os.MkdirAll(s.dir(q), 0o755); err != nil {
			s.unavailable[q] = true
			if firstErr == nil {
				firstErr = fmt.Errorf("spool: create %s: %w", q, err)
			}
			continue
		}
		s.unavailable[q] = false
	}
	return firstErr
}

// Available reports whether q's directory was created successfully.
func (s *Spool) Available(q Queue) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	unavailable, initialized := s.unavailable[q]
	return initialized && !unavailable
}

// BackupEnabled reports whether successful deliveries are archived instead
// of unlinked.
func (s *Spool) BackupEnabled() bool {
	return s.backupEnabled
}

// Root returns the spool root directory.
func (s *Spool) Root() string {
	return s.root
}

// EnqueueParking appends filename to the tail of the in-memory parking
// queue. The file is assumed already present in eml-parking.
func (s *Spool) EnqueueParking(filename string) {
	s.mu.Lock()
	s.parking = append(s.parking, filename)
	s.mu.Unlock()
}

// EnqueueDirect appends filename to the tail of the in-memory direct
// queue. The file is assumed already present in eml-direct.
func (s *Spool) EnqueueDirect(filename string) {
	s.mu.Lock()
	s.direct = append(s.direct, filename)
	s.mu.Unlock()
}

// PopParking removes and returns the head of the parking queue, or ""
// if empty.
func (s *Spool) PopParking() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.parking) == 0 {
		return ""
	}
	head := s.parking[0]
	s.parking = s.parking[1:]
	return head
}

// PushBackParking appends filename to the tail of the parking queue. Used
// to requeue an entry after a failed delivery attempt.
func (s *Spool) PushBackParking(filename string) {
	s.EnqueueParking(filename)
}

// ParkingLen returns the current in-memory length of the parking queue.
func (s *Spool) ParkingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.parking)
}

// DirectLen returns the current in-memory length of the direct queue.
func (s *Spool) DirectLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.direct)
}

// MoveToError renames filename from origin's directory into eml-error.
// The file is not removed from any in-memory queue; callers that need
// retry semantics re-enqueue separately.
func (s *Spool) MoveToError(filename string, origin Queue) error {
	return s.rename(filename, origin, Error)
}

// MoveToBackup renames filename from origin's directory into its
// corresponding backup directory.
func (s *Spool) MoveToBackup(filename string, origin Queue) error {
	var dest Queue
	switch origin {
	case Parking:
		dest = ParkingBackup
	case Direct:
		dest = DirectBackup
	default:
		return fmt.Errorf("spool: %w: no backup destination for %s", ErrPersist, origin)
	}
	return s.rename(filename, origin, dest)
}

// Delete removes filename from origin's directory (used when backups are
// disabled).
func (s *Spool) Delete(filename string, origin Queue) error {
	path := filepath.Join(s.dir(origin), filename)
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("%w: remove %s: %v", ErrPersist, path, err)
	}
	return nil
}

func (s *Spool) rename(filename string, origin, dest Queue) error {
	src := filepath.Join(s.dir(origin), filename)
	dst := filepath.Join(s.dir(dest), filename)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("%w: rename %s -> %s: %v", ErrPersist, src, dst, err)
	}
	return nil
}

// Path returns the on-disk path of filename within q, without checking
// for existence.
func (s *Spool) Path(q Queue, filename string) string {
	return filepath.Join(s.dir(q), filename)
}

// Rescan enumerates each directory, keeps only regular .eml files, sorts
// lexicographically, and atomically replaces the in-memory parking and
// direct queues. It returns a snapshot of all five directories, which is
// also what the control API's storage query reports.
func (s *Spool) Rescan() (Snapshot, error) {
	var snap Snapshot
	var firstErr error

	list := func(q Queue) []string {
		names, err := listEmlFiles(s.dir(q))
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: rescan %s: %v", ErrPersist, q, err)
		}
		return names
	}

	snap.Parking = list(Parking)
	snap.Direct = list(Direct)
	snap.Error = list(Error)
	snap.ParkingBackup = list(ParkingBackup)
	snap.DirectBackup = list(DirectBackup)

	if firstErr != nil {
		return snap, firstErr
	}

	s.mu.Lock()
	s.parking = snap.Parking
	s.direct = snap.Direct
	s.mu.Unlock()

	return snap, nil
}

func listEmlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !strings.HasSuffix(e.Name(), extension) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// WriteStream computes a filename from meta, streams r into origin's
// directory under that name, fsyncs and closes it, and returns the
// filename. On any error the partial file is removed.
func (s *Spool) WriteStream(origin Queue, r io.Reader, meta Meta) (string, error) {
	if !s.Available(origin) {
		return "", fmt.Errorf("%w: %s", ErrUnavailable, origin)
	}

	filename := FormatFilename(meta)
	path := filepath.Join(s.dir(origin), filename)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: create %s: %v", ErrPersist, path, err)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("%w: write %s: %v", ErrPersist, path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("%w: sync %s: %v", ErrPersist, path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("%w: close %s: %v", ErrPersist, path, err)
	}

	return filename, nil
}

// NewSessionID returns a filename-safe session identifier that guarantees
// filename uniqueness across concurrently received messages.
func NewSessionID() string {
	return uuid.NewString()
}

// sanitize replaces characters that would be awkward in a filename or
// that the filename format reserves as separators.
func sanitize(s string) string {
	if s == "" {
		return "unknown"
	}
	r := strings.NewReplacer("@", "-", ".", "-", "_", "-", "/", "-", string(filepath.Separator), "-")
	return r.Replace(s)
}

// FormatFilename computes the stable spool filename for meta:
//
//	<YYYYMMDDHHMMSSmmm>_<sessionId>_<sanitized-from>_<sanitized-to-list>.eml
func FormatFilename(meta Meta) string {
	ts := meta.Received
	if ts.IsZero() {
		ts = time.Now()
	}
	stamp := strings.ReplaceAll(ts.UTC().Format(timestampLayout), ".", "")

	sessionID := meta.SessionID
	if sessionID == "" {
		sessionID = NewSessionID()
	}

	from := sanitize(meta.From)

	to := "unknown"
	if len(meta.Recipients) > 0 {
		sanitized := make([]string, len(meta.Recipients))
		for i, r := range meta.Recipients {
			sanitized[i] = sanitize(r)
		}
		to = strings.Join(sanitized, "-")
	}

	return fmt.Sprintf("%s_%s_%s_%s%s", stamp, sessionID, from, to, extension)
}
