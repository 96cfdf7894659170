// Package notmuchfake is an in-memory notmuch.Database used by tests that
// cannot link libnotmuch. It implements enough of the real engine's
// observable behavior (lastmod counters, ghost messages, frozen tag
// batching, ":2,<flags>" Maildir info-suffix sync) to exercise the
// reconciliation core the same way the cgo adapter would.
package notmuchfake

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/larskotthoff/notmuch-sync/internal/notmuch"
)

// DB is an in-memory notmuch.Database. The zero value is not usable; use
// New.
type DB struct {
	mu sync.Mutex

	uuid     string
	rootPath string
	lastmod  uint64

	byID   map[string]*message
	byFile map[string]*message // absolute path -> message
}

// New creates an empty fake database rooted at rootPath (used only to
// compute DefaultPath; files need not actually exist on disk unless the
// caller also touches them for real I/O elsewhere).
func New(uuid, rootPath string) *DB {
	if !strings.HasSuffix(rootPath, "/") {
		rootPath += "/"
	}

	return &DB{
		uuid:     uuid,
		rootPath: rootPath,
		byID:     make(map[string]*message),
		byFile:   make(map[string]*message),
	}
}

func (d *DB) Revision() (uint64, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.lastmod, d.uuid, nil
}

func (d *DB) DefaultPath() string { return d.rootPath }

// bump advances the database's lastmod counter and stamps msg with it.
// Caller must hold d.mu.
func (d *DB) bump(msg *message) {
	d.lastmod++
	msg.modified = d.lastmod
}

var lastmodQuery = regexp.MustCompile(`^lastmod:(\d+)\.\.$`)
var tagQuery = regexp.MustCompile(`^tag:(.+)$`)

func (d *DB) Messages(query string) (notmuch.MessageIterator, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var matched []*message

	switch {
	case query == "*":
		for _, msg := range d.byID {
			matched = append(matched, msg)
		}
	case tagQuery.MatchString(query):
		tag := tagQuery.FindStringSubmatch(query)[1]

		for _, msg := range d.byID {
			if msg.tags[tag] {
				matched = append(matched, msg)
			}
		}
	default:
		m := lastmodQuery.FindStringSubmatch(query)
		if m == nil {
			return nil, fmt.Errorf("notmuchfake: unsupported query %q", query)
		}

		since, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("notmuchfake: bad lastmod query %q: %w", query, err)
		}

		for _, msg := range d.byID {
			if msg.modified >= since {
				matched = append(matched, msg)
			}
		}
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })

	return &iterator{msgs: matched}, nil
}

type iterator struct {
	msgs []*message
	i    int
}

func (it *iterator) Next() (notmuch.Message, bool) {
	if it.i >= len(it.msgs) {
		return nil, false
	}

	m := it.msgs[it.i]
	it.i++

	return m, true
}

func (it *iterator) Err() error { return nil }

func (d *DB) Find(id string) (notmuch.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	msg, ok := d.byID[id]
	if !ok {
		return nil, notmuch.ErrNotFound
	}

	return msg, nil
}

// messageIDFromPath extracts the part of the filename before the first
// ':' (the Maildir unique id), which this fake uses as a stand-in
// Message-ID keyed off the file's base name without the info suffix. Real
// notmuch derives the Message-ID from the file's headers; tests using this
// fake pass that identity in by naming files consistently across replicas.
func messageIDFromPath(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, ':'); i >= 0 {
		base = base[:i]
	}

	return base
}

func (d *DB) Add(absPath string) (notmuch.Message, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.byFile[absPath]; ok {
		return existing, false, nil
	}

	id := messageIDFromPath(absPath)

	msg, isNew := d.byID[id], false
	if msg == nil {
		msg = &message{id: id, db: d, tags: make(map[string]bool)}
		d.byID[id] = msg
		isNew = true
	}

	msg.files = append(msg.files, absPath)
	d.byFile[absPath] = msg
	d.bump(msg)

	return msg, isNew, nil
}

func (d *DB) Remove(absPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	msg, ok := d.byFile[absPath]
	if !ok {
		return nil
	}

	delete(d.byFile, absPath)

	for i, f := range msg.files {
		if f == absPath {
			msg.files = append(msg.files[:i], msg.files[i+1:]...)
			break
		}
	}

	d.bump(msg)

	return nil
}

func (d *DB) Close() error { return nil }

type message struct {
	db       *DB
	id       string
	files    []string
	tags     map[string]bool
	modified uint64
	frozen   bool
}

func (m *message) ID() string { return m.id }

func (m *message) Tags() []string {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()

	tags := make([]string, 0, len(m.tags))
	for t := range m.tags {
		tags = append(tags, t)
	}

	sort.Strings(tags)

	return tags
}

func (m *message) AddTag(tag string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()

	m.tags[tag] = true

	if !m.frozen {
		m.db.bump(m)
	}

	return nil
}

func (m *message) RemoveTag(tag string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()

	delete(m.tags, tag)

	if !m.frozen {
		m.db.bump(m)
	}

	return nil
}

func (m *message) RemoveAllTags() error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()

	m.tags = make(map[string]bool)

	if !m.frozen {
		m.db.bump(m)
	}

	return nil
}

func (m *message) Filenames() []string {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()

	out := make([]string, len(m.files))
	copy(out, m.files)

	return out
}

func (m *message) Ghost() bool {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()

	return len(m.files) == 0
}

func (m *message) Freeze() error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()

	m.frozen = true

	return nil
}

// Thaw commits the batched tag mutations and rewrites each filename's
// ":2,<flags>" info suffix to match the current tag set, mirroring
// notmuch_message_tags_to_maildir_flags.
func (m *message) Thaw() error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()

	m.frozen = false
	m.db.bump(m)

	for i, f := range m.files {
		m.files[i] = applyMaildirFlags(f, m.tags)
		delete(m.db.byFile, f)
		m.db.byFile[m.files[i]] = m
	}

	return nil
}

func applyMaildirFlags(path string, tags map[string]bool) string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	uniq := base
	if i := strings.IndexByte(base, ':'); i >= 0 {
		uniq = base[:i]
	}

	var flags []byte

	if tags["draft"] {
		flags = append(flags, 'D')
	}

	if tags["flagged"] {
		flags = append(flags, 'F')
	}

	if tags["passed"] {
		flags = append(flags, 'P')
	}

	if tags["replied"] {
		flags = append(flags, 'R')
	}

	if !tags["unread"] {
		flags = append(flags, 'S')
	}

	if tags["deleted"] {
		flags = append(flags, 'T')
	}

	sort.Slice(flags, func(i, j int) bool { return flags[i] < flags[j] })

	return filepath.Join(dir, uniq+":2,"+string(flags))
}
