//go:build cgo && notmuch

// This file links libnotmuch directly. Build with the "notmuch" tag and a
// working pkg-config/LDFLAGS setup for libnotmuch; otherwise the in-memory
// fake in notmuchfake is the only Database implementation available.
package notmuch

/*
#cgo LDFLAGS: -lnotmuch

#include <stdlib.h>
#include <notmuch.h>
*/
import "C"

import (
	"fmt"
	"runtime"
	"strings"
	"unsafe"
)

type status C.notmuch_status_t

const statusSuccess status = C.NOTMUCH_STATUS_SUCCESS

func (s status) Error() string {
	return fmt.Sprintf("notmuch: %s", C.GoString(C.notmuch_status_to_string(C.notmuch_status_t(s))))
}

func statusErr(st C.notmuch_status_t) error {
	s := status(st)
	if s == statusSuccess {
		return nil
	}

	return s
}

// cDatabase is the cgo-backed Database implementation.
type cDatabase struct {
	db       *C.notmuch_database_t
	rootPath string
}

// Open opens the notmuch database rooted at configPath's NOTMUCH_CONFIG
// (or the default config search path if configPath is empty), in
// read-write mode, under the given profile (empty for the default
// profile).
func Open(configPath, profile string) (Database, error) {
	var cConfigPath, cProfile *C.char

	if configPath != "" {
		cConfigPath = C.CString(configPath)
		defer C.free(unsafe.Pointer(cConfigPath))
	}

	if profile != "" {
		cProfile = C.CString(profile)
		defer C.free(unsafe.Pointer(cProfile))
	}

	var db *C.notmuch_database_t

	var cErr *C.char

	st := C.notmuch_database_open_with_config(nil, C.NOTMUCH_DATABASE_MODE_READ_WRITE, cConfigPath, cProfile, &db, &cErr)
	if st != C.NOTMUCH_STATUS_SUCCESS {
		msg := status(st).Error()
		if cErr != nil {
			msg = C.GoString(cErr)
			C.free(unsafe.Pointer(cErr))
		}

		return nil, fmt.Errorf("notmuch: opening database: %s", msg)
	}

	path := C.GoString(C.notmuch_database_get_path(db))
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}

	return &cDatabase{db: db, rootPath: path}, nil
}

func (d *cDatabase) Revision() (uint64, string, error) {
	var cUUID *C.char

	rev := C.notmuch_database_get_revision(d.db, &cUUID)

	return uint64(rev), C.GoString(cUUID), nil
}

func (d *cDatabase) DefaultPath() string { return d.rootPath }

func (d *cDatabase) Messages(query string) (MessageIterator, error) {
	cQuery := C.CString(query)
	defer C.free(unsafe.Pointer(cQuery))

	q := C.notmuch_query_create(d.db, cQuery)
	if q == nil {
		return nil, fmt.Errorf("notmuch: creating query %q", query)
	}

	var msgs *C.notmuch_messages_t

	if st := C.notmuch_query_search_messages(q, &msgs); st != C.NOTMUCH_STATUS_SUCCESS {
		C.notmuch_query_destroy(q)
		return nil, statusErr(st)
	}

	it := &cMessageIterator{query: q, msgs: msgs}
	runtime.SetFinalizer(it, func(it *cMessageIterator) { it.close() })

	return it, nil
}

type cMessageIterator struct {
	query *C.notmuch_query_t
	msgs  *C.notmuch_messages_t
	err   error
}

func (it *cMessageIterator) Next() (Message, bool) {
	if it.msgs == nil || C.notmuch_messages_valid(it.msgs) == 0 {
		it.close()
		return nil, false
	}

	cmsg := C.notmuch_messages_get(it.msgs)
	C.notmuch_messages_move_to_next(it.msgs)

	msg := &cMessage{msg: cmsg}
	runtime.SetFinalizer(msg, func(m *cMessage) { C.notmuch_message_destroy(m.msg) })

	return msg, true
}

func (it *cMessageIterator) Err() error { return it.err }

func (it *cMessageIterator) close() {
	if it.query != nil {
		C.notmuch_query_destroy(it.query)
		it.query = nil
	}
}

func (d *cDatabase) Find(id string) (Message, error) {
	cID := C.CString(id)
	defer C.free(unsafe.Pointer(cID))

	var cmsg *C.notmuch_message_t

	if st := C.notmuch_database_find_message(d.db, cID, &cmsg); st != C.NOTMUCH_STATUS_SUCCESS {
		return nil, statusErr(st)
	}

	if cmsg == nil {
		return nil, ErrNotFound
	}

	msg := &cMessage{msg: cmsg}
	runtime.SetFinalizer(msg, func(m *cMessage) { C.notmuch_message_destroy(m.msg) })

	return msg, nil
}

func (d *cDatabase) Add(absPath string) (Message, bool, error) {
	cPath := C.CString(absPath)
	defer C.free(unsafe.Pointer(cPath))

	var cmsg *C.notmuch_message_t

	st := C.notmuch_database_index_file(d.db, cPath, nil, &cmsg)

	isNew := st == C.NOTMUCH_STATUS_SUCCESS
	if st != C.NOTMUCH_STATUS_SUCCESS && st != C.NOTMUCH_STATUS_DUPLICATE_MESSAGE_ID {
		return nil, false, statusErr(st)
	}

	msg := &cMessage{msg: cmsg}
	runtime.SetFinalizer(msg, func(m *cMessage) { C.notmuch_message_destroy(m.msg) })

	return msg, isNew, nil
}

func (d *cDatabase) Remove(absPath string) error {
	cPath := C.CString(absPath)
	defer C.free(unsafe.Pointer(cPath))

	st := C.notmuch_database_remove_message(d.db, cPath)
	if st == C.NOTMUCH_STATUS_SUCCESS || st == C.NOTMUCH_STATUS_DUPLICATE_MESSAGE_ID {
		return nil
	}

	return statusErr(st)
}

func (d *cDatabase) Close() error {
	return statusErr(C.notmuch_database_destroy(d.db))
}

type cMessage struct {
	msg *C.notmuch_message_t
}

func (m *cMessage) ID() string {
	return C.GoString(C.notmuch_message_get_message_id(m.msg))
}

func (m *cMessage) Tags() []string {
	var tags []string

	cTags := C.notmuch_message_get_tags(m.msg)
	for ; C.notmuch_tags_valid(cTags) != 0; C.notmuch_tags_move_to_next(cTags) {
		tags = append(tags, C.GoString(C.notmuch_tags_get(cTags)))
	}

	C.notmuch_tags_destroy(cTags)

	return tags
}

func (m *cMessage) AddTag(tag string) error {
	cTag := C.CString(tag)
	defer C.free(unsafe.Pointer(cTag))

	return statusErr(C.notmuch_message_add_tag(m.msg, cTag))
}

func (m *cMessage) RemoveTag(tag string) error {
	cTag := C.CString(tag)
	defer C.free(unsafe.Pointer(cTag))

	return statusErr(C.notmuch_message_remove_tag(m.msg, cTag))
}

func (m *cMessage) RemoveAllTags() error {
	return statusErr(C.notmuch_message_remove_all_tags(m.msg))
}

func (m *cMessage) Filenames() []string {
	var names []string

	cNames := C.notmuch_message_get_filenames(m.msg)
	for ; C.notmuch_filenames_valid(cNames) != 0; C.notmuch_filenames_move_to_next(cNames) {
		names = append(names, C.GoString(C.notmuch_filenames_get(cNames)))
	}

	C.notmuch_filenames_destroy(cNames)

	return names
}

func (m *cMessage) Ghost() bool {
	return len(m.Filenames()) == 0
}

func (m *cMessage) Freeze() error {
	return statusErr(C.notmuch_message_freeze(m.msg))
}

// Thaw commits batched tag mutations and resyncs each filename's Maildir
// ":2,..." flags so readers of the mbox see the new tag state reflected in
// the info suffix (spec §4.5).
func (m *cMessage) Thaw() error {
	if err := statusErr(C.notmuch_message_tags_to_maildir_flags(m.msg)); err != nil {
		return err
	}

	return statusErr(C.notmuch_message_thaw(m.msg))
}
