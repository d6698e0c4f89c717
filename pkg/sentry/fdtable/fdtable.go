// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package fdtable maps the virtual file descriptors of each cage to the
// descriptors that back them.
//
// A virtual descriptor names an Entry: the kind of descriptor and the
// underlying descriptor of that kind. Several virtual descriptors, in one
// cage or across cages after a fork, may share an underlying descriptor; the
// table counts them and runs the kind's close handlers as the count drops.
// Handlers always run after the table lock is released.
package fdtable

import (
	"fmt"
	"sort"
	"strings"

	"gvisor.dev/rawposix/pkg/abi/linux"
	"gvisor.dev/rawposix/pkg/errors/linuxerr"
	"gvisor.dev/rawposix/pkg/sync"
)

// MaxFDs is the number of virtual descriptors a cage may hold. Descriptors
// are in [0, MaxFDs).
const MaxFDs = 1024

// Kind identifies what an underlying descriptor is.
type Kind uint32

// KindHost is a host file descriptor.
const KindHost Kind = 0

// FDFlags define flags for an individual descriptor.
type FDFlags struct {
	// CloseOnExec indicates the descriptor should be closed on exec.
	CloseOnExec bool
}

// ToLinuxFileFlags converts FDFlags to a Linux file flags representation.
func (f FDFlags) ToLinuxFileFlags() (mask uint) {
	if f.CloseOnExec {
		mask |= linux.O_CLOEXEC
	}
	return
}

// ToLinuxFDFlags converts FDFlags to a Linux descriptor flags
// representation.
func (f FDFlags) ToLinuxFDFlags() (mask uint) {
	if f.CloseOnExec {
		mask |= linux.FD_CLOEXEC
	}
	return
}

// Entry is what a virtual descriptor refers to.
type Entry struct {
	Kind Kind

	// Underlying is the descriptor of kind Kind.
	Underlying uint64

	Flags FDFlags

	// Info is opaque per-descriptor state kept for the owner of Kind.
	Info uint64
}

// CloseHandlers are called as references to an underlying descriptor go
// away. Either may be nil.
type CloseHandlers struct {
	// Intermediate is called when a reference goes away and count others
	// remain.
	Intermediate func(e Entry, count uint64)

	// Last is called when the last reference goes away.
	Last func(e Entry)
}

type refKey struct {
	kind       Kind
	underlying uint64
}

// closeEvent is a handler call queued while the lock is held.
type closeEvent struct {
	entry Entry
	count uint64
}

// Table holds the descriptors of every cage.
type Table struct {
	mu sync.Mutex

	// cages maps a cage id to its descriptors, indexed by virtual
	// descriptor. Each slice has length MaxFDs.
	//
	// +checklocks:mu
	cages map[uint64][]*Entry

	// refs counts the virtual descriptors referring to each underlying
	// descriptor.
	//
	// +checklocks:mu
	refs map[refKey]uint64

	// +checklocks:mu
	handlers map[Kind]CloseHandlers
}

// New returns an empty table.
func New() *Table {
	return &Table{
		cages:    make(map[uint64][]*Entry),
		refs:     make(map[refKey]uint64),
		handlers: make(map[Kind]CloseHandlers),
	}
}

// RegisterCloseHandlers installs h for descriptors of kind k, replacing any
// previous handlers.
func (t *Table) RegisterCloseHandlers(k Kind, h CloseHandlers) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[k] = h
}

// InitCage gives cage id an empty descriptor table.
func (t *Table) InitCage(id uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.cages[id]; ok {
		return linuxerr.EEXIST
	}
	t.cages[id] = make([]*Entry, MaxFDs)
	return nil
}

// HasCage reports whether cage id has a descriptor table.
func (t *Table) HasCage(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.cages[id]
	return ok
}

// Translate returns the entry of fd in cage id.
func (t *Table) Translate(id, fd uint64) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.getLocked(id, fd)
	if err != nil {
		return Entry{}, err
	}
	return *e, nil
}

// NewFD installs e at the lowest free descriptor of cage id that is greater
// than or equal to start and returns it. It fails with EMFILE if there is no
// room.
func (t *Table) NewFD(id, start uint64, e Entry) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fds, ok := t.cages[id]
	if !ok {
		return 0, linuxerr.ESRCH
	}
	fd, err := lowestFree(fds, start)
	if err != nil {
		return 0, err
	}
	t.setLocked(fds, fd, e)
	return fd, nil
}

// NewFDAt installs e at fd in cage id. If fd was in use, its previous entry
// is released after e is installed.
func (t *Table) NewFDAt(id, fd uint64, e Entry) error {
	if fd >= MaxFDs {
		return linuxerr.EBADF
	}
	var ev []closeEvent
	defer func() { t.runClose(ev) }()

	t.mu.Lock()
	defer t.mu.Unlock()
	fds, ok := t.cages[id]
	if !ok {
		return linuxerr.ESRCH
	}
	old := fds[fd]
	t.setLocked(fds, fd, e)
	if old != nil {
		ev = append(ev, t.dropLocked(*old))
	}
	return nil
}

// Dup installs a copy of fd at the lowest free descriptor of cage id that is
// greater than or equal to start. The copy shares fd's underlying
// descriptor and Info but has flags of its own.
func (t *Table) Dup(id, fd, start uint64, flags FDFlags) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.getLocked(id, fd)
	if err != nil {
		return 0, err
	}
	fds := t.cages[id]
	newfd, err := lowestFree(fds, start)
	if err != nil {
		return 0, err
	}
	dup := *e
	dup.Flags = flags
	t.setLocked(fds, newfd, dup)
	return newfd, nil
}

// Dup2 makes newfd of cage id a copy of oldfd, closing what newfd held. If
// the two are equal nothing changes once oldfd is known to be valid.
func (t *Table) Dup2(id, oldfd, newfd uint64, flags FDFlags) error {
	if newfd >= MaxFDs {
		return linuxerr.EBADF
	}
	var ev []closeEvent
	defer func() { t.runClose(ev) }()

	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.getLocked(id, oldfd)
	if err != nil {
		return err
	}
	if oldfd == newfd {
		return nil
	}
	fds := t.cages[id]
	old := fds[newfd]
	dup := *e
	dup.Flags = flags
	t.setLocked(fds, newfd, dup)
	if old != nil {
		ev = append(ev, t.dropLocked(*old))
	}
	return nil
}

// SetFlags sets the flags of fd in cage id.
func (t *Table) SetFlags(id, fd uint64, flags FDFlags) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.getLocked(id, fd)
	if err != nil {
		return err
	}
	e.Flags = flags
	return nil
}

// SetInfo sets the Info of fd in cage id.
func (t *Table) SetInfo(id, fd, info uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.getLocked(id, fd)
	if err != nil {
		return err
	}
	e.Info = info
	return nil
}

// Close frees fd in cage id and releases its reference to the underlying
// descriptor.
func (t *Table) Close(id, fd uint64) error {
	var ev []closeEvent
	defer func() { t.runClose(ev) }()

	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.getLocked(id, fd)
	if err != nil {
		return err
	}
	t.cages[id][fd] = nil
	ev = append(ev, t.dropLocked(*e))
	return nil
}

// CopyCage gives cage dst a copy of the descriptors of cage src. Every
// copied descriptor takes its own reference.
func (t *Table) CopyCage(src, dst uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	fds, ok := t.cages[src]
	if !ok {
		return linuxerr.ESRCH
	}
	if _, ok := t.cages[dst]; ok {
		return linuxerr.EEXIST
	}
	cp := make([]*Entry, MaxFDs)
	for fd, e := range fds {
		if e != nil {
			t.setLocked(cp, uint64(fd), *e)
		}
	}
	t.cages[dst] = cp
	return nil
}

// ExecCage closes the descriptors of cage id marked close-on-exec.
func (t *Table) ExecCage(id uint64) {
	var ev []closeEvent
	defer func() { t.runClose(ev) }()

	t.mu.Lock()
	defer t.mu.Unlock()
	fds := t.cages[id]
	for fd, e := range fds {
		if e != nil && e.Flags.CloseOnExec {
			fds[fd] = nil
			ev = append(ev, t.dropLocked(*e))
		}
	}
}

// RemoveCage closes every descriptor of cage id and forgets the cage.
func (t *Table) RemoveCage(id uint64) {
	var ev []closeEvent
	defer func() { t.runClose(ev) }()

	t.mu.Lock()
	defer t.mu.Unlock()
	fds, ok := t.cages[id]
	if !ok {
		return
	}
	delete(t.cages, id)
	for _, e := range fds {
		if e != nil {
			ev = append(ev, t.dropLocked(*e))
		}
	}
}

// Snapshot returns the descriptors of cage id and their entries.
func (t *Table) Snapshot(id uint64) map[uint64]Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := make(map[uint64]Entry)
	for fd, e := range t.cages[id] {
		if e != nil {
			m[uint64(fd)] = *e
		}
	}
	return m
}

// Refs returns the number of virtual descriptors referring to the
// underlying descriptor of kind k.
func (t *Table) Refs(k Kind, underlying uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refs[refKey{k, underlying}]
}

// String implements fmt.Stringer.String.
func (t *Table) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]uint64, 0, len(t.cages))
	for id := range t.cages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var b strings.Builder
	for _, id := range ids {
		for fd, e := range t.cages[id] {
			if e != nil {
				fmt.Fprintf(&b, "\tcage %d fd %d: kind %d underlying %d %+v\n", id, fd, e.Kind, e.Underlying, e.Flags)
			}
		}
	}
	return b.String()
}

// +checklocks:t.mu
func (t *Table) getLocked(id, fd uint64) (*Entry, error) {
	fds, ok := t.cages[id]
	if !ok || fd >= MaxFDs || fds[fd] == nil {
		return nil, linuxerr.EBADF
	}
	return fds[fd], nil
}

// setLocked stores e at fd and takes a reference to its underlying
// descriptor. Whatever fd held is overwritten without being released.
//
// +checklocks:t.mu
func (t *Table) setLocked(fds []*Entry, fd uint64, e Entry) {
	fds[fd] = &e
	t.refs[refKey{e.Kind, e.Underlying}]++
}

// dropLocked releases one reference held by e and returns the handler call
// to make once the lock is released.
//
// +checklocks:t.mu
func (t *Table) dropLocked(e Entry) closeEvent {
	k := refKey{e.Kind, e.Underlying}
	n := t.refs[k]
	if n <= 1 {
		delete(t.refs, k)
		return closeEvent{entry: e}
	}
	t.refs[k] = n - 1
	return closeEvent{entry: e, count: n - 1}
}

// runClose calls the close handlers for ev. t.mu must not be held.
func (t *Table) runClose(ev []closeEvent) {
	if len(ev) == 0 {
		return
	}
	t.mu.Lock()
	handlers := make(map[Kind]CloseHandlers, len(t.handlers))
	for k, h := range t.handlers {
		handlers[k] = h
	}
	t.mu.Unlock()

	for _, c := range ev {
		h := handlers[c.entry.Kind]
		if c.count == 0 {
			if h.Last != nil {
				h.Last(c.entry)
			}
		} else if h.Intermediate != nil {
			h.Intermediate(c.entry, c.count)
		}
	}
}

func lowestFree(fds []*Entry, start uint64) (uint64, error) {
	if start >= MaxFDs {
		return 0, linuxerr.EINVAL
	}
	for fd := start; fd < MaxFDs; fd++ {
		if fds[fd] == nil {
			return fd, nil
		}
	}
	return 0, linuxerr.EMFILE
}
