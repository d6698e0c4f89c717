// Copyright 2018 Google LLC
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

// Package kernel owns the runtime state shared by every cage and the cage
// lifecycle built on it.
//
// A Kernel holds the cage table, the linear memory and descriptors of each
// cage, the 3i handler table with its exiting set and grate registry, and
// the dispatcher that routes syscalls. Fork, Exec, Exit and the wait family are the only
// operations that add cages to, replace cages in or remove cages from the
// table.
//
// Lock order:
//
//	threei.HandlerTable.mu
//	  threei.ExitingSet.mu
//
//	cage.Cage.zombieMu
//	  mm.LinearMemory.mappingMu
//	    vmmap.Vmmap.mu
//	    cage.Table.mu
//
// fdtable.Table.mu is a leaf; close handlers run without it.
package kernel

import (
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gvisor.dev/rawposix/pkg/abi/linux"
	"gvisor.dev/rawposix/pkg/errors/linuxerr"
	"gvisor.dev/rawposix/pkg/hostarch"
	"gvisor.dev/rawposix/pkg/log"
	"gvisor.dev/rawposix/pkg/sentry/cage"
	"gvisor.dev/rawposix/pkg/sentry/fdtable"
	"gvisor.dev/rawposix/pkg/sentry/mm"
	"gvisor.dev/rawposix/pkg/sentry/threei"
)

// Config holds the parameters of a Kernel.
type Config struct {
	// MaxCageID is the number of cage table slots. Cage ids are in
	// [0, MaxCageID).
	MaxCageID int

	// LinearMemoryPages is the size of each cage's linear memory
	// reservation, in pages.
	LinearMemoryPages uint64

	// RootCwd is the working directory of the root cage.
	RootCwd string

	// RootCredentials are the ids of the root cage.
	RootCredentials cage.Credentials

	// GrateDrainTimeout bounds how long a grate's exit waits for calls
	// still running in it.
	GrateDrainTimeout time.Duration
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		MaxCageID:         linux.DefaultMaxCageID,
		LinearMemoryPages: (linux.MaxLinearMemorySize + 1) >> hostarch.PageShift,
		RootCwd:           "/",
		RootCredentials:   cage.Credentials{},
		GrateDrainTimeout: threei.DefaultGrateDrainTimeout,
	}
}

// Validate returns an error if c cannot be used to build a Kernel.
func (c Config) Validate() error {
	if c.MaxCageID <= int(cage.RootID) {
		return fmt.Errorf("MaxCageID %d leaves no room for the root cage", c.MaxCageID)
	}
	if c.LinearMemoryPages == 0 {
		return fmt.Errorf("LinearMemoryPages is 0")
	}
	if c.LinearMemoryPages > (linux.MaxLinearMemorySize+1)>>hostarch.PageShift {
		return fmt.Errorf("LinearMemoryPages %d exceeds the 32-bit guest address space", c.LinearMemoryPages)
	}
	if c.RootCwd == "" || c.RootCwd[0] != '/' {
		return fmt.Errorf("RootCwd %q is not absolute", c.RootCwd)
	}
	if c.GrateDrainTimeout <= 0 {
		return fmt.Errorf("GrateDrainTimeout %v is not positive", c.GrateDrainTimeout)
	}
	return nil
}

// Kernel is the runtime state shared by all cages.
type Kernel struct {
	cfg Config

	cages    *cage.Table
	ids      *cage.IDAllocator
	memories *mm.Memories
	fds      *fdtable.Table

	exiting  *threei.ExitingSet
	handlers *threei.HandlerTable
	grates   *threei.GrateRegistry

	// dispatcher is set by Init.
	dispatcher *threei.Dispatcher
}

// New returns a Kernel with no cages.
func New(cfg Config) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kernel config: %w", err)
	}
	exiting := threei.NewExitingSet()
	return &Kernel{
		cfg:      cfg,
		cages:    cage.NewTable(cfg.MaxCageID),
		ids:      cage.NewIDAllocator(cfg.MaxCageID),
		memories: mm.NewMemories(),
		fds:      fdtable.New(),
		exiting:  exiting,
		handlers: threei.NewHandlerTable(exiting),
		grates:   threei.NewGrateRegistry(cfg.GrateDrainTimeout),
	}, nil
}

// Init builds the dispatcher over table and creates the root cage with its
// linear memory. The root cage's descriptors 0, 1 and 2 are the host's
// standard streams.
func (k *Kernel) Init(table *threei.SyscallTable) error {
	if table == nil {
		return fmt.Errorf("syscall table is nil")
	}
	if k.dispatcher != nil {
		return fmt.Errorf("kernel already initialized")
	}
	mem, err := mm.NewLinearMemory(k.cfg.LinearMemoryPages)
	if err != nil {
		return fmt.Errorf("root cage linear memory: %w", err)
	}
	root := cage.New(cage.RootID, cage.RootID, k.cfg.RootCwd, k.cfg.RootCredentials)
	mm.Attach(root, mem, 0)
	k.fds.RegisterCloseHandlers(fdtable.KindHost, fdtable.CloseHandlers{Last: closeHostFD})
	if err := k.fds.InitCage(root.ID); err != nil {
		mem.Release()
		return fmt.Errorf("root cage descriptors: %w", err)
	}
	for fd := uint64(0); fd <= stderrFD; fd++ {
		if err := k.fds.NewFDAt(root.ID, fd, fdtable.Entry{Kind: fdtable.KindHost, Underlying: fd}); err != nil {
			mem.Release()
			return fmt.Errorf("root cage descriptor %d: %w", fd, err)
		}
	}
	k.memories.Add(root.ID, mem)
	k.cages.Add(root.ID, root)
	k.dispatcher = threei.NewDispatcher(k.handlers, k.grates, table, k.cages)
	log.Infof("Root cage %d ready: %d syscalls, %d pages of linear memory at %#x", root.ID, table.Len(), k.cfg.LinearMemoryPages, mem.Base())
	return nil
}

const stderrFD = 2

// closeHostFD closes a host descriptor once no cage refers to it. The host's
// standard streams stay open.
func closeHostFD(e fdtable.Entry) {
	if e.Underlying <= stderrFD {
		return
	}
	if err := unix.Close(int(e.Underlying)); err != nil {
		log.Warningf("Closing host fd %d: %v", e.Underlying, err)
	}
}

// Config returns the configuration k was built with.
func (k *Kernel) Config() Config { return k.cfg }

// Cages returns the cage table.
func (k *Kernel) Cages() *cage.Table { return k.cages }

// Memories returns the linear memory registry.
func (k *Kernel) Memories() *mm.Memories { return k.memories }

// FDs returns the descriptor table.
func (k *Kernel) FDs() *fdtable.Table { return k.fds }

// Handlers returns the 3i handler table.
func (k *Kernel) Handlers() *threei.HandlerTable { return k.handlers }

// Grates returns the grate registry.
func (k *Kernel) Grates() *threei.GrateRegistry { return k.grates }

// Dispatcher returns the dispatcher, or nil before Init.
func (k *Kernel) Dispatcher() *threei.Dispatcher { return k.dispatcher }

// Cage returns the cage with the given id, or ESRCH.
func (k *Kernel) Cage(id uint64) (*cage.Cage, error) {
	c := k.cages.Get(id)
	if c == nil {
		return nil, linuxerr.ESRCH
	}
	return c, nil
}

// AddressSpace returns cage id together with its linear memory.
func (k *Kernel) AddressSpace(id uint64) (mm.AddressSpace, error) {
	c, err := k.Cage(id)
	if err != nil {
		return mm.AddressSpace{}, err
	}
	mem := k.memories.Get(id)
	if mem == nil {
		return mm.AddressSpace{}, linuxerr.ESRCH
	}
	return mm.AddressSpace{Cage: c, Mem: mem}, nil
}

// Finalize exits every remaining cage and releases its linear memory. Cages
// are torn down in parallel; the first error is returned once all are done.
func (k *Kernel) Finalize() error {
	var all []*cage.Cage
	k.cages.ForEach(func(c *cage.Cage) {
		all = append(all, c)
	})
	k.cages.ClearAll()

	var g errgroup.Group
	for _, c := range all {
		g.Go(func() error {
			k.handlers.MarkExiting(c.ID)
			defer k.handlers.FinishExiting(c.ID)
			c.MarkExited()
			k.fds.RemoveCage(c.ID)
			if err := k.grates.RevokeAndWait(c.ID); err != nil {
				return fmt.Errorf("cage %d: %w", c.ID, err)
			}
			if err := k.memories.Release(c.ID); err != nil {
				return fmt.Errorf("cage %d: releasing linear memory: %w", c.ID, err)
			}
			return nil
		})
	}
	err := g.Wait()
	log.Infof("Finalized %d cages", len(all))
	return err
}
