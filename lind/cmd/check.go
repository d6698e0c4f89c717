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
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/go-cmp/cmp"
	"github.com/google/subcommands"
	"gvisor.dev/rawposix/lind/config"
	"gvisor.dev/rawposix/pkg/abi/linux"
	"gvisor.dev/rawposix/pkg/hostarch"
	"gvisor.dev/rawposix/pkg/log"
	"gvisor.dev/rawposix/pkg/sentry/arch"
	"gvisor.dev/rawposix/pkg/sentry/cage"
	"gvisor.dev/rawposix/pkg/sentry/kernel"
	"gvisor.dev/rawposix/pkg/sentry/mm"
	"gvisor.dev/rawposix/pkg/sentry/syscalls/rawposix"
	"gvisor.dev/rawposix/pkg/sentry/threei"
)

// Check implements subcommands.Command for the "check" command.
type Check struct{}

// Name implements subcommands.Command.Name.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Check) Synopsis() string {
	return "Boot a runtime and exercise fork, memory replication and interposition."
}

// Usage implements subcommands.Command.Usage.
func (*Check) Usage() string {
	return `check - Boot a runtime with the current configuration, fork a cage and verify
that private memory is copied, shared memory is shared, interposition bindings are
inherited and the child's exit status reaches its parent.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Check) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Check) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if err := runCheck(conf, os.Stdout); err != nil {
		log.Warningf("check failed: %v", err)
		fmt.Fprintf(os.Stderr, "check failed: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

const (
	// grateResult is what the check grate returns for every call.
	grateResult = 4242
	// grateHandler is the handler the check grate is bound under.
	grateHandler = 1

	privateValue = 0x11
	sharedValue  = 0x22
	exitStatus   = 7
)

// checker drives cages through the dispatcher the way a host runtime would.
type checker struct {
	k   *kernel.Kernel
	out io.Writer
}

func (c *checker) call(self, num uint64, values ...uint64) int32 {
	var args arch.SyscallArguments
	for i, v := range values {
		args[i] = arch.Arg(v, self)
	}
	return c.k.Dispatcher().MakeSyscall(self, num, self, args)
}

func (c *checker) mmap(id uint64, flags int32) (uint64, error) {
	ret := c.call(id, linux.SYS_MMAP, 0, hostarch.PageSize, linux.PROT_READ|linux.PROT_WRITE, uint64(flags|linux.MAP_ANONYMOUS), ^uint64(0), 0)
	if ret < 0 {
		return 0, fmt.Errorf("mmap in cage %d returned %d", id, ret)
	}
	return uint64(uint32(ret)), nil
}

func (c *checker) fork(parent uint64) (uint64, error) {
	ret := c.call(parent, linux.SYS_FORK)
	if ret <= 0 {
		return 0, fmt.Errorf("fork of cage %d returned %d", parent, ret)
	}
	return uint64(ret), nil
}

func (c *checker) load(id, addr uint64) (byte, error) {
	var b [1]byte
	err := mm.CopyIn(c.k.Cages(), id, addr, b[:])
	return b[0], err
}

func (c *checker) store(id, addr uint64, v byte) error {
	return mm.CopyOut(c.k.Cages(), id, addr, []byte{v})
}

func (c *checker) expect(id, addr uint64, want byte) error {
	got, err := c.load(id, addr)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("cage %d reads %#x at %#x, want %#x", id, got, addr, want)
	}
	return nil
}

func (c *checker) step(name string, fn func() error) error {
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	fmt.Fprintf(c.out, "ok    %s\n", name)
	return nil
}

// runCheck boots a kernel from conf, runs every step and finalizes the
// kernel. Progress is written to out.
func runCheck(conf *config.Config, out io.Writer) (retErr error) {
	k, err := kernel.New(conf.KernelConfig())
	if err != nil {
		return err
	}
	if err := k.Init(rawposix.New(k).Table()); err != nil {
		return err
	}
	defer func() {
		retErr = errors.Join(retErr, k.Finalize())
	}()

	c := &checker{k: k, out: out}
	const root = cage.RootID
	var private, shared, grate, child uint64

	if err := c.step("map private and shared pages", func() error {
		var err error
		if private, err = c.mmap(root, linux.MAP_PRIVATE); err != nil {
			return err
		}
		if shared, err = c.mmap(root, linux.MAP_SHARED); err != nil {
			return err
		}
		if err := c.store(root, private, privateValue); err != nil {
			return err
		}
		return c.store(root, shared, sharedValue)
	}); err != nil {
		return err
	}

	if err := c.step("register a grate for getpid", func() error {
		var err error
		if grate, err = c.fork(root); err != nil {
			return err
		}
		k.Grates().Register(grate, func(threei.GrateCall) int32 { return grateResult })
		return threei.DecodeStatus(k.Dispatcher().RegisterHandler(root, linux.SYS_GETPID, grateHandler, grate))
	}); err != nil {
		return err
	}

	if err := c.step("fork", func() error {
		var err error
		child, err = c.fork(root)
		return err
	}); err != nil {
		return err
	}

	if err := c.step("private memory is copied", func() error {
		if err := c.expect(child, private, privateValue); err != nil {
			return err
		}
		if err := c.store(child, private, privateValue+1); err != nil {
			return err
		}
		return c.expect(root, private, privateValue)
	}); err != nil {
		return err
	}

	if err := c.step("shared memory is shared", func() error {
		if err := c.store(child, shared, sharedValue+1); err != nil {
			return err
		}
		return c.expect(root, shared, sharedValue+1)
	}); err != nil {
		return err
	}

	if err := c.step("vmmap is replicated", func() error {
		want := k.Cages().Get(root).Vmmap().Entries()
		got := k.Cages().Get(child).Vmmap().Entries()
		if diff := cmp.Diff(want, got); diff != "" {
			return fmt.Errorf("child vmmap differs (-parent +child):\n%s", diff)
		}
		return nil
	}); err != nil {
		return err
	}

	if err := c.step("interposition is inherited", func() error {
		want := k.Handlers().Bindings(root, linux.SYS_GETPID)
		if got := k.Handlers().Bindings(child, linux.SYS_GETPID); !cmp.Equal(want, got) {
			return fmt.Errorf("child bindings %v, want %v", got, want)
		}
		if got := c.call(child, linux.SYS_GETPID); got != grateResult {
			return fmt.Errorf("getpid in cage %d returned %d, want the grate's %d", child, got, grateResult)
		}
		return nil
	}); err != nil {
		return err
	}

	return c.step("exit status reaches the parent", func() error {
		if got := c.call(child, linux.SYS_EXIT, exitStatus); got != exitStatus {
			return fmt.Errorf("exit returned %d", got)
		}
		status := private + 8
		if got := c.call(root, linux.SYS_WAITPID, child, status, 0); got != int32(child) {
			return fmt.Errorf("waitpid returned %d, want %d", got, child)
		}
		var b [4]byte
		if err := mm.CopyIn(k.Cages(), root, status, b[:]); err != nil {
			return err
		}
		if got := int32(hostarch.ByteOrder.Uint32(b[:])); got != linux.WaitStatusExited(exitStatus) {
			return fmt.Errorf("wait status %#x, want %#x", got, linux.WaitStatusExited(exitStatus))
		}
		return nil
	})
}
