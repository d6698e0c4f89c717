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

package linux

// Syscall numbers of the lind default syscall table. Most follow the amd64
// Linux numbering; the lind-only calls use numbers above the Linux range.
const (
	SYS_READ          = 0
	SYS_WRITE         = 1
	SYS_OPEN          = 2
	SYS_CLOSE         = 3
	SYS_STAT          = 4
	SYS_FSTAT         = 5
	SYS_LSEEK         = 8
	SYS_MMAP          = 9
	SYS_MPROTECT      = 10
	SYS_MUNMAP        = 11
	SYS_BRK           = 12
	SYS_PREAD         = 17
	SYS_PWRITE        = 18
	SYS_WRITEV        = 20
	SYS_DUP           = 32
	SYS_NANOSLEEP     = 35
	SYS_GETPID        = 39
	SYS_DUP2          = 41
	SYS_FORK          = 57
	SYS_EXEC          = 59
	SYS_EXIT          = 60
	SYS_WAIT          = 61
	SYS_FCNTL         = 72
	SYS_TRUNCATE      = 76
	SYS_FTRUNCATE     = 77
	SYS_GETDENTS      = 78
	SYS_GETCWD        = 79
	SYS_CHDIR         = 80
	SYS_FCHDIR        = 81
	SYS_MKDIR         = 83
	SYS_RMDIR         = 84
	SYS_CHMOD         = 90
	SYS_FCHMOD        = 91
	SYS_GETUID        = 102
	SYS_GETGID        = 104
	SYS_GETEUID       = 107
	SYS_GETEGID       = 108
	SYS_GETPPID       = 110
	SYS_FSTATFS       = 138
	SYS_FUTEX         = 202
	SYS_CLOCK_GETTIME = 228
	SYS_DUP3          = 292
	SYS_PIPE2         = 293
	SYS_WAITPID       = 400
	SYS_SBRK          = 1004
)
