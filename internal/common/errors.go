// Copyright 2024 LatentFS Authors
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

package common

import (
	"errors"
	"fmt"
)

// Argument and lookup errors.
var (
	ErrNotFound        = errors.New("not found")
	ErrExists          = errors.New("already exists")
	ErrNotDir          = errors.New("not a directory")
	ErrIsDir           = errors.New("is a directory")
	ErrNotEmpty        = errors.New("directory not empty")
	ErrInvalidPath     = errors.New("invalid path")
	ErrInvalidArg      = errors.New("invalid argument")
	ErrUnsupportedType = errors.New("unsupported entry type")
	ErrNotImplemented  = errors.New("not implemented")
	ErrStale           = errors.New("stale reference")
)

// Transaction discipline and contention.
var (
	ErrNotInTx    = errors.New("no transaction in progress")
	ErrCannotNest = errors.New("transaction already in progress")
	ErrBusy       = errors.New("database busy")
)

// Working-copy state errors.
var (
	ErrPortability      = errors.New("portability problem")
	ErrNotControlled    = errors.New("item is not under version control")
	ErrReserved         = errors.New("item is in the reserved area")
	ErrNoEffect         = errors.New("operation has no effect")
	ErrDirty            = errors.New("item has uncommitted changes")
	ErrAmbiguousContent = fmt.Errorf("%w: content is split across more than one other repository", ErrNotImplemented)
	ErrContentMismatch  = errors.New("content does not match the expected hash")
	ErrJournalOrder     = errors.New("journal entry applied before its dependencies")
	ErrParkExhausted    = errors.New("no free parking name")
)

// Commit validation errors.
var (
	ErrNothingToCommit         = errors.New("nothing to commit")
	ErrPartialCommitAfterMerge = errors.New("partial commit not allowed after merge")
	ErrInactiveUser            = errors.New("user is inactive")
	ErrBranchMismatch          = errors.New("branch does not match the working copy")
	ErrEmptyComment            = errors.New("commit message is empty")
	ErrCommentTooLong          = errors.New("commit message is too long")
	ErrPendingMerge            = errors.New("working copy has a pending merge")
)
