// Copyright 2024 Repovul Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package repoerrors defines the conversion pipeline's error taxonomy:
// each kind is a sentinel error, wrapped with context via WithMessage so
// errors.Is keeps working up the call stack.
package repoerrors

import (
	"errors"
	"fmt"
)

var (
	// ErrRepoNotFound indicates the remote reported the repository as
	// unavailable. Non-retried; the whole repo's conversion is abandoned.
	ErrRepoNotFound = errors.New("repo not found")
	// ErrGitRuntime indicates an unexpected git failure other than "not found".
	ErrGitRuntime = errors.New("git runtime error")
	// ErrLinguist indicates the language classifier failed on a checked-out tree.
	ErrLinguist = errors.New("language classifier error")
	// ErrSolver indicates the hitting-set solver could not prove optimality.
	ErrSolver = errors.New("solver error")
	// ErrValidation indicates an OSV payload failed to parse into the model.
	ErrValidation = errors.New("validation error")
)

// WithMessage wraps one of the sentinel errors above with additional context.
func WithMessage(err error, msg string) error {
	if msg == "" {
		return fmt.Errorf("%w", err)
	}
	return fmt.Errorf("%w: %s", err, msg)
}

// GetName returns the taxonomy name of err, logged alongside a fatal
// conversion error as a structured field.
func GetName(err error) string {
	switch {
	case errors.Is(err, ErrRepoNotFound):
		return "RepoNotFound"
	case errors.Is(err, ErrGitRuntime):
		return "GitRuntimeError"
	case errors.Is(err, ErrLinguist):
		return "LinguistError"
	case errors.Is(err, ErrSolver):
		return "SolverError"
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	default:
		return "Unknown"
	}
}
