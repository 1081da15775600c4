// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"fmt"

	"github.com/casepilot-ai/casepilot/pkg/schema"
)

// RetryBoundExceededError reports that the attempt bound was spent without
// producing conforming output. LastViolations holds the rejections from
// the final attempt when the failures were schema rejections; LastErr
// holds the final transport error when they were transport failures.
type RetryBoundExceededError struct {
	Attempts       int
	LastViolations []schema.Violation
	LastErr        error
}

func (e *RetryBoundExceededError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("generation failed after %d attempts: %v", e.Attempts, e.LastErr)
	}
	if len(e.LastViolations) > 0 {
		return fmt.Sprintf("generation failed after %d attempts, last violations: %s",
			e.Attempts, schema.Describe(e.LastViolations))
	}
	return fmt.Sprintf("generation failed after %d attempts", e.Attempts)
}

func (e *RetryBoundExceededError) Unwrap() error { return e.LastErr }

// FatalError reports a non-retryable failure: bad credentials, an
// unrenderable prompt, or a cancelled context. Attempts counts model
// calls made before the failure.
type FatalError struct {
	Attempts int
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("generation aborted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
