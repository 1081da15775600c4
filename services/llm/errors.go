// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"errors"
	"fmt"
)

// TransportError is a retryable model-call failure: network trouble,
// timeouts, rate limits, provider 5xx.
type TransportError struct {
	// Op names the operation that failed, e.g. "chat_completion".
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("llm transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError is a fatal model-call failure: invalid or missing credentials,
// forbidden model access. Retrying cannot help.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("llm auth error: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a TransportError anywhere in its
// chain.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsAuth reports whether err is an AuthError anywhere in its chain.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
