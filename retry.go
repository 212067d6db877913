// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package q3rcon

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
)

// retry runs fn up to attempts times and returns the first successful result. Attempts follow one
// another immediately. Every failure replaces the remembered failure, and the most recent one is
// returned once attempts are exhausted. Errors that are not [IsRetryable] are returned on first
// occurrence, as is cancellation of ctx. An expired ctx deadline stops further attempts.
func retry[T any](
	ctx context.Context,
	logger *slog.Logger,
	op string,
	attempts int,
	fn func(context.Context) (T, error),
) (T, error) {
	if attempts < 1 {
		attempts = 1
	}

	var (
		zero T
		last error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last == nil || errors.Is(err, context.Canceled) {
				return zero, contextError(op, err)
			}
			return zero, last
		}

		logDebug(ctx, logger, "attempt",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Int("of", attempts),
		)

		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		last = err

		if !IsRetryable(err) {
			return zero, err
		}
		if attempt < attempts {
			logDebug(ctx, logger, "attempt failed, retrying",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}
	}

	return zero, last
}

// contextError converts a context error into a package error. An elapsed deadline is a timeout,
// while cancellation is passed through so that errors.Is(err, context.Canceled) holds.
func contextError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, op, err)
	}
	return errors.WithStack(err)
}
