// Package dedupe guards against handling the same inbound message twice when
// a chat gateway redelivers events.
package dedupe

import (
	"context"
)

type Guard interface {
	// First records key and reports whether this is its first sighting.
	First(ctx context.Context, key string) (bool, error)
}
