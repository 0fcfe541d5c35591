// Package channels delivers run notifications to external messaging
// platforms. Channels are best-effort: a delivery failure is logged and
// the run result stands.
package channels

import (
	"context"

	"github.com/basket/storyflow/internal/driver"
)

// Channel is one notification target.
type Channel interface {
	// Name returns the unique name of the channel (e.g. "telegram").
	Name() string

	// NotifyRun delivers the epic run summary.
	NotifyRun(ctx context.Context, summary *driver.Summary) error
}
