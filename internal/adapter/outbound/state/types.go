// Package state persists the gateway's applied policy snapshot to disk.
//
// The gateway is normatively stateless: it boots from its config file and
// keeps the policy snapshot in memory. When a snapshot file path is
// configured, policy updates applied through the REST surface are also
// written here so a restart comes back up with the last applied policy
// instead of silently reverting to the file shipped in the image. This
// package provides atomic writes, cross-process file locking, and backups.
package state

import (
	"time"

	"github.com/aimguard/gateway/internal/domain/guardrail"
)

// PolicySnapshot is the top-level structure persisted in the snapshot file.
type PolicySnapshot struct {
	// Version is the schema version for forward compatibility. Currently "1".
	Version string `json:"version"`

	// Policy is the applied guardrail policy: checkers, use-case profiles,
	// traffic rules, and the default action.
	Policy guardrail.Config `json:"policy"`

	// CreatedAt is when this snapshot file was first created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when this snapshot file was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}
