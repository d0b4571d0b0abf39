package xid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a prefixed opaque identifier, e.g. "sale-7f9c…".
func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}
