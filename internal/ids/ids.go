package ids

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/segmentio/ksuid"
)

// New returns a sortable, globally unique identifier.
func New() string {
	return ksuid.New().String()
}

// OrderNumber returns a human-facing order reference such as ORD-20260114-004211.
func OrderNumber(now time.Time) string {
	return fmt.Sprintf("ORD-%s-%06d", now.UTC().Format("20060102"), rand.IntN(1000000))
}
