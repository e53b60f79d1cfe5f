package ticket

import "github.com/lukeb-aidev/cohesix/internal/cherr"

// MaxBytes is the subset of config.TicketPolicy that this package needs,
// avoiding an import cycle back into internal/config.
type MaxBytes interface {
	MaxTicketBytes() int
}

// CheckSize enforces a policy's maximum encoded ticket length (spec.md §4.2:
// ninedoor-mounted ticket files are larger than the raw TCP ATTACH line
// budget).
func CheckSize(policy MaxBytes, raw string) error {
	if len(raw) > policy.MaxTicketBytes() {
		return cherr.New(cherr.InvalidInput, "ticket-too-large")
	}
	return nil
}
