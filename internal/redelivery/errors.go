package redelivery

import (
	"fmt"

	"github.com/oriys/quasar/internal/journal"
)

// errRefused marks a broker-side refusal (status 0) during a
// redelivery step; the row stays in the journal for the next sweep.
func errRefused(step string, row journal.Row) error {
	return fmt.Errorf("redelivery: broker refused %s for %s in %s", step, row.MessageID, row.QueueName)
}
