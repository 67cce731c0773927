/*
trace.go - Traceability query: the audit trail for a batch

PURPOSE:
  Reconstructs, for a given batch reference, the ordered sequence of all
  movements affecting it, joined with party display names. Read-only; no
  side effects; restartable by simply issuing the query again.

ORDERING:
  Movements come back ordered by (occurred_at ASC, seq ASC). Two movements
  can share a timestamp; the store-assigned monotonic seq breaks the tie
  with insertion order.

GRACEFUL DEGRADATION:
  A party may have been deleted or anonymized since the movement was
  written. The trail still renders: the label falls back to "Party #id"
  instead of failing the whole query. Anonymous consumer sales render as
  "Anonymous consumer".
*/
package custody

import (
	"context"
	"fmt"

	"github.com/custodia/trace-engine/ledger"
)

// Trace returns the full custody chain for a batch reference, ordered by
// timestamp ascending with ties broken by insertion order.
func (e *Engine) Trace(ctx context.Context, batchReference string) ([]TraceStep, error) {
	batch, err := e.store.GetBatchByReference(ctx, batchReference)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, &ledger.NotFoundError{Entity: "batch", ID: batchReference}
	}

	movements, err := e.store.MovementsByBatch(ctx, batch.ID)
	if err != nil {
		return nil, err
	}

	// Labels are resolved once per distinct party, not once per movement.
	labels := map[string]string{}
	resolve := func(ref ledger.PartyRef) string {
		if label, ok := labels[ref.ID]; ok {
			return label
		}
		label := partyLabel(ctx, e.store, ref)
		labels[ref.ID] = label
		return label
	}

	steps := make([]TraceStep, 0, len(movements))
	for _, m := range movements {
		step := TraceStep{
			Movement:    m,
			SourceLabel: resolve(m.Source),
			DestLabel:   "Anonymous consumer",
		}
		if m.Destination != nil {
			step.DestLabel = resolve(*m.Destination)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// partyLabel resolves a display name, degrading to "Party #id" when the
// party is missing or the lookup fails. A broken registry must not break
// the audit trail.
func partyLabel(ctx context.Context, s Store, ref ledger.PartyRef) string {
	p, err := s.GetParty(ctx, ref.ID)
	if err != nil || p == nil || p.Name == "" {
		return fmt.Sprintf("Party #%s", ref.ID)
	}
	return p.Name
}
