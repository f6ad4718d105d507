package simulation

import (
	"context"
	"fmt"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/engine"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/errorir"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/store"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/timeline"
)

// Restore rebuilds timeline id from its persisted actions over base. The chain
// is verified; a timeline with no records restores empty.
func Restore(ctx context.Context, log store.Log, id string, base engine.Snapshot) (*timeline.Timeline, error) {
	recs, err := log.Read(ctx, store.TimelineStream(id))
	if err != nil {
		return nil, errorir.Persistence(err, "read timeline %s", id)
	}
	actions := make([]timeline.Action, 0, len(recs))
	for _, rec := range recs {
		if rec.Kind != RecordKind {
			continue
		}
		var a timeline.Action
		if err := rec.Decode(&a); err != nil {
			return nil, fmt.Errorf("decode action %s#%d: %w", id, rec.Seq, err)
		}
		actions = append(actions, a)
	}
	return timeline.Load(id, base, actions)
}
