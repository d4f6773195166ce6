package entities

import (
	"context"
	"encoding/json"
	"fmt"

	"killfeed/internal/jobqueue"
)

// RefreshPayload mirrors killmails.EntityRefreshPayload; duplicated here to
// avoid an import cycle, decoded independently by the entity_refresh queue
// handler.
type RefreshPayload struct {
	EntityID   int64  `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
}

// RefreshHandler is the jobqueue.Handler for the entity_refresh queue
// (§4.D step 2 dispatch target for component E).
func (s *Store) RefreshHandler(ctx context.Context, job jobqueue.Job) error {
	var p RefreshPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode entity refresh payload: %w", err)
	}

	var err error
	switch p.EntityKind {
	case "character":
		_, err = s.GetCharacter(ctx, p.EntityID)
	case "corporation":
		_, err = s.GetCorporation(ctx, p.EntityID)
	case "alliance":
		_, err = s.GetAlliance(ctx, p.EntityID)
	case "type":
		_, err = s.GetType(ctx, p.EntityID)
	default:
		return fmt.Errorf("unknown entity kind %q: %w", p.EntityKind, jobqueue.ErrPermanent)
	}
	if err != nil {
		return fmt.Errorf("refresh %s %d: %w", p.EntityKind, p.EntityID, err)
	}
	return nil
}
