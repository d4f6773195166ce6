package killmails

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"killfeed/internal/jobqueue"
	"killfeed/internal/killmails/models"
)

// PriceOracle resolves a per-type market price for a target date (§4.F
// price_for) and whether a type is a blueprint. Implemented by
// internal/prices.Store; declared here so the value calculator depends on
// the capability, not the package.
type PriceOracle interface {
	PriceFor(ctx context.Context, typeID int64, targetDate time.Time) (float64, error)
	IsBlueprint(ctx context.Context, typeID int64) (bool, error)
}

// blueprintBasePrice is the fixed nominal price assigned to blueprint
// originals; blueprint copies (singleton = 2) divide it by 100 (§3 Price
// entity, §4.I step 2).
const blueprintBasePrice = 0.01

const singletonBlueprintCopy = 2

// ValueCalculator implements §4.I: turns a killmail's item tree into the
// five decimal value fields and writes them back.
type ValueCalculator struct {
	repo   *Repository
	prices PriceOracle
	queue  *jobqueue.Queue
}

func NewValueCalculator(repo *Repository, prices PriceOracle, queue *jobqueue.Queue) *ValueCalculator {
	return &ValueCalculator{repo: repo, prices: prices, queue: queue}
}

// Calculate loads the killmail, prices every referenced type, and writes
// ship/fitted/dropped/destroyed/total value back to the parent row, then
// enqueues the publish job (§4.I step 6).
func (vc *ValueCalculator) Calculate(ctx context.Context, killmailID int64, killTime time.Time) error {
	k, err := vc.repo.Load(ctx, killmailID)
	if err != nil {
		return fmt.Errorf("load killmail %d for valuation: %w", killmailID, err)
	}

	var shipValue float64
	if k.Victim.ShipTypeID != nil {
		shipValue, err = vc.priceAt(ctx, *k.Victim.ShipTypeID, killTime)
		if err != nil {
			return fmt.Errorf("price ship type %d: %w", *k.Victim.ShipTypeID, err)
		}
	}

	var dropped, destroyed float64
	for _, it := range k.Items {
		d, x, err := vc.itemValue(ctx, it, killTime)
		if err != nil {
			return err
		}
		dropped += d
		destroyed += x
	}

	fitted := dropped + destroyed
	total := shipValue + fitted

	if err := vc.repo.UpdateValues(ctx, killmailID, shipValue, fitted, dropped, destroyed, total); err != nil {
		return fmt.Errorf("write back values for killmail %d: %w", killmailID, err)
	}

	if _, err := vc.queue.Dispatch(ctx, QueuePublish, "publish", PublishPayload{KillmailID: killmailID},
		jobqueue.DispatchOptions{DedupKey: fmt.Sprintf("publish:valued:%d", killmailID)}); err != nil {
		return fmt.Errorf("dispatch publish after valuation %d: %w", killmailID, err)
	}
	return nil
}

// ValueCalcHandler is the jobqueue.Handler for the value_calc queue.
func (vc *ValueCalculator) ValueCalcHandler(ctx context.Context, job jobqueue.Job) error {
	var p ValueCalcPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode value calc payload: %w", err)
	}
	return vc.Calculate(ctx, p.KillmailID, p.KillTime)
}

// itemValue recurses into an item's container contents (§4.I step 4): a
// container with children contributes zero of its own value, since the
// value lives entirely in what it holds. A leaf item's unit price is split
// across dropped_value and destroyed_value by its dropped/destroyed flags
// and quantity.
func (vc *ValueCalculator) itemValue(ctx context.Context, it models.Item, killTime time.Time) (dropped, destroyed float64, err error) {
	if len(it.Items) > 0 {
		for _, child := range it.Items {
			d, x, err := vc.itemValue(ctx, child, killTime)
			if err != nil {
				return 0, 0, err
			}
			dropped += d
			destroyed += x
		}
		return dropped, destroyed, nil
	}

	unitPrice, err := vc.unitPrice(ctx, it.ItemTypeID, it.Singleton, killTime)
	if err != nil {
		return 0, 0, fmt.Errorf("price item type %d: %w", it.ItemTypeID, err)
	}

	if it.Dropped {
		dropped = unitPrice * float64(it.Quantity)
	}
	if it.Destroyed {
		destroyed = unitPrice * float64(it.Quantity)
	}
	return dropped, destroyed, nil
}

// priceAt resolves price_for for one type against the killmail's time.
func (vc *ValueCalculator) priceAt(ctx context.Context, typeID int64, killTime time.Time) (float64, error) {
	isBP, err := vc.prices.IsBlueprint(ctx, typeID)
	if err != nil {
		return 0, err
	}
	if isBP {
		return blueprintBasePrice, nil
	}
	return vc.prices.PriceFor(ctx, typeID, killTime)
}

// unitPrice resolves a leaf item's per-unit value, applying the BPC divide
// rule on top of the blueprint/market price (§4.I step 2).
func (vc *ValueCalculator) unitPrice(ctx context.Context, typeID int64, singleton int, killTime time.Time) (float64, error) {
	price, err := vc.priceAt(ctx, typeID, killTime)
	if err != nil {
		return 0, err
	}
	if singleton == singletonBlueprintCopy {
		isBP, err := vc.prices.IsBlueprint(ctx, typeID)
		if err != nil {
			return 0, err
		}
		if isBP {
			return price / 100, nil
		}
	}
	return price, nil
}
