package position

import (
	"fmt"
	"time"

	"github.com/alphapulse/risk-core/pkg/types"
)

// Reconcile aligns the registry with the venue's authoritative position list.
// Venue truth wins: tracked positions get their prices and stop levels
// refreshed, positions the venue no longer reports are closed out locally with
// a synthesized outcome, and venue positions this agent never opened are
// adopted as EXTERNAL and surfaced without being acted on. Running reconcile
// twice against the same snapshot is a no-op the second time.
func (e *Engine) Reconcile(venuePositions []types.Position) types.ReconciliationReport {
	report := types.ReconciliationReport{Timestamp: time.Now()}

	byTicket := make(map[int64]*types.Position, len(venuePositions))
	for i := range venuePositions {
		byTicket[venuePositions[i].Ticket] = &venuePositions[i]
	}

	e.mu.Lock()

	// Refresh tracked positions from venue truth and find the ones that
	// vanished between cycles.
	var vanished []*types.Position
	for ticket, pos := range e.registry {
		vp, ok := byTicket[ticket]
		if !ok {
			if pos.State == types.StatePendingOpen || pos.State == types.StatePendingClose || pos.State == types.StatePendingModify {
				// In-flight round-trip, judged on the next cycle
				continue
			}
			vanished = append(vanished, pos)
			continue
		}
		report.PositionsChecked++
		pos.CurrentPrice = vp.CurrentPrice
		pos.UnrealizedPnL = vp.UnrealizedPnL
		if vp.StopLoss != pos.StopLoss || vp.TakeProfit != pos.TakeProfit {
			report.DesyncWarnings = append(report.DesyncWarnings,
				fmt.Sprintf("ticket %d: stop levels corrected from venue (sl %.5f -> %.5f, tp %.5f -> %.5f)",
					ticket, pos.StopLoss, vp.StopLoss, pos.TakeProfit, vp.TakeProfit))
			pos.StopLoss = vp.StopLoss
			pos.TakeProfit = vp.TakeProfit
		}
	}

	// Adopt venue positions we are not tracking. Our own tag on an untracked
	// position means an order whose confirmation was lost; anything else is
	// genuinely external. Neither is ever auto-closed.
	var adoptedList []types.Position
	for i := range venuePositions {
		vp := venuePositions[i]
		if _, tracked := e.registry[vp.Ticket]; tracked {
			continue
		}
		adopted := vp
		adopted.State = types.StateOpen
		if adopted.Owner != types.OwnerSelf {
			adopted.Owner = types.OwnerExternal
		}
		e.registry[adopted.Ticket] = &adopted
		adoptedList = append(adoptedList, adopted)
		if adopted.Owner == types.OwnerExternal {
			report.ExternalFound = append(report.ExternalFound, adopted)
		} else {
			report.DesyncWarnings = append(report.DesyncWarnings,
				fmt.Sprintf("ticket %d: own position recovered from venue, confirmation was lost", adopted.Ticket))
		}
	}

	// Tracked tickets the venue no longer reports were closed outside the
	// loop: manual intervention or a stop-out between cycles.
	var outcomes []types.TradeOutcome
	for _, pos := range vanished {
		delete(e.registry, pos.Ticket)
		if pos.Owner == types.OwnerExternal {
			// Not ours, nothing to account for
			continue
		}
		outcome := buildOutcome(pos, pos.CurrentPrice, report.Timestamp, "closed_outside")
		outcomes = append(outcomes, outcome)
		report.ClosedOutside = append(report.ClosedOutside, outcome)
		report.DesyncWarnings = append(report.DesyncWarnings,
			fmt.Sprintf("ticket %d: missing from venue snapshot, outcome synthesized at last known price %.5f",
				pos.Ticket, pos.CurrentPrice))
	}
	e.mu.Unlock()

	for i := range adoptedList {
		e.persistSave(&adoptedList[i])
	}
	for i := range outcomes {
		e.dropTicketLock(outcomes[i].Ticket)
		e.emitOutcome(outcomes[i])
		e.log.LogDesync(outcomes[i].Ticket, "closed outside the polling loop, best-effort outcome recorded")
	}
	for _, ext := range report.ExternalFound {
		e.log.Warning("👀 External position found: #%d %s %s vol=%.4f", ext.Ticket, ext.Side, ext.Symbol, ext.Volume)
	}

	return report
}
