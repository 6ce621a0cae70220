package stops

import (
	"math"

	"github.com/alphapulse/risk-core/internal/config"
	"github.com/alphapulse/risk-core/internal/logger"
	"github.com/alphapulse/risk-core/pkg/types"
)

// Proposal is an advisory stop-loss adjustment. The caller decides whether to
// apply it via a position modify.
type Proposal struct {
	Ticket   int64
	StopLoss float64
	Reason   string
}

// Manager evaluates tracked positions against recent price volatility and
// proposes stop tightening or initial stop assignment
type Manager struct {
	cfg     *config.Config
	windows *Windows
	log     *logger.Logger
}

// NewManager creates a stop manager reading from the given price windows
func NewManager(cfg *config.Config, windows *Windows, log *logger.Logger) *Manager {
	return &Manager{cfg: cfg, windows: windows, log: log}
}

// Windows exposes the underlying price window registry
func (m *Manager) Windows() *Windows { return m.windows }

// Evaluate checks one position against its symbol's recent prices. A nil
// return means no adjustment is warranted.
func (m *Manager) Evaluate(pos *types.Position, prices []float64) *Proposal {
	vol, ok := MeanAbsDiff(prices)
	if !ok || vol <= 0 {
		return nil
	}

	target := vol * m.cfg.Risk.ATRMultiple
	maxDistance := pos.CurrentPrice * m.cfg.Stops.MaxRelDistance
	if target > maxDistance {
		target = maxDistance
	}
	if target <= 0 {
		return nil
	}

	proposed := pos.CurrentPrice - target
	if pos.Side == types.SideShort {
		proposed = pos.CurrentPrice + target
	}

	if pos.StopLoss == 0 {
		return &Proposal{Ticket: pos.Ticket, StopLoss: proposed, Reason: "initial_stop"}
	}

	current := math.Abs(pos.CurrentPrice - pos.StopLoss)
	if current > target*m.cfg.Stops.SlackFactor {
		return &Proposal{Ticket: pos.Ticket, StopLoss: proposed, Reason: "tighten_stop"}
	}
	return nil
}

// EvaluateAll runs Evaluate over every stable SELF-owned position using the
// shared windows. Positions mid round-trip are left alone.
func (m *Manager) EvaluateAll(positions []types.Position) []Proposal {
	var proposals []Proposal
	for i := range positions {
		pos := &positions[i]
		if pos.Owner != types.OwnerSelf || pos.State != types.StateOpen {
			continue
		}
		p := m.Evaluate(pos, m.windows.Window(pos.Symbol).Samples())
		if p != nil {
			m.log.Info("🎯 Stop proposal for #%d %s: %s to %.5f", p.Ticket, pos.Symbol, p.Reason, p.StopLoss)
			proposals = append(proposals, *p)
		}
	}
	return proposals
}
