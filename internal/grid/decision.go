package grid

import "gridbot-orchestrator/internal/models"

// Action is what a crossing asks the engine to do.
type Action string

const (
	ActionNone  Action = "none"
	ActionOpen  Action = "open"
	ActionClose Action = "close"
)

// Decision is the outcome of the eligibility rules for one crossing.
type Decision struct {
	Action   Action
	Side     models.Side // side of the order to place
	CloseIdx int         // index into the position list when Action is ActionClose
}

// Decide applies the mode rules to a crossing. Closes pick the oldest
// position of the matching side.
//
//	long:    below -> open buy under the cap, above -> close a buy
//	short:   above -> open sell under the cap, below -> close a sell
//	neutral: below -> close a sell if any, else open buy under the cap (mirror for above)
func Decide(mode models.GridMode, dir models.CrossDirection, positions []models.Position, maxPositions int) Decision {
	if maxPositions <= 0 {
		maxPositions = 1
	}
	none := Decision{Action: ActionNone}

	switch mode {
	case models.ModeLong:
		switch dir {
		case models.CrossBelow:
			if countSide(positions, models.Buy) < maxPositions {
				return Decision{Action: ActionOpen, Side: models.Buy}
			}
		case models.CrossAbove:
			if idx := oldest(positions, models.Buy); idx >= 0 {
				return Decision{Action: ActionClose, Side: models.Sell, CloseIdx: idx}
			}
		}
	case models.ModeShort:
		switch dir {
		case models.CrossAbove:
			if countSide(positions, models.Sell) < maxPositions {
				return Decision{Action: ActionOpen, Side: models.Sell}
			}
		case models.CrossBelow:
			if idx := oldest(positions, models.Sell); idx >= 0 {
				return Decision{Action: ActionClose, Side: models.Buy, CloseIdx: idx}
			}
		}
	case models.ModeNeutral:
		open, closing := models.Buy, models.Sell
		if dir == models.CrossAbove {
			open, closing = models.Sell, models.Buy
		} else if dir != models.CrossBelow {
			return none
		}
		if idx := oldest(positions, closing); idx >= 0 {
			return Decision{Action: ActionClose, Side: closing.Opposite(), CloseIdx: idx}
		}
		if len(positions) < maxPositions {
			return Decision{Action: ActionOpen, Side: open}
		}
	}
	return none
}

func countSide(positions []models.Position, side models.Side) int {
	n := 0
	for _, p := range positions {
		if p.Side == side {
			n++
		}
	}
	return n
}

// oldest returns the index of the earliest opened position on side, or -1.
func oldest(positions []models.Position, side models.Side) int {
	for i, p := range positions {
		if p.Side == side {
			return i
		}
	}
	return -1
}

// RealizedPnl computes the profit of closing pos at exit.
func RealizedPnl(pos models.Position, exit, contractValue float64) float64 {
	if contractValue <= 0 {
		contractValue = 1
	}
	if pos.Side == models.Buy {
		return (exit - pos.EntryPrice) * pos.Quantity * contractValue
	}
	return (pos.EntryPrice - exit) * pos.Quantity * contractValue
}
