package grid

import (
	"fmt"
	"sort"

	"gridbot-orchestrator/internal/models"
)

// Ladder is the ordered set of evenly spaced levels a bot trades on.
type Ladder struct {
	levels  []models.Level
	spacing float64
}

// NewLadder builds gridCount levels evenly spaced from lower to upper inclusive.
// Every level starts active with no crossing history.
func NewLadder(lower, upper float64, gridCount int) (*Ladder, error) {
	if lower <= 0 || lower >= upper {
		return nil, fmt.Errorf("%w: lower %.8f upper %.8f", models.ErrInvalidConfig, lower, upper)
	}
	if gridCount < 2 {
		return nil, fmt.Errorf("%w: grid count %d", models.ErrInvalidConfig, gridCount)
	}

	spacing := (upper - lower) / float64(gridCount-1)
	levels := make([]models.Level, gridCount)
	for i := range levels {
		price := lower + float64(i)*spacing
		if i == gridCount-1 {
			price = upper
		}
		levels[i] = models.Level{
			ID:          i,
			Price:       price,
			IsActive:    true,
			LastCrossed: models.CrossNone,
		}
	}
	return &Ladder{levels: levels, spacing: spacing}, nil
}

// Spacing returns the distance between neighbouring levels.
func (l *Ladder) Spacing() float64 { return l.spacing }

// Len returns the number of levels.
func (l *Ladder) Len() int { return len(l.levels) }

// Levels returns a copy of the current level state.
func (l *Ladder) Levels() []models.Level {
	out := make([]models.Level, len(l.levels))
	copy(out, l.levels)
	return out
}

// Level returns a copy of the level at idx.
func (l *Ladder) Level(idx int) models.Level {
	return l.levels[idx]
}

// restore replaces level state with a persisted copy. It is only accepted when
// the persisted ladder has the same shape.
func (l *Ladder) restore(levels []models.Level) bool {
	if len(levels) != len(l.levels) {
		return false
	}
	for i := range levels {
		if levels[i].ID != l.levels[i].ID {
			return false
		}
	}
	for i := range levels {
		price := l.levels[i].Price
		l.levels[i] = levels[i]
		l.levels[i].Price = price
		if l.levels[i].LastCrossed == "" {
			l.levels[i].LastCrossed = models.CrossNone
		}
	}
	return true
}

// Crossing selects the single level that fires for a move from prev to cur.
// Only active levels whose last crossing differs from the move direction are
// candidates; the one nearest to prev in the direction of travel wins.
func (l *Ladder) Crossing(prev, cur float64) (idx int, dir models.CrossDirection, ok bool) {
	if cur == prev {
		return 0, models.CrossNone, false
	}

	up := cur > prev
	dir = models.CrossBelow
	if up {
		dir = models.CrossAbove
	}

	type candidate struct {
		idx      int
		distance float64
	}
	var candidates []candidate
	for i, lv := range l.levels {
		if !lv.IsActive || lv.LastCrossed == dir {
			continue
		}
		var crossed bool
		if up {
			crossed = prev < lv.Price && lv.Price <= cur
		} else {
			crossed = cur <= lv.Price && lv.Price < prev
		}
		if !crossed {
			continue
		}
		dist := lv.Price - prev
		if !up {
			dist = prev - lv.Price
		}
		candidates = append(candidates, candidate{idx: i, distance: dist})
	}
	if len(candidates) == 0 {
		return 0, dir, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].distance < candidates[j].distance
	})
	return candidates[0].idx, dir, true
}

// Consume marks idx as crossed in dir and deactivates it, reactivating every
// other level so the next crossing in either direction can fire.
func (l *Ladder) Consume(idx int, dir models.CrossDirection) {
	for i := range l.levels {
		if i == idx {
			l.levels[i].LastCrossed = dir
			l.levels[i].IsActive = false
			l.levels[i].TradeCount++
			continue
		}
		l.levels[i].IsActive = true
	}
}
