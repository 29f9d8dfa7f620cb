package game

import "github.com/google/btree"

type limitEntry struct {
	value int64
	seq   int64
	id    string
}

func limitLess(a, b limitEntry) bool {
	if a.value != b.value {
		return a.value < b.value
	}
	return a.seq < b.seq
}

// limitBook indexes a company's resting limit orders by value so a price
// move only visits the orders inside the crossed range.
type limitBook struct {
	sells *btree.BTreeG[limitEntry]
	buys  *btree.BTreeG[limitEntry]
}

func newLimitBook(orders []PlayerOrder) *limitBook {
	b := &limitBook{
		sells: btree.NewG(16, limitLess),
		buys:  btree.NewG(16, limitLess),
	}
	for _, o := range orders {
		lo, ok := o.Spec.(LimitOrder)
		if !ok || o.Status != OrderOpen {
			continue
		}
		e := limitEntry{value: lo.Value, seq: o.Seq, id: o.ID}
		if lo.IsSell {
			b.sells.ReplaceOrInsert(e)
		} else {
			b.buys.ReplaceOrInsert(e)
		}
	}
	return b
}

// crossed returns the ids of orders whose limit the move prev -> cur crossed,
// lowest value first. A sell fires when prev < value <= cur, a buy when
// cur <= value < prev.
func (b *limitBook) crossed(prev, cur int64) []string {
	var ids []string
	collect := func(e limitEntry) bool {
		ids = append(ids, e.id)
		return true
	}
	switch {
	case cur > prev:
		b.sells.AscendRange(limitEntry{value: prev + 1}, limitEntry{value: cur + 1}, collect)
	case cur < prev:
		b.buys.AscendRange(limitEntry{value: cur}, limitEntry{value: prev}, collect)
	}
	return ids
}

func (b *limitBook) Len() int { return b.sells.Len() + b.buys.Len() }
