package domain

import (
	"github.com/shopspring/decimal"
)

// SnapshotVersion is bumped whenever the persisted snapshot shape changes.
const SnapshotVersion = 1

type Attribute struct {
	Value      string          `json:"value"`
	PriceDelta decimal.Decimal `json:"priceDelta"`
}

type CartLine struct {
	LineID             string               `json:"lineId"`
	ProductID          string               `json:"productId"`
	Name               string               `json:"name"`
	UnitPrice          decimal.Decimal      `json:"unitPrice"`
	Quantity           int                  `json:"quantity"`
	ImageRef           string               `json:"imageRef,omitempty"`
	OptionalAttributes map[string]Attribute `json:"optionalAttributes,omitempty"`
}

// EffectiveUnitPrice is the captured base price plus every option delta.
func (l CartLine) EffectiveUnitPrice() decimal.Decimal {
	price := l.UnitPrice
	for _, attr := range l.OptionalAttributes {
		price = price.Add(attr.PriceDelta)
	}
	return price
}

func (l CartLine) Subtotal() decimal.Decimal {
	return l.EffectiveUnitPrice().Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type Totals struct {
	TotalItems int             `json:"totalItems"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
}

func (t Totals) Equal(other Totals) bool {
	return t.TotalItems == other.TotalItems && t.TotalPrice.Equal(other.TotalPrice)
}

// ComputeTotals derives the aggregate from a line list.
func ComputeTotals(lines []CartLine) Totals {
	totals := Totals{TotalPrice: decimal.Zero}
	for _, line := range lines {
		totals.TotalItems += line.Quantity
		totals.TotalPrice = totals.TotalPrice.Add(line.Subtotal())
	}
	return totals
}

type Snapshot struct {
	Version    int             `json:"version"`
	Lines      []CartLine      `json:"lines"`
	TotalItems int             `json:"totalItems"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
}

func (s Snapshot) Totals() Totals {
	return Totals{TotalItems: s.TotalItems, TotalPrice: s.TotalPrice}
}

type AddItemInput struct {
	ProductID          string
	Name               string
	UnitPrice          decimal.Decimal
	Quantity           *int // nil means 1
	ImageRef           string
	OptionalAttributes map[string]Attribute
}
