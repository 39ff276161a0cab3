package search

import (
	"cmp"
	"slices"

	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/property"
)

// Order is the sequencing of a search result.
type Order string

const (
	// OrderAny returns results in creation order, oldest first.
	OrderAny                Order = "ANY"
	OrderGUID               Order = "GUID"
	OrderCreationRecent     Order = "CREATION_DATE_RECENT"
	OrderCreationOldest     Order = "CREATION_DATE_OLDEST"
	OrderLastUpdateRecent   Order = "LAST_UPDATE_RECENT"
	OrderLastUpdateOldest   Order = "LAST_UPDATE_OLDEST"
	OrderPropertyAscending  Order = "PROPERTY_ASCENDING"
	OrderPropertyDescending Order = "PROPERTY_DESCENDING"
)

// Orders lists every order in documentation order.
var Orders = []Order{
	OrderAny, OrderGUID, OrderCreationRecent, OrderCreationOldest,
	OrderLastUpdateRecent, OrderLastUpdateOldest, OrderPropertyAscending, OrderPropertyDescending,
}

// IsValid reports whether o is known; empty means OrderAny.
func (o Order) IsValid() bool {
	return o == "" || slices.Contains(Orders, o)
}

func (o Order) byProperty() bool {
	return o == OrderPropertyAscending || o == OrderPropertyDescending
}

// effectiveOrder resolves the empty order and the sequencing property shorthand.
func (w Window) effectiveOrder() Order {
	switch {
	case w.Order != "" && w.Order != OrderAny:
		return w.Order
	case w.SequencingProperty != "":
		return OrderPropertyAscending
	}
	return OrderAny
}

type sortKey struct {
	header graph.InstanceHeader
	props  property.Properties
}

// sortInstances orders items by the window's order. Every order ends in a
// GUID comparison so equal keys never reorder between calls.
func sortInstances[T any](items []T, key func(T) sortKey, w Window) {
	order := w.effectiveOrder()
	slices.SortStableFunc(items, func(x, y T) int {
		a, b := key(x), key(y)
		var c int
		switch order {
		case OrderCreationRecent:
			c = b.header.CreateTime.Compare(a.header.CreateTime)
		case OrderLastUpdateRecent:
			c = b.header.VersionTime().Compare(a.header.VersionTime())
		case OrderLastUpdateOldest:
			c = a.header.VersionTime().Compare(b.header.VersionTime())
		case OrderPropertyAscending:
			c = graph.CompareSequencing(a.header, b.header, a.props, b.props, w.SequencingProperty, graph.Ascending)
		case OrderPropertyDescending:
			c = graph.CompareSequencing(a.header, b.header, a.props, b.props, w.SequencingProperty, graph.Descending)
		case OrderGUID:
		default:
			c = a.header.CreateTime.Compare(b.header.CreateTime)
		}
		if c != 0 {
			return c
		}
		return cmp.Compare(a.header.GUID, b.header.GUID)
	})
}
