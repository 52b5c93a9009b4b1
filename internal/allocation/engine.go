// Package allocation computes a minimal-supplier fulfillment plan for a
// shopping list from a batch of supplier quotes.
//
// The strategy is greedy most-coverage-first: each round picks the supplier
// covering the most still-needed items, breaking ties by lower subtotal and
// then by lexicographic supplier name. A supplier is used at most once per
// negotiation round. This minimizes distinct suppliers per plan rather than
// total cost; a cheaper cross-supplier combination may exist.
package allocation

import (
	"sort"
	"strings"
)

// Assignment is one supplier's share of a plan.
type Assignment struct {
	Items    map[string]float64 // item -> unit price
	Subtotal float64
}

// ItemList returns the assigned items in lexicographic order.
func (a Assignment) ItemList() []string {
	items := make([]string, 0, len(a.Items))
	for item := range a.Items {
		items = append(items, item)
	}
	sort.Strings(items)
	return items
}

// Plan maps suppliers to their assigned item subsets. Every requested item
// appears either in exactly one assignment or in Unfulfilled.
type Plan struct {
	Assignments map[string]Assignment
	Selected    []string // suppliers in selection order
	ItemPrices  map[string]float64
	Unfulfilled []string // sorted
	Fulfilled   bool
	Total       float64 // assigned item sum plus service fee
}

// Allocate runs the greedy engine over the requested items and the offers
// collected in one negotiation round. Requested items are trimmed and
// de-duplicated; offers map supplier name to item->price. The plan is always
// rebuilt from scratch, never patched from an earlier round.
func Allocate(requested []string, offers map[string]map[string]float64, serviceFee float64) *Plan {
	remaining := make(map[string]struct{})
	for _, raw := range requested {
		if item := strings.TrimSpace(raw); item != "" {
			remaining[item] = struct{}{}
		}
	}

	eligible := make(map[string]map[string]float64, len(offers))
	for supplier, items := range offers {
		eligible[supplier] = items
	}

	plan := &Plan{
		Assignments: make(map[string]Assignment),
		ItemPrices:  make(map[string]float64),
	}

	for len(remaining) > 0 && len(eligible) > 0 {
		supplier, assignment := bestSupplier(remaining, eligible)
		if supplier == "" {
			break // nobody covers anything still needed
		}

		plan.Assignments[supplier] = assignment
		plan.Selected = append(plan.Selected, supplier)
		for item, price := range assignment.Items {
			plan.ItemPrices[item] = price
			delete(remaining, item)
		}
		delete(eligible, supplier)
	}

	for item := range remaining {
		plan.Unfulfilled = append(plan.Unfulfilled, item)
	}
	sort.Strings(plan.Unfulfilled)
	plan.Fulfilled = len(plan.Unfulfilled) == 0

	for _, price := range plan.ItemPrices {
		plan.Total += price
	}
	plan.Total += serviceFee

	return plan
}

// bestSupplier evaluates every eligible supplier against the remaining items
// and returns the winner with its covered assignment. Suppliers are scanned
// in sorted name order so equal coverage and subtotal resolve to the
// lexicographically smallest name.
func bestSupplier(remaining map[string]struct{}, eligible map[string]map[string]float64) (string, Assignment) {
	names := make([]string, 0, len(eligible))
	for supplier := range eligible {
		names = append(names, supplier)
	}
	sort.Strings(names)

	var (
		bestName string
		best     Assignment
	)
	for _, supplier := range names {
		covered := make(map[string]float64)
		var subtotal float64
		for item := range remaining {
			if price, ok := eligible[supplier][item]; ok {
				covered[item] = price
				subtotal += price
			}
		}
		if len(covered) == 0 {
			continue
		}
		if len(covered) > len(best.Items) ||
			(len(covered) == len(best.Items) && subtotal < best.Subtotal) {
			bestName = supplier
			best = Assignment{Items: covered, Subtotal: subtotal}
		}
	}
	return bestName, best
}
