package protocol

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Proposal status values on the wire.
const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

// Well-known plain bodies.
const (
	BodyNoItemsAvailable = "no-items-available"
	BodyItemsReady       = "items-ready"
	BodyOrderDelivered   = "ORDER-DELIVERED"
)

// BodyProposalNone is the fixed proposal body a broker sends when it finds no
// suppliers at all. Emitted verbatim, bypassing the price formatter.
const BodyProposalNone = "FAILURE|0||"

const paymentPrefix = "PAYMENT:"

var (
	// ErrEmptyList reports a shopping list or item list with no usable entries.
	ErrEmptyList = errors.New("protocol: empty item list")
	// ErrMalformed reports a body that does not match its expected grammar.
	ErrMalformed = errors.New("protocol: malformed body")
)

// Quote is a supplier's priced subset response to an inquiry.
type Quote struct {
	Supplier string
	Items    map[string]float64
}

// Subtotal returns the sum of all quoted prices.
func (q Quote) Subtotal() float64 {
	var total float64
	for _, price := range q.Items {
		total += price
	}
	return total
}

// Proposal is a broker's offer to a requester.
type Proposal struct {
	Status      string
	Total       float64
	Items       map[string]float64
	Unavailable []string
}

// Fulfilled reports whether the proposal covers the whole order.
func (p Proposal) Fulfilled() bool {
	return p.Status == StatusSuccess
}

// FormatPrice renders a price the way the wire format expects: minimal
// decimal form, with integral values carrying a trailing ".0" (5 -> "5.0",
// 12.5 -> "12.5").
func FormatPrice(price float64) string {
	s := strconv.FormatFloat(price, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// ParsePrice parses a decimal price with "." separator.
func ParsePrice(s string) (float64, error) {
	price, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad price %q", ErrMalformed, s)
	}
	return price, nil
}

// FormatItemList encodes a list of item identifiers as a comma-separated body.
// Used for shopping lists and broker->supplier accept bodies.
func FormatItemList(items []string) string {
	return strings.Join(items, ",")
}

// ParseItemList decodes a comma-separated item list, trimming each entry and
// discarding empties. An entirely empty list is malformed.
func ParseItemList(body string) ([]string, error) {
	var items []string
	for _, raw := range strings.Split(body, ",") {
		item := strings.TrimSpace(raw)
		if item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return nil, ErrEmptyList
	}
	return items, nil
}

// FormatQuote encodes a quote body: <count>|<subtotal>|item1:price1,...
// Items are emitted in lexicographic order so the body is deterministic.
func FormatQuote(q Quote) string {
	names := make([]string, 0, len(q.Items))
	for item := range q.Items {
		names = append(names, item)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(strconv.Itoa(len(names)))
	b.WriteByte('|')
	b.WriteString(FormatPrice(q.Subtotal()))
	b.WriteByte('|')
	for i, item := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(item)
		b.WriteByte(':')
		b.WriteString(FormatPrice(q.Items[item]))
	}
	return b.String()
}

// ParseQuote decodes a quote-propose body.
func ParseQuote(supplier, body string) (Quote, error) {
	parts := strings.SplitN(body, "|", 3)
	if len(parts) != 3 {
		return Quote{}, fmt.Errorf("%w: quote needs 3 segments, got %d", ErrMalformed, len(parts))
	}
	if _, err := strconv.Atoi(strings.TrimSpace(parts[0])); err != nil {
		return Quote{}, fmt.Errorf("%w: bad item count %q", ErrMalformed, parts[0])
	}
	if _, err := ParsePrice(parts[1]); err != nil {
		return Quote{}, err
	}
	items, err := parseItemPrices(parts[2])
	if err != nil {
		return Quote{}, err
	}
	if len(items) == 0 {
		return Quote{}, fmt.Errorf("%w: quote with no items", ErrMalformed)
	}
	return Quote{Supplier: supplier, Items: items}, nil
}

// FormatProposal encodes a broker proposal body:
// <STATUS>|<total>|item1:price1,...|unavail1,unavail2,...
// Empty item and unavailable segments are legal (e.g. "SUCCESS|12.5||").
func FormatProposal(p Proposal) string {
	names := make([]string, 0, len(p.Items))
	for item := range p.Items {
		names = append(names, item)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(p.Status)
	b.WriteByte('|')
	b.WriteString(FormatPrice(p.Total))
	b.WriteByte('|')
	for i, item := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(item)
		b.WriteByte(':')
		b.WriteString(FormatPrice(p.Items[item]))
	}
	b.WriteByte('|')
	unavail := append([]string(nil), p.Unavailable...)
	sort.Strings(unavail)
	b.WriteString(strings.Join(unavail, ","))
	return b.String()
}

// ParseProposal decodes a broker-proposal body.
func ParseProposal(body string) (Proposal, error) {
	parts := strings.SplitN(body, "|", 4)
	if len(parts) < 2 {
		return Proposal{}, fmt.Errorf("%w: proposal needs at least status and total", ErrMalformed)
	}

	p := Proposal{Status: parts[0], Items: map[string]float64{}}
	if p.Status != StatusSuccess && p.Status != StatusFailure {
		return Proposal{}, fmt.Errorf("%w: unknown status %q", ErrMalformed, p.Status)
	}

	if parts[1] != "" {
		total, err := ParsePrice(parts[1])
		if err != nil {
			return Proposal{}, err
		}
		p.Total = total
	}

	if len(parts) > 2 && parts[2] != "" {
		items, err := parseItemPrices(parts[2])
		if err != nil {
			return Proposal{}, err
		}
		p.Items = items
	}

	if len(parts) > 3 && parts[3] != "" {
		unavail, err := ParseItemList(parts[3])
		if err != nil {
			return Proposal{}, err
		}
		p.Unavailable = unavail
	}

	return p, nil
}

// FormatPayment encodes a requester->broker payment body.
func FormatPayment(amount float64) string {
	return paymentPrefix + FormatPrice(amount)
}

// ParsePayment decodes a "PAYMENT:<amount>" body.
func ParsePayment(body string) (float64, error) {
	if !strings.HasPrefix(body, paymentPrefix) {
		return 0, fmt.Errorf("%w: payment body %q", ErrMalformed, body)
	}
	return ParsePrice(strings.TrimPrefix(body, paymentPrefix))
}

func parseItemPrices(segment string) (map[string]float64, error) {
	items := map[string]float64{}
	for _, pair := range strings.Split(segment, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("%w: item entry %q", ErrMalformed, pair)
		}
		item := strings.TrimSpace(kv[0])
		if item == "" {
			return nil, fmt.Errorf("%w: item entry %q", ErrMalformed, pair)
		}
		price, err := ParsePrice(kv[1])
		if err != nil {
			return nil, err
		}
		items[item] = price
	}
	return items, nil
}
