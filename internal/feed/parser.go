// Package feed decodes shop product feeds into raw item records and fetches
// them over HTTP. It knows nothing about the catalog.
package feed

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/antchfx/xmlquery"
)

// RawItem is one feed entry as the shop wrote it.
type RawItem struct {
	Title         string
	Description   string
	Price         string
	OriginalPrice string
	Currency      string
	Availability  string
	Stock         string
	EAN           string
	MPN           string
	Brand         string
	Category      string
	ImageURL      string
	ProductURL    string
	Specs         map[string]string
}

// fieldAliases lists, per field, the element names shops use for it in
// priority order.
var fieldAliases = []struct {
	names []string
	set   func(*RawItem, string)
}{
	{[]string{"title", "name", "product_name"}, func(r *RawItem, v string) { r.Title = v }},
	{[]string{"description", "desc", "short_description"}, func(r *RawItem, v string) { r.Description = v }},
	{[]string{"price_with_vat", "price", "final_price", "selling_price", "sale_price"}, func(r *RawItem, v string) { r.Price = v }},
	{[]string{"original_price", "list_price"}, func(r *RawItem, v string) { r.OriginalPrice = v }},
	{[]string{"currency"}, func(r *RawItem, v string) { r.Currency = v }},
	{[]string{"instock", "availability", "in_stock", "stock", "available", "status"}, func(r *RawItem, v string) { r.Availability = v }},
	{[]string{"quantity", "stock_quantity", "stock_qty", "qty", "inventory", "stock_level"}, func(r *RawItem, v string) { r.Stock = v }},
	{[]string{"ean", "ean13", "barcode", "gtin"}, func(r *RawItem, v string) { r.EAN = v }},
	{[]string{"mpn", "manufacturer_part_number", "part_number"}, func(r *RawItem, v string) { r.MPN = v }},
	{[]string{"manufacturer", "brand"}, func(r *RawItem, v string) { r.Brand = v }},
	{[]string{"category", "categories", "product_type"}, func(r *RawItem, v string) { r.Category = v }},
	{[]string{"image", "image_url", "main_image", "image_link"}, func(r *RawItem, v string) { r.ImageURL = v }},
	{[]string{"link", "url", "product_url"}, func(r *RawItem, v string) { r.ProductURL = v }},
}

var knownElements = func() map[string]bool {
	m := make(map[string]bool)
	for _, f := range fieldAliases {
		for _, n := range f.names {
			m[n] = true
		}
	}
	return m
}()

// Item element names in detection order: Skroutz-style feeds use <product>,
// RSS and Google Merchant feeds use <item>.
var itemElements = []string{"product", "item"}

// Feed is a validated document ready to be iterated.
type Feed struct {
	raw     []byte
	element string
	count   int
}

// Open validates raw in full before anything is read from it, so a broken
// document fails the run without producing a single item.
func Open(raw []byte) (*Feed, error) {
	if !hasRootElement(raw) {
		return nil, &FormatError{Reason: "no root element"}
	}

	for _, elem := range itemElements {
		n, err := countElements(raw, elem)
		if err != nil {
			return nil, &FormatError{Reason: "not well-formed", Err: err}
		}
		if n > 0 {
			return &Feed{raw: raw, element: elem, count: n}, nil
		}
	}
	// Well-formed but empty: a shop that lists nothing.
	return &Feed{raw: raw, element: itemElements[0]}, nil
}

// Element is the detected item element name.
func (f *Feed) Element() string { return f.element }

// Len is the number of item elements found while validating.
func (f *Feed) Len() int { return f.count }

// Items starts a new pass over the feed from its first byte.
func (f *Feed) Items() *Iterator {
	return &Iterator{feed: f}
}

// Iterator yields the items of one pass. It is not safe for concurrent use.
type Iterator struct {
	feed   *Feed
	parser *xmlquery.StreamParser
	index  int
	done   bool
}

// Next returns the next item, io.EOF after the last one, or an *ItemError
// for an entry that holds no data. Iteration may continue after an
// *ItemError.
func (it *Iterator) Next() (RawItem, error) {
	if it.done {
		return RawItem{}, io.EOF
	}
	if it.parser == nil {
		p, err := xmlquery.CreateStreamParser(bytes.NewReader(it.feed.raw), "//"+it.feed.element)
		if err != nil {
			it.done = true
			return RawItem{}, &FormatError{Reason: "create stream parser", Err: err}
		}
		it.parser = p
	}

	node, err := it.parser.Read()
	if err != nil {
		it.done = true
		if errors.Is(err, io.EOF) {
			return RawItem{}, io.EOF
		}
		return RawItem{}, &FormatError{Reason: "not well-formed", Err: err}
	}

	it.index++
	item, ok := decodeItem(node)
	if !ok {
		return RawItem{}, &ItemError{Index: it.index, Reason: "no readable fields"}
	}
	return item, nil
}

func decodeItem(node *xmlquery.Node) (RawItem, bool) {
	values := make(map[string]string)
	var order []string
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if child.Type != xmlquery.ElementNode {
			continue
		}
		name := strings.ToLower(child.Data)
		if _, seen := values[name]; seen {
			continue
		}
		text := strings.TrimSpace(child.InnerText())
		if text == "" {
			continue
		}
		values[name] = text
		order = append(order, name)
	}
	if len(values) == 0 {
		return RawItem{}, false
	}

	var item RawItem
	for _, f := range fieldAliases {
		for _, n := range f.names {
			if v, ok := values[n]; ok {
				f.set(&item, v)
				break
			}
		}
	}

	for _, name := range order {
		if knownElements[name] {
			continue
		}
		if item.Specs == nil {
			item.Specs = make(map[string]string)
		}
		item.Specs[name] = values[name]
	}
	return item, true
}

func countElements(raw []byte, elem string) (int, error) {
	p, err := xmlquery.CreateStreamParser(bytes.NewReader(raw), "//"+elem)
	if err != nil {
		return 0, err
	}
	n := 0
	for {
		_, err := p.Read()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return 0, err
		}
		n++
	}
}

// hasRootElement reports whether raw contains a start tag outside the prolog.
func hasRootElement(raw []byte) bool {
	for i := bytes.IndexByte(raw, '<'); i >= 0 && i+1 < len(raw); {
		c := raw[i+1]
		if c == '_' || c == ':' || (c|0x20 >= 'a' && c|0x20 <= 'z') || c >= 0x80 {
			return true
		}
		next := bytes.IndexByte(raw[i+1:], '<')
		if next < 0 {
			return false
		}
		i += next + 1
	}
	return false
}
