// Package identity decides which category, brand, listing and product group
// every incoming item belongs to.
package identity

import (
	"unicode/utf8"

	"feedcatalog/internal/models"
)

// MatchReason tags how an item was attached to a group.
type MatchReason string

// Reasons in cascade priority order.
const (
	MatchEAN           MatchReason = models.GroupKeyEAN
	MatchMPNBrand      MatchReason = models.GroupKeyMPNBrand
	MatchTitleCategory MatchReason = models.GroupKeyTitleCateg
	MatchNone          MatchReason = "none"
)

const (
	maxKeyValueLen    = 1000
	maxIdentityKeyLen = 500
)

// Record is the part of a normalized item that identity depends on.
type Record struct {
	EAN             *string
	MPN             *string
	BrandKey        string
	NormalizedTitle string
	CategoryPath    string
}

// Key is one identifying value of a record.
type Key struct {
	Reason MatchReason
	Value  string
}

// MatchKeys lists the keys of r in cascade priority order. The
// title+category key is always present for a record with a title.
func MatchKeys(r Record) []Key {
	var keys []Key
	if r.EAN != nil && *r.EAN != "" {
		keys = append(keys, Key{Reason: MatchEAN, Value: *r.EAN})
	}
	if r.MPN != nil && *r.MPN != "" && r.BrandKey != "" {
		keys = append(keys, Key{Reason: MatchMPNBrand, Value: clip(r.BrandKey+"|"+*r.MPN, maxKeyValueLen)})
	}
	if r.NormalizedTitle != "" {
		keys = append(keys, Key{Reason: MatchTitleCategory, Value: clip(r.CategoryPath+"|"+r.NormalizedTitle, maxKeyValueLen)})
	}
	return keys
}

// Lookup returns the group owning a key.
type Lookup func(Key) (groupID uint, ok bool, err error)

// Match is the outcome of the cascade.
type Match struct {
	Reason  MatchReason
	GroupID uint
}

// Cascade tries keys in order and stops at the first one owned by a group.
func Cascade(keys []Key, lookup Lookup) (Match, error) {
	for _, k := range keys {
		id, ok, err := lookup(k)
		if err != nil {
			return Match{}, err
		}
		if ok {
			return Match{Reason: k.Reason, GroupID: id}, nil
		}
	}
	return Match{Reason: MatchNone}, nil
}

// IdentityKey identifies a listing within its shop: EAN first, then MPN
// with brand, then the normalized title.
func IdentityKey(r Record) string {
	switch {
	case r.EAN != nil && *r.EAN != "":
		return "ean:" + *r.EAN
	case r.MPN != nil && *r.MPN != "" && r.BrandKey != "":
		return clip("mpn:"+r.BrandKey+":"+*r.MPN, maxIdentityKeyLen)
	default:
		return clip("title:"+r.NormalizedTitle, maxIdentityKeyLen)
	}
}

// clip cuts s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
