// Package filtermatch implements the relay's own filter-matching
// semantics, independent of the wire library's Filter.Matches, because
// the search sort-directive-stripping rule here is relay policy, not
// wire format.
package filtermatch

import (
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// supportedSortDirectives enumerates the sort: tokens this relay accepts.
// A search query naming anything else must return zero matches.
var supportedSortDirectives = map[string]bool{
	"top":           true,
	"hot":           true,
	"rising":        true,
	"controversial": true,
}

// Matches reports whether evt satisfies every populated field of f.
func Matches(evt *nostr.Event, f nostr.Filter) bool {
	if len(f.IDs) > 0 && !hasPrefix(evt.ID, f.IDs) {
		return false
	}
	if len(f.Authors) > 0 && !hasPrefix(evt.PubKey, f.Authors) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, evt.Kind) {
		return false
	}
	if f.Since != nil && evt.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && evt.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		if !tagMatches(evt, name, values) {
			return false
		}
	}
	if f.Search != "" {
		if !searchMatches(evt, f.Search) {
			return false
		}
	}
	return true
}

func hasPrefix(value string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(value, p) {
			return true
		}
	}
	return false
}

func containsInt(set []int, v int) bool {
	for _, x := range set {
		if x == v {
			return true
		}
	}
	return false
}

func tagMatches(evt *nostr.Event, name string, accepted []string) bool {
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != name {
			continue
		}
		for _, v := range accepted {
			if tag[1] == v {
				return true
			}
		}
	}
	return false
}

// searchMatches implements the baseline §4.5 search rule: a leading
// "sort:<token>" directive is stripped before matching; an unsupported
// directive makes the query match nothing, deterministically.
func searchMatches(evt *nostr.Event, query string) bool {
	directive, rest, ok := splitSortDirective(query)
	if ok && !supportedSortDirectives[directive] {
		return false
	}
	needle := strings.ToLower(strings.TrimSpace(rest))
	if needle == "" {
		return true
	}
	return strings.Contains(strings.ToLower(evt.Content), needle)
}

func splitSortDirective(query string) (directive, rest string, ok bool) {
	query = strings.TrimSpace(query)
	if !strings.HasPrefix(query, "sort:") {
		return "", query, false
	}
	remainder := query[len("sort:"):]
	fields := strings.SplitN(remainder, " ", 2)
	directive = strings.ToLower(strings.TrimSpace(fields[0]))
	if len(fields) == 2 {
		rest = fields[1]
	}
	return directive, rest, true
}

// TagPairs returns the (name, value) pairs formed from the first two
// elements of each of evt's tags, used by the subscription registry to
// compute candidate index keys.
func TagPairs(evt *nostr.Event) [][2]string {
	pairs := make([][2]string, 0, len(evt.Tags))
	for _, tag := range evt.Tags {
		if len(tag) >= 2 {
			pairs = append(pairs, [2]string{tag[0], tag[1]})
		}
	}
	return pairs
}

// FilterIsEmpty reports whether f has no populated constraint fields, in
// which case it matches every event.
func FilterIsEmpty(f nostr.Filter) bool {
	return len(f.IDs) == 0 && len(f.Authors) == 0 && len(f.Kinds) == 0 &&
		f.Since == nil && f.Until == nil && len(f.Tags) == 0 && f.Search == ""
}

// EffectiveLimit resolves a filter's historical result cap: an explicit
// zero (LimitZero) means "real-time only, emit nothing"; an absent limit
// falls back to def; anything else is capped at max.
func EffectiveLimit(f nostr.Filter, def, max int) int {
	if f.LimitZero {
		return 0
	}
	if f.Limit <= 0 {
		return def
	}
	if f.Limit > max {
		return max
	}
	return f.Limit
}
