package browserctl

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/snapetech/tunergw/internal/channel"
)

// stopList is the common-network stop-list for priority (d): the first word
// of a display name is only tried as a match if it is not one of these.
var stopList = map[string]bool{
	"the": true, "fox": true, "nbc": true, "cbs": true, "abc": true,
	"cnn": true, "hbo": true, "tbs": true, "tnt": true, "usa": true,
	"amc": true, "bet": true,
}

// MatchPriority identifies which of the four tuning-algorithm strategies
// produced a hit, for logging/testing.
type MatchPriority int

const (
	PriorityMatchTerm MatchPriority = iota + 1
	PriorityNumber
	PriorityDisplayName
	PriorityFirstWord
)

// Match is a located guide entry element plus which strategy found it.
type Match struct {
	Node     *html.Node
	Priority MatchPriority
}

// ParseDocument parses a serialized DOM (live page or static fixture) into a
// tree FindChannelMatch can search.
func ParseDocument(rawHTML string) (*html.Node, error) {
	return html.Parse(strings.NewReader(rawHTML))
}

// guideEntries returns every element marked as a guide entry, in document
// order: an element with a "data-guide-entry" attribute, or a class token
// "guide-entry".
func guideEntries(doc *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && isGuideEntry(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

func isGuideEntry(n *html.Node) bool {
	for _, a := range n.Attr {
		if a.Key == "data-guide-entry" {
			return true
		}
		if a.Key == "class" {
			for _, tok := range strings.Fields(a.Val) {
				if tok == "guide-entry" {
					return true
				}
			}
		}
	}
	return false
}

// accessibleName approximates the accessible-name computation: an explicit
// aria-label wins, otherwise the element's collapsed text content.
func accessibleName(n *html.Node) string {
	for _, a := range n.Attr {
		if a.Key == "aria-label" && strings.TrimSpace(a.Val) != "" {
			return collapseSpace(a.Val)
		}
	}
	return collapseSpace(textContent(n))
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

var wsRe = regexp.MustCompile(`\s+`)

func collapseSpace(s string) string {
	return strings.TrimSpace(wsRe.ReplaceAllString(s, " "))
}

// FindChannelMatch applies the §4.4 tuning algorithm's priority (a)-(d)
// strategies against guide entries parsed from doc, returning the
// first-in-document-order hit at the highest-priority strategy that
// produces any hit at all.
func FindChannelMatch(doc *html.Node, ch channel.Channel) (*Match, bool) {
	entries := guideEntries(doc)

	// (a) each match_term as a case-insensitive substring of the accessible name.
	for _, term := range ch.MatchTerms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		for _, n := range entries {
			if strings.Contains(strings.ToLower(accessibleName(n)), term) {
				return &Match{Node: n, Priority: PriorityMatchTerm}, true
			}
		}
	}

	// (b) channel number surrounded by word boundaries: zero-padded form first,
	// then raw form only if the number is 3+ digits or >= 100.
	if ch.Number != "" {
		if n, ok := findByNumber(entries, ch.Number); ok {
			return &Match{Node: n, Priority: PriorityNumber}, true
		}
	}

	// (c) display name as a suffix or whole word.
	if ch.DisplayName != "" {
		name := strings.ToLower(strings.TrimSpace(ch.DisplayName))
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\b`)
		for _, n := range entries {
			an := strings.ToLower(accessibleName(n))
			if strings.HasSuffix(an, name) || re.MatchString(an) {
				return &Match{Node: n, Priority: PriorityDisplayName}, true
			}
		}
	}

	// (d) first word, only if length >= 3 and not a common-network stop word.
	words := strings.Fields(ch.DisplayName)
	if len(words) > 0 {
		first := strings.ToLower(words[0])
		if len(first) >= 3 && !stopList[first] {
			re := regexp.MustCompile(`\b` + regexp.QuoteMeta(first) + `\b`)
			for _, n := range entries {
				if re.MatchString(strings.ToLower(accessibleName(n))) {
					return &Match{Node: n, Priority: PriorityFirstWord}, true
				}
			}
		}
	}

	return nil, false
}

func findByNumber(entries []*html.Node, number string) (*html.Node, bool) {
	padded := number
	raw := strings.TrimLeft(number, "0")
	if raw == "" {
		raw = "0"
	}
	n, err := strconv.Atoi(raw)
	rawEligible := err == nil && (len(raw) >= 3 || n >= 100)

	paddedRe := regexp.MustCompile(`\b` + regexp.QuoteMeta(padded) + `\b`)
	for _, el := range entries {
		if paddedRe.MatchString(accessibleName(el)) {
			return el, true
		}
	}
	if rawEligible && raw != padded {
		rawRe := regexp.MustCompile(`\b` + regexp.QuoteMeta(raw) + `\b`)
		for _, el := range entries {
			if rawRe.MatchString(accessibleName(el)) {
				return el, true
			}
		}
	}
	return nil, false
}

// NoAiringsNotice reports whether the page currently shows a "no upcoming
// airings" notice, by substring scan of visible text.
func NoAiringsNotice(doc *html.Node) bool {
	return strings.Contains(strings.ToLower(textContent(doc)), "no upcoming airings")
}

// playWords is tried in order by FindPlayControl.
var playWords = []string{"play", "watch", "tune"}

// FindPlayControl locates a play control by trying, in order: accessible
// name containing a play word; an SVG play glyph inside a clickable
// ancestor; a row labelled "On Now"; the first clickable element whose text
// matches H:MM or HH:MM; a legacy inline-style marker. The time-pattern step
// scans every clickable element in document order; it is not limited to
// program rows inside a dialog.
func FindPlayControl(doc *html.Node) (*html.Node, bool) {
	var clickable []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && isClickable(n) {
			clickable = append(clickable, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	for _, word := range playWords {
		for _, n := range clickable {
			if strings.Contains(strings.ToLower(accessibleName(n)), word) {
				return n, true
			}
		}
	}
	for _, n := range clickable {
		if containsSVGPlayGlyph(n) {
			return n, true
		}
	}
	for _, n := range clickable {
		if strings.Contains(strings.ToLower(accessibleName(n)), "on now") {
			return n, true
		}
	}
	timeRe := regexp.MustCompile(`\b\d{1,2}:\d{2}\b`)
	for _, n := range clickable {
		if timeRe.MatchString(accessibleName(n)) {
			return n, true
		}
	}
	for _, n := range clickable {
		if hasLegacyPlayMarker(n) {
			return n, true
		}
	}
	return nil, false
}

func isClickable(n *html.Node) bool {
	switch n.Data {
	case "button", "a":
		return true
	}
	for _, a := range n.Attr {
		if a.Key == "onclick" || a.Key == "role" && a.Val == "button" {
			return true
		}
	}
	return false
}

func containsSVGPlayGlyph(n *html.Node) bool {
	var found bool
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "svg" {
			for _, a := range n.Attr {
				if a.Key == "data-icon" && strings.Contains(strings.ToLower(a.Val), "play") {
					found = true
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return found
}

func hasLegacyPlayMarker(n *html.Node) bool {
	for _, a := range n.Attr {
		if a.Key == "style" && strings.Contains(strings.ReplaceAll(a.Val, " ", ""), "cursor:pointer") {
			return true
		}
	}
	return false
}

// String renders the priority for logging.
func (p MatchPriority) String() string {
	switch p {
	case PriorityMatchTerm:
		return "match_term"
	case PriorityNumber:
		return "number"
	case PriorityDisplayName:
		return "display_name"
	case PriorityFirstWord:
		return "first_word"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}
