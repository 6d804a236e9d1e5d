package answer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ContextDoc is one retrieved document as the LLM sees it, in LLM-visible
// order. Link may be empty.
type ContextDoc struct {
	DocumentID string
	Link       string
	Title      string
	Content    string
}

const (
	// Repeats of the same citation are suppressed until this many
	// non-citation characters have streamed.
	recentClearRun = 5
	// A bracket run longer than this is not a citation; stop holding.
	maxHoldback = 256
)

var (
	doubleCitation  = regexp.MustCompile(`^\[\[(\d+(?:\s*,\s*\d+)*)\]\]`)
	singleCitation  = regexp.MustCompile(`^\[(\d+(?:\s*,\s*\d+)*)\]`)
	partialCitation = regexp.MustCompile(`^\[{1,2}[\d\s,]*\]?$`)
	partialLink     = regexp.MustCompile(`^\[[^\]]*$`)
)

// CitationProcessor is a stateful token transformer. It rewrites [n] and
// [n,m] citations into [[displayed]](link) markdown, emits one
// CitationInfo per first-cited document, suppresses immediate repeats,
// leaves code fences untouched, and holds back ambiguous tails so a
// citation or markdown link is never split across output chunks.
type CitationProcessor struct {
	docs []ContextDoc

	// displayOrder maps the LLM-visible index to the rank the user sees.
	// Nil means identity.
	displayOrder []int

	pending   string
	inCode    bool
	recent    map[int]bool
	announced map[int]bool
	run       int
}

func NewCitationProcessor(docs []ContextDoc, displayOrder []int) *CitationProcessor {
	return &CitationProcessor{
		docs:         docs,
		displayOrder: displayOrder,
		recent:       map[int]bool{},
		announced:    map[int]bool{},
	}
}

// ExtendDocs appends newly retrieved documents so later citations can
// reference them. Existing indexes keep their announce state.
func (p *CitationProcessor) ExtendDocs(docs []ContextDoc) {
	p.docs = append(p.docs, docs...)
}

// Process consumes one streamed token and returns the text safe to emit
// now plus any first-time citation events.
func (p *CitationProcessor) Process(token string) (string, []CitationInfo) {
	p.pending += token
	return p.drain(false)
}

// Flush releases everything still held back. Complete citations at the
// end of the stream are still rewritten; disproven partials pass through.
func (p *CitationProcessor) Flush() (string, []CitationInfo) {
	return p.drain(true)
}

func (p *CitationProcessor) drain(final bool) (string, []CitationInfo) {
	var out strings.Builder
	var events []CitationInfo

	for p.pending != "" {
		if p.inCode {
			if !p.drainCode(&out, final) {
				break
			}
			continue
		}

		fence := strings.Index(p.pending, "```")
		bracket := strings.IndexByte(p.pending, '[')

		if fence == -1 && bracket == -1 {
			keep := 0
			if !final {
				keep = trailingBackticks(p.pending)
			}
			p.emitPlain(&out, p.pending[:len(p.pending)-keep])
			p.pending = p.pending[len(p.pending)-keep:]
			break
		}
		if fence != -1 && (bracket == -1 || fence < bracket) {
			p.emitPlain(&out, p.pending[:fence+3])
			p.inCode = true
			p.pending = p.pending[fence+3:]
			continue
		}

		p.emitPlain(&out, p.pending[:bracket])
		p.pending = p.pending[bracket:]
		if !p.handleBracket(&out, &events, final) {
			break
		}
	}
	return out.String(), events
}

// drainCode emits code-fence content verbatim up to the closing fence.
// Returns false when the caller should stop draining.
func (p *CitationProcessor) drainCode(out *strings.Builder, final bool) bool {
	idx := strings.Index(p.pending, "```")
	if idx >= 0 {
		p.emitPlain(out, p.pending[:idx+3])
		p.inCode = false
		p.pending = p.pending[idx+3:]
		return true
	}
	keep := 0
	if !final {
		keep = trailingBackticks(p.pending)
	}
	p.emitPlain(out, p.pending[:len(p.pending)-keep])
	p.pending = p.pending[len(p.pending)-keep:]
	return false
}

// handleBracket processes p.pending starting at a '['. Returns false
// when the tail is ambiguous and must be held for the next token.
func (p *CitationProcessor) handleBracket(out *strings.Builder, events *[]CitationInfo, final bool) bool {
	rest := p.pending

	m := doubleCitation.FindStringSubmatch(rest)
	if m == nil {
		m = singleCitation.FindStringSubmatch(rest)
	}
	if m != nil {
		matched := m[0]
		// A complete citation at the buffer tail may still grow into a
		// markdown link ([1](url)); wait for the next character.
		if len(matched) == len(rest) && !final {
			return false
		}
		if strings.HasPrefix(rest[len(matched):], "(") {
			return p.passMarkdownLink(out, final)
		}
		p.rewriteCitation(out, events, matched, m[1])
		p.pending = rest[len(matched):]
		return true
	}

	if len(rest) <= maxHoldback && !final {
		if partialCitation.MatchString(rest) || partialLink.MatchString(rest) {
			return false
		}
	}
	if closing := strings.IndexByte(rest, ']'); closing >= 0 && strings.HasPrefix(rest[closing+1:], "(") {
		return p.passMarkdownLink(out, final)
	}

	// Not a citation and not a link; the bracket is plain text.
	p.emitPlain(out, rest[:1])
	p.pending = rest[1:]
	return true
}

// passMarkdownLink emits a [text](url) sequence untouched, holding until
// the closing parenthesis has arrived.
func (p *CitationProcessor) passMarkdownLink(out *strings.Builder, final bool) bool {
	end := strings.IndexByte(p.pending, ')')
	if end == -1 {
		if !final && len(p.pending) <= maxHoldback {
			return false
		}
		end = len(p.pending) - 1
	}
	p.emitPlain(out, p.pending[:end+1])
	p.pending = p.pending[end+1:]
	return true
}

func (p *CitationProcessor) rewriteCitation(out *strings.Builder, events *[]CitationInfo, original, group string) {
	indexes := make([]int, 0, 2)
	for _, part := range strings.Split(group, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 1 || n > len(p.docs) {
			// Any out-of-range number invalidates the group; the text was
			// not a citation into our doc list.
			p.emitPlain(out, original)
			return
		}
		indexes = append(indexes, n-1)
	}

	for _, idx := range indexes {
		if p.recent[idx] {
			continue
		}
		p.recent[idx] = true
		displayed := p.displayed(idx)
		fmt.Fprintf(out, "[[%d]](%s)", displayed, p.docs[idx].Link)
		if !p.announced[idx] {
			p.announced[idx] = true
			*events = append(*events, CitationInfo{CitationNum: displayed, DocumentID: p.docs[idx].DocumentID})
		}
	}
	p.run = 0
}

func (p *CitationProcessor) displayed(idx int) int {
	if p.displayOrder != nil && idx < len(p.displayOrder) {
		return p.displayOrder[idx]
	}
	return idx + 1
}

func (p *CitationProcessor) emitPlain(out *strings.Builder, text string) {
	if text == "" {
		return
	}
	out.WriteString(text)
	p.run += utf8.RuneCountInString(text)
	if p.run > recentClearRun {
		p.recent = map[int]bool{}
	}
}

func trailingBackticks(s string) int {
	n := 0
	for i := len(s) - 1; i >= 0 && s[i] == '`'; i-- {
		n++
	}
	if n > 2 {
		n = 2
	}
	return n
}
