package answer

import (
	"strings"
	"testing"
)

func runProcessor(t *testing.T, cp *CitationProcessor, tokens []string) (string, []CitationInfo) {
	t.Helper()
	var out strings.Builder
	var events []CitationInfo
	for _, tok := range tokens {
		text, evs := cp.Process(tok)
		out.WriteString(text)
		events = append(events, evs...)
	}
	text, evs := cp.Flush()
	out.WriteString(text)
	events = append(events, evs...)
	return out.String(), events
}

func TestCitationRewriteAcrossTokenBoundaries(t *testing.T) {
	docs := []ContextDoc{
		{DocumentID: "A", Link: "http://a"},
		{DocumentID: "B", Link: ""},
	}
	cp := NewCitationProcessor(docs, nil)

	out, events := runProcessor(t, cp, []string{"See [1", "] and [2", ",2] and", " [5]."})

	want := "See [[1]](http://a) and [[2]]() and [5]."
	if out != want {
		t.Fatalf("output = %q, want %q", out, want)
	}
	if len(events) != 2 {
		t.Fatalf("events = %+v, want one per first-cited doc", events)
	}
	if events[0].DocumentID != "A" || events[0].CitationNum != 1 {
		t.Fatalf("first event = %+v", events[0])
	}
	if events[1].DocumentID != "B" || events[1].CitationNum != 2 {
		t.Fatalf("second event = %+v", events[1])
	}
}

func TestCitationPlainTextPassesThrough(t *testing.T) {
	cp := NewCitationProcessor([]ContextDoc{{DocumentID: "A"}}, nil)
	in := "No citations here, just brackets like [not a citation] and math a[i]."
	out, events := runProcessor(t, cp, []string{in})
	if out != in {
		t.Fatalf("output = %q, want unchanged input", out)
	}
	if len(events) != 0 {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestCitationCodeFenceSuppression(t *testing.T) {
	cp := NewCitationProcessor([]ContextDoc{{DocumentID: "A", Link: "http://a"}}, nil)
	in := "Use [1] here.\n```go\narr[1] = 2 // [1]\n```\nAnd [1] again."
	out, _ := runProcessor(t, cp, []string{in})

	if !strings.Contains(out, "```go\narr[1] = 2 // [1]\n```") {
		t.Fatalf("code fence was rewritten: %q", out)
	}
	if !strings.HasPrefix(out, "Use [[1]](http://a) here.") {
		t.Fatalf("citation before fence not rewritten: %q", out)
	}
	// More than five characters streamed since the first citation, so
	// the repeat after the fence is rewritten again.
	if !strings.HasSuffix(out, "And [[1]](http://a) again.") {
		t.Fatalf("citation after fence not rewritten: %q", out)
	}
}

func TestCitationImmediateRepeatSuppressed(t *testing.T) {
	cp := NewCitationProcessor([]ContextDoc{{DocumentID: "A", Link: "http://a"}}, nil)
	out, events := runProcessor(t, cp, []string{"[1][1] end"})
	if out != "[[1]](http://a) end" {
		t.Fatalf("output = %q", out)
	}
	if len(events) != 1 {
		t.Fatalf("events = %+v", events)
	}
}

func TestCitationMarkdownLinkHeldAndPassedThrough(t *testing.T) {
	cp := NewCitationProcessor([]ContextDoc{{DocumentID: "A", Link: "http://a"}}, nil)
	out, events := runProcessor(t, cp, []string{"Read [the docs](ht", "tps://x.io) now."})
	if out != "Read [the docs](https://x.io) now." {
		t.Fatalf("output = %q", out)
	}
	if len(events) != 0 {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestCitationPreLinkedNumberPassesThrough(t *testing.T) {
	cp := NewCitationProcessor([]ContextDoc{{DocumentID: "A", Link: "http://a"}}, nil)
	out, _ := runProcessor(t, cp, []string{"See [1](http://other)."})
	if out != "See [1](http://other)." {
		t.Fatalf("output = %q", out)
	}
}

func TestCitationDisplayOrderMapping(t *testing.T) {
	docs := []ContextDoc{
		{DocumentID: "A", Link: "http://a"},
		{DocumentID: "B", Link: "http://b"},
	}
	// The user sees B first: LLM index 0 displays as 2, index 1 as 1.
	cp := NewCitationProcessor(docs, []int{2, 1})
	out, events := runProcessor(t, cp, []string{"From [2] then [1]."})
	if out != "From [[1]](http://b) then [[2]](http://a)." {
		t.Fatalf("output = %q", out)
	}
	if len(events) != 2 || events[0].CitationNum != 1 || events[0].DocumentID != "B" {
		t.Fatalf("events = %+v", events)
	}
}
