// Package vocab defines the vocabulary index the EM theme fitter and the HMM
// core depend on as an external collaborator: a bijection between surface
// word tokens and dense integer word-ids in [0, M). Construction (tokenizing
// raw text, stop-word filtering, stemming) lives outside the numerical core;
// this package only supplies the immutable-after-construction index itself
// and an in-memory builder for tests and fixtures, adapted from the
// tokenizer/index pair the platform's ingestion path uses to build its
// posting lists.
package vocab

import (
	"sort"
	"strings"
	"unicode"
)

// Vocabulary is the read-only interface the theme core depends on. It is
// immutable after construction: indexOf and token must return stable
// answers for the lifetime of a pipeline run.
type Vocabulary interface {
	IndexOf(token string) (wordID int, ok bool)
	Token(wordID int) (token string, ok bool)
	Size() int
}

// Index is an in-memory Vocabulary built once from a fixed set of tokens and
// never mutated afterward.
type Index struct {
	tokenToID map[string]int
	idToToken []string
}

// NewIndex builds a vocabulary assigning dense ids [0, len(tokens)) in
// sorted, deduplicated order, so construction is deterministic across runs
// given the same token set.
func NewIndex(tokens []string) *Index {
	seen := make(map[string]struct{}, len(tokens))
	unique := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		unique = append(unique, tok)
	}
	sort.Strings(unique)
	idx := &Index{
		tokenToID: make(map[string]int, len(unique)),
		idToToken: unique,
	}
	for i, tok := range unique {
		idx.tokenToID[tok] = i
	}
	return idx
}

// IndexOf implements Vocabulary.
func (idx *Index) IndexOf(token string) (int, bool) {
	id, ok := idx.tokenToID[token]
	return id, ok
}

// Token implements Vocabulary.
func (idx *Index) Token(wordID int) (string, bool) {
	if wordID < 0 || wordID >= len(idx.idToToken) {
		return "", false
	}
	return idx.idToToken[wordID], true
}

// Size implements Vocabulary.
func (idx *Index) Size() int {
	return len(idx.idToToken)
}

// Builder accumulates normalized tokens from raw text before an Index is
// frozen, mirroring the ingestion-side tokenizer's lower-case, split, and
// stop-word-filter pipeline. It exists for building fixtures and tests
// in-process without a full ingestion path.
type Builder struct {
	terms map[string]struct{}
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{terms: make(map[string]struct{})}
}

// AddText tokenizes text and records every normalized term it contains.
func (b *Builder) AddText(text string) {
	for _, term := range tokenize(text) {
		b.terms[term] = struct{}{}
	}
}

// AddTerm records a single already-normalized term directly, for tests that
// construct vocabularies from fixed word lists rather than prose.
func (b *Builder) AddTerm(term string) {
	b.terms[term] = struct{}{}
}

// Build freezes the accumulated terms into an Index.
func (b *Builder) Build() *Index {
	terms := make([]string, 0, len(b.terms))
	for t := range b.terms {
		terms = append(terms, t)
	}
	return NewIndex(terms)
}

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "has": {}, "he": {},
	"in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {}, "this": {}, "but": {}, "they": {},
}

func tokenize(text string) []string {
	text = strings.ToLower(text)
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	terms := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) < 2 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		terms = append(terms, w)
	}
	return terms
}
