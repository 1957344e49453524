package assembler

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/loqalabs/loqa-sign/internal/config"
)

// Resolver turns a token sequence into a finished sentence using the
// configured phrase table, word overrides, and grammar rules.
type Resolver struct {
	phrases []phrase
	words   map[string]string
	rules   []grammarRule
}

type phrase struct {
	tokens []string
	text   string
}

type grammarRule struct {
	name     string
	prefix   string
	triggers map[string]struct{}
	blockers map[string]struct{}
}

func NewResolver(v config.VocabularyConfig) *Resolver {
	r := &Resolver{words: make(map[string]string, len(v.Words))}
	for _, p := range v.Phrases {
		tokens := make([]string, len(p.Tokens))
		for i, tok := range p.Tokens {
			tokens[i] = normalizeToken(tok)
		}
		r.phrases = append(r.phrases, phrase{tokens: tokens, text: strings.TrimSpace(p.Text)})
	}
	// Longest idiom wins when several start at the same token.
	sort.SliceStable(r.phrases, func(i, j int) bool {
		return len(r.phrases[i].tokens) > len(r.phrases[j].tokens)
	})
	for token, text := range v.Words {
		r.words[normalizeToken(token)] = text
	}
	for _, rule := range v.Grammar {
		r.rules = append(r.rules, grammarRule{
			name:     rule.Name,
			prefix:   strings.TrimSpace(rule.Prefix),
			triggers: wordSet(rule.Triggers),
			blockers: wordSet(rule.Blockers),
		})
	}
	return r
}

// Resolve maps tokens to words: fixed idioms first, then per-token lookup.
func (r *Resolver) Resolve(tokens []string) []string {
	var out []string
	for i := 0; i < len(tokens); {
		if p, ok := r.matchPhrase(tokens[i:]); ok {
			out = append(out, p.text)
			i += len(p.tokens)
			continue
		}
		out = append(out, r.lookupWord(tokens[i]))
		i++
	}
	return out
}

// Compose resolves tokens, applies at most one grammar prefix, and returns
// the capitalized, punctuated sentence. Empty input yields "".
func (r *Resolver) Compose(tokens []string) (string, string) {
	words := r.Resolve(tokens)
	text := strings.Join(strings.Fields(strings.Join(words, " ")), " ")
	if text == "" {
		return "", ""
	}

	var fired string
	present := wordSet(strings.Fields(text))
	for _, rule := range r.rules {
		if !intersects(present, rule.triggers) || intersects(present, rule.blockers) {
			continue
		}
		text = rule.prefix + " " + text
		fired = rule.name
		break
	}
	return finalize(text), fired
}

func (r *Resolver) matchPhrase(tokens []string) (phrase, bool) {
	for _, p := range r.phrases {
		if len(p.tokens) > len(tokens) {
			continue
		}
		matched := true
		for i, tok := range p.tokens {
			if normalizeToken(tokens[i]) != tok {
				matched = false
				break
			}
		}
		if matched {
			return p, true
		}
	}
	return phrase{}, false
}

func (r *Resolver) lookupWord(token string) string {
	if text, ok := r.words[normalizeToken(token)]; ok {
		return text
	}
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(token), "_", " "))
}

func finalize(text string) string {
	first, size := utf8.DecodeRuneInString(text)
	text = string(unicode.ToUpper(first)) + text[size:]
	switch text[len(text)-1] {
	case '.', '?', '!':
		return text
	}
	return text + "."
}

func normalizeToken(tok string) string {
	return strings.ToUpper(strings.TrimSpace(tok))
}

func wordSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
			return unicode.IsPunct(r) && r != '\''
		}))
		if w != "" {
			set[w] = struct{}{}
		}
	}
	return set
}

func intersects(a, b map[string]struct{}) bool {
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}
