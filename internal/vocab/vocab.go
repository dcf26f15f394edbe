// Package vocab loads the token dictionary used to render CTC label ids as
// text (spec.md §6's --dict_path) and to tokenize contextual-biasing phrases
// (§6's --context_path). Neither operation is specified in spec.md's data
// model, which operates purely on token ids; this package supplements the
// distillation per SPEC_FULL.md §11.1.
package vocab

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// WordPieceContinuationPrefix marks a token that starts a new word; a token
// without it continues the previous word. This follows the common
// sentencepiece/wenet convention where a leading "▁" (U+2581) marks a
// word-initial piece and its absence marks a continuation.
const WordPieceContinuationPrefix = "▁"

// Table is a bidirectional id<->token mapping loaded from a one-token-per-
// line dictionary file.
type Table struct {
	idToToken []string
	tokenToID map[string]int
	blankID   int
	unkID     int
	sosID     int
	eosID     int
}

// Load reads a dict file where line N (0-indexed) is the token for id N.
// Blank lines are rejected — every id in [0, vocabSize) must be present.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vocab: open %q: %w", path, err)
	}
	defer f.Close()

	t := &Table{tokenToID: make(map[string]int)}
	sc := bufio.NewScanner(f)
	id := 0
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		var tok string
		switch len(fields) {
		case 0:
			return nil, fmt.Errorf("vocab: %q line %d is empty", path, id)
		case 1:
			tok = fields[0]
		default:
			// Some dict formats carry "token id" pairs; take the token.
			tok = fields[0]
		}
		t.idToToken = append(t.idToToken, tok)
		t.tokenToID[tok] = id
		id++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("vocab: scan %q: %w", path, err)
	}

	t.blankID = t.lookupOr("<blank>", 0)
	t.unkID = t.lookupOr("<unk>", -1)
	t.sosID = t.lookupOr("<sos/eos>", t.lookupOr("<sos>", -1))
	t.eosID = t.lookupOr("<sos/eos>", t.lookupOr("<eos>", t.sosID))
	return t, nil
}

func (t *Table) lookupOr(tok string, fallback int) int {
	if id, ok := t.tokenToID[tok]; ok {
		return id
	}
	return fallback
}

// Size returns the vocabulary size V (spec.md §4.4's log-prob matrix width).
func (t *Table) Size() int { return len(t.idToToken) }

// Token returns the token string for id, or "" if out of range.
func (t *Table) Token(id int) string {
	if id < 0 || id >= len(t.idToToken) {
		return ""
	}
	return t.idToToken[id]
}

// ID returns the token id for tok, and whether it was found.
func (t *Table) ID(tok string) (int, bool) {
	id, ok := t.tokenToID[tok]
	return id, ok
}

// BlankID, SosID, EosID, UnkID expose the special token ids resolved at
// load time (falling back to sensible defaults when the dict lacks explicit
// sentinel entries).
func (t *Table) BlankID() int { return t.blankID }
func (t *Table) SosID() int   { return t.sosID }
func (t *Table) EosID() int   { return t.eosID }
func (t *Table) UnkID() int   { return t.unkID }

// Tokenize splits free text into token ids by exact whitespace-delimited
// lookup — sufficient for contextual-biasing phrase files (spec.md §6's
// --context_path), which list phrases in already-tokenized form (one
// phrase per line, whitespace-separated word-pieces), not raw sentences.
func (t *Table) Tokenize(text string) ([]int, error) {
	fields := strings.Fields(text)
	ids := make([]int, 0, len(fields))
	for _, f := range fields {
		id, ok := t.tokenToID[f]
		if !ok {
			return nil, fmt.Errorf("vocab: unknown token %q", f)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Render joins a collapsed CTC token sequence into a display sentence,
// stripping sentencepiece word-initial markers the same way wenet's
// reference post-processing does.
func Render(t *Table, ids []int) string {
	var sb strings.Builder
	for i, id := range ids {
		tok := t.Token(id)
		if strings.HasPrefix(tok, WordPieceContinuationPrefix) {
			tok = strings.TrimPrefix(tok, WordPieceContinuationPrefix)
			if i > 0 {
				sb.WriteByte(' ')
			}
		} else if i > 0 {
			// No marker convention (e.g. plain character vocab): no separator.
		}
		sb.WriteString(tok)
	}
	return sb.String()
}
