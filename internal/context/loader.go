package context

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/MrWong99/wenet-streaming-asr/internal/vocab"
)

// LoadPhrases reads a contextual-biasing phrase file (spec.md §6's
// --context_path): one phrase per line, already whitespace-tokenized into
// word-pieces present in the dictionary. score is applied uniformly to every
// phrase, mirroring --context_score's single global weight.
func LoadPhrases(path string, vt *vocab.Table, score float64) ([]Phrase, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("context: open %q: %w", path, err)
	}
	defer f.Close()

	var phrases []Phrase
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		tokens, err := vt.Tokenize(line)
		if err != nil {
			return nil, fmt.Errorf("context: %q line %d: %w", path, lineNo, err)
		}
		if len(tokens) == 0 {
			continue
		}
		phrases = append(phrases, Phrase{Tokens: tokens, Bonus: score})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("context: scan %q: %w", path, err)
	}
	return phrases, nil
}
