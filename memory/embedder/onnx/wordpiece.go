package onnx

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// Special token ids of the uncased BERT vocabulary.
const (
	unkToken = 100
	clsToken = 101
	sepToken = 102
)

// wordPiece is a greedy longest-match-first WordPiece tokenizer reading the
// vocabulary from a Hugging Face tokenizer.json.
type wordPiece struct {
	vocab map[string]int
	unk   int
	cls   int
	sep   int
}

func loadWordPiece(path string) (*wordPiece, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(file.Model.Vocab) == 0 {
		return nil, fmt.Errorf("%s: empty vocabulary", path)
	}
	return newWordPiece(file.Model.Vocab), nil
}

func newWordPiece(vocab map[string]int) *wordPiece {
	w := &wordPiece{vocab: vocab, unk: unkToken, cls: clsToken, sep: sepToken}
	if id, ok := vocab["[UNK]"]; ok {
		w.unk = id
	}
	if id, ok := vocab["[CLS]"]; ok {
		w.cls = id
	}
	if id, ok := vocab["[SEP]"]; ok {
		w.sep = id
	}
	return w
}

// tokenize lowercases text, splits on whitespace and punctuation, and maps
// each word to vocabulary ids.
func (w *wordPiece) tokenize(text string) []int64 {
	var ids []int64
	for _, word := range splitWords(strings.ToLower(text)) {
		if id, ok := w.vocab[word]; ok {
			ids = append(ids, int64(id))
			continue
		}
		ids = append(ids, w.subwords(word)...)
	}
	return ids
}

func (w *wordPiece) subwords(word string) []int64 {
	runes := []rune(word)
	var ids []int64
	for start := 0; start < len(runes); {
		end := len(runes)
		matched := false
		for end > start {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := w.vocab[piece]; ok {
				ids = append(ids, int64(id))
				matched = true
				break
			}
			end--
		}
		if !matched {
			return []int64{int64(w.unk)}
		}
		start = end
	}
	return ids
}

// encode builds fixed-length input ids and attention mask with [CLS] and
// [SEP] framing. Long inputs are truncated.
func (w *wordPiece) encode(text string, maxLen int) (ids, mask []int64) {
	ids = make([]int64, maxLen)
	mask = make([]int64, maxLen)

	tokens := w.tokenize(text)
	if len(tokens) > maxLen-2 {
		tokens = tokens[:maxLen-2]
	}
	ids[0], mask[0] = int64(w.cls), 1
	for i, tok := range tokens {
		ids[i+1], mask[i+1] = tok, 1
	}
	end := len(tokens) + 1
	ids[end], mask[end] = int64(w.sep), 1
	return ids, mask
}

func splitWords(text string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}
