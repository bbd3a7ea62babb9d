// Package esm implements an ESM-2 style protein language model on top of GoMLX:
// the amino-acid tokenizer and the transformer encoder graph with a masked-LM head.
package esm

import (
	"os"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/pkg/errors"
)

// DefaultVocab is the ESM-2 vocabulary: 4 leading special tokens, the 20 standard
// amino acids, the ambiguity/rare codes (X, B, U, Z, O), gap symbols, and the
// trailing mask token. Token ids are the positions in this list.
var DefaultVocab = []string{
	"<cls>", "<pad>", "<eos>", "<unk>",
	"L", "A", "G", "V", "S", "E", "R", "T", "I", "D", "P", "K", "Q", "N",
	"F", "Y", "M", "H", "W", "C",
	"X", "B", "U", "Z", "O", ".", "-",
	"<null_1>", "<mask>",
}

// Tokenizer maps protein sequences to fixed-length token id rows.
//
// Encoding frames each sequence as <cls> + residues + <eos>, truncates the residues
// to fit and right-pads with <pad> up to the configured maximum length.
type Tokenizer struct {
	idToToken []string
	tokenToID map[string]int

	// Special token ids.
	ClsID, PadID, EosID, UnkID, MaskID int

	// residueIDs are the ids of single-residue tokens, the candidates for random
	// replacement during masked-LM collation.
	residueIDs []int
}

// NewTokenizer returns a Tokenizer over the default ESM-2 vocabulary.
func NewTokenizer() *Tokenizer {
	t, err := NewTokenizerFromVocab(DefaultVocab)
	if err != nil {
		// The builtin vocabulary is well-formed.
		panic(err)
	}
	return t
}

// NewTokenizerFromVocab builds a Tokenizer from an explicit vocabulary list.
// The vocabulary must contain the special tokens "<cls>", "<pad>", "<eos>", "<unk>"
// and "<mask>".
func NewTokenizerFromVocab(vocab []string) (*Tokenizer, error) {
	t := &Tokenizer{
		idToToken: vocab,
		tokenToID: make(map[string]int, len(vocab)),
	}
	for id, token := range vocab {
		if _, found := t.tokenToID[token]; found {
			return nil, errors.Errorf("duplicate token %q in vocabulary", token)
		}
		t.tokenToID[token] = id
		if len(token) == 1 && !strings.HasPrefix(token, "<") {
			t.residueIDs = append(t.residueIDs, id)
		}
	}
	for _, special := range []struct {
		token string
		id    *int
	}{
		{"<cls>", &t.ClsID},
		{"<pad>", &t.PadID},
		{"<eos>", &t.EosID},
		{"<unk>", &t.UnkID},
		{"<mask>", &t.MaskID},
	} {
		id, found := t.tokenToID[special.token]
		if !found {
			return nil, errors.Errorf("vocabulary is missing required token %q", special.token)
		}
		*special.id = id
	}
	if len(t.residueIDs) == 0 {
		return nil, errors.New("vocabulary has no single-residue tokens")
	}
	return t, nil
}

// LoadTokenizer downloads "vocab.txt" from the given HuggingFace model repository
// (e.g. "facebook/esm2_t6_8M_UR50D") and builds a Tokenizer from it.
func LoadTokenizer(repoID string) (*Tokenizer, error) {
	repo := hub.New(repoID).WithProgressBar(false)
	vocabPath, err := repo.DownloadFile("vocab.txt")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to download vocab.txt from %q", repoID)
	}
	data, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", vocabPath)
	}
	var vocab []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		vocab = append(vocab, line)
	}
	return NewTokenizerFromVocab(vocab)
}

// VocabSize returns the number of tokens in the vocabulary.
func (t *Tokenizer) VocabSize() int { return len(t.idToToken) }

// TokenID returns the id for token, or the <unk> id if it is not in the vocabulary.
func (t *Tokenizer) TokenID(token string) int {
	if id, found := t.tokenToID[token]; found {
		return id
	}
	return t.UnkID
}

// IsSpecial reports whether id is a special (non-residue) token: <cls>, <pad>, <eos>,
// <unk>, <mask> or one of the reserved symbols. Special tokens are never selected for
// masking and never contribute to the masked-LM loss.
func (t *Tokenizer) IsSpecial(id int) bool {
	if id < 0 || id >= len(t.idToToken) {
		return true
	}
	return strings.HasPrefix(t.idToToken[id], "<")
}

// ResidueIDs returns the ids of single-residue tokens.
func (t *Tokenizer) ResidueIDs() []int { return t.residueIDs }

// Encode tokenizes one protein sequence into exactly maxLen token ids:
// <cls>, one token per residue (truncated to maxLen-2), <eos>, then <pad> filling.
// The returned valid mask is true for every non-padding position.
// maxLen must be at least 2, to fit the <cls>/<eos> framing.
func (t *Tokenizer) Encode(sequence string, maxLen int) (ids []int32, valid []bool, err error) {
	if maxLen < 2 {
		return nil, nil, errors.Errorf("maximum sequence length must be at least 2 "+
			"to fit the <cls> and <eos> markers, got %d", maxLen)
	}
	ids = make([]int32, maxLen)
	valid = make([]bool, maxLen)
	ids[0] = int32(t.ClsID)
	valid[0] = true
	pos := 1
	for _, r := range sequence {
		if pos >= maxLen-1 {
			break
		}
		ids[pos] = int32(t.TokenID(strings.ToUpper(string(r))))
		valid[pos] = true
		pos++
	}
	ids[pos] = int32(t.EosID)
	valid[pos] = true
	pos++
	for ; pos < maxLen; pos++ {
		ids[pos] = int32(t.PadID)
	}
	return ids, valid, nil
}

// Decode converts token ids back to a residue string, dropping special tokens.
// Used for debugging and sample printing.
func (t *Tokenizer) Decode(ids []int32) string {
	var sb strings.Builder
	for _, id := range ids {
		if t.IsSpecial(int(id)) {
			continue
		}
		sb.WriteString(t.idToToken[id])
	}
	return sb.String()
}
