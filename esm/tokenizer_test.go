package esm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenizerVocab(t *testing.T) {
	tok := NewTokenizer()
	assert.Equal(t, len(DefaultVocab), tok.VocabSize())
	assert.Equal(t, 0, tok.ClsID)
	assert.Equal(t, 1, tok.PadID)
	assert.Equal(t, 2, tok.EosID)
	assert.Equal(t, 3, tok.UnkID)
	assert.Equal(t, 32, tok.MaskID)
	assert.Equal(t, 4, tok.TokenID("L"))

	// Unknown residues fall back to <unk>.
	assert.Equal(t, tok.UnkID, tok.TokenID("J"))

	for _, id := range tok.ResidueIDs() {
		assert.Falsef(t, tok.IsSpecial(id), "residue id %d flagged as special", id)
	}
	for _, id := range []int{tok.ClsID, tok.PadID, tok.EosID, tok.UnkID, tok.MaskID} {
		assert.Truef(t, tok.IsSpecial(id), "special id %d not flagged", id)
	}
}

func TestTokenizerEncode(t *testing.T) {
	tok := NewTokenizer()
	const seq = "EVQLVESGG"
	const maxLen = 16

	ids, valid, err := tok.Encode(seq, maxLen)
	require.NoError(t, err)
	require.Len(t, ids, maxLen)
	require.Len(t, valid, maxLen)

	assert.Equal(t, int32(tok.ClsID), ids[0])
	assert.Equal(t, int32(tok.EosID), ids[len(seq)+1])
	for pos := len(seq) + 2; pos < maxLen; pos++ {
		assert.Equal(t, int32(tok.PadID), ids[pos])
		assert.False(t, valid[pos])
	}
	for pos := 0; pos <= len(seq)+1; pos++ {
		assert.True(t, valid[pos])
	}
	assert.Equal(t, seq, tok.Decode(ids))
}

func TestTokenizerEncodeTruncates(t *testing.T) {
	tok := NewTokenizer()
	seq := strings.Repeat("A", 100)
	const maxLen = 10

	ids, valid, err := tok.Encode(seq, maxLen)
	require.NoError(t, err)
	require.Len(t, ids, maxLen)
	assert.Equal(t, int32(tok.ClsID), ids[0])
	assert.Equal(t, int32(tok.EosID), ids[maxLen-1])
	for pos := range valid {
		assert.True(t, valid[pos])
	}
	assert.Equal(t, strings.Repeat("A", maxLen-2), tok.Decode(ids))
}

func TestTokenizerEncodeLowerCase(t *testing.T) {
	tok := NewTokenizer()
	upper, _, err := tok.Encode("GAVL", 8)
	require.NoError(t, err)
	lower, _, err := tok.Encode("gavl", 8)
	require.NoError(t, err)
	assert.Equal(t, upper, lower)
}

func TestTokenizerEncodeRejectsTinyMaxLen(t *testing.T) {
	tok := NewTokenizer()
	for _, maxLen := range []int{-1, 0, 1} {
		_, _, err := tok.Encode("EVQL", maxLen)
		require.Errorf(t, err, "maxLen=%d", maxLen)
	}
	ids, _, err := tok.Encode("EVQL", 2)
	require.NoError(t, err)
	assert.Equal(t, []int32{int32(tok.ClsID), int32(tok.EosID)}, ids)
}

func TestNewTokenizerFromVocab(t *testing.T) {
	// Missing specials must be rejected.
	_, err := NewTokenizerFromVocab([]string{"<cls>", "<pad>", "A", "C"})
	require.Error(t, err)

	tok, err := NewTokenizerFromVocab(DefaultVocab)
	require.NoError(t, err)
	assert.Equal(t, len(DefaultVocab), tok.VocabSize())
}
