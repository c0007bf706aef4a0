// Package tokenizer implements the binary token-table tokenizer used to encode
// prompts and decode samples.
package tokenizer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
)

const (
	headerMagic uint32 = 20240328
	headerLen          = 256
)

// Tokenizer encodes text by greedy longest match over a token table and
// decodes token ids back to text.
type Tokenizer struct {
	tokenTable []string
	eos        int32
	trie       *trie
}

// New builds a tokenizer from a token table; eos must index into it.
func New(tokens []string, eos int32) (*Tokenizer, error) {
	if eos < 0 || int(eos) >= len(tokens) {
		return nil, fmt.Errorf("eos token %d outside vocabulary of %d", eos, len(tokens))
	}
	tok := &Tokenizer{
		tokenTable: tokens,
		eos:        eos,
		trie:       newTrie(),
	}
	for i, s := range tokens {
		if int32(i) == eos {
			continue
		}
		if err := tok.trie.insert([]byte(s), int32(i)); err != nil {
			return nil, err
		}
	}
	return tok, nil
}

// Load reads a tokenizer file. Version 1 files use the last token as end of
// sequence; version 2 files store its id in the header.
func Load(filename string) (*Tokenizer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	header := make([]uint32, headerLen)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return nil, err
	}
	if header[0] != headerMagic {
		return nil, fmt.Errorf("incorrect header for tokenizer")
	}
	vocabSize := int(header[2])
	var eos int32
	switch header[1] {
	case 1:
		eos = int32(vocabSize - 1)
	case 2:
		eos = int32(header[3])
	default:
		return nil, fmt.Errorf("unsupported tokenizer version %d", header[1])
	}
	tokens := make([]string, vocabSize)
	var length byte
	for i := range tokens {
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, err
		}
		if length == 0 {
			return nil, fmt.Errorf("token %d has zero length", i)
		}
		tokenBytes := make([]byte, length)
		if err := binary.Read(r, binary.LittleEndian, tokenBytes); err != nil {
			return nil, err
		}
		tokens[i] = string(tokenBytes)
	}
	return New(tokens, eos)
}

// Save writes the tokenizer in the version 2 format read by Load.
func (t *Tokenizer) Save(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	header := make([]uint32, headerLen)
	header[0], header[1], header[2], header[3] = headerMagic, 2, uint32(len(t.tokenTable)), uint32(t.eos)
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		f.Close()
		return err
	}
	for i, s := range t.tokenTable {
		if len(s) == 0 || len(s) > 255 {
			f.Close()
			return fmt.Errorf("token %d has unsupported length %d", i, len(s))
		}
		w.WriteByte(byte(len(s)))
		w.WriteString(s)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// VocabSize is the number of tokens in the table.
func (t *Tokenizer) VocabSize() int { return len(t.tokenTable) }

// EOSTokenID is the end-of-sequence token, also used for padding.
func (t *Tokenizer) EOSTokenID() int32 { return t.eos }

// Encode encodes text; bytes no token covers are skipped.
func (t *Tokenizer) Encode(text string) []int32 {
	input := []byte(text)
	tokens := make([]int32, 0, len(input))
	for len(input) > 0 {
		id, n := t.trie.longestMatch(input)
		if n == 0 {
			input = input[1:]
			continue
		}
		tokens = append(tokens, id)
		input = input[n:]
	}
	return tokens
}

// Decode decodes tokens. With skipSpecial the end-of-sequence token is dropped.
func (t *Tokenizer) Decode(tokens []int32, skipSpecial bool) (string, error) {
	var sb strings.Builder
	for _, token := range tokens {
		if token < 0 || int(token) >= len(t.tokenTable) {
			return "", fmt.Errorf("not valid token %d", token)
		}
		if skipSpecial && token == t.eos {
			continue
		}
		sb.WriteString(t.tokenTable[token])
	}
	return sb.String(), nil
}

// BatchDecode decodes every row of rows.
func (t *Tokenizer) BatchDecode(rows [][]int32, skipSpecial bool) ([]string, error) {
	out := make([]string, len(rows))
	for i, row := range rows {
		s, err := t.Decode(row, skipSpecial)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = s
	}
	return out, nil
}

// Bytes returns a tokenizer whose table is every single byte followed by an
// end-of-sequence token spelled eosText.
func Bytes(eosText string) *Tokenizer {
	tokens := make([]string, 257)
	for i := 0; i < 256; i++ {
		tokens[i] = string([]byte{byte(i)})
	}
	tokens[256] = eosText
	tok, err := New(tokens, 256)
	if err != nil {
		panic(err)
	}
	return tok
}
