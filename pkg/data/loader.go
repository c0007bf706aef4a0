// Package data holds the prompt pipelines and rollout stores batches are drawn from.
package data

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// Int32ByteLen is the size of one token in a token file.
const Int32ByteLen = 4

// Loader yields the batches of one epoch.
type Loader interface {
	// NextBatch returns the next batch, or io.EOF once the epoch is over.
	NextBatch() (any, error)
	// Reset rewinds the loader to the first batch.
	Reset()
}

// PromptBatch is a left padded batch of prompts.
type PromptBatch struct {
	InputIDs      [][]int32
	AttentionMask [][]int32
}

// PromptPipeline batches prompts, padding each batch on the left to its longest row.
type PromptPipeline struct {
	prompts   [][]int32
	batchSize int
	padID     int32
	curPos    int
}

// NewPromptPipeline returns a pipeline over prompts.
func NewPromptPipeline(prompts [][]int32, batchSize int, padID int32) (*PromptPipeline, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	for i, p := range prompts {
		if len(p) == 0 {
			return nil, fmt.Errorf("prompt %d is empty", i)
		}
	}
	return &PromptPipeline{prompts: prompts, batchSize: batchSize, padID: padID}, nil
}

// Len is the number of prompts.
func (p *PromptPipeline) Len() int { return len(p.prompts) }

// NumBatches is the number of batches per epoch; the last one may be short.
func (p *PromptPipeline) NumBatches() int {
	return (len(p.prompts) + p.batchSize - 1) / p.batchSize
}

// Reset rewinds the pipeline.
func (p *PromptPipeline) Reset() { p.curPos = 0 }

// NextBatch returns the next *PromptBatch.
func (p *PromptPipeline) NextBatch() (any, error) {
	if p.curPos >= len(p.prompts) {
		return nil, io.EOF
	}
	end := min(p.curPos+p.batchSize, len(p.prompts))
	batch := LeftPad(p.prompts[p.curPos:end], p.padID)
	p.curPos = end
	return batch, nil
}

// LeftPad pads rows on the left with padID to a common width. The attention
// mask is zero on padding.
func LeftPad(rows [][]int32, padID int32) *PromptBatch {
	width := 0
	for _, row := range rows {
		width = max(width, len(row))
	}
	batch := &PromptBatch{
		InputIDs:      make([][]int32, len(rows)),
		AttentionMask: make([][]int32, len(rows)),
	}
	for i, row := range rows {
		ids := make([]int32, width)
		mask := make([]int32, width)
		off := width - len(row)
		for j := 0; j < off; j++ {
			ids[j] = padID
		}
		copy(ids[off:], row)
		for j := off; j < width; j++ {
			mask[j] = 1
		}
		batch.InputIDs[i], batch.AttentionMask[i] = ids, mask
	}
	return batch
}

// Shard keeps the rows of rank in a round robin split over worldSize ranks.
func Shard(rows [][]int32, rank, worldSize int) [][]int32 {
	if worldSize <= 1 {
		return rows
	}
	var out [][]int32
	for i := rank; i < len(rows); i += worldSize {
		out = append(out, rows[i])
	}
	return out
}

// ReadTokenFile reads a little endian int32 token file and cuts it into rows
// of rowLen tokens. A trailing partial row is dropped.
func ReadTokenFile(filename string, rowLen int) ([][]int32, error) {
	if rowLen <= 0 {
		return nil, fmt.Errorf("row length must be positive, got %d", rowLen)
	}
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if len(raw) < rowLen*Int32ByteLen {
		return nil, fmt.Errorf("%s is too small for rows of %d tokens", filename, rowLen)
	}
	tokens := make([]int32, len(raw)/Int32ByteLen)
	if err := binary.Read(bytes.NewReader(raw[:len(tokens)*Int32ByteLen]), binary.LittleEndian, tokens); err != nil {
		return nil, err
	}
	rows := make([][]int32, len(tokens)/rowLen)
	for i := range rows {
		rows[i] = tokens[i*rowLen : (i+1)*rowLen]
	}
	return rows, nil
}

// WriteTokenFile writes rows back to back as a token file.
func WriteTokenFile(filename string, rows [][]int32) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, row := range rows {
		if err := binary.Write(w, binary.LittleEndian, row); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadTextFile encodes every non-blank line of a text file as one prompt,
// keeping at most maxLen tokens of each when maxLen is positive.
func ReadTextFile(filename string, maxLen int, encode func(string) []int32) ([][]int32, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var rows [][]int32
	truncated := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		ids := encode(line)
		if len(ids) == 0 {
			return nil, fmt.Errorf("%s: line %q encodes to no tokens", filename, line)
		}
		if maxLen > 0 && len(ids) > maxLen {
			ids = ids[:maxLen]
			truncated++
		}
		rows = append(rows, ids)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if truncated > 0 {
		log.Warn("truncated long prompts", "file", filename, "prompts", truncated, "max_length", maxLen)
	}
	return rows, nil
}

// ReadPrompts reads a .txt prompt file with encode, truncating prompts to
// maxLen tokens, or a token file cut into rows of rowLen tokens otherwise.
func ReadPrompts(filename string, rowLen, maxLen int, encode func(string) []int32) ([][]int32, error) {
	if strings.HasSuffix(filename, ".txt") {
		if encode == nil {
			return nil, fmt.Errorf("text prompts in %s need a tokenizer", filename)
		}
		return ReadTextFile(filename, maxLen, encode)
	}
	return ReadTokenFile(filename, rowLen)
}
