package tokenizer

import "fmt"

// trie maps byte strings to token ids for greedy longest-match encoding.
type trie struct {
	children map[byte]*trie
	id       int32
	end      bool
}

func newTrie() *trie {
	return &trie{children: map[byte]*trie{}}
}

// insert adds word with the given token id.
func (t *trie) insert(word []byte, id int32) error {
	if len(word) == 0 {
		return fmt.Errorf("zero length token %d not supported", id)
	}
	cur := t
	for _, b := range word {
		next := cur.children[b]
		if next == nil {
			next = newTrie()
			cur.children[b] = next
		}
		cur = next
	}
	// first insertion wins for duplicate byte strings
	if !cur.end {
		cur.end = true
		cur.id = id
	}
	return nil
}

// longestMatch returns the id and length of the longest token prefixing input.
// n is 0 when no token matches.
func (t *trie) longestMatch(input []byte) (id int32, n int) {
	cur := t
	for i, b := range input {
		cur = cur.children[b]
		if cur == nil {
			break
		}
		if cur.end {
			id, n = cur.id, i+1
		}
	}
	return id, n
}
