package crawl

import (
	"hash/fnv"
	"math/bits"
	"strings"

	"github.com/use-agent/mailgrab/extract"
)

const (
	shingleSize = 3

	// hammingThreshold is the largest fingerprint distance still treated as
	// the same page. 64-bit simhash with word shingles keeps template-only
	// differences under this while distinct copy lands far above it.
	hammingThreshold = 3
)

// fingerprint computes a 64-bit simhash over 3-word shingles of the page's
// visible text. Returns 0 when the page has no visible text.
func fingerprint(body []byte) uint64 {
	words := strings.Fields(extract.VisibleText(body))
	if len(words) == 0 {
		return 0
	}

	shingles := words
	if len(words) >= shingleSize {
		shingles = make([]string, 0, len(words)-shingleSize+1)
		for i := 0; i <= len(words)-shingleSize; i++ {
			shingles = append(shingles, strings.Join(words[i:i+shingleSize], "_"))
		}
	}

	var vector [64]int
	for _, s := range shingles {
		h := fnv.New64a()
		h.Write([]byte(s))
		sum := h.Sum64()
		for i := 0; i < 64; i++ {
			if sum&(1<<uint(i)) != 0 {
				vector[i]++
			} else {
				vector[i]--
			}
		}
	}

	var fp uint64
	for i := 0; i < 64; i++ {
		if vector[i] > 0 {
			fp |= 1 << uint(i)
		}
	}
	return fp
}

func hamming(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

func nearDuplicate(a, b uint64) bool {
	return hamming(a, b) <= hammingThreshold
}
