package index

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"
	"strings"
	"unicode"

	porterstemmer "github.com/blevesearch/go-porterstemmer"

	"github.com/solidb-io/solidb/internal/codec"
	"github.com/solidb-io/solidb/internal/engerr"
	"github.com/solidb-io/solidb/internal/kv"
	"github.com/solidb-io/solidb/internal/types"
)

// Sub-tags distinguish the fulltext index's two keyspaces (postings,
// per-document length) within the shared indexCF, since they don't fit
// the generic tuple+docKey layout the other index kinds use.
const (
	ftTagPosting byte = 1
	ftTagDocLen  byte = 2
)

// Tokenize runs the fulltext tokenization pipeline: lowercase -> split on
// non-alphanumeric runes -> strip stop words -> optional stemming (spec
// §4.6), returning each surviving term's frequency in s.
func Tokenize(s string, opts *types.FulltextOptions) map[string]int {
	if opts == nil {
		opts = types.DefaultFulltextOptions()
	}
	lower := strings.ToLower(s)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	freq := make(map[string]int, len(words))
	for _, w := range words {
		if opts.StopWords != nil && opts.StopWords[w] {
			continue
		}
		if opts.Stem {
			w = porterstemmer.StemString(w)
		}
		if w == "" {
			continue
		}
		freq[w]++
	}
	return freq
}

func tokenizeFields(def types.IndexDef, opts *types.FulltextOptions, doc types.Document) map[string]int {
	var text strings.Builder
	for _, f := range def.Fields {
		if s, ok := doc[f].(string); ok {
			text.WriteString(s)
			text.WriteByte(' ')
		}
	}
	return Tokenize(text.String(), opts)
}

func fulltextOpts(def types.IndexDef) *types.FulltextOptions {
	if def.FulltextOpts != nil {
		return def.FulltextOpts
	}
	return types.DefaultFulltextOptions()
}

func ftPostingKey(def types.IndexDef, term, docKey string) []byte {
	buf := ftPostingTermPrefix(def, term)
	buf = append(buf, docKey...)
	return binary.BigEndian.AppendUint32(buf, uint32(len(docKey)))
}

func ftPostingTermPrefix(def types.IndexDef, term string) []byte {
	prefix := codec.IndexKeyPrefix(def.CollectionID, def.ID)
	buf := make([]byte, 0, len(prefix)+1+4+len(term))
	buf = append(buf, prefix...)
	buf = append(buf, ftTagPosting)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(term)))
	buf = append(buf, term...)
	return buf
}

func splitFtPostingDocKey(def types.IndexDef, encoded []byte) (docKey string, ok bool) {
	prefix := codec.IndexKeyPrefix(def.CollectionID, def.ID)
	if !bytes.HasPrefix(encoded, prefix) {
		return "", false
	}
	rest := encoded[len(prefix):]
	if len(rest) < 1+4 || rest[0] != ftTagPosting {
		return "", false
	}
	rest = rest[1:]
	termLen := int(binary.BigEndian.Uint32(rest[:4]))
	rest = rest[4:]
	if len(rest) < termLen+4 {
		return "", false
	}
	rest = rest[termLen:]
	docKeyLen := int(binary.BigEndian.Uint32(rest[len(rest)-4:]))
	rest = rest[:len(rest)-4]
	if docKeyLen > len(rest) {
		return "", false
	}
	return string(rest[len(rest)-docKeyLen:]), true
}

func ftDocLenKey(def types.IndexDef, docKey string) []byte {
	prefix := codec.IndexKeyPrefix(def.CollectionID, def.ID)
	buf := make([]byte, 0, len(prefix)+1+len(docKey))
	buf = append(buf, prefix...)
	buf = append(buf, ftTagDocLen)
	buf = append(buf, docKey...)
	return buf
}

func ftDocLenPrefix(def types.IndexDef) []byte {
	prefix := codec.IndexKeyPrefix(def.CollectionID, def.ID)
	return append(append([]byte{}, prefix...), ftTagDocLen)
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func mutateFulltext(batch kv.Batch, def types.IndexDef, docKey string, old, cur types.Document) error {
	opts := fulltextOpts(def)

	if old != nil {
		for term := range tokenizeFields(def, opts, old) {
			batch.Delete(indexCF, ftPostingKey(def, term, docKey))
		}
		batch.Delete(indexCF, ftDocLenKey(def, docKey))
	}
	if cur != nil {
		terms := tokenizeFields(def, opts, cur)
		length := 0
		for term, tf := range terms {
			length += tf
			batch.Put(indexCF, ftPostingKey(def, term, docKey), encodeUint64(uint64(tf)))
		}
		batch.Put(indexCF, ftDocLenKey(def, docKey), encodeUint64(uint64(length)))
	}
	return nil
}

// Search runs a BM25-ranked fulltext query over def, returning document
// keys highest-scoring first, bounded to topK (0 = unbounded). Corpus
// statistics (document count, average field length) are computed by
// scanning the index's doc-length entries at query time rather than
// maintained as a running counter, trading query-time cost for avoiding
// read-modify-write races across concurrently committing transactions.
func Search(backend kv.Backend, def types.IndexDef, query string, topK int) ([]ScoredKey, error) {
	opts := fulltextOpts(def)
	queryTerms := Tokenize(query, opts)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	totalDocs, avgLen, err := ftCorpusStats(backend, def)
	if err != nil {
		return nil, err
	}
	if totalDocs == 0 {
		return nil, nil
	}

	scores := make(map[string]float64)
	lengths := make(map[string]float64)

	for term := range queryTerms {
		postings, err := ftPostings(backend, def, term)
		if err != nil {
			return nil, err
		}
		df := float64(len(postings))
		if df == 0 {
			continue
		}
		idf := math.Log((float64(totalDocs)-df+0.5)/(df+0.5) + 1)

		for docKey, tf := range postings {
			length, ok := lengths[docKey]
			if !ok {
				length = float64(ftDocLen(backend, def, docKey))
				lengths[docKey] = length
			}
			denom := float64(tf) + opts.K1*(1-opts.B+opts.B*(length/avgLen))
			scores[docKey] += idf * (float64(tf) * (opts.K1 + 1)) / denom
		}
	}

	out := make([]ScoredKey, 0, len(scores))
	for k, s := range scores {
		out = append(out, ScoredKey{Key: k, Score: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func ftCorpusStats(backend kv.Backend, def types.IndexDef) (int, float64, error) {
	prefix := ftDocLenPrefix(def)
	it, err := backend.Scan(indexCF, prefix, codec.PrefixEnd(prefix))
	if err != nil {
		return 0, 0, engerr.Wrap("index.ftCorpusStats", err)
	}
	defer it.Close()

	var count int
	var sum uint64
	for it.Next() {
		count++
		sum += decodeUint64(it.Value())
	}
	if count == 0 {
		return 0, 0, nil
	}
	return count, float64(sum) / float64(count), nil
}

func ftPostings(backend kv.Backend, def types.IndexDef, term string) (map[string]int, error) {
	prefix := ftPostingTermPrefix(def, term)
	it, err := backend.Scan(indexCF, prefix, codec.PrefixEnd(prefix))
	if err != nil {
		return nil, engerr.Wrap("index.ftPostings", err)
	}
	defer it.Close()

	out := make(map[string]int)
	for it.Next() {
		docKey, ok := splitFtPostingDocKey(def, it.Key())
		if ok {
			out[docKey] = int(decodeUint64(it.Value()))
		}
	}
	return out, nil
}

func ftDocLen(backend kv.Backend, def types.IndexDef, docKey string) uint64 {
	v, err := backend.Get(indexCF, ftDocLenKey(def, docKey))
	if err != nil {
		return 0
	}
	return decodeUint64(v)
}
