package prefixcache

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// snapshotHeader identifies the format and the model the snapshot was
// captured against, so Load can refuse a snapshot taken under an
// incompatible block size or model (spec.md §6, "Persisted state").
type snapshotHeader struct {
	BlockSize       int
	ModelFingerprint string
}

type snapshotRecord struct {
	ModelID string
	Tokens  []int32
	Blocks  []int
}

type snapshotFile struct {
	Header  snapshotHeader
	Records []snapshotRecord
}

// Save encodes every currently cached prefix as a flat CBOR record,
// following spec.md §6's optional snapshot format: "a flat record of
// (model_id, token_id[], block_ids[]) plus a header with block_size and
// model_fingerprint".
func (c *Cache) Save(w io.Writer, modelFingerprint string, tokensByKey map[uint64][]int32) error {
	c.mu.Lock()
	records := make([]snapshotRecord, 0, len(c.entries))
	for key, e := range c.entries {
		tokens, ok := tokensByKey[key]
		if !ok {
			continue
		}
		records = append(records, snapshotRecord{Tokens: tokens, Blocks: e.Blocks})
	}
	c.mu.Unlock()

	f := snapshotFile{
		Header:  snapshotHeader{BlockSize: c.blockSize, ModelFingerprint: modelFingerprint},
		Records: records,
	}
	enc, err := cbor.Marshal(f)
	if err != nil {
		return fmt.Errorf("prefixcache: encode snapshot: %w", err)
	}
	_, err = w.Write(enc)
	return err
}

// Load restores cached prefixes from a snapshot previously written by Save,
// only if the header's block size and model fingerprint match the running
// configuration ("loaded only if fingerprints match").
func (c *Cache) Load(r io.Reader, modelID, modelFingerprint string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	var f snapshotFile
	if err := cbor.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("prefixcache: decode snapshot: %w", err)
	}
	if f.Header.BlockSize != c.blockSize || f.Header.ModelFingerprint != modelFingerprint {
		return fmt.Errorf("prefixcache: snapshot fingerprint mismatch (block_size=%d vs %d, model=%q vs %q)",
			f.Header.BlockSize, c.blockSize, f.Header.ModelFingerprint, modelFingerprint)
	}

	for _, rec := range f.Records {
		c.Insert(modelID, rec.Tokens, rec.Blocks)
	}
	return nil
}
