package bitmap

import (
	"encoding/json"
	"fmt"
)

// jsonForm is the on-disk/wire JSON shape: the bit count plus the
// range-compressed set-bit string, so a persisted bitmap round-trips
// through any JSON-backed store (pkg/storage) or RPC body that embeds
// it verbatim.
type jsonForm struct {
	NBits int    `json:"nbits"`
	Bits  string `json:"bits"`
}

// MarshalJSON renders b as {"nbits":N,"bits":"range-string"}. Bitmap's
// fields are unexported so the zero value never round-trips through
// encoding/json without this.
func (b *Bitmap) MarshalJSON() ([]byte, error) {
	b.assertValid()
	return json.Marshal(jsonForm{NBits: b.nbits, Bits: b.Format()})
}

// UnmarshalJSON restores a bitmap produced by MarshalJSON.
func (b *Bitmap) UnmarshalJSON(data []byte) error {
	var f jsonForm
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("bitmap: invalid json: %w", err)
	}
	parsed, err := Parse(f.Bits, f.NBits)
	if err != nil {
		return err
	}
	b.tag = parsed.tag
	b.nbits = parsed.nbits
	b.words = parsed.words
	return nil
}
