package memmap

import (
	"encoding/json"
	"io"

	"github.com/joshuapare/kmem/pkg/types"
)

// Load reads a JSON memory map: an array of {"base", "length", "type"}
// objects where type is a name ("available", "reserved", ...) or a number.
func Load(r io.Reader) (Map, error) {
	var m Map
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, &types.Error{Kind: types.ErrKindFormat, Msg: "memmap: decode json", Err: err}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Save writes m as indented JSON.
func (m Map) Save(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}
