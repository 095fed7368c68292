package model

import (
	"encoding/json"

	"github.com/m-mizutani/goerr/v2"
)

// Document is the unit of storage in the local key-value store. Values are
// JSON-shaped: strings, float64 numbers, bools, nested map[string]any and
// []any. Typed models cross into documents via ToDocument/FromDocument so
// merge semantics stay uniform regardless of the backend.
type Document map[string]any

// Merge applies src onto dst as a recursive shallow union and returns dst.
// Scalars and slices in src replace the destination value; nested maps are
// merged field by field. A nil value in src deletes the field, which is how
// optimistic writes are reverted.
func Merge(dst, src Document) Document {
	if dst == nil {
		dst = Document{}
	}
	for k, v := range src {
		if v == nil {
			delete(dst, k)
			continue
		}
		srcMap, srcIsMap := toMap(v)
		dstMap, dstIsMap := toMap(dst[k])
		if srcIsMap && dstIsMap {
			dst[k] = map[string]any(Merge(dstMap, srcMap))
			continue
		}
		dst[k] = v
	}
	return dst
}

func toMap(v any) (Document, bool) {
	switch m := v.(type) {
	case Document:
		return m, true
	case map[string]any:
		return m, true
	default:
		return nil, false
	}
}

// Clone returns a deep copy of the document so callers can hand out
// snapshots without aliasing store-internal state.
func Clone(doc Document) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case Document:
		return map[string]any(Clone(tv))
	case map[string]any:
		return map[string]any(Clone(tv))
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// ToDocument converts a typed model into a Document via its JSON form.
func ToDocument(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal value to document")
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal value to document")
	}
	return doc, nil
}

// FromDocument converts a Document back into a typed model.
func FromDocument(doc Document, v any) error {
	if doc == nil {
		return nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal document")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return goerr.Wrap(err, "failed to unmarshal document", goerr.V("target", v))
	}
	return nil
}
