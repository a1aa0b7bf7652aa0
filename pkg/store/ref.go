package store

// Reference fields travel on the wire and in JSONB as a single-key object
// {"$ref": "<collection>/<id>"}. Adapters encode DocumentRef values with
// EncodeRef before persisting and materialize them back into live
// DocumentRef handles on read.

// RefKey is the marker key of an encoded reference object.
const RefKey = "$ref"

// EncodeRef returns the wire form of a reference to path.
func EncodeRef(path string) map[string]any {
	return map[string]any{RefKey: path}
}

// DecodeRef reports whether v is an encoded reference and, if so, returns
// the referenced document path.
func DecodeRef(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return "", false
	}
	p, ok := m[RefKey].(string)
	return p, ok
}
