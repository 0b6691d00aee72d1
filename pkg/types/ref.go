package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Ref is the wire value of a many2one attribute: the referenced id and its
// display name.
type Ref struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Reference is the cache value of a reference attribute: a collection name
// plus an id in that collection.
type Reference struct {
	Collection string
	ID         int64
}

// String returns the "collection,id" encoding used on the wire and in
// columns.
func (r Reference) String() string {
	return r.Collection + "," + strconv.FormatInt(r.ID, 10)
}

// ParseReference decodes a "collection,id" string.
func ParseReference(s string) (Reference, error) {
	coll, id, ok := strings.Cut(s, ",")
	if !ok || coll == "" {
		return Reference{}, fmt.Errorf("reference %q is not of the form collection,id", s)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil {
		return Reference{}, fmt.Errorf("reference %q: %w", s, err)
	}
	return Reference{Collection: strings.TrimSpace(coll), ID: n}, nil
}
