package types

// Kind is the semantic type of an attribute. It selects the value codec and
// the column type a backend uses to persist the attribute.
type Kind string

// Scalar kinds.
const (
	KindBoolean        Kind = "boolean"
	KindInteger        Kind = "integer"
	KindFloat          Kind = "float"
	KindMonetary       Kind = "monetary"
	KindChar           Kind = "char"
	KindText           Kind = "text"
	KindHTML           Kind = "html"
	KindDate           Kind = "date"
	KindDatetime       Kind = "datetime"
	KindBinary         Kind = "binary"
	KindSelection      Kind = "selection"
	KindMultiSelection Kind = "multiselection"
	KindReference      Kind = "reference"
)

// Relational kinds.
const (
	KindMany2One  Kind = "many2one"
	KindOne2Many  Kind = "one2many"
	KindMany2Many Kind = "many2many"
)

// validKinds is the set of recognized kinds.
var validKinds = map[Kind]bool{
	KindBoolean:        true,
	KindInteger:        true,
	KindFloat:          true,
	KindMonetary:       true,
	KindChar:           true,
	KindText:           true,
	KindHTML:           true,
	KindDate:           true,
	KindDatetime:       true,
	KindBinary:         true,
	KindSelection:      true,
	KindMultiSelection: true,
	KindReference:      true,
	KindMany2One:       true,
	KindOne2Many:       true,
	KindMany2Many:      true,
}

// Valid reports whether k is a recognized kind.
func (k Kind) Valid() bool {
	return validKinds[k]
}

// Relational reports whether values of this kind reference other entities.
func (k Kind) Relational() bool {
	return k == KindMany2One || k == KindOne2Many || k == KindMany2Many
}

// ToMany reports whether values of this kind are collections of references.
func (k Kind) ToMany() bool {
	return k == KindOne2Many || k == KindMany2Many
}

// ColumnType returns the storage class a backend should use for the kind.
// One2many attributes have no column and return "".
func (k Kind) ColumnType() string {
	switch k {
	case KindBoolean, KindInteger, KindMany2One:
		return "INTEGER"
	case KindFloat, KindMonetary:
		return "REAL"
	case KindBinary:
		return "BLOB"
	case KindOne2Many, KindMany2Many:
		return ""
	default:
		return "TEXT"
	}
}

// Delete policies for many2one attributes, applied when the referenced
// entity is removed.
const (
	OnDeleteSetNull  = "set null"
	OnDeleteRestrict = "restrict"
	OnDeleteCascade  = "cascade"
)

// ValidOnDelete reports whether p is a recognized delete policy.
func ValidOnDelete(p string) bool {
	switch p {
	case OnDeleteSetNull, OnDeleteRestrict, OnDeleteCascade:
		return true
	}
	return false
}

// Date and datetime wire and column formats.
const (
	DateFormat     = "2006-01-02"
	DatetimeFormat = "2006-01-02 15:04:05"
)
