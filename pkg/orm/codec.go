package orm

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"golang.org/x/text/unicode/norm"

	"github.com/mesh-intelligence/attrstore/pkg/types"
)

// codec converts the values of one attribute between formats:
//
//	any input  -> cache     convert
//	cache      -> wire      wire
//	cache      -> column    column
//	column     -> cache     decode
//
// Record format equals cache format for scalar kinds; relational kinds are
// turned into EntitySets by the transaction.
type codec interface {
	convert(cc convCtx, v any) (any, error)
	wire(tx *Tx, v any) (any, error)
	column(v any) (any, error)
	decode(v any) (any, error)
	null() any
}

// convCtx carries what a conversion may need beyond the value: the
// transaction, the target record, and sibling values converted in the same
// write.
type convCtx struct {
	tx     *Tx
	id     int64
	staged map[*Attribute]any
}

var errNotAllowed = errors.New("not an allowed value")

func newCodec(a *Attribute) codec {
	var c codec
	switch a.kind {
	case types.KindBoolean:
		c = boolCodec{}
	case types.KindInteger:
		c = intCodec{}
	case types.KindFloat:
		c = floatCodec{attr: a}
	case types.KindMonetary:
		c = monetaryCodec{floatCodec{attr: a}}
	case types.KindChar, types.KindText:
		c = stringCodec{size: a.def.Size}
	case types.KindHTML:
		c = htmlCodec{sanitize: !a.def.NoSanitize}
	case types.KindDate:
		c = timeCodec{layout: types.DateFormat, date: true}
	case types.KindDatetime:
		c = timeCodec{layout: types.DatetimeFormat}
	case types.KindBinary:
		c = binaryCodec{}
	case types.KindSelection:
		c = selectionCodec{attr: a}
	case types.KindMultiSelection:
		c = multiSelectionCodec{selectionCodec{attr: a}}
	case types.KindReference:
		c = referenceCodec{attr: a}
	case types.KindMany2One:
		c = many2oneCodec{attr: a}
	case types.KindOne2Many, types.KindMany2Many:
		c = x2manyCodec{attr: a}
	default:
		return nil
	}
	if a.def.CompanyDependent {
		return companyCodec{inner: c}
	}
	return c
}

func isNull(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

// boolean

type boolCodec struct{}

func (boolCodec) convert(_ convCtx, v any) (any, error) {
	if isNull(v) {
		return false, nil
	}
	return cast.ToBoolE(v)
}

func (boolCodec) wire(_ *Tx, v any) (any, error) { return v, nil }
func (boolCodec) column(v any) (any, error)      { return v, nil }
func (boolCodec) decode(v any) (any, error) {
	if v == nil {
		return false, nil
	}
	return cast.ToBoolE(v)
}
func (boolCodec) null() any { return false }

// integer

type intCodec struct{}

func (intCodec) convert(_ convCtx, v any) (any, error) {
	if isNull(v) {
		return int64(0), nil
	}
	if _, ok := v.(bool); ok {
		return nil, fmt.Errorf("expected an integer, got %T", v)
	}
	if s, ok := v.(string); ok {
		v = strings.TrimSpace(s)
	}
	return cast.ToInt64E(v)
}

func (intCodec) wire(_ *Tx, v any) (any, error) { return v, nil }
func (intCodec) column(v any) (any, error)      { return v, nil }
func (intCodec) decode(v any) (any, error) {
	if v == nil {
		return int64(0), nil
	}
	return cast.ToInt64E(v)
}
func (intCodec) null() any { return int64(0) }

// float

type floatCodec struct {
	attr *Attribute
}

func toFloat(v any) (float64, error) {
	if isNull(v) {
		return 0, nil
	}
	if _, ok := v.(bool); ok {
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
	if s, ok := v.(string); ok {
		v = strings.TrimSpace(s)
	}
	if d, ok := v.(decimal.Decimal); ok {
		f, _ := d.Float64()
		return f, nil
	}
	return cast.ToFloat64E(v)
}

func (c floatCodec) convert(cc convCtx, v any) (any, error) {
	f, err := toFloat(v)
	if err != nil {
		return nil, err
	}
	if d := c.attr.def.Digits; d != nil {
		f = roundFloat(f, d.Scale, cc.rounding())
	}
	return f, nil
}

func (floatCodec) wire(_ *Tx, v any) (any, error) { return v, nil }
func (floatCodec) column(v any) (any, error)      { return v, nil }
func (floatCodec) decode(v any) (any, error) {
	if v == nil {
		return float64(0), nil
	}
	return cast.ToFloat64E(v)
}
func (floatCodec) null() any { return float64(0) }

func (cc convCtx) rounding() string {
	if cc.tx == nil {
		return types.RoundHalfUp
	}
	return cc.tx.s.engine.rounding
}

// roundFloat rounds f to scale decimal places in the given mode. Rounding
// goes through the shortest decimal representation of f, so 10.005 rounds
// to 10.01 at scale 2 in HALF-UP mode.
func roundFloat(f float64, scale int, mode string) float64 {
	d := decimal.NewFromFloat(f)
	s := int32(scale)
	switch mode {
	case types.RoundHalfEven:
		d = d.RoundBank(s)
	case types.RoundUp:
		d = d.RoundUp(s)
	case types.RoundDown:
		d = d.RoundDown(s)
	default:
		d = d.Round(s)
	}
	out, _ := d.Float64()
	return out
}

// monetary rounds to the decimal places of the record's currency.

type monetaryCodec struct {
	floatCodec
}

func (c monetaryCodec) convert(cc convCtx, v any) (any, error) {
	f, err := toFloat(v)
	if err != nil {
		return nil, err
	}
	scale, ok, err := cc.currencyScale(c.attr)
	if err != nil {
		return nil, err
	}
	if ok {
		return roundFloat(f, scale, cc.rounding()), nil
	}
	if d := c.attr.def.Digits; d != nil {
		return roundFloat(f, d.Scale, cc.rounding()), nil
	}
	return f, nil
}

// currencyScale returns the decimal places of the currency of the target
// record, preferring a currency written in the same operation.
func (cc convCtx) currencyScale(a *Attribute) (int, bool, error) {
	if cc.tx == nil || a.currency == nil {
		return 0, false, nil
	}
	var cur int64
	if v, ok := cc.staged[a.currency]; ok {
		cur, _ = v.(int64)
	} else if cc.id != 0 {
		v, err := cc.tx.sudo().readCache(a.currency, cc.id)
		if err != nil {
			return 0, false, err
		}
		cur, _ = v.(int64)
	}
	if cur == 0 {
		return 0, false, nil
	}
	dp := a.currency.comodel.attrs[CurrencyDecimalsAttr]
	v, err := cc.tx.sudo().readCache(dp, cur)
	if err != nil {
		return 0, false, err
	}
	return int(cast.ToInt64(v)), true, nil
}

// char and text

type stringCodec struct {
	size int
}

func toText(v any) (any, error) {
	if isNull(v) {
		return nil, nil
	}
	switch s := v.(type) {
	case string:
		return norm.NFC.String(s), nil
	case []byte:
		return norm.NFC.String(string(s)), nil
	case fmt.Stringer:
		return norm.NFC.String(s.String()), nil
	case bool:
		return nil, fmt.Errorf("expected a string, got %T", v)
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return nil, err
	}
	return norm.NFC.String(s), nil
}

func (c stringCodec) convert(_ convCtx, v any) (any, error) {
	out, err := toText(v)
	if err != nil || out == nil {
		return out, err
	}
	s := out.(string)
	if c.size > 0 && utf8.RuneCountInString(s) > c.size {
		s = string([]rune(s)[:c.size])
	}
	return s, nil
}

func (stringCodec) wire(_ *Tx, v any) (any, error) { return v, nil }
func (stringCodec) column(v any) (any, error)      { return v, nil }
func (stringCodec) decode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	return cast.ToStringE(v)
}
func (stringCodec) null() any { return nil }

// html is sanitized when persisted.

var htmlPolicy = bluemonday.UGCPolicy()

type htmlCodec struct {
	sanitize bool
}

func (htmlCodec) convert(_ convCtx, v any) (any, error) { return toText(v) }
func (htmlCodec) wire(_ *Tx, v any) (any, error)       { return v, nil }

func (c htmlCodec) column(v any) (any, error) {
	s, ok := v.(string)
	if !ok || !c.sanitize {
		return v, nil
	}
	return htmlPolicy.Sanitize(s), nil
}

func (htmlCodec) decode(v any) (any, error) { return stringCodec{}.decode(v) }
func (htmlCodec) null() any                 { return nil }

// date and datetime

type timeCodec struct {
	layout string
	date   bool
}

var timeLayouts = []string{
	types.DatetimeFormat,
	time.RFC3339Nano,
	types.DateFormat,
}

func (c timeCodec) normalize(t time.Time) time.Time {
	t = t.UTC()
	if c.date {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.Truncate(time.Second)
}

func (c timeCodec) parse(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return c.normalize(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as %s", s, c.layout)
}

func (c timeCodec) convert(_ convCtx, v any) (any, error) {
	if isNull(v) {
		return nil, nil
	}
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return nil, nil
		}
		return c.normalize(t), nil
	case *time.Time:
		return c.normalize(*t), nil
	case string:
		if t == "" {
			return nil, nil
		}
		return c.parse(strings.TrimSpace(t))
	}
	return nil, fmt.Errorf("expected a time or string, got %T", v)
}

func (c timeCodec) wire(_ *Tx, v any) (any, error) {
	t, ok := v.(time.Time)
	if !ok {
		return nil, nil
	}
	return t.Format(c.layout), nil
}

func (c timeCodec) column(v any) (any, error) { return c.wire(nil, v) }

func (c timeCodec) decode(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return c.normalize(t), nil
	case []byte:
		return c.parse(string(t))
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	return c.parse(s)
}

func (timeCodec) null() any { return nil }

// binary travels as base64 on the wire.

type binaryCodec struct{}

func (binaryCodec) convert(_ convCtx, v any) (any, error) {
	if isNull(v) {
		return nil, nil
	}
	switch b := v.(type) {
	case []byte:
		return bytes.Clone(b), nil
	case string:
		if b == "" {
			return nil, nil
		}
		out, err := base64.StdEncoding.DecodeString(b)
		if err != nil {
			return nil, fmt.Errorf("binary value is not base64: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected bytes or base64 string, got %T", v)
}

func (binaryCodec) wire(_ *Tx, v any) (any, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, nil
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func (binaryCodec) column(v any) (any, error) { return v, nil }

func (binaryCodec) decode(v any) (any, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return bytes.Clone(b), nil
	case string:
		return []byte(b), nil
	}
	return nil, fmt.Errorf("expected bytes, got %T", v)
}

func (binaryCodec) null() any { return nil }

// selection

type selectionCodec struct {
	attr *Attribute
}

func (c selectionCodec) allowed(tx *Tx) []SelectionOption {
	if c.attr.def.SelectionFunc != nil && tx != nil {
		return c.attr.def.SelectionFunc(tx)
	}
	return c.attr.def.Selection
}

func (c selectionCodec) check(tx *Tx, s string) error {
	for _, opt := range c.allowed(tx) {
		if opt.Value == s {
			return nil
		}
	}
	return errNotAllowed
}

func (c selectionCodec) convert(cc convCtx, v any) (any, error) {
	if isNull(v) {
		return nil, nil
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	if err := c.check(cc.tx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (selectionCodec) wire(_ *Tx, v any) (any, error) { return v, nil }
func (selectionCodec) column(v any) (any, error)      { return v, nil }
func (selectionCodec) decode(v any) (any, error)      { return stringCodec{}.decode(v) }
func (selectionCodec) null() any                      { return nil }

// multiselection holds an ordered set of allowed values, persisted as a
// JSON array.

type multiSelectionCodec struct {
	selectionCodec
}

func (c multiSelectionCodec) convert(cc convCtx, v any) (any, error) {
	if isNull(v) {
		return []string{}, nil
	}
	var items []string
	switch s := v.(type) {
	case string:
		if s != "" {
			items = strings.Split(s, ",")
		}
	default:
		var err error
		items, err = cast.ToStringSliceE(v)
		if err != nil {
			return nil, err
		}
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" || slices.Contains(out, it) {
			continue
		}
		if err := c.check(cc.tx, it); err != nil {
			return nil, fmt.Errorf("%q: %w", it, err)
		}
		out = append(out, it)
	}
	return out, nil
}

func (multiSelectionCodec) wire(_ *Tx, v any) (any, error) {
	s, _ := v.([]string)
	return slices.Clone(s), nil
}

func (multiSelectionCodec) column(v any) (any, error) {
	s, _ := v.([]string)
	if len(s) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (multiSelectionCodec) decode(v any) (any, error) {
	if v == nil {
		return []string{}, nil
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("decode multiselection: %w", err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func (multiSelectionCodec) null() any { return []string{} }

// reference

type referenceCodec struct {
	attr *Attribute
}

func (c referenceCodec) convert(cc convCtx, v any) (any, error) {
	if isNull(v) {
		return nil, nil
	}
	var ref types.Reference
	switch r := v.(type) {
	case types.Reference:
		ref = r
	case *types.Reference:
		ref = *r
	case EntitySet:
		if r.Len() == 0 {
			return nil, nil
		}
		if r.Len() > 1 {
			return nil, types.ErrNotSingleton
		}
		ref = types.Reference{Collection: r.coll.name, ID: r.ids[0]}
	case string:
		if r == "" {
			return nil, nil
		}
		var err error
		if ref, err = types.ParseReference(r); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("expected a reference, got %T", v)
	}
	if cc.tx != nil {
		if _, err := cc.tx.s.engine.registry.Collection(ref.Collection); err != nil {
			return nil, err
		}
	}
	if opts := c.attr.def.Selection; len(opts) > 0 {
		ok := false
		for _, o := range opts {
			ok = ok || o.Value == ref.Collection
		}
		if !ok {
			return nil, errNotAllowed
		}
	}
	return ref, nil
}

func (referenceCodec) wire(_ *Tx, v any) (any, error) {
	r, ok := v.(types.Reference)
	if !ok {
		return nil, nil
	}
	return r.String(), nil
}

func (c referenceCodec) column(v any) (any, error) { return c.wire(nil, v) }

func (referenceCodec) decode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	s, err := cast.ToStringE(v)
	if err != nil || s == "" {
		return nil, err
	}
	return types.ParseReference(s)
}

func (referenceCodec) null() any { return nil }

// many2one holds the referenced id, 0 when empty.

type many2oneCodec struct {
	attr *Attribute
}

func (c many2oneCodec) convert(_ convCtx, v any) (any, error) {
	if isNull(v) {
		return int64(0), nil
	}
	switch r := v.(type) {
	case EntitySet:
		if r.coll != c.attr.comodel {
			return nil, fmt.Errorf("expected %s records, got %s", c.attr.comodel.name, r.coll.name)
		}
		switch r.Len() {
		case 0:
			return int64(0), nil
		case 1:
			return r.ids[0], nil
		}
		return nil, types.ErrNotSingleton
	case types.Ref:
		return r.ID, nil
	case *types.Ref:
		return r.ID, nil
	case bool:
		if !r {
			return int64(0), nil
		}
		return nil, fmt.Errorf("expected an id, got %T", v)
	}
	return cast.ToInt64E(v)
}

func (c many2oneCodec) wire(tx *Tx, v any) (any, error) {
	id, _ := v.(int64)
	if id == 0 {
		return nil, nil
	}
	name, err := tx.displayName(c.attr.comodel, id)
	if err != nil {
		return nil, err
	}
	return types.Ref{ID: id, Name: name}, nil
}

func (many2oneCodec) column(v any) (any, error) {
	id, _ := v.(int64)
	if id <= 0 {
		return nil, nil
	}
	return id, nil
}

func (many2oneCodec) decode(v any) (any, error) {
	if v == nil {
		return int64(0), nil
	}
	return cast.ToInt64E(v)
}

func (many2oneCodec) null() any { return int64(0) }

// one2many and many2many hold ordered, duplicate-free id lists.

type x2manyCodec struct {
	attr *Attribute
}

func (c x2manyCodec) convert(_ convCtx, v any) (any, error) {
	if isNull(v) {
		return []int64{}, nil
	}
	var ids []int64
	switch r := v.(type) {
	case EntitySet:
		if r.coll != c.attr.comodel {
			return nil, fmt.Errorf("expected %s records, got %s", c.attr.comodel.name, r.coll.name)
		}
		ids = r.ids
	case []int64:
		ids = r
	default:
		items, err := cast.ToSliceE(v)
		if err != nil {
			return nil, fmt.Errorf("expected a list of ids, got %T", v)
		}
		for _, it := range items {
			id, err := cast.ToInt64E(it)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
	}
	return uniqueIDs(ids), nil
}

func (x2manyCodec) wire(_ *Tx, v any) (any, error) {
	ids, _ := v.([]int64)
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id > 0 {
			out = append(out, id)
		}
	}
	return out, nil
}

func (x2manyCodec) column(v any) (any, error) { return nil, nil }
func (x2manyCodec) decode(v any) (any, error) { return []int64{}, nil }
func (x2manyCodec) null() any                 { return []int64{} }

func uniqueIDs(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// companyValues is the cache value of a company-dependent attribute: one
// value per company id, key 0 holding the default.
type companyValues map[int64]any

// companyCodec stores one value per company as a JSON object keyed by
// company id.
type companyCodec struct {
	inner codec
}

func (c companyCodec) convert(cc convCtx, v any) (any, error) { return c.inner.convert(cc, v) }
func (c companyCodec) wire(tx *Tx, v any) (any, error)       { return c.inner.wire(tx, v) }
func (c companyCodec) null() any                             { return c.inner.null() }

func (c companyCodec) column(v any) (any, error) {
	vals, ok := v.(companyValues)
	if !ok || len(vals) == 0 {
		return nil, nil
	}
	obj := make(map[string]any, len(vals))
	for company, val := range vals {
		col, err := c.inner.column(val)
		if err != nil {
			return nil, err
		}
		obj[cast.ToString(company)] = col
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (c companyCodec) decode(v any) (any, error) {
	out := companyValues{}
	if v == nil {
		return out, nil
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return nil, err
	}
	if s == "" {
		return out, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, fmt.Errorf("decode company values: %w", err)
	}
	for key, raw := range obj {
		company, err := cast.ToInt64E(key)
		if err != nil {
			return nil, err
		}
		val, err := c.inner.decode(raw)
		if err != nil {
			return nil, err
		}
		out[company] = val
	}
	return out, nil
}

// cacheEqual compares two cache values.
func cacheEqual(a, b any) bool {
	switch x := a.(type) {
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case []int64:
		y, ok := b.([]int64)
		return ok && slices.Equal(x, y)
	case []string:
		y, ok := b.([]string)
		return ok && slices.Equal(x, y)
	}
	return reflect.DeepEqual(a, b)
}
