package orm

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"
)

// relatedCompute copies the value at the end of a's related path.
func relatedCompute(a *Attribute) ComputeFunc {
	return func(records EntitySet) error {
		prefix, last := a.related[:len(a.related)-1], a.related[len(a.related)-1]
		for _, rec := range records.Records() {
			target, err := rec.followAll(prefix)
			if err != nil {
				return err
			}
			var v any
			if target.Len() > 0 {
				if v, err = target.Records()[0].Get(last.name); err != nil {
					return err
				}
			}
			if err := rec.Set(a.name, v); err != nil {
				return err
			}
		}
		return nil
	}
}

// relatedInverse writes the value of a back to the end of its related path.
func relatedInverse(a *Attribute) ComputeFunc {
	return func(records EntitySet) error {
		prefix, last := a.related[:len(a.related)-1], a.related[len(a.related)-1]
		for _, rec := range records.Records() {
			target, err := rec.followAll(prefix)
			if err != nil {
				return err
			}
			if target.Len() == 0 {
				continue
			}
			v, err := rec.Get(a.name)
			if err != nil {
				return err
			}
			if err := target.Set(last.name, v); err != nil {
				return err
			}
		}
		return nil
	}
}

func (r EntitySet) followAll(steps []*Attribute) (EntitySet, error) {
	cur := r
	for _, a := range steps {
		var err error
		if cur, err = cur.follow(a); err != nil {
			return EntitySet{}, err
		}
	}
	return cur, nil
}

// SumOf returns a compute function assigning to target the sum of the
// numeric values found along path, for example "lines.subtotal".
func SumOf(target, path string) ComputeFunc {
	return func(records EntitySet) error {
		for _, rec := range records.Records() {
			vals, err := rec.Mapped(path)
			if err != nil {
				return err
			}
			total := 0.0
			for _, v := range vals {
				f, err := cast.ToFloat64E(v)
				if err != nil {
					return fmt.Errorf("sum of %s: %w", path, err)
				}
				total += f
			}
			if err := rec.Set(target, total); err != nil {
				return err
			}
		}
		return nil
	}
}

// CountOf returns a compute function assigning to target the number of
// entities reached through the relational path.
func CountOf(target, path string) ComputeFunc {
	return func(records EntitySet) error {
		for _, rec := range records.Records() {
			reached, err := rec.Along(path)
			if err != nil {
				return err
			}
			if err := rec.Set(target, reached.Len()); err != nil {
				return err
			}
		}
		return nil
	}
}

// ProductOf returns a compute function assigning to target the product of
// the named numeric attributes.
func ProductOf(target string, names ...string) ComputeFunc {
	return func(records EntitySet) error {
		for _, rec := range records.Records() {
			product := 1.0
			for _, n := range names {
				f, err := rec.GetFloat(n)
				if err != nil {
					return fmt.Errorf("product of %s: %w", strings.Join(names, ","), err)
				}
				product *= f
			}
			if err := rec.Set(target, product); err != nil {
				return err
			}
		}
		return nil
	}
}
