package rules

import (
	"fmt"

	"schemadb/src/helpers"
)

// numeric describes how a numeric type tag recognises its values.
type numeric struct {
	tag     string
	noun    string
	is      func(v any) bool
	strings bool
}

var numericTypes = []numeric{
	{tag: TypeInteger, noun: "an integer", is: helpers.IsInt},
	{tag: TypeFloat, noun: "a float", is: helpers.IsFloat},
	{tag: TypeNumber, noun: "a number", is: isNumber, strings: true},
}

func isNumber(v any) bool {
	_, ok := helpers.ToFloat(v, true)
	return ok
}

func registerNumeric(r *Registry) {
	for _, n := range numericTypes {
		n := n
		value := func(v any) (float64, bool) {
			if !n.is(v) {
				return 0, false
			}
			return helpers.ToFloat(v, n.strings)
		}

		r.Register(n.tag, RuleType, Fixed(fmt.Sprintf("must be %s or null", n.noun), func(v any) bool {
			return v == nil || n.is(v)
		}))
		r.Register(n.tag, MarkerNotNull, Fixed(fmt.Sprintf("must be %s", n.noun), n.is))
		r.Register(n.tag, MarkerNotEmpty, Fixed(fmt.Sprintf("must be %s greater than zero", n.noun), func(v any) bool {
			f, ok := value(v)
			return ok && f > 0
		}))

		r.Register(n.tag, "between", func(params ...any) (Rule, error) {
			p, err := paramFloat("between", params, 2)
			if err != nil {
				return nil, err
			}
			return New("must be between both values", func(v any) bool {
				f, ok := value(v)
				return ok && f >= p[0] && f <= p[1]
			}), nil
		})
		r.Register(n.tag, "min", func(params ...any) (Rule, error) {
			p, err := paramFloat("min", params, 1)
			if err != nil {
				return nil, err
			}
			return New(fmt.Sprintf("must be a minimum value of %s", formatNumber(p[0])), func(v any) bool {
				f, ok := value(v)
				return ok && f >= p[0]
			}), nil
		})
		r.Register(n.tag, "max", func(params ...any) (Rule, error) {
			p, err := paramFloat("max", params, 1)
			if err != nil {
				return nil, err
			}
			return New(fmt.Sprintf("must be a maximum value of %s", formatNumber(p[0])), func(v any) bool {
				f, ok := value(v)
				return ok && f <= p[0]
			}), nil
		})
		r.Register(n.tag, "allowed", func(params ...any) (Rule, error) {
			return New("value must be allowed", func(v any) bool { return n.is(v) && inValues(v, params) }), nil
		})
	}

	r.Register(TypeInteger, MarkerID, Fixed("must be an integer", helpers.IsInt))
}
