package validation

import (
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/openrepo/editsync/common/models"
)

// ValidatorKey names a registered field validator
type ValidatorKey string

const (
	KeyRequired  ValidatorKey = "required"
	KeyMaxLength ValidatorKey = "maxLength"
	KeyPattern   ValidatorKey = "pattern"
	KeyEmail     ValidatorKey = "email"
	KeyDateISO   ValidatorKey = "dateISO"
	KeyExpr      ValidatorKey = "expr"
)

// ErrUnknownValidator is returned when a rule names an unregistered key
var ErrUnknownValidator = errors.New("unknown validator")

// FieldValidator checks one field value
type FieldValidator func(field models.Field) error

// Factory builds a validator from its rule argument
type Factory func(arg string) (FieldValidator, error)

// Rule is a declarative validator reference, as found in resource schemas
type Rule struct {
	Key ValidatorKey `yaml:"key" json:"key"`
	Arg string       `yaml:"arg,omitempty" json:"arg,omitempty"`
}

// Registry resolves validator keys to typed factories
type Registry struct {
	factories map[ValidatorKey]Factory
	mu        sync.RWMutex
}

// NewRegistry creates a registry with the built-in validators registered
func NewRegistry(evaluator *ExprEvaluator) *Registry {
	r := &Registry{factories: make(map[ValidatorKey]Factory)}

	r.Register(KeyRequired, func(string) (FieldValidator, error) {
		return func(f models.Field) error {
			if f.IsEmpty() {
				return fmt.Errorf("%s is required", f.Key)
			}
			return nil
		}, nil
	})

	r.Register(KeyMaxLength, func(arg string) (FieldValidator, error) {
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("maxLength: invalid limit %q", arg)
		}
		return func(f models.Field) error {
			for _, s := range stringValues(f.Value) {
				if utf8.RuneCountInString(s) > n {
					return fmt.Errorf("%s exceeds %d characters", f.Key, n)
				}
			}
			return nil
		}, nil
	})

	r.Register(KeyPattern, func(arg string) (FieldValidator, error) {
		re, err := regexp.Compile(arg)
		if err != nil {
			return nil, fmt.Errorf("pattern: %w", err)
		}
		return func(f models.Field) error {
			for _, s := range stringValues(f.Value) {
				if s != "" && !re.MatchString(s) {
					return fmt.Errorf("%s does not match %s", f.Key, arg)
				}
			}
			return nil
		}, nil
	})

	r.Register(KeyEmail, func(string) (FieldValidator, error) {
		return func(f models.Field) error {
			for _, s := range stringValues(f.Value) {
				if s == "" {
					continue
				}
				if _, err := mail.ParseAddress(s); err != nil {
					return fmt.Errorf("%s is not a valid email address", f.Key)
				}
			}
			return nil
		}, nil
	})

	r.Register(KeyDateISO, func(string) (FieldValidator, error) {
		return func(f models.Field) error {
			for _, s := range stringValues(f.Value) {
				if s == "" {
					continue
				}
				if _, err := time.Parse("2006-01-02", s); err != nil {
					if _, err := time.Parse(time.RFC3339, s); err != nil {
						return fmt.Errorf("%s is not an ISO date", f.Key)
					}
				}
			}
			return nil
		}, nil
	})

	if evaluator != nil {
		r.Register(KeyExpr, func(arg string) (FieldValidator, error) {
			if err := evaluator.Check(arg); err != nil {
				return nil, err
			}
			return func(f models.Field) error {
				ok, err := evaluator.Evaluate(arg, f)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s fails rule %q", f.Key, arg)
				}
				return nil
			}, nil
		})
	}

	return r
}

// Register adds or replaces the factory for key
func (r *Registry) Register(key ValidatorKey, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = factory
}

// Resolve builds the validator for a rule, failing fast on unknown keys
func (r *Registry) Resolve(rule Rule) (FieldValidator, error) {
	r.mu.RLock()
	factory, ok := r.factories[rule.Key]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownValidator, rule.Key)
	}
	return factory(rule.Arg)
}

// ResolveAll resolves every rule, stopping at the first failure
func (r *Registry) ResolveAll(rules []Rule) ([]FieldValidator, error) {
	out := make([]FieldValidator, 0, len(rules))
	for _, rule := range rules {
		v, err := r.Resolve(rule)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func stringValues(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return []string{t}
	case []string:
		return t
	case []models.MetadataValue:
		out := make([]string, len(t))
		for i, m := range t {
			out[i] = m.Value
		}
		return out
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprint(e))
		}
		return out
	}
	return []string{fmt.Sprint(v)}
}
