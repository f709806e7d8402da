package validation

import (
	"fmt"
	"sync"

	"github.com/openrepo/editsync/common/models"
)

// Policy decides whether a field value is acceptable for submission
type Policy interface {
	Validate(field models.Field) error
}

// PolicyFunc adapts a function to Policy
type PolicyFunc func(field models.Field) error

func (f PolicyFunc) Validate(field models.Field) error { return f(field) }

// AllowAll accepts every field
var AllowAll Policy = PolicyFunc(func(models.Field) error { return nil })

// RulePolicy validates fields using rules bound per field key
type RulePolicy struct {
	registry   *Registry
	validators map[string][]FieldValidator
	mu         sync.RWMutex
}

// NewRulePolicy creates an empty rule policy backed by registry
func NewRulePolicy(registry *Registry) *RulePolicy {
	return &RulePolicy{
		registry:   registry,
		validators: make(map[string][]FieldValidator),
	}
}

// Bind resolves rules for a field key, replacing previous bindings
func (p *RulePolicy) Bind(key string, rules []Rule) error {
	validators, err := p.registry.ResolveAll(rules)
	if err != nil {
		return fmt.Errorf("bind %s: %w", key, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.validators[key] = validators
	return nil
}

// Validate runs every validator bound to the field key
func (p *RulePolicy) Validate(field models.Field) error {
	p.mu.RLock()
	validators := p.validators[field.Key]
	p.mu.RUnlock()

	for _, v := range validators {
		if err := v(field); err != nil {
			return err
		}
	}
	return nil
}
