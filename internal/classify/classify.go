// Package classify maps a foreground application identifier to a role tag.
package classify

import (
	"strings"

	"github.com/quill/pkg/models"
)

// RoleRule associates a role with the application-name substrings that
// select it.
type RoleRule struct {
	Role       models.RoleTag
	Substrings []string
}

// Classifier resolves role tags from application identifiers. It is pure and
// side-effect-free, so callers may run it on every context poll.
type Classifier struct {
	rules       []RoleRule
	defaultRole models.RoleTag
}

// New creates a Classifier. Rule order is the tie-break: when an identifier
// contains substrings of several roles, the role configured first wins.
// Substrings are normalized to lower case at construction.
func New(rules []RoleRule, defaultRole models.RoleTag) *Classifier {
	if defaultRole == "" {
		defaultRole = models.RoleDefault
	}
	normalized := make([]RoleRule, 0, len(rules))
	for _, r := range rules {
		subs := make([]string, 0, len(r.Substrings))
		for _, s := range r.Substrings {
			s = strings.ToLower(strings.TrimSpace(s))
			if s != "" {
				subs = append(subs, s)
			}
		}
		normalized = append(normalized, RoleRule{Role: r.Role, Substrings: subs})
	}
	return &Classifier{rules: normalized, defaultRole: defaultRole}
}

// Classify returns the role for an application identifier. The identifier is
// lower-cased and whitespace-trimmed here, so callers can pass raw window
// titles. Unrecognized or empty identifiers resolve to the default role.
func (c *Classifier) Classify(appID string) models.RoleTag {
	id := strings.ToLower(strings.TrimSpace(appID))
	if id == "" {
		return c.defaultRole
	}
	for _, rule := range c.rules {
		for _, sub := range rule.Substrings {
			if strings.Contains(id, sub) {
				return rule.Role
			}
		}
	}
	return c.defaultRole
}

// DefaultRole returns the configured fallback role.
func (c *Classifier) DefaultRole() models.RoleTag {
	return c.defaultRole
}
