package envelope

import (
	"fmt"
	"strings"
)

// Identity names an endpoint instance. Comparison ignores case on both parts.
type Identity struct {
	LogicalName  string
	InstanceName string
}

// NewIdentity builds an Identity.
func NewIdentity(logical, instance string) Identity {
	return Identity{LogicalName: logical, InstanceName: instance}
}

// Equal compares both names case-insensitively.
func (i Identity) Equal(other Identity) bool {
	return strings.EqualFold(i.LogicalName, other.LogicalName) &&
		strings.EqualFold(i.InstanceName, other.InstanceName)
}

// SameLogical reports whether both identities belong to the same logical endpoint.
func (i Identity) SameLogical(other Identity) bool {
	return strings.EqualFold(i.LogicalName, other.LogicalName)
}

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool {
	return i.LogicalName == "" && i.InstanceName == ""
}

// Validate rejects identities that cannot round trip through String: a
// missing logical name, or an "@" in either part.
func (i Identity) Validate() error {
	if i.LogicalName == "" {
		return fmt.Errorf("envelope: identity %q has no logical name", i.String())
	}
	if strings.Contains(i.LogicalName, "@") || strings.Contains(i.InstanceName, "@") {
		return fmt.Errorf("envelope: identity %q must not contain '@' in its names", i.String())
	}
	return nil
}

// Key is a normalised form usable as a map key. Identities that are Equal
// share a key.
func (i Identity) Key() string {
	return foldCase(i.LogicalName) + "@" + foldCase(i.InstanceName)
}

// foldCase maps case variants that strings.EqualFold treats as equal, such as
// a final sigma, onto one form.
func foldCase(s string) string {
	return strings.ToLower(strings.ToUpper(s))
}

func (i Identity) String() string {
	return i.LogicalName + "@" + i.InstanceName
}

// ParseIdentity parses the logical@instance form produced by String.
func ParseIdentity(s string) (Identity, error) {
	logical, instance, ok := strings.Cut(s, "@")
	if !ok || logical == "" || instance == "" || strings.Contains(instance, "@") {
		return Identity{}, fmt.Errorf("envelope: malformed identity %q", s)
	}
	return Identity{LogicalName: logical, InstanceName: instance}, nil
}
