// Package site describes the identity of the running Geo node. A Context is
// built once from configuration and handed to every component constructor.
package site

import (
	"errors"
	"fmt"
	"strings"
)

// Role is the replication role of a site.
type Role string

const (
	// RolePrimary is the single writable site.
	RolePrimary Role = "primary"
	// RoleSecondary is a read-only replica that pulls from the primary.
	RoleSecondary Role = "secondary"
)

var (
	errNoName        = errors.New("site name is not set")
	errUnknownRole   = errors.New("unknown site role")
	errNoPrimaryURL  = errors.New("secondary site requires the primary URL")
	errNoPrimaryName = errors.New("secondary site requires the primary name")
)

// Context is the identity of this node and its view of the topology.
type Context struct {
	// Name identifies this site. It is the issuer of the tokens it signs.
	Name string
	// Role of this site.
	Role Role
	// PrimaryName is the name of the primary. Equal to Name on the primary.
	PrimaryName string
	// PrimaryURL is the external URL of the primary.
	PrimaryURL string
	// Secondaries lists the secondary site names known to the primary.
	Secondaries []string
}

// NewPrimary returns the Context of a primary site.
func NewPrimary(name, url string, secondaries []string) Context {
	return Context{
		Name:        name,
		Role:        RolePrimary,
		PrimaryName: name,
		PrimaryURL:  strings.TrimSuffix(url, "/"),
		Secondaries: secondaries,
	}
}

// NewSecondary returns the Context of a secondary site.
func NewSecondary(name, primaryName, primaryURL string) Context {
	return Context{
		Name:        name,
		Role:        RoleSecondary,
		PrimaryName: primaryName,
		PrimaryURL:  strings.TrimSuffix(primaryURL, "/"),
	}
}

// IsPrimary reports whether this site is the primary.
func (c Context) IsPrimary() bool { return c.Role == RolePrimary }

// IsSecondary reports whether this site is a secondary.
func (c Context) IsSecondary() bool { return c.Role == RoleSecondary }

// KnowsSecondary reports whether name is a secondary of this primary.
func (c Context) KnowsSecondary(name string) bool {
	for _, s := range c.Secondaries {
		if s == name {
			return true
		}
	}
	return false
}

// Validate checks the Context is usable for its role.
func (c Context) Validate() error {
	if c.Name == "" {
		return errNoName
	}

	switch c.Role {
	case RolePrimary:
		return nil
	case RoleSecondary:
		if c.PrimaryURL == "" {
			return errNoPrimaryURL
		}
		if c.PrimaryName == "" {
			return errNoPrimaryName
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", errUnknownRole, c.Role)
	}
}
