/*
service.go - Service kinds and their display metadata

PURPOSE:
  The gym sells four kinds of session blocks: personal training,
  physiotherapy, nutrition and group classes. They share one ledger
  implementation. What differs between them is data only: a display name,
  the practitioner role that owns the subscriptions, and the labels printed
  on purchase and renewal receipts.

HOW IT WORKS:
  1. ServiceKind is a closed set of constants
  2. A Catalog maps each kind to its ServiceInfo
  3. DefaultCatalog() returns the built-in metadata; factory.LoadFile()
     overrides it from JSON without touching code

SEE ALSO:
  - factory/catalog.go: JSON catalog loader
  - ledger/ledger.go: the single ledger implementation
*/
package generic

import (
	"sort"
	"strings"
)

type ServiceKind string

const (
	ServicePT         ServiceKind = "pt"
	ServicePhysio     ServiceKind = "physiotherapy"
	ServiceNutrition  ServiceKind = "nutrition"
	ServiceGroupClass ServiceKind = "group_class"
)

var serviceKinds = []ServiceKind{ServicePT, ServicePhysio, ServiceNutrition, ServiceGroupClass}

// ServiceKinds returns every known kind in a stable order.
func ServiceKinds() []ServiceKind {
	return append([]ServiceKind(nil), serviceKinds...)
}

// ParseServiceKind accepts a kind regardless of case and surrounding space.
func ParseServiceKind(s string) (ServiceKind, error) {
	k := ServiceKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range serviceKinds {
		if k == known {
			return k, nil
		}
	}
	return "", Validationf("unknown service kind %q", s)
}

// =============================================================================
// SERVICE INFO
// =============================================================================

// ServiceInfo is the display metadata of one service kind.
type ServiceInfo struct {
	Kind          ServiceKind
	DisplayName   string
	OwnerRole     Role
	PurchaseLabel string
	RenewalLabel  string
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog holds ServiceInfo for every kind. It is immutable once built and
// safe for concurrent use.
type Catalog struct {
	services map[ServiceKind]ServiceInfo
}

// NewCatalog builds a catalog from infos. Every kind must be present exactly
// once.
func NewCatalog(infos []ServiceInfo) (*Catalog, error) {
	c := &Catalog{services: make(map[ServiceKind]ServiceInfo, len(infos))}
	for _, info := range infos {
		if _, err := ParseServiceKind(string(info.Kind)); err != nil {
			return nil, err
		}
		if _, dup := c.services[info.Kind]; dup {
			return nil, Validationf("service kind %q defined twice", info.Kind)
		}
		if !IsPractitioner(info.OwnerRole) {
			return nil, Validationf("service kind %q: owner role %q is not a practitioner role", info.Kind, info.OwnerRole)
		}
		c.services[info.Kind] = info
	}
	for _, k := range serviceKinds {
		if _, ok := c.services[k]; !ok {
			return nil, Validationf("service kind %q missing from catalog", k)
		}
	}
	return c, nil
}

var defaultServices = []ServiceInfo{
	{Kind: ServicePT, DisplayName: "Personal Training", OwnerRole: RoleCoach,
		PurchaseLabel: "PT subscription", RenewalLabel: "PT renewal"},
	{Kind: ServicePhysio, DisplayName: "Physiotherapy", OwnerRole: RolePhysiotherapist,
		PurchaseLabel: "Physiotherapy subscription", RenewalLabel: "Physiotherapy renewal"},
	{Kind: ServiceNutrition, DisplayName: "Nutrition", OwnerRole: RoleNutritionist,
		PurchaseLabel: "Nutrition subscription", RenewalLabel: "Nutrition renewal"},
	{Kind: ServiceGroupClass, DisplayName: "Group Class", OwnerRole: RoleCoach,
		PurchaseLabel: "Group class subscription", RenewalLabel: "Group class renewal"},
}

// DefaultCatalog returns the built-in metadata, one entry per kind.
func DefaultCatalog() *Catalog {
	c := &Catalog{services: make(map[ServiceKind]ServiceInfo, len(defaultServices))}
	for _, info := range defaultServices {
		c.services[info.Kind] = info
	}
	return c
}

// Lookup returns the metadata for kind.
func (c *Catalog) Lookup(kind ServiceKind) (ServiceInfo, bool) {
	info, ok := c.services[kind]
	return info, ok
}

// MustLookup returns the metadata for kind or panics.
// Use in tests or when kind came from ParseServiceKind.
func (c *Catalog) MustLookup(kind ServiceKind) ServiceInfo {
	info, ok := c.Lookup(kind)
	if !ok {
		panic("service kind not in catalog: " + string(kind))
	}
	return info
}

// List returns all entries ordered by kind.
func (c *Catalog) List() []ServiceInfo {
	result := make([]ServiceInfo, 0, len(c.services))
	for _, info := range c.services {
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Kind < result[j].Kind })
	return result
}
