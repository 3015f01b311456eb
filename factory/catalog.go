/*
Package factory provides JSON to Go service catalog conversion.

PURPOSE:
  Converts a JSON service catalog into a generic.Catalog. The front desk
  wording of each service kind (display name, receipt labels) and the
  practitioner role owning its subscriptions can then change without a
  release.

JSON SCHEMA:
  {
    "services": [
      {
        "kind": "pt",
        "display_name": "Personal Training",
        "owner_role": "coach",
        "purchase_label": "PT subscription",
        "renewal_label": "PT renewal"
      }
    ]
  }

KEY FEATURES:
  - Every built-in kind must be present exactly once
  - Missing labels default to "<display name> subscription" and
    "<display name> renewal"
  - Owner roles must be practitioner roles

USAGE:
  f := factory.NewCatalogFactory()
  catalog, err := f.LoadFile("./config/services.json")

SEE ALSO:
  - generic/service.go: Catalog and ServiceInfo
*/
package factory

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"

	"github.com/warp/gym-ledger/generic"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// CatalogJSON is the JSON representation of a catalog.
type CatalogJSON struct {
	Services []ServiceJSON `json:"services"`
}

// ServiceJSON describes one service kind.
type ServiceJSON struct {
	Kind          string `json:"kind"`
	DisplayName   string `json:"display_name"`
	OwnerRole     string `json:"owner_role"`
	PurchaseLabel string `json:"purchase_label,omitempty"`
	RenewalLabel  string `json:"renewal_label,omitempty"`
}

// =============================================================================
// CATALOG FACTORY
// =============================================================================

type CatalogFactory struct{}

func NewCatalogFactory() *CatalogFactory {
	return &CatalogFactory{}
}

// ParseCatalog parses a JSON document into a Catalog.
func (f *CatalogFactory) ParseCatalog(data []byte) (*generic.Catalog, error) {
	var cj CatalogJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return nil, errors.Wrap(err, "failed to parse catalog JSON")
	}
	return f.FromJSON(cj)
}

// LoadFile reads and parses the catalog at path.
func (f *CatalogFactory) LoadFile(path string) (*generic.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read catalog %s", path)
	}
	return f.ParseCatalog(data)
}

// FromJSON converts CatalogJSON into a Catalog.
func (f *CatalogFactory) FromJSON(cj CatalogJSON) (*generic.Catalog, error) {
	infos := make([]generic.ServiceInfo, 0, len(cj.Services))
	for _, sj := range cj.Services {
		info, err := parseService(sj)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return generic.NewCatalog(infos)
}

// ToJSON renders a catalog in the same schema ParseCatalog reads.
func (f *CatalogFactory) ToJSON(c *generic.Catalog) CatalogJSON {
	return CatalogJSON{
		Services: lo.Map(c.List(), func(info generic.ServiceInfo, _ int) ServiceJSON {
			return ServiceJSON{
				Kind:          string(info.Kind),
				DisplayName:   info.DisplayName,
				OwnerRole:     string(info.OwnerRole),
				PurchaseLabel: info.PurchaseLabel,
				RenewalLabel:  info.RenewalLabel,
			}
		}),
	}
}

func parseService(sj ServiceJSON) (generic.ServiceInfo, error) {
	kind, err := generic.ParseServiceKind(sj.Kind)
	if err != nil {
		return generic.ServiceInfo{}, err
	}
	name := strings.TrimSpace(sj.DisplayName)
	if name == "" {
		return generic.ServiceInfo{}, generic.Validationf("service kind %q has no display name", kind)
	}
	role := generic.Role(strings.ToLower(strings.TrimSpace(sj.OwnerRole)))

	info := generic.ServiceInfo{
		Kind:          kind,
		DisplayName:   name,
		OwnerRole:     role,
		PurchaseLabel: sj.PurchaseLabel,
		RenewalLabel:  sj.RenewalLabel,
	}
	if info.PurchaseLabel == "" {
		info.PurchaseLabel = name + " subscription"
	}
	if info.RenewalLabel == "" {
		info.RenewalLabel = name + " renewal"
	}
	return info, nil
}
