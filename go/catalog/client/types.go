package client

import (
	"encoding/json"
	"time"

	"github.com/nuget-trends/nuget-trends/go/skerr"
)

const (
	// catalogResourceType identifies the catalog index entry in the service
	// index.
	catalogResourceType = "Catalog/3.0.0"

	// Leaf item types as they appear in catalog pages. The live catalog emits
	// both the prefixed and the bare form, so both are recognized.
	typePackageDetails     = "nuget:PackageDetails"
	typePackageDelete      = "nuget:PackageDelete"
	typePackageDetailsBare = "PackageDetails"
	typePackageDeleteBare  = "PackageDelete"
)

// ServiceIndex is the upstream's entry point document, listing resource
// endpoints by type.
type ServiceIndex struct {
	Resources []ServiceResource `json:"resources"`
}

// ServiceResource is one endpoint in the service index.
type ServiceResource struct {
	URL  string `json:"@id"`
	Type string `json:"@type"`
}

// CatalogIndex lists all catalog pages with their commit-time bounds.
type CatalogIndex struct {
	CommitTimestamp time.Time  `json:"commitTimeStamp"`
	Count           int        `json:"count"`
	Items           []PageItem `json:"items"`
}

// PageItem is a reference to one catalog page.
type PageItem struct {
	URL             string    `json:"@id"`
	CommitTimestamp time.Time `json:"commitTimeStamp"`
	Count           int       `json:"count"`
}

// CatalogPage lists the leaves of one page.
type CatalogPage struct {
	CommitTimestamp time.Time  `json:"commitTimeStamp"`
	Count           int        `json:"count"`
	Items           []LeafItem `json:"items"`
}

// LeafItem is a reference to one catalog leaf: a package-details or
// package-delete event.
type LeafItem struct {
	URL             string    `json:"@id"`
	Type            string    `json:"@type"`
	CommitTimestamp time.Time `json:"commitTimeStamp"`
	PackageID       string    `json:"nuget:id"`
	PackageVersion  string    `json:"nuget:version"`
}

// IsPackageDetails returns true if the leaf describes a version publication.
func (l LeafItem) IsPackageDetails() bool {
	return l.Type == typePackageDetails || l.Type == typePackageDetailsBare
}

// IsPackageDelete returns true if the leaf describes a package deletion.
func (l LeafItem) IsPackageDelete() bool {
	return l.Type == typePackageDelete || l.Type == typePackageDeleteBare
}

// PackageDetailsLeaf is the full document behind a package-details leaf item.
// Fields not listed here are ignored on decode.
type PackageDetailsLeaf struct {
	PackageID        string              `json:"id"`
	PackageVersion   string              `json:"version"`
	CommitTimestamp  time.Time           `json:"commitTimeStamp"`
	Published        time.Time           `json:"published"`
	Created          time.Time           `json:"created"`
	Listed           *bool               `json:"listed"`
	IconURL          string              `json:"iconUrl"`
	ProjectURL       string              `json:"projectUrl"`
	Description      string              `json:"description"`
	Authors          string              `json:"authors"`
	Tags             FlexibleStringSlice `json:"tags"`
	DependencyGroups []DependencyGroup   `json:"dependencyGroups"`
}

// DependencyGroup is the set of dependencies for one target framework. The
// targetFramework is absent for groups that apply to any framework.
type DependencyGroup struct {
	TargetFramework string       `json:"targetFramework"`
	Dependencies    []Dependency `json:"dependencies"`
}

// Dependency is one entry of a dependency group.
type Dependency struct {
	PackageID string `json:"id"`
	Range     string `json:"range"`
}

// IsListed reports whether the version is visible in search. Old leaves
// predate the listed flag; for those the upstream signals "unlisted" with a
// published year of 1900.
func (l *PackageDetailsLeaf) IsListed() bool {
	if l.Listed != nil {
		return *l.Listed
	}
	return l.Published.Year() != 1900
}

// TargetFrameworks returns the distinct targetFramework values of the leaf's
// dependency groups, in first-seen order. Groups without a framework are
// skipped.
func (l *PackageDetailsLeaf) TargetFrameworks() []string {
	seen := map[string]bool{}
	var frameworks []string
	for _, group := range l.DependencyGroups {
		if group.TargetFramework == "" || seen[group.TargetFramework] {
			continue
		}
		seen[group.TargetFramework] = true
		frameworks = append(frameworks, group.TargetFramework)
	}
	return frameworks
}

// FlexibleStringSlice decodes JSON that may be either a single string or an
// array of strings. The live catalog emits both shapes for tags.
type FlexibleStringSlice []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *FlexibleStringSlice) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = nil
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var single string
		if err := json.Unmarshal(b, &single); err != nil {
			return skerr.Wrap(err)
		}
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return skerr.Wrap(err)
	}
	*s = many
	return nil
}
