// Package fieldsync provides an offline-first cache and sync engine for field
// data collection: commerces visited along a route and the visit reports
// recorded at them.
//
// Entities are always written to a LocalStore first and pushed to a
// RemoteGateway opportunistically. Identity starts as a client generated
// local ID and migrates to the remote ID once the remote store accepts the
// row. Reads prefer the remote store when reachable and fold in local
// entities that have not been pushed yet.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies an entity collection
type Kind string

const (
	KindCommerce Kind = "commerce"
	KindVisit    Kind = "visit"
)

// Kinds lists every synced kind in push order (commerces before the visits referencing them)
var Kinds = []Kind{KindCommerce, KindVisit}

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	return k == KindCommerce || k == KindVisit
}

// Table returns the remote table holding rows of this kind
func (k Kind) Table() string {
	switch k {
	case KindCommerce:
		return TableCommerces
	case KindVisit:
		return TableVisits
	default:
		return ""
	}
}

// Remote table names
const (
	TableCommerces        = "commerces"
	TableVisits           = "visits"
	TableVisitProducts    = "visit_products"
	TableVisitCompetitors = "visit_competitors"
	TableVisitPhotos      = "visit_photos"
	TableVisitLocations   = "visit_locations"
)

// LocalIDPrefix starts every client generated identifier
const LocalIDPrefix = "local-"

// IsLocalID reports whether id was generated on the device and never confirmed remotely
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

func formatLocalID(kind Kind, n int64) string {
	return fmt.Sprintf("%s%s-%d", LocalIDPrefix, kind, n)
}

// Status is the sync status of a single entity
type Status string

const (
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
)

// Entity is a Commerce or a Visit tracked through the local-to-remote lifecycle.
// Exactly one of Commerce and Visit is set.
type Entity struct {
	ID        string    `json:"id"` // effective ID: RemoteID once assigned, else LocalID
	LocalID   string    `json:"local_id"`
	RemoteID  string    `json:"remote_id,omitempty"`
	Synced    bool      `json:"synced"`
	RouteID   string    `json:"route_id"`
	CreatedAt time.Time `json:"created_at"`
	Revision  int64     `json:"revision"` // bumped by every local save

	Commerce *Commerce `json:"commerce,omitempty"`
	Visit    *Visit    `json:"visit,omitempty"`
}

// Kind returns the kind implied by the populated variant
func (e Entity) Kind() Kind {
	switch {
	case e.Commerce != nil:
		return KindCommerce
	case e.Visit != nil:
		return KindVisit
	default:
		return ""
	}
}

// Status returns the persisted sync status
func (e Entity) Status() Status {
	if e.Synced {
		return StatusSynced
	}
	return StatusPending
}

// Matches reports whether id identifies this entity by any of its identifiers
func (e Entity) Matches(id string) bool {
	if id == "" {
		return false
	}
	return e.ID == id || e.LocalID == id || (e.RemoteID != "" && e.RemoteID == id)
}

// Clone returns a deep copy so callers never share slices with stored records
func (e Entity) Clone() Entity {
	out := e
	if e.Commerce != nil {
		c := *e.Commerce
		out.Commerce = &c
	}
	if e.Visit != nil {
		v := e.Visit.clone()
		out.Visit = &v
	}
	return out
}

// NewCommerce wraps a commerce payload into an entity ready to be saved
func NewCommerce(c Commerce) Entity {
	return Entity{Commerce: &c}
}

// NewVisit wraps a visit payload into an entity ready to be saved
func NewVisit(v Visit) Entity {
	return Entity{Visit: &v}
}

// Commerce is a point of sale on a promoter route
type Commerce struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Phone    string `json:"phone,omitempty"`
	Category string `json:"category,omitempty"`
}

// Visit is a report recorded by a promoter at a commerce
type Visit struct {
	CommerceID  string            `json:"commerce_id"`
	PromoterID  string            `json:"promoter_id"`
	VisitedAt   time.Time         `json:"visited_at"`
	Products    []ProductEntry    `json:"products,omitempty"`
	Competitors []CompetitorEntry `json:"competitors,omitempty"`
	Photos      []PhotoRef        `json:"photos,omitempty"`
	Location    *Location         `json:"location,omitempty"`
	Sections    Sections          `json:"sections"`
}

func (v Visit) clone() Visit {
	out := v
	out.Products = append([]ProductEntry(nil), v.Products...)
	out.Competitors = append([]CompetitorEntry(nil), v.Competitors...)
	out.Photos = append([]PhotoRef(nil), v.Photos...)
	if v.Location != nil {
		loc := *v.Location
		out.Location = &loc
	}
	return out
}

// ProductEntry is one own-brand product observed during a visit
type ProductEntry struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
	Facings   int     `json:"facings"`
}

// CompetitorEntry is one competitor product observed during a visit
type CompetitorEntry struct {
	Brand   string  `json:"brand"`
	Product string  `json:"product"`
	Price   float64 `json:"price"`
	Notes   string  `json:"notes,omitempty"`
}

// PhotoRef references a photo already stored elsewhere; upload is not handled here
type PhotoRef struct {
	URI  string `json:"uri"`
	Kind string `json:"kind,omitempty"` // e.g. "shelf", "storefront"
}

// Location is the device position captured for a visit
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// Sections records which parts of the visit form were completed
type Sections struct {
	Products    bool `json:"products"`
	Competitors bool `json:"competitors"`
	Photos      bool `json:"photos"`
	Location    bool `json:"location"`
}
