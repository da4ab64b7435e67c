// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Column names shared by the row mappers and remote gateways
const (
	ColID        = "id"
	ColRouteID   = "route_id"
	ColCreatedAt = "created_at"
	ColVisitID   = "visit_id"
)

// ToRow maps an entity to the remote row of its kind, without the "id" column
func ToRow(e Entity) (Row, error) {
	switch e.Kind() {
	case KindCommerce:
		return commerceToRow(e), nil
	case KindVisit:
		return visitToRow(e), nil
	default:
		return nil, fmt.Errorf("%w: entity %q has no payload", ErrUnknownKind, e.ID)
	}
}

// FromRow maps a remote row of the given kind to a synced entity. Visit child
// rows are not part of the parent row; see AttachVisitChildren.
func FromRow(kind Kind, row Row) (Entity, error) {
	id := rowString(row, ColID)
	if id == "" {
		return Entity{}, fmt.Errorf("%s row without id", kind)
	}
	e := Entity{
		ID:        id,
		RemoteID:  id,
		Synced:    true,
		RouteID:   rowString(row, ColRouteID),
		CreatedAt: rowTime(row, ColCreatedAt),
	}
	switch kind {
	case KindCommerce:
		e.Commerce = &Commerce{
			Name:     rowString(row, "name"),
			Address:  rowString(row, "address"),
			Phone:    rowString(row, "phone"),
			Category: rowString(row, "category"),
		}
	case KindVisit:
		e.Visit = &Visit{
			CommerceID: rowString(row, "commerce_id"),
			PromoterID: rowString(row, "promoter_id"),
			VisitedAt:  rowTime(row, "visited_at"),
			Sections: Sections{
				Products:    rowBool(row, "products_done"),
				Competitors: rowBool(row, "competitors_done"),
				Photos:      rowBool(row, "photos_done"),
				Location:    rowBool(row, "location_done"),
			},
		}
	default:
		return Entity{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return e, nil
}

func commerceToRow(e Entity) Row {
	c := e.Commerce
	return Row{
		"name":       c.Name,
		"address":    c.Address,
		"phone":      c.Phone,
		"category":   c.Category,
		ColRouteID:   e.RouteID,
		ColCreatedAt: remoteTime(e.CreatedAt),
	}
}

func visitToRow(e Entity) Row {
	v := e.Visit
	return Row{
		"commerce_id":      v.CommerceID,
		"promoter_id":      v.PromoterID,
		"visited_at":       remoteTime(v.VisitedAt),
		"products_done":    v.Sections.Products,
		"competitors_done": v.Sections.Competitors,
		"photos_done":      v.Sections.Photos,
		"location_done":    v.Sections.Location,
		ColRouteID:         e.RouteID,
		ColCreatedAt:       remoteTime(e.CreatedAt),
	}
}

// childBatch is the set of rows inserted into one child table after a visit insert
type childBatch struct {
	table string
	rows  []Row
}

func visitChildRows(visitID string, v *Visit) []childBatch {
	var out []childBatch
	if len(v.Products) > 0 {
		rows := make([]Row, 0, len(v.Products))
		for _, p := range v.Products {
			rows = append(rows, Row{
				ColVisitID:   visitID,
				"product_id": p.ProductID,
				"name":       p.Name,
				"quantity":   p.Quantity,
				"price":      p.Price,
				"facings":    p.Facings,
			})
		}
		out = append(out, childBatch{table: TableVisitProducts, rows: rows})
	}
	if len(v.Competitors) > 0 {
		rows := make([]Row, 0, len(v.Competitors))
		for _, c := range v.Competitors {
			rows = append(rows, Row{
				ColVisitID: visitID,
				"brand":    c.Brand,
				"product":  c.Product,
				"price":    c.Price,
				"notes":    c.Notes,
			})
		}
		out = append(out, childBatch{table: TableVisitCompetitors, rows: rows})
	}
	if len(v.Photos) > 0 {
		rows := make([]Row, 0, len(v.Photos))
		for _, p := range v.Photos {
			rows = append(rows, Row{ColVisitID: visitID, "uri": p.URI, "kind": p.Kind})
		}
		out = append(out, childBatch{table: TableVisitPhotos, rows: rows})
	}
	if v.Location != nil {
		out = append(out, childBatch{table: TableVisitLocations, rows: []Row{{
			ColVisitID:  visitID,
			"latitude":  v.Location.Latitude,
			"longitude": v.Location.Longitude,
			"accuracy":  v.Location.Accuracy,
		}}})
	}
	return out
}

// VisitChildTables lists the tables holding visit child rows
var VisitChildTables = []string{TableVisitProducts, TableVisitCompetitors, TableVisitPhotos, TableVisitLocations}

// AttachVisitChildren fills product, competitor, photo and location entries of
// visit entities from child rows grouped by table.
func AttachVisitChildren(visits []Entity, children map[string][]Row) {
	byID := make(map[string]*Visit, len(visits))
	for i := range visits {
		if visits[i].Visit != nil {
			v := visits[i].Visit
			v.Products, v.Competitors, v.Photos, v.Location = nil, nil, nil, nil
			byID[visits[i].ID] = v
		}
	}
	for _, row := range children[TableVisitProducts] {
		if v := byID[rowString(row, ColVisitID)]; v != nil {
			v.Products = append(v.Products, ProductEntry{
				ProductID: rowString(row, "product_id"),
				Name:      rowString(row, "name"),
				Quantity:  rowInt(row, "quantity"),
				Price:     rowFloat(row, "price"),
				Facings:   rowInt(row, "facings"),
			})
		}
	}
	for _, row := range children[TableVisitCompetitors] {
		if v := byID[rowString(row, ColVisitID)]; v != nil {
			v.Competitors = append(v.Competitors, CompetitorEntry{
				Brand:   rowString(row, "brand"),
				Product: rowString(row, "product"),
				Price:   rowFloat(row, "price"),
				Notes:   rowString(row, "notes"),
			})
		}
	}
	for _, row := range children[TableVisitPhotos] {
		if v := byID[rowString(row, ColVisitID)]; v != nil {
			v.Photos = append(v.Photos, PhotoRef{URI: rowString(row, "uri"), Kind: rowString(row, "kind")})
		}
	}
	for _, row := range children[TableVisitLocations] {
		if v := byID[rowString(row, ColVisitID)]; v != nil {
			v.Location = &Location{
				Latitude:  rowFloat(row, "latitude"),
				Longitude: rowFloat(row, "longitude"),
				Accuracy:  rowFloat(row, "accuracy"),
			}
		}
	}
}

// remoteTime normalizes timestamps to the microsecond precision of the remote store
func remoteTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func rowString(row Row, col string) string {
	switch v := row[col].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func rowTime(row Row, col string) time.Time {
	switch v := row[col].(type) {
	case time.Time:
		return v.UTC()
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func rowBool(row Row, col string) bool {
	switch v := row[col].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	case int64:
		return v != 0
	case int:
		return v != 0
	}
	return false
}

func rowFloat(row Row, col string) float64 {
	switch v := row[col].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

func rowInt(row Row, col string) int {
	switch v := row[col].(type) {
	case int:
		return v
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}
