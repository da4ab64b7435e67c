package fieldpg

import (
	"log/slog"
	"testing"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
	"github.com/stretchr/testify/require"
)

func testGateway() *Gateway {
	return &Gateway{schema: "field", logger: slog.Default()}
}

func TestBuildInsert(t *testing.T) {
	q, args, err := testGateway().buildInsert(fieldsync.TableCommerces, fieldsync.Row{
		"id": "R1", "name": "A", "address": "X",
	})
	require.NoError(t, err)
	require.Equal(t, `INSERT INTO "field"."commerces" ("address", "id", "name") VALUES ($1, $2, $3) RETURNING *`, q)
	require.Equal(t, []any{"X", "R1", "A"}, args)
}

func TestBuildUpdate(t *testing.T) {
	q, args, err := testGateway().buildUpdate(fieldsync.TableCommerces, "R1", fieldsync.Row{
		"id": "ignored", "phone": "555", "category": "kiosk",
	})
	require.NoError(t, err)
	require.Equal(t, `UPDATE "field"."commerces" SET "category" = $1, "phone" = $2 WHERE id = $3`, q)
	require.Equal(t, []any{"kiosk", "555", "R1"}, args)
}

func TestBuildSelect(t *testing.T) {
	q, args, err := testGateway().buildSelect(fieldsync.TableVisitPhotos, []fieldsync.Filter{
		fieldsync.In("visit_id", []string{"V1", "V2"}),
		fieldsync.Eq("kind", "shelf"),
	})
	require.NoError(t, err)
	require.Equal(t, `SELECT * FROM "field"."visit_photos" WHERE "visit_id" = ANY($1) AND "kind" = $2 ORDER BY seq`, q)
	require.Equal(t, []any{[]string{"V1", "V2"}, "shelf"}, args)

	q, args, err = testGateway().buildSelect(fieldsync.TableCommerces, []fieldsync.Filter{fieldsync.Eq("phone", nil)})
	require.NoError(t, err)
	require.Equal(t, `SELECT * FROM "field"."commerces" WHERE "phone" IS NULL ORDER BY seq`, q)
	require.Empty(t, args)
}

func TestRejectsUnknownIdentifiers(t *testing.T) {
	g := testGateway()

	_, _, err := g.buildInsert(fieldsync.TableCommerces, fieldsync.Row{"name; DROP TABLE commerces": "x"})
	require.ErrorIs(t, err, fieldsync.ErrRemoteRejected)

	_, _, err = g.buildSelect(fieldsync.TableVisits, []fieldsync.Filter{fieldsync.Eq("password", "x")})
	require.ErrorIs(t, err, fieldsync.ErrRemoteRejected)

	_, _, err = g.buildSelect(fieldsync.TableVisits, []fieldsync.Filter{{Column: "id", Op: "like", Value: "%"}})
	require.ErrorIs(t, err, fieldsync.ErrRemoteRejected)

	require.ErrorIs(t, g.checkTable("pg_authid"), fieldsync.ErrRemoteRejected)
}

func TestNewGateway_Validation(t *testing.T) {
	_, err := NewGateway(nil, nil, nil)
	require.Error(t, err)
	require.Equal(t, "public", DefaultConfig().Schema)
}
