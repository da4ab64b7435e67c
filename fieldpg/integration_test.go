package fieldpg

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("fieldsync_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	g, err := NewGateway(pool, &Config{Schema: "field"}, logger)
	require.NoError(t, err)
	require.NoError(t, g.EnsureSchema(ctx))
	require.NoError(t, g.EnsureSchema(ctx), "schema bootstrap is idempotent")
	return g
}

func TestGateway_Postgres(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("insert assigns id and returns stored row", func(t *testing.T) {
		row, err := g.Insert(ctx, fieldsync.TableCommerces, fieldsync.Row{
			"name": "Kiosk", "address": "Main 1", "route_id": "route-7", "created_at": created,
		})
		require.NoError(t, err)
		require.NotEmpty(t, row["id"])
		require.Equal(t, "Kiosk", row["name"])
		require.Equal(t, "", row["phone"])

		got, err := g.SelectByID(ctx, fieldsync.TableCommerces, row["id"].(string))
		require.NoError(t, err)
		require.Equal(t, "Main 1", got["address"])
		require.True(t, created.Equal(got["created_at"].(time.Time)))
	})

	t.Run("duplicate natural key is a conflict", func(t *testing.T) {
		_, err := g.Insert(ctx, fieldsync.TableCommerces, fieldsync.Row{"name": "Kiosk", "address": "Main 1"})
		require.ErrorIs(t, err, fieldsync.ErrRemoteConflict)

		rows, err := g.SelectWhere(ctx, fieldsync.TableCommerces, fieldsync.Eq("name", "Kiosk"), fieldsync.Eq("address", "Main 1"))
		require.NoError(t, err)
		require.Len(t, rows, 1)
	})

	t.Run("update and missing rows", func(t *testing.T) {
		rows, err := g.SelectWhere(ctx, fieldsync.TableCommerces, fieldsync.Eq("route_id", "route-7"))
		require.NoError(t, err)
		require.Len(t, rows, 1)
		id := rows[0]["id"].(string)

		require.NoError(t, g.Update(ctx, fieldsync.TableCommerces, id, fieldsync.Row{"phone": "555-0101"}))
		got, err := g.SelectByID(ctx, fieldsync.TableCommerces, id)
		require.NoError(t, err)
		require.Equal(t, "555-0101", got["phone"])

		err = g.Update(ctx, fieldsync.TableCommerces, "missing", fieldsync.Row{"phone": "1"})
		require.ErrorIs(t, err, fieldsync.ErrRemoteRejected)

		missing, err := g.SelectByID(ctx, fieldsync.TableCommerces, "missing")
		require.NoError(t, err)
		require.Nil(t, missing)
	})

	t.Run("visit children selected with in filter", func(t *testing.T) {
		commerce, err := g.Insert(ctx, fieldsync.TableCommerces, fieldsync.Row{"id": "C-visits", "name": "Bodega", "address": "Side 2"})
		require.NoError(t, err)
		visit, err := g.Insert(ctx, fieldsync.TableVisits, fieldsync.Row{
			"commerce_id": commerce["id"], "promoter_id": "p1", "visited_at": created, "products_done": true,
		})
		require.NoError(t, err)
		visitID := visit["id"].(string)

		for i, name := range []string{"Cola", "Water"} {
			_, err := g.Insert(ctx, fieldsync.TableVisitProducts, fieldsync.Row{
				"visit_id": visitID, "product_id": name, "name": name, "quantity": i + 1, "price": 1.25, "facings": 2,
			})
			require.NoError(t, err)
		}
		rows, err := g.SelectWhere(ctx, fieldsync.TableVisitProducts, fieldsync.In("visit_id", []string{visitID, "other"}))
		require.NoError(t, err)
		require.Len(t, rows, 2)

		visits := []fieldsync.Entity{{ID: visitID, Visit: &fieldsync.Visit{}}}
		fieldsync.AttachVisitChildren(visits, map[string][]fieldsync.Row{fieldsync.TableVisitProducts: rows})
		require.Len(t, visits[0].Visit.Products, 2)
		require.InDelta(t, 1.25, visits[0].Visit.Products[0].Price, 1e-9)
	})

	t.Run("rows keep insertion order", func(t *testing.T) {
		for _, id := range []string{"Rz", "Ra", "Rm"} {
			_, err := g.Insert(ctx, fieldsync.TableCommerces, fieldsync.Row{
				"id": id, "name": "Shop " + id, "address": "Same time", "route_id": "route-order", "created_at": created,
			})
			require.NoError(t, err)
		}
		rows, err := g.SelectWhere(ctx, fieldsync.TableCommerces, fieldsync.Eq("route_id", "route-order"))
		require.NoError(t, err)
		got := make([]string, 0, len(rows))
		for _, row := range rows {
			got = append(got, row["id"].(string))
		}
		require.Equal(t, []string{"Rz", "Ra", "Rm"}, got)
	})

	t.Run("visit for unknown commerce is rejected", func(t *testing.T) {
		_, err := g.Insert(ctx, fieldsync.TableVisits, fieldsync.Row{
			"commerce_id": "nope", "promoter_id": "p1", "visited_at": created,
		})
		require.ErrorIs(t, err, fieldsync.ErrRemoteRejected)
	})
}

type staticProbe bool

func (p staticProbe) IsConnected() bool         { return bool(p) }
func (p staticProbe) IsInternetReachable() bool { return bool(p) }

type staticAuth struct{ user fieldsync.User }

func (a staticAuth) IsAuthenticated() bool { return true }

func (a staticAuth) CurrentUser() (fieldsync.User, bool) { return a.user, true }

func (a staticAuth) OnSessionChange(func(fieldsync.User, bool)) func() { return func() {} }

func TestEngine_PostgresEndToEnd(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	store := fieldsync.NewMemoryStore()
	auth := staticAuth{user: fieldsync.User{ID: "promoter-1", RouteID: "route-7"}}

	offlineEngine, err := fieldsync.NewEngine(store, g, staticProbe(false), auth, nil)
	require.NoError(t, err)
	commerce, err := offlineEngine.Save(ctx, fieldsync.NewCommerce(fieldsync.Commerce{Name: "A", Address: "X"}))
	require.NoError(t, err)
	visit, err := offlineEngine.Save(ctx, fieldsync.NewVisit(fieldsync.Visit{
		CommerceID: commerce.LocalID,
		VisitedAt:  time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC),
		Photos:     []fieldsync.PhotoRef{{URI: "file:///shelf.jpg", Kind: "shelf"}},
		Location:   &fieldsync.Location{Latitude: 1.5, Longitude: 2.5, Accuracy: 4},
	}))
	require.NoError(t, err)

	engine, err := fieldsync.NewEngine(store, g, staticProbe(true), auth, nil)
	require.NoError(t, err)
	results, err := engine.SyncPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, results[0].Synced)
	require.Equal(t, 1, results[1].Synced)
	require.Zero(t, results[1].Partial)

	got, err := engine.Reader().GetByID(ctx, fieldsync.KindVisit, visit.LocalID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, got.Synced)
	require.False(t, fieldsync.IsLocalID(got.Visit.CommerceID))
	require.Len(t, got.Visit.Photos, 1)
	require.NotNil(t, got.Visit.Location)

	// a second device saving the same commerce resolves to the existing row
	other := fieldsync.NewMemoryStore()
	otherEngine, err := fieldsync.NewEngine(other, g, staticProbe(true), auth, nil)
	require.NoError(t, err)
	dup, err := otherEngine.Save(ctx, fieldsync.NewCommerce(fieldsync.Commerce{Name: "A", Address: "X"}))
	require.NoError(t, err)
	require.True(t, dup.Synced)

	first, err := engine.Reader().GetByID(ctx, fieldsync.KindCommerce, commerce.LocalID)
	require.NoError(t, err)
	require.Equal(t, first.RemoteID, dup.RemoteID)

	route, err := otherEngine.Reader().GetByRoute(ctx, fieldsync.KindVisit, "route-7")
	require.NoError(t, err)
	require.Len(t, route, 1)
	require.Equal(t, got.ID, route[0].ID)
}
