package mongo_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	mongoadapter "github.com/robertarktes/facility-bookings/internal/adapters/mongo"
	"github.com/robertarktes/facility-bookings/internal/domain"
	"github.com/robertarktes/facility-bookings/internal/observability"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func startMongo(t *testing.T) *mongo.Database {
	t.Helper()
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()

	mongoContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { mongoContainer.Terminate(ctx) })

	endpoint, err := mongoContainer.PortEndpoint(ctx, "27017/tcp", "mongodb")
	require.NoError(t, err)
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(endpoint))
	require.NoError(t, err)
	t.Cleanup(func() { client.Disconnect(ctx) })
	return client.Database("fbk_test")
}

func TestCatalogRepository(t *testing.T) {
	ctx := context.Background()
	db := startMongo(t)
	catalog := mongoadapter.NewCatalogRepository(db, observability.NewNopLogger())
	require.NoError(t, catalog.EnsureIndexes(ctx))

	f := domain.Facility{
		ID:           uuid.New(),
		Type:         domain.FacilityLounge,
		Code:         "ams-lounge-2",
		Name:         "Lounge 2",
		Capacity:     40,
		SlotDuration: 3 * time.Hour,
		Price:        decimal.RequireFromString("39.95"),
		Currency:     "EUR",
		Active:       true,
	}
	require.NoError(t, catalog.PublishFacility(ctx, f))

	got, err := catalog.GetFacility(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "AMS-LOUNGE-2", got.Code)
	assert.Equal(t, 3*time.Hour, got.SlotDuration)
	assert.True(t, f.Price.Equal(got.Price))
	assert.True(t, got.Active)

	list, err := catalog.ListFacilities(ctx, domain.FacilityLounge)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, catalog.SetActive(ctx, f.ID, false))
	got, err = catalog.GetFacility(ctx, f.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	_, err = catalog.GetFacility(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, catalog.SetActive(ctx, uuid.New(), true), domain.ErrNotFound)
}

func TestAuditLogger(t *testing.T) {
	ctx := context.Background()
	db := startMongo(t)
	audit := mongoadapter.NewAuditLogger(db, observability.NewNopLogger())
	require.NoError(t, audit.EnsureIndexes(ctx))

	r := domain.Reservation{ID: uuid.New(), PassengerID: uuid.New(), ReferenceCode: "BK0123456789ABCDEF", Amount: decimal.NewFromInt(12), Currency: "EUR"}
	at := time.Date(2024, 2, 2, 8, 0, 0, 0, time.UTC)
	held := domain.Transition{ID: uuid.New(), ReservationID: r.ID, To: domain.StateHold, At: at, Actor: "passenger"}
	cancelled := domain.Transition{ID: uuid.New(), ReservationID: r.ID, From: domain.StateHold, To: domain.StateCancelled, At: at.Add(time.Minute), Actor: "passenger", Reason: "changed plans"}

	require.NoError(t, audit.Record(ctx, r, held))
	require.NoError(t, audit.Record(ctx, r, cancelled))
	require.NoError(t, audit.Record(ctx, r, cancelled))

	logs, err := audit.History(ctx, r.ID.String())
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "booking.held", logs[0].Action)
	assert.Equal(t, "booking.cancelled", logs[1].Action)
	assert.Equal(t, "changed plans", logs[1].Data["reason"])
}
