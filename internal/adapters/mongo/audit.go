package mongo

import (
	"context"
	"time"

	"github.com/robertarktes/facility-bookings/internal/domain"
	"github.com/robertarktes/facility-bookings/internal/events"
	"github.com/robertarktes/facility-bookings/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// AuditLogger appends one audit_logs document per reservation transition.
type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

type AuditLog struct {
	ID            string    `bson:"_id"`
	Action        string    `bson:"action"`
	ReservationID string    `bson:"reservation_id"`
	ReferenceCode string    `bson:"reference_code"`
	PassengerID   string    `bson:"passenger_id"`
	Actor         string    `bson:"actor"`
	Timestamp     time.Time `bson:"timestamp"`
	Data          bson.M    `bson:"data"`
}

func (a *AuditLogger) EnsureIndexes(ctx context.Context) error {
	_, err := a.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "reservation_id", Value: 1}, {Key: "timestamp", Value: 1}},
	})
	return err
}

// Record is keyed by transition id, so replays are absorbed.
func (a *AuditLogger) Record(ctx context.Context, r domain.Reservation, t domain.Transition) error {
	e := events.New(r, t)
	entry := AuditLog{
		ID:            t.ID.String(),
		Action:        e.Type,
		ReservationID: r.ID.String(),
		ReferenceCode: r.ReferenceCode,
		PassengerID:   r.PassengerID.String(),
		Actor:         t.Actor,
		Timestamp:     t.At,
		Data: bson.M{
			"from":        string(t.From),
			"to":          string(t.To),
			"reason":      t.Reason,
			"facility_id": r.FacilityID.String(),
			"quantity":    r.Quantity,
			"amount":      e.Amount,
			"currency":    r.Currency,
			"payment_ref": r.PaymentRef,
		},
	}
	_, err := a.coll.InsertOne(ctx, entry)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		a.logger.WithError(err).WithField("reservation_id", r.ID).Error("failed to insert audit log")
		return err
	}
	return nil
}

// History returns the audit entries of one reservation, oldest first.
func (a *AuditLogger) History(ctx context.Context, reservationID string) ([]AuditLog, error) {
	cur, err := a.coll.Find(ctx, bson.M{"reservation_id": reservationID}, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []AuditLog
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
