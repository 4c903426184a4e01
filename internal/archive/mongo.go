package archive

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"dairyfarm/backend/internal/balance"
)

type summaryDocument struct {
	Date             string    `bson:"date"`
	TotalProduction  float64   `bson:"total_production"`
	TotalCalfFed     float64   `bson:"total_calf_fed"`
	NetProduction    float64   `bson:"net_production"`
	TotalSales       float64   `bson:"total_sales"`
	BalanceYesterday float64   `bson:"balance_yesterday"`
	BalanceEvening   float64   `bson:"balance_evening"`
	FinalBalance     float64   `bson:"final_balance"`
	UpdatedAt        time.Time `bson:"updated_at"`
	ArchivedAt       time.Time `bson:"archived_at"`
}

func newSummaryDocument(s balance.Summary, now time.Time) summaryDocument {
	return summaryDocument{
		Date:             s.Date,
		TotalProduction:  s.TotalProduction,
		TotalCalfFed:     s.TotalCalfFed,
		NetProduction:    s.NetProduction,
		TotalSales:       s.TotalSales,
		BalanceYesterday: s.BalanceYesterday,
		BalanceEvening:   s.BalanceEvening,
		FinalBalance:     s.FinalBalance,
		UpdatedAt:        s.UpdatedAt,
		ArchivedAt:       now.UTC(),
	}
}

// MongoSink keeps one document per date in the daily_summaries collection.
type MongoSink struct {
	client   *mongo.Client
	dbName   string
	collName string
}

const mongoPingTimeout = 10 * time.Second

// NewMongoSink connects to uri. ctx should outlive the sink; the startup ping
// is bounded separately.
func NewMongoSink(ctx context.Context, uri, dbName string) (*MongoSink, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, mongoPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(pingCtx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}
	return &MongoSink{client: client, dbName: dbName, collName: "daily_summaries"}, nil
}

func (m *MongoSink) Name() string { return "mongodb" }

// Save replaces the document for the summary date, so re-running a day-end
// leaves a single document holding the latest figures.
func (m *MongoSink) Save(ctx context.Context, s balance.Summary) error {
	coll := m.client.Database(m.dbName).Collection(m.collName)
	_, err := coll.ReplaceOne(ctx,
		bson.M{"date": s.Date},
		newSummaryDocument(s, time.Now()),
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert daily summary %s: %w", s.Date, err)
	}
	return nil
}

func (m *MongoSink) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
