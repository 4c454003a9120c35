// Package mongo stores provenance data in MongoDB, one document per batch
// with its ledger embedded as an append-only array.
//
// Batch creation runs in a multi-document transaction, which needs a replica
// set. Ledger appends use a compare-and-swap on the stored tail hash.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/medflow/provenance-backend/internal/provenance/domain"
	"github.com/medflow/provenance-backend/internal/provenance/inventory"
	"github.com/medflow/provenance-backend/internal/provenance/repository"
	"github.com/medflow/provenance-backend/pkg/config"
	apperrors "github.com/medflow/provenance-backend/pkg/errors"
	"github.com/medflow/provenance-backend/pkg/logger"
	"github.com/shopspring/decimal"
)

// Collection name constants.
const (
	colProducts  = "provenance_products"
	colMaterials = "provenance_materials"
	colBatches   = "provenance_batches"
	colCounters  = "provenance_counters"

	batchSeqCounter = "batch_seq"
)

// compile-time interface check
var _ repository.Store = (*Store)(nil)

// Store implements repository.Store on MongoDB.
type Store struct {
	client        *mongo.Client
	db            *mongo.Database
	appendRetries int
	logger        *logger.Logger
}

// Connect dials MongoDB and verifies the connection.
func Connect(ctx context.Context, cfg config.MongoConfig, log *logger.Logger) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI).SetConnectTimeout(cfg.ConnectTimeout))
	if err != nil {
		return nil, fmt.Errorf("provenance/mongo: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("provenance/mongo: ping: %w", err)
	}

	return New(client, cfg.Database, cfg.AppendRetries, log), nil
}

// New wraps an existing client.
func New(client *mongo.Client, database string, appendRetries int, log *logger.Logger) *Store {
	if appendRetries < 1 {
		appendRetries = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Store{
		client:        client,
		db:            client.Database(database),
		appendRetries: appendRetries,
		logger:        log,
	}
}

// Migrate creates indexes and the batch sequence counter. Collections must
// exist before the first transaction touches them.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("provenance/mongo: migrate %s indexes: %w", col, err)
		}
	}

	_, err := s.db.Collection(colCounters).UpdateOne(ctx,
		bson.M{"_id": batchSeqCounter},
		bson.M{"$setOnInsert": bson.M{"value": int64(0)}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("provenance/mongo: migrate counters: %w", err)
	}
	return nil
}

// Health reports connectivity.
func (s *Store) Health(ctx context.Context) map[string]string {
	status := map[string]string{"status": "up", "driver": "mongo"}

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.client.Ping(ctx, nil); err != nil {
		status["status"] = "down"
		status["error"] = err.Error()
	}
	return status
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// ==================== Product catalog ====================

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var m productModel
	err := s.db.Collection(colProducts).FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, apperrors.NotFoundID("product", "product_id", id)
		}
		return nil, fmt.Errorf("provenance/mongo: get product: %w", err)
	}
	return fromProductModel(&m)
}

func (s *Store) PutProduct(ctx context.Context, p *domain.Product) error {
	m, err := toProductModel(p)
	if err != nil {
		return err
	}
	_, err = s.db.Collection(colProducts).ReplaceOne(ctx, bson.M{"_id": p.ID}, m, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("provenance/mongo: put product: %w", err)
	}
	return nil
}

// ==================== Materials ====================

func (s *Store) GetMaterial(ctx context.Context, id string) (*domain.RawMaterial, error) {
	var m materialModel
	err := s.db.Collection(colMaterials).FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, apperrors.NotFoundID("material", "material_id", id)
		}
		return nil, fmt.Errorf("provenance/mongo: get material: %w", err)
	}
	return fromMaterialModel(&m)
}

func (s *Store) ListMaterials(ctx context.Context) ([]*domain.RawMaterial, error) {
	return s.findMaterials(ctx, bson.M{})
}

func (s *Store) findMaterials(ctx context.Context, filter bson.M) ([]*domain.RawMaterial, error) {
	cursor, err := s.db.Collection(colMaterials).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("provenance/mongo: list materials: %w", err)
	}

	var models []materialModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("provenance/mongo: decode materials: %w", err)
	}

	result := make([]*domain.RawMaterial, len(models))
	for i := range models {
		m, err := fromMaterialModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = m
	}
	return result, nil
}

func (s *Store) PutMaterial(ctx context.Context, m *domain.RawMaterial) error {
	model, err := toMaterialModel(m)
	if err != nil {
		return err
	}
	if model.UpdatedAt.IsZero() {
		model.UpdatedAt = time.Now().UTC()
	}
	_, err = s.db.Collection(colMaterials).ReplaceOne(ctx, bson.M{"_id": m.ID}, model, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("provenance/mongo: put material: %w", err)
	}
	return nil
}

func (s *Store) Restock(ctx context.Context, materialID string, amount decimal.Decimal, at time.Time) (*domain.RawMaterial, error) {
	inc, err := toDecimal128(amount)
	if err != nil {
		return nil, err
	}

	var m materialModel
	err = s.db.Collection(colMaterials).FindOneAndUpdate(ctx,
		bson.M{"_id": materialID},
		bson.M{
			"$inc": bson.M{"current_stock": inc},
			"$set": bson.M{"updated_at": at.UTC()},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, apperrors.NotFoundID("material", "material_id", materialID)
		}
		return nil, fmt.Errorf("provenance/mongo: restock: %w", err)
	}
	return fromMaterialModel(&m)
}

// ==================== Batches ====================

// CreateBatchWithDeduction runs the duplicate check, every decrement and the
// batch insert in one transaction. Write conflicts with a concurrent creation
// abort the transaction and WithTransaction retries it against fresh stock.
func (s *Store) CreateBatchWithDeduction(ctx context.Context, reqs []domain.Requirement, batch *domain.Batch) ([]*domain.RawMaterial, error) {
	sess, err := s.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("provenance/mongo: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	result, err := sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return s.createInTx(ctx, reqs, batch)
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, apperrors.DuplicateBatchID(batch.BatchID)
		}
		return nil, err
	}
	return result.([]*domain.RawMaterial), nil
}

func (s *Store) createInTx(ctx context.Context, reqs []domain.Requirement, batch *domain.Batch) ([]*domain.RawMaterial, error) {
	batches := s.db.Collection(colBatches)

	n, err := batches.CountDocuments(ctx, bson.M{"_id": batch.BatchID})
	if err != nil {
		return nil, fmt.Errorf("provenance/mongo: check batch id: %w", err)
	}
	if n > 0 {
		return nil, apperrors.DuplicateBatchID(batch.BatchID)
	}

	loaded, err := s.findMaterials(ctx, bson.M{"_id": bson.M{"$in": inventory.MaterialIDs(reqs)}})
	if err != nil {
		return nil, err
	}
	materials := make(map[string]*domain.RawMaterial, len(loaded))
	for _, m := range loaded {
		materials[m.ID] = m
	}

	plan, err := inventory.Plan(reqs, materials)
	if err != nil {
		return nil, err
	}

	touched := make([]*domain.RawMaterial, 0, len(plan))
	for _, d := range plan {
		amount, err := toDecimal128(d.Amount)
		if err != nil {
			return nil, err
		}
		neg, err := toDecimal128(d.Amount.Neg())
		if err != nil {
			return nil, err
		}

		res, err := s.db.Collection(colMaterials).UpdateOne(ctx,
			bson.M{"_id": d.MaterialID, "current_stock": bson.M{"$gte": amount}},
			bson.M{
				"$inc": bson.M{"current_stock": neg},
				"$set": bson.M{"updated_at": batch.CreatedAt.UTC()},
			},
		)
		if err != nil {
			return nil, fmt.Errorf("provenance/mongo: deduct %s: %w", d.MaterialID, err)
		}
		if res.MatchedCount == 0 {
			m := materials[d.MaterialID]
			return nil, apperrors.InsufficientStock(d.MaterialID, d.Amount.String(), m.CurrentStock.String())
		}

		m := materials[d.MaterialID]
		m.CurrentStock = d.Remaining
		m.UpdatedAt = batch.CreatedAt
		touched = append(touched, m)
	}

	seq, err := s.nextSeq(ctx)
	if err != nil {
		return nil, err
	}
	model, err := toBatchModel(batch, seq)
	if err != nil {
		return nil, err
	}
	if _, err := batches.InsertOne(ctx, model); err != nil {
		return nil, err
	}
	return touched, nil
}

func (s *Store) nextSeq(ctx context.Context) (int64, error) {
	var counter struct {
		Value int64 `bson:"value"`
	}
	err := s.db.Collection(colCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": batchSeqCounter},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("provenance/mongo: next batch seq: %w", err)
	}
	return counter.Value, nil
}

// AppendToLedger reads the batch, applies mutate and pushes the new entry only
// if the stored tail hash is still the one mutate saw. A lost race re-reads
// and retries up to the configured number of attempts.
func (s *Store) AppendToLedger(ctx context.Context, batchID string, mutate repository.Mutation) (*domain.Batch, *domain.LedgerEntry, error) {
	col := s.db.Collection(colBatches)

	for attempt := 1; attempt <= s.appendRetries; attempt++ {
		var m batchModel
		if err := col.FindOne(ctx, bson.M{"_id": batchID}).Decode(&m); err != nil {
			if isNoDocuments(err) {
				return nil, nil, apperrors.NotFoundID("batch", "batch_id", batchID)
			}
			return nil, nil, fmt.Errorf("provenance/mongo: get batch: %w", err)
		}

		batch, err := fromBatchModel(&m)
		if err != nil {
			return nil, nil, err
		}

		entry, err := mutate(batch)
		if err != nil {
			return nil, nil, err
		}
		if entry == nil {
			return batch, nil, nil
		}

		res, err := col.UpdateOne(ctx,
			bson.M{"_id": batchID, "last_hash": m.LastHash},
			bson.M{
				"$push": bson.M{"ledger": toEntryModel(*entry)},
				"$set": bson.M{
					"status":     string(batch.Status),
					"last_hash":  entry.Hash,
					"updated_at": batch.UpdatedAt.UTC(),
				},
			},
		)
		if err != nil {
			return nil, nil, fmt.Errorf("provenance/mongo: append ledger entry: %w", err)
		}
		if res.MatchedCount == 1 {
			return batch, entry, nil
		}

		s.logger.Debug().
			Str("batch_id", batchID).
			Int("attempt", attempt).
			Msg("ledger tail moved, retrying append")
	}

	return nil, nil, apperrors.Conflict(fmt.Sprintf("batch %s is being modified concurrently, retry later", batchID))
}

func (s *Store) GetBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	var m batchModel
	if err := s.db.Collection(colBatches).FindOne(ctx, bson.M{"_id": batchID}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, apperrors.NotFoundID("batch", "batch_id", batchID)
		}
		return nil, fmt.Errorf("provenance/mongo: get batch: %w", err)
	}
	return fromBatchModel(&m)
}

func (s *Store) ListBatches(ctx context.Context, filter domain.BatchFilter) ([]*domain.Batch, error) {
	q := bson.M{}
	if filter.ProductID != "" {
		q["product_id"] = filter.ProductID
	}
	if filter.Status != "" {
		q["status"] = string(filter.Status)
	}

	cursor, err := s.db.Collection(colBatches).Find(ctx, q, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("provenance/mongo: list batches: %w", err)
	}

	var models []batchModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("provenance/mongo: decode batches: %w", err)
	}

	result := make([]*domain.Batch, len(models))
	for i := range models {
		b, err := fromBatchModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = b
	}
	return result, nil
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all provenance collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colBatches: {
			{
				Keys:    bson.D{{Key: "seq", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "product_id", Value: 1}, {Key: "status", Value: 1}, {Key: "expiry_date", Value: 1}}},
			{Keys: bson.D{{Key: "expiry_date", Value: 1}}},
		},
		colMaterials: {
			{Keys: bson.D{{Key: "current_stock", Value: 1}}},
		},
		colProducts: {
			{Keys: bson.D{{Key: "type", Value: 1}}},
		},
	}
}
