// Package mongostore implements commission.Store on MongoDB.
//
// Balances are int64 minor units moved with $inc. A debit carries a $gte
// guard in its filter so the check and the decrement are one server-side
// operation. Reference uniqueness and first-referrer-wins are unique
// indexes created by EnsureIndexes.
//
// Store works against any deployment. TxStore adds WithTx and needs a
// replica set, since multi-document transactions are unavailable on a
// standalone server.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/agrilink/commission-engine/commission"
)

const (
	partnersCollection     = "partners"
	referralsCollection    = "referrals"
	transactionsCollection = "ledgerTransactions"
)

// Connect dials uri and pings the server.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

// =============================================================================
// DOCUMENTS
// =============================================================================

type partnerDoc struct {
	ID                     string               `bson:"_id"`
	Name                   string               `bson:"name"`
	Phone                  string               `bson:"phone,omitempty"`
	Email                  string               `bson:"email,omitempty"`
	PushToken              string               `bson:"pushToken,omitempty"`
	Channels               []commission.Channel `bson:"channels"`
	CommissionBalanceMinor int64                `bson:"commissionBalanceMinor"`
	CreatedAt              time.Time            `bson:"createdAt"`
}

type referralDoc struct {
	ID                string     `bson:"_id"`
	FarmerID          string     `bson:"farmerId"`
	PartnerID         string     `bson:"partnerId"`
	Status            string     `bson:"status"`
	CommissionRate    string     `bson:"commissionRate"`
	TransactionAmount string     `bson:"transactionAmount,omitempty"`
	TransactionID     string     `bson:"transactionId,omitempty"`
	CompletedAt       *time.Time `bson:"completedAt,omitempty"`
	CreatedAt         time.Time  `bson:"createdAt"`
}

type transactionDoc struct {
	ID          string            `bson:"_id"`
	Type        string            `bson:"type"`
	AmountMinor int64             `bson:"amountMinor"`
	Reference   string            `bson:"reference"`
	Status      string            `bson:"status"`
	PartnerID   string            `bson:"partnerId"`
	ReferralID  string            `bson:"referralId,omitempty"`
	Description string            `bson:"description,omitempty"`
	Metadata    map[string]string `bson:"metadata"`
	CreatedAt   time.Time         `bson:"createdAt"`
	ProcessedAt *time.Time        `bson:"processedAt,omitempty"`
}

// =============================================================================
// STORE
// =============================================================================

// Store implements commission.Store.
type Store struct {
	partners     *mongo.Collection
	referrals    *mongo.Collection
	transactions *mongo.Collection

	// sess is set on the view handed to a WithTx callback; every
	// operation then runs on the session context.
	sess mongo.SessionContext
}

// New binds a store to db. Call EnsureIndexes once before use.
func New(db *mongo.Database) *Store {
	return &Store{
		partners:     db.Collection(partnersCollection),
		referrals:    db.Collection(referralsCollection),
		transactions: db.Collection(transactionsCollection),
	}
}

// EnsureIndexes creates the indexes the store relies on for correctness.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.referrals.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "farmerId", Value: 1}},
		Options: options.Index().
			SetName("uniq_pending_farmer").
			SetUnique(true).
			SetPartialFilterExpression(bson.M{"status": string(commission.ReferralPending)}),
	})
	if err != nil {
		return fmt.Errorf("referrals index: %w", err)
	}

	_, err = s.transactions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "reference", Value: 1}},
			Options: options.Index().SetName("uniq_reference").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "partnerId", Value: 1}, {Key: "createdAt", Value: -1}},
			Options: options.Index().SetName("partner_created"),
		},
		{
			Keys:    bson.D{{Key: "type", Value: 1}, {Key: "status", Value: 1}},
			Options: options.Index().SetName("type_status"),
		},
	})
	if err != nil {
		return fmt.Errorf("ledger indexes: %w", err)
	}
	return nil
}

func (s *Store) ctx(ctx context.Context) context.Context {
	if s.sess != nil {
		return s.sess
	}
	return ctx
}

// TxStore is a Store whose WithTx runs a multi-document transaction.
type TxStore struct {
	*Store
	client *mongo.Client
}

// NewTx binds a transactional store to db. The deployment must be a
// replica set or sharded cluster.
func NewTx(client *mongo.Client, db *mongo.Database) *TxStore {
	return &TxStore{Store: New(db), client: client}
}

func (s *TxStore) WithTx(ctx context.Context, fn func(commission.Store) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("mongo session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		view := *s.Store
		view.sess = sc
		return nil, fn(&view)
	})
	return err
}

// ===== REFERRALS =====

func (s *Store) CreateReferral(ctx context.Context, r commission.Referral) error {
	doc := referralDoc{
		ID:             string(r.ID),
		FarmerID:       string(r.FarmerID),
		PartnerID:      string(r.PartnerID),
		Status:         string(r.Status),
		CommissionRate: r.CommissionRate.String(),
		TransactionID:  r.TransactionID,
		CompletedAt:    utcPtr(r.CompletedAt),
		CreatedAt:      r.CreatedAt.UTC(),
	}
	if !r.TransactionAmount.IsZero() {
		doc.TransactionAmount = r.TransactionAmount.String()
	}
	if _, err := s.referrals.InsertOne(s.ctx(ctx), doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			if strings.Contains(err.Error(), "uniq_pending_farmer") {
				return commission.ErrPendingReferralExists
			}
			return fmt.Errorf("referral %s: %w", r.ID, commission.ErrConflict)
		}
		return fmt.Errorf("insert referral: %w", err)
	}
	return nil
}

func (s *Store) GetReferral(ctx context.Context, id commission.ReferralID) (commission.Referral, error) {
	return s.findReferral(ctx, bson.M{"_id": string(id)})
}

func (s *Store) FindPendingReferral(ctx context.Context, farmerID commission.FarmerID) (commission.Referral, error) {
	return s.findReferral(ctx, bson.M{"farmerId": string(farmerID), "status": string(commission.ReferralPending)})
}

func (s *Store) findReferral(ctx context.Context, filter bson.M) (commission.Referral, error) {
	var doc referralDoc
	if err := s.referrals.FindOne(s.ctx(ctx), filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return commission.Referral{}, commission.ErrNotFound
		}
		return commission.Referral{}, fmt.Errorf("find referral: %w", err)
	}
	return doc.toDomain()
}

func (s *Store) CompleteReferral(ctx context.Context, id commission.ReferralID, amount decimal.Decimal, transactionID string, at time.Time) (commission.Referral, error) {
	filter := bson.M{"_id": string(id), "status": string(commission.ReferralPending)}
	update := bson.M{"$set": bson.M{
		"status":            string(commission.ReferralCompleted),
		"transactionAmount": amount.String(),
		"transactionId":     transactionID,
		"completedAt":       at.UTC(),
	}}

	var doc referralDoc
	err := s.referrals.FindOneAndUpdate(s.ctx(ctx), filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, err := s.GetReferral(ctx, id); err != nil {
			return commission.Referral{}, err
		}
		return commission.Referral{}, commission.ErrNotPending
	}
	if err != nil {
		return commission.Referral{}, fmt.Errorf("complete referral: %w", err)
	}
	return doc.toDomain()
}

func (d referralDoc) toDomain() (commission.Referral, error) {
	rate, err := decimal.NewFromString(d.CommissionRate)
	if err != nil {
		return commission.Referral{}, fmt.Errorf("referral %s rate: %w", d.ID, err)
	}
	r := commission.Referral{
		ID:             commission.ReferralID(d.ID),
		FarmerID:       commission.FarmerID(d.FarmerID),
		PartnerID:      commission.PartnerID(d.PartnerID),
		Status:         commission.ReferralStatus(d.Status),
		CommissionRate: rate,
		TransactionID:  d.TransactionID,
		CompletedAt:    utcPtr(d.CompletedAt),
		CreatedAt:      d.CreatedAt.UTC(),
	}
	if d.TransactionAmount != "" {
		if r.TransactionAmount, err = decimal.NewFromString(d.TransactionAmount); err != nil {
			return commission.Referral{}, fmt.Errorf("referral %s amount: %w", d.ID, err)
		}
	}
	return r, nil
}

// ===== LEDGER =====

func (s *Store) AppendTransaction(ctx context.Context, t commission.Transaction) error {
	minor, err := commission.ToMinorUnits(t.Amount)
	if err != nil {
		return err
	}
	metadata := make(map[string]string, len(t.Metadata))
	for k, v := range t.Metadata {
		metadata[k] = v
	}
	doc := transactionDoc{
		ID:          string(t.ID),
		Type:        string(t.Type),
		AmountMinor: minor,
		Reference:   t.Reference,
		Status:      string(t.Status),
		PartnerID:   string(t.PartnerID),
		ReferralID:  string(t.ReferralID),
		Description: t.Description,
		Metadata:    metadata,
		CreatedAt:   t.CreatedAt.UTC(),
		ProcessedAt: utcPtr(t.ProcessedAt),
	}
	if _, err := s.transactions.InsertOne(s.ctx(ctx), doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			if strings.Contains(err.Error(), "uniq_reference") {
				return commission.ErrDuplicateReference
			}
			return fmt.Errorf("transaction %s: %w", t.ID, commission.ErrConflict)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id commission.TransactionID) (commission.Transaction, error) {
	return s.findTransaction(ctx, bson.M{"_id": string(id)})
}

func (s *Store) GetTransactionByReference(ctx context.Context, reference string) (commission.Transaction, error) {
	return s.findTransaction(ctx, bson.M{"reference": reference})
}

func (s *Store) findTransaction(ctx context.Context, filter bson.M) (commission.Transaction, error) {
	var doc transactionDoc
	if err := s.transactions.FindOne(s.ctx(ctx), filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return commission.Transaction{}, commission.ErrNotFound
		}
		return commission.Transaction{}, fmt.Errorf("find transaction: %w", err)
	}
	return doc.toDomain(), nil
}

// UpdateTransactionStatus merges metadata key by key with dotted $set
// paths so concurrent writers never overwrite each other's keys.
func (s *Store) UpdateTransactionStatus(ctx context.Context, id commission.TransactionID, status commission.TransactionStatus, metadata map[string]string, at time.Time) (commission.Transaction, error) {
	set := bson.M{
		"status":      string(status),
		"processedAt": at.UTC(),
	}
	for k, v := range metadata {
		set["metadata."+k] = v
	}

	var doc transactionDoc
	err := s.transactions.FindOneAndUpdate(s.ctx(ctx),
		bson.M{"_id": string(id), "status": string(commission.StatusPending)},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, err := s.GetTransaction(ctx, id); err != nil {
			return commission.Transaction{}, err
		}
		return commission.Transaction{}, commission.ErrNotPending
	}
	if err != nil {
		return commission.Transaction{}, fmt.Errorf("update transaction: %w", err)
	}
	return doc.toDomain(), nil
}

func (s *Store) ListTransactions(ctx context.Context, f commission.TransactionFilter) ([]commission.Transaction, int, error) {
	filter := buildFilter(f)

	total, err := s.transactions.CountDocuments(s.ctx(ctx), filter)
	if err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(f.Offset())).
		SetLimit(int64(f.Limit))
	items, err := s.findTransactions(ctx, filter, opts)
	return items, int(total), err
}

func (s *Store) LoadPartnerTransactions(ctx context.Context, partnerID commission.PartnerID, from, to *time.Time) ([]commission.Transaction, error) {
	filter := buildFilter(commission.TransactionFilter{PartnerID: partnerID, From: from, To: to})
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	return s.findTransactions(ctx, filter, opts)
}

func (s *Store) findTransactions(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]commission.Transaction, error) {
	cursor, err := s.transactions.Find(s.ctx(ctx), filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find transactions: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []transactionDoc
	if err := cursor.All(s.ctx(ctx), &docs); err != nil {
		return nil, fmt.Errorf("decode transactions: %w", err)
	}
	out := make([]commission.Transaction, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toDomain())
	}
	return out, nil
}

func buildFilter(f commission.TransactionFilter) bson.M {
	filter := bson.M{}
	if f.PartnerID != "" {
		filter["partnerId"] = string(f.PartnerID)
	}
	if f.Type != "" {
		filter["type"] = string(f.Type)
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	created := bson.M{}
	if f.From != nil {
		created["$gte"] = f.From.UTC()
	}
	if f.To != nil {
		created["$lte"] = f.To.UTC()
	}
	if len(created) > 0 {
		filter["createdAt"] = created
	}
	return filter
}

func (d transactionDoc) toDomain() commission.Transaction {
	t := commission.Transaction{
		ID:          commission.TransactionID(d.ID),
		Type:        commission.TransactionType(d.Type),
		Amount:      commission.FromMinorUnits(d.AmountMinor),
		Reference:   d.Reference,
		Status:      commission.TransactionStatus(d.Status),
		PartnerID:   commission.PartnerID(d.PartnerID),
		ReferralID:  commission.ReferralID(d.ReferralID),
		Description: d.Description,
		CreatedAt:   d.CreatedAt.UTC(),
		ProcessedAt: utcPtr(d.ProcessedAt),
	}
	if len(d.Metadata) > 0 {
		t.Metadata = d.Metadata
	}
	return t
}

// ===== PARTNERS =====

func (s *Store) CreatePartner(ctx context.Context, p commission.Partner) error {
	minor, err := commission.ToMinorUnits(p.CommissionBalance)
	if err != nil {
		return err
	}
	doc := partnerDoc{
		ID:                     string(p.ID),
		Name:                   p.Name,
		Phone:                  p.Phone,
		Email:                  p.Email,
		PushToken:              p.PushToken,
		Channels:               p.Channels,
		CommissionBalanceMinor: minor,
		CreatedAt:              p.CreatedAt.UTC(),
	}
	if _, err := s.partners.InsertOne(s.ctx(ctx), doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("partner %s: %w", p.ID, commission.ErrConflict)
		}
		return fmt.Errorf("insert partner: %w", err)
	}
	return nil
}

func (s *Store) GetPartner(ctx context.Context, id commission.PartnerID) (commission.Partner, error) {
	var doc partnerDoc
	if err := s.partners.FindOne(s.ctx(ctx), bson.M{"_id": string(id)}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return commission.Partner{}, commission.ErrNotFound
		}
		return commission.Partner{}, fmt.Errorf("find partner: %w", err)
	}
	return doc.toDomain(), nil
}

func (s *Store) ListPartners(ctx context.Context) ([]commission.Partner, error) {
	cursor, err := s.partners.Find(s.ctx(ctx), bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find partners: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []partnerDoc
	if err := cursor.All(s.ctx(ctx), &docs); err != nil {
		return nil, fmt.Errorf("decode partners: %w", err)
	}
	out := make([]commission.Partner, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toDomain())
	}
	return out, nil
}

func (s *Store) IncrementBalance(ctx context.Context, id commission.PartnerID, amount decimal.Decimal) (decimal.Decimal, error) {
	minor, err := commission.ToMinorUnits(amount)
	if err != nil {
		return decimal.Zero, err
	}
	return s.inc(ctx, bson.M{"_id": string(id)}, minor, id)
}

func (s *Store) DecrementBalance(ctx context.Context, id commission.PartnerID, amount decimal.Decimal) (decimal.Decimal, error) {
	minor, err := commission.ToMinorUnits(amount)
	if err != nil {
		return decimal.Zero, err
	}
	filter := bson.M{"_id": string(id), "commissionBalanceMinor": bson.M{"$gte": minor}}
	balance, err := s.inc(ctx, filter, -minor, id)
	if errors.Is(err, commission.ErrNotFound) {
		if _, gerr := s.GetPartner(ctx, id); gerr == nil {
			return decimal.Zero, commission.ErrInsufficientBalance
		}
	}
	return balance, err
}

func (s *Store) inc(ctx context.Context, filter bson.M, delta int64, id commission.PartnerID) (decimal.Decimal, error) {
	var doc partnerDoc
	err := s.partners.FindOneAndUpdate(s.ctx(ctx), filter,
		bson.M{"$inc": bson.M{"commissionBalanceMinor": delta}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return decimal.Zero, commission.ErrNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("update balance of %s: %w", id, err)
	}
	return commission.FromMinorUnits(doc.CommissionBalanceMinor), nil
}

func (d partnerDoc) toDomain() commission.Partner {
	return commission.Partner{
		ID:                commission.PartnerID(d.ID),
		Name:              d.Name,
		Phone:             d.Phone,
		Email:             d.Email,
		PushToken:         d.PushToken,
		Channels:          d.Channels,
		CommissionBalance: commission.FromMinorUnits(d.CommissionBalanceMinor),
		CreatedAt:         d.CreatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
