package mongodb

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// =============================================================================
// MongoDB Body Archive Adapter
// =============================================================================

const (
	collectionMessageBodies = "message_bodies"

	// Compression threshold - only compress if content is larger than this
	compressionThreshold = 1024 // 1KB
)

// BodyAdapter implements out.BodyArchive using MongoDB. Full bodies live out
// of band from the relational store; writes are upserts keyed by
// (account_id, provider_message_id).
type BodyAdapter struct {
	db         *mongo.Database
	collection *mongo.Collection
}

// NewBodyAdapter creates a new MongoDB body archive adapter.
func NewBodyAdapter(db *mongo.Database) *BodyAdapter {
	collection := db.Collection(collectionMessageBodies)
	return &BodyAdapter{
		db:         db,
		collection: collection,
	}
}

// EnsureIndexes creates necessary indexes for the collection.
func (a *BodyAdapter) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "account_id", Value: 1},
				{Key: "provider_message_id", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "archived_at", Value: 1}},
		},
	}

	_, err := a.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// =============================================================================
// Document Model
// =============================================================================

// bodyDocument represents the MongoDB document structure.
type bodyDocument struct {
	AccountID         int64  `bson:"account_id"`
	ProviderMessageID string `bson:"provider_message_id"`

	// Content (potentially compressed)
	HTML         []byte `bson:"html"`
	Text         []byte `bson:"text"`
	IsCompressed bool   `bson:"is_compressed"`

	// Size info
	OriginalSize   int64 `bson:"original_size"`
	CompressedSize int64 `bson:"compressed_size"`

	ArchivedAt time.Time `bson:"archived_at"`
}

// =============================================================================
// Operations
// =============================================================================

// SaveBody archives one message body. Re-delivered messages replace their
// previous document.
func (a *BodyAdapter) SaveBody(ctx context.Context, body *domain.MessageBody) error {
	doc, err := a.toDocument(body)
	if err != nil {
		return fmt.Errorf("failed to convert body to document: %w", err)
	}

	opts := options.Replace().SetUpsert(true)
	filter := bson.M{
		"account_id":          body.AccountID,
		"provider_message_id": body.ProviderMessageID,
	}

	_, err = a.collection.ReplaceOne(ctx, filter, doc, opts)
	if err != nil {
		return fmt.Errorf("failed to save message body: %w", err)
	}

	return nil
}

// GetBody retrieves an archived body. Missing documents return nil, nil.
func (a *BodyAdapter) GetBody(ctx context.Context, accountID int64, providerMessageID string) (*domain.MessageBody, error) {
	var doc bodyDocument
	filter := bson.M{
		"account_id":          accountID,
		"provider_message_id": providerMessageID,
	}

	err := a.collection.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get message body: %w", err)
	}

	return a.toBody(&doc)
}

// DeleteByAccount removes all archived bodies for an account.
func (a *BodyAdapter) DeleteByAccount(ctx context.Context, accountID int64) (int64, error) {
	filter := bson.M{"account_id": accountID}

	result, err := a.collection.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to delete bodies by account: %w", err)
	}

	return result.DeletedCount, nil
}

// DeleteOlderThan removes archived bodies older than the given time.
func (a *BodyAdapter) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	filter := bson.M{"archived_at": bson.M{"$lt": before}}

	result, err := a.collection.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old bodies: %w", err)
	}

	return result.DeletedCount, nil
}

// =============================================================================
// Conversion Helpers
// =============================================================================

func (a *BodyAdapter) toDocument(body *domain.MessageBody) (*bodyDocument, error) {
	htmlBytes := []byte(body.HTMLBody)
	textBytes := []byte(body.TextBody)
	originalSize := int64(len(htmlBytes) + len(textBytes))

	isCompressed := false
	compressedSize := originalSize

	// Compress if content is large enough
	if originalSize > compressionThreshold {
		compressedHTML, err := compress(htmlBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to compress HTML: %w", err)
		}
		compressedText, err := compress(textBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to compress text: %w", err)
		}

		htmlBytes = compressedHTML
		textBytes = compressedText
		isCompressed = true
		compressedSize = int64(len(htmlBytes) + len(textBytes))
	}

	return &bodyDocument{
		AccountID:         body.AccountID,
		ProviderMessageID: body.ProviderMessageID,
		HTML:              htmlBytes,
		Text:              textBytes,
		IsCompressed:      isCompressed,
		OriginalSize:      originalSize,
		CompressedSize:    compressedSize,
		ArchivedAt:        time.Now().UTC(),
	}, nil
}

func (a *BodyAdapter) toBody(doc *bodyDocument) (*domain.MessageBody, error) {
	htmlBytes := doc.HTML
	textBytes := doc.Text

	// Decompress if needed
	if doc.IsCompressed {
		var err error
		htmlBytes, err = decompress(doc.HTML)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress HTML: %w", err)
		}
		textBytes, err = decompress(doc.Text)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress text: %w", err)
		}
	}

	return &domain.MessageBody{
		AccountID:         doc.AccountID,
		ProviderMessageID: doc.ProviderMessageID,
		HTMLBody:          string(htmlBytes),
		TextBody:          string(textBytes),
	}, nil
}

// =============================================================================
// Compression Helpers
// =============================================================================

func compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)

	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	return io.ReadAll(reader)
}

// =============================================================================
// Interface Compliance
// =============================================================================

var _ out.BodyArchive = (*BodyAdapter)(nil)
