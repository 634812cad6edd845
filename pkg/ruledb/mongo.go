// Package ruledb provides the default RuleStore implementation backing the
// Symbol Mapping Cache Core's Rule Store Gateway: a MongoDB collection of
// mapping rules, with WatchChanges wired to a native MongoDB change stream
// so the tiered cache's change-stream supervisor can react to inserts,
// updates, replaces, and deletes without polling.
package ruledb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/devmesh-labs/symbolcache/pkg/symbolcache"
)

// MongoConfig configures the collection a MongoRuleStore reads and
// watches.
type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// MongoRuleStore implements symbolcache.RuleStore over a MongoDB
// collection of mapping-rule documents.
type MongoRuleStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

type ruleDocument struct {
	ID             string `bson:"_id"`
	DataSourceName string `bson:"dataSourceName"`
	SDKSymbol      string `bson:"sdkSymbol"`
	StandardSymbol string `bson:"standardSymbol"`
	IsActive       bool   `bson:"isActive"`
}

// NewMongoRuleStore connects to MongoDB and verifies it with a Ping.
func NewMongoRuleStore(ctx context.Context, cfg MongoConfig) (*MongoRuleStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("ruledb: failed to connect: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx, nil); err != nil {
		return nil, fmt.Errorf("ruledb: ping failed: %w", err)
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	return &MongoRuleStore{client: client, coll: coll}, nil
}

// FindByDataSource implements symbolcache.RuleStore.
func (m *MongoRuleStore) FindByDataSource(ctx context.Context, provider string) (*symbolcache.ProviderRules, error) {
	cur, err := m.coll.Find(ctx, bson.M{"dataSourceName": provider})
	if err != nil {
		return nil, fmt.Errorf("ruledb: find failed: %w", err)
	}
	defer cur.Close(ctx)

	out := &symbolcache.ProviderRules{Provider: provider}
	for cur.Next(ctx) {
		var doc ruleDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("ruledb: decode failed: %w", err)
		}
		out.Rules = append(out.Rules, toMappingRule(doc))
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// FindByID implements symbolcache.RuleStore, used as the change-stream
// supervisor's fallback when a delete event's side index has no entry.
func (m *MongoRuleStore) FindByID(ctx context.Context, id string) (*symbolcache.MappingRule, error) {
	var doc ruleDocument
	err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("ruledb: findByID failed: %w", err)
	}
	rule := toMappingRule(doc)
	return &rule, nil
}

func toMappingRule(doc ruleDocument) symbolcache.MappingRule {
	return symbolcache.MappingRule{
		ID:             doc.ID,
		Provider:       doc.DataSourceName,
		SDKSymbol:      doc.SDKSymbol,
		StandardSymbol: doc.StandardSymbol,
		IsActive:       doc.IsActive,
	}
}

// WatchChanges implements symbolcache.RuleStore by opening a native
// MongoDB change stream over the rules collection.
func (m *MongoRuleStore) WatchChanges(ctx context.Context) (symbolcache.ChangeStream, error) {
	stream, err := m.coll.Watch(ctx, mongo.Pipeline{}, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("ruledb: watch failed: %w", err)
	}
	return &mongoChangeStream{stream: stream}, nil
}

type mongoChangeStream struct {
	stream *mongo.ChangeStream
}

type changeEventDoc struct {
	OperationType            string                 `bson:"operationType"`
	FullDocument             map[string]interface{} `bson:"fullDocument"`
	FullDocumentBeforeChange map[string]interface{} `bson:"fullDocumentBeforeChange"`
	DocumentKey              struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
}

// Next implements symbolcache.ChangeStream.
func (c *mongoChangeStream) Next(ctx context.Context) (symbolcache.ChangeEvent, error) {
	if !c.stream.Next(ctx) {
		if err := c.stream.Err(); err != nil {
			return symbolcache.ChangeEvent{}, err
		}
		return symbolcache.ChangeEvent{}, ctx.Err()
	}
	var doc changeEventDoc
	if err := c.stream.Decode(&doc); err != nil {
		return symbolcache.ChangeEvent{}, fmt.Errorf("ruledb: decode change event failed: %w", err)
	}
	return symbolcache.ChangeEvent{
		OperationType: doc.OperationType,
		FullDocument:  doc.FullDocument,
		PreImage:      doc.FullDocumentBeforeChange,
		DocumentID:    doc.DocumentKey.ID,
	}, nil
}

// Close implements symbolcache.ChangeStream.
func (c *mongoChangeStream) Close(ctx context.Context) error {
	return c.stream.Close(ctx)
}

// Close disconnects the underlying MongoDB client.
func (m *MongoRuleStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
