package sink

import (
	"context"
	"fmt"
	"net/url"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"
)

// CouchDBConfig configures a CouchDBRecorder, adapted from
// storage/database.go's DatabaseConfig.
type CouchDBConfig struct {
	URL             string
	Database        string
	Username        string
	Password        string
	Timeout         time.Duration
	CreateIfMissing bool
}

// DefaultCouchDBConfig mirrors the teacher's DefaultDatabaseConfig
// defaults, renamed to this domain's database.
func DefaultCouchDBConfig() CouchDBConfig {
	return CouchDBConfig{
		URL:             "http://localhost:5984",
		Database:        "tokenflow_outcomes",
		Timeout:         30 * time.Second,
		CreateIfMissing: true,
	}
}

// CouchDBRecorder writes each terminal outcome as a CouchDB document
// keyed by sequence id and occurrence time, adapted from
// storage/database.go's CouchDBClient connection/create-if-missing
// pattern.
type CouchDBRecorder struct {
	client *kivik.Client
	db     *kivik.DB
}

// NewCouchDBRecorder connects to CouchDB and ensures the configured
// database exists.
func NewCouchDBRecorder(cfg CouchDBConfig) (*CouchDBRecorder, error) {
	connectionURL, err := couchdbConnectionURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("sink: build couchdb url: %w", err)
	}

	client, err := kivik.New("couch", connectionURL)
	if err != nil {
		return nil, fmt.Errorf("sink: create couchdb client: %w", err)
	}

	ctx := context.Background()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	exists, err := client.DBExists(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("sink: check database existence: %w", err)
	}
	if !exists {
		if !cfg.CreateIfMissing {
			return nil, fmt.Errorf("sink: database %s does not exist", cfg.Database)
		}
		if err := client.CreateDB(ctx, cfg.Database); err != nil {
			return nil, fmt.Errorf("sink: create database %s: %w", cfg.Database, err)
		}
	}

	return &CouchDBRecorder{client: client, db: client.DB(cfg.Database)}, nil
}

func couchdbConnectionURL(cfg CouchDBConfig) (string, error) {
	if cfg.URL == "" {
		return "", fmt.Errorf("database URL cannot be empty")
	}
	if cfg.Username == "" && cfg.Password == "" {
		return cfg.URL, nil
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse database URL: %w", err)
	}
	parsed.User = url.UserPassword(cfg.Username, cfg.Password)
	return parsed.String(), nil
}

// RecordOutcome writes outcome as a new CouchDB document.
func (r *CouchDBRecorder) RecordOutcome(ctx context.Context, outcome TokenOutcome) error {
	docID := fmt.Sprintf("%d-%d", outcome.SequenceID, outcome.OccurredAt.UnixNano())
	if _, err := r.db.Put(ctx, docID, outcome); err != nil {
		return fmt.Errorf("sink: put document: %w", err)
	}
	return nil
}

// Close releases the underlying CouchDB client.
func (r *CouchDBRecorder) Close() error {
	return r.client.Close()
}
