package postgres

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
)

// DatabaseConfig holds the database connection configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// OpenDatabase opens and verifies a connection pool.
func OpenDatabase(config DatabaseConfig) (*sql.DB, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		config.Host,
		config.Port,
		config.Database,
		config.User,
		config.Password,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL database: %s", config.Database)

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

// createTables creates the necessary database tables
func createTables(db *sql.DB) error {
	ordersTable := `
	CREATE TABLE IF NOT EXISTS orders (
		id VARCHAR(255) PRIMARY KEY,
		status VARCHAR(50) NOT NULL,
		currency VARCHAR(10) NOT NULL DEFAULT 'USD',
		total BIGINT NOT NULL DEFAULT 0,
		cart_hash VARCHAR(255),
		return_url TEXT,
		trashed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_orders_cart_hash ON orders(cart_hash);
	`

	if _, err := db.Exec(ordersTable); err != nil {
		return fmt.Errorf("failed to create orders table: %w", err)
	}

	metaTable := `
	CREATE TABLE IF NOT EXISTS order_meta (
		order_id VARCHAR(255) NOT NULL REFERENCES orders(id),
		key VARCHAR(255) NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (order_id, key)
	);
	CREATE INDEX IF NOT EXISTS idx_order_meta_key_value ON order_meta(key, value);
	`

	if _, err := db.Exec(metaTable); err != nil {
		return fmt.Errorf("failed to create order_meta table: %w", err)
	}

	notesTable := `
	CREATE TABLE IF NOT EXISTS order_notes (
		id SERIAL PRIMARY KEY,
		order_id VARCHAR(255) NOT NULL REFERENCES orders(id),
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_order_notes_order_id ON order_notes(order_id);
	`

	if _, err := db.Exec(notesTable); err != nil {
		return fmt.Errorf("failed to create order_notes table: %w", err)
	}

	refundsTable := `
	CREATE TABLE IF NOT EXISTS order_refunds (
		id VARCHAR(255) PRIMARY KEY,
		order_id VARCHAR(255) NOT NULL REFERENCES orders(id),
		remote_id VARCHAR(255),
		amount BIGINT NOT NULL,
		reason TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_order_refunds_order_id ON order_refunds(order_id);
	CREATE INDEX IF NOT EXISTS idx_order_refunds_remote_id ON order_refunds(remote_id);
	`

	if _, err := db.Exec(refundsTable); err != nil {
		return fmt.Errorf("failed to create order_refunds table: %w", err)
	}

	locksTable := `
	CREATE TABLE IF NOT EXISTS order_locks (
		order_id VARCHAR(255) PRIMARY KEY,
		intent_id VARCHAR(255),
		acquired_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		expires_at TIMESTAMP NOT NULL
	);
	`

	if _, err := db.Exec(locksTable); err != nil {
		return fmt.Errorf("failed to create order_locks table: %w", err)
	}

	eventsTable := `
	CREATE TABLE IF NOT EXISTS webhook_events (
		id VARCHAR(255) PRIMARY KEY,
		payload JSONB NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		expires_at TIMESTAMP NOT NULL
	);
	`

	if _, err := db.Exec(eventsTable); err != nil {
		return fmt.Errorf("failed to create webhook_events table: %w", err)
	}

	jobsTable := `
	CREATE TABLE IF NOT EXISTS pending_jobs (
		id VARCHAR(255) PRIMARY KEY,
		action VARCHAR(255) NOT NULL,
		args JSONB NOT NULL DEFAULT '{}',
		run_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_pending_jobs_action ON pending_jobs(action);
	`

	if _, err := db.Exec(jobsTable); err != nil {
		return fmt.Errorf("failed to create pending_jobs table: %w", err)
	}

	log.Println("Database tables created successfully")
	return nil
}
