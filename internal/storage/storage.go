package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver

	"gridbot-orchestrator/internal/models"
)

// Journal is the append-only sqlite store for the equity series and the order log.
type Journal struct {
	db *sql.DB
}

// InitDB initializes the database connection and creates necessary tables.
func InitDB(dataSourceName string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)

	if err = createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &Journal{db: db}, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	// Every order attempt, rejections included, so an idle bot can always be explained.
	createOrdersTableSQL := `
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		bot_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		type TEXT NOT NULL,
		size REAL NOT NULL,
		price REAL,
		status TEXT NOT NULL,
		error TEXT,
		exchange_order_id TEXT,
		trigger_context TEXT,
		created_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createOrdersTableSQL); err != nil {
		return err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_orders_bot_created ON orders (bot_id, created_at);`); err != nil {
		return err
	}

	createEquityTableSQL := `
	CREATE TABLE IF NOT EXISTS equity_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		mode TEXT NOT NULL,
		label TEXT NOT NULL,
		value REAL NOT NULL,
		ts INTEGER NOT NULL
	);`
	if _, err := db.Exec(createEquityTableSQL); err != nil {
		return err
	}
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_equity_mode_label_ts ON equity_samples (mode, label, ts);`)
	return err
}

// AppendOrder inserts an order record. Re-appending the same id is ignored.
func (j *Journal) AppendOrder(rec models.OrderRecord) error {
	query := `
	INSERT OR IGNORE INTO orders (id, bot_id, symbol, side, type, size, price, status, error, exchange_order_id, trigger_context, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := j.db.Exec(query,
		rec.ID, rec.BotID, rec.Symbol, string(rec.Side), string(rec.Type), rec.Size, rec.Price,
		string(rec.Status), rec.Error, rec.ExchangeID, rec.TriggerContext, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert order %s: %w", rec.ID, err)
	}
	return nil
}

// RecentOrders returns up to limit records for a bot, newest first.
func (j *Journal) RecentOrders(botID string, limit int) ([]models.OrderRecord, error) {
	query := `
	SELECT id, bot_id, symbol, side, type, size, price, status, error, exchange_order_id, trigger_context, created_at
	FROM orders
	WHERE bot_id = ?
	ORDER BY created_at DESC, rowid DESC
	LIMIT ?`

	rows, err := j.db.Query(query, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []models.OrderRecord
	for rows.Next() {
		var (
			rec                     models.OrderRecord
			side, typ, status       string
			price                   sql.NullFloat64
			errText, exchangeID, tc sql.NullString
			createdAt               int64
		)
		if err := rows.Scan(&rec.ID, &rec.BotID, &rec.Symbol, &side, &typ, &rec.Size, &price,
			&status, &errText, &exchangeID, &tc, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		rec.Side = models.Side(side)
		rec.Type = models.OrderType(typ)
		rec.Status = models.OrderStatus(status)
		rec.Price = price.Float64
		rec.Error = errText.String
		rec.ExchangeID = exchangeID.String
		rec.TriggerContext = tc.String
		rec.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendEquitySample appends one point to the equity series.
func (j *Journal) AppendEquitySample(sample models.EquitySample) error {
	_, err := j.db.Exec(`INSERT INTO equity_samples (mode, label, value, ts) VALUES (?, ?, ?, ?)`,
		string(sample.Mode), sample.Label, sample.Value, sample.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert equity sample: %w", err)
	}
	return nil
}

// EquitySeries returns the samples for (mode, label) since a time, oldest first.
func (j *Journal) EquitySeries(mode models.ExecutionMode, label string, since time.Time) ([]models.EquitySample, error) {
	rows, err := j.db.Query(`
	SELECT mode, label, value, ts FROM equity_samples
	WHERE mode = ? AND label = ? AND ts >= ?
	ORDER BY ts ASC, id ASC`, string(mode), label, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query equity samples: %w", err)
	}
	defer rows.Close()

	var out []models.EquitySample
	for rows.Next() {
		var (
			s    models.EquitySample
			m    string
			tsMs int64
		)
		if err := rows.Scan(&m, &s.Label, &s.Value, &tsMs); err != nil {
			return nil, fmt.Errorf("failed to scan equity row: %w", err)
		}
		s.Mode = models.ExecutionMode(m)
		s.Timestamp = time.UnixMilli(tsMs)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
