package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/mkarppi/telegram-qc-bot/internal/product"
)

// MainImageReportID is the reserved report_id marking a product's canonical
// reference image in the media side table, as opposed to report evidence.
const MainImageReportID = "main"

// minMediaLen is the minimal inline payload length worth persisting.
// Placeholder and empty strings are not written as media rows.
const minMediaLen = 100

// UserSettings holds a user's stored preferences.
type UserSettings struct {
	APIKey string
	Mode   string
	Strict bool
}

// SQLiteStore persists products, their media payloads and per-user settings.
// Inline media is large, so each product is split into a metadata row with
// media stripped and a side table of payload rows keyed by
// (product_id, report_id, image_index).
type SQLiteStore struct {
	db            *sql.DB
	encryptionKey []byte
	mu            sync.RWMutex
}

// NewSQLiteStore opens (or creates) the database at dbPath. The encryption
// key protects stored API keys at rest.
func NewSQLiteStore(dbPath string, encryptionKey []byte) (*SQLiteStore, error) {
	// foreign_keys is per-connection in SQLite, so it has to ride along in
	// the DSN to cover every pooled connection.
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db, encryptionKey: encryptionKey}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			owner_id INTEGER NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_products_owner ON products(owner_id);`,
		`CREATE TABLE IF NOT EXISTS product_images (
			owner_id INTEGER NOT NULL,
			product_id TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
			report_id TEXT NOT NULL,
			image_index INTEGER NOT NULL,
			image_data TEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE(product_id, report_id, image_index)
		);`,
		`CREATE TABLE IF NOT EXISTS user_settings (
			telegram_id INTEGER PRIMARY KEY,
			encrypted_api_key TEXT,
			mode TEXT,
			strict INTEGER NOT NULL DEFAULT 0,
			last_updated DATETIME NOT NULL
		);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type mediaRow struct {
	reportID string
	index    int
	data     string
}

// splitProduct returns the product's metadata JSON with media stripped, plus
// the media rows to persist. Payloads below the size threshold are skipped.
func splitProduct(p *product.Product) (string, []mediaRow, error) {
	stripped := *p
	var rows []mediaRow

	if len(p.MainImage) >= minMediaLen {
		rows = append(rows, mediaRow{reportID: MainImageReportID, index: 0, data: p.MainImage})
	}
	stripped.MainImage = ""

	stripped.Reports = make([]product.QCReport, len(p.Reports))
	for i, r := range p.Reports {
		for j, m := range r.Images {
			if len(m) >= minMediaLen {
				rows = append(rows, mediaRow{reportID: r.ID, index: j, data: m})
			}
		}
		rc := r
		rc.Images = nil
		stripped.Reports[i] = rc
	}

	content, err := json.Marshal(&stripped)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal product: %w", err)
	}
	return string(content), rows, nil
}

// SaveProduct upserts the product's metadata row and its media payload rows.
// Media writes are keyed by (product_id, report_id, image_index), so a
// repeated save of the same logical image overwrites rather than duplicates.
func (s *SQLiteStore) SaveProduct(p *product.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, rows, err := splitProduct(p)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO products (id, owner_id, content, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content
	`, p.ID, p.OwnerID, content, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}

	now := time.Now()
	for _, row := range rows {
		_, err = tx.Exec(`
			INSERT INTO product_images (owner_id, product_id, report_id, image_index, image_data, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(product_id, report_id, image_index) DO UPDATE SET
				image_data = excluded.image_data,
				updated_at = excluded.updated_at
		`, p.OwnerID, p.ID, row.reportID, row.index, row.data, now)
		if err != nil {
			return fmt.Errorf("failed to save media row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit save: %w", err)
	}
	return nil
}

// LoadProducts reassembles all of an owner's products: metadata rows first,
// then all media rows for those products in a single batch, spliced back into
// main-image and report image slots in original index order, skipping gaps.
func (s *SQLiteStore) LoadProducts(ownerID int64) ([]*product.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT content FROM products WHERE owner_id = ? ORDER BY created_at DESC",
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []*product.Product
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("failed to scan product row: %w", err)
		}
		var p product.Product
		if err := json.Unmarshal([]byte(content), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal product: %w", err)
		}
		products = append(products, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(products) == 0 {
		return nil, nil
	}

	lookup, err := s.loadMedia(products)
	if err != nil {
		return nil, err
	}

	for _, p := range products {
		if main := lookup[mediaKey(p.ID, MainImageReportID)]; len(main) > 0 {
			p.MainImage = main[0].data
		}
		for i := range p.Reports {
			for _, row := range lookup[mediaKey(p.ID, p.Reports[i].ID)] {
				p.Reports[i].Images = append(p.Reports[i].Images, row.data)
			}
		}
	}

	return products, nil
}

func mediaKey(productID, reportID string) string {
	return productID + "\x00" + reportID
}

// loadMedia fetches every media row for the given products in one query and
// groups them by (productID, reportID), ordered by image index.
func (s *SQLiteStore) loadMedia(products []*product.Product) (map[string][]mediaRow, error) {
	placeholders := make([]string, len(products))
	args := make([]any, len(products))
	for i, p := range products {
		placeholders[i] = "?"
		args[i] = p.ID
	}

	query := fmt.Sprintf(
		"SELECT product_id, report_id, image_index, image_data FROM product_images WHERE product_id IN (%s)",
		strings.Join(placeholders, ","),
	)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query media rows: %w", err)
	}
	defer rows.Close()

	lookup := make(map[string][]mediaRow)
	for rows.Next() {
		var productID string
		var row mediaRow
		if err := rows.Scan(&productID, &row.reportID, &row.index, &row.data); err != nil {
			return nil, fmt.Errorf("failed to scan media row: %w", err)
		}
		key := mediaKey(productID, row.reportID)
		lookup[key] = append(lookup[key], row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for key := range lookup {
		group := lookup[key]
		sort.Slice(group, func(i, j int) bool { return group[i].index < group[j].index })
	}
	return lookup, nil
}

// DeleteProducts removes product metadata rows; media rows cascade.
func (s *SQLiteStore) DeleteProducts(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	_, err := s.db.Exec(
		fmt.Sprintf("DELETE FROM products WHERE id IN (%s)", strings.Join(placeholders, ",")),
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to delete products: %w", err)
	}
	return nil
}

// SetAPIKey stores a user's Gemini API key, encrypted at rest.
func (s *SQLiteStore) SetAPIKey(telegramID int64, apiKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encrypted, err := Encrypt([]byte(apiKey), s.encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt API key: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO user_settings (telegram_id, encrypted_api_key, last_updated)
		VALUES (?, ?, ?)
		ON CONFLICT(telegram_id) DO UPDATE SET
			encrypted_api_key = excluded.encrypted_api_key,
			last_updated = excluded.last_updated
	`, telegramID, encrypted, time.Now())
	if err != nil {
		return fmt.Errorf("failed to store API key: %w", err)
	}
	return nil
}

// SetMode stores a user's preferred inference tier.
func (s *SQLiteStore) SetMode(telegramID int64, mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO user_settings (telegram_id, mode, last_updated)
		VALUES (?, ?, ?)
		ON CONFLICT(telegram_id) DO UPDATE SET
			mode = excluded.mode,
			last_updated = excluded.last_updated
	`, telegramID, mode, time.Now())
	if err != nil {
		return fmt.Errorf("failed to store mode: %w", err)
	}
	return nil
}

// SetStrict stores a user's strict-persona flag.
func (s *SQLiteStore) SetStrict(telegramID int64, strict bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO user_settings (telegram_id, strict, last_updated)
		VALUES (?, ?, ?)
		ON CONFLICT(telegram_id) DO UPDATE SET
			strict = excluded.strict,
			last_updated = excluded.last_updated
	`, telegramID, strict, time.Now())
	if err != nil {
		return fmt.Errorf("failed to store strict flag: %w", err)
	}
	return nil
}

// GetSettings retrieves a user's stored settings. Returns zero-value settings
// when the user has none.
func (s *SQLiteStore) GetSettings(telegramID int64) (UserSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var encrypted, mode sql.NullString
	var strict sql.NullInt64
	err := s.db.QueryRow(
		"SELECT encrypted_api_key, mode, strict FROM user_settings WHERE telegram_id = ?",
		telegramID,
	).Scan(&encrypted, &mode, &strict)

	if err == sql.ErrNoRows {
		return UserSettings{}, nil
	}
	if err != nil {
		return UserSettings{}, fmt.Errorf("failed to query user settings: %w", err)
	}

	settings := UserSettings{
		Mode:   mode.String,
		Strict: strict.Int64 != 0,
	}
	if encrypted.Valid && encrypted.String != "" {
		plaintext, err := Decrypt(encrypted.String, s.encryptionKey)
		if err != nil {
			// A corrupt key entry shouldn't brick the user; treat as unset.
			log.Warn().Err(err).Int64("telegramID", telegramID).Msg("failed to decrypt stored API key")
		} else {
			settings.APIKey = string(plaintext)
		}
	}
	return settings, nil
}
