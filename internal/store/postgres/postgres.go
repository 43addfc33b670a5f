package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"milkrun/backend/internal/domain"
	"milkrun/backend/internal/store"
	"milkrun/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, unit, wholesale_price, commission_per_unit, active
		FROM products
		WHERE active = true
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Unit, &p.WholesalePrice, &p.CommissionPerUnit, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, unit, wholesale_price, commission_per_unit, active
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Unit, &p.WholesalePrice, &p.CommissionPerUnit, &p.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, unit, wholesale_price, commission_per_unit, active
		FROM products
		WHERE active = true AND id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Unit, &p.WholesalePrice, &p.CommissionPerUnit, &p.Active); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetTruck(ctx context.Context, id string) (*domain.Truck, error) {
	var t domain.Truck
	err := s.db.QueryRowContext(ctx, `
		SELECT id, truck_number, COALESCE(driver_username,''), max_allowance_limit, active
		FROM trucks
		WHERE id = $1
	`, id).Scan(&t.ID, &t.TruckNumber, &t.DriverUsername, &t.MaxAllowanceLimit, &t.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *Store) ListTrucks(ctx context.Context) ([]domain.Truck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, truck_number, COALESCE(driver_username,''), max_allowance_limit, active
		FROM trucks
		ORDER BY truck_number
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trucks := make([]domain.Truck, 0, 16)
	for rows.Next() {
		var t domain.Truck
		if err := rows.Scan(&t.ID, &t.TruckNumber, &t.DriverUsername, &t.MaxAllowanceLimit, &t.Active); err != nil {
			return nil, err
		}
		trucks = append(trucks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return trucks, nil
}

func (s *Store) GetShop(ctx context.Context, id string) (*domain.Shop, error) {
	var sh domain.Shop
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(area,''), active
		FROM shops
		WHERE id = $1
	`, id).Scan(&sh.ID, &sh.Name, &sh.Area, &sh.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &sh, nil
}

func (s *Store) ListShops(ctx context.Context) ([]domain.Shop, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(area,''), active
		FROM shops
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	shops := make([]domain.Shop, 0, 32)
	for rows.Next() {
		var sh domain.Shop
		if err := rows.Scan(&sh.ID, &sh.Name, &sh.Area, &sh.Active); err != nil {
			return nil, err
		}
		shops = append(shops, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return shops, nil
}

// insertMovement writes one ledger row inside tx. It does not touch batch
// quantities; callers pair it with the matching UPDATE in the same
// transaction.
func insertMovement(ctx context.Context, tx *sql.Tx, m domain.StockMovement) error {
	if m.ID == "" {
		m.ID = xid.New("mv")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.MovementDate.IsZero() {
		m.MovementDate = nowDateUTC(m.CreatedAt)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_movements (
			id, batch_id, product_id, movement_type, quantity, reference_type,
			reference_id, reason, notes, created_by, movement_date, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, m.ID, m.BatchID, m.ProductID, m.Type, m.Quantity, m.ReferenceType,
		nullIfEmpty(m.ReferenceID), nullIfEmpty(m.Reason), nullIfEmpty(m.Notes),
		nullIfEmpty(m.CreatedBy), m.MovementDate, m.CreatedAt)
	return err
}

func (s *Store) ReceiveDelivery(ctx context.Context, receiptNumber string, deliveryDate time.Time, createdBy string, lines []store.BatchInput) ([]domain.Batch, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	result := make([]domain.Batch, 0, len(lines))
	for _, line := range lines {
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: delivery quantity must be positive", store.ErrValidation)
		}

		var batch domain.Batch
		err := tx.QueryRowContext(ctx, `
			SELECT id, product_id, batch_number, quantity, remaining_quantity, expiry_date, received_at, created_at
			FROM batches
			WHERE product_id = $1 AND batch_number = $2
			FOR UPDATE
		`, line.ProductID, line.BatchNumber).Scan(
			&batch.ID, &batch.ProductID, &batch.BatchNumber, &batch.Quantity,
			&batch.RemainingQuantity, &batch.ExpiryDate, &batch.ReceivedAt, &batch.CreatedAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			batch = domain.Batch{
				ID:          xid.New("batch"),
				ProductID:   line.ProductID,
				BatchNumber: line.BatchNumber,
				ExpiryDate:  nowDateUTC(line.ExpiryDate),
				ReceivedAt:  deliveryDate,
				CreatedAt:   now,
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO batches (id, product_id, batch_number, quantity, remaining_quantity, expiry_date, received_at, created_at)
				VALUES ($1,$2,$3,0,0,$4,$5,$6)
			`, batch.ID, batch.ProductID, batch.BatchNumber, batch.ExpiryDate, batch.ReceivedAt, batch.CreatedAt)
			if err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == "23503" {
					return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, line.ProductID)
				}
				return nil, err
			}
		case err != nil:
			return nil, err
		default:
			if !nowDateUTC(batch.ExpiryDate).Equal(nowDateUTC(line.ExpiryDate)) {
				return nil, fmt.Errorf("%w: batch %s already exists with a different expiry date", store.ErrConflict, line.BatchNumber)
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE batches
			SET quantity = quantity + $2, remaining_quantity = remaining_quantity + $2
			WHERE id = $1
		`, batch.ID, line.Quantity)
		if err != nil {
			return nil, err
		}
		if err := insertMovement(ctx, tx, domain.StockMovement{
			BatchID:       batch.ID,
			ProductID:     batch.ProductID,
			Type:          domain.MovementDeliveryIn,
			Quantity:      line.Quantity,
			ReferenceType: "delivery",
			ReferenceID:   receiptNumber,
			CreatedBy:     createdBy,
			CreatedAt:     now,
		}); err != nil {
			return nil, err
		}

		batch.Quantity += line.Quantity
		batch.RemainingQuantity += line.Quantity
		batch.ExpiryDate = nowDateUTC(batch.ExpiryDate)
		result = append(result, batch)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListBatches(ctx context.Context, productID string, includeEmpty bool) ([]domain.Batch, error) {
	query := `
		SELECT id, product_id, batch_number, quantity, remaining_quantity, expiry_date, received_at, created_at
		FROM batches
		WHERE ($1 = '' OR product_id = $1)
	`
	if !includeEmpty {
		query += ` AND remaining_quantity > 0`
	}
	query += ` ORDER BY expiry_date ASC, created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]domain.Batch, 0, 64)
	for rows.Next() {
		var b domain.Batch
		if err := rows.Scan(&b.ID, &b.ProductID, &b.BatchNumber, &b.Quantity, &b.RemainingQuantity, &b.ExpiryDate, &b.ReceivedAt, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.ExpiryDate = nowDateUTC(b.ExpiryDate)
		b.CreatedAt = b.CreatedAt.UTC()
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return batches, nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	var b domain.Batch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, batch_number, quantity, remaining_quantity, expiry_date, received_at, created_at
		FROM batches
		WHERE id = $1
	`, id).Scan(&b.ID, &b.ProductID, &b.BatchNumber, &b.Quantity, &b.RemainingQuantity, &b.ExpiryDate, &b.ReceivedAt, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	b.ExpiryDate = nowDateUTC(b.ExpiryDate)
	return &b, nil
}

func (s *Store) ListAvailableBatches(ctx context.Context, productID string) ([]domain.Batch, error) {
	return s.ListBatches(ctx, productID, false)
}

func (s *Store) GetBatchMovements(ctx context.Context, batchID string) ([]domain.StockMovement, error) {
	if _, err := s.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, product_id, movement_type, quantity, COALESCE(reference_type,''),
			COALESCE(reference_id,''), COALESCE(reason,''), COALESCE(notes,''),
			COALESCE(created_by,''), movement_date, created_at
		FROM stock_movements
		WHERE batch_id = $1
		ORDER BY created_at ASC, id ASC
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, 16)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.BatchID, &m.ProductID, &m.Type, &m.Quantity, &m.ReferenceType,
			&m.ReferenceID, &m.Reason, &m.Notes, &m.CreatedBy, &m.MovementDate, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) AdjustStock(ctx context.Context, adjustment domain.StockMovement) (*domain.Batch, error) {
	if adjustment.Type != domain.MovementAdjustment && adjustment.Type != domain.MovementExpiredOut {
		return nil, fmt.Errorf("%w: movement type must be adjustment or expired_out", store.ErrValidation)
	}
	if adjustment.Quantity < 1 {
		return nil, fmt.Errorf("%w: movement quantity must be positive", store.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	b, err := lockBatch(ctx, tx, adjustment.BatchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if adjustment.Type == domain.MovementExpiredOut {
		if b.RemainingQuantity < adjustment.Quantity {
			return nil, fmt.Errorf("%w: batch %s has %d units remaining", store.ErrInsufficientStock, b.BatchNumber, b.RemainingQuantity)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE batches SET remaining_quantity = remaining_quantity - $2 WHERE id = $1
		`, b.ID, adjustment.Quantity)
		b.RemainingQuantity -= adjustment.Quantity
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE batches SET quantity = quantity + $2, remaining_quantity = remaining_quantity + $2 WHERE id = $1
		`, b.ID, adjustment.Quantity)
		b.Quantity += adjustment.Quantity
		b.RemainingQuantity += adjustment.Quantity
	}
	if err != nil {
		return nil, err
	}

	adjustment.ProductID = b.ProductID
	adjustment.ReferenceType = "manual"
	if err := insertMovement(ctx, tx, adjustment); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	b.ExpiryDate = nowDateUTC(b.ExpiryDate)
	return b, nil
}

func (s *Store) CreateTruckLoad(ctx context.Context, truckID string, loadDate time.Time, loadedBy string, notes string, items []domain.LoadItemRequest) (*domain.TruckLoad, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var truckNumber string
	var truckActive bool
	err = tx.QueryRowContext(ctx, `
		SELECT truck_number, active FROM trucks WHERE id = $1
	`, truckID).Scan(&truckNumber, &truckActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: truck %s", store.ErrNotFound, truckID)
		}
		return nil, err
	}
	if !truckActive {
		return nil, fmt.Errorf("%w: truck %s is inactive", store.ErrValidation, truckNumber)
	}

	day := nowDateUTC(loadDate)
	now := time.Now().UTC()
	load := &domain.TruckLoad{
		ID:        xid.New("load"),
		TruckID:   truckID,
		LoadDate:  day,
		Status:    domain.LoadStatusLoaded,
		LoadedBy:  loadedBy,
		Notes:     notes,
		CreatedAt: now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO truck_loads (id, truck_id, load_date, status, loaded_by, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, load.ID, load.TruckID, load.LoadDate, load.Status, load.LoadedBy, nullIfEmpty(load.Notes), load.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: truck %s already has a load for %s", store.ErrConflict, truckNumber, day.Format("2006-01-02"))
		}
		return nil, err
	}

	// plan accumulates per batch across request lines so one batch yields at
	// most one load item; batch remaining is tracked in memory while the rows
	// stay locked.
	plan := make(map[string]int)
	order := make([]string, 0, len(items))
	batchInfo := make(map[string]*domain.Batch)

	claim := func(b *domain.Batch, qty int) {
		if _, seen := plan[b.ID]; !seen {
			order = append(order, b.ID)
			batchInfo[b.ID] = b
		}
		plan[b.ID] += qty
		b.RemainingQuantity -= qty
	}

	for _, item := range items {
		switch {
		case item.BatchID != "":
			b, err := lockBatch(ctx, tx, item.BatchID)
			if err != nil {
				return nil, err
			}
			if known, seen := batchInfo[b.ID]; seen {
				b = known
			}
			if b.RemainingQuantity < item.Quantity {
				return nil, fmt.Errorf("%w: batch %s has %d units remaining, cannot load %d", store.ErrInsufficientStock, b.BatchNumber, b.RemainingQuantity, item.Quantity)
			}
			claim(b, item.Quantity)
		case item.ProductID != "":
			candidates, err := lockAvailableBatches(ctx, tx, item.ProductID)
			if err != nil {
				return nil, err
			}
			merged := make([]*domain.Batch, 0, len(candidates))
			for _, b := range candidates {
				if known, seen := batchInfo[b.ID]; seen {
					merged = append(merged, known)
					continue
				}
				merged = append(merged, b)
			}
			available := 0
			for _, b := range merged {
				available += b.RemainingQuantity
			}
			if available < item.Quantity {
				return nil, fmt.Errorf("%w: product %s has %d units available, requested %d", store.ErrInsufficientStock, item.ProductID, available, item.Quantity)
			}
			remaining := item.Quantity
			for _, b := range merged {
				if remaining == 0 {
					break
				}
				if b.RemainingQuantity < 1 {
					continue
				}
				used := remaining
				if used > b.RemainingQuantity {
					used = b.RemainingQuantity
				}
				claim(b, used)
				remaining -= used
			}
		}
	}

	for _, batchID := range order {
		qty := plan[batchID]
		b := batchInfo[batchID]
		res, err := tx.ExecContext(ctx, `
			UPDATE batches
			SET remaining_quantity = remaining_quantity - $2
			WHERE id = $1 AND remaining_quantity >= $2
		`, batchID, qty)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, fmt.Errorf("%w: batch %s", store.ErrInsufficientStock, b.BatchNumber)
		}
		if err := insertMovement(ctx, tx, domain.StockMovement{
			BatchID:       batchID,
			ProductID:     b.ProductID,
			Type:          domain.MovementTruckLoadOut,
			Quantity:      qty,
			ReferenceType: "truck_load",
			ReferenceID:   load.ID,
			CreatedBy:     loadedBy,
			CreatedAt:     now,
		}); err != nil {
			return nil, err
		}

		item := domain.TruckLoadItem{
			ID:             xid.New("litem"),
			LoadID:         load.ID,
			BatchID:        batchID,
			BatchNumber:    b.BatchNumber,
			ProductID:      b.ProductID,
			ExpiryDate:     nowDateUTC(b.ExpiryDate),
			QuantityLoaded: qty,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO truck_load_items (
				id, load_id, batch_id, batch_number, product_id, expiry_date,
				quantity_loaded, quantity_sold, quantity_returned
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,0,0)
		`, item.ID, item.LoadID, item.BatchID, item.BatchNumber, item.ProductID, item.ExpiryDate, item.QuantityLoaded)
		if err != nil {
			return nil, err
		}
		load.Items = append(load.Items, item)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return load, nil
}

func lockBatch(ctx context.Context, tx *sql.Tx, batchID string) (*domain.Batch, error) {
	var b domain.Batch
	err := tx.QueryRowContext(ctx, `
		SELECT id, product_id, batch_number, quantity, remaining_quantity, expiry_date, received_at, created_at
		FROM batches
		WHERE id = $1
		FOR UPDATE
	`, batchID).Scan(&b.ID, &b.ProductID, &b.BatchNumber, &b.Quantity, &b.RemainingQuantity, &b.ExpiryDate, &b.ReceivedAt, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: batch %s", store.ErrNotFound, batchID)
		}
		return nil, err
	}
	return &b, nil
}

func lockAvailableBatches(ctx context.Context, tx *sql.Tx, productID string) ([]*domain.Batch, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, product_id, batch_number, quantity, remaining_quantity, expiry_date, received_at, created_at
		FROM batches
		WHERE product_id = $1 AND remaining_quantity > 0
		ORDER BY expiry_date ASC, created_at ASC, id ASC
		FOR UPDATE
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]*domain.Batch, 0, 8)
	for rows.Next() {
		var b domain.Batch
		if err := rows.Scan(&b.ID, &b.ProductID, &b.BatchNumber, &b.Quantity, &b.RemainingQuantity, &b.ExpiryDate, &b.ReceivedAt, &b.CreatedAt); err != nil {
			return nil, err
		}
		batches = append(batches, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return batches, nil
}

func (s *Store) GetTruckLoad(ctx context.Context, id string) (*domain.TruckLoad, error) {
	var load domain.TruckLoad
	err := s.db.QueryRowContext(ctx, `
		SELECT id, truck_id, load_date, status, loaded_by, COALESCE(notes,''), created_at
		FROM truck_loads
		WHERE id = $1
	`, id).Scan(&load.ID, &load.TruckID, &load.LoadDate, &load.Status, &load.LoadedBy, &load.Notes, &load.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	load.LoadDate = nowDateUTC(load.LoadDate)
	load.CreatedAt = load.CreatedAt.UTC()

	items, err := s.loadItems(ctx, []string{load.ID})
	if err != nil {
		return nil, err
	}
	load.Items = items[load.ID]
	return &load, nil
}

func (s *Store) loadItems(ctx context.Context, loadIDs []string) (map[string][]domain.TruckLoadItem, error) {
	result := make(map[string][]domain.TruckLoadItem, len(loadIDs))
	if len(loadIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, load_id, batch_id, batch_number, product_id, expiry_date,
			quantity_loaded, quantity_sold, quantity_returned
		FROM truck_load_items
		WHERE load_id = ANY($1)
		ORDER BY expiry_date ASC, id ASC
	`, loadIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.TruckLoadItem
		if err := rows.Scan(&item.ID, &item.LoadID, &item.BatchID, &item.BatchNumber, &item.ProductID,
			&item.ExpiryDate, &item.QuantityLoaded, &item.QuantitySold, &item.QuantityReturned); err != nil {
			return nil, err
		}
		item.ExpiryDate = nowDateUTC(item.ExpiryDate)
		result[item.LoadID] = append(result[item.LoadID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListTruckLoads(ctx context.Context, date time.Time, truckID string) ([]domain.TruckLoad, error) {
	dateFilter := ""
	if !date.IsZero() {
		dateFilter = nowDateUTC(date).Format("2006-01-02")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, truck_id, load_date, status, loaded_by, COALESCE(notes,''), created_at
		FROM truck_loads
		WHERE ($1 = '' OR load_date = $1::date)
			AND ($2 = '' OR truck_id = $2)
		ORDER BY load_date DESC, truck_id ASC
	`, dateFilter, truckID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	loads := make([]domain.TruckLoad, 0, 16)
	ids := make([]string, 0, 16)
	for rows.Next() {
		var load domain.TruckLoad
		if err := rows.Scan(&load.ID, &load.TruckID, &load.LoadDate, &load.Status, &load.LoadedBy, &load.Notes, &load.CreatedAt); err != nil {
			return nil, err
		}
		load.LoadDate = nowDateUTC(load.LoadDate)
		load.CreatedAt = load.CreatedAt.UTC()
		loads = append(loads, load)
		ids = append(ids, load.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items, err := s.loadItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range loads {
		loads[i].Items = items[loads[i].ID]
	}
	return loads, nil
}

func (s *Store) ReconcileTruckLoad(ctx context.Context, loadID string, returns []domain.LoadReturnRequest) (*domain.TruckLoad, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := reconcileLoadTx(ctx, tx, loadID, returns, ""); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetTruckLoad(ctx, loadID)
}

func reconcileLoadTx(ctx context.Context, tx *sql.Tx, loadID string, returns []domain.LoadReturnRequest, actor string) error {
	var status string
	err := tx.QueryRowContext(ctx, `
		SELECT status FROM truck_loads WHERE id = $1 FOR UPDATE
	`, loadID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if !domain.CanTransitionLoad(status, domain.LoadStatusReconciled) {
		return fmt.Errorf("%w: truck load %s is already reconciled", store.ErrConflict, loadID)
	}

	itemRows, err := tx.QueryContext(ctx, `
		SELECT id, batch_id, batch_number, product_id, quantity_loaded, quantity_sold
		FROM truck_load_items
		WHERE load_id = $1
		FOR UPDATE
	`, loadID)
	if err != nil {
		return err
	}
	type itemState struct {
		id          string
		batchNumber string
		productID   string
		loaded      int
		sold        int
	}
	itemsByBatch := make(map[string]itemState, 8)
	for itemRows.Next() {
		var st itemState
		var batchID string
		if err := itemRows.Scan(&st.id, &batchID, &st.batchNumber, &st.productID, &st.loaded, &st.sold); err != nil {
			_ = itemRows.Close()
			return err
		}
		itemsByBatch[batchID] = st
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return err
	}
	_ = itemRows.Close()

	seen := make(map[string]bool, len(returns))
	for _, ret := range returns {
		if seen[ret.BatchID] {
			return fmt.Errorf("%w: duplicate return line for batch %s", store.ErrValidation, ret.BatchID)
		}
		seen[ret.BatchID] = true
		item, ok := itemsByBatch[ret.BatchID]
		if !ok {
			return fmt.Errorf("%w: batch %s is not on this load", store.ErrValidation, ret.BatchID)
		}
		if ret.QuantityReturned < 0 {
			return fmt.Errorf("%w: returned quantity cannot be negative", store.ErrValidation)
		}
		if item.sold+ret.QuantityReturned > item.loaded {
			return fmt.Errorf("%w: batch %s: sold (%d) plus returned (%d) exceeds loaded quantity (%d)",
				store.ErrValidation, item.batchNumber, item.sold, ret.QuantityReturned, item.loaded)
		}
	}

	now := time.Now().UTC()
	for _, ret := range returns {
		if ret.QuantityReturned == 0 {
			continue
		}
		item := itemsByBatch[ret.BatchID]
		_, err = tx.ExecContext(ctx, `
			UPDATE truck_load_items SET quantity_returned = $2 WHERE id = $1
		`, item.id, ret.QuantityReturned)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE batches
			SET remaining_quantity = remaining_quantity + $2
			WHERE id = $1 AND remaining_quantity + $2 <= quantity
		`, ret.BatchID, ret.QuantityReturned)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: return of %d would exceed batch %s capacity", store.ErrValidation, ret.QuantityReturned, item.batchNumber)
		}
		if err := insertMovement(ctx, tx, domain.StockMovement{
			BatchID:       ret.BatchID,
			ProductID:     item.productID,
			Type:          domain.MovementTruckReturnIn,
			Quantity:      ret.QuantityReturned,
			ReferenceType: "truck_load",
			ReferenceID:   loadID,
			CreatedBy:     actor,
			CreatedAt:     now,
		}); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE truck_loads SET status = $2 WHERE id = $1
	`, loadID, domain.LoadStatusReconciled)
	return err
}

func (s *Store) DeleteTruckLoad(ctx context.Context, loadID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM truck_loads WHERE id = $1 FOR UPDATE
	`, loadID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}

	var saleCount int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sales WHERE truck_load_id = $1
	`, loadID).Scan(&saleCount); err != nil {
		return err
	}
	if saleCount > 0 {
		return fmt.Errorf("%w: cannot delete a truck load with recorded sales", store.ErrConflict)
	}

	itemRows, err := tx.QueryContext(ctx, `
		SELECT batch_id, product_id, quantity_loaded, quantity_returned
		FROM truck_load_items
		WHERE load_id = $1
	`, loadID)
	if err != nil {
		return err
	}
	type restoreLine struct {
		batchID   string
		productID string
		qty       int
	}
	restores := make([]restoreLine, 0, 8)
	for itemRows.Next() {
		var batchID, productID string
		var loaded, returned int
		if err := itemRows.Scan(&batchID, &productID, &loaded, &returned); err != nil {
			_ = itemRows.Close()
			return err
		}
		if loaded-returned > 0 {
			restores = append(restores, restoreLine{batchID: batchID, productID: productID, qty: loaded - returned})
		}
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return err
	}
	_ = itemRows.Close()

	now := time.Now().UTC()
	for _, line := range restores {
		_, err = tx.ExecContext(ctx, `
			UPDATE batches SET remaining_quantity = remaining_quantity + $2 WHERE id = $1
		`, line.batchID, line.qty)
		if err != nil {
			return err
		}
		if err := insertMovement(ctx, tx, domain.StockMovement{
			BatchID:       line.batchID,
			ProductID:     line.productID,
			Type:          domain.MovementTruckReturnIn,
			Quantity:      line.qty,
			ReferenceType: "truck_load",
			ReferenceID:   loadID,
			Notes:         "load deleted",
			CreatedAt:     now,
		}); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM truck_load_items WHERE load_id = $1`, loadID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM truck_loads WHERE id = $1`, loadID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale, items []domain.SaleItemRequest) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var loadStatus, truckID string
	err = tx.QueryRowContext(ctx, `
		SELECT status, truck_id FROM truck_loads WHERE id = $1 FOR UPDATE
	`, sale.TruckLoadID).Scan(&loadStatus, &truckID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: truck load %s", store.ErrNotFound, sale.TruckLoadID)
		}
		return nil, err
	}
	if loadStatus != domain.LoadStatusLoaded {
		return nil, fmt.Errorf("%w: cannot record a sale on a reconciled load", store.ErrConflict)
	}

	var shopName string
	var shopActive bool
	err = tx.QueryRowContext(ctx, `SELECT name, active FROM shops WHERE id = $1`, sale.ShopID).Scan(&shopName, &shopActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: shop %s", store.ErrNotFound, sale.ShopID)
		}
		return nil, err
	}
	if !shopActive {
		return nil, fmt.Errorf("%w: shop %s is inactive", store.ErrValidation, shopName)
	}

	type lineState struct {
		id       string
		batchID  string
		loaded   int
		sold     int
		returned int
	}
	itemRows, err := tx.QueryContext(ctx, `
		SELECT id, batch_id, product_id, quantity_loaded, quantity_sold, quantity_returned
		FROM truck_load_items
		WHERE load_id = $1
		ORDER BY expiry_date ASC, id ASC
		FOR UPDATE
	`, sale.TruckLoadID)
	if err != nil {
		return nil, err
	}
	byProduct := make(map[string][]*lineState, 8)
	for itemRows.Next() {
		var st lineState
		var productID string
		if err := itemRows.Scan(&st.id, &st.batchID, &productID, &st.loaded, &st.sold, &st.returned); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		byProduct[productID] = append(byProduct[productID], &st)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, err
	}
	_ = itemRows.Close()

	needed := make(map[string]int, len(items))
	for _, item := range items {
		needed[item.ProductID] += item.Quantity
	}
	for productID, qty := range needed {
		available := 0
		for _, st := range byProduct[productID] {
			available += st.loaded - st.sold - st.returned
		}
		if available < qty {
			return nil, fmt.Errorf("%w: product %s on this load: need %d, available %d", store.ErrInsufficientStock, productID, qty, available)
		}
	}

	productIDs := make([]string, 0, len(needed))
	for id := range needed {
		productIDs = append(productIDs, id)
	}
	products := make(map[string]domain.Product, len(productIDs))
	productRows, err := tx.QueryContext(ctx, `
		SELECT id, name, unit, wholesale_price, commission_per_unit, active
		FROM products
		WHERE active = true AND id = ANY($1)
	`, productIDs)
	if err != nil {
		return nil, err
	}
	for productRows.Next() {
		var p domain.Product
		if err := productRows.Scan(&p.ID, &p.Name, &p.Unit, &p.WholesalePrice, &p.CommissionPerUnit, &p.Active); err != nil {
			_ = productRows.Close()
			return nil, err
		}
		products[p.ID] = p
	}
	if err := productRows.Err(); err != nil {
		_ = productRows.Close()
		return nil, err
	}
	_ = productRows.Close()

	now := time.Now().UTC()
	sale.ID = xid.New("sale")
	sale.TruckID = truckID
	sale.CreatedAt = now
	total := decimal.Zero

	for _, item := range items {
		product, ok := products[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, item.ProductID)
		}
		unitPrice := product.WholesalePrice
		if item.UnitPrice != nil {
			unitPrice = *item.UnitPrice
		}

		remaining := item.Quantity
		for _, st := range byProduct[item.ProductID] {
			if remaining == 0 {
				break
			}
			avail := st.loaded - st.sold - st.returned
			if avail < 1 {
				continue
			}
			used := remaining
			if used > avail {
				used = avail
			}
			st.sold += used
			remaining -= used

			qty := decimal.NewFromInt(int64(used))
			lineTotal := unitPrice.Mul(qty).Round(2)
			commission := product.CommissionPerUnit.Mul(qty).Round(2)
			total = total.Add(lineTotal)

			sale.Items = append(sale.Items, domain.SaleItem{
				ID:               xid.New("sitem"),
				SaleID:           sale.ID,
				ProductID:        item.ProductID,
				BatchID:          st.batchID,
				Quantity:         used,
				UnitPrice:        unitPrice,
				CommissionEarned: commission,
				LineTotal:        lineTotal,
			})

			_, err = tx.ExecContext(ctx, `
				UPDATE truck_load_items SET quantity_sold = quantity_sold + $2 WHERE id = $1
			`, st.id, used)
			if err != nil {
				return nil, err
			}
			if err := insertMovement(ctx, tx, domain.StockMovement{
				BatchID:       st.batchID,
				ProductID:     item.ProductID,
				Type:          domain.MovementSaleOut,
				Quantity:      used,
				ReferenceType: "sale",
				ReferenceID:   sale.ID,
				CreatedBy:     sale.CreatedBy,
				CreatedAt:     now,
			}); err != nil {
				return nil, err
			}
		}
	}

	sale.TotalAmount = total
	if sale.AmountPaid.GreaterThan(total) {
		return nil, fmt.Errorf("%w: amount paid %s exceeds total amount %s", store.ErrValidation, sale.AmountPaid.StringFixed(2), total.StringFixed(2))
	}
	if sale.AmountPaid.Equal(total) {
		sale.PaymentStatus = domain.PaymentStatusPaid
	} else {
		sale.PaymentStatus = domain.PaymentStatusPending
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, shop_id, truck_load_id, truck_id, total_amount, amount_paid,
			payment_status, sale_date, created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, sale.ID, sale.ShopID, sale.TruckLoadID, sale.TruckID, sale.TotalAmount, sale.AmountPaid,
		sale.PaymentStatus, nowDateUTC(sale.SaleDate), sale.CreatedBy, sale.CreatedAt)
	if err != nil {
		return nil, err
	}
	for _, line := range sale.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, product_id, batch_id, quantity, unit_price, commission_earned, line_total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, line.ID, line.SaleID, line.ProductID, line.BatchID, line.Quantity, line.UnitPrice, line.CommissionEarned, line.LineTotal)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	var sale domain.Sale
	err := s.db.QueryRowContext(ctx, `
		SELECT id, shop_id, truck_load_id, truck_id, total_amount, amount_paid,
			payment_status, sale_date, created_by, created_at
		FROM sales
		WHERE id = $1
	`, id).Scan(&sale.ID, &sale.ShopID, &sale.TruckLoadID, &sale.TruckID, &sale.TotalAmount,
		&sale.AmountPaid, &sale.PaymentStatus, &sale.SaleDate, &sale.CreatedBy, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.SaleDate = nowDateUTC(sale.SaleDate)
	sale.CreatedAt = sale.CreatedAt.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, product_id, batch_id, quantity, unit_price, commission_earned, line_total
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id ASC
	`, sale.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.BatchID, &item.Quantity,
			&item.UnitPrice, &item.CommissionEarned, &item.LineTotal); err != nil {
			return nil, err
		}
		sale.Items = append(sale.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleListFilter) ([]domain.Sale, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shop_id, truck_load_id, truck_id, total_amount, amount_paid,
			payment_status, sale_date, created_by, created_at
		FROM sales
		WHERE ($1 = '' OR sale_date = $1::date)
			AND ($2 = '' OR truck_id = $2)
			AND ($3 = '' OR shop_id = $3)
			AND ($4 = '' OR payment_status = $4)
		ORDER BY created_at DESC
		LIMIT $5
	`, filter.Date, filter.TruckID, filter.ShopID, filter.PaymentStatus, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		if err := rows.Scan(&sale.ID, &sale.ShopID, &sale.TruckLoadID, &sale.TruckID, &sale.TotalAmount,
			&sale.AmountPaid, &sale.PaymentStatus, &sale.SaleDate, &sale.CreatedBy, &sale.CreatedAt); err != nil {
			return nil, err
		}
		sale.SaleDate = nowDateUTC(sale.SaleDate)
		sale.CreatedAt = sale.CreatedAt.UTC()
		sales = append(sales, sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return sales, nil
	}

	itemRows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, product_id, batch_id, quantity, unit_price, commission_earned, line_total
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY id ASC
	`, ids)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()

	itemMap := make(map[string][]domain.SaleItem, len(ids))
	for itemRows.Next() {
		var item domain.SaleItem
		if err := itemRows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.BatchID, &item.Quantity,
			&item.UnitPrice, &item.CommissionEarned, &item.LineTotal); err != nil {
			return nil, err
		}
		itemMap[item.SaleID] = append(itemMap[item.SaleID], item)
	}
	if err := itemRows.Err(); err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Items = itemMap[sales[i].ID]
	}
	return sales, nil
}

func (s *Store) RecordSalePayment(ctx context.Context, saleID string, additional decimal.Decimal) (*domain.Sale, error) {
	if additional.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: payment must be positive", store.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var totalAmount, amountPaid decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT total_amount, amount_paid FROM sales WHERE id = $1 FOR UPDATE
	`, saleID).Scan(&totalAmount, &amountPaid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	newPaid := amountPaid.Add(additional)
	if newPaid.GreaterThan(totalAmount) {
		return nil, fmt.Errorf("%w: total payment %s would exceed sale amount %s", store.ErrValidation, newPaid.StringFixed(2), totalAmount.StringFixed(2))
	}
	status := domain.PaymentStatusPending
	if newPaid.Equal(totalAmount) {
		status = domain.PaymentStatusPaid
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sales SET amount_paid = $2, payment_status = $3 WHERE id = $1
	`, saleID, newPaid, status)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetSale(ctx, saleID)
}

func (s *Store) CreateAllowance(ctx context.Context, allowance domain.TransportAllowance) (*domain.TransportAllowance, error) {
	now := time.Now().UTC()
	allowance.ID = xid.New("alw")
	allowance.AllowanceDate = nowDateUTC(allowance.AllowanceDate)
	allowance.AllocatedAmount = decimal.Zero
	allowance.Status = domain.AllowanceStatusPending
	allowance.CreatedAt = now
	allowance.UpdatedAt = now
	allowance.Trucks = nil

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transport_allowances (
			id, allowance_date, total_allowance, allocated_amount, status, notes,
			created_by, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, allowance.ID, allowance.AllowanceDate, allowance.TotalAllowance, allowance.AllocatedAmount,
		allowance.Status, nullIfEmpty(allowance.Notes), allowance.CreatedBy, allowance.CreatedAt, allowance.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: an allowance pool already exists for %s", store.ErrConflict, allowance.AllowanceDate.Format("2006-01-02"))
		}
		return nil, err
	}
	return &allowance, nil
}

func (s *Store) GetAllowance(ctx context.Context, id string) (*domain.TransportAllowance, error) {
	var a domain.TransportAllowance
	err := s.db.QueryRowContext(ctx, `
		SELECT id, allowance_date, total_allowance, allocated_amount, status,
			COALESCE(notes,''), created_by, created_at, updated_at
		FROM transport_allowances
		WHERE id = $1
	`, id).Scan(&a.ID, &a.AllowanceDate, &a.TotalAllowance, &a.AllocatedAmount, &a.Status,
		&a.Notes, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	a.AllowanceDate = nowDateUTC(a.AllowanceDate)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, allowance_id, truck_id, amount, distance_km, COALESCE(notes,''), created_at
		FROM truck_allowances
		WHERE allowance_id = $1
		ORDER BY created_at ASC, id ASC
	`, a.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var t domain.TruckAllowance
		var distance sql.NullFloat64
		if err := rows.Scan(&t.ID, &t.AllowanceID, &t.TruckID, &t.Amount, &distance, &t.Notes, &t.CreatedAt); err != nil {
			return nil, err
		}
		if distance.Valid {
			d := distance.Float64
			t.DistanceKM = &d
		}
		t.CreatedAt = t.CreatedAt.UTC()
		a.Trucks = append(a.Trucks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) ListAllowances(ctx context.Context) ([]domain.AllowanceSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ta.id, ta.allowance_date, ta.total_allowance, ta.allocated_amount, ta.status,
			COUNT(tr.id)::int
		FROM transport_allowances ta
		LEFT JOIN truck_allowances tr ON tr.allowance_id = ta.id
		GROUP BY ta.id
		ORDER BY ta.allowance_date DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.AllowanceSummary, 0, 32)
	for rows.Next() {
		var a domain.AllowanceSummary
		if err := rows.Scan(&a.ID, &a.AllowanceDate, &a.TotalAllowance, &a.AllocatedAmount, &a.Status, &a.TruckCount); err != nil {
			return nil, err
		}
		a.AllowanceDate = nowDateUTC(a.AllowanceDate)
		a.RemainingAmount = a.TotalAllowance.Sub(a.AllocatedAmount)
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) AllocateAllowance(ctx context.Context, allowanceID string, entries []domain.TruckAllocationRequest) (*domain.TransportAllowance, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	var totalAllowance, allocated decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT status, total_allowance, allocated_amount
		FROM transport_allowances
		WHERE id = $1
		FOR UPDATE
	`, allowanceID).Scan(&status, &totalAllowance, &allocated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status == domain.AllowanceStatusFinalized {
		return nil, fmt.Errorf("%w: allowance pool is finalized", store.ErrConflict)
	}

	incoming := decimal.Zero
	now := time.Now().UTC()
	for _, entry := range entries {
		var truckNumber string
		var truckActive bool
		var maxLimit decimal.Decimal
		err := tx.QueryRowContext(ctx, `
			SELECT truck_number, active, max_allowance_limit FROM trucks WHERE id = $1
		`, entry.TruckID).Scan(&truckNumber, &truckActive, &maxLimit)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: truck %s", store.ErrNotFound, entry.TruckID)
			}
			return nil, err
		}
		if !truckActive {
			return nil, fmt.Errorf("%w: truck %s is inactive", store.ErrValidation, truckNumber)
		}
		if entry.Amount.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("%w: allocation amount must be positive", store.ErrValidation)
		}
		if entry.Amount.GreaterThan(maxLimit) {
			return nil, fmt.Errorf("%w: allocation %s exceeds truck %s limit %s",
				store.ErrValidation, entry.Amount.StringFixed(2), truckNumber, maxLimit.StringFixed(2))
		}
		incoming = incoming.Add(entry.Amount)
	}

	newTotal := allocated.Add(incoming)
	if newTotal.GreaterThan(totalAllowance) {
		return nil, fmt.Errorf("%w: allocating %s would exceed pool total %s (already allocated %s, remaining %s)",
			store.ErrValidation, incoming.StringFixed(2), totalAllowance.StringFixed(2),
			allocated.StringFixed(2), totalAllowance.Sub(allocated).StringFixed(2))
	}

	for _, entry := range entries {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO truck_allowances (id, allowance_id, truck_id, amount, distance_km, notes, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, xid.New("talw"), allowanceID, entry.TruckID, entry.Amount, nullFloat(entry.DistanceKM), nullIfEmpty(entry.Notes), now)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("%w: truck %s already has an allocation for this date", store.ErrConflict, entry.TruckID)
			}
			return nil, err
		}
	}

	nextStatus := status
	if status == domain.AllowanceStatusPending && newTotal.GreaterThan(decimal.Zero) {
		nextStatus = domain.AllowanceStatusAllocated
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE transport_allowances
		SET allocated_amount = $2, status = $3, updated_at = $4
		WHERE id = $1
	`, allowanceID, newTotal, nextStatus, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetAllowance(ctx, allowanceID)
}

func (s *Store) UpdateTruckAllocation(ctx context.Context, allowanceID string, truckID string, req domain.TruckAllocationUpdateRequest) (*domain.TransportAllowance, error) {
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: allocation amount must be positive", store.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	var totalAllowance decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT status, total_allowance FROM transport_allowances WHERE id = $1 FOR UPDATE
	`, allowanceID).Scan(&status, &totalAllowance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status == domain.AllowanceStatusFinalized {
		return nil, fmt.Errorf("%w: allowance pool is finalized", store.ErrConflict)
	}

	var truckNumber string
	var maxLimit decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT truck_number, max_allowance_limit FROM trucks WHERE id = $1
	`, truckID).Scan(&truckNumber, &maxLimit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: truck %s", store.ErrNotFound, truckID)
		}
		return nil, err
	}
	if req.Amount.GreaterThan(maxLimit) {
		return nil, fmt.Errorf("%w: allocation %s exceeds truck %s limit %s",
			store.ErrValidation, req.Amount.StringFixed(2), truckNumber, maxLimit.StringFixed(2))
	}

	var allocationID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM truck_allowances WHERE allowance_id = $1 AND truck_id = $2 FOR UPDATE
	`, allowanceID, truckID).Scan(&allocationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: truck %s has no allocation in this pool", store.ErrNotFound, truckNumber)
		}
		return nil, err
	}

	var othersTotal decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount),0)
		FROM truck_allowances
		WHERE allowance_id = $1 AND truck_id <> $2
	`, allowanceID, truckID).Scan(&othersTotal)
	if err != nil {
		return nil, err
	}
	if othersTotal.Add(req.Amount).GreaterThan(totalAllowance) {
		available := totalAllowance.Sub(othersTotal)
		return nil, fmt.Errorf("%w: updated allocation would exceed pool total (available %s)", store.ErrValidation, available.StringFixed(2))
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE truck_allowances
		SET amount = $2,
			distance_km = COALESCE($3, distance_km),
			notes = COALESCE(NULLIF($4,''), notes)
		WHERE id = $1
	`, allocationID, req.Amount, nullFloat(req.DistanceKM), req.Notes)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE transport_allowances
		SET allocated_amount = $2, updated_at = $3
		WHERE id = $1
	`, allowanceID, othersTotal.Add(req.Amount), now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetAllowance(ctx, allowanceID)
}

func (s *Store) FinalizeAllowance(ctx context.Context, allowanceID string) (*domain.TransportAllowance, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transport_allowances
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status <> $2
	`, allowanceID, domain.AllowanceStatusFinalized)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, err := s.GetAllowance(ctx, allowanceID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: allowance pool is already finalized", store.ErrConflict)
	}
	return s.GetAllowance(ctx, allowanceID)
}

func (s *Store) DeleteAllowance(ctx context.Context, allowanceID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM transport_allowances WHERE id = $1 FOR UPDATE
	`, allowanceID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if status != domain.AllowanceStatusPending {
		return fmt.Errorf("%w: only pending allowance pools can be deleted", store.ErrConflict)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM truck_allowances WHERE allowance_id = $1`, allowanceID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM transport_allowances WHERE id = $1`, allowanceID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) StartReconciliation(ctx context.Context, date time.Time, startedBy string, notes string) (*domain.DailyReconciliation, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	day := nowDateUTC(date)
	now := time.Now().UTC()
	recon := domain.DailyReconciliation{
		ID:                 xid.New("recon"),
		ReconciliationDate: day,
		Status:             domain.ReconStatusInProgress,
		StartedBy:          startedBy,
		StartedAt:          now,
		Notes:              notes,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO daily_reconciliations (
			id, reconciliation_date, status, trucks_out, trucks_verified, started_by, started_at, notes
		)
		VALUES ($1,$2,$3,0,0,$4,$5,$6)
	`, recon.ID, recon.ReconciliationDate, recon.Status, recon.StartedBy, recon.StartedAt, nullIfEmpty(recon.Notes))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: reconciliation already exists for %s", store.ErrConflict, day.Format("2006-01-02"))
		}
		return nil, err
	}

	loadRows, err := tx.QueryContext(ctx, `
		SELECT tl.id, tl.truck_id,
			COALESCE(SUM(tli.quantity_loaded),0)::int,
			COALESCE(SUM(tli.quantity_sold),0)::int
		FROM truck_loads tl
		LEFT JOIN truck_load_items tli ON tli.load_id = tl.id
		WHERE tl.load_date = $1
		GROUP BY tl.id, tl.truck_id
		ORDER BY tl.truck_id ASC
	`, day)
	if err != nil {
		return nil, err
	}
	for loadRows.Next() {
		var item domain.ReconciliationItem
		if err := loadRows.Scan(&item.TruckLoadID, &item.TruckID, &item.ItemsLoaded, &item.ItemsSold); err != nil {
			_ = loadRows.Close()
			return nil, err
		}
		item.ID = xid.New("ritem")
		item.ReconciliationID = recon.ID
		recon.Items = append(recon.Items, item)
	}
	if err := loadRows.Err(); err != nil {
		_ = loadRows.Close()
		return nil, err
	}
	_ = loadRows.Close()

	for i := range recon.Items {
		item := &recon.Items[i]
		err = tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(s.total_amount),0), COALESCE(SUM(s.amount_paid),0),
				COALESCE((SELECT SUM(si.commission_earned) FROM sale_items si
					JOIN sales s2 ON s2.id = si.sale_id WHERE s2.truck_load_id = $1), 0)
			FROM sales s
			WHERE s.truck_load_id = $1
		`, item.TruckLoadID).Scan(&item.SalesAmount, &item.PaymentsCollected, &item.CommissionEarned)
		if err != nil {
			return nil, err
		}
		item.PendingPayments = item.SalesAmount.Sub(item.PaymentsCollected)

		err = tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(tr.amount),0)
			FROM truck_allowances tr
			JOIN transport_allowances ta ON ta.id = tr.allowance_id
			WHERE ta.allowance_date = $1 AND tr.truck_id = $2
		`, day, item.TruckID).Scan(&item.AllowanceReceived)
		if err != nil {
			return nil, err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO reconciliation_items (
				id, reconciliation_id, truck_id, truck_load_id, items_loaded, items_sold,
				items_returned, items_discarded, is_verified, has_discrepancy,
				sales_amount, commission_earned, allowance_received, payments_collected, pending_payments
			)
			VALUES ($1,$2,$3,$4,$5,$6,0,0,false,false,$7,$8,$9,$10,$11)
		`, item.ID, item.ReconciliationID, item.TruckID, item.TruckLoadID, item.ItemsLoaded, item.ItemsSold,
			item.SalesAmount, item.CommissionEarned, item.AllowanceReceived, item.PaymentsCollected, item.PendingPayments)
		if err != nil {
			return nil, err
		}
	}

	recon.TrucksOut = len(recon.Items)
	_, err = tx.ExecContext(ctx, `
		UPDATE daily_reconciliations SET trucks_out = $2 WHERE id = $1
	`, recon.ID, recon.TrucksOut)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetReconciliationByDate(ctx, day)
}

func (s *Store) GetReconciliationByDate(ctx context.Context, date time.Time) (*domain.DailyReconciliation, error) {
	var r domain.DailyReconciliation
	var finalizedBy sql.NullString
	var finalizedAt sql.NullTime
	var notes sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, reconciliation_date, status, trucks_out, trucks_verified,
			COALESCE(total_items_loaded,0), COALESCE(total_items_sold,0),
			COALESCE(total_items_returned,0), COALESCE(total_items_discarded,0),
			COALESCE(total_sales_amount,0), COALESCE(total_commission,0),
			COALESCE(total_allowance,0), COALESCE(total_payments,0),
			COALESCE(pending_payments,0), COALESCE(net_profit,0),
			started_by, started_at, finalized_by, finalized_at, notes
		FROM daily_reconciliations
		WHERE reconciliation_date = $1
	`, nowDateUTC(date)).Scan(
		&r.ID, &r.ReconciliationDate, &r.Status, &r.TrucksOut, &r.TrucksVerified,
		&r.TotalItemsLoaded, &r.TotalItemsSold, &r.TotalItemsReturned, &r.TotalItemsDiscarded,
		&r.TotalSalesAmount, &r.TotalCommission, &r.TotalAllowance, &r.TotalPayments,
		&r.PendingPayments, &r.NetProfit, &r.StartedBy, &r.StartedAt, &finalizedBy, &finalizedAt, &notes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	r.ReconciliationDate = nowDateUTC(r.ReconciliationDate)
	r.StartedAt = r.StartedAt.UTC()
	if finalizedBy.Valid {
		r.FinalizedBy = finalizedBy.String
	}
	if finalizedAt.Valid {
		at := finalizedAt.Time.UTC()
		r.FinalizedAt = &at
	}
	if notes.Valid {
		r.Notes = notes.String
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, reconciliation_id, truck_id, truck_load_id, items_loaded, items_sold,
			items_returned, items_discarded, is_verified, has_discrepancy,
			COALESCE(discrepancy_notes,''), sales_amount, commission_earned,
			allowance_received, payments_collected, pending_payments,
			COALESCE(verified_by,''), verified_at
		FROM reconciliation_items
		WHERE reconciliation_id = $1
		ORDER BY truck_id ASC
	`, r.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.ReconciliationItem
		var verifiedAt sql.NullTime
		if err := rows.Scan(&item.ID, &item.ReconciliationID, &item.TruckID, &item.TruckLoadID,
			&item.ItemsLoaded, &item.ItemsSold, &item.ItemsReturned, &item.ItemsDiscarded,
			&item.IsVerified, &item.HasDiscrepancy, &item.DiscrepancyNotes,
			&item.SalesAmount, &item.CommissionEarned, &item.AllowanceReceived,
			&item.PaymentsCollected, &item.PendingPayments, &item.VerifiedBy, &verifiedAt); err != nil {
			return nil, err
		}
		if verifiedAt.Valid {
			at := verifiedAt.Time.UTC()
			item.VerifiedAt = &at
		}
		r.Items = append(r.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) ListReconciliations(ctx context.Context, limit int) ([]domain.ReconciliationSummary, error) {
	if limit < 1 {
		limit = 30
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, reconciliation_date, status, trucks_out, trucks_verified,
			COALESCE(net_profit,0), started_at, finalized_at
		FROM daily_reconciliations
		ORDER BY reconciliation_date DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.ReconciliationSummary, 0, limit)
	for rows.Next() {
		var r domain.ReconciliationSummary
		var finalizedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.ReconciliationDate, &r.Status, &r.TrucksOut, &r.TrucksVerified,
			&r.NetProfit, &r.StartedAt, &finalizedAt); err != nil {
			return nil, err
		}
		r.ReconciliationDate = nowDateUTC(r.ReconciliationDate)
		r.StartedAt = r.StartedAt.UTC()
		if finalizedAt.Valid {
			at := finalizedAt.Time.UTC()
			r.FinalizedAt = &at
		}
		r.ProfitStatus = "profit"
		if r.NetProfit.IsNegative() {
			r.ProfitStatus = "loss"
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) VerifyTruckReturn(ctx context.Context, date time.Time, truckID string, req domain.TruckVerifyRequest, verifiedBy string) (*domain.DailyReconciliation, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	day := nowDateUTC(date)
	var reconID, status string
	err = tx.QueryRowContext(ctx, `
		SELECT id, status FROM daily_reconciliations WHERE reconciliation_date = $1 FOR UPDATE
	`, day).Scan(&reconID, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.ReconStatusInProgress {
		return nil, fmt.Errorf("%w: reconciliation is not in progress", store.ErrConflict)
	}

	var itemID, loadID string
	var itemsLoaded int
	var isVerified bool
	err = tx.QueryRowContext(ctx, `
		SELECT id, truck_load_id, items_loaded, is_verified
		FROM reconciliation_items
		WHERE reconciliation_id = $1 AND truck_id = $2
		FOR UPDATE
	`, reconID, truckID).Scan(&itemID, &loadID, &itemsLoaded, &isVerified)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: truck %s is not part of this reconciliation", store.ErrNotFound, truckID)
		}
		return nil, err
	}
	if isVerified {
		return nil, fmt.Errorf("%w: truck %s is already verified", store.ErrConflict, truckID)
	}

	var loadStatus string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM truck_loads WHERE id = $1 FOR UPDATE
	`, loadID).Scan(&loadStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: truck load %s", store.ErrNotFound, loadID)
		}
		return nil, err
	}

	// Sales may have landed after the reconciliation was started; refresh the
	// sold count and every sale-derived amount before deriving the expected
	// return.
	var itemsSold int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity_sold),0)::int FROM truck_load_items WHERE load_id = $1
	`, loadID).Scan(&itemsSold)
	if err != nil {
		return nil, err
	}
	var salesAmount, paymentsCollected, commissionEarned decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(s.total_amount),0), COALESCE(SUM(s.amount_paid),0),
			COALESCE((SELECT SUM(si.commission_earned) FROM sale_items si
				JOIN sales s2 ON s2.id = si.sale_id WHERE s2.truck_load_id = $1), 0)
		FROM sales s
		WHERE s.truck_load_id = $1
	`, loadID).Scan(&salesAmount, &paymentsCollected, &commissionEarned)
	if err != nil {
		return nil, err
	}
	pendingPayments := salesAmount.Sub(paymentsCollected)

	totalReturned := 0
	for _, r := range req.ItemsReturned {
		if r.Quantity < 0 {
			return nil, fmt.Errorf("%w: returned quantity cannot be negative", store.ErrValidation)
		}
		totalReturned += r.Quantity
	}
	totalDiscarded := 0
	for _, d := range req.ItemsDiscarded {
		if d.Quantity < 0 {
			return nil, fmt.Errorf("%w: discarded quantity cannot be negative", store.ErrValidation)
		}
		totalDiscarded += d.Quantity
	}

	if loadStatus == domain.LoadStatusLoaded {
		returns, err := planReturnsTx(ctx, tx, loadID, req.ItemsReturned)
		if err != nil {
			return nil, err
		}
		if err := reconcileLoadTx(ctx, tx, loadID, returns, verifiedBy); err != nil {
			return nil, err
		}
	}

	expected := itemsLoaded - itemsSold
	hasDiscrepancy := expected != totalReturned+totalDiscarded
	notes := req.DiscrepancyNotes
	if hasDiscrepancy && notes == "" {
		notes = fmt.Sprintf("expected %d returned or discarded, got %d", expected, totalReturned+totalDiscarded)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE reconciliation_items
		SET items_sold = $2, items_returned = $3, items_discarded = $4,
			is_verified = true, has_discrepancy = $5, discrepancy_notes = $6,
			verified_by = $7, verified_at = $8,
			sales_amount = $9, commission_earned = $10,
			payments_collected = $11, pending_payments = $12
		WHERE id = $1
	`, itemID, itemsSold, totalReturned, totalDiscarded, hasDiscrepancy, nullIfEmpty(notes), verifiedBy, now,
		salesAmount, commissionEarned, paymentsCollected, pendingPayments)
	if err != nil {
		return nil, err
	}

	var trucksOut, trucksVerified int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*)::int, COALESCE(SUM(CASE WHEN is_verified THEN 1 ELSE 0 END),0)::int
		FROM reconciliation_items
		WHERE reconciliation_id = $1
	`, reconID).Scan(&trucksOut, &trucksVerified)
	if err != nil {
		return nil, err
	}
	nextStatus := status
	if trucksVerified == trucksOut {
		nextStatus = domain.ReconStatusCompleted
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE daily_reconciliations SET trucks_verified = $2, status = $3 WHERE id = $1
	`, reconID, trucksVerified, nextStatus)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetReconciliationByDate(ctx, day)
}

// planReturnsTx converts per-product return counts into per-batch lines,
// earliest expiry first.
func planReturnsTx(ctx context.Context, tx *sql.Tx, loadID string, returned []domain.ProductQuantity) ([]domain.LoadReturnRequest, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT batch_id, product_id, quantity_loaded, quantity_sold, quantity_returned
		FROM truck_load_items
		WHERE load_id = $1
		ORDER BY expiry_date ASC, id ASC
	`, loadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type lineState struct {
		batchID   string
		available int
	}
	byProduct := make(map[string][]lineState, 8)
	for rows.Next() {
		var batchID, productID string
		var loaded, sold, ret int
		if err := rows.Scan(&batchID, &productID, &loaded, &sold, &ret); err != nil {
			return nil, err
		}
		byProduct[productID] = append(byProduct[productID], lineState{batchID: batchID, available: loaded - sold - ret})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]domain.LoadReturnRequest, 0, len(returned))
	for _, r := range returned {
		if r.Quantity == 0 {
			continue
		}
		lines, ok := byProduct[r.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product %s is not on this load", store.ErrValidation, r.ProductID)
		}
		available := 0
		for _, line := range lines {
			available += line.available
		}
		if r.Quantity > available {
			return nil, fmt.Errorf("%w: returned %d of product %s exceeds unsold quantity %d", store.ErrValidation, r.Quantity, r.ProductID, available)
		}
		remaining := r.Quantity
		for _, line := range lines {
			if remaining == 0 {
				break
			}
			if line.available < 1 {
				continue
			}
			used := remaining
			if used > line.available {
				used = line.available
			}
			result = append(result, domain.LoadReturnRequest{BatchID: line.batchID, QuantityReturned: used})
			remaining -= used
		}
	}
	return result, nil
}

func (s *Store) FinalizeReconciliation(ctx context.Context, date time.Time, finalizedBy string) (*domain.DailyReconciliation, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	day := nowDateUTC(date)
	var reconID, status string
	var trucksOut, trucksVerified int
	err = tx.QueryRowContext(ctx, `
		SELECT id, status, trucks_out, trucks_verified
		FROM daily_reconciliations
		WHERE reconciliation_date = $1
		FOR UPDATE
	`, day).Scan(&reconID, &status, &trucksOut, &trucksVerified)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status == domain.ReconStatusFinalized {
		return nil, fmt.Errorf("%w: reconciliation is already finalized", store.ErrConflict)
	}
	if trucksVerified < trucksOut {
		return nil, fmt.Errorf("%w: not all trucks verified (%d/%d)", store.ErrValidation, trucksVerified, trucksOut)
	}

	var loaded, sold, returned, discarded int
	var salesAmount, commission, allowance, payments, pending decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(items_loaded),0)::int, COALESCE(SUM(items_sold),0)::int,
			COALESCE(SUM(items_returned),0)::int, COALESCE(SUM(items_discarded),0)::int,
			COALESCE(SUM(sales_amount),0), COALESCE(SUM(commission_earned),0),
			COALESCE(SUM(allowance_received),0), COALESCE(SUM(payments_collected),0),
			COALESCE(SUM(pending_payments),0)
		FROM reconciliation_items
		WHERE reconciliation_id = $1
	`, reconID).Scan(&loaded, &sold, &returned, &discarded, &salesAmount, &commission, &allowance, &payments, &pending)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	netProfit := commission.Sub(allowance)
	_, err = tx.ExecContext(ctx, `
		UPDATE daily_reconciliations
		SET status = $2, total_items_loaded = $3, total_items_sold = $4,
			total_items_returned = $5, total_items_discarded = $6,
			total_sales_amount = $7, total_commission = $8, total_allowance = $9,
			total_payments = $10, pending_payments = $11, net_profit = $12,
			finalized_by = $13, finalized_at = $14
		WHERE id = $1
	`, reconID, domain.ReconStatusFinalized, loaded, sold, returned, discarded,
		salesAmount, commission, allowance, payments, pending, netProfit, finalizedBy, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetReconciliationByDate(ctx, day)
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.Actor, entry.Role, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, COALESCE(detail,''), created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.Actor, &entry.Role, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrValidation
	}
	if user.Role == "" {
		user.Role = domain.RoleDriver
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,true,$4,now())
	`, user.Username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username %s is taken", store.ErrConflict, user.Username)
		}
		return err
	}
	return nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		WHERE username = $1
	`, username).Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nowDateUTC(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullFloat(val *float64) any {
	if val == nil {
		return nil
	}
	return *val
}
