package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"milkrun/backend/internal/domain"
	"milkrun/backend/internal/store"
	"milkrun/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	trucks          map[string]domain.Truck
	shops           map[string]domain.Shop
	usersByUsername map[string]domain.UserAccount
	batchesByID     map[string]*domain.Batch
	movements       []domain.StockMovement
	loadsByID       map[string]*domain.TruckLoad
	loadByTruckDate map[string]string
	salesByID       map[string]*domain.Sale
	allowancesByID  map[string]*domain.TransportAllowance
	allowanceByDate map[string]string
	reconsByDate    map[string]*domain.DailyReconciliation
	auditLogs       []domain.AuditLog
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Passwords come from SEED_MANAGER_PASSWORD and SEED_DRIVER_PASSWORD; if
// unset, hardcoded dev defaults are used with a warning. Production deploys
// use PostgreSQL (DATABASE_URL set) and never reach this path.
func seedUsers() map[string]domain.UserAccount {
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	driverPwd := envOr("SEED_DRIVER_PASSWORD", "driver123")
	if os.Getenv("SEED_MANAGER_PASSWORD") == "" || os.Getenv("SEED_DRIVER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_MANAGER_PASSWORD and SEED_DRIVER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"manager", managerPwd, domain.RoleManager},
		{"ravi", driverPwd, domain.RoleDriver},
		{"suresh", driverPwd, domain.RoleDriver},
		{"anand", driverPwd, domain.RoleDriver},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	dec := func(s string) decimal.Decimal { return decimal.RequireFromString(s) }

	products := []domain.Product{
		{ID: "prod-milk-500", Name: "Toned Milk 500ml", Unit: "packet", WholesalePrice: dec("23.00"), CommissionPerUnit: dec("1.50"), Active: true},
		{ID: "prod-milk-1l", Name: "Full Cream Milk 1L", Unit: "packet", WholesalePrice: dec("54.00"), CommissionPerUnit: dec("2.50"), Active: true},
		{ID: "prod-curd-400", Name: "Curd 400g", Unit: "cup", WholesalePrice: dec("32.00"), CommissionPerUnit: dec("2.00"), Active: true},
		{ID: "prod-butter-100", Name: "Butter 100g", Unit: "pack", WholesalePrice: dec("48.00"), CommissionPerUnit: dec("2.00"), Active: true},
		{ID: "prod-paneer-200", Name: "Paneer 200g", Unit: "pack", WholesalePrice: dec("78.00"), CommissionPerUnit: dec("3.00"), Active: true},
		{ID: "prod-lassi-200", Name: "Sweet Lassi 200ml", Unit: "bottle", WholesalePrice: dec("18.00"), CommissionPerUnit: dec("1.00"), Active: true},
	}

	trucks := []domain.Truck{
		{ID: "truck-1", TruckNumber: "KA-01-AB-1234", DriverUsername: "ravi", MaxAllowanceLimit: dec("4000.00"), Active: true},
		{ID: "truck-2", TruckNumber: "KA-01-CD-5678", DriverUsername: "suresh", MaxAllowanceLimit: dec("3500.00"), Active: true},
		{ID: "truck-3", TruckNumber: "KA-02-EF-9012", DriverUsername: "anand", MaxAllowanceLimit: dec("3000.00"), Active: true},
		{ID: "truck-4", TruckNumber: "KA-02-GH-3456", DriverUsername: "", MaxAllowanceLimit: dec("2500.00"), Active: false},
	}

	shops := []domain.Shop{
		{ID: "shop-1", Name: "Ganesh Stores", Area: "Jayanagar", Active: true},
		{ID: "shop-2", Name: "Lakshmi Provision", Area: "Basavanagudi", Active: true},
		{ID: "shop-3", Name: "New Corner Mart", Area: "Koramangala", Active: true},
		{ID: "shop-4", Name: "Old Mill Dairy Counter", Area: "Whitefield", Active: false},
	}

	productMap := make(map[string]domain.Product, len(products))
	for _, p := range products {
		productMap[p.ID] = p
	}
	truckMap := make(map[string]domain.Truck, len(trucks))
	for _, t := range trucks {
		truckMap[t.ID] = t
	}
	shopMap := make(map[string]domain.Shop, len(shops))
	for _, sh := range shops {
		shopMap[sh.ID] = sh
	}

	return &Store{
		products:        productMap,
		trucks:          truckMap,
		shops:           shopMap,
		usersByUsername: seedUsers(),
		batchesByID:     make(map[string]*domain.Batch),
		movements:       make([]domain.StockMovement, 0, 256),
		loadsByID:       make(map[string]*domain.TruckLoad),
		loadByTruckDate: make(map[string]string),
		salesByID:       make(map[string]*domain.Sale),
		allowancesByID:  make(map[string]*domain.TransportAllowance),
		allowanceByDate: make(map[string]string),
		reconsByDate:    make(map[string]*domain.DailyReconciliation),
		auditLogs:       make([]domain.AuditLog, 0, 128),
	}
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return cmpString(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok && p.Active {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) GetTruck(_ context.Context, id string) (*domain.Truck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	truck, exists := s.trucks[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyTruck := truck
	return &copyTruck, nil
}

func (s *Store) ListTrucks(_ context.Context) ([]domain.Truck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trucks := make([]domain.Truck, 0, len(s.trucks))
	for _, t := range s.trucks {
		trucks = append(trucks, t)
	}
	slices.SortFunc(trucks, func(a, b domain.Truck) int {
		return cmpString(a.TruckNumber, b.TruckNumber)
	})
	return trucks, nil
}

func (s *Store) GetShop(_ context.Context, id string) (*domain.Shop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shop, exists := s.shops[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyShop := shop
	return &copyShop, nil
}

func (s *Store) ListShops(_ context.Context) ([]domain.Shop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shops := make([]domain.Shop, 0, len(s.shops))
	for _, sh := range s.shops {
		shops = append(shops, sh)
	}
	slices.SortFunc(shops, func(a, b domain.Shop) int {
		return cmpString(a.Name, b.Name)
	})
	return shops, nil
}

// recordMovement appends a ledger row and applies its batch delta. The caller
// must hold the write lock. This is the only place remaining_quantity moves.
func (s *Store) recordMovement(batch *domain.Batch, movementType string, qty int, refType string, refID string, createdBy string, reason string, notes string, at time.Time) error {
	if qty < 1 {
		return fmt.Errorf("%w: movement quantity must be positive", store.ErrValidation)
	}
	switch movementType {
	case domain.MovementDeliveryIn, domain.MovementAdjustment:
		batch.Quantity += qty
		batch.RemainingQuantity += qty
	case domain.MovementTruckReturnIn:
		if batch.RemainingQuantity+qty > batch.Quantity {
			return fmt.Errorf("%w: return of %d would exceed batch %s capacity", store.ErrValidation, qty, batch.BatchNumber)
		}
		batch.RemainingQuantity += qty
	case domain.MovementTruckLoadOut, domain.MovementExpiredOut:
		if batch.RemainingQuantity < qty {
			return fmt.Errorf("%w: batch %s has %d units remaining", store.ErrInsufficientStock, batch.BatchNumber, batch.RemainingQuantity)
		}
		batch.RemainingQuantity -= qty
	case domain.MovementSaleOut:
		// Audit-only: the stock left the batch at truck_load_out time.
	default:
		return fmt.Errorf("%w: unknown movement type %q", store.ErrValidation, movementType)
	}

	s.movements = append(s.movements, domain.StockMovement{
		ID:            xid.New("mv"),
		BatchID:       batch.ID,
		ProductID:     batch.ProductID,
		Type:          movementType,
		Quantity:      qty,
		ReferenceType: refType,
		ReferenceID:   refID,
		Reason:        reason,
		Notes:         notes,
		CreatedBy:     createdBy,
		MovementDate:  dateOnly(at),
		CreatedAt:     at,
	})
	return nil
}

func (s *Store) ReceiveDelivery(_ context.Context, receiptNumber string, deliveryDate time.Time, createdBy string, lines []store.BatchInput) ([]domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	// Validation pass before any mutation. Lines within the request count as
	// existing batches for the expiry conflict check.
	requestExpiry := make(map[string]time.Time, len(lines))
	for _, line := range lines {
		if _, ok := s.products[line.ProductID]; !ok {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, line.ProductID)
		}
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: delivery quantity must be positive", store.ErrValidation)
		}
		if existing := s.findBatchByNumber(line.ProductID, line.BatchNumber); existing != nil {
			if !existing.ExpiryDate.Equal(dateOnly(line.ExpiryDate)) {
				return nil, fmt.Errorf("%w: batch %s already exists with a different expiry date", store.ErrConflict, line.BatchNumber)
			}
		}
		key := line.ProductID + "::" + line.BatchNumber
		if prev, ok := requestExpiry[key]; ok && !prev.Equal(dateOnly(line.ExpiryDate)) {
			return nil, fmt.Errorf("%w: batch %s already exists with a different expiry date", store.ErrConflict, line.BatchNumber)
		}
		requestExpiry[key] = dateOnly(line.ExpiryDate)
	}

	result := make([]domain.Batch, 0, len(lines))
	for _, line := range lines {
		batch := s.findBatchByNumber(line.ProductID, line.BatchNumber)
		if batch == nil {
			batch = &domain.Batch{
				ID:          xid.New("batch"),
				ProductID:   line.ProductID,
				BatchNumber: line.BatchNumber,
				ExpiryDate:  dateOnly(line.ExpiryDate),
				ReceivedAt:  deliveryDate,
				CreatedAt:   now,
			}
			s.batchesByID[batch.ID] = batch
		}
		if err := s.recordMovement(batch, domain.MovementDeliveryIn, line.Quantity, "delivery", receiptNumber, createdBy, "", "", now); err != nil {
			return nil, err
		}
		result = append(result, *batch)
	}
	return result, nil
}

func (s *Store) ListBatches(_ context.Context, productID string, includeEmpty bool) ([]domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Batch, 0, len(s.batchesByID))
	for _, batch := range s.batchesByID {
		if productID != "" && batch.ProductID != productID {
			continue
		}
		if !includeEmpty && batch.RemainingQuantity <= 0 {
			continue
		}
		result = append(result, *batch)
	}
	slices.SortFunc(result, compareBatchFIFO)
	return result, nil
}

func (s *Store) GetBatch(_ context.Context, id string) (*domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch, exists := s.batchesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyBatch := *batch
	return &copyBatch, nil
}

func (s *Store) ListAvailableBatches(_ context.Context, productID string) ([]domain.Batch, error) {
	return s.ListBatches(context.Background(), productID, false)
}

func (s *Store) GetBatchMovements(_ context.Context, batchID string) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.batchesByID[batchID]; !exists {
		return nil, store.ErrNotFound
	}
	result := make([]domain.StockMovement, 0, 16)
	for _, m := range s.movements {
		if m.BatchID == batchID {
			result = append(result, m)
		}
	}
	return result, nil
}

func (s *Store) AdjustStock(_ context.Context, adjustment domain.StockMovement) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if adjustment.Type != domain.MovementAdjustment && adjustment.Type != domain.MovementExpiredOut {
		return nil, fmt.Errorf("%w: movement type must be adjustment or expired_out", store.ErrValidation)
	}
	batch, exists := s.batchesByID[adjustment.BatchID]
	if !exists {
		return nil, store.ErrNotFound
	}

	now := time.Now().UTC()
	if err := s.recordMovement(batch, adjustment.Type, adjustment.Quantity, "manual", adjustment.ReferenceID, adjustment.CreatedBy, adjustment.Reason, adjustment.Notes, now); err != nil {
		return nil, err
	}
	copyBatch := *batch
	return &copyBatch, nil
}

type drawLine struct {
	batchID string
	qty     int
}

func (s *Store) CreateTruckLoad(_ context.Context, truckID string, loadDate time.Time, loadedBy string, notes string, items []domain.LoadItemRequest) (*domain.TruckLoad, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	truck, exists := s.trucks[truckID]
	if !exists {
		return nil, fmt.Errorf("%w: truck %s", store.ErrNotFound, truckID)
	}
	if !truck.Active {
		return nil, fmt.Errorf("%w: truck %s is inactive", store.ErrValidation, truck.TruckNumber)
	}
	dateKey := truckID + "::" + dayKey(loadDate)
	if _, dup := s.loadByTruckDate[dateKey]; dup {
		return nil, fmt.Errorf("%w: truck %s already has a load for %s", store.ErrConflict, truck.TruckNumber, dayKey(loadDate))
	}

	// Plan the full draw against a scratch view of remaining quantities, so a
	// rejection leaves nothing half-applied.
	scratch := make(map[string]int)
	remainingOf := func(b *domain.Batch) int {
		if v, ok := scratch[b.ID]; ok {
			return v
		}
		return b.RemainingQuantity
	}

	plan := make(map[string]int)
	for _, item := range items {
		switch {
		case item.BatchID != "":
			batch, ok := s.batchesByID[item.BatchID]
			if !ok {
				return nil, fmt.Errorf("%w: batch %s", store.ErrNotFound, item.BatchID)
			}
			avail := remainingOf(batch)
			if avail < item.Quantity {
				return nil, fmt.Errorf("%w: batch %s has %d units remaining, cannot load %d", store.ErrInsufficientStock, batch.BatchNumber, avail, item.Quantity)
			}
			scratch[batch.ID] = avail - item.Quantity
			plan[batch.ID] += item.Quantity
		case item.ProductID != "":
			if _, ok := s.products[item.ProductID]; !ok {
				return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, item.ProductID)
			}
			candidates := s.fifoBatchesLocked(item.ProductID)
			available := 0
			for _, b := range candidates {
				available += remainingOf(b)
			}
			if available < item.Quantity {
				return nil, fmt.Errorf("%w: product %s has %d units available, requested %d", store.ErrInsufficientStock, item.ProductID, available, item.Quantity)
			}
			remaining := item.Quantity
			for _, b := range candidates {
				if remaining == 0 {
					break
				}
				avail := remainingOf(b)
				if avail < 1 {
					continue
				}
				used := remaining
				if used > avail {
					used = avail
				}
				scratch[b.ID] = avail - used
				plan[b.ID] += used
				remaining -= used
			}
		}
	}

	now := time.Now().UTC()
	load := &domain.TruckLoad{
		ID:        xid.New("load"),
		TruckID:   truckID,
		LoadDate:  dateOnly(loadDate),
		Status:    domain.LoadStatusLoaded,
		LoadedBy:  loadedBy,
		Notes:     notes,
		CreatedAt: now,
	}

	planned := make([]*domain.Batch, 0, len(plan))
	for batchID := range plan {
		planned = append(planned, s.batchesByID[batchID])
	}
	slices.SortFunc(planned, func(a, b *domain.Batch) int { return compareBatchFIFO(*a, *b) })

	for _, batch := range planned {
		qty := plan[batch.ID]
		if err := s.recordMovement(batch, domain.MovementTruckLoadOut, qty, "truck_load", load.ID, loadedBy, "", "", now); err != nil {
			return nil, err
		}
		load.Items = append(load.Items, domain.TruckLoadItem{
			ID:             xid.New("litem"),
			LoadID:         load.ID,
			BatchID:        batch.ID,
			BatchNumber:    batch.BatchNumber,
			ProductID:      batch.ProductID,
			ExpiryDate:     batch.ExpiryDate,
			QuantityLoaded: qty,
		})
	}

	s.loadsByID[load.ID] = load
	s.loadByTruckDate[dateKey] = load.ID
	created := cloneLoad(load)
	return created, nil
}

func (s *Store) GetTruckLoad(_ context.Context, id string) (*domain.TruckLoad, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	load, exists := s.loadsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return cloneLoad(load), nil
}

func (s *Store) ListTruckLoads(_ context.Context, date time.Time, truckID string) ([]domain.TruckLoad, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.TruckLoad, 0, len(s.loadsByID))
	for _, load := range s.loadsByID {
		if !date.IsZero() && !load.LoadDate.Equal(dateOnly(date)) {
			continue
		}
		if truckID != "" && load.TruckID != truckID {
			continue
		}
		result = append(result, *cloneLoad(load))
	}
	slices.SortFunc(result, func(a, b domain.TruckLoad) int {
		if a.LoadDate.Equal(b.LoadDate) {
			return cmpString(a.TruckID, b.TruckID)
		}
		if a.LoadDate.After(b.LoadDate) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) ReconcileTruckLoad(_ context.Context, loadID string, returns []domain.LoadReturnRequest) (*domain.TruckLoad, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	load, err := s.reconcileLoadLocked(loadID, returns, "")
	if err != nil {
		return nil, err
	}
	return cloneLoad(load), nil
}

// reconcileLoadLocked posts returns against a load and flips it to
// reconciled. Shared by direct load reconciliation and truck verification.
func (s *Store) reconcileLoadLocked(loadID string, returns []domain.LoadReturnRequest, actor string) (*domain.TruckLoad, error) {
	load, exists := s.loadsByID[loadID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if !domain.CanTransitionLoad(load.Status, domain.LoadStatusReconciled) {
		return nil, fmt.Errorf("%w: truck load %s is already reconciled", store.ErrConflict, loadID)
	}

	itemByBatch := make(map[string]*domain.TruckLoadItem, len(load.Items))
	for i := range load.Items {
		itemByBatch[load.Items[i].BatchID] = &load.Items[i]
	}

	seen := make(map[string]bool, len(returns))
	for _, ret := range returns {
		if seen[ret.BatchID] {
			return nil, fmt.Errorf("%w: duplicate return line for batch %s", store.ErrValidation, ret.BatchID)
		}
		seen[ret.BatchID] = true
		item, ok := itemByBatch[ret.BatchID]
		if !ok {
			return nil, fmt.Errorf("%w: batch %s is not on this load", store.ErrValidation, ret.BatchID)
		}
		if ret.QuantityReturned < 0 {
			return nil, fmt.Errorf("%w: returned quantity cannot be negative", store.ErrValidation)
		}
		if item.QuantitySold+ret.QuantityReturned > item.QuantityLoaded {
			return nil, fmt.Errorf("%w: batch %s: sold (%d) plus returned (%d) exceeds loaded quantity (%d)",
				store.ErrValidation, item.BatchNumber, item.QuantitySold, ret.QuantityReturned, item.QuantityLoaded)
		}
	}

	now := time.Now().UTC()
	for _, ret := range returns {
		if ret.QuantityReturned == 0 {
			continue
		}
		item := itemByBatch[ret.BatchID]
		item.QuantityReturned = ret.QuantityReturned
		batch := s.batchesByID[ret.BatchID]
		if err := s.recordMovement(batch, domain.MovementTruckReturnIn, ret.QuantityReturned, "truck_load", loadID, actor, "", "", now); err != nil {
			return nil, err
		}
	}

	load.Status = domain.LoadStatusReconciled
	return load, nil
}

func (s *Store) DeleteTruckLoad(_ context.Context, loadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	load, exists := s.loadsByID[loadID]
	if !exists {
		return store.ErrNotFound
	}
	for _, sale := range s.salesByID {
		if sale.TruckLoadID == loadID {
			return fmt.Errorf("%w: cannot delete a truck load with recorded sales", store.ErrConflict)
		}
	}

	now := time.Now().UTC()
	for _, item := range load.Items {
		restore := item.QuantityLoaded - item.QuantityReturned
		if restore < 1 {
			continue
		}
		batch := s.batchesByID[item.BatchID]
		if err := s.recordMovement(batch, domain.MovementTruckReturnIn, restore, "truck_load", loadID, "", "", "load deleted", now); err != nil {
			return err
		}
	}

	delete(s.loadsByID, loadID)
	delete(s.loadByTruckDate, load.TruckID+"::"+dayKey(load.LoadDate))
	return nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale, items []domain.SaleItemRequest) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	load, exists := s.loadsByID[sale.TruckLoadID]
	if !exists {
		return nil, fmt.Errorf("%w: truck load %s", store.ErrNotFound, sale.TruckLoadID)
	}
	if load.Status != domain.LoadStatusLoaded {
		return nil, fmt.Errorf("%w: cannot record a sale on a reconciled load", store.ErrConflict)
	}
	shop, exists := s.shops[sale.ShopID]
	if !exists {
		return nil, fmt.Errorf("%w: shop %s", store.ErrNotFound, sale.ShopID)
	}
	if !shop.Active {
		return nil, fmt.Errorf("%w: shop %s is inactive", store.ErrValidation, shop.Name)
	}

	// Availability check over the whole request before any mutation.
	needed := make(map[string]int)
	for _, item := range items {
		needed[item.ProductID] += item.Quantity
	}
	for productID, qty := range needed {
		available := 0
		for _, li := range load.Items {
			if li.ProductID == productID {
				available += li.Available()
			}
		}
		if available < qty {
			return nil, fmt.Errorf("%w: product %s on this load: need %d, available %d", store.ErrInsufficientStock, productID, qty, available)
		}
	}

	now := time.Now().UTC()
	sale.ID = xid.New("sale")
	sale.TruckID = load.TruckID
	sale.CreatedAt = now
	total := decimal.Zero

	// Plan pass: work out the FIFO draws and the sale total without touching
	// the load, so a rejection below leaves no trace.
	type saleDraw struct {
		li   *domain.TruckLoadItem
		used int
	}
	draws := make([]saleDraw, 0, len(items))
	drawn := make(map[*domain.TruckLoadItem]int)

	for _, item := range items {
		product := s.products[item.ProductID]
		unitPrice := product.WholesalePrice
		if item.UnitPrice != nil {
			unitPrice = *item.UnitPrice
		}

		// Load-local FIFO: drain this product's load items earliest expiry
		// first, possibly producing one sale line per batch.
		loadItems := make([]*domain.TruckLoadItem, 0, 4)
		for i := range load.Items {
			if load.Items[i].ProductID == item.ProductID {
				loadItems = append(loadItems, &load.Items[i])
			}
		}
		slices.SortFunc(loadItems, func(a, b *domain.TruckLoadItem) int {
			if a.ExpiryDate.Equal(b.ExpiryDate) {
				return cmpString(a.ID, b.ID)
			}
			if a.ExpiryDate.Before(b.ExpiryDate) {
				return -1
			}
			return 1
		})

		remaining := item.Quantity
		for _, li := range loadItems {
			if remaining == 0 {
				break
			}
			avail := li.Available() - drawn[li]
			if avail < 1 {
				continue
			}
			used := remaining
			if used > avail {
				used = avail
			}
			drawn[li] += used
			remaining -= used

			qty := decimal.NewFromInt(int64(used))
			lineTotal := unitPrice.Mul(qty).Round(2)
			commission := product.CommissionPerUnit.Mul(qty).Round(2)
			total = total.Add(lineTotal)

			sale.Items = append(sale.Items, domain.SaleItem{
				ID:               xid.New("sitem"),
				SaleID:           sale.ID,
				ProductID:        item.ProductID,
				BatchID:          li.BatchID,
				Quantity:         used,
				UnitPrice:        unitPrice,
				CommissionEarned: commission,
				LineTotal:        lineTotal,
			})
			draws = append(draws, saleDraw{li: li, used: used})
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

	for _, d := range draws {
		d.li.QuantitySold += d.used
		batch := s.batchesByID[d.li.BatchID]
		if err := s.recordMovement(batch, domain.MovementSaleOut, d.used, "sale", sale.ID, sale.CreatedBy, "", "", now); err != nil {
			return nil, err
		}
	}

	s.salesByID[sale.ID] = cloneSale(&sale)
	return cloneSale(s.salesByID[sale.ID]), nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.salesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleListFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, len(s.salesByID))
	for _, sale := range s.salesByID {
		if filter.Date != "" && dayKey(sale.SaleDate) != filter.Date {
			continue
		}
		if filter.TruckID != "" && sale.TruckID != filter.TruckID {
			continue
		}
		if filter.ShopID != "" && sale.ShopID != filter.ShopID {
			continue
		}
		if filter.PaymentStatus != "" && sale.PaymentStatus != filter.PaymentStatus {
			continue
		}
		result = append(result, *cloneSale(sale))
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) RecordSalePayment(_ context.Context, saleID string, additional decimal.Decimal) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, exists := s.salesByID[saleID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if additional.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: payment must be positive", store.ErrValidation)
	}
	newPaid := sale.AmountPaid.Add(additional)
	if newPaid.GreaterThan(sale.TotalAmount) {
		return nil, fmt.Errorf("%w: total payment %s would exceed sale amount %s", store.ErrValidation, newPaid.StringFixed(2), sale.TotalAmount.StringFixed(2))
	}
	sale.AmountPaid = newPaid
	if newPaid.Equal(sale.TotalAmount) {
		sale.PaymentStatus = domain.PaymentStatusPaid
	}
	return cloneSale(sale), nil
}

func (s *Store) CreateAllowance(_ context.Context, allowance domain.TransportAllowance) (*domain.TransportAllowance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dayKey(allowance.AllowanceDate)
	if _, dup := s.allowanceByDate[key]; dup {
		return nil, fmt.Errorf("%w: an allowance pool already exists for %s", store.ErrConflict, key)
	}

	now := time.Now().UTC()
	allowance.ID = xid.New("alw")
	allowance.AllowanceDate = dateOnly(allowance.AllowanceDate)
	allowance.AllocatedAmount = decimal.Zero
	allowance.Status = domain.AllowanceStatusPending
	allowance.CreatedAt = now
	allowance.UpdatedAt = now
	allowance.Trucks = nil

	s.allowancesByID[allowance.ID] = cloneAllowance(&allowance)
	s.allowanceByDate[key] = allowance.ID
	return cloneAllowance(s.allowancesByID[allowance.ID]), nil
}

func (s *Store) GetAllowance(_ context.Context, id string) (*domain.TransportAllowance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	allowance, exists := s.allowancesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return cloneAllowance(allowance), nil
}

func (s *Store) ListAllowances(_ context.Context) ([]domain.AllowanceSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AllowanceSummary, 0, len(s.allowancesByID))
	for _, a := range s.allowancesByID {
		result = append(result, domain.AllowanceSummary{
			ID:              a.ID,
			AllowanceDate:   a.AllowanceDate,
			TotalAllowance:  a.TotalAllowance,
			AllocatedAmount: a.AllocatedAmount,
			RemainingAmount: a.Remaining(),
			Status:          a.Status,
			TruckCount:      len(a.Trucks),
		})
	}
	slices.SortFunc(result, func(a, b domain.AllowanceSummary) int {
		if a.AllowanceDate.Equal(b.AllowanceDate) {
			return cmpString(a.ID, b.ID)
		}
		if a.AllowanceDate.After(b.AllowanceDate) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) AllocateAllowance(_ context.Context, allowanceID string, entries []domain.TruckAllocationRequest) (*domain.TransportAllowance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowance, exists := s.allowancesByID[allowanceID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if allowance.Status == domain.AllowanceStatusFinalized {
		return nil, fmt.Errorf("%w: allowance pool is finalized", store.ErrConflict)
	}

	existing := make(map[string]bool, len(allowance.Trucks))
	for _, t := range allowance.Trucks {
		existing[t.TruckID] = true
	}

	incoming := decimal.Zero
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		truck, ok := s.trucks[entry.TruckID]
		if !ok {
			return nil, fmt.Errorf("%w: truck %s", store.ErrNotFound, entry.TruckID)
		}
		if !truck.Active {
			return nil, fmt.Errorf("%w: truck %s is inactive", store.ErrValidation, truck.TruckNumber)
		}
		if existing[entry.TruckID] || seen[entry.TruckID] {
			return nil, fmt.Errorf("%w: truck %s already has an allocation for this date", store.ErrConflict, truck.TruckNumber)
		}
		seen[entry.TruckID] = true
		if entry.Amount.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("%w: allocation amount must be positive", store.ErrValidation)
		}
		if entry.Amount.GreaterThan(truck.MaxAllowanceLimit) {
			return nil, fmt.Errorf("%w: allocation %s exceeds truck %s limit %s",
				store.ErrValidation, entry.Amount.StringFixed(2), truck.TruckNumber, truck.MaxAllowanceLimit.StringFixed(2))
		}
		incoming = incoming.Add(entry.Amount)
	}

	newTotal := allowance.AllocatedAmount.Add(incoming)
	if newTotal.GreaterThan(allowance.TotalAllowance) {
		return nil, fmt.Errorf("%w: allocating %s would exceed pool total %s (already allocated %s, remaining %s)",
			store.ErrValidation, incoming.StringFixed(2), allowance.TotalAllowance.StringFixed(2),
			allowance.AllocatedAmount.StringFixed(2), allowance.Remaining().StringFixed(2))
	}

	now := time.Now().UTC()
	for _, entry := range entries {
		allowance.Trucks = append(allowance.Trucks, domain.TruckAllowance{
			ID:          xid.New("talw"),
			AllowanceID: allowance.ID,
			TruckID:     entry.TruckID,
			Amount:      entry.Amount,
			DistanceKM:  entry.DistanceKM,
			Notes:       entry.Notes,
			CreatedAt:   now,
		})
	}
	s.recomputeAllowanceLocked(allowance)
	allowance.UpdatedAt = now
	return cloneAllowance(allowance), nil
}

func (s *Store) UpdateTruckAllocation(_ context.Context, allowanceID string, truckID string, req domain.TruckAllocationUpdateRequest) (*domain.TransportAllowance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowance, exists := s.allowancesByID[allowanceID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if allowance.Status == domain.AllowanceStatusFinalized {
		return nil, fmt.Errorf("%w: allowance pool is finalized", store.ErrConflict)
	}
	truck, ok := s.trucks[truckID]
	if !ok {
		return nil, fmt.Errorf("%w: truck %s", store.ErrNotFound, truckID)
	}

	var target *domain.TruckAllowance
	othersTotal := decimal.Zero
	for i := range allowance.Trucks {
		if allowance.Trucks[i].TruckID == truckID {
			target = &allowance.Trucks[i]
			continue
		}
		othersTotal = othersTotal.Add(allowance.Trucks[i].Amount)
	}
	if target == nil {
		return nil, fmt.Errorf("%w: truck %s has no allocation in this pool", store.ErrNotFound, truck.TruckNumber)
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: allocation amount must be positive", store.ErrValidation)
	}
	if req.Amount.GreaterThan(truck.MaxAllowanceLimit) {
		return nil, fmt.Errorf("%w: allocation %s exceeds truck %s limit %s",
			store.ErrValidation, req.Amount.StringFixed(2), truck.TruckNumber, truck.MaxAllowanceLimit.StringFixed(2))
	}
	if othersTotal.Add(req.Amount).GreaterThan(allowance.TotalAllowance) {
		available := allowance.TotalAllowance.Sub(othersTotal)
		return nil, fmt.Errorf("%w: updated allocation would exceed pool total (available %s)", store.ErrValidation, available.StringFixed(2))
	}

	target.Amount = req.Amount
	if req.DistanceKM != nil {
		target.DistanceKM = req.DistanceKM
	}
	if req.Notes != "" {
		target.Notes = req.Notes
	}
	s.recomputeAllowanceLocked(allowance)
	allowance.UpdatedAt = time.Now().UTC()
	return cloneAllowance(allowance), nil
}

func (s *Store) FinalizeAllowance(_ context.Context, allowanceID string) (*domain.TransportAllowance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowance, exists := s.allowancesByID[allowanceID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if !domain.CanTransitionAllowance(allowance.Status, domain.AllowanceStatusFinalized) {
		return nil, fmt.Errorf("%w: allowance pool is already finalized", store.ErrConflict)
	}
	allowance.Status = domain.AllowanceStatusFinalized
	allowance.UpdatedAt = time.Now().UTC()
	return cloneAllowance(allowance), nil
}

func (s *Store) DeleteAllowance(_ context.Context, allowanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowance, exists := s.allowancesByID[allowanceID]
	if !exists {
		return store.ErrNotFound
	}
	if allowance.Status != domain.AllowanceStatusPending {
		return fmt.Errorf("%w: only pending allowance pools can be deleted", store.ErrConflict)
	}
	delete(s.allowancesByID, allowanceID)
	delete(s.allowanceByDate, dayKey(allowance.AllowanceDate))
	return nil
}

// recomputeAllowanceLocked rebuilds the derived allocated_amount and status
// from the allocation rows.
func (s *Store) recomputeAllowanceLocked(allowance *domain.TransportAllowance) {
	total := decimal.Zero
	for _, t := range allowance.Trucks {
		total = total.Add(t.Amount)
	}
	allowance.AllocatedAmount = total
	if allowance.Status == domain.AllowanceStatusPending && total.GreaterThan(decimal.Zero) &&
		domain.CanTransitionAllowance(allowance.Status, domain.AllowanceStatusAllocated) {
		allowance.Status = domain.AllowanceStatusAllocated
	}
}

func (s *Store) StartReconciliation(_ context.Context, date time.Time, startedBy string, notes string) (*domain.DailyReconciliation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dayKey(date)
	if _, dup := s.reconsByDate[key]; dup {
		return nil, fmt.Errorf("%w: reconciliation already exists for %s", store.ErrConflict, key)
	}

	now := time.Now().UTC()
	recon := &domain.DailyReconciliation{
		ID:                 xid.New("recon"),
		ReconciliationDate: dateOnly(date),
		Status:             domain.ReconStatusInProgress,
		StartedBy:          startedBy,
		StartedAt:          now,
		Notes:              notes,
		TotalSalesAmount:   decimal.Zero,
		TotalCommission:    decimal.Zero,
		TotalAllowance:     decimal.Zero,
		TotalPayments:      decimal.Zero,
		PendingPayments:    decimal.Zero,
		NetProfit:          decimal.Zero,
	}

	for _, load := range s.loadsByID {
		if !load.LoadDate.Equal(recon.ReconciliationDate) {
			continue
		}
		item := domain.ReconciliationItem{
			ID:                xid.New("ritem"),
			ReconciliationID:  recon.ID,
			TruckID:           load.TruckID,
			TruckLoadID:       load.ID,
			SalesAmount:       decimal.Zero,
			CommissionEarned:  decimal.Zero,
			AllowanceReceived: decimal.Zero,
			PaymentsCollected: decimal.Zero,
			PendingPayments:   decimal.Zero,
		}
		for _, li := range load.Items {
			item.ItemsLoaded += li.QuantityLoaded
			item.ItemsSold += li.QuantitySold
		}
		for _, sale := range s.salesByID {
			if sale.TruckLoadID != load.ID {
				continue
			}
			item.SalesAmount = item.SalesAmount.Add(sale.TotalAmount)
			item.PaymentsCollected = item.PaymentsCollected.Add(sale.AmountPaid)
			for _, si := range sale.Items {
				item.CommissionEarned = item.CommissionEarned.Add(si.CommissionEarned)
			}
		}
		item.PendingPayments = item.SalesAmount.Sub(item.PaymentsCollected)
		if allowanceID, ok := s.allowanceByDate[key]; ok {
			for _, t := range s.allowancesByID[allowanceID].Trucks {
				if t.TruckID == load.TruckID {
					item.AllowanceReceived = item.AllowanceReceived.Add(t.Amount)
				}
			}
		}
		recon.Items = append(recon.Items, item)
	}
	slices.SortFunc(recon.Items, func(a, b domain.ReconciliationItem) int {
		return cmpString(a.TruckID, b.TruckID)
	})
	recon.TrucksOut = len(recon.Items)

	s.reconsByDate[key] = recon
	return cloneRecon(recon), nil
}

func (s *Store) GetReconciliationByDate(_ context.Context, date time.Time) (*domain.DailyReconciliation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recon, exists := s.reconsByDate[dayKey(date)]
	if !exists {
		return nil, store.ErrNotFound
	}
	return cloneRecon(recon), nil
}

func (s *Store) ListReconciliations(_ context.Context, limit int) ([]domain.ReconciliationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ReconciliationSummary, 0, len(s.reconsByDate))
	for _, r := range s.reconsByDate {
		profitStatus := "profit"
		if r.NetProfit.IsNegative() {
			profitStatus = "loss"
		}
		result = append(result, domain.ReconciliationSummary{
			ID:                 r.ID,
			ReconciliationDate: r.ReconciliationDate,
			Status:             r.Status,
			TrucksOut:          r.TrucksOut,
			TrucksVerified:     r.TrucksVerified,
			NetProfit:          r.NetProfit,
			ProfitStatus:       profitStatus,
			StartedAt:          r.StartedAt,
			FinalizedAt:        r.FinalizedAt,
		})
	}
	slices.SortFunc(result, func(a, b domain.ReconciliationSummary) int {
		if a.ReconciliationDate.Equal(b.ReconciliationDate) {
			return cmpString(a.ID, b.ID)
		}
		if a.ReconciliationDate.After(b.ReconciliationDate) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) VerifyTruckReturn(_ context.Context, date time.Time, truckID string, req domain.TruckVerifyRequest, verifiedBy string) (*domain.DailyReconciliation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recon, exists := s.reconsByDate[dayKey(date)]
	if !exists {
		return nil, store.ErrNotFound
	}
	if recon.Status != domain.ReconStatusInProgress {
		return nil, fmt.Errorf("%w: reconciliation is not in progress", store.ErrConflict)
	}

	var item *domain.ReconciliationItem
	for i := range recon.Items {
		if recon.Items[i].TruckID == truckID {
			item = &recon.Items[i]
			break
		}
	}
	if item == nil {
		return nil, fmt.Errorf("%w: truck %s is not part of this reconciliation", store.ErrNotFound, truckID)
	}
	if item.IsVerified {
		return nil, fmt.Errorf("%w: truck %s is already verified", store.ErrConflict, truckID)
	}

	load := s.loadsByID[item.TruckLoadID]
	if load == nil {
		return nil, fmt.Errorf("%w: truck load %s", store.ErrNotFound, item.TruckLoadID)
	}

	// Refresh everything sale-derived before deriving the expected return;
	// sales may have landed after the reconciliation was started.
	item.ItemsSold = 0
	for _, li := range load.Items {
		item.ItemsSold += li.QuantitySold
	}
	item.SalesAmount = decimal.Zero
	item.CommissionEarned = decimal.Zero
	item.PaymentsCollected = decimal.Zero
	for _, sale := range s.salesByID {
		if sale.TruckLoadID != load.ID {
			continue
		}
		item.SalesAmount = item.SalesAmount.Add(sale.TotalAmount)
		item.PaymentsCollected = item.PaymentsCollected.Add(sale.AmountPaid)
		for _, si := range sale.Items {
			item.CommissionEarned = item.CommissionEarned.Add(si.CommissionEarned)
		}
	}
	item.PendingPayments = item.SalesAmount.Sub(item.PaymentsCollected)

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

	// Post the physical return through the load when it has not been
	// reconciled directly yet. Returned quantities are assigned to the load's
	// items for each product earliest expiry first.
	if load.Status == domain.LoadStatusLoaded {
		returns, err := distributeReturns(load, req.ItemsReturned)
		if err != nil {
			return nil, err
		}
		if _, err := s.reconcileLoadLocked(load.ID, returns, verifiedBy); err != nil {
			return nil, err
		}
	}

	expectedReturn := item.ItemsLoaded - item.ItemsSold
	item.ItemsReturned = totalReturned
	item.ItemsDiscarded = totalDiscarded
	item.HasDiscrepancy = expectedReturn != totalReturned+totalDiscarded
	if item.HasDiscrepancy && req.DiscrepancyNotes == "" {
		item.DiscrepancyNotes = fmt.Sprintf("expected %d returned or discarded, got %d", expectedReturn, totalReturned+totalDiscarded)
	} else {
		item.DiscrepancyNotes = req.DiscrepancyNotes
	}
	item.IsVerified = true
	item.VerifiedBy = verifiedBy
	now := time.Now().UTC()
	item.VerifiedAt = &now

	recon.TrucksVerified = 0
	for _, it := range recon.Items {
		if it.IsVerified {
			recon.TrucksVerified++
		}
	}
	if recon.TrucksVerified == recon.TrucksOut &&
		domain.CanTransitionRecon(recon.Status, domain.ReconStatusCompleted) {
		recon.Status = domain.ReconStatusCompleted
	}

	return cloneRecon(recon), nil
}

// distributeReturns converts per-product return counts into per-batch return
// lines using the load-local FIFO order.
func distributeReturns(load *domain.TruckLoad, returned []domain.ProductQuantity) ([]domain.LoadReturnRequest, error) {
	result := make([]domain.LoadReturnRequest, 0, len(load.Items))
	for _, r := range returned {
		if r.Quantity == 0 {
			continue
		}
		loadItems := make([]*domain.TruckLoadItem, 0, 4)
		available := 0
		for i := range load.Items {
			if load.Items[i].ProductID == r.ProductID {
				loadItems = append(loadItems, &load.Items[i])
				available += load.Items[i].Available()
			}
		}
		if len(loadItems) == 0 {
			return nil, fmt.Errorf("%w: product %s is not on this load", store.ErrValidation, r.ProductID)
		}
		if r.Quantity > available {
			return nil, fmt.Errorf("%w: returned %d of product %s exceeds unsold quantity %d", store.ErrValidation, r.Quantity, r.ProductID, available)
		}
		slices.SortFunc(loadItems, func(a, b *domain.TruckLoadItem) int {
			if a.ExpiryDate.Equal(b.ExpiryDate) {
				return cmpString(a.ID, b.ID)
			}
			if a.ExpiryDate.Before(b.ExpiryDate) {
				return -1
			}
			return 1
		})
		remaining := r.Quantity
		for _, li := range loadItems {
			if remaining == 0 {
				break
			}
			avail := li.Available()
			if avail < 1 {
				continue
			}
			used := remaining
			if used > avail {
				used = avail
			}
			result = append(result, domain.LoadReturnRequest{BatchID: li.BatchID, QuantityReturned: used})
			remaining -= used
		}
	}
	return result, nil
}

func (s *Store) FinalizeReconciliation(_ context.Context, date time.Time, finalizedBy string) (*domain.DailyReconciliation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recon, exists := s.reconsByDate[dayKey(date)]
	if !exists {
		return nil, store.ErrNotFound
	}
	if recon.Status == domain.ReconStatusFinalized {
		return nil, fmt.Errorf("%w: reconciliation is already finalized", store.ErrConflict)
	}
	if recon.TrucksVerified < recon.TrucksOut {
		return nil, fmt.Errorf("%w: not all trucks verified (%d/%d)", store.ErrValidation, recon.TrucksVerified, recon.TrucksOut)
	}
	if !domain.CanTransitionRecon(recon.Status, domain.ReconStatusFinalized) {
		return nil, fmt.Errorf("%w: reconciliation cannot be finalized from status %s", store.ErrConflict, recon.Status)
	}

	recon.TotalItemsLoaded = 0
	recon.TotalItemsSold = 0
	recon.TotalItemsReturned = 0
	recon.TotalItemsDiscarded = 0
	recon.TotalSalesAmount = decimal.Zero
	recon.TotalCommission = decimal.Zero
	recon.TotalAllowance = decimal.Zero
	recon.TotalPayments = decimal.Zero
	recon.PendingPayments = decimal.Zero
	for _, item := range recon.Items {
		recon.TotalItemsLoaded += item.ItemsLoaded
		recon.TotalItemsSold += item.ItemsSold
		recon.TotalItemsReturned += item.ItemsReturned
		recon.TotalItemsDiscarded += item.ItemsDiscarded
		recon.TotalSalesAmount = recon.TotalSalesAmount.Add(item.SalesAmount)
		recon.TotalCommission = recon.TotalCommission.Add(item.CommissionEarned)
		recon.TotalAllowance = recon.TotalAllowance.Add(item.AllowanceReceived)
		recon.TotalPayments = recon.TotalPayments.Add(item.PaymentsCollected)
		recon.PendingPayments = recon.PendingPayments.Add(item.PendingPayments)
	}
	recon.NetProfit = recon.TotalCommission.Sub(recon.TotalAllowance)
	recon.Status = domain.ReconStatusFinalized
	recon.FinalizedBy = finalizedBy
	now := time.Now().UTC()
	recon.FinalizedAt = &now

	return cloneRecon(recon), nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if _, exists := s.usersByUsername[username]; exists {
		return fmt.Errorf("%w: username %s is taken", store.ErrConflict, username)
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleDriver
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.usersByUsername[strings.ToLower(strings.TrimSpace(username))]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyUser := user
	return &copyUser, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) findBatchByNumber(productID string, batchNumber string) *domain.Batch {
	for _, batch := range s.batchesByID {
		if batch.ProductID == productID && batch.BatchNumber == batchNumber {
			return batch
		}
	}
	return nil
}

func (s *Store) fifoBatchesLocked(productID string) []*domain.Batch {
	result := make([]*domain.Batch, 0, 8)
	for _, batch := range s.batchesByID {
		if batch.ProductID == productID && batch.RemainingQuantity > 0 {
			result = append(result, batch)
		}
	}
	slices.SortFunc(result, func(a, b *domain.Batch) int { return compareBatchFIFO(*a, *b) })
	return result
}

func compareBatchFIFO(a domain.Batch, b domain.Batch) int {
	if a.ExpiryDate.Before(b.ExpiryDate) {
		return -1
	}
	if a.ExpiryDate.After(b.ExpiryDate) {
		return 1
	}
	if a.CreatedAt.Before(b.CreatedAt) {
		return -1
	}
	if a.CreatedAt.After(b.CreatedAt) {
		return 1
	}
	return cmpString(a.ID, b.ID)
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneLoad(src *domain.TruckLoad) *domain.TruckLoad {
	if src == nil {
		return nil
	}
	dup := *src
	items := make([]domain.TruckLoadItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return &dup
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dup := *src
	items := make([]domain.SaleItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return &dup
}

func cloneAllowance(src *domain.TransportAllowance) *domain.TransportAllowance {
	if src == nil {
		return nil
	}
	dup := *src
	trucks := make([]domain.TruckAllowance, len(src.Trucks))
	copy(trucks, src.Trucks)
	dup.Trucks = trucks
	return &dup
}

func cloneRecon(src *domain.DailyReconciliation) *domain.DailyReconciliation {
	if src == nil {
		return nil
	}
	dup := *src
	items := make([]domain.ReconciliationItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return &dup
}
