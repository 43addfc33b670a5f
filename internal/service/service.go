package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"milkrun/backend/internal/domain"
	"milkrun/backend/internal/loadplan"
	"milkrun/backend/internal/store"
	"milkrun/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo    store.Repository
	planner *loadplan.Engine
}

func New(repo store.Repository, planner *loadplan.Engine) *Service {
	if planner == nil {
		planner = loadplan.NewEngine(nil, 0)
	}

	return &Service{
		repo:    repo,
		planner: planner,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) ListTrucks(ctx context.Context) ([]domain.Truck, error) {
	return s.repo.ListTrucks(ctx)
}

func (s *Service) ListShops(ctx context.Context) ([]domain.Shop, error) {
	return s.repo.ListShops(ctx)
}

// Deliveries.

func (s *Service) ReceiveDelivery(ctx context.Context, req domain.DeliveryCreateRequest) (domain.DeliveryResponse, error) {
	actor, err := requireManager(ctx)
	if err != nil {
		return domain.DeliveryResponse{}, err
	}

	deliveryDate, err := parseDate(req.DeliveryDate, time.Now().UTC())
	if err != nil {
		return domain.DeliveryResponse{}, fmt.Errorf("%w: delivery_date must be YYYY-MM-DD", store.ErrValidation)
	}
	if len(req.Items) == 0 {
		return domain.DeliveryResponse{}, fmt.Errorf("%w: delivery needs at least one line", store.ErrValidation)
	}

	lines := make([]store.BatchInput, 0, len(req.Items))
	for _, item := range req.Items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		item.BatchNumber = strings.ToUpper(strings.TrimSpace(item.BatchNumber))
		if item.ProductID == "" || item.BatchNumber == "" {
			return domain.DeliveryResponse{}, fmt.Errorf("%w: product_id and batch_number are required", store.ErrValidation)
		}
		if item.Quantity < 1 {
			return domain.DeliveryResponse{}, fmt.Errorf("%w: quantity must be positive", store.ErrValidation)
		}
		expiry, err := time.Parse("2006-01-02", item.ExpiryDate)
		if err != nil {
			return domain.DeliveryResponse{}, fmt.Errorf("%w: expiry_date must be YYYY-MM-DD", store.ErrValidation)
		}
		if expiry.Before(deliveryDate) {
			return domain.DeliveryResponse{}, fmt.Errorf("%w: batch %s expires before the delivery date", store.ErrValidation, item.BatchNumber)
		}
		lines = append(lines, store.BatchInput{
			ProductID:   item.ProductID,
			BatchNumber: item.BatchNumber,
			Quantity:    item.Quantity,
			ExpiryDate:  expiry.UTC(),
		})
	}

	receiptNumber := xid.NewDated("DLV", deliveryDate)
	batches, err := s.repo.ReceiveDelivery(ctx, receiptNumber, deliveryDate, actor.Username, lines)
	if err != nil {
		return domain.DeliveryResponse{}, err
	}

	views, err := s.batchViews(ctx, batches)
	if err != nil {
		return domain.DeliveryResponse{}, err
	}

	totalUnits := 0
	for _, line := range lines {
		totalUnits += line.Quantity
	}
	s.logAudit(ctx, "delivery_receive", "delivery", receiptNumber, fmt.Sprintf("lines=%d,units=%d", len(lines), totalUnits))

	return domain.DeliveryResponse{
		ReceiptNumber: receiptNumber,
		DeliveryDate:  deliveryDate,
		Batches:       views,
	}, nil
}

func (s *Service) ListBatches(ctx context.Context, productID string, includeEmpty bool) ([]domain.BatchView, error) {
	batches, err := s.repo.ListBatches(ctx, strings.TrimSpace(productID), includeEmpty)
	if err != nil {
		return nil, err
	}
	return s.batchViews(ctx, batches)
}

func (s *Service) BatchHistory(ctx context.Context, batchID string) (domain.BatchMovementHistory, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return domain.BatchMovementHistory{}, fmt.Errorf("%w: batch id is required", store.ErrValidation)
	}

	batch, err := s.repo.GetBatch(ctx, batchID)
	if err != nil {
		return domain.BatchMovementHistory{}, err
	}
	movements, err := s.repo.GetBatchMovements(ctx, batchID)
	if err != nil {
		return domain.BatchMovementHistory{}, err
	}

	history := domain.BatchMovementHistory{
		BatchID:          batch.ID,
		BatchNumber:      batch.BatchNumber,
		ProductID:        batch.ProductID,
		InitialQuantity:  batch.Quantity,
		CurrentRemaining: batch.RemainingQuantity,
		Movements:        make([]domain.MovementDetail, 0, len(movements)),
	}

	// sale_out rows are audit entries against stock that already left the
	// batch at truck_load_out time; they carry the balance unchanged.
	balance := 0
	for _, m := range movements {
		switch {
		case domain.IsInflowMovement(m.Type):
			balance += m.Quantity
		case m.Type != domain.MovementSaleOut:
			balance -= m.Quantity
		}
		history.Movements = append(history.Movements, domain.MovementDetail{
			ID:             m.ID,
			Type:           m.Type,
			Quantity:       m.Quantity,
			ReferenceType:  m.ReferenceType,
			ReferenceID:    m.ReferenceID,
			Notes:          m.Notes,
			CreatedBy:      m.CreatedBy,
			MovementDate:   m.MovementDate,
			RunningBalance: balance,
		})
	}
	return history, nil
}

func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustmentRequest) (domain.BatchView, error) {
	actor, err := requireManager(ctx)
	if err != nil {
		return domain.BatchView{}, err
	}

	req.BatchID = strings.TrimSpace(req.BatchID)
	req.MovementType = strings.ToLower(strings.TrimSpace(req.MovementType))
	req.Reason = strings.TrimSpace(req.Reason)
	if req.BatchID == "" || req.Reason == "" {
		return domain.BatchView{}, fmt.Errorf("%w: batch_id and reason are required", store.ErrValidation)
	}
	if req.MovementType != domain.MovementAdjustment && req.MovementType != domain.MovementExpiredOut {
		return domain.BatchView{}, fmt.Errorf("%w: movement_type must be adjustment or expired_out", store.ErrValidation)
	}
	if req.Quantity < 1 {
		return domain.BatchView{}, fmt.Errorf("%w: quantity must be positive; use expired_out to write stock off", store.ErrValidation)
	}

	batch, err := s.repo.AdjustStock(ctx, domain.StockMovement{
		BatchID:   req.BatchID,
		Type:      req.MovementType,
		Quantity:  req.Quantity,
		Reason:    req.Reason,
		Notes:     strings.TrimSpace(req.Notes),
		CreatedBy: actor.Username,
	})
	if err != nil {
		return domain.BatchView{}, err
	}

	s.logAudit(ctx, "stock_adjust", "batch", batch.ID, fmt.Sprintf("type=%s,qty=%d,reason=%s", req.MovementType, req.Quantity, req.Reason))

	views, err := s.batchViews(ctx, []domain.Batch{*batch})
	if err != nil {
		return domain.BatchView{}, err
	}
	return views[0], nil
}

// Truck loads.

func (s *Service) CreateTruckLoad(ctx context.Context, req domain.TruckLoadCreateRequest) (domain.TruckLoadResponse, error) {
	actor, err := requireManager(ctx)
	if err != nil {
		return domain.TruckLoadResponse{}, err
	}

	req.TruckID = strings.TrimSpace(req.TruckID)
	if req.TruckID == "" {
		return domain.TruckLoadResponse{}, fmt.Errorf("%w: truck_id is required", store.ErrValidation)
	}
	loadDate, err := parseDate(req.LoadDate, time.Now().UTC())
	if err != nil {
		return domain.TruckLoadResponse{}, fmt.Errorf("%w: load_date must be YYYY-MM-DD", store.ErrValidation)
	}
	if len(req.Items) == 0 {
		return domain.TruckLoadResponse{}, fmt.Errorf("%w: load needs at least one item", store.ErrValidation)
	}
	for i, item := range req.Items {
		hasBatch := strings.TrimSpace(item.BatchID) != ""
		hasProduct := strings.TrimSpace(item.ProductID) != ""
		if hasBatch == hasProduct {
			return domain.TruckLoadResponse{}, fmt.Errorf("%w: item %d must set exactly one of batch_id or product_id", store.ErrValidation, i)
		}
		if item.Quantity < 1 {
			return domain.TruckLoadResponse{}, fmt.Errorf("%w: item %d quantity must be positive", store.ErrValidation, i)
		}
	}

	load, err := s.repo.CreateTruckLoad(ctx, req.TruckID, loadDate, actor.Username, strings.TrimSpace(req.Notes), req.Items)
	if err != nil {
		return domain.TruckLoadResponse{}, err
	}

	s.logAudit(ctx, "truck_load_create", "truck_load", load.ID, fmt.Sprintf("truck=%s,date=%s,items=%d", load.TruckID, load.LoadDate.Format("2006-01-02"), len(load.Items)))
	return domain.TruckLoadResponse{Load: *load, Summary: loadSummary(*load)}, nil
}

func (s *Service) GetTruckLoad(ctx context.Context, loadID string) (domain.TruckLoadResponse, error) {
	load, err := s.repo.GetTruckLoad(ctx, strings.TrimSpace(loadID))
	if err != nil {
		return domain.TruckLoadResponse{}, err
	}
	return domain.TruckLoadResponse{Load: *load, Summary: loadSummary(*load)}, nil
}

func (s *Service) ListTruckLoads(ctx context.Context, date string, truckID string) ([]domain.TruckLoadResponse, error) {
	var day time.Time
	if strings.TrimSpace(date) != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrValidation)
		}
		day = parsed.UTC()
	}

	loads, err := s.repo.ListTruckLoads(ctx, day, strings.TrimSpace(truckID))
	if err != nil {
		return nil, err
	}

	result := make([]domain.TruckLoadResponse, 0, len(loads))
	for _, load := range loads {
		result = append(result, domain.TruckLoadResponse{Load: load, Summary: loadSummary(load)})
	}
	return result, nil
}

func (s *Service) ReconcileTruckLoad(ctx context.Context, loadID string, req domain.TruckLoadReconcileRequest) (domain.TruckLoadResponse, error) {
	if _, err := requireManager(ctx); err != nil {
		return domain.TruckLoadResponse{}, err
	}

	loadID = strings.TrimSpace(loadID)
	if loadID == "" {
		return domain.TruckLoadResponse{}, fmt.Errorf("%w: load id is required", store.ErrValidation)
	}

	load, err := s.repo.ReconcileTruckLoad(ctx, loadID, req.Returns)
	if err != nil {
		return domain.TruckLoadResponse{}, err
	}

	s.logAudit(ctx, "truck_load_reconcile", "truck_load", load.ID, fmt.Sprintf("returns=%d", len(req.Returns)))
	return domain.TruckLoadResponse{Load: *load, Summary: loadSummary(*load)}, nil
}

func (s *Service) DeleteTruckLoad(ctx context.Context, loadID string) error {
	if _, err := requireManager(ctx); err != nil {
		return err
	}

	loadID = strings.TrimSpace(loadID)
	if loadID == "" {
		return fmt.Errorf("%w: load id is required", store.ErrValidation)
	}

	if err := s.repo.DeleteTruckLoad(ctx, loadID); err != nil {
		return err
	}
	s.logAudit(ctx, "truck_load_delete", "truck_load", loadID, "")
	return nil
}

func (s *Service) PlanTruckLoad(ctx context.Context, req domain.LoadPlanRequest) (domain.LoadPlanResponse, error) {
	if _, ok := ActorFromContext(ctx); !ok {
		return domain.LoadPlanResponse{}, store.ErrForbidden
	}
	if len(req.Demands) == 0 {
		return domain.LoadPlanResponse{}, fmt.Errorf("%w: plan needs at least one demand", store.ErrValidation)
	}

	batchesByProduct := make(map[string][]domain.Batch, len(req.Demands))
	for _, demand := range req.Demands {
		productID := strings.TrimSpace(demand.ProductID)
		if productID == "" || demand.Quantity < 1 {
			return domain.LoadPlanResponse{}, fmt.Errorf("%w: each demand needs product_id and a positive quantity", store.ErrValidation)
		}
		if _, seen := batchesByProduct[productID]; seen {
			continue
		}
		batches, err := s.repo.ListAvailableBatches(ctx, productID)
		if err != nil {
			return domain.LoadPlanResponse{}, err
		}
		batchesByProduct[productID] = batches
	}

	return s.planner.Plan(ctx, req.Demands, batchesByProduct, time.Now().UTC()), nil
}

// Sales.

func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.SaleResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.SaleResponse{}, store.ErrForbidden
	}

	req.ShopID = strings.TrimSpace(req.ShopID)
	req.TruckLoadID = strings.TrimSpace(req.TruckLoadID)
	if req.ShopID == "" || req.TruckLoadID == "" {
		return domain.SaleResponse{}, fmt.Errorf("%w: shop_id and truck_load_id are required", store.ErrValidation)
	}
	saleDate, err := parseDate(req.SaleDate, time.Now().UTC())
	if err != nil {
		return domain.SaleResponse{}, fmt.Errorf("%w: sale_date must be YYYY-MM-DD", store.ErrValidation)
	}
	if len(req.Items) == 0 {
		return domain.SaleResponse{}, fmt.Errorf("%w: sale needs at least one item", store.ErrValidation)
	}
	for i, item := range req.Items {
		if strings.TrimSpace(item.ProductID) == "" || item.Quantity < 1 {
			return domain.SaleResponse{}, fmt.Errorf("%w: item %d needs product_id and a positive quantity", store.ErrValidation, i)
		}
		if item.UnitPrice != nil && item.UnitPrice.LessThanOrEqual(decimal.Zero) {
			return domain.SaleResponse{}, fmt.Errorf("%w: item %d unit_price override must be positive", store.ErrValidation, i)
		}
	}

	amountPaid := decimal.Zero
	if req.AmountPaid != nil {
		if req.AmountPaid.IsNegative() {
			return domain.SaleResponse{}, fmt.Errorf("%w: amount_paid cannot be negative", store.ErrValidation)
		}
		amountPaid = *req.AmountPaid
	}

	if actor.Role == domain.RoleDriver {
		if err := s.checkLoadOwnership(ctx, req.TruckLoadID, actor.Username); err != nil {
			return domain.SaleResponse{}, err
		}
	}

	sale, err := s.repo.CreateSale(ctx, domain.Sale{
		ShopID:      req.ShopID,
		TruckLoadID: req.TruckLoadID,
		AmountPaid:  amountPaid,
		SaleDate:    saleDate,
		CreatedBy:   actor.Username,
	}, req.Items)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	s.logAudit(ctx, "sale_create", "sale", sale.ID, fmt.Sprintf("shop=%s,load=%s,total=%s,paid=%s", sale.ShopID, sale.TruckLoadID, sale.TotalAmount.StringFixed(2), sale.AmountPaid.StringFixed(2)))
	return domain.SaleResponse{Sale: *sale, Summary: saleSummary(*sale)}, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.SaleResponse, error) {
	sale, err := s.repo.GetSale(ctx, strings.TrimSpace(saleID))
	if err != nil {
		return domain.SaleResponse{}, err
	}
	return domain.SaleResponse{Sale: *sale, Summary: saleSummary(*sale)}, nil
}

func (s *Service) ListSales(ctx context.Context, filter domain.SaleListFilter) ([]domain.Sale, error) {
	if strings.TrimSpace(filter.Date) != "" {
		if _, err := time.Parse("2006-01-02", filter.Date); err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrValidation)
		}
	}
	return s.repo.ListSales(ctx, filter)
}

func (s *Service) RecordSalePayment(ctx context.Context, saleID string, req domain.SalePaymentRequest) (domain.SaleResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.SaleResponse{}, store.ErrForbidden
	}

	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.SaleResponse{}, fmt.Errorf("%w: sale id is required", store.ErrValidation)
	}

	if actor.Role == domain.RoleDriver {
		sale, err := s.repo.GetSale(ctx, saleID)
		if err != nil {
			return domain.SaleResponse{}, err
		}
		if err := s.checkLoadOwnership(ctx, sale.TruckLoadID, actor.Username); err != nil {
			return domain.SaleResponse{}, err
		}
	}

	sale, err := s.repo.RecordSalePayment(ctx, saleID, req.AdditionalPayment)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	s.logAudit(ctx, "sale_payment", "sale", sale.ID, fmt.Sprintf("added=%s,paid=%s,status=%s", req.AdditionalPayment.StringFixed(2), sale.AmountPaid.StringFixed(2), sale.PaymentStatus))
	return domain.SaleResponse{Sale: *sale, Summary: saleSummary(*sale)}, nil
}

// Transport allowances.

func (s *Service) CreateAllowance(ctx context.Context, req domain.AllowanceCreateRequest) (*domain.TransportAllowance, error) {
	actor, err := requireManager(ctx)
	if err != nil {
		return nil, err
	}

	day, err := parseDate(req.AllowanceDate, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: allowance_date must be YYYY-MM-DD", store.ErrValidation)
	}
	if req.TotalAllowance.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: total_allowance must be positive", store.ErrValidation)
	}

	allowance, err := s.repo.CreateAllowance(ctx, domain.TransportAllowance{
		AllowanceDate:  day,
		TotalAllowance: req.TotalAllowance,
		Notes:          strings.TrimSpace(req.Notes),
		CreatedBy:      actor.Username,
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "allowance_create", "allowance", allowance.ID, fmt.Sprintf("date=%s,total=%s", day.Format("2006-01-02"), req.TotalAllowance.StringFixed(2)))
	return allowance, nil
}

func (s *Service) GetAllowance(ctx context.Context, allowanceID string) (*domain.TransportAllowance, error) {
	return s.repo.GetAllowance(ctx, strings.TrimSpace(allowanceID))
}

func (s *Service) ListAllowances(ctx context.Context) ([]domain.AllowanceSummary, error) {
	return s.repo.ListAllowances(ctx)
}

func (s *Service) AllocateAllowance(ctx context.Context, allowanceID string, req domain.AllowanceAllocateRequest) (*domain.TransportAllowance, error) {
	if _, err := requireManager(ctx); err != nil {
		return nil, err
	}

	allowanceID = strings.TrimSpace(allowanceID)
	if allowanceID == "" || len(req.Allocations) == 0 {
		return nil, fmt.Errorf("%w: allowance id and at least one allocation are required", store.ErrValidation)
	}

	allowance, err := s.repo.AllocateAllowance(ctx, allowanceID, req.Allocations)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "allowance_allocate", "allowance", allowance.ID, fmt.Sprintf("trucks=%d,allocated=%s", len(req.Allocations), allowance.AllocatedAmount.StringFixed(2)))
	return allowance, nil
}

func (s *Service) UpdateTruckAllocation(ctx context.Context, allowanceID string, truckID string, req domain.TruckAllocationUpdateRequest) (*domain.TransportAllowance, error) {
	if _, err := requireManager(ctx); err != nil {
		return nil, err
	}

	allowanceID = strings.TrimSpace(allowanceID)
	truckID = strings.TrimSpace(truckID)
	if allowanceID == "" || truckID == "" {
		return nil, fmt.Errorf("%w: allowance id and truck id are required", store.ErrValidation)
	}

	allowance, err := s.repo.UpdateTruckAllocation(ctx, allowanceID, truckID, req)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "allowance_update_truck", "allowance", allowance.ID, fmt.Sprintf("truck=%s,amount=%s", truckID, req.Amount.StringFixed(2)))
	return allowance, nil
}

func (s *Service) FinalizeAllowance(ctx context.Context, allowanceID string) (*domain.TransportAllowance, error) {
	if _, err := requireManager(ctx); err != nil {
		return nil, err
	}

	allowance, err := s.repo.FinalizeAllowance(ctx, strings.TrimSpace(allowanceID))
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "allowance_finalize", "allowance", allowance.ID, fmt.Sprintf("allocated=%s", allowance.AllocatedAmount.StringFixed(2)))
	return allowance, nil
}

func (s *Service) DeleteAllowance(ctx context.Context, allowanceID string) error {
	if _, err := requireManager(ctx); err != nil {
		return err
	}

	allowanceID = strings.TrimSpace(allowanceID)
	if allowanceID == "" {
		return fmt.Errorf("%w: allowance id is required", store.ErrValidation)
	}

	if err := s.repo.DeleteAllowance(ctx, allowanceID); err != nil {
		return err
	}
	s.logAudit(ctx, "allowance_delete", "allowance", allowanceID, "")
	return nil
}

// Daily reconciliation.

func (s *Service) StartReconciliation(ctx context.Context, req domain.ReconciliationStartRequest) (*domain.DailyReconciliation, error) {
	actor, err := requireManager(ctx)
	if err != nil {
		return nil, err
	}

	day, err := parseDate(req.ReconciliationDate, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: reconciliation_date must be YYYY-MM-DD", store.ErrValidation)
	}

	recon, err := s.repo.StartReconciliation(ctx, day, actor.Username, strings.TrimSpace(req.Notes))
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "reconciliation_start", "reconciliation", recon.ID, fmt.Sprintf("date=%s,trucks_out=%d", day.Format("2006-01-02"), recon.TrucksOut))
	return recon, nil
}

func (s *Service) GetReconciliation(ctx context.Context, date string) (*domain.DailyReconciliation, error) {
	day, err := parseDate(date, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrValidation)
	}
	return s.repo.GetReconciliationByDate(ctx, day)
}

func (s *Service) ListReconciliations(ctx context.Context, limit int) ([]domain.ReconciliationSummary, error) {
	return s.repo.ListReconciliations(ctx, limit)
}

func (s *Service) VerifyTruckReturn(ctx context.Context, date string, truckID string, req domain.TruckVerifyRequest) (*domain.DailyReconciliation, error) {
	actor, err := requireManager(ctx)
	if err != nil {
		return nil, err
	}

	day, err := parseDate(date, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrValidation)
	}
	truckID = strings.TrimSpace(truckID)
	if truckID == "" {
		return nil, fmt.Errorf("%w: truck id is required", store.ErrValidation)
	}

	recon, err := s.repo.VerifyTruckReturn(ctx, day, truckID, req, actor.Username)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "reconciliation_verify_truck", "reconciliation", recon.ID, fmt.Sprintf("truck=%s,verified=%d/%d", truckID, recon.TrucksVerified, recon.TrucksOut))
	return recon, nil
}

func (s *Service) FinalizeReconciliation(ctx context.Context, date string) (*domain.DailyReconciliation, error) {
	actor, err := requireManager(ctx)
	if err != nil {
		return nil, err
	}

	day, err := parseDate(date, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrValidation)
	}

	recon, err := s.repo.FinalizeReconciliation(ctx, day, actor.Username)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "reconciliation_finalize", "reconciliation", recon.ID, fmt.Sprintf("net_profit=%s", recon.NetProfit.StringFixed(2)))
	return recon, nil
}

// Audit.

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if _, err := requireManager(ctx); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrValidation)
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

// Helpers.

func (s *Service) checkLoadOwnership(ctx context.Context, loadID string, driverUsername string) error {
	load, err := s.repo.GetTruckLoad(ctx, loadID)
	if err != nil {
		return err
	}
	truck, err := s.repo.GetTruck(ctx, load.TruckID)
	if err != nil {
		return err
	}
	if truck.DriverUsername != driverUsername {
		return fmt.Errorf("%w: load %s belongs to truck %s", store.ErrForbidden, loadID, truck.TruckNumber)
	}
	return nil
}

func (s *Service) batchViews(ctx context.Context, batches []domain.Batch) ([]domain.BatchView, error) {
	productIDs := make([]string, 0, len(batches))
	seen := make(map[string]struct{}, len(batches))
	for _, b := range batches {
		if _, ok := seen[b.ProductID]; ok {
			continue
		}
		seen[b.ProductID] = struct{}{}
		productIDs = append(productIDs, b.ProductID)
	}

	products, err := s.repo.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return nil, err
	}

	today := time.Now().UTC()
	views := make([]domain.BatchView, 0, len(batches))
	for _, b := range batches {
		views = append(views, domain.BatchView{
			Batch:       b,
			ProductName: products[b.ProductID].Name,
			Status:      domain.BatchStatusOf(b, today),
		})
	}
	return views, nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("audit"),
		Actor:      actor.Username,
		Role:       actor.Role,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func requireManager(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleManager {
		return domain.Actor{}, fmt.Errorf("%w: manager role required", store.ErrForbidden)
	}
	return actor, nil
}

func parseDate(value string, fallback time.Time) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Date(fallback.Year(), fallback.Month(), fallback.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	parsed, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}

func loadSummary(load domain.TruckLoad) domain.TruckLoadSummary {
	summary := domain.TruckLoadSummary{ProductLines: len(load.Items)}
	for _, item := range load.Items {
		summary.TotalLoaded += item.QuantityLoaded
		summary.TotalSold += item.QuantitySold
		summary.TotalReturned += item.QuantityReturned
		summary.TotalLostDamaged += item.LostDamaged(load.Status)
	}
	return summary
}

func saleSummary(sale domain.Sale) domain.SaleSummary {
	summary := domain.SaleSummary{BalanceDue: sale.TotalAmount.Sub(sale.AmountPaid)}
	for _, item := range sale.Items {
		summary.TotalItems += item.Quantity
		summary.TotalCommission = summary.TotalCommission.Add(item.CommissionEarned)
	}
	return summary
}
