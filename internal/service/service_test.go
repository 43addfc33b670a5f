package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"milkrun/backend/internal/cache"
	"milkrun/backend/internal/domain"
	"milkrun/backend/internal/loadplan"
	"milkrun/backend/internal/store"
	"milkrun/backend/internal/store/memory"
)

func newTestService() *Service {
	repo := memory.NewSeeded()
	planner := loadplan.NewEngine(cache.NoopLoadPlanCache{}, 5*time.Second)
	return New(repo, planner)
}

func managerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "manager", Role: domain.RoleManager})
}

func driverCtx(username string) context.Context {
	return WithActor(context.Background(), domain.Actor{Username: username, Role: domain.RoleDriver})
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func receiveTwoBatches(t *testing.T, svc *Service, day string) domain.DeliveryResponse {
	t.Helper()
	resp, err := svc.ReceiveDelivery(managerCtx(), domain.DeliveryCreateRequest{
		DeliveryDate: day,
		Items: []domain.DeliveryItemRequest{
			{ProductID: "prod-milk-500", BatchNumber: "BN-DAY5", Quantity: 100, ExpiryDate: "2026-09-05"},
			{ProductID: "prod-milk-500", BatchNumber: "BN-DAY3", Quantity: 50, ExpiryDate: "2026-09-03"},
		},
	})
	if err != nil {
		t.Fatalf("receive delivery failed: %v", err)
	}
	return resp
}

func TestReceiveDeliveryRequiresManager(t *testing.T) {
	svc := newTestService()

	_, err := svc.ReceiveDelivery(driverCtx("ravi"), domain.DeliveryCreateRequest{
		DeliveryDate: "2026-09-01",
		Items: []domain.DeliveryItemRequest{
			{ProductID: "prod-milk-500", BatchNumber: "BN-X", Quantity: 10, ExpiryDate: "2026-09-05"},
		},
	})
	if !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected forbidden for driver delivery, got %v", err)
	}
}

func TestFIFODrawsEarliestExpiryFirst(t *testing.T) {
	svc := newTestService()
	receiveTwoBatches(t, svc, "2026-09-01")

	loadResp, err := svc.CreateTruckLoad(managerCtx(), domain.TruckLoadCreateRequest{
		TruckID:  "truck-1",
		LoadDate: "2026-09-01",
		Items: []domain.LoadItemRequest{
			{ProductID: "prod-milk-500", Quantity: 60},
		},
	})
	if err != nil {
		t.Fatalf("create truck load failed: %v", err)
	}
	if len(loadResp.Load.Items) != 2 {
		t.Fatalf("expected draw across 2 batches, got %d items", len(loadResp.Load.Items))
	}
	if loadResp.Load.Items[0].BatchNumber != "BN-DAY3" || loadResp.Load.Items[0].QuantityLoaded != 50 {
		t.Fatalf("expected 50 from BN-DAY3 first, got %+v", loadResp.Load.Items[0])
	}
	if loadResp.Load.Items[1].BatchNumber != "BN-DAY5" || loadResp.Load.Items[1].QuantityLoaded != 10 {
		t.Fatalf("expected 10 from BN-DAY5, got %+v", loadResp.Load.Items[1])
	}

	batches, err := svc.ListBatches(managerCtx(), "prod-milk-500", true)
	if err != nil {
		t.Fatalf("list batches failed: %v", err)
	}
	remainingByNumber := map[string]int{}
	for _, b := range batches {
		remainingByNumber[b.BatchNumber] = b.RemainingQuantity
	}
	if remainingByNumber["BN-DAY3"] != 0 {
		t.Fatalf("expected BN-DAY3 drained, got %d", remainingByNumber["BN-DAY3"])
	}
	if remainingByNumber["BN-DAY5"] != 90 {
		t.Fatalf("expected BN-DAY5 at 90, got %d", remainingByNumber["BN-DAY5"])
	}
}

func TestCreateTruckLoadRejectsAmbiguousItem(t *testing.T) {
	svc := newTestService()
	delivery := receiveTwoBatches(t, svc, "2026-09-01")

	_, err := svc.CreateTruckLoad(managerCtx(), domain.TruckLoadCreateRequest{
		TruckID:  "truck-1",
		LoadDate: "2026-09-01",
		Items: []domain.LoadItemRequest{
			{BatchID: delivery.Batches[0].ID, ProductID: "prod-milk-500", Quantity: 5},
		},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for item with both tags, got %v", err)
	}

	_, err = svc.CreateTruckLoad(managerCtx(), domain.TruckLoadCreateRequest{
		TruckID:  "truck-1",
		LoadDate: "2026-09-01",
		Items: []domain.LoadItemRequest{
			{Quantity: 5},
		},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for item with neither tag, got %v", err)
	}
}

func TestOvercommittedLoadFailsWithoutPartialDraw(t *testing.T) {
	svc := newTestService()
	receiveTwoBatches(t, svc, "2026-09-01")

	_, err := svc.CreateTruckLoad(managerCtx(), domain.TruckLoadCreateRequest{
		TruckID:  "truck-1",
		LoadDate: "2026-09-01",
		Items: []domain.LoadItemRequest{
			{ProductID: "prod-milk-500", Quantity: 1000},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	batches, err := svc.ListBatches(managerCtx(), "prod-milk-500", true)
	if err != nil {
		t.Fatalf("list batches failed: %v", err)
	}
	total := 0
	for _, b := range batches {
		total += b.RemainingQuantity
	}
	if total != 150 {
		t.Fatalf("expected stock untouched at 150 after failed load, got %d", total)
	}
}

func TestSaleDrawsLoadLocalFIFOAndComputesCommission(t *testing.T) {
	svc := newTestService()
	receiveTwoBatches(t, svc, "2026-09-01")

	loadResp, err := svc.CreateTruckLoad(managerCtx(), domain.TruckLoadCreateRequest{
		TruckID:  "truck-1",
		LoadDate: "2026-09-01",
		Items: []domain.LoadItemRequest{
			{ProductID: "prod-milk-500", Quantity: 60},
		},
	})
	if err != nil {
		t.Fatalf("create truck load failed: %v", err)
	}

	saleResp, err := svc.CreateSale(driverCtx("ravi"), domain.SaleCreateRequest{
		ShopID:      "shop-1",
		TruckLoadID: loadResp.Load.ID,
		SaleDate:    "2026-09-01",
		Items: []domain.SaleItemRequest{
			{ProductID: "prod-milk-500", Quantity: 55},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	// 50 drain BN-DAY3's line, 5 spill into BN-DAY5's line.
	if len(saleResp.Sale.Items) != 2 {
		t.Fatalf("expected 2 sale lines, got %d", len(saleResp.Sale.Items))
	}
	if saleResp.Sale.Items[0].Quantity != 50 || saleResp.Sale.Items[1].Quantity != 5 {
		t.Fatalf("unexpected FIFO split: %+v", saleResp.Sale.Items)
	}
	if !saleResp.Sale.TotalAmount.Equal(dec("1265.00")) {
		t.Fatalf("expected total 1265.00 (55 x 23.00), got %s", saleResp.Sale.TotalAmount)
	}
	if !saleResp.Summary.TotalCommission.Equal(dec("82.50")) {
		t.Fatalf("expected commission 82.50 (55 x 1.50), got %s", saleResp.Summary.TotalCommission)
	}
	if saleResp.Sale.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("expected pending payment, got %s", saleResp.Sale.PaymentStatus)
	}
}

func TestOversellFailsWithoutMutation(t *testing.T) {
	svc := newTestService()
	receiveTwoBatches(t, svc, "2026-09-01")

	loadResp, err := svc.CreateTruckLoad(managerCtx(), domain.TruckLoadCreateRequest{
		TruckID:  "truck-1",
		LoadDate: "2026-09-01",
		Items: []domain.LoadItemRequest{
			{ProductID: "prod-milk-500", Quantity: 40},
		},
	})
	if err != nil {
		t.Fatalf("create truck load failed: %v", err)
	}

	_, err = svc.CreateSale(driverCtx("ravi"), domain.SaleCreateRequest{
		ShopID:      "shop-1",
		TruckLoadID: loadResp.Load.ID,
		Items: []domain.SaleItemRequest{
			{ProductID: "prod-milk-500", Quantity: 1000},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock for oversell, got %v", err)
	}

	after, err := svc.GetTruckLoad(managerCtx(), loadResp.Load.ID)
	if err != nil {
		t.Fatalf("get load failed: %v", err)
	}
	if after.Summary.TotalSold != 0 {
		t.Fatalf("expected no quantity_sold mutation after failed sale, got %d", after.Summary.TotalSold)
	}
}

func TestDriverCannotSellFromForeignLoad(t *testing.T) {
	svc := newTestService()
	receiveTwoBatches(t, svc, "2026-09-01")

	loadResp, err := svc.CreateTruckLoad(managerCtx(), domain.TruckLoadCreateRequest{
		TruckID:  "truck-1",
		LoadDate: "2026-09-01",
		Items: []domain.LoadItemRequest{
			{ProductID: "prod-milk-500", Quantity: 20},
		},
	})
	if err != nil {
		t.Fatalf("create truck load failed: %v", err)
	}

	_, err = svc.CreateSale(driverCtx("suresh"), domain.SaleCreateRequest{
		ShopID:      "shop-1",
		TruckLoadID: loadResp.Load.ID,
		Items: []domain.SaleItemRequest{
			{ProductID: "prod-milk-500", Quantity: 5},
		},
	})
	if !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected forbidden for foreign-load sale, got %v", err)
	}
}

func TestSalePaymentLifecycleRejectsOverpay(t *testing.T) {
	svc := newTestService()
	receiveTwoBatches(t, svc, "2026-09-01")

	loadResp, err := svc.CreateTruckLoad(managerCtx(), domain.TruckLoadCreateRequest{
		TruckID:  "truck-1",
		LoadDate: "2026-09-01",
		Items: []domain.LoadItemRequest{
			{ProductID: "prod-milk-500", Quantity: 10},
		},
	})
	if err != nil {
		t.Fatalf("create truck load failed: %v", err)
	}

	paid := dec("100.00")
	saleResp, err := svc.CreateSale(driverCtx("ravi"), domain.SaleCreateRequest{
		ShopID:      "shop-1",
		TruckLoadID: loadResp.Load.ID,
		AmountPaid:  &paid,
		Items: []domain.SaleItemRequest{
			{ProductID: "prod-milk-500", Quantity: 10},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	// total 230.00, paid 100.00
	if !saleResp.Summary.BalanceDue.Equal(dec("130.00")) {
		t.Fatalf("expected balance 130.00, got %s", saleResp.Summary.BalanceDue)
	}

	_, err = svc.RecordSalePayment(driverCtx("ravi"), saleResp.Sale.ID, domain.SalePaymentRequest{
		AdditionalPayment: dec("200.00"),
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected overpay rejection, got %v", err)
	}

	settled, err := svc.RecordSalePayment(driverCtx("ravi"), saleResp.Sale.ID, domain.SalePaymentRequest{
		AdditionalPayment: dec("130.00"),
	})
	if err != nil {
		t.Fatalf("settle payment failed: %v", err)
	}
	if settled.Sale.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected paid status, got %s", settled.Sale.PaymentStatus)
	}
}

func TestReconcileLoadComputesLostAndLocks(t *testing.T) {
	svc := newTestService()
	receiveTwoBatches(t, svc, "2026-09-01")

	loadResp, err := svc.CreateTruckLoad(managerCtx(), domain.TruckLoadCreateRequest{
		TruckID:  "truck-1",
		LoadDate: "2026-09-01",
		Items: []domain.LoadItemRequest{
			{ProductID: "prod-milk-500", Quantity: 15},
		},
	})
	if err != nil {
		t.Fatalf("create truck load failed: %v", err)
	}
	item := loadResp.Load.Items[0]

	_, err = svc.CreateSale(driverCtx("ravi"), domain.SaleCreateRequest{
		ShopID:      "shop-1",
		TruckLoadID: loadResp.Load.ID,
		Items: []domain.SaleItemRequest{
			{ProductID: "prod-milk-500", Quantity: 12},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	reconciled, err := svc.ReconcileTruckLoad(managerCtx(), loadResp.Load.ID, domain.TruckLoadReconcileRequest{
		Returns: []domain.LoadReturnRequest{
			{BatchID: item.BatchID, QuantityReturned: 2},
		},
	})
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if reconciled.Load.Status != domain.LoadStatusReconciled {
		t.Fatalf("expected reconciled status, got %s", reconciled.Load.Status)
	}
	if reconciled.Summary.TotalLostDamaged != 1 {
		t.Fatalf("expected 1 lost/damaged, got %d", reconciled.Summary.TotalLostDamaged)
	}

	_, err = svc.ReconcileTruckLoad(managerCtx(), loadResp.Load.ID, domain.TruckLoadReconcileRequest{})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on second reconcile, got %v", err)
	}

	_, err = svc.CreateSale(driverCtx("ravi"), domain.SaleCreateRequest{
		ShopID:      "shop-1",
		TruckLoadID: loadResp.Load.ID,
		Items: []domain.SaleItemRequest{
			{ProductID: "prod-milk-500", Quantity: 1},
		},
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict selling on reconciled load, got %v", err)
	}
}

func TestBatchHistoryRunningBalance(t *testing.T) {
	svc := newTestService()
	delivery := receiveTwoBatches(t, svc, "2026-09-01")

	var day3 domain.BatchView
	for _, b := range delivery.Batches {
		if b.BatchNumber == "BN-DAY3" {
			day3 = b
		}
	}

	loadResp, err := svc.CreateTruckLoad(managerCtx(), domain.TruckLoadCreateRequest{
		TruckID:  "truck-1",
		LoadDate: "2026-09-01",
		Items: []domain.LoadItemRequest{
			{BatchID: day3.ID, Quantity: 30},
		},
	})
	if err != nil {
		t.Fatalf("create truck load failed: %v", err)
	}
	_, err = svc.CreateSale(driverCtx("ravi"), domain.SaleCreateRequest{
		ShopID:      "shop-1",
		TruckLoadID: loadResp.Load.ID,
		Items: []domain.SaleItemRequest{
			{ProductID: "prod-milk-500", Quantity: 25},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	_, err = svc.ReconcileTruckLoad(managerCtx(), loadResp.Load.ID, domain.TruckLoadReconcileRequest{
		Returns: []domain.LoadReturnRequest{
			{BatchID: day3.ID, QuantityReturned: 5},
		},
	})
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	history, err := svc.BatchHistory(managerCtx(), day3.ID)
	if err != nil {
		t.Fatalf("batch history failed: %v", err)
	}

	// delivery_in 50, truck_load_out 30, sale_out 25 (no balance change),
	// truck_return_in 5.
	wantTypes := []string{
		domain.MovementDeliveryIn,
		domain.MovementTruckLoadOut,
		domain.MovementSaleOut,
		domain.MovementTruckReturnIn,
	}
	wantBalances := []int{50, 20, 20, 25}
	if len(history.Movements) != len(wantTypes) {
		t.Fatalf("expected %d movements, got %d", len(wantTypes), len(history.Movements))
	}
	for i, m := range history.Movements {
		if m.Type != wantTypes[i] {
			t.Fatalf("movement %d: expected %s, got %s", i, wantTypes[i], m.Type)
		}
		if m.RunningBalance != wantBalances[i] {
			t.Fatalf("movement %d: expected balance %d, got %d", i, wantBalances[i], m.RunningBalance)
		}
	}
	if history.CurrentRemaining != 25 {
		t.Fatalf("expected current remaining 25, got %d", history.CurrentRemaining)
	}
	if history.Movements[len(history.Movements)-1].RunningBalance != history.CurrentRemaining {
		t.Fatalf("ledger replay does not match stored remaining")
	}
}

func TestAdjustStockRejectsNonPositiveAndWritesOff(t *testing.T) {
	svc := newTestService()
	delivery := receiveTwoBatches(t, svc, "2026-09-01")
	var batchID string
	for _, b := range delivery.Batches {
		if b.BatchNumber == "BN-DAY5" {
			batchID = b.ID
		}
	}

	_, err := svc.AdjustStock(managerCtx(), domain.StockAdjustmentRequest{
		BatchID:      batchID,
		Quantity:     0,
		MovementType: domain.MovementAdjustment,
		Reason:       "count correction",
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for zero quantity, got %v", err)
	}

	view, err := svc.AdjustStock(managerCtx(), domain.StockAdjustmentRequest{
		BatchID:      batchID,
		Quantity:     10,
		MovementType: domain.MovementExpiredOut,
		Reason:       "spoiled in cold room",
	})
	if err != nil {
		t.Fatalf("write-off failed: %v", err)
	}
	if view.RemainingQuantity != 90 {
		t.Fatalf("expected 90 remaining after write-off, got %d", view.RemainingQuantity)
	}
}

func TestAllowancePoolCapAndTruckLimit(t *testing.T) {
	svc := newTestService()

	pool, err := svc.CreateAllowance(managerCtx(), domain.AllowanceCreateRequest{
		AllowanceDate:  "2026-09-01",
		TotalAllowance: dec("10000.00"),
	})
	if err != nil {
		t.Fatalf("create allowance failed: %v", err)
	}

	allocated, err := svc.AllocateAllowance(managerCtx(), pool.ID, domain.AllowanceAllocateRequest{
		Allocations: []domain.TruckAllocationRequest{
			{TruckID: "truck-1", Amount: dec("3500.00")},
			{TruckID: "truck-2", Amount: dec("2800.00")},
			{TruckID: "truck-3", Amount: dec("3000.00")},
		},
	})
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if !allocated.AllocatedAmount.Equal(dec("9300.00")) {
		t.Fatalf("expected allocated 9300.00, got %s", allocated.AllocatedAmount)
	}
	if !allocated.Remaining().Equal(dec("700.00")) {
		t.Fatalf("expected remaining 700.00, got %s", allocated.Remaining())
	}
	if allocated.Status != domain.AllowanceStatusAllocated {
		t.Fatalf("expected allocated status, got %s", allocated.Status)
	}

	// Pool has 700 left; truck-1 already holds an allocation, so use an
	// update to push it over the pool.
	_, err = svc.UpdateTruckAllocation(managerCtx(), pool.ID, "truck-1", domain.TruckAllocationUpdateRequest{
		Amount: dec("4500.00"),
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected pool cap rejection, got %v", err)
	}

	// Per-truck limit: truck-3 max is 3000.00.
	_, err = svc.UpdateTruckAllocation(managerCtx(), pool.ID, "truck-3", domain.TruckAllocationUpdateRequest{
		Amount: dec("3200.00"),
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected truck limit rejection, got %v", err)
	}

	finalized, err := svc.FinalizeAllowance(managerCtx(), pool.ID)
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if finalized.Status != domain.AllowanceStatusFinalized {
		t.Fatalf("expected finalized, got %s", finalized.Status)
	}

	_, err = svc.AllocateAllowance(managerCtx(), pool.ID, domain.AllowanceAllocateRequest{
		Allocations: []domain.TruckAllocationRequest{
			{TruckID: "truck-2", Amount: dec("100.00")},
		},
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict allocating on finalized pool, got %v", err)
	}

	if err := svc.DeleteAllowance(managerCtx(), pool.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict deleting finalized pool, got %v", err)
	}
}

func TestReconciliationFullDay(t *testing.T) {
	svc := newTestService()
	receiveTwoBatches(t, svc, "2026-09-01")

	loadResp, err := svc.CreateTruckLoad(managerCtx(), domain.TruckLoadCreateRequest{
		TruckID:  "truck-1",
		LoadDate: "2026-09-01",
		Items: []domain.LoadItemRequest{
			{ProductID: "prod-milk-500", Quantity: 40},
		},
	})
	if err != nil {
		t.Fatalf("create truck load failed: %v", err)
	}

	paid := dec("500.00")
	_, err = svc.CreateSale(driverCtx("ravi"), domain.SaleCreateRequest{
		ShopID:      "shop-1",
		TruckLoadID: loadResp.Load.ID,
		SaleDate:    "2026-09-01",
		AmountPaid:  &paid,
		Items: []domain.SaleItemRequest{
			{ProductID: "prod-milk-500", Quantity: 30},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	pool, err := svc.CreateAllowance(managerCtx(), domain.AllowanceCreateRequest{
		AllowanceDate:  "2026-09-01",
		TotalAllowance: dec("1000.00"),
	})
	if err != nil {
		t.Fatalf("create allowance failed: %v", err)
	}
	_, err = svc.AllocateAllowance(managerCtx(), pool.ID, domain.AllowanceAllocateRequest{
		Allocations: []domain.TruckAllocationRequest{
			{TruckID: "truck-1", Amount: dec("300.00")},
		},
	})
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}

	recon, err := svc.StartReconciliation(managerCtx(), domain.ReconciliationStartRequest{
		ReconciliationDate: "2026-09-01",
	})
	if err != nil {
		t.Fatalf("start reconciliation failed: %v", err)
	}
	if recon.TrucksOut != 1 {
		t.Fatalf("expected 1 truck out, got %d", recon.TrucksOut)
	}

	_, err = svc.FinalizeReconciliation(managerCtx(), "2026-09-01")
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected finalize gated on verification, got %v", err)
	}

	// Expected return is 10; report 9 returned + 0 discarded so a
	// discrepancy is flagged.
	verified, err := svc.VerifyTruckReturn(managerCtx(), "2026-09-01", "truck-1", domain.TruckVerifyRequest{
		ItemsReturned: []domain.ProductQuantity{
			{ProductID: "prod-milk-500", Quantity: 9},
		},
	})
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if verified.Status != domain.ReconStatusCompleted {
		t.Fatalf("expected completed after last truck, got %s", verified.Status)
	}
	item := verified.Items[0]
	if !item.HasDiscrepancy {
		t.Fatalf("expected discrepancy flagged")
	}
	if item.ItemsSold != 30 || item.ItemsReturned != 9 {
		t.Fatalf("unexpected verify counts: %+v", item)
	}

	_, err = svc.VerifyTruckReturn(managerCtx(), "2026-09-01", "truck-1", domain.TruckVerifyRequest{})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict re-verifying truck, got %v", err)
	}

	final, err := svc.FinalizeReconciliation(managerCtx(), "2026-09-01")
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if final.Status != domain.ReconStatusFinalized {
		t.Fatalf("expected finalized, got %s", final.Status)
	}
	if final.TotalItemsLoaded != 40 || final.TotalItemsSold != 30 || final.TotalItemsReturned != 9 {
		t.Fatalf("unexpected totals: %+v", final)
	}
	// commission 30 x 1.50 = 45.00, allowance 300.00
	if !final.NetProfit.Equal(dec("-255.00")) {
		t.Fatalf("expected net profit -255.00, got %s", final.NetProfit)
	}

	_, err = svc.FinalizeReconciliation(managerCtx(), "2026-09-01")
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on double finalize, got %v", err)
	}

	// The physical return was posted through load reconcile.
	load, err := svc.GetTruckLoad(managerCtx(), loadResp.Load.ID)
	if err != nil {
		t.Fatalf("get load failed: %v", err)
	}
	if load.Load.Status != domain.LoadStatusReconciled {
		t.Fatalf("expected load reconciled by verify, got %s", load.Load.Status)
	}
	if load.Summary.TotalReturned != 9 {
		t.Fatalf("expected 9 returned on load, got %d", load.Summary.TotalReturned)
	}
}

// Sales recorded between start and verify must be reflected in every
// sale-derived field of the reconciliation item, not just the sold count.
func TestVerifyRefreshesSalesLandedAfterStart(t *testing.T) {
	svc := newTestService()
	receiveTwoBatches(t, svc, "2026-09-01")

	loadResp, err := svc.CreateTruckLoad(managerCtx(), domain.TruckLoadCreateRequest{
		TruckID:  "truck-1",
		LoadDate: "2026-09-01",
		Items: []domain.LoadItemRequest{
			{ProductID: "prod-milk-500", Quantity: 40},
		},
	})
	if err != nil {
		t.Fatalf("create truck load failed: %v", err)
	}

	if _, err := svc.StartReconciliation(managerCtx(), domain.ReconciliationStartRequest{
		ReconciliationDate: "2026-09-01",
	}); err != nil {
		t.Fatalf("start reconciliation failed: %v", err)
	}

	paid := dec("100.00")
	_, err = svc.CreateSale(driverCtx("ravi"), domain.SaleCreateRequest{
		ShopID:      "shop-1",
		TruckLoadID: loadResp.Load.ID,
		SaleDate:    "2026-09-01",
		AmountPaid:  &paid,
		Items: []domain.SaleItemRequest{
			{ProductID: "prod-milk-500", Quantity: 10},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	verified, err := svc.VerifyTruckReturn(managerCtx(), "2026-09-01", "truck-1", domain.TruckVerifyRequest{
		ItemsReturned: []domain.ProductQuantity{
			{ProductID: "prod-milk-500", Quantity: 30},
		},
	})
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	item := verified.Items[0]
	if item.ItemsSold != 10 {
		t.Fatalf("expected sold count refreshed to 10, got %d", item.ItemsSold)
	}
	// 10 x 23.00 sold, 10 x 1.50 commission, 100.00 collected.
	if !item.SalesAmount.Equal(dec("230.00")) {
		t.Fatalf("expected sales amount 230.00, got %s", item.SalesAmount)
	}
	if !item.CommissionEarned.Equal(dec("15.00")) {
		t.Fatalf("expected commission 15.00, got %s", item.CommissionEarned)
	}
	if !item.PaymentsCollected.Equal(dec("100.00")) {
		t.Fatalf("expected payments 100.00, got %s", item.PaymentsCollected)
	}
	if !item.PendingPayments.Equal(dec("130.00")) {
		t.Fatalf("expected pending 130.00, got %s", item.PendingPayments)
	}
	if item.HasDiscrepancy {
		t.Fatalf("full return must not flag a discrepancy: %+v", item)
	}
}

func TestDeleteTruckLoadRestoresStockAndBlocksAfterSale(t *testing.T) {
	svc := newTestService()
	receiveTwoBatches(t, svc, "2026-09-01")

	loadResp, err := svc.CreateTruckLoad(managerCtx(), domain.TruckLoadCreateRequest{
		TruckID:  "truck-1",
		LoadDate: "2026-09-01",
		Items: []domain.LoadItemRequest{
			{ProductID: "prod-milk-500", Quantity: 25},
		},
	})
	if err != nil {
		t.Fatalf("create truck load failed: %v", err)
	}

	if err := svc.DeleteTruckLoad(managerCtx(), loadResp.Load.ID); err != nil {
		t.Fatalf("delete load failed: %v", err)
	}

	batches, err := svc.ListBatches(managerCtx(), "prod-milk-500", true)
	if err != nil {
		t.Fatalf("list batches failed: %v", err)
	}
	total := 0
	for _, b := range batches {
		total += b.RemainingQuantity
	}
	if total != 150 {
		t.Fatalf("expected full restore to 150, got %d", total)
	}

	secondLoad, err := svc.CreateTruckLoad(managerCtx(), domain.TruckLoadCreateRequest{
		TruckID:  "truck-1",
		LoadDate: "2026-09-02",
		Items: []domain.LoadItemRequest{
			{ProductID: "prod-milk-500", Quantity: 10},
		},
	})
	if err != nil {
		t.Fatalf("second load failed: %v", err)
	}
	_, err = svc.CreateSale(driverCtx("ravi"), domain.SaleCreateRequest{
		ShopID:      "shop-1",
		TruckLoadID: secondLoad.Load.ID,
		Items: []domain.SaleItemRequest{
			{ProductID: "prod-milk-500", Quantity: 3},
		},
	})
	if err != nil {
		t.Fatalf("sale failed: %v", err)
	}

	if err := svc.DeleteTruckLoad(managerCtx(), secondLoad.Load.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict deleting load with sales, got %v", err)
	}
}

func TestPlanTruckLoadSuggestsWithoutMutating(t *testing.T) {
	svc := newTestService()
	receiveTwoBatches(t, svc, "2026-09-01")

	plan, err := svc.PlanTruckLoad(managerCtx(), domain.LoadPlanRequest{
		Demands: []domain.LoadDemand{
			{ProductID: "prod-milk-500", Quantity: 60},
		},
	})
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if !plan.Fulfilled || len(plan.Lines) != 2 {
		t.Fatalf("expected fulfilled 2-line plan, got %+v", plan)
	}
	if plan.Lines[0].BatchNumber != "BN-DAY3" || plan.Lines[0].Quantity != 50 {
		t.Fatalf("expected BN-DAY3 first, got %+v", plan.Lines[0])
	}

	batches, err := svc.ListBatches(managerCtx(), "prod-milk-500", true)
	if err != nil {
		t.Fatalf("list batches failed: %v", err)
	}
	total := 0
	for _, b := range batches {
		total += b.RemainingQuantity
	}
	if total != 150 {
		t.Fatalf("plan must not mutate stock, got %d", total)
	}
}

func TestAuditTrailCoversMutations(t *testing.T) {
	svc := newTestService()
	receiveTwoBatches(t, svc, "2026-09-01")

	logs, err := svc.ListAuditLogs(managerCtx(), time.Now().UTC().Format("2006-01-02"), 50)
	if err != nil {
		t.Fatalf("list audit logs failed: %v", err)
	}
	found := false
	for _, entry := range logs {
		if entry.Action == "delivery_receive" && entry.Actor == "manager" {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected delivery_receive audit entry")
	}
}
