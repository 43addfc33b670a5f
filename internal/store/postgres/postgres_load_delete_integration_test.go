package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"milkrun/backend/internal/domain"
	"milkrun/backend/internal/store"
)

func TestDeleteTruckLoadRestocksBatches(t *testing.T) {
	databaseURL := os.Getenv("MILKRUN_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set MILKRUN_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prod-it-%d", stamp)
	truckID := fmt.Sprintf("truck-it-%d", stamp)
	batchNumber := fmt.Sprintf("BN-IT-%d", stamp)
	receiptNumber := fmt.Sprintf("DLV-IT-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM truck_load_items WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM truck_loads WHERE truck_id = $1`, truckID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM batches WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM trucks WHERE id = $1`, truckID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, unit, wholesale_price, commission_per_unit, active)
		VALUES ($1, 'Integration Milk 500ml', 'packet', 23.00, 1.50, true)
	`, productID); err != nil {
		t.Fatalf("insert product: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO trucks (id, truck_number, driver_username, max_allowance_limit, active)
		VALUES ($1, $2, 'driver-it', 4000.00, true)
	`, truckID, fmt.Sprintf("KA-IT-%d", stamp%10000)); err != nil {
		t.Fatalf("insert truck: %v", err)
	}

	day := time.Now().UTC()
	batches, err := s.ReceiveDelivery(ctx, receiptNumber, day, "manager", []store.BatchInput{
		{ProductID: productID, BatchNumber: batchNumber, Quantity: 50, ExpiryDate: day.AddDate(0, 0, 5)},
	})
	if err != nil {
		t.Fatalf("receive delivery: %v", err)
	}
	if len(batches) != 1 || batches[0].RemainingQuantity != 50 {
		t.Fatalf("expected one batch with 50 remaining, got %+v", batches)
	}

	load, err := s.CreateTruckLoad(ctx, truckID, day, "manager", "", []domain.LoadItemRequest{
		{ProductID: productID, Quantity: 30},
	})
	if err != nil {
		t.Fatalf("create truck load: %v", err)
	}

	var remaining int
	if err := s.db.QueryRowContext(ctx, `
		SELECT remaining_quantity FROM batches WHERE id = $1
	`, batches[0].ID).Scan(&remaining); err != nil {
		t.Fatalf("query batch: %v", err)
	}
	if remaining != 20 {
		t.Fatalf("expected 20 remaining after loading 30, got %d", remaining)
	}

	if err := s.DeleteTruckLoad(ctx, load.ID); err != nil {
		t.Fatalf("delete truck load: %v", err)
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT remaining_quantity FROM batches WHERE id = $1
	`, batches[0].ID).Scan(&remaining); err != nil {
		t.Fatalf("query batch: %v", err)
	}
	if remaining != 50 {
		t.Fatalf("expected stock restored to 50 after load delete, got %d", remaining)
	}

	var loadCount int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM truck_loads WHERE id = $1
	`, load.ID).Scan(&loadCount); err != nil {
		t.Fatalf("query load: %v", err)
	}
	if loadCount != 0 {
		t.Fatalf("expected load row removed, found %d", loadCount)
	}

	movements, err := s.GetBatchMovements(ctx, batches[0].ID)
	if err != nil {
		t.Fatalf("batch movements: %v", err)
	}
	balance := 0
	for _, m := range movements {
		if domain.IsInflowMovement(m.Type) {
			balance += m.Quantity
		} else if m.Type != domain.MovementSaleOut {
			balance -= m.Quantity
		}
	}
	if balance != 50 {
		t.Fatalf("ledger replay expected 50, got %d", balance)
	}
}
