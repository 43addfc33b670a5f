package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"milkrun/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("conflict")
	ErrForbidden         = errors.New("forbidden")
)

// BatchInput is one validated delivery line handed to ReceiveDelivery.
type BatchInput struct {
	ProductID   string
	BatchNumber string
	Quantity    int
	ExpiryDate  time.Time
}

// Repository is the persistence boundary of the engine. Every multi-step
// operation (FIFO draw, cap check plus insert, reconciliation aggregation)
// runs atomically inside the implementation.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	GetTruck(ctx context.Context, id string) (*domain.Truck, error)
	ListTrucks(ctx context.Context) ([]domain.Truck, error)
	GetShop(ctx context.Context, id string) (*domain.Shop, error)
	ListShops(ctx context.Context) ([]domain.Shop, error)

	ReceiveDelivery(ctx context.Context, receiptNumber string, deliveryDate time.Time, createdBy string, lines []BatchInput) ([]domain.Batch, error)
	ListBatches(ctx context.Context, productID string, includeEmpty bool) ([]domain.Batch, error)
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	ListAvailableBatches(ctx context.Context, productID string) ([]domain.Batch, error)
	GetBatchMovements(ctx context.Context, batchID string) ([]domain.StockMovement, error)
	AdjustStock(ctx context.Context, adjustment domain.StockMovement) (*domain.Batch, error)

	CreateTruckLoad(ctx context.Context, truckID string, loadDate time.Time, loadedBy string, notes string, items []domain.LoadItemRequest) (*domain.TruckLoad, error)
	GetTruckLoad(ctx context.Context, id string) (*domain.TruckLoad, error)
	ListTruckLoads(ctx context.Context, date time.Time, truckID string) ([]domain.TruckLoad, error)
	ReconcileTruckLoad(ctx context.Context, loadID string, returns []domain.LoadReturnRequest) (*domain.TruckLoad, error)
	DeleteTruckLoad(ctx context.Context, loadID string) error

	CreateSale(ctx context.Context, sale domain.Sale, items []domain.SaleItemRequest) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleListFilter) ([]domain.Sale, error)
	RecordSalePayment(ctx context.Context, saleID string, additional decimal.Decimal) (*domain.Sale, error)

	CreateAllowance(ctx context.Context, allowance domain.TransportAllowance) (*domain.TransportAllowance, error)
	GetAllowance(ctx context.Context, id string) (*domain.TransportAllowance, error)
	ListAllowances(ctx context.Context) ([]domain.AllowanceSummary, error)
	AllocateAllowance(ctx context.Context, allowanceID string, entries []domain.TruckAllocationRequest) (*domain.TransportAllowance, error)
	UpdateTruckAllocation(ctx context.Context, allowanceID string, truckID string, req domain.TruckAllocationUpdateRequest) (*domain.TransportAllowance, error)
	FinalizeAllowance(ctx context.Context, allowanceID string) (*domain.TransportAllowance, error)
	DeleteAllowance(ctx context.Context, allowanceID string) error

	StartReconciliation(ctx context.Context, date time.Time, startedBy string, notes string) (*domain.DailyReconciliation, error)
	GetReconciliationByDate(ctx context.Context, date time.Time) (*domain.DailyReconciliation, error)
	ListReconciliations(ctx context.Context, limit int) ([]domain.ReconciliationSummary, error)
	VerifyTruckReturn(ctx context.Context, date time.Time, truckID string, req domain.TruckVerifyRequest, verifiedBy string) (*domain.DailyReconciliation, error)
	FinalizeReconciliation(ctx context.Context, date time.Time, finalizedBy string) (*domain.DailyReconciliation, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
}
