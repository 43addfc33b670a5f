package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reference entities. The engine reads these; their lifecycle management is
// handled elsewhere.

type Product struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Unit              string          `json:"unit"`
	WholesalePrice    decimal.Decimal `json:"wholesale_price"`
	CommissionPerUnit decimal.Decimal `json:"commission_per_unit"`
	Active            bool            `json:"active"`
}

type Truck struct {
	ID                string          `json:"id"`
	TruckNumber       string          `json:"truck_number"`
	DriverUsername    string          `json:"driver_username"`
	MaxAllowanceLimit decimal.Decimal `json:"max_allowance_limit"`
	Active            bool            `json:"active"`
}

type Shop struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Area   string `json:"area"`
	Active bool   `json:"active"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type Actor struct {
	Username string
	Role     string
}

// Batch is a dated lot of one product. RemainingQuantity is mutated only via
// movement recording; consumers never write it directly.
type Batch struct {
	ID                string    `json:"id"`
	ProductID         string    `json:"product_id"`
	BatchNumber       string    `json:"batch_number"`
	Quantity          int       `json:"quantity"`
	RemainingQuantity int       `json:"remaining_quantity"`
	ExpiryDate        time.Time `json:"expiry_date"`
	ReceivedAt        time.Time `json:"received_at"`
	CreatedAt         time.Time `json:"created_at"`
}

type BatchView struct {
	Batch
	ProductName string `json:"product_name"`
	Status      string `json:"status"`
}

type StockMovement struct {
	ID            string    `json:"id"`
	BatchID       string    `json:"batch_id"`
	ProductID     string    `json:"product_id"`
	Type          string    `json:"movement_type"`
	Quantity      int       `json:"quantity"`
	ReferenceType string    `json:"reference_type"`
	ReferenceID   string    `json:"reference_id"`
	Reason        string    `json:"reason,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	CreatedBy     string    `json:"created_by,omitempty"`
	MovementDate  time.Time `json:"movement_date"`
	CreatedAt     time.Time `json:"created_at"`
}

type TruckLoad struct {
	ID        string          `json:"id"`
	TruckID   string          `json:"truck_id"`
	LoadDate  time.Time       `json:"load_date"`
	Status    string          `json:"status"`
	LoadedBy  string          `json:"loaded_by"`
	Notes     string          `json:"notes,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Items     []TruckLoadItem `json:"items"`
}

type TruckLoadItem struct {
	ID               string    `json:"id"`
	LoadID           string    `json:"load_id"`
	BatchID          string    `json:"batch_id"`
	BatchNumber      string    `json:"batch_number"`
	ProductID        string    `json:"product_id"`
	ExpiryDate       time.Time `json:"expiry_date"`
	QuantityLoaded   int       `json:"quantity_loaded"`
	QuantitySold     int       `json:"quantity_sold"`
	QuantityReturned int       `json:"quantity_returned"`
}

// Available is the sellable remainder on the truck for this line.
func (i TruckLoadItem) Available() int {
	return i.QuantityLoaded - i.QuantitySold - i.QuantityReturned
}

// LostDamaged is the implied loss once the owning load is reconciled; zero
// while the truck is still out.
func (i TruckLoadItem) LostDamaged(loadStatus string) int {
	if loadStatus != LoadStatusReconciled {
		return 0
	}
	return i.QuantityLoaded - i.QuantitySold - i.QuantityReturned
}

type TruckLoadSummary struct {
	TotalLoaded      int `json:"total_loaded"`
	TotalSold        int `json:"total_sold"`
	TotalReturned    int `json:"total_returned"`
	TotalLostDamaged int `json:"total_lost_damaged"`
	ProductLines     int `json:"product_lines"`
}

type Sale struct {
	ID            string          `json:"id"`
	ShopID        string          `json:"shop_id"`
	TruckLoadID   string          `json:"truck_load_id"`
	TruckID       string          `json:"truck_id"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	PaymentStatus string          `json:"payment_status"`
	SaleDate      time.Time       `json:"sale_date"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
	Items         []SaleItem      `json:"items"`
}

type SaleItem struct {
	ID               string          `json:"id"`
	SaleID           string          `json:"sale_id"`
	ProductID        string          `json:"product_id"`
	BatchID          string          `json:"batch_id"`
	Quantity         int             `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	CommissionEarned decimal.Decimal `json:"commission_earned"`
	LineTotal        decimal.Decimal `json:"line_total"`
}

type SaleSummary struct {
	TotalItems      int             `json:"total_items"`
	TotalCommission decimal.Decimal `json:"total_commission"`
	BalanceDue      decimal.Decimal `json:"balance_due"`
}

type TransportAllowance struct {
	ID              string           `json:"id"`
	AllowanceDate   time.Time        `json:"allowance_date"`
	TotalAllowance  decimal.Decimal  `json:"total_allowance"`
	AllocatedAmount decimal.Decimal  `json:"allocated_amount"`
	Status          string           `json:"status"`
	Notes           string           `json:"notes,omitempty"`
	CreatedBy       string           `json:"created_by"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	Trucks          []TruckAllowance `json:"truck_allocations"`
}

// Remaining is the unallocated slice of the pool.
func (a TransportAllowance) Remaining() decimal.Decimal {
	return a.TotalAllowance.Sub(a.AllocatedAmount)
}

type TruckAllowance struct {
	ID          string          `json:"id"`
	AllowanceID string          `json:"allowance_id"`
	TruckID     string          `json:"truck_id"`
	Amount      decimal.Decimal `json:"amount"`
	DistanceKM  *float64        `json:"distance_km,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type DailyReconciliation struct {
	ID                  string               `json:"id"`
	ReconciliationDate  time.Time            `json:"reconciliation_date"`
	Status              string               `json:"status"`
	TrucksOut           int                  `json:"trucks_out"`
	TrucksVerified      int                  `json:"trucks_verified"`
	TotalItemsLoaded    int                  `json:"total_items_loaded"`
	TotalItemsSold      int                  `json:"total_items_sold"`
	TotalItemsReturned  int                  `json:"total_items_returned"`
	TotalItemsDiscarded int                  `json:"total_items_discarded"`
	TotalSalesAmount    decimal.Decimal      `json:"total_sales_amount"`
	TotalCommission     decimal.Decimal      `json:"total_commission_earned"`
	TotalAllowance      decimal.Decimal      `json:"total_allowance_allocated"`
	TotalPayments       decimal.Decimal      `json:"total_payments_collected"`
	PendingPayments     decimal.Decimal      `json:"pending_payments"`
	NetProfit           decimal.Decimal      `json:"net_profit"`
	StartedBy           string               `json:"started_by"`
	StartedAt           time.Time            `json:"started_at"`
	FinalizedBy         string               `json:"finalized_by,omitempty"`
	FinalizedAt         *time.Time           `json:"finalized_at,omitempty"`
	Notes               string               `json:"notes,omitempty"`
	Items               []ReconciliationItem `json:"truck_items"`
}

type ReconciliationItem struct {
	ID                string          `json:"id"`
	ReconciliationID  string          `json:"reconciliation_id"`
	TruckID           string          `json:"truck_id"`
	TruckLoadID       string          `json:"truck_load_id"`
	ItemsLoaded       int             `json:"items_loaded"`
	ItemsSold         int             `json:"items_sold"`
	ItemsReturned     int             `json:"items_returned"`
	ItemsDiscarded    int             `json:"items_discarded"`
	IsVerified        bool            `json:"is_verified"`
	HasDiscrepancy    bool            `json:"has_discrepancy"`
	DiscrepancyNotes  string          `json:"discrepancy_notes,omitempty"`
	SalesAmount       decimal.Decimal `json:"sales_amount"`
	CommissionEarned  decimal.Decimal `json:"commission_earned"`
	AllowanceReceived decimal.Decimal `json:"allowance_received"`
	PaymentsCollected decimal.Decimal `json:"payments_collected"`
	PendingPayments   decimal.Decimal `json:"pending_payments"`
	VerifiedBy        string          `json:"verified_by,omitempty"`
	VerifiedAt        *time.Time      `json:"verified_at,omitempty"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	Actor      string    `json:"actor"`
	Role       string    `json:"role"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Request / response shapes.

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string `json:"token"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	ExpiresIn int64  `json:"expires_in"`
}

type DeliveryItemRequest struct {
	ProductID   string `json:"product_id"`
	BatchNumber string `json:"batch_number"`
	Quantity    int    `json:"quantity"`
	ExpiryDate  string `json:"expiry_date"`
}

type DeliveryCreateRequest struct {
	DeliveryDate string                `json:"delivery_date"`
	Supplier     string                `json:"supplier,omitempty"`
	Notes        string                `json:"notes,omitempty"`
	Items        []DeliveryItemRequest `json:"items"`
}

type DeliveryResponse struct {
	ReceiptNumber string      `json:"receipt_number"`
	DeliveryDate  time.Time   `json:"delivery_date"`
	Batches       []BatchView `json:"batches"`
}

// LoadItemRequest is a tagged union: exactly one of BatchID (manual pick) or
// ProductID (automatic FIFO draw) must be set.
type LoadItemRequest struct {
	BatchID   string `json:"batch_id,omitempty"`
	ProductID string `json:"product_id,omitempty"`
	Quantity  int    `json:"quantity_loaded"`
}

type TruckLoadCreateRequest struct {
	TruckID  string            `json:"truck_id"`
	LoadDate string            `json:"load_date"`
	Notes    string            `json:"notes,omitempty"`
	Items    []LoadItemRequest `json:"items"`
}

type TruckLoadResponse struct {
	Load    TruckLoad        `json:"load"`
	Summary TruckLoadSummary `json:"summary"`
}

type LoadReturnRequest struct {
	BatchID          string `json:"batch_id"`
	QuantityReturned int    `json:"quantity_returned"`
}

type TruckLoadReconcileRequest struct {
	Returns []LoadReturnRequest `json:"returns"`
}

type LoadDemand struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type LoadPlanRequest struct {
	Demands []LoadDemand `json:"demands"`
}

type LoadPlanLine struct {
	BatchID      string    `json:"batch_id"`
	BatchNumber  string    `json:"batch_number"`
	ProductID    string    `json:"product_id"`
	Quantity     int       `json:"quantity"`
	ExpiryDate   time.Time `json:"expiry_date"`
	ExpiringSoon bool      `json:"expiring_soon"`
}

type LoadPlanShortfall struct {
	ProductID string `json:"product_id"`
	Needed    int    `json:"needed"`
	Available int    `json:"available"`
}

type LoadPlanResponse struct {
	Lines      []LoadPlanLine      `json:"lines"`
	Shortfalls []LoadPlanShortfall `json:"shortfalls,omitempty"`
	Fulfilled  bool                `json:"fulfilled"`
}

type SaleItemRequest struct {
	ProductID string           `json:"product_id"`
	Quantity  int              `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
}

type SaleCreateRequest struct {
	ShopID      string            `json:"shop_id"`
	TruckLoadID string            `json:"truck_load_id"`
	SaleDate    string            `json:"sale_date"`
	AmountPaid  *decimal.Decimal  `json:"amount_paid,omitempty"`
	Items       []SaleItemRequest `json:"items"`
}

type SaleResponse struct {
	Sale    Sale        `json:"sale"`
	Summary SaleSummary `json:"summary"`
}

type SalePaymentRequest struct {
	AdditionalPayment decimal.Decimal `json:"additional_payment"`
}

type SaleListFilter struct {
	Date          string
	TruckID       string
	ShopID        string
	PaymentStatus string
	Limit         int
}

type AllowanceCreateRequest struct {
	AllowanceDate  string          `json:"allowance_date"`
	TotalAllowance decimal.Decimal `json:"total_allowance"`
	Notes          string          `json:"notes,omitempty"`
}

type TruckAllocationRequest struct {
	TruckID    string          `json:"truck_id"`
	Amount     decimal.Decimal `json:"amount"`
	DistanceKM *float64        `json:"distance_km,omitempty"`
	Notes      string          `json:"notes,omitempty"`
}

type AllowanceAllocateRequest struct {
	Allocations []TruckAllocationRequest `json:"allocations"`
}

type TruckAllocationUpdateRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	DistanceKM *float64        `json:"distance_km,omitempty"`
	Notes      string          `json:"notes,omitempty"`
}

type AllowanceSummary struct {
	ID              string          `json:"id"`
	AllowanceDate   time.Time       `json:"allowance_date"`
	TotalAllowance  decimal.Decimal `json:"total_allowance"`
	AllocatedAmount decimal.Decimal `json:"allocated_amount"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	Status          string          `json:"status"`
	TruckCount      int             `json:"truck_count"`
}

type ReconciliationStartRequest struct {
	ReconciliationDate string `json:"reconciliation_date"`
	Notes              string `json:"notes,omitempty"`
}

type ProductQuantity struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type DiscardedItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Reason    string `json:"reason"`
}

type TruckVerifyRequest struct {
	ItemsReturned    []ProductQuantity `json:"items_returned"`
	ItemsDiscarded   []DiscardedItem   `json:"items_discarded"`
	DiscrepancyNotes string            `json:"discrepancy_notes,omitempty"`
}

type ReconciliationSummary struct {
	ID                 string          `json:"id"`
	ReconciliationDate time.Time       `json:"reconciliation_date"`
	Status             string          `json:"status"`
	TrucksOut          int             `json:"trucks_out"`
	TrucksVerified     int             `json:"trucks_verified"`
	NetProfit          decimal.Decimal `json:"net_profit"`
	ProfitStatus       string          `json:"profit_status"`
	StartedAt          time.Time       `json:"started_at"`
	FinalizedAt        *time.Time      `json:"finalized_at,omitempty"`
}

type StockAdjustmentRequest struct {
	BatchID      string `json:"batch_id"`
	Quantity     int    `json:"quantity"`
	MovementType string `json:"movement_type"`
	Reason       string `json:"reason"`
	Notes        string `json:"notes,omitempty"`
}

type MovementDetail struct {
	ID             string    `json:"id"`
	Type           string    `json:"movement_type"`
	Quantity       int       `json:"quantity"`
	ReferenceType  string    `json:"reference_type"`
	ReferenceID    string    `json:"reference_id"`
	Notes          string    `json:"notes,omitempty"`
	CreatedBy      string    `json:"created_by,omitempty"`
	MovementDate   time.Time `json:"movement_date"`
	RunningBalance int       `json:"running_balance"`
}

type BatchMovementHistory struct {
	BatchID          string           `json:"batch_id"`
	BatchNumber      string           `json:"batch_number"`
	ProductID        string           `json:"product_id"`
	InitialQuantity  int              `json:"initial_quantity"`
	CurrentRemaining int              `json:"current_remaining"`
	Movements        []MovementDetail `json:"movements"`
}

// Movement types. Inflows credit a batch, outflows consume it.
const (
	MovementDeliveryIn    = "delivery_in"
	MovementTruckLoadOut  = "truck_load_out"
	MovementSaleOut       = "sale_out"
	MovementTruckReturnIn = "truck_return_in"
	MovementAdjustment    = "adjustment"
	MovementExpiredOut    = "expired_out"
)

func IsInflowMovement(movementType string) bool {
	switch movementType {
	case MovementDeliveryIn, MovementTruckReturnIn, MovementAdjustment:
		return true
	}
	return false
}

func IsValidMovementType(movementType string) bool {
	switch movementType {
	case MovementDeliveryIn, MovementTruckLoadOut, MovementSaleOut,
		MovementTruckReturnIn, MovementAdjustment, MovementExpiredOut:
		return true
	}
	return false
}

const (
	LoadStatusLoaded     = "loaded"
	LoadStatusReconciled = "reconciled"

	AllowanceStatusPending   = "pending"
	AllowanceStatusAllocated = "allocated"
	AllowanceStatusFinalized = "finalized"

	ReconStatusInProgress = "in_progress"
	ReconStatusCompleted  = "completed"
	ReconStatusFinalized  = "finalized"

	PaymentStatusPending = "pending"
	PaymentStatusPaid    = "paid"

	BatchStatusAvailable = "available"
	BatchStatusEmpty     = "empty"
	BatchStatusExpired   = "expired"

	RoleManager = "manager"
	RoleDriver  = "driver"
)

// Status transitions are closed per entity; every state change funnels
// through these checks.
var (
	loadTransitions = map[string][]string{
		LoadStatusLoaded: {LoadStatusReconciled},
	}
	allowanceTransitions = map[string][]string{
		AllowanceStatusPending:   {AllowanceStatusAllocated, AllowanceStatusFinalized},
		AllowanceStatusAllocated: {AllowanceStatusFinalized},
	}
	reconTransitions = map[string][]string{
		ReconStatusInProgress: {ReconStatusCompleted, ReconStatusFinalized},
		ReconStatusCompleted:  {ReconStatusFinalized},
	}
)

func CanTransitionLoad(from, to string) bool {
	return containsTransition(loadTransitions, from, to)
}

func CanTransitionAllowance(from, to string) bool {
	return containsTransition(allowanceTransitions, from, to)
}

func CanTransitionRecon(from, to string) bool {
	return containsTransition(reconTransitions, from, to)
}

func containsTransition(table map[string][]string, from, to string) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

// BatchStatusOf derives the display status used by batch listings.
func BatchStatusOf(b Batch, today time.Time) string {
	if b.RemainingQuantity <= 0 {
		return BatchStatusEmpty
	}
	if b.ExpiryDate.Before(today) {
		return BatchStatusExpired
	}
	return BatchStatusAvailable
}
