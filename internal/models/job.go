package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status enumerates custody states persisted on jobs and status events.
type Status string

const (
	StatusPurchased           Status = "PURCHASED"
	StatusPackedReady         Status = "PACKED_READY"
	StatusDispatchedToFactory Status = "DISPATCHED_TO_FACTORY"
	StatusReceivedAtFactory   Status = "RECEIVED_AT_FACTORY"
	StatusReturnedFromFactory Status = "RETURNED_FROM_FACTORY"
	StatusReceivedAtShop      Status = "RECEIVED_AT_SHOP"
	StatusAddedToStock        Status = "ADDED_TO_STOCK"
	StatusHandedToDelivery    Status = "HANDED_TO_DELIVERY"
	StatusDelivered           Status = "DELIVERED_TO_CUSTOMER"
	StatusOnHold              Status = "ON_HOLD"
	StatusCancelled           Status = "CANCELLED"
)

// AllStatuses lists every status, happy path first.
var AllStatuses = []Status{
	StatusPurchased,
	StatusPackedReady,
	StatusDispatchedToFactory,
	StatusReceivedAtFactory,
	StatusReturnedFromFactory,
	StatusReceivedAtShop,
	StatusAddedToStock,
	StatusHandedToDelivery,
	StatusDelivered,
	StatusOnHold,
	StatusCancelled,
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Role is a label issued by the identity provider.
type Role string

const (
	RoleAdmin    Role = "Admin"
	RolePurchase Role = "Purchase"
	RolePacking  Role = "Packing"
	RoleDispatch Role = "Dispatch"
	RoleFactory  Role = "Factory"
	RoleQCStock  Role = "QC_Stock"
	RoleDelivery Role = "Delivery"
)

// AllRoles lists every known role.
var AllRoles = []Role{RoleAdmin, RolePurchase, RolePacking, RoleDispatch, RoleFactory, RoleQCStock, RoleDelivery}

func (r Role) Valid() bool {
	for _, v := range AllRoles {
		if v == r {
			return true
		}
	}
	return false
}

// Source tells whether an item came in as stock or as a repair.
type Source string

const (
	SourceStock  Source = "Stock"
	SourceRepair Source = "Repair"
)

func (s Source) Valid() bool {
	return s == SourceStock || s == SourceRepair
}

// RepairType distinguishes customer repairs from repairs on shop stock.
type RepairType string

const (
	RepairCustomer RepairType = "Customer Repair"
	RepairStock    RepairType = "Stock Repair"
)

func (r RepairType) Valid() bool {
	return r == RepairCustomer || r == RepairStock
}

// PhotoRef points at an object owned by the blob store.
type PhotoRef struct {
	Key      string `json:"key"`
	URL      string `json:"url"`
	ThumbURL string `json:"thumb_url,omitempty"`
}

// Job is one physical item under custody.
// CurrentStatus, HolderRole, HolderID and LastScanAt are a projection of
// the job's status events and are only written by the transition engine.
type Job struct {
	ID               string              `json:"id"`
	Code             string              `json:"code"`
	CustomerName     string              `json:"customer_name,omitempty"`
	CustomerPhone    string              `json:"customer_phone,omitempty"`
	Description      string              `json:"description"`
	Source           Source              `json:"source"`
	RepairType       RepairType          `json:"repair_type,omitempty"`
	WorkNarration    string              `json:"work_narration,omitempty"`
	TargetReturnDate *time.Time          `json:"target_return_date,omitempty"`
	FactoryID        string              `json:"factory_id,omitempty"`
	VoucherNo        string              `json:"voucher_no,omitempty"`
	Weight           decimal.NullDecimal `json:"approximate_weight"`
	PurchaseValue    decimal.NullDecimal `json:"purchase_value"`
	DiamondCent      decimal.NullDecimal `json:"diamond_cent"`
	Notes            string              `json:"notes,omitempty"`
	Photos           []PhotoRef          `json:"photos"`
	CurrentStatus    Status              `json:"current_status"`
	HolderRole       Role                `json:"current_holder_role"`
	HolderID         string              `json:"current_holder_id,omitempty"`
	LastScanAt       *time.Time          `json:"last_scan_at,omitempty"`
	Version          int64               `json:"version"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// FieldChange records one edited field.
type FieldChange struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// JobEdit is the audit row written for an admin field edit.
type JobEdit struct {
	ID         string                 `json:"id"`
	JobID      string                 `json:"job_id"`
	EditedBy   string                 `json:"edited_by"`
	EditedRole Role                   `json:"edited_role"`
	Reason     string                 `json:"reason"`
	Changes    map[string]FieldChange `json:"changes"`
	EditedAt   time.Time              `json:"edited_at"`
}
