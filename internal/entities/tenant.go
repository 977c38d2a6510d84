package entities

import "time"

type Tenant struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Instance is a WhatsApp number attached to a tenant.
type Instance struct {
	ID                    string    `json:"id"`
	TenantID              string    `json:"tenant_id"`
	Name                  string    `json:"name"`
	BrokerID              string    `json:"broker_id,omitempty"`
	Phone                 string    `json:"phone,omitempty"`
	AutoProvisionSource   string    `json:"auto_provision_source,omitempty"`
	AutoProvisionBrokerID string    `json:"auto_provision_broker_id,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}

type Queue struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Campaign struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	InstanceID  string    `json:"instance_id"`
	AgreementID string    `json:"agreement_id,omitempty"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	IsFallback  bool      `json:"is_fallback"`
	CreatedAt   time.Time `json:"created_at"`
}

type Contact struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name,omitempty"`
	Document  string    `json:"document,omitempty"`
	JID       string    `json:"jid,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Ticket struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	ContactID   string    `json:"contact_id"`
	QueueID     string    `json:"queue_id"`
	InstanceID  string    `json:"instance_id"`
	ChatID      string    `json:"chat_id"`
	AgreementID string    `json:"agreement_id,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

const TicketStatusOpen = "OPEN"

// TicketRequest carries everything needed to open a ticket when none is open for the chat.
type TicketRequest struct {
	TenantID   string
	ChatID     string
	InstanceID string
	ContactID  string
	QueueID    string
}

type Lead struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	ContactID string    `json:"contact_id"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name,omitempty"`
	Document  string    `json:"document,omitempty"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AllocationTarget selects either a campaign or an instance as the allocation destination.
type AllocationTarget struct {
	CampaignID string `json:"campaignId,omitempty"`
	InstanceID string `json:"instanceId,omitempty"`
}

type AllocationSummary struct {
	Requested int `json:"requested"`
	Allocated int `json:"allocated"`
	Skipped   int `json:"skipped"`
}

type Allocation struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	CampaignID string    `json:"campaignId,omitempty"`
	InstanceID string    `json:"instanceId,omitempty"`
	LeadID     string    `json:"leadId"`
	CreatedAt  time.Time `json:"createdAt"`
}

type AllocationResult struct {
	NewlyAllocated []Allocation      `json:"newlyAllocated"`
	Summary        AllocationSummary `json:"summary"`
}
