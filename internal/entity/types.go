package entity

import (
	"time"

	"github.com/roach88/crmsync/internal/ir"
)

// User is a person with an account in the host application.
type User struct {
	Meta
	Email      string
	FirstName  string
	LastName   string
	Phone      string
	Title      string
	Locale     string
	Active     bool
	CompanyID  string
	LocationID string
}

func (*User) Type() ir.EntityType { return ir.EntityUser }

// Company is a customer organisation.
type Company struct {
	Meta
	Name             string
	Website          string
	Industry         string
	Phone            string
	EmployeeCount    int64
	BillingCountry   string
	ParentID         string
	PrimaryContactID string
}

func (*Company) Type() ir.EntityType { return ir.EntityCompany }

// Location is a physical site of a company.
type Location struct {
	Meta
	Name       string
	Street     string
	City       string
	Region     string
	PostalCode string
	Country    string
	Phone      string
	CompanyID  string
}

func (*Location) Type() ir.EntityType { return ir.EntityLocation }

// Ticket is a support request.
type Ticket struct {
	Meta
	Subject     string
	Description string
	Status      string
	Priority    string
	CompanyID   string
	RequesterID string
	AssigneeID  string
	OpenedAt    time.Time
	ClosedAt    time.Time
}

func (*Ticket) Type() ir.EntityType { return ir.EntityTicket }

// CustomRecord is a tenant defined record with free-form fields, addressed
// by the "fields.<name>" path.
type CustomRecord struct {
	Meta
	Kind      string
	Name      string
	OwnerID   string
	CompanyID string
	Fields    ir.Object
}

func (*CustomRecord) Type() ir.EntityType { return ir.EntityCustomRecord }

const customFieldPrefix = "fields."

func customField(path, name string) Field {
	return Field{
		Path: path,
		Get: func(e Entity) ir.Value {
			v, ok := e.(*CustomRecord).Fields[name]
			if !ok {
				return ir.Null{}
			}
			return v
		},
		Set: func(e Entity, v ir.Value) error {
			r := e.(*CustomRecord)
			if r.Fields == nil {
				r.Fields = ir.Object{}
			}
			if v == nil {
				v = ir.Null{}
			}
			r.Fields[name] = v
			return nil
		},
	}
}

var tables = map[ir.EntityType]table{
	ir.EntityUser: index(
		text("email", func(u *User) *string { return &u.Email }),
		text("first_name", func(u *User) *string { return &u.FirstName }),
		text("last_name", func(u *User) *string { return &u.LastName }),
		text("phone", func(u *User) *string { return &u.Phone }),
		text("title", func(u *User) *string { return &u.Title }),
		text("locale", func(u *User) *string { return &u.Locale }),
		boolean("active", func(u *User) *bool { return &u.Active }),
		ref("company_id", ir.EntityCompany, func(u *User) *string { return &u.CompanyID }),
		ref("location_id", ir.EntityLocation, func(u *User) *string { return &u.LocationID }),
	),
	ir.EntityCompany: index(
		text("name", func(c *Company) *string { return &c.Name }),
		text("website", func(c *Company) *string { return &c.Website }),
		text("industry", func(c *Company) *string { return &c.Industry }),
		text("phone", func(c *Company) *string { return &c.Phone }),
		integer("employee_count", func(c *Company) *int64 { return &c.EmployeeCount }),
		text("billing_country", func(c *Company) *string { return &c.BillingCountry }),
		ref("parent_id", ir.EntityCompany, func(c *Company) *string { return &c.ParentID }),
		ref("primary_contact_id", ir.EntityUser, func(c *Company) *string { return &c.PrimaryContactID }),
	),
	ir.EntityLocation: index(
		text("name", func(l *Location) *string { return &l.Name }),
		text("street", func(l *Location) *string { return &l.Street }),
		text("city", func(l *Location) *string { return &l.City }),
		text("region", func(l *Location) *string { return &l.Region }),
		text("postal_code", func(l *Location) *string { return &l.PostalCode }),
		text("country", func(l *Location) *string { return &l.Country }),
		text("phone", func(l *Location) *string { return &l.Phone }),
		ref("company_id", ir.EntityCompany, func(l *Location) *string { return &l.CompanyID }),
	),
	ir.EntityTicket: index(
		text("subject", func(t *Ticket) *string { return &t.Subject }),
		text("description", func(t *Ticket) *string { return &t.Description }),
		text("status", func(t *Ticket) *string { return &t.Status }),
		text("priority", func(t *Ticket) *string { return &t.Priority }),
		ref("company_id", ir.EntityCompany, func(t *Ticket) *string { return &t.CompanyID }),
		ref("requester_id", ir.EntityUser, func(t *Ticket) *string { return &t.RequesterID }),
		ref("assignee_id", ir.EntityUser, func(t *Ticket) *string { return &t.AssigneeID }),
		timestamp("opened_at", func(t *Ticket) *time.Time { return &t.OpenedAt }),
		timestamp("closed_at", func(t *Ticket) *time.Time { return &t.ClosedAt }),
	),
	ir.EntityCustomRecord: index(
		text("kind", func(r *CustomRecord) *string { return &r.Kind }),
		text("name", func(r *CustomRecord) *string { return &r.Name }),
		ref("owner_id", ir.EntityUser, func(r *CustomRecord) *string { return &r.OwnerID }),
		ref("company_id", ir.EntityCompany, func(r *CustomRecord) *string { return &r.CompanyID }),
	),
}
