package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crmsync/internal/ir"
)

func TestEveryTypeHasTable(t *testing.T) {
	for _, typ := range ir.EntityTypes {
		e, err := New(typ, "1")
		require.NoError(t, err)
		assert.Equal(t, typ, e.Type())
		assert.Equal(t, "1", e.LocalID())
		assert.NotEmpty(t, Paths(typ), "%s has no accessor table", typ)
	}
}

func TestNewUnknownType(t *testing.T) {
	_, err := New(ir.EntityType("Invoice"), "1")
	assert.Error(t, err)
}

func TestLookupReferenceFields(t *testing.T) {
	f, ok := Lookup(ir.EntityUser, "company_id")
	require.True(t, ok)
	assert.True(t, f.IsReference())
	assert.Equal(t, ir.EntityCompany, f.References)

	f, ok = Lookup(ir.EntityUser, "email")
	require.True(t, ok)
	assert.False(t, f.IsReference())

	_, ok = Lookup(ir.EntityUser, "salary")
	assert.False(t, ok)
}

func TestBuildAndGet(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e, err := Build(ir.EntityCompany, "42", at, ir.Object{
		"name":           ir.String("Acme"),
		"employee_count": ir.String("12"),
		"website":        ir.Null{},
	})
	require.NoError(t, err)

	c, ok := e.(*Company)
	require.True(t, ok)
	assert.Equal(t, "Acme", c.Name)
	assert.Equal(t, int64(12), c.EmployeeCount)
	assert.Equal(t, at, c.ModifiedAt())

	name, _ := Lookup(ir.EntityCompany, "name")
	assert.Equal(t, ir.String("Acme"), name.Get(e))
	website, _ := Lookup(ir.EntityCompany, "website")
	assert.Equal(t, ir.Null{}, website.Get(e), "empty text reads as null")
}

func TestBuildRejectsBadValues(t *testing.T) {
	_, err := Build(ir.EntityCompany, "1", time.Time{}, ir.Object{"employee_count": ir.String("many")})
	assert.Error(t, err)

	_, err = Build(ir.EntityCompany, "1", time.Time{}, ir.Object{"nope": ir.String("x")})
	assert.Error(t, err)
}

func TestTimestampField(t *testing.T) {
	e, err := Build(ir.EntityTicket, "T-1", time.Time{}, ir.Object{"opened_at": ir.String("2026-01-02T03:04:05Z")})
	require.NoError(t, err)

	f, _ := Lookup(ir.EntityTicket, "opened_at")
	assert.Equal(t, ir.String("2026-01-02T03:04:05Z"), f.Get(e))

	closed, _ := Lookup(ir.EntityTicket, "closed_at")
	assert.Equal(t, ir.Null{}, closed.Get(e))
}

func TestCustomRecordFields(t *testing.T) {
	f, ok := Lookup(ir.EntityCustomRecord, "fields.tier")
	require.True(t, ok)

	e, err := New(ir.EntityCustomRecord, "R-1")
	require.NoError(t, err)
	assert.Equal(t, ir.Null{}, f.Get(e))

	require.NoError(t, f.Set(e, ir.String("gold")))
	assert.Equal(t, ir.String("gold"), f.Get(e))

	_, ok = Lookup(ir.EntityCustomRecord, "fields.")
	assert.False(t, ok)
	_, ok = Lookup(ir.EntityCompany, "fields.tier")
	assert.False(t, ok)
}

func TestCloneIsDeep(t *testing.T) {
	e, err := Build(ir.EntityCustomRecord, "R-1", time.Time{}, ir.Object{"fields.tier": ir.String("gold")})
	require.NoError(t, err)

	c := Clone(e)
	f, _ := Lookup(ir.EntityCustomRecord, "fields.tier")
	require.NoError(t, f.Set(c, ir.String("silver")))

	assert.Equal(t, ir.String("gold"), f.Get(e))
	assert.Equal(t, ir.String("silver"), f.Get(c))
}

func TestTouch(t *testing.T) {
	e, err := New(ir.EntityUser, "u1")
	require.NoError(t, err)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	Touch(e, at, true)
	assert.Equal(t, at, e.ModifiedAt())
	assert.True(t, e.Tombstoned())
}
