package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cobro/internal/clock"
	"github.com/smallbiznis/cobro/internal/customer/domain"
	"github.com/smallbiznis/cobro/internal/customer/repository"
	"github.com/smallbiznis/cobro/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestService(t *testing.T) (domain.Service, *clock.FakeClock) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 5, 2, 9, 0, 0, 0, time.UTC))
	svc := New(Params{
		DB:    dbtest.Open(t),
		Log:   zaptest.NewLogger(t),
		GenID: node,
		Repo:  repository.Provide(),
		Clock: clk,
	})
	return svc, clk
}

func TestUpsertByEmailDeduplicatesCaseInsensitive(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	first, err := svc.UpsertByEmail(ctx, []domain.UpsertCustomerRequest{
		{Name: "Ana Pérez", Email: " Ana@Example.com ", City: "Quito", BIN: "411111", Last4: "1111", Brand: "Visa"},
	})
	require.NoError(t, err)
	require.Contains(t, first, "ana@example.com")
	original := first["ana@example.com"]

	clk.Advance(time.Hour)
	second, err := svc.UpsertByEmail(ctx, []domain.UpsertCustomerRequest{
		{Name: "Ana P.", Email: "ANA@example.com", City: "Guayaquil"},
		{Name: "Luis", Email: "luis@example.com"},
	})
	require.NoError(t, err)
	require.Len(t, second, 2)

	updated := second["ana@example.com"]
	assert.Equal(t, original.ID, updated.ID)
	assert.Equal(t, "Ana P.", updated.Name)
	assert.Equal(t, "Guayaquil", updated.City)
	assert.Equal(t, "411111", updated.BIN, "blank card hints keep the last known value")
	assert.Equal(t, "1111", updated.Last4)
}

func TestUpsertByEmailLaterRowWins(t *testing.T) {
	svc, _ := newTestService(t)
	out, err := svc.UpsertByEmail(context.Background(), []domain.UpsertCustomerRequest{
		{Name: "First", Email: "dup@example.com"},
		{Name: "Second", Email: "dup@example.com"},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Second", out["dup@example.com"].Name)
}

func TestUpsertByEmailRejectsInvalid(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.UpsertByEmail(context.Background(), []domain.UpsertCustomerRequest{{Name: "x", Email: "nope"}})
	assert.ErrorIs(t, err, domain.ErrInvalidEmail)

	_, err = svc.UpsertByEmail(context.Background(), []domain.UpsertCustomerRequest{{Name: " ", Email: "a@b.co"}})
	assert.ErrorIs(t, err, domain.ErrInvalidName)
}

func TestGetByID(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.GetByID(ctx, "abc")
	assert.ErrorIs(t, err, domain.ErrInvalidID)

	_, err = svc.GetByID(ctx, "12345")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	out, err := svc.UpsertByEmail(ctx, []domain.UpsertCustomerRequest{{Name: "Ana", Email: "ana@example.com"}})
	require.NoError(t, err)
	got, err := svc.GetByID(ctx, out["ana@example.com"].ID.String())
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", got.Email)
}

func TestListPaginatesNewestFirst(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		_, err := svc.UpsertByEmail(ctx, []domain.UpsertCustomerRequest{{Name: email, Email: email}})
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}

	page, err := svc.List(ctx, domain.ListCustomerRequest{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Customers, 2)
	assert.True(t, page.HasMore)
	assert.NotEmpty(t, page.NextPageToken)
	assert.Equal(t, "c@example.com", page.Customers[0].Email)
	assert.Equal(t, "b@example.com", page.Customers[1].Email)

	filtered, err := svc.List(ctx, domain.ListCustomerRequest{Search: "A@EXAMPLE"})
	require.NoError(t, err)
	require.Len(t, filtered.Customers, 1)
	assert.Equal(t, "a@example.com", filtered.Customers[0].Email)
}
