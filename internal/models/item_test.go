package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemStatusOpposite(t *testing.T) {
	got, ok := StatusLost.Opposite()
	assert.True(t, ok)
	assert.Equal(t, StatusFound, got)

	got, ok = StatusFound.Opposite()
	assert.True(t, ok)
	assert.Equal(t, StatusLost, got)

	_, ok = StatusResolved.Opposite()
	assert.False(t, ok)
}

func validCreateRequest() CreateItemRequest {
	return CreateItemRequest{
		Status:      StatusLost,
		Category:    CategoryKeys,
		Title:       "  Car keys ",
		Description: "Toyota key with a red tag",
		Location:    "Central Station",
		Date:        "2024-05-01",
	}
}

func TestCreateItemRequestValidate(t *testing.T) {
	req := validCreateRequest()
	req.Normalize()
	date, err := req.Validate()
	require.NoError(t, err)
	assert.Equal(t, "Car keys", req.Title)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), date)

	cases := map[string]func(*CreateItemRequest){
		"resolved status":  func(r *CreateItemRequest) { r.Status = StatusResolved },
		"unknown category": func(r *CreateItemRequest) { r.Category = "Furniture" },
		"missing title":    func(r *CreateItemRequest) { r.Title = "" },
		"missing location": func(r *CreateItemRequest) { r.Location = "" },
		"missing date":     func(r *CreateItemRequest) { r.Date = "" },
		"bad date":         func(r *CreateItemRequest) { r.Date = "01/05/2024" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := validCreateRequest()
			mutate(&req)
			_, err := req.Validate()
			assert.Error(t, err)
		})
	}
}

func TestUpdateItemRequestApply(t *testing.T) {
	item := &Item{Status: StatusLost, Category: CategoryKeys, Title: "Keys", Description: "d", Location: "l"}

	title := "Spare keys"
	found := StatusFound
	require.NoError(t, (&UpdateItemRequest{Title: &title, Status: &found}).Apply(item))
	assert.Equal(t, "Spare keys", item.Title)
	assert.Equal(t, StatusFound, item.Status)

	empty := " "
	assert.Error(t, (&UpdateItemRequest{Description: &empty}).Apply(item))

	resolved := StatusResolved
	assert.Error(t, (&UpdateItemRequest{Status: &resolved}).Apply(item))

	item.Status = StatusResolved
	assert.Error(t, (&UpdateItemRequest{Status: &found}).Apply(item))
}

func TestRegisterRequestValidate(t *testing.T) {
	req := RegisterRequest{Name: "Ana", Email: " Ana@Example.COM ", Password: "longenough"}
	require.NoError(t, req.Validate())
	assert.Equal(t, "ana@example.com", req.Email)

	req = RegisterRequest{Name: "Ana", Email: "not-an-email", Password: "longenough"}
	assert.Error(t, req.Validate())

	req = RegisterRequest{Name: "Ana", Email: "ana@example.com", Password: "short"}
	assert.Error(t, req.Validate())
}
