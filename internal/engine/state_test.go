package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/iapsync/internal/offering"
)

func TestState_IsReady(t *testing.T) {
	ready := State{
		ConnectionStatus: StatusConnected,
		Products: []offering.Product{
			{ProductID: "a", Price: "4.99"},
			{ProductID: "b", LocalizedPrice: "$49.99"},
		},
	}
	assert.True(t, ready.IsReady())

	tests := []struct {
		name   string
		mutate func(s *State)
	}{
		{"disconnected", func(s *State) { s.ConnectionStatus = StatusDisconnected }},
		{"no products", func(s *State) { s.Products = nil }},
		{"missing sku", func(s *State) { s.MissingSKUs = []string{"c"} }},
		{"prices missing", func(s *State) { s.PricesMissing = true }},
		{"unpriced product", func(s *State) {
			s.Products = append(s.Products, offering.Product{ProductID: "c"})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := ready.clone()
			tt.mutate(&s)
			assert.False(t, s.IsReady())
		})
	}
}

func TestState_CloneIsDeep(t *testing.T) {
	s := State{
		Products:    []offering.Product{{ProductID: "a"}},
		MissingSKUs: []string{"b"},
		LastError:   &StateError{Code: CodeLoadFailed},
	}
	c := s.clone()
	c.Products[0].ProductID = "x"
	c.MissingSKUs[0] = "y"
	c.LastError.Code = CodeConfiguration

	assert.Equal(t, "a", s.Products[0].ProductID)
	assert.Equal(t, "b", s.MissingSKUs[0])
	assert.Equal(t, CodeLoadFailed, s.LastError.Code)
}

func TestInitialState(t *testing.T) {
	s := initialState()
	assert.Equal(t, StatusDisconnected, s.ConnectionStatus)
	assert.NotNil(t, s.Products)
	assert.Empty(t, s.Products)
	assert.False(t, s.IsReady())
}
