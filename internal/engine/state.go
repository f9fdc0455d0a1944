package engine

import "github.com/roach88/iapsync/internal/offering"

// ConnectionStatus is the billing connection state.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// StateError is the last error surfaced to the UI.
type StateError struct {
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	UserMessage string    `json:"user_message,omitempty"`
}

// State is a snapshot of the manager. Subscribers and State() receive
// deep copies.
type State struct {
	ConnectionStatus    ConnectionStatus   `json:"connection_status"`
	Products            []offering.Product `json:"products"`
	IsLoadingProducts   bool               `json:"is_loading_products"`
	IsInitialized       bool               `json:"is_initialized"`
	ListenersRegistered bool               `json:"listeners_registered"`
	PricesMissing       bool               `json:"prices_missing"`
	MissingSKUs         []string           `json:"missing_skus,omitempty"`
	LastError           *StateError        `json:"last_error,omitempty"`
	Entitled            bool               `json:"entitled"`
	PurchaseInProgress  bool               `json:"purchase_in_progress"`
	// Terminal is set when capability negotiation failed. It blocks
	// Initialize until the process restarts.
	Terminal bool `json:"terminal"`
}

func initialState() State {
	return State{ConnectionStatus: StatusDisconnected, Products: []offering.Product{}}
}

// IsReady reports whether purchases can be offered: connected, every
// expected SKU loaded and every loaded product priced.
func (s State) IsReady() bool {
	if s.ConnectionStatus != StatusConnected || len(s.Products) == 0 {
		return false
	}
	if len(s.MissingSKUs) > 0 || s.PricesMissing {
		return false
	}
	for _, p := range s.Products {
		if !p.HasPrice() {
			return false
		}
	}
	return true
}

func (s State) clone() State {
	c := s
	c.Products = append([]offering.Product{}, s.Products...)
	if s.MissingSKUs != nil {
		c.MissingSKUs = append([]string(nil), s.MissingSKUs...)
	}
	if s.LastError != nil {
		e := *s.LastError
		c.LastError = &e
	}
	return c
}
