package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"trade-bot/internal/exchange"
	"trade-bot/internal/order"
	"trade-bot/internal/validator"
)

type mockClient struct {
	calls     []string
	failWith  error
	lastPrice decimal.Decimal
	statuses  map[string]order.Status
	canceled  []string
	cancelErr map[string]error
	nextID    int
}

func (m *mockClient) place(kind order.Kind, symbol string, side order.Side, qty decimal.Decimal) (order.Record, error) {
	m.calls = append(m.calls, string(kind))
	if m.failWith != nil {
		return order.Record{}, m.failWith
	}
	m.nextID++
	return order.Record{
		ID:       "ord-" + string(rune('0'+m.nextID)),
		Symbol:   symbol,
		Side:     side,
		Kind:     kind,
		Quantity: qty,
		Status:   order.StatusNew,
	}, nil
}

func (m *mockClient) CreateMarketOrder(_ context.Context, symbol string, side order.Side, qty decimal.Decimal) (order.Record, error) {
	return m.place(order.KindMarket, symbol, side, qty)
}

func (m *mockClient) CreateLimitOrder(_ context.Context, symbol string, side order.Side, qty, _ decimal.Decimal) (order.Record, error) {
	return m.place(order.KindLimit, symbol, side, qty)
}

func (m *mockClient) CreateStopLimitOrder(_ context.Context, symbol string, side order.Side, qty, _, _ decimal.Decimal) (order.Record, error) {
	return m.place(order.KindStopLimit, symbol, side, qty)
}

func (m *mockClient) CreateOCOOrder(_ context.Context, symbol string, side order.Side, qty, _, _, _ decimal.Decimal) (order.Record, error) {
	return m.place(order.KindOCO, symbol, side, qty)
}

func (m *mockClient) FetchOrderStatus(_ context.Context, _, orderID string) (order.Status, error) {
	if status, ok := m.statuses[orderID]; ok {
		return status, nil
	}
	return order.StatusUnknown, nil
}

func (m *mockClient) CancelOrder(_ context.Context, _, orderID string) error {
	if err := m.cancelErr[orderID]; err != nil {
		return err
	}
	m.canceled = append(m.canceled, orderID)
	return nil
}

func (m *mockClient) LastPrice(context.Context, string) (decimal.Decimal, error) {
	return m.lastPrice, nil
}

type passValidator struct{}

func (passValidator) Validate(context.Context, order.Intent) error { return nil }

type rejectValidator struct{ reason string }

func (r rejectValidator) Validate(context.Context, order.Intent) error {
	return &validator.Error{Reason: r.reason}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSubmitMarket_ValidIntentReachesExchangeOnce(t *testing.T) {
	client := &mockClient{}
	g := New(client, passValidator{}, nil, nil)

	rec, err := g.SubmitMarket(context.Background(), order.Intent{
		Symbol:   "btcusdt",
		Side:     order.SideBuy,
		Quantity: dec("0.01"),
	})
	if err != nil {
		t.Fatalf("SubmitMarket returned error: %v", err)
	}
	if rec.Symbol != "BTCUSDT" {
		t.Errorf("symbol not canonicalized: %q", rec.Symbol)
	}
	if rec.Kind != order.KindMarket {
		t.Errorf("unexpected kind %q", rec.Kind)
	}
	if len(client.calls) != 1 {
		t.Fatalf("expected 1 exchange call, got %d", len(client.calls))
	}
}

func TestSubmit_ValidationFailureSkipsExchange(t *testing.T) {
	client := &mockClient{}
	g := New(client, rejectValidator{reason: "数量必须大于零"}, nil, nil)

	_, err := g.SubmitLimit(context.Background(), order.Intent{
		Symbol:   "BTCUSDT",
		Side:     order.SideBuy,
		Quantity: dec("0"),
		Price:    dec("100"),
	})

	var vErr *validator.Error
	if !errors.As(err, &vErr) {
		t.Fatalf("expected *validator.Error, got %v", err)
	}
	if len(client.calls) != 0 {
		t.Fatalf("exchange must not be called on validation failure, got %d calls", len(client.calls))
	}
}

func TestSubmit_ExchangeErrorsPropagateUnchanged(t *testing.T) {
	apiErr := &exchange.APIError{Code: "InvalidOrder", Message: "price out of range"}
	client := &mockClient{failWith: apiErr}
	g := New(client, passValidator{}, nil, nil)

	_, err := g.SubmitStopLimit(context.Background(), order.Intent{
		Symbol:    "BTCUSDT",
		Side:      order.SideSell,
		Quantity:  dec("0.01"),
		StopPrice: dec("100"),
		Price:     dec("99"),
	})

	var got *exchange.APIError
	if !errors.As(err, &got) || got.Code != "InvalidOrder" {
		t.Fatalf("expected original APIError, got %v", err)
	}
}

func TestSubmitOCO_DispatchesToOCOCall(t *testing.T) {
	client := &mockClient{}
	g := New(client, passValidator{}, nil, nil)

	_, err := g.SubmitOCO(context.Background(), order.Intent{
		Symbol:         "BTCUSDT",
		Side:           order.SideSell,
		Quantity:       dec("0.01"),
		Price:          dec("110"),
		StopPrice:      dec("100"),
		StopLimitPrice: dec("99"),
	})
	if err != nil {
		t.Fatalf("SubmitOCO returned error: %v", err)
	}
	if len(client.calls) != 1 || client.calls[0] != string(order.KindOCO) {
		t.Fatalf("expected single OCO call, got %v", client.calls)
	}
}
