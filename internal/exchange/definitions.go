package exchange

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ajitpratap0/streamgate/internal/apperr"
	"github.com/ajitpratap0/streamgate/internal/db"
)

// REST paths of the order endpoints
const (
	PathSpotOrder        = "/api/v3/order"
	PathFuturesOrder     = "/fapi/v1/order"
	PathFuturesAlgoOrder = "/fapi/v1/algoOrder"
)

// OrderSpec is an order with quantity and prices already normalized to the
// symbol filters. Empty strings mean "not set".
type OrderSpec struct {
	Symbol        string
	Side          string
	OrderType     string
	Quantity      string
	Price         string
	StopPrice     string
	TimeInForce   string
	PositionSide  string
	ReduceOnly    bool
	WorkingType   string
	IcebergQty    string
	ClientOrderID string
}

// ValidationError lists the parameters an order type requires but did not get
type ValidationError struct {
	OrderType string
	Missing   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s order is missing required parameters: %s", e.OrderType, strings.Join(e.Missing, ", "))
}

// Unwrap classifies the error as a rejected order
func (e *ValidationError) Unwrap() error {
	return apperr.ErrNormalizationRejected
}

// Definition maps an OrderSpec onto the endpoint and parameters of one exchange market
type Definition interface {
	Prepare(spec OrderSpec) (endpoint string, params url.Values, err error)
}

// DefinitionFor returns the parameter mapper of (exchange, market)
func DefinitionFor(exchangeName string, market db.MarketType) (Definition, error) {
	if !strings.EqualFold(exchangeName, "binance") {
		return nil, fmt.Errorf("no order definition for exchange %q", exchangeName)
	}
	switch market {
	case db.MarketSpot:
		return SpotDefinition{}, nil
	case db.MarketFutures:
		return FuturesDefinition{}, nil
	default:
		return nil, fmt.Errorf("no order definition for market %s", market)
	}
}

// rules strips forbidden keys, adds the non-empty optional values and then
// checks that every required key is present
type rules struct {
	required  []string
	forbidden []string
	optional  map[string]string
}

func (r rules) apply(orderType string, params url.Values) error {
	for _, k := range r.forbidden {
		params.Del(k)
	}
	for k, v := range r.optional {
		if v != "" {
			params.Set(k, v)
		}
	}

	var missing []string
	for _, k := range r.required {
		if params.Get(k) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{OrderType: orderType, Missing: missing}
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func unsupported(market db.MarketType, orderType string) error {
	return fmt.Errorf("%w: unsupported %s order type %q", apperr.ErrNormalizationRejected, market, orderType)
}

// SpotDefinition maps spot order types onto /api/v3/order
type SpotDefinition struct{}

// Prepare implements Definition
func (SpotDefinition) Prepare(spec OrderSpec) (string, url.Values, error) {
	orderType := strings.ToUpper(spec.OrderType)
	params := url.Values{}
	params.Set("symbol", spec.Symbol)
	params.Set("side", strings.ToUpper(spec.Side))
	params.Set("quantity", spec.Quantity)
	params.Set("type", orderType)
	if spec.ClientOrderID != "" {
		params.Set("newClientOrderId", spec.ClientOrderID)
	}

	tif := orDefault(spec.TimeInForce, "GTC")

	var r rules
	switch orderType {
	case "LIMIT":
		r = rules{
			required:  []string{"price", "timeInForce"},
			forbidden: []string{"stopPrice"},
			optional:  map[string]string{"price": spec.Price, "timeInForce": tif, "icebergQty": spec.IcebergQty},
		}
	case "MARKET":
		r = rules{forbidden: []string{"price", "stopPrice", "timeInForce", "icebergQty"}}
	case "STOP_LOSS", "TAKE_PROFIT":
		r = rules{
			required:  []string{"stopPrice"},
			forbidden: []string{"price"},
			optional:  map[string]string{"stopPrice": spec.StopPrice},
		}
	case "STOP_LOSS_LIMIT", "TAKE_PROFIT_LIMIT":
		r = rules{
			required: []string{"price", "stopPrice", "timeInForce"},
			optional: map[string]string{"price": spec.Price, "stopPrice": spec.StopPrice, "timeInForce": tif},
		}
	case "LIMIT_MAKER":
		r = rules{
			required:  []string{"price"},
			forbidden: []string{"timeInForce"},
			optional:  map[string]string{"price": spec.Price},
		}
	default:
		return "", nil, unsupported(db.MarketSpot, orderType)
	}

	if err := r.apply(orderType, params); err != nil {
		return "", nil, err
	}
	return PathSpotOrder, params, nil
}

// FuturesDefinition maps USD-M futures order types. Conditional orders go to
// the algo endpoint, which takes triggerPrice instead of stopPrice.
type FuturesDefinition struct{}

// Prepare implements Definition
func (FuturesDefinition) Prepare(spec OrderSpec) (string, url.Values, error) {
	orderType := strings.ToUpper(spec.OrderType)
	positionSide := strings.ToUpper(orDefault(spec.PositionSide, "BOTH"))

	params := url.Values{}
	params.Set("symbol", spec.Symbol)
	params.Set("side", strings.ToUpper(spec.Side))
	params.Set("quantity", spec.Quantity)
	params.Set("positionSide", positionSide)

	// Hedge mode closes by trading the opposite side; reduceOnly is one-way only
	if spec.ReduceOnly && positionSide == "BOTH" {
		params.Set("reduceOnly", "true")
	}

	tif := orDefault(spec.TimeInForce, "GTC")
	endpoint := PathFuturesOrder
	clientIDKey := "newClientOrderId"

	var r rules
	switch orderType {
	case "LIMIT":
		params.Set("type", "LIMIT")
		r = rules{
			required:  []string{"price", "timeInForce"},
			forbidden: []string{"stopPrice", "callbackRate"},
			optional:  map[string]string{"price": spec.Price, "timeInForce": tif},
		}
	case "MARKET":
		params.Set("type", "MARKET")
		r = rules{forbidden: []string{"price", "stopPrice", "timeInForce"}}
	case "STOP", "STOP_LIMIT", "STOP_MARKET", "TAKE_PROFIT", "TAKE_PROFIT_LIMIT", "TAKE_PROFIT_MARKET":
		endpoint = PathFuturesAlgoOrder
		clientIDKey = "clientAlgoId"
		params.Set("algoType", "CONDITIONAL")

		isMarket := strings.HasSuffix(orderType, "_MARKET")
		switch {
		case strings.HasPrefix(orderType, "STOP") && isMarket:
			params.Set("type", "STOP_MARKET")
		case strings.HasPrefix(orderType, "STOP"):
			params.Set("type", "STOP")
		case isMarket:
			params.Set("type", "TAKE_PROFIT_MARKET")
		default:
			params.Set("type", "TAKE_PROFIT")
		}

		r = rules{
			required:  []string{"triggerPrice"},
			forbidden: []string{"stopPrice", "callbackRate"},
			optional: map[string]string{
				"triggerPrice": spec.StopPrice,
				"workingType":  orDefault(spec.WorkingType, "CONTRACT_PRICE"),
			},
		}
		if isMarket {
			r.forbidden = append(r.forbidden, "price", "timeInForce")
		} else {
			r.required = append(r.required, "price")
			r.optional["price"] = spec.Price
			r.optional["timeInForce"] = tif
		}
	default:
		return "", nil, unsupported(db.MarketFutures, orderType)
	}

	if spec.ClientOrderID != "" {
		params.Set(clientIDKey, spec.ClientOrderID)
	}
	if err := r.apply(orderType, params); err != nil {
		return "", nil, err
	}
	return endpoint, params, nil
}
