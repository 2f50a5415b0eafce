package execution

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/streamgate/internal/apperr"
	"github.com/ajitpratap0/streamgate/internal/db"
)

// Normalized holds exchange-ready order amounts rendered without exponents
type Normalized struct {
	Quantity  string
	Price     string
	StopPrice string
}

func rejected(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperr.ErrNormalizationRejected, fmt.Sprintf(format, args...))
}

// Normalize computes the order quantity and prices under the symbol's filter.
//
// An explicit coin amount is rounded half-up to the step size so a close
// matches the held position; a USD amount is divided by the current price and
// rounded down so an open never spends more than requested. Limit and stop
// prices are rounded down to the tick size.
func Normalize(req OrderRequest, filter db.SymbolFilter, currentPrice decimal.Decimal) (Normalized, error) {
	if !currentPrice.IsPositive() {
		return Normalized{}, rejected("%s: price %s is not positive", req.Symbol, currentPrice)
	}

	var qty decimal.Decimal
	if req.AmountCoin != nil {
		qty = roundToStep(*req.AmountCoin, filter.StepSize)
	} else {
		raw := req.AmountUSD.DivRound(currentPrice, 16)
		qty = floorToStep(raw, filter.StepSize)
	}

	if !qty.IsPositive() {
		return Normalized{}, rejected("%s: quantity %s is not positive", req.Symbol, qty)
	}
	if qty.LessThan(filter.MinQty) {
		return Normalized{}, rejected("%s: quantity %s below min qty %s", req.Symbol, qty, filter.MinQty)
	}

	out := Normalized{Quantity: qty.String()}

	if req.Price != nil {
		p := floorToStep(*req.Price, filter.TickSize)
		if !p.IsPositive() {
			return Normalized{}, rejected("%s: limit price %s is not positive", req.Symbol, p)
		}
		out.Price = p.String()
	}
	if req.StopPrice != nil {
		p := floorToStep(*req.StopPrice, filter.TickSize)
		if !p.IsPositive() {
			return Normalized{}, rejected("%s: stop price %s is not positive", req.Symbol, p)
		}
		out.StopPrice = p.String()
	}

	return out, nil
}

// floorToStep rounds v down to a multiple of step; a zero step leaves v as is
func floorToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// roundToStep rounds v half-up to the nearest multiple of step
func roundToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Round(0).Mul(step)
}
