package schedule

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fillindexer/internal/domain"
	"github.com/alanyoungcy/fillindexer/internal/evm"
)

// FillRef is the payload of jobs that only need the fill id.
type FillRef struct {
	FillID string `json:"fillId"`
}

// ProtocolFeePayload is the payload of convert-protocol-fee jobs.
type ProtocolFeePayload struct {
	FillID      string          `json:"fillId"`
	FillDate    time.Time       `json:"fillDate"`
	ProtocolFee decimal.Decimal `json:"protocolFee"`
}

// TradedToken is one token's share of a fill.
type TradedToken struct {
	Address                string   `json:"address"`
	TradeCountContribution float64  `json:"tradeCountContribution"`
	TradeVolume            *float64 `json:"tradeVolume,omitempty"`
	Type                   *int     `json:"type,omitempty"`
}

// TradedTokensPayload is the payload of index-traded-tokens jobs.
type TradedTokensPayload struct {
	Date   time.Time     `json:"date"`
	FillID string        `json:"fillId"`
	Tokens []TradedToken `json:"tokens"`
}

// NewTradedTokensPayload splits a fill across the tokens it traded. Each
// asset contributes 1/len(assets) of a trade and its USD value to its token.
func NewTradedTokensPayload(fill domain.Fill) TradedTokensPayload {
	p := TradedTokensPayload{Date: fill.Date, FillID: fill.ID}
	if len(fill.Assets) == 0 {
		p.Tokens = []TradedToken{}
		return p
	}

	share := 1 / float64(len(fill.Assets))
	index := make(map[string]int, len(fill.Assets))
	for _, a := range fill.Assets {
		key := evm.Normalize(a.TokenAddress)
		i, ok := index[key]
		if !ok {
			p.Tokens = append(p.Tokens, TradedToken{Address: key})
			i = len(p.Tokens) - 1
			index[key] = i
		}

		t := &p.Tokens[i]
		t.TradeCountContribution += share
		if a.Value != nil {
			v := a.Value.InexactFloat64()
			if t.TradeVolume != nil {
				v += *t.TradeVolume
			}
			t.TradeVolume = &v
		}
		if a.Token != nil && t.Type == nil {
			typ := a.Token.Type
			t.Type = &typ
		}
	}
	return p
}
