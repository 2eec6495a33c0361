package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Actor identifies which side of a fill an asset belongs to.
type Actor string

const (
	ActorMaker Actor = "maker"
	ActorTaker Actor = "taker"
)

var fillNamespace = uuid.MustParse("8d6c3f0e-3b7a-4c52-9f1e-2a4b6d8e0c17")

// FillID derives a fill's id from the log that emitted it. The same
// (transactionHash, logIndex) always maps to the same id, so a batch that is
// ingested again produces the same search documents.
func FillID(transactionHash string, logIndex int) string {
	key := strings.ToLower(transactionHash) + ":" + strconv.Itoa(logIndex)
	return uuid.NewSHA1(fillNamespace, []byte(key)).String()
}

// Fill is a single trade execution record observed on-chain.
type Fill struct {
	ID               string           `json:"id"`
	Date             time.Time        `json:"date"`
	TransactionHash  string           `json:"transactionHash"`
	LogIndex         int              `json:"logIndex"`
	BlockNumber      int64            `json:"blockNumber"`
	ProtocolVersion  int              `json:"protocolVersion"`
	OrderHash        string           `json:"orderHash,omitempty"`
	Maker            string           `json:"maker"`
	Taker            string           `json:"taker"`
	FeeRecipient     string           `json:"feeRecipient"`
	AffiliateAddress string           `json:"affiliateAddress,omitempty"`
	SenderAddress    string           `json:"senderAddress,omitempty"`
	RelayerID        *int             `json:"relayerId,omitempty"`
	Relayer          *Relayer         `json:"relayer,omitempty"`
	Assets           []FillAsset      `json:"assets"`
	Fees             []FillFee        `json:"fees,omitempty"`
	ProtocolFee      *decimal.Decimal `json:"protocolFee,omitempty"`
	// Volume is the USD value of the fill when it could be determined.
	Volume *decimal.Decimal `json:"volume,omitempty"`
	Apps   []FillApp        `json:"apps,omitempty"`
}

// FillAsset is one leg of a fill.
type FillAsset struct {
	TokenAddress  string           `json:"tokenAddress"`
	TokenID       string           `json:"tokenId,omitempty"`
	Amount        decimal.Decimal  `json:"amount"`
	Actor         Actor            `json:"actor"`
	Value         *decimal.Decimal `json:"value,omitempty"`
	TokenResolved bool             `json:"tokenResolved"`
	Token         *Token           `json:"token,omitempty"`
}

// FillFee is a fee paid to the relayer by one of the traders.
type FillFee struct {
	TokenAddress string          `json:"tokenAddress"`
	TokenID      string          `json:"tokenId,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	TraderType   Actor           `json:"traderType"`
	Token        *Token          `json:"token,omitempty"`
}

// FillApp records that an app is credited for a fill in a given role.
type FillApp struct {
	AppID string      `json:"appId"`
	Type  MappingType `json:"type"`
}

// HasProtocolFee reports whether a positive protocol fee was paid.
func (f Fill) HasProtocolFee() bool {
	return f.ProtocolFee != nil && f.ProtocolFee.IsPositive()
}

// HasRelayerFees reports whether any fee carries a positive amount.
func (f Fill) HasRelayerFees() bool {
	for _, fee := range f.Fees {
		if fee.Amount.IsPositive() {
			return true
		}
	}
	return false
}

// TokenAddresses returns the distinct token addresses referenced by the
// fill's assets and fees, in first-seen order.
func (f Fill) TokenAddresses() []string {
	seen := make(map[string]struct{}, len(f.Assets)+len(f.Fees))
	out := make([]string, 0, len(f.Assets)+len(f.Fees))
	add := func(addr string) {
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	for _, a := range f.Assets {
		add(a.TokenAddress)
	}
	for _, fee := range f.Fees {
		add(fee.TokenAddress)
	}
	return out
}

// Token is an ERC-20 (or similar) token known to the system.
type Token struct {
	Address  string `json:"address"`
	Name     string `json:"name,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
	Decimals *int   `json:"decimals,omitempty"`
	Type     int    `json:"type"`
	// Resolved is true once the token's metadata has been fetched.
	Resolved bool `json:"resolved"`
}

// Relayer is an order relayer identified by its fee-recipient addresses.
type Relayer struct {
	ID            int      `json:"id"`
	Name          string   `json:"name"`
	URLSlug       string   `json:"urlSlug"`
	ImageURL      string   `json:"imageUrl,omitempty"`
	FeeRecipients []string `json:"feeRecipients,omitempty"`
}
