// Package classifier turns raw Helius webhook events into typed records bound
// for a fixed table per transaction kind. Classification is pure: no I/O and
// the same event always yields the same record.
package classifier

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// LamportsPerSOL converts provider fee units into SOL.
const LamportsPerSOL = 1_000_000_000

// ChainSolana is the chain label written on every record.
const ChainSolana = "solana"

// Kind is a supported transaction kind.
type Kind string

const (
	KindTransfer Kind = "transfer"
	KindNFTBid   Kind = "nft_bids"
	KindNFTSale  Kind = "nft_pricing"
)

var kindAliases = map[string]Kind{
	"transfer":    KindTransfer,
	"nft_bids":    KindNFTBid,
	"nft_bid":     KindNFTBid,
	"nft_pricing": KindNFTSale,
	"nft_sale":    KindNFTSale,
}

// ParseKind maps a declared event type onto a Kind. Matching ignores case so
// the provider's upper-case enum names are accepted as well.
func ParseKind(eventType string) (Kind, bool) {
	k, ok := kindAliases[strings.ToLower(strings.TrimSpace(eventType))]
	return k, ok
}

// ErrUnsupported signals an event type outside the supported set. It is not a
// failure: callers should treat it as nothing to do.
var ErrUnsupported = errors.New("unsupported event type")

// MalformedEventError reports required shared fields missing from an event.
type MalformedEventError struct {
	Signature string
	Missing   []string
	Invalid   []string
}

func (e *MalformedEventError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required field(s): "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid field(s): "+strings.Join(e.Invalid, ", "))
	}
	return fmt.Sprintf("malformed event %q: %s", e.Signature, strings.Join(parts, "; "))
}

// maxEventSeconds keeps timestamp*1000 within int64 milliseconds.
const maxEventSeconds = 9e15

// Record is a classified event. Each kind has its own concrete type.
type Record interface {
	Kind() Kind
	Table() Table
	Fields() Fields
}

// Classify converts ev into the record for eventType. It returns
// ErrUnsupported for unknown types and *MalformedEventError when the
// signature, fee or timestamp is missing.
func Classify(eventType string, ev *RawEvent) (Record, error) {
	kind, ok := ParseKind(eventType)
	if !ok {
		return nil, ErrUnsupported
	}
	if err := validate(ev); err != nil {
		return nil, err
	}

	shared := newShared(ev)
	switch kind {
	case KindTransfer:
		return newTransfer(shared, ev), nil
	case KindNFTBid:
		return newNFTBid(shared, ev), nil
	case KindNFTSale:
		return newNFTSale(shared, ev), nil
	default:
		return nil, ErrUnsupported
	}
}

func validate(ev *RawEvent) error {
	if ev == nil {
		return &MalformedEventError{Missing: []string{"signature", "fee", "timestamp"}}
	}
	var missing []string
	if strings.TrimSpace(ev.Signature) == "" {
		missing = append(missing, "signature")
	}
	if ev.Fee == nil {
		missing = append(missing, "fee")
	}
	if ev.Timestamp == nil {
		missing = append(missing, "timestamp")
	}
	var invalid []string
	if ev.Timestamp != nil && math.Abs(*ev.Timestamp) > maxEventSeconds {
		invalid = append(invalid, "timestamp")
	}
	if len(missing) > 0 || len(invalid) > 0 {
		return &MalformedEventError{Signature: ev.Signature, Missing: missing, Invalid: invalid}
	}
	return nil
}

// Shared holds the fields every record carries.
type Shared struct {
	EventIdentifier string
	Chain           string
	NetworkCost     float64
	IsSuccess       bool
	OriginPlatform  string
	TxnHash         string
	EventTime       time.Time
}

func newShared(ev *RawEvent) Shared {
	return Shared{
		EventIdentifier: ev.Signature,
		Chain:           ChainSolana,
		NetworkCost:     lamportsToSOL(*ev.Fee),
		IsSuccess:       !ev.Failed(),
		OriginPlatform:  orDefault(ev.Source, "unknown"),
		TxnHash:         ev.Signature,
		EventTime:       secondsToTime(*ev.Timestamp),
	}
}

func (s Shared) fields() Fields {
	return Fields{
		{ColEventIdentifier, s.EventIdentifier},
		{ColChain, s.Chain},
		{ColNetworkCost, s.NetworkCost},
		{ColIsSuccess, s.IsSuccess},
		{ColOriginPlatform, s.OriginPlatform},
		{ColTxnHash, s.TxnHash},
		{ColEventTime, s.EventTime},
	}
}

// Transfer is a token transfer. Wallets, amount and token come from the
// description and are nil when it does not follow the expected sentence.
type Transfer struct {
	Shared
	SourcePlatform string
	FromWallet     *string
	ToWallet       *string
	SwapAmount     *float64
	SwapToken      *string
	SolFee         float64
	NetworkFee     float64
	FeePayer       *string
	SwapType       string
	Status         string
}

func (*Transfer) Kind() Kind   { return KindTransfer }
func (*Transfer) Table() Table { return TableTransfers }

func (t *Transfer) Fields() Fields {
	return append(t.Shared.fields(),
		Field{ColSourcePlatform, t.SourcePlatform},
		Field{ColFromWallet, nullable(t.FromWallet)},
		Field{ColToWallet, nullable(t.ToWallet)},
		Field{ColSwapAmount, nullable(t.SwapAmount)},
		Field{ColSwapToken, nullable(t.SwapToken)},
		Field{ColSolFee, t.SolFee},
		Field{ColNetworkFee, t.NetworkFee},
		Field{ColFeePayer, nullable(t.FeePayer)},
		Field{ColSwapType, t.SwapType},
		Field{ColSlippage, nil},
		Field{ColPriceImpact, nil},
		Field{ColStatus, t.Status},
	)
}

var transferPattern = regexp.MustCompile(`^(\S+)\s+transferred\s+(\d+(?:\.\d+)?)\s+(\S+)\s+user\s+account\s+->\s+(\S+).$`)

func newTransfer(s Shared, ev *RawEvent) *Transfer {
	t := &Transfer{
		Shared:         s,
		SourcePlatform: orDefault(ev.Source, "Jupiter"),
		SolFee:         lamportsToSOL(*ev.Fee),
		NetworkFee:     *ev.Fee,
		FeePayer:       ev.FeePayer,
		SwapType:       "exact_in",
		Status:         "success",
	}
	if ev.Failed() {
		t.Status = "failed"
	}
	if ev.Description != nil {
		if m := transferPattern.FindStringSubmatch(*ev.Description); m != nil {
			t.FromWallet = &m[1]
			t.SwapToken = &m[3]
			t.ToWallet = &m[4]
			if amount, err := strconv.ParseFloat(m[2], 64); err == nil {
				t.SwapAmount = &amount
			}
		}
	}
	return t
}

// NFTBid is a bid placed (or cancelled) on an NFT.
type NFTBid struct {
	Shared
	MarketplaceName  string
	AssetAddress     *string
	AssetTokenID     *string
	TotalBidAmount   *float64
	AdjustedBidValue *float64
	BidCurrency      string
	CurrentStatus    string
	BidCategory      string
	AuctionContract  *string
	HighestActiveBid float64
	TotalBidsPlaced  float64
}

func (*NFTBid) Kind() Kind   { return KindNFTBid }
func (*NFTBid) Table() Table { return TableNFTBids }

func (b *NFTBid) Fields() Fields {
	return append(b.Shared.fields(),
		Field{ColMarketplaceName, b.MarketplaceName},
		Field{ColAssetAddress, nullable(b.AssetAddress)},
		Field{ColAssetTokenID, nullable(b.AssetTokenID)},
		Field{ColTotalBidAmount, nullable(b.TotalBidAmount)},
		Field{ColAdjustedBidValue, nullable(b.AdjustedBidValue)},
		Field{ColBidCurrency, b.BidCurrency},
		Field{ColCurrentStatus, b.CurrentStatus},
		Field{ColBidCategory, b.BidCategory},
		Field{ColAuctionContract, nullable(b.AuctionContract)},
		Field{ColHighestActiveBid, b.HighestActiveBid},
		Field{ColTotalBidsPlaced, b.TotalBidsPlaced},
	)
}

func newNFTBid(s Shared, ev *RawEvent) *NFTBid {
	b := &NFTBid{
		Shared:           s,
		MarketplaceName:  orDefault(ev.Source, "unknown"),
		AssetAddress:     ev.NFTAddress,
		AssetTokenID:     tokenID(ev),
		TotalBidAmount:   ev.Amount,
		AdjustedBidValue: netOfFee(ev.Amount, *ev.Fee),
		BidCurrency:      orDefault(ev.Currency, "SOL"),
		CurrentStatus:    "open",
		BidCategory:      orDefault(ev.BidType, "standard"),
		AuctionContract:  nonEmpty(ev.AuctionHouseAddress),
		HighestActiveBid: orFloat(ev.CurrentHighestBid, 0),
		TotalBidsPlaced:  orFloat(ev.TotalBids, 1),
	}
	for _, in := range ev.Instructions {
		if in.ParsedType() == "cancelBid" {
			b.CurrentStatus = "revoked"
			break
		}
	}
	return b
}

// NFTSale is a completed NFT sale used for pricing history.
type NFTSale struct {
	Shared
	MarketplaceName string
	AssetAddress    *string
	AssetTokenID    *string
	GrossAmount     *float64
	NetAmount       *float64
	CurrencyType    string
	TransactionMode string
	PlatformCharge  float64
	RoyaltyCharge   float64
	PreviousSale    *float64
}

func (*NFTSale) Kind() Kind   { return KindNFTSale }
func (*NFTSale) Table() Table { return TableNFTSales }

func (s *NFTSale) Fields() Fields {
	return append(s.Shared.fields(),
		Field{ColMarketplaceName, s.MarketplaceName},
		Field{ColAssetAddress, nullable(s.AssetAddress)},
		Field{ColAssetTokenID, nullable(s.AssetTokenID)},
		Field{ColGrossAmount, nullable(s.GrossAmount)},
		Field{ColNetAmount, nullable(s.NetAmount)},
		Field{ColCurrencyType, s.CurrencyType},
		Field{ColTransactionMode, s.TransactionMode},
		Field{ColPlatformCharge, s.PlatformCharge},
		Field{ColRoyaltyCharge, s.RoyaltyCharge},
		Field{ColPreviousSale, nullable(s.PreviousSale)},
		Field{ColRollingAvg7d, nil},
	)
}

func newNFTSale(sh Shared, ev *RawEvent) *NFTSale {
	s := &NFTSale{
		Shared:          sh,
		MarketplaceName: orDefault(ev.Source, "unknown"),
		AssetAddress:    ev.NFTAddress,
		AssetTokenID:    tokenID(ev),
		GrossAmount:     ev.Amount,
		NetAmount:       netOfFee(ev.Amount, *ev.Fee),
		CurrencyType:    orDefault(ev.Currency, "SOL"),
		TransactionMode: "direct-sale",
		PlatformCharge:  lamportsToSOL(*ev.Fee),
		RoyaltyCharge:   orFloat(ev.RoyaltyFee, 0),
		PreviousSale:    ev.Amount,
	}
	for _, in := range ev.Instructions {
		if in.Program == "mpl_auction_house" {
			s.TransactionMode = "auction"
			break
		}
	}
	return s
}

func lamportsToSOL(fee float64) float64 {
	return fee / LamportsPerSOL
}

// netOfFee is deliberately not clamped at zero.
func netOfFee(amount *float64, fee float64) *float64 {
	if amount == nil {
		return nil
	}
	net := *amount - lamportsToSOL(fee)
	return &net
}

func secondsToTime(sec float64) time.Time {
	return time.UnixMilli(int64(math.Round(sec * 1000))).UTC()
}

func tokenID(ev *RawEvent) *string {
	if ev.TokenID == nil {
		return nil
	}
	id := string(*ev.TokenID)
	return &id
}

func orDefault(s *string, def string) string {
	if s == nil || *s == "" {
		return def
	}
	return *s
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

func orFloat(f *float64, def float64) float64 {
	if f == nil || *f == 0 {
		return def
	}
	return *f
}

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
