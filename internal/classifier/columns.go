package classifier

// ColumnType is the declared storage type of a column. Provisioning uses it
// verbatim; nothing is inferred from values.
type ColumnType int

const (
	ColumnText ColumnType = iota
	ColumnTimestamp
	ColumnUUID
)

// SQL returns the Postgres type used when the column is created.
func (t ColumnType) SQL() string {
	switch t {
	case ColumnTimestamp:
		return "TIMESTAMPTZ"
	case ColumnUUID:
		return "UUID"
	default:
		return "TEXT"
	}
}

// Table is a target table name. Values can only be minted inside this
// package, which keeps every table identifier on a closed list.
type Table struct {
	name string
}

// Name returns the unquoted table name.
func (t Table) Name() string { return t.name }

// Valid reports whether t is one of the package's tables and not the zero value.
func (t Table) Valid() bool { return t.name != "" }

func (t Table) String() string { return t.name }

var (
	TableTransfers = Table{name: "transfer_data"}
	TableNFTBids   = Table{name: "nft_bids_data"}
	TableNFTSales  = Table{name: "nft_pricing_data"}
)

// Tables lists every table a record can target.
func Tables() []Table {
	return []Table{TableTransfers, TableNFTBids, TableNFTSales}
}

// Column is a column name together with its declared type. Like Table it can
// only be created by this package.
type Column struct {
	name string
	typ  ColumnType
}

func (c Column) Name() string     { return c.name }
func (c Column) Type() ColumnType { return c.typ }
func (c Column) Valid() bool      { return c.name != "" }
func (c Column) String() string   { return c.name }

func text(name string) Column { return Column{name: name, typ: ColumnText} }

// Shared columns.
var (
	ColEventIdentifier = text("eventIdentifier")
	ColChain           = text("chain")
	ColNetworkCost     = text("networkCost")
	ColIsSuccess       = text("isSuccess")
	ColOriginPlatform  = text("originPlatform")
	ColTxnHash         = text("txnHash")
	// ColEventTime is the only timestamp-typed column.
	ColEventTime = Column{name: "eventTime", typ: ColumnTimestamp}
)

// Transfer columns.
var (
	ColSourcePlatform = text("sourcePlatform")
	ColFromWallet     = text("fromWallet")
	ColToWallet       = text("toWallet")
	ColSwapAmount     = text("swapAmount")
	ColSwapToken      = text("swapToken")
	ColSolFee         = text("solFee")
	ColNetworkFee     = text("networkFee")
	ColFeePayer       = text("feePayer")
	ColSwapType       = text("swapType")
	ColSlippage       = text("slippage")
	ColPriceImpact    = text("priceImpact")
	ColStatus         = text("status")
)

// NFT columns shared by bids and sales.
var (
	ColMarketplaceName = text("marketplaceName")
	ColAssetAddress    = text("assetAddress")
	ColAssetTokenID    = text("assetTokenId")
)

// NFT bid columns.
var (
	ColTotalBidAmount   = text("totalBidAmount")
	ColAdjustedBidValue = text("adjustedBidValue")
	ColBidCurrency      = text("bidCurrency")
	ColCurrentStatus    = text("currentStatus")
	ColBidCategory      = text("bidCategory")
	ColAuctionContract  = text("auctionContract")
	ColHighestActiveBid = text("highestActiveBid")
	ColTotalBidsPlaced  = text("totalBidsPlaced")
)

// NFT sale columns.
var (
	ColGrossAmount     = text("grossAmount")
	ColNetAmount       = text("netAmount")
	ColCurrencyType    = text("currencyType")
	ColTransactionMode = text("transactionMode")
	ColPlatformCharge  = text("platformCharge")
	ColRoyaltyCharge   = text("royaltyCharge")
	ColPreviousSale    = text("previousSale")
	ColRollingAvg7d    = text("rollingAvg7d")
)

// ColRowID is the generated primary key added to tables that have none.
var ColRowID = Column{name: "id", typ: ColumnUUID}

// Field is one column/value pair of a record.
type Field struct {
	Column Column
	Value  any
}

// Fields is an ordered set of record fields. Order is stable so statements
// built from it are deterministic.
type Fields []Field

// Columns returns the columns in order.
func (f Fields) Columns() []Column {
	cols := make([]Column, len(f))
	for i, field := range f {
		cols[i] = field.Column
	}
	return cols
}

// Values returns the values in column order.
func (f Fields) Values() []any {
	vals := make([]any, len(f))
	for i, field := range f {
		vals[i] = field.Value
	}
	return vals
}

// Get looks a value up by column name.
func (f Fields) Get(name string) (any, bool) {
	for _, field := range f {
		if field.Column.name == name {
			return field.Value, true
		}
	}
	return nil, false
}

// Has reports whether the column is present.
func (f Fields) Has(c Column) bool {
	_, ok := f.Get(c.name)
	return ok
}

// Map returns the fields keyed by column name.
func (f Fields) Map() map[string]any {
	m := make(map[string]any, len(f))
	for _, field := range f {
		m[field.Column.name] = field.Value
	}
	return m
}

// With returns a copy of f with c prepended.
func (f Fields) With(c Column, v any) Fields {
	out := make(Fields, 0, len(f)+1)
	out = append(out, Field{Column: c, Value: v})
	return append(out, f...)
}
