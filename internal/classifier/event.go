package classifier

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// RawEvent is an enhanced transaction as delivered by the Helius webhook.
// Only the fields the classifier reads are decoded.
type RawEvent struct {
	Type                string          `json:"type"`
	Signature           string          `json:"signature"`
	Fee                 *float64        `json:"fee"`
	Timestamp           *float64        `json:"timestamp"`
	Description         *string         `json:"description,omitempty"`
	Source              *string         `json:"source,omitempty"`
	FeePayer            *string         `json:"feePayer,omitempty"`
	NFTAddress          *string         `json:"nftAddress,omitempty"`
	TokenID             *FlexString     `json:"tokenId,omitempty"`
	Currency            *string         `json:"currency,omitempty"`
	Amount              *float64        `json:"amount,omitempty"`
	Instructions        []Instruction   `json:"instructions,omitempty"`
	TransactionError    json.RawMessage `json:"transactionError,omitempty"`
	BidType             *string         `json:"bidType,omitempty"`
	AuctionHouseAddress *string         `json:"auctionHouseAddress,omitempty"`
	CurrentHighestBid   *float64        `json:"currentHighestBid,omitempty"`
	TotalBids           *float64        `json:"totalBids,omitempty"`
	RoyaltyFee          *float64        `json:"royaltyFee,omitempty"`
}

// Instruction is a single instruction of the transaction. Parsed is kept raw
// because some programs report it as a plain string.
type Instruction struct {
	Program   string          `json:"program,omitempty"`
	ProgramID string          `json:"programId,omitempty"`
	Parsed    json.RawMessage `json:"parsed,omitempty"`
}

// ParsedType returns parsed.type, or "" when parsed is absent or not an object.
func (in Instruction) ParsedType() string {
	if len(in.Parsed) == 0 || in.Parsed[0] != '{' {
		return ""
	}
	var p struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(in.Parsed, &p); err != nil {
		return ""
	}
	return p.Type
}

// Failed reports whether the transaction carries a truthy error marker.
func (ev *RawEvent) Failed() bool {
	return truthy(ev.TransactionError)
}

// truthy applies JSON truthiness: null, false, 0 and "" are false, everything
// else (including empty objects and arrays) is true.
func truthy(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	if len(v) == 0 {
		return false
	}
	switch string(v) {
	case "null", "false", `""`:
		return false
	}
	if f, err := strconv.ParseFloat(string(v), 64); err == nil {
		return f != 0
	}
	return true
}

// FlexString accepts a JSON string or number and keeps its text form.
type FlexString string

func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = FlexString(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = FlexString(n.String())
	return nil
}
