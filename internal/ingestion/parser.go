package ingestion

import (
	"SerpLedger/internal/event"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The ingestion shell validates, parses, and converts raw
// events before sending to the deterministic core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "PriceUpdate":
		return parsePriceUpdate(raw.Data)
	case "SerpTick":
		return parseSerpTick(raw.Data)
	case "DepositRequested":
		return parseDepositRequested(raw.Data)
	case "WithdrawalRequested":
		return parseWithdrawalRequested(raw.Data)
	case "TransferRequested":
		return parseTransferRequested(raw.Data)
	case "ReserveRequested":
		return parseReserveRequested(raw.Data)
	case "UnreserveRequested":
		return parseUnreserveRequested(raw.Data)
	case "SlashRequested":
		return parseSlashRequested(raw.Data)
	case "RepatriateRequested":
		return parseRepatriateRequested(raw.Data)
	case "LockSet":
		return parseLockSet(raw.Data)
	case "LockExtended":
		return parseLockExtended(raw.Data)
	case "LockRemoved":
		return parseLockRemoved(raw.Data)
	case "ParamUpdate":
		return parseParamUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type priceUpdateJSON struct {
	Symbol         string `json:"symbol"`
	Price          uint64 `json:"price"`
	PriceSequence  int64  `json:"price_sequence"`
	PriceTimestamp int64  `json:"price_timestamp_us"`
}

func parsePriceUpdate(data []byte) (*event.PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	if j.Symbol == "" {
		return nil, fmt.Errorf("parse PriceUpdate: empty symbol")
	}
	return &event.PriceUpdate{
		Symbol:         j.Symbol,
		Price:          j.Price,
		PriceSequence:  j.PriceSequence,
		PriceTimestamp: j.PriceTimestamp,
	}, nil
}

type serpTickJSON struct {
	Symbol      string `json:"symbol"`
	Epoch       int64  `json:"epoch"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseSerpTick(data []byte) (*event.SerpTick, error) {
	var j serpTickJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SerpTick: %w", err)
	}
	if j.Symbol == "" {
		return nil, fmt.Errorf("parse SerpTick: empty symbol")
	}
	return &event.SerpTick{
		Symbol:    j.Symbol,
		Epoch:     j.Epoch,
		Timestamp: j.TimestampUs,
	}, nil
}

type depositJSON struct {
	DepositID   string `json:"deposit_id"`
	Account     string `json:"account"`
	Symbol      string `json:"symbol"`
	Amount      uint64 `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDepositRequested(data []byte) (*event.DepositRequested, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositRequested: %w", err)
	}
	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	account, err := uuid.Parse(j.Account)
	if err != nil {
		return nil, fmt.Errorf("parse account: %w", err)
	}
	return &event.DepositRequested{
		DepositID: depositID,
		Account:   account,
		Symbol:    j.Symbol,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type withdrawalJSON struct {
	WithdrawalID string `json:"withdrawal_id"`
	Account      string `json:"account"`
	Symbol       string `json:"symbol"`
	Amount       uint64 `json:"amount"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseWithdrawalRequested(data []byte) (*event.WithdrawalRequested, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawalRequested: %w", err)
	}
	wdID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	account, err := uuid.Parse(j.Account)
	if err != nil {
		return nil, fmt.Errorf("parse account: %w", err)
	}
	return &event.WithdrawalRequested{
		WithdrawalID: wdID,
		Account:      account,
		Symbol:       j.Symbol,
		Amount:       j.Amount,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

type transferJSON struct {
	TransferID  string `json:"transfer_id"`
	From        string `json:"from"`
	To          string `json:"to"`
	Symbol      string `json:"symbol"`
	Amount      uint64 `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseTransferRequested(data []byte) (*event.TransferRequested, error) {
	var j transferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TransferRequested: %w", err)
	}
	transferID, err := uuid.Parse(j.TransferID)
	if err != nil {
		return nil, fmt.Errorf("parse transfer_id: %w", err)
	}
	from, err := uuid.Parse(j.From)
	if err != nil {
		return nil, fmt.Errorf("parse from: %w", err)
	}
	to, err := uuid.Parse(j.To)
	if err != nil {
		return nil, fmt.Errorf("parse to: %w", err)
	}
	return &event.TransferRequested{
		TransferID: transferID,
		From:       from,
		To:         to,
		Symbol:     j.Symbol,
		Amount:     j.Amount,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

// reserveOpJSON is shared by Reserve, Unreserve, and Slash, which carry the
// same wire shape.
type reserveOpJSON struct {
	RequestID   string `json:"request_id"`
	Account     string `json:"account"`
	Symbol      string `json:"symbol"`
	Amount      uint64 `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (j *reserveOpJSON) ids() (uuid.UUID, uuid.UUID, error) {
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("parse request_id: %w", err)
	}
	account, err := uuid.Parse(j.Account)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("parse account: %w", err)
	}
	return requestID, account, nil
}

func parseReserveRequested(data []byte) (*event.ReserveRequested, error) {
	var j reserveOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ReserveRequested: %w", err)
	}
	requestID, account, err := j.ids()
	if err != nil {
		return nil, err
	}
	return &event.ReserveRequested{
		RequestID: requestID,
		Account:   account,
		Symbol:    j.Symbol,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseUnreserveRequested(data []byte) (*event.UnreserveRequested, error) {
	var j reserveOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse UnreserveRequested: %w", err)
	}
	requestID, account, err := j.ids()
	if err != nil {
		return nil, err
	}
	return &event.UnreserveRequested{
		RequestID: requestID,
		Account:   account,
		Symbol:    j.Symbol,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseSlashRequested(data []byte) (*event.SlashRequested, error) {
	var j reserveOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SlashRequested: %w", err)
	}
	requestID, account, err := j.ids()
	if err != nil {
		return nil, err
	}
	return &event.SlashRequested{
		RequestID: requestID,
		Account:   account,
		Symbol:    j.Symbol,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type repatriateJSON struct {
	RequestID   string `json:"request_id"`
	From        string `json:"from"`
	To          string `json:"to"`
	Symbol      string `json:"symbol"`
	Amount      uint64 `json:"amount"`
	Status      string `json:"status"` // "free" or "reserved"
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseRepatriateRequested(data []byte) (*event.RepatriateRequested, error) {
	var j repatriateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RepatriateRequested: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	from, err := uuid.Parse(j.From)
	if err != nil {
		return nil, fmt.Errorf("parse from: %w", err)
	}
	to, err := uuid.Parse(j.To)
	if err != nil {
		return nil, fmt.Errorf("parse to: %w", err)
	}
	if j.Status != "free" && j.Status != "reserved" {
		return nil, fmt.Errorf("parse status: %q is not free or reserved", j.Status)
	}
	return &event.RepatriateRequested{
		RequestID: requestID,
		From:      from,
		To:        to,
		Symbol:    j.Symbol,
		Amount:    j.Amount,
		Status:    j.Status,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

// lockJSON is shared by LockSet, LockExtended, and LockRemoved. LockRemoved
// carries no amount; the field simply stays zero.
type lockJSON struct {
	RequestID   string `json:"request_id"`
	LockID      string `json:"lock_id"`
	Account     string `json:"account"`
	Symbol      string `json:"symbol"`
	Amount      uint64 `json:"amount,omitempty"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (j *lockJSON) ids() (uuid.UUID, uuid.UUID, error) {
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("parse request_id: %w", err)
	}
	account, err := uuid.Parse(j.Account)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("parse account: %w", err)
	}
	return requestID, account, nil
}

func parseLockSet(data []byte) (*event.LockSet, error) {
	var j lockJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LockSet: %w", err)
	}
	requestID, account, err := j.ids()
	if err != nil {
		return nil, err
	}
	return &event.LockSet{
		RequestID: requestID,
		LockID:    j.LockID,
		Account:   account,
		Symbol:    j.Symbol,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseLockExtended(data []byte) (*event.LockExtended, error) {
	var j lockJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LockExtended: %w", err)
	}
	requestID, account, err := j.ids()
	if err != nil {
		return nil, err
	}
	return &event.LockExtended{
		RequestID: requestID,
		LockID:    j.LockID,
		Account:   account,
		Symbol:    j.Symbol,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseLockRemoved(data []byte) (*event.LockRemoved, error) {
	var j lockJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LockRemoved: %w", err)
	}
	requestID, account, err := j.ids()
	if err != nil {
		return nil, err
	}
	return &event.LockRemoved{
		RequestID: requestID,
		LockID:    j.LockID,
		Account:   account,
		Symbol:    j.Symbol,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

// MarshalEvent is the inverse of ParseRawEvent: it renders a typed event back
// into its wire JSON. The event log stores this form, so replay runs through
// the same parser as live ingestion.
func MarshalEvent(evt event.Event) ([]byte, error) {
	switch e := evt.(type) {
	case *event.PriceUpdate:
		return json.Marshal(priceUpdateJSON{
			Symbol:         e.Symbol,
			Price:          e.Price,
			PriceSequence:  e.PriceSequence,
			PriceTimestamp: e.PriceTimestamp,
		})
	case *event.SerpTick:
		return json.Marshal(serpTickJSON{
			Symbol:      e.Symbol,
			Epoch:       e.Epoch,
			TimestampUs: e.Timestamp,
		})
	case *event.DepositRequested:
		return json.Marshal(depositJSON{
			DepositID:   e.DepositID.String(),
			Account:     e.Account.String(),
			Symbol:      e.Symbol,
			Amount:      e.Amount,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *event.WithdrawalRequested:
		return json.Marshal(withdrawalJSON{
			WithdrawalID: e.WithdrawalID.String(),
			Account:      e.Account.String(),
			Symbol:       e.Symbol,
			Amount:       e.Amount,
			Sequence:     e.Sequence,
			TimestampUs:  e.Timestamp.UnixMicro(),
		})
	case *event.TransferRequested:
		return json.Marshal(transferJSON{
			TransferID:  e.TransferID.String(),
			From:        e.From.String(),
			To:          e.To.String(),
			Symbol:      e.Symbol,
			Amount:      e.Amount,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *event.ReserveRequested:
		return json.Marshal(reserveOpJSON{
			RequestID:   e.RequestID.String(),
			Account:     e.Account.String(),
			Symbol:      e.Symbol,
			Amount:      e.Amount,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *event.UnreserveRequested:
		return json.Marshal(reserveOpJSON{
			RequestID:   e.RequestID.String(),
			Account:     e.Account.String(),
			Symbol:      e.Symbol,
			Amount:      e.Amount,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *event.SlashRequested:
		return json.Marshal(reserveOpJSON{
			RequestID:   e.RequestID.String(),
			Account:     e.Account.String(),
			Symbol:      e.Symbol,
			Amount:      e.Amount,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *event.RepatriateRequested:
		return json.Marshal(repatriateJSON{
			RequestID:   e.RequestID.String(),
			From:        e.From.String(),
			To:          e.To.String(),
			Symbol:      e.Symbol,
			Amount:      e.Amount,
			Status:      e.Status,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *event.LockSet:
		return json.Marshal(lockJSON{
			RequestID:   e.RequestID.String(),
			LockID:      e.LockID,
			Account:     e.Account.String(),
			Symbol:      e.Symbol,
			Amount:      e.Amount,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *event.LockExtended:
		return json.Marshal(lockJSON{
			RequestID:   e.RequestID.String(),
			LockID:      e.LockID,
			Account:     e.Account.String(),
			Symbol:      e.Symbol,
			Amount:      e.Amount,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *event.LockRemoved:
		return json.Marshal(lockJSON{
			RequestID:   e.RequestID.String(),
			LockID:      e.LockID,
			Account:     e.Account.String(),
			Symbol:      e.Symbol,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *event.ParamUpdate:
		return json.Marshal(paramUpdateJSON{
			Symbol:              e.Symbol,
			PegUnit:             e.PegUnit,
			Tolerance:           e.Tolerance,
			IncentiveRate:       e.IncentiveRate,
			AdjustmentFrequency: e.AdjustmentFrequency,
			Serper:              e.Serper.String(),
			Version:             e.Version,
			TimestampUs:         e.Timestamp,
		})
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

type paramUpdateJSON struct {
	Symbol              string `json:"symbol"`
	PegUnit             uint64 `json:"peg_unit"`
	Tolerance           uint64 `json:"tolerance"`
	IncentiveRate       int64  `json:"incentive_rate"`
	AdjustmentFrequency int64  `json:"adjustment_frequency"`
	Serper              string `json:"serper"`
	Version             int64  `json:"version"`
	TimestampUs         int64  `json:"timestamp_us"`
}

func parseParamUpdate(data []byte) (*event.ParamUpdate, error) {
	var j paramUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ParamUpdate: %w", err)
	}
	if j.Symbol == "" {
		return nil, fmt.Errorf("parse ParamUpdate: empty symbol")
	}
	serper, err := uuid.Parse(j.Serper)
	if err != nil {
		return nil, fmt.Errorf("parse serper: %w", err)
	}
	return &event.ParamUpdate{
		Symbol:              j.Symbol,
		PegUnit:             j.PegUnit,
		Tolerance:           j.Tolerance,
		IncentiveRate:       j.IncentiveRate,
		AdjustmentFrequency: j.AdjustmentFrequency,
		Serper:              serper,
		Version:             j.Version,
		Timestamp:           j.TimestampUs,
	}, nil
}
