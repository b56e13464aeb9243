package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"asset_market/internal/domain"
	"asset_market/internal/engine"

	"github.com/shopspring/decimal"
)

const maxCommandBody = 64 * 1024

// Command payloads. Amounts are whole wei encoded as decimal strings.
// An empty registry means the bootstrap registry.
type mintRequest struct {
	Registry    domain.Address `json:"registry"`
	Owner       domain.Address `json:"owner"`
	MetadataURI string         `json:"metadata_uri"`
}

type approveRequest struct {
	Registry domain.Address `json:"registry"`
	Owner    domain.Address `json:"owner"`
	Operator domain.Address `json:"operator"` // Empty means the marketplace escrow
	Approved bool           `json:"approved"`
}

type depositRequest struct {
	Account domain.Address  `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
}

type listRequest struct {
	Registry domain.Address  `json:"asset_registry"`
	AssetID  domain.AssetID  `json:"asset_id"`
	Seller   domain.Address  `json:"seller"`
	Price    decimal.Decimal `json:"price"`
}

type purchaseRequest struct {
	ListingID uint64          `json:"item_id"`
	Paid      decimal.Decimal `json:"paid"`
	Buyer     domain.Address  `json:"buyer"`
}

// CommandResponse is the reply to an accepted command.
type CommandResponse struct {
	Seq       uint64          `json:"seq"`
	AssetID   domain.AssetID  `json:"asset_id,omitempty"`
	ListingID uint64          `json:"item_id,omitempty"`
	Receipt   *domain.Receipt `json:"receipt,omitempty"`
}

// ErrorResponse is the reply to a rejected command.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// handleCommand decodes POST /commands/{name} and submits it to the sequencer.
func (b *Bootstrap) handleCommand(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCommandBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	cmd, err := b.decodeCommand(r.PathValue("name"), dec)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := b.Sequencer.Submit(r.Context(), cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, CommandResponse{
		Seq:       res.Seq,
		AssetID:   res.AssetID,
		ListingID: res.ListingID,
		Receipt:   res.Receipt,
	})
}

func (b *Bootstrap) decodeCommand(name string, dec *json.Decoder) (engine.Command, error) {
	switch name {
	case "mint":
		var req mintRequest
		if err := decodeBody(dec, name, &req); err != nil {
			return nil, err
		}
		return engine.MintCommand{Registry: b.registryOr(req.Registry), Owner: req.Owner, MetadataURI: req.MetadataURI}, nil
	case "approve":
		var req approveRequest
		if err := decodeBody(dec, name, &req); err != nil {
			return nil, err
		}
		if req.Operator.IsZero() {
			req.Operator = b.Market.Address()
		}
		return engine.ApproveCommand{Registry: b.registryOr(req.Registry), Owner: req.Owner, Operator: req.Operator, Approved: req.Approved}, nil
	case "deposit":
		var req depositRequest
		if err := decodeBody(dec, name, &req); err != nil {
			return nil, err
		}
		return engine.DepositCommand{Account: req.Account, Amount: req.Amount}, nil
	case "list":
		var req listRequest
		if err := decodeBody(dec, name, &req); err != nil {
			return nil, err
		}
		return engine.ListCommand{
			Asset:  domain.AssetRef{Registry: b.registryOr(req.Registry), ID: req.AssetID},
			Seller: req.Seller,
			Price:  req.Price,
		}, nil
	case "purchase":
		var req purchaseRequest
		if err := decodeBody(dec, name, &req); err != nil {
			return nil, err
		}
		return engine.PurchaseCommand{ListingID: req.ListingID, Paid: req.Paid, Buyer: req.Buyer}, nil
	default:
		return nil, domain.NewNotFoundError("command", fmt.Sprintf("unknown command %q", name))
	}
}

func (b *Bootstrap) registryOr(addr domain.Address) domain.Address {
	if addr.IsZero() {
		return b.Registry.Address()
	}
	return addr
}

func decodeBody(dec *json.Decoder, op string, v any) error {
	if err := dec.Decode(v); err != nil {
		return domain.NewValidationError(op, "malformed request body: "+err.Error())
	}
	return nil
}

func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindState:
		return http.StatusConflict
	case domain.KindPayment:
		return http.StatusPaymentRequired
	case domain.KindAuthorization:
		return http.StatusForbidden
	}
	if errors.Is(err, engine.ErrHalted) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("Command failed", slog.Any("error", err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error(), Kind: domain.KindOf(err).String()}); err != nil {
		slog.Warn("Failed to write response", slog.Any("error", err))
	}
}
