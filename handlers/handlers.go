package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"voting-aggregator/aggregator"
	"voting-aggregator/chain"
	"voting-aggregator/checkpoint"
	"voting-aggregator/logger"
	"voting-aggregator/models"
	"voting-aggregator/period"
	"voting-aggregator/registry"
	"voting-aggregator/source"
	"voting-aggregator/token"
)

var (
	errBadRequest   = errors.New("invalid request")
	errUnknownToken = errors.New("unknown token")
)

// HeightStore persists the block height after it moves.
type HeightStore interface {
	PutHeight(height uint64) error
}

type Options struct {
	AutoMine bool // mine one block after every successful mutation
	Heights  HeightStore
}

// Handler contains the HTTP handlers for the voting power API
type Handler struct {
	Aggregator *aggregator.Aggregator
	Blocks     *chain.BlockCounter

	tokens   map[common.Address]*token.Ledger
	autoMine bool
	heights  HeightStore

	// mineMu keeps the persisted height in step with Blocks.
	mineMu sync.Mutex
}

// NewHandler creates and returns a new Handler instance
func NewHandler(agg *aggregator.Aggregator, blocks *chain.BlockCounter, tokens []*token.Ledger, opts Options) *Handler {
	byAddr := make(map[common.Address]*token.Ledger, len(tokens))
	for _, l := range tokens {
		byAddr[l.Address()] = l
	}
	return &Handler{
		Aggregator: agg,
		Blocks:     blocks,
		tokens:     byAddr,
		autoMine:   opts.AutoMine,
		heights:    opts.Heights,
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, msg string, err error) {
	logger.Logger.Error(msg, zap.Error(err))
	writeJSON(w, statusFor(err), map[string]string{
		"error": err.Error(),
	})
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNoPowerSource),
		errors.Is(err, period.ErrNoPeriods),
		errors.Is(err, period.ErrInvalidIndex),
		errors.Is(err, errUnknownToken):
		return http.StatusNotFound

	case errors.Is(err, aggregator.ErrCanNotForward):
		return http.StatusForbidden

	case errors.Is(err, aggregator.ErrSourceCallFailed),
		errors.Is(err, source.ErrMalformedResponse),
		errors.Is(err, aggregator.ErrOverflow):
		return http.StatusBadGateway

	// ordering violations and registration policy
	case errors.Is(err, registry.ErrSameWeight),
		errors.Is(err, registry.ErrZeroWeight),
		errors.Is(err, registry.ErrTooManySources),
		errors.Is(err, aggregator.ErrPowerSourceNotContract),
		errors.Is(err, registry.ErrSourceAlreadyAdded),
		errors.Is(err, registry.ErrSourceNotEnabled),
		errors.Is(err, registry.ErrSourceNotDisabled),
		errors.Is(err, checkpoint.ErrPastInsertion),
		errors.Is(err, period.ErrPeriodStillActive),
		errors.Is(err, period.ErrLastPeriodNotActive),
		errors.Is(err, period.ErrBadStopTime),
		errors.Is(err, token.ErrInsufficientBalance):
		return http.StatusConflict

	// input range and malformed requests
	case errors.Is(err, errBadRequest),
		errors.Is(err, checkpoint.ErrOverflow),
		errors.Is(err, period.ErrTimeTooBig),
		errors.Is(err, aggregator.ErrInvalidCallOrSelector),
		errors.Is(err, source.ErrInvalidAddress),
		errors.Is(err, source.ErrInvalidKind),
		errors.Is(err, token.ErrZeroAmount):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a decimal amount", errBadRequest, s)
	}
	return v, nil
}

// referencePoint reads the optional decimal reference point in s,
// defaulting to the current block.
func (h *Handler) referencePoint(s string) (uint64, error) {
	if s == "" {
		return h.Blocks.Current(), nil
	}
	v, err := parseAmount(s)
	if err != nil {
		return 0, err
	}
	return checkpoint.ReferencePoint(v)
}

func parseID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: source id: %v", errBadRequest, err)
	}
	return id, nil
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// mined closes the block a mutation was recorded in
func (h *Handler) mined() {
	if !h.autoMine {
		return
	}
	if height, err := h.advance(1); err != nil {
		// restore reconciles the clock with the stored histories
		logger.Logger.Warn("Failed to persist block height", zap.Uint64("height", height), zap.Error(err))
	}
}

func (h *Handler) advance(n uint64) (uint64, error) {
	h.mineMu.Lock()
	defer h.mineMu.Unlock()

	var height uint64
	for i := uint64(0); i < n; i++ {
		height = h.Blocks.Advance()
	}
	if h.heights != nil {
		if err := h.heights.PutHeight(height); err != nil {
			return height, fmt.Errorf("persist block height %d: %w", height, err)
		}
	}
	return height, nil
}

// AddSource handles POST requests to register a new power source
func (h *Handler) AddSource(w http.ResponseWriter, r *http.Request) {
	var req models.AddSourceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "Failed to decode source", err)
		return
	}

	addr, err := source.ParseAddress(req.Address)
	if err != nil {
		writeError(w, "Invalid source address", err)
		return
	}
	kind, err := source.ParseKind(req.Kind)
	if err != nil {
		writeError(w, "Invalid source kind", err)
		return
	}
	weight, err := parseAmount(req.Weight)
	if err != nil {
		writeError(w, "Invalid source weight", err)
		return
	}

	id, err := h.Aggregator.AddPowerSource(addr, kind, weight)
	if err != nil {
		writeError(w, "Failed to add power source", err)
		return
	}
	h.mined()

	src, err := h.Aggregator.PowerSource(id)
	if err != nil {
		writeError(w, "Failed to load power source", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Power source added successfully",
		"source":  src,
	})
}

func (h *Handler) ListSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sources":     h.Aggregator.PowerSources(),
		"length":      h.Aggregator.PowerSourcesLength(),
		"max_sources": h.Aggregator.MaxSources(),
	})
}

// GetSource returns a power source together with its weight history
func (h *Handler) GetSource(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, "Invalid source id", err)
		return
	}
	src, err := h.Aggregator.PowerSource(id)
	if err != nil {
		writeError(w, "Failed to get power source", err)
		return
	}
	history, err := h.Aggregator.SourceWeightHistory(id)
	if err != nil {
		writeError(w, "Failed to get weight history", err)
		return
	}

	weights := make([]models.Checkpoint, len(history))
	for i, cp := range history {
		weights[i] = models.Checkpoint{At: cp.At, Value: cp.Value.String()}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"source":  src,
		"weights": weights,
	})
}

func (h *Handler) ChangeWeight(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, "Invalid source id", err)
		return
	}
	var req models.WeightRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "Failed to decode weight", err)
		return
	}
	weight, err := parseAmount(req.Weight)
	if err != nil {
		writeError(w, "Invalid source weight", err)
		return
	}

	if err := h.Aggregator.ChangeSourceWeight(id, weight); err != nil {
		writeError(w, "Failed to change source weight", err)
		return
	}
	h.mined()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Weight changed successfully",
		"id":      id,
		"weight":  weight.String(),
	})
}

func (h *Handler) DisableSource(w http.ResponseWriter, r *http.Request) {
	h.toggleSource(w, r, false)
}

func (h *Handler) EnableSource(w http.ResponseWriter, r *http.Request) {
	h.toggleSource(w, r, true)
}

func (h *Handler) toggleSource(w http.ResponseWriter, r *http.Request, enable bool) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, "Invalid source id", err)
		return
	}

	if enable {
		err = h.Aggregator.EnableSource(id)
	} else {
		err = h.Aggregator.DisableSource(id)
	}
	if err != nil {
		writeError(w, "Failed to toggle power source", err)
		return
	}
	h.mined()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      id,
		"enabled": enable,
	})
}

func (h *Handler) GetSourceWeight(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, "Invalid source id", err)
		return
	}
	at, err := h.referencePoint(r.URL.Query().Get("at"))
	if err != nil {
		writeError(w, "Invalid reference point", err)
		return
	}

	weight, err := h.Aggregator.SourceWeightAt(id, at)
	if err != nil {
		writeError(w, "Failed to get source weight", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"at":     at,
		"weight": weight.String(),
	})
}

// GetBalance handles GET requests for the voting power of an account
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	account, err := source.ParseAddress(mux.Vars(r)["account"])
	if err != nil {
		writeError(w, "Invalid account", err)
		return
	}
	at, err := h.referencePoint(r.URL.Query().Get("at"))
	if err != nil {
		writeError(w, "Invalid reference point", err)
		return
	}

	balance, err := h.Aggregator.BalanceOfAt(r.Context(), account, at)
	if err != nil {
		writeError(w, "Failed to aggregate balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account": account.Hex(),
		"at":      at,
		"balance": balance.String(),
	})
}

// GetSupply handles GET requests for the total voting power
func (h *Handler) GetSupply(w http.ResponseWriter, r *http.Request) {
	at, err := h.referencePoint(r.URL.Query().Get("at"))
	if err != nil {
		writeError(w, "Invalid reference point", err)
		return
	}

	supply, err := h.Aggregator.TotalSupplyAt(r.Context(), at)
	if err != nil {
		writeError(w, "Failed to aggregate supply", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"at":     at,
		"supply": supply.String(),
	})
}

func (h *Handler) CanForward(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	account, err := source.ParseAddress(q.Get("account"))
	if err != nil {
		writeError(w, "Invalid account", err)
		return
	}
	var script []byte
	if s := q.Get("script"); s != "" {
		if script, err = hexutil.Decode(s); err != nil {
			writeError(w, "Invalid script", fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
	}

	ok, err := h.Aggregator.CanForward(r.Context(), account, script)
	if err != nil {
		writeError(w, "Failed to check forwarding", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account":     account.Hex(),
		"can_forward": ok,
	})
}

// Forward executes a call script on behalf of an account holding voting power
func (h *Handler) Forward(w http.ResponseWriter, r *http.Request) {
	var req models.ForwardRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "Failed to decode forward request", err)
		return
	}
	account, err := source.ParseAddress(req.Account)
	if err != nil {
		writeError(w, "Invalid account", err)
		return
	}
	script, err := hexutil.Decode(req.Script)
	if err != nil {
		writeError(w, "Invalid script", fmt.Errorf("%w: %v", aggregator.ErrInvalidCallOrSelector, err))
		return
	}

	if err := h.Aggregator.Forward(r.Context(), script, account); err != nil {
		writeError(w, "Failed to forward script", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Script forwarded successfully",
	})
}

func (h *Handler) GetForwardingPeriods(w http.ResponseWriter, r *http.Request) {
	periods := h.Aggregator.ForwardingPeriods()
	out := make([]models.Period, len(periods))
	for i, p := range periods {
		out[i] = models.Period{EnabledFrom: p.EnabledFrom}
		if !p.IsOpen() {
			end := p.DisabledOn
			out[i].DisabledOn = &end
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"periods": out,
		"active":  h.Aggregator.IsForwardingEnabledAt(h.Blocks.Current()),
	})
}

func (h *Handler) StartForwarding(w http.ResponseWriter, r *http.Request) {
	h.updateForwarding(w, r, true)
}

func (h *Handler) StopForwarding(w http.ResponseWriter, r *http.Request) {
	h.updateForwarding(w, r, false)
}

func (h *Handler) updateForwarding(w http.ResponseWriter, r *http.Request, start bool) {
	var req models.PeriodRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "Failed to decode period request", err)
		return
	}
	at, err := h.referencePoint(req.At)
	if errors.Is(err, checkpoint.ErrOverflow) {
		err = period.ErrTimeTooBig
	}
	if err != nil {
		writeError(w, "Invalid reference point", err)
		return
	}

	if start {
		err = h.Aggregator.StartForwardingFrom(at)
	} else {
		err = h.Aggregator.StopForwardingAt(at)
	}
	if err != nil {
		writeError(w, "Failed to update forwarding periods", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"at":      at,
		"started": start,
	})
}

func (h *Handler) ledger(r *http.Request) (*token.Ledger, error) {
	addr, err := source.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		return nil, err
	}
	l, ok := h.tokens[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownToken, addr.Hex())
	}
	return l, nil
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.tokenEvent(w, r, false)
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.tokenEvent(w, r, true)
}

func (h *Handler) tokenEvent(w http.ResponseWriter, r *http.Request, withdraw bool) {
	l, err := h.ledger(r)
	if err != nil {
		writeError(w, "Failed to find token", err)
		return
	}
	var req models.TokenEventRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "Failed to decode token event", err)
		return
	}
	account, err := source.ParseAddress(req.Account)
	if err != nil {
		writeError(w, "Invalid account", err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, "Invalid amount", err)
		return
	}

	if withdraw {
		err = l.Withdraw(account, amount)
	} else {
		err = l.Deposit(account, amount)
	}
	if err != nil {
		writeError(w, "Failed to record token event", err)
		return
	}
	at := h.Blocks.Current()
	h.mined()

	balance, err := l.BalanceOfAt(r.Context(), account, at)
	if err != nil {
		writeError(w, "Failed to read token balance", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"token":   l.Address().Hex(),
		"account": account.Hex(),
		"at":      at,
		"balance": balance.String(),
	})
}

func (h *Handler) GetTokenBalance(w http.ResponseWriter, r *http.Request) {
	l, err := h.ledger(r)
	if err != nil {
		writeError(w, "Failed to find token", err)
		return
	}
	account, err := source.ParseAddress(mux.Vars(r)["account"])
	if err != nil {
		writeError(w, "Invalid account", err)
		return
	}
	at, err := h.referencePoint(r.URL.Query().Get("at"))
	if err != nil {
		writeError(w, "Invalid reference point", err)
		return
	}

	balance, err := l.BalanceOfAt(r.Context(), account, at)
	if err != nil {
		writeError(w, "Failed to read token balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":       l.Address().Hex(),
		"symbol":      l.Symbol(),
		"account":     account.Hex(),
		"at":          at,
		"balance":     balance.String(),
		"checkpoints": l.HolderHistorySize(account),
	})
}

func (h *Handler) GetCurrentBlock(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"block": h.Blocks.Current(),
	})
}

// MineBlocks advances the reference point by count blocks, one by default
func (h *Handler) MineBlocks(w http.ResponseWriter, r *http.Request) {
	count := uint64(1)
	if s := r.URL.Query().Get("count"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil || n == 0 || n > 1000 {
			writeError(w, "Invalid block count", fmt.Errorf("%w: count must be in [1, 1000]", errBadRequest))
			return
		}
		count = n
	}

	height, err := h.advance(count)
	if err != nil {
		writeError(w, "Failed to mine blocks", err)
		return
	}
	logger.Logger.Info("Mined blocks", zap.Uint64("count", count), zap.Uint64("height", height))
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"block": height,
	})
}
