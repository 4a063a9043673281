package rpc

import (
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lendvault/lending"
	"lendvault/observability"
)

type accountParams struct {
	Address string `json:"address"`
}

type amountParams struct {
	From   string `json:"from"`
	Amount string `json:"amount"`
}

type liquidateParams struct {
	Liquidator string `json:"liquidator"`
	Borrower   string `json:"borrower"`
	Amount     string `json:"amount"`
}

type setParametersParams struct {
	Caller               string `json:"caller"`
	LTV                  string `json:"ltv"`
	LiquidationThreshold string `json:"liquidationThreshold"`
	LiquidationBonus     string `json:"liquidationBonus"`
}

type setInterestRateParams struct {
	Caller string `json:"caller"`
	Rate   string `json:"rate"`
}

type callerParams struct {
	Caller string `json:"caller"`
}

type positionResult struct {
	Collateral  string `json:"collateral"`
	Debt        string `json:"debt"`
	LastAccrual uint64 `json:"lastAccrual"`
}

type valueResult struct {
	Value string `json:"value"`
}

type repayResult struct {
	Repaid string `json:"repaid"`
}

type liquidateResult struct {
	DebtRepaid       string `json:"debtRepaid"`
	CollateralSeized string `json:"collateralSeized"`
}

type marketResult struct {
	TotalCollateral      string `json:"totalCollateral"`
	TotalBorrowed        string `json:"totalBorrowed"`
	LTV                  string `json:"ltv"`
	LiquidationThreshold string `json:"liquidationThreshold"`
	LiquidationBonus     string `json:"liquidationBonus"`
	InterestRate         string `json:"interestRate"`
	Paused               bool   `json:"paused"`
}

type okResult struct {
	OK bool `json:"ok"`
}

func decodeParams(req *RPCRequest, out interface{}) *RPCError {
	if len(req.Params) != 1 {
		return &RPCError{Code: codeInvalidParams, Message: "expected a single parameter object"}
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return &RPCError{Code: codeInvalidParams, Message: "invalid parameter", Data: err.Error()}
	}
	return nil
}

func parseAddress(raw string) (common.Address, *RPCError) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, &RPCError{Code: codeInvalidParams, Message: "invalid address", Data: raw}
	}
	return common.HexToAddress(trimmed), nil
}

func parseAmount(raw string) (*big.Int, *RPCError) {
	trimmed := strings.TrimSpace(raw)
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, &RPCError{Code: codeInvalidParams, Message: "invalid amount", Data: raw}
	}
	return value, nil
}

func writeRPCError(w http.ResponseWriter, id int, rpcErr *RPCError) {
	status := http.StatusBadRequest
	if rpcErr.Code == codeUnauthorized {
		status = http.StatusUnauthorized
	}
	writeError(w, status, id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
}

func (s *Server) observe(method string, start time.Time, err error) {
	observability.Metrics().Observe(method, start, err)
	if err != nil {
		s.log.Error("operation failed",
			slog.String("method", method),
			slog.String("reason", lending.Reason(err)),
			slog.Any("error", err))
		return
	}
	s.log.Info("operation completed", slog.String("method", method))
}

// --- Queries ---

func (s *Server) handleGetPosition(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params accountParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	account, rpcErr := parseAddress(params.Address)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	pos, err := s.engine.GetPosition(account)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, positionResult{
		Collateral:  pos.Collateral.String(),
		Debt:        pos.Debt.String(),
		LastAccrual: pos.LastAccrual,
	})
}

func (s *Server) handleHealthFactor(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params accountParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	account, rpcErr := parseAddress(params.Address)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	value, err := s.engine.HealthFactor(account)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, valueResult{Value: value.String()})
}

func (s *Server) handleMaxBorrowable(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params accountParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	account, rpcErr := parseAddress(params.Address)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	value, err := s.engine.MaxBorrowable(account)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, valueResult{Value: value.String()})
}

func (s *Server) handleGetMarket(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeRPCError(w, req.ID, &RPCError{Code: codeInvalidParams, Message: "no parameters expected"})
		return
	}
	totals, err := s.engine.Totals()
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	params := s.engine.Params()
	writeResult(w, req.ID, marketResult{
		TotalCollateral:      totals.Collateral.String(),
		TotalBorrowed:        totals.Borrowed.String(),
		LTV:                  params.LTV.String(),
		LiquidationThreshold: params.LiquidationThreshold.String(),
		LiquidationBonus:     params.LiquidationBonus.String(),
		InterestRate:         s.engine.InterestRate().String(),
		Paused:               s.engine.Paused(),
	})
}

// --- Mutations ---

func (s *Server) handleDeposit(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleAmountOp(w, req, "lending_deposit", s.engine.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleAmountOp(w, req, "lending_withdraw", s.engine.Withdraw)
}

func (s *Server) handleBorrow(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleAmountOp(w, req, "lending_borrow", s.engine.Borrow)
}

func (s *Server) handleAmountOp(w http.ResponseWriter, req *RPCRequest, method string, op func(common.Address, *big.Int) error) {
	var params amountParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	account, rpcErr := parseAddress(params.From)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	amount, rpcErr := parseAmount(params.Amount)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	start := time.Now()
	err := op(account, amount)
	s.observe(method, start, err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, okResult{OK: true})
}

func (s *Server) handleRepay(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params amountParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	account, rpcErr := parseAddress(params.From)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	amount, rpcErr := parseAmount(params.Amount)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	start := time.Now()
	repaid, err := s.engine.Repay(account, amount)
	s.observe("lending_repay", start, err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, repayResult{Repaid: repaid.String()})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params liquidateParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	liquidator, rpcErr := parseAddress(params.Liquidator)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	borrower, rpcErr := parseAddress(params.Borrower)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	amount, rpcErr := parseAmount(params.Amount)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	start := time.Now()
	repaid, seized, err := s.engine.Liquidate(liquidator, borrower, amount)
	s.observe("lending_liquidate", start, err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, liquidateResult{
		DebtRepaid:       repaid.String(),
		CollateralSeized: seized.String(),
	})
}

// --- Admin ---

func (s *Server) handleSetParameters(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeRPCError(w, req.ID, authErr)
		return
	}
	var params setParametersParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	caller, rpcErr := parseAddress(params.Caller)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	ltv, rpcErr := parseAmount(params.LTV)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	threshold, rpcErr := parseAmount(params.LiquidationThreshold)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	bonus, rpcErr := parseAmount(params.LiquidationBonus)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	err := s.engine.SetParameters(caller, lending.ProtocolParams{
		LTV:                  ltv,
		LiquidationThreshold: threshold,
		LiquidationBonus:     bonus,
	})
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, okResult{OK: true})
}

func (s *Server) handleSetInterestRate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeRPCError(w, req.ID, authErr)
		return
	}
	var params setInterestRateParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	caller, rpcErr := parseAddress(params.Caller)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	rate, rpcErr := parseAmount(params.Rate)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	if err := s.engine.SetInterestRate(caller, rate); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, okResult{OK: true})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handlePauseSwitch(w, r, req, true)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handlePauseSwitch(w, r, req, false)
}

func (s *Server) handlePauseSwitch(w http.ResponseWriter, r *http.Request, req *RPCRequest, pause bool) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeRPCError(w, req.ID, authErr)
		return
	}
	var params callerParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	caller, rpcErr := parseAddress(params.Caller)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	var err error
	if pause {
		err = s.engine.Pause(caller)
	} else {
		err = s.engine.Unpause(caller)
	}
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, okResult{OK: true})
}
