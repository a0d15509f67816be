package routers

import (
	"voting-aggregator/handlers"

	"github.com/gorilla/mux"
)

// RegisterRoutes sets up all the HTTP routes for the voting power API
func RegisterRoutes(r *mux.Router, h *handlers.Handler) {

	// Power source registry
	r.HandleFunc("/sources", h.AddSource).Methods("POST")
	r.HandleFunc("/sources", h.ListSources).Methods("GET")
	r.HandleFunc("/sources/{id:[0-9]+}", h.GetSource).Methods("GET")
	r.HandleFunc("/sources/{id:[0-9]+}/weight", h.ChangeWeight).Methods("PUT")
	r.HandleFunc("/sources/{id:[0-9]+}/weight", h.GetSourceWeight).Methods("GET")
	r.HandleFunc("/sources/{id:[0-9]+}/disable", h.DisableSource).Methods("POST")
	r.HandleFunc("/sources/{id:[0-9]+}/enable", h.EnableSource).Methods("POST")

	// Aggregated voting power, optionally at a past block via ?at=
	r.HandleFunc("/accounts/{account}/balance", h.GetBalance).Methods("GET")
	r.HandleFunc("/supply", h.GetSupply).Methods("GET")

	// Forwarding of call scripts by holders of voting power
	r.HandleFunc("/forward/check", h.CanForward).Methods("GET")
	r.HandleFunc("/forward", h.Forward).Methods("POST")
	r.HandleFunc("/forward/periods", h.GetForwardingPeriods).Methods("GET")
	r.HandleFunc("/forward/periods/start", h.StartForwarding).Methods("POST")
	r.HandleFunc("/forward/periods/stop", h.StopForwarding).Methods("POST")

	// Wrapped token ledgers hosted by this service
	r.HandleFunc("/tokens/{address}/deposits", h.Deposit).Methods("POST")
	r.HandleFunc("/tokens/{address}/withdrawals", h.Withdraw).Methods("POST")
	r.HandleFunc("/tokens/{address}/balance/{account}", h.GetTokenBalance).Methods("GET")

	// Reference point
	r.HandleFunc("/blocks/current", h.GetCurrentBlock).Methods("GET")
	r.HandleFunc("/blocks", h.MineBlocks).Methods("POST")
}
