package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/brewgator/wallet-sync/internal/electrum"
	"github.com/brewgator/wallet-sync/internal/wallet"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"
)

// Electrum is what the API needs from the connection manager
type Electrum interface {
	State() electrum.ConnectionState
	EstimateFees(ctx context.Context) (electrum.FeeEstimates, error)
	Broadcast(ctx context.Context, rawHex string) (string, error)
}

var _ Electrum = (*electrum.Manager)(nil)

type Server struct {
	electrum Electrum
	sync     *wallet.SyncService
	router   *mux.Router
	handler  http.Handler
	srv      *http.Server
}

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// BroadcastRequest is the body of POST /api/broadcast
type BroadcastRequest struct {
	Hex string `json:"hex"`
}

// NewServer creates the status API. sync may be nil when no wallet is
// configured; wallet endpoints then answer 404.
func NewServer(e Electrum, sync *wallet.SyncService, allowedOrigins []string) *Server {
	s := &Server{
		electrum: e,
		sync:     sync,
		router:   mux.NewRouter(),
	}
	s.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	s.handler = c.Handler(s.router)
	return s
}

// Handler returns the CORS wrapped router
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on addr until Shutdown
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("🚀 Wallet sync API starting on http://%s", addr)
	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops a server started by ListenAndServe
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Electrum endpoints
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/fees", s.handleFees).Methods("GET")
	api.HandleFunc("/broadcast", s.handleBroadcast).Methods("POST")

	// Wallet endpoints
	api.HandleFunc("/wallet/balance", s.handleBalance).Methods("GET")
	api.HandleFunc("/wallet/transactions", s.handleTransactions).Methods("GET")
	api.HandleFunc("/wallet/utxos", s.handleUtxos).Methods("GET")
	api.HandleFunc("/wallet/address", s.handleAddress).Methods("GET")

	// Health check
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.router.Handle("/metrics", promhttp.Handler())
}

// StatusResponse is the body of GET /api/status
type StatusResponse struct {
	Electrum electrum.ConnectionState `json:"electrum"`
	Wallet   *WalletStatus            `json:"wallet,omitempty"`
}

// WalletStatus summarizes the last sync
type WalletStatus struct {
	LastSync            *time.Time `json:"last_sync,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	NextFreeExternal    uint32     `json:"next_free_external"`
	NextFreeInternal    uint32     `json:"next_free_internal"`
	BIP47Enabled        bool       `json:"bip47_enabled"`
	ReceivePaymentCodes []string   `json:"receive_payment_codes,omitempty"`
	NotificationAddress string     `json:"notification_address,omitempty"`
	PaymentCode         string     `json:"payment_code,omitempty"`
	TransactionCount    int        `json:"transaction_count"`
	UnspentOutputsCount int        `json:"unspent_outputs_count"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := StatusResponse{Electrum: s.electrum.State()}

	if s.sync != nil {
		hd := s.sync.Wallet()
		ws := &WalletStatus{
			NextFreeExternal:    hd.NextFreeIndex(wallet.External),
			NextFreeInternal:    hd.NextFreeIndex(wallet.Internal),
			BIP47Enabled:        hd.BIP47Enabled(),
			ReceivePaymentCodes: hd.ReceivePaymentCodes(),
			TransactionCount:    len(hd.GetTransactions()),
			UnspentOutputsCount: len(hd.UTXOs()),
		}
		if last := hd.LastSync(); !last.IsZero() {
			ws.LastSync = &last
		}
		if err := s.sync.LastError(); err != nil {
			ws.LastError = err.Error()
		}
		if ws.BIP47Enabled {
			ws.PaymentCode, _ = hd.PaymentCode()
			ws.NotificationAddress, _ = hd.NotificationAddress()
		}
		status.Wallet = ws
	}

	s.writeJSON(w, APIResponse{Success: true, Data: status})
}

func (s *Server) handleFees(w http.ResponseWriter, r *http.Request) {
	fees, err := s.electrum.EstimateFees(r.Context())
	if err != nil {
		log.Printf("handleFees: failed to estimate fees: %v", err)
		s.writeError(w, http.StatusBadGateway, "Failed to estimate fees")
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: fees})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Hex == "" {
		s.writeError(w, http.StatusBadRequest, "Request body must contain a transaction hex")
		return
	}

	txid, err := s.electrum.Broadcast(r.Context(), req.Hex)
	if err != nil {
		log.Printf("handleBroadcast: broadcast rejected: %v", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: map[string]string{"txid": txid}})
}

// wallet returns the synced wallet, answering 404 when none is configured
func (s *Server) wallet(w http.ResponseWriter) (*wallet.HDWallet, bool) {
	if s.sync == nil {
		s.writeError(w, http.StatusNotFound, "No wallet configured")
		return nil, false
	}
	return s.sync.Wallet(), true
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	hd, ok := s.wallet(w)
	if !ok {
		return
	}
	balance := hd.Balance()
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]int64{
			"confirmed":   balance.Confirmed,
			"unconfirmed": balance.Unconfirmed,
			"total":       balance.Confirmed + balance.Unconfirmed,
		},
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	hd, ok := s.wallet(w)
	if !ok {
		return
	}

	records := hd.GetTransactions()
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		if limit < len(records) {
			records = records[:limit]
		}
	}
	s.writeJSON(w, APIResponse{Success: true, Data: records})
}

func (s *Server) handleUtxos(w http.ResponseWriter, r *http.Request) {
	hd, ok := s.wallet(w)
	if !ok {
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: hd.UTXOs()})
}

func (s *Server) handleAddress(w http.ResponseWriter, r *http.Request) {
	hd, ok := s.wallet(w)
	if !ok {
		return
	}
	address, err := hd.NextFreeAddress()
	if err != nil {
		log.Printf("handleAddress: failed to derive address: %v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to derive address")
		return
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"address": address,
			"index":   hd.NextFreeIndex(wallet.External),
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"status":    "healthy",
			"connected": s.electrum.State().Connected,
			"timestamp": time.Now(),
		},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Failed to encode JSON response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	}); err != nil {
		log.Printf("Failed to encode error response (status %d, message %q): %v", status, message, err)
	}
}
