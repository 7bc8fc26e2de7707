package wallet

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/brewgator/wallet-sync/internal/electrum"
)

// Preference keys under which wallet horizons survive restarts
const (
	PrefNextFreeExternal = "wallet_next_free_external"
	PrefNextFreeInternal = "wallet_next_free_internal"
	PrefPaymentCodes     = "wallet_bip47_receive"
	PrefSendCodes        = "wallet_bip47_send"
)

// paymentCodeState is the persisted form of one receive payment code
type paymentCodeState struct {
	Code     string `json:"code"`
	NextFree uint32 `json:"next_free"`
}

// SaveState writes next free indices and known payment codes to prefs
func (w *HDWallet) SaveState(prefs electrum.Preferences) error {
	w.mu.RLock()
	codes := make([]paymentCodeState, 0, len(w.receiveCodes))
	for _, code := range w.receiveCodes {
		codes = append(codes, paymentCodeState{Code: code, NextFree: w.nextFreeReceive[code]})
	}
	sendCodes := append([]string{}, w.sendCodes...)
	values := map[string]string{
		PrefNextFreeExternal: strconv.FormatUint(uint64(w.nextFree[External]), 10),
		PrefNextFreeInternal: strconv.FormatUint(uint64(w.nextFree[Internal]), 10),
	}
	w.mu.RUnlock()

	encoded, err := json.Marshal(codes)
	if err != nil {
		return err
	}
	values[PrefPaymentCodes] = string(encoded)
	encoded, err = json.Marshal(sendCodes)
	if err != nil {
		return err
	}
	values[PrefSendCodes] = string(encoded)

	for key, value := range values {
		if err := prefs.SetPreference(key, value); err != nil {
			return fmt.Errorf("failed to save %s: %w", key, err)
		}
	}
	return nil
}

// LoadState restores what SaveState wrote. Missing keys leave the
// defaults in place.
func (w *HDWallet) LoadState(prefs electrum.Preferences) error {
	for key, chain := range map[string]Chain{PrefNextFreeExternal: External, PrefNextFreeInternal: Internal} {
		value, err := prefs.GetPreference(key)
		if err != nil || value == "" {
			continue
		}
		index, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("malformed %s: %w", key, err)
		}
		w.SetNextFreeIndex(chain, uint32(index))
	}

	if value, err := prefs.GetPreference(PrefPaymentCodes); err == nil && value != "" {
		var codes []paymentCodeState
		if err := json.Unmarshal([]byte(value), &codes); err != nil {
			return fmt.Errorf("malformed %s: %w", PrefPaymentCodes, err)
		}
		for _, code := range codes {
			if w.AddReceivePaymentCode(code.Code) {
				w.mu.Lock()
				w.nextFreeReceive[code.Code] = code.NextFree
				w.mu.Unlock()
			}
		}
	}

	if value, err := prefs.GetPreference(PrefSendCodes); err == nil && value != "" {
		var codes []string
		if err := json.Unmarshal([]byte(value), &codes); err != nil {
			return fmt.Errorf("malformed %s: %w", PrefSendCodes, err)
		}
		for _, code := range codes {
			if err := w.AddSendPaymentCode(code); err != nil {
				return err
			}
		}
	}
	return nil
}
