package bitcoin

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// scriptDecoder turns an output script into an address when the script has
// the structure the decoder understands.
type scriptDecoder struct {
	scriptType string
	decode     func(script []byte, params *chaincfg.Params) (btcutil.Address, error)
}

var errWrongForm = errors.New("script does not match address form")

// addressDecoders is the order output scripts are resolved in: native
// segwit, script-wrapped segwit, legacy, then taproot and the remaining
// witness forms. The first decoder that succeeds wins.
var addressDecoders = []scriptDecoder{
	{scriptType: "witness_v0_keyhash", decode: decodeNativeSegwit},
	{scriptType: "scripthash", decode: decodeWrappedSegwit},
	{scriptType: "pubkeyhash", decode: decodeLegacy},
	{decode: decodeWitnessProgram},
}

func decodeNativeSegwit(script []byte, params *chaincfg.Params) (btcutil.Address, error) {
	if !txscript.IsPayToWitnessPubKeyHash(script) {
		return nil, errWrongForm
	}
	return btcutil.NewAddressWitnessPubKeyHash(script[2:22], params)
}

func decodeWrappedSegwit(script []byte, params *chaincfg.Params) (btcutil.Address, error) {
	if !txscript.IsPayToScriptHash(script) {
		return nil, errWrongForm
	}
	return btcutil.NewAddressScriptHashFromHash(script[2:22], params)
}

func decodeLegacy(script []byte, params *chaincfg.Params) (btcutil.Address, error) {
	if !txscript.IsPayToPubKeyHash(script) {
		return nil, errWrongForm
	}
	return btcutil.NewAddressPubKeyHash(script[3:23], params)
}

func decodeWitnessProgram(script []byte, params *chaincfg.Params) (btcutil.Address, error) {
	class, addrs, _, err := txscript.ExtractPkScriptAddrs(script, params)
	if err != nil {
		return nil, err
	}
	switch class {
	case txscript.WitnessV1TaprootTy, txscript.WitnessV0ScriptHashTy:
	default:
		return nil, errWrongForm
	}
	if len(addrs) != 1 {
		return nil, errWrongForm
	}
	return addrs[0], nil
}

// OutputAddress resolves an output script to its address and script type.
// Returns ErrNoAddress when no decoder accepts the script.
func OutputAddress(script []byte, params *chaincfg.Params) (string, string, error) {
	for _, d := range addressDecoders {
		addr, err := d.decode(script, params)
		if err != nil {
			continue
		}
		scriptType := d.scriptType
		if scriptType == "" {
			scriptType = txscript.GetScriptClass(script).String()
		}
		return addr.EncodeAddress(), scriptType, nil
	}
	return "", "", ErrNoAddress
}

// ScriptHashFromScript computes the Electrum scripthash of an output script:
// sha256, byte-reversed, hex encoded.
func ScriptHashFromScript(script []byte) string {
	sum := sha256.Sum256(script)
	for i, j := 0, len(sum)-1; i < j; i, j = i+1, j-1 {
		sum[i], sum[j] = sum[j], sum[i]
	}
	return hex.EncodeToString(sum[:])
}

// AddressToScriptHash computes the Electrum scripthash of an address
func AddressToScriptHash(address string, params *chaincfg.Params) (string, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidAddress, address)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return "", fmt.Errorf("failed to build output script for %s: %w", address, err)
	}
	return ScriptHashFromScript(script), nil
}
