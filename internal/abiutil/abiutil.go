// Package abiutil collects the small ABI and hex helpers every adapter
// and the contract client need: loading ABI JSON (bare or inside a
// Hardhat artifact), hex decoding, and receipt gas-cost extraction.
package abiutil

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// LoadABI parses a bare ABI JSON file (an array of method/event
// objects) from disk.
func LoadABI(path string) (abi.ABI, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("read abi file %s: %w", path, err)
	}
	parsed, err := abi.JSON(strings.NewReader(string(raw)))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse abi file %s: %w", path, err)
	}
	return parsed, nil
}

// hardhatArtifact is the subset of a Hardhat compilation artifact this
// engine cares about: the "abi" field nested inside the build output.
type hardhatArtifact struct {
	Abi json.RawMessage `json:"abi"`
}

// LoadABIFromHardhatArtifact extracts and parses the "abi" field of a
// Hardhat-style compiled-contract artifact JSON file.
func LoadABIFromHardhatArtifact(path string) (abi.ABI, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("read artifact %s: %w", path, err)
	}
	var artifact hardhatArtifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return abi.ABI{}, fmt.Errorf("unmarshal artifact %s: %w", path, err)
	}
	parsed, err := abi.JSON(strings.NewReader(string(artifact.Abi)))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse artifact abi %s: %w", path, err)
	}
	return parsed, nil
}

// Hex2Bytes strips an optional "0x" prefix and decodes the remainder.
func Hex2Bytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 != 0 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hex %q: %w", s, err)
	}
	return b, nil
}

// ExtractGasCost multiplies a receipt's gasUsed by its effectiveGasPrice,
// both carried as hex strings in TxReceipt, returning the cost in wei.
func ExtractGasCost(gasUsedHex, effectiveGasPriceHex string) (*big.Int, error) {
	gasUsed, ok := new(big.Int).SetString(strings.TrimPrefix(gasUsedHex, "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("parse gasUsed %q", gasUsedHex)
	}
	gasPrice, ok := new(big.Int).SetString(strings.TrimPrefix(effectiveGasPriceHex, "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("parse effectiveGasPrice %q", effectiveGasPriceHex)
	}
	return new(big.Int).Mul(gasUsed, gasPrice), nil
}
