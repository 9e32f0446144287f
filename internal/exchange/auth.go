// auth.go implements delegated agent-key signing for the venue's /exchange
// endpoint.
//
// The hive never holds the main account's key. It holds an agent key the main
// account approved on-chain; the venue accepts actions signed by the agent on
// the main account's behalf. Each action body is hashed together with a
// strictly increasing nonce into a connection id, and the id is signed as
// EIP-712 typed data. Credentials are never logged.
package exchange

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	json "github.com/goccy/go-json"

	"hyperhive/pkg/types"
)

// signingChainID is fixed by the venue's signature scheme and is independent
// of the network the venue settles on.
var signingChainID = big.NewInt(1337)

// Signer signs /exchange actions with a delegated agent key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	agentAddr  common.Address // derived from privateKey
	mainAddr   common.Address // the approving account the agent acts for
	source     string         // venue environment marker: "a" mainnet, "b" testnet

	mu    sync.Mutex
	nonce uint64 // last issued nonce (ms timestamps, strictly increasing)
}

// NewSigner parses the agent private key and binds it to the main account.
func NewSigner(privateKeyHex, mainAddress string, network types.Network) (*Signer, error) {
	keyHex := privateKeyHex
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}

	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse agent key: %w", err)
	}

	if mainAddress != "" && !common.IsHexAddress(mainAddress) {
		return nil, fmt.Errorf("main address %q is not a hex address", mainAddress)
	}

	agent := crypto.PubkeyToAddress(privateKey.PublicKey)
	main := common.HexToAddress(mainAddress)
	if mainAddress == "" {
		// Agent trading for itself: valid for test accounts.
		main = agent
	}

	source := "a"
	if network == types.NetworkTestnet {
		source = "b"
	}

	return &Signer{
		privateKey: privateKey,
		agentAddr:  agent,
		mainAddr:   main,
		source:     source,
	}, nil
}

// AgentAddress returns the address of the signing agent key.
func (s *Signer) AgentAddress() common.Address {
	return s.agentAddr
}

// MainAddress returns the account the agent acts for. Account-scoped queries
// (open orders, positions, fills) run against this address.
func (s *Signer) MainAddress() common.Address {
	return s.mainAddr
}

// NextNonce returns a strictly increasing nonce. Nonces are millisecond
// timestamps; concurrent calls within the same millisecond are bumped so no
// two actions ever share one.
func (s *Signer) NextNonce() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := uint64(time.Now().UnixMilli())
	if n <= s.nonce {
		n = s.nonce + 1
	}
	s.nonce = n
	return n
}

// SignAction hashes the action with its nonce and signs the digest as typed
// data. The returned signature goes into the exchangeRequest envelope
// verbatim.
func (s *Signer) SignAction(action any, nonce uint64) (wireSignature, error) {
	connectionID, err := actionHash(action, nonce)
	if err != nil {
		return wireSignature{}, err
	}

	sig, err := s.signTypedData(
		&apitypes.TypedDataDomain{
			Name:              "Exchange",
			Version:           "1",
			ChainId:           (*ethmath.HexOrDecimal256)(new(big.Int).Set(signingChainID)),
			VerifyingContract: common.Address{}.Hex(),
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		apitypes.TypedDataMessage{
			"source":       s.source,
			"connectionId": hexutil.Encode(connectionID[:]),
		},
		"Agent",
	)
	if err != nil {
		return wireSignature{}, fmt.Errorf("sign action: %w", err)
	}

	return wireSignature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: sig[64],
	}, nil
}

// signTypedData signs EIP-712 typed data and adjusts V to 27/28.
func (s *Signer) signTypedData(
	domain *apitypes.TypedDataDomain,
	typesDef apitypes.Types,
	message apitypes.TypedDataMessage,
	primaryType string,
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       typesDef,
		PrimaryType: primaryType,
		Domain:      *domain,
		Message:     message,
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}

	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// actionHash computes the connection id for an action: the serialized body,
// the nonce big-endian, and a trailing zero byte (no vault address), run
// through keccak256. The venue recomputes the same digest to verify.
func actionHash(action any, nonce uint64) ([32]byte, error) {
	body, err := json.Marshal(action)
	if err != nil {
		return [32]byte{}, fmt.Errorf("marshal action: %w", err)
	}

	buf := make([]byte, 0, len(body)+9)
	buf = append(buf, body...)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	buf = append(buf, n[:]...)
	buf = append(buf, 0x00)

	var out [32]byte
	copy(out[:], crypto.Keccak256(buf))
	return out, nil
}
