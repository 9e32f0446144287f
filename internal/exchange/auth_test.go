package exchange

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"hyperhive/pkg/types"
)

// Well-known throwaway development key; never funded on any real network.
const testAgentKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

const testAgentAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

func TestNewSignerDerivesAgentAddress(t *testing.T) {
	t.Parallel()

	s, err := NewSigner(testAgentKey, "", types.NetworkMainnet)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	if s.AgentAddress() != common.HexToAddress(testAgentAddr) {
		t.Errorf("agent address = %s, want %s", s.AgentAddress(), testAgentAddr)
	}
	// No main address configured: the agent acts for itself.
	if s.MainAddress() != s.AgentAddress() {
		t.Errorf("main address = %s, want agent %s", s.MainAddress(), s.AgentAddress())
	}
}

func TestNewSignerStripsHexPrefix(t *testing.T) {
	t.Parallel()

	s, err := NewSigner("0x"+testAgentKey, "", types.NetworkMainnet)
	if err != nil {
		t.Fatalf("NewSigner with 0x prefix: %v", err)
	}
	if s.AgentAddress() != common.HexToAddress(testAgentAddr) {
		t.Errorf("agent address = %s, want %s", s.AgentAddress(), testAgentAddr)
	}
}

func TestNewSignerBindsMainAddress(t *testing.T) {
	t.Parallel()

	main := "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	s, err := NewSigner(testAgentKey, main, types.NetworkMainnet)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if s.MainAddress() != common.HexToAddress(main) {
		t.Errorf("main address = %s, want %s", s.MainAddress(), main)
	}
}

func TestNewSignerRejectsBadInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		key  string
		main string
	}{
		{"empty key", "", ""},
		{"short key", "abcd", ""},
		{"non-hex key", strings.Repeat("zz", 32), ""},
		{"bad main address", testAgentKey, "not-an-address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewSigner(tt.key, tt.main, types.NetworkMainnet); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestNextNonceStrictlyIncreasing(t *testing.T) {
	t.Parallel()

	s, err := NewSigner(testAgentKey, "", types.NetworkMainnet)
	if err != nil {
		t.Fatal(err)
	}

	prev := s.NextNonce()
	for i := 0; i < 1000; i++ {
		n := s.NextNonce()
		if n <= prev {
			t.Fatalf("nonce %d not greater than previous %d", n, prev)
		}
		prev = n
	}
}

func TestSignActionDeterministic(t *testing.T) {
	t.Parallel()

	s, err := NewSigner(testAgentKey, "", types.NetworkMainnet)
	if err != nil {
		t.Fatal(err)
	}

	action := cancelAction{Type: "cancel", Cancels: []wireCancel{{Asset: 3, Oid: 42}}}

	sig1, err := s.SignAction(action, 1700000000000)
	if err != nil {
		t.Fatalf("SignAction: %v", err)
	}
	sig2, err := s.SignAction(action, 1700000000000)
	if err != nil {
		t.Fatalf("SignAction: %v", err)
	}

	if sig1 != sig2 {
		t.Errorf("same action and nonce produced different signatures: %+v vs %+v", sig1, sig2)
	}
	if sig1.V != 27 && sig1.V != 28 {
		t.Errorf("V = %d, want 27 or 28", sig1.V)
	}
	if !strings.HasPrefix(sig1.R, "0x") || !strings.HasPrefix(sig1.S, "0x") {
		t.Errorf("R/S not hex encoded: %q %q", sig1.R, sig1.S)
	}
}

func TestSignActionNonceSensitivity(t *testing.T) {
	t.Parallel()

	s, err := NewSigner(testAgentKey, "", types.NetworkMainnet)
	if err != nil {
		t.Fatal(err)
	}

	action := cancelAction{Type: "cancel", Cancels: []wireCancel{{Asset: 3, Oid: 42}}}

	sig1, err := s.SignAction(action, 1700000000000)
	if err != nil {
		t.Fatal(err)
	}
	sig2, err := s.SignAction(action, 1700000000001)
	if err != nil {
		t.Fatal(err)
	}

	if sig1 == sig2 {
		t.Error("different nonces produced identical signatures")
	}
}

func TestSignActionEnvironmentSensitivity(t *testing.T) {
	t.Parallel()

	mainnet, err := NewSigner(testAgentKey, "", types.NetworkMainnet)
	if err != nil {
		t.Fatal(err)
	}
	testnet, err := NewSigner(testAgentKey, "", types.NetworkTestnet)
	if err != nil {
		t.Fatal(err)
	}

	action := orderAction{Type: "order", Grouping: "na"}

	sigMain, err := mainnet.SignAction(action, 1700000000000)
	if err != nil {
		t.Fatal(err)
	}
	sigTest, err := testnet.SignAction(action, 1700000000000)
	if err != nil {
		t.Fatal(err)
	}

	if sigMain == sigTest {
		t.Error("mainnet and testnet signatures should differ for the same action")
	}
}

func TestActionHashSensitivity(t *testing.T) {
	t.Parallel()

	a := cancelAction{Type: "cancel", Cancels: []wireCancel{{Asset: 1, Oid: 7}}}
	b := cancelAction{Type: "cancel", Cancels: []wireCancel{{Asset: 1, Oid: 8}}}

	ha, err := actionHash(a, 1)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := actionHash(b, 1)
	if err != nil {
		t.Fatal(err)
	}
	haNonce, err := actionHash(a, 2)
	if err != nil {
		t.Fatal(err)
	}

	if ha == hb {
		t.Error("different actions hashed identically")
	}
	if ha == haNonce {
		t.Error("different nonces hashed identically")
	}
}
