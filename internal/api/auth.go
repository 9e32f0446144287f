// auth.go gates the control plane. Two credential forms are accepted: the
// configured admin token, or a personal-sign envelope proving control of an
// owner wallet. Wallet callers only see and operate their own strategies.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"hyperhive/internal/config"
	"hyperhive/pkg/types"
)

const (
	headerAdminToken = "x-admin-token"
	headerWallet     = "x-wallet-address"
	headerMessage    = "x-auth-message"
	headerSignature  = "x-auth-signature"

	defaultAuthWindow = 5 * time.Minute
)

// caller is the authenticated principal of one request. Wallet holds the
// checksummed address for non-admin callers and doubles as the owner scope.
type caller struct {
	admin  bool
	wallet string
}

// owner returns the registry owner filter for this caller; admin sees all.
func (c caller) owner() string {
	if c.admin {
		return ""
	}
	return c.wallet
}

// canAccess reports whether the caller may see a strategy owned by owner.
func (c caller) canAccess(owner string) bool {
	return c.admin || owner == c.wallet
}

type callerKey struct{}

func callerFrom(ctx context.Context) caller {
	c, _ := ctx.Value(callerKey{}).(caller)
	return c
}

// authenticator verifies request credentials. now is swappable for tests.
type authenticator struct {
	cfg config.APIConfig
	now func() time.Time
}

func newAuthenticator(cfg config.APIConfig) *authenticator {
	return &authenticator{cfg: cfg, now: time.Now}
}

// middleware rejects unauthenticated requests with 401 and stashes the
// caller identity for handlers. Auth failures are final, never retried.
func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := a.authenticate(r)
		if err != nil {
			writeError(w, types.NewFault(types.KindAuthFailed, err))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, c)))
	})
}

func (a *authenticator) authenticate(r *http.Request) (caller, error) {
	if token := r.Header.Get(headerAdminToken); token != "" {
		if a.cfg.AdminToken == "" {
			return caller{}, fmt.Errorf("admin token not configured")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.AdminToken)) != 1 {
			return caller{}, fmt.Errorf("admin token mismatch")
		}
		return caller{admin: true}, nil
	}

	wallet := strings.TrimSpace(r.Header.Get(headerWallet))
	message := r.Header.Get(headerMessage)
	signature := r.Header.Get(headerSignature)
	if wallet == "" || message == "" || signature == "" {
		return caller{}, fmt.Errorf("missing credentials")
	}
	return a.verifyWallet(wallet, message, signature)
}

// verifyWallet recovers the signer of a personal-sign envelope and checks it
// against the claimed wallet. The plaintext must carry matching "Wallet:"
// and "Timestamp:" lines; timestamp freshness is only enforced when the
// deployment enables it.
func (a *authenticator) verifyWallet(wallet, messageB64, signatureHex string) (caller, error) {
	if !common.IsHexAddress(wallet) {
		return caller{}, fmt.Errorf("wallet address malformed")
	}
	claimed := common.HexToAddress(wallet)

	plaintext, err := base64.StdEncoding.DecodeString(messageB64)
	if err != nil {
		return caller{}, fmt.Errorf("auth message is not base64")
	}

	sig := common.FromHex(signatureHex)
	if len(sig) != 65 {
		return caller{}, fmt.Errorf("signature must be 65 bytes")
	}
	// personal_sign emits V as 27/28; recovery wants 0/1.
	recSig := make([]byte, 65)
	copy(recSig, sig)
	if recSig[64] >= 27 {
		recSig[64] -= 27
	}
	if recSig[64] > 1 {
		return caller{}, fmt.Errorf("signature recovery id out of range")
	}

	digest := personalHash(plaintext)
	pub, err := crypto.SigToPub(digest, recSig)
	if err != nil {
		return caller{}, fmt.Errorf("recover signer: %w", err)
	}
	if crypto.PubkeyToAddress(*pub) != claimed {
		return caller{}, fmt.Errorf("signature does not match wallet")
	}

	embedded, ts, err := parseEnvelope(string(plaintext))
	if err != nil {
		return caller{}, err
	}
	if embedded != claimed {
		return caller{}, fmt.Errorf("message wallet line does not match header")
	}
	if a.cfg.AuthFreshnessCheck {
		window := a.cfg.AuthWindow
		if window <= 0 {
			window = defaultAuthWindow
		}
		signedAt := time.UnixMilli(ts)
		if drift := a.now().Sub(signedAt); drift > window || drift < -window {
			return caller{}, fmt.Errorf("auth message outside freshness window")
		}
	}

	return caller{wallet: claimed.Hex()}, nil
}

// personalHash applies the EIP-191 personal message prefix before hashing.
func personalHash(msg []byte) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)
	return crypto.Keccak256([]byte(prefixed))
}

// parseEnvelope extracts the wallet and millisecond timestamp lines from the
// signed plaintext.
func parseEnvelope(plaintext string) (common.Address, int64, error) {
	var (
		addr    common.Address
		ts      int64
		gotAddr bool
		gotTS   bool
	)
	for _, line := range strings.Split(plaintext, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Wallet:"):
			v := strings.TrimSpace(strings.TrimPrefix(line, "Wallet:"))
			if !common.IsHexAddress(v) {
				return common.Address{}, 0, fmt.Errorf("message wallet line malformed")
			}
			addr = common.HexToAddress(v)
			gotAddr = true
		case strings.HasPrefix(line, "Timestamp:"):
			v := strings.TrimSpace(strings.TrimPrefix(line, "Timestamp:"))
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return common.Address{}, 0, fmt.Errorf("message timestamp line malformed")
			}
			ts = n
			gotTS = true
		}
	}
	if !gotAddr {
		return common.Address{}, 0, fmt.Errorf("message missing wallet line")
	}
	if !gotTS {
		return common.Address{}, 0, fmt.Errorf("message missing timestamp line")
	}
	return addr, ts, nil
}

// normalizeOwner canonicalizes hex-address owners so registration and later
// wallet-authenticated lookups agree on case.
func normalizeOwner(owner string) string {
	if common.IsHexAddress(owner) {
		return common.HexToAddress(owner).Hex()
	}
	return owner
}
