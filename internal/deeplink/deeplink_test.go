package deeplink

import (
	"crypto/rand"
	"encoding/json"
	"net/url"
	"strings"
	"testing"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/box"

	"github.com/kaleo-labs/presale-service/internal/localstore"
	"github.com/kaleo-labs/presale-service/internal/models"
)

// testWallet plays the wallet side of the deeplink protocol.
type testWallet struct {
	publicKey *[32]byte
	secretKey *[32]byte
}

func newTestWallet(t *testing.T) *testWallet {
	t.Helper()
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate wallet keypair: %v", err)
	}
	return &testWallet{publicKey: pub, secretKey: sec}
}

// seal encrypts a JSON payload for the dapp session key.
func (w *testWallet) seal(t *testing.T, dappPub []byte, payload any) (data, nonce string) {
	t.Helper()
	plaintext, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	var n [24]byte
	if _, err := rand.Read(n[:]); err != nil {
		t.Fatalf("nonce: %v", err)
	}
	var theirPub [32]byte
	copy(theirPub[:], dappPub)
	sealed := box.Seal(nil, plaintext, &n, &theirPub, w.secretKey)
	return base58.Encode(sealed), base58.Encode(n[:])
}

func newSession(t *testing.T) (*Session, *localstore.Store) {
	t.Helper()
	store, err := localstore.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewSession(models.FamilySolana, WalletPhantom, store, zap.NewNop()), store
}

func dappPublicKey(t *testing.T, store *localstore.Store) []byte {
	t.Helper()
	pub, _, err := store.DeeplinkKeys(models.FamilySolana)
	if err != nil {
		t.Fatalf("load dapp keys: %v", err)
	}
	return pub
}

func TestConnectURLGeneratesAndPersistsKeypair(t *testing.T) {
	sess, store := newSession(t)

	u, err := sess.ConnectURL("https://kaleo.example", "https://kaleo.example/callback", "mainnet-beta")
	if err != nil {
		t.Fatalf("ConnectURL: %v", err)
	}
	if !strings.HasPrefix(u, walletApps[WalletPhantom].connectURL+"?") {
		t.Errorf("unexpected URL prefix: %s", u)
	}

	parsed, err := url.Parse(u)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := parsed.Query()
	if q.Get("dapp_encryption_public_key") == "" {
		t.Error("missing dapp encryption public key")
	}
	if q.Get("cluster") != "mainnet-beta" {
		t.Errorf("cluster = %s", q.Get("cluster"))
	}

	// The keypair is durable: a second call reuses it.
	pub := dappPublicKey(t, store)
	u2, err := sess.ConnectURL("https://kaleo.example", "https://kaleo.example/callback", "")
	if err != nil {
		t.Fatalf("second ConnectURL: %v", err)
	}
	parsed2, _ := url.Parse(u2)
	if got := parsed2.Query().Get("dapp_encryption_public_key"); got != base58.Encode(pub) {
		t.Error("keypair was regenerated between calls")
	}
}

func TestDecryptConnectRoundTrip(t *testing.T) {
	sess, store := newSession(t)
	if _, err := sess.ConnectURL("https://kaleo.example", "https://kaleo.example/callback", ""); err != nil {
		t.Fatalf("ConnectURL: %v", err)
	}

	wallet := newTestWallet(t)
	data, nonce := wallet.seal(t, dappPublicKey(t, store), map[string]string{
		"public_key": "BuyerSoAddress111",
		"session":    "session-token-xyz",
	})

	params := url.Values{}
	params.Set(paramWalletPublicKey, base58.Encode(wallet.publicKey[:]))
	params.Set(paramData, data)
	params.Set(paramNonce, nonce)

	result, err := sess.DecryptConnect(params)
	if err != nil {
		t.Fatalf("DecryptConnect: %v", err)
	}
	if result.Address != "BuyerSoAddress111" {
		t.Errorf("address = %s", result.Address)
	}
	if result.SessionToken != "session-token-xyz" {
		t.Errorf("session token = %s", result.SessionToken)
	}

	// Token and wallet key persisted for later transaction callbacks.
	token, err := store.SessionToken(models.FamilySolana)
	if err != nil || token != "session-token-xyz" {
		t.Errorf("persisted token = %q, err %v", token, err)
	}
	if _, err := store.WalletPublicKey(models.FamilySolana); err != nil {
		t.Errorf("wallet public key not persisted: %v", err)
	}
}

func TestDecryptTransactionRoundTrip(t *testing.T) {
	sess, store := newSession(t)
	if _, err := sess.ConnectURL("https://kaleo.example", "https://kaleo.example/callback", ""); err != nil {
		t.Fatalf("ConnectURL: %v", err)
	}

	wallet := newTestWallet(t)
	connData, connNonce := wallet.seal(t, dappPublicKey(t, store), map[string]string{
		"public_key": "BuyerSoAddress111",
		"session":    "session-token-xyz",
	})
	connParams := url.Values{}
	connParams.Set(paramWalletPublicKey, base58.Encode(wallet.publicKey[:]))
	connParams.Set(paramData, connData)
	connParams.Set(paramNonce, connNonce)
	if _, err := sess.DecryptConnect(connParams); err != nil {
		t.Fatalf("DecryptConnect: %v", err)
	}

	txData, txNonce := wallet.seal(t, dappPublicKey(t, store), map[string]string{
		"signature": "5SigBase58Value",
	})
	txParams := url.Values{}
	txParams.Set(paramData, txData)
	txParams.Set(paramNonce, txNonce)

	sig, err := sess.DecryptTransaction(txParams)
	if err != nil {
		t.Fatalf("DecryptTransaction: %v", err)
	}
	if sig != "5SigBase58Value" {
		t.Errorf("signature = %s", sig)
	}
}

func TestDecryptConnectRejectsGarbage(t *testing.T) {
	sess, store := newSession(t)
	if _, err := sess.ConnectURL("https://kaleo.example", "https://kaleo.example/callback", ""); err != nil {
		t.Fatalf("ConnectURL: %v", err)
	}
	wallet := newTestWallet(t)

	tests := []struct {
		name   string
		mutate func(url.Values)
	}{
		{"missing wallet key", func(p url.Values) { p.Del(paramWalletPublicKey) }},
		{"corrupt data", func(p url.Values) { p.Set(paramData, base58.Encode([]byte("junk"))) }},
		{"bad nonce length", func(p url.Values) { p.Set(paramNonce, base58.Encode([]byte{1, 2, 3})) }},
		{"non-base58 data", func(p url.Values) { p.Set(paramData, "0OIl") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, nonce := wallet.seal(t, dappPublicKey(t, store), map[string]string{
				"public_key": "addr", "session": "tok",
			})
			params := url.Values{}
			params.Set(paramWalletPublicKey, base58.Encode(wallet.publicKey[:]))
			params.Set(paramData, data)
			params.Set(paramNonce, nonce)
			tt.mutate(params)

			if _, err := sess.DecryptConnect(params); err == nil {
				t.Error("expected decrypt error")
			}
		})
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	sess, store := newSession(t)
	if _, err := sess.ConnectURL("https://kaleo.example", "https://kaleo.example/callback", ""); err != nil {
		t.Fatalf("ConnectURL: %v", err)
	}

	// Sealed for a different dapp key entirely.
	wallet := newTestWallet(t)
	otherPub, _, _ := box.GenerateKey(rand.Reader)
	data, nonce := wallet.seal(t, otherPub[:], map[string]string{"public_key": "a", "session": "b"})

	params := url.Values{}
	params.Set(paramWalletPublicKey, base58.Encode(wallet.publicKey[:]))
	params.Set(paramData, data)
	params.Set(paramNonce, nonce)

	if _, err := sess.DecryptConnect(params); err == nil {
		t.Error("expected failure decrypting payload sealed for another key")
	}
	_ = store
}

func TestParseError(t *testing.T) {
	params := url.Values{}
	if _, ok := ParseError(params); ok {
		t.Error("no error expected for empty params")
	}

	params.Set(paramErrorCode, "4001")
	params.Set(paramErrorMessage, "User rejected the request.")
	werr, ok := ParseError(params)
	if !ok {
		t.Fatal("expected error to parse")
	}
	if cause := werr.Cause(); !strings.Contains(cause, "rejected") {
		t.Errorf("cause = %s", cause)
	}

	tests := []struct {
		code string
		want string
	}{
		{"-32602", "did not match"},
		{"4100", "did not match"},
		{"4900", "disconnected"},
		{"9999", "9999"},
	}
	for _, tt := range tests {
		werr := WalletError{Code: tt.code}
		if cause := werr.Cause(); !strings.Contains(cause, tt.want) {
			t.Errorf("Cause(%s) = %q, want substring %q", tt.code, cause, tt.want)
		}
	}
}

func TestWalletSelection(t *testing.T) {
	store, err := localstore.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	solflare := NewSession(models.FamilySolana, WalletSolflare, store, zap.NewNop())
	if solflare.WalletName() != WalletSolflare {
		t.Errorf("wallet = %s", solflare.WalletName())
	}
	u, err := solflare.ConnectURL("https://kaleo.example", "https://kaleo.example/callback", "")
	if err != nil {
		t.Fatalf("ConnectURL: %v", err)
	}
	if !strings.HasPrefix(u, "https://solflare.com/ul/v1/connect?") {
		t.Errorf("unexpected URL prefix: %s", u)
	}

	// Unknown wallet names fall back to Phantom.
	unknown := NewSession(models.FamilySolana, "walletmcwalletface", store, zap.NewNop())
	if unknown.WalletName() != WalletPhantom {
		t.Errorf("fallback wallet = %s", unknown.WalletName())
	}
}

func TestReady(t *testing.T) {
	sess, store := newSession(t)
	if sess.Ready() {
		t.Error("fresh session should not be ready")
	}

	if _, err := sess.ConnectURL("https://kaleo.example", "https://kaleo.example/callback", ""); err != nil {
		t.Fatalf("ConnectURL: %v", err)
	}
	wallet := newTestWallet(t)
	data, nonce := wallet.seal(t, dappPublicKey(t, store), map[string]string{
		"public_key": "BuyerSoAddress111",
		"session":    "session-token-xyz",
	})
	params := url.Values{}
	params.Set(paramWalletPublicKey, base58.Encode(wallet.publicKey[:]))
	params.Set(paramData, data)
	params.Set(paramNonce, nonce)
	if _, err := sess.DecryptConnect(params); err != nil {
		t.Fatalf("DecryptConnect: %v", err)
	}

	if !sess.Ready() {
		t.Error("session should be ready after a connect round trip")
	}
}

func TestSignAndSendURLRoundTrip(t *testing.T) {
	sess, store := newSession(t)
	if _, err := sess.ConnectURL("https://kaleo.example", "https://kaleo.example/callback", ""); err != nil {
		t.Fatalf("ConnectURL: %v", err)
	}

	// Before any connect there is nothing to encrypt against.
	if _, err := sess.SignAndSendURL("https://kaleo.example/cb", "TxBase58"); err == nil {
		t.Error("expected error without a connected wallet")
	}

	wallet := newTestWallet(t)
	data, nonce := wallet.seal(t, dappPublicKey(t, store), map[string]string{
		"public_key": "BuyerSoAddress111",
		"session":    "session-token-xyz",
	})
	params := url.Values{}
	params.Set(paramWalletPublicKey, base58.Encode(wallet.publicKey[:]))
	params.Set(paramData, data)
	params.Set(paramNonce, nonce)
	if _, err := sess.DecryptConnect(params); err != nil {
		t.Fatalf("DecryptConnect: %v", err)
	}

	u, err := sess.SignAndSendURL("https://kaleo.example/cb", "TxBase58")
	if err != nil {
		t.Fatalf("SignAndSendURL: %v", err)
	}
	if !strings.HasPrefix(u, "https://phantom.app/ul/v1/signAndSendTransaction?") {
		t.Fatalf("unexpected URL prefix: %s", u)
	}

	parsed, err := url.Parse(u)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := parsed.Query()
	if q.Get("redirect_link") != "https://kaleo.example/cb" {
		t.Errorf("redirect_link = %s", q.Get("redirect_link"))
	}
	if got, want := q.Get("dapp_encryption_public_key"), base58.Encode(dappPublicKey(t, store)); got != want {
		t.Errorf("dapp key = %s, want %s", got, want)
	}

	// The wallet side can open the payload with the shared secret.
	sealed, err := base58.Decode(q.Get("payload"))
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	nonceRaw, err := base58.Decode(q.Get("nonce"))
	if err != nil {
		t.Fatalf("decode nonce: %v", err)
	}
	var n [24]byte
	copy(n[:], nonceRaw)
	var dappPub [32]byte
	copy(dappPub[:], dappPublicKey(t, store))
	plaintext, ok := box.Open(nil, sealed, &n, &dappPub, wallet.secretKey)
	if !ok {
		t.Fatal("wallet could not open the payload")
	}

	var payload struct {
		Transaction string `json:"transaction"`
		Session     string `json:"session"`
	}
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Transaction != "TxBase58" {
		t.Errorf("transaction = %s", payload.Transaction)
	}
	if payload.Session != "session-token-xyz" {
		t.Errorf("session = %s", payload.Session)
	}
}
