// Package deeplink implements the encrypted wallet-app round trip used when
// no injected provider is available. The request carries our session public
// key; the wallet's callback carries its public key, a nonce and an
// encrypted blob sealed with the x25519 box shared secret (Phantom's
// deeplink protocol, which Solflare also speaks).
package deeplink

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/box"

	"github.com/kaleo-labs/presale-service/internal/localstore"
	"github.com/kaleo-labs/presale-service/internal/models"
)

// Wallet apps speaking the protocol, keyed by provider name.
const (
	WalletPhantom  = "phantom"
	WalletSolflare = "solflare"
)

// walletApp holds a wallet's universal-link endpoints.
type walletApp struct {
	connectURL string
	signURL    string
}

var walletApps = map[string]walletApp{
	WalletPhantom: {
		connectURL: "https://phantom.app/ul/v1/connect",
		signURL:    "https://phantom.app/ul/v1/signAndSendTransaction",
	},
	WalletSolflare: {
		connectURL: "https://solflare.com/ul/v1/connect",
		signURL:    "https://solflare.com/ul/v1/signAndSendTransaction",
	},
}

// Callback query parameter names.
const (
	paramWalletPublicKey = "phantom_encryption_public_key"
	paramData            = "data"
	paramNonce           = "nonce"
	paramErrorCode       = "errorCode"
	paramErrorMessage    = "errorMessage"
)

// ConnectResult is the decrypted payload of a connect callback.
type ConnectResult struct {
	Address      string
	SessionToken string
}

// WalletError is an explicit error returned through the callback URL.
type WalletError struct {
	Code    string
	Message string
}

// Cause maps known wallet error codes to a human-readable cause.
func (e WalletError) Cause() string {
	switch e.Code {
	case "4001":
		return "the request was rejected in the wallet"
	case "-32602", "4100":
		return "the wallet session or network did not match the request"
	case "4900":
		return "the wallet is disconnected from the network"
	}
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("wallet returned error code %s", e.Code)
}

// Session manages one chain family's deeplink keypair and decryption.
type Session struct {
	family models.ChainFamily
	wallet string
	app    walletApp
	store  *localstore.Store
	logger *zap.Logger
}

// NewSession creates a deeplink session handler for a family, bound to one
// wallet app. An empty or unknown wallet name falls back to Phantom.
func NewSession(family models.ChainFamily, wallet string, store *localstore.Store, logger *zap.Logger) *Session {
	app, ok := walletApps[wallet]
	if !ok {
		wallet = WalletPhantom
		app = walletApps[WalletPhantom]
	}
	return &Session{
		family: family,
		wallet: wallet,
		app:    app,
		store:  store,
		logger: logger.Named("deeplink").With(zap.String("family", string(family)), zap.String("wallet", wallet)),
	}
}

// WalletName returns the wallet app this session deeplinks into.
func (s *Session) WalletName() string {
	return s.wallet
}

// ensureKeypair loads the persisted session keypair, generating and
// persisting a fresh one on first use.
func (s *Session) ensureKeypair() (publicKey, secretKey *[32]byte, err error) {
	pub, sec, err := s.store.DeeplinkKeys(s.family)
	if err == nil && len(pub) == 32 && len(sec) == 32 {
		publicKey, secretKey = new([32]byte), new([32]byte)
		copy(publicKey[:], pub)
		copy(secretKey[:], sec)
		return publicKey, secretKey, nil
	}

	publicKey, secretKey, err = box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate session keypair: %w", err)
	}
	if err := s.store.SaveDeeplinkKeys(s.family, publicKey[:], secretKey[:]); err != nil {
		return nil, nil, fmt.Errorf("persist session keypair: %w", err)
	}
	return publicKey, secretKey, nil
}

// ConnectURL builds the wallet-app connect deeplink. appURL identifies this
// dapp; redirect is where the wallet sends the callback.
func (s *Session) ConnectURL(appURL, redirect, cluster string) (string, error) {
	publicKey, _, err := s.ensureKeypair()
	if err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("app_url", appURL)
	q.Set("dapp_encryption_public_key", base58.Encode(publicKey[:]))
	q.Set("redirect_link", redirect)
	if cluster != "" {
		q.Set("cluster", cluster)
	}
	return s.app.connectURL + "?" + q.Encode(), nil
}

// Ready reports whether a completed connect round trip is on record, i.e.
// the wallet's encryption key and session token needed to build encrypted
// requests.
func (s *Session) Ready() bool {
	if pub, err := s.store.WalletPublicKey(s.family); err != nil || len(pub) != 32 {
		return false
	}
	token, err := s.store.SessionToken(s.family)
	return err == nil && token != ""
}

// SignAndSendURL builds the wallet-app deeplink that asks for a serialized
// transaction to be signed and submitted. The payload is sealed with the box
// shared secret; the wallet's callback lands on redirect.
func (s *Session) SignAndSendURL(redirect, transaction string) (string, error) {
	publicKey, secretKey, err := s.ensureKeypair()
	if err != nil {
		return "", err
	}
	stored, err := s.store.WalletPublicKey(s.family)
	if err != nil || len(stored) != 32 {
		return "", fmt.Errorf("no wallet public key on record")
	}
	var walletPub [32]byte
	copy(walletPub[:], stored)

	token, err := s.store.SessionToken(s.family)
	if err != nil || token == "" {
		return "", fmt.Errorf("no session token on record")
	}

	plaintext, err := json.Marshal(struct {
		Transaction string `json:"transaction"`
		Session     string `json:"session"`
	}{Transaction: transaction, Session: token})
	if err != nil {
		return "", err
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := box.Seal(nil, plaintext, &nonce, &walletPub, secretKey)

	q := url.Values{}
	q.Set("dapp_encryption_public_key", base58.Encode(publicKey[:]))
	q.Set("nonce", base58.Encode(nonce[:]))
	q.Set("redirect_link", redirect)
	q.Set("payload", base58.Encode(sealed))
	return s.app.signURL + "?" + q.Encode(), nil
}

// ParseError extracts an explicit wallet error from callback parameters, if
// one is present.
func ParseError(params url.Values) (*WalletError, bool) {
	code := params.Get(paramErrorCode)
	if code == "" {
		return nil, false
	}
	return &WalletError{Code: code, Message: params.Get(paramErrorMessage)}, true
}

// HasPayload reports whether callback parameters carry an encrypted payload.
func HasPayload(params url.Values) bool {
	return params.Get(paramData) != "" && params.Get(paramNonce) != ""
}

// DecryptConnect decrypts a connect callback, persists the wallet public key
// and session token, and returns the connected address.
func (s *Session) DecryptConnect(params url.Values) (*ConnectResult, error) {
	walletPubRaw := params.Get(paramWalletPublicKey)
	if walletPubRaw == "" {
		return nil, fmt.Errorf("callback missing wallet encryption public key")
	}
	walletPub, err := decodeKey(walletPubRaw)
	if err != nil {
		return nil, fmt.Errorf("wallet public key: %w", err)
	}

	plaintext, err := s.open(params, walletPub)
	if err != nil {
		return nil, err
	}

	var payload struct {
		PublicKey string `json:"public_key"`
		Session   string `json:"session"`
	}
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("unrecognized connect payload: %w", err)
	}
	if payload.PublicKey == "" || payload.Session == "" {
		return nil, fmt.Errorf("connect payload missing public_key or session")
	}

	if err := s.store.SaveWalletPublicKey(s.family, walletPub[:]); err != nil {
		return nil, err
	}
	if err := s.store.SaveSessionToken(s.family, payload.Session); err != nil {
		return nil, err
	}

	s.logger.Info("Deeplink connect resolved", zap.String("address", payload.PublicKey))
	return &ConnectResult{Address: payload.PublicKey, SessionToken: payload.Session}, nil
}

// DecryptTransaction decrypts a transaction callback and returns the
// submitted transaction signature.
func (s *Session) DecryptTransaction(params url.Values) (string, error) {
	stored, err := s.store.WalletPublicKey(s.family)
	if err != nil {
		return "", fmt.Errorf("no wallet public key on record: %w", err)
	}
	var walletPub [32]byte
	copy(walletPub[:], stored)

	plaintext, err := s.open(params, &walletPub)
	if err != nil {
		return "", err
	}

	var payload struct {
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return "", fmt.Errorf("unrecognized transaction payload: %w", err)
	}
	if payload.Signature == "" {
		return "", fmt.Errorf("transaction payload missing signature")
	}
	return payload.Signature, nil
}

// open decrypts the data/nonce pair using the box shared secret between the
// wallet's public key and our session secret key.
func (s *Session) open(params url.Values, walletPub *[32]byte) ([]byte, error) {
	_, secretKey, err := s.ensureKeypair()
	if err != nil {
		return nil, err
	}

	data, err := base58.Decode(params.Get(paramData))
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	nonceRaw, err := base58.Decode(params.Get(paramNonce))
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	if len(nonceRaw) != 24 {
		return nil, fmt.Errorf("nonce has length %d, want 24", len(nonceRaw))
	}
	var nonce [24]byte
	copy(nonce[:], nonceRaw)

	plaintext, ok := box.Open(nil, data, &nonce, walletPub, secretKey)
	if !ok {
		return nil, fmt.Errorf("payload does not decrypt with session key")
	}
	return plaintext, nil
}

func decodeKey(raw string) (*[32]byte, error) {
	decoded, err := base58.Decode(raw)
	if err != nil {
		return nil, err
	}
	if len(decoded) != 32 {
		return nil, fmt.Errorf("key has length %d, want 32", len(decoded))
	}
	var key [32]byte
	copy(key[:], decoded)
	return &key, nil
}
