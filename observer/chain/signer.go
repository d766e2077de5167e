package chain

import (
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
	"github.com/pkg/errors"

	"github.com/GPTx-global/xobserver/observer/config"
)

// LoadKey returns the signing key described by cfg, or nil when the signer is
// not configured.
func LoadKey(cfg config.SignerConfig) (*ecdsa.PrivateKey, error) {
	switch {
	case cfg.PrivateKey != "":
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse private key")
		}
		return key, nil

	case cfg.Mnemonic != "":
		wallet, err := hdwallet.NewFromMnemonic(cfg.Mnemonic)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load mnemonic")
		}

		hdPath := cfg.HDPath
		if hdPath == "" {
			hdPath = config.DefaultHDPath
		}
		path, err := accounts.ParseDerivationPath(hdPath)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid hd path %s", hdPath)
		}

		account, err := wallet.Derive(path, false)
		if err != nil {
			return nil, errors.Wrap(err, "failed to derive account")
		}
		return wallet.PrivateKey(account)

	default:
		return nil, nil
	}
}
