package service

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// GeneratedKey is a freshly derived agent signing key. The mnemonic is
// returned once for the user to back up and is never stored.
type GeneratedKey struct {
	Mnemonic   string
	PrivateHex string
	Address    string
}

// GenerateAgentKey derives a new agent signing key at m/44'/60'/0'/0/0 from
// a fresh 256-bit mnemonic.
func GenerateAgentKey() (*GeneratedKey, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, fmt.Errorf("entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("mnemonic: %w", err)
	}
	seed := bip39.NewSeed(mnemonic, "")

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}

	key := master
	for _, index := range []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + 60,
		hdkeychain.HardenedKeyStart + 0,
		0,
		0,
	} {
		if key, err = key.Derive(index); err != nil {
			return nil, fmt.Errorf("derive %d: %w", index, err)
		}
	}

	ecPriv, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}
	priv, err := crypto.ToECDSA(ecPriv.Serialize())
	if err != nil {
		return nil, err
	}

	return &GeneratedKey{
		Mnemonic:   mnemonic,
		PrivateHex: hex.EncodeToString(crypto.FromECDSA(priv)),
		Address:    crypto.PubkeyToAddress(priv.PublicKey).Hex(),
	}, nil
}
