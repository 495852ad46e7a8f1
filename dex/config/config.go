// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package config loads xbridge.conf, an INI file with a [Main] section and
// one per-currency section per configured wallet.
package config

import (
	"fmt"
	"strings"

	"gopkg.in/ini.v1"
)

// Main holds the options from the [Main] section.
type Main struct {
	ExchangeWallets []string `ini:"-"`
	FullLog         bool     `ini:"FullLog"`
	ShowAllOrders   bool     `ini:"ShowAllOrders"`
}

// Wallet holds the per-currency section options, named by ticker.
type Wallet struct {
	Ticker                    string
	Title                     string `ini:"Title"`
	Address                   string `ini:"Address"`
	IP                        string `ini:"Ip"`
	Port                      string `ini:"Port"`
	Username                  string `ini:"Username"`
	Password                  string `ini:"Password"`
	AddressPrefix             byte   `ini:"AddressPrefix"`
	ScriptPrefix              byte   `ini:"ScriptPrefix"`
	SecretPrefix              byte   `ini:"SecretPrefix"`
	COIN                      uint64 `ini:"COIN"`
	MinimumAmount             uint64 `ini:"MinimumAmount"`
	TxVersion                 uint32 `ini:"TxVersion"`
	DustAmount                uint64 `ini:"DustAmount"`
	CreateTxMethod            string `ini:"CreateTxMethod"`
	GetNewKeySupported        bool   `ini:"GetNewKeySupported"`
	ImportWithNoScanSupported bool   `ini:"ImportWithNoScanSupported"`
	MinTxFee                  uint64 `ini:"MinTxFee"`
	BlockTime                 uint32 `ini:"BlockTime"`
	FeePerByte                uint64 `ini:"FeePerByte"`
	Confirmations             uint32 `ini:"Confirmations"`
	TxWithTimeField           bool   `ini:"TxWithTimeField"`
	LockCoinsSupported        bool   `ini:"LockCoinsSupported"`
	JSONVersion               string `ini:"JSONVersion"`
	ContentType               string `ini:"ContentType"`
	ServiceNodeFee            uint64 `ini:"ServiceNodeFee"`
}

// File is the parsed representation of xbridge.conf.
type File struct {
	Main    Main
	Wallets map[string]*Wallet
}

// Load parses an xbridge.conf file or byte slice into a File. Only sections
// named in Main.ExchangeWallets are kept as Wallets; a name with no matching
// section is an error, since the service can't run without the wallet it was
// told to load.
func Load(cfgPathOrData interface{}) (*File, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, cfgPathOrData)
	if err != nil {
		return nil, fmt.Errorf("loading xbridge.conf: %w", err)
	}

	var main Main
	if err := cfg.Section("Main").MapTo(&main); err != nil {
		return nil, fmt.Errorf("parsing [Main] section: %w", err)
	}
	if raw := cfg.Section("Main").Key("ExchangeWallets").String(); raw != "" {
		for _, w := range strings.Split(raw, ",") {
			if w = strings.TrimSpace(w); w != "" {
				main.ExchangeWallets = append(main.ExchangeWallets, w)
			}
		}
	}

	f := &File{Main: main, Wallets: make(map[string]*Wallet, len(main.ExchangeWallets))}
	for _, ticker := range main.ExchangeWallets {
		sec, err := cfg.GetSection(ticker)
		if err != nil {
			return nil, fmt.Errorf("ExchangeWallets lists %q but no [%s] section exists", ticker, ticker)
		}
		w := &Wallet{Ticker: ticker}
		if err := sec.MapTo(w); err != nil {
			return nil, fmt.Errorf("parsing [%s] section: %w", ticker, err)
		}
		// ini's MapTo does not map byte fields, so the prefixes are read here.
		for key, dst := range map[string]*byte{"AddressPrefix": &w.AddressPrefix, "ScriptPrefix": &w.ScriptPrefix, "SecretPrefix": &w.SecretPrefix} {
			if !sec.HasKey(key) {
				continue
			}
			v, err := sec.Key(key).Uint()
			if err != nil || v > 255 {
				return nil, fmt.Errorf("parsing [%s] %s: want a value 0-255", ticker, key)
			}
			*dst = byte(v)
		}
		f.Wallets[ticker] = w
	}

	return f, nil
}
