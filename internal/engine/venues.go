package engine

import (
	"log/slog"

	"tradingbot/internal/config"
	"tradingbot/internal/exchange"
	"tradingbot/internal/exchange/alpaca"
	"tradingbot/internal/exchange/binance"
	"tradingbot/internal/exchange/crypto"
	"tradingbot/internal/exchange/polymarket"
	"tradingbot/internal/workerpool"
)

// cryptoExchanges lists the unified exchange ids the crypto connector can
// drive.
var cryptoExchanges = crypto.Registry{
	binance.ExchangeID: binance.New,
}

// DefaultConnectorFactory builds one connector per enabled venue whose
// credentials are present.
func DefaultConnectorFactory(cfg config.Config, pool *workerpool.Pool, log *slog.Logger) []exchange.Connector {
	var out []exchange.Connector
	skip := func(venue string) {
		log.Warn("connector skipped", "event", "connector_skipped", "venue", venue, "reason", "missing_credentials")
	}
	for _, name := range cfg.EnabledConnectors {
		switch name {
		case config.VenueCrypto:
			if cfg.Crypto.APIKey == "" {
				skip(name)
				continue
			}
			out = append(out, crypto.NewConnector(cfg.Crypto.ExchangeID, crypto.Options{
				APIKey:         cfg.Crypto.APIKey,
				APISecret:      cfg.Crypto.APISecret,
				Sandbox:        cfg.CryptoTestnet(),
				RestBaseURL:    cfg.Crypto.RestBaseURL,
				RecvWindowMs:   cfg.Crypto.RecvWindowMs,
				HTTPTimeoutSec: cfg.Crypto.HTTPTimeoutSec,
			}, cryptoExchanges))
		case config.VenueAlpaca:
			if cfg.Alpaca.APIKey == "" {
				skip(name)
				continue
			}
			out = append(out, alpaca.NewConnector(alpaca.Options{
				APIKey:         cfg.Alpaca.APIKey,
				APISecret:      cfg.Alpaca.APISecret,
				Paper:          cfg.AlpacaPaper(),
				BaseURL:        cfg.Alpaca.BaseURL,
				DataURL:        cfg.Alpaca.DataURL,
				HTTPTimeoutSec: cfg.Alpaca.HTTPTimeoutSec,
			}, pool))
		case config.VenuePolymarket:
			if cfg.Polymarket.PrivateKey == "" {
				skip(name)
				continue
			}
			out = append(out, polymarket.NewConnector(polymarket.Options{
				PrivateKey:     cfg.Polymarket.PrivateKey,
				ChainID:        cfg.Polymarket.ChainID,
				Host:           cfg.Polymarket.Host,
				TickSize:       cfg.Polymarket.TickSize.Decimal,
				HTTPTimeoutSec: cfg.Polymarket.HTTPTimeoutSec,
			}, pool))
		default:
			log.Warn("unknown connector", "event", "connector_unknown", "venue", name)
		}
	}
	return out
}
