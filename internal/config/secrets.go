package config

import (
	"net/url"
	"slices"
)

const redacted = "***"

// RedactedConfig returns a copy of cfg that is safe to log. Wallet keys,
// passwords, tokens and webhook URLs become "***". RPC URLs keep scheme and
// host only, since providers embed API keys in the path or query.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	out.Wallets = slices.Clone(cfg.Wallets)
	for i := range out.Wallets {
		mask(&out.Wallets[i].PrivateKey, &out.Wallets[i].KeyPassword)
	}

	out.Chains = slices.Clone(cfg.Chains)
	for i := range out.Chains {
		urls := slices.Clone(out.Chains[i].RPCURLs)
		for j, u := range urls {
			urls[j] = redactURL(u)
		}
		out.Chains[i].RPCURLs = urls
	}

	mask(
		&out.Postgres.DSN, &out.Postgres.Password,
		&out.Redis.Password,
		&out.S3.AccessKey, &out.S3.SecretKey,
		&out.Server.APIKey,
		&out.Notify.TelegramToken, &out.Notify.DiscordWebhookURL,
	)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	return out
}

func mask(fields ...*string) {
	for _, s := range fields {
		if *s != "" {
			*s = redacted
		}
	}
}

// redactURL keeps scheme://host and masks credentials, path and query.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return redacted
	}
	if u.User == nil && (u.Path == "" || u.Path == "/") && u.RawQuery == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host + "/" + redacted
}
