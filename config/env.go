package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnv overlays ROUTER_* (and LN_ADAPTER_URL) environment variables onto
// the loaded file. Set variables always win; unparsable values keep the file
// value.
func applyEnv(cfg *Config) {
	setString(&cfg.RouterID, "ROUTER_ID")
	setString(&cfg.KeyID, "ROUTER_KEY_ID")
	setString(&cfg.Endpoint, "ROUTER_ENDPOINT")
	setInt(&cfg.ListenPort, "ROUTER_PORT")
	setString(&cfg.PrivateKey, "ROUTER_PRIVATE_KEY_PEM")
	setString(&cfg.KeyFile, "ROUTER_KEY_FILE")
	setString(&cfg.StateFile, "ROUTER_STATE_FILE")

	setBool(&cfg.Payments.Require, "ROUTER_REQUIRE_PAYMENT")
	setInt(&cfg.Payments.FeeBps, "ROUTER_FEE_BPS")
	setString(&cfg.Payments.AdapterURL, "LN_ADAPTER_URL")

	setString(&cfg.Replay.Store, "ROUTER_REPLAY_STORE")
	setString(&cfg.Replay.File, "ROUTER_REPLAY_FILE")
	setString(&cfg.Replay.DB, "ROUTER_REPLAY_DB")
	setMillis(&cfg.Replay.Window, "ROUTER_REPLAY_WINDOW_MS")

	setFloat(&cfg.Offload.Threshold, "ROUTER_OFFLOAD_THRESHOLD")
	setInt(&cfg.Offload.MaxOffloads, "ROUTER_MAX_OFFLOADS")
	setString(&cfg.Offload.Mode, "ROUTER_OFFLOAD_MODE")

	setMillis(&cfg.Federation.AuctionTimeout, "ROUTER_AUCTION_TIMEOUT_MS")
	setString(&cfg.Federation.RelayBootstrap, "ROUTER_RELAY_BOOTSTRAP")
	setList(&cfg.Federation.Aggregators, "ROUTER_RELAY_AGGREGATORS")
	setFloat(&cfg.Federation.MinRelayTrust, "ROUTER_RELAY_TRUST")

	setString(&cfg.Admin.JWTSecret, "ROUTER_ADMIN_JWT_SECRET")
	setString(&cfg.Recon.DSN, "ROUTER_RECON_DSN")
	setString(&cfg.Recon.ExportDir, "ROUTER_RECON_EXPORT_DIR")
}

func setString(dst *string, key string) {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		*dst = val
	}
}

func setInt(dst *int, key string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	if val, err := strconv.Atoi(raw); err == nil {
		*dst = val
	}
}

func setFloat(dst *float64, key string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	if val, err := strconv.ParseFloat(raw, 64); err == nil {
		*dst = val
	}
}

func setBool(dst *bool, key string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	if val, err := strconv.ParseBool(raw); err == nil {
		*dst = val
	}
}

func setMillis(dst *Duration, key string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
		*dst = Duration(time.Duration(ms) * time.Millisecond)
	}
}

func setList(dst *[]string, key string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}
