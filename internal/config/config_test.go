package config

import (
	"testing"
	"time"
)

const testAddress = "xet:4cka26kpvq6nj93lguycywn8flccvrf537dzqa0x0jyhawddepfsqtka05w"

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
	}{
		{
			name:    "default config",
			envVars: map[string]string{},
		},
		{
			name: "custom config",
			envVars: map[string]string{
				"SERVICE_NAME":       "test-service",
				"EVENT_SOURCE":       "kafka",
				"KAFKA_BROKERS":      "k1:9092, k2:9092",
				"MAX_SUPPLY":         "1_000_000",
				"INITIAL_DIFFICULTY": "42",
			},
		},
		{
			name:    "unknown event source",
			envVars: map[string]string{"EVENT_SOURCE": "carrier-pigeon"},
			wantErr: true,
		},
		{
			name:    "refresh not shorter than past drift",
			envVars: map[string]string{"TIMESTAMP_REFRESH": "30s"},
			wantErr: true,
		},
		{
			name:    "zero difficulty",
			envVars: map[string]string{"INITIAL_DIFFICULTY": "0"},
			wantErr: true,
		},
		{
			name:    "hex difficulty",
			envVars: map[string]string{"INITIAL_DIFFICULTY": "0xff"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if cfg.ServiceName == "" {
				t.Error("ServiceName should not be empty")
			}
			if cfg.SubmitEntryID != 5 || cfg.EventID != 1 || cfg.MaxGas != 5_000_000 {
				t.Errorf("unexpected contract settings %d/%d/%d", cfg.SubmitEntryID, cfg.EventID, cfg.MaxGas)
			}
		})
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,,")
	t.Setenv("MAX_SUPPLY", "1_000_000")
	t.Setenv("TARGET_BLOCK_TIME", "2s")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("brokers = %q", cfg.KafkaBrokers)
	}

	params, err := cfg.ChainParams()
	if err != nil {
		t.Fatal(err)
	}
	if params.MaxSupply != 1_000_000 || params.TargetBlockTime != 2*time.Second || params.InitialDifficulty.Uint64() != 10_000_000 {
		t.Errorf("unexpected params %+v", params)
	}
}

func TestConfig_Derived(t *testing.T) {
	t.Setenv("MINER_ADDRESS", testAddress)
	t.Setenv("CONTRACT_HASH", "abcd")
	t.Setenv("POSTGRES_URL", "postgres://localhost/powtoken")
	t.Setenv("MINER_SEED", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	addr, label, err := cfg.MinerIdentity()
	if err != nil {
		t.Fatal(err)
	}
	if addr[0] != 0 || addr[1] != 0xae || label != testAddress {
		t.Errorf("identity = %s (%s)", addr, label)
	}

	mc := cfg.Miner(addr, label)
	if mc.Address != addr || mc.Seed != 7 || mc.PastDrift != 30*time.Second {
		t.Errorf("unexpected miner config %+v", mc)
	}
	if xc := cfg.Xelis(); xc.Contract != "abcd" || xc.SubmitEntryID != 5 {
		t.Errorf("unexpected xelis config %+v", xc)
	}
	if sc := cfg.Stream(); sc.Contract != "abcd" || sc.EventID != 1 {
		t.Errorf("unexpected stream config %+v", sc)
	}

	db := cfg.Database()
	if db.Postgres == nil || db.Redis != nil || db.Influx != nil {
		t.Errorf("only postgres should be enabled: %+v", db)
	}
}

func TestConfig_MinerIdentityErrors(t *testing.T) {
	cfg := &Config{}
	if _, _, err := cfg.MinerIdentity(); err == nil {
		t.Error("empty address should fail")
	}
	cfg.MinerAddress = "xet:garbage"
	if _, _, err := cfg.MinerIdentity(); err == nil {
		t.Error("invalid address should fail")
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STRING", "test_value")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_UINT", "18446744073709551615")
	t.Setenv("TEST_DURATION", "30s")
	t.Setenv("TEST_BAD", "nope")

	if got := getEnv("TEST_STRING", "default"); got != "test_value" {
		t.Errorf("getEnv() = %v", got)
	}
	if got := getEnv("NONEXISTENT", "default"); got != "default" {
		t.Errorf("getEnv() = %v", got)
	}
	if got := getEnvInt("TEST_INT", 0); got != 42 {
		t.Errorf("getEnvInt() = %v", got)
	}
	if got := getEnvUint("TEST_UINT", 0); got != ^uint64(0) {
		t.Errorf("getEnvUint() = %v", got)
	}
	if got := getEnvUint("TEST_BAD", 9); got != 9 {
		t.Errorf("getEnvUint() fallback = %v", got)
	}
	if got := getEnvDuration("TEST_DURATION", 0); got != 30*time.Second {
		t.Errorf("getEnvDuration() = %v", got)
	}
	if got := getEnvSlice("NONEXISTENT", []string{"a"}); len(got) != 1 {
		t.Errorf("getEnvSlice() = %v", got)
	}
}
