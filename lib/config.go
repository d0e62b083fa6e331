package lib

import (
	"os"
	"path/filepath"
)

const (
	ConfigFileName = "config.json"
	KeyFileName    = "validator_key.json"
)

// Config is the top level configuration object for the node, persisted as a single
// json file under the data directory
type Config struct {
	MainConfig      // top level options
	ConsensusConfig // round and timeout options
	StoreConfig     // persistence options
	MetricsConfig   // telemetry options
}

// MainConfig holds identity and logging options
type MainConfig struct {
	ChainId     uint64 `json:"chainId"`     // the unique identifier of this chain, part of every signing payload
	DataDirPath string `json:"dataDirPath"` // the path where the node keeps its database, keys, and logs
	LogLevel    int32  `json:"logLevel"`    // debug / info / warn / error
}

// ConsensusConfig defines the per-step timeout schedule and the retention windows.
// Each step waits base + round*delta so that under a partially synchronous network the
// wait eventually exceeds the real message delay and the protocol makes progress
type ConsensusConfig struct {
	ProposeTimeoutMS        int    `json:"proposeTimeoutMS"`        // base wait for a proposal before prevoting nil
	ProposeTimeoutDeltaMS   int    `json:"proposeTimeoutDeltaMS"`   // added per round to the propose wait
	PrevoteTimeoutMS        int    `json:"prevoteTimeoutMS"`        // base wait for a polka once +2/3 prevotes (any) arrived
	PrevoteTimeoutDeltaMS   int    `json:"prevoteTimeoutDeltaMS"`   // added per round to the prevote wait
	PrecommitTimeoutMS      int    `json:"precommitTimeoutMS"`      // base wait for a precommit quorum once +2/3 precommits (any) arrived
	PrecommitTimeoutDeltaMS int    `json:"precommitTimeoutDeltaMS"` // added per round to the precommit wait
	CommitTimeoutMS         int    `json:"commitTimeoutMS"`         // pause after commit before starting the next height
	RoundAcceptanceWindow   uint64 `json:"roundAcceptanceWindow"`   // how many rounds ahead of the local round a message may be
	EvidenceWindowHeights   uint64 `json:"evidenceWindowHeights"`   // how many committed heights of votes are retained for fault scans
	DowntimeWindowHeights   uint64 `json:"downtimeWindowHeights"`   // consecutive absent heights before downtime evidence is emitted
}

// StoreConfig holds persistence options
type StoreConfig struct {
	DBName   string `json:"dbName"`   // the name of the badger database directory
	InMemory bool   `json:"inMemory"` // run the database fully in memory (testing)
}

// MetricsConfig holds prometheus telemetry options
type MetricsConfig struct {
	MetricsEnabled bool   `json:"metricsEnabled"` // enable the prometheus server
	PrometheusAddr string `json:"prometheusAddr"` // the listen address of the prometheus server
}

// DefaultConfig() returns a Config filled with sane defaults
func DefaultConfig() Config {
	return Config{
		MainConfig:      DefaultMainConfig(),
		ConsensusConfig: DefaultConsensusConfig(),
		StoreConfig:     DefaultStoreConfig(),
		MetricsConfig:   DefaultMetricsConfig(),
	}
}

// DefaultMainConfig() returns the default identity and logging options
func DefaultMainConfig() MainConfig {
	return MainConfig{
		ChainId:     1,
		DataDirPath: DefaultDataDirPath(),
		LogLevel:    InfoLevel,
	}
}

// DefaultConsensusConfig() returns the default timeout schedule
func DefaultConsensusConfig() ConsensusConfig {
	return ConsensusConfig{
		ProposeTimeoutMS:        3000,
		ProposeTimeoutDeltaMS:   500,
		PrevoteTimeoutMS:        1000,
		PrevoteTimeoutDeltaMS:   500,
		PrecommitTimeoutMS:      1000,
		PrecommitTimeoutDeltaMS: 500,
		CommitTimeoutMS:         1000,
		RoundAcceptanceWindow:   1,
		EvidenceWindowHeights:   10000,
		DowntimeWindowHeights:   100,
	}
}

// DefaultStoreConfig() returns the default persistence options
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		DBName: "prozchain",
	}
}

// DefaultMetricsConfig() returns the default telemetry options
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		MetricsEnabled: false,
		PrometheusAddr: "0.0.0.0:9090",
	}
}

// NewConfigFromFile() reads a Config from the json file at filePath, layering the
// file's values over the defaults
func NewConfigFromFile(filePath string) (Config, ErrorI) {
	bz, err := os.ReadFile(filePath)
	if err != nil {
		return Config{}, ErrReadFile(err)
	}
	c := DefaultConfig()
	if e := Unmarshal(bz, &c); e != nil {
		return Config{}, e
	}
	return c, nil
}

// WriteToFile() saves the Config as pretty json at filePath
func (c Config) WriteToFile(filePath string) ErrorI {
	bz, err := MarshalJSONIndent(c)
	if err != nil {
		return err
	}
	if e := os.MkdirAll(filepath.Dir(filePath), os.ModePerm); e != nil {
		return ErrWriteFile(e)
	}
	if e := os.WriteFile(filePath, bz, os.ModePerm); e != nil {
		return ErrWriteFile(e)
	}
	return nil
}

// DefaultDataDirPath() returns <home>/.prozchain
func DefaultDataDirPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".prozchain")
}
