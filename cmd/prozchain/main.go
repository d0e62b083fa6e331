package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/juant72/prozchain-sub003/bft"
	"github.com/juant72/prozchain-sub003/lib"
	"github.com/juant72/prozchain-sub003/lib/crypto"
	"github.com/juant72/prozchain-sub003/store"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "prozchain",
	Short: "prozchain runs the BFT consensus node",
}

var dataDir string

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", lib.DefaultDataDirPath(), "custom data directory location")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start the consensus node",
	Run: func(cmd *cobra.Command, args []string) {
		config, privateKey, l := initializeDataDirectory(dataDir)
		start(config, privateKey, l)
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "generate a new BLS validator key file",
	Run: func(cmd *cobra.Command, args []string) {
		if err := os.MkdirAll(dataDir, os.ModePerm); err != nil {
			log.Fatal(err)
		}
		keyPath := filepath.Join(dataDir, lib.KeyFileName)
		if _, err := os.Stat(keyPath); err == nil {
			log.Fatalf("refusing to overwrite existing key file at %s", keyPath)
		}
		privateKey, err := crypto.NewBLSPrivateKey()
		if err != nil {
			log.Fatal(err)
		}
		if err = crypto.PrivateKeyToFile(privateKey, keyPath); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("wrote %s\naddress: %s\n", keyPath, privateKey.PublicKey().Address().String())
	},
}

// initializeDataDirectory() ensures the data directory holds a config and a validator
// key, creating defaults on first run
func initializeDataDirectory(dataDirPath string) (lib.Config, crypto.PrivateKeyI, lib.LoggerI) {
	l := lib.NewDefaultLogger()
	if err := os.MkdirAll(dataDirPath, os.ModePerm); err != nil {
		l.Fatal(err.Error())
	}
	configPath := filepath.Join(dataDirPath, lib.ConfigFileName)
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		defaults := lib.DefaultConfig()
		defaults.DataDirPath = dataDirPath
		if err := defaults.WriteToFile(configPath); err != nil {
			l.Fatal(err.Error())
		}
	}
	config, err := lib.NewConfigFromFile(configPath)
	if err != nil {
		l.Fatal(err.Error())
	}
	config.DataDirPath = dataDirPath
	keyPath := filepath.Join(dataDirPath, lib.KeyFileName)
	if _, e := os.Stat(keyPath); os.IsNotExist(e) {
		privateKey, _ := crypto.NewBLSPrivateKey()
		if e = crypto.PrivateKeyToFile(privateKey, keyPath); e != nil {
			l.Fatal(e.Error())
		}
	}
	privateKey, e := crypto.NewBLSPrivateKeyFromFile(keyPath)
	if e != nil {
		l.Fatal(e.Error())
	}
	logger := lib.NewLogger(lib.LoggerConfig{Level: config.LogLevel}, dataDirPath)
	return config, privateKey, logger
}

// start() wires the consensus core to its persistent store and runs the event loop
// until interrupted. The network transport, executor, and validator weighting are
// pluggable collaborators; the bundled adapters serve single-node operation
func start(config lib.Config, privateKey crypto.PrivateKeyI, l lib.LoggerI) {
	metrics := lib.NewMetricsServer(privateKey.PublicKey().Address().Bytes(), config.MetricsConfig, l)
	metrics.Start()
	defer metrics.Stop()
	db, err := store.New(config, l)
	if err != nil {
		l.Fatal(err.Error())
	}
	defer func() { _ = db.Close() }()
	valSource, e := newFileValidatorSource(config.DataDirPath)
	if e != nil {
		l.Fatal(e.Error())
	}
	inbound := make(chan *bft.Message, 1024)
	driver := bft.New(config, privateKey, valSource, &loopbackNetwork{inbound: inbound},
		db, &devExecutor{}, db, metrics, l)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err = driver.Start(time.Now()); err != nil {
		l.Fatal(err.Error())
	}
	l.Infof("Node started as validator %s", privateKey.PublicKey().Address().String())
	driver.Run(ctx, inbound)
}
