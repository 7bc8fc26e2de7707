package main

import (
	"os"

	"github.com/brewgator/wallet-sync/internal/config"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// flagEnv maps global flags onto the environment keys config reads
var flagEnv = map[string]string{
	"network":  config.NetworkKey,
	"datadir":  config.DatadirKey,
	"cache":    config.CacheBackendKey,
	"loglevel": config.LogLevelKey,
}

func main() {
	app := cli.NewApp()

	app.Name = "wallet-sync"
	app.Usage = "Electrum backed wallet sync with BIP47 payment codes"
	app.Flags = []cli.Flag{
		&cli.StringFlag{Name: "network", Usage: "mainnet, testnet or regtest"},
		&cli.StringFlag{Name: "datadir", Usage: "directory for the cache database"},
		&cli.StringFlag{Name: "cache", Usage: "cache backend: sqlite or badger"},
		&cli.StringFlag{Name: "loglevel", Usage: "logrus level, 0 (panic) to 6 (trace)"},
	}
	app.Before = initialize
	app.Commands = append(
		app.Commands,
		&serve,
		&fees,
		&testConnection,
		&transactions,
	)

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// initialize applies flag overrides and loads the configuration
func initialize(c *cli.Context) error {
	for flag, key := range flagEnv {
		if c.IsSet(flag) {
			if err := os.Setenv("WALLETSYNC_"+key, c.String(flag)); err != nil {
				return err
			}
		}
	}
	if err := config.InitConfig(); err != nil {
		return err
	}
	log.SetLevel(log.Level(config.GetInt(config.LogLevelKey)))
	return nil
}
