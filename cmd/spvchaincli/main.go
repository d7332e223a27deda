package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/spvchain/headerstore"
	"github.com/lightningnetwork/spvchain/netparams"
	"github.com/lightningnetwork/spvchain/spvcfg"
	"github.com/urfave/cli"
)

const defaultDataDirname = "data"

var defaultSpvDir = btcutil.AppDataDir("spvchain", false)

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "[spvchaincli] %v\n", err)
	os.Exit(1)
}

// dbPath returns the directory of the finalized header database selected by
// the global flags.
func dbPath(ctx *cli.Context) (string, error) {
	network, err := netparams.ParseNetwork(ctx.GlobalString("network"))
	if err != nil {
		return "", err
	}

	spvDir := spvcfg.CleanAndExpandPath(ctx.GlobalString("spvdir"))

	return filepath.Join(spvDir, defaultDataDirname, network.String()), nil
}

// openStore opens the finalized header database selected by the global
// flags. The returned closure must be called to release the database.
func openStore(ctx *cli.Context) (*headerstore.KVStore, func(), error) {
	path, err := dbPath(ctx)
	if err != nil {
		return nil, nil, err
	}

	dbFile := filepath.Join(path, spvcfg.DBFilename)
	if _, err := os.Stat(dbFile); err != nil {
		return nil, nil, fmt.Errorf("no header database at %v: %w",
			dbFile, err)
	}

	db, err := spvcfg.DefaultDB().GetBackend(path)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to open header database, "+
			"is spvchaind still running? %w", err)
	}

	store, err := headerstore.NewKVStore(db, clock.NewDefaultClock())
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	return store, func() { _ = db.Close() }, nil
}

func main() {
	app := cli.NewApp()
	app.Name = "spvchaincli"
	app.Usage = "inspect the finalized headers of spvchaind and verify " +
		"merkle proofs against them"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:      "spvdir",
			Value:     defaultSpvDir,
			Usage:     "The path to spvchaind's base directory.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name: "network, n",
			Usage: "The network spvchaind is tracking, e.g. " +
				"testnet, regtest, etc.",
			Value: netparams.TestNet.String(),
		},
	}
	app.Commands = []cli.Command{
		countCommand,
		lastCommand,
		fetchCommand,
		listCommand,
		decodeHeaderCommand,
		verifyProofCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
