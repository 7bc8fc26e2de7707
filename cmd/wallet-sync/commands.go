package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brewgator/wallet-sync/internal/api"
	"github.com/brewgator/wallet-sync/internal/config"
	"github.com/brewgator/wallet-sync/internal/utils"
	"github.com/brewgator/wallet-sync/internal/wallet"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var errNoWallet = errors.New("no wallet configured: set WALLETSYNC_WALLET_MNEMONIC or WALLETSYNC_WALLET_XPUB")

var serve = cli.Command{
	Name:   "serve",
	Usage:  "sync the wallet periodically and serve the status API",
	Action: serveAction,
}

var fees = cli.Command{
	Name:   "fees",
	Usage:  "print fast, medium and slow fee rates in sat/vB",
	Action: feesAction,
}

var testConnection = cli.Command{
	Name:  "test-connection",
	Usage: "check that an Electrum server answers",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "host", Required: true},
		&cli.IntFlag{Name: "tcp", Usage: "plaintext port"},
		&cli.IntFlag{Name: "ssl", Usage: "TLS port"},
	},
	Action: testConnectionAction,
}

var transactions = cli.Command{
	Name:  "transactions",
	Usage: "sync once and print wallet transactions, newest first",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "limit", Usage: "print at most this many transactions"},
		&cli.BoolFlag{Name: "table", Usage: "print a table instead of JSON"},
	},
	Action: transactionsAction,
}

func serveAction(c *cli.Context) error {
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	w, err := newWallet()
	if err != nil {
		return err
	}

	var service *wallet.SyncService
	if w != nil {
		service = wallet.NewSyncService(w, s.manager, s.store, config.GetSyncInterval())
		go service.Start()
		defer service.Stop()
	} else {
		log.Println("⚠️  No wallet configured, serving connection status only")
	}

	server := api.NewServer(s.manager, service, config.GetAllowedOrigins())
	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe(config.GetAPIAddress())
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errs:
		return err
	case <-sigChan:
		log.Println("Received shutdown signal, exiting...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

func feesAction(c *cli.Context) error {
	s, err := openSession(c.Context)
	if err != nil {
		return err
	}
	defer s.Close()

	estimates, err := s.manager.EstimateFees(c.Context)
	if err != nil {
		return err
	}
	return printJSON(estimates)
}

func testConnectionAction(c *cli.Context) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	manager, err := newManager(store)
	if err != nil {
		return err
	}
	defer manager.Close()

	host, tcp, ssl := c.String("host"), c.Int("tcp"), c.Int("ssl")
	if tcp == 0 && ssl == 0 {
		return fmt.Errorf("one of --tcp or --ssl is required")
	}
	if !manager.TestConnection(c.Context, host, tcp, ssl) {
		return fmt.Errorf("❌ %s did not answer", host)
	}
	fmt.Printf("✅ %s is reachable\n", host)
	return nil
}

func transactionsAction(c *cli.Context) error {
	w, err := newWallet()
	if err != nil {
		return err
	}
	if w == nil {
		return errNoWallet
	}

	s, err := openSession(c.Context)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := w.LoadState(s.store); err != nil {
		log.WithError(err).Warn("failed to restore wallet state")
	}
	if err := w.Sync(c.Context, s.manager); err != nil {
		return err
	}
	if err := w.SaveState(s.store); err != nil {
		log.WithError(err).Warn("failed to save wallet state")
	}

	records := w.GetTransactions()
	if limit := c.Int("limit"); limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	if c.Bool("table") {
		printTransactionTable(records)
		return nil
	}
	return printJSON(records)
}

func printTransactionTable(records []wallet.TransactionRecord) {
	fmt.Printf("%-19s %-19s %18s  %s\n", "RECEIVED", "TXID", "VALUE", "COUNTERPARTY")
	for _, r := range records {
		received := time.UnixMilli(r.Received).Format("2006-01-02 15:04:05")
		fmt.Printf("%-19s %-19s %18s  %s\n",
			received,
			utils.TruncateMiddle(r.TxID, 8),
			utils.FormatSignedSats(r.Value),
			utils.TruncateMiddle(r.Counterparty, 8),
		)
	}
}
