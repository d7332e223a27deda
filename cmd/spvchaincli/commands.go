package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/spvchain/headers"
	"github.com/lightningnetwork/spvchain/headerstore"
	"github.com/lightningnetwork/spvchain/lnutils"
	"github.com/lightningnetwork/spvchain/merkleproof"
	"github.com/lightningnetwork/spvchain/netparams"
	"github.com/lightningnetwork/spvchain/pow"
	"github.com/urfave/cli"
)

// defaultListLimit is the number of headers listed when no limit is given.
const defaultListLimit = 20

// printJSON writes the value as indented JSON.
func printJSON(w io.Writer, resp any) error {
	b, err := json.MarshalIndent(resp, "", "    ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "%s\n", b)

	return err
}

// headerResp is the JSON form of a finalized header.
type headerResp struct {
	Hash        string              `json:"hash"`
	Sequence    uint64              `json:"sequence,omitempty"`
	FinalizedAt int64               `json:"finalized_at,omitempty"`
	Difficulty  float64             `json:"difficulty"`
	Header      *headers.JSONHeader `json:"header"`
}

// newHeaderResp builds the JSON form of a header. Difficulties are relative
// to the network's proof of work limit.
func newHeaderResp(record *headers.Record,
	net netparams.Network) *headerResp {

	return &headerResp{
		Hash:       record.Hash().String(),
		Difficulty: pow.DifficultyFloat(record.Bits(), net.Params()),
		Header:     headers.NewJSONHeader(record),
	}
}

// newFinalizedResp builds the JSON form of an archived header.
func newFinalizedResp(entry *headerstore.FinalizedHeader,
	net netparams.Network) *headerResp {

	resp := newHeaderResp(entry.Header, net)
	resp.Sequence = entry.Sequence
	resp.FinalizedAt = entry.FinalizedAt.Unix()

	return resp
}

// globalNetwork returns the network selected by the global flags.
func globalNetwork(ctx *cli.Context) (netparams.Network, error) {
	return netparams.ParseNetwork(ctx.GlobalString("network"))
}

// storeAction wraps a command that needs the finalized header database.
func storeAction(f func(ctx *cli.Context, store *headerstore.KVStore,
	net netparams.Network) error) func(*cli.Context) error {

	return func(ctx *cli.Context) error {
		net, err := globalNetwork(ctx)
		if err != nil {
			return err
		}

		store, cleanUp, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer cleanUp()

		return f(ctx, store, net)
	}
}

var countCommand = cli.Command{
	Name:  "count",
	Usage: "Print the number of finalized headers.",
	Action: storeAction(func(_ *cli.Context, store *headerstore.KVStore,
		_ netparams.Network) error {

		count, err := store.Count()
		if err != nil {
			return err
		}

		return printJSON(os.Stdout, map[string]int{"count": count})
	}),
}

var lastCommand = cli.Command{
	Name:  "last",
	Usage: "Print the most recently finalized header.",
	Action: storeAction(func(_ *cli.Context, store *headerstore.KVStore,
		net netparams.Network) error {

		entry, err := store.LastHeader(context.Background())
		if err != nil {
			return err
		}

		return printJSON(os.Stdout, newFinalizedResp(entry, net))
	}),
}

var fetchCommand = cli.Command{
	Name:      "fetch",
	Usage:     "Print a finalized header by its hash.",
	ArgsUsage: "hash",
	Action: storeAction(func(ctx *cli.Context, store *headerstore.KVStore,
		net netparams.Network) error {

		if ctx.NArg() != 1 {
			return cli.ShowCommandHelp(ctx, "fetch")
		}

		hash, err := chainhash.NewHashFromStr(ctx.Args().First())
		if err != nil {
			return fmt.Errorf("invalid hash: %w", err)
		}

		entry, err := store.FetchFinalized(context.Background(), *hash)
		if err != nil {
			return err
		}

		return printJSON(os.Stdout, newFinalizedResp(entry, net))
	}),
}

var listCommand = cli.Command{
	Name:  "list",
	Usage: "List finalized headers in the order they were finalized.",
	Flags: []cli.Flag{
		cli.Uint64Flag{
			Name:  "start",
			Usage: "The sequence number to start listing at.",
			Value: 1,
		},
		cli.IntFlag{
			Name:  "limit",
			Usage: "The maximum number of headers to list.",
			Value: defaultListLimit,
		},
		cli.BoolFlag{
			Name:  "json",
			Usage: "Print JSON instead of a table.",
		},
	},
	Action: storeAction(func(ctx *cli.Context, store *headerstore.KVStore,
		net netparams.Network) error {

		entries, err := listHeaders(
			context.Background(), store, ctx.Uint64("start"),
			ctx.Int("limit"),
		)
		if err != nil {
			return err
		}

		if ctx.Bool("json") {
			return printJSON(os.Stdout, fn.Map(
				entries,
				func(e *headerstore.FinalizedHeader) *headerResp {
					return newFinalizedResp(e, net)
				},
			))
		}

		renderHeaderTable(os.Stdout, entries, net)

		return nil
	}),
}

// errListFull stops the iteration once the list limit is reached.
var errListFull = errors.New("list limit reached")

// listHeaders returns up to limit archived headers starting at the given
// sequence number.
func listHeaders(ctx context.Context, store *headerstore.KVStore,
	start uint64, limit int) ([]*headerstore.FinalizedHeader, error) {

	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	var entries []*headerstore.FinalizedHeader
	err := store.ForEachHeader(ctx, start,
		func(entry *headerstore.FinalizedHeader) error {
			entries = append(entries, entry)
			if len(entries) == limit {
				return errListFull
			}

			return nil
		},
	)
	if err != nil && !errors.Is(err, errListFull) {
		return nil, err
	}

	return entries, nil
}

// renderHeaderTable writes the archived headers as a table.
func renderHeaderTable(w io.Writer, entries []*headerstore.FinalizedHeader,
	net netparams.Network) {

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(table.Row{
		"#", "Hash", "Time", "Bits", "Difficulty", "Finalized At",
	})
	for _, entry := range entries {
		record := entry.Header
		t.AppendRow(table.Row{
			entry.Sequence,
			record.Hash(),
			record.Timestamp().UTC().Format(time.RFC3339),
			fmt.Sprintf("%08x", record.Bits()),
			fmt.Sprintf("%.4f", pow.DifficultyFloat(
				record.Bits(), net.Params(),
			)),
			entry.FinalizedAt.UTC().Format(time.RFC3339),
		})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d headers", len(entries))})
	t.Render()
}

var decodeHeaderCommand = cli.Command{
	Name:      "decodeheader",
	Usage:     "Decode a header and check its proof of work.",
	ArgsUsage: "header",
	Description: `
	Decode a header given either as the 160 character hex encoding of its
	80-byte serialization or as a JSON object in the node RPC form. The
	header is not looked up in the database.`,
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.ShowCommandHelp(ctx, "decodeheader")
		}

		net, err := globalNetwork(ctx)
		if err != nil {
			return err
		}

		resp, err := decodeHeader(ctx.Args().First(), net)
		if err != nil {
			return err
		}

		return printJSON(os.Stdout, resp)
	},
}

// decodedHeaderResp is the JSON form of a decoded header.
type decodedHeaderResp struct {
	*headerResp

	ProofOfWork bool `json:"proof_of_work"`
}

// decodeHeader normalizes the raw header given on the command line.
func decodeHeader(raw string, net netparams.Network) (*decodedHeaderResp,
	error) {

	var input any = raw
	if strings.HasPrefix(strings.TrimSpace(raw), "{") {
		input = json.RawMessage(raw)
	}

	record, err := headers.Normalize(input)
	if err != nil {
		return nil, err
	}

	return &decodedHeaderResp{
		headerResp:  newHeaderResp(record, net),
		ProofOfWork: pow.MeetsProofOfWork(record.Hash(), record.Bits()),
	}, nil
}

var verifyProofCommand = cli.Command{
	Name:      "verifyproof",
	Usage:     "Verify a merkle block proving transaction inclusion.",
	ArgsUsage: "merkleblock txid [txid...]",
	Description: `
	Verify that the hex encoded merkle block message commits to the merkle
	root of its header and matches every given transaction id. With
	--checkstore the header is also looked up among the finalized headers.`,
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name: "checkstore",
			Usage: "Also check that the block header is " +
				"finalized.",
		},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() < 2 {
			return cli.ShowCommandHelp(ctx, "verifyproof")
		}

		mb, err := decodeMerkleBlock(ctx.Args().First())
		if err != nil {
			return err
		}

		txids := make([]chainhash.Hash, 0, ctx.NArg()-1)
		for _, arg := range ctx.Args().Tail() {
			txid, err := chainhash.NewHashFromStr(arg)
			if err != nil {
				return fmt.Errorf("invalid txid %v: %w", arg,
					err)
			}
			txids = append(txids, *txid)
		}

		var store *headerstore.KVStore
		if ctx.Bool("checkstore") {
			var cleanUp func()
			store, cleanUp, err = openStore(ctx)
			if err != nil {
				return err
			}
			defer cleanUp()
		}

		resp, err := verifyProof(context.Background(), mb, txids, store)
		if err != nil {
			return err
		}

		return printJSON(os.Stdout, resp)
	},
}

// decodeMerkleBlock parses a hex encoded merkle block message.
func decodeMerkleBlock(raw string) (*wire.MsgMerkleBlock, error) {
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid merkle block hex: %w", err)
	}

	var mb wire.MsgMerkleBlock
	err = mb.BtcDecode(
		bytes.NewReader(b), wire.ProtocolVersion, wire.BaseEncoding,
	)
	if err != nil {
		return nil, fmt.Errorf("invalid merkle block: %w", err)
	}

	return &mb, nil
}

// proofResp is the JSON form of a merkle proof verification.
type proofResp struct {
	BlockHash  string   `json:"block_hash"`
	MerkleRoot string   `json:"merkle_root,omitempty"`
	Matches    []string `json:"matches"`
	Valid      bool     `json:"valid"`
	Error      string   `json:"error,omitempty"`
	Finalized  *bool    `json:"finalized,omitempty"`
}

// verifyProof checks the merkle block against the transaction ids and, if a
// store is given, whether its header was finalized.
func verifyProof(ctx context.Context, mb *wire.MsgMerkleBlock,
	txids []chainhash.Hash, store *headerstore.KVStore) (*proofResp,
	error) {

	blockHash := mb.Header.BlockHash()
	resp := &proofResp{
		BlockHash: blockHash.String(),
		Matches:   []string{},
	}

	root, matches, err := merkleproof.ExtractMatches(mb)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.MerkleRoot = root.String()
		resp.Matches = fn.Map(matches, func(h chainhash.Hash) string {
			return h.String()
		})
		resp.Valid = merkleproof.VerifyInclusion(mb, txids)
	}

	if store == nil {
		return resp, nil
	}

	_, err = store.FetchHeader(ctx, blockHash)
	switch {
	case errors.Is(err, headerstore.ErrHeaderNotFound):
		resp.Finalized = lnutils.Ptr(false)

	case err != nil:
		return nil, err

	default:
		resp.Finalized = lnutils.Ptr(true)
	}

	return resp, nil
}
