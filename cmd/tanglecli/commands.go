package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sputn1ck/tanglewallet/binding"
	"github.com/sputn1ck/tanglewallet/sending"
	"github.com/sputn1ck/tanglewallet/tangle"
	"github.com/urfave/cli"
)

var nodeInfoCommand = cli.Command{
	Name:   "nodeinfo",
	Usage:  "Show the state of the node.",
	Action: nodeInfo,
}

func nodeInfo(ctx *cli.Context) error {
	runCtx, c, _, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	info, err := c.NodeInfo(runCtx)
	if err != nil {
		return err
	}

	printTable([]string{"Field", "Value"}, [][]string{
		{"app", info.AppName + " " + info.AppVersion},
		{"latest milestone", strconv.FormatInt(
			info.LatestMilestoneIndex, 10,
		)},
		{"latest solid milestone", strconv.FormatInt(
			info.LatestSolidSubtangleMilestoneIndex, 10,
		)},
		{"synced", strconv.FormatBool(info.IsSynced())},
		{"neighbors", strconv.Itoa(info.Neighbors)},
		{"tips", strconv.Itoa(info.Tips)},
	})

	return nil
}

var newAddressCommand = cli.Command{
	Name:  "newaddress",
	Usage: "Derive an address from the seed.",
	Description: `
	Derive the address at --index, or the next address that has neither
	been spent from nor received a transaction. The seed is read from the
	terminal or from --seedfile.`,
	Flags: append([]cli.Flag{
		cli.Uint64Flag{
			Name:  "index",
			Usage: "derive the address at this index",
		},
		cli.IntFlag{
			Name:  "security",
			Usage: "security level {1, 2, 3}, defaults to the config",
		},
	}, seedFlags...),
	Action: newAddress,
}

func newAddress(ctx *cli.Context) error {
	runCtx, c, cfg, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	seed, err := readSeed(ctx)
	if err != nil {
		return err
	}
	defer seed.Wipe()

	var index *uint64
	if ctx.IsSet("index") {
		i := ctx.Uint64("index")
		index = &i
	}

	security := tangle.SecurityLevel(cfg.Security)
	if ctx.IsSet("security") {
		security = tangle.SecurityLevel(ctx.Int("security"))
	}

	i, addr, err := c.GetNewAddress(runCtx, seed, index, security)
	if err != nil {
		return err
	}

	withChecksum, err := addr.WithChecksum()
	if err != nil {
		return err
	}

	printTable([]string{"Index", "Address"}, [][]string{
		{strconv.FormatUint(i, 10), withChecksum},
	})

	return nil
}

var balancesCommand = cli.Command{
	Name:      "balances",
	Usage:     "Show the confirmed balances of addresses.",
	ArgsUsage: "address...",
	Action:    balances,
}

func balances(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return cli.ShowCommandHelp(ctx, "balances")
	}

	addrs := make([]tangle.Address, ctx.NArg())
	for i, raw := range ctx.Args() {
		addr, err := tangle.AddressFromTrytes(raw)
		if err != nil {
			return err
		}
		addrs[i] = addr
	}

	runCtx, c, _, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	values, err := c.Balances(runCtx, addrs)
	if err != nil {
		return err
	}

	rows := make([][]string, len(addrs))
	for i, addr := range addrs {
		rows[i] = []string{
			addr.Trytes(), strconv.FormatUint(values[i], 10),
		}
	}
	printTable([]string{"Address", "Balance"}, rows)

	return nil
}

var sendCommand = cli.Command{
	Name:  "send",
	Usage: "Send value or a message to an address.",
	Description: `
	Build, sign, attach and broadcast a bundle moving --value to --to.
	Inputs are found by scanning the seed's addresses, any remaining
	balance goes to a fresh address of the seed. The seed is read from
	the terminal or from --seedfile.`,
	Flags: append([]cli.Flag{
		cli.StringFlag{
			Name:  "to",
			Usage: "the destination address, with or without checksum",
		},
		cli.Uint64Flag{
			Name:  "value",
			Usage: "the amount to send",
		},
		cli.StringFlag{
			Name:  "message",
			Usage: "an optional tryte message",
		},
		cli.StringFlag{
			Name:  "tag",
			Usage: "an optional tag of up to 27 trytes",
		},
		cli.IntFlag{
			Name:  "mwm",
			Usage: "min weight magnitude, defaults to the config",
		},
		cli.Uint64Flag{
			Name:  "depth",
			Usage: "tip selection depth, defaults to the config",
		},
		cli.BoolFlag{
			Name:  "watch",
			Usage: "wait until the bundle is confirmed",
		},
	}, seedFlags...),
	Action: send,
}

func send(ctx *cli.Context) error {
	if !ctx.IsSet("to") {
		return cli.ShowCommandHelp(ctx, "send")
	}

	to, err := tangle.AddressFromTrytes(ctx.String("to"))
	if err != nil {
		return err
	}

	runCtx, c, cfg, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	seed, err := readSeed(ctx)
	if err != nil {
		return err
	}
	defer seed.Wipe()

	req := sending.DefaultSendRequest().
		WithSeed(seed).
		WithSecurity(tangle.SecurityLevel(cfg.Security)).
		WithDepth(ctx.Uint64("depth")).
		WithMinWeightMagnitude(ctx.Int("mwm")).
		WithTransfers(tangle.Transfer{
			Address: to,
			Value:   ctx.Uint64("value"),
			Message: ctx.String("message"),
			Tag:     ctx.String("tag"),
		})

	txs, err := c.SendTransfers(runCtx, req)
	if err != nil {
		return err
	}
	printTransactions(txs)

	if !ctx.Bool("watch") {
		return nil
	}

	tail, err := txs[0].Hash()
	if err != nil {
		return err
	}

	event, err := c.WatchConfirmation(tail)
	if err != nil {
		return err
	}
	defer event.Cancel()

	fmt.Fprintf(os.Stderr, "Waiting for confirmation of %v\n", tail)

	select {
	case conf := <-event.Confirmed:
		fmt.Printf("Confirmed after %d polls\n", conf.Polls)
		return nil

	case err := <-event.Err:
		return err

	case <-runCtx.Done():
		return runCtx.Err()
	}
}

var broadcastCommand = cli.Command{
	Name:      "broadcast",
	Usage:     "Rebroadcast a bundle by its tail.",
	ArgsUsage: "tail",
	Action:    broadcast,
}

func broadcast(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "broadcast")
	}

	tail, err := tangle.HashFromTrytes(ctx.Args().First())
	if err != nil {
		return err
	}

	runCtx, c, _, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	txs, err := c.BroadcastBundle(runCtx, tail)
	if err != nil {
		return err
	}
	printTransactions(txs)

	return nil
}

var bundlesCommand = cli.Command{
	Name:   "bundles",
	Usage:  "List the bundles sent from this wallet.",
	Action: bundles,
}

func bundles(ctx *cli.Context) error {
	runCtx, c, _, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	records, err := c.ListBundles(runCtx)
	if err != nil {
		return err
	}

	rows := make([][]string, len(records))
	for i, r := range records {
		rows[i] = []string{
			r.CreatedAt.Format("2006-01-02 15:04:05"),
			r.Tail.Trytes(), r.Bundle.Trytes(),
			strconv.Itoa(r.Transactions),
		}
	}
	printTable([]string{"Created", "Tail", "Bundle", "Txs"}, rows)

	return nil
}

var consistencyCommand = cli.Command{
	Name:      "consistency",
	Usage:     "Check whether tails are consistent with the ledger.",
	ArgsUsage: "tail...",
	Action:    consistency,
}

func consistency(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return cli.ShowCommandHelp(ctx, "consistency")
	}

	tails := make([]tangle.Hash, ctx.NArg())
	for i, raw := range ctx.Args() {
		h, err := tangle.HashFromTrytes(raw)
		if err != nil {
			return err
		}
		tails[i] = h
	}

	runCtx, c, _, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := c.CheckConsistency(runCtx, tails)
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(report.Tails))
	for _, tc := range report.Tails {
		rows = append(rows, []string{
			tc.Tail.Trytes(), strconv.FormatBool(tc.Consistent),
			tc.Info,
		})
	}
	if len(rows) == 0 {
		rows = append(rows, []string{
			"all", strconv.FormatBool(report.Consistent),
			report.Info,
		})
	}
	printTable([]string{"Tail", "Consistent", "Info"}, rows)

	return nil
}

var neighborsCommand = cli.Command{
	Name:   "neighbors",
	Usage:  "List, add or remove the node's peers.",
	Action: listNeighbors,
	Subcommands: []cli.Command{{
		Name:      "add",
		Usage:     "Add peers such as tcp://host:15600.",
		ArgsUsage: "uri...",
		Action:    changeNeighbors(true),
	}, {
		Name:      "remove",
		Usage:     "Remove peers.",
		ArgsUsage: "uri...",
		Action:    changeNeighbors(false),
	}},
}

func listNeighbors(ctx *cli.Context) error {
	runCtx, c, _, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	neighbors, err := c.Neighbors(runCtx)
	if err != nil {
		return err
	}

	rows := make([][]string, len(neighbors))
	for i, n := range neighbors {
		rows[i] = []string{
			n.Address, n.ConnectionType,
			strconv.FormatInt(n.NumberOfAllTransactions, 10),
			strconv.FormatInt(n.NumberOfInvalidTransactions, 10),
		}
	}
	printTable([]string{"Address", "Type", "All txs", "Invalid txs"}, rows)

	return nil
}

func changeNeighbors(add bool) func(*cli.Context) error {
	return func(ctx *cli.Context) error {
		if ctx.NArg() == 0 {
			return cli.ShowSubcommandHelp(ctx)
		}

		runCtx, c, _, cleanup, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		uris := []string(ctx.Args())
		if add {
			n, err := c.AddNeighbors(runCtx, uris)
			if err != nil {
				return err
			}
			fmt.Printf("Added %d neighbors\n", n)

			return nil
		}

		n, err := c.RemoveNeighbors(runCtx, uris)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d neighbors\n", n)

		return nil
	}
}

var callCommand = cli.Command{
	Name:      "call",
	Usage:     "Run a wallet command with a JSON request.",
	ArgsUsage: "command [json]",
	Description: fmt.Sprintf(`
	Run one of the wallet commands with a JSON request given as argument
	or on stdin, and print the JSON response. Failures are printed as
	{"error": kind, "message": text}. Commands: %s.`,
		strings.Join(callCommands, ", ")),
	Action: call,
}

var callCommands = []string{
	binding.CmdGetNodeInfo, binding.CmdGetNewAddress,
	binding.CmdPrepareTransfers, binding.CmdAttachToTangle,
	binding.CmdSendTrytes, binding.CmdSendTransfers,
	binding.CmdBroadcastBundle, binding.CmdCheckConsistency,
	binding.CmdAddNeighbors, binding.CmdRemoveNeighbors,
}

func call(ctx *cli.Context) error {
	if ctx.NArg() == 0 || ctx.NArg() > 2 {
		return cli.ShowCommandHelp(ctx, "call")
	}

	var raw []byte
	if ctx.NArg() == 2 {
		raw = []byte(ctx.Args().Get(1))
	} else {
		var err error
		raw, err = io.ReadAll(stdin)
		if err != nil {
			return err
		}
	}

	runCtx, c, _, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	out, err := binding.Dispatch(runCtx, c, ctx.Args().First(), raw)
	fmt.Printf("%s\n", out)

	return err
}

func printTransactions(txs []*tangle.Transaction) {
	rows := make([][]string, 0, len(txs))
	for _, tx := range txs {
		h, err := tx.Hash()
		if err != nil {
			continue
		}
		rows = append(rows, []string{
			strconv.FormatUint(tx.CurrentIndex, 10), h.Trytes(),
			tx.Address.Trytes(), strconv.FormatInt(tx.Value, 10),
		})
	}
	printTable([]string{"Index", "Hash", "Address", "Value"}, rows)
}
