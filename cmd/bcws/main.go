// Command bcws is the node's command-line front-end: five subcommands, one
// per layer of the stack, matching spec.md section 6's CLI surface exactly.
// Grounded on original_source/__main__.py's click group, adapted onto
// github.com/urfave/cli (the teacher's own CLI dependency, per go.mod).
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli"

	"github.com/bcws-network/node/chain"
	nodecommon "github.com/bcws-network/node/common"
	nodecrypto "github.com/bcws-network/node/crypto"
	"github.com/bcws-network/node/gossip"
	"github.com/bcws-network/node/log"
	"github.com/bcws-network/node/messaging"
	"github.com/bcws-network/node/peering"
	"github.com/bcws-network/node/search"
	"github.com/bcws-network/node/topology"
)

var (
	portFlag = cli.IntFlag{Name: "port", Value: 9000, Usage: "UDP port to bind"}
	peerFlag = cli.StringSliceFlag{Name: "peer", Usage: "seed peer host:port, repeatable"}
	ndFlag   = cli.BoolFlag{Name: "nd", Usage: "enable the network-topology probe"}
	dsFlag   = cli.BoolFlag{Name: "ds", Usage: "enable periodic state.json dumps"}
	dirFlag  = cli.StringFlag{Name: "state-dir", Value: "./bcws-state", Usage: "persistent state directory"}
)

func main() {
	app := cli.NewApp()
	app.Name = "bcws"
	app.Usage = "peer-to-peer proof-of-work blockchain node"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "log", Usage: "comma-separated log categories: err,log,udp,msg,p2p,gsp,sch,blc,p2d,all"},
	}
	app.Before = func(c *cli.Context) error {
		if csv := c.String("log"); csv != "" {
			log.Enable(csv)
		}
		return nil
	}
	app.Commands = []cli.Command{
		{
			Name:  "messaging",
			Usage: "run only the messaging layer (L1) and echo received kinds",
			Flags: []cli.Flag{portFlag, peerFlag},
			Action: func(c *cli.Context) error {
				return runMessaging(c)
			},
		},
		{
			Name:  "peering",
			Usage: "run the peering overlay (L2) and print the live peer table",
			Flags: []cli.Flag{portFlag, peerFlag},
			Action: func(c *cli.Context) error {
				return runPeering(c)
			},
		},
		{
			Name:  "gossip",
			Usage: "run gossip (L3) and broadcast lines typed on stdin",
			Flags: []cli.Flag{portFlag, peerFlag},
			Action: func(c *cli.Context) error {
				return runGossip(c)
			},
		},
		{
			Name:  "search",
			Usage: "run search (L4) and answer/issue simple echo queries",
			Flags: []cli.Flag{portFlag, peerFlag},
			Action: func(c *cli.Context) error {
				return runSearch(c)
			},
		},
		{
			Name:  "blockchain",
			Usage: "run the full blockchain engine (L5) with an interactive REPL",
			Flags: []cli.Flag{portFlag, peerFlag, ndFlag, dsFlag, dirFlag,
				cli.BoolFlag{Name: "mine", Usage: "mine new blocks"}},
			Action: func(c *cli.Context) error {
				return runBlockchain(c)
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func seedEndpoints(c *cli.Context) []nodecommon.Endpoint {
	var out []nodecommon.Endpoint
	for _, raw := range c.StringSlice("peer") {
		ep, err := nodecommon.ParseEndpoint(raw)
		if err != nil {
			log.Cat(log.CatErr, "bad --peer value, skipping", "value", raw, "err", err)
			continue
		}
		out = append(out, ep)
	}
	return out
}

func runMessaging(c *cli.Context) error {
	msg, err := messaging.New(c.Int("port"))
	if err != nil {
		return err
	}
	msg.Register("demo:echo", func(payload json.RawMessage, from nodecommon.Endpoint) {
		log.Cat(log.CatMsg, "echo received", "from", from, "payload", string(payload))
	})
	msg.Start()
	fmt.Println("messaging layer listening on port", c.Int("port"))
	blockForever()
	return nil
}

func runPeering(c *cli.Context) error {
	msg, err := messaging.New(c.Int("port"))
	if err != nil {
		return err
	}
	id, err := nodecommon.NewIdentifier("p2p")
	if err != nil {
		return err
	}
	net := peering.New(msg, id, peering.DefaultPeerLimit)
	msg.Start()
	net.Start()
	for _, seed := range seedEndpoints(c) {
		net.AnnounceTo(seed)
	}
	fmt.Printf("peering overlay %s listening on port %d\n", id, c.Int("port"))
	printPeersPeriodically(net)
	return nil
}

func runGossip(c *cli.Context) error {
	msg, err := messaging.New(c.Int("port"))
	if err != nil {
		return err
	}
	id, err := nodecommon.NewIdentifier("p2p")
	if err != nil {
		return err
	}
	net := peering.New(msg, id, peering.DefaultPeerLimit)
	gsp := gossip.New(net, net.Register)
	gsp.Register("demo:chat", func(m gossip.Message) {
		var text string
		if err := m.Payload(&text); err == nil {
			fmt.Println("[gossip]", text)
		}
	})
	msg.Start()
	net.Start()
	gsp.Start()
	for _, seed := range seedEndpoints(c) {
		net.AnnounceTo(seed)
	}
	fmt.Println("gossip layer ready; type a line and press enter to broadcast it")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		m, err := gossip.NewMessage("demo:chat", line)
		if err != nil {
			continue
		}
		gsp.Broadcast(m)
	}
	return nil
}

func runSearch(c *cli.Context) error {
	msg, err := messaging.New(c.Int("port"))
	if err != nil {
		return err
	}
	id, err := nodecommon.NewIdentifier("p2p")
	if err != nil {
		return err
	}
	net := peering.New(msg, id, peering.DefaultPeerLimit)
	gsp := gossip.New(net, net.Register)
	srch := search.New(gsp)
	srch.Register("demo:echo", func(query json.RawMessage) (json.RawMessage, error) {
		return query, nil
	})
	msg.Start()
	net.Start()
	gsp.Start()
	srch.Start()
	for _, seed := range seedEndpoints(c) {
		net.AnnounceTo(seed)
	}
	fmt.Println("search layer ready; type a query and press enter")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		q := scanner.Text()
		if q == "" {
			continue
		}
		err := srch.SearchFor("demo:echo", q, func(result json.RawMessage) bool {
			if result == nil {
				fmt.Println("[search] timed out")
				return true
			}
			fmt.Println("[search] result:", string(result))
			return true
		}, search.DefaultTimeout)
		if err != nil {
			fmt.Println("search error:", err)
		}
	}
	return nil
}

func runBlockchain(c *cli.Context) error {
	msg, err := messaging.New(c.Int("port"))
	if err != nil {
		return err
	}
	id, err := nodecommon.NewIdentifier("p2p")
	if err != nil {
		return err
	}
	net := peering.New(msg, id, peering.DefaultPeerLimit)
	msg.Start()
	net.Start()
	for _, seed := range seedEndpoints(c) {
		net.AnnounceTo(seed)
	}

	node, err := chain.NewNode(c.String("state-dir"), net, c.Bool("mine"))
	if err != nil {
		return err
	}

	if c.Bool("nd") {
		prober := topology.New(net, "network_layout.txt")
		prober.Start()
	}
	if c.Bool("ds") {
		startStateDump(node, "state.json")
	}

	fmt.Printf("blockchain node %s ready; address=%s\n", id, node.Address().Hex())
	replLoop(node)
	node.Stop()
	return nil
}

func replLoop(node *chain.Node) {
	fmt.Println("[s]end <recipient_hex> <amount>, [b]alance [addr_hex], [n]once [addr_hex], [l]atest, [q]uit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "s", "send":
			if len(fields) != 3 {
				fmt.Println("usage: send <recipient_hex> <amount>")
				continue
			}
			receiver, err := nodecrypto.PublicKeyFromHex(fields[1])
			if err != nil {
				fmt.Println("bad recipient:", err)
				continue
			}
			amount, err := strconv.ParseUint(fields[2], 10, 64)
			if err != nil {
				fmt.Println("bad amount:", err)
				continue
			}
			tx, err := node.SendTransaction(receiver, amount)
			if err != nil {
				fmt.Println("send failed:", err)
				continue
			}
			fmt.Println("sent", tx.HashHex())
		case "b", "balance":
			addr := node.Address()
			if len(fields) == 2 {
				parsed, err := nodecrypto.PublicKeyFromHex(fields[1])
				if err != nil {
					fmt.Println("bad address:", err)
					continue
				}
				addr = parsed
			}
			fmt.Println(node.GetBalance(addr))
		case "n", "nonce":
			addr := node.Address()
			if len(fields) == 2 {
				parsed, err := nodecrypto.PublicKeyFromHex(fields[1])
				if err != nil {
					fmt.Println("bad address:", err)
					continue
				}
				addr = parsed
			}
			fmt.Println(node.GetNonce(addr))
		case "l", "latest":
			st := node.Canon.GetLatestState()
			fmt.Printf("height=%d hash=%x\n", st.BlockNumber, st.BlockHash)
		case "q", "quit":
			return
		default:
			fmt.Println("unrecognized command")
		}
	}
}

func blockForever() {
	<-make(chan struct{})
}

func printPeersPeriodically(net *peering.Network) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		peers := net.Peers()
		fmt.Printf("peers (%d):\n", len(peers))
		for _, p := range peers {
			fmt.Printf("  %s @ %s\n", p.ID, p.Endpoint)
		}
	}
}

// startStateDump implements the --ds flag (SPEC_FULL.md section 4): a
// background loop writing a periodic human-readable snapshot of every
// canonical block plus the latest account state.
func startStateDump(node *chain.Node, outputPath string) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			dumpStateOnce(node, outputPath)
		}
	}()
}

type stateDumpBlock struct {
	Number int    `json:"number"`
	Hash   string `json:"hash"`
}

type stateDump struct {
	Blocks      []stateDumpBlock  `json:"blocks"`
	BlockNumber uint64            `json:"block_number"`
	Balances    map[string]uint64 `json:"balances"`
	Nonces      map[string]uint64 `json:"nonces"`
}

func dumpStateOnce(node *chain.Node, outputPath string) {
	var blocks []stateDumpBlock
	node.Canon.Iterate(func(b *chain.Block) bool {
		blocks = append(blocks, stateDumpBlock{Number: int(b.Number), Hash: b.HashHex()})
		return true
	})

	latest := node.Canon.GetLatestState()
	balances := make(map[string]uint64, len(latest.Balances))
	for addr, amt := range latest.Balances {
		balances[addr.Hex()] = amt
	}
	nonces := make(map[string]uint64, len(latest.Nonces))
	for addr, n := range latest.Nonces {
		nonces[addr.Hex()] = n
	}

	data, err := json.MarshalIndent(stateDump{
		Blocks:      blocks,
		BlockNumber: latest.BlockNumber,
		Balances:    balances,
		Nonces:      nonces,
	}, "", "  ")
	if err != nil {
		log.Cat(log.CatErr, "failed to encode state dump", "err", err)
		return
	}

	tmp := outputPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Cat(log.CatErr, "failed to write state dump", "err", err)
		return
	}
	if err := os.Rename(tmp, outputPath); err != nil {
		log.Cat(log.CatErr, "failed to rename state dump into place", "err", err)
	}
}
