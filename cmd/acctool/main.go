// Command acctool is an interactive operator shell over one acc.Block
// (SPEC_FULL.md §0's expansion row: "open a store, insert/scan/checkpoint,
// inspect pages"). It follows the teacher's cmd/repl shape: flag.Parse,
// then a bufio.Scanner command loop with dot-prefixed meta commands.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"golang.org/x/text/language"

	"github.com/accstore/lhacc/acc"
	"github.com/accstore/lhacc/internal/config"
	"github.com/accstore/lhacc/internal/fragment"
)

var (
	flagDataDir  = flag.String("datadir", ".", "root directory for data/undo files")
	flagConfig   = flag.String("config", "", "path to a YAML config file (defaults used if empty)")
	flagTableID  = flag.Uint("table", 1, "table id")
	flagFragID   = flag.Uint("frag", 1, "fragment id")
	flagKeyWords = flag.Int("keywords", 2, "local key length in 32-bit words")
	flagCron     = flag.String("lcp-cron", "", "cron expression for periodic checkpoints; empty disables scheduling")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *flagConfig != "" {
		loaded, err := config.LoadConfig(*flagConfig)
		if err != nil {
			fmt.Fprintln(os.Stderr, "config error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	block, err := acc.NewBlock(acc.Options{
		Config:    cfg,
		TableID:   uint32(*flagTableID),
		FragID:    uint32(*flagFragID),
		KeyWords:  *flagKeyWords,
		Collation: language.Und,
		Logger:    log.New(os.Stderr, "acctool: ", log.LstdFlags),
		DataDir:   *flagDataDir,
		LcpCron:   *flagCron,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "open error:", err)
		os.Exit(1)
	}
	defer block.Close()

	runShell(block)
}

func runShell(b *acc.Block) {
	sc := bufio.NewScanner(os.Stdin)
	interactive := false
	if fi, err := os.Stdin.Stat(); err == nil {
		interactive = (fi.Mode() & os.ModeCharDevice) != 0
	}
	if interactive {
		fmt.Println("acctool shell. '.help' for commands, '.quit' to exit.")
	}

	var openScan fragment.Ref
	nextTx := uint64(1)

	for {
		if interactive {
			fmt.Print("acc> ")
		}
		if !sc.Scan() {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd := fields[0]
		args := fields[1:]

		switch cmd {
		case ".help":
			printHelp()
		case ".quit":
			return
		case "insert":
			runInsertLike(b, fragment.OpInsert, args, &nextTx)
		case "update":
			runInsertLike(b, fragment.OpUpdate, args, &nextTx)
		case "delete":
			runInsertLike(b, fragment.OpDelete, args, &nextTx)
		case "read":
			runRead(b, args, &nextTx)
		case "scan-start":
			ref, err := b.StartScan(fragment.LockShared, false)
			if err != nil {
				fmt.Println("ERR:", err)
				continue
			}
			openScan = ref
			fmt.Println("scan started, ref =", ref)
		case "scan-next":
			if openScan == fragment.NilRef {
				fmt.Println("ERR: no open scan; run scan-start first")
				continue
			}
			row, done, rateLimited, err := b.NextScan(openScan)
			switch {
			case err != nil:
				fmt.Println("ERR:", err)
			case done:
				fmt.Println("scan complete")
			case rateLimited:
				fmt.Println("rate limited; retry scan-next")
			default:
				fmt.Printf("row: page=%d slot=%d\n", row.Elem.Page, row.Elem.Slot)
			}
		case "scan-close":
			if openScan != fragment.NilRef {
				b.CloseScan(openScan)
				openScan = fragment.NilRef
			}
		case "checkpoint":
			if err := b.StartCheckpoint(); err != nil {
				fmt.Println("ERR:", err)
				continue
			}
			for {
				done, err := b.CheckpointStep()
				if err != nil {
					fmt.Println("ERR:", err)
					break
				}
				if done {
					fmt.Println("checkpoint complete")
					break
				}
			}
		case "stats":
			printStats(b)
		default:
			fmt.Println("unknown command; try .help")
		}
	}
}

func runInsertLike(b *acc.Block, kind fragment.OpKind, args []string, nextTx *uint64) {
	if len(args) == 0 {
		fmt.Println("ERR: usage:", verbName(kind), "<key...>")
		return
	}
	key := make([][]byte, len(args))
	for i, a := range args {
		key[i] = []byte(a)
	}
	tx := fragment.TxID{Node: 1, Seq: *nextTx}
	*nextTx++

	var err error
	var op fragment.Ref
	switch kind {
	case fragment.OpInsert:
		r, e := b.Insert(tx, key)
		op, err = r.Op, e
	case fragment.OpUpdate:
		r, e := b.Update(tx, key)
		op, err = r.Op, e
	case fragment.OpDelete:
		r, e := b.Delete(tx, key)
		op, err = r.Op, e
	}
	if err != nil {
		fmt.Println("ERR:", err)
		return
	}
	if err := b.Commit(op); err != nil {
		fmt.Println("ERR: commit:", err)
		return
	}
	fmt.Println("ok")
}

func runRead(b *acc.Block, args []string, nextTx *uint64) {
	if len(args) == 0 {
		fmt.Println("ERR: usage: read <key...>")
		return
	}
	key := make([][]byte, len(args))
	for i, a := range args {
		key[i] = []byte(a)
	}
	tx := fragment.TxID{Node: 1, Seq: *nextTx}
	*nextTx++
	res, err := b.Read(tx, key, true)
	if err != nil {
		fmt.Println("ERR:", err)
		return
	}
	fmt.Printf("found: page=%d slot=%d\n", res.Elem.Page, res.Elem.Slot)
}

func verbName(kind fragment.OpKind) string {
	switch kind {
	case fragment.OpInsert:
		return "insert"
	case fragment.OpUpdate:
		return "update"
	case fragment.OpDelete:
		return "delete"
	default:
		return "op"
	}
}

func printStats(b *acc.Block) {
	lh := b.Frag.LH
	fmt.Printf("buckets=%d p=%d maxp=%d k=%d slack=%d slackCheck=%d expandCounter=%d\n",
		lh.BucketCount(), lh.P, lh.MaxP, lh.K, lh.Slack, lh.SlackCheck, lh.ExpandCounter)
	fmt.Printf("adaptiveHash: hits=%d misses=%d builds=%d drops=%d evictions=%d\n",
		b.Hash.Stats.Hits, b.Hash.Stats.Misses, b.Hash.Stats.Builds, b.Hash.Stats.Drops, b.Hash.Stats.Evictions)
}

func printHelp() {
	fmt.Println(`commands:
  insert <key...>       insert a tuple under the given key fields
  update <key...>       mark the tuple under key as updated
  delete <key...>       delete the tuple under key
  read <key...>         read-committed lookup of key
  scan-start            begin a scan over this fragment
  scan-next             advance the open scan by one row
  scan-close            close the open scan
  checkpoint            run a local checkpoint to completion
  stats                 print linear-hash and adaptive-hash counters
  .help                 this text
  .quit                 exit`)
}
