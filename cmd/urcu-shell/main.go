// urcu-shell is an interactive inspector for the range allocator: it
// hosts an in-process RangeMap and exposes add/del/lookup, partition
// listing, validation and structural statistics.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/loveCupid/urcu/ja"
	"github.com/loveCupid/urcu/rcu"
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	flavor := rcu.NewEpoch()
	rm, err := ja.NewRangeMap(flavor)
	if err != nil {
		log.Fatalf("failed to initialize range map: %v", err)
	}

	fmt.Println("urcu interactive shell. In-process range allocator over a 64-bit judy array.")
	fmt.Println("Available commands: add/del/lookup/ranges/validate/stats/help/exit")

	// Setup liner shell
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	for {
		input, err := line.Prompt("urcu> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				fmt.Println("Aborted")
				continue
			}
			break
		}
		line.AppendHistory(input)

		args := strings.Fields(strings.TrimSpace(input))
		if len(args) == 0 {
			continue
		}

		switch args[0] {

		case "add":
			if len(args) < 3 {
				fmt.Println("Usage: add <start> <end> [payload]")
				continue
			}
			start, err1 := parseKey(args[1])
			end, err2 := parseKey(args[2])
			if err1 != nil || err2 != nil {
				fmt.Println("add: start and end must be unsigned integers")
				continue
			}
			var payload any
			if len(args) > 3 {
				payload = args[3]
			}
			switch err := rm.Add(start, end, payload); {
			case err == nil:
				fmt.Printf("allocated [%d, %d]\n", start, end)
			case errors.Is(err, ja.ErrExists):
				fmt.Printf("add failed: [%d, %d] is not wholly free\n", start, end)
			default:
				fmt.Printf("add failed: %v\n", err)
			}

		case "del":
			if len(args) < 2 {
				fmt.Println("Usage: del <key>")
				continue
			}
			key, err := parseKey(args[1])
			if err != nil {
				fmt.Println("del: key must be an unsigned integer")
				continue
			}
			g := flavor.ReadBegin()
			r := rm.Lookup(key)
			g.ReadEnd()
			if r == nil {
				fmt.Printf("no allocated range covers key %d\n", key)
				continue
			}
			if err := rm.Del(r); err != nil {
				fmt.Printf("del failed: %v\n", err)
				continue
			}
			fmt.Printf("freed [%d, %d]\n", r.Start(), r.End())

		case "lookup":
			if len(args) < 2 {
				fmt.Println("Usage: lookup <key>")
				continue
			}
			key, err := parseKey(args[1])
			if err != nil {
				fmt.Println("lookup: key must be an unsigned integer")
				continue
			}
			g := flavor.ReadBegin()
			r := rm.Lookup(key)
			g.ReadEnd()
			if r == nil {
				fmt.Printf("key %d is free\n", key)
			} else {
				fmt.Printf("key %d -> [%d, %d] payload=%v\n", key, r.Start(), r.End(), r.Priv())
			}

		case "ranges":
			// Show the first allocated ranges of the partition.
			limit := 32
			if len(args) > 1 {
				if n, err := strconv.Atoi(args[1]); err == nil && n > 0 {
					limit = n
				}
			}
			shown := 0
			g := flavor.ReadBegin()
			rm.ForEachRange(func(r *ja.Range) bool {
				if r.Type() != ja.RangeAllocated {
					return true
				}
				fmt.Printf("  [%d, %d] payload=%v\n", r.Start(), r.End(), r.Priv())
				shown++
				return shown < limit
			})
			g.ReadEnd()
			if shown == 0 {
				fmt.Println("no allocated ranges")
			}

		case "validate":
			if ret := rm.Validate(); ret == 0 {
				fmt.Println("partition invariants hold")
			} else {
				fmt.Printf("partition invariants VIOLATED (%d)\n", ret)
			}

		case "stats":
			stats := rm.ReadStats()
			fmt.Printf("key bits:       %d\n", stats.KeyBits)
			fmt.Printf("tree depth:     %d\n", stats.Depth)
			fmt.Printf("interior nodes: %d\n", stats.InteriorNodes)
			fmt.Printf("retired nodes:  %d\n", stats.RetiredNodes)

		case "help":
			fmt.Println("add <start> <end> [payload]  allocate a range")
			fmt.Println("del <key>                    free the range covering key")
			fmt.Println("lookup <key>                 find the range covering key")
			fmt.Println("ranges [limit]               list allocated ranges")
			fmt.Println("validate                     check partition invariants")
			fmt.Println("stats                        judy array structure census")
			fmt.Println("exit                         leave the shell")

		case "exit", "quit":
			rm.Destroy(nil)
			return

		default:
			fmt.Printf("unknown command %q (try help)\n", args[0])
		}
	}
}

func parseKey(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}
