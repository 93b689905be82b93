package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	torncache "github.com/vidyar/tornado-memcache"
)

// benignErrors come back from a healthy cluster during normal use. They
// are printed for the user but do not fail the invocation.
var benignErrors = []error{
	torncache.ErrNotFound,
	torncache.ErrClientError,
	torncache.ErrServerError,
}

func ignoreCacheError(err error) error {
	if err == nil {
		return nil
	}
	for _, benign := range benignErrors {
		if errors.Is(err, benign) {
			fmt.Printf("memcached: %v\n", err)
			return nil
		}
	}
	return err
}

func runWithManager(cmd *cobra.Command, fn func(m *contextManager) error) error {
	manager, err := getContextManager(cmd)
	if err != nil {
		return err
	}
	defer manager.close()

	return fn(manager)
}

func runWithPool(cmd *cobra.Command, fn func(ctx context.Context, pool *torncache.ClientPool) error) error {
	return runWithManager(cmd, func(m *contextManager) error {
		m.record(strings.Join(os.Args[1:], " "))

		pool, err := m.getPool()
		if err != nil {
			return err
		}
		return fn(cmd.Context(), pool)
	})
}

func printItem(item *torncache.Item) {
	data, err := item.Bytes()
	if err != nil {
		fmt.Printf("%s: %v\n", item.Key, item.Value)
		return
	}
	if item.CAS != 0 {
		fmt.Printf("%s (flags=%d cas=%d %dB): %s\n", item.Key, item.Flags, item.CAS, len(data), data)
		return
	}
	fmt.Printf("%s (flags=%d %dB): %s\n", item.Key, item.Flags, len(data), data)
}

func storedWord(ok bool) string {
	if ok {
		return "stored"
	}
	return "not stored"
}

// ttlSeconds converts a flag duration to the protocol's exptime seconds.
func ttlSeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	secs := int64(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return int32(secs)
}

func parseServerList(raw string) []string {
	parts := lo.Map(strings.Split(raw, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	})
	return lo.Compact(lo.Uniq(parts))
}

func sortedKeys[V any](m map[string]V) []string {
	addrs := lo.Keys(m)
	sort.Strings(addrs)
	return addrs
}

func newContextCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "context",
		Short: "Manage named cluster contexts",
		Example: heredoc.Doc(`
			torncache-cli context create staging \
				-s "cache1.internal:11211,cache2.internal:11211" \
				--pool-size 8 --hash-strategy murmur3
			torncache-cli context use staging
			torncache-cli context list
		`),
	}

	root.AddCommand(
		newContextCreateCommand(),
		newContextListCommand(),
		newContextUseCommand(),
		newContextCurrentCommand(),
		newContextDeleteCommand(),
	)
	return root
}

func newContextCreateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "create <name>",
		Short:        "Register a new context and select it if none is current",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := defaultContext(args[0])

			raw, _ := cmd.Flags().GetString("servers")
			c.Servers = parseServerList(raw)
			c.PoolSize, _ = cmd.Flags().GetInt("pool-size")
			c.ConnectTimeout, _ = cmd.Flags().GetDuration("connect-timeout")
			c.RequestTimeout, _ = cmd.Flags().GetDuration("request-timeout")
			c.HashStrategy, _ = cmd.Flags().GetString("hash-strategy")

			return runWithManager(cmd, func(m *contextManager) error {
				if err := m.createContext(c); err != nil {
					return err
				}
				fmt.Printf("created context %s\n", c)
				return nil
			})
		},
	}

	cmd.Flags().StringP("servers", "s", "",
		`comma separated server list, "host[:port]" or "mc://host:port?weight=N"`)
	cmd.Flags().IntP("pool-size", "p", 4, "max concurrent clients, 0 means unbounded")
	cmd.Flags().Duration("connect-timeout", 2*time.Second, "dial timeout per server")
	cmd.Flags().Duration("request-timeout", 2*time.Second, "round trip timeout per command")
	cmd.Flags().String("hash-strategy", hashStrategyCRC32,
		fmt.Sprintf("key placement hash, one of %s", strings.Join(hashStrategies, ", ")))
	_ = cmd.MarkFlagRequired("servers")

	return cmd
}

func newContextListCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "list",
		Short:        "List all registered contexts",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithManager(cmd, func(m *contextManager) error {
				contexts := m.listContexts()
				if len(contexts) == 0 {
					fmt.Println("no contexts, run `context create` first")
					return nil
				}
				current := m.currentName()
				for _, c := range contexts {
					marker := " "
					if c.Name == current {
						marker = "*"
					}
					fmt.Printf("%s %s\n", marker, c)
				}
				return nil
			})
		},
	}
}

func newContextUseCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "use <name>",
		Short:        "Switch the current context",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithManager(cmd, func(m *contextManager) error {
				if err := m.useContext(args[0]); err != nil {
					return err
				}
				fmt.Printf("switched to context %s\n", args[0])
				return nil
			})
		},
	}
}

func newContextCurrentCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "current",
		Short:        "Show the current context",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithManager(cmd, func(m *contextManager) error {
				c, err := m.currentContext()
				if err != nil {
					return err
				}
				fmt.Println(c)
				return nil
			})
		},
	}
}

func newContextDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "delete <name>",
		Short:        "Remove a context",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithManager(cmd, func(m *contextManager) error {
				if err := m.deleteContext(args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted context %s\n", args[0])
				return nil
			})
		},
	}
}

func newGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "get <key>",
		Short:        "Fetch one key from the current context",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			withCAS, _ := cmd.Flags().GetBool("cas")
			return runWithPool(cmd, func(ctx context.Context, pool *torncache.ClientPool) error {
				fetch := pool.Get
				if withCAS {
					fetch = pool.Gets
				}
				item, err := fetch(ctx, args[0])
				if err != nil {
					return ignoreCacheError(err)
				}
				printItem(item)
				return nil
			})
		},
	}
	cmd.Flags().Bool("cas", false, "fetch a cas token alongside the value")
	return cmd
}

func newMGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "mget <key> [key...]",
		Short:        "Fetch several keys across all shards in one round",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithPool(cmd, func(ctx context.Context, pool *torncache.ClientPool) error {
				items, err := pool.GetsMany(ctx, args)
				for _, key := range args {
					if item, ok := items[key]; ok {
						printItem(item)
					} else {
						fmt.Printf("%s: (miss)\n", key)
					}
				}
				return ignoreCacheError(err)
			})
		},
	}
}

func newSetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "set <key> <value>",
		Short:        "Store a value unconditionally",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, _ := cmd.Flags().GetDuration("ttl")
			noReply, _ := cmd.Flags().GetBool("noreply")
			return runWithPool(cmd, func(ctx context.Context, pool *torncache.ClientPool) error {
				ok, err := pool.Set(ctx, args[0], args[1], ttlSeconds(ttl), noReply)
				if err != nil {
					return ignoreCacheError(err)
				}
				fmt.Println(storedWord(ok))
				return nil
			})
		},
	}
	cmd.Flags().Duration("ttl", 0, "expiry, 0 keeps the item until evicted")
	cmd.Flags().Bool("noreply", false, "fire and forget, skip the server reply")
	return cmd
}

func newAddCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "add <key> <value>",
		Short:        "Store a value only when the key does not exist yet",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, _ := cmd.Flags().GetDuration("ttl")
			return runWithPool(cmd, func(ctx context.Context, pool *torncache.ClientPool) error {
				ok, err := pool.Add(ctx, args[0], args[1], ttlSeconds(ttl), false)
				if err != nil {
					return ignoreCacheError(err)
				}
				fmt.Println(storedWord(ok))
				return nil
			})
		},
	}
	cmd.Flags().Duration("ttl", 0, "expiry, 0 keeps the item until evicted")
	return cmd
}

func newCasCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "cas <key> <value>",
		Short:        "Store a value only when the cas token still matches",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, _ := cmd.Flags().GetDuration("ttl")
			token, _ := cmd.Flags().GetUint64("token")
			return runWithPool(cmd, func(ctx context.Context, pool *torncache.ClientPool) error {
				ok, err := pool.Cas(ctx, args[0], args[1], ttlSeconds(ttl), token, false)
				if err != nil {
					return ignoreCacheError(err)
				}
				if ok {
					fmt.Println("stored")
				} else {
					fmt.Println("modified by someone else, fetch again")
				}
				return nil
			})
		},
	}
	cmd.Flags().Duration("ttl", 0, "expiry, 0 keeps the item until evicted")
	cmd.Flags().Uint64("token", 0, "cas token from a previous `get --cas`")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "delete <key> [key...]",
		Short:        "Remove keys from the cluster",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithPool(cmd, func(ctx context.Context, pool *torncache.ClientPool) error {
				if len(args) == 1 {
					ok, err := pool.Delete(ctx, args[0], false)
					if err != nil {
						return ignoreCacheError(err)
					}
					if ok {
						fmt.Println("deleted")
					} else {
						fmt.Println("not found")
					}
					return nil
				}

				results, err := pool.DeleteMany(ctx, args, false)
				for _, key := range args {
					if results[key] {
						fmt.Printf("%s: deleted\n", key)
					} else {
						fmt.Printf("%s: not found\n", key)
					}
				}
				return ignoreCacheError(err)
			})
		},
	}
}

func newIncrCommand() *cobra.Command {
	return newArithmeticCommand("incr", "Increment a numeric value",
		func(pool *torncache.ClientPool) func(context.Context, string, uint64, bool) (uint64, error) {
			return pool.Incr
		})
}

func newDecrCommand() *cobra.Command {
	return newArithmeticCommand("decr", "Decrement a numeric value, stopping at zero",
		func(pool *torncache.ClientPool) func(context.Context, string, uint64, bool) (uint64, error) {
			return pool.Decr
		})
}

func newArithmeticCommand(name, short string,
	op func(*torncache.ClientPool) func(context.Context, string, uint64, bool) (uint64, error)) *cobra.Command {

	return &cobra.Command{
		Use:          name + " <key> [delta]",
		Short:        short,
		Args:         cobra.RangeArgs(1, 2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			delta := uint64(1)
			if len(args) == 2 {
				var err error
				if delta, err = strconv.ParseUint(args[1], 10, 64); err != nil {
					return errors.Wrapf(err, "bad delta %q", args[1])
				}
			}
			return runWithPool(cmd, func(ctx context.Context, pool *torncache.ClientPool) error {
				value, err := op(pool)(ctx, args[0], delta, false)
				if err != nil {
					return ignoreCacheError(err)
				}
				fmt.Println(value)
				return nil
			})
		},
	}
}

func newTouchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "touch <key>",
		Short:        "Reset the expiry of an existing item",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, _ := cmd.Flags().GetDuration("ttl")
			return runWithPool(cmd, func(ctx context.Context, pool *torncache.ClientPool) error {
				ok, err := pool.Touch(ctx, args[0], ttlSeconds(ttl), false)
				if err != nil {
					return ignoreCacheError(err)
				}
				if ok {
					fmt.Println("touched")
				} else {
					fmt.Println("not found")
				}
				return nil
			})
		},
	}
	cmd.Flags().Duration("ttl", 0, "new expiry, 0 keeps the item until evicted")
	_ = cmd.MarkFlagRequired("ttl")
	return cmd
}

func newStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "stats [domain]",
		Short:        "Dump statistics from every server, or one with --server",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			server, _ := cmd.Flags().GetString("server")
			return runWithPool(cmd, func(ctx context.Context, pool *torncache.ClientPool) error {
				if server != "" {
					stats, err := pool.Stats(ctx, server, args...)
					if err != nil {
						return err
					}
					printStats(server, stats)
					return nil
				}

				all, err := pool.Broadcast().Stats(ctx, args...)
				for _, addr := range sortedKeys(all) {
					printStats(addr, all[addr])
				}
				return err
			})
		},
	}
	cmd.Flags().String("server", "", "limit to one server (host:port)")
	return cmd
}

func printStats(addr string, stats map[string]string) {
	fmt.Printf("[%s]\n", addr)
	for _, name := range sortedKeys(stats) {
		fmt.Printf("  %s = %s\n", name, stats[name])
	}
}

func newServerVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "server-version",
		Short:        "Print the memcached version of every server",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			server, _ := cmd.Flags().GetString("server")
			return runWithPool(cmd, func(ctx context.Context, pool *torncache.ClientPool) error {
				if server != "" {
					version, err := pool.Version(ctx, server)
					if err != nil {
						return err
					}
					fmt.Printf("%s: %s\n", server, version)
					return nil
				}

				all, err := pool.Broadcast().Version(ctx)
				for _, addr := range sortedKeys(all) {
					fmt.Printf("%s: %s\n", addr, all[addr])
				}
				return err
			})
		},
	}
	cmd.Flags().String("server", "", "limit to one server (host:port)")
	return cmd
}

func newFlushAllCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "flushall",
		Short:        "Invalidate every item, on all servers or one with --server",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			delay, _ := cmd.Flags().GetDuration("delay")
			server, _ := cmd.Flags().GetString("server")
			noReply, _ := cmd.Flags().GetBool("noreply")
			return runWithPool(cmd, func(ctx context.Context, pool *torncache.ClientPool) error {
				seconds := ttlSeconds(delay)
				if server != "" {
					if err := pool.FlushAll(ctx, server, seconds, noReply); err != nil {
						return err
					}
					fmt.Printf("%s: flushed\n", server)
					return nil
				}

				outcomes, err := pool.Broadcast().FlushAll(ctx, seconds, noReply)
				for _, addr := range sortedKeys(outcomes) {
					if ferr := outcomes[addr]; ferr != nil {
						fmt.Printf("%s: %v\n", addr, ferr)
					} else {
						fmt.Printf("%s: flushed\n", addr)
					}
				}
				return err
			})
		},
	}
	cmd.Flags().Duration("delay", 0, "let the servers spread the flush over this long")
	cmd.Flags().String("server", "", "limit to one server (host:port)")
	cmd.Flags().Bool("noreply", false, "fire and forget, skip the server reply")
	return cmd
}

func newHistoryCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "history",
		Short: "Inspect or toggle the command history",
	}

	root.AddCommand(
		&cobra.Command{
			Use:          "enable",
			Short:        "Record executed commands to the history file",
			Args:         cobra.NoArgs,
			SilenceUsage: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWithManager(cmd, func(m *contextManager) error {
					return m.setHistoryEnabled(true)
				})
			},
		},
		&cobra.Command{
			Use:          "disable",
			Short:        "Stop recording commands",
			Args:         cobra.NoArgs,
			SilenceUsage: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWithManager(cmd, func(m *contextManager) error {
					return m.setHistoryEnabled(false)
				})
			},
		},
		newHistorySearchCommand(),
	)
	return root
}

func newHistorySearchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "search [keyword]",
		Short:        "Search recorded commands by keyword and time range",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			keyword := ""
			if len(args) == 1 {
				keyword = args[0]
			}
			since, err := parseHistoryTime(cmd, "since")
			if err != nil {
				return err
			}
			until, err := parseHistoryTime(cmd, "until")
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")

			return runWithManager(cmd, func(m *contextManager) error {
				lines, serr := m.history.search(keyword, since, until, limit)
				if serr != nil {
					return serr
				}
				for _, line := range lines {
					fmt.Println(line)
				}
				return nil
			})
		},
	}
	cmd.Flags().String("since", "", `only records at or after this time ("`+historyTimeFormat+`")`)
	cmd.Flags().String("until", "", `only records at or before this time ("`+historyTimeFormat+`")`)
	cmd.Flags().Int("limit", 50, "print at most this many matches, 0 means all")
	return cmd
}

func parseHistoryTime(cmd *cobra.Command, flag string) (time.Time, error) {
	raw, _ := cmd.Flags().GetString(flag)
	if raw == "" {
		return time.Time{}, nil
	}
	at, err := time.ParseInLocation(historyTimeFormat, raw, time.Local)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "bad --%s", flag)
	}
	return at, nil
}
