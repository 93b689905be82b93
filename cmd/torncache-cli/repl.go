package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"github.com/c-bata/go-prompt"
	"github.com/pkg/errors"
	torncache "github.com/vidyar/tornado-memcache"
)

var replHelp = heredoc.Doc(`
	contexts                      list registered contexts
	use <name>                    switch the current context
	current                       show the current context

	get <key> [key...]            fetch values
	gets <key> [key...]           fetch values with cas tokens
	set <key> <value> [ttl]       store unconditionally
	add <key> <value> [ttl]       store when absent
	replace <key> <value> [ttl]   store when present
	append <key> <value>          append to an existing value
	prepend <key> <value>         prepend to an existing value
	cas <key> <value> <token>     store when the token still matches
	delete <key> [key...]         remove keys
	incr <key> [delta]            increment a numeric value
	decr <key> [delta]            decrement a numeric value
	touch <key> <ttl>             reset an item expiry

	stats [domain]                statistics from every server
	versions                      memcached version of every server
	flushall [delay]              invalidate everything

	help                          this text
	exit                          leave the shell
`)

var replSuggestions = []prompt.Suggest{
	{Text: "contexts", Description: "list registered contexts"},
	{Text: "use", Description: "switch the current context"},
	{Text: "current", Description: "show the current context"},
	{Text: "get", Description: "fetch values"},
	{Text: "gets", Description: "fetch values with cas tokens"},
	{Text: "set", Description: "store unconditionally"},
	{Text: "add", Description: "store when absent"},
	{Text: "replace", Description: "store when present"},
	{Text: "append", Description: "append to an existing value"},
	{Text: "prepend", Description: "prepend to an existing value"},
	{Text: "cas", Description: "store when the token still matches"},
	{Text: "delete", Description: "remove keys"},
	{Text: "incr", Description: "increment a numeric value"},
	{Text: "decr", Description: "decrement a numeric value"},
	{Text: "touch", Description: "reset an item expiry"},
	{Text: "stats", Description: "statistics from every server"},
	{Text: "versions", Description: "memcached version of every server"},
	{Text: "flushall", Description: "invalidate everything"},
	{Text: "help", Description: "usage"},
	{Text: "exit", Description: "leave the shell"},
}

// replCommander wires go-prompt to the pool of the current context.
type replCommander struct {
	manager *contextManager
}

func newReplCommander(m *contextManager) *replCommander {
	return &replCommander{manager: m}
}

func (r *replCommander) livePrefix() (string, bool) {
	name := r.manager.currentName()
	if name == "" {
		return "", false
	}
	return name + " >>> ", true
}

func (r *replCommander) completer(d prompt.Document) []prompt.Suggest {
	before := d.TextBeforeCursor()
	fields := strings.Fields(before)

	completingVerb := len(fields) == 0 ||
		(len(fields) == 1 && !strings.HasSuffix(before, " "))
	if completingVerb {
		return prompt.FilterHasPrefix(replSuggestions, d.GetWordBeforeCursor(), true)
	}

	if fields[0] == "use" {
		suggestions := make([]prompt.Suggest, 0, 4)
		for _, c := range r.manager.listContexts() {
			suggestions = append(suggestions, prompt.Suggest{
				Text:        c.Name,
				Description: strings.Join(c.Servers, ","),
			})
		}
		return prompt.FilterHasPrefix(suggestions, d.GetWordBeforeCursor(), true)
	}
	return nil
}

func (r *replCommander) executor(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	r.manager.record(line)

	fields := strings.Fields(line)
	verb, args := strings.ToLower(fields[0]), fields[1:]

	if verb == "exit" || verb == "quit" {
		fmt.Println("bye")
		r.manager.close()
		os.Exit(0)
	}

	if err := r.dispatch(verb, args); err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

func (r *replCommander) dispatch(verb string, args []string) error {
	switch verb {
	case "help":
		fmt.Print(replHelp)
		return nil
	case "contexts", "list":
		contexts := r.manager.listContexts()
		if len(contexts) == 0 {
			fmt.Println("no contexts, create one with `torncache-cli context create`")
			return nil
		}
		current := r.manager.currentName()
		for _, c := range contexts {
			marker := " "
			if c.Name == current {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, c)
		}
		return nil
	case "use":
		if len(args) != 1 {
			return errors.New("usage: use <name>")
		}
		return r.manager.useContext(args[0])
	case "current":
		c, err := r.manager.currentContext()
		if err != nil {
			return err
		}
		fmt.Println(c)
		return nil
	}

	pool, err := r.manager.getPool()
	if err != nil {
		return err
	}
	return r.dispatchPool(context.Background(), pool, verb, args)
}

func (r *replCommander) dispatchPool(ctx context.Context,
	pool *torncache.ClientPool, verb string, args []string) error {

	switch verb {
	case "get", "gets":
		return r.fetch(ctx, pool, verb == "gets", args)

	case "set", "add", "replace", "append", "prepend":
		return r.store(ctx, pool, verb, args)

	case "cas":
		if len(args) < 3 || len(args) > 4 {
			return errors.New("usage: cas <key> <value> <token> [ttl]")
		}
		token, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return errors.Wrapf(err, "bad token %q", args[2])
		}
		ttl, err := optionalTTL(args, 3)
		if err != nil {
			return err
		}
		ok, err := pool.Cas(ctx, args[0], args[1], ttl, token, false)
		if err != nil {
			return ignoreCacheError(err)
		}
		if ok {
			fmt.Println("stored")
		} else {
			fmt.Println("modified by someone else, fetch again")
		}
		return nil

	case "delete":
		if len(args) == 0 {
			return errors.New("usage: delete <key> [key...]")
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

	case "incr", "decr":
		if len(args) < 1 || len(args) > 2 {
			return errors.Errorf("usage: %s <key> [delta]", verb)
		}
		delta := uint64(1)
		if len(args) == 2 {
			var err error
			if delta, err = strconv.ParseUint(args[1], 10, 64); err != nil {
				return errors.Wrapf(err, "bad delta %q", args[1])
			}
		}
		op := pool.Incr
		if verb == "decr" {
			op = pool.Decr
		}
		value, err := op(ctx, args[0], delta, false)
		if err != nil {
			return ignoreCacheError(err)
		}
		fmt.Println(value)
		return nil

	case "touch":
		if len(args) != 2 {
			return errors.New("usage: touch <key> <ttl>")
		}
		ttl, err := parseTTLField(args[1])
		if err != nil {
			return err
		}
		ok, err := pool.Touch(ctx, args[0], ttl, false)
		if err != nil {
			return ignoreCacheError(err)
		}
		if ok {
			fmt.Println("touched")
		} else {
			fmt.Println("not found")
		}
		return nil

	case "stats":
		all, err := pool.Broadcast().Stats(ctx, args...)
		for _, addr := range sortedKeys(all) {
			printStats(addr, all[addr])
		}
		return err

	case "versions":
		all, err := pool.Broadcast().Version(ctx)
		for _, addr := range sortedKeys(all) {
			fmt.Printf("%s: %s\n", addr, all[addr])
		}
		return err

	case "flushall":
		ttl, err := optionalTTL(args, 0)
		if err != nil {
			return err
		}
		outcomes, err := pool.Broadcast().FlushAll(ctx, ttl, false)
		for _, addr := range sortedKeys(outcomes) {
			if ferr := outcomes[addr]; ferr != nil {
				fmt.Printf("%s: %v\n", addr, ferr)
			} else {
				fmt.Printf("%s: flushed\n", addr)
			}
		}
		return err
	}

	return errors.Errorf("unknown command %q, type `help`", verb)
}

func (r *replCommander) fetch(ctx context.Context,
	pool *torncache.ClientPool, withCAS bool, keys []string) error {

	if len(keys) == 0 {
		return errors.New("usage: get <key> [key...]")
	}

	many := pool.GetMany
	if withCAS {
		many = pool.GetsMany
	}
	items, err := many(ctx, keys)
	for _, key := range keys {
		if item, ok := items[key]; ok {
			printItem(item)
		} else {
			fmt.Printf("%s: (miss)\n", key)
		}
	}
	return ignoreCacheError(err)
}

func (r *replCommander) store(ctx context.Context,
	pool *torncache.ClientPool, verb string, args []string) error {

	var op func(context.Context, string, interface{}, int32, bool) (bool, error)
	maxArgs := 3
	switch verb {
	case "set":
		op = pool.Set
	case "add":
		op = pool.Add
	case "replace":
		op = pool.Replace
	case "append":
		op, maxArgs = pool.Append, 2
	case "prepend":
		op, maxArgs = pool.Prepend, 2
	}

	if len(args) < 2 || len(args) > maxArgs {
		if maxArgs == 2 {
			return errors.Errorf("usage: %s <key> <value>", verb)
		}
		return errors.Errorf("usage: %s <key> <value> [ttl]", verb)
	}
	ttl, err := optionalTTL(args, 2)
	if err != nil {
		return err
	}

	ok, err := op(ctx, args[0], args[1], ttl, false)
	if err != nil {
		return ignoreCacheError(err)
	}
	fmt.Println(storedWord(ok))
	return nil
}

// optionalTTL parses args[idx] as whole seconds when present.
func optionalTTL(args []string, idx int) (int32, error) {
	if len(args) <= idx {
		return 0, nil
	}
	return parseTTLField(args[idx])
}

func parseTTLField(raw string) (int32, error) {
	secs, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || secs < 0 {
		return 0, errors.Errorf("bad ttl %q, want non-negative seconds", raw)
	}
	return int32(secs), nil
}
