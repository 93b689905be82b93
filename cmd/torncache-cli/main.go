package main

import (
	"fmt"
	"os"

	"github.com/MakeNowJust/heredoc"
	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
)

var (
	// injected by -ldflags at release time.
	buildVersion = "dev"
	buildCommit  = "unknown"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "torncache-cli: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "torncache-cli",
		Short: "An interactive command line for memcached clusters",
		Long: heredoc.Doc(`
			torncache-cli talks the memcached text protocol through the
			tornado-memcache client library. Servers, pool sizes, timeouts and
			the hash strategy are grouped into named contexts that persist
			under ~/.torncache-cli, so switching clusters is one command.

			Run without arguments to enter the interactive shell.
		`),
		Example: heredoc.Doc(`
			# register a cluster and make it current
			torncache-cli context create local -s "localhost:11211,localhost:11212"

			# one-shot commands against the current context
			torncache-cli set greeting hello --ttl 60s
			torncache-cli get greeting
			torncache-cli stats

			# or just start the shell
			torncache-cli
		`),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(cmd)
		},
	}

	root.PersistentFlags().StringP("context", "c", "",
		"context to use for this invocation instead of the current one")

	root.AddCommand(
		newContextCommand(),
		newGetCommand(),
		newMGetCommand(),
		newSetCommand(),
		newAddCommand(),
		newCasCommand(),
		newDeleteCommand(),
		newIncrCommand(),
		newDecrCommand(),
		newTouchCommand(),
		newStatsCommand(),
		newServerVersionCommand(),
		newFlushAllCommand(),
		newHistoryCommand(),
		newVersionCommand(),
	)

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of torncache-cli",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("torncache-cli %s (%s)\n", buildVersion, buildCommit)
		},
	}
}

// runInteractive blocks inside the go-prompt read loop until the user exits.
func runInteractive(cmd *cobra.Command) error {
	manager, err := getContextManager(cmd)
	if err != nil {
		return err
	}
	defer manager.close()

	repl := newReplCommander(manager)
	fmt.Printf("torncache-cli %s, type `help` for usage, `exit` to quit\n", buildVersion)

	p := prompt.New(
		repl.executor,
		repl.completer,
		prompt.OptionTitle("torncache-cli"),
		prompt.OptionPrefix(">>> "),
		prompt.OptionLivePrefix(repl.livePrefix),
		prompt.OptionInputTextColor(prompt.Yellow),
	)
	p.Run()

	return nil
}
