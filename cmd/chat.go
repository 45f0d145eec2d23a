package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentd/internal/agent"
	"github.com/nextlevelbuilder/agentd/internal/manager"
	"github.com/nextlevelbuilder/agentd/internal/stream"
)

func chatCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with an agent locally, no event bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			mgr := manager.New(cfg, providerKeys(cfg),
				manager.WithTools(defaultTools(cfg)...),
				manager.WithConfirm(promptContinue),
			)
			if len(cfg.Agents.List) == 0 {
				if _, err := mgr.RegisterAgent(cfg.SpecFor("main")); err != nil {
					return err
				}
			}
			for id := range cfg.Agents.List {
				if _, err := mgr.RegisterAgent(cfg.SpecFor(id)); err != nil {
					return err
				}
			}
			if err := mgr.Initialize(cmd.Context()); err != nil {
				return err
			}

			if len(args) > 0 {
				return runOnce(cmd, mgr, agentID, strings.Join(args, " "))
			}
			return runREPL(cmd, mgr, agentID)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent to talk to (default: primary)")
	return cmd
}

func runOnce(cmd *cobra.Command, mgr *manager.Manager, agentID, message string) error {
	resp, err := mgr.StartRun(cmd.Context(), agentID, message, agent.ModeCLI)
	if err != nil {
		return err
	}
	if resp != nil {
		fmt.Fprintln(cmd.OutOrStdout(), resp.Text())
	}
	return nil
}

func runREPL(cmd *cobra.Command, mgr *manager.Manager, agentID string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "agentd chat. Type your message, or /quit to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return mgr.CleanUp(cmd.Context())
		case line == "/metrics":
			fmt.Fprintf(out, "%+v\n", mgr.Metrics())
			continue
		}
		err := mgr.StreamRun(cmd.Context(), agentID, line, func(ev stream.Event) {
			switch ev.Type {
			case stream.EventText:
				fmt.Fprint(out, ev.Content)
			case stream.EventToolStart:
				fmt.Fprintf(out, "\n[tool: %s]\n", ev.Content)
			case stream.EventAgentDone:
				fmt.Fprintln(out)
			}
		})
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func promptContinue(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", prompt)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}
