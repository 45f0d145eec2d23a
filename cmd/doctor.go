package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/providers"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, credentials, and service reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			failures := 0
			check := func(name string, ok bool, detail string) {
				mark := "ok"
				if !ok {
					mark = "FAIL"
					failures++
				}
				fmt.Fprintf(out, "%-28s %-4s %s\n", name, mark, detail)
			}

			check("config", true, resolveConfigPath())
			check("environment", cfg.Environment != "", string(cfg.Environment))

			keys := providerKeys(cfg)
			check("anthropic key", keys.Anthropic != "", maskPresence(keys.Anthropic))
			check("openai key", keys.OpenAI != "", maskPresence(keys.OpenAI))
			check("gemini key", keys.Gemini != "", maskPresence(keys.Gemini))

			model := cfg.Agents.Defaults.Model
			provider := providers.ResolveProvider(model)
			check("default model", provider != "", fmt.Sprintf("%s (%s)", model, orUnknown(provider)))

			check("service api", apiHealthy(cmd.Context(), cfg), cfg.Service.APIURL)
			check("access token", cfg.Service.AccessToken != "", maskPresence(cfg.Service.AccessToken))

			for id := range cfg.Agents.List {
				spec := cfg.SpecFor(id)
				p := providers.ResolveProvider(spec.Model)
				check("agent "+id, p != "", fmt.Sprintf("%s (%s)", spec.Model, orUnknown(p)))
			}

			if failures > 0 {
				fmt.Fprintf(out, "\n%d check(s) failed\n", failures)
				os.Exit(1)
			}
			fmt.Fprintln(out, "\nall checks passed")
			return nil
		},
	}
}

func maskPresence(v string) string {
	if v == "" {
		return "not set"
	}
	return "set"
}

func orUnknown(provider string) string {
	if provider == "" {
		return "unknown provider"
	}
	return provider
}

func apiHealthy(ctx context.Context, cfg *config.Config) bool {
	if cfg.Service.APIURL == "" {
		return false
	}
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(hctx, http.MethodGet, cfg.Service.APIURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	var body struct {
		Status string `json:"status"`
	}
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&body) != nil {
		return false
	}
	return body.Status == "ok"
}
