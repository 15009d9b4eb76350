package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/engage/am"
	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/internal/httpclient"
	"github.com/teranos/engage/pulse/executor"
	"github.com/teranos/engage/pulse/run"
	"github.com/teranos/engage/sym"
)

// StopCmd asks a running server to stop a family's run.
var StopCmd = &cobra.Command{
	Use:   "stop <family>",
	Short: sym.PulseClose + " Stop a family's run",
	Long: sym.PulseClose + ` stop - ask the running engage server to stop a family's run.

The run stops at its next checkpoint and is finalized with status "stopped".
Stopping when nothing runs is not an error.

Examples:
  engage stop keyword
  engage stop people_search --port 9000`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

func init() {
	StopCmd.Flags().Int("port", 0, "Server port (default server.port)")
}

func runStop(cmd *cobra.Command, args []string) error {
	family, err := run.ParseFamily(args[0])
	if err != nil {
		return err
	}
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	port := cfg.GetServerPort()
	if p, _ := cmd.Flags().GetInt("port"); p > 0 {
		port = p
	}

	client := httpclient.New(10*time.Second, httpclient.Options{AllowedSchemes: []string{"http"}, AllowPrivate: true})
	res, err := requestStop(cmd.Context(), client, fmt.Sprintf("http://localhost:%d", port), family)
	if err != nil {
		return errors.WithHint(err, "is 'engage serve' running? a foreground 'engage run' stops with Ctrl+C")
	}
	if res.Stopped {
		pterm.Success.Printf("%s (session %s)\n", res.Message, res.SessionID)
	} else {
		pterm.Info.Println(res.Message)
	}
	return nil
}

// requestStop calls DELETE /api/runs/{family} on the server at baseURL.
func requestStop(ctx context.Context, client *httpclient.SaferClient, baseURL string, family run.Family) (executor.StopResult, error) {
	var res executor.StopResult
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, baseURL+"/api/runs/"+string(family), nil)
	if err != nil {
		return res, errors.Wrap(err, "failed to build stop request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return res, errors.Wrap(err, "failed to reach engage server")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		return res, errors.Newf("server returned %d: %s", resp.StatusCode, body.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return res, errors.Wrap(err, "failed to decode stop response")
	}
	return res, nil
}
